// Package ai talks to an OpenAI-compatible chat completions service and
// builds the prompts and fallback replies used by chat turns.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/breaker"
	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
)

// Message is one conversation entry sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	System   string
	Messages []Message
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// Client calls POST {BaseURL}/chat/completions.
type Client struct {
	cfg  Config
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
}

// NewClient creates a client. A nil httpClient uses http.DefaultTransport;
// the per-call deadline comes from cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	bc := breaker.DefaultConfig("ai")
	// Caller mistakes and throttling say nothing about upstream health.
	bc.IsSuccessful = func(err error) bool {
		switch ClassOf(err) {
		case ClassRateLimited, ClassInvalidInput:
			return true
		}
		return err == nil
	}
	return &Client{cfg: cfg, http: httpClient, cb: breaker.New(bc), log: logger.Named("ai")}
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type wireResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete performs one attempt. Failures are always *Error.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	metrics.AILatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if breaker.Rejected(err) {
			err = &Error{Class: ClassUnavailable, Message: "circuit open", Err: err}
		}
		class := ClassOf(err)
		metrics.AIRequests.WithLabelValues(string(class)).Inc()
		c.log.Warn("completion failed", zap.String("class", string(class)), zap.Error(err))
		return "", err
	}
	metrics.AIRequests.WithLabelValues("ok").Inc()
	return res.(string), nil
}

func (c *Client) do(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	wire := wireRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if req.System != "" {
		wire.Messages = append(wire.Messages, Message{Role: "system", Content: req.System})
	}
	wire.Messages = append(wire.Messages, req.Messages...)

	body, err := json.Marshal(wire)
	if err != nil {
		return "", &Error{Class: ClassInvalidInput, Message: "marshaling request", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Class: ClassInvalidInput, Message: "creating request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &Error{Class: ClassOf(err), Message: "sending request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Class: ClassTransient, Message: "reading response", Err: err}
		}
		return "", &Error{Class: ClassTransient, Message: "decoding response", Err: err}
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", &Error{Class: ClassTransient, Message: "empty completion"}
	}
	return out.Choices[0].Message.Content, nil
}

// readError parses {"error":{"type","message"}} bodies.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		msg = wire.Error.Message
		if wire.Error.Type != "" {
			msg = wire.Error.Type + ": " + msg
		}
	}
	return &Error{Class: classForStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: msg}
}
