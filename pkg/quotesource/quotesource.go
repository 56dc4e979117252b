// Package quotesource fetches latest prices from the external quote API.
package quotesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alim08/fin_advisor/pkg/breaker"
	"github.com/alim08/fin_advisor/pkg/models"
)

var (
	// ErrNotFound means the upstream does not know the symbol.
	ErrNotFound = errors.New("quote: symbol not found")
	// ErrUnavailable means the upstream could not answer.
	ErrUnavailable = errors.New("quote: source unavailable")
)

// HTTPSource reads quotes from an FMP-style endpoint:
// GET {base}/quote/{symbol}?apikey=... → [{"symbol","price","timestamp"}].
type HTTPSource struct {
	base   string
	apiKey string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

// NewHTTPSource builds a source; a nil client gets a 5s-timeout default.
func NewHTTPSource(base, apiKey string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	cfg := breaker.DefaultConfig("quote-source")
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, ErrNotFound) }
	return &HTTPSource{base: base, apiKey: apiKey, client: client, cb: breaker.New(cfg)}
}

type quotePayload struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Fetch returns the latest quote for symbol.
func (s *HTTPSource) Fetch(ctx context.Context, symbol string) (models.Quote, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.fetch(ctx, symbol)
	})
	if err != nil {
		if breaker.Rejected(err) {
			return models.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return models.Quote{}, err
	}
	return res.(models.Quote), nil
}

func (s *HTTPSource) fetch(ctx context.Context, symbol string) (models.Quote, error) {
	u := fmt.Sprintf("%s/quote/%s", s.base, url.PathEscape(symbol))
	if s.apiKey != "" {
		u += "?apikey=" + url.QueryEscape(s.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Quote{}, fmt.Errorf("%s: %w", symbol, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return models.Quote{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload []quotePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.Quote{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if len(payload) == 0 || payload[0].Price <= 0 {
		return models.Quote{}, fmt.Errorf("%s: %w", symbol, ErrNotFound)
	}
	p := payload[0]
	ts := time.Now().UTC()
	if p.Timestamp > 0 {
		ts = time.Unix(p.Timestamp, 0).UTC()
	}
	return models.Quote{Symbol: symbol, Price: p.Price, Timestamp: ts}, nil
}
