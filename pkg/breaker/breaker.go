// Package breaker builds the circuit breakers guarding upstream services.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/logger"
)

// Config holds configuration for a circuit breaker
type Config struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
	// IsSuccessful decides which errors count against the breaker. Nil
	// treats every non-nil error as a failure.
	IsSuccessful func(error) bool
}

// DefaultConfig returns the settings used for upstream clients.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// New creates a breaker that trips on the configured failure ratio.
func New(cfg Config) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	if cfg.IsSuccessful != nil {
		settings.IsSuccessful = cfg.IsSuccessful
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// Rejected reports whether err came from the breaker refusing the call.
func Rejected(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
