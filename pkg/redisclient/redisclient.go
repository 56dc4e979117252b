package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/alim08/fin_advisor/pkg/breaker"
	"github.com/alim08/fin_advisor/pkg/metrics"
)

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Client wraps go-redis with metrics, retries and a circuit breaker.
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

// New constructs a Client from a redis:// URL.
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.IdleTimeout = 5 * time.Minute
	return Wrap(redis.NewClient(opt)), nil
}

// Wrap adapts an existing go-redis client, e.g. one from redismock.
func Wrap(rdb *redis.Client) *Client {
	return wrap(rdb, breaker.DefaultConfig("redis"))
}

func wrap(rdb *redis.Client, cfg breaker.Config) *Client {
	// A missing key is an answer, not an outage.
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, redis.Nil)
	}
	return &Client{rdb: rdb, cb: breaker.New(cfg)}
}

// withMetrics wraps operations with metrics collection
func (c *Client) withMetrics(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RedisOperationDuration.WithLabelValues(operation, metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisErrors.WithLabelValues(operation).Inc()
	}
	return err
}

// call runs one attempt through the breaker.
func (c *Client) call(ctx context.Context, op func(context.Context) error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if breaker.Rejected(err) {
		return ErrCircuitBreakerOpen
	}
	return err
}

// retry runs op with per-attempt timeouts and exponential backoff. Attempts
// stop as soon as the breaker rejects one.
func (c *Client) retry(ctx context.Context, attempts uint64, perAttempt time.Duration, op func(context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), attempts), ctx)
	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		defer cancel()
		err := c.call(attemptCtx, op)
		if errors.Is(err, ErrCircuitBreakerOpen) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.withMetrics("ping", func() error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Publish sends msg on channel without retries; pub/sub is fire-and-forget.
func (c *Client) Publish(ctx context.Context, channel string, msg interface{}) error {
	return c.withMetrics("publish", func() error {
		return c.retry(ctx, 0, 100*time.Millisecond, func(ctx context.Context) error {
			return c.rdb.Publish(ctx, channel, msg).Err()
		})
	})
}

// HSet sets hash fields with retry.
func (c *Client) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return c.withMetrics("hset", func() error {
		return c.retry(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
			return c.rdb.HSet(ctx, key, values).Err()
		})
	})
}

// HGetAll reads all fields of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := c.withMetrics("hgetall", func() error {
		return c.call(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.rdb.HGetAll(ctx, key).Result()
			return err
		})
	})
	return out, err
}

// Subscribe creates a pub/sub subscription
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}
