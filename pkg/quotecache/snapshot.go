package quotecache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alim08/fin_advisor/pkg/models"
)

const (
	latestKeyPrefix = "quotes:latest:"
	quotesChannel   = "quotes:pubsub"
)

// Redis is the subset of redisclient.Client the snapshot needs.
type Redis interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Publish(ctx context.Context, channel string, msg interface{}) error
}

// RedisSnapshot writes each fetched quote to quotes:latest:<symbol> and
// announces it on quotes:pubsub for other consumers.
type RedisSnapshot struct {
	rdb Redis
}

// NewRedisSnapshot wraps a Redis client.
func NewRedisSnapshot(rdb Redis) *RedisSnapshot {
	return &RedisSnapshot{rdb: rdb}
}

// SaveQuote implements Snapshotter.
func (s *RedisSnapshot) SaveQuote(ctx context.Context, q models.Quote) error {
	if err := s.rdb.HSet(ctx, latestKeyPrefix+q.Symbol, q.ToMap()); err != nil {
		return fmt.Errorf("failed to write quote snapshot: %w", err)
	}
	payload, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, quotesChannel, payload); err != nil {
		return fmt.Errorf("failed to publish quote: %w", err)
	}
	return nil
}
