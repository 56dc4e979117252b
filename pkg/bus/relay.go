package bus

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/models"
)

// DefaultChannel carries session events between API instances.
const DefaultChannel = "chat:events"

// PubSub is the subset of the Redis client used by the relay.
type PubSub interface {
	Publish(ctx context.Context, channel string, msg interface{}) error
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type relayMessage struct {
	Origin    string          `json:"origin"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Event     models.Envelope `json:"event"`
}

// RedisRelay pushes to the local bus and publishes the event so other
// instances can deliver it to connections they hold.
type RedisRelay struct {
	local   *Bus
	rdb     PubSub
	channel string
	origin  string
	log     *zap.Logger
}

// NewRedisRelay creates a relay publishing on channel.
func NewRedisRelay(local *Bus, rdb PubSub, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		local:   local,
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logger.Named("bus.relay"),
	}
}

// Push delivers locally and publishes. It returns the local delivery
// count; a publish failure only costs remote delivery.
func (r *RedisRelay) Push(ctx context.Context, sessionID, userID string, env models.Envelope) int {
	n := r.local.Push(ctx, sessionID, userID, env)
	payload, err := json.Marshal(relayMessage{Origin: r.origin, SessionID: sessionID, UserID: userID, Event: env})
	if err != nil {
		r.log.Error("failed to encode relay message", zap.Error(err))
		return n
	}
	if err := r.rdb.Publish(ctx, r.channel, string(payload)); err != nil {
		r.log.Warn("relay publish failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return n
}

// Run fans published events into the local bus until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) {
	ps := r.rdb.Subscribe(ctx, r.channel)
	defer ps.Close()
	r.log.Info("relay started", zap.String("channel", r.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping")
			return
		case msg, ok := <-ch:
			if !ok {
				r.log.Warn("relay channel closed", zap.String("channel", r.channel))
				return
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, payload string) int {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.log.Warn("invalid relay message", zap.Error(err))
		return 0
	}
	if m.Origin == r.origin {
		return 0
	}
	return r.local.Push(ctx, m.SessionID, m.UserID, m.Event)
}
