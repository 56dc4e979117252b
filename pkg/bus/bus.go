// Package bus routes server events to the live connections of a session.
package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
)

// Conn is one live client connection of an authenticated user.
type Conn interface {
	ID() string
	UserID() string
	Send(env models.Envelope) error
}

// Bus maps session ids to their connections. It keeps no message log.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Conn
	log      *zap.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		sessions: make(map[string]map[string]Conn),
		log:      logger.Named("bus"),
	}
}

// Register attaches conn to a session. Registering the same connection id
// again replaces the previous entry.
func (b *Bus) Register(sessionID string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.sessions[sessionID]
	if !ok {
		conns = make(map[string]Conn)
		b.sessions[sessionID] = conns
	}
	if _, dup := conns[conn.ID()]; !dup {
		metrics.BusConnections.Inc()
	}
	conns[conn.ID()] = conn
}

// Unregister detaches a connection; unknown ids are ignored.
func (b *Bus) Unregister(sessionID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	if _, ok := conns[connID]; !ok {
		return
	}
	delete(conns, connID)
	metrics.BusConnections.Dec()
	if len(conns) == 0 {
		delete(b.sessions, sessionID)
	}
}

// Connections returns the number of connections registered for a session.
func (b *Bus) Connections(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

// Push sends env once to every connection of the session held by userID,
// the session owner, and returns how many accepted it. Connections of other
// users that joined the session id are skipped. With no connections the
// event is dropped.
func (b *Bus) Push(_ context.Context, sessionID, userID string, env models.Envelope) int {
	b.mu.RLock()
	targets := make([]Conn, 0, len(b.sessions[sessionID]))
	for _, c := range b.sessions[sessionID] {
		if c.UserID() != userID {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		metrics.BusDeliveries.WithLabelValues("no_connection").Inc()
		return 0
	}
	sent := 0
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			metrics.BusDeliveries.WithLabelValues("error").Inc()
			b.log.Debug("send failed",
				zap.String("session_id", sessionID),
				zap.String("conn_id", c.ID()),
				zap.Error(err))
			continue
		}
		metrics.BusDeliveries.WithLabelValues("success").Inc()
		sent++
	}
	return sent
}

// HistoryReader reads persisted messages.
type HistoryReader interface {
	GetRecentMessages(ctx context.Context, sessionID string, n int) ([]models.Message, error)
}

// Replay sends the last n persisted messages of a session to conn only.
func Replay(ctx context.Context, r HistoryReader, sessionID string, conn Conn, n int) (int, error) {
	msgs, err := r.GetRecentMessages(ctx, sessionID, n)
	if err != nil {
		return 0, fmt.Errorf("failed to read history: %w", err)
	}
	env, err := models.NewEnvelope(models.EventHistory, models.HistoryReplay{SessionID: sessionID, Messages: msgs})
	if err != nil {
		return 0, err
	}
	if err := conn.Send(env); err != nil {
		return 0, fmt.Errorf("failed to send history: %w", err)
	}
	return len(msgs), nil
}
