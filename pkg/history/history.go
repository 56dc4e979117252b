// Package history stores chat sessions and their ordered messages.
package history

import (
	"context"
	"errors"

	"github.com/alim08/fin_advisor/pkg/models"
)

var (
	// ErrNotFound is returned for sessions that were never written.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden is returned when a user writes to a session created by
	// another user.
	ErrForbidden = errors.New("session belongs to another user")
)

// Store is the document-store contract. Messages of one session are kept in
// append order; reads return them oldest first with Seq set.
type Store interface {
	// AppendMessages atomically appends msgs to the session, creating it
	// for userID on first write. Appends by any other user fail with
	// ErrForbidden.
	AppendMessages(ctx context.Context, sessionID, userID string, msgs ...models.Message) error
	// GetRecentMessages returns the last n messages, oldest first.
	GetRecentMessages(ctx context.Context, sessionID string, n int) ([]models.Message, error)
	// Owner returns the user a session belongs to.
	Owner(ctx context.Context, sessionID string) (string, error)
}

// AppendMessage appends a single message.
func AppendMessage(ctx context.Context, s Store, sessionID, userID string, msg models.Message) error {
	return s.AppendMessages(ctx, sessionID, userID, msg)
}

// withSeq stamps session id and 1-based sequence numbers onto the tail of a
// session holding total messages.
func withSeq(sessionID string, tail []models.Message, total int64) []models.Message {
	out := make([]models.Message, len(tail))
	first := total - int64(len(tail)) + 1
	for i, m := range tail {
		m.SessionID = sessionID
		m.Seq = first + int64(i)
		out[i] = m
	}
	return out
}
