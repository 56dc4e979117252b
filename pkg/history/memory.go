package history

import (
	"context"
	"sync"

	"github.com/alim08/fin_advisor/pkg/models"
)

type memSession struct {
	userID string
	msgs   []models.Message
}

// MemoryStore keeps sessions in process. Used when no MongoDB is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memSession)}
}

func (s *MemoryStore) AppendMessages(ctx context.Context, sessionID, userID string, msgs ...models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memSession{userID: userID}
		s.sessions[sessionID] = sess
	}
	if sess.userID != userID {
		return ErrForbidden
	}
	sess.msgs = append(sess.msgs, msgs...)
	return nil
}

func (s *MemoryStore) GetRecentMessages(ctx context.Context, sessionID string, n int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || n <= 0 {
		return []models.Message{}, nil
	}
	tail := sess.msgs
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	return withSeq(sessionID, tail, int64(len(sess.msgs))), nil
}

func (s *MemoryStore) Owner(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return sess.userID, nil
}
