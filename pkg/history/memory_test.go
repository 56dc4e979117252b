package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/fin_advisor/pkg/models"
)

func msg(id string, role models.Role, text string, ts time.Time) models.Message {
	return models.Message{ID: id, Role: role, Text: text, Timestamp: ts}
}

func TestMemoryStore_RoundTripPreservesOrderAndText(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	texts := []string{"hello", "  spaced\ttext\n", "ünïcødé 💸", ""}

	var want []models.Message
	for i, txt := range texts {
		m := msg(fmt.Sprintf("m%d", i), models.RoleUser, txt, base.Add(time.Duration(i)*time.Second))
		want = append(want, m)
		require.NoError(t, AppendMessage(ctx, s, "s1", "u1", m))
	}

	got, err := s.GetRecentMessages(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Text, got[i].Text)
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, int64(i+1), got[i].Seq)
		assert.Equal(t, "s1", got[i].SessionID)
	}
}

func TestMemoryStore_RecentTail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessages(ctx, "s1", "u1",
			msg(fmt.Sprintf("u%d", i), models.RoleUser, "q", now),
			msg(fmt.Sprintf("a%d", i), models.RoleAssistant, "a", now)))
	}

	got, err := s.GetRecentMessages(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a3", "u4", "a4"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, []int64{8, 9, 10}, []int64{got[0].Seq, got[1].Seq, got[2].Seq})

	empty, err := s.GetRecentMessages(ctx, "missing", 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_Owner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Owner(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AppendMessages(ctx, "s1", "alice", msg("m1", models.RoleUser, "hi", time.Now())))
	owner, err := s.Owner(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner, "owner is fixed on first write")
}

func TestMemoryStore_RejectsOtherUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AppendMessages(ctx, "s1", "alice", msg("m1", models.RoleUser, "hi", time.Now())))

	err := s.AppendMessages(ctx, "s1", "mallory", msg("m2", models.RoleUser, "mine now", time.Now()))
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := s.GetRecentMessages(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	owner, err := s.Owner(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestMemoryStore_ConcurrentSessions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", i)
			for j := 0; j < 20; j++ {
				_ = s.AppendMessages(ctx, sid, "u", msg(fmt.Sprintf("%d", j), models.RoleUser, "x", time.Now()))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		got, err := s.GetRecentMessages(ctx, fmt.Sprintf("s%d", i), 100)
		require.NoError(t, err)
		require.Len(t, got, 20)
		for j, m := range got {
			assert.Equal(t, fmt.Sprintf("%d", j), m.ID)
		}
	}
}
