package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/fin_advisor/pkg/history"
	"github.com/alim08/fin_advisor/pkg/models"
)

type fakeConn struct {
	id   string
	user string
	fail bool

	mu   sync.Mutex
	sent []models.Envelope
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) UserID() string {
	if c.user == "" {
		return "u1"
	}
	return c.user
}

func (c *fakeConn) Send(env models.Envelope) error {
	if c.fail {
		return errors.New("closed")
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Envelope(nil), c.sent...)
}

func envelope(t *testing.T, text string) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(models.EventMessageResponse, models.MessageResponse{Text: text})
	require.NoError(t, err)
	return env
}

func TestPush_AllConnectionsOfSessionOnce(t *testing.T) {
	b := New()
	a1, a2, other := &fakeConn{id: "a1"}, &fakeConn{id: "a2"}, &fakeConn{id: "o"}
	b.Register("s1", a1)
	b.Register("s1", a2)
	b.Register("s2", other)

	n := b.Push(context.Background(), "s1", "u1", envelope(t, "hello"))
	assert.Equal(t, 2, n)
	assert.Len(t, a1.received(), 1)
	assert.Len(t, a2.received(), 1)
	assert.Empty(t, other.received())
}

func TestPush_OnlyOwnerConnections(t *testing.T) {
	b := New()
	owner, intruder := &fakeConn{id: "a", user: "alice"}, &fakeConn{id: "m", user: "mallory"}
	b.Register("s1", owner)
	b.Register("s1", intruder)

	assert.Equal(t, 1, b.Push(context.Background(), "s1", "alice", envelope(t, "for alice")))
	assert.Len(t, owner.received(), 1)
	assert.Empty(t, intruder.received())
}

func TestPush_NoConnectionsDrops(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.Push(context.Background(), "nobody", "u1", envelope(t, "x")))
}

func TestPush_FailedSendNotCounted(t *testing.T) {
	b := New()
	good, bad := &fakeConn{id: "good"}, &fakeConn{id: "bad", fail: true}
	b.Register("s1", good)
	b.Register("s1", bad)
	assert.Equal(t, 1, b.Push(context.Background(), "s1", "u1", envelope(t, "x")))
	// The failing connection is left for its own pump to unregister.
	assert.Equal(t, 2, b.Connections("s1"))
}

func TestRegisterUnregister(t *testing.T) {
	b := New()
	c := &fakeConn{id: "c1"}
	b.Register("s1", c)
	b.Register("s1", c)
	assert.Equal(t, 1, b.Connections("s1"))

	b.Unregister("s1", "missing")
	b.Unregister("nope", "c1")
	assert.Equal(t, 1, b.Connections("s1"))

	b.Unregister("s1", "c1")
	assert.Equal(t, 0, b.Connections("s1"))
	assert.Equal(t, 0, b.Push(context.Background(), "s1", "u1", envelope(t, "x")))
}

func TestPush_ConcurrentRegistration(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			b.Register("s1", &fakeConn{id: id})
			b.Unregister("s1", id)
		}(i)
		go func() {
			defer wg.Done()
			b.Push(context.Background(), "s1", "u1", models.Envelope{Event: models.EventMessageResponse})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Connections("s1"))
}

func TestReplay(t *testing.T) {
	store := history.NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.AppendMessages(ctx, "s1", "u1", models.Message{
			ID: fmt.Sprintf("m%d", i), Role: models.RoleUser, Text: fmt.Sprintf("msg %d", i), Timestamp: ts,
		}))
	}

	b := New()
	target, bystander := &fakeConn{id: "t"}, &fakeConn{id: "b"}
	b.Register("s1", target)
	b.Register("s1", bystander)

	n, err := Replay(ctx, store, "s1", target, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, bystander.received())

	got := target.received()
	require.Len(t, got, 1)
	assert.Equal(t, models.EventHistory, got[0].Event)
	var replay models.HistoryReplay
	require.NoError(t, got[0].Decode(&replay))
	require.Len(t, replay.Messages, 2)
	assert.Equal(t, "msg 2", replay.Messages[0].Text)
	assert.Equal(t, "msg 3", replay.Messages[1].Text)
	assert.Equal(t, int64(3), replay.Messages[0].Seq)
}

type failingHistory struct{}

func (failingHistory) GetRecentMessages(context.Context, string, int) ([]models.Message, error) {
	return nil, errors.New("mongo down")
}

func TestReplay_ReadError(t *testing.T) {
	c := &fakeConn{id: "c"}
	_, err := Replay(context.Background(), failingHistory{}, "s1", c, 5)
	assert.ErrorContains(t, err, "mongo down")
	assert.Empty(t, c.received())
}
