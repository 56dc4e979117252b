package recommend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/fin_advisor/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	return New(opts), clk
}

func record(t *testing.T, e *Engine, user, sym string, kind models.InteractionKind) {
	t.Helper()
	require.NoError(t, e.RecordInteraction(context.Background(), user, sym, kind))
}

func TestRecommend_SimilarUserSurfacesUnheldInstrument(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	record(t, e, "alice", "AAPL", models.InvestedIn)
	record(t, e, "bob", "AAPL", models.InvestedIn)
	record(t, e, "bob", "GOOGL", models.InterestedIn)

	recs := e.Recommend(context.Background(), "alice", 5)
	require.Len(t, recs, 1)
	assert.Equal(t, "GOOGL", recs[0].Symbol)
	assert.Greater(t, recs[0].Score, 0.0)
}

func TestRecommend_UnknownUserIsEmpty(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	record(t, e, "bob", "AAPL", models.InvestedIn)

	recs := e.Recommend(context.Background(), "nobody", 5)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestRecommend_RiskToleranceFiltersCandidates(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	require.NoError(t, e.SetProfile(ctx, models.UserProfile{UserID: "carol", RiskTolerance: models.RiskAggressive, ExperienceLevel: models.ExperienceAdvanced}))
	record(t, e, "alice", "AAPL", models.InvestedIn)
	record(t, e, "carol", "AAPL", models.InvestedIn)
	record(t, e, "carol", "TSLA", models.InvestedIn)

	assert.Empty(t, e.Recommend(ctx, "alice", 5), "aggressive user must not be a neighbour of a moderate one")
}

func TestRecommend_OrderAndLimit(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	record(t, e, "u0", "AAPL", models.InvestedIn)
	// n1 is the closer neighbour
	record(t, e, "n1", "AAPL", models.InvestedIn)
	record(t, e, "n1", "MSFT", models.InvestedIn)
	record(t, e, "n2", "AAPL", models.InterestedIn)
	record(t, e, "n2", "NVDA", models.InvestedIn)
	record(t, e, "n2", "AMZN", models.InvestedIn)

	recs := e.Recommend(context.Background(), "u0", 2)
	require.Len(t, recs, 2)
	assert.Equal(t, "MSFT", recs[0].Symbol)
	// AMZN and NVDA tie; symbol order decides
	assert.Equal(t, "AMZN", recs[1].Symbol)

	all := e.Recommend(context.Background(), "u0", 10)
	assert.Len(t, all, 3, "no padding beyond what surfaces")
}

func TestRecommend_NeighborLimit(t *testing.T) {
	e, _ := newTestEngine(t, Options{Neighbors: 1})
	record(t, e, "u0", "AAPL", models.InvestedIn)
	record(t, e, "a", "AAPL", models.InvestedIn)
	record(t, e, "a", "MSFT", models.Researched)
	record(t, e, "b", "AAPL", models.InvestedIn)
	record(t, e, "b", "NVDA", models.Researched)

	recs := e.Recommend(context.Background(), "u0", 5)
	require.Len(t, recs, 1)
	// a and b tie on similarity; lower id wins the single slot
	assert.Equal(t, "MSFT", recs[0].Symbol)
}

func TestRecordInteraction_Idempotent(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	record(t, e, "alice", "AAPL", models.Researched)
	first := e.Interactions("alice")
	clk.Advance(time.Minute)
	record(t, e, "alice", "aapl", models.Researched)

	got := e.Interactions("alice")
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Weight, "weight must not accumulate")
	assert.True(t, got[0].Timestamp.After(first[0].Timestamp), "timestamp refreshed")
}

func TestRecordInteraction_KindsCoexist(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	record(t, e, "alice", "AAPL", models.InterestedIn)
	record(t, e, "alice", "AAPL", models.InvestedIn)

	got := e.Interactions("alice")
	require.Len(t, got, 2)
	assert.Equal(t, models.InvestedIn, got[0].Kind)
	assert.Equal(t, models.InterestedIn, got[1].Kind)
}

func TestApply_LastWriterWins(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	newer := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	e.apply(models.Interaction{UserID: "u", Symbol: "AAPL", Kind: models.Researched, Weight: 2, Timestamp: newer})
	e.apply(models.Interaction{UserID: "u", Symbol: "AAPL", Kind: models.Researched, Weight: 2, Timestamp: older})

	got := e.Interactions("u")
	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(newer))
}

func TestRecordInteraction_Validation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	assert.Error(t, e.RecordInteraction(ctx, "u", "AAPL", "LIKED"))
	assert.Error(t, e.RecordInteraction(ctx, "", "AAPL", models.Researched))
	assert.Error(t, e.RecordInteraction(ctx, "u", "not a ticker", models.Researched))
}

func TestRecordInteraction_ConcurrentSameEdge(t *testing.T) {
	e, _ := newTestEngine(t, Options{Now: time.Now})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.RecordInteraction(context.Background(), "alice", "AAPL", models.InvestedIn)
		}()
	}
	wg.Wait()

	got := e.Interactions("alice")
	require.Len(t, got, 1)
	assert.Equal(t, 3.0, got[0].Weight)
}

func TestSimilarity_CacheInvalidatedByEdgeChange(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	record(t, e, "a", "AAPL", models.InvestedIn)
	record(t, e, "b", "AAPL", models.InvestedIn)
	assert.InDelta(t, 1.0, e.Similarity("a", "b"), 1e-9)

	record(t, e, "b", "MSFT", models.InvestedIn)
	assert.InDelta(t, 1/1.4142135623730951, e.Similarity("a", "b"), 1e-9)
}

func TestSimilarity_TTLExpiry(t *testing.T) {
	e, clk := newTestEngine(t, Options{SimilarityTTL: time.Hour})
	record(t, e, "a", "AAPL", models.InvestedIn)
	record(t, e, "b", "AAPL", models.InvestedIn)
	e.Similarity("a", "b")

	calls := 0
	e.sims.get("a", 1, "b", 1, func() float64 { calls++; return 0.5 })
	assert.Equal(t, 0, calls, "fresh entry served from cache")

	clk.Advance(2 * time.Hour)
	got := e.sims.get("b", 1, "a", 1, func() float64 { calls++; return 0.5 })
	assert.Equal(t, 1, calls, "expired entry recomputed")
	assert.Equal(t, 0.5, got)
}

func TestPopular(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	record(t, e, "a", "AAPL", models.InvestedIn)
	record(t, e, "b", "AAPL", models.InterestedIn)
	record(t, e, "a", "MSFT", models.InvestedIn)
	record(t, e, "c", "TSLA", models.Researched)

	got := e.Popular(2)
	require.Len(t, got, 2)
	assert.Equal(t, models.PopularInstrument{Symbol: "AAPL", TotalWeight: 4, Users: 2}, got[0])
	assert.Equal(t, "MSFT", got[1].Symbol)
}

type fakeStore struct {
	mu           sync.Mutex
	profiles     []models.UserProfile
	interactions []models.Interaction
	err          error
}

func (s *fakeStore) SaveProfile(_ context.Context, p models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.profiles = append(s.profiles, p)
	return nil
}

func (s *fakeStore) SaveInteraction(_ context.Context, in models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.interactions = append(s.interactions, in)
	return nil
}

func (s *fakeStore) LoadGraph(context.Context) ([]models.UserProfile, []models.Interaction, error) {
	return s.profiles, s.interactions, s.err
}

func TestStore_WriteThroughAndLoad(t *testing.T) {
	store := &fakeStore{}
	e, _ := newTestEngine(t, Options{Store: store})
	record(t, e, "alice", "AAPL", models.InvestedIn)
	record(t, e, "bob", "AAPL", models.InvestedIn)
	record(t, e, "bob", "GOOGL", models.InterestedIn)
	require.Len(t, store.interactions, 3)

	warm, _ := newTestEngine(t, Options{Store: store})
	require.NoError(t, warm.Load(context.Background()))
	recs := warm.Recommend(context.Background(), "alice", 5)
	require.Len(t, recs, 1)
	assert.Equal(t, "GOOGL", recs[0].Symbol)
}

func TestStore_FailureNotApplied(t *testing.T) {
	store := &fakeStore{err: errors.New("neo4j down")}
	e, _ := newTestEngine(t, Options{Store: store})

	err := e.RecordInteraction(context.Background(), "alice", "AAPL", models.InvestedIn)
	require.Error(t, err)
	assert.Empty(t, e.Interactions("alice"))
}
