package quotecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/quotesource"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(d time.Duration) {
	c.mu.Lock()
	c.t = time.Unix(0, 0).Add(d)
	c.mu.Unlock()
}

// stubSource returns price+calls for each fetch, or err when set. A non-nil
// gate blocks fetches until it is closed.
type stubSource struct {
	calls atomic.Int32
	price float64
	gate  chan struct{}

	mu  sync.Mutex
	err error
}

func (s *stubSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubSource) Fetch(ctx context.Context, symbol string) (models.Quote, error) {
	n := s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return models.Quote{}, ctx.Err()
		}
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return models.Quote{}, err
	}
	return models.Quote{Symbol: symbol, Price: s.price + float64(n)}, nil
}

func newCache(src Source, clk *clock, capacity int) *Cache {
	return New(src, Options{TTL: 60 * time.Second, Capacity: capacity, Now: clk.Now})
}

func TestGet_TTL(t *testing.T) {
	clk := &clock{}
	src := &stubSource{price: 400}
	c := newCache(src, clk, 10)
	ctx := context.Background()

	first, err := c.Get(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	clk.Set(30 * time.Second)
	again, err := c.Get(ctx, "msft")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "t=30 must be served from cache")
	assert.Equal(t, first.Quote, again.Quote)

	clk.Set(60 * time.Second)
	_, err = c.Get(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "age == ttl is still fresh")

	clk.Set(90 * time.Second)
	refreshed, err := c.Get(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "t=90 triggers exactly one fetch")
	assert.False(t, refreshed.Stale)
	assert.Equal(t, 402.0, refreshed.Quote.Price)
}

func TestGet_SingleFlight(t *testing.T) {
	clk := &clock{}
	src := &stubSource{price: 100, gate: make(chan struct{})}
	c := newCache(src, clk, 10)

	const n = 25
	var wg sync.WaitGroup
	results := make([]Entry, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "AAPL")
		}(i)
	}

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pins["AAPL"] == n
	}, time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 101.0, results[i].Quote.Price)
	}
}

func TestGet_StaleOnFailure(t *testing.T) {
	clk := &clock{}
	src := &stubSource{price: 10}
	c := newCache(src, clk, 10)
	ctx := context.Background()

	_, err := c.Get(ctx, "TSLA")
	require.NoError(t, err)

	src.setErr(quotesource.ErrUnavailable)
	clk.Set(5 * time.Minute)
	e, err := c.Get(ctx, "TSLA")
	require.NoError(t, err)
	assert.True(t, e.Stale)
	assert.Equal(t, 11.0, e.Quote.Price)

	peek, ok := c.Peek("TSLA")
	require.True(t, ok)
	assert.False(t, peek.Stale, "stale flag is per response, not stored")
}

func TestGet_UnavailableWithoutEntry(t *testing.T) {
	src := &stubSource{}
	src.setErr(quotesource.ErrNotFound)
	c := newCache(src, &clock{}, 10)

	_, err := c.Get(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, quotesource.ErrNotFound)
}

func TestGet_InvalidSymbol(t *testing.T) {
	src := &stubSource{}
	c := newCache(src, &clock{}, 10)
	_, err := c.Get(context.Background(), "not a symbol")
	assert.Error(t, err)
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestGet_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	src := &stubSource{price: 1, gate: make(chan struct{})}
	c := newCache(src, &clock{}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "NVDA")
		done <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(src.gate)
	e, err := c.Get(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.Equal(t, 2.0, e.Quote.Price)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestLRUEviction(t *testing.T) {
	clk := &clock{}
	c := newCache(&stubSource{price: 1}, clk, 2)
	ctx := context.Background()

	for _, s := range []string{"AAPL", "MSFT", "AAPL", "TSLA"} {
		_, err := c.Get(ctx, s)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek("MSFT")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Peek("AAPL")
	assert.True(t, ok)
}

// gatedSource blocks only for one symbol.
type gatedSource struct {
	blocked string
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *gatedSource) Fetch(ctx context.Context, symbol string) (models.Quote, error) {
	if symbol == s.blocked {
		s.once.Do(func() { close(s.started) })
		<-s.gate
	}
	return models.Quote{Symbol: symbol, Price: 1}, nil
}

func TestPinnedEntryNotEvicted(t *testing.T) {
	clk := &clock{}
	src := &gatedSource{blocked: "AAPL", gate: make(chan struct{}), started: make(chan struct{})}
	c := newCache(&stubSource{price: 1}, clk, 1)
	ctx := context.Background()

	_, err := c.Get(ctx, "AAPL")
	require.NoError(t, err)
	c.src = src

	clk.Set(2 * time.Minute)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(ctx, "AAPL")
	}()
	<-src.started

	_, err = c.Get(ctx, "MSFT")
	require.NoError(t, err)
	_, ok := c.Peek("AAPL")
	assert.True(t, ok, "entry awaited by an in-flight fetch must survive eviction")

	close(src.gate)
	<-done
	assert.LessOrEqual(t, c.Len(), 1)
}

type recordingSnapshot struct {
	mu     sync.Mutex
	quotes []models.Quote
}

func (r *recordingSnapshot) SaveQuote(_ context.Context, q models.Quote) error {
	r.mu.Lock()
	r.quotes = append(r.quotes, q)
	r.mu.Unlock()
	return nil
}

func TestSnapshotReceivesFetchedQuotes(t *testing.T) {
	snap := &recordingSnapshot{}
	c := New(&stubSource{price: 5}, Options{Snapshot: snap})
	_, err := c.Get(context.Background(), "AMZN")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap.mu.Lock()
		defer snap.mu.Unlock()
		return len(snap.quotes) == 1
	}, time.Second, 5*time.Millisecond)
}

type fakeRedis struct {
	hset      map[string]map[string]interface{}
	published []string
	err       error
}

func (f *fakeRedis) HSet(_ context.Context, key string, values map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	if f.hset == nil {
		f.hset = map[string]map[string]interface{}{}
	}
	f.hset[key] = values
	return nil
}

func (f *fakeRedis) Publish(_ context.Context, channel string, _ interface{}) error {
	f.published = append(f.published, channel)
	return nil
}

func TestRedisSnapshot(t *testing.T) {
	rdb := &fakeRedis{}
	q := models.Quote{Symbol: "MSFT", Price: 1.5, Timestamp: time.UnixMilli(1000)}
	require.NoError(t, NewRedisSnapshot(rdb).SaveQuote(context.Background(), q))
	assert.Equal(t, "1.50000000", rdb.hset["quotes:latest:MSFT"]["price"])
	assert.Equal(t, []string{"quotes:pubsub"}, rdb.published)

	rdb.err = errors.New("down")
	assert.Error(t, NewRedisSnapshot(rdb).SaveQuote(context.Background(), q))
}
