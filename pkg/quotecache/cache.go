// Package quotecache serves market quotes from a bounded TTL cache with one
// upstream fetch per symbol at a time.
package quotecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/validation"
)

// ErrUnavailable is returned when the upstream fails and nothing is cached.
var ErrUnavailable = errors.New("quote unavailable")

// Source is the upstream quote provider.
type Source interface {
	Fetch(ctx context.Context, symbol string) (models.Quote, error)
}

// Snapshotter receives every freshly fetched quote.
type Snapshotter interface {
	SaveQuote(ctx context.Context, q models.Quote) error
}

// Entry is a cached quote. Stale is set only on entries served after an
// upstream failure.
type Entry struct {
	Quote     models.Quote  `json:"quote"`
	FetchedAt time.Time     `json:"fetchedAt"`
	TTL       time.Duration `json:"ttl"`
	Stale     bool          `json:"stale"`
}

// Options configures a Cache. Zero values take defaults.
type Options struct {
	TTL          time.Duration
	Capacity     int
	FetchTimeout time.Duration
	Now          func() time.Time
	Snapshot     Snapshotter
}

type item struct {
	symbol string
	entry  Entry
}

// Cache is safe for concurrent use.
type Cache struct {
	src      Source
	ttl      time.Duration
	capacity int
	timeout  time.Duration
	now      func() time.Time
	snapshot Snapshotter
	log      *zap.Logger

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element
	pins  map[string]int // symbol → callers waiting on a fetch

	group singleflight.Group
}

// New creates a cache in front of src.
func New(src Source, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 5000
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		src:      src,
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		timeout:  opts.FetchTimeout,
		now:      opts.Now,
		snapshot: opts.Snapshot,
		log:      logger.Named("quotecache"),
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		pins:     make(map[string]int),
	}
}

// Get returns a fresh quote from cache or performs a single upstream fetch
// shared by all concurrent callers for the symbol. If the fetch fails, the
// last known entry is returned with Stale set; with no entry the error
// wraps ErrUnavailable.
func (c *Cache) Get(ctx context.Context, symbol string) (Entry, error) {
	symbol = validation.NormalizeSymbol(symbol)
	if !validation.IsTicker(symbol) {
		return Entry{}, fmt.Errorf("invalid symbol %q", symbol)
	}

	c.mu.Lock()
	if e, ok := c.freshLocked(symbol); ok {
		c.mu.Unlock()
		metrics.QuoteCacheHits.Inc()
		return e, nil
	}
	c.pins[symbol]++
	c.mu.Unlock()
	metrics.QuoteCacheMisses.Inc()
	defer c.unpin(symbol)

	ch := c.group.DoChan(symbol, func() (interface{}, error) {
		return c.fetch(ctx, symbol)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
	if res.Err == nil {
		return res.Val.(Entry), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[symbol]; ok {
		e := el.Value.(*item).entry
		e.Stale = true
		metrics.QuoteStaleServed.Inc()
		return e, nil
	}
	return Entry{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, symbol, res.Err)
}

// fetch runs inside the flight for symbol. The upstream call is detached
// from the first caller's cancellation so the other waiters still get a
// result.
func (c *Cache) fetch(ctx context.Context, symbol string) (Entry, error) {
	c.mu.Lock()
	if e, ok := c.freshLocked(symbol); ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	q, err := c.src.Fetch(fetchCtx, symbol)
	if err != nil {
		metrics.QuoteFetches.WithLabelValues("error").Inc()
		c.log.Warn("quote fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return Entry{}, err
	}
	metrics.QuoteFetches.WithLabelValues("success").Inc()

	e := Entry{Quote: q, FetchedAt: c.now(), TTL: c.ttl}
	c.mu.Lock()
	c.storeLocked(symbol, e)
	c.mu.Unlock()

	if c.snapshot != nil {
		go func() {
			snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := c.snapshot.SaveQuote(snapCtx, q); err != nil {
				c.log.Debug("quote snapshot failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}()
	}
	return e, nil
}

// freshLocked returns the entry when its age is within TTL and marks it
// recently used.
func (c *Cache) freshLocked(symbol string) (Entry, bool) {
	el, ok := c.items[symbol]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*item).entry
	if c.now().Sub(e.FetchedAt) > e.TTL {
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return e, true
}

func (c *Cache) storeLocked(symbol string, e Entry) {
	if el, ok := c.items[symbol]; ok {
		el.Value.(*item).entry = e
		c.ll.MoveToFront(el)
		return
	}
	c.items[symbol] = c.ll.PushFront(&item{symbol: symbol, entry: e})
	c.evictLocked()
}

// evictLocked drops least recently used entries until within capacity.
// Entries with waiting callers are skipped; if every candidate is pinned the
// cache stays over capacity until they drain.
func (c *Cache) evictLocked() {
	el := c.ll.Back()
	for c.ll.Len() > c.capacity && el != nil {
		prev := el.Prev()
		it := el.Value.(*item)
		if c.pins[it.symbol] == 0 {
			c.ll.Remove(el)
			delete(c.items, it.symbol)
			metrics.QuoteEvictions.Inc()
		}
		el = prev
	}
}

func (c *Cache) unpin(symbol string) {
	c.mu.Lock()
	if c.pins[symbol]--; c.pins[symbol] <= 0 {
		delete(c.pins, symbol)
	}
	c.evictLocked()
	c.mu.Unlock()
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Peek returns the cached entry without fetching or touching recency.
func (c *Cache) Peek(symbol string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[validation.NormalizeSymbol(symbol)]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*item).entry, true
}
