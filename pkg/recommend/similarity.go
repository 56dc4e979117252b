package recommend

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alim08/fin_advisor/pkg/metrics"
)

// SimilarityEdge is a cached, symmetric similarity score between two users.
// It is derived data and never persisted.
type SimilarityEdge struct {
	UserA, UserB string
	Score        float64
	ComputedAt   time.Time

	versionA, versionB uint64
}

type pairKey struct{ lo, hi string }

func pairOf(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// similarityCache stores one entry per unordered user pair. An entry is
// stale once its TTL passes or either user's edges have changed since it
// was computed. Concurrent recomputation of one pair is harmless.
type similarityCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[pairKey]SimilarityEdge
}

func newSimilarityCache(ttl time.Duration, now func() time.Time) *similarityCache {
	return &similarityCache{ttl: ttl, now: now, entries: make(map[pairKey]SimilarityEdge)}
}

func (c *similarityCache) get(a string, av uint64, b string, bv uint64, compute func() float64) float64 {
	key := pairOf(a, b)
	if a != key.lo {
		av, bv = bv, av
	}

	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && ent.versionA == av && ent.versionB == bv && c.now().Sub(ent.ComputedAt) <= c.ttl {
		metrics.SimilarityCache.WithLabelValues("hit").Inc()
		return ent.Score
	}
	metrics.SimilarityCache.WithLabelValues("miss").Inc()

	score := compute()
	c.mu.Lock()
	c.entries[key] = SimilarityEdge{
		UserA:      key.lo,
		UserB:      key.hi,
		Score:      score,
		ComputedAt: c.now(),
		versionA:   av,
		versionB:   bv,
	}
	c.mu.Unlock()
	return score
}

// cosine computes dot(a,b)/(|a||b|) over the union of keys; missing keys
// count as zero. Keys are visited in sorted order so the result does not
// depend on argument order or map iteration.
func cosine(a, b vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot float64
	for _, k := range a.keys() {
		if y, ok := b[k]; ok {
			dot += a[k] * y
		}
	}
	na, nb := a.norm(), b.norm()
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

func (v vector) keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v vector) norm() float64 {
	var sum float64
	for _, k := range v.keys() {
		sum += v[k] * v[k]
	}
	return math.Sqrt(sum)
}
