// Package recommend keeps the weighted user→instrument interaction graph and
// produces collaborative-filtering recommendations from it.
package recommend

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/validation"
)

// Store persists graph writes. The engine writes through it before
// applying a change in memory.
type Store interface {
	SaveProfile(ctx context.Context, p models.UserProfile) error
	SaveInteraction(ctx context.Context, in models.Interaction) error
	LoadGraph(ctx context.Context) ([]models.UserProfile, []models.Interaction, error)
}

// Weights maps each interaction kind to its edge weight.
type Weights map[models.InteractionKind]float64

// DefaultWeights is the standard weight table.
func DefaultWeights() Weights {
	return Weights{
		models.InvestedIn:   3,
		models.Researched:   2,
		models.InterestedIn: 1,
	}
}

// Options configures an Engine. Zero values take defaults.
type Options struct {
	Weights       Weights
	Neighbors     int
	SimilarityTTL time.Duration
	Shards        int
	Store         Store
	Now           func() time.Time
}

type edgeKey struct {
	User   string
	Symbol string
	Kind   models.InteractionKind
}

type edge struct {
	Weight    float64
	Timestamp time.Time
}

// shard owns the edges of the users hashed to it.
type shard struct {
	mu      sync.RWMutex
	edges   map[edgeKey]edge
	symbols map[string]map[string]struct{} // user → symbols touched
	version map[string]uint64              // user → edge change counter
}

// Engine is safe for concurrent use. Writes to edges of different users
// proceed in parallel; writes to one edge key are serialized by its shard.
type Engine struct {
	weights   Weights
	neighbors int
	store     Store
	now       func() time.Time
	log       *zap.Logger

	shards []*shard

	nodesMu     sync.RWMutex
	profiles    map[string]models.UserProfile
	instruments map[string]models.Instrument
	holders     map[string]map[string]struct{} // symbol → users

	sims *similarityCache
}

// New creates an empty engine.
func New(opts Options) *Engine {
	if opts.Weights == nil {
		opts.Weights = DefaultWeights()
	}
	if opts.Neighbors <= 0 {
		opts.Neighbors = 10
	}
	if opts.SimilarityTTL <= 0 {
		opts.SimilarityTTL = 24 * time.Hour
	}
	if opts.Shards <= 0 {
		opts.Shards = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		weights:     opts.Weights,
		neighbors:   opts.Neighbors,
		store:       opts.Store,
		now:         opts.Now,
		log:         logger.Named("recommend"),
		shards:      make([]*shard, opts.Shards),
		profiles:    make(map[string]models.UserProfile),
		instruments: make(map[string]models.Instrument),
		holders:     make(map[string]map[string]struct{}),
		sims:        newSimilarityCache(opts.SimilarityTTL, opts.Now),
	}
	for i := range e.shards {
		e.shards[i] = &shard{
			edges:   make(map[edgeKey]edge),
			symbols: make(map[string]map[string]struct{}),
			version: make(map[string]uint64),
		}
	}
	return e
}

func (e *Engine) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Load replays the store's graph into memory.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	profiles, interactions, err := e.store.LoadGraph(ctx)
	if err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}
	for _, p := range profiles {
		e.putProfile(p)
	}
	for _, in := range interactions {
		e.apply(in)
	}
	e.log.Info("graph loaded",
		zap.Int("users", len(profiles)),
		zap.Int("interactions", len(interactions)))
	return nil
}

// SetProfile creates or updates a user node's attributes.
func (e *Engine) SetProfile(ctx context.Context, p models.UserProfile) error {
	if errs := validation.ValidateStruct(p); len(errs) > 0 {
		return errs
	}
	if e.store != nil {
		if err := e.store.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
	}
	e.putProfile(p)
	return nil
}

func (e *Engine) putProfile(p models.UserProfile) {
	e.nodesMu.Lock()
	e.profiles[p.UserID] = p
	e.nodesMu.Unlock()
}

// RecordInteraction upserts both nodes and refreshes the (user, symbol, kind)
// edge with the kind's weight and the current time. Repeating a call only
// moves the timestamp forward.
func (e *Engine) RecordInteraction(ctx context.Context, userID, symbol string, kind models.InteractionKind) error {
	w, ok := e.weights[kind]
	if !ok {
		return fmt.Errorf("unknown interaction kind %q", kind)
	}
	in := models.Interaction{
		UserID:    userID,
		Symbol:    validation.NormalizeSymbol(symbol),
		Kind:      kind,
		Weight:    w,
		Timestamp: e.now(),
	}
	if errs := validation.ValidateStruct(in); len(errs) > 0 {
		return errs
	}
	if e.store != nil {
		if err := e.store.SaveInteraction(ctx, in); err != nil {
			return fmt.Errorf("failed to save interaction: %w", err)
		}
	}
	e.apply(in)
	metrics.RecommendInteractions.WithLabelValues(string(kind)).Inc()
	return nil
}

// apply writes an interaction into memory, keeping the newer edge on conflict.
func (e *Engine) apply(in models.Interaction) {
	e.ensureNodes(in.UserID, in.Symbol)

	s := e.shardFor(in.UserID)
	key := edgeKey{User: in.UserID, Symbol: in.Symbol, Kind: in.Kind}

	s.mu.Lock()
	if cur, ok := s.edges[key]; ok && cur.Timestamp.After(in.Timestamp) {
		s.mu.Unlock()
		return
	}
	prev, existed := s.edges[key]
	s.edges[key] = edge{Weight: in.Weight, Timestamp: in.Timestamp}
	syms, ok := s.symbols[in.UserID]
	if !ok {
		syms = make(map[string]struct{})
		s.symbols[in.UserID] = syms
	}
	_, touched := syms[in.Symbol]
	syms[in.Symbol] = struct{}{}
	if !existed || prev.Weight != in.Weight {
		s.version[in.UserID]++
	}
	s.mu.Unlock()

	if !touched {
		e.nodesMu.Lock()
		users, ok := e.holders[in.Symbol]
		if !ok {
			users = make(map[string]struct{})
			e.holders[in.Symbol] = users
		}
		users[in.UserID] = struct{}{}
		e.nodesMu.Unlock()
	}
}

// ensureNodes creates missing user and instrument nodes with defaults.
func (e *Engine) ensureNodes(userID, symbol string) {
	e.nodesMu.RLock()
	_, hasUser := e.profiles[userID]
	_, hasInstr := e.instruments[symbol]
	e.nodesMu.RUnlock()
	if hasUser && hasInstr {
		return
	}
	e.nodesMu.Lock()
	if _, ok := e.profiles[userID]; !ok {
		e.profiles[userID] = models.DefaultProfile(userID)
	}
	if _, ok := e.instruments[symbol]; !ok {
		e.instruments[symbol] = models.Instrument{Symbol: symbol}
	}
	e.nodesMu.Unlock()
}

// vector is a user's per-instrument weight summed over kinds.
type vector map[string]float64

// snapshot copies a user's weight vector, held set and edge version.
func (e *Engine) snapshot(userID string) (vector, map[string]bool, uint64) {
	s := e.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	syms := s.symbols[userID]
	if len(syms) == 0 {
		return nil, nil, s.version[userID]
	}
	v := make(vector, len(syms))
	held := make(map[string]bool)
	for sym := range syms {
		for _, k := range models.InteractionKinds {
			ed, ok := s.edges[edgeKey{User: userID, Symbol: sym, Kind: k}]
			if !ok {
				continue
			}
			v[sym] += ed.Weight
			if k == models.InvestedIn {
				held[sym] = true
			}
		}
	}
	return v, held, s.version[userID]
}

func (e *Engine) profile(userID string) (models.UserProfile, bool) {
	e.nodesMu.RLock()
	defer e.nodesMu.RUnlock()
	p, ok := e.profiles[userID]
	return p, ok
}

type neighbor struct {
	ID     string
	Score  float64
	Vector vector
}

// Recommend returns up to k instruments for userID, best first. Users with no
// interactions get an empty slice.
func (e *Engine) Recommend(ctx context.Context, userID string, k int) []models.Recommendation {
	start := time.Now()
	defer func() { metrics.RecommendLatency.Observe(time.Since(start).Seconds()) }()

	if k <= 0 {
		return nil
	}
	target, held, version := e.snapshot(userID)
	if len(target) == 0 {
		return []models.Recommendation{}
	}
	prof, _ := e.profile(userID)

	neighbors := e.neighborsOf(ctx, userID, prof.RiskTolerance, target, version)

	scores := make(map[string]float64)
	for _, n := range neighbors {
		for sym, w := range n.Vector {
			if held[sym] {
				continue
			}
			scores[sym] += n.Score * w
		}
	}

	recs := make([]models.Recommendation, 0, len(scores))
	for sym, score := range scores {
		recs = append(recs, models.Recommendation{Symbol: sym, Score: score})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].Symbol < recs[j].Symbol
	})
	if len(recs) > k {
		recs = recs[:k]
	}
	return recs
}

// neighborsOf ranks same-risk users sharing an instrument with the target.
func (e *Engine) neighborsOf(ctx context.Context, userID string, risk models.RiskTolerance, target vector, version uint64) []neighbor {
	candidates := e.candidates(userID, risk, target)

	out := make([]neighbor, 0, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		v, _, cv := e.snapshot(c)
		score := e.sims.get(userID, version, c, cv, func() float64 { return cosine(target, v) })
		if score <= 0 {
			continue
		}
		out = append(out, neighbor{ID: c, Score: score, Vector: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > e.neighbors {
		out = out[:e.neighbors]
	}
	return out
}

func (e *Engine) candidates(userID string, risk models.RiskTolerance, target vector) []string {
	e.nodesMu.RLock()
	defer e.nodesMu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for sym := range target {
		for u := range e.holders[sym] {
			if u == userID {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			if e.profiles[u].RiskTolerance != risk {
				continue
			}
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Similarity returns the cosine similarity of two users' weight vectors.
func (e *Engine) Similarity(a, b string) float64 {
	va, _, av := e.snapshot(a)
	vb, _, bv := e.snapshot(b)
	return e.sims.get(a, av, b, bv, func() float64 { return cosine(va, vb) })
}

// Popular ranks instruments by total interaction weight across users, then
// by number of distinct users.
func (e *Engine) Popular(k int) []models.PopularInstrument {
	totals := make(map[string]*models.PopularInstrument)
	for _, s := range e.shards {
		s.mu.RLock()
		for key, ed := range s.edges {
			p, ok := totals[key.Symbol]
			if !ok {
				p = &models.PopularInstrument{Symbol: key.Symbol}
				totals[key.Symbol] = p
			}
			p.TotalWeight += ed.Weight
		}
		for _, syms := range s.symbols {
			for sym := range syms {
				if p, ok := totals[sym]; ok {
					p.Users++
				}
			}
		}
		s.mu.RUnlock()
	}

	out := make([]models.PopularInstrument, 0, len(totals))
	for _, p := range totals {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalWeight != out[j].TotalWeight {
			return out[i].TotalWeight > out[j].TotalWeight
		}
		if out[i].Users != out[j].Users {
			return out[i].Users > out[j].Users
		}
		return out[i].Symbol < out[j].Symbol
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Interactions lists a user's edges, strongest and most recent first.
func (e *Engine) Interactions(userID string) []models.Interaction {
	s := e.shardFor(userID)
	s.mu.RLock()
	var out []models.Interaction
	for sym := range s.symbols[userID] {
		for _, k := range models.InteractionKinds {
			if ed, ok := s.edges[edgeKey{User: userID, Symbol: sym, Kind: k}]; ok {
				out = append(out, models.Interaction{
					UserID: userID, Symbol: sym, Kind: k,
					Weight: ed.Weight, Timestamp: ed.Timestamp,
				})
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Profile returns the user's node attributes and whether the node exists.
func (e *Engine) Profile(userID string) (models.UserProfile, bool) {
	return e.profile(userID)
}
