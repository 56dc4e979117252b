// Package chat runs chat turns: gather context, ask the model, persist and
// deliver, one turn at a time per session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/ai"
	"github.com/alim08/fin_advisor/pkg/history"
	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/quotecache"
)

var (
	// ErrSessionBusy is returned when a session already has MaxPending
	// messages waiting.
	ErrSessionBusy = errors.New("session busy")
	// ErrPersistence marks a turn whose messages could not be stored.
	// Nothing is delivered for such a turn.
	ErrPersistence = errors.New("failed to persist turn")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrOwnerUnknown marks a turn rejected because the session owner could
	// not be read. Turns for sessions of another user fail with
	// history.ErrForbidden.
	ErrOwnerUnknown = errors.New("failed to verify session owner")
)

// GoalReader reads the user's active goals.
type GoalReader interface {
	GetGoalsForUser(ctx context.Context, userID string) ([]models.Goal, error)
}

// ProfileReader reads user attributes from the relational store.
type ProfileReader interface {
	GetUserProfile(ctx context.Context, userID string) (models.UserProfile, error)
}

// Recommender is the read side of the recommendation engine.
type Recommender interface {
	Recommend(ctx context.Context, userID string, k int) []models.Recommendation
	Profile(userID string) (models.UserProfile, bool)
}

// InteractionRecorder is the write side of the recommendation engine.
type InteractionRecorder interface {
	RecordInteraction(ctx context.Context, userID, symbol string, kind models.InteractionKind) error
}

// QuoteReader returns cached quotes.
type QuoteReader interface {
	Get(ctx context.Context, symbol string) (quotecache.Entry, error)
}

// Generator produces a completion for a prompt.
type Generator interface {
	Complete(ctx context.Context, req ai.Request) (string, error)
}

// Publisher pushes an event to the session owner's live connections.
type Publisher interface {
	Push(ctx context.Context, sessionID, userID string, env models.Envelope) int
}

// Options wires an Orchestrator. History is required; every other
// dependency may be nil, in which case its context slot is empty.
type Options struct {
	History      history.Store
	Goals        GoalReader
	Profiles     ProfileReader
	Recommender  Recommender
	Quotes       QuoteReader
	AI           Generator
	Bus          Publisher
	Interactions InteractionRecorder

	GatherDeadline  time.Duration
	HistoryLimit    int
	RecommendLimit  int
	MaxSymbols      int
	MaxPending      int
	RetryDelay      time.Duration
	ReporterQueue   int
	ReporterWorkers int

	Now   func() time.Time
	NewID func() string
}

func (o *Options) setDefaults() {
	if o.GatherDeadline <= 0 {
		o.GatherDeadline = 2 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	if o.RecommendLimit <= 0 {
		o.RecommendLimit = 5
	}
	if o.MaxSymbols <= 0 {
		o.MaxSymbols = 5
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 32
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	if o.ReporterQueue <= 0 {
		o.ReporterQueue = 1024
	}
	if o.ReporterWorkers <= 0 {
		o.ReporterWorkers = 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Inbound is a user message addressed to a session.
type Inbound struct {
	SessionID string
	UserID    string
	Text      string
}

// State is a turn's position in its pipeline.
type State string

const (
	StateReceived   State = "received"
	StateGathering  State = "gathering"
	StateGenerating State = "generating"
	StatePersisting State = "persisting"
	StateDelivered  State = "delivered"
	StateDegraded   State = "degraded"
	StateFailed     State = "failed"
)

// TurnResult is the outcome of one turn. State is the last state reached:
// StateDelivered once the messages are persisted, StateFailed otherwise.
type TurnResult struct {
	SessionID   string
	State       State
	UserMessage models.Message
	Reply       models.Message
	Fallback    bool
	Unavailable []string
	Delivered   int
	Err         error
}

// Degraded reports whether the reply was produced without the model or
// without part of its context.
func (r TurnResult) Degraded() bool {
	return r.Fallback || len(r.Unavailable) > 0
}

// Outcome folds Degraded into the terminal state.
func (r TurnResult) Outcome() State {
	if r.State == StateDelivered && r.Degraded() {
		return StateDegraded
	}
	return r.State
}

type job struct {
	ctx  context.Context
	in   Inbound
	done chan TurnResult
}

// lane serializes the turns of one session. last is only touched by the
// lane's worker.
type lane struct {
	jobs chan job
	last time.Time
}

// Orchestrator is safe for concurrent use. Turns of one session run in
// arrival order; different sessions run in parallel.
type Orchestrator struct {
	opts     Options
	reporter *Reporter
	log      *zap.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator and starts its interaction reporter.
func New(opts Options) (*Orchestrator, error) {
	if opts.History == nil {
		return nil, fmt.Errorf("chat: history store is required")
	}
	opts.setDefaults()
	o := &Orchestrator{
		opts:  opts,
		log:   logger.Named("chat"),
		lanes: make(map[string]*lane),
	}
	if opts.Interactions != nil {
		o.reporter = newReporter(opts.Interactions, opts.ReporterQueue)
		o.reporter.start(opts.ReporterWorkers)
	}
	return o, nil
}

// Submit queues a message on its session lane. The turn runs detached from
// ctx cancellation; its result is sent once on the returned channel.
func (o *Orchestrator) Submit(ctx context.Context, in Inbound) (<-chan TurnResult, error) {
	done := make(chan TurnResult, 1)
	j := job{ctx: context.WithoutCancel(ctx), in: in, done: done}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	ln, ok := o.lanes[in.SessionID]
	if !ok {
		ln = &lane{jobs: make(chan job, o.opts.MaxPending)}
		o.lanes[in.SessionID] = ln
		o.wg.Add(1)
		metrics.ChatActiveLanes.Inc()
		go o.drain(in.SessionID, ln)
	}
	select {
	case ln.jobs <- j:
		return done, nil
	default:
		metrics.ChatSessionsBusy.Inc()
		return nil, ErrSessionBusy
	}
}

// HandleMessage submits in and waits for the turn. The returned error is
// ErrSessionBusy, ErrClosed, history.ErrForbidden, a wrapped ErrOwnerUnknown
// or ErrPersistence, or ctx's error if the caller stops waiting first.
func (o *Orchestrator) HandleMessage(ctx context.Context, in Inbound) (TurnResult, error) {
	ch, err := o.Submit(ctx, in)
	if err != nil {
		return TurnResult{SessionID: in.SessionID, State: StateReceived, Err: err}, err
	}
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return TurnResult{SessionID: in.SessionID, State: StateReceived}, ctx.Err()
	}
}

// drain runs queued turns until the lane is empty, then retires it.
func (o *Orchestrator) drain(sessionID string, ln *lane) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(ln.jobs) == 0 {
			delete(o.lanes, sessionID)
			o.mu.Unlock()
			metrics.ChatActiveLanes.Dec()
			return
		}
		j := <-ln.jobs
		o.mu.Unlock()

		j.done <- o.runTurn(j.ctx, ln, j.in)
	}
}

// Close rejects new messages, waits for queued turns and flushes the
// interaction reporter.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.reporter != nil {
		o.reporter.Close()
	}
	return nil
}
