package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alim08/fin_advisor/pkg/ai"
	"github.com/alim08/fin_advisor/pkg/database"
	"github.com/alim08/fin_advisor/pkg/history"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/quotesource"
	"github.com/alim08/fin_advisor/pkg/tracing"
	"github.com/alim08/fin_advisor/pkg/validation"
)

var errNoGenerator = errors.New("no AI service configured")

func (o *Orchestrator) runTurn(ctx context.Context, ln *lane, in Inbound) (res TurnResult) {
	ctx, span := tracing.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("session_id", in.SessionID),
		attribute.String("user_id", in.UserID),
	))
	res = TurnResult{SessionID: in.SessionID, State: StateReceived}
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome())))
		tracing.End(span, res.Err)
		metrics.ChatTurns.WithLabelValues(string(res.Outcome())).Inc()
	}()
	log := o.log.With(zap.String("session_id", in.SessionID), zap.String("user_id", in.UserID))

	userTS := o.stamp(ln.last)
	mentioned := o.mentioned(in.Text)

	// Ownership is decided here, behind every earlier turn of the session,
	// so a turn queued behind the session's first write sees its owner.
	fresh, err := o.authorize(ctx, in)
	if err != nil {
		res.State = StateFailed
		res.Err = err
		log.Warn("turn rejected", zap.Error(err))
		return res
	}

	res.State = StateGathering
	g := o.gather(ctx, in, mentioned, fresh)
	res.Unavailable = g.unavailable
	if n := len(g.history); n > 0 {
		userTS = latest(userTS, g.history[n-1].Timestamp)
	}

	res.State = StateGenerating
	text, err := o.generate(ctx, ai.BuildRequest(g.context(), in.Text))
	if err != nil {
		log.Warn("using fallback reply", zap.String("class", string(ai.ClassOf(err))), zap.Error(err))
		text = ai.Fallback(in.Text, g.profile)
		res.Fallback = true
	}

	res.State = StatePersisting
	if !fresh && slices.Contains(g.unavailable, ai.SlotHistory) {
		userTS = latest(userTS, o.tail(ctx, in.SessionID))
	}
	res.UserMessage = models.Message{
		ID:        o.opts.NewID(),
		SessionID: in.SessionID,
		Role:      models.RoleUser,
		Text:      in.Text,
		Timestamp: userTS,
	}
	res.Reply = models.Message{
		ID:              o.opts.NewID(),
		SessionID:       in.SessionID,
		Role:            models.RoleAssistant,
		Text:            text,
		Timestamp:       o.stamp(userTS),
		Recommendations: symbolsOf(g.recs),
		Fallback:        res.Fallback,
	}

	if err := o.persist(ctx, in, res.UserMessage, res.Reply); err != nil {
		res.State = StateFailed
		res.Err = fmt.Errorf("%w: %w", ErrPersistence, err)
		log.Error("turn failed", zap.Error(err))
		return res
	}
	ln.last = res.Reply.Timestamp

	res.State = StateDelivered
	res.Delivered = o.deliver(ctx, in.UserID, res)
	o.report(in, mentioned, res.Reply)
	log.Debug("turn delivered",
		zap.Int("connections", res.Delivered),
		zap.Bool("fallback", res.Fallback),
		zap.Strings("unavailable", res.Unavailable))
	return res
}

// stamp returns the current time at storage precision, never before floor.
func (o *Orchestrator) stamp(floor time.Time) time.Time {
	return latest(o.opts.Now().UTC().Truncate(time.Millisecond), floor)
}

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

// authorize reports whether the session is new. A session owned by someone
// else fails with history.ErrForbidden.
func (o *Orchestrator) authorize(ctx context.Context, in Inbound) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.GatherDeadline)
	defer cancel()
	owner, err := o.opts.History.Owner(ctx, in.SessionID)
	switch {
	case errors.Is(err, history.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("%w: %w", ErrOwnerUnknown, err)
	case owner != in.UserID:
		return false, history.ErrForbidden
	}
	return false, nil
}

// tail returns the timestamp of the last persisted message, or the zero
// time when it cannot be read.
func (o *Orchestrator) tail(ctx context.Context, sessionID string) time.Time {
	msgs, err := o.opts.History.GetRecentMessages(ctx, sessionID, 1)
	if err != nil || len(msgs) == 0 {
		if err != nil {
			o.log.Warn("failed to read session tail", zap.String("session_id", sessionID), zap.Error(err))
		}
		return time.Time{}
	}
	return msgs[len(msgs)-1].Timestamp
}

func observeStage(stage string, start time.Time) {
	metrics.ChatStageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// mentioned returns the valid tickers in text, capped at MaxSymbols.
func (o *Orchestrator) mentioned(text string) []string {
	var out []string
	for _, s := range ai.ExtractSymbols(text) {
		if !validation.IsTicker(s) {
			continue
		}
		out = append(out, s)
		if len(out) == o.opts.MaxSymbols {
			break
		}
	}
	return out
}

func symbolsOf(recs []models.Recommendation) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Symbol
	}
	return out
}

type gathered struct {
	profile     models.UserProfile
	goals       []models.Goal
	recs        []models.Recommendation
	history     []models.Message
	quotes      []ai.QuoteLine
	unavailable []string
}

func (g gathered) context() ai.Context {
	c := ai.Context{
		Profile:         g.profile,
		Goals:           g.goals,
		Recommendations: g.recs,
		Quotes:          g.quotes,
		History:         g.history,
		Unavailable:     make(map[string]bool, len(g.unavailable)),
	}
	for _, s := range g.unavailable {
		c.Unavailable[s] = true
	}
	return c
}

var slots = []string{ai.SlotGoals, ai.SlotRecommendations, ai.SlotHistory, ai.SlotQuotes}

// gather reads every context slot concurrently and returns at the gather
// deadline at the latest. Slots that failed or were not ready are listed in
// unavailable; late results are discarded. A fresh session has no history
// to read.
func (o *Orchestrator) gather(ctx context.Context, in Inbound, symbols []string, fresh bool) gathered {
	ctx, span := tracing.Start(ctx, "chat.gather")
	defer span.End()
	defer observeStage("gather", time.Now())

	ctx, cancel := context.WithTimeout(ctx, o.opts.GatherDeadline)
	defer cancel()

	out := gathered{profile: models.DefaultProfile(in.UserID)}
	known := false
	if o.opts.Recommender != nil {
		if p, ok := o.opts.Recommender.Profile(in.UserID); ok {
			out.profile, known = p, true
		}
	}

	var (
		mu     sync.Mutex
		ready  = make(map[string]bool, len(slots))
		closed bool
	)
	set := func(slot string, apply func()) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		apply()
		ready[slot] = true
	}
	fail := func(slot string, err error) {
		o.log.Warn("context slot failed",
			zap.String("slot", slot),
			zap.String("session_id", in.SessionID),
			zap.Error(err))
	}

	// Slots without a backing store are trivially ready.
	ready[ai.SlotGoals] = o.opts.Goals == nil
	ready[ai.SlotRecommendations] = o.opts.Recommender == nil
	needQuotes := o.opts.Quotes != nil && len(symbols) > 0
	ready[ai.SlotQuotes] = !needQuotes
	ready[ai.SlotHistory] = fresh

	var g errgroup.Group
	if o.opts.Goals != nil {
		g.Go(func() error {
			goals, err := o.opts.Goals.GetGoalsForUser(ctx, in.UserID)
			if err != nil {
				fail(ai.SlotGoals, err)
				return nil
			}
			profile, hasProfile := models.UserProfile{}, false
			if !known && o.opts.Profiles != nil {
				p, err := o.opts.Profiles.GetUserProfile(ctx, in.UserID)
				switch {
				case err == nil:
					profile, hasProfile = p, true
				case !errors.Is(err, database.ErrNotFound):
					fail(ai.SlotGoals, err)
				}
			}
			set(ai.SlotGoals, func() {
				out.goals = goals
				if hasProfile {
					out.profile = profile
				}
			})
			return nil
		})
	}

	if o.opts.Recommender != nil {
		g.Go(func() error {
			recs := o.opts.Recommender.Recommend(ctx, in.UserID, o.opts.RecommendLimit)
			set(ai.SlotRecommendations, func() { out.recs = recs })
			return nil
		})
	}

	if !fresh {
		g.Go(func() error {
			msgs, err := o.opts.History.GetRecentMessages(ctx, in.SessionID, o.opts.HistoryLimit)
			if err != nil {
				fail(ai.SlotHistory, err)
				return nil
			}
			set(ai.SlotHistory, func() { out.history = msgs })
			return nil
		})
	}

	if needQuotes {
		g.Go(func() error {
			lines, err := o.quotes(ctx, symbols)
			if err != nil {
				fail(ai.SlotQuotes, err)
				return nil
			}
			set(ai.SlotQuotes, func() { out.quotes = lines })
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	for _, slot := range slots {
		if !ready[slot] {
			out.unavailable = append(out.unavailable, slot)
			metrics.ChatContextUnavailable.WithLabelValues(slot).Inc()
		}
	}
	mu.Unlock()
	span.SetAttributes(attribute.StringSlice("unavailable", out.unavailable))
	return out
}

// quotes fetches symbols concurrently, keeping their order. Symbols the
// cache cannot serve are skipped; the slot fails only if none could be
// served and at least one failure was not an unknown symbol.
func (o *Orchestrator) quotes(ctx context.Context, symbols []string) ([]ai.QuoteLine, error) {
	entries := make([]*ai.QuoteLine, len(symbols))
	errs := make([]error, len(symbols))
	var g errgroup.Group
	for i, sym := range symbols {
		g.Go(func() error {
			e, err := o.opts.Quotes.Get(ctx, sym)
			if err != nil {
				errs[i] = err
				return nil
			}
			entries[i] = &ai.QuoteLine{Quote: e.Quote, Stale: e.Stale}
			return nil
		})
	}
	g.Wait()

	var out []ai.QuoteLine
	for _, e := range entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, quotesource.ErrNotFound) {
			return nil, errors.Join(errs...)
		}
	}
	return nil, nil
}

// generate calls the model, retrying exactly once on a transient failure.
func (o *Orchestrator) generate(ctx context.Context, req ai.Request) (string, error) {
	if o.opts.AI == nil {
		return "", errNoGenerator
	}
	ctx, span := tracing.Start(ctx, "chat.generate")
	defer observeStage("generate", time.Now())

	var (
		text     string
		attempts int
	)
	op := func() error {
		attempts++
		out, err := o.opts.AI.Complete(ctx, req)
		if err != nil {
			if ai.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		text = out
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(o.opts.RetryDelay), 1), ctx)
	err := backoff.Retry(op, policy)
	span.SetAttributes(attribute.Int("attempts", attempts))
	tracing.End(span, err)
	return text, err
}

// persist appends the user message and reply in one write.
func (o *Orchestrator) persist(ctx context.Context, in Inbound, user, reply models.Message) error {
	ctx, span := tracing.Start(ctx, "chat.persist")
	defer observeStage("persist", time.Now())
	err := o.opts.History.AppendMessages(ctx, in.SessionID, in.UserID, user, reply)
	tracing.End(span, err)
	return err
}

func (o *Orchestrator) deliver(ctx context.Context, userID string, res TurnResult) int {
	if o.opts.Bus == nil {
		return 0
	}
	defer observeStage("deliver", time.Now())
	env, err := models.NewEnvelope(models.EventMessageResponse, models.MessageResponse{
		SessionID:       res.SessionID,
		MessageID:       res.Reply.ID,
		Text:            res.Reply.Text,
		Recommendations: res.Reply.Recommendations,
		Degraded:        res.Degraded(),
	})
	if err != nil {
		o.log.Error("failed to encode response", zap.Error(err))
		return 0
	}
	return o.opts.Bus.Push(ctx, res.SessionID, userID, env)
}

// report records what the user asked about as INTERESTED_IN and every
// ticker the reply points at as RESEARCHED. A symbol can carry both kinds.
// Fallback replies carry no instrument references.
func (o *Orchestrator) report(in Inbound, mentioned []string, reply models.Message) {
	if o.reporter == nil {
		return
	}
	for _, sym := range mentioned {
		o.reporter.Report(in.UserID, sym, models.InterestedIn)
	}
	if reply.Fallback {
		return
	}
	for _, sym := range ai.ExtractSymbols(reply.Text) {
		if validation.IsTicker(sym) {
			o.reporter.Report(in.UserID, sym, models.Researched)
		}
	}
}
