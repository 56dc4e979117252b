package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/fin_advisor/pkg/ai"
	"github.com/alim08/fin_advisor/pkg/auth"
	"github.com/alim08/fin_advisor/pkg/bus"
	"github.com/alim08/fin_advisor/pkg/chat"
	"github.com/alim08/fin_advisor/pkg/history"
	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/quotecache"
	"github.com/alim08/fin_advisor/pkg/quotesource"
	"github.com/alim08/fin_advisor/pkg/recommend"
)

type genFunc func(ctx context.Context, req ai.Request) (string, error)

func (f genFunc) Complete(ctx context.Context, req ai.Request) (string, error) { return f(ctx, req) }

type fakeQuotes map[string]models.Quote

func (f fakeQuotes) Get(_ context.Context, symbol string) (quotecache.Entry, error) {
	if symbol == "DOWN" {
		return quotecache.Entry{}, fmt.Errorf("%w: %s: %w", quotecache.ErrUnavailable, symbol, quotesource.ErrUnavailable)
	}
	q, ok := f[symbol]
	if !ok {
		return quotecache.Entry{}, fmt.Errorf("%w: %s: %w", quotecache.ErrUnavailable, symbol, quotesource.ErrNotFound)
	}
	return quotecache.Entry{Quote: q, FetchedAt: q.Timestamp, TTL: time.Minute}, nil
}

type profileSink struct {
	mu    sync.Mutex
	saved []models.UserProfile
}

func (p *profileSink) UpsertUserProfile(_ context.Context, prof models.UserProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, prof)
	return nil
}

type testEnv struct {
	srv      *Server
	handler  http.Handler
	verifier *auth.Verifier
	store    *history.MemoryStore
	engine   *recommend.Engine
	bus      *bus.Bus
	profiles *profileSink
}

func newTestEnv(t *testing.T, opts ServerOptions) *testEnv {
	t.Helper()
	return newTestEnvWithAI(t, opts, genFunc(func(context.Context, ai.Request) (string, error) {
		return "Diversify across index funds.", nil
	}))
}

func newTestEnvWithAI(t *testing.T, opts ServerOptions, gen chat.Generator) *testEnv {
	t.Helper()
	v, err := auth.NewVerifier("test-secret", "")
	require.NoError(t, err)
	store := history.NewMemoryStore()
	engine := recommend.New(recommend.Options{})
	b := bus.New()
	orch, err := chat.New(chat.Options{
		History:      store,
		Recommender:  engine,
		Interactions: engine,
		Bus:          b,
		AI:           gen,
	})
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close(context.Background()) })

	sink := &profileSink{}
	opts.Chat = orch
	opts.History = store
	opts.Engine = engine
	opts.Registry = b
	opts.Verifier = v
	opts.Profiles = sink
	if opts.Quotes == nil {
		opts.Quotes = fakeQuotes{"AAPL": {Symbol: "AAPL", Price: 190.5, Timestamp: time.Unix(1700000000, 0).UTC()}}
	}
	srv := NewServer(opts)
	return &testEnv{srv: srv, handler: srv.Routes(), verifier: v, store: store, engine: engine, bus: b, profiles: sink}
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.verifier.Sign(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// decodeData re-decodes the generic Data field into v.
func decodeData(t *testing.T, resp Response, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerOptions{Checks: map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	}})
	rec, resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	env = newTestEnv(t, ServerOptions{Checks: map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})
	rec, resp = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	rec, _ := env.do(t, http.MethodGet, "/api/v1/recommendations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatAndHistory(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec, resp := env.do(t, http.MethodPost, "/api/v1/chat", "alice",
		models.SendMessage{SessionID: "s1", Text: "How should I start investing?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out chatResponse
	decodeData(t, resp, &out)
	assert.Equal(t, "Diversify across index funds.", out.Reply.Text)
	assert.Equal(t, models.RoleAssistant, out.Reply.Role)
	assert.False(t, out.Degraded)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/sessions/s1/messages", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var replay models.HistoryReplay
	decodeData(t, resp, &replay)
	require.Len(t, replay.Messages, 2)
	assert.Equal(t, models.RoleUser, replay.Messages[0].Role)
	assert.Equal(t, "How should I start investing?", replay.Messages[0].Text)
	assert.Equal(t, int64(2), replay.Messages[1].Seq)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/sessions/s1/messages?limit=1", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionOwnership(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	rec, _ := env.do(t, http.MethodPost, "/api/v1/chat", "alice", models.SendMessage{SessionID: "s1", Text: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/sessions/s1/messages", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/chat", "mallory", models.SendMessage{SessionID: "s1", Text: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/sessions/nope/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionClaimedWhileFirstTurnRuns(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	env := newTestEnvWithAI(t, ServerOptions{}, genFunc(func(_ context.Context, req ai.Request) (string, error) {
		if req.Messages[len(req.Messages)-1].Content == "first" {
			started <- struct{}{}
			<-release
		}
		return "noted", nil
	}))

	aliceDone := make(chan int, 1)
	go func() {
		rec, _ := env.do(t, http.MethodPost, "/api/v1/chat", "alice", models.SendMessage{SessionID: "fresh", Text: "first"})
		aliceDone <- rec.Code
	}()
	<-started

	malloryDone := make(chan int, 1)
	go func() {
		rec, _ := env.do(t, http.MethodPost, "/api/v1/chat", "mallory", models.SendMessage{SessionID: "fresh", Text: "second"})
		malloryDone <- rec.Code
	}()
	// The session has no owner yet, so mallory passes the early check and
	// waits in the session lane.
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.Equal(t, http.StatusOK, <-aliceDone)
	assert.Equal(t, http.StatusForbidden, <-malloryDone)

	msgs, err := env.store.GetRecentMessages(context.Background(), "fresh", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	rec, resp := env.do(t, http.MethodPost, "/api/v1/chat", "alice", map[string]string{"sessionId": "s1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", resp.Error)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "alice"))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInteractionsAndRecommendations(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	post := func(user, symbol, kind string) int {
		rec, _ := env.do(t, http.MethodPost, "/api/v1/interactions", user, interactionRequest{Symbol: symbol, Kind: kind})
		return rec.Code
	}
	require.Equal(t, http.StatusCreated, post("alice", "aapl", "invested_in"))
	require.Equal(t, http.StatusCreated, post("bob", "$AAPL", "INVESTED_IN"))
	require.Equal(t, http.StatusCreated, post("bob", "GOOGL", "interested_in"))

	assert.Equal(t, http.StatusBadRequest, post("alice", "AAPL", "liked"))
	assert.Equal(t, http.StatusBadRequest, post("alice", "not a ticker", "RESEARCHED"))

	rec, resp := env.do(t, http.MethodGet, "/api/v1/interactions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ins []models.Interaction
	decodeData(t, resp, &ins)
	require.Len(t, ins, 1)
	assert.Equal(t, "AAPL", ins[0].Symbol)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/recommendations", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []models.Recommendation
	decodeData(t, resp, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "GOOGL", recs[0].Symbol)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/recommendations", "newcomer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recs = nil
	decodeData(t, resp, &recs)
	assert.Empty(t, recs)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/popular?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var popular []models.PopularInstrument
	decodeData(t, resp, &popular)
	require.Len(t, popular, 1)
	assert.Equal(t, "AAPL", popular[0].Symbol)
	assert.Equal(t, 2, popular[0].Users)

	// the chat reply carries the same recommendations
	rec, resp = env.do(t, http.MethodPost, "/api/v1/chat", "alice", models.SendMessage{SessionID: "s1", Text: "ideas?"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out chatResponse
	decodeData(t, resp, &out)
	assert.Equal(t, []string{"GOOGL"}, out.Reply.Recommendations)
}

func TestProfile(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec, resp := env.do(t, http.MethodGet, "/api/v1/profile", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p models.UserProfile
	decodeData(t, resp, &p)
	assert.Equal(t, models.DefaultProfile("alice"), p)

	rec, _ = env.do(t, http.MethodPut, "/api/v1/profile", "alice",
		profileRequest{RiskTolerance: "Aggressive", ExperienceLevel: "advanced"})
	require.Equal(t, http.StatusOK, rec.Code)
	got, ok := env.engine.Profile("alice")
	require.True(t, ok)
	assert.Equal(t, models.RiskAggressive, got.RiskTolerance)
	require.Len(t, env.profiles.saved, 1)
	assert.Equal(t, got, env.profiles.saved[0])

	rec, _ = env.do(t, http.MethodPut, "/api/v1/profile", "alice",
		profileRequest{RiskTolerance: "yolo", ExperienceLevel: "advanced"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, env.profiles.saved, 1)
}

func TestQuotes(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	tests := []struct {
		path string
		code int
	}{
		{"/api/v1/quotes/aapl", http.StatusOK},
		{"/api/v1/quotes/ZZZZ", http.StatusNotFound},
		{"/api/v1/quotes/DOWN", http.StatusServiceUnavailable},
		{"/api/v1/quotes/bad$sym", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, resp := env.do(t, http.MethodGet, tt.path, "alice", nil)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				var e quotecache.Entry
				decodeData(t, resp, &e)
				assert.Equal(t, 190.5, e.Quote.Price)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, ServerOptions{Origins: []string{"https://app.example.com"}})

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://app.example.com")
	assert.Equal(t, http.StatusOK, rec.Code, "preflight must not hit auth")
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = preflight("https://evil.example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
