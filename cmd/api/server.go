package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alim08/fin_advisor/pkg/auth"
	"github.com/alim08/fin_advisor/pkg/bus"
	"github.com/alim08/fin_advisor/pkg/chat"
	"github.com/alim08/fin_advisor/pkg/history"
	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
)

// Chatter runs chat turns.
type Chatter interface {
	Submit(ctx context.Context, in chat.Inbound) (<-chan chat.TurnResult, error)
	HandleMessage(ctx context.Context, in chat.Inbound) (chat.TurnResult, error)
}

// Engine is the recommendation engine surface exposed over HTTP.
type Engine interface {
	Recommend(ctx context.Context, userID string, k int) []models.Recommendation
	RecordInteraction(ctx context.Context, userID, symbol string, kind models.InteractionKind) error
	Interactions(userID string) []models.Interaction
	Popular(k int) []models.PopularInstrument
	Profile(userID string) (models.UserProfile, bool)
	SetProfile(ctx context.Context, p models.UserProfile) error
}

// ProfileWriter mirrors profile updates into the relational store.
type ProfileWriter interface {
	UpsertUserProfile(ctx context.Context, p models.UserProfile) error
}

// Registry tracks live connections per session.
type Registry interface {
	Register(sessionID string, conn bus.Conn)
	Unregister(sessionID, connID string)
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Server holds the HTTP and websocket handlers.
type Server struct {
	chat     Chatter
	history  history.Store
	engine   Engine
	quotes   chat.QuoteReader
	profiles ProfileWriter
	registry Registry
	verifier *auth.Verifier
	checks   map[string]HealthCheck
	origins  []string

	recommendLimit int
	replayLimit    int
	msgRate        rate.Limit
	msgBurst       int

	upgrader websocket.Upgrader
	log      *zap.Logger
}

// ServerOptions wires a Server. Chat, History, Engine, Registry and
// Verifier are required.
type ServerOptions struct {
	Chat     Chatter
	History  history.Store
	Engine   Engine
	Quotes   chat.QuoteReader
	Profiles ProfileWriter
	Registry Registry
	Verifier *auth.Verifier
	Checks   map[string]HealthCheck
	Origins  []string

	RecommendLimit int
	ReplayLimit    int
	MessageRate    rate.Limit
	MessageBurst   int
}

// NewServer applies defaults and builds the websocket upgrader.
func NewServer(opts ServerOptions) *Server {
	if opts.RecommendLimit <= 0 {
		opts.RecommendLimit = 5
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 50
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = rate.Every(500 * time.Millisecond)
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 5
	}
	s := &Server{
		chat:           opts.Chat,
		history:        opts.History,
		engine:         opts.Engine,
		quotes:         opts.Quotes,
		profiles:       opts.Profiles,
		registry:       opts.Registry,
		verifier:       opts.Verifier,
		checks:         opts.Checks,
		origins:        opts.Origins,
		recommendLimit: opts.RecommendLimit,
		replayLimit:    opts.ReplayLimit,
		msgRate:        opts.MessageRate,
		msgBurst:       opts.MessageBurst,
		log:            logger.Named("api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(metricsMiddleware)

	// Health check and metrics endpoints (no auth required)
	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Get("/ws", s.wsHandler)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/chat", s.chatHandler)
			r.Get("/sessions/{sessionID}/messages", s.sessionMessagesHandler)
			r.Get("/recommendations", s.recommendationsHandler)
			r.Get("/interactions", s.interactionsHandler)
			r.Post("/interactions", s.recordInteractionHandler)
			r.Get("/popular", s.popularHandler)
			r.Get("/profile", s.getProfileHandler)
			r.Put("/profile", s.putProfileHandler)
			r.Get("/quotes/{symbol}", s.quoteHandler)
		})
	})
	return r
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

// metricsMiddleware labels requests by route pattern so path parameters do
// not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		metrics.APIRequestDuration.WithLabelValues(r.Method, endpoint, code).Observe(time.Since(start).Seconds())
		metrics.APIRequestTotal.WithLabelValues(r.Method, endpoint, code).Inc()
	})
}
