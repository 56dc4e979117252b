package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/ai"
	"github.com/alim08/fin_advisor/pkg/auth"
	"github.com/alim08/fin_advisor/pkg/bus"
	"github.com/alim08/fin_advisor/pkg/chat"
	"github.com/alim08/fin_advisor/pkg/config"
	"github.com/alim08/fin_advisor/pkg/database"
	"github.com/alim08/fin_advisor/pkg/graphstore"
	"github.com/alim08/fin_advisor/pkg/history"
	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/quotecache"
	"github.com/alim08/fin_advisor/pkg/quotesource"
	"github.com/alim08/fin_advisor/pkg/recommend"
	"github.com/alim08/fin_advisor/pkg/redisclient"
	"github.com/alim08/fin_advisor/pkg/tracing"
)

func main() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Log

	log.Info("starting fin-advisor API server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{ServiceName: "fin-advisor", Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, "")
	if err != nil {
		log.Fatal("failed to initialize authentication", zap.Error(err))
	}

	checks := make(map[string]HealthCheck)
	var closers []func(context.Context) error

	// Chat history
	var store history.Store
	if cfg.MongoURL != "" {
		ms, err := history.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDB)
		if err != nil {
			log.Fatal("failed to connect to chat history store", zap.Error(err))
		}
		store = ms
		checks["mongo"] = ms.Ping
		closers = append(closers, ms.Close)
	} else {
		log.Warn("MONGO_URL not set, chat history is kept in memory")
		store = history.NewMemoryStore()
	}

	// Goals and profiles
	var (
		goals         chat.GoalReader
		profileReader chat.ProfileReader
		profileWriter ProfileWriter
	)
	if cfg.UsePostgres {
		db, err := database.New(ctx, database.NewConfig())
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = db.RunMigrations(migrateCtx)
		cancel()
		if err != nil {
			log.Fatal("failed to run database migrations", zap.Error(err))
		}
		repo := database.NewGoalRepository(db)
		goals, profileReader, profileWriter = repo, repo, repo
		checks["postgres"] = db.HealthCheck
		closers = append(closers, func(context.Context) error { return db.Close() })
	}

	// Recommendation graph
	var graph recommend.Store
	if cfg.Neo4jURI != "" {
		gs, err := graphstore.New(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass, "")
		if err != nil {
			log.Fatal("failed to connect to graph store", zap.Error(err))
		}
		if err := gs.EnsureSchema(ctx); err != nil {
			log.Fatal("failed to prepare graph schema", zap.Error(err))
		}
		graph = gs
		checks["neo4j"] = gs.Ping
		closers = append(closers, gs.Close)
	}
	engine := recommend.New(recommend.Options{
		Weights: recommend.Weights{
			models.InvestedIn:   cfg.Recommend.Weights.InvestedIn,
			models.Researched:   cfg.Recommend.Weights.Researched,
			models.InterestedIn: cfg.Recommend.Weights.InterestedIn,
		},
		Neighbors:     cfg.Recommend.Neighbors,
		SimilarityTTL: cfg.Recommend.SimilarityTTL,
		Store:         graph,
	})
	if err := engine.Load(ctx); err != nil {
		log.Fatal("failed to load recommendation graph", zap.Error(err))
	}

	// Delivery bus, relayed through Redis when configured
	local := bus.New()
	var (
		publisher chat.Publisher = local
		snapshot  quotecache.Snapshotter
	)
	if cfg.RedisURL != "" {
		rdb, err := redisclient.New(cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to connect to Redis", zap.Error(err))
		}
		if err := rdb.Ping(ctx); err != nil {
			log.Warn("Redis not reachable at startup", zap.Error(err))
		}
		checks["redis"] = rdb.Ping
		closers = append(closers, func(context.Context) error { return rdb.Close() })

		relay := bus.NewRedisRelay(local, rdb, bus.DefaultChannel)
		go relay.Run(ctx)
		publisher = relay
		snapshot = quotecache.NewRedisSnapshot(rdb)
	}

	// Market data
	var quotes chat.QuoteReader
	if cfg.Quotes.SourceURL != "" {
		src := quotesource.NewHTTPSource(cfg.Quotes.SourceURL, cfg.Quotes.APIKey, nil)
		quotes = quotecache.New(src, quotecache.Options{
			TTL:          cfg.Quotes.TTL,
			Capacity:     cfg.Quotes.Capacity,
			FetchTimeout: cfg.Quotes.FetchTimeout,
			Snapshot:     snapshot,
		})
	} else {
		log.Warn("QUOTE_API_URL not set, market data disabled")
	}

	// Language model
	var gen chat.Generator
	if cfg.AI.APIKey != "" {
		gen = ai.NewClient(ai.Config{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout,
		}, nil)
	} else {
		log.Warn("AI_API_KEY not set, replies use the rule-based fallback")
	}

	orch, err := chat.New(chat.Options{
		History:        store,
		Goals:          goals,
		Profiles:       profileReader,
		Recommender:    engine,
		Quotes:         quotes,
		AI:             gen,
		Bus:            publisher,
		Interactions:   engine,
		GatherDeadline: cfg.Chat.GatherDeadline,
		HistoryLimit:   cfg.Chat.HistoryLimit,
		RecommendLimit: cfg.Recommend.Limit,
		MaxPending:     cfg.Chat.MaxPending,
		ReporterQueue:  cfg.Chat.ReporterQueue,
	})
	if err != nil {
		log.Fatal("failed to create chat orchestrator", zap.Error(err))
	}

	srv := NewServer(ServerOptions{
		Chat:           orch,
		History:        store,
		Engine:         engine,
		Quotes:         quotes,
		Profiles:       profileWriter,
		Registry:       local,
		Verifier:       verifier,
		Checks:         checks,
		Origins:        cfg.AllowOrigins,
		RecommendLimit: cfg.Recommend.Limit,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := orch.Close(shutdownCtx); err != nil {
		log.Error("pending chat turns abandoned", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](shutdownCtx); err != nil {
			log.Warn("failed to close dependency", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("failed to flush traces", zap.Error(err))
	}

	log.Info("server exited")
}
