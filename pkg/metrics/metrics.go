package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chat turn metrics
	ChatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Chat turns by terminal outcome",
		},
		[]string{"outcome"},
	)
	ChatStageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_stage_latency_seconds",
			Help:    "Time spent in each turn stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	ChatContextUnavailable = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_context_unavailable_total",
			Help: "Context slots that missed the gathering deadline or failed",
		},
		[]string{"slot"},
	)
	ChatSessionsBusy = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sessions_busy_total",
			Help: "Messages rejected because the session queue was full",
		})
	ChatActiveLanes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_lanes",
			Help: "Sessions with a running turn worker",
		})

	// AI service metrics
	AIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "AI completion attempts by result class",
		},
		[]string{"class"},
	)
	AILatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ai_request_latency_seconds",
			Help:    "AI completion latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		})

	// Quote cache metrics
	QuoteCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quote_cache_hits_total",
			Help: "Fresh quote cache hits",
		})
	QuoteCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quote_cache_misses_total",
			Help: "Quote cache misses or expired entries",
		})
	QuoteFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_fetches_total",
			Help: "Upstream quote fetches",
		},
		[]string{"status"},
	)
	QuoteStaleServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quote_stale_served_total",
			Help: "Stale quotes served after an upstream failure",
		})
	QuoteEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quote_cache_evictions_total",
			Help: "Entries evicted by the LRU bound",
		})

	// Recommendation metrics
	RecommendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recommend_latency_seconds",
			Help:    "Time to compute recommendations for one user",
			Buckets: prometheus.DefBuckets,
		})
	RecommendInteractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommend_interactions_total",
			Help: "Recorded interactions by kind",
		},
		[]string{"kind"},
	)
	SimilarityCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommend_similarity_cache_total",
			Help: "Similarity cache lookups",
		},
		[]string{"result"},
	)
	ReporterDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "interaction_reporter_dropped_total",
			Help: "Interaction reports dropped because the queue was full",
		})

	// Delivery bus metrics
	BusDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_deliveries_total",
			Help: "Events pushed to connections",
		},
		[]string{"status"},
	)
	BusConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_connections",
			Help: "Registered realtime connections",
		})

	// API metrics
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	APIRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Redis metrics
	RedisOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
	RedisErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_errors_total",
			Help: "Total Redis errors",
		},
		[]string{"operation"},
	)

	// Store metrics (postgres, mongo, neo4j)
	DatabaseHealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "database_health_check_duration_seconds",
			Help:    "Database health check duration",
			Buckets: prometheus.DefBuckets,
		})
	DatabaseOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_operation_duration_seconds",
			Help:    "Database operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
	DatabaseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_errors_total",
			Help: "Total database errors",
		},
		[]string{"operation"},
	)

	// Authentication metrics
	AuthMiddlewareSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_middleware_success_total",
			Help: "Total successful authentication middleware calls",
		})
	AuthMiddlewareErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_middleware_errors_total",
			Help: "Total authentication middleware errors",
		},
		[]string{"error_type"},
	)

	// System metrics
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "system_active_connections",
			Help: "Number of active websocket connections",
		})
)

func init() {
	// MustRegister panics if registration fails (e.g. duplicate)
	prometheus.MustRegister(
		ChatTurns, ChatStageLatency, ChatContextUnavailable, ChatSessionsBusy, ChatActiveLanes,
		AIRequests, AILatency,
		QuoteCacheHits, QuoteCacheMisses, QuoteFetches, QuoteStaleServed, QuoteEvictions,
		RecommendLatency, RecommendInteractions, SimilarityCache, ReporterDropped,
		BusDeliveries, BusConnections,
		APIRequestDuration, APIRequestTotal,
		RedisOperationDuration, RedisErrors,
		DatabaseHealthCheckDuration, DatabaseOperationDuration, DatabaseErrors,
		AuthMiddlewareSuccess, AuthMiddlewareErrors,
		ActiveConnections,
	)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Status returns "success" or "error" for metric labels.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
