package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/STRATINT/aggregator/internal/auth"
	"github.com/STRATINT/aggregator/internal/models"
)

// Service is the refresh pipeline as seen by the HTTP layer.
type Service interface {
	Refresh(ctx context.Context, trigger models.Trigger) (models.RefreshSummary, error)
	RefreshAsync(trigger models.Trigger) models.RefreshSummary
	AggregateSummary(ctx context.Context) (models.Aggregate, error)
	ListRecords(ctx context.Context, sourceKey string, page, pageSize int) (models.RecordPage, error)
	GetRecord(ctx context.Context, id int64) (models.StoredRecord, error)
	RecentAudits(ctx context.Context, limit int) ([]models.AuditEntry, error)
	CircuitStatus() map[string]models.CircuitStatus
	CacheStats() models.CacheStats
	BustCache(ctx context.Context) int
	Sources() []models.Source
	Health(ctx context.Context) models.Health
}

// SchedulerState reports whether periodic refreshes are active.
type SchedulerState interface {
	Running() bool
}

// Instrumenter wraps the router with request metrics.
type Instrumenter interface {
	InstrumentHandler(next http.Handler) http.Handler
}

// Options carries everything the router needs.
type Options struct {
	Service   Service
	Auth      *auth.Authenticator
	Scheduler SchedulerState
	Metrics   Instrumenter
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// DBStats adds connection pool figures to /admin/metrics when set.
	DBStats func() map[string]interface{}

	Version      string
	CORSOrigins  []string
	StrictTLS    bool
	RateRequests int
	RateWindow   time.Duration
	Logger       *slog.Logger
}

// NewRouter builds the HTTP surface of the aggregator.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		svc:       opts.Service,
		auth:      opts.Auth,
		scheduler: opts.Scheduler,
		dbStats:   opts.DBStats,
		version:   opts.Version,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, r.Method+" is not allowed on "+r.URL.Path)
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverer(logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.InstrumentHandler)
	}
	r.Use(requestLogger(logger))
	r.Use(securityHeaders(opts.StrictTLS))
	r.Use(cors(opts.CORSOrigins))
	if opts.RateRequests > 0 && opts.RateWindow > 0 {
		r.Use(newRateLimiter(opts.RateRequests, opts.RateWindow).middleware)
	}

	// Unauthenticated for load balancer probes.
	r.Get("/admin/health", h.health)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}
	r.Post("/auth/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(opts.Auth.Middleware(h.denied))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/refresh", h.refreshAsync)
			r.Post("/refresh/sync", h.refreshSync)
			r.Get("/aggregate", h.aggregate)
			r.Get("/records", h.listRecords)
			r.Get("/records/{id}", h.getRecord)
			r.Get("/logs", h.logs)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/metrics", h.adminMetrics)
			r.Delete("/cache", h.bustCache)
			r.Get("/sources", h.sources)
		})
	})

	return r
}
