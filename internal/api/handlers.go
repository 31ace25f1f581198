package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/STRATINT/aggregator/internal/auth"
	"github.com/STRATINT/aggregator/internal/models"
	"github.com/STRATINT/aggregator/internal/refresh"
)

const maxLoginBody = 1 << 14

// Handler serves the data and admin endpoints.
type Handler struct {
	svc       Service
	auth      *auth.Authenticator
	scheduler SchedulerState
	dbStats   func() map[string]interface{}
	version   string
	logger    *slog.Logger
}

// LoginRequest represents a login request
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MetricsResponse is the body of GET /admin/metrics.
type MetricsResponse struct {
	CacheHits       int64                           `json:"cache_hits"`
	CacheMisses     int64                           `json:"cache_misses"`
	StaleHits       int64                           `json:"stale_hits"`
	HitRate         float64                         `json:"hit_rate"`
	TotalRequests   int64                           `json:"total_requests"`
	CircuitBreakers map[string]models.CircuitStatus `json:"circuit_breakers"`
	Database        map[string]interface{}          `json:"database,omitempty"`
}

// SourcesResponse is the body of GET /admin/sources.
type SourcesResponse struct {
	Sources []models.Source `json:"sources"`
	Count   int             `json:"count"`
}

// refreshAsync handles POST /api/v1/refresh
func (h *Handler) refreshAsync(w http.ResponseWriter, r *http.Request) {
	ack := h.svc.RefreshAsync(models.TriggerManual)
	writeJSON(w, http.StatusAccepted, ack)
}

// refreshSync handles POST /api/v1/refresh/sync
func (h *Handler) refreshSync(w http.ResponseWriter, r *http.Request) {
	// A client that hangs up must not abort the run halfway through.
	summary, err := h.svc.Refresh(context.WithoutCancel(r.Context()), models.TriggerManual)
	if err != nil {
		status, code := classify(err)
		writeJSON(w, status, ErrorResponse{
			Error:   code,
			Detail:  err.Error(),
			Context: map[string]any{"run_id": summary.RunID, "errors": summary.Errors},
		})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// aggregate handles GET /api/v1/aggregate
func (h *Handler) aggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := h.svc.AggregateSummary(r.Context())
	if err != nil {
		h.fail(w, r, "failed to build aggregate", err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// listRecords handles GET /api/v1/records
func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1, 1, 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "page: "+err.Error())
		return
	}
	pageSize, err := intParam(q.Get("page_size"), refresh.DefaultPageSize, 1, refresh.MaxPageSize)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "page_size: "+err.Error())
		return
	}

	result, err := h.svc.ListRecords(r.Context(), q.Get("source_key"), page, pageSize)
	if err != nil {
		h.fail(w, r, "failed to list records", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getRecord handles GET /api/v1/records/{id}
func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "id: must be an integer")
		return
	}

	rec, err := h.svc.GetRecord(r.Context(), id)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusNotFound {
			writeError(w, status, code, fmt.Sprintf("Record %d not found", id))
			return
		}
		h.fail(w, r, "failed to get record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// logs handles GET /api/v1/logs
func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), refresh.DefaultAuditLimit, 1, refresh.MaxAuditLimit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "limit: "+err.Error())
		return
	}

	entries, err := h.svc.RecentAudits(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "failed to read audit log", err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// health handles GET /admin/health
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health(r.Context())
	report.Version = h.version
	switch {
	case h.scheduler == nil:
		report.Scheduler = "disabled"
	case h.scheduler.Running():
		report.Scheduler = "running"
	default:
		report.Scheduler = "stopped"
	}
	writeJSON(w, http.StatusOK, report)
}

// adminMetrics handles GET /admin/metrics
func (h *Handler) adminMetrics(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.CacheStats()
	resp := MetricsResponse{
		CacheHits:       stats.Hits,
		CacheMisses:     stats.Misses,
		StaleHits:       stats.StaleHits,
		HitRate:         stats.HitRate,
		TotalRequests:   stats.TotalRequests,
		CircuitBreakers: h.svc.CircuitStatus(),
	}
	if resp.CircuitBreakers == nil {
		resp.CircuitBreakers = map[string]models.CircuitStatus{}
	}
	if h.dbStats != nil {
		resp.Database = h.dbStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// bustCache handles DELETE /admin/cache
func (h *Handler) bustCache(w http.ResponseWriter, r *http.Request) {
	removed := h.svc.BustCache(r.Context())
	principal, _ := auth.PrincipalFromContext(r.Context())
	h.logger.Info("cache busted", "keys_removed", removed, "principal", principal)
	w.WriteHeader(http.StatusNoContent)
}

// sources handles GET /admin/sources
func (h *Handler) sources(w http.ResponseWriter, r *http.Request) {
	list := h.svc.Sources()
	writeJSON(w, http.StatusOK, SourcesResponse{Sources: list, Count: len(list)})
}

// login handles POST /auth/login
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "invalid request body")
		return
	}

	token, expires, err := h.auth.Login(req.Password)
	switch {
	case errors.Is(err, auth.ErrLoginDisabled):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.logger.Warn("failed login attempt", "ip", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid credentials")
		return
	case err != nil:
		h.fail(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("successful login", "ip", r.RemoteAddr)
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires})
}

// denied renders authentication failures.
func (h *Handler) denied(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Debug("request rejected", "path", r.URL.Path, "reason", err)
	w.Header().Set("WWW-Authenticate", `Bearer realm="aggregator"`)
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or missing API key")
}

// fail logs err and writes the matching envelope.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, code := classify(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, "path", r.URL.Path, "error", err)
		detail = "Internal server error"
	}
	writeError(w, status, code, detail)
}

// intParam parses an optional integer query value within [min, max].
// A max of zero means unbounded.
func intParam(raw string, fallback, min, max int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if n < min || (max > 0 && n > max) {
		if max > 0 {
			return 0, fmt.Errorf("must be between %d and %d", min, max)
		}
		return 0, fmt.Errorf("must be >= %d", min)
	}
	return n, nil
}
