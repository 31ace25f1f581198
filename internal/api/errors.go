package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/STRATINT/aggregator/internal/database"
	"github.com/STRATINT/aggregator/internal/fetch"
	"github.com/STRATINT/aggregator/internal/kv"
)

// Error codes carried in the "error" field of every failure response.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeUpstreamFailed    = "UPSTREAM_FETCH_FAILED"
	CodeCacheUnavailable  = "CACHE_UNAVAILABLE"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Detail  string         `json:"detail"`
	Context map[string]any `json:"context,omitempty"`
}

// classify maps a service error onto an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, fetch.ErrCircuitOpen):
		return http.StatusServiceUnavailable, CodeCircuitOpen
	case errors.Is(err, fetch.ErrUpstreamStatus):
		return http.StatusBadGateway, CodeUpstreamFailed
	case errors.Is(err, kv.ErrUnavailable):
		return http.StatusServiceUnavailable, CodeCacheUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Error: code, Detail: detail})
}
