package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	handler := rl.middleware(okHandler())

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/aggregate", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := range 2 {
		rec := send("10.0.0.1:1234")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := send("10.0.0.1:9999")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimitExceeded, decodeError(t, rec).Error)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 30)

	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234").Code)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(10, time.Minute)
	rl.now = func() time.Time { return now }
	rl.lastCleanup = now

	rl.getLimiter("a")
	rl.getLimiter("b")
	require.Equal(t, 2, rl.size())

	now = now.Add(limiterCleanupInterval + time.Second)
	rl.getLimiter("c")
	assert.Equal(t, 1, rl.size())
}

func TestRouterRateLimit(t *testing.T) {
	s := newTestServer(t, func(o *Options) {
		o.RateRequests = 1
		o.RateWindow = time.Minute
	})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/admin/health", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/admin/health", "", nil).Code)
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
	}{
		{name: "strict", strict: true},
		{name: "relaxed", strict: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			securityHeaders(tt.strict)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
			assert.Equal(t, "default-src 'self'", rec.Header().Get("Content-Security-Policy"))
			assert.Equal(t, tt.strict, rec.Header().Get("Strict-Transport-Security") != "")
		})
	}
}

func TestCORS(t *testing.T) {
	handler := cors([]string{"https://app.example"})(okHandler())

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/records", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://app.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")

	rec = preflight("https://evil.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
	req.Header.Set("Origin", "https://app.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	wildcard := cors([]string{"*"})(okHandler())
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec = httptest.NewRecorder()
	wildcard.ServeHTTP(rec, req)
	assert.Equal(t, "https://anything.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientIPUsesRealIP(t *testing.T) {
	s := newTestServer(t, func(o *Options) {
		o.RateRequests = 1
		o.RateWindow = time.Minute
	})

	first := s.do(t, http.MethodGet, "/admin/health", "", map[string]string{"X-Forwarded-For": "203.0.113.1"})
	second := s.do(t, http.MethodGet, "/admin/health", "", map[string]string{"X-Forwarded-For": "203.0.113.2"})
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
}
