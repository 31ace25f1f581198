package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/STRATINT/aggregator/internal/breaker"
	"github.com/STRATINT/aggregator/internal/cache"
	"github.com/STRATINT/aggregator/internal/models"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics handler to return 200, got %d", rr.Code)
	}
	return rr.Body.String()
}

func TestCollectorRecordsHTTPMetrics(t *testing.T) {
	collector, err := New()
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	handlerInvoked := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerInvoked = true
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	instrumented := collector.InstrumentHandler(handler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	instrumented.ServeHTTP(rr, req)

	if !handlerInvoked {
		t.Fatal("expected handler to be invoked")
	}

	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d", rr.Code)
	}

	body := scrape(t, collector)
	if !strings.Contains(body, `aggregator_http_requests_total{method="GET",path="/test",status="202"} 1`) {
		t.Fatalf("requests_total metric not recorded, body=%q", body)
	}

	if !strings.Contains(body, `aggregator_http_request_duration_seconds_count{method="GET",path="/test",status="202"} 1`) {
		t.Fatalf("request_duration_seconds_count metric not recorded, body=%q", body)
	}
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	collector, err := New()
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	r := chi.NewRouter()
	r.Use(collector.InstrumentHandler)
	r.Get("/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"1", "2", "3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/records/"+id, nil))
	}

	body := scrape(t, collector)
	if !strings.Contains(body, `aggregator_http_requests_total{method="GET",path="/records/{id}",status="200"} 3`) {
		t.Fatalf("route pattern label missing, body=%q", body)
	}
}

func TestObserveFetchAndRefresh(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	c.ObserveFetch("posts", "ok", 120*time.Millisecond)
	c.ObserveFetch("posts", "error", 0)
	c.ObserveRefresh(models.TriggerManual, time.Second, models.RefreshSummary{RecordsChanged: 4, RecordsUpserted: 10}, nil)
	c.ObserveRefresh(models.TriggerScheduler, time.Second, models.RefreshSummary{RecordsChanged: 1, Errors: []string{"x"}}, nil)
	c.ObserveRefresh(models.TriggerScheduler, time.Second, models.RefreshSummary{RecordsChanged: 99}, errors.New("commit"))

	if got := testutil.ToFloat64(c.fetchTotal.WithLabelValues("posts", "ok")); got != 1 {
		t.Errorf("fetch ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.refreshTotal.WithLabelValues("manual", "ok")); got != 1 {
		t.Errorf("manual ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.refreshTotal.WithLabelValues("scheduler", "partial")); got != 1 {
		t.Errorf("scheduler partial = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.refreshTotal.WithLabelValues("scheduler", "failed")); got != 1 {
		t.Errorf("scheduler failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.recordsChanged); got != 5 {
		t.Errorf("records changed = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.recordsFetched); got != 10 {
		t.Errorf("records fetched = %v, want 10", got)
	}
}

func TestRegisterCacheReadsLiveStats(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	stats := cache.NewStats()
	if err := c.RegisterCache(stats, cache.NewRevalidator(0, nil)); err != nil {
		t.Fatalf("RegisterCache: %v", err)
	}

	stats.Record(cache.Fresh)
	stats.Record(cache.Stale)
	stats.Record(cache.Miss)
	stats.Record(cache.Miss)

	body := scrape(t, c)
	for _, want := range []string{
		"aggregator_cache_hits_total 1",
		"aggregator_cache_stale_hits_total 1",
		"aggregator_cache_misses_total 2",
		"aggregator_cache_hit_ratio 0.5",
		"aggregator_cache_revalidations_skipped_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in scrape", want)
		}
	}

	if err := c.RegisterCache(stats, nil); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRegisterBreakers(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	reg := breaker.NewRegistry(breaker.WithThreshold(2))
	if err := c.RegisterBreakers(reg); err != nil {
		t.Fatalf("RegisterBreakers: %v", err)
	}

	reg.RecordFailure("https://x/posts")
	reg.RecordFailure("https://x/posts")
	reg.RecordFailure("https://x/users")

	body := scrape(t, c)
	for _, want := range []string{
		`aggregator_breaker_open{source="https://x/posts"} 1`,
		`aggregator_breaker_failures{source="https://x/posts"} 2`,
		`aggregator_breaker_open{source="https://x/users"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in scrape", want)
		}
	}
}
