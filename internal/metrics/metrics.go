// Package metrics exposes Prometheus metrics for the HTTP surface and the
// refresh pipeline on a private registry.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/STRATINT/aggregator/internal/models"
)

const namespace = "aggregator"

// Collector owns the registry and every metric recorded by the service.
type Collector struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	refreshDuration *prometheus.HistogramVec
	refreshTotal    *prometheus.CounterVec
	recordsChanged  prometheus.Counter
	recordsFetched  prometheus.Counter

	fetchDuration *prometheus.HistogramVec
	fetchTotal    *prometheus.CounterVec
}

// New constructs a collector with runtime and process collectors registered.
func New() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Duration of complete refresh passes.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"trigger"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Refresh passes by trigger and result.",
		}, []string{"trigger", "result"}),
		recordsChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "records_changed_total",
			Help:      "Records inserted or updated by refreshes.",
		}),
		recordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "records_fetched_total",
			Help:      "Records received from upstream sources.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Upstream fetch latency per source, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Upstream fetches per source and result.",
		}, []string{"source", "result"}),
	}

	for _, m := range []prometheus.Collector{
		c.requestDuration,
		c.requestTotal,
		c.refreshDuration,
		c.refreshTotal,
		c.recordsChanged,
		c.recordsFetched,
		c.fetchDuration,
		c.fetchTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Registry exposes the underlying registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegisterDatabase exports connection pool statistics.
func (c *Collector) RegisterDatabase(db *sql.DB, name string) error {
	return c.registry.Register(collectors.NewDBStatsCollector(db, name))
}

// ObserveFetch records one upstream fetch.
func (c *Collector) ObserveFetch(sourceKey, result string, elapsed time.Duration) {
	c.fetchTotal.WithLabelValues(sourceKey, result).Inc()
	if elapsed > 0 {
		c.fetchDuration.WithLabelValues(sourceKey).Observe(elapsed.Seconds())
	}
}

// ObserveRefresh records one refresh pass.
func (c *Collector) ObserveRefresh(trigger models.Trigger, elapsed time.Duration, summary models.RefreshSummary, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "failed"
	case len(summary.Errors) > 0:
		result = "partial"
	}
	c.refreshTotal.WithLabelValues(string(trigger), result).Inc()
	c.refreshDuration.WithLabelValues(string(trigger)).Observe(elapsed.Seconds())
	if err == nil {
		c.recordsChanged.Add(float64(summary.RecordsChanged))
		c.recordsFetched.Add(float64(summary.RecordsUpserted))
	}
}

// InstrumentHandler wraps the provided handler to record HTTP metrics. Paths
// are labelled by route pattern when routed through chi.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
