// Package fetch retrieves records from upstream HTTP sources concurrently,
// guarded by per-source circuit breakers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/STRATINT/aggregator/internal/breaker"
	"github.com/STRATINT/aggregator/internal/models"
)

var (
	// ErrCircuitOpen is returned without any I/O when a source's breaker is open.
	ErrCircuitOpen = errors.New("circuit open: upstream unavailable")

	// ErrUpstreamStatus matches any non-2xx upstream response.
	ErrUpstreamStatus = errors.New("upstream returned error status")
)

// StatusError reports a non-2xx upstream response. It is never retried.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

// Config holds fetch executor parameters.
type Config struct {
	Timeout      time.Duration
	Concurrency  int
	MaxBodyBytes int64
	UserAgent    string
	Retry        RetryPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      8 * time.Second,
		Concurrency:  10,
		MaxBodyBytes: 10 * 1024 * 1024,
		UserAgent:    "stratint-aggregator/2.0",
		Retry:        DefaultRetryPolicy(),
	}
}

// Observer receives one notification per source fetch.
type Observer interface {
	ObserveFetch(sourceKey, result string, elapsed time.Duration)
}

// Fetch results reported to the Observer.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultRejected = "circuit_open"
)

// Executor fetches many sources at once, capping in-flight requests with a
// weighted semaphore.
type Executor struct {
	client   *retryablehttp.Client
	breakers *breaker.Registry
	sem      *semaphore.Weighted
	config   Config
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
}

// NewExecutor creates an executor sharing the given breaker registry.
func NewExecutor(cfg Config, breakers *breaker.Registry, logger *slog.Logger) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.Concurrency
	transport.MaxIdleConnsPerHost = cfg.Concurrency

	client := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		Logger:       logger,
		RetryWaitMin: cfg.Retry.InitialBackoff,
		RetryWaitMax: cfg.Retry.MaxBackoff,
		RetryMax:     cfg.Retry.retries(),
		CheckRetry:   checkRetry,
		Backoff:      cfg.Retry.backoffFunc(),
	}

	return &Executor{
		client:   client,
		breakers: breakers,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/STRATINT/aggregator/internal/fetch"),
	}
}

// SetObserver registers a fetch observer (metrics).
func (e *Executor) SetObserver(o Observer) {
	e.observer = o
}

// FetchAll fetches every source concurrently and returns exactly one outcome
// per source, in input order. A failing source never affects its siblings.
func (e *Executor) FetchAll(ctx context.Context, sources []models.Source) []models.FetchOutcome {
	outcomes := make([]models.FetchOutcome, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src models.Source) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("fetch panicked", "source", src.Key, "panic", r)
					outcomes[i] = models.FailedOutcome(src, fmt.Errorf("fetch panicked: %v", r), 0)
				}
			}()
			outcomes[i] = e.fetchOne(ctx, src)
		}(i, src)
	}
	wg.Wait()

	return outcomes
}

func (e *Executor) fetchOne(ctx context.Context, src models.Source) models.FetchOutcome {
	ctx, span := e.tracer.Start(ctx, "fetch.source", trace.WithAttributes(
		attribute.String("source.key", src.Key),
		attribute.String("source.url", src.URL),
	))
	defer span.End()

	if e.breakers.IsOpen(src.URL) {
		e.logger.Warn("circuit rejected", "url", src.URL)
		e.observe(src.Key, ResultRejected, 0)
		span.SetStatus(codes.Error, ErrCircuitOpen.Error())
		return models.FailedOutcome(src, ErrCircuitOpen, 0)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return models.FailedOutcome(src, fmt.Errorf("failed to acquire fetch slot: %w", err), 0)
	}
	defer e.sem.Release(1)

	start := time.Now()
	records, err := e.get(ctx, src.URL)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		e.logger.Warn("fetch abandoned", "source", src.Key, "error", err)
		span.RecordError(err)
		return models.FailedOutcome(src, err, elapsed)
	}
	if err != nil {
		e.breakers.RecordFailure(src.URL)
		e.logger.Error("fetch failed", "source", src.Key, "error", err)
		e.observe(src.Key, ResultError, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.FailedOutcome(src, err, elapsed)
	}

	e.breakers.RecordSuccess(src.URL)
	e.logger.Info("fetch ok", "source", src.Key, "records", len(records), "ms", elapsed.Milliseconds())
	e.observe(src.Key, ResultOK, elapsed)
	span.SetAttributes(attribute.Int("records", len(records)))

	return models.FetchOutcome{Source: src, Records: records, Duration: elapsed}
}

func (e *Executor) get(ctx context.Context, url string) ([]models.Record, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if e.config.UserAgent != "" {
		req.Header.Set("User-Agent", e.config.UserAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > e.config.MaxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", e.config.MaxBodyBytes)
	}

	return models.DecodeRecords(body)
}

func (e *Executor) observe(sourceKey, result string, elapsed time.Duration) {
	if e.observer != nil {
		e.observer.ObserveFetch(sourceKey, result, elapsed)
	}
}
