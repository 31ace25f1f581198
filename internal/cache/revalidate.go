package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRevalidateTimeout bounds a single background revalidation.
const DefaultRevalidateTimeout = 30 * time.Second

// Revalidator runs background recomputations with at most one in flight
// per key. Triggers for a key that is already being revalidated are dropped.
type Revalidator struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup

	started atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64

	timeout time.Duration
	logger  *slog.Logger
}

// NewRevalidator creates a revalidator. A zero timeout uses
// DefaultRevalidateTimeout.
func NewRevalidator(timeout time.Duration, logger *slog.Logger) *Revalidator {
	if timeout <= 0 {
		timeout = DefaultRevalidateTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Revalidator{
		inflight: make(map[string]struct{}),
		timeout:  timeout,
		logger:   logger,
	}
}

// Trigger starts fn in the background unless a revalidation for key is
// already running. It returns whether fn was started. Errors and panics
// from fn are logged and swallowed.
func (r *Revalidator) Trigger(key string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		r.skipped.Add(1)
		r.logger.Debug("revalidation already in flight", "key", key)
		return false
	}
	r.inflight[key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	r.started.Add(1)
	go r.run(key, fn)
	return true
}

func (r *Revalidator) run(key string, fn func(ctx context.Context) error) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			r.failed.Add(1)
			r.logger.Error("revalidation panicked", "key", key, "panic", fmt.Sprint(rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		r.failed.Add(1)
		r.logger.Error("revalidation failed", "key", key, "error", err)
		return
	}
	r.logger.Info("cache revalidated", "key", key, "duration_ms", time.Since(start).Milliseconds())
}

// InFlight reports whether key is currently being revalidated.
func (r *Revalidator) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[key]
	return ok
}

// Started is the number of revalidations launched.
func (r *Revalidator) Started() int64 { return r.started.Load() }

// Skipped is the number of triggers dropped because one was in flight.
func (r *Revalidator) Skipped() int64 { return r.skipped.Load() }

// Failed is the number of revalidations that returned an error or panicked.
func (r *Revalidator) Failed() int64 { return r.failed.Load() }

// Wait blocks until every running revalidation has finished.
func (r *Revalidator) Wait() {
	r.wg.Wait()
}
