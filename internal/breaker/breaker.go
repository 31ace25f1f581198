// Package breaker implements per-source circuit breaking for upstream fetches.
//
// A source is closed while its consecutive failure count is below the
// threshold. Once the threshold is crossed the breaker opens and rejects
// requests until the recovery window has elapsed, after which a single probe
// is let through (half-open). A success anywhere clears the source entirely.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/STRATINT/aggregator/internal/models"
)

const (
	DefaultFailureThreshold = 3
	DefaultRecoveryWindow   = 60 * time.Second
)

type state struct {
	failures int
	openedAt time.Time
}

// Registry holds breaker state for every source. A single mutex guards the
// whole map; every operation is an O(1) lookup.
type Registry struct {
	mu        sync.Mutex
	states    map[string]*state
	threshold int
	recovery  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithThreshold sets the consecutive failure count that trips a breaker.
func WithThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithRecoveryWindow sets how long a tripped breaker rejects requests.
func WithRecoveryWindow(d time.Duration) Option {
	return func(r *Registry) { r.recovery = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.now = fn }
}

// WithLogger sets the logger used for trip events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		states:    make(map[string]*state),
		threshold: DefaultFailureThreshold,
		recovery:  DefaultRecoveryWindow,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsOpen reports whether requests to source must be rejected. When the
// recovery window has elapsed the failure count drops to threshold-1, so the
// caller's probe is allowed and one more failure re-trips the breaker.
func (r *Registry) IsOpen(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[source]
	if !ok || st.failures < r.threshold {
		return false
	}
	if r.now().Sub(st.openedAt) < r.recovery {
		return true
	}

	st.failures = r.threshold - 1
	r.logger.Info("circuit half-open", "source", source)
	return false
}

// RecordFailure counts one failed request against source.
func (r *Registry) RecordFailure(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[source]
	if !ok {
		st = &state{}
		r.states[source] = st
	}

	prev := st.failures
	st.failures++
	if prev < r.threshold && st.failures >= r.threshold {
		st.openedAt = r.now()
		r.logger.Warn("circuit opened", "source", source, "failures", st.failures)
	}
}

// RecordSuccess clears all state for source.
func (r *Registry) RecordSuccess(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, source)
}

// Status returns a snapshot of every source that currently has state.
func (r *Registry) Status() map[string]models.CircuitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]models.CircuitStatus, len(r.states))
	for source, st := range r.states {
		out[source] = models.CircuitStatus{
			Failures: st.failures,
			Open:     st.failures >= r.threshold,
		}
	}
	return out
}

// Threshold returns the configured trip threshold.
func (r *Registry) Threshold() int {
	return r.threshold
}
