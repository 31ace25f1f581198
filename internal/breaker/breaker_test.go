package breaker

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(
		WithThreshold(3),
		WithRecoveryWindow(60*time.Second),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

const src = "https://x/posts"

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	for i := 0; i < 2; i++ {
		r.RecordFailure(src)
		assert.False(t, r.IsOpen(src), "breaker must stay closed after %d failures", i+1)
	}

	r.RecordFailure(src)
	assert.True(t, r.IsOpen(src))

	status := r.Status()
	require.Contains(t, status, src)
	assert.Equal(t, 3, status[src].Failures)
	assert.True(t, status[src].Open)
}

func TestRegistry_SuccessResets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	r.RecordFailure(src)
	r.RecordFailure(src)
	r.RecordSuccess(src)

	assert.False(t, r.IsOpen(src))
	assert.NotContains(t, r.Status(), src)

	// Counting starts over after a success.
	r.RecordFailure(src)
	r.RecordFailure(src)
	assert.False(t, r.IsOpen(src))
}

func TestRegistry_SuccessResetsOpenBreaker(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	for i := 0; i < 3; i++ {
		r.RecordFailure(src)
	}
	require.True(t, r.IsOpen(src))

	r.RecordSuccess(src)
	assert.False(t, r.IsOpen(src))
}

func TestRegistry_HalfOpenAllowsSingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	for i := 0; i < 3; i++ {
		r.RecordFailure(src)
	}
	clock.Advance(59 * time.Second)
	require.True(t, r.IsOpen(src), "still inside recovery window")

	clock.Advance(2 * time.Second)
	assert.False(t, r.IsOpen(src), "probe allowed once recovery window elapsed")
	assert.Equal(t, 2, r.Status()[src].Failures)

	// Failed probe re-trips immediately with a fresh window.
	r.RecordFailure(src)
	assert.True(t, r.IsOpen(src))
	clock.Advance(30 * time.Second)
	assert.True(t, r.IsOpen(src))
}

func TestRegistry_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	for i := 0; i < 3; i++ {
		r.RecordFailure(src)
	}
	clock.Advance(61 * time.Second)
	require.False(t, r.IsOpen(src))

	r.RecordSuccess(src)
	assert.False(t, r.IsOpen(src))
	assert.Empty(t, r.Status())
}

func TestRegistry_SourcesAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	for i := 0; i < 3; i++ {
		r.RecordFailure("a")
	}
	assert.True(t, r.IsOpen("a"))
	assert.False(t, r.IsOpen("b"))
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.RecordFailure(src)
			} else {
				r.IsOpen(src)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.Status()[src].Failures)
}
