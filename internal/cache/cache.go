// Package cache implements a stale-while-revalidate cache over a kv.Store.
//
// Every logical entry is stored under two keys: the value itself, which
// lives for ttl+grace, and a freshness sentinel (key + ":fresh") that lives
// for ttl. Both are read in one round trip:
//
//	value present, sentinel present  -> Fresh
//	value present, sentinel absent   -> Stale
//	value absent                     -> Miss
//
// Store failures never reach callers. They are logged and reported as a Miss
// carrying the error in Result.Err.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/STRATINT/aggregator/internal/kv"
)

const (
	// DefaultNamespace prefixes every key. Bump the version to roll out a
	// new value layout without flushing by hand.
	DefaultNamespace = "agg:v2"

	DefaultStaleGrace = 60 * time.Second

	freshSuffix = ":fresh"
	slugLen     = 60
	digestLen   = 12
)

// Status is the freshness of a lookup.
type Status int

const (
	Miss Status = iota
	Fresh
	Stale
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Result is the outcome of a cache lookup.
type Result struct {
	Value  []byte
	Status Status
	// Err is set when the store could not be read or the value could not be
	// decoded. Status is always Miss in that case.
	Err error
}

// Option configures a Cache.
type Option func(*Cache)

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(c *Cache) { c.namespace = strings.TrimSuffix(ns, ":") }
}

// WithStaleGrace sets how long a value outlives its sentinel.
func WithStaleGrace(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithLogger sets the logger used for degraded operations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache is a stale-while-revalidate cache.
type Cache struct {
	store     kv.Store
	namespace string
	grace     time.Duration
	logger    *slog.Logger
}

// New creates a cache over the given store.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		namespace: DefaultNamespace,
		grace:     DefaultStaleGrace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives a namespaced key from logical parts, e.g. an operation name
// followed by its query parameters. The digest covers the full raw key; the
// slug is only there to make keys readable when inspecting the store.
func (c *Cache) Key(parts ...any) string {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = fmt.Sprint(p)
	}
	raw := strings.Join(strs, ":")

	sum := sha256.Sum256([]byte(raw))
	digest := hex.EncodeToString(sum[:])[:digestLen]

	slug := raw
	if len(slug) > slugLen {
		slug = strings.ToValidUTF8(slug[:slugLen], "")
	}
	slug = strings.NewReplacer(" ", "_", "/", "_").Replace(slug)

	return c.namespace + ":" + digest + ":" + slug
}

// Pattern matches every key in the namespace.
func (c *Cache) Pattern() string {
	return c.namespace + ":*"
}

// Get looks up the value and its sentinel together.
func (c *Cache) Get(ctx context.Context, key string) Result {
	vals, err := c.store.MGet(ctx, key, key+freshSuffix)
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return Result{Status: Miss, Err: err}
	}
	if len(vals) != 2 || vals[0] == nil {
		return Result{Status: Miss}
	}
	if vals[1] == nil {
		return Result{Value: vals[0], Status: Stale}
	}
	return Result{Value: vals[0], Status: Fresh}
}

// GetJSON is Get followed by decoding into dst. A value that fails to decode
// is treated as a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) Result {
	res := c.Get(ctx, key)
	if res.Status == Miss {
		return res
	}
	if err := json.Unmarshal(res.Value, dst); err != nil {
		c.logger.Warn("cache value undecodable", "key", key, "error", err)
		return Result{Status: Miss, Err: fmt.Errorf("decode cached value: %w", err)}
	}
	return res
}

// Set writes the value for ttl+grace and the sentinel for ttl atomically.
// It reports whether the write succeeded.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	err := c.store.SetBatch(ctx,
		kv.Entry{Key: key, Value: value, TTL: ttl + c.grace},
		kv.Entry{Key: key + freshSuffix, Value: []byte("1"), TTL: ttl},
	)
	if err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
		return false
	}
	return true
}

// SetJSON encodes v and stores it with Set.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache value unencodable", "key", key, "error", err)
		return false
	}
	return c.Set(ctx, key, data, ttl)
}

// Delete removes the value and its sentinel.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key, key+freshSuffix); err != nil {
		c.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}

// InvalidatePattern removes every key matching pattern and returns the count.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	n, err := c.store.ScanDelete(ctx, pattern)
	if err != nil {
		c.logger.Warn("cache invalidate failed", "pattern", pattern, "deleted", n, "error", err)
		return n
	}
	if n > 0 {
		c.logger.Info("cache invalidated", "pattern", pattern, "count", n)
	}
	return n
}

// InvalidateAll flushes the namespace.
func (c *Cache) InvalidateAll(ctx context.Context) int {
	return c.InvalidatePattern(ctx, c.Pattern())
}

// Ping reports whether the backing store is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}
