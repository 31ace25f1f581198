// Package kv provides the key-value stores backing the response cache.
//
// Two backends are available: Redis for deployments that share a cache
// between processes, and an embedded BadgerDB for single-node or local use.
// Both expire keys natively and support atomic multi-key writes.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any failure to reach the backing store.
var ErrUnavailable = errors.New("kv store unavailable")

// Entry is a single key write with its own expiry.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Store is the key-value collaborator used by the cache.
type Store interface {
	// MGet returns one value per key in a single round trip; missing keys
	// yield nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// SetBatch writes all entries atomically.
	SetBatch(ctx context.Context, entries ...Entry) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// ScanDelete incrementally deletes every key matching a glob pattern
	// and returns how many were removed.
	ScanDelete(ctx context.Context, pattern string) (int, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// scanBatch is the number of keys examined or deleted per scan step.
const scanBatch = 100
