package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract exercises the behaviour every backend must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("MGetMissingYieldsNil", func(t *testing.T) {
		s := newStore(t)
		vals, err := s.MGet(context.Background(), "absent-a", "absent-b")
		require.NoError(t, err)
		require.Len(t, vals, 2)
		assert.Nil(t, vals[0])
		assert.Nil(t, vals[1])
	})

	t.Run("SetBatchThenMGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SetBatch(ctx,
			Entry{Key: "k1", Value: []byte("one"), TTL: time.Minute},
			Entry{Key: "k2", Value: []byte("two"), TTL: time.Minute},
		))

		vals, err := s.MGet(ctx, "k1", "missing", "k2")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), vals[0])
		assert.Nil(t, vals[1])
		assert.Equal(t, []byte("two"), vals[2])
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SetBatch(ctx, Entry{Key: "gone", Value: []byte("x"), TTL: time.Minute}))
		require.NoError(t, s.Delete(ctx, "gone", "never-existed"))

		vals, err := s.MGet(ctx, "gone")
		require.NoError(t, err)
		assert.Nil(t, vals[0])
	})

	t.Run("ScanDeleteOnlyMatching", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var entries []Entry
		for i := 0; i < 250; i++ {
			entries = append(entries, Entry{Key: fmt.Sprintf("agg:v2:%03d", i), Value: []byte("v"), TTL: time.Minute})
		}
		entries = append(entries, Entry{Key: "other:1", Value: []byte("keep"), TTL: time.Minute})
		require.NoError(t, s.SetBatch(ctx, entries...))

		n, err := s.ScanDelete(ctx, "agg:v2:*")
		require.NoError(t, err)
		assert.Equal(t, 250, n)

		vals, err := s.MGet(ctx, "agg:v2:000", "agg:v2:249", "other:1")
		require.NoError(t, err)
		assert.Nil(t, vals[0])
		assert.Nil(t, vals[1])
		assert.Equal(t, []byte("keep"), vals[2])
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}
