package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/STRATINT/aggregator/internal/models"
)

var (
	testSource = models.NewSource("https://x/posts")
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func record(t *testing.T, raw string) models.Record {
	t.Helper()
	recs, err := models.DecodeRecords([]byte(raw))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func storedFrom(t *testing.T, id int64, raw string) models.StoredRecord {
	t.Helper()
	rec := record(t, raw)
	return models.StoredRecord{
		ID:         id,
		SourceKey:  testSource.Key,
		SourceURL:  testSource.URL,
		ExternalID: rec.ExternalID,
		Payload:    rec.Payload,
		Checksum:   Checksum(rec.Payload),
	}
}

func TestChecksumStable(t *testing.T) {
	a := record(t, `{"title":"t","id":1}`)
	b := record(t, `{"id":1, "title":"t"}`)
	assert.Equal(t, Checksum(a.Payload), Checksum(b.Payload))
	assert.Len(t, Checksum(a.Payload), 64)
}

func TestDiffInsertUpdateDelete(t *testing.T) {
	stored := []models.StoredRecord{
		storedFrom(t, 10, `{"id":1,"payload":"A"}`),
		storedFrom(t, 20, `{"id":2,"payload":"B"}`),
	}
	fetched := []models.Record{
		record(t, `{"id":1,"payload":"A"}`),
		record(t, `{"id":3,"payload":"C"}`),
	}

	plan := Diff(testSource, stored, fetched, testNow)

	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "3", plan.Inserts[0].ExternalID)
	assert.Equal(t, testSource.Key, plan.Inserts[0].SourceKey)
	assert.Equal(t, testNow, plan.Inserts[0].FetchedAt)
	assert.Empty(t, plan.Updates)
	assert.Equal(t, []int64{20}, plan.Deletes)
	assert.Equal(t, 1, plan.Unchanged)
	assert.Equal(t, 2, plan.Seen)
	assert.Equal(t, 1, plan.Changed())
}

func TestDiffChecksumChangeIsUpdate(t *testing.T) {
	stored := []models.StoredRecord{storedFrom(t, 10, `{"id":1,"title":"t"}`)}
	fetched := []models.Record{record(t, `{"id":1,"title":"changed"}`)}

	plan := Diff(testSource, stored, fetched, testNow)

	assert.Empty(t, plan.Inserts)
	assert.Empty(t, plan.Deletes)
	require.Len(t, plan.Updates, 1)
	assert.Equal(t, int64(10), plan.Updates[0].ID)
	assert.NotEqual(t, stored[0].Checksum, plan.Updates[0].Checksum)
	assert.JSONEq(t, `{"id":1,"title":"changed"}`, string(plan.Updates[0].Payload))
	assert.Equal(t, testNow, plan.Updates[0].FetchedAt)
}

func TestDiffRecordsWithoutIDAlwaysInsert(t *testing.T) {
	stored := []models.StoredRecord{
		storedFrom(t, 5, `{"title":"no id"}`),
	}
	fetched := []models.Record{
		record(t, `{"title":"no id"}`),
		record(t, `"just a string"`),
		record(t, `{"id":null,"x":1}`),
	}

	plan := Diff(testSource, stored, fetched, testNow)

	assert.Len(t, plan.Inserts, 3)
	assert.Equal(t, []int64{5}, plan.Deletes)
	assert.Equal(t, 3, plan.Changed())
	assert.NotEmpty(t, plan.Inserts[1].Checksum)
}

func TestDiffDuplicateIDLastWins(t *testing.T) {
	fetched := []models.Record{
		record(t, `{"id":1,"v":"first"}`),
		record(t, `{"id":1,"v":"second"}`),
	}

	plan := Diff(testSource, nil, fetched, testNow)

	require.Len(t, plan.Inserts, 1)
	assert.JSONEq(t, `{"id":1,"v":"second"}`, string(plan.Inserts[0].Payload))
	assert.Equal(t, 2, plan.Seen)
}

func TestDiffZeroIDIsUsable(t *testing.T) {
	stored := []models.StoredRecord{storedFrom(t, 1, `{"id":0,"v":1}`)}
	plan := Diff(testSource, stored, []models.Record{record(t, `{"id":0,"v":1}`)}, testNow)

	assert.Equal(t, 0, plan.Changed())
	assert.Empty(t, plan.Deletes)
}

func TestDiffEmptyFetchDeletesEverything(t *testing.T) {
	stored := []models.StoredRecord{
		storedFrom(t, 1, `{"id":1}`),
		storedFrom(t, 2, `{"id":2}`),
	}
	plan := Diff(testSource, stored, nil, testNow)

	sort.Slice(plan.Deletes, func(i, j int) bool { return plan.Deletes[i] < plan.Deletes[j] })
	assert.Equal(t, []int64{1, 2}, plan.Deletes)
	assert.Equal(t, 0, plan.Changed())
}

// memStore is an in-memory Store keyed by row id.
type memStore struct {
	rows   map[int64]models.StoredRecord
	nextID int64
	failOn string
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]models.StoredRecord), nextID: 1}
}

func (m *memStore) RecordsBySource(_ context.Context, key string) ([]models.StoredRecord, error) {
	if m.failOn == "load" {
		return nil, errors.New("load failed")
	}
	var out []models.StoredRecord
	for _, r := range m.rows {
		if r.SourceKey == key {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) InsertRecords(_ context.Context, rows []models.StoredRecord) error {
	if m.failOn == "insert" {
		return errors.New("insert failed")
	}
	for _, r := range rows {
		r.ID = m.nextID
		m.nextID++
		m.rows[r.ID] = r
	}
	return nil
}

func (m *memStore) UpdateRecords(_ context.Context, rows []models.StoredRecord) error {
	for _, r := range rows {
		if _, ok := m.rows[r.ID]; !ok {
			return fmt.Errorf("row %d missing", r.ID)
		}
		m.rows[r.ID] = r
	}
	return nil
}

func (m *memStore) DeleteRecords(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(m.rows, id)
	}
	return nil
}

func TestReconcileConvergesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(func() time.Time { return testNow })

	first := []models.Record{
		record(t, `{"id":1,"payload":"A"}`),
		record(t, `{"id":2,"payload":"B"}`),
	}
	res, err := r.Reconcile(ctx, store, testSource, first)
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 2, Inserted: 2}, res)

	res, err = r.Reconcile(ctx, store, testSource, first)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Changed())
	assert.Equal(t, 2, res.Unchanged)

	second := []models.Record{
		record(t, `{"id":1,"payload":"A"}`),
		record(t, `{"id":3,"payload":"C"}`),
	}
	res, err = r.Reconcile(ctx, store, testSource, second)
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 2, Inserted: 1, Deleted: 1, Unchanged: 1}, res)
	assert.Equal(t, 1, res.Changed())

	ids := map[string]bool{}
	for _, row := range store.rows {
		ids[row.ExternalID] = true
	}
	assert.Equal(t, map[string]bool{"1": true, "3": true}, ids)
}

func TestReconcileLeavesOtherSourcesAlone(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(nil)
	other := models.NewSource("https://x/users")

	_, err := r.Reconcile(ctx, store, other, []models.Record{record(t, `{"id":1}`)})
	require.NoError(t, err)
	_, err = r.Reconcile(ctx, store, testSource, nil)
	require.NoError(t, err)

	assert.Len(t, store.rows, 1)
}

func TestReconcilePropagatesStoreErrors(t *testing.T) {
	ctx := context.Background()
	r := New(nil)

	store := newMemStore()
	store.failOn = "load"
	_, err := r.Reconcile(ctx, store, testSource, nil)
	assert.ErrorContains(t, err, "load failed")

	store.failOn = "insert"
	_, err = r.Reconcile(ctx, store, testSource, []models.Record{record(t, `{"id":1}`)})
	assert.ErrorContains(t, err, "insert failed")
}
