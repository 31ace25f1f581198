package database

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/STRATINT/aggregator/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Driver = DriverSQLite
	cfg.URL = ":memory:"
	db, err := Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = RunMigrations(ctx, db, DriverSQLite, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	store, err := NewStore(db, DriverSQLite)
	require.NoError(t, err)
	return store
}

func row(key, extID, payload string, at time.Time) models.StoredRecord {
	return models.StoredRecord{
		SourceKey:  key,
		SourceURL:  "https://x/" + key,
		ExternalID: extID,
		Payload:    json.RawMessage(payload),
		Checksum:   "sum-" + payload,
		FetchedAt:  at,
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n, err := RunMigrations(context.Background(), store.DB(), DriverSQLite, logger)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = RunMigrations(context.Background(), store.DB(), "mysql", logger)
	assert.Error(t, err)
}

func TestTxInsertUpdateDeleteCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertRecords(ctx, []models.StoredRecord{
		row("posts", "1", `{"id":1}`, t0),
		row("posts", "2", `{"id":2}`, t0),
		row("posts", "", `"blob"`, t0),
		row("users", "1", `{"id":1}`, t0),
	}))
	require.NoError(t, tx.Commit())

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	rows, err := tx.RecordsBySource(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byExt := map[string]models.StoredRecord{}
	for _, r := range rows {
		byExt[r.ExternalID] = r
	}
	assert.Equal(t, t0, byExt["1"].FetchedAt)
	assert.JSONEq(t, `{"id":1}`, string(byExt["1"].Payload))

	updated := byExt["1"]
	updated.Payload = json.RawMessage(`{"id":1,"v":2}`)
	updated.Checksum = "new"
	updated.FetchedAt = t0.Add(time.Hour)
	require.NoError(t, tx.UpdateRecords(ctx, []models.StoredRecord{updated}))
	require.NoError(t, tx.DeleteRecords(ctx, []int64{byExt["2"].ID, byExt[""].ID}))
	require.NoError(t, tx.Commit())

	got, err := store.GetRecord(ctx, updated.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Checksum)
	assert.Equal(t, t0.Add(time.Hour), got.FetchedAt)

	page, err := store.ListRecords(ctx, "posts", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestTxRollbackDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertRecords(ctx, []models.StoredRecord{row("posts", "1", `{}`, time.Now())}))
	require.NoError(t, tx.AppendAudit(ctx, models.AuditEntry{SourceKey: "posts", Status: models.AuditStatusOK}))
	require.NoError(t, tx.Rollback())

	page, err := store.ListRecords(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)

	audits, err := store.RecentAudits(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, audits)

	// Rollback after commit is harmless.
	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, tx.Rollback())
}

func TestUniqueSourceExternalID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.InsertRecords(ctx, []models.StoredRecord{
		row("posts", "1", `{}`, time.Now()),
		row("posts", "1", `{}`, time.Now()),
	})
	assert.Error(t, err)
}

func TestDeleteRecordsChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var rows []models.StoredRecord
	for i := 0; i < deleteChunk+20; i++ {
		rows = append(rows, row("bulk", "", `{}`, time.Now()))
	}

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertRecords(ctx, rows))
	stored, err := tx.RecordsBySource(ctx, "bulk")
	require.NoError(t, err)

	ids := make([]int64, 0, len(stored))
	for _, r := range stored {
		ids = append(ids, r.ID)
	}
	require.NoError(t, tx.DeleteRecords(ctx, ids))
	require.NoError(t, tx.Commit())

	page, err := store.ListRecords(ctx, "bulk", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestSourceSummaries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertRecords(ctx, []models.StoredRecord{
		row("posts", "1", `{}`, t0),
		row("posts", "2", `{}`, t0.Add(time.Minute)),
		row("users", "1", `{}`, t0),
	}))
	require.NoError(t, tx.Commit())

	sums, err := store.SourceSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "posts", sums[0].SourceKey)
	assert.Equal(t, 2, sums[0].RecordCount)
	assert.Equal(t, t0.Add(time.Minute), sums[0].LastFetch)
	assert.Equal(t, "ok", sums[0].Status)
	assert.Equal(t, "users", sums[1].SourceKey)
}

func TestListRecordsPagination(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	var rows []models.StoredRecord
	for i := 0; i < 5; i++ {
		rows = append(rows, row("posts", string(rune('a'+i)), `{}`, t0.Add(time.Duration(i)*time.Second)))
	}
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertRecords(ctx, rows))
	require.NoError(t, tx.Commit())

	page, err := store.ListRecords(ctx, "posts", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 2)
	// Newest first: e, d | c, b | a
	assert.Equal(t, "c", page.Items[0].ExternalID)
	assert.Equal(t, "b", page.Items[1].ExternalID)

	page, err = store.ListRecords(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.PageSize)
	assert.Len(t, page.Items, 5)
}

func TestGetRecordNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRecord(context.Background(), 999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecentAudits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendAudit(ctx, models.AuditEntry{
		SourceURL: "https://x/posts", SourceKey: "posts", Status: models.AuditStatusOK,
		RecordsFetched: 3, RecordsChanged: 1, DurationMS: 42,
		TriggeredBy: models.TriggerScheduler, CreatedAt: t0,
	}))
	require.NoError(t, tx.AppendAudit(ctx, models.AuditEntry{
		SourceURL: "https://x/users", SourceKey: "users", Status: models.AuditStatusError,
		ErrorDetail: "boom", TriggeredBy: models.TriggerManual, CreatedAt: t0.Add(time.Second),
	}))
	require.NoError(t, tx.Commit())

	audits, err := store.RecentAudits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audits, 2)

	assert.Equal(t, "users", audits[0].SourceKey)
	assert.Equal(t, models.AuditStatusError, audits[0].Status)
	assert.Equal(t, "boom", audits[0].ErrorDetail)
	assert.NotEmpty(t, audits[0].ID)

	assert.Equal(t, 3, audits[1].RecordsFetched)
	assert.Equal(t, int64(42), audits[1].DurationMS)
	assert.Equal(t, models.TriggerScheduler, audits[1].TriggeredBy)
	assert.Equal(t, t0, audits[1].CreatedAt)

	limited, err := store.RecentAudits(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
