// Package reconcile brings the stored records of a source in line with its
// latest fetch.
//
// Rows are matched by external id and compared by payload checksum, so an
// unchanged upstream costs no writes. Rows missing from the latest fetch are
// deleted: after a reconcile the store holds exactly the fetched set.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/STRATINT/aggregator/internal/models"
)

// Checksum is the hex sha256 of a canonical payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Plan is the set of writes needed to reconcile one source.
type Plan struct {
	Inserts   []models.StoredRecord
	Updates   []models.StoredRecord
	Deletes   []int64
	Unchanged int
	// Seen is the number of records in the fetch, duplicates included.
	Seen int
}

// Changed counts inserts and updates. Deletions are not included.
func (p Plan) Changed() int {
	return len(p.Inserts) + len(p.Updates)
}

// Diff computes the plan for a source from its stored rows and latest fetch.
// Records without an id are always inserted. When an id appears more than
// once in a fetch the last occurrence wins. Stored rows without an id can
// never be matched and are replaced on every reconcile.
func Diff(src models.Source, stored []models.StoredRecord, fetched []models.Record, now time.Time) Plan {
	plan := Plan{Seen: len(fetched)}

	existing := make(map[string]models.StoredRecord, len(stored))
	for _, row := range stored {
		if row.ExternalID == "" {
			plan.Deletes = append(plan.Deletes, row.ID)
			continue
		}
		existing[row.ExternalID] = row
	}

	last := make(map[string]int, len(fetched))
	for i, rec := range fetched {
		if rec.HasID() {
			last[rec.ExternalID] = i
		}
	}

	for i, rec := range fetched {
		checksum := Checksum(rec.Payload)

		if !rec.HasID() {
			plan.Inserts = append(plan.Inserts, newRow(src, rec, checksum, now))
			continue
		}
		if last[rec.ExternalID] != i {
			continue
		}

		row, ok := existing[rec.ExternalID]
		if !ok {
			plan.Inserts = append(plan.Inserts, newRow(src, rec, checksum, now))
			continue
		}
		if row.Checksum == checksum {
			plan.Unchanged++
			continue
		}
		row.Payload = rec.Payload
		row.Checksum = checksum
		row.SourceURL = src.URL
		row.FetchedAt = now
		plan.Updates = append(plan.Updates, row)
	}

	for id, row := range existing {
		if _, ok := last[id]; !ok {
			plan.Deletes = append(plan.Deletes, row.ID)
		}
	}

	return plan
}

func newRow(src models.Source, rec models.Record, checksum string, now time.Time) models.StoredRecord {
	return models.StoredRecord{
		SourceKey:  src.Key,
		SourceURL:  src.URL,
		ExternalID: rec.ExternalID,
		Payload:    rec.Payload,
		Checksum:   checksum,
		FetchedAt:  now,
	}
}

// Store is the transactional storage the reconciler writes through.
type Store interface {
	RecordsBySource(ctx context.Context, sourceKey string) ([]models.StoredRecord, error)
	InsertRecords(ctx context.Context, rows []models.StoredRecord) error
	UpdateRecords(ctx context.Context, rows []models.StoredRecord) error
	DeleteRecords(ctx context.Context, ids []int64) error
}

// Result summarizes one applied reconcile.
type Result struct {
	Fetched   int
	Inserted  int
	Updated   int
	Deleted   int
	Unchanged int
}

// Changed counts inserts and updates.
func (r Result) Changed() int {
	return r.Inserted + r.Updated
}

// Reconciler applies plans against a Store.
type Reconciler struct {
	now func() time.Time
}

// New creates a reconciler. A nil clock uses time.Now.
func New(now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{now: now}
}

// Reconcile loads the stored rows for src, diffs them against records and
// writes the result through store. Callers own the transaction boundary.
func (r *Reconciler) Reconcile(ctx context.Context, store Store, src models.Source, records []models.Record) (Result, error) {
	stored, err := store.RecordsBySource(ctx, src.Key)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load records for %s: %w", src.Key, err)
	}

	plan := Diff(src, stored, records, r.now().UTC())

	if len(plan.Deletes) > 0 {
		if err := store.DeleteRecords(ctx, plan.Deletes); err != nil {
			return Result{}, fmt.Errorf("failed to delete records for %s: %w", src.Key, err)
		}
	}
	if len(plan.Updates) > 0 {
		if err := store.UpdateRecords(ctx, plan.Updates); err != nil {
			return Result{}, fmt.Errorf("failed to update records for %s: %w", src.Key, err)
		}
	}
	if len(plan.Inserts) > 0 {
		if err := store.InsertRecords(ctx, plan.Inserts); err != nil {
			return Result{}, fmt.Errorf("failed to insert records for %s: %w", src.Key, err)
		}
	}

	return Result{
		Fetched:   plan.Seen,
		Inserted:  len(plan.Inserts),
		Updated:   len(plan.Updates),
		Deleted:   len(plan.Deletes),
		Unchanged: plan.Unchanged,
	}, nil
}
