package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/aggregator/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// deleteChunk bounds the number of ids in one DELETE ... IN (...) statement.
const deleteChunk = 500

// UnitOfWork is one refresh pass. Nothing written through it is visible to
// other readers until Commit.
type UnitOfWork interface {
	RecordsBySource(ctx context.Context, sourceKey string) ([]models.StoredRecord, error)
	InsertRecords(ctx context.Context, rows []models.StoredRecord) error
	UpdateRecords(ctx context.Context, rows []models.StoredRecord) error
	DeleteRecords(ctx context.Context, ids []int64) error
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
	Commit() error
	Rollback() error
}

// Store persists records and fetch audits.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// NewStore wraps an open database for the given driver.
func NewStore(db *sql.DB, driver string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: d}, nil
}

// DB exposes the underlying handle for health and pool stats.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	return HealthCheck(ctx, s.db)
}

// Begin starts a unit of work.
func (s *Store) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, dialect: s.dialect}, nil
}

// Tx is a UnitOfWork backed by a database transaction.
type Tx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *Tx) RecordsBySource(ctx context.Context, sourceKey string) ([]models.StoredRecord, error) {
	query := t.dialect.q(`
		SELECT id, source_key, source_url, external_id, payload, checksum, fetched_at
		FROM data_records
		WHERE source_key = $1
	`)
	rows, err := t.tx.QueryContext(ctx, query, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []models.StoredRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (t *Tx) InsertRecords(ctx context.Context, rows []models.StoredRecord) error {
	stmt, err := t.tx.PrepareContext(ctx, t.dialect.q(`
		INSERT INTO data_records (source_key, source_url, external_id, payload, checksum, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			r.SourceKey,
			r.SourceURL,
			nullString(r.ExternalID),
			string(r.Payload),
			r.Checksum,
			t.dialect.timeArg(fetchedAt(r.FetchedAt)),
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %q: %w", r.ExternalID, err)
		}
	}
	return nil
}

func (t *Tx) UpdateRecords(ctx context.Context, rows []models.StoredRecord) error {
	stmt, err := t.tx.PrepareContext(ctx, t.dialect.q(`
		UPDATE data_records
		SET source_url = $1, payload = $2, checksum = $3, fetched_at = $4
		WHERE id = $5
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			r.SourceURL,
			string(r.Payload),
			r.Checksum,
			t.dialect.timeArg(fetchedAt(r.FetchedAt)),
			r.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update record %d: %w", r.ID, err)
		}
	}
	return nil
}

func (t *Tx) DeleteRecords(ctx context.Context, ids []int64) error {
	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}

		query := t.dialect.q("DELETE FROM data_records WHERE id IN (" + strings.Join(placeholders, ", ") + ")")
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
	}
	return nil
}

func (t *Tx) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := t.dialect.q(`
		INSERT INTO fetch_audits (id, source_url, source_key, status, records_fetched, records_changed, duration_ms, error_detail, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	_, err := t.tx.ExecContext(ctx, query,
		entry.ID,
		entry.SourceURL,
		entry.SourceKey,
		string(entry.Status),
		entry.RecordsFetched,
		entry.RecordsChanged,
		entry.DurationMS,
		nullString(entry.ErrorDetail),
		string(entry.TriggeredBy),
		t.dialect.timeArg(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit for %s: %w", entry.SourceKey, err)
	}
	return nil
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the unit of work. Calling it after Commit is a no-op.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// SourceSummaries returns per-source record counts and the latest fetch time.
func (s *Store) SourceSummaries(ctx context.Context) ([]models.SourceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_key, source_url, COUNT(id), MAX(fetched_at)
		FROM data_records
		GROUP BY source_key, source_url
		ORDER BY source_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source summaries: %w", err)
	}
	defer rows.Close()

	summaries := []models.SourceSummary{}
	for rows.Next() {
		var (
			sum       models.SourceSummary
			lastFetch interface{}
		)
		if err := rows.Scan(&sum.SourceKey, &sum.SourceURL, &sum.RecordCount, &lastFetch); err != nil {
			return nil, fmt.Errorf("failed to scan source summary: %w", err)
		}
		if sum.LastFetch, err = scanTime(lastFetch); err != nil {
			return nil, err
		}
		sum.Status = string(models.AuditStatusOK)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// ListRecords returns one page of records, newest first, optionally
// restricted to a single source.
func (s *Store) ListRecords(ctx context.Context, sourceKey string, page, pageSize int) (models.RecordPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	where := ""
	args := []interface{}{}
	if sourceKey != "" {
		where = " WHERE source_key = $1"
		args = append(args, sourceKey)
	}

	result := models.RecordPage{Page: page, PageSize: pageSize, Items: []models.StoredRecord{}}

	countQuery := s.dialect.q("SELECT COUNT(*) FROM data_records" + where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&result.Total); err != nil {
		return result, fmt.Errorf("failed to count records: %w", err)
	}

	query := `SELECT id, source_key, source_url, external_id, payload, checksum, fetched_at FROM data_records` + where
	query += fmt.Sprintf(" ORDER BY fetched_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, s.dialect.q(query), args...)
	if err != nil {
		return result, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return result, err
		}
		result.Items = append(result.Items, rec)
	}
	return result, rows.Err()
}

// GetRecord returns a single record by row id.
func (s *Store) GetRecord(ctx context.Context, id int64) (models.StoredRecord, error) {
	query := s.dialect.q(`
		SELECT id, source_key, source_url, external_id, payload, checksum, fetched_at
		FROM data_records
		WHERE id = $1
	`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.StoredRecord{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return rec, err
}

// RecentAudits returns the newest audit entries first.
func (s *Store) RecentAudits(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.dialect.q(`
		SELECT id, source_url, source_key, status, records_fetched, records_changed, duration_ms, error_detail, triggered_by, created_at
		FROM fetch_audits
		ORDER BY created_at DESC
		LIMIT $1
	`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audits: %w", err)
	}
	defer rows.Close()

	audits := []models.AuditEntry{}
	for rows.Next() {
		var (
			a         models.AuditEntry
			status    string
			trigger   string
			detail    sql.NullString
			createdAt interface{}
		)
		err := rows.Scan(
			&a.ID,
			&a.SourceURL,
			&a.SourceKey,
			&status,
			&a.RecordsFetched,
			&a.RecordsChanged,
			&a.DurationMS,
			&detail,
			&trigger,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		a.Status = models.AuditStatus(status)
		a.TriggeredBy = models.Trigger(trigger)
		a.ErrorDetail = detail.String
		if a.CreatedAt, err = scanTime(createdAt); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (models.StoredRecord, error) {
	var (
		rec       models.StoredRecord
		extID     sql.NullString
		payload   []byte
		checksum  sql.NullString
		fetchedAt interface{}
	)
	err := row.Scan(&rec.ID, &rec.SourceKey, &rec.SourceURL, &extID, &payload, &checksum, &fetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.ExternalID = extID.String
	rec.Payload = payload
	rec.Checksum = checksum.String
	if rec.FetchedAt, err = scanTime(fetchedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fetchedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
