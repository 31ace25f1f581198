package models

import "time"

// AuditStatus is the outcome of one refresh attempt for one source.
type AuditStatus string

const (
	AuditStatusOK    AuditStatus = "ok"
	AuditStatusError AuditStatus = "error"
)

// Trigger identifies what started a refresh.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduler Trigger = "scheduler"
)

// AuditEntry is an append-only record of one refresh attempt for one source.
// Entries are never updated or deleted.
type AuditEntry struct {
	ID             string      `json:"id"`
	SourceURL      string      `json:"source_url"`
	SourceKey      string      `json:"source_key"`
	Status         AuditStatus `json:"status"`
	RecordsFetched int         `json:"records_fetched"`
	RecordsChanged int         `json:"records_changed"`
	DurationMS     int64       `json:"duration_ms"`
	ErrorDetail    string      `json:"error_detail,omitempty"`
	TriggeredBy    Trigger     `json:"triggered_by"`
	CreatedAt      time.Time   `json:"created_at"`
}
