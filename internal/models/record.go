package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// RecordKind distinguishes structured upstream records from opaque values.
type RecordKind string

const (
	RecordObject RecordKind = "object" // JSON object, may carry an "id"
	RecordBlob   RecordKind = "blob"   // any other JSON value, never has an id
)

// Record is one raw item returned by an upstream source.
//
// Payload holds the canonical JSON encoding of the item: object keys are
// sorted and numbers keep their original textual form, so two fetches of the
// same content always produce identical bytes.
type Record struct {
	Kind       RecordKind      `json:"kind"`
	ExternalID string          `json:"external_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// HasID reports whether the record can be matched against stored rows.
func (r Record) HasID() bool {
	return r.Kind == RecordObject && r.ExternalID != ""
}

// NewRecord canonicalizes a decoded JSON value into a Record.
func NewRecord(v any) (Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode record: %w", err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return Record{Kind: RecordBlob, Payload: payload}, nil
	}

	return Record{Kind: RecordObject, ExternalID: externalID(obj["id"]), Payload: payload}, nil
}

// DecodeRecords parses an upstream response body. A JSON array yields one
// record per element; any other value is wrapped as a single record.
func DecodeRecords(body []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON document")
	}

	items, ok := doc.([]any)
	if !ok {
		items = []any{doc}
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		rec, err := NewRecord(item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// externalID normalizes an "id" field. Numbers and non-empty strings are
// usable ids; null, booleans and nested values are not.
func externalID(v any) string {
	switch id := v.(type) {
	case json.Number:
		return id.String()
	case string:
		return id
	case float64:
		return fmt.Sprintf("%v", id)
	default:
		return ""
	}
}

// StoredRecord is a durable row keyed by (SourceKey, ExternalID).
type StoredRecord struct {
	ID         int64           `json:"id"`
	SourceKey  string          `json:"source_key"`
	SourceURL  string          `json:"source_url"`
	ExternalID string          `json:"external_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Checksum   string          `json:"checksum"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// RecordPage is one page of stored records.
type RecordPage struct {
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Items    []StoredRecord `json:"items"`
}
