package models

import "time"

// RefreshSummary is returned by every refresh, whatever mix of source
// successes and failures occurred.
type RefreshSummary struct {
	RunID            string   `json:"run_id,omitempty"`
	Message          string   `json:"message"`
	SourcesRefreshed int      `json:"sources_refreshed"`
	RecordsUpserted  int      `json:"records_upserted"`
	RecordsChanged   int      `json:"records_changed"`
	Errors           []string `json:"errors"`
}

// SourceSummary is the per-source row of the aggregate view.
type SourceSummary struct {
	SourceKey   string    `json:"source_key"`
	SourceURL   string    `json:"source_url"`
	RecordCount int       `json:"record_count"`
	LastFetch   time.Time `json:"last_fetch"`
	DurationMS  int64     `json:"duration_ms"`
	Status      string    `json:"status"`
}

// CacheStatus tells callers how a cached read was served.
type CacheStatus string

const (
	CacheHit   CacheStatus = "HIT"
	CacheMiss  CacheStatus = "MISS"
	CacheStale CacheStatus = "STALE"
)

// Aggregate is the cached summary of everything currently stored.
type Aggregate struct {
	TotalRecords int             `json:"total_records"`
	Sources      []SourceSummary `json:"sources"`
	AggregatedAt time.Time       `json:"aggregated_at"`
	CacheStatus  CacheStatus     `json:"cache_status"`
}

// CircuitStatus is the externally visible state of one source's breaker.
type CircuitStatus struct {
	Failures int  `json:"failures"`
	Open     bool `json:"open"`
}

// CacheStats is a point-in-time view of cache lookup counters.
type CacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	StaleHits     int64   `json:"stale_hits"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
}

// Health is the dependency report served by the health endpoint.
type Health struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Cache     string `json:"cache"`
	Scheduler string `json:"scheduler"`
	Version   string `json:"version"`
}
