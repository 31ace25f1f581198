package models

import (
	"strings"
	"time"
)

// Source is a configured upstream endpoint. Sources are immutable for the
// lifetime of the process.
type Source struct {
	URL string `json:"url"`
	Key string `json:"source_key"`
}

// NewSource builds a Source from its URL, deriving the short key from the last
// path segment ("https://x/posts/" -> "posts").
func NewSource(rawURL string) Source {
	return Source{URL: rawURL, Key: SourceKey(rawURL)}
}

// NewSources converts a list of URLs into Sources, preserving order.
func NewSources(urls []string) []Source {
	sources := make([]Source, 0, len(urls))
	for _, u := range urls {
		sources = append(sources, NewSource(u))
	}
	return sources
}

// SourceKey returns the last path segment of a source URL.
func SourceKey(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// FetchOutcome is the result of fetching one source. Err and Records are
// mutually exclusive: when Err is set, Records is empty.
type FetchOutcome struct {
	Source   Source
	Records  []Record
	Duration time.Duration
	Err      error
}

// OK reports whether the fetch produced records (possibly zero) without error.
func (o FetchOutcome) OK() bool {
	return o.Err == nil
}

// FailedOutcome builds an error outcome for src.
func FailedOutcome(src Source, err error, elapsed time.Duration) FetchOutcome {
	return FetchOutcome{Source: src, Records: []Record{}, Duration: elapsed, Err: err}
}
