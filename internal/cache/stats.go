package cache

import (
	"math"
	"sync"

	"github.com/STRATINT/aggregator/internal/models"
)

// Stats counts lookups by outcome. The zero value is ready to use.
type Stats struct {
	mu        sync.Mutex
	hits      int64
	misses    int64
	staleHits int64
}

// NewStats returns an empty counter set.
func NewStats() *Stats {
	return &Stats{}
}

// Record counts one lookup with the given status.
func (s *Stats) Record(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st {
	case Fresh:
		s.hits++
	case Stale:
		s.staleHits++
	default:
		s.misses++
	}
}

func (s *Stats) Hits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func (s *Stats) StaleHits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleHits
}

func (s *Stats) Misses() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.misses
}

// Snapshot returns the counters and the derived hit rate,
// (hits+stale)/total rounded to four places.
func (s *Stats) Snapshot() models.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.hits + s.misses + s.staleHits
	var rate float64
	if total > 0 {
		rate = math.Round(float64(s.hits+s.staleHits)/float64(total)*10000) / 10000
	}
	return models.CacheStats{
		Hits:          s.hits,
		Misses:        s.misses,
		StaleHits:     s.staleHits,
		TotalRequests: total,
		HitRate:       rate,
	}
}
