// Package refresh orchestrates the refresh pipeline and serves the cached
// read path over the stored records.
//
// A refresh fetches every source, reconciles each successful fetch, writes
// one audit entry per source, commits everything as one unit of work and
// finally flushes the cache namespace. Manual and scheduled refreshes share
// that single code path.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/STRATINT/aggregator/internal/breaker"
	"github.com/STRATINT/aggregator/internal/cache"
	"github.com/STRATINT/aggregator/internal/database"
	"github.com/STRATINT/aggregator/internal/models"
	"github.com/STRATINT/aggregator/internal/reconcile"
)

// Fetcher retrieves all sources, one outcome per source in input order.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []models.Source) []models.FetchOutcome
}

// Storage is the persistence the service needs.
type Storage interface {
	Begin(ctx context.Context) (database.UnitOfWork, error)
	SourceSummaries(ctx context.Context) ([]models.SourceSummary, error)
	ListRecords(ctx context.Context, sourceKey string, page, pageSize int) (models.RecordPage, error)
	GetRecord(ctx context.Context, id int64) (models.StoredRecord, error)
	RecentAudits(ctx context.Context, limit int) ([]models.AuditEntry, error)
	Ping(ctx context.Context) error
}

// Observer is notified after every completed refresh.
type Observer interface {
	ObserveRefresh(trigger models.Trigger, elapsed time.Duration, summary models.RefreshSummary, err error)
}

// TTLs are the cache lifetimes per data temperature.
type TTLs struct {
	Hot  time.Duration
	Warm time.Duration
	Cold time.Duration
}

// DefaultTTLs returns 30s / 5m / 1h.
func DefaultTTLs() TTLs {
	return TTLs{Hot: 30 * time.Second, Warm: 5 * time.Minute, Cold: time.Hour}
}

// Page size bounds for record listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200

	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// Messages returned in refresh summaries.
const (
	MessageComplete  = "Refresh complete"
	MessageTriggered = "Refresh triggered in background"
	MessageFailed    = "Refresh failed"
)

const aggregateKeyName = "aggregate_summary"

// Deps are the collaborators of a Service.
type Deps struct {
	Sources     []models.Source
	Fetcher     Fetcher
	Storage     Storage
	Cache       *cache.Cache
	Stats       *cache.Stats
	Revalidator *cache.Revalidator
	Breakers    *breaker.Registry
	TTL         TTLs
	Logger      *slog.Logger
}

// Service runs refreshes and serves cached reads.
type Service struct {
	sources     []models.Source
	fetcher     Fetcher
	storage     Storage
	reconciler  *reconcile.Reconciler
	cache       *cache.Cache
	stats       *cache.Stats
	revalidator *cache.Revalidator
	breakers    *breaker.Registry
	ttl         TTLs
	logger      *slog.Logger
	tracer      trace.Tracer
	observer    Observer
	now         func() time.Time

	// refreshMu serializes refreshes so two passes never reconcile the same
	// source concurrently.
	refreshMu sync.Mutex
	misses    singleflight.Group
	bg        sync.WaitGroup

	// generation is bumped before every namespace flush. A computation that
	// started under an older generation must not write its result back.
	generation atomic.Uint64
}

// NewService wires a Service. Stats, Revalidator and Breakers are created
// when not supplied.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Stats == nil {
		deps.Stats = cache.NewStats()
	}
	if deps.Revalidator == nil {
		deps.Revalidator = cache.NewRevalidator(0, logger)
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.WithLogger(logger))
	}
	if deps.TTL == (TTLs{}) {
		deps.TTL = DefaultTTLs()
	}

	return &Service{
		sources:     deps.Sources,
		fetcher:     deps.Fetcher,
		storage:     deps.Storage,
		reconciler:  reconcile.New(nil),
		cache:       deps.Cache,
		stats:       deps.Stats,
		revalidator: deps.Revalidator,
		breakers:    deps.Breakers,
		ttl:         deps.TTL,
		logger:      logger,
		tracer:      otel.Tracer("github.com/STRATINT/aggregator/internal/refresh"),
		now:         time.Now,
	}
}

// SetObserver registers a refresh observer (metrics).
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// Refresh runs one refresh pass and waits for it. The summary is always
// well formed; err is non-nil only when nothing could be committed.
func (s *Service) Refresh(ctx context.Context, trigger models.Trigger) (models.RefreshSummary, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.run(ctx, uuid.NewString(), trigger)
}

// RefreshIfIdle runs a refresh unless one is already in progress, in which
// case it returns immediately with ran set to false.
func (s *Service) RefreshIfIdle(ctx context.Context, trigger models.Trigger) (summary models.RefreshSummary, ran bool, err error) {
	if !s.refreshMu.TryLock() {
		return models.RefreshSummary{Message: "Refresh already running", Errors: []string{}}, false, nil
	}
	defer s.refreshMu.Unlock()
	summary, err = s.run(ctx, uuid.NewString(), trigger)
	return summary, true, err
}

// RefreshAsync starts a refresh in the background and returns an
// acknowledgement carrying its run id.
func (s *Service) RefreshAsync(trigger models.Trigger) models.RefreshSummary {
	runID := uuid.NewString()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background refresh panicked", "run_id", runID, "panic", fmt.Sprint(r))
			}
		}()

		s.refreshMu.Lock()
		defer s.refreshMu.Unlock()
		if _, err := s.run(context.Background(), runID, trigger); err != nil {
			s.logger.Error("background refresh failed", "run_id", runID, "error", err)
		}
	}()

	return models.RefreshSummary{RunID: runID, Message: MessageTriggered, Errors: []string{}}
}

// Wait blocks until background refreshes and revalidations have finished.
func (s *Service) Wait() {
	s.bg.Wait()
	s.revalidator.Wait()
}

func (s *Service) run(ctx context.Context, runID string, trigger models.Trigger) (models.RefreshSummary, error) {
	ctx, span := s.tracer.Start(ctx, "refresh.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("trigger", string(trigger)),
		attribute.Int("sources", len(s.sources)),
	))
	defer span.End()

	start := time.Now()
	s.logger.Info("refresh started", "run_id", runID, "trigger", trigger, "sources", len(s.sources))

	summary, err := s.apply(ctx, runID, trigger)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("refresh failed", "run_id", runID, "error", err, "duration_ms", elapsed.Milliseconds())
	} else {
		span.SetAttributes(
			attribute.Int("records.upserted", summary.RecordsUpserted),
			attribute.Int("records.changed", summary.RecordsChanged),
			attribute.Int("errors", len(summary.Errors)),
		)
		s.logger.Info("refresh complete",
			"run_id", runID,
			"upserted", summary.RecordsUpserted,
			"changed", summary.RecordsChanged,
			"errors", len(summary.Errors),
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	if s.observer != nil {
		s.observer.ObserveRefresh(trigger, elapsed, summary, err)
	}
	return summary, err
}

// apply is the transactional part of a refresh.
func (s *Service) apply(ctx context.Context, runID string, trigger models.Trigger) (models.RefreshSummary, error) {
	summary := models.RefreshSummary{RunID: runID, Message: MessageComplete, Errors: []string{}}

	outcomes := s.fetcher.FetchAll(ctx, s.sources)

	var failures *multierror.Error
	for _, out := range outcomes {
		if !out.OK() {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", out.Source.Key, out.Err))
		}
	}

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return failed(runID, failures, err), fmt.Errorf("failed to begin refresh: %w", err)
	}
	defer uow.Rollback()

	now := s.now().UTC()
	for _, out := range outcomes {
		entry := models.AuditEntry{
			ID:          uuid.NewString(),
			SourceURL:   out.Source.URL,
			SourceKey:   out.Source.Key,
			DurationMS:  out.Duration.Milliseconds(),
			TriggeredBy: trigger,
			CreatedAt:   now,
		}

		if !out.OK() {
			entry.Status = models.AuditStatusError
			entry.ErrorDetail = out.Err.Error()
			if err := uow.AppendAudit(ctx, entry); err != nil {
				return failed(runID, failures, err), err
			}
			continue
		}

		res, err := s.reconciler.Reconcile(ctx, uow, out.Source, out.Records)
		if err != nil {
			return failed(runID, failures, err), err
		}

		entry.Status = models.AuditStatusOK
		entry.RecordsFetched = res.Fetched
		entry.RecordsChanged = res.Changed()
		if err := uow.AppendAudit(ctx, entry); err != nil {
			return failed(runID, failures, err), err
		}

		s.logger.Debug("source reconciled",
			"source", out.Source.Key,
			"fetched", res.Fetched,
			"inserted", res.Inserted,
			"updated", res.Updated,
			"deleted", res.Deleted,
		)

		summary.SourcesRefreshed++
		summary.RecordsUpserted += res.Fetched
		summary.RecordsChanged += res.Changed()
	}

	if err := uow.Commit(); err != nil {
		err = fmt.Errorf("failed to commit refresh: %w", err)
		return failed(runID, failures, err), err
	}

	summary.Errors = errorStrings(failures)

	s.invalidate(ctx)
	return summary, nil
}

// failed builds the summary of a refresh whose unit of work was rolled back.
func failed(runID string, failures *multierror.Error, cause error) models.RefreshSummary {
	errs := errorStrings(failures)
	errs = append(errs, "storage: "+cause.Error())
	return models.RefreshSummary{RunID: runID, Message: MessageFailed, Errors: errs}
}

func errorStrings(merr *multierror.Error) []string {
	out := []string{}
	if merr == nil {
		return out
	}
	for _, err := range merr.Errors {
		out = append(out, err.Error())
	}
	return out
}

// AggregateSummary returns the per-source aggregate. A stale cache entry is
// served as is while a background revalidation recomputes it from storage;
// upstream sources are never contacted on this path. Concurrent misses are
// computed once.
func (s *Service) AggregateSummary(ctx context.Context) (models.Aggregate, error) {
	if s.cache == nil {
		return s.computeAggregate(ctx)
	}

	key := s.cache.Key(aggregateKeyName)

	var agg models.Aggregate
	res := s.cache.GetJSON(ctx, key, &agg)
	s.stats.Record(res.Status)

	switch res.Status {
	case cache.Fresh:
		agg.CacheStatus = models.CacheHit
		return agg, nil
	case cache.Stale:
		s.logger.Info("cache stale hit", "key", key)
		gen := s.generation.Load()
		s.revalidator.Trigger(key, func(ctx context.Context) error {
			fresh, err := s.computeAggregate(ctx)
			if err != nil {
				return err
			}
			if s.generation.Load() != gen {
				return nil
			}
			if !s.cache.SetJSON(ctx, key, fresh, s.ttl.Warm) {
				return errors.New("cache write failed")
			}
			return nil
		})
		agg.CacheStatus = models.CacheStale
		return agg, nil
	}

	gen := s.generation.Load()
	v, err, _ := s.misses.Do(key, func() (interface{}, error) {
		// Shared by every waiter, so it must not die with the first caller.
		ctx := context.WithoutCancel(ctx)
		fresh, err := s.computeAggregate(ctx)
		if err != nil {
			return models.Aggregate{}, err
		}
		s.store(ctx, key, fresh, s.ttl.Warm, gen)
		return fresh, nil
	})
	if err != nil {
		return models.Aggregate{}, err
	}
	agg = v.(models.Aggregate)
	agg.CacheStatus = models.CacheMiss
	return agg, nil
}

func (s *Service) computeAggregate(ctx context.Context) (models.Aggregate, error) {
	summaries, err := s.storage.SourceSummaries(ctx)
	if err != nil {
		return models.Aggregate{}, fmt.Errorf("failed to load source summaries: %w", err)
	}

	total := 0
	for _, sum := range summaries {
		total += sum.RecordCount
	}
	return models.Aggregate{
		TotalRecords: total,
		Sources:      summaries,
		AggregatedAt: s.now().UTC(),
		CacheStatus:  models.CacheMiss,
	}, nil
}

// ListRecords returns a page of stored records. Only fresh cache entries are
// served; anything else is recomputed.
func (s *Service) ListRecords(ctx context.Context, sourceKey string, page, pageSize int) (models.RecordPage, error) {
	page, pageSize = ClampPage(page, pageSize)

	if s.cache == nil {
		return s.storage.ListRecords(ctx, sourceKey, page, pageSize)
	}

	key := s.cache.Key("records", sourceKey, page, pageSize)
	var cached models.RecordPage
	if res := s.cache.GetJSON(ctx, key, &cached); res.Status == cache.Fresh {
		s.stats.Record(cache.Fresh)
		return cached, nil
	}
	s.stats.Record(cache.Miss)

	gen := s.generation.Load()
	result, err := s.storage.ListRecords(ctx, sourceKey, page, pageSize)
	if err != nil {
		return models.RecordPage{}, err
	}
	s.store(ctx, key, result, s.ttl.Warm, gen)
	return result, nil
}

// GetRecord returns one stored record. Missing records yield an error
// wrapping database.ErrNotFound and are not cached.
func (s *Service) GetRecord(ctx context.Context, id int64) (models.StoredRecord, error) {
	if s.cache == nil {
		return s.storage.GetRecord(ctx, id)
	}

	key := s.cache.Key("record", id)
	var cached models.StoredRecord
	if res := s.cache.GetJSON(ctx, key, &cached); res.Status == cache.Fresh {
		s.stats.Record(cache.Fresh)
		return cached, nil
	}
	s.stats.Record(cache.Miss)

	gen := s.generation.Load()
	rec, err := s.storage.GetRecord(ctx, id)
	if err != nil {
		return models.StoredRecord{}, err
	}
	s.store(ctx, key, rec, s.ttl.Cold, gen)
	return rec, nil
}

// RecentAudits returns the newest audit entries. It is never cached.
func (s *Service) RecentAudits(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	return s.storage.RecentAudits(ctx, limit)
}

// CircuitStatus reports every source that has a breaker state.
func (s *Service) CircuitStatus() map[string]models.CircuitStatus {
	return s.breakers.Status()
}

// CacheStats returns the lookup counters.
func (s *Service) CacheStats() models.CacheStats {
	return s.stats.Snapshot()
}

// BustCache flushes the cache namespace and returns the number of keys removed.
func (s *Service) BustCache(ctx context.Context) int {
	if s.cache == nil {
		return 0
	}
	return s.invalidate(ctx)
}

func (s *Service) invalidate(ctx context.Context) int {
	if s.cache == nil {
		return 0
	}
	s.generation.Add(1)
	return s.cache.InvalidateAll(ctx)
}

// store writes v under key unless the namespace was flushed since gen was
// read. It reports whether the entry was written.
func (s *Service) store(ctx context.Context, key string, v any, ttl time.Duration, gen uint64) bool {
	if s.generation.Load() != gen {
		s.logger.Debug("discarding result computed before cache flush", "key", key)
		return false
	}
	return s.cache.SetJSON(ctx, key, v, ttl)
}

// Sources returns the configured sources.
func (s *Service) Sources() []models.Source {
	out := make([]models.Source, len(s.sources))
	copy(out, s.sources)
	return out
}

// Health reports database and cache reachability. Status is "ok" only when
// both answer.
func (s *Service) Health(ctx context.Context) models.Health {
	h := models.Health{Status: "ok", Database: "ok", Cache: "ok"}

	if err := s.storage.Ping(ctx); err != nil {
		h.Database = "error: " + err.Error()
		h.Status = "degraded"
	}
	if s.cache == nil {
		h.Cache = "disabled"
	} else if err := s.cache.Ping(ctx); err != nil {
		h.Cache = "error: " + err.Error()
		h.Status = "degraded"
	}
	return h
}

// ClampPage normalizes paging parameters.
func ClampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
