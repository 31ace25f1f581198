package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/STRATINT/aggregator/internal/api"
	"github.com/STRATINT/aggregator/internal/auth"
	"github.com/STRATINT/aggregator/internal/breaker"
	"github.com/STRATINT/aggregator/internal/cache"
	"github.com/STRATINT/aggregator/internal/config"
	"github.com/STRATINT/aggregator/internal/database"
	"github.com/STRATINT/aggregator/internal/fetch"
	"github.com/STRATINT/aggregator/internal/kv"
	"github.com/STRATINT/aggregator/internal/metrics"
	"github.com/STRATINT/aggregator/internal/models"
	"github.com/STRATINT/aggregator/internal/refresh"
	"github.com/STRATINT/aggregator/internal/server"
)

// app owns every long-lived component of a running aggregator.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db        *sql.DB
	kv        kv.Store
	service   *refresh.Service
	scheduler *refresh.Scheduler
	collector *metrics.Collector
	authn     *auth.Authenticator

	shutdownTracing func(context.Context) error
}

// newApp connects to storage and the cache backend and wires the refresh
// pipeline. The caller must Close the returned app.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, authn: auth.New(cfg.Auth)}

	shutdownTracing, err := setupTracing(cfg, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdownTracing

	if a.db, err = openDatabase(ctx, cfg, logger); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	store, err := database.NewStore(a.db, cfg.Database.Driver)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	if a.kv, err = openKV(cfg, logger); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	if a.collector, err = metrics.New(); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	breakers := breaker.NewRegistry(
		breaker.WithThreshold(cfg.Circuit.FailureThreshold),
		breaker.WithRecoveryWindow(cfg.Circuit.RecoveryWindow),
		breaker.WithLogger(logger),
	)

	fetchCfg := fetch.DefaultConfig()
	fetchCfg.Timeout = cfg.Fetch.Timeout
	fetchCfg.Concurrency = cfg.Fetch.Concurrency
	fetchCfg.UserAgent = "aggregator/" + cfg.App.Version
	fetchCfg.Retry.MaxAttempts = cfg.Fetch.MaxAttempts
	executor := fetch.NewExecutor(fetchCfg, breakers, logger)
	executor.SetObserver(a.collector)

	stats := cache.NewStats()
	reval := cache.NewRevalidator(0, logger)
	responseCache := cache.New(a.kv,
		cache.WithStaleGrace(cfg.Cache.StaleGrace),
		cache.WithLogger(logger),
	)

	a.service = refresh.NewService(refresh.Deps{
		Sources:     models.NewSources(cfg.Sources),
		Fetcher:     executor,
		Storage:     store,
		Cache:       responseCache,
		Stats:       stats,
		Revalidator: reval,
		Breakers:    breakers,
		TTL: refresh.TTLs{
			Hot:  cfg.Cache.TTLHot,
			Warm: cfg.Cache.TTLWarm,
			Cold: cfg.Cache.TTLCold,
		},
		Logger: logger,
	})
	a.service.SetObserver(a.collector)

	var merr *multierror.Error
	merr = multierror.Append(merr,
		a.collector.RegisterDatabase(a.db, cfg.Database.Driver),
		a.collector.RegisterCache(stats, reval),
		a.collector.RegisterBreakers(breakers),
	)
	if err := merr.ErrorOrNil(); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return a, nil
}

// Migrate applies pending migrations.
func (a *app) Migrate(ctx context.Context) (int, error) {
	return runMigrations(ctx, a.db, a.cfg.Database.Driver, a.logger)
}

// StartScheduler starts periodic refreshes when enabled.
func (a *app) StartScheduler() error {
	if !a.cfg.Scheduler.Enabled {
		a.logger.Info("scheduler disabled")
		return nil
	}
	sched, err := refresh.NewScheduler(a.service, a.cfg.Scheduler.Interval, a.cfg.Scheduler.RunOnStart, a.logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.scheduler = sched
	return nil
}

// Handler builds the HTTP surface.
func (a *app) Handler() http.Handler {
	opts := api.Options{
		Service:        a.service,
		Auth:           a.authn,
		Metrics:        a.collector,
		MetricsHandler: a.collector.Handler(),
		DBStats:        func() map[string]interface{} { return database.Stats(a.db) },
		Version:        a.cfg.App.Version,
		CORSOrigins:    a.cfg.Auth.CORSOrigins,
		StrictTLS:      a.cfg.App.Environment != "development",
		RateRequests:   a.cfg.RateLimit.Requests,
		RateWindow:     a.cfg.RateLimit.Window,
		Logger:         a.logger,
	}
	if a.scheduler != nil {
		opts.Scheduler = a.scheduler
	}
	return api.NewRouter(opts)
}

// Server wraps Handler in the HTTP server.
func (a *app) Server() *server.Server {
	return server.New(a.cfg.Server, a.logger, a.Handler())
}

// Close stops background work and releases connections, reporting every
// failure.
func (a *app) Close(ctx context.Context) error {
	var merr *multierror.Error

	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if a.service != nil {
		a.service.Wait()
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close cache store: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close database: %w", err))
		}
	}
	if a.shutdownTracing != nil {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(tctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("shutdown tracing: %w", err))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		a.logger.Error("shutdown finished with errors", "error", err)
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func openDatabase(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	url, err := database.BuildURL(cfg.Database.Driver, database.URLParams{
		URL:                    cfg.Database.URL,
		InstanceConnectionName: cfg.Database.InstanceConnectionName,
		User:                   cfg.Database.User,
		Password:               cfg.Database.Password,
		Name:                   cfg.Database.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("build database URL: %w", err)
	}

	dbCfg := database.DefaultConfig()
	dbCfg.Driver = cfg.Database.Driver
	dbCfg.URL = url
	dbCfg.MaxConnections = cfg.Database.MaxConnections

	logger.Info("connecting to database", "driver", dbCfg.Driver, "url", database.RedactURL(url))
	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected")
	return db, nil
}

func runMigrations(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) (int, error) {
	applied, err := database.RunMigrations(ctx, db, driver, logger)
	if err != nil {
		return applied, fmt.Errorf("run migrations: %w", err)
	}
	return applied, nil
}

func openKV(cfg config.Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendBadger:
		store, err := kv.OpenBadger(kv.BadgerConfig{
			Path:           cfg.Cache.BadgerPath,
			InMemory:       cfg.Cache.BadgerInMemory,
			Logger:         logger,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		logger.Info("cache backend ready", "backend", "badger", "in_memory", cfg.Cache.BadgerInMemory)
		return store, nil
	default:
		redisCfg := kv.DefaultRedisConfig()
		redisCfg.Addr = cfg.Cache.RedisAddr
		redisCfg.Password = cfg.Cache.RedisPassword
		redisCfg.DB = cfg.Cache.RedisDB
		redisCfg.PoolSize = cfg.Cache.RedisPoolSize
		redisCfg.SocketTimeout = cfg.Cache.RedisSocketTimeout
		redisCfg.ConnectTimeout = cfg.Cache.RedisConnectTimeout
		logger.Info("cache backend ready", "backend", "redis", "addr", redisCfg.Addr)
		return kv.NewRedis(redisCfg), nil
	}
}
