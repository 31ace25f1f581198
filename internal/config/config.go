package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/STRATINT/aggregator/internal/models"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Fetch     FetchConfig
	Scheduler SchedulerConfig
	Circuit   CircuitConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Sources   []string
}

// AppConfig identifies the deployment.
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// AuthConfig controls API access.
type AuthConfig struct {
	APIKey            string
	AdminPasswordHash string
	JWTSecret         string
	TokenTTL          time.Duration
	CORSOrigins       []string
}

// DatabaseConfig selects and reaches the record store.
type DatabaseConfig struct {
	Driver                 string
	URL                    string
	InstanceConnectionName string
	User                   string
	Password               string
	Name                   string
	MaxConnections         int
	AutoMigrate            bool
}

// CacheConfig selects the key-value backend and cache lifetimes.
type CacheConfig struct {
	Backend             string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RedisPoolSize       int
	RedisSocketTimeout  time.Duration
	RedisConnectTimeout time.Duration
	BadgerPath          string
	BadgerInMemory      bool
	TTLHot              time.Duration
	TTLWarm             time.Duration
	TTLCold             time.Duration
	StaleGrace          time.Duration
}

// FetchConfig tunes upstream retrieval.
type FetchConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Concurrency int
}

// SchedulerConfig controls periodic refreshes.
type SchedulerConfig struct {
	Enabled    bool
	Interval   time.Duration
	RunOnStart bool
}

// CircuitConfig tunes the per-source breakers.
type CircuitConfig struct {
	FailureThreshold int
	RecoveryWindow   time.Duration
}

// RateLimitConfig is the per-client request budget.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool
}

// Backends and environments accepted by Load.
const (
	CacheBackendRedis  = "redis"
	CacheBackendBadger = "badger"
)

var environments = []string{"development", "staging", "production"}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultAppName     = "Real-Time Aggregator"
	defaultEnvironment = "production"

	defaultTokenTTL = 12 * time.Hour

	defaultDBDriver       = "postgres"
	defaultDBMaxConns     = 20
	defaultRedisAddr      = "localhost:6379"
	defaultRedisPoolSize  = 20
	defaultRedisTimeout   = 2 * time.Second
	defaultBadgerPath     = "./data/cache"
	defaultTTLHot         = 30 * time.Second
	defaultTTLWarm        = 300 * time.Second
	defaultTTLCold        = 3600 * time.Second
	defaultStaleGrace     = 60 * time.Second
	defaultHTTPTimeout    = 8 * time.Second
	defaultMaxAttempts    = 3
	defaultConcurrency    = 10
	defaultRefreshMinutes = 10
	defaultThreshold      = 3
	defaultRecovery       = 60 * time.Second
	defaultRateRequests   = 100
	defaultRateWindow     = 60 * time.Second
)

// Version is the build version, overridden with -ldflags.
var Version = "2.0.0"

var defaultSources = []string{
	"https://jsonplaceholder.typicode.com/posts",
	"https://jsonplaceholder.typicode.com/users",
	"https://jsonplaceholder.typicode.com/todos",
	"https://jsonplaceholder.typicode.com/comments",
}

var defaultCORSOrigins = []string{"http://localhost:3000"}

// Load reads configuration from environment variables, applying defaults when
// values are not provided. Invalid values are errors.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		App: AppConfig{
			Name:        getEnv("APP_NAME", defaultAppName),
			Version:     Version,
			Environment: getEnv("ENVIRONMENT", defaultEnvironment),
		},
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Auth: AuthConfig{
			APIKey:            os.Getenv("API_KEY"),
			AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
			JWTSecret:         os.Getenv("JWT_SECRET"),
			TokenTTL:          defaultTokenTTL,
			CORSOrigins:       defaultCORSOrigins,
		},
		Database: DatabaseConfig{
			Driver:                 getEnv("DATABASE_DRIVER", defaultDBDriver),
			URL:                    os.Getenv("DATABASE_URL"),
			InstanceConnectionName: os.Getenv("INSTANCE_CONNECTION_NAME"),
			User:                   os.Getenv("DB_USER"),
			Password:               os.Getenv("DB_PASSWORD"),
			Name:                   os.Getenv("DB_NAME"),
			MaxConnections:         defaultDBMaxConns,
			AutoMigrate:            true,
		},
		Cache: CacheConfig{
			Backend:             getEnv("CACHE_BACKEND", CacheBackendRedis),
			RedisAddr:           getEnv("REDIS_ADDR", defaultRedisAddr),
			RedisPassword:       os.Getenv("REDIS_PASSWORD"),
			RedisPoolSize:       defaultRedisPoolSize,
			RedisSocketTimeout:  defaultRedisTimeout,
			RedisConnectTimeout: defaultRedisTimeout,
			BadgerPath:          getEnv("BADGER_PATH", defaultBadgerPath),
			TTLHot:              defaultTTLHot,
			TTLWarm:             defaultTTLWarm,
			TTLCold:             defaultTTLCold,
			StaleGrace:          defaultStaleGrace,
		},
		Fetch: FetchConfig{
			Timeout:     defaultHTTPTimeout,
			MaxAttempts: defaultMaxAttempts,
			Concurrency: defaultConcurrency,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: defaultRefreshMinutes * time.Minute,
		},
		Circuit: CircuitConfig{
			FailureThreshold: defaultThreshold,
			RecoveryWindow:   defaultRecovery,
		},
		RateLimit: RateLimitConfig{
			Requests: defaultRateRequests,
			Window:   defaultRateWindow,
		},
		Sources: defaultSources,
	}

	if cfg.Auth.APIKey == "" {
		return Config{}, fmt.Errorf("API_KEY is required")
	}

	if !slices.Contains(environments, cfg.App.Environment) {
		return Config{}, fmt.Errorf("invalid ENVIRONMENT: must be one of %s", strings.Join(environments, ", "))
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Server.ShutdownTimeout},
		{"REDIS_SOCKET_TIMEOUT_SECONDS", &cfg.Cache.RedisSocketTimeout},
		{"REDIS_CONNECT_TIMEOUT_SECONDS", &cfg.Cache.RedisConnectTimeout},
		{"CACHE_TTL_HOT", &cfg.Cache.TTLHot},
		{"CACHE_TTL_WARM", &cfg.Cache.TTLWarm},
		{"CACHE_TTL_COLD", &cfg.Cache.TTLCold},
		{"CACHE_STALE_GRACE", &cfg.Cache.StaleGrace},
		{"HTTP_TIMEOUT_SECONDS", &cfg.Fetch.Timeout},
		{"CIRCUIT_RECOVERY_SECONDS", &cfg.Circuit.RecoveryWindow},
		{"RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimit.Window},
		{"JWT_TTL_SECONDS", &cfg.Auth.TokenTTL},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := parseSeconds(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
		min int
	}{
		{"DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections, 1},
		{"REDIS_DB", &cfg.Cache.RedisDB, 0},
		{"REDIS_POOL_SIZE", &cfg.Cache.RedisPoolSize, 1},
		{"MAX_RETRIES", &cfg.Fetch.MaxAttempts, 1},
		{"CONCURRENCY_LIMIT", &cfg.Fetch.Concurrency, 1},
		{"CIRCUIT_FAILURE_THRESHOLD", &cfg.Circuit.FailureThreshold, 1},
		{"RATE_LIMIT_REQUESTS", &cfg.RateLimit.Requests, 1},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			parsed, err := parseInt(v, i.min)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dst = parsed
		}
	}

	if v := os.Getenv("REFRESH_INTERVAL_MINUTES"); v != "" {
		minutes, err := parseInt(v, 1)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REFRESH_INTERVAL_MINUTES: %w", err)
		}
		cfg.Scheduler.Interval = time.Duration(minutes) * time.Minute
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"SCHEDULER_ENABLED", &cfg.Scheduler.Enabled},
		{"REFRESH_ON_START", &cfg.Scheduler.RunOnStart},
		{"DB_AUTO_MIGRATE", &cfg.Database.AutoMigrate},
		{"BADGER_IN_MEMORY", &cfg.Cache.BadgerInMemory},
		{"TRACING_ENABLED", &cfg.Tracing.Enabled},
	}
	for _, b := range bools {
		if v := os.Getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: must be a boolean", b.key)
			}
			*b.dst = parsed
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("invalid DATABASE_DRIVER: must be 'postgres' or 'sqlite'")
	}

	switch cfg.Cache.Backend {
	case CacheBackendRedis, CacheBackendBadger:
	default:
		return Config{}, fmt.Errorf("invalid CACHE_BACKEND: must be 'redis' or 'badger'")
	}

	if cfg.Auth.AdminPasswordHash != "" && cfg.Auth.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required when ADMIN_PASSWORD_HASH is set")
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Auth.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("DATA_SOURCES"); v != "" {
		cfg.Sources = splitList(v)
	}
	if path := os.Getenv("SOURCES_FILE"); path != "" {
		sources, err := LoadSourcesFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Sources = sources
	}
	if err := validateSources(cfg.Sources); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// sourcesFile is the YAML layout accepted by SOURCES_FILE.
type sourcesFile struct {
	Sources []string `yaml:"sources"`
}

// LoadSourcesFile reads a YAML document of the form "sources: [url, ...]".
func LoadSourcesFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SOURCES_FILE: %w", err)
	}

	var doc sourcesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid SOURCES_FILE %s: %w", path, err)
	}
	if len(doc.Sources) == 0 {
		return nil, fmt.Errorf("invalid SOURCES_FILE %s: no sources listed", path)
	}

	out := make([]string, 0, len(doc.Sources))
	for _, s := range doc.Sources {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// validateSources requires absolute http(s) URLs with distinct source keys,
// since stored rows are keyed by the last path segment.
func validateSources(sources []string) error {
	seen := make(map[string]string, len(sources))
	for _, raw := range sources {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid source URL %q: must be an absolute http(s) URL", raw)
		}
		key := models.SourceKey(raw)
		if key == "" {
			return fmt.Errorf("invalid source URL %q: no path segment to derive a key from", raw)
		}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("sources %q and %q share the key %q", prev, raw, key)
		}
		seen[key] = raw
	}
	return nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseInt(raw string, min int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return 0, fmt.Errorf("must be an integer >= %d", min)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
