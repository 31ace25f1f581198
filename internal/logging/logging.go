package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/STRATINT/aggregator/internal/config"
)

// New constructs a slog.Logger writing to stdout and tagged with the
// application identity.
func New(cfg config.LoggingConfig, app config.AppConfig) (*slog.Logger, error) {
	return NewWithWriter(os.Stdout, cfg, app)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, app config.AppConfig) (*slog.Logger, error) {
	handler, err := buildHandler(w, cfg)
	if err != nil {
		return nil, err
	}

	logger := slog.New(handler)
	if app.Name != "" {
		logger = logger.With("service", app.Name)
	}
	if app.Version != "" {
		logger = logger.With("version", app.Version)
	}
	if app.Environment != "" {
		logger = logger.With("env", app.Environment)
	}
	return logger, nil
}

func buildHandler(w io.Writer, cfg config.LoggingConfig) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	switch cfg.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
}
