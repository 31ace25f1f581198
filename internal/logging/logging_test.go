package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"log/slog"

	"github.com/STRATINT/aggregator/internal/config"
)

func TestNewConfiguresSupportedFormats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		level  slog.Level
	}{
		{name: "json", format: "json", level: slog.LevelWarn},
		{name: "text", format: "text", level: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(config.LoggingConfig{Level: tt.level, Format: tt.format}, config.AppConfig{})
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}

			levels := []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}
			ctx := context.Background()
			for _, lvl := range levels {
				enabled := logger.Enabled(ctx, lvl)
				expected := lvl >= tt.level
				if enabled != expected {
					t.Fatalf("logger level %v enabled(%v)=%t, want %t", tt.level, lvl, enabled, expected)
				}
			}
		})
	}
}

func TestNewWithUnsupportedFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: slog.LevelInfo, Format: "pretty"}, config.AppConfig{})
	if err == nil {
		t.Fatal("expected error for unsupported format, got nil")
	}

	if !strings.Contains(err.Error(), "unsupported log format") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewTagsApplicationIdentity(t *testing.T) {
	var buf bytes.Buffer
	app := config.AppConfig{Name: "aggregator", Version: "2.0.0", Environment: "staging"}

	logger, err := NewWithWriter(&buf, config.LoggingConfig{Level: slog.LevelInfo, Format: "json"}, app)
	if err != nil {
		t.Fatalf("NewWithWriter returned error: %v", err)
	}
	logger.Info("refresh complete", "inserted", 3)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "aggregator" || line["version"] != "2.0.0" || line["env"] != "staging" {
		t.Fatalf("missing identity attributes: %v", line)
	}
	if line["msg"] != "refresh complete" || line["inserted"] != float64(3) {
		t.Fatalf("unexpected log line: %v", line)
	}
}
