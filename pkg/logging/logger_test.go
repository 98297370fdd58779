package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		enable slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"warn level", "warn", slog.LevelWarn},
		{"warning alias", "WARNING", slog.LevelWarn},
		{"default info", "", slog.LevelInfo},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			if !logger.Enabled(ctx, tt.enable) {
				t.Fatalf("expected level %s to be enabled", tt.enable)
			}
		})
	}
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()
	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("Default() should enable info level")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("Default() should not enable debug level")
	}
	if logger == Default() {
		t.Error("Default() returned the same instance twice")
	}
}

func TestWithCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", &buf).With("component", "reconcile")
	logger.Info("claim acquired", "key", "cs_123")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "reconcile" {
		t.Fatalf("expected component attribute, got %v", line["component"])
	}
	if line["key"] != "cs_123" {
		t.Fatalf("expected key attribute, got %v", line["key"])
	}
}
