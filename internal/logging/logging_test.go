package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPartitionLoggerCarriesRunID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(New(&buf, Config{Format: "json", Level: "info"}))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := WithRunID(context.Background(), "run-1")
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	PartitionLogger(ctx, "b-1", "all", "v1", start, start.AddDate(0, 0, 30)).Info("committed")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"run_id":     "run-1",
		"build_id":   "b-1",
		"date_start": "2024-02-01",
		"date_end":   "2024-03-02",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %s", k, rec[k], v)
		}
	}
}

func TestFromContextWithoutRunID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(New(&buf, Config{Level: "debug"}))
	t.Cleanup(func() { slog.SetDefault(prev) })

	FromContext(context.Background()).Debug("hello")
	if strings.Contains(buf.String(), "run_id") {
		t.Errorf("unexpected run_id in %q", buf.String())
	}
	if RunID(context.Background()) != "" {
		t.Error("RunID on empty context should be empty")
	}
}
