// Package logging configures slog and derives loggers that carry the run,
// worker and partition being processed.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup installs the default logger, writing to stderr so command output
// on stdout stays clean.
func Setup(cfg Config) {
	slog.SetDefault(New(os.Stderr, cfg))
}

// New builds a logger writing to w.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		if strings.EqualFold(level, "warning") {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	}
	return l
}

type runIDKey struct{}

// NewRunID returns a fresh identifier for one build.
func NewRunID() string { return uuid.NewString() }

// WithRunID attaches a run ID to ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run ID attached to ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// FromContext returns the default logger tagged with ctx's run ID.
func FromContext(ctx context.Context) *slog.Logger {
	if id := RunID(ctx); id != "" {
		return slog.With("run_id", id)
	}
	return slog.Default()
}

// WorkerLogger tags the run logger with a worker.
func WorkerLogger(ctx context.Context, workerID int) *slog.Logger {
	return FromContext(ctx).With("component", "worker", "worker_id", workerID)
}

// PartitionLogger tags the run logger with the partition a build
// produced.
func PartitionLogger(ctx context.Context, buildID, eraID, versionLabel string, start, end time.Time) *slog.Logger {
	return FromContext(ctx).With(
		"build_id", buildID,
		"era_id", eraID,
		"version_label", versionLabel,
		"date_start", start.Format(time.DateOnly),
		"date_end", end.Format(time.DateOnly),
	)
}
