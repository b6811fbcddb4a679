package audit

import (
	"context"
	"log/slog"
	"time"
)

// Config selects the audit sink.
type Config struct {
	Enabled   bool
	Endpoint  string
	BackupDir string
	Retries   int
	RetryWait time.Duration
}

// Emitter receives one event per committed partition, in commit order.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter returns an HTTP emitter when an endpoint is configured, a
// file-only emitter otherwise, and a no-op emitter when disabled or when
// construction fails.
func NewEmitter(cfg Config) Emitter {
	log := slog.With("component", "audit")
	if !cfg.Enabled {
		log.Debug("audit disabled")
		return NoopEmitter{}
	}

	if cfg.Endpoint != "" {
		e, err := NewHTTPEmitter(cfg)
		if err == nil {
			log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint)
			return e
		}
		log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
	}

	e, err := NewFileOnlyEmitter(cfg.BackupDir)
	if err != nil {
		log.Warn("failed to create file emitter, audit disabled", "error", err)
		return NoopEmitter{}
	}
	log.Info("using file-only audit emitter", "dir", cfg.BackupDir)
	return fileEmitter{e}
}

type fileEmitter struct {
	*FileOnlyEmitter
}

func (f fileEmitter) Emit(_ context.Context, evt *Event) error {
	return f.FileOnlyEmitter.Emit(evt)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, *Event) error { return nil }

func (NoopEmitter) Close() error { return nil }

func stamp(evt *Event) {
	evt.Version = EventVersion
	evt.EventType = EventType
	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
}
