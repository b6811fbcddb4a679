package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPEmitter posts events to an audit endpoint, keeping a local file
// backup of every event.
type HTTPEmitter struct {
	endpoint string
	client   *resty.Client
	chain    *ChainHeads
	backup   *FileBackup
	log      *slog.Logger
}

// NewHTTPEmitter creates an emitter posting to cfg.Endpoint.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chain, err := OpenChainHeads(cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = time.Second
	}

	client := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(retries-1).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(8*wait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		client:   client,
		chain:    chain,
		backup:   backup,
		log:      slog.With("component", "audit"),
	}, nil
}

// Emit chains evt, backs it up locally and posts it. The chain head only
// moves after the endpoint accepts the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	e.chain.Link(evt)

	log := e.log.With("chain", evt.Partition.ChainKey(), "date_start", evt.Partition.DateStart, "date_end", evt.Partition.DateEnd)
	log.Info("emitting audit event", "prev_hash", evt.Chain.PrevEventHash, "event_hash", evt.Chain.EventHash)

	if err := e.backup.Save(evt); err != nil {
		log.Warn("audit backup failed", "error", err)
	}

	resp, err := e.client.R().SetContext(ctx).SetBody(evt).Post(e.endpoint)
	if err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("audit emit failed: http %d: %s", resp.StatusCode(), resp.String())
	}
	log.Debug("audit event accepted", "status", resp.StatusCode())

	if err := e.chain.Advance(evt); err != nil {
		log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return nil
}
