package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileBackup saves events to local JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates dir if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit-backup"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Path returns the backup file for evt:
// {namespace}_{era}_{version}_{start}_{end}.json
func (f *FileBackup) Path(evt *Event) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s_%s_%s_%s_%s.json",
		evt.Partition.Namespace,
		evt.Partition.EraID,
		evt.Partition.VersionLabel,
		evt.Partition.DateStart,
		evt.Partition.DateEnd,
	))
}

// Save writes evt as indented JSON.
func (f *FileBackup) Save(evt *Event) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(f.Path(evt), data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// FileOnlyEmitter chains events and writes them to files only. Used when
// no endpoint is configured.
type FileOnlyEmitter struct {
	chain  *ChainHeads
	backup *FileBackup
	log    *slog.Logger
}

// NewFileOnlyEmitter keeps chain heads and event files in backupDir.
func NewFileOnlyEmitter(backupDir string) (*FileOnlyEmitter, error) {
	chain, err := OpenChainHeads(backupDir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	return &FileOnlyEmitter{chain: chain, backup: backup, log: slog.With("component", "audit")}, nil
}

// Emit links evt to its chain head and writes it.
func (e *FileOnlyEmitter) Emit(evt *Event) error {
	e.chain.Link(evt)
	if err := e.backup.Save(evt); err != nil {
		return err
	}
	if err := e.chain.Advance(evt); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}

	e.log.Info("audit event written",
		"chain", evt.Partition.ChainKey(),
		"date_start", evt.Partition.DateStart,
		"date_end", evt.Partition.DateEnd,
		"event_hash", evt.Chain.EventHash,
	)
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
