// Package checkpoint persists the state of the last completed build so an
// unchanged rerun can be skipped.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records the last completed build.
type Checkpoint struct {
	BuilderID        string         `json:"builder_id"`
	Namespace        string         `json:"namespace"`
	VersionLabel     string         `json:"version_label"`
	InputFingerprint string         `json:"input_fingerprint"`
	RangeStart       string         `json:"range_start"`
	RangeEnd         string         `json:"range_end"`
	OutputKey        string         `json:"output_key,omitempty"`
	RowCount         int64          `json:"row_count"`
	Partitions       int            `json:"partitions"`
	LastPartition    *PartitionInfo `json:"last_committed_partition,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// PartitionInfo describes the last committed partition.
type PartitionInfo struct {
	EraID    string `json:"era_id"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Checksum string `json:"checksum,omitempty"`
}

// Matches reports whether cp describes a build over the same inputs, range
// and version.
func (cp *Checkpoint) Matches(fingerprint, versionLabel, start, end string) bool {
	return cp != nil &&
		cp.InputFingerprint == fingerprint &&
		cp.VersionLabel == versionLabel &&
		cp.RangeStart == start &&
		cp.RangeEnd == end
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the current checkpoint.
	Load(ctx context.Context) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled   bool
	Dir       string // Directory for checkpoint files
	BuilderID string
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}
	id := cfg.BuilderID
	if id == "" {
		id = "default"
	}
	return &fileManager{path: filepath.Join(cfg.Dir, fmt.Sprintf("checkpoint_%s.json", id))}, nil
}

// fileManager persists one checkpoint file per builder ID.
type fileManager struct {
	path string
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// noopManager is used when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
