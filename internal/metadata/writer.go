// Package metadata records dataset, lineage and quality rows for committed
// feature partitions.
package metadata

import (
	"context"
	"log/slog"
	"time"
)

// CatalogConfig configures the lineage catalog. An empty DSN disables it.
type CatalogConfig struct {
	PostgresDSN string
	Namespace   string
}

// DatasetInfo identifies a feature dataset.
type DatasetInfo struct {
	Namespace   string
	Dataset     string
	Version     string
	EraID       string
	SchemaHash  string
	Description string
}

// LineageRecord describes one committed partition.
type LineageRecord struct {
	DatasetID        int64
	DateStart        time.Time
	DateEnd          time.Time
	RowCount         int64
	ByteSize         int64
	Checksum         string
	PrevHash         string
	StoragePath      string
	StorageURI       string
	InputFingerprint string
	ProducerVersion  string
	ProducerGitSHA   string
	SourceType       string
	SourceLocation   string
}

// QualityRecord is the validation outcome for a partition.
type QualityRecord struct {
	DatasetID    int64
	DateStart    time.Time
	DateEnd      time.Time
	Passed       bool
	RowCount     int64
	NullRatio    float64
	ErrorMessage string
}

// Writer persists catalog rows. Implementations must be safe for
// concurrent use.
type Writer interface {
	EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error)
	InsertLineage(ctx context.Context, rec LineageRecord) error
	InsertQuality(ctx context.Context, rec QualityRecord) error
	GetLastLineage(ctx context.Context, datasetID int64) (*LineageRecord, error)
	PartitionExists(ctx context.Context, datasetID int64, start, end time.Time) (bool, error)
	Close() error
}

// NewWriter connects to the catalog, or returns a no-op writer when no DSN
// is configured or the connection fails.
func NewWriter(ctx context.Context, cfg CatalogConfig) Writer {
	if cfg.PostgresDSN == "" {
		return NoopWriter{}
	}
	w, err := NewPostgresWriter(ctx, cfg)
	if err != nil {
		slog.With("component", "metadata").Warn("catalog unavailable, lineage disabled", "error", err)
		return NoopWriter{}
	}
	return w
}

// NoopWriter discards every record. EnsureDataset returns 0, which callers
// treat as "no catalog".
type NoopWriter struct{}

func (NoopWriter) EnsureDataset(context.Context, DatasetInfo) (int64, error) { return 0, nil }

func (NoopWriter) InsertLineage(context.Context, LineageRecord) error { return nil }

func (NoopWriter) InsertQuality(context.Context, QualityRecord) error { return nil }

func (NoopWriter) GetLastLineage(context.Context, int64) (*LineageRecord, error) { return nil, nil }

func (NoopWriter) PartitionExists(context.Context, int64, time.Time, time.Time) (bool, error) {
	return false, nil
}

func (NoopWriter) Close() error { return nil }
