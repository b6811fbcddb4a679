// Package source resolves named input tables from a local directory or an
// object store bucket.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/keiba-yosoku/feature-builder/internal/storage"
)

var (
	// ErrInvalidSourceMode is returned for an unknown source mode.
	ErrInvalidSourceMode = errors.New("invalid source mode")

	// ErrTableNotFound is returned when no file matches a table name.
	ErrTableNotFound = errors.New("table not found")
)

// TableSource reads named input tables. Compressed files are returned
// decompressed.
type TableSource interface {
	ReadTable(ctx context.Context, name string) ([]byte, error)
	// Tables lists the table names the source can resolve.
	Tables(ctx context.Context) ([]string, error)
	// Location describes the source for lineage records.
	Location() string
	Close() error
}

// SourceConfig selects and configures a table source.
type SourceConfig struct {
	Mode string // "local" | "gcs" | "s3"

	LocalPath string

	GCSBucket string
	GCSPrefix string

	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	S3Region   string
}

// NewTableSource constructs a table source based on the configured mode.
func NewTableSource(ctx context.Context, cfg SourceConfig) (TableSource, error) {
	switch cfg.Mode {
	case "local":
		return NewLocalSource(cfg.LocalPath)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs source requires a bucket")
		}
		return OpenBucketSource(ctx, "gs://"+cfg.GCSBucket, fmt.Sprintf("gs://%s/%s", cfg.GCSBucket, cfg.GCSPrefix), cfg.GCSPrefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 source requires a bucket")
		}
		return OpenBucketSource(ctx, storage.S3URL(cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region), fmt.Sprintf("s3://%s/%s", cfg.S3Bucket, cfg.S3Prefix), cfg.S3Prefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceMode, cfg.Mode)
	}
}
