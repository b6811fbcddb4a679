package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("object not found")

// DateLayout formats partition dates in keys and manifests.
const DateLayout = "2006-01-02"

// PartitionRef describes a versioned feature partition location.
type PartitionRef struct {
	Namespace    string // "features"
	EraID        string // "legacy" | "current"
	VersionLabel string // "v1" | "v2"
	Table        string // "race_horse_features"
	Start        time.Time
	End          time.Time
}

func (r PartitionRef) rangeLabel() string {
	return r.Start.Format(DateLayout) + "_" + r.End.Format(DateLayout)
}

// DirPath returns the directory key for this partition.
func (r PartitionRef) DirPath() string {
	return fmt.Sprintf("%s/%s/%s/%s/range=%s",
		r.Namespace, r.EraID, r.VersionLabel, r.Table, r.rangeLabel())
}

// Path returns the key of this partition's parquet file.
func (r PartitionRef) Path() string {
	return fmt.Sprintf("%s/part-%s.parquet", r.DirPath(), r.rangeLabel())
}

// TSVPath returns the key of this partition's TSV file.
func (r PartitionRef) TSVPath() string {
	return fmt.Sprintf("%s/part-%s.tsv", r.DirPath(), r.rangeLabel())
}

// ManifestPath returns the key of this partition's manifest.
func (r PartitionRef) ManifestPath() string {
	return r.DirPath() + "/_manifest.json"
}

// Manifest describes the contents of a partition directory.
type Manifest struct {
	Partition        PartitionInfo        `json:"partition"`
	Tables           map[string]TableInfo `json:"tables"`
	Producer         ProducerInfo         `json:"producer"`
	InputFingerprint string               `json:"input_fingerprint,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

// PartitionInfo describes the partition boundaries.
type PartitionInfo struct {
	Start        string `json:"start"`
	End          string `json:"end"`
	EraID        string `json:"era_id"`
	VersionLabel string `json:"version"`
	Namespace    string `json:"namespace"`
}

// TableInfo describes a single file in the partition.
type TableInfo struct {
	File     string   `json:"file"`
	Format   string   `json:"format"`
	Checksum string   `json:"checksum"`
	RowCount int64    `json:"row_count"`
	ByteSize int64    `json:"byte_size"`
	Columns  []string `json:"columns,omitempty"`
}

// ProducerInfo describes the software that produced the partition.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// FeatureStore reads and writes objects by key relative to the store
// prefix.
type FeatureStore interface {
	WriteObject(ctx context.Context, key string, data []byte) error
	ReadObject(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	Close() error
}

// AtomicStore extends FeatureStore with staged publishing.
type AtomicStore interface {
	FeatureStore

	// WriteTemp writes data next to key under a unique temporary name.
	WriteTemp(ctx context.Context, key string, data []byte) (tempKey string, err error)

	// Finalize moves every staged object to its final key. If any move
	// fails, already moved objects are removed and the temps aborted.
	Finalize(ctx context.Context, staged []Staged) error

	// Abort removes temporary files without publishing.
	Abort(ctx context.Context, tempKeys []string) error

	Head(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Staged pairs a temporary object with its final key.
type Staged struct {
	TempKey  string
	FinalKey string
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3"

	LocalDir string

	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string
	S3Region   string

	// Prefix is prepended to every key ("features/").
	Prefix string
}

// NewAtomicStore creates a storage backend based on configuration.
func NewAtomicStore(ctx context.Context, cfg StorageConfig) (AtomicStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return OpenBucketStore(ctx, "gs://"+cfg.GCSBucket, "gs://"+cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return OpenBucketStore(ctx, S3URL(cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region), "s3://"+cfg.S3Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// S3URL builds a gocloud bucket URL for AWS S3, Backblaze B2,
// Cloudflare R2 or MinIO.
func S3URL(bucket, endpoint, region string) string {
	u := "s3://" + bucket
	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}
