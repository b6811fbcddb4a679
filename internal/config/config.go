// Package config loads the feature builder configuration from YAML, a
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/keiba-yosoku/feature-builder/internal/checkpoint"
	"github.com/keiba-yosoku/feature-builder/internal/era"
	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/logging"
	"github.com/keiba-yosoku/feature-builder/internal/metrics"
	"github.com/keiba-yosoku/feature-builder/internal/source"
	"github.com/keiba-yosoku/feature-builder/internal/storage"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Run        RunConfig        `yaml:"run"`
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Audit      AuditConfig      `yaml:"audit"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Perf       PerfConfig       `yaml:"perf"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Features   features.Options `yaml:"features"`
	Eras       []era.Config     `yaml:"eras"`
	ActiveEras []string         `yaml:"active_eras"`
}

type RunConfig struct {
	BuilderID       string  `yaml:"builder_id"`
	Namespace       string  `yaml:"namespace"`
	VersionLabel    string  `yaml:"version"`
	From            era.Day `yaml:"from"`
	To              era.Day `yaml:"to"`
	AllowOverwrite  bool    `yaml:"allow_overwrite"`
	PopulationTable string  `yaml:"population_table"` // empty = build from race_info
	OutputTable     string  `yaml:"output_table"`
}

type SourceConfig struct {
	Mode       string `yaml:"mode"`
	LocalPath  string `yaml:"local_path"`
	GCSBucket  string `yaml:"gcs_bucket"`
	GCSPrefix  string `yaml:"gcs_prefix"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	LocalDir   string `yaml:"local_dir"`
	GCSBucket  string `yaml:"gcs_bucket"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	Prefix     string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Strict      bool   `yaml:"strict"`
}

type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
	Strict    bool   `yaml:"strict"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type PerfConfig struct {
	Workers        int `yaml:"workers"`
	QueueSize      int `yaml:"queue_size"`
	MaxRetries     int `yaml:"max_retries"`
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a configuration that builds features from ./data into
// ./out for a single unbounded era.
func Default() Config {
	return Config{
		Run: RunConfig{
			BuilderID:    "default",
			Namespace:    "features",
			VersionLabel: "v1",
			OutputTable:  "features",
		},
		Source:     SourceConfig{Mode: "local", LocalPath: "./data"},
		Storage:    StorageConfig{Backend: "local", LocalDir: "./out", Prefix: "features/"},
		Checkpoint: CheckpointConfig{Enabled: true, Dir: "./checkpoints"},
		Perf:       PerfConfig{Workers: 4, QueueSize: 8, MaxRetries: 3, RetryBackoffMS: 500},
		Logging:    LoggingConfig{Format: "text", Level: "info"},
		Metrics:    MetricsConfig{Address: ":9090"},
		Features:   features.DefaultOptions(),
		Eras:       []era.Config{{EraID: "all", VersionLabel: "v1", PartitionDays: 365}},
	}
}

// Load reads path (when non-empty) over the defaults, then applies a .env
// file if present and environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Run.BuilderID = getenvDefault("FEATURE_BUILDER_ID", c.Run.BuilderID)
	c.Run.Namespace = getenvDefault("FEATURE_NAMESPACE", c.Run.Namespace)
	c.Run.VersionLabel = getenvDefault("FEATURE_VERSION", c.Run.VersionLabel)
	c.Run.PopulationTable = getenvDefault("FEATURE_POPULATION_TABLE", c.Run.PopulationTable)
	c.Run.OutputTable = getenvDefault("FEATURE_OUTPUT_TABLE", c.Run.OutputTable)
	c.Run.AllowOverwrite = getenvBool("FEATURE_ALLOW_OVERWRITE", c.Run.AllowOverwrite)
	for key, dst := range map[string]*era.Day{"FEATURE_FROM": &c.Run.From, "FEATURE_TO": &c.Run.To} {
		if v := os.Getenv(key); v != "" {
			d, err := era.ParseDay(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
			}
			*dst = d
		}
	}

	c.Source.Mode = getenvDefault("SOURCE_MODE", c.Source.Mode)
	c.Source.LocalPath = getenvDefault("SOURCE_LOCAL_PATH", c.Source.LocalPath)
	c.Source.GCSBucket = getenvDefault("SOURCE_GCS_BUCKET", c.Source.GCSBucket)
	c.Source.S3Bucket = getenvDefault("SOURCE_S3_BUCKET", c.Source.S3Bucket)

	c.Storage.Backend = getenvDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getenvDefault("STORAGE_LOCAL_DIR", c.Storage.LocalDir)
	c.Storage.GCSBucket = getenvDefault("STORAGE_GCS_BUCKET", c.Storage.GCSBucket)
	c.Storage.S3Bucket = getenvDefault("STORAGE_S3_BUCKET", c.Storage.S3Bucket)
	c.Storage.S3Endpoint = getenvDefault("STORAGE_S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Region = getenvDefault("STORAGE_S3_REGION", c.Storage.S3Region)
	c.Storage.Prefix = getenvDefault("STORAGE_PREFIX", c.Storage.Prefix)

	c.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", c.Catalog.PostgresDSN)
	c.Audit.Enabled = getenvBool("AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", c.Audit.Endpoint)
	c.Audit.BackupDir = getenvDefault("AUDIT_BACKUP_DIR", c.Audit.BackupDir)
	c.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", c.Checkpoint.Dir)

	c.Perf.Workers = getenvInt("FEATURE_WORKERS", c.Perf.Workers)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)
	c.Metrics.Enabled = getenvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Address = getenvDefault("METRICS_ADDRESS", c.Metrics.Address)
	return nil
}

// Validate checks the run range, storage settings, workers, eras and
// feature options.
func (c *Config) Validate() error {
	var errs []string
	if c.Run.Namespace == "" {
		errs = append(errs, "run.namespace is required")
	}
	if c.Run.VersionLabel == "" {
		errs = append(errs, "run.version is required")
	}
	if c.Run.OutputTable == "" {
		errs = append(errs, "run.output_table is required")
	}
	if !c.Run.From.IsZero() && !c.Run.To.IsZero() && c.Run.To.Before(c.Run.From.Time) {
		errs = append(errs, fmt.Sprintf("run.to %s is before run.from %s", c.Run.To, c.Run.From))
	}
	if c.Run.PopulationTable == "" && (c.Run.From.IsZero() || c.Run.To.IsZero()) {
		errs = append(errs, "run.from and run.to are required when no population_table is set")
	}

	switch c.Source.Mode {
	case "local":
		if c.Source.LocalPath == "" {
			errs = append(errs, "source.local_path is required for local mode")
		}
	case "gcs":
		if c.Source.GCSBucket == "" {
			errs = append(errs, "source.gcs_bucket is required for gcs mode")
		}
	case "s3":
		if c.Source.S3Bucket == "" {
			errs = append(errs, "source.s3_bucket is required for s3 mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown source.mode %q", c.Source.Mode))
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, "storage.local_dir is required for local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, "storage.gcs_bucket is required for gcs backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, "storage.s3_bucket is required for s3 backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}

	if c.Perf.Workers < 1 {
		errs = append(errs, "perf.workers must be at least 1")
	}
	if c.Perf.MaxRetries < 0 {
		errs = append(errs, "perf.max_retries must not be negative")
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, "checkpoint.dir is required when checkpointing is enabled")
	}
	if c.Audit.Enabled && c.Audit.Endpoint == "" && c.Audit.BackupDir == "" {
		errs = append(errs, "audit needs an endpoint or a backup_dir")
	}
	if _, err := era.NewRouter(c.Eras, c.ActiveEras); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Features.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// TableSource converts to the table source settings.
func (c *Config) TableSource() source.SourceConfig {
	return source.SourceConfig{
		Mode:       c.Source.Mode,
		LocalPath:  c.Source.LocalPath,
		GCSBucket:  c.Source.GCSBucket,
		GCSPrefix:  c.Source.GCSPrefix,
		S3Bucket:   c.Source.S3Bucket,
		S3Prefix:   c.Source.S3Prefix,
		S3Endpoint: c.Source.S3Endpoint,
		S3Region:   c.Source.S3Region,
	}
}

// StorageBackend converts to the storage settings.
func (c *Config) StorageBackend() storage.StorageConfig {
	return storage.StorageConfig{
		Backend:    c.Storage.Backend,
		LocalDir:   c.Storage.LocalDir,
		GCSBucket:  c.Storage.GCSBucket,
		S3Bucket:   c.Storage.S3Bucket,
		S3Endpoint: c.Storage.S3Endpoint,
		S3Region:   c.Storage.S3Region,
		Prefix:     c.Storage.Prefix,
	}
}

func (c *Config) CheckpointManager() checkpoint.Config {
	return checkpoint.Config{Enabled: c.Checkpoint.Enabled, Dir: c.Checkpoint.Dir, BuilderID: c.Run.BuilderID}
}

func (c *Config) Logger() logging.Config {
	return logging.Config{Format: c.Logging.Format, Level: c.Logging.Level}
}

func (c *Config) MetricsServer() metrics.Config {
	return metrics.Config{Enabled: c.Metrics.Enabled, Address: c.Metrics.Address}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
