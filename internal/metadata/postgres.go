package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool         *pgxpool.Pool
	cfg          CatalogConfig
	log          *slog.Logger
	mu           sync.RWMutex
	datasetCache map[string]int64
}

// NewPostgresWriter connects to the catalog and creates the _meta_* tables.
func NewPostgresWriter(ctx context.Context, cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:         pool,
		cfg:          cfg,
		log:          slog.With("component", "metadata"),
		datasetCache: make(map[string]int64),
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// EnsureDataset registers or retrieves a dataset entry.
func (w *PostgresWriter) EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error) {
	if info.Namespace == "" {
		info.Namespace = w.cfg.Namespace
	}
	cacheKey := fmt.Sprintf("%s.%s.%s.%s", info.Namespace, info.Dataset, info.Version, info.EraID)
	w.mu.RLock()
	if id, ok := w.datasetCache[cacheKey]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	query := `
		INSERT INTO _meta_datasets (namespace, dataset, version, era_id, schema_hash, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, dataset, version, era_id)
		DO UPDATE SET updated_at = NOW(), schema_hash = EXCLUDED.schema_hash
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		info.Namespace,
		info.Dataset,
		info.Version,
		info.EraID,
		info.SchemaHash,
		info.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure dataset: %w", err)
	}

	w.mu.Lock()
	w.datasetCache[cacheKey] = id
	w.mu.Unlock()
	return id, nil
}

// PartitionExists checks if a partition has already been committed.
func (w *PostgresWriter) PartitionExists(ctx context.Context, datasetID int64, start, end time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM _meta_lineage
			WHERE dataset_id = $1 AND date_start = $2 AND date_end = $3
		)
	`

	var exists bool
	if err := w.pool.QueryRow(ctx, query, datasetID, start, end).Scan(&exists); err != nil {
		return false, fmt.Errorf("check partition exists: %w", err)
	}
	return exists, nil
}

// GetLastLineage returns the most recent lineage record for hash chaining.
func (w *PostgresWriter) GetLastLineage(ctx context.Context, datasetID int64) (*LineageRecord, error) {
	query := `
		SELECT date_start, date_end, row_count, byte_size, checksum,
		       COALESCE(prev_hash, ''), storage_path, COALESCE(storage_uri, ''),
		       COALESCE(input_fingerprint, ''),
		       producer_version, COALESCE(producer_git_sha, ''),
		       COALESCE(source_type, ''), COALESCE(source_location, '')
		FROM _meta_lineage
		WHERE dataset_id = $1
		ORDER BY date_end DESC
		LIMIT 1
	`

	rec := LineageRecord{DatasetID: datasetID}
	err := w.pool.QueryRow(ctx, query, datasetID).Scan(
		&rec.DateStart, &rec.DateEnd, &rec.RowCount, &rec.ByteSize,
		&rec.Checksum, &rec.PrevHash, &rec.StoragePath, &rec.StorageURI,
		&rec.InputFingerprint,
		&rec.ProducerVersion, &rec.ProducerGitSHA,
		&rec.SourceType, &rec.SourceLocation,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last lineage: %w", err)
	}
	return &rec, nil
}

// InsertLineage records a lineage entry with its prev_hash link.
func (w *PostgresWriter) InsertLineage(ctx context.Context, rec LineageRecord) error {
	query := `
		INSERT INTO _meta_lineage (
			dataset_id, date_start, date_end, row_count, byte_size,
			checksum, prev_hash, storage_path, storage_uri, input_fingerprint,
			producer_version, producer_git_sha, source_type, source_location
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (dataset_id, date_start, date_end)
		DO UPDATE SET
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			prev_hash = EXCLUDED.prev_hash,
			storage_uri = EXCLUDED.storage_uri,
			input_fingerprint = EXCLUDED.input_fingerprint,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.DateStart,
		rec.DateEnd,
		rec.RowCount,
		rec.ByteSize,
		rec.Checksum,
		nullable(rec.PrevHash),
		rec.StoragePath,
		nullable(rec.StorageURI),
		nullable(rec.InputFingerprint),
		rec.ProducerVersion,
		rec.ProducerGitSHA,
		rec.SourceType,
		rec.SourceLocation,
	)
	if err != nil {
		return fmt.Errorf("insert lineage: %w", err)
	}

	w.log.Debug("recorded lineage",
		"date_start", rec.DateStart.Format(time.DateOnly),
		"date_end", rec.DateEnd.Format(time.DateOnly),
		"prev_hash", rec.PrevHash,
	)
	return nil
}

// InsertQuality records a quality validation result.
func (w *PostgresWriter) InsertQuality(ctx context.Context, rec QualityRecord) error {
	query := `
		INSERT INTO _meta_quality (dataset_id, date_start, date_end, passed, row_count, null_ratio, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dataset_id, date_start, date_end)
		DO UPDATE SET
			passed = EXCLUDED.passed,
			row_count = EXCLUDED.row_count,
			null_ratio = EXCLUDED.null_ratio,
			error_message = EXCLUDED.error_message,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.DateStart,
		rec.DateEnd,
		rec.Passed,
		rec.RowCount,
		rec.NullRatio,
		nullable(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert quality: %w", err)
	}
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
