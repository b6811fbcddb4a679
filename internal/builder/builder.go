// Package builder runs the batch feature build: it loads the inputs,
// splits the population into date partitions, builds them on a worker
// pool and commits them in order to storage, the catalog and the audit
// chain.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keiba-yosoku/feature-builder/internal/audit"
	"github.com/keiba-yosoku/feature-builder/internal/checkpoint"
	"github.com/keiba-yosoku/feature-builder/internal/config"
	"github.com/keiba-yosoku/feature-builder/internal/era"
	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/logging"
	"github.com/keiba-yosoku/feature-builder/internal/metadata"
	"github.com/keiba-yosoku/feature-builder/internal/metrics"
	"github.com/keiba-yosoku/feature-builder/internal/source"
	"github.com/keiba-yosoku/feature-builder/internal/storage"
	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

var (
	// ErrValidation is returned when a built partition fails its quality
	// checks.
	ErrValidation = errors.New("partition validation failed")

	// ErrPartitionExists is returned when a partition was already
	// published from different inputs and overwriting is off.
	ErrPartitionExists = errors.New("partition already exists")
)

// Deps are the collaborators of a Builder. Nil optional fields get
// defaults derived from the config.
type Deps struct {
	Source     source.TableSource
	Store      storage.AtomicStore
	Meta       metadata.Writer
	Audit      audit.Emitter
	Checkpoint checkpoint.Manager
}

// Builder orchestrates a feature build.
type Builder struct {
	cfg        *config.Config
	src        source.TableSource
	store      storage.AtomicStore
	meta       metadata.Writer
	audit      audit.Emitter
	checkpoint checkpoint.Manager
	router     *era.Router

	datasetID   int64  // cached dataset ID from catalog
	fingerprint string // input fingerprint of the current run
	log         *slog.Logger
}

// New creates a Builder. Source and Store are required.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Builder, error) {
	if deps.Source == nil || deps.Store == nil {
		return nil, errors.New("builder needs a table source and a store")
	}
	router, err := era.NewRouter(cfg.Eras, cfg.ActiveEras)
	if err != nil {
		return nil, fmt.Errorf("era router: %w", err)
	}
	log := slog.With("component", "builder")

	if deps.Meta == nil {
		catalog := metadata.CatalogConfig{
			PostgresDSN: cfg.Catalog.PostgresDSN,
			Namespace:   cfg.Run.Namespace,
		}
		if cfg.Catalog.Strict && catalog.PostgresDSN != "" {
			w, err := metadata.NewPostgresWriter(ctx, catalog)
			if err != nil {
				return nil, fmt.Errorf("catalog: %w", err)
			}
			deps.Meta = w
		} else {
			deps.Meta = metadata.NewWriter(ctx, catalog)
		}
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewEmitter(audit.Config{
			Enabled:   cfg.Audit.Enabled,
			Endpoint:  cfg.Audit.Endpoint,
			BackupDir: cfg.Audit.BackupDir,
		})
	}
	if deps.Checkpoint == nil {
		cp, err := checkpoint.NewManager(cfg.CheckpointManager())
		if err != nil {
			log.Warn("failed to create checkpoint manager, checkpointing disabled", "error", err)
			cp, _ = checkpoint.NewManager(checkpoint.Config{})
		}
		deps.Checkpoint = cp
	}

	return &Builder{
		cfg:        cfg,
		src:        deps.Source,
		store:      deps.Store,
		meta:       deps.Meta,
		audit:      deps.Audit,
		checkpoint: deps.Checkpoint,
		router:     router,
		log:        log,
	}, nil
}

// Close releases the catalog and audit resources.
func (b *Builder) Close() error {
	return errors.Join(b.meta.Close(), b.audit.Close())
}

// Run executes one build over the configured range.
func (b *Builder) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	run := b.cfg.Run
	ctx = logging.WithRunID(ctx, logging.NewRunID())
	b.log = logging.FromContext(ctx).With("component", "builder")

	// Register dataset with catalog and get ID for lineage records
	if err := b.ensureDataset(ctx); err != nil {
		if err := b.optional(ctx, "metadata", "ensure_dataset", err); err != nil {
			return nil, err
		}
	}

	in, err := LoadInputs(ctx, b.src, b.cfg.Features, run.PopulationTable)
	if err != nil {
		return nil, fmt.Errorf("load inputs: %w", err)
	}
	b.fingerprint = in.Fingerprint
	b.log.Info("inputs loaded", "tables", len(in.Checksums)-1, "fingerprint", in.Fingerprint)

	pop, err := Population(in, run.From.Time, run.To.Time)
	if err != nil {
		return nil, fmt.Errorf("population: %w", err)
	}
	if len(pop) == 0 {
		return nil, errors.New("population is empty")
	}
	from, to := b.runRange(pop)
	pop, excluded, err := b.activePopulation(pop)
	if err != nil {
		return nil, err
	}
	if len(pop) == 0 {
		return nil, fmt.Errorf("no population rows between %s and %s fall in an active era", from, to)
	}

	if skip, err := b.upToDate(ctx, from, to); err != nil {
		return nil, err
	} else if skip {
		b.log.Info("inputs unchanged since last build, skipping", "output", b.outputKey())
		return &Summary{Skipped: true, OutputKey: b.outputKey(), InputFingerprint: b.fingerprint}, nil
	}

	creator, err := features.NewCreator(in.Inputs, b.cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("feature creator: %w", err)
	}

	ranges, err := b.planRanges(pop, from, to)
	if err != nil {
		return nil, err
	}
	b.log.Info("starting build",
		"namespace", run.Namespace,
		"version", run.VersionLabel,
		"date_start", from.String(),
		"date_end", to.String(),
		"population", len(pop),
		"partitions", len(ranges),
		"workers", b.cfg.Perf.Workers,
	)

	pipeline := NewPipeline(b, creator, pop,
		b.cfg.Perf.Workers,
		b.cfg.Perf.QueueSize,
		b.cfg.Perf.MaxRetries,
		b.cfg.Perf.RetryBackoffMS,
	)
	parts, err := pipeline.Run(ctx, ranges)
	if err != nil {
		return nil, err
	}

	out, err := b.writeOutput(ctx, pop, parts)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Partitions:       len(parts),
		RowsExcluded:     excluded,
		Rows:             int64(out.Len()),
		Columns:          len(out.Columns()),
		OutputKey:        b.outputKey(),
		InputFingerprint: b.fingerprint,
		Duration:         time.Since(start),
	}
	for _, p := range parts {
		if p.Skipped {
			summary.PartitionsReused++
		}
	}
	b.saveCheckpoint(ctx, from, to, summary, parts)

	b.log.Info("build complete",
		"partitions", summary.Partitions,
		"reused", summary.PartitionsReused,
		"rows", summary.Rows,
		"rows_excluded", summary.RowsExcluded,
		"columns", summary.Columns,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

// runRange is the configured range, or the population's own range when
// none is configured.
func (b *Builder) runRange(pop features.Population) (era.Day, era.Day) {
	from, to := b.cfg.Run.From, b.cfg.Run.To
	if from.IsZero() || to.IsZero() {
		lo, hi := pop.DateRange()
		if from.IsZero() {
			from = era.DayOf(lo)
		}
		if to.IsZero() {
			to = era.DayOf(hi)
		}
	}
	return from, to
}

// activePopulation drops rows dated in inactive eras and returns how many
// were dropped. A row outside every era is an error.
func (b *Builder) activePopulation(pop features.Population) (features.Population, int, error) {
	kept := make(features.Population, 0, len(pop))
	dropped := make(map[string]int)
	for _, r := range pop {
		cfg, err := b.router.RouteAny(r.Date)
		if err != nil {
			return nil, 0, fmt.Errorf("population row (race_id=%s, horse_id=%s): %w", r.RaceID, r.HorseID, err)
		}
		if !b.router.IsActive(cfg.EraID) {
			dropped[cfg.EraID]++
			continue
		}
		kept = append(kept, r)
	}
	for eraID, n := range dropped {
		b.log.Warn("excluding population rows in inactive era", "era_id", eraID, "rows", n)
	}
	return kept, len(pop) - len(kept), nil
}

// upToDate reports whether the last checkpoint covers the same inputs,
// range and version and its output still exists.
func (b *Builder) upToDate(ctx context.Context, from, to era.Day) (bool, error) {
	if b.cfg.Run.AllowOverwrite {
		return false, nil
	}
	cp, err := b.checkpoint.Load(ctx)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return false, nil
		}
		b.log.Warn("failed to load checkpoint", "error", err)
		return false, nil
	}
	if !cp.Matches(b.fingerprint, b.cfg.Run.VersionLabel, from.String(), to.String()) {
		b.log.Info("checkpoint does not match this run, rebuilding")
		return false, nil
	}
	exists, err := b.store.Exists(ctx, b.outputKey())
	if err != nil {
		return false, fmt.Errorf("check output: %w", err)
	}
	return exists, nil
}

// planRanges splits [from, to] by era and partition size and keeps the
// ranges that contain races. Inactive eras are skipped.
func (b *Builder) planRanges(pop features.Population, from, to era.Day) ([]DateRange, error) {
	splits, err := b.router.SplitRangeByEra(from, to)
	if err != nil {
		return nil, fmt.Errorf("split range: %w", err)
	}

	var out []DateRange
	for _, split := range splits {
		if !b.router.IsActive(split.Era.EraID) {
			b.log.Info("skipping inactive era", "era_id", split.Era.EraID,
				"date_start", split.Start.String(), "date_end", split.End.String())
			continue
		}
		version := split.Era.VersionLabel
		if version == "" {
			version = b.cfg.Run.VersionLabel
		}
		for _, part := range split.Partitions() {
			if len(pop.Between(part.Start.Time, part.End.Time)) == 0 {
				continue
			}
			out = append(out, DateRange{
				EraID:        split.Era.EraID,
				VersionLabel: version,
				Start:        part.Start,
				End:          part.End,
				Index:        int64(len(out)),
			})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no races between %s and %s in active eras", from, to)
	}
	return out, nil
}

// writeOutput concatenates the partitions in order, checks the result
// holds exactly the population's keys and publishes it as parquet and TSV.
func (b *Builder) writeOutput(ctx context.Context, pop features.Population, parts []*BuiltPartition) (*tables.Frame, error) {
	frames := make([]*tables.Frame, len(parts))
	for i, p := range parts {
		frames[i] = p.Frame
	}
	out, err := tables.Concat(b.cfg.Run.OutputTable, frames...)
	if err != nil {
		return nil, fmt.Errorf("concat partitions: %w", err)
	}
	if err := features.VerifyKeys(pop, out); err != nil {
		return nil, fmt.Errorf("feature table does not cover the population: %w", err)
	}

	parquetBytes, err := tables.EncodeParquet(out, tables.DefaultParquetConfig())
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	var tsv bytes.Buffer
	if err := tables.WriteTSV(&tsv, out); err != nil {
		return nil, fmt.Errorf("encode output tsv: %w", err)
	}

	first, last := parts[0].Range, parts[len(parts)-1].Range
	manifest := &storage.Manifest{
		Partition: storage.PartitionInfo{
			Start:        first.Start.String(),
			End:          last.End.String(),
			VersionLabel: b.cfg.Run.VersionLabel,
			Namespace:    b.cfg.Run.Namespace,
		},
		Tables: map[string]storage.TableInfo{
			b.cfg.Run.OutputTable: {
				File:     b.outputKey(),
				Format:   "parquet",
				Checksum: tables.ComputeChecksum(parquetBytes),
				RowCount: int64(out.Len()),
				ByteSize: int64(len(parquetBytes)),
				Columns:  out.Columns(),
			},
			b.cfg.Run.OutputTable + ".tsv": {
				File:     b.outputTSVKey(),
				Format:   "tsv",
				Checksum: tables.ComputeChecksum(tsv.Bytes()),
				RowCount: int64(out.Len()),
				ByteSize: int64(tsv.Len()),
			},
		},
		Producer:         storage.ProducerInfo{Name: producerName, Version: Version, GitSHA: GitSHA},
		InputFingerprint: b.fingerprint,
		CreatedAt:        time.Now().UTC(),
	}
	manifestBytes, err := manifest.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode output manifest: %w", err)
	}

	if err := storage.Publish(ctx, b.store,
		storage.Object{Key: b.outputKey(), Data: parquetBytes},
		storage.Object{Key: b.outputTSVKey(), Data: tsv.Bytes()},
		storage.Object{Key: b.outputManifestKey(), Data: manifestBytes},
	); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(metrics.Labels{Backend: b.cfg.Storage.Backend, Operation: "publish_output"})
		}
		return nil, fmt.Errorf("publish output: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.SetFeatureShape(metrics.Labels{Namespace: b.cfg.Run.Namespace, EraID: "all", Version: b.cfg.Run.VersionLabel},
			len(out.Columns()), nullRatio(out))
	}
	return out, nil
}

func (b *Builder) saveCheckpoint(ctx context.Context, from, to era.Day, s *Summary, parts []*BuiltPartition) {
	last := parts[len(parts)-1]
	cp := &checkpoint.Checkpoint{
		BuilderID:        b.cfg.Run.BuilderID,
		Namespace:        b.cfg.Run.Namespace,
		VersionLabel:     b.cfg.Run.VersionLabel,
		InputFingerprint: b.fingerprint,
		RangeStart:       from.String(),
		RangeEnd:         to.String(),
		OutputKey:        s.OutputKey,
		RowCount:         s.Rows,
		Partitions:       s.Partitions,
		LastPartition: &checkpoint.PartitionInfo{
			EraID:    last.Range.EraID,
			Start:    last.Range.Start.String(),
			End:      last.Range.End.String(),
			Checksum: last.Checksum,
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := b.checkpoint.Save(ctx, cp); err != nil {
		b.log.Warn("failed to save checkpoint", "error", err)
	}
}

// ensureDataset registers the dataset in the catalog and caches the ID.
func (b *Builder) ensureDataset(ctx context.Context) error {
	id, err := b.meta.EnsureDataset(ctx, metadata.DatasetInfo{
		Namespace:   b.cfg.Run.Namespace,
		Dataset:     b.cfg.Run.OutputTable,
		Version:     b.cfg.Run.VersionLabel,
		EraID:       "all",
		Description: "per-(race, horse) features built from race history and leaderboards",
	})
	if err != nil {
		return err
	}
	b.datasetID = id
	if id > 0 {
		b.log.Info("registered dataset in catalog", "dataset_id", id, "table", b.cfg.Run.OutputTable)
	}
	return nil
}

// alreadyPublished reports whether ref holds a partition built from the
// current inputs. A partition built from other inputs is an error unless
// overwriting is allowed.
func (b *Builder) alreadyPublished(ctx context.Context, ref storage.PartitionRef) (bool, error) {
	m, err := storage.ReadManifest(ctx, b.store, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}
	if b.cfg.Run.AllowOverwrite {
		return false, nil
	}
	if m.InputFingerprint == b.fingerprint {
		return b.intact(ctx, ref, m), nil
	}
	return false, fmt.Errorf("%w: %s was built from different inputs (set run.allow_overwrite)",
		ErrPartitionExists, ref.DirPath())
}

// intact reports whether the published parquet still matches its
// manifest checksum. A damaged partition is republished.
func (b *Builder) intact(ctx context.Context, ref storage.PartitionRef, m *storage.Manifest) bool {
	info, ok := m.Tables[ref.Table]
	if !ok {
		b.log.Warn("manifest lists no parquet table, republishing", "partition", ref.DirPath())
		return false
	}
	head, err := b.store.Head(ctx, ref.Path())
	if err != nil || head.Size != info.ByteSize {
		b.log.Warn("published parquet missing or resized, republishing", "partition", ref.DirPath(), "error", err)
		return false
	}
	data, err := b.store.ReadObject(ctx, ref.Path())
	if err != nil {
		b.log.Warn("published parquet unreadable, republishing", "partition", ref.DirPath(), "error", err)
		return false
	}
	if !tables.VerifyChecksum(data, info.Checksum) {
		b.log.Warn("published parquet checksum mismatch, republishing", "partition", ref.DirPath())
		return false
	}
	return true
}

// recordLineage inserts the lineage row linked to the previous
// partition's checksum and returns that previous checksum.
func (b *Builder) recordLineage(ctx context.Context, part *BuiltPartition, ref storage.PartitionRef) (string, error) {
	if b.datasetID == 0 {
		return "", nil
	}
	var prevHash string
	prev, err := b.meta.GetLastLineage(ctx, b.datasetID)
	if err != nil {
		if err := b.optional(ctx, "metadata", "get_last_lineage", err); err != nil {
			return "", err
		}
	} else if prev != nil {
		prevHash = prev.Checksum
	}
	if err := b.meta.InsertLineage(ctx, b.buildLineageRecord(part, ref, prevHash)); err != nil {
		if err := b.optional(ctx, "metadata", "insert_lineage", err); err != nil {
			return "", err
		}
	}
	return prevHash, nil
}

// repairLineage records lineage for a reused partition the catalog does
// not know about.
func (b *Builder) repairLineage(ctx context.Context, part *BuiltPartition, ref storage.PartitionRef) error {
	if b.datasetID == 0 {
		return nil
	}
	exists, err := b.meta.PartitionExists(ctx, b.datasetID, part.Range.Start.Time, part.Range.End.Time)
	if err != nil {
		return b.optional(ctx, "metadata", "partition_exists", err)
	}
	if exists {
		return nil
	}
	_, err = b.recordLineage(ctx, part, ref)
	return err
}

// optional handles a failure of the catalog or audit subsystem: counted,
// then logged and ignored unless the subsystem is configured strict.
func (b *Builder) optional(ctx context.Context, subsystem, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	strict := false
	if m := metrics.Get(); m != nil {
		switch subsystem {
		case "metadata":
			m.IncMetadataErrors(metrics.Labels{Operation: op})
		case "audit":
			m.IncAuditErrors(metrics.Labels{Operation: op})
		}
	}
	switch subsystem {
	case "metadata":
		strict = b.cfg.Catalog.Strict
	case "audit":
		strict = b.cfg.Audit.Strict
	}
	if strict {
		return fmt.Errorf("%s %s: %w", subsystem, op, err)
	}
	b.log.Warn("optional subsystem failed", "subsystem", subsystem, "operation", op, "error", err)
	return nil
}

// metricsLabels returns the standard metric labels for a range.
func (b *Builder) metricsLabels(r DateRange) metrics.Labels {
	return metrics.Labels{
		Namespace: b.cfg.Run.Namespace,
		EraID:     r.EraID,
		Version:   r.VersionLabel,
	}
}
