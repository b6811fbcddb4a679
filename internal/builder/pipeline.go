package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/logging"
	"github.com/keiba-yosoku/feature-builder/internal/metrics"
	"github.com/keiba-yosoku/feature-builder/internal/storage"
	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// Pipeline implements the dispatcher → workers → sequencer flow.
// Workers build partitions in parallel; the sequencer validates and
// commits them in date order.
type Pipeline struct {
	builder   *Builder
	creator   *features.Creator
	pop       features.Population
	workers   int
	queueSize int
	maxRetry  int
	backoffMs int
	log       *slog.Logger

	workQueue  chan PartitionTask
	resultChan chan PartitionResult
	wg         sync.WaitGroup
}

// NewPipeline creates a new worker pipeline over pop.
func NewPipeline(b *Builder, creator *features.Creator, pop features.Population, workers, queueSize, maxRetry, backoffMs int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 2
	}
	if maxRetry < 0 {
		maxRetry = 0
	}
	if backoffMs < 1 {
		backoffMs = 500
	}

	return &Pipeline{
		builder:    b,
		creator:    creator,
		pop:        pop,
		workers:    workers,
		queueSize:  queueSize,
		maxRetry:   maxRetry,
		backoffMs:  backoffMs,
		log:        slog.With("component", "pipeline"),
		workQueue:  make(chan PartitionTask, queueSize),
		resultChan: make(chan PartitionResult, queueSize),
	}
}

// Run builds and commits every range, returning the partitions in
// commit order.
func (p *Pipeline) Run(ctx context.Context, ranges []DateRange) ([]*BuiltPartition, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.log = logging.FromContext(ctx).With("component", "pipeline")

	p.log.Info("starting pipeline", "partitions", len(ranges), "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- p.dispatcherLoop(ctx, ranges)
	}()

	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	committed, err := p.sequencerLoop(ctx, ranges)
	if err != nil {
		return nil, err
	}
	if err := <-errChan; err != nil {
		return nil, err
	}
	return committed, nil
}

// dispatcherLoop sends partition tasks to workers.
func (p *Pipeline) dispatcherLoop(ctx context.Context, ranges []DateRange) error {
	defer close(p.workQueue)

	for _, r := range ranges {
		task := PartitionTask{Range: r, MaxRetry: p.maxRetry}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.workQueue <- task:
		}
	}
	return nil
}

// workerLoop processes partition tasks.
func (p *Pipeline) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for task := range p.workQueue {
		if ctx.Err() != nil {
			return
		}
		result := p.processTask(ctx, workerID, task)
		select {
		case p.resultChan <- result:
		case <-ctx.Done():
			return
		}
	}
}

// processTask builds a partition, retrying transient failures with
// exponential backoff. It does not publish anything.
func (p *Pipeline) processTask(ctx context.Context, workerID int, task PartitionTask) PartitionResult {
	log := logging.WorkerLogger(ctx, workerID).With(
		"era_id", task.Range.EraID,
		"date_start", task.Range.Start.String(),
		"date_end", task.Range.End.String(),
	)
	labels := p.builder.metricsLabels(task.Range)

	if m := metrics.Get(); m != nil {
		m.AddInFlightWorkers(1)
		defer m.AddInFlightWorkers(-1)
	}

	for {
		log.Info("building partition", "attempt", task.Attempt+1)
		startTime := time.Now()

		part, err := p.buildPartition(ctx, task.Range)
		if err == nil {
			elapsed := time.Since(startTime)
			log.Info("partition built", "duration_ms", elapsed.Milliseconds(), "rows", part.RowCount)
			if m := metrics.Get(); m != nil {
				m.ObservePartitionBuildDuration(labels, elapsed.Seconds())
				m.ObservePartitionRows(labels, float64(part.RowCount))
				m.ObservePartitionBytes(labels, float64(part.ByteSize()))
			}
			return PartitionResult{Task: task, Partition: part}
		}

		if task.Attempt >= task.MaxRetry || !retryable(err) {
			return PartitionResult{
				Task: task,
				Err:  fmt.Errorf("failed after %d attempts: %w", task.Attempt+1, err),
			}
		}

		log.Warn("partition build failed, retrying", "error", err)
		if m := metrics.Get(); m != nil {
			l := labels
			l.Operation = "partition_build"
			m.IncRetryAttempts(l)
		}

		backoff := time.Duration(p.backoffMs*(1<<task.Attempt)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return PartitionResult{Task: task, Err: ctx.Err()}
		}
		task.Attempt++
	}
}

// retryable reports whether a build error may succeed on another attempt.
// Data-integrity and schema failures are deterministic.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, features.ErrLeakage),
		errors.Is(err, features.ErrRowCountMismatch),
		errors.Is(err, tables.ErrDuplicateKey),
		errors.Is(err, tables.ErrColumnCollision),
		errors.Is(err, tables.ErrSchema):
		return false
	}
	return true
}

// buildPartition computes the feature table for the races inside r and
// encodes it.
func (p *Pipeline) buildPartition(ctx context.Context, r DateRange) (*BuiltPartition, error) {
	sub := p.pop.Between(r.Start.Time, r.End.Time)
	if len(sub) == 0 {
		return nil, fmt.Errorf("no races in %s..%s", r.Start, r.End)
	}

	frame, err := p.creator.Create(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("create features: %w", err)
	}
	dataset := p.builder.cfg.Run.OutputTable
	frame = frame.WithName(dataset)

	parquetBytes, err := tables.EncodeParquet(frame, tables.DefaultParquetConfig())
	if err != nil {
		return nil, fmt.Errorf("generate parquet: %w", err)
	}
	var tsv bytes.Buffer
	if err := tables.WriteTSV(&tsv, frame); err != nil {
		return nil, fmt.Errorf("generate tsv: %w", err)
	}

	return &BuiltPartition{
		Range:        r,
		Dataset:      dataset,
		Population:   sub,
		Frame:        frame,
		ParquetBytes: parquetBytes,
		TSVBytes:     tsv.Bytes(),
		Checksum:     tables.ComputeChecksum(parquetBytes),
		TSVChecksum:  tables.ComputeChecksum(tsv.Bytes()),
		RowCount:     int64(frame.Len()),
		NullRatio:    nullRatio(frame),
		BuildID:      uuid.New().String(),
		BuiltAt:      time.Now().UTC(),
	}, nil
}

// sequencerLoop commits partitions in date order.
func (p *Pipeline) sequencerLoop(ctx context.Context, expected []DateRange) ([]*BuiltPartition, error) {
	nextIndex := expected[0].Index
	lastIndex := expected[len(expected)-1].Index

	pending := make(map[int64]*BuiltPartition)
	committed := make([]*BuiltPartition, 0, len(expected))
	startTime := time.Now()

	for nextIndex <= lastIndex {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case result, ok := <-p.resultChan:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("results closed before all partitions committed, nextIndex=%d", nextIndex)
			}
			if result.Err != nil {
				if m := metrics.Get(); m != nil {
					m.IncPartitionsFailed(p.builder.metricsLabels(result.Task.Range))
				}
				return nil, fmt.Errorf("partition %s..%s: %w",
					result.Task.Range.Start, result.Task.Range.End, result.Err)
			}

			pending[result.Task.Range.Index] = result.Partition

			for {
				part, ok := pending[nextIndex]
				if !ok {
					break
				}
				if err := p.commitPartition(ctx, part); err != nil {
					return nil, fmt.Errorf("commit partition %s..%s: %w",
						part.Range.Start, part.Range.End, err)
				}
				delete(pending, nextIndex)
				committed = append(committed, part)
				nextIndex++

				rate := float64(len(committed)) / time.Since(startTime).Seconds()
				p.log.Info("sequencer progress",
					"committed", len(committed),
					"total", len(expected),
					"rate_per_sec", fmt.Sprintf("%.2f", rate),
				)
			}
			if m := metrics.Get(); m != nil {
				m.SetSequencerPending(float64(len(pending)))
			}
		}
	}
	return committed, nil
}

// commitPartition validates a built partition, publishes it atomically,
// records lineage and quality, and emits the audit event. The order must
// not change: the audit event references published, immutable objects.
func (p *Pipeline) commitPartition(ctx context.Context, part *BuiltPartition) error {
	b := p.builder
	log := logging.PartitionLogger(ctx, part.BuildID, part.Range.EraID, part.Range.VersionLabel,
		part.Range.Start.Time, part.Range.End.Time)
	labels := b.metricsLabels(part.Range)
	commitStart := time.Now()

	// Step 1: Validate
	result := ValidatePartition(part)
	for _, w := range result.Warnings {
		log.Warn("partition validation warning", "warning", w)
	}
	if err := RecordQualityResult(ctx, b.meta, b.datasetID, part, result); err != nil {
		if err := b.optional(ctx, "metadata", "insert_quality", err); err != nil {
			return err
		}
	}
	if !result.Passed {
		if m := metrics.Get(); m != nil {
			m.IncPartitionsFailed(labels)
		}
		return fmt.Errorf("%w: %s", ErrValidation, result.ErrorMessage())
	}

	ref := b.storageRef(part)

	// Step 2: Idempotency check against the stored manifest
	published, err := b.alreadyPublished(ctx, ref)
	if err != nil {
		return err
	}
	if published {
		part.Skipped = true
		part.StorageURI = b.store.URI(ref.Path())
		log.Info("skipping partition (already published with the same inputs)")
		if m := metrics.Get(); m != nil {
			m.IncPartitionsSkipped(labels)
		}
		return b.repairLineage(ctx, part, ref)
	}

	// Step 3: Atomic write of parquet, TSV and manifest
	manifest := buildManifest(part, ref, b.fingerprint)
	manifestBytes, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := storage.Publish(ctx, b.store,
		storage.Object{Key: ref.Path(), Data: part.ParquetBytes},
		storage.Object{Key: ref.TSVPath(), Data: part.TSVBytes},
		storage.Object{Key: ref.ManifestPath(), Data: manifestBytes},
	); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(metrics.Labels{Backend: b.cfg.Storage.Backend, Operation: "publish"})
		}
		return fmt.Errorf("publish: %w", err)
	}
	part.StorageURI = b.store.URI(ref.Path())

	// Step 4: Lineage chained to the previous partition
	prevHash, err := b.recordLineage(ctx, part, ref)
	if err != nil {
		return err
	}

	// Step 5: Audit event
	if err := b.audit.Emit(ctx, b.buildAuditEvent(part, ref)); err != nil {
		if err := b.optional(ctx, "audit", "emit", err); err != nil {
			return err
		}
	}

	elapsed := time.Since(commitStart)
	log.Info("committed partition",
		"rows", part.RowCount,
		"hash", part.Checksum,
		"prev_hash", prevHash,
		"uri", part.StorageURI,
		"duration_ms", elapsed.Milliseconds(),
	)
	if m := metrics.Get(); m != nil {
		m.IncPartitionsProcessed(labels)
		m.AddRowsProcessed(labels, float64(part.RowCount))
		m.SetLastRaceDate(labels, part.Range.End.Time)
		m.ObservePartitionCommitDuration(labels, elapsed.Seconds())
	}
	return nil
}
