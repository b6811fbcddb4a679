package builder

import (
	"fmt"
	"path"
	"time"

	"github.com/keiba-yosoku/feature-builder/internal/audit"
	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/metadata"
	"github.com/keiba-yosoku/feature-builder/internal/storage"
	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const producerName = "feature-builder"

func producerVersion() string { return fmt.Sprintf("%s@%s", producerName, Version) }

// storageRef locates a built partition in the store.
func (b *Builder) storageRef(part *BuiltPartition) storage.PartitionRef {
	return storage.PartitionRef{
		Namespace:    b.cfg.Run.Namespace,
		EraID:        part.Range.EraID,
		VersionLabel: part.Range.VersionLabel,
		Table:        part.Dataset,
		Start:        part.Range.Start.Time,
		End:          part.Range.End.Time,
	}
}

// outputKey is the key of the consolidated parquet table.
func (b *Builder) outputKey() string {
	return fmt.Sprintf("%s/%s/%s.parquet", b.cfg.Run.Namespace, b.cfg.Run.VersionLabel, b.cfg.Run.OutputTable)
}

func (b *Builder) outputTSVKey() string {
	return fmt.Sprintf("%s/%s/%s.tsv", b.cfg.Run.Namespace, b.cfg.Run.VersionLabel, b.cfg.Run.OutputTable)
}

func (b *Builder) outputManifestKey() string {
	return fmt.Sprintf("%s/%s/%s_manifest.json", b.cfg.Run.Namespace, b.cfg.Run.VersionLabel, b.cfg.Run.OutputTable)
}

// buildManifest describes a partition's parquet and TSV files.
func buildManifest(part *BuiltPartition, ref storage.PartitionRef, fingerprint string) *storage.Manifest {
	columns := part.Frame.Columns()
	return &storage.Manifest{
		Partition: storage.PartitionInfo{
			Start:        part.Range.Start.String(),
			End:          part.Range.End.String(),
			EraID:        part.Range.EraID,
			VersionLabel: part.Range.VersionLabel,
			Namespace:    ref.Namespace,
		},
		Tables: map[string]storage.TableInfo{
			part.Dataset: {
				File:     path.Base(ref.Path()),
				Format:   "parquet",
				Checksum: part.Checksum,
				RowCount: part.RowCount,
				ByteSize: part.ByteSize(),
				Columns:  columns,
			},
			part.Dataset + ".tsv": {
				File:     path.Base(ref.TSVPath()),
				Format:   "tsv",
				Checksum: part.TSVChecksum,
				RowCount: part.RowCount,
				ByteSize: int64(len(part.TSVBytes)),
				Columns:  columns,
			},
		},
		Producer: storage.ProducerInfo{
			Name:    producerName,
			Version: Version,
			GitSHA:  GitSHA,
		},
		InputFingerprint: fingerprint,
		CreatedAt:        time.Now().UTC(),
	}
}

// buildLineageRecord creates a LineageRecord for a committed partition.
func (b *Builder) buildLineageRecord(part *BuiltPartition, ref storage.PartitionRef, prevHash string) metadata.LineageRecord {
	return metadata.LineageRecord{
		DatasetID:        b.datasetID,
		DateStart:        part.Range.Start.Time,
		DateEnd:          part.Range.End.Time,
		RowCount:         part.RowCount,
		ByteSize:         part.ByteSize(),
		Checksum:         part.Checksum,
		PrevHash:         prevHash,
		StoragePath:      ref.DirPath(),
		StorageURI:       part.StorageURI,
		InputFingerprint: b.fingerprint,
		ProducerVersion:  producerVersion(),
		ProducerGitSHA:   GitSHA,
		SourceType:       b.cfg.Source.Mode,
		SourceLocation:   b.src.Location(),
	}
}

// buildQualityRecord creates a QualityRecord from a validation result.
func buildQualityRecord(datasetID int64, part *BuiltPartition, result ValidationResult) metadata.QualityRecord {
	return metadata.QualityRecord{
		DatasetID:    datasetID,
		DateStart:    part.Range.Start.Time,
		DateEnd:      part.Range.End.Time,
		Passed:       result.Passed,
		RowCount:     result.RowCount,
		NullRatio:    result.NullRatio,
		ErrorMessage: result.ErrorMessage(),
	}
}

// buildAuditEvent describes a committed partition for the audit chain.
func (b *Builder) buildAuditEvent(part *BuiltPartition, ref storage.PartitionRef) *audit.Event {
	return &audit.Event{
		Partition: audit.PartitionInfo{
			Namespace:    ref.Namespace,
			EraID:        part.Range.EraID,
			VersionLabel: part.Range.VersionLabel,
			DateStart:    part.Range.Start.String(),
			DateEnd:      part.Range.End.String(),
		},
		Tables: map[string]audit.TableInfo{
			part.Dataset: {
				Checksum:    part.Checksum,
				RowCount:    part.RowCount,
				ByteSize:    part.ByteSize(),
				StoragePath: ref.Path(),
			},
			part.Dataset + ".tsv": {
				Checksum:    part.TSVChecksum,
				RowCount:    part.RowCount,
				ByteSize:    int64(len(part.TSVBytes)),
				StoragePath: ref.TSVPath(),
			},
		},
		InputFingerprint: b.fingerprint,
		Producer: audit.ProducerInfo{
			Name:    producerName,
			Version: Version,
			GitSHA:  GitSHA,
		},
	}
}

// nullRatio is the share of null cells among the non-key columns.
func nullRatio(f *tables.Frame) float64 {
	var cells, nulls int
	for _, s := range f.Series() {
		switch s.Name {
		case features.ColRaceID, features.ColDate, features.ColHorseID:
			continue
		}
		for i := 0; i < s.Len(); i++ {
			cells++
			if s.IsNull(i) {
				nulls++
			}
		}
	}
	if cells == 0 {
		return 0
	}
	return float64(nulls) / float64(cells)
}
