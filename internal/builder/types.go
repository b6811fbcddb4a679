package builder

import (
	"time"

	"github.com/keiba-yosoku/feature-builder/internal/era"
	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// DateRange is a unit of work: the races dated within [Start, End] of
// one era. Index provides ordering for the sequencer.
type DateRange struct {
	EraID        string
	VersionLabel string
	Start        era.Day
	End          era.Day
	Index        int64
}

// BuiltPartition is the build artifact before publishing.
// Workers produce these; the sequencer consumes them.
type BuiltPartition struct {
	Range        DateRange
	Dataset      string
	Population   features.Population
	Frame        *tables.Frame
	ParquetBytes []byte
	TSVBytes     []byte
	Checksum     string // parquet checksum
	TSVChecksum  string
	RowCount     int64
	NullRatio    float64
	BuildID      string
	BuiltAt      time.Time
	StorageURI   string // set after publish
	Skipped      bool   // already published with the same inputs
}

// ByteSize returns the parquet size.
func (p *BuiltPartition) ByteSize() int64 { return int64(len(p.ParquetBytes)) }

// PartitionTask is sent to workers for processing.
type PartitionTask struct {
	Range    DateRange
	Attempt  int
	MaxRetry int
}

// PartitionResult is returned from workers to the sequencer.
type PartitionResult struct {
	Task      PartitionTask
	Partition *BuiltPartition
	Err       error
}

// Summary reports what a run did.
type Summary struct {
	Skipped          bool // whole run skipped by the checkpoint
	Partitions       int
	PartitionsReused int
	Rows             int64
	RowsExcluded     int // population rows dated in inactive eras
	Columns          int
	OutputKey        string
	InputFingerprint string
	Duration         time.Duration
}
