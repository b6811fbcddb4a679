package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/metadata"
	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// ValidationResult contains the outcome of partition validation.
type ValidationResult struct {
	Passed    bool
	Errors    []string
	Warnings  []string
	RowCount  int64
	ByteSize  int64
	NullRatio float64
}

// ErrorMessage joins the errors for the quality record.
func (r ValidationResult) ErrorMessage() string {
	if r.Passed {
		return ""
	}
	return strings.Join(r.Errors, "; ")
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Passed = false
}

// ValidatePartition performs quality checks on a partition before commit:
//   - one row per population key, no extras or repeats
//   - every row dated inside the partition range
//   - interval_days strictly positive where present
//   - parquet and TSV payloads present and checksummed
func ValidatePartition(part *BuiltPartition) ValidationResult {
	result := ValidationResult{Passed: true}

	if part.Frame == nil {
		result.fail("partition has no feature table")
		return result
	}
	f := part.Frame
	result.RowCount = int64(f.Len())
	result.NullRatio = nullRatio(f)

	if len(part.Population) == 0 {
		result.fail("partition has no population rows")
	}
	if err := features.VerifyKeys(part.Population, f); err != nil {
		result.fail("%v", err)
	}
	if part.RowCount != int64(f.Len()) {
		result.fail("row count mismatch: recorded %d, table has %d", part.RowCount, f.Len())
	}

	if day, err := f.RequireKind(features.ColDate, tables.KindDate); err != nil {
		result.fail("%v", err)
	} else {
		for i := 0; i < f.Len(); i++ {
			d, ok := day.Date(i)
			if !ok {
				result.fail("row %d has no date", i)
				break
			}
			if d.Before(part.Range.Start.Time) || d.After(part.Range.End.Time) {
				result.fail("row %d dated %s outside partition %s..%s",
					i, d.Format(tables.DateLayout), part.Range.Start, part.Range.End)
				break
			}
		}
	}

	if iv, ok := f.Col(features.ColInterval); ok {
		for i := 0; i < iv.Len(); i++ {
			if v, ok := iv.Float(i); ok && v <= 0 {
				result.fail("%s is %v at row %d, want > 0", features.ColInterval, v, i)
				break
			}
		}
	}

	if len(part.ParquetBytes) == 0 {
		result.fail("empty parquet data")
	}
	if len(part.TSVBytes) == 0 {
		result.fail("empty tsv data")
	}
	result.ByteSize = part.ByteSize()
	for _, c := range []struct{ name, sum string }{
		{"parquet", part.Checksum},
		{"tsv", part.TSVChecksum},
	} {
		if !strings.HasPrefix(c.sum, "sha256:") {
			result.fail("missing or malformed %s checksum %q", c.name, c.sum)
		}
	}

	for _, s := range f.Series() {
		if allNull(s) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("column %s is entirely null", s.Name))
		}
	}
	return result
}

func allNull(s *tables.Series) bool {
	for i := 0; i < s.Len(); i++ {
		if !s.IsNull(i) {
			return false
		}
	}
	return s.Len() > 0
}

// RecordQualityResult records the validation result to the metadata catalog.
func RecordQualityResult(ctx context.Context, meta metadata.Writer, datasetID int64, part *BuiltPartition, result ValidationResult) error {
	if datasetID == 0 {
		return nil
	}
	return meta.InsertQuality(ctx, buildQualityRecord(datasetID, part, result))
}
