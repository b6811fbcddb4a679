package features

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// RelativeSuffix marks a field-relative column.
const RelativeSuffix = "_relative"

// zeroSpread is the relative tolerance below which a race's spread is
// treated as zero.
const zeroSpread = 1e-12

// Relativize z-scores every float column of f within its race:
// (v - race mean) / race sample std. The result holds the key columns and
// one <col>_relative column per input column. A value is null when the
// input is null, the race has fewer than two values, or the spread is
// zero.
func Relativize(f *tables.Frame) (*tables.Frame, error) {
	_, groups, err := tables.GroupRows(f, ColRaceID)
	if err != nil {
		return nil, err
	}
	if err := f.Require(ColHorseID); err != nil {
		return nil, err
	}

	out := tables.NewFrame(f.Name()+RelativeSuffix, f.Len())
	for _, s := range f.Series() {
		if s.Name == ColRaceID || s.Name == ColHorseID {
			if err := out.Add(s); err != nil {
				return nil, err
			}
		}
	}

	vals := make([]float64, 0, 32)
	for _, s := range f.Series() {
		if s.Kind != tables.KindFloat {
			continue
		}
		rel, err := out.NewColumn(s.Name+RelativeSuffix, tables.KindFloat)
		if err != nil {
			return nil, err
		}
		for _, rows := range groups {
			vals = vals[:0]
			for _, r := range rows {
				if v, ok := s.Float(r); ok {
					vals = append(vals, v)
				}
			}
			if len(vals) < 2 {
				continue
			}
			mean, std := stat.MeanStdDev(vals, nil)
			if math.IsNaN(std) || std <= zeroSpread*math.Max(1, math.Abs(mean)) {
				continue
			}
			for _, r := range rows {
				if v, ok := s.Float(r); ok {
					rel.SetFloat(r, (v-mean)/std)
				}
			}
		}
	}
	return out, nil
}
