package features

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// Stat is a summary statistic over a window of past starts.
type Stat string

const (
	StatMean   Stat = "mean"
	StatMedian Stat = "median"
	StatMax    Stat = "max"
	StatMin    Stat = "min"
)

// WindowSpec describes one windowed aggregation family.
type WindowSpec struct {
	// Name labels the grouping in column names ("_per_<name>"). Empty
	// for the unrestricted family.
	Name     string   `yaml:"name"`
	GroupBy  []string `yaml:"group_by"`
	Windows  []int    `yaml:"windows"`
	Metrics  []string `yaml:"metrics"`
	Stats    []Stat   `yaml:"stats"`
	Relative bool     `yaml:"relative"`
}

// Label names the family in logs and frame names.
func (s WindowSpec) Label() string {
	label := "horse_n_races"
	if s.Name != "" {
		label += "_per_" + s.Name
	}
	if s.Relative {
		label += "_relative"
	}
	return label
}

// Validate checks the aggregation is usable.
func (s WindowSpec) Validate() error {
	if len(s.Windows) == 0 {
		return fmt.Errorf("aggregation %s: no windows", s.Label())
	}
	for _, n := range s.Windows {
		if n < 1 {
			return fmt.Errorf("aggregation %s: window %d must be positive", s.Label(), n)
		}
	}
	if len(s.Metrics) == 0 {
		return fmt.Errorf("aggregation %s: no metrics", s.Label())
	}
	if len(s.Stats) == 0 {
		return fmt.Errorf("aggregation %s: no stats", s.Label())
	}
	for _, st := range s.Stats {
		switch st {
		case StatMean, StatMedian, StatMax, StatMin:
		default:
			return fmt.Errorf("aggregation %s: unknown stat %q", s.Label(), st)
		}
	}
	if len(s.GroupBy) > 0 && s.Name == "" {
		return fmt.Errorf("aggregation over %v needs a name", s.GroupBy)
	}
	return nil
}

// ColumnName builds <metric>[_<stat>]_<n>races[_per_<name>]. The stat
// segment is dropped when mean is the only stat.
func (s WindowSpec) ColumnName(metric string, st Stat, n int) string {
	var b strings.Builder
	b.WriteString(metric)
	if !(len(s.Stats) == 1 && s.Stats[0] == StatMean) {
		b.WriteString("_")
		b.WriteString(string(st))
	}
	b.WriteString("_")
	b.WriteString(strconv.Itoa(n))
	b.WriteString("races")
	if s.Name != "" {
		b.WriteString("_per_")
		b.WriteString(s.Name)
	}
	return b.String()
}

// Aggregate computes the windowed statistics of spec for every population
// row of bl. Windows longer than the available history use what exists;
// empty history gives nulls. Relative specs return only the z-scored
// columns.
func Aggregate(bl *BaseLog, raceInfo *tables.Frame, spec WindowSpec) (*tables.Frame, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(spec.GroupBy) > 0 {
		var err error
		if bl, err = bl.Restrict(raceInfo, spec.GroupBy); err != nil {
			return nil, fmt.Errorf("aggregation %s: %w", spec.Label(), err)
		}
	}

	metrics := make([]*tables.Series, len(spec.Metrics))
	for i, m := range spec.Metrics {
		s, err := bl.History.RequireKind(m, tables.KindFloat)
		if err != nil {
			return nil, fmt.Errorf("aggregation %s: %w", spec.Label(), err)
		}
		metrics[i] = s
	}

	out := bl.Population.keyFrame("agg_" + spec.Label())
	type target struct {
		col    *tables.Series
		metric int
		stat   Stat
		window int
	}
	var targets []target
	for _, n := range spec.Windows {
		for mi, m := range spec.Metrics {
			for _, st := range spec.Stats {
				col, err := out.NewColumn(spec.ColumnName(m, st, n), tables.KindFloat)
				if err != nil {
					return nil, fmt.Errorf("aggregation %s: %w", spec.Label(), err)
				}
				targets = append(targets, target{col: col, metric: mi, stat: st, window: n})
			}
		}
	}

	vals := make([]float64, 0, 64)
	for i, rows := range bl.Rows {
		if len(rows) == 0 {
			continue
		}
		for _, t := range targets {
			window := rows
			if len(window) > t.window {
				window = window[:t.window]
			}
			vals = vals[:0]
			for _, r := range window {
				if v, ok := metrics[t.metric].Float(r); ok {
					vals = append(vals, v)
				}
			}
			if len(vals) == 0 {
				continue
			}
			t.col.SetFloat(i, summarize(vals, t.stat))
		}
	}

	if spec.Relative {
		return Relativize(out)
	}
	return out, nil
}

// summarize computes st over a non-empty slice. vals may be reordered.
func summarize(vals []float64, st Stat) float64 {
	switch st {
	case StatMedian:
		return median(vals)
	case StatMax:
		return floats.Max(vals)
	case StatMin:
		return floats.Min(vals)
	default:
		return stat.Mean(vals, nil)
	}
}

func median(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}
