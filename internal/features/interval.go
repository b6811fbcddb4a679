package features

import (
	"fmt"
	"math"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// ColInterval is the days since the horse's previous start.
const ColInterval = "interval_days"

// Intervals computes, per population row, the whole days between the race
// and the newest prior start. Rows without history stay null. A gap of
// zero or fewer days means a history row leaked past the date filter.
func Intervals(bl *BaseLog) (*tables.Frame, error) {
	day, err := bl.History.RequireKind(ColDate, tables.KindDate)
	if err != nil {
		return nil, err
	}

	out := bl.Population.keyFrame("interval")
	col, err := out.NewColumn(ColInterval, tables.KindFloat)
	if err != nil {
		return nil, err
	}
	for i, rows := range bl.Rows {
		if len(rows) == 0 {
			continue
		}
		last, _ := day.Date(rows[0])
		p := bl.Population[i]
		days := math.Round(p.Date.Sub(last).Hours() / 24)
		if days <= 0 {
			return nil, fmt.Errorf("%w: race %s horse %s dated %s has history on %s",
				ErrLeakage, p.RaceID, p.HorseID,
				p.Date.Format(tables.DateLayout), last.Format(tables.DateLayout))
		}
		col.SetFloat(i, days)
	}
	return out, nil
}
