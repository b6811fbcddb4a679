package features

import (
	"fmt"
	"time"

	"github.com/tidwall/btree"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

type historyEntry struct {
	date time.Time
	row  int
}

func lessEntry(a, b historyEntry) bool {
	if !a.date.Equal(b.date) {
		return a.date.Before(b.date)
	}
	return a.row < b.row
}

// HistoryIndex orders each horse's past starts by date. It is built once
// per run and only read afterwards.
type HistoryIndex struct {
	frame   *tables.Frame
	byHorse map[string]*btree.BTreeG[historyEntry]
}

// NewHistoryIndex indexes the horse_results table. Rows with a null horse
// or date cannot be placed in time and are skipped.
func NewHistoryIndex(history *tables.Frame) (*HistoryIndex, error) {
	horse, err := history.RequireKind(ColHorseID, tables.KindString)
	if err != nil {
		return nil, err
	}
	day, err := history.RequireKind(ColDate, tables.KindDate)
	if err != nil {
		return nil, err
	}

	idx := &HistoryIndex{
		frame:   history,
		byHorse: make(map[string]*btree.BTreeG[historyEntry]),
	}
	for r := 0; r < history.Len(); r++ {
		h, ok := horse.Str(r)
		if !ok {
			continue
		}
		d, ok := day.Date(r)
		if !ok {
			continue
		}
		tr, ok := idx.byHorse[h]
		if !ok {
			tr = btree.NewBTreeG(lessEntry)
			idx.byHorse[h] = tr
		}
		tr.Set(historyEntry{date: d, row: r})
	}
	return idx, nil
}

// Frame returns the indexed history table.
func (h *HistoryIndex) Frame() *tables.Frame { return h.frame }

// Horses returns the number of indexed horses.
func (h *HistoryIndex) Horses() int { return len(h.byHorse) }

// Before returns the history rows of a horse dated strictly before day,
// newest first.
func (h *HistoryIndex) Before(horseID string, day time.Time) []int {
	tr, ok := h.byHorse[horseID]
	if !ok {
		return nil
	}
	var rows []int
	// row -1 sorts before every real row on the same date, so same-day
	// starts are never reached.
	tr.Descend(historyEntry{date: day, row: -1}, func(e historyEntry) bool {
		if e.date.Before(day) {
			rows = append(rows, e.row)
		}
		return true
	})
	return rows
}

// BaseLog pairs every population row with its strictly-past history.
type BaseLog struct {
	Population Population
	History    *tables.Frame
	// Rows[i] lists history rows for Population[i], newest first.
	Rows [][]int
}

// BuildBaseLog joins the population against the history index.
func BuildBaseLog(pop Population, idx *HistoryIndex) *BaseLog {
	bl := &BaseLog{
		Population: pop,
		History:    idx.frame,
		Rows:       make([][]int, len(pop)),
	}
	for i, r := range pop {
		bl.Rows[i] = idx.Before(r.HorseID, r.Date)
	}
	return bl
}

// Restrict keeps history rows whose values in cols equal those of the
// target race in raceInfo. A null on either side never matches.
func (b *BaseLog) Restrict(raceInfo *tables.Frame, cols []string) (*BaseLog, error) {
	if len(cols) == 0 {
		return b, nil
	}
	lookup, err := tables.NewLookup(raceInfo, ColRaceID)
	if err != nil {
		return nil, err
	}

	raceCols := make([]*tables.Series, len(cols))
	histCols := make([]*tables.Series, len(cols))
	for i, c := range cols {
		rc, ok := raceInfo.Col(c)
		if !ok {
			return nil, &tables.SchemaError{Table: raceInfo.Name(), Column: c, Row: -1, Reason: "group column missing"}
		}
		hc, ok := b.History.Col(c)
		if !ok {
			return nil, &tables.SchemaError{Table: b.History.Name(), Column: c, Row: -1, Reason: "group column missing"}
		}
		if rc.Kind != hc.Kind {
			return nil, fmt.Errorf("group column %s is %s in %s but %s in %s",
				c, rc.Kind, raceInfo.Name(), hc.Kind, b.History.Name())
		}
		raceCols[i], histCols[i] = rc, hc
	}

	out := &BaseLog{
		Population: b.Population,
		History:    b.History,
		Rows:       make([][]int, len(b.Rows)),
	}
	for i, p := range b.Population {
		rr, ok := lookup.Row(p.RaceID)
		if !ok {
			continue
		}
		target, ok := tables.RowKey(raceCols, rr)
		if !ok {
			continue
		}
		var kept []int
		for _, hr := range b.Rows[i] {
			if k, ok := tables.RowKey(histCols, hr); ok && k == target {
				kept = append(kept, hr)
			}
		}
		out.Rows[i] = kept
	}
	return out, nil
}
