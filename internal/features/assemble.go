package features

import (
	"fmt"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// Family is one derived feature table keyed by (race_id, horse_id).
type Family struct {
	Name  string
	Frame *tables.Frame
}

// Assemble left-joins results, race info and every family onto the
// population spine and verifies the result matches the population row
// for row.
func Assemble(pop Population, results, raceInfo *tables.Frame, families ...Family) (*tables.Frame, error) {
	out, err := tables.LeftJoin(pop.Frame(), results, ColRaceID, ColHorseID)
	if err != nil {
		return nil, fmt.Errorf("merge results: %w", err)
	}
	if out, err = tables.LeftJoin(out, raceInfo, ColRaceID, ColDate); err != nil {
		return nil, fmt.Errorf("merge race_info: %w", err)
	}
	for _, fam := range families {
		if fam.Frame == nil {
			continue
		}
		if out, err = tables.LeftJoin(out, fam.Frame, ColRaceID, ColHorseID); err != nil {
			return nil, fmt.Errorf("merge %s: %w", fam.Name, err)
		}
	}
	if err := VerifyKeys(pop, out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyKeys checks that f has exactly the population's (race_id,
// horse_id) keys, once each, in any order.
func VerifyKeys(pop Population, f *tables.Frame) error {
	if f.Len() != len(pop) {
		return fmt.Errorf("%w: %d rows, population has %d", ErrRowCountMismatch, f.Len(), len(pop))
	}
	race, err := f.RequireKind(ColRaceID, tables.KindString)
	if err != nil {
		return err
	}
	horse, err := f.RequireKind(ColHorseID, tables.KindString)
	if err != nil {
		return err
	}

	want := make(map[Key]bool, len(pop))
	for _, p := range pop {
		want[p.Key()] = true
	}
	for r := 0; r < f.Len(); r++ {
		rid, _ := race.Str(r)
		hid, _ := horse.Str(r)
		k := Key{RaceID: rid, HorseID: hid}
		if !want[k] {
			return fmt.Errorf("%w: unexpected or repeated key (race_id=%s, horse_id=%s)",
				ErrRowCountMismatch, rid, hid)
		}
		delete(want, k)
	}
	return nil
}

// Project keeps the key columns plus the requested feature columns, in
// the requested order.
func Project(f *tables.Frame, columns []string) (*tables.Frame, error) {
	if len(columns) == 0 {
		return f, nil
	}
	keep := []string{ColRaceID, ColDate, ColHorseID}
	for _, c := range columns {
		if c == ColRaceID || c == ColDate || c == ColHorseID {
			continue
		}
		keep = append(keep, c)
	}
	return f.Select(keep...)
}
