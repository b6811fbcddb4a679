package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// Key identifies a horse's start in a race.
type Key struct {
	RaceID  string
	HorseID string
}

// PopulationRow is one (race, horse, date) row features are built for.
type PopulationRow struct {
	RaceID  string
	HorseID string
	Date    time.Time
}

// Key returns the row's (race_id, horse_id) key.
func (r PopulationRow) Key() Key { return Key{RaceID: r.RaceID, HorseID: r.HorseID} }

// Population is the spine every feature attaches to.
type Population []PopulationRow

// Validate rejects duplicate (race_id, horse_id) keys.
func (p Population) Validate() error {
	seen := make(map[Key]int, len(p))
	for i, r := range p {
		if prev, ok := seen[r.Key()]; ok {
			return fmt.Errorf("%w in population: (race_id=%s, horse_id=%s) at rows %d and %d",
				tables.ErrDuplicateKey, r.RaceID, r.HorseID, prev, i)
		}
		seen[r.Key()] = i
	}
	return nil
}

// Between returns the rows dated within [from, to].
func (p Population) Between(from, to time.Time) Population {
	var out Population
	for _, r := range p {
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DateRange returns the earliest and latest row dates.
func (p Population) DateRange() (time.Time, time.Time) {
	if len(p) == 0 {
		return time.Time{}, time.Time{}
	}
	lo, hi := p[0].Date, p[0].Date
	for _, r := range p[1:] {
		if r.Date.Before(lo) {
			lo = r.Date
		}
		if r.Date.After(hi) {
			hi = r.Date
		}
	}
	return lo, hi
}

// Frame renders the population as a (race_id, date, horse_id) table.
func (p Population) Frame() *tables.Frame {
	f := tables.NewFrame("features", len(p))
	race, _ := f.NewColumn(ColRaceID, tables.KindString)
	day, _ := f.NewColumn(ColDate, tables.KindDate)
	horse, _ := f.NewColumn(ColHorseID, tables.KindString)
	for i, r := range p {
		race.SetString(i, r.RaceID)
		day.SetDate(i, r.Date)
		horse.SetString(i, r.HorseID)
	}
	return f
}

// keyFrame returns a (race_id, horse_id) frame aligned with the population.
func (p Population) keyFrame(name string) *tables.Frame {
	f := tables.NewFrame(name, len(p))
	race, _ := f.NewColumn(ColRaceID, tables.KindString)
	horse, _ := f.NewColumn(ColHorseID, tables.KindString)
	for i, r := range p {
		race.SetString(i, r.RaceID)
		horse.SetString(i, r.HorseID)
	}
	return f
}

// PopulationFromFrame reads a population table.
func PopulationFromFrame(f *tables.Frame) (Population, error) {
	race, err := f.RequireKind(ColRaceID, tables.KindString)
	if err != nil {
		return nil, err
	}
	horse, err := f.RequireKind(ColHorseID, tables.KindString)
	if err != nil {
		return nil, err
	}
	day, err := f.RequireKind(ColDate, tables.KindDate)
	if err != nil {
		return nil, err
	}

	pop := make(Population, f.Len())
	for i := range pop {
		r, ok1 := race.Str(i)
		h, ok2 := horse.Str(i)
		d, ok3 := day.Date(i)
		if !ok1 || !ok2 || !ok3 {
			return nil, &tables.SchemaError{Table: f.Name(), Row: i + 1, Reason: "population key or date is null"}
		}
		pop[i] = PopulationRow{RaceID: r, HorseID: h, Date: d}
	}
	if err := pop.Validate(); err != nil {
		return nil, err
	}
	return pop, nil
}

// BuildPopulation selects races dated within [from, to] and pairs them with
// their runners from results, ordered by (date, race_id).
func BuildPopulation(raceInfo, results *tables.Frame, from, to time.Time) (Population, error) {
	riRace, err := raceInfo.RequireKind(ColRaceID, tables.KindString)
	if err != nil {
		return nil, err
	}
	riDate, err := raceInfo.RequireKind(ColDate, tables.KindDate)
	if err != nil {
		return nil, err
	}
	resRace, err := results.RequireKind(ColRaceID, tables.KindString)
	if err != nil {
		return nil, err
	}
	resHorse, err := results.RequireKind(ColHorseID, tables.KindString)
	if err != nil {
		return nil, err
	}
	if _, err := tables.NewLookup(raceInfo, ColRaceID); err != nil {
		return nil, err
	}

	dates := make(map[string]time.Time)
	for i := 0; i < raceInfo.Len(); i++ {
		id, ok := riRace.Str(i)
		d, okd := riDate.Date(i)
		if !ok || !okd || d.Before(from) || d.After(to) {
			continue
		}
		dates[id] = d
	}

	var pop Population
	for i := 0; i < results.Len(); i++ {
		id, ok := resRace.Str(i)
		if !ok {
			continue
		}
		d, ok := dates[id]
		if !ok {
			continue
		}
		h, ok := resHorse.Str(i)
		if !ok {
			continue
		}
		pop = append(pop, PopulationRow{RaceID: id, HorseID: h, Date: d})
	}

	sort.SliceStable(pop, func(i, j int) bool {
		if !pop[i].Date.Equal(pop[j].Date) {
			return pop[i].Date.Before(pop[j].Date)
		}
		return pop[i].RaceID < pop[j].RaceID
	})
	if err := pop.Validate(); err != nil {
		return nil, err
	}
	return pop, nil
}
