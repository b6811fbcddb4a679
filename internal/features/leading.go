package features

import (
	"fmt"
	"strconv"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// leadingYear is the leaderboard year visible to a race: the previous
// calendar year.
func leadingYear(p PopulationRow) string {
	return strconv.Itoa(p.Date.Year() - 1)
}

// JoinLeading attaches the previous year's leaderboard statistics of the
// entity ("jockey", "trainer") that rode or trained each horse, prefixed
// with "<entity>_" and z-scored within the race. Every float column of the
// leaderboard other than the year becomes a statistic.
func JoinLeading(pop Population, results, leading *tables.Frame, entity string) (*tables.Frame, error) {
	idCol := entity + "_id"
	resIDs, err := results.RequireKind(idCol, tables.KindString)
	if err != nil {
		return nil, err
	}
	if _, err := leading.RequireKind(idCol, tables.KindString); err != nil {
		return nil, err
	}
	if _, err := leading.RequireKind(ColYear, tables.KindFloat); err != nil {
		return nil, err
	}
	resLookup, err := tables.NewLookup(results, ColRaceID, ColHorseID)
	if err != nil {
		return nil, err
	}
	board, err := tables.NewLookup(leading, idCol, ColYear)
	if err != nil {
		return nil, fmt.Errorf("%s leaderboard: %w", entity, err)
	}

	out := pop.keyFrame("agg_" + entity)
	type pair struct{ src, dst *tables.Series }
	var stats []pair
	for _, s := range leading.Series() {
		if s.Kind != tables.KindFloat || s.Name == ColYear {
			continue
		}
		dst, err := out.NewColumn(entity+"_"+s.Name, tables.KindFloat)
		if err != nil {
			return nil, err
		}
		stats = append(stats, pair{src: s, dst: dst})
	}

	for i, p := range pop {
		rr, ok := resLookup.Row(p.RaceID, p.HorseID)
		if !ok {
			continue
		}
		id, ok := resIDs.Str(rr)
		if !ok {
			continue
		}
		lr, ok := board.Row(id, leadingYear(p))
		if !ok {
			continue
		}
		for _, st := range stats {
			st.dst.CopyCell(i, st.src, lr)
		}
	}
	return Relativize(out)
}

// SireSpec selects which pedigree line a sire leaderboard is joined on.
type SireSpec struct {
	Prefix   string // "sire" | "bms"
	IDColumn string // "sire_id" | "bms_id"
}

// Sire and BMS are the two pedigree lines with leaderboards.
var (
	Sire = SireSpec{Prefix: "sire", IDColumn: "sire_id"}
	BMS  = SireSpec{Prefix: "bms", IDColumn: "bms_id"}
)

// JoinSireLeading attaches the previous year's surface-specific
// leaderboard row of the horse's sire (or broodmare sire), keyed on
// (id, year, race_type), plus the gap between the race distance and the
// sire's average winning distance on that surface.
func JoinSireLeading(pop Population, raceInfo, peds, leading *tables.Frame, spec SireSpec) (*tables.Frame, error) {
	pedIDs, err := peds.RequireKind(spec.IDColumn, tables.KindString)
	if err != nil {
		return nil, err
	}
	raceType, err := raceInfo.RequireKind("race_type", tables.KindFloat)
	if err != nil {
		return nil, err
	}
	courseLen, err := raceInfo.RequireKind("course_len", tables.KindFloat)
	if err != nil {
		return nil, err
	}

	cols := []string{"n_races", "n_wins", "winrate", "course_len"}
	src := make(map[string]*tables.Series, len(cols))
	for _, c := range cols {
		s, err := leading.RequireKind(c, tables.KindFloat)
		if err != nil {
			return nil, err
		}
		src[c] = s
	}

	pedLookup, err := tables.NewLookup(peds, ColHorseID)
	if err != nil {
		return nil, err
	}
	raceLookup, err := tables.NewLookup(raceInfo, ColRaceID)
	if err != nil {
		return nil, err
	}
	board, err := tables.NewLookup(leading, spec.IDColumn, ColYear, "race_type")
	if err != nil {
		return nil, fmt.Errorf("%s leaderboard: %w", spec.Prefix, err)
	}

	out := pop.keyFrame("agg_" + spec.Prefix)
	nRaces, _ := out.NewColumn(spec.Prefix+"_n_races", tables.KindFloat)
	nWins, _ := out.NewColumn(spec.Prefix+"_n_wins", tables.KindFloat)
	winrate, _ := out.NewColumn(spec.Prefix+"_winrate", tables.KindFloat)
	lenDiff, _ := out.NewColumn(spec.Prefix+"_course_len_diff", tables.KindFloat)

	for i, p := range pop {
		pr, ok := pedLookup.Row(p.HorseID)
		if !ok {
			continue
		}
		id, ok := pedIDs.Str(pr)
		if !ok {
			continue
		}
		rr, ok := raceLookup.Row(p.RaceID)
		if !ok || raceType.IsNull(rr) {
			continue
		}
		lr, ok := board.Row(id, leadingYear(p), raceType.Text(rr))
		if !ok {
			continue
		}
		nRaces.CopyCell(i, src["n_races"], lr)
		nWins.CopyCell(i, src["n_wins"], lr)
		winrate.CopyCell(i, src["winrate"], lr)
		race, ok1 := courseLen.Float(rr)
		sire, ok2 := src["course_len"].Float(lr)
		if ok1 && ok2 {
			lenDiff.SetFloat(i, race-sire)
		}
	}
	return Relativize(out)
}
