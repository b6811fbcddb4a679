package features

import (
	"math"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// CrossConfig maps categorical codes to the signs used in interaction
// features. Codes without an entry give null.
type CrossConfig struct {
	RaceTypeSign map[int]float64 `yaml:"race_type_sign"`
	AroundSign   map[int]float64 `yaml:"around_sign"`
	SexSign      map[int]float64 `yaml:"sex_sign"`
}

// DefaultCrossConfig returns the sign maps for the standard category
// encodings of race_type, around and sex.
func DefaultCrossConfig() CrossConfig {
	return CrossConfig{
		RaceTypeSign: map[int]float64{0: 1, 1: -1},
		AroundSign:   map[int]float64{2: 1},
		SexSign:      map[int]float64{1: 1, 0: -1},
	}
}

// CrossFeatures builds post-position by surface/direction and sex by
// calendar interactions.
func CrossFeatures(pop Population, results, raceInfo *tables.Frame, cfg CrossConfig) (*tables.Frame, error) {
	resCols, err := requireFloats(results, "wakuban", "umaban", "sex")
	if err != nil {
		return nil, err
	}
	raceCols, err := requireFloats(raceInfo, "race_type", "around", "month", "sin_date", "cos_date")
	if err != nil {
		return nil, err
	}
	resLookup, err := tables.NewLookup(results, ColRaceID, ColHorseID)
	if err != nil {
		return nil, err
	}
	raceLookup, err := tables.NewLookup(raceInfo, ColRaceID)
	if err != nil {
		return nil, err
	}

	out := pop.keyFrame("cross_features")
	type cross struct {
		name  string
		value string // results column
		sign  string // race_info column
		table map[int]float64
	}
	defs := []cross{
		{"wakuban_race_type", "wakuban", "race_type", cfg.RaceTypeSign},
		{"umaban_race_type", "umaban", "race_type", cfg.RaceTypeSign},
		{"wakuban_around", "wakuban", "around", cfg.AroundSign},
		{"umaban_around", "umaban", "around", cfg.AroundSign},
	}
	sexDefs := []string{"month", "sin_date", "cos_date"}

	cols := make(map[string]*tables.Series, len(defs)+len(sexDefs))
	for _, d := range defs {
		if cols[d.name], err = out.NewColumn(d.name, tables.KindFloat); err != nil {
			return nil, err
		}
	}
	for _, c := range sexDefs {
		if cols[c+"_sex"], err = out.NewColumn(c+"_sex", tables.KindFloat); err != nil {
			return nil, err
		}
	}

	for i, p := range pop {
		rr, okRes := resLookup.Row(p.RaceID, p.HorseID)
		ri, okRace := raceLookup.Row(p.RaceID)
		if !okRes || !okRace {
			continue
		}
		for _, d := range defs {
			v, ok := resCols[d.value].Float(rr)
			if !ok {
				continue
			}
			if s, ok := signOf(raceCols[d.sign], ri, d.table); ok {
				cols[d.name].SetFloat(i, v*s)
			}
		}
		sexSign, ok := signOf(resCols["sex"], rr, cfg.SexSign)
		if !ok {
			continue
		}
		for _, c := range sexDefs {
			if v, ok := raceCols[c].Float(ri); ok {
				cols[c+"_sex"].SetFloat(i, v*sexSign)
			}
		}
	}
	return out, nil
}

func signOf(s *tables.Series, row int, table map[int]float64) (float64, bool) {
	v, ok := s.Float(row)
	if !ok || v != math.Trunc(v) {
		return 0, false
	}
	sign, ok := table[int(v)]
	return sign, ok
}

func requireFloats(f *tables.Frame, names ...string) (map[string]*tables.Series, error) {
	out := make(map[string]*tables.Series, len(names))
	for _, n := range names {
		s, err := f.RequireKind(n, tables.KindFloat)
		if err != nil {
			return nil, err
		}
		out[n] = s
	}
	return out, nil
}
