// Package features computes leakage-safe per-(race, horse) features from
// race history, race metadata and yearly leaderboards.
package features

import (
	"errors"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// Shared key columns.
const (
	ColRaceID  = "race_id"
	ColHorseID = "horse_id"
	ColDate    = "date"
	ColYear    = "year"
)

// Input table names as resolved by the table source.
const (
	TablePopulation     = "population"
	TableResults        = "results"
	TableRaceInfo       = "race_info"
	TableHorseResults   = "horse_results"
	TableJockeyLeading  = "jockey_leading"
	TableTrainerLeading = "trainer_leading"
	TablePeds           = "peds"
	TableSireLeading    = "sire_leading"
	TableBMSLeading     = "bms_leading"
)

var (
	// ErrLeakage is returned when a history row is not strictly before
	// the race it feeds.
	ErrLeakage = errors.New("temporal leakage")

	// ErrRowCountMismatch is returned when the assembled feature table
	// does not match the population row for row.
	ErrRowCountMismatch = errors.New("feature table does not match population")
)

func str(name string) tables.ColumnSpec  { return tables.Required(name, tables.KindString) }
func num(name string) tables.ColumnSpec  { return tables.Required(name, tables.KindFloat) }
func date(name string) tables.ColumnSpec { return tables.Required(name, tables.KindDate) }
func optNum(name string) tables.ColumnSpec {
	return tables.Optional(name, tables.KindFloat)
}
func optStr(name string) tables.ColumnSpec {
	return tables.Optional(name, tables.KindString)
}

// Schemas declares every input table.
var Schemas = map[string]tables.Schema{
	TablePopulation: {Table: TablePopulation, Columns: []tables.ColumnSpec{
		str(ColRaceID), date(ColDate), str(ColHorseID),
	}},
	TableResults: {Table: TableResults, Columns: []tables.ColumnSpec{
		str(ColRaceID), str(ColHorseID), str("jockey_id"), str("trainer_id"),
		num("umaban"), num("wakuban"), num("sex"),
		optStr("owner_id"),
		optNum("rank"), optNum("tansho_odds"), optNum("popularity"), optNum("impost"),
		optNum("age"), optNum("weight"), optNum("weight_diff"), optNum("n_horses"),
	}},
	TableRaceInfo: {Table: TableRaceInfo, Columns: []tables.ColumnSpec{
		str(ColRaceID), date(ColDate),
		num("race_type"), num("around"), num("course_len"), num("ground_state"),
		num("race_class"), num("month"), num("sin_date"), num("cos_date"),
		optNum("weather"), optNum("place"),
	}},
	TableHorseResults: {Table: TableHorseResults, Columns: []tables.ColumnSpec{
		str(ColHorseID), date(ColDate), num("rank"), num("prize"),
		optStr(ColRaceID),
		optNum("rank_diff"), optNum("weather"), optNum("race_type"), optNum("course_len"),
		optNum("ground_state"), optNum("race_class"), optNum("n_horses"), optNum("time"),
		optNum("win"), optNum("rentai"), optNum("show"), optNum("place"),
	}},
	TableJockeyLeading: {Table: TableJockeyLeading, Columns: []tables.ColumnSpec{
		str("jockey_id"), num(ColYear),
	}},
	TableTrainerLeading: {Table: TableTrainerLeading, Columns: []tables.ColumnSpec{
		str("trainer_id"), num(ColYear),
	}},
	TablePeds: {Table: TablePeds, Columns: []tables.ColumnSpec{
		str(ColHorseID), str("sire_id"), optStr("bms_id"),
	}},
	TableSireLeading: {Table: TableSireLeading, Columns: []tables.ColumnSpec{
		str("sire_id"), num(ColYear), num("race_type"),
		num("n_races"), num("n_wins"), num("winrate"), num("course_len"),
	}},
	TableBMSLeading: {Table: TableBMSLeading, Columns: []tables.ColumnSpec{
		str("bms_id"), num(ColYear), num("race_type"),
		num("n_races"), num("n_wins"), num("winrate"), num("course_len"),
	}},
}
