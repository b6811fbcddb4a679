package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// Inputs are the loaded entity tables. Leaderboards and pedigree are only
// needed when the matching family is enabled.
type Inputs struct {
	Results        *tables.Frame
	RaceInfo       *tables.Frame
	HorseResults   *tables.Frame
	JockeyLeading  *tables.Frame
	TrainerLeading *tables.Frame
	Peds           *tables.Frame
	SireLeading    *tables.Frame
	BMSLeading     *tables.Frame
}

// EntityOptions toggles the leaderboard families.
type EntityOptions struct {
	Jockey  bool `yaml:"jockey"`
	Trainer bool `yaml:"trainer"`
	Sire    bool `yaml:"sire"`
	BMS     bool `yaml:"bms"`
}

// Options configures a feature build.
type Options struct {
	Aggregations []WindowSpec  `yaml:"aggregations"`
	Entities     EntityOptions `yaml:"entities"`
	Cross        CrossConfig   `yaml:"cross"`
	Interval     bool          `yaml:"interval"`
	Columns      []string      `yaml:"columns"`
	Parallelism  int           `yaml:"parallelism"`
}

var groupedWindows = []int{1, 2, 3, 5, 10, 20}
var groupedMetrics = []string{"rank", "prize", "rank_diff", "time", "win", "show"}

// DefaultOptions reproduces the standard feature set.
func DefaultOptions() Options {
	return Options{
		Aggregations: []WindowSpec{
			{Windows: []int{3, 5, 10, 1000}, Metrics: []string{"rank", "prize"}, Stats: []Stat{StatMean}},
			{
				Windows:  []int{2, 3, 5, 10, 1000},
				Metrics:  []string{"rank", "prize", "rank_diff", "race_class"},
				Stats:    []Stat{StatMean, StatMedian, StatMax, StatMin},
				Relative: true,
			},
			{
				Name: "course_len", GroupBy: []string{"course_len", "race_type"},
				Windows: groupedWindows, Metrics: groupedMetrics,
				Stats: []Stat{StatMean, StatMin}, Relative: true,
			},
			{
				Name: "ground_state_race_type", GroupBy: []string{"ground_state", "race_type"},
				Windows: groupedWindows, Metrics: groupedMetrics,
				Stats: []Stat{StatMean, StatMax, StatMin}, Relative: true,
			},
			{
				Name: "race_class", GroupBy: []string{"race_class"},
				Windows: groupedWindows, Metrics: groupedMetrics,
				Stats: []Stat{StatMean, StatMax, StatMin}, Relative: true,
			},
			{
				Name: "race_type", GroupBy: []string{"race_type"},
				Windows: groupedWindows, Metrics: groupedMetrics,
				Stats: []Stat{StatMean, StatMax, StatMin}, Relative: true,
			},
		},
		Entities:    EntityOptions{Jockey: true, Trainer: true, Sire: true},
		Cross:       DefaultCrossConfig(),
		Interval:    true,
		Parallelism: 4,
	}
}

// RequiredTables lists the input tables the options need.
func (o Options) RequiredTables() []string {
	names := []string{TableResults, TableRaceInfo, TableHorseResults}
	if o.Entities.Jockey {
		names = append(names, TableJockeyLeading)
	}
	if o.Entities.Trainer {
		names = append(names, TableTrainerLeading)
	}
	if o.Entities.Sire || o.Entities.BMS {
		names = append(names, TablePeds)
	}
	if o.Entities.Sire {
		names = append(names, TableSireLeading)
	}
	if o.Entities.BMS {
		names = append(names, TableBMSLeading)
	}
	return names
}

// Validate checks every aggregation spec.
func (o Options) Validate() error {
	for _, a := range o.Aggregations {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Creator builds feature tables for populations drawn from one set of
// inputs. It is safe for concurrent use.
type Creator struct {
	in      *Inputs
	opts    Options
	history *HistoryIndex
	log     *slog.Logger
}

// NewCreator validates the inputs and indexes the race history.
func NewCreator(in *Inputs, opts Options) (*Creator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	required := map[string]*tables.Frame{
		TableResults:      in.Results,
		TableRaceInfo:     in.RaceInfo,
		TableHorseResults: in.HorseResults,
	}
	if opts.Entities.Jockey {
		required[TableJockeyLeading] = in.JockeyLeading
	}
	if opts.Entities.Trainer {
		required[TableTrainerLeading] = in.TrainerLeading
	}
	if opts.Entities.Sire {
		required[TablePeds] = in.Peds
		required[TableSireLeading] = in.SireLeading
	}
	if opts.Entities.BMS {
		required[TablePeds] = in.Peds
		required[TableBMSLeading] = in.BMSLeading
	}
	for name, f := range required {
		if f == nil {
			return nil, &tables.SchemaError{Table: name, Row: -1, Reason: "table not loaded"}
		}
	}

	history, err := NewHistoryIndex(in.HorseResults)
	if err != nil {
		return nil, err
	}
	log := slog.With("component", "features")
	log.Debug("history indexed", "horses", history.Horses())
	return &Creator{
		in:      in,
		opts:    opts,
		history: history,
		log:     log,
	}, nil
}

type familyTask struct {
	name string
	run  func() (*tables.Frame, error)
}

// Create builds the feature table for pop. Families are computed
// concurrently from one shared base log and merged in a fixed order.
func (c *Creator) Create(ctx context.Context, pop Population) (*tables.Frame, error) {
	if err := pop.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	bl := BuildBaseLog(pop, c.history)

	tasks := c.tasks(pop, bl)
	families := make([]Family, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	if c.opts.Parallelism > 0 {
		g.SetLimit(c.opts.Parallelism)
	}
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t0 := time.Now()
			f, err := t.run()
			if err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			families[i] = Family{Name: t.name, Frame: f}
			c.log.Debug("family built", "family", t.name, "columns", len(f.Columns())-2,
				"duration_ms", time.Since(t0).Milliseconds())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out, err := Assemble(pop, c.in.Results, c.in.RaceInfo, families...)
	if err != nil {
		return nil, err
	}
	if out, err = Project(out, c.opts.Columns); err != nil {
		return nil, err
	}

	c.log.Info("features created",
		"rows", out.Len(),
		"columns", len(out.Columns()),
		"families", len(families),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (c *Creator) tasks(pop Population, bl *BaseLog) []familyTask {
	var tasks []familyTask
	for _, spec := range c.opts.Aggregations {
		spec := spec
		tasks = append(tasks, familyTask{
			name: spec.Label(),
			run:  func() (*tables.Frame, error) { return Aggregate(bl, c.in.RaceInfo, spec) },
		})
	}
	if c.opts.Interval {
		tasks = append(tasks, familyTask{name: "interval", run: func() (*tables.Frame, error) {
			return Intervals(bl)
		}})
	}
	if c.opts.Entities.Jockey {
		tasks = append(tasks, familyTask{name: "jockey", run: func() (*tables.Frame, error) {
			return JoinLeading(pop, c.in.Results, c.in.JockeyLeading, "jockey")
		}})
	}
	if c.opts.Entities.Trainer {
		tasks = append(tasks, familyTask{name: "trainer", run: func() (*tables.Frame, error) {
			return JoinLeading(pop, c.in.Results, c.in.TrainerLeading, "trainer")
		}})
	}
	if c.opts.Entities.Sire {
		tasks = append(tasks, familyTask{name: "sire", run: func() (*tables.Frame, error) {
			return JoinSireLeading(pop, c.in.RaceInfo, c.in.Peds, c.in.SireLeading, Sire)
		}})
	}
	if c.opts.Entities.BMS {
		tasks = append(tasks, familyTask{name: "bms", run: func() (*tables.Frame, error) {
			return JoinSireLeading(pop, c.in.RaceInfo, c.in.Peds, c.in.BMSLeading, BMS)
		}})
	}
	tasks = append(tasks, familyTask{name: "cross_features", run: func() (*tables.Frame, error) {
		return CrossFeatures(pop, c.in.Results, c.in.RaceInfo, c.opts.Cross)
	}})
	return tasks
}
