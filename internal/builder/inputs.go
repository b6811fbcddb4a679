package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/metrics"
	"github.com/keiba-yosoku/feature-builder/internal/source"
	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// optionsKey names the feature options entry in the fingerprint.
const optionsKey = "_options"

// LoadedInputs holds the parsed input tables and their fingerprint.
type LoadedInputs struct {
	Inputs      *features.Inputs
	Population  *tables.Frame // nil unless a population table was loaded
	Checksums   map[string]string
	Fingerprint string
}

// LoadInputs reads the tables opts needs, plus populationTable when set,
// from src concurrently. Each is parsed against its schema and the raw
// bytes are fingerprinted together with opts.
func LoadInputs(ctx context.Context, src source.TableSource, opts features.Options, populationTable string) (*LoadedInputs, error) {
	names := inputTables(opts, populationTable)
	var (
		mu     sync.Mutex
		frames = make(map[string]*tables.Frame, len(names))
		sums   = make(map[string]string, len(names)+1)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, name := range names {
		name := name
		g.Go(func() error {
			start := time.Now()
			data, err := src.ReadTable(gctx, name)
			if err != nil {
				if m := metrics.Get(); m != nil {
					m.IncSourceErrors(metrics.Labels{Table: name})
				}
				return fmt.Errorf("read table %s: %w", name, err)
			}
			schema, ok := features.Schemas[name]
			if !ok && name == populationTable {
				schema = features.Schemas[features.TablePopulation]
				schema.Table = name
			} else if !ok {
				schema = tables.Schema{Table: name}
			}
			f, err := tables.ReadTSV(bytes.NewReader(data), schema)
			if err != nil {
				return fmt.Errorf("parse table %s: %w", name, err)
			}
			if m := metrics.Get(); m != nil {
				m.ObserveInputLoadDuration(metrics.Labels{Table: name}, time.Since(start).Seconds())
			}

			mu.Lock()
			frames[name] = f
			sums[name] = tables.ComputeChecksum(data)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	optBytes, err := yaml.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode feature options: %w", err)
	}
	sums[optionsKey] = tables.ComputeChecksum(optBytes)

	return &LoadedInputs{
		Inputs: &features.Inputs{
			Results:        frames[features.TableResults],
			RaceInfo:       frames[features.TableRaceInfo],
			HorseResults:   frames[features.TableHorseResults],
			JockeyLeading:  frames[features.TableJockeyLeading],
			TrainerLeading: frames[features.TableTrainerLeading],
			Peds:           frames[features.TablePeds],
			SireLeading:    frames[features.TableSireLeading],
			BMSLeading:     frames[features.TableBMSLeading],
		},
		Population:  frames[populationTable],
		Checksums:   sums,
		Fingerprint: tables.Fingerprint(sums),
	}, nil
}

// inputTables lists what a run needs: the feature tables plus the
// population table when one is configured.
func inputTables(opts features.Options, populationTable string) []string {
	names := opts.RequiredTables()
	if populationTable != "" {
		names = append(names, populationTable)
	}
	return names
}

// Population returns the run's population: the population table
// restricted to whichever of from and to are set, or a population built
// from race_info and results over [from, to].
func Population(in *LoadedInputs, from, to time.Time) (features.Population, error) {
	if in.Population != nil {
		pop, err := features.PopulationFromFrame(in.Population)
		if err != nil {
			return nil, err
		}
		lo, hi := pop.DateRange()
		if !from.IsZero() {
			lo = from
		}
		if !to.IsZero() {
			hi = to
		}
		return pop.Between(lo, hi), nil
	}
	if from.IsZero() || to.IsZero() {
		return nil, errors.New("a date range is required to build the population")
	}
	return features.BuildPopulation(in.Inputs.RaceInfo, in.Inputs.Results, from, to)
}
