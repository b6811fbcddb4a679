package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/keiba-yosoku/feature-builder/internal/builder"
	"github.com/keiba-yosoku/feature-builder/internal/source"
	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

var populationOut string

func init() {
	populationCmd.Flags().StringVarP(&populationOut, "out", "o", "", "Write the population TSV here instead of stdout.")
	rootCmd.AddCommand(populationCmd)
}

var populationCmd = &cobra.Command{
	Use:   "population [--out <path>]",
	Short: "Prints the (race_id, date, horse_id) population for the configured range.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		src, err := source.NewTableSource(ctx, cfg.TableSource())
		if err != nil {
			return fmt.Errorf("create source: %w", err)
		}
		defer src.Close()

		in, err := builder.LoadInputs(ctx, src, cfg.Features, cfg.Run.PopulationTable)
		if err != nil {
			return err
		}
		pop, err := builder.Population(in, cfg.Run.From.Time, cfg.Run.To.Time)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if populationOut != "" {
			f, err := os.Create(populationOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return tables.WriteTSV(w, pop.Frame())
	},
}
