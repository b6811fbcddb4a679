package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keiba-yosoku/feature-builder/internal/builder"
	"github.com/keiba-yosoku/feature-builder/internal/era"
	"github.com/keiba-yosoku/feature-builder/internal/metrics"
	"github.com/keiba-yosoku/feature-builder/internal/source"
	"github.com/keiba-yosoku/feature-builder/internal/storage"
)

var runFlags struct {
	from      string
	to        string
	overwrite bool
	workers   int
}

func init() {
	runCmd.Flags().StringVar(&runFlags.from, "from", "", "First race date (YYYY-MM-DD), overrides run.from.")
	runCmd.Flags().StringVar(&runFlags.to, "to", "", "Last race date (YYYY-MM-DD), overrides run.to.")
	runCmd.Flags().BoolVar(&runFlags.overwrite, "overwrite", false, "Republish partitions built from different inputs.")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "Partition workers, overrides perf.workers.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--from YYYY-MM-DD] [--to YYYY-MM-DD]",
	Short: "Builds the feature table and publishes it to the configured store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runFlags.from != "" {
			if cfg.Run.From, err = era.ParseDay(runFlags.from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
		}
		if runFlags.to != "" {
			if cfg.Run.To, err = era.ParseDay(runFlags.to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
		}
		if runFlags.overwrite {
			cfg.Run.AllowOverwrite = true
		}
		if runFlags.workers > 0 {
			cfg.Perf.Workers = runFlags.workers
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		slog.Info("feature builder starting",
			"version", builder.Version,
			"git_sha", builder.GitSHA,
			"builder_id", cfg.Run.BuilderID,
		)

		m := metrics.Init("feature_builder")
		if mc := cfg.MetricsServer(); mc.Enabled {
			go func() {
				slog.Info("metrics server listening", "address", mc.Address)
				if err := metrics.StartServer(ctx, mc.Address, m); err != nil {
					slog.Error("metrics server failed", "error", err)
				}
			}()
		}

		src, err := source.NewTableSource(ctx, cfg.TableSource())
		if err != nil {
			return fmt.Errorf("create source: %w", err)
		}
		defer src.Close()

		store, err := storage.NewAtomicStore(ctx, cfg.StorageBackend())
		if err != nil {
			return fmt.Errorf("create storage: %w", err)
		}
		defer store.Close()

		b, err := builder.New(ctx, cfg, builder.Deps{Source: src, Store: store})
		if err != nil {
			return err
		}
		defer b.Close()

		summary, err := b.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("shutdown complete")
				return nil
			}
			return fmt.Errorf("build failed: %w", err)
		}

		if summary.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "up to date: %s\n", store.URI(summary.OutputKey))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows x %d columns in %d partitions (%d reused) to %s\n",
			summary.Rows, summary.Columns, summary.Partitions, summary.PartitionsReused,
			store.URI(summary.OutputKey))
		if summary.RowsExcluded > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "excluded %d population rows dated in inactive eras\n", summary.RowsExcluded)
		}
		return nil
	},
}
