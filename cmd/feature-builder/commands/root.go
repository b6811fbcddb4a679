// Package commands implements the feature-builder CLI.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keiba-yosoku/feature-builder/internal/config"
	"github.com/keiba-yosoku/feature-builder/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "feature-builder",
	Short:         "feature-builder computes leakage-safe race features from historical race tables.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file.")
}

// ExecuteContext runs the CLI and exits non-zero on failure.
func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logger())
	return cfg, nil
}
