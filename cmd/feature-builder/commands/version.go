package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keiba-yosoku/feature-builder/internal/builder"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints the build version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "feature-builder %s (%s)\n", builder.Version, builder.GitSHA)
		},
	})
}
