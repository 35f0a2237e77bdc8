package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
	jsonOutput bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "planctl",
		Short: "planctl - plan session orchestrator",
		Long: `planctl drives plan sessions against a plan API.

A session runs a plan for an environment, shows the computed changes and
backfills, applies them on request and follows the backfill progress until
the backend reports the apply as finished.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPlanCommand(flags, version))
	rootCmd.AddCommand(newWatchCommand(flags, version))
	rootCmd.AddCommand(newHistoryCommand(flags))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
