package commands

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
					"go":         runtime.Version(),
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "planctl %s\n  commit: %s\n  built:  %s\n  go:     %s\n",
				version, commit, buildDate, runtime.Version())
			return err
		},
	}
}
