package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plansession/pkg/config"
	"github.com/openfroyo/plansession/pkg/stores"
)

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		limit     int
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show sessions recorded in the audit journal",
		Long: `List the plan sessions recorded in the audit journal, or with --session the
transitions and operation outcomes of one session.`,
		Example: `  planctl history --limit 10
  planctl history --session 6f1c2e0a-8d7e-4c4b-9a43-3c1f9f2b7d11`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(cfg.Audit.Store)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if sessionID == "" {
				sessions, err := store.ListSessions(ctx, limit, 0)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return json.NewEncoder(out).Encode(sessions)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tENVIRONMENT\tSTARTED\tCLOSED")
				for _, s := range sessions {
					closed := "-"
					if s.ClosedAt != nil {
						closed = s.ClosedAt.Local().Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Environment,
						s.StartedAt.Local().Format("2006-01-02 15:04:05"), closed)
				}
				return tw.Flush()
			}

			transitions, err := store.ListTransitions(ctx, sessionID)
			if err != nil {
				return err
			}
			ops, err := store.ListOperations(ctx, stores.OperationFilter{SessionID: sessionID, Limit: limit})
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"transitions": transitions,
					"operations":  ops,
				})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tFROM\tTO")
			for _, t := range transitions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.OccurredAt.Local().Format("15:04:05.000"), t.Kind, t.From, t.To)
			}
			fmt.Fprintln(tw, "\nTIME\tOPERATION\tOUTCOME\tDURATION\tERROR")
			for _, o := range ops {
				errMsg := ""
				if o.Error != nil {
					errMsg = *o.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n", o.OccurredAt.Local().Format("15:04:05.000"),
					o.Operation, o.Outcome, o.DurationMs, errMsg)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")
	cmd.Flags().StringVar(&sessionID, "session", "", "show the entries of one session")

	return cmd
}
