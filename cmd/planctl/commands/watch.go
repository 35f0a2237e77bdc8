package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plansession/pkg/config"
	"github.com/openfroyo/plansession/pkg/errorsink"
	"github.com/openfroyo/plansession/pkg/plan"
)

func newWatchCommand(flags *globalFlags, version string) *cobra.Command {
	var overrides sessionFlags

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the plan whenever the config file changes",
		Long: `Keep a plan session open and re-run the plan every time the options in the
config file change. Bursts of edits are collapsed by the session's debounced
run invoker, so only the latest options reach the backend.

A failed run does not end the command: the next change resets the session
and runs again. Stop with Ctrl-C.`,
		Example: `  planctl watch --config planctl.yaml --env dev`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.configPath == "" {
				return fmt.Errorf("watch requires --config")
			}
			ctx := cmd.Context()

			rt, err := newSessionRuntime(ctx, flags, overrides, version, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			go rerun(ctx, rt)

			w, err := config.WatchOptions(ctx, flags.configPath, 0, rt.logger, func(opts plan.Options) {
				if err := rt.session.SetOptions(opts); err != nil {
					rt.logger.Error().Err(err).Msg("Rejected plan options")
					return
				}
				go rerun(ctx, rt)
			})
			if err != nil {
				return err
			}
			defer w.Close()

			<-ctx.Done()
			rt.interrupt()
			return nil
		},
	}

	cmd.Flags().StringVarP(&overrides.environment, "env", "e", "", "environment to plan (overrides session.environment.name)")
	cmd.Flags().StringVar(&overrides.start, "start", "", "start of the plan date range")
	cmd.Flags().StringVar(&overrides.end, "end", "", "end of the plan date range")

	return cmd
}

// rerun runs the plan, resetting a session that is blocked by an earlier
// failure first.
func rerun(ctx context.Context, rt *sessionRuntime) {
	err := rt.session.Run(ctx)
	if errors.Is(err, plan.ErrActionBlocked) {
		rt.errors.RemoveError(errorsink.KeyRunPlan)
		rt.errors.RemoveError(errorsink.KeyApplyPlan)
		if rerr := rt.session.Reset(); rerr != nil {
			rt.logger.Error().Err(rerr).Msg("Failed to reset session")
			return
		}
		err = rt.session.Run(ctx)
	}

	switch {
	case err == nil:
	case errors.Is(err, plan.ErrOperationInFlight):
		rt.logger.Info().Msg("Operation in flight, change ignored")
	case ctx.Err() != nil:
	default:
		rt.logger.Error().Err(err).Msg("Plan run failed")
	}
}
