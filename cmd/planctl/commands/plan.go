package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plansession/pkg/plan"
	"github.com/openfroyo/plansession/pkg/telemetry"
)

func newPlanCommand(flags *globalFlags, version string) *cobra.Command {
	var (
		overrides sessionFlags
		apply     bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Run a plan and optionally apply it",
		Long: `Run a plan for an environment and print the computed changes and backfills.

With --apply, or with options.auto_apply in the config file, the plan is
applied once the run succeeds. A physical apply is followed until the backend
reports it as finished. Interrupting the command cancels the run or apply in
flight.`,
		Example: `  # Plan the dev environment for January
  planctl plan --env dev --start 2024-01-01 --end 2024-01-31

  # Plan and apply, printing JSON events
  planctl plan --env dev --apply --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			rt, err := newSessionRuntime(ctx, flags, overrides, version, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, span := rt.tel.Tracer.StartCommandSpan(ctx, "plan", rt.cfg.Session.Environment.Name)
			defer span.End()
			span.SetAttributes(telemetry.AttrSessionID.String(rt.session.ID()))

			snap, err := runPlan(ctx, rt, apply)
			span.SetAttributes(telemetry.AttrOutcome.String(string(snap.State)))
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			if perr := rt.printer.summary(snap); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&overrides.environment, "env", "e", "", "environment to plan (overrides session.environment.name)")
	cmd.Flags().StringVar(&overrides.start, "start", "", "start of the plan date range")
	cmd.Flags().StringVar(&overrides.end, "end", "", "end of the plan date range")
	cmd.Flags().BoolVar(&overrides.initial, "initial-plan-run", false, "mark this as the first plan of the environment")
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the plan after a successful run")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort after this duration (0 waits indefinitely)")

	return cmd
}

// runPlan drives a session through run and, when requested, apply. It
// returns the last snapshot observed.
func runPlan(ctx context.Context, rt *sessionRuntime, apply bool) (plan.Snapshot, error) {
	s := rt.session

	if err := s.Run(ctx); err != nil {
		if ctx.Err() != nil {
			rt.interrupt()
			return s.Snapshot(), ctx.Err()
		}
		return s.Snapshot(), err
	}

	// The call may have joined or been superseded by the auto-run started
	// with the session. Wait until the session settles.
	snap, err := rt.waitFor(ctx, settled)
	if err != nil {
		rt.interrupt()
		return s.Snapshot(), err
	}

	if apply && snap.Action == plan.ActionApply {
		if err := s.Apply(ctx); err != nil {
			if ctx.Err() != nil {
				rt.interrupt()
				return s.Snapshot(), ctx.Err()
			}
			return s.Snapshot(), err
		}
		snap = s.Snapshot()
	} else if apply && snap.Action != plan.ActionApplying && snap.State != plan.StateApplying {
		rt.logger.Info().Str("action", string(snap.Action)).Msg("Nothing to apply")
	}

	if snap.State == plan.StateApplying {
		snap, err = rt.waitFor(ctx, func(snap plan.Snapshot) bool {
			return snap.State != plan.StateApplying
		})
		if err != nil {
			rt.interrupt()
			return s.Snapshot(), err
		}
	}

	if snap.State == plan.StateFailed {
		return snap, errors.New("plan session failed")
	}
	if snap.State == plan.StateCancelled {
		return snap, fmt.Errorf("plan %s", snap.State)
	}
	return snap, nil
}

func settled(snap plan.Snapshot) bool {
	if snap.State.IsInFlight() {
		return false
	}
	return snap.IsPlanRan || snap.State == plan.StateFailed || snap.State == plan.StateCancelled
}
