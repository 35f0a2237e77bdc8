// Package plan orchestrates the lifecycle of a plan: the computed diff of
// pending changes to an environment that a user reviews and then applies.
//
// # State and action
//
// A Session owns two enums. State is the backend-facing phase of the plan
// (init, running, applying, cancelling, cancelled, failed, finished). Action is
// the affordance offered to the user and doubles as the re-entrancy gate: while
// an operation is in flight the action names it and other mutators are
// rejected.
//
// Outside Run, Apply, Cancel and Reset the action is only ever written by
// NextAction, which is re-evaluated whenever the state, the ran flag or the
// derived change flags move:
//
//	running/applying/cancelling  keep the action
//	never ran                    run
//	nothing to apply, finished   done
//	failed                       none (reset required)
//	otherwise                    apply
//
// # Operations
//
// Run goes through a Debouncer: calls within the quiet window collapse into a
// single backend request and every caller observes its outcome. Once that
// request is on its way a further Run is rejected until it resolves. A run or
// apply whose caller gives up before the backend answers is dropped and the
// session settles back to init. Each mutator
// takes a token when it starts; a completion whose token has been superseded
// by a later cancel, reset, failure or teardown is ignored, so a cancel racing
// a run completion never produces a double transition.
//
// Errors come in four classes. Superseded errors are swallowed where they
// occur. Operational failures are recorded in the error sink under a stable
// key. Any error recorded in the sink, from whatever subsystem, forces the
// session to failed and clears the active plan. Invalid calls, such as a
// cancel with nothing to cancel, fail fast.
//
// # Usage
//
//	s, err := plan.New(plan.Config{
//	    Environment:  plan.Environment{Name: "dev"},
//	    InitialRange: plan.DateRange{Start: "2023-01-01", End: "2023-01-07"},
//	    Backend:      client,
//	    Channel:      broker,
//	    Logger:       logger,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := s.Start(ctx); err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.Run(ctx); err != nil {
//	    return err
//	}
//	if s.Snapshot().Action == plan.ActionApply {
//	    err = s.Apply(ctx)
//	}
package plan
