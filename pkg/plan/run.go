package plan

import (
	"context"
	"time"

	"github.com/openfroyo/plansession/pkg/errorsink"
)

// Run computes the plan through the debounced run invoker. Calls made while
// the run is still waiting for its debounce window join it and observe the
// same outcome; only the latest caller resolves the session. Once the backend
// call has been issued, Run fails with ErrOperationInFlight until it resolves.
//
// A superseded run returns nil and leaves the session untouched. A genuine
// failure is recorded under errorsink.KeyRunPlan and returned. If ctx ends
// before the backend answers, the run is dropped, the session settles back to
// init and Run returns ctx.Err(). With auto_apply set, a successful run chains
// into Apply and Run returns the apply outcome.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "plan.run")

	s.mu.Lock()
	if err := s.gateRunLocked(); err != nil {
		s.mu.Unlock()
		endSpan(span, err)
		return err
	}
	joining := s.action == ActionRunning
	c, ok := s.runner.schedule(ctx, s.runRequestLocked(), joining)
	if !ok {
		s.mu.Unlock()
		err := invalid(ErrOperationInFlight, OperationRun, "backend run in flight")
		endSpan(span, err)
		return err
	}
	s.clearTestsLocked()
	s.setActionLocked(ActionRunning)
	s.setStateLocked(StateRunning)
	s.opSeq++
	token := s.opSeq
	s.unlock()

	res, err := s.runner.wait(ctx, c)

	s.mu.Lock()
	if token == s.opSeq && !s.closed && err != nil && ctx.Err() != nil {
		s.settleAbandonedLocked()
		s.unlock()
		s.logger.Warn().Err(ctx.Err()).Msg("Plan run abandoned by caller")
		s.recordOperation(OperationRun, start, ctx.Err(), "")
		endSpan(span, ctx.Err())
		return ctx.Err()
	}
	if token != s.opSeq || s.closed {
		s.mu.Unlock()
		s.logger.Debug().Err(err).Msg("Run completion ignored, superseded")
		s.recordOperation(OperationRun, start, ErrSuperseded, "")
		endSpan(span, ErrSuperseded)
		if err != nil && !IsSuperseded(err) {
			return err
		}
		return nil
	}

	if err != nil {
		s.mu.Unlock()
		if IsSuperseded(err) {
			s.logger.Debug().Err(err).Msg("Request aborted, superseded")
			s.recordOperation(OperationRun, start, err, "")
			endSpan(span, err)
			return nil
		}

		opErr := asOperational(OperationRun, "run plan failed", err)
		s.logger.Error().Err(err).Msg("Plan run failed")
		s.errors.AddError(errorsink.KeyRunPlan, opErr)
		s.recordOperation(OperationRun, start, opErr, errorsink.KeyRunPlan)
		endSpan(span, opErr)
		return opErr
	}

	if res == nil {
		res = &RunResult{}
	}
	s.backfills = append([]Backfill(nil), res.Backfills...)
	s.changes.merge(res.Changes)
	s.dateRange = DateRange{Start: res.Start, End: res.End}
	s.isPlanRan = true
	s.dirty = true
	s.setStateLocked(StateInit)

	s.logger.Info().
		Int("backfills", len(s.backfills)).
		Bool("has_changes", s.changes.HasChanges()).
		Bool("auto_apply", s.options.AutoApply).
		Msg("Plan run completed")

	if s.options.AutoApply {
		p := s.beginApplyLocked(ctx)
		s.unlock()
		s.recordOperation(OperationRun, start, nil, "")
		endSpan(span, nil)
		return s.executeApply(p)
	}

	s.setActionLocked(ActionRun)
	s.unlock()
	s.recordOperation(OperationRun, start, nil, "")
	endSpan(span, nil)
	return nil
}

// gateRunLocked allows a run from a resting action or while a run is
// running, in which case Run may only join a burst that has not fired yet.
func (s *Session) gateRunLocked() error {
	if s.closed {
		return s.closedError(OperationRun)
	}
	switch s.action {
	case ActionRun, ActionApply, ActionDone, ActionRunning:
		return nil
	case ActionNone:
		return invalid(ErrActionBlocked, OperationRun, "reset required")
	default:
		return invalid(ErrOperationInFlight, OperationRun, "action="+string(s.action))
	}
}

// settleAbandonedLocked drops the operation whose caller went away while it
// was still current. Nothing else is left to resolve it, so the session goes
// back to init and the action is derived again.
func (s *Session) settleAbandonedLocked() {
	s.opSeq++
	s.runner.Cancel()
	s.abortApplyLocked()
	s.setActionLocked(ActionRun)
	s.setStateLocked(StateInit)
}
