package plan

import (
	"context"
	"time"
)

// Cancel aborts the operation in flight. It is only valid while running or
// applying and fails fast with ErrInvalidCancel otherwise.
//
// Cancelling an apply calls the apply-cancel backend function, stops the
// progress feed and clears the active plan. Cancelling a run drops the pending
// debounced request and calls the run-cancel function. A genuine cancel
// failure resets the session; a superseded cancel changes nothing.
func (s *Session) Cancel(ctx context.Context) error {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "plan.cancel")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		err := s.closedError(OperationCancel)
		endSpan(span, err)
		return err
	}
	current := s.action
	if !current.IsCancellable() {
		s.mu.Unlock()
		err := invalid(ErrInvalidCancel, OperationCancel, "action="+string(current))
		endSpan(span, err)
		return err
	}

	s.clearTestsLocked()
	s.setStateLocked(StateCancelling)
	s.setActionLocked(ActionCancelling)
	s.opSeq++
	token := s.opSeq

	applying := current == ActionApplying
	if applying {
		s.abortApplyLocked()
		s.stopTasksLocked()
		if s.activePlan != nil {
			s.activePlan = nil
			s.dirty = true
		}
	} else {
		s.runner.Cancel()
	}
	s.unlock()

	var err error
	if applying {
		err = s.backend.CancelApply(ctx)
	} else {
		err = s.backend.CancelRun(ctx)
	}

	s.mu.Lock()
	if token != s.opSeq || s.closed {
		s.mu.Unlock()
		s.logger.Debug().Err(err).Msg("Cancel completion ignored, superseded")
		s.recordOperation(OperationCancel, start, ErrSuperseded, "")
		endSpan(span, ErrSuperseded)
		return nil
	}

	switch {
	case err == nil:
		s.setActionLocked(ActionRun)
		s.setStateLocked(StateCancelled)
		s.unlock()
		s.logger.Info().Bool("applying", applying).Msg("Plan operation cancelled")
		s.recordOperation(OperationCancel, start, nil, "")
		endSpan(span, nil)
		return nil

	case IsSuperseded(err):
		s.mu.Unlock()
		s.logger.Debug().Err(err).Msg("Request aborted, superseded")
		s.recordOperation(OperationCancel, start, err, "")
		endSpan(span, err)
		return nil

	default:
		s.mu.Unlock()
		opErr := asOperational(OperationCancel, "cancel failed", err)
		s.logger.Error().Err(err).Bool("applying", applying).Msg("Plan cancel failed, resetting session")
		if rerr := s.Reset(); rerr != nil {
			s.logger.Debug().Err(rerr).Msg("Reset after cancel failure skipped")
		}
		s.recordOperation(OperationCancel, start, opErr, "")
		endSpan(span, opErr)
		return opErr
	}
}
