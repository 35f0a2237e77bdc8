package plan

import (
	"time"

	"github.com/openfroyo/plansession/pkg/errorsink"
)

// Reset returns the session to its start baseline: the general error is
// cleared, the initial date range and default options are restored, every
// accumulator is emptied and the session is ready to run again. Any operation
// still in flight is superseded.
func (s *Session) Reset() error {
	start := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedError(OperationReset)
	}
	s.mu.Unlock()

	s.errors.RemoveError(errorsink.KeyGeneral)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedError(OperationReset)
	}
	s.setActionLocked(ActionResetting)
	s.opSeq++
	s.abortApplyLocked()
	s.runner.Cancel()
	s.cleanupLocked()
	s.setStateLocked(StateInit)
	s.setActionLocked(ActionRun)
	s.unlock()

	s.logger.Info().Msg("Plan session reset")
	s.recordOperation(OperationReset, start, nil, "")
	return nil
}

// Close ends the session: plan errors are cleared, the session is cleaned up
// like a reset (state and action are left as they are), the close callback is
// invoked and every subscription is released. Close is idempotent.
func (s *Session) Close() error {
	start := time.Now()
	closed := false

	s.closeOnce.Do(func() {
		closed = true

		s.errors.RemoveError(errorsink.KeyGeneral)
		s.errors.RemoveError(errorsink.KeyRunPlan)
		s.errors.RemoveError(errorsink.KeyApplyPlan)

		s.mu.Lock()
		if !s.closed {
			s.cleanupLocked()
		}
		s.unlock()

		if s.onClose != nil {
			s.onClose()
		}
		s.Shutdown()
	})

	if closed {
		s.logger.Info().Msg("Plan session closed")
		s.recordOperation(OperationClose, start, nil, "")
	}
	return nil
}

// Shutdown releases the session without cleaning it up: the debounced run is
// dropped, in-flight completions are ignored and all subscriptions are
// released. It is the single teardown path of Close and of cancellation of the
// Start context, and runs once.
func (s *Session) Shutdown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.opSeq++
		s.runner.Cancel()
		s.abortApplyLocked()
		s.stopTasksLocked()
		if s.testsSub != nil {
			s.testsSub.Unsubscribe()
			s.testsSub = nil
		}
		if s.reportSub != nil {
			s.reportSub.Unsubscribe()
			s.reportSub = nil
		}
		watch := s.errorsWatch
		s.errorsWatch = nil
		cancel := s.cancel
		s.mu.Unlock()

		if watch != nil {
			watch()
		}
		cancel()
		s.logger.Debug().Msg("Plan session released")
	})
}

// cleanupLocked empties every accumulator and restores the start baseline.
func (s *Session) cleanupLocked() {
	s.isPlanRan = false
	s.backfills = nil
	s.changes = Changes{}
	s.clearTestsLocked()
	s.dateRange = s.initial
	s.options = s.defaults
	if s.initialPlanRun {
		s.options = initialPlanRunOptions(s.options)
	}
	s.planReport = nil
	s.activePlan = nil
	s.stopTasksLocked()
	s.dirty = true
}
