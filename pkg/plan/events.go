package plan

import (
	"encoding/json"
)

// handleTests routes a tests payload by its ok flag.
func (s *Session) handleTests(payload json.RawMessage) {
	var report map[string]interface{}
	if err := json.Unmarshal(payload, &report); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed tests payload")
		return
	}
	ok, _ := report["ok"].(bool)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ok {
		s.testsMessages = s.testsMessages.merge(report)
	} else {
		s.testsErrors = s.testsErrors.merge(report)
	}
	s.dirty = true
	s.unlock()
}

// handleReport keeps the latest report payload.
func (s *Session) handleReport(payload json.RawMessage) {
	var report PlanReport
	if err := json.Unmarshal(payload, &report); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed report payload")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.planReport = &report
	s.dirty = true
	s.unlock()
}

// onErrors fails the session as soon as any error is recorded, whatever
// operation is in flight.
func (s *Session) onErrors(size int) {
	if size == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state.IsInFlight() {
		s.opSeq++
		s.runner.Cancel()
		s.abortApplyLocked()
	}
	s.stopTasksLocked()
	if s.activePlan != nil {
		s.activePlan = nil
		s.dirty = true
	}
	s.setStateLocked(StateFailed)
	s.unlock()

	s.logger.Warn().Int("errors", size).Msg("Errors recorded, plan session failed")
}
