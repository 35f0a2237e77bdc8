package plan

import (
	"encoding/json"
	"fmt"
)

// State is the backend-facing lifecycle phase of the current plan.
type State string

const (
	// StateInit indicates no operation is in flight. It is both the initial
	// state and the "ready to act" state after a successful run.
	StateInit State = "init"

	// StateRunning indicates a run (diff computation) is in flight.
	StateRunning State = "running"

	// StateApplying indicates an apply is in flight or its backfills are
	// still progressing.
	StateApplying State = "applying"

	// StateCancelling indicates a cancel request has been issued.
	StateCancelling State = "cancelling"

	// StateCancelled indicates the last operation was cancelled.
	StateCancelled State = "cancelled"

	// StateFailed indicates an error was recorded for the session.
	StateFailed State = "failed"

	// StateFinished indicates the apply completed.
	StateFinished State = "finished"
)

// IsInFlight returns true if an operation owns the session in this state.
func (s State) IsInFlight() bool {
	return s == StateRunning || s == StateApplying || s == StateCancelling
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateInit, StateRunning, StateApplying, StateCancelling,
		StateCancelled, StateFailed, StateFinished:
		return nil
	default:
		return fmt.Errorf("invalid plan state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}

// Action is the affordance offered to the user. It also gates re-entrancy:
// while an operation is in flight the action names that operation.
type Action string

const (
	// ActionNone blocks further actions until an explicit reset.
	ActionNone Action = "none"

	// ActionRun offers running the plan.
	ActionRun Action = "run"

	// ActionRunning indicates a run is in flight.
	ActionRunning Action = "running"

	// ActionApply offers applying the computed plan.
	ActionApply Action = "apply"

	// ActionApplying indicates an apply is in flight.
	ActionApplying Action = "applying"

	// ActionCancelling indicates a cancel request is in flight.
	ActionCancelling Action = "cancelling"

	// ActionResetting indicates the session is being reset.
	ActionResetting Action = "resetting"

	// ActionDone indicates there is nothing left to do.
	ActionDone Action = "done"
)

// IsInFlight returns true if the action marks an operation in progress.
func (a Action) IsInFlight() bool {
	switch a {
	case ActionRunning, ActionApplying, ActionCancelling, ActionResetting:
		return true
	}
	return false
}

// IsCancellable returns true if a cancel request is valid for this action.
func (a Action) IsCancellable() bool {
	return a == ActionRunning || a == ActionApplying
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionNone, ActionRun, ActionRunning, ActionApply, ActionApplying,
		ActionCancelling, ActionResetting, ActionDone:
		return nil
	default:
		return fmt.Errorf("invalid plan action: %s", a)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (a *Action) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = Action(str)
	return a.Validate()
}

// ApplyType reports what kind of work an apply performed.
type ApplyType string

const (
	// ApplyTypeVirtual is a metadata-only apply with no backfill.
	ApplyTypeVirtual ApplyType = "virtual"

	// ApplyTypePhysical is an apply whose backfills are reported through
	// the progress feed.
	ApplyTypePhysical ApplyType = "physical"
)
