package plan

// Flags are the inputs of the derived action.
type Flags struct {
	State            State
	IsPlanRan        bool
	IsInitial        bool
	HasChanges       bool
	HasBackfills     bool
	HasVirtualUpdate bool
}

// NextAction resolves the action offered for f. It returns false when the
// current action must be kept, either because an operation owns it or because
// an initial environment has not been planned yet.
func NextAction(f Flags) (Action, bool) {
	if !f.IsPlanRan && f.IsInitial {
		return "", false
	}
	if f.State.IsInFlight() {
		return "", false
	}

	switch {
	case !f.IsPlanRan:
		return ActionRun, true
	case (!f.HasChanges && !f.HasBackfills && !f.HasVirtualUpdate) || f.State == StateFinished:
		return ActionDone, true
	case f.State == StateFailed:
		return ActionNone, true
	default:
		return ActionApply, true
	}
}

// derivedInputs are the fields whose change re-derives the action.
type derivedInputs struct {
	state            State
	isPlanRan        bool
	hasChanges       bool
	hasBackfills     bool
	hasVirtualUpdate bool
}

func (s *Session) flagsLocked() Flags {
	return Flags{
		State:            s.state,
		IsPlanRan:        s.isPlanRan,
		IsInitial:        s.env.IsInitial,
		HasChanges:       s.changes.HasChanges(),
		HasBackfills:     len(s.backfills) > 0,
		HasVirtualUpdate: s.changes.HasVirtualUpdate(),
	}
}

// deriveLocked re-derives the action if one of its inputs changed since the
// last derivation.
func (s *Session) deriveLocked() {
	f := s.flagsLocked()
	in := derivedInputs{
		state:            f.State,
		isPlanRan:        f.IsPlanRan,
		hasChanges:       f.HasChanges,
		hasBackfills:     f.HasBackfills,
		hasVirtualUpdate: f.HasVirtualUpdate,
	}
	if in == s.derived {
		return
	}
	s.derived = in

	if next, ok := NextAction(f); ok {
		s.setActionLocked(next)
	}
}
