package plan

import (
	"context"

	"github.com/openfroyo/plansession/pkg/channel"
	"github.com/openfroyo/plansession/pkg/errorsink"
)

// Backend issues plan operations against the server that computes and applies
// plans. Implementations must return an error satisfying IsSuperseded when the
// request was aborted through its context.
type Backend interface {
	// RunPlan computes the diff for req.
	RunPlan(ctx context.Context, req RunRequest) (*RunResult, error)

	// ApplyPlan commits the plan described by req.
	ApplyPlan(ctx context.Context, req ApplyRequest) (*ApplyResult, error)

	// CancelRun asks the server to abort the run in progress.
	CancelRun(ctx context.Context) error

	// CancelApply asks the server to abort the apply in progress.
	CancelApply(ctx context.Context) error
}

// Channel is the subscribe side of the event channel.
type Channel interface {
	Subscribe(topic string, handler channel.Handler) channel.Subscription
}

// ErrorSink receives operation failures under stable keys.
type ErrorSink interface {
	AddError(key errorsink.Key, err error)
	RemoveError(key errorsink.Key)
	Len() int
	OnChange(fn errorsink.Observer) (cancel func())
}

// Observer receives session transitions and operation outcomes. Observers are
// called without any session lock held and must not block.
type Observer interface {
	OnTransition(t Transition)
	OnOperation(rec OperationRecord)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Transition func(Transition)
	Operation  func(OperationRecord)
}

// OnTransition implements Observer.
func (o ObserverFuncs) OnTransition(t Transition) {
	if o.Transition != nil {
		o.Transition(t)
	}
}

// OnOperation implements Observer.
func (o ObserverFuncs) OnOperation(rec OperationRecord) {
	if o.Operation != nil {
		o.Operation(rec)
	}
}
