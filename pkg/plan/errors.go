package plan

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a plan error.
type ErrorClass string

const (
	// ErrorClassSuperseded indicates a request was aborted because a newer
	// one replaced it. Always benign and never surfaced to the user.
	ErrorClassSuperseded ErrorClass = "superseded"

	// ErrorClassOperational indicates the backend rejected a run, apply or
	// cancel.
	ErrorClassOperational ErrorClass = "operational"

	// ErrorClassFatal indicates an error recorded by an unrelated subsystem.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassInvalid indicates a mutator was called in a state that does
	// not allow it.
	ErrorClassInvalid ErrorClass = "invalid"
)

// Error codes.
const (
	CodeSuperseded       = "SUPERSEDED"
	CodeOperationFailed  = "OPERATION_FAILED"
	CodeInvalidCancel    = "INVALID_CANCEL"
	CodeOperationBusy    = "OPERATION_IN_FLIGHT"
	CodeActionBlocked    = "ACTION_BLOCKED"
	CodeSessionClosed    = "SESSION_CLOSED"
	CodeSessionStarted   = "SESSION_STARTED"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
)

// Error is a classified plan error.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code identifies the error for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Operation is the operation that produced the error, if any.
	Operation Operation `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("[%s] %s (operation=%s)", e.Class, e.Message, e.Operation)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors with the same class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Sentinel errors. Compare with errors.Is.
var (
	ErrSuperseded = &Error{
		Class:   ErrorClassSuperseded,
		Code:    CodeSuperseded,
		Message: "request superseded",
	}
	ErrInvalidCancel = &Error{
		Class:   ErrorClassInvalid,
		Code:    CodeInvalidCancel,
		Message: "cancel is only valid while running or applying",
	}
	ErrOperationInFlight = &Error{
		Class:   ErrorClassInvalid,
		Code:    CodeOperationBusy,
		Message: "another operation is in flight",
	}
	ErrActionBlocked = &Error{
		Class:   ErrorClassInvalid,
		Code:    CodeActionBlocked,
		Message: "action not available",
	}
	ErrSessionClosed = &Error{
		Class:   ErrorClassInvalid,
		Code:    CodeSessionClosed,
		Message: "session closed",
	}
	ErrSessionStarted = &Error{
		Class:   ErrorClassInvalid,
		Code:    CodeSessionStarted,
		Message: "session already started",
	}
)

// NewSupersededError wraps cause as a superseded error for op.
func NewSupersededError(op Operation, cause error) *Error {
	return &Error{
		Class:     ErrorClassSuperseded,
		Code:      CodeSuperseded,
		Message:   "request superseded",
		Operation: op,
		Err:       cause,
	}
}

// NewOperationalError wraps a genuine backend failure of op.
func NewOperationalError(op Operation, message string, cause error) *Error {
	return &Error{
		Class:     ErrorClassOperational,
		Code:      CodeOperationFailed,
		Message:   message,
		Operation: op,
		Err:       cause,
	}
}

// NewFatalError wraps an error recorded by another subsystem.
func NewFatalError(message string, cause error) *Error {
	return &Error{
		Class:   ErrorClassFatal,
		Code:    CodeOperationFailed,
		Message: message,
		Err:     cause,
	}
}

func invalid(sentinel *Error, op Operation, detail string) *Error {
	return &Error{
		Class:     sentinel.Class,
		Code:      sentinel.Code,
		Message:   sentinel.Message + ": " + detail,
		Operation: op,
	}
}

// IsSuperseded returns true if err means "request superseded" rather than
// "request failed". Context cancellation counts as superseded; deadline
// expiry does not.
func IsSuperseded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassSuperseded
	}
	return false
}

// Classify maps an operation error to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case IsSuperseded(err):
		return OutcomeSuperseded
	default:
		return OutcomeFailed
	}
}
