package stores

import (
	"context"
	"time"
)

// SessionRecord is the journal header of one plan session.
type SessionRecord struct {
	ID          string     `json:"id"`
	Environment string     `json:"environment"`
	StartedAt   time.Time  `json:"started_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// TransitionEntry is a journaled state or action change.
type TransitionEntry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OperationEntry is a journaled operation outcome.
type OperationEntry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Operation  string    `json:"operation"`
	Outcome    string    `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	Error      *string   `json:"error,omitempty"`
	ErrorKey   *string   `json:"error_key,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OperationFilter narrows ListOperations. Zero fields match everything.
type OperationFilter struct {
	SessionID string
	Operation string
	Outcome   string
	Limit     int
	Offset    int
}

// Store is the audit journal persistence contract.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	CreateSession(ctx context.Context, rec *SessionRecord) error
	CloseSession(ctx context.Context, id string, at time.Time) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*SessionRecord, error)

	AppendTransition(ctx context.Context, entry *TransitionEntry) error
	ListTransitions(ctx context.Context, sessionID string) ([]*TransitionEntry, error)

	AppendOperation(ctx context.Context, entry *OperationEntry) error
	ListOperations(ctx context.Context, filter OperationFilter) ([]*OperationEntry, error)

	// PruneBefore deletes closed sessions and their entries older than t.
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}
