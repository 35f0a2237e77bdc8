package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plansession/pkg/errorsink"
	"github.com/openfroyo/plansession/pkg/plan"
)

func TestJournalWritesSessionHistory(t *testing.T) {
	store := setupTestStore(t)
	j := NewJournal(store, 0, zerolog.Nop())

	now := time.Now()
	j.RecordSession("s1", "dev")
	j.OnTransition(plan.Transition{SessionID: "s1", Kind: plan.TransitionAction, From: "run", To: "running", At: now})
	j.OnTransition(plan.Transition{SessionID: "s1", Kind: plan.TransitionState, From: "init", To: "running", At: now})
	j.OnOperation(plan.OperationRecord{
		SessionID: "s1",
		Operation: plan.OperationRun,
		Outcome:   plan.OutcomeFailed,
		Duration:  1500 * time.Millisecond,
		Err:       errors.New("backend rejected request"),
		ErrorKey:  errorsink.KeyRunPlan,
		At:        now,
	})
	j.OnOperation(plan.OperationRecord{SessionID: "s1", Operation: plan.OperationClose, Outcome: plan.OutcomeSucceeded, At: now})
	require.NoError(t, j.Close(context.Background()))

	ctx := context.Background()
	sess, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "dev", sess.Environment)
	require.NotNil(t, sess.ClosedAt)

	transitions, err := store.ListTransitions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "action", transitions[0].Kind)
	assert.Equal(t, "running", transitions[1].To)

	ops, err := store.ListOperations(ctx, OperationFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "failed", ops[0].Outcome)
	assert.Equal(t, int64(1500), ops[0].DurationMs)
	require.NotNil(t, ops[0].Error)
	assert.Equal(t, "backend rejected request", *ops[0].Error)
	require.NotNil(t, ops[0].ErrorKey)
	assert.Equal(t, string(errorsink.KeyRunPlan), *ops[0].ErrorKey)
	assert.Nil(t, ops[1].Error)
}

func TestJournalIgnoresEntriesAfterClose(t *testing.T) {
	store := setupTestStore(t)
	j := NewJournal(store, 4, zerolog.Nop())
	require.NoError(t, j.Close(context.Background()))
	require.NoError(t, j.Close(context.Background()))

	j.OnTransition(plan.Transition{SessionID: "s1", Kind: plan.TransitionState, From: "init", To: "running", At: time.Now()})

	transitions, err := store.ListTransitions(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

// blockingStore parks the writer until release is closed.
type blockingStore struct {
	*SQLiteStore
	release chan struct{}
}

func (b *blockingStore) AppendTransition(ctx context.Context, e *TransitionEntry) error {
	<-b.release
	return b.SQLiteStore.AppendTransition(ctx, e)
}

func TestJournalDropsWhenFull(t *testing.T) {
	store := &blockingStore{SQLiteStore: setupTestStore(t), release: make(chan struct{})}
	j := NewJournal(store, 1, zerolog.Nop())

	tr := plan.Transition{SessionID: "s1", Kind: plan.TransitionState, From: "init", To: "running", At: time.Now()}
	// One entry parks in the writer, one fills the queue, the rest are dropped.
	for i := 0; i < 5; i++ {
		j.OnTransition(tr)
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, j.Dropped(), 3)

	close(store.release)
	require.NoError(t, j.Close(context.Background()))
}
