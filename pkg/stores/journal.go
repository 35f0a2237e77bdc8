package stores

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plansession/pkg/plan"
)

// DefaultJournalBuffer is the number of entries a Journal queues before it
// starts dropping.
const DefaultJournalBuffer = 256

// Journal appends session transitions and operation outcomes to a Store.
// It is a plan.Observer: calls never block, entries are written by a single
// background writer in arrival order.
type Journal struct {
	store  Store
	logger zerolog.Logger

	queue chan journalEntry
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

type journalEntry struct {
	session    *SessionRecord
	closeID    string
	closeAt    time.Time
	transition *TransitionEntry
	operation  *OperationEntry
}

var _ plan.Observer = (*Journal)(nil)

// NewJournal starts a journal writing to store.
func NewJournal(store Store, buffer int, logger zerolog.Logger) *Journal {
	if buffer <= 0 {
		buffer = DefaultJournalBuffer
	}
	j := &Journal{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
		queue:  make(chan journalEntry, buffer),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

// RecordSession writes the session header. Call it once the session exists.
func (j *Journal) RecordSession(id, environment string) {
	j.enqueue(journalEntry{session: &SessionRecord{
		ID:          id,
		Environment: environment,
		StartedAt:   time.Now(),
	}})
}

// OnTransition implements plan.Observer.
func (j *Journal) OnTransition(t plan.Transition) {
	j.enqueue(journalEntry{transition: &TransitionEntry{
		ID:         uuid.NewString(),
		SessionID:  t.SessionID,
		Kind:       string(t.Kind),
		From:       t.From,
		To:         t.To,
		OccurredAt: t.At,
	}})
}

// OnOperation implements plan.Observer. A close operation also stamps the
// session header.
func (j *Journal) OnOperation(rec plan.OperationRecord) {
	entry := &OperationEntry{
		ID:         uuid.NewString(),
		SessionID:  rec.SessionID,
		Operation:  string(rec.Operation),
		Outcome:    string(rec.Outcome),
		DurationMs: rec.Duration.Milliseconds(),
		OccurredAt: rec.At,
	}
	if rec.Err != nil {
		msg := rec.Err.Error()
		entry.Error = &msg
	}
	if rec.ErrorKey != "" {
		key := string(rec.ErrorKey)
		entry.ErrorKey = &key
	}
	j.enqueue(journalEntry{operation: entry})

	if rec.Operation == plan.OperationClose {
		j.enqueue(journalEntry{closeID: rec.SessionID, closeAt: rec.At})
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (j *Journal) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Close stops accepting entries and waits for queued ones to be written or
// for ctx to be done.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) enqueue(e journalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		j.dropped++
		j.logger.Warn().Int("dropped", j.dropped).Msg("Audit queue full, entry dropped")
	}
}

func (j *Journal) run() {
	defer close(j.done)
	ctx := context.Background()

	for e := range j.queue {
		var err error
		switch {
		case e.session != nil:
			err = j.store.CreateSession(ctx, e.session)
		case e.transition != nil:
			err = j.store.AppendTransition(ctx, e.transition)
		case e.operation != nil:
			err = j.store.AppendOperation(ctx, e.operation)
		case e.closeID != "":
			err = j.store.CloseSession(ctx, e.closeID, e.closeAt)
		}
		if err != nil {
			j.logger.Error().Err(err).Msg("Failed to write audit entry")
		}
	}
}
