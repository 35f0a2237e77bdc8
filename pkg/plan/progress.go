package plan

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/plansession/pkg/channel"
)

// SetActivePlan records the backfill currently streaming. It is ignored
// unless the session is applying.
func (s *Session) SetActivePlan(progress *BackfillProgress) {
	s.mu.Lock()
	token := s.opSeq
	s.mu.Unlock()
	s.setActivePlan(token, progress)
}

func (s *Session) setActivePlan(token uint64, progress *BackfillProgress) {
	s.mu.Lock()
	if s.closed || token != s.opSeq || s.state != StateApplying {
		s.mu.Unlock()
		return
	}
	if progress != nil {
		p := *progress
		progress = &p
	}
	s.activePlan = progress
	s.dirty = true
	s.unlock()
}

// Finish marks the apply finished once its backfills completed. It is only
// valid while applying.
func (s *Session) Finish() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closedError(OperationApply)
	}
	if s.state != StateApplying {
		state := s.state
		s.mu.Unlock()
		return invalid(ErrActionBlocked, OperationApply, "finish requires applying, state="+string(state))
	}
	s.opSeq++
	s.stopTasksLocked()
	s.activePlan = nil
	s.dirty = true
	s.setStateLocked(StateFinished)
	s.unlock()

	s.logger.Info().Msg("Plan apply finished")
	return nil
}

// ReportObserver finishes an applying session when the backend reports the
// apply as finished.
type ReportObserver struct {
	session *Session
	logger  zerolog.Logger

	mu  sync.Mutex
	sub channel.Subscription
}

// NewReportObserver subscribes the report topic of ch on behalf of s.
func NewReportObserver(s *Session, ch Channel, logger zerolog.Logger) *ReportObserver {
	o := &ReportObserver{
		session: s,
		logger:  logger.With().Str("component", "report-observer").Str("session_id", s.ID()).Logger(),
	}
	o.sub = ch.Subscribe(channel.TopicReport, o.handle)
	return o
}

func (o *ReportObserver) handle(payload json.RawMessage) {
	var report PlanReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return
	}
	if report.Type != ReportTypeApply || report.Status != ReportStatusFinished {
		return
	}
	if err := o.session.Finish(); err != nil {
		o.logger.Debug().Err(err).Msg("Finished report ignored")
	}
}

// Close releases the report subscription.
func (o *ReportObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sub != nil {
		o.sub.Unsubscribe()
		o.sub = nil
	}
}
