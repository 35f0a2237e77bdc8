package plan

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/plansession/pkg/channel"
	"github.com/openfroyo/plansession/pkg/errorsink"
)

// pendingApply carries an apply from the locked section that started it to
// the backend call.
type pendingApply struct {
	caller context.Context
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	req    ApplyRequest
	token  uint64
	start  time.Time
}

// Apply commits the computed plan. It is only offered once a run produced
// something to apply.
//
// A virtual apply finishes the session immediately. A physical apply leaves
// the session applying and subscribes the backfill progress feed until the
// apply is reported finished. A genuine failure resets the session and is
// recorded under errorsink.KeyApplyPlan. If ctx ends before the backend
// answers, the session settles back to init with apply offered again and
// Apply returns ctx.Err().
func (s *Session) Apply(ctx context.Context) error {
	s.mu.Lock()
	if err := s.gateLocked(OperationApply); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.action != ActionApply {
		action := s.action
		s.mu.Unlock()
		return invalid(ErrActionBlocked, OperationApply, "action="+string(action))
	}
	p := s.beginApplyLocked(ctx)
	s.unlock()

	return s.executeApply(p)
}

func (s *Session) beginApplyLocked(ctx context.Context) pendingApply {
	s.setActionLocked(ActionApplying)
	s.setStateLocked(StateApplying)
	s.clearTestsLocked()
	s.opSeq++
	s.abortApplyLocked()

	spanCtx, span := s.startSpan(ctx, "plan.apply")
	applyCtx, cancel := context.WithCancel(spanCtx)
	s.applyCancel = cancel

	return pendingApply{
		caller: ctx,
		ctx:    applyCtx,
		cancel: cancel,
		span:   span,
		req:    s.applyRequestLocked(),
		token:  s.opSeq,
		start:  time.Now(),
	}
}

func (s *Session) executeApply(p pendingApply) error {
	defer p.cancel()

	res, err := s.backend.ApplyPlan(p.ctx, p.req)

	s.mu.Lock()
	if p.token == s.opSeq && !s.closed && err != nil && p.caller.Err() != nil {
		s.applyCancel = nil
		s.settleAbandonedLocked()
		s.unlock()
		s.logger.Warn().Err(p.caller.Err()).Msg("Plan apply abandoned by caller, backend outcome unknown")
		s.recordOperation(OperationApply, p.start, p.caller.Err(), "")
		endSpan(p.span, p.caller.Err())
		return p.caller.Err()
	}
	if p.token != s.opSeq || s.closed {
		s.mu.Unlock()
		s.logger.Debug().Err(err).Msg("Apply completion ignored, superseded")
		s.recordOperation(OperationApply, p.start, ErrSuperseded, "")
		endSpan(p.span, ErrSuperseded)
		if err != nil && !IsSuperseded(err) {
			return err
		}
		return nil
	}

	if err != nil {
		s.mu.Unlock()
		if IsSuperseded(err) {
			s.logger.Debug().Err(err).Msg("Request aborted, superseded")
			s.recordOperation(OperationApply, p.start, err, "")
			endSpan(p.span, err)
			return nil
		}

		opErr := asOperational(OperationApply, "apply plan failed", err)
		s.logger.Error().Err(err).Msg("Plan apply failed")
		// The session is reset before the error is recorded so that the
		// failure observer has the last word on the state.
		if rerr := s.Reset(); rerr != nil {
			s.logger.Debug().Err(rerr).Msg("Reset after apply failure skipped")
		}
		s.errors.AddError(errorsink.KeyApplyPlan, opErr)
		s.recordOperation(OperationApply, p.start, opErr, errorsink.KeyApplyPlan)
		endSpan(p.span, opErr)
		return opErr
	}

	applyType := ApplyTypePhysical
	if res != nil && res.Type != "" {
		applyType = res.Type
	}
	p.span.SetAttributes(attribute.String("plan.apply_type", string(applyType)))

	s.applyCancel = nil
	if applyType == ApplyTypeVirtual {
		s.setStateLocked(StateFinished)
	} else {
		s.subscribeTasksLocked(p.token)
	}
	s.unlock()

	s.logger.Info().Str("type", string(applyType)).Msg("Plan apply accepted")
	s.recordOperation(OperationApply, p.start, nil, "")
	endSpan(p.span, nil)
	return nil
}

// subscribeTasksLocked starts the backfill progress feed of the apply
// identified by token.
func (s *Session) subscribeTasksLocked(token uint64) {
	s.stopTasksLocked()
	s.tasksSub = s.channel.Subscribe(channel.TopicTasks, func(payload json.RawMessage) {
		var progress BackfillProgress
		if err := json.Unmarshal(payload, &progress); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed tasks payload")
			return
		}
		s.setActivePlan(token, &progress)
	})
}

func (s *Session) stopTasksLocked() {
	if s.tasksSub != nil {
		s.tasksSub.Unsubscribe()
		s.tasksSub = nil
	}
}
