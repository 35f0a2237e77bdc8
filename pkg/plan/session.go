package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/plansession/pkg/channel"
	"github.com/openfroyo/plansession/pkg/errorsink"
)

const tracerName = "github.com/openfroyo/plansession/pkg/plan"

// Config configures a Session.
type Config struct {
	// Environment is the environment the session plans against.
	Environment Environment

	// InitialRange is the date range restored on start and on reset.
	InitialRange DateRange

	// InitialPlanRun marks the first plan ever computed for the environment.
	InitialPlanRun bool

	// Options are the plan options restored on reset.
	Options Options

	// DebounceWindow is the quiet period of the run invoker.
	DebounceWindow time.Duration

	// DebounceLeading lets the first run of a quiet period fire immediately.
	DebounceLeading bool

	// Backend executes plan operations. Required.
	Backend Backend

	// Channel delivers the tests, report and tasks topics. Required.
	Channel Channel

	// Errors receives operation failures. Defaults to a new errorsink.Sink.
	Errors ErrorSink

	// Observers receive transitions and operation outcomes.
	Observers []Observer

	// Tracer starts operation spans. Defaults to the global tracer provider.
	Tracer trace.Tracer

	// Logger is the parent logger of the session.
	Logger zerolog.Logger

	// OnClose is invoked by Close once the session has been cleaned up.
	OnClose func()
}

// Session orchestrates the run, apply and cancel operations of one plan.
//
// All mutable fields are guarded by mu. Calls into the error sink and into
// observers are made with mu released, since both may call back into the
// session.
type Session struct {
	id        string
	env       Environment
	initial   DateRange
	defaults  Options
	backend   Backend
	channel   Channel
	errors    ErrorSink
	observers []Observer
	tracer    trace.Tracer
	logger    zerolog.Logger
	onClose   func()
	validate  *validator.Validate
	runner    *Debouncer[RunRequest, *RunResult]

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	action         Action
	isPlanRan      bool
	initialPlanRun bool
	dateRange      DateRange
	options        Options
	backfills      []Backfill
	changes        Changes
	testsMessages  TestsReport
	testsErrors    TestsReport
	planReport     *PlanReport
	activePlan     *BackfillProgress

	// opSeq identifies the operation allowed to resolve the session. Any
	// completion carrying an older token is ignored.
	opSeq       uint64
	applyCancel context.CancelFunc

	testsSub    channel.Subscription
	reportSub   channel.Subscription
	tasksSub    channel.Subscription
	errorsWatch func()

	started bool
	closed  bool

	derived      derivedInputs
	events       []Transition
	dirty        bool
	listeners    map[int]func(Snapshot)
	nextListener int

	closeOnce    sync.Once
	teardownOnce sync.Once
}

// New creates a session. Nothing is subscribed until Start is called.
func New(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("plan: backend is required")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("plan: channel is required")
	}
	if cfg.Errors == nil {
		cfg.Errors = errorsink.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}

	validate := validator.New()
	if err := validate.Struct(cfg.Options); err != nil {
		return nil, fmt.Errorf("plan: invalid options: %w", err)
	}

	id := uuid.New().String()
	s := &Session{
		id:             id,
		env:            cfg.Environment,
		initial:        cfg.InitialRange,
		defaults:       cfg.Options,
		backend:        cfg.Backend,
		channel:        cfg.Channel,
		errors:         cfg.Errors,
		observers:      cfg.Observers,
		tracer:         cfg.Tracer,
		logger:         cfg.Logger.With().Str("component", "plan").Str("session_id", id).Logger(),
		onClose:        cfg.OnClose,
		validate:       validate,
		state:          StateInit,
		action:         ActionRun,
		initialPlanRun: cfg.InitialPlanRun,
		dateRange:      cfg.InitialRange,
		options:        cfg.Options,
		listeners:      make(map[int]func(Snapshot)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.runner = NewDebouncer(s.backend.RunPlan, DebounceOptions{
		Window:  cfg.DebounceWindow,
		Leading: cfg.DebounceLeading,
	})

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Start subscribes the event topics, restores the initial date range and
// triggers the first run for an initial default environment. The session
// lives until ctx is done, Close or Shutdown is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.started = true
	prev := s.cancel
	s.ctx, s.cancel = context.WithCancel(ctx)
	prev()
	lifetime := s.ctx

	s.testsSub = s.channel.Subscribe(channel.TopicTests, s.handleTests)
	s.reportSub = s.channel.Subscribe(channel.TopicReport, s.handleReport)

	s.dateRange = s.initial
	if s.initialPlanRun {
		s.options = initialPlanRunOptions(s.options)
	}
	s.dirty = true
	autoRun := s.env.IsInitial && s.env.IsDefault
	s.unlock()

	watch := s.errors.OnChange(s.onErrors)
	s.mu.Lock()
	s.errorsWatch = watch
	s.mu.Unlock()
	s.onErrors(s.errors.Len())

	go func() {
		<-lifetime.Done()
		s.Shutdown()
	}()

	s.logger.Info().
		Str("environment", s.env.Name).
		Bool("initial", s.env.IsInitial).
		Bool("default", s.env.IsDefault).
		Msg("Plan session started")

	if autoRun {
		go func() {
			if err := s.Run(lifetime); err != nil && lifetime.Err() == nil {
				s.logger.Error().Err(err).Msg("Initial plan run failed")
			}
		}()
	}

	return nil
}

// Snapshot returns a copy of the session data.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange registers fn to receive a snapshot after every change. The returned
// function removes the listener.
func (s *Session) OnChange(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// SetOptions validates and stores the plan options used by the next run.
func (s *Session) SetOptions(opts Options) error {
	if err := s.validate.Struct(opts); err != nil {
		return &Error{
			Class:   ErrorClassInvalid,
			Code:    CodeInvalidArguments,
			Message: "invalid plan options",
			Err:     err,
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.initialPlanRun {
		opts = initialPlanRunOptions(opts)
	}
	s.options = opts
	s.dirty = true
	s.unlock()
	return nil
}

// SetInitialPlanRun records whether the next plan is the first one of the
// environment. Setting it forces the options an initial plan requires.
func (s *Session) SetInitialPlanRun(initial bool) {
	s.mu.Lock()
	s.initialPlanRun = initial
	if initial {
		s.options = initialPlanRunOptions(s.options)
	}
	s.dirty = true
	s.unlock()
}

// unlock resolves the action for the current inputs, releases mu and then
// delivers the queued transitions and snapshot.
func (s *Session) unlock() {
	s.deriveLocked()

	events := s.events
	s.events = nil

	var snap Snapshot
	var listeners []func(Snapshot)
	if s.dirty && len(s.listeners) > 0 {
		snap = s.snapshotLocked()
		ids := make([]int, 0, len(s.listeners))
		for id := range s.listeners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			listeners = append(listeners, s.listeners[id])
		}
	}
	s.dirty = false
	s.mu.Unlock()

	for _, e := range events {
		for _, o := range s.observers {
			o.OnTransition(e)
		}
	}
	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}
	s.queueTransitionLocked(TransitionState, string(s.state), string(to))
	s.state = to
}

func (s *Session) setActionLocked(to Action) {
	if s.action == to {
		return
	}
	s.queueTransitionLocked(TransitionAction, string(s.action), string(to))
	s.action = to
}

func (s *Session) queueTransitionLocked(kind TransitionKind, from, to string) {
	s.events = append(s.events, Transition{
		SessionID: s.id,
		Kind:      kind,
		From:      from,
		To:        to,
		At:        time.Now(),
	})
	s.dirty = true
	s.logger.Debug().
		Str("kind", string(kind)).
		Str("from", from).
		Str("to", to).
		Msg("transition")
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:           s.id,
		State:               s.state,
		Action:              s.action,
		IsPlanRan:           s.isPlanRan,
		DateRange:           s.dateRange,
		Options:             s.options,
		Backfills:           append([]Backfill(nil), s.backfills...),
		Changes:             s.changes.clone(),
		TestsReportMessages: s.testsMessages.clone(),
		TestsReportErrors:   s.testsErrors.clone(),
		HasChanges:          s.changes.HasChanges(),
		HasBackfills:        len(s.backfills) > 0,
		HasVirtualUpdate:    s.changes.HasVirtualUpdate(),
		AutoApply:           s.options.AutoApply,
	}
	if s.planReport != nil {
		r := *s.planReport
		snap.PlanReport = &r
	}
	if s.activePlan != nil {
		p := *s.activePlan
		snap.ActivePlan = &p
	}
	return snap
}

func (s *Session) clearTestsLocked() {
	if s.testsMessages == nil && s.testsErrors == nil {
		return
	}
	s.testsMessages = nil
	s.testsErrors = nil
	s.dirty = true
}

func (s *Session) abortApplyLocked() {
	if s.applyCancel != nil {
		s.applyCancel()
		s.applyCancel = nil
	}
}

func (s *Session) runRequestLocked() RunRequest {
	return RunRequest{
		Environment:    s.env.Name,
		Start:          s.dateRange.Start,
		End:            s.dateRange.End,
		InitialPlanRun: s.initialPlanRun,
		Options:        s.options,
	}
}

func (s *Session) applyRequestLocked() ApplyRequest {
	return ApplyRequest{
		Environment:    s.env.Name,
		Start:          s.dateRange.Start,
		End:            s.dateRange.End,
		InitialPlanRun: s.initialPlanRun,
		Options:        s.options,
	}
}

func (s *Session) closedError(op Operation) error {
	return invalid(ErrSessionClosed, op, "session "+s.id)
}

// gateLocked rejects op while another operation owns the session.
func (s *Session) gateLocked(op Operation) error {
	if s.closed {
		return s.closedError(op)
	}
	if s.action.IsInFlight() {
		return invalid(ErrOperationInFlight, op, "action="+string(s.action))
	}
	return nil
}

func (s *Session) recordOperation(op Operation, start time.Time, err error, key errorsink.Key) {
	rec := OperationRecord{
		SessionID: s.id,
		Operation: op,
		Outcome:   Classify(err),
		Duration:  time.Since(start),
		Err:       err,
		At:        time.Now(),
		ErrorKey:  key,
	}
	for _, o := range s.observers {
		o.OnOperation(rec)
	}
}

func (s *Session) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("plan.session_id", s.id),
		attribute.String("plan.environment", s.env.Name),
	))
}

func endSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.String("plan.outcome", string(Classify(err))))
	if err != nil && !IsSuperseded(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// asOperational keeps classified backend errors and wraps anything else.
func asOperational(op Operation, message string, err error) *Error {
	var e *Error
	if errors.As(err, &e) && e.Class == ErrorClassOperational {
		if e.Operation == "" {
			c := *e
			c.Operation = op
			return &c
		}
		return e
	}
	return NewOperationalError(op, message, err)
}
