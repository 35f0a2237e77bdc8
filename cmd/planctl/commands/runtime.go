package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/plansession/pkg/backend"
	"github.com/openfroyo/plansession/pkg/channel"
	"github.com/openfroyo/plansession/pkg/config"
	"github.com/openfroyo/plansession/pkg/errorsink"
	"github.com/openfroyo/plansession/pkg/plan"
	"github.com/openfroyo/plansession/pkg/stores"
	"github.com/openfroyo/plansession/pkg/telemetry"
)

// sessionFlags override the session section of the config file.
type sessionFlags struct {
	environment string
	start       string
	end         string
	initial     bool
}

func (f sessionFlags) apply(cfg *config.Config) error {
	if f.environment != "" {
		cfg.Session.Environment.Name = f.environment
	}
	if f.start != "" {
		cfg.Session.DateRange.Start = f.start
	}
	if f.end != "" {
		cfg.Session.DateRange.End = f.end
	}
	if f.initial {
		cfg.Session.InitialPlanRun = true
	}
	return cfg.Validate()
}

// sessionRuntime owns everything a command needs to drive one plan session.
type sessionRuntime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	client  *backend.Client
	broker  *channel.Broker
	errors  *errorsink.Sink
	store   *stores.SQLiteStore
	journal *stores.Journal
	session *plan.Session
	reports *plan.ReportObserver
	printer *printer

	streaming  bool
	streamDone chan struct{}
	cancel     context.CancelFunc
}

// newSessionRuntime loads the config, wires telemetry, the backend client,
// the event stream and the audit journal, and starts a session.
func newSessionRuntime(ctx context.Context, flags *globalFlags, overrides sessionFlags, version string, out io.Writer) (*sessionRuntime, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := overrides.apply(cfg); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// The session outlives the command context so that an interrupt can still
	// cancel the operation in flight. Close ends it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &sessionRuntime{
		cfg:        cfg,
		tel:        tel,
		logger:     tel.Logger.WithEnvironment(cfg.Session.Environment.Name).Zerolog(),
		errors:     errorsink.New(),
		streamDone: make(chan struct{}),
		cancel:     cancel,
	}

	if err := tel.StartMetricsServer(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	rt.broker = channel.NewBroker(channel.DefaultConfig(), rt.logger)
	rt.client = backend.New(cfg.Backend, rt.logger)

	rt.printer = newPrinter(out, flags.jsonOutput)
	observers := append(tel.Observers(), rt.printer)
	if cfg.Audit.Enabled {
		if err := rt.openJournal(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		observers = append(observers, rt.journal)
	}

	session, err := plan.New(plan.Config{
		Environment:     cfg.Session.Environment,
		InitialRange:    cfg.Session.DateRange,
		InitialPlanRun:  cfg.Session.InitialPlanRun,
		Options:         cfg.Options,
		DebounceWindow:  cfg.Session.DebounceWindow,
		DebounceLeading: cfg.Session.DebounceLeading,
		Backend:         rt.client,
		Channel:         rt.broker,
		Errors:          rt.errors,
		Observers:       observers,
		Tracer:          tel.Tracer.Tracer(),
		Logger:          rt.logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.session = session
	rt.logger = tel.Logger.WithEnvironment(cfg.Session.Environment.Name).WithSessionID(session.ID()).Zerolog()
	if rt.journal != nil {
		rt.journal.RecordSession(session.ID(), cfg.Session.Environment.Name)
	}
	rt.reports = plan.NewReportObserver(session, rt.broker, rt.logger)

	rt.streaming = true
	go rt.stream(ctx)

	if err := session.Start(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *sessionRuntime) openJournal(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(rt.cfg.Audit.Store)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	rt.store = store

	if rt.cfg.Audit.Retention > 0 {
		removed, err := store.PruneBefore(ctx, time.Now().Add(-rt.cfg.Audit.Retention))
		if err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to prune audit journal")
		} else if removed > 0 {
			rt.logger.Info().Int64("sessions", removed).Msg("Pruned audit journal")
		}
	}

	rt.journal = stores.NewJournal(store, rt.cfg.Audit.Buffer, rt.logger)
	return nil
}

// stream pumps backend events into the broker until ctx is done.
func (rt *sessionRuntime) stream(ctx context.Context) {
	defer close(rt.streamDone)
	if err := rt.client.Stream(ctx, rt.broker); err != nil {
		rt.logger.Warn().Err(err).Msg("Event stream closed")
	}
}

// waitFor blocks until pred holds for the session snapshot or ctx is done.
func (rt *sessionRuntime) waitFor(ctx context.Context, pred func(plan.Snapshot) bool) (plan.Snapshot, error) {
	changed := make(chan struct{}, 1)
	stop := rt.session.OnChange(func(plan.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stop()

	for {
		snap := rt.session.Snapshot()
		if pred(snap) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return rt.session.Snapshot(), ctx.Err()
		}
	}
}

// interrupt cancels whatever the session has in flight.
func (rt *sessionRuntime) interrupt() {
	snap := rt.session.Snapshot()
	if !snap.Action.IsCancellable() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := rt.session.Cancel(ctx)
	if err != nil && !errors.Is(err, plan.ErrInvalidCancel) && !errors.Is(err, plan.ErrSessionClosed) {
		rt.logger.Error().Err(err).Msg("Failed to cancel plan")
	}
}

// Close tears the session down and flushes telemetry.
func (rt *sessionRuntime) Close() {
	if rt.reports != nil {
		rt.reports.Close()
	}
	if rt.session != nil {
		if err := rt.session.Close(); err != nil && !errors.Is(err, plan.ErrSessionClosed) {
			rt.logger.Warn().Err(err).Msg("Failed to close session")
		}
	}

	rt.cancel()
	if rt.streaming {
		<-rt.streamDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.broker != nil {
		_ = rt.broker.Shutdown(ctx)
	}
	if rt.journal != nil {
		if err := rt.journal.Close(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("Audit journal did not drain")
		}
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}
