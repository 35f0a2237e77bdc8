package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/plansession/pkg/plan"
)

// Telemetry is what a planctl command needs to observe one plan session.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds the logger, tracer and metrics.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel := &Telemetry{Config: cfg}
	var err error
	if tel.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if tel.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	return tel, nil
}

// Observers returns the session observers backed by this telemetry. The
// metrics observer is a no-op when metrics are disabled.
func (t *Telemetry) Observers() []plan.Observer {
	return []plan.Observer{t.Metrics}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown flushes and stops the tracer. The metrics server stops with the
// context given to StartMetricsServer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.ForceFlush(ctx), t.Tracer.Shutdown(ctx))
}

func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.NewComponentLogger("metrics").Zerolog())
}
