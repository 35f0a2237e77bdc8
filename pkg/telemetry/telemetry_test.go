package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plansession/pkg/errorsink"
	"github.com/openfroyo/plansession/pkg/plan"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing service", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, "invalid trace exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, "requires an endpoint"},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, "sampling rate"},
		{"metrics address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, "listen address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("plan").
		WithSessionID("sess-1").
		WithEnvironment("dev").
		WithError(errors.New("boom")).
		Info("Plan session started")

	out := buf.String()
	assert.Contains(t, out, `"component":"plan"`)
	assert.Contains(t, out, `"session_id":"sess-1"`)
	assert.Contains(t, out, `"environment":"dev"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, "Plan session started")
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "info", Format: "json"})

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")

	// A bare context yields a disabled logger.
	FromContext(context.Background()).Info("dropped")
	assert.NotContains(t, buf.String(), "dropped")
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	assert.Nil(t, m.Registry())

	m.OnTransition(plan.Transition{Kind: plan.TransitionState, From: "init", To: "running"})
	m.OnOperation(plan.OperationRecord{Operation: plan.OperationRun, Outcome: plan.OutcomeSucceeded})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, m.StartMetricsServer(context.Background(), FromContext(context.Background()).Zerolog()))
}

func TestMetricsObserveSession(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	m.OnTransition(plan.Transition{Kind: plan.TransitionState, From: "init", To: "running"})
	m.OnTransition(plan.Transition{Kind: plan.TransitionState, From: "init", To: "running"})
	m.OnTransition(plan.Transition{Kind: plan.TransitionAction, From: "run", To: "running"})
	m.OnOperation(plan.OperationRecord{
		Operation: plan.OperationRun,
		Outcome:   plan.OutcomeFailed,
		Duration:  250 * time.Millisecond,
		ErrorKey:  errorsink.KeyRunPlan,
	})
	m.OnOperation(plan.OperationRecord{
		Operation: plan.OperationRun,
		Outcome:   plan.OutcomeSuperseded,
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("init", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionTransitions.WithLabelValues("run", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("run", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("run", "superseded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByKey.WithLabelValues(string(errorsink.KeyRunPlan))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.operationDuration))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_plan_operations_total"))
}

func TestTracerDisabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{}, "planctl", "dev", "dev")
	require.NoError(t, err)
	require.NotNil(t, tr.Tracer())

	_, span := tr.StartCommandSpan(context.Background(), "plan", "dev")
	RecordSuccess(span)
	span.End()
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestTracerRecordsWithNoneExporter(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "planctl", "dev", "dev")
	require.NoError(t, err)
	defer func() { _ = tr.Shutdown(context.Background()) }()

	ctx, span := tr.Start(context.Background(), "plan.run")
	RecordError(span, errors.New("boom"))
	span.End()
	assert.NotEmpty(t, TraceID(ctx))
}

func TestTelemetryBundle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stdout"
	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)

	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))
	assert.Nil(t, FromTelemetryContext(context.Background()))
	require.Len(t, tel.Observers(), 1)
	assert.NoError(t, tel.Shutdown(context.Background()))
}
