package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plansession/pkg/plan"
)

// Metrics provides Prometheus metrics for plan sessions. It is a plan.Observer.
// A disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	stateTransitions  *prometheus.CounterVec
	actionTransitions *prometheus.CounterVec
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsByKey       *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ plan.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_state_transitions_total",
				Help:      "Total number of plan state transitions",
			},
			[]string{"from", "to"},
		),
		actionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_action_transitions_total",
				Help:      "Total number of plan action transitions",
			},
			[]string{"from", "to"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_operations_total",
				Help:      "Total number of plan operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_operation_duration_seconds",
				Help:      "Duration of plan operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		errorsByKey: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_errors_total",
				Help:      "Total number of operation failures recorded by error key",
			},
			[]string{"key"},
		),
	}

	collectors := []prometheus.Collector{
		m.stateTransitions,
		m.actionTransitions,
		m.operations,
		m.operationDuration,
		m.errorsByKey,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// OnTransition implements plan.Observer.
func (m *Metrics) OnTransition(t plan.Transition) {
	if m.registry == nil {
		return
	}
	switch t.Kind {
	case plan.TransitionState:
		m.stateTransitions.WithLabelValues(t.From, t.To).Inc()
	case plan.TransitionAction:
		m.actionTransitions.WithLabelValues(t.From, t.To).Inc()
	}
}

// OnOperation implements plan.Observer.
func (m *Metrics) OnOperation(rec plan.OperationRecord) {
	if m.registry == nil {
		return
	}
	op := string(rec.Operation)
	m.operations.WithLabelValues(op, string(rec.Outcome)).Inc()
	m.operationDuration.WithLabelValues(op).Observe(rec.Duration.Seconds())
	if rec.ErrorKey != "" {
		m.errorsByKey.WithLabelValues(string(rec.ErrorKey)).Inc()
	}
}

// Registry returns the registry backing the metrics, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
