// Package telemetry wires logging, tracing and metrics for planctl.
//
// Logging uses zerolog, tracing uses OpenTelemetry with stdout or OTLP gRPC
// exporters, and metrics are Prometheus collectors on a private registry.
// Metrics implements plan.Observer, so a session reports its state and action
// transitions and the outcome of every operation without knowing about
// Prometheus.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
//	sess, err := plan.New(plan.Config{
//	    Environment: plan.Environment{Name: "dev"},
//	    Backend:     client,
//	    Channel:     broker,
//	    Observers:   tel.Observers(),
//	    Tracer:      tel.Tracer.Tracer(),
//	    Logger:      tel.Logger.NewComponentLogger("plan").Zerolog(),
//	})
//
// # Metrics
//
// All names are prefixed with MetricsConfig.Namespace when set.
//
//	plan_state_transitions_total{from,to}
//	plan_action_transitions_total{from,to}
//	plan_operations_total{operation,outcome}
//	plan_operation_duration_seconds{operation}
//	plan_errors_total{key}
//
// A disabled Metrics is a no-op observer and its Handler answers 404.
package telemetry
