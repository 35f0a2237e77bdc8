package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the observability configuration of a planctl process. pkg/config
// builds it from the logging, metrics and tracing sections of the config
// file.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// Environment is the plan environment the process works on. It is
	// attached to the trace resource.
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// Format is console or json.
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`

	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enable_caller"`

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string `yaml:"time_format"`
}

// TracingConfig configures the OpenTelemetry trace provider.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout or none. With none, spans are recorded and
	// dropped.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	SamplingRate  float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration     `yaml:"export_timeout"`
	Headers       map[string]string `yaml:"headers"`
	Insecure      bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus session metrics.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`

	// DurationBuckets are the plan_operation_duration_seconds buckets.
	DurationBuckets []float64 `yaml:"duration_buckets"`
}

// DefaultConfig returns console logging at info level with tracing and
// metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "planctl",
		ServiceVersion: "dev",
		Environment:    "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Headers:       make(map[string]string),
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			// Runs and applies span from a few milliseconds to minutes.
			DurationBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	}
}

var validate = validator.New()

// Validate checks the configuration before any exporter or file is opened.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return errors.New("service name is required")
	case validate.Var(c.Logging.Level, "required,oneof=trace debug info warn error fatal") != nil:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	case validate.Var(c.Logging.Format, "required,oneof=console json") != nil:
		return fmt.Errorf("invalid log format: %q (must be console or json)", c.Logging.Format)
	case validate.Var(c.Tracing.SamplingRate, "gte=0,lte=1") != nil:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got %v", c.Tracing.SamplingRate)
	}

	if c.Tracing.Enabled {
		if validate.Var(c.Tracing.Exporter, "required,oneof=otlp stdout none") != nil {
			return fmt.Errorf("invalid trace exporter: %q", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return errors.New("otlp exporter requires an endpoint")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return errors.New("metrics listen address is required when metrics are enabled")
	}
	return nil
}
