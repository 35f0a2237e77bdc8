package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/plansession/pkg/backend"
	"github.com/openfroyo/plansession/pkg/plan"
	"github.com/openfroyo/plansession/pkg/stores"
	"github.com/openfroyo/plansession/pkg/telemetry"
)

// Config is the planctl configuration file.
type Config struct {
	Backend backend.Config          `yaml:"backend"`
	Session SessionConfig           `yaml:"session"`
	Options plan.Options            `yaml:"options"`
	Logging telemetry.LoggingConfig `yaml:"logging"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`
	Audit   AuditConfig             `yaml:"audit"`
}

// SessionConfig configures the plan session created by planctl.
type SessionConfig struct {
	Environment plan.Environment `yaml:"environment"`

	// DateRange is the initial range, restored on reset.
	DateRange plan.DateRange `yaml:"date_range"`

	InitialPlanRun  bool          `yaml:"initial_plan_run"`
	DebounceWindow  time.Duration `yaml:"debounce_window" validate:"min=0"`
	DebounceLeading bool          `yaml:"debounce_leading"`
}

// AuditConfig configures the session audit journal.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Store   stores.Config `yaml:"store"`

	// Buffer is the number of entries queued before the journal drops.
	Buffer int `yaml:"buffer" validate:"min=0"`

	// Retention prunes closed sessions older than this on startup. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention" validate:"min=0"`
}

// Accepted date layouts for the session date range.
var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Backend: backend.DefaultConfig(),
		Session: SessionConfig{
			Environment:    plan.Environment{Name: "prod"},
			DebounceWindow: plan.DefaultDebounceWindow,
		},
		Logging: tel.Logging,
		Metrics: tel.Metrics,
		Tracing: tel.Tracing,
		Audit: AuditConfig{
			Store:  stores.Config{Path: "planctl-audit.db"},
			Buffer: stores.DefaultJournalBuffer,
		},
	}
}

// Load reads and validates the configuration file at path. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return formatValidationError(err)
	}

	if err := validateDateRange(c.Session.DateRange); err != nil {
		return err
	}
	if c.Audit.Enabled && c.Audit.Store.Path == "" {
		return fmt.Errorf("audit.store.path is required when audit is enabled")
	}

	return c.Telemetry("").Validate()
}

// Telemetry returns the telemetry configuration for this file.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tel := telemetry.DefaultConfig()
	if version != "" {
		tel.ServiceVersion = version
	}
	tel.Environment = c.Session.Environment.Name
	tel.Logging = c.Logging
	tel.Metrics = c.Metrics
	tel.Tracing = c.Tracing
	return tel
}

func validateDateRange(r plan.DateRange) error {
	var start, end time.Time
	var err error

	if r.Start != "" {
		if start, err = parseDate(r.Start); err != nil {
			return fmt.Errorf("session.date_range.start: %w", err)
		}
	}
	if r.End != "" {
		if end, err = parseDate(r.End); err != nil {
			return fmt.Errorf("session.date_range.end: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("session.date_range: end %s is before start %s", r.End, r.Start)
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
