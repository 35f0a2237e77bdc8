package plan

import (
	"time"

	"github.com/openfroyo/plansession/pkg/errorsink"
)

// Environment identifies the environment a session plans against.
type Environment struct {
	// Name is the environment name sent to the backend.
	Name string `json:"name" yaml:"name" validate:"required"`

	// IsInitial is true for an environment that has never been applied.
	IsInitial bool `json:"is_initial" yaml:"is_initial"`

	// IsDefault is true for the default (production) environment.
	IsDefault bool `json:"is_default" yaml:"is_default"`
}

// DateRange bounds the intervals a plan covers. Dates are passed through to
// the backend as given.
type DateRange struct {
	Start string `json:"start,omitempty" yaml:"start"`
	End   string `json:"end,omitempty" yaml:"end"`
}

// Options are the user-selectable plan options.
type Options struct {
	SkipTests            bool   `json:"skip_tests" yaml:"skip_tests"`
	NoGaps               bool   `json:"no_gaps" yaml:"no_gaps"`
	SkipBackfill         bool   `json:"skip_backfill" yaml:"skip_backfill"`
	ForwardOnly          bool   `json:"forward_only" yaml:"forward_only"`
	AutoApply            bool   `json:"auto_apply" yaml:"auto_apply"`
	NoAutoCategorization bool   `json:"no_auto_categorization" yaml:"no_auto_categorization"`
	IncludeUnmodified    bool   `json:"include_unmodified" yaml:"include_unmodified"`
	RestateModels        string `json:"restate_models,omitempty" yaml:"restate_models" validate:"max=4096"`
	CreateFrom           string `json:"create_from,omitempty" yaml:"create_from" validate:"max=256"`
}

// initialPlanRunOptions returns opts adjusted for the first plan of an
// environment.
func initialPlanRunOptions(opts Options) Options {
	opts.SkipBackfill = false
	opts.ForwardOnly = false
	opts.NoAutoCategorization = false
	opts.NoGaps = false
	opts.IncludeUnmodified = true
	return opts
}

// RunRequest is the payload of a run.
type RunRequest struct {
	Environment    string  `json:"environment"`
	Start          string  `json:"start,omitempty"`
	End            string  `json:"end,omitempty"`
	InitialPlanRun bool    `json:"initial_plan_run"`
	Options        Options `json:"plan_options"`
}

// ApplyRequest is the payload of an apply.
type ApplyRequest struct {
	Environment    string  `json:"environment"`
	Start          string  `json:"start,omitempty"`
	End            string  `json:"end,omitempty"`
	InitialPlanRun bool    `json:"initial_plan_run"`
	Options        Options `json:"plan_options"`
}

// RunResult is the computed diff returned by a run.
type RunResult struct {
	Backfills []Backfill `json:"backfills,omitempty"`
	Changes   *Changes   `json:"changes,omitempty"`
	Start     string     `json:"start,omitempty"`
	End       string     `json:"end,omitempty"`
}

// ApplyResult is returned once an apply has been accepted.
type ApplyResult struct {
	Type ApplyType `json:"type"`
}

// Backfill is a unit of historical data recomputation required by a plan.
type Backfill struct {
	ModelName string   `json:"model_name"`
	ViewName  string   `json:"view_name,omitempty"`
	Interval  []string `json:"interval,omitempty"`
	Batches   int      `json:"batches,omitempty"`
}

// ModifiedModel is a directly modified model and its change category.
type ModifiedModel struct {
	Name           string `json:"model_name"`
	ChangeCategory string `json:"change_category,omitempty"`
}

// ModifiedChanges groups modified models by kind of modification.
type ModifiedChanges struct {
	Direct   []ModifiedModel `json:"direct,omitempty"`
	Indirect []string        `json:"indirect,omitempty"`
	Metadata []string        `json:"metadata,omitempty"`
}

// Changes is the diff between the desired and the current environment.
// A nil field is "not reported" and leaves the accumulated value in place
// when merged.
type Changes struct {
	Added    []string         `json:"added,omitempty"`
	Removed  []string         `json:"removed,omitempty"`
	Modified *ModifiedChanges `json:"modified,omitempty"`
}

// merge overlays the reported fields of other onto c.
func (c *Changes) merge(other *Changes) {
	if other == nil {
		return
	}
	if other.Added != nil {
		c.Added = append([]string(nil), other.Added...)
	}
	if other.Removed != nil {
		c.Removed = append([]string(nil), other.Removed...)
	}
	if other.Modified != nil {
		m := *other.Modified
		c.Modified = &m
	}
}

// HasChanges returns true if any model was added, removed or modified in a
// way that needs more than a metadata update.
func (c Changes) HasChanges() bool {
	if len(c.Added) > 0 || len(c.Removed) > 0 {
		return true
	}
	if c.Modified == nil {
		return false
	}
	return len(c.Modified.Direct) > 0 || len(c.Modified.Indirect) > 0
}

// HasVirtualUpdate returns true if metadata-only modifications are pending.
func (c Changes) HasVirtualUpdate() bool {
	return c.Modified != nil && len(c.Modified.Metadata) > 0
}

// IsEmpty returns true if nothing has been reported.
func (c Changes) IsEmpty() bool {
	return c.Added == nil && c.Removed == nil && c.Modified == nil
}

func (c Changes) clone() Changes {
	out := Changes{
		Added:   append([]string(nil), c.Added...),
		Removed: append([]string(nil), c.Removed...),
	}
	if c.Added == nil {
		out.Added = nil
	}
	if c.Removed == nil {
		out.Removed = nil
	}
	if c.Modified != nil {
		m := ModifiedChanges{
			Direct:   append([]ModifiedModel(nil), c.Modified.Direct...),
			Indirect: append([]string(nil), c.Modified.Indirect...),
			Metadata: append([]string(nil), c.Modified.Metadata...),
		}
		out.Modified = &m
	}
	return out
}

// BackfillTask is the progress of one model's backfill.
type BackfillTask struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	ViewName  string `json:"view_name,omitempty"`
	Start     int64  `json:"start,omitempty"`
	End       int64  `json:"end,omitempty"`
}

// Done returns true if all batches of the task completed.
func (t BackfillTask) Done() bool {
	return t.Total > 0 && t.Completed >= t.Total
}

// BackfillProgress is a snapshot of the backfill currently streaming.
type BackfillProgress struct {
	OK        bool                    `json:"ok"`
	Tasks     map[string]BackfillTask `json:"tasks"`
	UpdatedAt int64                   `json:"updated_at,omitempty"`
}

// Completed returns true if every task is done.
func (p BackfillProgress) Completed() bool {
	if len(p.Tasks) == 0 {
		return false
	}
	for _, t := range p.Tasks {
		if !t.Done() {
			return false
		}
	}
	return true
}

// TestsReport accumulates the payloads of the tests topic. Keys of later
// payloads overwrite earlier ones.
type TestsReport map[string]interface{}

func (r TestsReport) merge(payload map[string]interface{}) TestsReport {
	out := make(TestsReport, len(r)+len(payload))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func (r TestsReport) clone() TestsReport {
	if r == nil {
		return nil
	}
	out := make(TestsReport, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PlanReport is the latest payload of the report topic.
type PlanReport struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// Report statuses and types used by the finish observer.
const (
	ReportStatusFinished = "finished"
	ReportTypeApply      = "apply"
)

// Snapshot is the read-only view of a session handed to the rendering layer.
type Snapshot struct {
	SessionID           string            `json:"session_id"`
	State               State             `json:"state"`
	Action              Action            `json:"action"`
	IsPlanRan           bool              `json:"is_plan_ran"`
	DateRange           DateRange         `json:"date_range"`
	Options             Options           `json:"options"`
	Backfills           []Backfill        `json:"backfills,omitempty"`
	Changes             Changes           `json:"changes"`
	TestsReportMessages TestsReport       `json:"tests_report_messages,omitempty"`
	TestsReportErrors   TestsReport       `json:"tests_report_errors,omitempty"`
	PlanReport          *PlanReport       `json:"plan_report,omitempty"`
	ActivePlan          *BackfillProgress `json:"active_plan,omitempty"`
	HasChanges          bool              `json:"has_changes"`
	HasBackfills        bool              `json:"has_backfills"`
	HasVirtualUpdate    bool              `json:"has_virtual_update"`
	AutoApply           bool              `json:"auto_apply"`
}

// Operation names a session mutator.
type Operation string

const (
	OperationRun    Operation = "run"
	OperationApply  Operation = "apply"
	OperationCancel Operation = "cancel"
	OperationReset  Operation = "reset"
	OperationClose  Operation = "close"
)

// Outcome classifies how an operation resolved.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
)

// TransitionKind tells which of the two session enums changed.
type TransitionKind string

const (
	TransitionState  TransitionKind = "state"
	TransitionAction TransitionKind = "action"
)

// Transition records a change of the session state or action.
type Transition struct {
	SessionID string         `json:"session_id"`
	Kind      TransitionKind `json:"kind"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	At        time.Time      `json:"at"`
}

// OperationRecord records how an operation resolved.
type OperationRecord struct {
	SessionID string        `json:"session_id"`
	Operation Operation     `json:"operation"`
	Outcome   Outcome       `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
	At        time.Time     `json:"at"`

	// ErrorKey is set when the failure was recorded in the error sink.
	ErrorKey errorsink.Key `json:"error_key,omitempty"`
}
