package structs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"
	multierror "github.com/hashicorp/go-multierror"
)

// TriggerKind discriminates the three trigger variants a job may carry.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerDate     TriggerKind = "date"
)

// TriggerSpec is the tagged-variant trigger of a scheduled job. Exactly the
// fields of the active kind are meaningful; the JSON codec writes the
// {kind, config} wire shape the repository stores.
type TriggerSpec struct {
	Kind TriggerKind

	// Cron fields.
	Cron string
	TZ   string

	// Interval fields.
	IntervalSeconds int
	StartAt         *time.Time

	// Date field.
	RunAt time.Time
}

// triggerWire is the persisted {kind, config} encoding of a trigger.
type triggerWire struct {
	Kind   TriggerKind     `json:"kind"`
	Config json.RawMessage `json:"config"`
}

type cronConfig struct {
	Cron string `json:"cron"`
	TZ   string `json:"tz,omitempty"`
}

type intervalConfig struct {
	Seconds int        `json:"seconds"`
	StartAt *time.Time `json:"start_at,omitempty"`
}

type dateConfig struct {
	RunAt time.Time `json:"run_at"`
}

// MarshalJSON encodes the trigger in its wire shape.
func (t TriggerSpec) MarshalJSON() ([]byte, error) {
	var cfg any
	switch t.Kind {
	case TriggerCron:
		cfg = cronConfig{Cron: t.Cron, TZ: t.TZ}
	case TriggerInterval:
		cfg = intervalConfig{Seconds: t.IntervalSeconds, StartAt: t.StartAt}
	case TriggerDate:
		cfg = dateConfig{RunAt: t.RunAt}
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(triggerWire{Kind: t.Kind, Config: raw})
}

// UnmarshalJSON decodes the wire shape back into the variant.
func (t *TriggerSpec) UnmarshalJSON(data []byte) error {
	var wire triggerWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	t.Kind = wire.Kind
	switch wire.Kind {
	case TriggerCron:
		var cfg cronConfig
		if err := json.Unmarshal(wire.Config, &cfg); err != nil {
			return err
		}
		t.Cron, t.TZ = cfg.Cron, cfg.TZ
	case TriggerInterval:
		var cfg intervalConfig
		if err := json.Unmarshal(wire.Config, &cfg); err != nil {
			return err
		}
		t.IntervalSeconds, t.StartAt = cfg.Seconds, cfg.StartAt
	case TriggerDate:
		var cfg dateConfig
		if err := json.Unmarshal(wire.Config, &cfg); err != nil {
			return err
		}
		t.RunAt = cfg.RunAt
	default:
		return fmt.Errorf("unknown trigger kind %q", wire.Kind)
	}
	return nil
}

// Validate checks the trigger for structural problems, including cron
// expression syntax and timezone resolution.
func (t *TriggerSpec) Validate() error {
	var mErr multierror.Error
	switch t.Kind {
	case TriggerCron:
		if _, err := cronexpr.Parse(t.Cron); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid cron expression %q: %w", t.Cron, err))
		}
		if t.TZ != "" {
			if _, err := time.LoadLocation(t.TZ); err != nil {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid timezone %q: %w", t.TZ, err))
			}
		}
	case TriggerInterval:
		if t.IntervalSeconds <= 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("interval must be positive, got %d", t.IntervalSeconds))
		}
	case TriggerDate:
		if t.RunAt.IsZero() {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("missing run_at instant"))
		}
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown trigger kind %q", t.Kind))
	}
	return mErr.ErrorOrNil()
}

// Next returns the first fire time strictly after the given instant, or the
// zero time when the trigger will never fire again.
func (t *TriggerSpec) Next(after time.Time) time.Time {
	switch t.Kind {
	case TriggerCron:
		loc := time.UTC
		if t.TZ != "" {
			if l, err := time.LoadLocation(t.TZ); err == nil {
				loc = l
			}
		}
		expr, err := cronexpr.Parse(t.Cron)
		if err != nil {
			return time.Time{}
		}
		return expr.Next(after.In(loc))
	case TriggerInterval:
		period := time.Duration(t.IntervalSeconds) * time.Second
		start := after
		if t.StartAt != nil {
			start = *t.StartAt
		}
		if start.After(after) {
			return start
		}
		// Advance to the first multiple of the period past "after".
		elapsed := after.Sub(start)
		steps := elapsed/period + 1
		return start.Add(steps * period)
	case TriggerDate:
		if t.RunAt.After(after) {
			return t.RunAt
		}
		return time.Time{}
	}
	return time.Time{}
}

// ScheduledJob is the persisted definition of a background job. Func names
// a registered callable in the job runner, not a code pointer.
type ScheduledJob struct {
	ID      string
	Name    string
	Func    string
	Trigger TriggerSpec
	Enabled bool

	// MaxInstances caps overlapping executions; zero means one.
	MaxInstances int

	// MisfireGrace bounds how late a missed firing may still run.
	MisfireGrace time.Duration

	// Coalesce collapses a backlog of missed firings into a single run.
	Coalesce bool

	RunCount int
	LastRun  time.Time
	NextRun  time.Time

	CreateTime time.Time
	ModifyTime time.Time
}

// EffectiveMaxInstances normalizes the zero value to one.
func (j *ScheduledJob) EffectiveMaxInstances() int {
	if j.MaxInstances < 1 {
		return 1
	}
	return j.MaxInstances
}

// Copy returns a deep copy of the job.
func (j *ScheduledJob) Copy() *ScheduledJob {
	if j == nil {
		return nil
	}
	nj := *j
	if j.Trigger.StartAt != nil {
		at := *j.Trigger.StartAt
		nj.Trigger.StartAt = &at
	}
	return &nj
}

// Validate checks the job for structural problems.
func (j *ScheduledJob) Validate() error {
	var mErr multierror.Error
	if j.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing job ID"))
	}
	if j.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing job name"))
	}
	if j.Func == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing job function"))
	}
	if j.MisfireGrace < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("negative misfire grace"))
	}
	if err := j.Trigger.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// JobExecution is one recorded run of a scheduled job.
type JobExecution struct {
	ID          string
	JobID       string
	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Result      string
	Error       string
	RetryCount  int
}

// Succeeded reports whether the execution finished without an error.
func (e *JobExecution) Succeeded() bool {
	return !e.FinishedAt.IsZero() && e.Error == ""
}
