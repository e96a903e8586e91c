package models

import (
	"errors"
	"time"
)

// ScheduleType distinguishes how a task gets its executions materialized.
type ScheduleType string

const (
	// ScheduleTypeCron tasks recur; the scheduler advances next_run_at
	// after materializing each due execution.
	ScheduleTypeCron ScheduleType = "cron"
	// ScheduleTypeOnce tasks run a single time at scheduled_at, then go
	// dormant (next_run_at cleared).
	ScheduleTypeOnce ScheduleType = "once"
	// ScheduleTypeWorkflow tasks are transient carriers for workflow http
	// steps. They are never user-visible, always disabled, and are removed
	// by garbage collection once the owning run is terminal.
	ScheduleTypeWorkflow ScheduleType = "workflow"
)

var (
	ErrInvalidTask = errors.New("invalid task configuration")

	// ErrAmbiguousSchedule is returned when a task does not carry exactly
	// the schedule field its type requires.
	ErrAmbiguousSchedule = errors.New("exactly one of cron_expression or scheduled_at must be set")
)

// Task is a schedulable unit of work: an HTTP call description plus a
// schedule. Workers never mutate the task itself, only its executions.
type Task struct {
	ID             string            `json:"id"              validate:"required"`
	OrganizationID string            `json:"organization_id" validate:"required"`
	Name           string            `json:"name"            validate:"required,min=1"`
	URL            string            `json:"url"             validate:"required,url"`
	Method         string            `json:"method"          validate:"required,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ScheduleType   ScheduleType      `json:"schedule_type"   validate:"required,oneof=cron once workflow"`
	CronExpression *string           `json:"cron_expression,omitempty"`
	Timezone       string            `json:"timezone,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	NextRunAt      *time.Time        `json:"next_run_at,omitempty"`

	// IntervalSeconds is precomputed from CronExpression at save time so
	// the claim query can order by it without parsing cron in SQL.
	IntervalSeconds *int64 `json:"interval_seconds,omitempty"`

	Queue         *string       `json:"queue,omitempty"`
	Enabled       bool          `json:"enabled"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts" validate:"gte=0,lte=10"`

	// Response assertions. When present they override the default 2xx
	// success classification.
	ExpectedStatus []int   `json:"expected_status,omitempty"`
	BodyContains   *string `json:"body_contains,omitempty"`

	CallbackURL *string `json:"callback_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate enforces the schedule-shape invariant: a cron task carries a
// cron expression and no scheduled_at, a one-time task the reverse, and a
// transient workflow task neither (it is dispatched directly as a pending
// execution, never scheduled).
func (t *Task) Validate() error {
	switch t.ScheduleType {
	case ScheduleTypeCron:
		if t.CronExpression == nil || t.ScheduledAt != nil {
			return ErrAmbiguousSchedule
		}

		return ValidateCron(*t.CronExpression)
	case ScheduleTypeOnce:
		if t.ScheduledAt == nil || t.CronExpression != nil {
			return ErrAmbiguousSchedule
		}

		return nil
	case ScheduleTypeWorkflow:
		if t.CronExpression != nil || t.ScheduledAt != nil {
			return ErrAmbiguousSchedule
		}

		if t.Enabled {
			return ErrInvalidTask
		}

		return nil
	default:
		return ErrInvalidTask
	}
}

// IsTransient reports whether the task is a workflow-step carrier.
func (t *Task) IsTransient() bool {
	return t.ScheduleType == ScheduleTypeWorkflow
}

// InitializeNextRun derives the first due instant for a freshly saved task:
// the first cron occurrence after now for recurring tasks, scheduled_at for
// one-time tasks. An already-set NextRunAt is preserved so re-saving an
// existing task does not reset its schedule position. Transient workflow
// tasks stay dormant.
func (t *Task) InitializeNextRun(now time.Time) error {
	if t.NextRunAt != nil {
		return nil
	}

	switch t.ScheduleType {
	case ScheduleTypeCron:
		if t.CronExpression == nil {
			return ErrAmbiguousSchedule
		}

		next, err := NextCronRun(*t.CronExpression, t.Timezone, now)
		if err != nil {
			return err
		}

		t.NextRunAt = &next
	case ScheduleTypeOnce:
		if t.ScheduledAt == nil {
			return ErrAmbiguousSchedule
		}

		at := *t.ScheduledAt
		t.NextRunAt = &at
	case ScheduleTypeWorkflow:
	}

	return nil
}

// RefreshInterval recomputes IntervalSeconds from the cron expression.
// Non-cron tasks get a nil interval and sort after all cron tasks in the
// claim ordering.
func (t *Task) RefreshInterval() error {
	if t.ScheduleType != ScheduleTypeCron || t.CronExpression == nil {
		t.IntervalSeconds = nil

		return nil
	}

	interval, err := CronIntervalSeconds(*t.CronExpression, t.Timezone)
	if err != nil {
		return err
	}

	t.IntervalSeconds = &interval

	return nil
}
