package models

import (
	"time"
)

// RunStatus defines the lifecycle states of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// StepStatus defines the lifecycle states of a step within a run.
type StepStatus string

const (
	StepStatusPending       StepStatus = "pending"
	StepStatusRunning       StepStatus = "running"
	StepStatusSleeping      StepStatus = "sleeping"
	StepStatusWaiting       StepStatus = "waiting"
	StepStatusSuccess       StepStatus = "success"
	StepStatusFailed        StepStatus = "failed"
	StepStatusTimeout       StepStatus = "timeout"
	StepStatusSkipped       StepStatus = "skipped"
	StepStatusTemplateError StepStatus = "template_error"
)

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSuccess, StepStatusFailed, StepStatusTimeout, StepStatusSkipped, StepStatusTemplateError:
		return true
	default:
		return false
	}
}

// WorkflowRun is one triggering instance of a workflow definition.
type WorkflowRun struct {
	ID             string         `json:"id"          validate:"required"`
	WorkflowID     string         `json:"workflow_id" validate:"required"`
	OrganizationID string         `json:"organization_id"`
	Status         RunStatus      `json:"status"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	CreatedAt      time.Time      `json:"created_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`

	// GCAt marks when a terminal run's transient records were collected.
	GCAt *time.Time `json:"gc_at,omitempty"`
}

// StepRun is the per-step record of one run. After garbage collection it is
// the sole surviving record of the step's outcome; ExecutionID then points
// at a deleted row.
type StepRun struct {
	ID       string     `json:"id"       validate:"required"`
	RunID    string     `json:"run_id"   validate:"required"`
	StepName string     `json:"step_name"`
	Status   StepStatus `json:"status"`

	// ExecutionID links the transient execution of an http step while the
	// run is active.
	ExecutionID *string `json:"execution_id,omitempty"`

	// WakeAt is the wake instant of a sleeping step, or the deadline of a
	// waiting step.
	WakeAt *time.Time `json:"wake_at,omitempty"`

	// CallbackToken is the inbound token of a wait step.
	CallbackToken *string `json:"callback_token,omitempty"`

	// Output carries the step's result fields (status, status_code, body,
	// parsed json, callback payload) exposed to downstream templates and
	// conditions.
	Output map[string]any `json:"output,omitempty"`

	// Error holds the failure detail; for template_error it names the
	// specific unresolved reference.
	Error string `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
