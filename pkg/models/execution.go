package models

import (
	"time"
)

// ExecutionStatus defines the lifecycle states of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusTimeout ExecutionStatus = "timeout"
)

// IsTerminal reports whether the status is final. Terminal executions are
// immutable.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusTimeout
}

// MaxResponseBodySize caps the stored response body. Anything longer is
// truncated at write time.
const MaxResponseBodySize = 64 * 1024

// Execution is a single attempt to run a task. Created pending by the
// scheduler, the workflow engine, or the API layer; claimed and transitioned
// by exactly one worker.
type Execution struct {
	ID     string          `json:"id"      validate:"required"`
	TaskID string          `json:"task_id" validate:"required"`
	Status ExecutionStatus `json:"status"  validate:"required"`

	// OrganizationID and Queue are denormalized from the task so the claim
	// query can apply tier ordering and queue serialization without extra
	// joins.
	OrganizationID string  `json:"organization_id" validate:"required"`
	Queue          *string `json:"queue,omitempty"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	StatusCode   *int          `json:"status_code,omitempty"`
	Duration     time.Duration `json:"duration"`
	ResponseBody string        `json:"response_body,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`

	// Attempt starts at 1. Retries of one-time tasks create fresh pending
	// executions with an incremented attempt, never reuse this record.
	Attempt int `json:"attempt"`

	CreatedAt time.Time `json:"created_at"`
}

// TruncateBody applies the storage size cap to a raw response body.
func TruncateBody(body string) string {
	if len(body) <= MaxResponseBodySize {
		return body
	}

	return body[:MaxResponseBodySize]
}
