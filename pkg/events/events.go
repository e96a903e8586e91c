// Package events defines the event types broadcast between the scheduler,
// workers, and the workflow engine.
package events

import (
	"time"

	"github.com/hookcron/hookcron/pkg/models"
)

type EventType string

// Topic carries every hookcron event; consumers filter by event type.
const Topic = "hookcron.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// ExecutionFinishedEvent fires exactly once per execution's final
	// outcome. Intermediate retry attempts of one-time tasks do not emit
	// it.
	ExecutionFinishedEvent EventType = "execution.finished"

	// CallbackReceivedEvent fires when the callback endpoint stores a
	// payload for a waiting workflow step.
	CallbackReceivedEvent EventType = "callback.received"

	// ScheduleWakeEvent is a lossy nudge asking the scheduling leader to
	// tick ahead of its interval. Never authoritative; the tick remains
	// the source of truth.
	ScheduleWakeEvent EventType = "schedule.wake"

	// RunFinishedEvent fires once when a workflow run reaches a terminal
	// state, for notification and audit collaborators.
	RunFinishedEvent EventType = "run.finished"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ExecutionFinished struct {
	BaseEvent

	ExecutionID    string                 `json:"execution_id"`
	TaskID         string                 `json:"task_id"`
	OrganizationID string                 `json:"organization_id"`
	Status         models.ExecutionStatus `json:"status"`
	StatusCode     *int                   `json:"status_code,omitempty"`
	Duration       time.Duration          `json:"duration"`
	ResponseBody   string                 `json:"response_body,omitempty"`
	Attempt        int                    `json:"attempt"`
}

func (e ExecutionFinished) GetType() EventType {
	return ExecutionFinishedEvent
}

type CallbackReceived struct {
	BaseEvent

	RunID     string         `json:"run_id"`
	StepRunID string         `json:"step_run_id"`
	Token     string         `json:"token"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (e CallbackReceived) GetType() EventType {
	return CallbackReceivedEvent
}

type ScheduleWake struct {
	BaseEvent

	TaskID string `json:"task_id,omitempty"`
}

func (e ScheduleWake) GetType() EventType {
	return ScheduleWakeEvent
}

type RunFinished struct {
	BaseEvent

	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id"`
	Status     models.RunStatus `json:"status"`
	Duration   time.Duration    `json:"duration"`
}

func (e RunFinished) GetType() EventType {
	return RunFinishedEvent
}
