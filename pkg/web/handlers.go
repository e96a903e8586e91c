// Package web exposes the run-facing HTTP surface: the per-step callback
// endpoint, run and execution queries, and run trigger/cancel.
package web

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/hookcron/hookcron/pkg/eventbus"
	"github.com/hookcron/hookcron/pkg/events"
	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// RunService is the engine surface the handlers need.
type RunService interface {
	Trigger(ctx context.Context, workflowID string, payload map[string]any) (*models.WorkflowRun, error)
	Cancel(ctx context.Context, runID string) error
}

type Handlers struct {
	persistence persistence.Persistence
	runs        RunService
	eventBus    eventbus.EventBus
}

func NewHandlers(p persistence.Persistence, runs RunService, eb eventbus.EventBus) *Handlers {
	return &Handlers{
		persistence: p,
		runs:        runs,
		eventBus:    eb,
	}
}

// Callback receives the inbound POST for a waiting step. The payload is
// persisted on the step before the event is published, so the step can
// still advance (via the sweep) if the event is lost in transit; the
// engine does the actual state transition under the run lock.
func (h *Handlers) Callback(c fiber.Ctx) error {
	token := c.Params("token")

	step, err := h.persistence.StepRunByToken(c.Context(), token)
	if err != nil {
		return handleStoreError(c, err)
	}

	if step.Status != models.StepStatusWaiting {
		return notFound(c, "callback token expired")
	}

	var payload map[string]any

	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return badRequest(c, "body must be a JSON object")
		}
	}

	step.Output = map[string]any{"payload": payload}

	if err := h.persistence.UpdateStepRun(c.Context(), step); err != nil {
		return internalError(c, err)
	}

	event := events.CallbackReceived{
		BaseEvent: events.BaseEvent{
			ID:        h.eventBus.GenerateID(),
			Type:      events.CallbackReceivedEvent,
			Timestamp: time.Now().UTC(),
		},
		RunID:     step.RunID,
		StepRunID: step.ID,
		Token:     token,
		Payload:   payload,
	}

	if err := h.eventBus.Publish(c.Context(), step.RunID, event); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

// TriggerRun starts a run of a workflow. The request body, when present, is
// the trigger payload exposed to step templates and conditions.
func (h *Handlers) TriggerRun(c fiber.Ctx) error {
	var payload map[string]any

	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return badRequest(c, "body must be a JSON object")
		}
	}

	// A non-nil run with an error means creation succeeded but the first
	// evaluation failed; the sweep will advance it, so the caller still
	// gets the run.
	run, err := h.runs.Trigger(c.Context(), c.Params("id"), payload)
	if err != nil && run == nil {
		return handleStoreError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *Handlers) GetRun(c fiber.Ctx) error {
	run, err := h.persistence.RunByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(run)
}

func (h *Handlers) GetRunSteps(c fiber.Ctx) error {
	id := c.Params("id")

	if _, err := h.persistence.RunByID(c.Context(), id); err != nil {
		return handleStoreError(c, err)
	}

	steps, err := h.persistence.StepRunsByRun(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{"steps": steps})
}

func (h *Handlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.persistence.ExecutionByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(execution)
}

func (h *Handlers) CancelRun(c fiber.Ctx) error {
	if err := h.runs.Cancel(c.Context(), c.Params("id")); err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{"status": "cancelled"})
}
