// Package workflow implements the DAG engine: run creation, event-driven
// step evaluation, the safety-net sweep, and garbage collection of
// transient records.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// DefaultRunExpiry bounds runs whose definition does not set one. A run
// still sleeping or waiting past this point is timed out by the sweep.
const DefaultRunExpiry = 24 * time.Hour

// Trigger creates a run and its pending step runs, then performs the first
// evaluation so root steps dispatch immediately.
func (e *Engine) Trigger(ctx context.Context, workflowID string, payload map[string]any) (*models.WorkflowRun, error) {
	def, err := e.persistence.WorkflowDefinitionByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	run, steps := newRun(def, payload, time.Now().UTC())

	if err := e.validate.Struct(run); err != nil {
		return nil, fmt.Errorf("invalid run: %w", err)
	}

	if err := e.persistence.CreateRun(ctx, run, steps); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow run triggered",
		"workflow_id", def.ID, "run_id", run.ID, "steps", len(steps))

	if err := e.Evaluate(ctx, run.ID); err != nil {
		return run, err
	}

	return run, nil
}

func newRun(def *models.WorkflowDefinition, payload map[string]any, now time.Time) (*models.WorkflowRun, []*models.StepRun) {
	expiry := def.Expiry
	if expiry <= 0 {
		expiry = DefaultRunExpiry
	}

	run := &models.WorkflowRun{
		ID:             uuid.New().String(),
		WorkflowID:     def.ID,
		OrganizationID: def.OrganizationID,
		Status:         models.RunStatusRunning,
		TriggerPayload: payload,
		ExpiresAt:      now.Add(expiry),
		CreatedAt:      now,
	}

	steps := make([]*models.StepRun, 0, len(def.Steps))
	for _, step := range def.Steps {
		steps = append(steps, &models.StepRun{
			ID:       uuid.New().String(),
			RunID:    run.ID,
			StepName: step.Name,
			Status:   models.StepStatusPending,
		})
	}

	return run, steps
}

// Cancel marks a run cancelled, deletes its not-yet-claimed transient
// executions, and skips every non-terminal step. An in-flight HTTP call is
// not aborted; its result is discarded when the outcome event arrives.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	unlock, err := e.persistence.LockRun(ctx, runID)
	if err != nil {
		return err
	}

	defer func() {
		_ = unlock(ctx)
	}()

	run, err := e.persistence.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return persistence.ErrRunNotFound
	}

	deleted, err := e.persistence.DeletePendingStepExecutions(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to delete pending step executions: %w", err)
	}

	steps, err := e.persistence.StepRunsByRun(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for _, step := range steps {
		if step.Status.IsTerminal() {
			continue
		}

		step.Status = models.StepStatusSkipped
		step.Error = "run cancelled"
		step.FinishedAt = &now

		if err := e.persistence.UpdateStepRun(ctx, step); err != nil {
			return err
		}
	}

	run.Status = models.RunStatusCancelled
	run.FinishedAt = &now

	if err := e.persistence.UpdateRun(ctx, run); err != nil {
		return err
	}

	e.publishRunFinished(ctx, run)

	e.logger.InfoContext(ctx, "Workflow run cancelled",
		"run_id", runID, "deleted_pending_executions", deleted)

	return nil
}
