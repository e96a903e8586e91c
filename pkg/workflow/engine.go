package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hookcron/hookcron/pkg/eventbus"
	"github.com/hookcron/hookcron/pkg/events"
	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
	"github.com/hookcron/hookcron/pkg/template"
)

const defaultStepTimeout = 30 * time.Second

// Engine advances workflow runs. Every state transition happens under the
// run's blocking advisory lock, so simultaneous sibling completions across
// nodes are processed in sequence, never dropped.
type Engine struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger
	validate    *validator.Validate
}

func NewEngine(p persistence.Persistence, eb eventbus.EventBus, logger *slog.Logger) *Engine {
	return &Engine{
		persistence: p,
		eventBus:    eb,
		logger:      logger.With("module", "workflow_engine"),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Start registers the event handlers and begins consuming. The safety-net
// sweep runs separately, see Sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.eventBus.Handle(events.ExecutionFinishedEvent, e.handleExecutionFinished); err != nil {
		return err
	}

	if err := e.eventBus.Handle(events.CallbackReceivedEvent, e.handleCallbackReceived); err != nil {
		return err
	}

	if err := e.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow engine started")

	return nil
}

func (e *Engine) handleExecutionFinished(ctx context.Context, event any) error {
	ev, ok := event.(*events.ExecutionFinished)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	step, err := e.persistence.StepRunByExecutionID(ctx, ev.ExecutionID)
	if err != nil {
		if persistence.IsStepRunNotFound(err) {
			// Ordinary scheduled task, not a workflow step.
			return nil
		}

		return err
	}

	return e.RecordExecutionOutcome(ctx, step.RunID, ev.ExecutionID)
}

func (e *Engine) handleCallbackReceived(ctx context.Context, event any) error {
	ev, ok := event.(*events.CallbackReceived)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	return e.recordCallback(ctx, ev)
}

// RecordExecutionOutcome copies a finished transient execution's result
// onto its step run and advances the run. Also used by the sweep to recover
// steps whose outcome event was lost.
func (e *Engine) RecordExecutionOutcome(ctx context.Context, runID, executionID string) error {
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
		// Cancelled or expired while the call was in flight; discard.
		return nil
	}

	// Re-observe under the lock.
	step, err := e.persistence.StepRunByExecutionID(ctx, executionID)
	if err != nil {
		return err
	}

	if step.Status.IsTerminal() {
		return nil
	}

	execution, err := e.persistence.ExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}

	if !execution.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	step.Status = stepStatusFromExecution(execution.Status)
	step.Output = httpStepOutput(execution)
	step.Error = execution.ErrorMessage
	step.FinishedAt = &now

	if err := e.persistence.UpdateStepRun(ctx, step); err != nil {
		return err
	}

	return e.evaluateLocked(ctx, runID)
}

func (e *Engine) recordCallback(ctx context.Context, ev *events.CallbackReceived) error {
	unlock, err := e.persistence.LockRun(ctx, ev.RunID)
	if err != nil {
		return err
	}

	defer func() {
		_ = unlock(ctx)
	}()

	run, err := e.persistence.RunByID(ctx, ev.RunID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return nil
	}

	step, err := e.persistence.StepRunByToken(ctx, ev.Token)
	if err != nil {
		return err
	}

	if step.Status != models.StepStatusWaiting {
		// Late or duplicate callback; the step already resolved.
		return nil
	}

	now := time.Now().UTC()
	step.Status = models.StepStatusSuccess
	step.FinishedAt = &now

	// The callback endpoint stores the payload before publishing; only
	// overwrite when the event carries one the stored step lacks.
	if step.Output == nil {
		step.Output = map[string]any{"payload": ev.Payload}
	}

	if err := e.persistence.UpdateStepRun(ctx, step); err != nil {
		return err
	}

	return e.evaluateLocked(ctx, ev.RunID)
}

// Evaluate advances a run under its lock. Safe to call at any time; a
// terminal run is left untouched.
func (e *Engine) Evaluate(ctx context.Context, runID string) error {
	unlock, err := e.persistence.LockRun(ctx, runID)
	if err != nil {
		return err
	}

	defer func() {
		_ = unlock(ctx)
	}()

	return e.evaluateLocked(ctx, runID)
}

// evaluateLocked runs planning passes until no new terminal state appears:
// a template_error produced while dispatching is itself a terminal outcome
// that can cascade further skips.
func (e *Engine) evaluateLocked(ctx context.Context, runID string) error {
	for {
		run, err := e.persistence.RunByID(ctx, runID)
		if err != nil {
			return err
		}

		if run.Status.IsTerminal() {
			return nil
		}

		def, err := e.persistence.WorkflowDefinitionByID(ctx, run.WorkflowID)
		if err != nil {
			return err
		}

		steps, err := e.persistence.StepRunsByRun(ctx, runID)
		if err != nil {
			return err
		}

		stepRuns := make(map[string]*models.StepRun, len(steps))
		for _, step := range steps {
			stepRuns[step.StepName] = step
		}

		dispatch, skips, err := plan(def, run, stepRuns)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		for _, skip := range skips {
			sr := stepRuns[skip.Step.Name]
			sr.Status = models.StepStatusSkipped
			sr.Error = skip.Reason
			sr.FinishedAt = &now

			if err := e.persistence.UpdateStepRun(ctx, sr); err != nil {
				return err
			}
		}

		templateErrors := 0

		for _, step := range dispatch {
			sr := stepRuns[step.Name]

			if err := e.dispatchStep(ctx, run, stepRuns, step, sr); err != nil {
				return err
			}

			if sr.Status == models.StepStatusTemplateError {
				templateErrors++
			}
		}

		if status, done := runOutcome(def, stepRuns); done {
			return e.finalize(ctx, run, status)
		}

		if templateErrors == 0 {
			return nil
		}
	}
}

// dispatchStep transitions one runnable step. The step run is mutated in
// place so the caller's map reflects the new state.
func (e *Engine) dispatchStep(ctx context.Context, run *models.WorkflowRun, stepRuns map[string]*models.StepRun, step *models.Step, sr *models.StepRun) error {
	now := time.Now().UTC()
	sr.StartedAt = &now

	switch step.Type {
	case models.StepTypeSleep:
		wake := now.Add(step.Duration)
		sr.Status = models.StepStatusSleeping
		sr.WakeAt = &wake

	case models.StepTypeWait:
		token := uuid.New().String()
		deadline := now.Add(step.Timeout)
		sr.Status = models.StepStatusWaiting
		sr.CallbackToken = &token
		sr.WakeAt = &deadline

	case models.StepTypeHTTP:
		return e.dispatchHTTPStep(ctx, run, stepRuns, step, sr)
	}

	e.logger.InfoContext(ctx, "Step dispatched",
		"run_id", run.ID, "step", step.Name, "status", sr.Status)

	return e.persistence.UpdateStepRun(ctx, sr)
}

// dispatchHTTPStep resolves the step's templates in strict mode and hands
// the call to the ordinary worker pool as a transient task plus pending
// execution. An unresolved reference fails the step immediately rather than
// substituting an empty value into an outbound request.
func (e *Engine) dispatchHTTPStep(ctx context.Context, run *models.WorkflowRun, stepRuns map[string]*models.StepRun, step *models.Step, sr *models.StepRun) error {
	data := evaluationData(run, stepRuns)
	now := time.Now().UTC()

	url, err := template.Render(step.URL, data)
	if err == nil {
		var headers map[string]string

		headers, err = template.RenderMap(step.Headers, data)
		if err == nil {
			var body string

			body, err = template.Render(step.Body, data)
			if err == nil {
				return e.createStepExecution(ctx, run, step, sr, url, headers, body)
			}
		}
	}

	var unresolved *template.UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		return err
	}

	sr.Status = models.StepStatusTemplateError
	sr.Error = fmt.Sprintf("unresolved reference %q", unresolved.Reference)
	sr.FinishedAt = &now

	e.logger.WarnContext(ctx, "Step failed template resolution",
		"run_id", run.ID, "step", step.Name, "reference", unresolved.Reference)

	return e.persistence.UpdateStepRun(ctx, sr)
}

func (e *Engine) createStepExecution(ctx context.Context, run *models.WorkflowRun, step *models.Step, sr *models.StepRun, url string, headers map[string]string, body string) error {
	method := step.Method
	if method == "" {
		method = "POST"
	}

	now := time.Now().UTC()

	task := &models.Task{
		ID:             uuid.New().String(),
		OrganizationID: run.OrganizationID,
		Name:           fmt.Sprintf("workflow step %s", step.Name),
		URL:            url,
		Method:         method,
		Headers:        headers,
		Body:           body,
		ScheduleType:   models.ScheduleTypeWorkflow,
		Enabled:        false,
		Timeout:        defaultStepTimeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	execution := &models.Execution{
		ID:             uuid.New().String(),
		TaskID:         task.ID,
		Status:         models.ExecutionStatusPending,
		OrganizationID: run.OrganizationID,
		ScheduledFor:   now,
		Attempt:        1,
		CreatedAt:      now,
	}

	if err := e.validate.Struct(task); err != nil {
		return fmt.Errorf("invalid step task: %w", err)
	}

	if err := e.persistence.CreateStepExecution(ctx, task, execution); err != nil {
		return fmt.Errorf("failed to create step execution: %w", err)
	}

	sr.Status = models.StepStatusRunning
	sr.ExecutionID = &execution.ID

	e.logger.InfoContext(ctx, "Step dispatched",
		"run_id", run.ID, "step", step.Name, "execution_id", execution.ID)

	return e.persistence.UpdateStepRun(ctx, sr)
}

// resolveStep transitions one step from an expected non-terminal state to a
// terminal one and advances the run. A step no longer in the expected state
// (a callback beat the timeout sweep, say) is left alone.
func (e *Engine) resolveStep(ctx context.Context, runID, stepRunID string, expect, status models.StepStatus, output map[string]any, errMsg string) error {
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
		return nil
	}

	steps, err := e.persistence.StepRunsByRun(ctx, runID)
	if err != nil {
		return err
	}

	var sr *models.StepRun

	for _, step := range steps {
		if step.ID == stepRunID {
			sr = step

			break
		}
	}

	if sr == nil || sr.Status != expect {
		return nil
	}

	now := time.Now().UTC()
	sr.Status = status
	sr.Output = output
	sr.Error = errMsg
	sr.FinishedAt = &now

	if err := e.persistence.UpdateStepRun(ctx, sr); err != nil {
		return err
	}

	return e.evaluateLocked(ctx, runID)
}

// expireRun times out a run whose expires_at has passed: pending transient
// executions are deleted and every non-terminal step is skipped.
func (e *Engine) expireRun(ctx context.Context, runID string) error {
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
		return nil
	}

	if _, err := e.persistence.DeletePendingStepExecutions(ctx, runID); err != nil {
		return err
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
		step.Error = "run expired"
		step.FinishedAt = &now

		if err := e.persistence.UpdateStepRun(ctx, step); err != nil {
			return err
		}
	}

	return e.finalize(ctx, run, models.RunStatusTimeout)
}

func (e *Engine) finalize(ctx context.Context, run *models.WorkflowRun, status models.RunStatus) error {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now

	if err := e.persistence.UpdateRun(ctx, run); err != nil {
		return err
	}

	e.publishRunFinished(ctx, run)

	e.logger.InfoContext(ctx, "Workflow run finished", "run_id", run.ID, "status", status)

	return nil
}

func (e *Engine) publishRunFinished(ctx context.Context, run *models.WorkflowRun) {
	event := events.RunFinished{
		BaseEvent: events.BaseEvent{
			ID:        e.eventBus.GenerateID(),
			Type:      events.RunFinishedEvent,
			Timestamp: time.Now().UTC(),
		},
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     run.Status,
	}

	if run.FinishedAt != nil {
		event.Duration = run.FinishedAt.Sub(run.CreatedAt)
	}

	if err := e.eventBus.Publish(ctx, run.ID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish run outcome", "run_id", run.ID, "error", err)
	}
}

func stepStatusFromExecution(s models.ExecutionStatus) models.StepStatus {
	switch s {
	case models.ExecutionStatusSuccess:
		return models.StepStatusSuccess
	case models.ExecutionStatusTimeout:
		return models.StepStatusTimeout
	default:
		return models.StepStatusFailed
	}
}

// httpStepOutput shapes an execution result for downstream templates and
// conditions. A JSON response body is additionally exposed parsed, under
// "json".
func httpStepOutput(execution *models.Execution) map[string]any {
	output := map[string]any{
		"body": execution.ResponseBody,
	}

	if execution.StatusCode != nil {
		output["status_code"] = *execution.StatusCode
	}

	var parsed any
	if err := json.Unmarshal([]byte(execution.ResponseBody), &parsed); err == nil {
		output["json"] = parsed
	}

	return output
}
