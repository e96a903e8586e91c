package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hookcron/hookcron/pkg/eventbus"
	"github.com/hookcron/hookcron/pkg/events"
	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// ErrWorkerIdle signals a clean self-termination after the idle timeout.
// The pool does not replace idle exits until backlog demands it.
var ErrWorkerIdle = errors.New("worker idle timeout")

// Config carries the knobs shared by all workers of a pool.
type Config struct {
	// FairnessCap bounds concurrent executions per organization. The cap
	// is a starting default, not a contract; tune per deployment.
	FairnessCap int

	// IdleTimeout is how long a worker polls without a claim before
	// exiting.
	IdleTimeout time.Duration

	// PollInterval is the delay between empty claim attempts.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FairnessCap <= 0 {
		c.FairnessCap = 3
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}

	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}

	return c
}

// Worker runs the claim → execute → record loop.
type Worker struct {
	id          string
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	caller      *Caller
	logger      *slog.Logger
	config      Config
}

func NewWorker(id string, p persistence.Persistence, eb eventbus.EventBus, logger *slog.Logger, config Config) *Worker {
	return &Worker{
		id:          id,
		persistence: p,
		eventBus:    eb,
		caller:      NewCaller(),
		logger:      logger.With("module", "worker", "worker_id", id),
		config:      config.withDefaults(),
	}
}

// Run loops until the context is cancelled or the idle timeout elapses with
// no claimable work. Returns ErrWorkerIdle on idle exit, nil on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	idleSince := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		claimed, err := w.persistence.ClaimExecution(ctx, w.config.FairnessCap)
		if err != nil {
			// Transient store trouble: back off and retry, never
			// surface.
			w.logger.ErrorContext(ctx, "Claim failed", "error", err)

			if !w.sleep(ctx, w.config.PollInterval) {
				return nil
			}

			continue
		}

		if claimed == nil {
			if time.Since(idleSince) >= w.config.IdleTimeout {
				w.logger.InfoContext(ctx, "No claimable work, worker exiting")

				return ErrWorkerIdle
			}

			if !w.sleep(ctx, w.config.PollInterval) {
				return nil
			}

			continue
		}

		idleSince = time.Now()

		w.process(ctx, claimed)
	}
}

func (w *Worker) process(ctx context.Context, claimed *persistence.ClaimedExecution) {
	execution := claimed.Execution
	task := claimed.Task

	logger := w.logger.With("execution_id", execution.ID, "task_id", task.ID)
	logger.InfoContext(ctx, "Executing task", "url", task.URL, "attempt", execution.Attempt)

	result := w.caller.Call(ctx, task, claimed.Organization)

	status, errorMessage := Classify(task, result)

	now := time.Now().UTC()
	execution.Status = status
	execution.FinishedAt = &now
	execution.Duration = result.Duration
	execution.ResponseBody = result.Body
	execution.ErrorMessage = errorMessage

	if result.StatusCode != 0 {
		code := result.StatusCode
		execution.StatusCode = &code
	}

	err := w.persistence.FinishExecution(ctx, execution)
	if errors.Is(err, persistence.ErrExecutionNotClaimable) {
		// The run was cancelled or the reaper got here first; the
		// result is discarded.
		logger.WarnContext(ctx, "Execution no longer ours, discarding result")

		return
	}

	if err != nil {
		logger.ErrorContext(ctx, "Failed to record outcome", "error", err)

		return
	}

	if w.scheduleRetry(ctx, task, execution, result) {
		logger.InfoContext(ctx, "Scheduled retry", "attempt", execution.Attempt+1)

		return
	}

	w.publishOutcome(ctx, execution)

	if task.CallbackURL != nil {
		w.postCallback(ctx, task, claimed.Organization, execution)
	}

	logger.InfoContext(ctx, "Execution finished", "status", status, "duration", result.Duration)
}

// scheduleRetry creates the next attempt for a failed one-time task.
// Recurring tasks never retry (the next occurrence is the retry), and
// transient workflow tasks carry retry_attempts = 0.
func (w *Worker) scheduleRetry(ctx context.Context, task *models.Task, execution *models.Execution, result CallResult) bool {
	if task.ScheduleType != models.ScheduleTypeOnce {
		return false
	}

	if execution.Status == models.ExecutionStatusSuccess {
		return false
	}

	if execution.Attempt >= task.RetryAttempts {
		return false
	}

	delay := RetryDelay(execution.Attempt, result.RetryAfter, time.Now().UTC())

	retry := &models.Execution{
		ID:             uuid.New().String(),
		TaskID:         task.ID,
		OrganizationID: execution.OrganizationID,
		Queue:          execution.Queue,
		Status:         models.ExecutionStatusPending,
		ScheduledFor:   time.Now().UTC().Add(delay),
		Attempt:        execution.Attempt + 1,
	}

	err := w.persistence.CreateExecution(ctx, retry)
	if err != nil {
		// The attempt is lost; fall through to the final outcome so the
		// failure at least surfaces.
		w.logger.ErrorContext(ctx, "Failed to schedule retry",
			"task_id", task.ID, "error", err)

		return false
	}

	return true
}

// publishOutcome broadcasts the final outcome event. Fires exactly once per
// execution chain: intermediate retry attempts return early in process.
func (w *Worker) publishOutcome(ctx context.Context, execution *models.Execution) {
	event := events.ExecutionFinished{
		BaseEvent: events.BaseEvent{
			ID:        w.eventBus.GenerateID(),
			Type:      events.ExecutionFinishedEvent,
			Timestamp: time.Now().UTC(),
			WorkerID:  w.id,
		},
		ExecutionID:    execution.ID,
		TaskID:         execution.TaskID,
		OrganizationID: execution.OrganizationID,
		Status:         execution.Status,
		StatusCode:     execution.StatusCode,
		Duration:       execution.Duration,
		ResponseBody:   execution.ResponseBody,
		Attempt:        execution.Attempt,
	}

	err := w.eventBus.Publish(ctx, execution.TaskID, event)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish outcome event",
			"execution_id", execution.ID, "error", err)
	}
}

// postCallback delivers the result to the task's callback URL. Best effort:
// a failed callback is logged, never retried.
func (w *Worker) postCallback(ctx context.Context, task *models.Task, org *models.Organization, execution *models.Execution) {
	payload, err := json.Marshal(map[string]any{
		"task_id":      task.ID,
		"execution_id": execution.ID,
		"status":       execution.Status,
		"status_code":  execution.StatusCode,
		"duration_ms":  execution.Duration.Milliseconds(),
		"body":         execution.ResponseBody,
		"error":        execution.ErrorMessage,
	})
	if err != nil {
		return
	}

	callbackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callbackCtx, http.MethodPost, *task.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to build result callback", "error", err)

		return
	}

	req.Header.Set("Content-Type", "application/json")

	if org != nil && org.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, Sign(string(payload), org.WebhookSecret))
	}

	resp, err := w.caller.client.Do(req)
	if err != nil {
		w.logger.WarnContext(ctx, "Result callback failed", "url", *task.CallbackURL, "error", err)

		return
	}

	_ = resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.WarnContext(ctx, "Result callback rejected",
			"url", *task.CallbackURL, "status", resp.StatusCode)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
