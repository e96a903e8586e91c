package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// WorkflowRepository handles workflow definitions, runs, and step runs.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const runColumns = `id, workflow_id, organization_id, status, trigger_payload,
	expires_at, created_at, finished_at, gc_at`

const stepRunColumns = `id, run_id, step_name, status, execution_id, wake_at,
	callback_token, output, error, started_at, finished_at`

func (r *WorkflowRepository) SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	doc, err := json.Marshal(map[string]any{"name": def.Name, "steps": def.Steps})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow document: %w", err)
	}

	// Shape before graph: schema violations report field paths.
	if err := models.ValidateWorkflowDocument(doc); err != nil {
		return err
	}

	if err := def.Validate(); err != nil {
		return err
	}

	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow steps: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, organization_id, name, steps, expiry_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			steps = EXCLUDED.steps,
			expiry_ms = EXCLUDED.expiry_ms,
			updated_at = NOW()`,
		def.ID, def.OrganizationID, def.Name, steps, def.Expiry.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow definition %s: %w", def.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) WorkflowDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var (
		def      models.WorkflowDefinition
		steps    []byte
		expiryMs int64
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, steps, expiry_ms, created_at, updated_at
		FROM workflow_definitions WHERE id = $1`, id,
	).Scan(&def.ID, &def.OrganizationID, &def.Name, &steps, &expiryMs,
		&def.CreatedAt, &def.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrWorkflowNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query workflow definition %s: %w", id, err)
	}

	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow steps: %w", err)
	}

	def.Expiry = time.Duration(expiryMs) * time.Millisecond

	return &def, nil
}

// CreateRun inserts the run and its pending step runs in one transaction.
func (r *WorkflowRepository) CreateRun(ctx context.Context, run *models.WorkflowRun, steps []*models.StepRun) error {
	payload, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin run transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, organization_id, status, trigger_payload, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.WorkflowID, run.OrganizationID, run.Status, payload, run.ExpiresAt,
	)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	for _, step := range steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_runs (id, run_id, step_name, status)
			VALUES ($1, $2, $3, $4)`,
			step.ID, step.RunID, step.StepName, step.Status,
		)
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to insert step run %s: %w", step.StepName, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) RunByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM workflow_runs WHERE id = $1", id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}

	return run, nil
}

func (r *WorkflowRepository) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = $1, finished_at = $2 WHERE id = $3`,
		run.Status, run.FinishedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) StepRunsByRun(ctx context.Context, runID string) ([]*models.StepRun, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+stepRunColumns+" FROM step_runs WHERE run_id = $1 ORDER BY step_name", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step runs for %s: %w", runID, err)
	}

	return r.collectStepRuns(ctx, rows)
}

func (r *WorkflowRepository) UpdateStepRun(ctx context.Context, step *models.StepRun) error {
	var output any

	if step.Output != nil {
		raw, err := json.Marshal(step.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal step output: %w", err)
		}

		output = raw
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE step_runs
		SET status = $1, execution_id = $2, wake_at = $3, callback_token = $4,
			output = $5, error = $6, started_at = $7, finished_at = $8
		WHERE id = $9`,
		step.Status, step.ExecutionID, step.WakeAt, step.CallbackToken,
		output, step.Error, step.StartedAt, step.FinishedAt, step.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step run %s: %w", step.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) StepRunByToken(ctx context.Context, token string) (*models.StepRun, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+stepRunColumns+" FROM step_runs WHERE callback_token = $1", token)

	step, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrStepRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query step run by token: %w", err)
	}

	return step, nil
}

func (r *WorkflowRepository) StepRunByExecutionID(ctx context.Context, executionID string) (*models.StepRun, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+stepRunColumns+" FROM step_runs WHERE execution_id = $1", executionID)

	step, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrStepRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query step run by execution: %w", err)
	}

	return step, nil
}

// CreateStepExecution inserts the transient task and its pending execution
// for a dispatched http step in one transaction.
func (r *WorkflowRepository) CreateStepExecution(ctx context.Context, task *models.Task, execution *models.Execution) error {
	headers, err := json.Marshal(task.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal task headers: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin step execution transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, organization_id, name, url, method, headers, body,
			schedule_type, timezone, enabled, timeout_ms, retry_attempts, queue)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'workflow', '', FALSE, $8, 0, $9)`,
		task.ID, task.OrganizationID, task.Name, task.URL, task.Method,
		headers, task.Body, task.Timeout.Milliseconds(), task.Queue,
	)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to insert transient task %s: %w", task.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, organization_id, queue, status, scheduled_for, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		execution.ID, execution.TaskID, execution.OrganizationID,
		execution.Queue, execution.Status, execution.ScheduledFor, execution.Attempt,
	)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to insert transient execution %s: %w", execution.ID, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit step execution: %w", err)
	}

	return nil
}

// DueSleepingSteps returns sleeping steps whose wake instant has passed.
func (r *WorkflowRepository) DueSleepingSteps(ctx context.Context, now time.Time) ([]*models.StepRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE status = 'sleeping' AND wake_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due sleeping steps: %w", err)
	}

	return r.collectStepRuns(ctx, rows)
}

// OverdueWaitingSteps returns waiting steps whose callback deadline passed.
func (r *WorkflowRepository) OverdueWaitingSteps(ctx context.Context, now time.Time) ([]*models.StepRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE status = 'waiting' AND wake_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue waiting steps: %w", err)
	}

	return r.collectStepRuns(ctx, rows)
}

// DeliveredWaitingSteps returns waiting steps that already carry a stored
// callback payload. The callback endpoint persists the payload before
// publishing; a step in this state means the event was lost and the sweep
// finishes the delivery.
func (r *WorkflowRepository) DeliveredWaitingSteps(ctx context.Context) ([]*models.StepRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE status = 'waiting' AND output IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivered waiting steps: %w", err)
	}

	return r.collectStepRuns(ctx, rows)
}

// ExpiredRuns returns active runs past their expiry.
func (r *WorkflowRepository) ExpiredRuns(ctx context.Context, now time.Time) ([]*models.WorkflowRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE status = 'running' AND expires_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired runs: %w", err)
	}

	return r.collectRuns(ctx, rows)
}

// OrphanedSteps returns running steps whose linked execution already
// finished; their outcome event was lost (crash, restart) and the sweep
// re-drives the evaluation.
func (r *WorkflowRepository) OrphanedSteps(ctx context.Context) ([]*models.StepRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixedStepRunColumns("sr")+`
		FROM step_runs sr
		JOIN executions e ON e.id = sr.execution_id
		WHERE sr.status = 'running'
		  AND e.status IN ('success', 'failed', 'timeout')`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned steps: %w", err)
	}

	return r.collectStepRuns(ctx, rows)
}

// CollectableRuns returns terminal, not-yet-collected runs past the grace
// period.
func (r *WorkflowRepository) CollectableRuns(ctx context.Context, grace time.Duration) ([]*models.WorkflowRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE status <> 'running'
		  AND gc_at IS NULL
		  AND finished_at IS NOT NULL
		  AND finished_at <= NOW() - ($1 * INTERVAL '1 millisecond')`,
		grace.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query collectable runs: %w", err)
	}

	return r.collectRuns(ctx, rows)
}

// GCRun deletes the run's transient tasks (cascading their executions) in
// one batch and stamps gc_at. The gc_at guard makes a second call a no-op.
func (r *WorkflowRepository) GCRun(ctx context.Context, runID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin gc transaction: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs SET gc_at = NOW()
		WHERE id = $1 AND status <> 'running' AND gc_at IS NULL`, runID)
	if err != nil {
		_ = tx.Rollback()

		return 0, fmt.Errorf("failed to mark run %s collected: %w", runID, err)
	}

	marked, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()

		return 0, fmt.Errorf("failed to read gc mark result: %w", err)
	}

	if marked == 0 {
		// Already collected, or still running.
		_ = tx.Rollback()

		return 0, nil
	}

	result, err = tx.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE schedule_type = 'workflow' AND id IN (
			SELECT e.task_id FROM executions e
			JOIN step_runs sr ON sr.execution_id = e.id
			WHERE sr.run_id = $1
		)`, runID)
	if err != nil {
		_ = tx.Rollback()

		return 0, fmt.Errorf("failed to delete transient records for run %s: %w", runID, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()

		return 0, fmt.Errorf("failed to read gc delete result: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to commit gc for run %s: %w", runID, err)
	}

	return int(deleted), nil
}

// DeletePendingStepExecutions removes not-yet-claimed transient executions
// of a run. Cancellation calls this; in-flight executions are left to finish
// and have their results discarded. The delete targets the parent transient
// task so the execution goes with it via cascade; deleting only the
// execution would strand the task, since GC finds tasks through their
// execution rows.
func (r *WorkflowRepository) DeletePendingStepExecutions(ctx context.Context, runID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE schedule_type = 'workflow' AND id IN (
			SELECT e.task_id FROM executions e
			JOIN step_runs sr ON sr.execution_id = e.id
			WHERE sr.run_id = $1 AND e.status = 'pending'
		)`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending step executions for run %s: %w", runID, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	return int(deleted), nil
}

func (r *WorkflowRepository) collectStepRuns(ctx context.Context, rows *sql.Rows) ([]*models.StepRun, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var steps []*models.StepRun

	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step runs: %w", err)
	}

	return steps, nil
}

func (r *WorkflowRepository) collectRuns(ctx context.Context, rows *sql.Rows) ([]*models.WorkflowRun, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var runs []*models.WorkflowRun

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func prefixedStepRunColumns(alias string) string {
	return alias + `.id, ` + alias + `.run_id, ` + alias + `.step_name, ` +
		alias + `.status, ` + alias + `.execution_id, ` + alias + `.wake_at, ` +
		alias + `.callback_token, ` + alias + `.output, ` + alias + `.error, ` +
		alias + `.started_at, ` + alias + `.finished_at`
}

func scanRun(row rowScanner) (*models.WorkflowRun, error) {
	var (
		run        models.WorkflowRun
		payload    []byte
		finishedAt sql.NullTime
		gcAt       sql.NullTime
	)

	err := row.Scan(&run.ID, &run.WorkflowID, &run.OrganizationID, &run.Status,
		&payload, &run.ExpiresAt, &run.CreatedAt, &finishedAt, &gcAt)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &run.TriggerPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger payload: %w", err)
		}
	}

	run.FinishedAt = nullTime(finishedAt)
	run.GCAt = nullTime(gcAt)

	return &run, nil
}

func scanStepRun(row rowScanner) (*models.StepRun, error) {
	var (
		step          models.StepRun
		executionID   sql.NullString
		wakeAt        sql.NullTime
		callbackToken sql.NullString
		output        []byte
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
	)

	err := row.Scan(&step.ID, &step.RunID, &step.StepName, &step.Status,
		&executionID, &wakeAt, &callbackToken, &output, &step.Error,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if len(output) > 0 {
		if err := json.Unmarshal(output, &step.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
		}
	}

	step.ExecutionID = nullString(executionID)
	step.WakeAt = nullTime(wakeAt)
	step.CallbackToken = nullString(callbackToken)
	step.StartedAt = nullTime(startedAt)
	step.FinishedAt = nullTime(finishedAt)

	return &step, nil
}
