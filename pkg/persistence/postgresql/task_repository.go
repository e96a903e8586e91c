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

// TaskRepository handles task-related database operations.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

const taskColumns = `id, organization_id, name, url, method, headers, body,
	schedule_type, cron_expression, timezone, scheduled_at, next_run_at,
	interval_seconds, queue, enabled, timeout_ms, retry_attempts,
	expected_status, body_contains, callback_url, created_at, updated_at`

// SaveTask upserts a task, recomputing the priority interval and deriving
// the first due instant when the task does not carry one yet. Without that
// derivation a new task would never surface in DueTasks.
func (r *TaskRepository) SaveTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	if err := task.RefreshInterval(); err != nil {
		return err
	}

	if err := task.InitializeNextRun(time.Now().UTC()); err != nil {
		return err
	}

	headers, err := json.Marshal(task.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal task headers: %w", err)
	}

	var expectedStatus any

	if len(task.ExpectedStatus) > 0 {
		expectedStatus, err = json.Marshal(task.ExpectedStatus)
		if err != nil {
			return fmt.Errorf("failed to marshal expected status set: %w", err)
		}
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			method = EXCLUDED.method,
			headers = EXCLUDED.headers,
			body = EXCLUDED.body,
			schedule_type = EXCLUDED.schedule_type,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			scheduled_at = EXCLUDED.scheduled_at,
			next_run_at = EXCLUDED.next_run_at,
			interval_seconds = EXCLUDED.interval_seconds,
			queue = EXCLUDED.queue,
			enabled = EXCLUDED.enabled,
			timeout_ms = EXCLUDED.timeout_ms,
			retry_attempts = EXCLUDED.retry_attempts,
			expected_status = EXCLUDED.expected_status,
			body_contains = EXCLUDED.body_contains,
			callback_url = EXCLUDED.callback_url,
			updated_at = NOW()
	`

	_, err = r.db.ExecContext(ctx, query,
		task.ID, task.OrganizationID, task.Name, task.URL, task.Method,
		headers, task.Body, task.ScheduleType, task.CronExpression,
		task.Timezone, task.ScheduledAt, task.NextRunAt,
		task.IntervalSeconds, task.Queue, task.Enabled,
		task.Timeout.Milliseconds(), task.RetryAttempts, expectedStatus,
		task.BodyContains, task.CallbackURL,
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}

	return nil
}

func (r *TaskRepository) TaskByID(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrTaskNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query task %s: %w", id, err)
	}

	return task, nil
}

func (r *TaskRepository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrTaskNotFound
	}

	return nil
}

// DueTasks returns enabled tasks whose next_run_at has passed.
func (r *TaskRepository) DueTasks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + ` FROM tasks
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var tasks []*models.Task

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due tasks: %w", err)
	}

	return tasks, nil
}

// MaterializeDueTask inserts the pending execution and moves next_run_at in
// one transaction. The next_run_at guard in the UPDATE makes the operation
// a no-op if a concurrent tick already advanced the task, so a due instant
// is never materialized twice.
func (r *TaskRepository) MaterializeDueTask(ctx context.Context, task *models.Task, nextRunAt *time.Time, execution *models.Execution) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin materialize transaction: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE tasks SET next_run_at = $1, updated_at = NOW() WHERE id = $2 AND next_run_at = $3",
		nextRunAt, task.ID, task.NextRunAt,
	)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to advance next_run_at for task %s: %w", task.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to read advance result: %w", err)
	}

	if affected == 0 {
		// Another tick got here first.
		_ = tx.Rollback()

		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, organization_id, queue, status, scheduled_for, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		execution.ID, execution.TaskID, execution.OrganizationID,
		execution.Queue, execution.Status, execution.ScheduledFor, execution.Attempt,
	)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to insert execution for task %s: %w", task.ID, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit materialize for task %s: %w", task.ID, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task            models.Task
		headers         []byte
		cronExpression  sql.NullString
		scheduledAt     sql.NullTime
		nextRunAt       sql.NullTime
		intervalSeconds sql.NullInt64
		queue           sql.NullString
		timeoutMs       int64
		expectedStatus  []byte
		bodyContains    sql.NullString
		callbackURL     sql.NullString
	)

	err := row.Scan(
		&task.ID, &task.OrganizationID, &task.Name, &task.URL, &task.Method,
		&headers, &task.Body, &task.ScheduleType, &cronExpression,
		&task.Timezone, &scheduledAt, &nextRunAt, &intervalSeconds, &queue,
		&task.Enabled, &timeoutMs, &task.RetryAttempts, &expectedStatus,
		&bodyContains, &callbackURL, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &task.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task headers: %w", err)
		}
	}

	if len(expectedStatus) > 0 {
		if err := json.Unmarshal(expectedStatus, &task.ExpectedStatus); err != nil {
			return nil, fmt.Errorf("failed to unmarshal expected status set: %w", err)
		}
	}

	task.Timeout = time.Duration(timeoutMs) * time.Millisecond
	task.CronExpression = nullString(cronExpression)
	task.ScheduledAt = nullTime(scheduledAt)
	task.NextRunAt = nullTime(nextRunAt)
	task.Queue = nullString(queue)
	task.BodyContains = nullString(bodyContains)
	task.CallbackURL = nullString(callbackURL)

	if intervalSeconds.Valid {
		task.IntervalSeconds = &intervalSeconds.Int64
	}

	return &task, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}

	return &v.String
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}

	t := v.Time.UTC()

	return &t
}
