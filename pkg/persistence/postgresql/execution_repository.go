package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// ExecutionRepository handles execution-related database operations,
// including the atomic claim.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `id, task_id, organization_id, queue, status,
	scheduled_for, started_at, finished_at, status_code, duration_ms,
	response_body, error_message, attempt, created_at`

// claimEligibility is the shared WHERE clause of the claim and the backlog
// count: pending, due, queue not paused, queue not already running for the
// organization, organization below its fairness cap.
const claimEligibility = `
	e.status = 'pending'
	AND e.scheduled_for <= NOW()
	AND NOT EXISTS (
		SELECT 1 FROM queues q
		WHERE q.organization_id = e.organization_id
		  AND q.name = e.queue
		  AND q.paused
	)
	AND (e.queue IS NULL OR NOT EXISTS (
		SELECT 1 FROM executions running
		WHERE running.status = 'running'
		  AND running.organization_id = e.organization_id
		  AND running.queue = e.queue
	))
	AND (
		SELECT COUNT(*) FROM executions running
		WHERE running.status = 'running'
		  AND running.organization_id = e.organization_id
	) < LEAST($1, COALESCE(NULLIF(o.max_concurrent_executions, 0), $1))
`

// claimOrdering ranks eligible executions: paying tier first, shorter cron
// interval first (more time-sensitive), oldest scheduled_for first
// (starvation avoidance).
const claimOrdering = `
	ORDER BY (o.tier = 'paid') DESC,
		t.interval_seconds ASC NULLS LAST,
		e.scheduled_for ASC
`

func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, organization_id, queue, status, scheduled_for, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		execution.ID, execution.TaskID, execution.OrganizationID,
		execution.Queue, execution.Status, execution.ScheduledFor, execution.Attempt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id)

	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrExecutionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query execution %s: %w", id, err)
	}

	return execution, nil
}

// ClaimExecution locks and transitions one eligible pending execution to
// running in a single statement. SKIP LOCKED makes concurrent claimers pass
// over rows another claimer is deciding on instead of blocking, so no
// execution is ever handed out twice and claimers never wait on each other.
//
// Under READ COMMITTED the queue-serialization NOT EXISTS subquery cannot
// see an uncommitted claim on the same (organization, queue), so two
// claimers can pass the predicate at once. The partial unique index
// idx_executions_queue_serial is the arbiter: the loser's UPDATE hits a
// unique violation, which is treated as nothing-claimable.
func (r *ExecutionRepository) ClaimExecution(ctx context.Context, fairnessCap int) (*persistence.ClaimedExecution, error) {
	query := `
		UPDATE executions SET status = 'running', started_at = NOW()
		WHERE id = (
			SELECT e.id
			FROM executions e
			JOIN tasks t ON t.id = e.task_id
			JOIN organizations o ON o.id = e.organization_id
			WHERE ` + claimEligibility + claimOrdering + `
			FOR UPDATE OF e SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + executionColumns

	row := r.db.QueryRowContext(ctx, query, fairnessCap)

	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if isUniqueViolation(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	// The row is ours now; the follow-up lookups race nothing.
	task, err := NewTaskRepository(r.db, r.logger).TaskByID(ctx, execution.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task for claimed execution %s: %w", execution.ID, err)
	}

	org, err := NewAccountRepository(r.db, r.logger).OrganizationByID(ctx, execution.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load organization for claimed execution %s: %w", execution.ID, err)
	}

	return &persistence.ClaimedExecution{Execution: execution, Task: task, Organization: org}, nil
}

// FinishExecution writes the terminal fields. Only rows still running can
// transition; a recovery sweep that already failed the execution wins.
func (r *ExecutionRepository) FinishExecution(ctx context.Context, execution *models.Execution) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, finished_at = $2, status_code = $3, duration_ms = $4,
			response_body = $5, error_message = $6
		WHERE id = $7 AND status = 'running'`,
		execution.Status, execution.FinishedAt, execution.StatusCode,
		execution.Duration.Milliseconds(),
		models.TruncateBody(execution.ResponseBody), execution.ErrorMessage,
		execution.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finish result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrExecutionNotClaimable
	}

	return nil
}

func (r *ExecutionRepository) CountEligiblePending(ctx context.Context, fairnessCap int) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM executions e
		JOIN tasks t ON t.id = e.task_id
		JOIN organizations o ON o.id = e.organization_id
		WHERE ` + claimEligibility

	var count int

	err := r.db.QueryRowContext(ctx, query, fairnessCap).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count eligible pending executions: %w", err)
	}

	return count, nil
}

func (r *ExecutionRepository) CountMonthlyExecutions(ctx context.Context, organizationID string, month time.Time) (int, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var count int

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3`,
		organizationID, start, end,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count monthly executions for %s: %w", organizationID, err)
	}

	return count, nil
}

// RecoverStuckExecutions reclassifies executions left running past the
// threshold (worker crash) as failed, returning them so final outcome
// events can still be published.
func (r *ExecutionRepository) RecoverStuckExecutions(ctx context.Context, threshold time.Duration) ([]*models.Execution, error) {
	query := `
		UPDATE executions
		SET status = 'failed', finished_at = NOW(),
			error_message = 'execution abandoned: worker did not report an outcome'
		WHERE status = 'running' AND started_at < NOW() - ($1 * INTERVAL '1 millisecond')
		RETURNING ` + executionColumns

	rows, err := r.db.QueryContext(ctx, query, threshold.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to recover stuck executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var recovered []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovered execution: %w", err)
		}

		recovered = append(recovered, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovered executions: %w", err)
	}

	return recovered, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		execution  models.Execution
		queue      sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		statusCode sql.NullInt64
		durationMs int64
	)

	err := row.Scan(
		&execution.ID, &execution.TaskID, &execution.OrganizationID, &queue,
		&execution.Status, &execution.ScheduledFor, &startedAt, &finishedAt,
		&statusCode, &durationMs, &execution.ResponseBody,
		&execution.ErrorMessage, &execution.Attempt, &execution.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.Queue = nullString(queue)
	execution.StartedAt = nullTime(startedAt)
	execution.FinishedAt = nullTime(finishedAt)
	execution.Duration = time.Duration(durationMs) * time.Millisecond

	if statusCode.Valid {
		code := int(statusCode.Int64)
		execution.StatusCode = &code
	}

	return &execution, nil
}
