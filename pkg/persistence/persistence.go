// Package persistence defines the storage abstraction. The store is the
// single source of truth and the only cross-node synchronization point:
// claim locking, leader election, and per-run mutual exclusion are all
// expressed through it.
package persistence

import (
	"context"
	"time"

	"github.com/hookcron/hookcron/pkg/models"
)

// ClaimedExecution is the result of a successful claim: the execution
// (already marked running) plus the task and organization context a worker
// needs to perform the call without further lookups.
type ClaimedExecution struct {
	Execution    *models.Execution
	Task         *models.Task
	Organization *models.Organization
}

// UnlockFunc releases a previously acquired advisory lock.
type UnlockFunc func(ctx context.Context) error

type TaskStore interface {
	SaveTask(ctx context.Context, task *models.Task) error
	TaskByID(ctx context.Context, id string) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// DueTasks returns enabled tasks with next_run_at <= now.
	DueTasks(ctx context.Context, now time.Time) ([]*models.Task, error)

	// MaterializeDueTask atomically inserts the pending execution and
	// advances (or clears) the task's next_run_at in one transaction, so a
	// partially failed tick can never double-materialize an instant.
	MaterializeDueTask(ctx context.Context, task *models.Task, nextRunAt *time.Time, execution *models.Execution) error
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	ExecutionByID(ctx context.Context, id string) (*models.Execution, error)

	// ClaimExecution atomically locks and returns the highest-priority
	// eligible pending execution, skipping rows locked by concurrent
	// claimers. Returns (nil, nil) when nothing is claimable.
	ClaimExecution(ctx context.Context, fairnessCap int) (*ClaimedExecution, error)

	// FinishExecution writes the terminal fields of a claimed execution.
	FinishExecution(ctx context.Context, execution *models.Execution) error

	// CountEligiblePending reports the claimable backlog depth, used by
	// the pool supervisor for sizing.
	CountEligiblePending(ctx context.Context, fairnessCap int) (int, error)

	// CountMonthlyExecutions counts an organization's executions created
	// in the given month, for the quota check.
	CountMonthlyExecutions(ctx context.Context, organizationID string, month time.Time) (int, error)

	// RecoverStuckExecutions marks executions running longer than
	// threshold as failed and returns them so final outcome events can be
	// published.
	RecoverStuckExecutions(ctx context.Context, threshold time.Duration) ([]*models.Execution, error)
}

type AccountStore interface {
	SaveOrganization(ctx context.Context, org *models.Organization) error
	OrganizationByID(ctx context.Context, id string) (*models.Organization, error)
	SaveQueue(ctx context.Context, queue *models.Queue) error
}

type WorkflowStore interface {
	SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	WorkflowDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)

	// CreateRun inserts the run and its pending step runs in one
	// transaction.
	CreateRun(ctx context.Context, run *models.WorkflowRun, steps []*models.StepRun) error
	RunByID(ctx context.Context, id string) (*models.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error

	StepRunsByRun(ctx context.Context, runID string) ([]*models.StepRun, error)
	UpdateStepRun(ctx context.Context, step *models.StepRun) error
	StepRunByToken(ctx context.Context, token string) (*models.StepRun, error)
	StepRunByExecutionID(ctx context.Context, executionID string) (*models.StepRun, error)

	// CreateStepExecution inserts the transient task and its pending
	// execution for an http step in one transaction.
	CreateStepExecution(ctx context.Context, task *models.Task, execution *models.Execution) error

	// Sweep queries.
	DueSleepingSteps(ctx context.Context, now time.Time) ([]*models.StepRun, error)
	OverdueWaitingSteps(ctx context.Context, now time.Time) ([]*models.StepRun, error)
	DeliveredWaitingSteps(ctx context.Context) ([]*models.StepRun, error)
	ExpiredRuns(ctx context.Context, now time.Time) ([]*models.WorkflowRun, error)
	OrphanedSteps(ctx context.Context) ([]*models.StepRun, error)

	// CollectableRuns returns terminal runs past the GC grace period that
	// have not been collected yet.
	CollectableRuns(ctx context.Context, grace time.Duration) ([]*models.WorkflowRun, error)

	// GCRun deletes the run's transient executions and tasks in one
	// batch, marking the run collected. Idempotent: a second call deletes
	// nothing and returns 0.
	GCRun(ctx context.Context, runID string) (int, error)

	// DeletePendingStepExecutions removes not-yet-claimed transient
	// executions of a run, used by cancellation.
	DeletePendingStepExecutions(ctx context.Context, runID string) (int, error)
}

type LockStore interface {
	// TryLock attempts a non-blocking, session-scoped advisory lock on
	// key. ok is false when another session holds it.
	TryLock(ctx context.Context, key string) (unlock UnlockFunc, ok bool, err error)

	// LockRun blocks until the per-run advisory lock is acquired. The
	// second-arriving evaluator waits and then re-observes state; it must
	// never be skipped.
	LockRun(ctx context.Context, runID string) (UnlockFunc, error)
}

type Persistence interface {
	TaskStore
	ExecutionStore
	AccountStore
	WorkflowStore
	LockStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
