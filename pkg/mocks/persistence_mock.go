// Package mocks provides testify mocks of the storage and event bus
// interfaces for unit tests.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// MockPersistence is a mock implementation of persistence.Persistence.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) SaveTask(ctx context.Context, task *models.Task) error {
	args := m.Called(ctx, task)

	return args.Error(0)
}

func (m *MockPersistence) TaskByID(ctx context.Context, id string) (*models.Task, error) {
	args := m.Called(ctx, id)

	if task, ok := args.Get(0).(*models.Task); ok {
		return task, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) DeleteTask(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockPersistence) DueTasks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	args := m.Called(ctx, now)

	if tasks, ok := args.Get(0).([]*models.Task); ok {
		return tasks, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) MaterializeDueTask(ctx context.Context, task *models.Task, nextRunAt *time.Time, execution *models.Execution) error {
	args := m.Called(ctx, task, nextRunAt, execution)

	return args.Error(0)
}

func (m *MockPersistence) CreateExecution(ctx context.Context, execution *models.Execution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockPersistence) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	args := m.Called(ctx, id)

	if execution, ok := args.Get(0).(*models.Execution); ok {
		return execution, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) ClaimExecution(ctx context.Context, fairnessCap int) (*persistence.ClaimedExecution, error) {
	args := m.Called(ctx, fairnessCap)

	if claimed, ok := args.Get(0).(*persistence.ClaimedExecution); ok {
		return claimed, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) FinishExecution(ctx context.Context, execution *models.Execution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockPersistence) CountEligiblePending(ctx context.Context, fairnessCap int) (int, error) {
	args := m.Called(ctx, fairnessCap)

	return args.Int(0), args.Error(1)
}

func (m *MockPersistence) CountMonthlyExecutions(ctx context.Context, organizationID string, month time.Time) (int, error) {
	args := m.Called(ctx, organizationID, month)

	return args.Int(0), args.Error(1)
}

func (m *MockPersistence) RecoverStuckExecutions(ctx context.Context, threshold time.Duration) ([]*models.Execution, error) {
	args := m.Called(ctx, threshold)

	if executions, ok := args.Get(0).([]*models.Execution); ok {
		return executions, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) SaveOrganization(ctx context.Context, org *models.Organization) error {
	args := m.Called(ctx, org)

	return args.Error(0)
}

func (m *MockPersistence) OrganizationByID(ctx context.Context, id string) (*models.Organization, error) {
	args := m.Called(ctx, id)

	if org, ok := args.Get(0).(*models.Organization); ok {
		return org, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) SaveQueue(ctx context.Context, queue *models.Queue) error {
	args := m.Called(ctx, queue)

	return args.Error(0)
}

func (m *MockPersistence) SaveWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	args := m.Called(ctx, def)

	return args.Error(0)
}

func (m *MockPersistence) WorkflowDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, id)

	if def, ok := args.Get(0).(*models.WorkflowDefinition); ok {
		return def, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) CreateRun(ctx context.Context, run *models.WorkflowRun, steps []*models.StepRun) error {
	args := m.Called(ctx, run, steps)

	return args.Error(0)
}

func (m *MockPersistence) RunByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	args := m.Called(ctx, id)

	if run, ok := args.Get(0).(*models.WorkflowRun); ok {
		return run, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockPersistence) StepRunsByRun(ctx context.Context, runID string) ([]*models.StepRun, error) {
	args := m.Called(ctx, runID)

	if steps, ok := args.Get(0).([]*models.StepRun); ok {
		return steps, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) UpdateStepRun(ctx context.Context, step *models.StepRun) error {
	args := m.Called(ctx, step)

	return args.Error(0)
}

func (m *MockPersistence) StepRunByToken(ctx context.Context, token string) (*models.StepRun, error) {
	args := m.Called(ctx, token)

	if step, ok := args.Get(0).(*models.StepRun); ok {
		return step, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) StepRunByExecutionID(ctx context.Context, executionID string) (*models.StepRun, error) {
	args := m.Called(ctx, executionID)

	if step, ok := args.Get(0).(*models.StepRun); ok {
		return step, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) CreateStepExecution(ctx context.Context, task *models.Task, execution *models.Execution) error {
	args := m.Called(ctx, task, execution)

	return args.Error(0)
}

func (m *MockPersistence) DueSleepingSteps(ctx context.Context, now time.Time) ([]*models.StepRun, error) {
	args := m.Called(ctx, now)

	if steps, ok := args.Get(0).([]*models.StepRun); ok {
		return steps, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) OverdueWaitingSteps(ctx context.Context, now time.Time) ([]*models.StepRun, error) {
	args := m.Called(ctx, now)

	if steps, ok := args.Get(0).([]*models.StepRun); ok {
		return steps, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) ExpiredRuns(ctx context.Context, now time.Time) ([]*models.WorkflowRun, error) {
	args := m.Called(ctx, now)

	if runs, ok := args.Get(0).([]*models.WorkflowRun); ok {
		return runs, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) OrphanedSteps(ctx context.Context) ([]*models.StepRun, error) {
	args := m.Called(ctx)

	if steps, ok := args.Get(0).([]*models.StepRun); ok {
		return steps, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) DeliveredWaitingSteps(ctx context.Context) ([]*models.StepRun, error) {
	args := m.Called(ctx)

	if steps, ok := args.Get(0).([]*models.StepRun); ok {
		return steps, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) CollectableRuns(ctx context.Context, grace time.Duration) ([]*models.WorkflowRun, error) {
	args := m.Called(ctx, grace)

	if runs, ok := args.Get(0).([]*models.WorkflowRun); ok {
		return runs, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) GCRun(ctx context.Context, runID string) (int, error) {
	args := m.Called(ctx, runID)

	return args.Int(0), args.Error(1)
}

func (m *MockPersistence) DeletePendingStepExecutions(ctx context.Context, runID string) (int, error) {
	args := m.Called(ctx, runID)

	return args.Int(0), args.Error(1)
}

func (m *MockPersistence) TryLock(ctx context.Context, key string) (persistence.UnlockFunc, bool, error) {
	args := m.Called(ctx, key)

	if unlock, ok := args.Get(0).(persistence.UnlockFunc); ok {
		return unlock, args.Bool(1), args.Error(2)
	}

	return nil, args.Bool(1), args.Error(2)
}

func (m *MockPersistence) LockRun(ctx context.Context, runID string) (persistence.UnlockFunc, error) {
	args := m.Called(ctx, runID)

	if unlock, ok := args.Get(0).(persistence.UnlockFunc); ok {
		return unlock, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
