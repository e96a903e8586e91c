package workflow

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hookcron/hookcron/pkg/mocks"
	"github.com/hookcron/hookcron/pkg/models"
)

func TestSweep_NotLeaderSkips(t *testing.T) {
	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("TryLock", mock.Anything, SweepLockKey).Return(noopUnlock(), false, nil)

	sweeper := NewSweeper(testEngine(p, eb), p, slog.Default())
	sweeper.Sweep(context.Background())

	p.AssertNotCalled(t, "DueSleepingSteps", mock.Anything, mock.Anything)
	p.AssertNotCalled(t, "CollectableRuns", mock.Anything, mock.Anything)
}

func TestSweep_ResolvesStoredCallbackWhenEventLost(t *testing.T) {
	def := testDefinition(
		&models.Step{Name: "approve", Type: models.StepTypeWait},
	)
	run := &models.WorkflowRun{
		ID:         "run-1",
		WorkflowID: def.ID,
		Status:     models.RunStatusRunning,
	}
	token := "tok-1"
	step := &models.StepRun{
		ID:            "sr-1",
		RunID:         run.ID,
		StepName:      "approve",
		Status:        models.StepStatusWaiting,
		CallbackToken: &token,
		// Persisted by the callback endpoint; the event itself was lost.
		Output: map[string]any{"payload": map[string]any{"approved": true}},
	}

	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("TryLock", mock.Anything, SweepLockKey).Return(noopUnlock(), true, nil)
	p.On("DueSleepingSteps", mock.Anything, mock.Anything).Return([]*models.StepRun{}, nil)
	p.On("DeliveredWaitingSteps", mock.Anything).Return([]*models.StepRun{step}, nil)
	p.On("OverdueWaitingSteps", mock.Anything, mock.Anything).Return([]*models.StepRun{}, nil)
	p.On("ExpiredRuns", mock.Anything, mock.Anything).Return([]*models.WorkflowRun{}, nil)
	p.On("OrphanedSteps", mock.Anything).Return([]*models.StepRun{}, nil)
	p.On("CollectableRuns", mock.Anything, defaultGCGrace).Return([]*models.WorkflowRun{}, nil)

	p.On("LockRun", mock.Anything, run.ID).Return(noopUnlock(), nil)
	p.On("RunByID", mock.Anything, run.ID).Return(run, nil)
	p.On("WorkflowDefinitionByID", mock.Anything, def.ID).Return(def, nil)
	p.On("StepRunsByRun", mock.Anything, run.ID).Return([]*models.StepRun{step}, nil)
	p.On("UpdateStepRun", mock.Anything, step).Return(nil)
	p.On("UpdateRun", mock.Anything, run).Return(nil)

	eb.On("GenerateID").Return("evt-1")
	eb.On("Publish", mock.Anything, run.ID, mock.AnythingOfType("events.RunFinished")).Return(nil)

	sweeper := NewSweeper(testEngine(p, eb), p, slog.Default())
	sweeper.Sweep(context.Background())

	assert.Equal(t, models.StepStatusSuccess, step.Status)
	assert.Equal(t, map[string]any{"approved": true}, step.Output["payload"])
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	eb.AssertExpectations(t)
}

func TestSweep_CollectsTerminalRuns(t *testing.T) {
	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("TryLock", mock.Anything, SweepLockKey).Return(noopUnlock(), true, nil)
	p.On("DueSleepingSteps", mock.Anything, mock.Anything).Return([]*models.StepRun{}, nil)
	p.On("DeliveredWaitingSteps", mock.Anything).Return([]*models.StepRun{}, nil)
	p.On("OverdueWaitingSteps", mock.Anything, mock.Anything).Return([]*models.StepRun{}, nil)
	p.On("ExpiredRuns", mock.Anything, mock.Anything).Return([]*models.WorkflowRun{}, nil)
	p.On("OrphanedSteps", mock.Anything).Return([]*models.StepRun{}, nil)
	p.On("CollectableRuns", mock.Anything, defaultGCGrace).
		Return([]*models.WorkflowRun{{ID: "run-1", Status: models.RunStatusCompleted}}, nil)
	p.On("GCRun", mock.Anything, "run-1").Return(3, nil)

	sweeper := NewSweeper(testEngine(p, eb), p, slog.Default())
	sweeper.Sweep(context.Background())

	p.AssertExpectations(t)
	require.True(t, p.AssertCalled(t, "GCRun", mock.Anything, "run-1"))
}
