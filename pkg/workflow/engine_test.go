package workflow

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hookcron/hookcron/pkg/events"
	"github.com/hookcron/hookcron/pkg/mocks"
	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

func testEngine(p *mocks.MockPersistence, eb *mocks.MockEventBus) *Engine {
	return NewEngine(p, eb, slog.Default())
}

func noopUnlock() persistence.UnlockFunc {
	return func(ctx context.Context) error { return nil }
}

func TestEvaluate_DispatchesRootHTTPStepWithRenderedTemplates(t *testing.T) {
	def := testDefinition(
		&models.Step{
			Name: "notify",
			Type: models.StepTypeHTTP,
			URL:  "https://hooks.example/{{trigger.channel}}",
			Body: `{"user":"{{trigger.user}}"}`,
		},
	)
	run := &models.WorkflowRun{
		ID:             "run-1",
		WorkflowID:     def.ID,
		OrganizationID: "org-1",
		Status:         models.RunStatusRunning,
		TriggerPayload: map[string]any{"channel": "alerts", "user": "ada"},
	}
	stepRun := &models.StepRun{ID: "sr-1", RunID: run.ID, StepName: "notify", Status: models.StepStatusPending}

	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("LockRun", mock.Anything, run.ID).Return(noopUnlock(), nil)
	p.On("RunByID", mock.Anything, run.ID).Return(run, nil)
	p.On("WorkflowDefinitionByID", mock.Anything, def.ID).Return(def, nil)
	p.On("StepRunsByRun", mock.Anything, run.ID).Return([]*models.StepRun{stepRun}, nil)

	var createdTask *models.Task

	p.On("CreateStepExecution", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			createdTask = args.Get(1).(*models.Task)
		}).
		Return(nil)
	p.On("UpdateStepRun", mock.Anything, stepRun).Return(nil)

	err := testEngine(p, eb).Evaluate(context.Background(), run.ID)

	require.NoError(t, err)
	require.NotNil(t, createdTask)
	assert.Equal(t, "https://hooks.example/alerts", createdTask.URL)
	assert.Equal(t, `{"user":"ada"}`, createdTask.Body)
	assert.Equal(t, models.ScheduleTypeWorkflow, createdTask.ScheduleType)
	assert.False(t, createdTask.Enabled)
	assert.Equal(t, models.StepStatusRunning, stepRun.Status)
	require.NotNil(t, stepRun.ExecutionID)
}

func TestEvaluate_UnresolvedReferenceFailsStepWithoutDispatch(t *testing.T) {
	def := testDefinition(
		&models.Step{
			Name: "notify",
			Type: models.StepTypeHTTP,
			URL:  "https://hooks.example/{{trigger.channel}}",
		},
	)
	run := &models.WorkflowRun{
		ID:         "run-1",
		WorkflowID: def.ID,
		Status:     models.RunStatusRunning,
	}
	stepRun := &models.StepRun{ID: "sr-1", RunID: run.ID, StepName: "notify", Status: models.StepStatusPending}

	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("LockRun", mock.Anything, run.ID).Return(noopUnlock(), nil)
	p.On("RunByID", mock.Anything, run.ID).Return(run, nil)
	p.On("WorkflowDefinitionByID", mock.Anything, def.ID).Return(def, nil)
	p.On("StepRunsByRun", mock.Anything, run.ID).Return([]*models.StepRun{stepRun}, nil)
	p.On("UpdateStepRun", mock.Anything, stepRun).Return(nil)
	p.On("UpdateRun", mock.Anything, run).Return(nil)

	eb.On("GenerateID").Return("evt-1")
	eb.On("Publish", mock.Anything, run.ID, mock.AnythingOfType("events.RunFinished")).Return(nil)

	err := testEngine(p, eb).Evaluate(context.Background(), run.ID)

	require.NoError(t, err)
	assert.Equal(t, models.StepStatusTemplateError, stepRun.Status)
	assert.Contains(t, stepRun.Error, "trigger.channel")
	assert.Equal(t, models.RunStatusFailed, run.Status)
	p.AssertNotCalled(t, "CreateStepExecution", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleExecutionFinished_IgnoresOrdinaryExecutions(t *testing.T) {
	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("StepRunByExecutionID", mock.Anything, "exec-1").
		Return(nil, persistence.ErrStepRunNotFound)

	engine := testEngine(p, eb)

	err := engine.handleExecutionFinished(context.Background(), &events.ExecutionFinished{ExecutionID: "exec-1"})

	require.NoError(t, err)
	p.AssertNotCalled(t, "LockRun", mock.Anything, mock.Anything)
}

func TestRecordCallback_LateCallbackIgnored(t *testing.T) {
	run := &models.WorkflowRun{ID: "run-1", Status: models.RunStatusRunning}
	token := "tok-1"
	stepRun := &models.StepRun{
		ID:            "sr-1",
		RunID:         run.ID,
		StepName:      "approve",
		Status:        models.StepStatusSuccess,
		CallbackToken: &token,
	}

	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("LockRun", mock.Anything, run.ID).Return(noopUnlock(), nil)
	p.On("RunByID", mock.Anything, run.ID).Return(run, nil)
	p.On("StepRunByToken", mock.Anything, token).Return(stepRun, nil)

	engine := testEngine(p, eb)

	err := engine.recordCallback(context.Background(), &events.CallbackReceived{
		RunID: run.ID,
		Token: token,
	})

	require.NoError(t, err)
	p.AssertNotCalled(t, "UpdateStepRun", mock.Anything, mock.Anything)
}

func TestCancel_SkipsNonTerminalStepsAndDeletesPendingExecutions(t *testing.T) {
	run := &models.WorkflowRun{ID: "run-1", WorkflowID: "wf-1", Status: models.RunStatusRunning}
	done := &models.StepRun{ID: "sr-1", RunID: run.ID, StepName: "A", Status: models.StepStatusSuccess}
	waiting := &models.StepRun{ID: "sr-2", RunID: run.ID, StepName: "B", Status: models.StepStatusWaiting}

	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("LockRun", mock.Anything, run.ID).Return(noopUnlock(), nil)
	p.On("RunByID", mock.Anything, run.ID).Return(run, nil)
	p.On("DeletePendingStepExecutions", mock.Anything, run.ID).Return(1, nil)
	p.On("StepRunsByRun", mock.Anything, run.ID).Return([]*models.StepRun{done, waiting}, nil)
	p.On("UpdateStepRun", mock.Anything, waiting).Return(nil)
	p.On("UpdateRun", mock.Anything, run).Return(nil)

	eb.On("GenerateID").Return("evt-1")
	eb.On("Publish", mock.Anything, run.ID, mock.AnythingOfType("events.RunFinished")).Return(nil)

	err := testEngine(p, eb).Cancel(context.Background(), run.ID)

	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.Equal(t, models.StepStatusSkipped, waiting.Status)
	assert.Equal(t, models.StepStatusSuccess, done.Status)
	p.AssertNotCalled(t, "UpdateStepRun", mock.Anything, done)
	eb.AssertExpectations(t)
}

func TestCancel_TerminalRunRejected(t *testing.T) {
	run := &models.WorkflowRun{ID: "run-1", Status: models.RunStatusCompleted}

	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("LockRun", mock.Anything, run.ID).Return(noopUnlock(), nil)
	p.On("RunByID", mock.Anything, run.ID).Return(run, nil)

	err := testEngine(p, eb).Cancel(context.Background(), run.ID)

	require.Error(t, err)
	assert.True(t, persistence.IsRunNotFound(err))
}
