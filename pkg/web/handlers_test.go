package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hookcron/hookcron/pkg/events"
	"github.com/hookcron/hookcron/pkg/mocks"
	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
	"github.com/hookcron/hookcron/pkg/web"
)

type stubRunService struct {
	triggered  string
	payload    map[string]any
	triggerErr error
	cancelled  string
	cancelErr  error
	run        *models.WorkflowRun
}

func (s *stubRunService) Trigger(ctx context.Context, workflowID string, payload map[string]any) (*models.WorkflowRun, error) {
	s.triggered = workflowID
	s.payload = payload

	return s.run, s.triggerErr
}

func (s *stubRunService) Cancel(ctx context.Context, runID string) error {
	s.cancelled = runID

	return s.cancelErr
}

func setupTestApp(p *mocks.MockPersistence, runs web.RunService, eb *mocks.MockEventBus) *fiber.App {
	return web.NewApp(web.NewHandlers(p, runs, eb))
}

func TestCallback_PersistsPayloadThenPublishes(t *testing.T) {
	token := "tok-1"
	step := &models.StepRun{
		ID:            "sr-1",
		RunID:         "run-1",
		StepName:      "approve",
		Status:        models.StepStatusWaiting,
		CallbackToken: &token,
	}

	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("StepRunByToken", mock.Anything, token).Return(step, nil)

	// The payload must be durable before the event goes out; a lost event
	// is then recoverable from the stored step.
	var persisted bool

	p.On("UpdateStepRun", mock.Anything, step).
		Run(func(args mock.Arguments) {
			stored := args.Get(1).(*models.StepRun)
			assert.Equal(t, map[string]any{"approved": true}, stored.Output["payload"])
			persisted = true
		}).
		Return(nil)

	eb.On("GenerateID").Return("evt-1")

	var published events.CallbackReceived

	eb.On("Publish", mock.Anything, "run-1", mock.AnythingOfType("events.CallbackReceived")).
		Run(func(args mock.Arguments) {
			assert.True(t, persisted, "payload must be stored before the event is published")
			published = args.Get(2).(events.CallbackReceived)
		}).
		Return(nil)

	app := setupTestApp(p, &stubRunService{}, eb)

	req := httptest.NewRequest(http.MethodPost, "/wh/tok-1",
		bytes.NewReader([]byte(`{"approved":true}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", published.RunID)
	assert.Equal(t, "sr-1", published.StepRunID)
	assert.Equal(t, map[string]any{"approved": true}, published.Payload)
	p.AssertExpectations(t)
}

func TestCallback_UnknownTokenReturns404(t *testing.T) {
	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("StepRunByToken", mock.Anything, "nope").
		Return(nil, persistence.ErrStepRunNotFound)

	app := setupTestApp(p, &stubRunService{}, eb)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/wh/nope", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	eb.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestCallback_ResolvedTokenReturns404(t *testing.T) {
	token := "tok-1"
	step := &models.StepRun{
		ID:            "sr-1",
		RunID:         "run-1",
		Status:        models.StepStatusSuccess,
		CallbackToken: &token,
	}

	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("StepRunByToken", mock.Anything, token).Return(step, nil)

	app := setupTestApp(p, &stubRunService{}, eb)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/wh/tok-1", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	eb.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestTriggerRun(t *testing.T) {
	runs := &stubRunService{
		run: &models.WorkflowRun{ID: "run-1", WorkflowID: "wf-1", Status: models.RunStatusRunning},
	}

	app := setupTestApp(&mocks.MockPersistence{}, runs, &mocks.MockEventBus{})

	req := httptest.NewRequest(http.MethodPost, "/workflows/wf-1/run",
		bytes.NewReader([]byte(`{"env":"staging"}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "wf-1", runs.triggered)
	assert.Equal(t, map[string]any{"env": "staging"}, runs.payload)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var run models.WorkflowRun

	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, "run-1", run.ID)
}

func TestTriggerRun_UnknownWorkflowReturns404(t *testing.T) {
	runs := &stubRunService{triggerErr: persistence.ErrWorkflowNotFound}

	app := setupTestApp(&mocks.MockPersistence{}, runs, &mocks.MockEventBus{})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/workflows/wf-x/run", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	p := &mocks.MockPersistence{}

	p.On("RunByID", mock.Anything, "run-1").
		Return(&models.WorkflowRun{ID: "run-1", Status: models.RunStatusCompleted}, nil)

	app := setupTestApp(p, &stubRunService{}, &mocks.MockEventBus{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/runs/run-1", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetRunSteps(t *testing.T) {
	p := &mocks.MockPersistence{}

	p.On("RunByID", mock.Anything, "run-1").
		Return(&models.WorkflowRun{ID: "run-1", Status: models.RunStatusRunning}, nil)
	p.On("StepRunsByRun", mock.Anything, "run-1").
		Return([]*models.StepRun{
			{ID: "sr-1", RunID: "run-1", StepName: "A", Status: models.StepStatusSuccess},
		}, nil)

	app := setupTestApp(p, &stubRunService{}, &mocks.MockEventBus{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/runs/run-1/steps", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload struct {
		Steps []models.StepRun `json:"steps"`
	}

	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Steps, 1)
	assert.Equal(t, "A", payload.Steps[0].StepName)
}

func TestCancelRun(t *testing.T) {
	runs := &stubRunService{}

	app := setupTestApp(&mocks.MockPersistence{}, runs, &mocks.MockEventBus{})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/runs/run-1/cancel", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-1", runs.cancelled)
}

func TestCancelRun_TerminalRunReturns404(t *testing.T) {
	runs := &stubRunService{cancelErr: persistence.ErrRunNotFound}

	app := setupTestApp(&mocks.MockPersistence{}, runs, &mocks.MockEventBus{})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/runs/run-1/cancel", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
