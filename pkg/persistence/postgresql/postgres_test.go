package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
	"github.com/hookcron/hookcron/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"step_runs", "workflow_runs", "workflow_definitions", "executions", "tasks", "queues", "organizations", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("hookcron_test"),
			postgres.WithUsername("hookcron"),
			postgres.WithPassword("hookcron"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func seedOrganization(ctx context.Context, t *testing.T, p *postgresql.Persistence, id string, tier models.Tier) {
	t.Helper()

	err := p.SaveOrganization(ctx, &models.Organization{ID: id, Name: id, Tier: tier})
	require.NoError(t, err)
}

func seedCronTask(ctx context.Context, t *testing.T, p *postgresql.Persistence, orgID, expression string, queue *string) *models.Task {
	t.Helper()

	task := &models.Task{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           "ping",
		URL:            "https://example.com/ping",
		Method:         "GET",
		ScheduleType:   models.ScheduleTypeCron,
		CronExpression: &expression,
		Queue:          queue,
		Enabled:        true,
	}

	require.NoError(t, p.SaveTask(ctx, task))

	return task
}

func seedPendingExecution(ctx context.Context, t *testing.T, p *postgresql.Persistence, task *models.Task, scheduledFor time.Time) *models.Execution {
	t.Helper()

	execution := &models.Execution{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		OrganizationID: task.OrganizationID,
		Queue:          task.Queue,
		Status:         models.ExecutionStatusPending,
		ScheduledFor:   scheduledFor,
		Attempt:        1,
	}

	require.NoError(t, p.CreateExecution(ctx, execution))

	return execution
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'executions')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "executions table should exist")

	var versions int

	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version IN (1, 2)").Scan(&versions)
	require.NoError(t, err)
	assert.Equal(t, 2, versions)

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM pg_indexes
WHERE indexname = 'idx_executions_queue_serial')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "queue serialization index should exist")
}

func TestSaveTask_DerivesFirstDueInstant(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	seedOrganization(ctx, t, p, "org-1", models.TierFree)
	task := seedCronTask(ctx, t, p, "org-1", "*/5 * * * *", nil)

	saved, err := p.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, saved.NextRunAt, "a new cron task must get a first due instant")
	assert.True(t, saved.NextRunAt.After(time.Now().UTC().Add(-time.Minute)))

	due, err := p.DueTasks(ctx, saved.NextRunAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)
}

func TestClaimExecution_NoDoubleDispatch(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	seedOrganization(ctx, t, p, "org-1", models.TierFree)
	task := seedCronTask(ctx, t, p, "org-1", "*/5 * * * *", nil)

	past := time.Now().UTC().Add(-time.Minute)
	for range 6 {
		seedPendingExecution(ctx, t, p, task, past)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				c, err := p.ClaimExecution(ctx, 10)
				if !assert.NoError(t, err) {
					return
				}

				if c == nil {
					return
				}

				mu.Lock()
				claimed[c.Execution.ID]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, claimed, 6, "every pending execution should be claimed")

	for id, count := range claimed {
		assert.Equal(t, 1, count, "execution %s claimed more than once", id)
	}
}

func TestClaimExecution_OrdersByTierIntervalAge(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	seedOrganization(ctx, t, p, "org-free", models.TierFree)
	seedOrganization(ctx, t, p, "org-paid", models.TierPaid)

	past := time.Now().UTC().Add(-time.Hour)

	// Free org, every minute: first by age, last by priority.
	freeTask := seedCronTask(ctx, t, p, "org-free", "* * * * *", nil)
	seedPendingExecution(ctx, t, p, freeTask, past)

	// Paid org, hourly: paid beats free, long interval loses to short.
	slowPaid := seedCronTask(ctx, t, p, "org-paid", "0 * * * *", nil)
	seedPendingExecution(ctx, t, p, slowPaid, past.Add(time.Minute))

	// Paid org, every minute: most time-sensitive, claimed first.
	fastPaid := seedCronTask(ctx, t, p, "org-paid", "* * * * *", nil)
	seedPendingExecution(ctx, t, p, fastPaid, past.Add(2*time.Minute))

	var order []string

	for range 3 {
		c, err := p.ClaimExecution(ctx, 10)
		require.NoError(t, err)
		require.NotNil(t, c)

		order = append(order, c.Task.ID)

		// Release the fairness slot before the next claim.
		c.Execution.Status = models.ExecutionStatusSuccess
		now := time.Now().UTC()
		c.Execution.FinishedAt = &now
		require.NoError(t, p.FinishExecution(ctx, c.Execution))
	}

	assert.Equal(t, []string{fastPaid.ID, slowPaid.ID, freeTask.ID}, order)
}

func TestClaimExecution_QueueRunsSerially(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	seedOrganization(ctx, t, p, "org-1", models.TierFree)

	queue := "reports"
	task := seedCronTask(ctx, t, p, "org-1", "*/5 * * * *", &queue)

	past := time.Now().UTC().Add(-time.Minute)
	first := seedPendingExecution(ctx, t, p, task, past)
	second := seedPendingExecution(ctx, t, p, task, past.Add(time.Second))

	c, err := p.ClaimExecution(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, first.ID, c.Execution.ID)

	// One execution of the queue is running; the second must wait.
	blocked, err := p.ClaimExecution(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	c.Execution.Status = models.ExecutionStatusSuccess
	now := time.Now().UTC()
	c.Execution.FinishedAt = &now
	require.NoError(t, p.FinishExecution(ctx, c.Execution))

	next, err := p.ClaimExecution(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.Execution.ID)
}

func TestClaimExecution_QueueSerializationEnforcedByIndex(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	seedOrganization(ctx, t, p, "org-1", models.TierFree)

	queue := "reports"
	task := seedCronTask(ctx, t, p, "org-1", "*/5 * * * *", &queue)

	past := time.Now().UTC().Add(-time.Minute)
	seedPendingExecution(ctx, t, p, task, past)
	second := seedPendingExecution(ctx, t, p, task, past.Add(time.Second))

	c, err := p.ClaimExecution(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, c)

	// A claimer whose eligibility snapshot predates the first commit would
	// try exactly this transition; the partial unique index rejects it.
	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	_, err = db.ExecContext(ctx,
		"UPDATE executions SET status = 'running', started_at = NOW() WHERE id = $1",
		second.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idx_executions_queue_serial")
}

func TestClaimExecution_PausedQueueSkipped(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	seedOrganization(ctx, t, p, "org-1", models.TierFree)

	queue := "reports"
	require.NoError(t, p.SaveQueue(ctx, &models.Queue{
		OrganizationID: "org-1", Name: queue, Paused: true,
	}))

	task := seedCronTask(ctx, t, p, "org-1", "*/5 * * * *", &queue)
	seedPendingExecution(ctx, t, p, task, time.Now().UTC().Add(-time.Minute))

	c, err := p.ClaimExecution(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, c, "executions of a paused queue must not be claimed")
}

func TestDeletePendingStepExecutions_RemovesTransientTasks(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	seedOrganization(ctx, t, p, "org-1", models.TierFree)

	def := &models.WorkflowDefinition{
		ID:             uuid.NewString(),
		OrganizationID: "org-1",
		Name:           "deploy pipeline",
		Steps: []*models.Step{
			{Name: "build", Type: models.StepTypeHTTP, URL: "https://ci.example.com/build", Method: "POST"},
		},
	}
	require.NoError(t, p.SaveWorkflowDefinition(ctx, def))

	run := &models.WorkflowRun{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		OrganizationID: "org-1",
		Status:         models.RunStatusRunning,
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	}
	step := &models.StepRun{
		ID:       uuid.NewString(),
		RunID:    run.ID,
		StepName: "build",
		Status:   models.StepStatusPending,
	}
	require.NoError(t, p.CreateRun(ctx, run, []*models.StepRun{step}))

	task := &models.Task{
		ID:             uuid.NewString(),
		OrganizationID: "org-1",
		Name:           "build",
		URL:            "https://ci.example.com/build",
		Method:         "POST",
		ScheduleType:   models.ScheduleTypeWorkflow,
	}
	execution := &models.Execution{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		OrganizationID: "org-1",
		Status:         models.ExecutionStatusPending,
		ScheduledFor:   time.Now().UTC(),
		Attempt:        1,
	}
	require.NoError(t, p.CreateStepExecution(ctx, task, execution))

	step.Status = models.StepStatusRunning
	step.ExecutionID = &execution.ID
	require.NoError(t, p.UpdateStepRun(ctx, step))

	deleted, err := p.DeletePendingStepExecutions(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// The transient task must go with its execution, or nothing would ever
	// reclaim it after the run is collected.
	_, err = p.TaskByID(ctx, task.ID)
	assert.ErrorIs(t, err, persistence.ErrTaskNotFound)

	_, err = p.ExecutionByID(ctx, execution.ID)
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}
