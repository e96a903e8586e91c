package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskInitializeNextRun_CronFirstOccurrence(t *testing.T) {
	expr := "*/5 * * * *"
	task := &Task{ScheduleType: ScheduleTypeCron, CronExpression: &expr}

	now := time.Date(2025, 6, 1, 12, 2, 30, 0, time.UTC)

	require.NoError(t, task.InitializeNextRun(now))
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), *task.NextRunAt)
}

func TestTaskInitializeNextRun_OnceUsesScheduledAt(t *testing.T) {
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	task := &Task{ScheduleType: ScheduleTypeOnce, ScheduledAt: &at}

	require.NoError(t, task.InitializeNextRun(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, at, *task.NextRunAt)
}

func TestTaskInitializeNextRun_PreservesExisting(t *testing.T) {
	expr := "*/5 * * * *"
	set := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	task := &Task{ScheduleType: ScheduleTypeCron, CronExpression: &expr, NextRunAt: &set}

	require.NoError(t, task.InitializeNextRun(time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC)))
	assert.Equal(t, set, *task.NextRunAt)
}

func TestTaskInitializeNextRun_WorkflowStaysDormant(t *testing.T) {
	task := &Task{ScheduleType: ScheduleTypeWorkflow}

	require.NoError(t, task.InitializeNextRun(time.Now().UTC()))
	assert.Nil(t, task.NextRunAt)
}
