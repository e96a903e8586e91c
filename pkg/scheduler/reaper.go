package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookcron/hookcron/pkg/eventbus"
	"github.com/hookcron/hookcron/pkg/events"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// ReaperLockKey is the advisory lock key for the execution recovery sweep.
const ReaperLockKey = "hookcron:reaper"

const (
	defaultReapInterval  = time.Minute
	defaultReapThreshold = 5 * time.Minute
)

// Reaper is the backstop for worker crashes: executions left running past a
// generous threshold are reclassified as failed so they are not lost
// silently, and their final outcome events still fire.
type Reaper struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger

	interval  time.Duration
	threshold time.Duration
}

func NewReaper(p persistence.Persistence, eb eventbus.EventBus, logger *slog.Logger) *Reaper {
	return &Reaper{
		persistence: p,
		eventBus:    eb,
		logger:      logger.With("module", "reaper"),
		interval:    defaultReapInterval,
		threshold:   defaultReapThreshold,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "Execution reaper started",
		"interval", r.interval, "threshold", r.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep recovers stuck executions if this node can take the reaper lock.
func (r *Reaper) Sweep(ctx context.Context) {
	unlock, isLeader, err := r.persistence.TryLock(ctx, ReaperLockKey)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to acquire reaper lock", "error", err)

		return
	}

	if !isLeader {
		return
	}

	defer func() {
		if unlockErr := unlock(ctx); unlockErr != nil {
			r.logger.ErrorContext(ctx, "Failed to release reaper lock", "error", unlockErr)
		}
	}()

	recovered, err := r.persistence.RecoverStuckExecutions(ctx, r.threshold)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to recover stuck executions", "error", err)

		return
	}

	for _, execution := range recovered {
		r.logger.WarnContext(ctx, "Recovered abandoned execution",
			"execution_id", execution.ID, "task_id", execution.TaskID)

		event := events.ExecutionFinished{
			BaseEvent: events.BaseEvent{
				ID:        r.eventBus.GenerateID(),
				Type:      events.ExecutionFinishedEvent,
				Timestamp: time.Now().UTC(),
			},
			ExecutionID:    execution.ID,
			TaskID:         execution.TaskID,
			OrganizationID: execution.OrganizationID,
			Status:         execution.Status,
			Duration:       execution.Duration,
			Attempt:        execution.Attempt,
		}

		err = r.eventBus.Publish(ctx, execution.TaskID, event)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to publish recovery outcome",
				"execution_id", execution.ID, "error", err)
		}
	}
}
