// Package scheduler converts due task definitions into pending executions,
// exactly once per due instant, with a single active instance cluster-wide.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hookcron/hookcron/pkg/eventbus"
	"github.com/hookcron/hookcron/pkg/events"
	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// LeaderLockKey is the cluster-wide advisory lock key for the scheduling
// tick. Every node runs a Scheduler; only the lock holder ticks.
const LeaderLockKey = "hookcron:scheduler"

const defaultTickInterval = 10 * time.Second

type Scheduler struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger

	tickInterval time.Duration
	wake         chan struct{}
	done         chan struct{}
}

func NewScheduler(p persistence.Persistence, eb eventbus.EventBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		persistence:  p,
		eventBus:     eb,
		logger:       logger.With("module", "scheduler"),
		tickInterval: defaultTickInterval,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start runs the tick loop until the context is cancelled. The wake event
// subscription lets newly enabled or one-time tasks get picked up before
// the next interval; the ticker stays authoritative.
func (s *Scheduler) Start(ctx context.Context) error {
	err := s.eventBus.Handle(events.ScheduleWakeEvent, func(ctx context.Context, _ any) error {
		s.Wake()

		return nil
	})
	if err != nil {
		return err
	}

	err = s.eventBus.Subscribe(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	defer close(s.done)

	s.logger.InfoContext(ctx, "Scheduler started", "tick_interval", s.tickInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopping")

			return nil
		case <-ticker.C:
		case <-s.wake:
		}

		s.Tick(ctx)
	}
}

// Wake requests an out-of-band tick. Lossy: if a tick is already queued the
// signal is dropped.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick runs one scheduling pass if this node can take the leader lock. Not
// being leader is the normal idle case, never an error.
func (s *Scheduler) Tick(ctx context.Context) {
	unlock, isLeader, err := s.persistence.TryLock(ctx, LeaderLockKey)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to acquire scheduler lock", "error", err)

		return
	}

	if !isLeader {
		s.logger.DebugContext(ctx, "Not scheduling leader, skipping tick")

		return
	}

	defer func() {
		if unlockErr := unlock(ctx); unlockErr != nil {
			s.logger.ErrorContext(ctx, "Failed to release scheduler lock", "error", unlockErr)
		}
	}()

	s.materializeDue(ctx, time.Now().UTC())
}

func (s *Scheduler) materializeDue(ctx context.Context, now time.Time) {
	tasks, err := s.persistence.DueTasks(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query due tasks", "error", err)

		return
	}

	for _, task := range tasks {
		err := s.materializeTask(ctx, task, now)
		if err != nil {
			// Per-task failures don't abort the tick; the task stays
			// due and the next tick retries it.
			s.logger.ErrorContext(ctx, "Failed to materialize task",
				"task_id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) materializeTask(ctx context.Context, task *models.Task, now time.Time) error {
	overQuota, err := s.overMonthlyQuota(ctx, task, now)
	if err != nil {
		return err
	}

	if overQuota {
		s.logger.WarnContext(ctx, "Organization over monthly quota, skipping task",
			"task_id", task.ID, "organization_id", task.OrganizationID)

		return nil
	}

	nextRunAt, err := s.nextRunAfter(task, now)
	if err != nil {
		return err
	}

	execution := &models.Execution{
		ID:             uuid.New().String(),
		TaskID:         task.ID,
		OrganizationID: task.OrganizationID,
		Queue:          task.Queue,
		Status:         models.ExecutionStatusPending,
		ScheduledFor:   *task.NextRunAt,
		Attempt:        1,
	}

	err = s.persistence.MaterializeDueTask(ctx, task, nextRunAt, execution)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Materialized execution",
		"task_id", task.ID, "execution_id", execution.ID,
		"scheduled_for", execution.ScheduledFor)

	return nil
}

// nextRunAfter computes the task's next due instant: the following cron
// occurrence for recurring tasks, nil for one-time tasks (they go dormant
// once their single execution exists). The advance base is the later of
// the stored due instant and now, so a task that lagged behind (node
// outage, long leader gap) jumps straight to its next future occurrence
// instead of replaying every missed one.
func (s *Scheduler) nextRunAfter(task *models.Task, now time.Time) (*time.Time, error) {
	if task.ScheduleType != models.ScheduleTypeCron || task.CronExpression == nil {
		return nil, nil
	}

	after := *task.NextRunAt
	if now.After(after) {
		after = now
	}

	next, err := models.NextCronRun(*task.CronExpression, task.Timezone, after)
	if err != nil {
		return nil, err
	}

	return &next, nil
}

func (s *Scheduler) overMonthlyQuota(ctx context.Context, task *models.Task, now time.Time) (bool, error) {
	org, err := s.persistence.OrganizationByID(ctx, task.OrganizationID)
	if err != nil {
		return false, err
	}

	if org.MonthlyLimit <= 0 {
		return false, nil
	}

	used, err := s.persistence.CountMonthlyExecutions(ctx, org.ID, now)
	if err != nil {
		return false, err
	}

	return used >= org.MonthlyLimit, nil
}
