package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// SweepLockKey is the advisory lock key for the engine's safety-net sweep.
const SweepLockKey = "hookcron:engine-sweep"

const (
	defaultSweepInterval = 15 * time.Second

	// defaultGCGrace is how long a terminal run's transient records are
	// kept before collection, so in-flight outcome events are not raced.
	defaultGCGrace = time.Minute
)

// Sweeper is the engine's time-driven backstop. Events drive normal
// advancement; the sweep wakes due sleeps, times out overdue waits, expires
// runs, recovers steps whose outcome event was lost, and garbage-collects
// terminal runs.
type Sweeper struct {
	engine      *Engine
	persistence persistence.Persistence
	logger      *slog.Logger

	interval time.Duration
	gcGrace  time.Duration
}

func NewSweeper(engine *Engine, p persistence.Persistence, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		engine:      engine,
		persistence: p,
		logger:      logger.With("module", "workflow_sweep"),
		interval:    defaultSweepInterval,
		gcGrace:     defaultGCGrace,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "Workflow sweep started",
		"interval", s.interval, "gc_grace", s.gcGrace)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass if this node can take the sweep lock. Each phase is
// independent; a failure in one is logged and the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	unlock, isLeader, err := s.persistence.TryLock(ctx, SweepLockKey)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to acquire sweep lock", "error", err)

		return
	}

	if !isLeader {
		return
	}

	defer func() {
		if unlockErr := unlock(ctx); unlockErr != nil {
			s.logger.ErrorContext(ctx, "Failed to release sweep lock", "error", unlockErr)
		}
	}()

	now := time.Now().UTC()

	s.wakeSleepingSteps(ctx, now)
	s.resolveDeliveredCallbacks(ctx)
	s.timeoutWaitingSteps(ctx, now)
	s.expireRuns(ctx, now)
	s.recoverOrphanedSteps(ctx)
	s.collectRuns(ctx)
}

func (s *Sweeper) wakeSleepingSteps(ctx context.Context, now time.Time) {
	steps, err := s.persistence.DueSleepingSteps(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query due sleeping steps", "error", err)

		return
	}

	for _, step := range steps {
		err := s.engine.resolveStep(ctx, step.RunID, step.ID, models.StepStatusSleeping,
			models.StepStatusSuccess, nil, "")
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to wake sleeping step",
				"run_id", step.RunID, "step", step.StepName, "error", err)
		}
	}
}

// resolveDeliveredCallbacks advances waiting steps whose callback payload
// was persisted by the endpoint but whose event never arrived. Without
// this a lost event would let an acknowledged callback time out.
func (s *Sweeper) resolveDeliveredCallbacks(ctx context.Context) {
	steps, err := s.persistence.DeliveredWaitingSteps(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query delivered waiting steps", "error", err)

		return
	}

	for _, step := range steps {
		err := s.engine.resolveStep(ctx, step.RunID, step.ID, models.StepStatusWaiting,
			models.StepStatusSuccess, step.Output, "")
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to resolve delivered callback",
				"run_id", step.RunID, "step", step.StepName, "error", err)
		}
	}
}

func (s *Sweeper) timeoutWaitingSteps(ctx context.Context, now time.Time) {
	steps, err := s.persistence.OverdueWaitingSteps(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query overdue waiting steps", "error", err)

		return
	}

	for _, step := range steps {
		err := s.engine.resolveStep(ctx, step.RunID, step.ID, models.StepStatusWaiting,
			models.StepStatusTimeout, nil, "callback deadline exceeded")
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to time out waiting step",
				"run_id", step.RunID, "step", step.StepName, "error", err)
		}
	}
}

func (s *Sweeper) expireRuns(ctx context.Context, now time.Time) {
	runs, err := s.persistence.ExpiredRuns(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query expired runs", "error", err)

		return
	}

	for _, run := range runs {
		if err := s.engine.expireRun(ctx, run.ID); err != nil {
			s.logger.ErrorContext(ctx, "Failed to expire run", "run_id", run.ID, "error", err)
		}
	}
}

// recoverOrphanedSteps is the lost-event backstop: steps still marked
// running whose linked execution already finished are advanced as if the
// outcome event had arrived.
func (s *Sweeper) recoverOrphanedSteps(ctx context.Context) {
	steps, err := s.persistence.OrphanedSteps(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query orphaned steps", "error", err)

		return
	}

	for _, step := range steps {
		if step.ExecutionID == nil {
			continue
		}

		if err := s.engine.RecordExecutionOutcome(ctx, step.RunID, *step.ExecutionID); err != nil {
			s.logger.ErrorContext(ctx, "Failed to recover orphaned step",
				"run_id", step.RunID, "step", step.StepName, "error", err)
		}
	}
}

func (s *Sweeper) collectRuns(ctx context.Context) {
	runs, err := s.persistence.CollectableRuns(ctx, s.gcGrace)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query collectable runs", "error", err)

		return
	}

	for _, run := range runs {
		deleted, err := s.persistence.GCRun(ctx, run.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to collect run", "run_id", run.ID, "error", err)

			continue
		}

		s.logger.InfoContext(ctx, "Collected run", "run_id", run.ID, "deleted", deleted)
	}
}
