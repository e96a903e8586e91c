package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hookcron/hookcron/pkg/eventbus"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// PoolConfig sizes the adaptive pool.
type PoolConfig struct {
	// Min workers stay warm even with no backlog.
	Min int

	// Max is the HTTP concurrency ceiling.
	Max int

	// SampleInterval is how often backlog depth is measured.
	SampleInterval time.Duration

	Worker Config
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Min <= 0 {
		c.Min = 2
	}

	if c.Max < c.Min {
		c.Max = c.Min * 10
	}

	if c.SampleInterval <= 0 {
		c.SampleInterval = 2 * time.Second
	}

	c.Worker = c.Worker.withDefaults()

	return c
}

// Pool supervises a dynamically sized set of workers: spawns when backlog
// exceeds the current worker count, lets idle workers exit naturally, and
// restarts abnormal exits. Sizing decisions live in one goroutine; workers
// report back over a channel, not shared state.
type Pool struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger
	config      PoolConfig

	running int
	exits   chan error
	wg      sync.WaitGroup
}

func NewPool(p persistence.Persistence, eb eventbus.EventBus, logger *slog.Logger, config PoolConfig) *Pool {
	config = config.withDefaults()

	return &Pool{
		persistence: p,
		eventBus:    eb,
		logger:      logger.With("module", "worker_pool"),
		config:      config,
		exits:       make(chan error, config.Max),
	}
}

// Run supervises until the context is cancelled, then waits for workers to
// drain.
func (p *Pool) Run(ctx context.Context) error {
	for range p.config.Min {
		p.spawn(ctx)
	}

	ticker := time.NewTicker(p.config.SampleInterval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "Worker pool started",
		"min", p.config.Min, "max", p.config.Max)

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.InfoContext(ctx, "Worker pool stopped")

			return nil

		case err := <-p.exits:
			p.running--

			switch {
			case err != nil && !errors.Is(err, ErrWorkerIdle):
				// Abnormal exit: replace immediately.
				p.logger.ErrorContext(ctx, "Worker exited abnormally, restarting", "error", err)
				p.spawn(ctx)
			case p.running < p.config.Min:
				// Keep the warm floor even after idle exits.
				p.spawn(ctx)
			}

		case <-ticker.C:
			p.resize(ctx)
		}
	}
}

func (p *Pool) resize(ctx context.Context) {
	backlog, err := p.persistence.CountEligiblePending(ctx, p.config.Worker.FairnessCap)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to sample backlog", "error", err)

		return
	}

	before := p.running
	target := targetWorkers(backlog, p.running, p.config.Min, p.config.Max)

	for p.running < target {
		p.spawn(ctx)
	}

	if p.running > before {
		p.logger.InfoContext(ctx, "Scaled worker pool", "backlog", backlog, "workers", p.running)
	}
}

// targetWorkers grows the pool toward the backlog depth, never above max
// and never below the current count: shrinking happens through idle exits,
// not forced kills.
func targetWorkers(backlog, running, minWorkers, maxWorkers int) int {
	target := backlog

	if target < minWorkers {
		target = minWorkers
	}

	if target > maxWorkers {
		target = maxWorkers
	}

	if target < running {
		target = running
	}

	return target
}

func (p *Pool) spawn(ctx context.Context) {
	id := "worker-" + uuid.New().String()[:8]
	w := NewWorker(id, p.persistence, p.eventBus, p.logger, p.config.Worker)

	p.running++
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		p.exits <- w.Run(ctx)
	}()

	p.logger.DebugContext(ctx, "Spawned worker", "worker_id", id, "running", p.running)
}
