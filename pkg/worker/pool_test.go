package worker

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/hookcron/hookcron/pkg/mocks"
)

func TestTargetWorkers(t *testing.T) {
	tests := []struct {
		name    string
		backlog int
		running int
		min     int
		max     int
		want    int
	}{
		{name: "idle stays at floor", backlog: 0, running: 2, min: 2, max: 10, want: 2},
		{name: "backlog grows pool", backlog: 7, running: 2, min: 2, max: 10, want: 7},
		{name: "ceiling caps growth", backlog: 50, running: 2, min: 2, max: 10, want: 10},
		{name: "never shrinks below running", backlog: 1, running: 5, min: 2, max: 10, want: 5},
		{name: "floor applies when backlog is small", backlog: 1, running: 0, min: 2, max: 10, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, targetWorkers(tt.backlog, tt.running, tt.min, tt.max))
		})
	}
}

func TestResize_SpawnsTowardBacklog(t *testing.T) {
	p := &mocks.MockPersistence{}
	eb := &mocks.MockEventBus{}

	p.On("CountEligiblePending", mock.Anything, mock.Anything).Return(3, nil)
	p.On("ClaimExecution", mock.Anything, mock.Anything).Return(nil, nil).Maybe()

	var logs bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&logs, nil))
	pool := NewPool(p, eb, logger, PoolConfig{Min: 1, Max: 10})

	// Cancelled context: spawned workers return immediately, but the
	// running count reflects what resize decided to spawn.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool.resize(ctx)

	assert.Equal(t, 3, pool.running)
	assert.Contains(t, logs.String(), "Scaled worker pool")

	pool.wg.Wait()
	p.AssertExpectations(t)
}

func TestPoolConfig_Defaults(t *testing.T) {
	c := PoolConfig{}.withDefaults()

	assert.Equal(t, 2, c.Min)
	assert.GreaterOrEqual(t, c.Max, c.Min)
	assert.Positive(t, c.SampleInterval)
	assert.Positive(t, c.Worker.FairnessCap)
}
