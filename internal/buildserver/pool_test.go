package buildserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedBuilder blocks every build until release is closed and tracks how many
// builds run at once.
type gatedBuilder struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (g *gatedBuilder) Build(ctx context.Context, req BuildRequest) (dist.RunJobResult, error) {
	n := g.running.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	defer g.running.Add(-1)

	select {
	case <-g.release:
	case <-ctx.Done():
		return dist.RunJobResult{}, ctx.Err()
	}
	return dist.RunJobResult{Status: dist.RunJobComplete, Message: string(req.JobID)}, nil
}

func TestPool_BoundsConcurrency(t *testing.T) {
	builder := &gatedBuilder{release: make(chan struct{})}
	pool := NewPool(&PoolConfig{
		Logger:      slog.New(slog.DiscardHandler),
		Builder:     builder,
		Concurrency: 2,
	})
	pool.Start(context.Background())
	defer pool.Stop()

	var wg sync.WaitGroup
	results := make([]dist.RunJobResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := pool.Build(context.Background(), BuildRequest{JobID: dist.JobID(fmt.Sprintf("job-%d", i))})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return builder.running.Load() == 2 }, time.Second, time.Millisecond)
	close(builder.release)
	wg.Wait()

	assert.Equal(t, int32(2), builder.peak.Load())
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("job-%d", i), res.Message)
	}
}

func TestPool_BuildCanceledWhileQueued(t *testing.T) {
	builder := &gatedBuilder{release: make(chan struct{})}
	pool := NewPool(&PoolConfig{
		Logger:      slog.New(slog.DiscardHandler),
		Builder:     builder,
		Concurrency: 1,
	})
	pool.Start(context.Background())
	defer func() {
		close(builder.release)
		pool.Stop()
	}()

	go pool.Build(context.Background(), BuildRequest{JobID: "busy"})
	require.Eventually(t, func() bool { return builder.running.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Build(ctx, BuildRequest{JobID: "queued"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_BuildAfterStop(t *testing.T) {
	pool := NewPool(&PoolConfig{
		Logger:  slog.New(slog.DiscardHandler),
		Builder: &gatedBuilder{release: make(chan struct{})},
	})
	pool.Start(context.Background())
	pool.Stop()

	_, err := pool.Build(context.Background(), BuildRequest{JobID: "late"})
	assert.Error(t, err)
}
