package buildserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/buildstash/internal/dist"
)

type buildTask struct {
	ctx    context.Context
	req    BuildRequest
	result chan buildOutcome
}

type buildOutcome struct {
	result dist.RunJobResult
	err    error
}

// PoolConfig holds pool configuration
type PoolConfig struct {
	Logger      *slog.Logger
	Builder     Builder
	Concurrency int
}

// Pool bounds how many builds run at once. It is itself a Builder.
type Pool struct {
	logger      *slog.Logger
	builder     Builder
	concurrency int
	tasks       chan *buildTask
	wg          sync.WaitGroup
	stopChan    chan struct{}
	stopOnce    sync.Once
}

func NewPool(cfg *PoolConfig) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		logger:      cfg.Logger,
		builder:     cfg.Builder,
		concurrency: concurrency,
		tasks:       make(chan *buildTask),
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Spawning build pool",
		slog.Int("concurrency", p.concurrency),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return

		case <-ctx.Done():
			return

		case task := <-p.tasks:
			p.logger.Debug("Build worker received job",
				slog.Int("worker_num", workerNum),
				slog.String("job_id", string(task.req.JobID)),
			)

			result, err := p.builder.Build(task.ctx, task.req)
			task.result <- buildOutcome{result: result, err: err}
		}
	}
}

// Build queues req and waits for a worker to run it.
func (p *Pool) Build(ctx context.Context, req BuildRequest) (dist.RunJobResult, error) {
	task := &buildTask{ctx: ctx, req: req, result: make(chan buildOutcome, 1)}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return dist.RunJobResult{}, fmt.Errorf("waiting for a build slot: %w", ctx.Err())
	case <-p.stopChan:
		return dist.RunJobResult{}, fmt.Errorf("build pool stopped")
	}

	outcome := <-task.result
	return outcome.result, outcome.err
}

// Stop stops the workers after their current build.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping build pool...")
		close(p.stopChan)
	})
	p.wg.Wait()
}
