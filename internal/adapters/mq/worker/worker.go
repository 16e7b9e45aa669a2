// Package worker settles queued tasks in parallel.
//
// Each worker owns one task at a time; tasks never share mutable state, so
// workers need no coordination beyond the queue.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/LemmyAI/megabrain-protocol/internal/adapters/mq/queue"
	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
	"github.com/LemmyAI/megabrain-protocol/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	poolShutdownTimeout     = 30 * time.Second
)

// Settler computes the outcome of one task.
type Settler interface {
	Settle(ctx context.Context, snap model.Snapshot) (settlement.Outcome, error)
}

// Recorder stores settlement results.
type Recorder interface {
	Save(ctx context.Context, out settlement.Outcome) error
	SaveFailure(ctx context.Context, taskID string, cause error) error
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Worker settles jobs until its queue is drained or ctx is cancelled.
type Worker interface {
	// Run starts the worker loop.
	Run(ctx context.Context)

	// Shutdown waits for the worker to finish its remaining jobs.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue    Queue
	settler  Settler
	recorder Recorder
	name     string

	processed *atomic.Int64
	done      chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, settler Settler, recorder Recorder, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     q,
		settler:   settler,
		recorder:  recorder,
		name:      "worker",
		processed: &atomic.Int64{},
		done:      make(chan struct{}),
		logger:    logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop. It returns once the queue is closed and
// drained, or ctx is cancelled.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.processJob(ctx, j); err != nil {
				w.logger.Error(ctx, "error settling task", logger.Error(err))
			}
		}
	}
}

// Shutdown waits for the worker to stop. The caller closes the queue first.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// processJob settles one task and records the result or the failure.
func (w *InMemoryWorker) processJob(ctx context.Context, j queue.Job) error { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
	metrics.WorkerBusy(1)
	defer metrics.WorkerBusy(-1)
	defer w.processed.Add(1)

	taskID := j.Snapshot.Task.ID
	out, err := w.settler.Settle(ctx, j.Snapshot)
	if err != nil {
		metrics.RecordErrorByComponent("worker", "settle")
		if serr := w.recorder.SaveFailure(ctx, taskID, err); serr != nil {
			w.logger.Error(ctx, "failed to record settlement failure",
				logger.String("taskID", taskID),
				logger.Error(serr),
			)
		}
		return fmt.Errorf("settle task %s: %w", taskID, err)
	}

	if err := w.recorder.Save(ctx, out); err != nil {
		metrics.RecordErrorByComponent("worker", "record")
		return fmt.Errorf("record task %s: %w", taskID, err)
	}

	w.logger.Debug(ctx, "task settled",
		logger.String("taskID", taskID),
		logger.String("status", string(out.Status)),
		logger.Any("queued", time.Since(j.EnqueuedAt)),
	)
	return nil
}

// Pool manages multiple workers.
type Pool struct {
	workers   []*InMemoryWorker
	queue     Queue
	processed atomic.Int64

	logger logger.Logger
}

// NewPool creates a new worker pool. A count below 1 means twice the CPU count.
func NewPool(workerCount int, q Queue, settler Settler, recorder Recorder) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		pool.workers[i] = NewInMemoryWorker(q, settler, recorder,
			WithName("worker-"+strconv.Itoa(i)),
			withCounter(&pool.processed),
		)
	}

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Processed returns how many jobs the pool has handled, failures included.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

// Shutdown closes the queue and waits for every worker to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut int
	for i, w := range p.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			timedOut++
		}
	}
	if timedOut > 0 {
		return fmt.Errorf("%d workers did not stop: %w", timedOut, shutdownCtx.Err())
	}
	return nil
}
