// Package service owns the settlement pipeline: intake, the at-most-once
// claim set, the worker pool, and the result store.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/LemmyAI/megabrain-protocol/internal/adapters/embedding"
	settlequeue "github.com/LemmyAI/megabrain-protocol/internal/adapters/mq/queue"
	workerpool "github.com/LemmyAI/megabrain-protocol/internal/adapters/mq/worker"
	repository "github.com/LemmyAI/megabrain-protocol/internal/adapters/repository"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/dedupe"
	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/payment"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
	"github.com/LemmyAI/megabrain-protocol/pkg/metrics"
)

const statusFailed = "failed"

// Archiver persists settled outcomes outside the process.
type Archiver interface {
	Archive(ctx context.Context, out *settlement.Outcome) error
}

// Service settles task snapshots. Each task is settled at most once per
// process; independent tasks are settled in parallel by the worker pool.
type Service struct {
	mu sync.RWMutex

	// Core components
	store   *repository.MemoryStore
	deduper dedupe.Deduper
	queue   *settlequeue.InMemoryQueue
	pool    *workerpool.Pool

	// Optional collaborators
	embedder embedding.Embedder
	archiver Archiver

	// Configuration
	cfg         settlement.Config
	workerCount int
	queueSize   int
	dedupeSize  int
	storeSize   int

	// State
	started bool
	cancel  context.CancelFunc

	// Logging
	logger logger.Logger
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		cfg:         settlement.DefaultConfig(),
		workerCount: runtime.NumCPU() * 2,
		queueSize:   10000,
		dedupeSize:  100000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates the configuration and starts the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settlement config: %w", err)
	}

	s.logger.Info(ctx, "starting settlement service...")

	// Workers outlive the caller's context until Stop drains them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.store = repository.NewMemoryStore(runCtx, repository.WithMaxRecords(s.storeSize))
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = settlequeue.NewInMemoryQueue(settlequeue.WithCapacity(s.queueSize))
	s.pool = workerpool.NewPool(s.workerCount, s.queue, &settler{svc: s}, s.store)
	s.pool.Start(runCtx)

	s.started = true
	s.logger.Info(ctx, "settlement service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.String("algorithm", string(s.cfg.Clustering.Algorithm)),
		logger.Bool("embedding", s.embedder != nil),
		logger.Bool("archive", s.archiver != nil),
	)
	return nil
}

// Stop stops intake, waits for queued tasks to settle, and shuts down.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping settlement service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Error(ctx, "worker pool shutdown failed", logger.Error(err))
	}
	s.cancel()
	_ = s.store.Close()

	s.started = false
	s.logger.Info(ctx, "settlement service stopped",
		logger.Int("stored", s.store.Count(ctx)),
	)
}

// Submit queues a snapshot for asynchronous settlement.
func (s *Service) Submit(ctx context.Context, snap model.Snapshot) error { //nolint:gocritic // hugeParam: snapshots are values
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return ErrNotStarted
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	taskID := snap.Task.ID
	if !s.claim(ctx, taskID) {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, taskID)
	}

	err := s.queue.Enqueue(ctx, settlequeue.Job{Snapshot: snap})
	switch {
	case err == nil:
		s.logger.Debug(ctx, "task queued", logger.String("taskID", taskID))
		return nil
	case errors.Is(err, settlequeue.ErrQueueFull):
		s.deduper.Release(ctx, taskID)
		return fmt.Errorf("%w: %s", ErrBackpressure, taskID)
	case errors.Is(err, settlequeue.ErrClosed):
		s.deduper.Release(ctx, taskID)
		return ErrNotStarted
	default:
		s.deduper.Release(ctx, taskID)
		return err
	}
}

// SettleNow settles a snapshot synchronously and stores the result. The
// task is claimed even when settlement fails.
func (s *Service) SettleNow(ctx context.Context, snap model.Snapshot) (settlement.Outcome, error) { //nolint:gocritic // hugeParam: snapshots are values
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return settlement.Outcome{}, ErrNotStarted
	}
	if err := snap.Validate(); err != nil {
		return settlement.Outcome{}, err
	}
	taskID := snap.Task.ID
	if !s.claim(ctx, taskID) {
		return settlement.Outcome{}, fmt.Errorf("%w: %s", ErrAlreadySettled, taskID)
	}

	out, err := (&settler{svc: s}).Settle(ctx, snap)
	if err != nil {
		if serr := s.store.SaveFailure(ctx, taskID, err); serr != nil {
			s.logger.Error(ctx, "failed to record settlement failure", logger.String("taskID", taskID), logger.Error(serr))
		}
		return settlement.Outcome{}, err
	}
	if err := s.store.Save(ctx, out); err != nil {
		return out, fmt.Errorf("record task %s: %w", taskID, err)
	}
	return out, nil
}

func (s *Service) claim(ctx context.Context, taskID string) bool {
	if s.deduper.Claim(ctx, taskID) {
		return true
	}
	metrics.RecordDuplicateSubmission()
	s.logger.Debug(ctx, "duplicate task rejected", logger.String("taskID", taskID))
	return false
}

// Result returns the stored record for a task.
func (s *Service) Result(ctx context.Context, taskID string) (repository.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.store == nil {
		return repository.Record{}, ErrNotStarted
	}
	return s.store.Get(ctx, taskID)
}

// Recent returns up to n stored records, newest first.
func (s *Service) Recent(ctx context.Context, n int) ([]repository.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.store == nil {
		return nil, ErrNotStarted
	}
	return s.store.Recent(ctx, n)
}

// Processed returns how many queued tasks the workers have handled.
func (s *Service) Processed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return 0
	}
	return s.pool.Processed()
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"algorithm":   string(s.cfg.Clustering.Algorithm),
	}
	if s.pool != nil {
		stats["workerCount"] = s.pool.Size()
		stats["processed"] = s.pool.Processed()
	}
	if s.started {
		sum := s.store.Summary()
		stats["queueLength"] = s.queue.Len(ctx)
		stats["claimed"] = s.deduper.Size()
		stats["stored"] = sum.Total
		stats["settled"] = sum.Settled
		stats["escalated"] = sum.Escalated
		stats["failed"] = sum.Failed
		stats["totalSlashed"] = sum.TotalSlashed
	}
	return stats
}

// Size returns the number of claimed task ids.
func (s *Service) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.deduper == nil {
		return 0
	}
	return s.deduper.Size()
}

// settler runs the settlement pipeline for one snapshot: optional embedding
// backfill, settlement, metrics, and the optional archive.
type settler struct {
	svc *Service
}

func (st *settler) Settle(ctx context.Context, snap model.Snapshot) (settlement.Outcome, error) { //nolint:gocritic // hugeParam: matches worker.Settler
	s := st.svc
	start := time.Now()
	taskID := snap.Task.ID

	if s.embedder != nil {
		subs, rep, err := embedding.Backfill(ctx, s.embedder, snap.Submissions)
		snap.Submissions = subs
		if err != nil {
			s.logger.Warn(ctx, "embedding backfill interrupted", logger.String("taskID", taskID), logger.Error(err))
		}
		if rep.Failed > 0 {
			s.logger.Warn(ctx, "submissions left without embeddings",
				logger.String("taskID", taskID),
				logger.Int("failed", rep.Failed),
				logger.Int("requested", rep.Requested),
			)
		}
	}

	out, err := settlement.Settle(s.cfg, snap)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		metrics.RecordSettlement(statusFailed, latency)
		if errors.Is(err, payment.ErrAllocationInvariantViolation) {
			metrics.RecordInvariantViolation()
			s.logger.Error(ctx, "allocation invariant violated", logger.String("taskID", taskID), logger.Error(err))
		}
		return settlement.Outcome{}, err
	}

	recordOutcome(&out, latency)
	if out.Clustering.Failure != nil {
		s.logger.Warn(ctx, "clustering failed; settled with a single cluster",
			logger.String("taskID", taskID),
			logger.Error(out.Clustering.Failure),
		)
	}
	s.logger.Info(ctx, "task settled",
		logger.String("taskID", taskID),
		logger.String("status", string(out.Status)),
		logger.Float64("consensusScore", out.Consensus.ConsensusScore),
		logger.Float64("confidence", out.Consensus.Confidence),
		logger.Int("outliers", len(out.Consensus.Outliers)),
		logger.Float64("slashed", out.Payments.TotalSlashed),
	)

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, &out); err != nil {
			metrics.RecordErrorByComponent("service", "archive")
			s.logger.Error(ctx, "failed to archive outcome", logger.String("taskID", taskID), logger.Error(err))
		}
	}
	return out, nil
}

func recordOutcome(out *settlement.Outcome, latencyMs float64) {
	metrics.RecordSettlement(string(out.Status), latencyMs)
	metrics.RecordClusteringShape(out.Clustering.NoiseRatio, len(out.Clustering.Clusters))
	metrics.RecordConsensusConfidence(out.Consensus.Confidence)
	metrics.RecordOutlierEvaluators(len(out.Consensus.Outliers))
	metrics.RecordUnembeddable(len(out.Clustering.Unembeddable))
	metrics.RecordSlashed(out.Payments.TotalSlashed)
	if out.Clustering.Failure != nil {
		metrics.RecordClusteringFailure()
	}
}
