package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
	"github.com/LemmyAI/megabrain-protocol/pkg/metrics"
)

const defaultMetricsUpdateInterval = 5 * time.Second

// MemoryStore is an in-memory Store. Records are kept in arrival order; a
// summary is published atomically after every write so readers never lock.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]int // index into order
	order   []Record
	summary atomic.Pointer[Summary]

	maxRecords            int
	metricsUpdateInterval time.Duration
	now                   func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore constructs a store and starts its metrics updater. The
// updater stops when ctx is done or Close is called.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		byID:                  make(map[string]int),
		metricsUpdateInterval: defaultMetricsUpdateInterval,
		now:                   time.Now,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.summary.Store(&Summary{})

	s.startMetricsUpdater(ctx)
	return s
}

// Close stops the background goroutines.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, out settlement.Outcome) error { //nolint:gocritic // hugeParam: stored by value
	if out.TaskID == "" {
		return ErrEmptyTaskID
	}
	return s.put(Record{
		TaskID:  out.TaskID,
		RunID:   uuid.New(),
		Status:  string(out.Status),
		Outcome: &out,
	})
}

// SaveFailure implements Store.
func (s *MemoryStore) SaveFailure(ctx context.Context, taskID string, cause error) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	rec := Record{
		TaskID: taskID,
		RunID:  uuid.New(),
		Status: StatusFailed,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return s.put(rec)
}

func (s *MemoryStore) put(rec Record) error { //nolint:gocritic // hugeParam: stored by value
	rec.SettledAt = s.now()

	s.mu.Lock()
	if i, ok := s.byID[rec.TaskID]; ok {
		s.removeAt(i)
	}
	s.order = append(s.order, rec)
	s.byID[rec.TaskID] = len(s.order) - 1
	if s.maxRecords > 0 && len(s.order) > s.maxRecords {
		s.removeAt(0)
	}
	s.publishSummaryLocked()
	count := len(s.order)
	s.mu.Unlock()

	metrics.UpdateStoredResults(count)
	return nil
}

// removeAt drops order[i] and reindexes the tail. Caller holds the lock.
func (s *MemoryStore) removeAt(i int) {
	delete(s.byID, s.order[i].TaskID)
	s.order = append(s.order[:i], s.order[i+1:]...)
	for j := i; j < len(s.order); j++ {
		s.byID[s.order[j].TaskID] = j
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[taskID]
	if !ok {
		metrics.RecordErrorByComponent("repository", "not_found")
		return Record{}, ErrNotFound
	}
	return s.order[i], nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.order) {
		n = len(s.order)
	}
	out := make([]Record, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.order[i])
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Summary returns the last published summary.
func (s *MemoryStore) Summary() Summary {
	return *s.summary.Load()
}

// publishSummaryLocked rebuilds the summary. Caller holds the lock.
func (s *MemoryStore) publishSummaryLocked() {
	sum := &Summary{Total: len(s.order)}
	for i := range s.order {
		rec := &s.order[i]
		switch rec.Status {
		case string(settlement.StatusSettled):
			sum.Settled++
		case string(settlement.StatusEscalated):
			sum.Escalated++
		case StatusFailed:
			sum.Failed++
		}
		if rec.Outcome != nil {
			sum.TotalSlashed += rec.Outcome.Payments.TotalSlashed
		}
	}
	s.summary.Store(sum)
}

// startMetricsUpdater starts a background goroutine that refreshes store gauges.
func (s *MemoryStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				metrics.UpdateStoredResults(s.Count(ctx))
			}
		}
	}()
}
