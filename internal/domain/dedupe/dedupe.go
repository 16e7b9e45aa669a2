// Package dedupe tracks which tasks have been claimed for settlement so a task
// is settled at most once per process.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

const defaultMaxSize = 100000

// Deduper records claimed task IDs.
type Deduper interface {
	// Claim atomically records id. It returns true if id was newly claimed and
	// false if it was already held.
	Claim(ctx context.Context, id string) bool

	// Release drops a claim so the task can be submitted again. Used when a
	// claimed task never reached settlement (e.g. queue backpressure).
	Release(ctx context.Context, id string)

	Size() int64
}

// inMemoryDeduper implements Deduper with a map plus an insertion-ordered
// list. When bounded (maxSize > 0) the oldest claim is evicted first.
type inMemoryDeduper struct {
	mu      sync.Mutex
	claims  map[string]*list.Element
	order   *list.List // front is the oldest claim
	maxSize int        // 0 or negative means unbounded
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: defaultMaxSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.claims = make(map[string]*list.Element)
	d.order = list.New()
	return d
}

// Claim implements Deduper.
func (d *inMemoryDeduper) Claim(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, held := d.claims[id]; held {
		return false
	}
	if d.maxSize > 0 && len(d.claims) >= d.maxSize {
		d.evictOldest()
	}
	d.claims[id] = d.order.PushBack(id)
	d.size.Add(1)
	return true
}

// Release implements Deduper.
func (d *inMemoryDeduper) Release(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, held := d.claims[id]; held {
		d.order.Remove(el)
		delete(d.claims, id)
		d.size.Add(-1)
	}
}

// evictOldest must be called with d.mu held.
func (d *inMemoryDeduper) evictOldest() {
	front := d.order.Front()
	if front == nil {
		return
	}
	id, _ := d.order.Remove(front).(string)
	delete(d.claims, id)
	d.size.Add(-1)
}

// Size returns the current number of claims.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
