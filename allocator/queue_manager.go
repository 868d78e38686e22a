package allocator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// QueueEntry is a request waiting in the acquisition queue.
type QueueEntry struct {
	Request   *QueuedRequest
	Timestamp time.Time // when the entry was appended, used for wait metrics
	Position  int

	ctx  context.Context
	done chan Allocation
}

// deliver hands the allocation to the waiter. It fails when the waiter has
// gone away or its callback refuses the allocation. A panicking callback
// counts as a refusal.
func (e *QueueEntry) deliver(alloc Allocation) error {
	if e.ctx != nil {
		if err := e.ctx.Err(); err != nil {
			return err
		}
	}
	if err := e.resolve(alloc); err != nil {
		return err
	}
	e.done <- alloc
	close(e.done)
	return nil
}

func (e *QueueEntry) resolve(alloc Allocation) (err error) {
	if e.Request.Resolve == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolve callback for request %s panicked: %v", e.Request.ID, r)
		}
	}()
	return e.Request.Resolve(alloc)
}

// QueueManager keeps pending requests in enqueue order.
// The allocator is a single process, so queues are stored in memory.
type QueueManager struct {
	mu      sync.RWMutex
	entries []*QueueEntry
	byID    map[string]*QueueEntry
}

// NewQueueManager creates a new queue manager
func NewQueueManager() *QueueManager {
	return &QueueManager{
		byID: make(map[string]*QueueEntry),
	}
}

// Enqueue appends a request and returns its 1-based position.
func (qm *QueueManager) Enqueue(ctx context.Context, req *QueuedRequest, now time.Time) *QueueEntry {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	entry := &QueueEntry{
		Request:   req,
		Timestamp: now,
		ctx:       ctx,
		done:      make(chan Allocation, 1),
	}
	qm.entries = append(qm.entries, entry)
	qm.byID[req.ID] = entry
	entry.Position = len(qm.entries)
	return entry
}

// Pending returns the waiting entries, oldest first.
func (qm *QueueManager) Pending() []*QueueEntry {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return slices.Clone(qm.entries)
}

// GetPosition returns the current position of a request in the queue
func (qm *QueueManager) GetPosition(id string) (int, bool) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	entry, ok := qm.byID[id]
	if !ok {
		return 0, false
	}
	return entry.Position, true
}

// RemoveFromQueue drops a request (resolved, cancelled, or its build ended).
// Removing an unknown id is a no-op and returns nil.
func (qm *QueueManager) RemoveFromQueue(id string) *QueueEntry {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	entry, ok := qm.byID[id]
	if !ok {
		return nil
	}
	delete(qm.byID, id)
	qm.entries = slices.DeleteFunc(qm.entries, func(e *QueueEntry) bool { return e == entry })

	// Update positions for remaining entries
	for i, e := range qm.entries {
		e.Position = i + 1
	}
	return entry
}

// GetQueueLength returns the number of waiting requests
func (qm *QueueManager) GetQueueLength() int {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return len(qm.entries)
}

// Snapshot returns copies of the waiting requests for monitoring.
func (qm *QueueManager) Snapshot() []QueuedRequest {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	out := make([]QueuedRequest, 0, len(qm.entries))
	for _, e := range qm.entries {
		req := *e.Request
		req.Resources = slices.Clone(req.Resources)
		req.Resolve = nil
		out = append(out, req)
	}
	return out
}

// Oldest returns the waiting request with the earliest known QueuedAt.
// Requests with an unknown timestamp are skipped, never treated as oldest.
func Oldest(reqs []QueuedRequest) *QueuedRequest {
	var oldest *QueuedRequest
	for i := range reqs {
		if reqs[i].QueuedAt.IsZero() {
			continue
		}
		if oldest == nil || reqs[i].QueuedAt.Before(oldest.QueuedAt) {
			oldest = &reqs[i]
		}
	}
	return oldest
}
