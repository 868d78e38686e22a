package allocator

import (
	"context"
	"strings"
	"time"

	"lockable-resources/metrics"
	"lockable-resources/resources"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// selectFree returns the first count FREE resources matching label in
// registry order. Repeated calls under unchanged state return the same set.
func selectFree(reg *resources.Registry, label string, count int) ([]*resources.Resource, error) {
	var picked []*resources.Resource
	for _, r := range reg.WithLabel(label) {
		if !r.IsFree() {
			continue
		}
		picked = append(picked, r)
		if len(picked) == count {
			return picked, nil
		}
	}
	return nil, resources.Insufficient("select", label, count, len(picked))
}

// SelectFree names the resources AllocateByLabel would pick right now,
// without claiming them.
func (e *Engine) SelectFree(label string, count int) ([]string, error) {
	if count < 1 {
		count = 1
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	list, err := selectFree(e.registry, label, count)
	if err != nil {
		return nil, err
	}
	return names(list), nil
}

// Ticket tracks a queued request. Done yields the allocation once and is
// closed afterwards; it is closed without a value when the request is
// cancelled or could not be handed over.
type Ticket struct {
	ID       string
	Position int
	done     <-chan Allocation
}

func (t *Ticket) Done() <-chan Allocation { return t.done }

// Resolved reports whether the ticket was satisfied at enqueue time.
func (t *Ticket) Resolved() bool { return t.Position == 0 }

// AllocateByLabel claims Count free resources carrying Label for a build.
// A non-blocking call fails with Insufficient; a blocking call waits in the
// queue until satisfied or ctx is done.
func (e *Engine) AllocateByLabel(ctx context.Context, req LabelRequest) (*Allocation, error) {
	start := time.Now()
	alloc, err := e.allocateByLabel(ctx, req)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.AllocationsTotal.WithLabelValues(result).Inc()
	metrics.AllocationDuration.Observe(time.Since(start).Seconds())
	return alloc, err
}

func (e *Engine) allocateByLabel(ctx context.Context, req LabelRequest) (*Allocation, error) {
	if req.Count < 1 {
		req.Count = 1
	}
	if !req.Blocking {
		var alloc *Allocation
		err := e.mutate(ctx, "allocate", func(now time.Time) ([]Event, error) {
			if err := validateLabel("allocate", req.Label, req.Build); err != nil {
				return nil, err
			}
			list, err := selectFree(e.registry, req.Label, req.Count)
			if err != nil {
				return nil, err
			}
			lockAll(list, req.Build, req.Identity)
			alloc = &Allocation{Resources: names(list), Build: req.Build, At: now}
			log.Info().Str("label", req.Label).Strs("resources", alloc.Resources).Str("build", req.Build).Msg("engine: allocated by label")
			return []Event{{Kind: EventAllocated, Resources: alloc.Resources, Build: req.Build, Identity: req.Identity, At: now}}, nil
		})
		return alloc, err
	}

	queuedAt := req.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = e.now()
	}
	ticket, err := e.Enqueue(ctx, QueuedRequest{
		Label:    req.Label,
		Count:    req.Count,
		Build:    req.Build,
		Identity: req.Identity,
		QueuedAt: queuedAt,
	})
	if err != nil {
		return nil, err
	}
	select {
	case alloc, ok := <-ticket.Done():
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, resources.Conflict("allocate", nil, "request %s was cancelled", ticket.ID)
		}
		return &alloc, nil
	case <-ctx.Done():
		if !e.Cancel(context.WithoutCancel(ctx), ticket.ID) {
			// Resolved while we were giving up; hand the resources back.
			if alloc, ok := <-ticket.Done(); ok {
				e.giveBack(context.WithoutCancel(ctx), alloc)
			}
		}
		return nil, ctx.Err()
	}
}

func (e *Engine) giveBack(ctx context.Context, alloc Allocation) {
	err := e.Unlock(ctx, UnlockRequest{Resources: alloc.Resources, Build: alloc.Build})
	if err != nil {
		log.Warn().Err(err).Strs("resources", alloc.Resources).Str("build", alloc.Build).Msg("engine: failed to return abandoned allocation")
	}
}

func validateLabel(op, label, build string) error {
	if strings.TrimSpace(label) == "" || len(resources.ParseLabel(label)) == 0 {
		return resources.InvalidRequest(op, "label is required")
	}
	if strings.TrimSpace(build) == "" {
		return resources.InvalidRequest(op, "build identity is required")
	}
	return nil
}

func (e *Engine) validate(req *QueuedRequest) error {
	hasLabel := strings.TrimSpace(req.Label) != ""
	switch {
	case hasLabel && len(req.Resources) > 0:
		return resources.InvalidRequest("enqueue", "either a label or resource names, not both")
	case hasLabel:
		if err := validateLabel("enqueue", req.Label, req.Build); err != nil {
			return err
		}
		if req.Count < 1 {
			req.Count = 1
		}
	default:
		if strings.TrimSpace(req.Build) == "" {
			return resources.InvalidRequest("enqueue", "build identity is required")
		}
		list, err := e.registry.Resolve("enqueue", req.Resources)
		if err != nil {
			return err
		}
		req.Resources = names(list)
		req.Count = len(list)
	}
	return nil
}

// satisfiable returns the resources req would get right now.
func (e *Engine) satisfiable(req *QueuedRequest) ([]*resources.Resource, bool) {
	if req.Label != "" {
		list, err := selectFree(e.registry, req.Label, req.Count)
		return list, err == nil
	}
	list, err := e.registry.Resolve("enqueue", req.Resources)
	if err != nil {
		return nil, false
	}
	for _, r := range list {
		if !canLock(r, req.Build, req.Identity) {
			return nil, false
		}
	}
	return list, true
}

// claim locks list for req and returns the previous states for rollback.
func claim(list []*resources.Resource, req *QueuedRequest) []resources.State {
	prev := make([]resources.State, len(list))
	for i, r := range list {
		prev[i] = r.State()
	}
	lockAll(list, req.Build, req.Identity)
	return prev
}

func rollback(list []*resources.Resource, prev []resources.State) {
	for i, r := range list {
		r.SetState(prev[i])
	}
}

// Enqueue registers a waiter. A request that can be satisfied immediately is
// resolved before Enqueue returns and never enters the queue.
// QueuedAt is taken from the request as reported by the caller; zero means
// the caller did not say when it started waiting.
func (e *Engine) Enqueue(ctx context.Context, req QueuedRequest) (*Ticket, error) {
	var ticket *Ticket
	err := e.mutate(ctx, "enqueue", func(now time.Time) ([]Event, error) {
		if err := e.validate(&req); err != nil {
			return nil, err
		}
		req.ID = uuid.NewString()

		if list, ok := e.satisfiable(&req); ok {
			entry := &QueueEntry{Request: &req, Timestamp: now, ctx: ctx, done: make(chan Allocation, 1)}
			prev := claim(list, &req)
			alloc := Allocation{RequestID: req.ID, Resources: names(list), Build: req.Build, At: now}
			if err := entry.deliver(alloc); err != nil {
				rollback(list, prev)
				return nil, err
			}
			ticket = &Ticket{ID: req.ID, done: entry.done}
			return []Event{{Kind: EventAllocated, Resources: alloc.Resources, Build: req.Build, Identity: req.Identity, RequestID: req.ID, At: now}}, nil
		}

		entry := e.queue.Enqueue(ctx, &req, now)
		ticket = &Ticket{ID: req.ID, Position: entry.Position, done: entry.done}
		log.Info().Str("requestId", req.ID).Str("label", req.Label).Strs("resources", req.Resources).Int("count", req.Count).Str("build", req.Build).Int("position", entry.Position).Msg("engine: request queued")
		return []Event{{Kind: EventQueued, Resources: req.Resources, Build: req.Build, Identity: req.Identity, RequestID: req.ID, At: now}}, nil
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// Cancel drops a queued request. It returns false, without error, when the
// request is unknown, already resolved or already cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) bool {
	cancelled := false
	_ = e.mutate(ctx, "cancel", func(now time.Time) ([]Event, error) {
		entry := e.queue.RemoveFromQueue(id)
		if entry == nil {
			return nil, nil
		}
		close(entry.done)
		cancelled = true
		log.Info().Str("requestId", id).Str("build", entry.Request.Build).Msg("engine: request cancelled")
		return []Event{{Kind: EventCancelled, RequestID: id, Build: entry.Request.Build, At: now}}, nil
	})
	return cancelled
}

func (e *Engine) dropEntry(entry *QueueEntry) {
	if e.queue.RemoveFromQueue(entry.Request.ID) != nil {
		close(entry.done)
	}
}

// evaluate resolves every waiter that can be satisfied, oldest first. A
// waiter that cannot be served does not hold up younger ones. Must be called
// with e.mu held.
func (e *Engine) evaluate(now time.Time) []Event {
	var events []Event
	for _, entry := range e.queue.Pending() {
		req := entry.Request
		list, ok := e.satisfiable(req)
		if !ok {
			continue
		}
		e.queue.RemoveFromQueue(req.ID)
		prev := claim(list, req)
		alloc := Allocation{RequestID: req.ID, Resources: names(list), Build: req.Build, At: now}
		if err := entry.deliver(alloc); err != nil {
			rollback(list, prev)
			close(entry.done)
			metrics.QueueResolutionFailuresTotal.Inc()
			log.Warn().Err(err).Str("requestId", req.ID).Str("build", req.Build).Strs("resources", alloc.Resources).Msg("engine: waiter rejected allocation; resources returned")
			events = append(events, Event{Kind: EventCancelled, RequestID: req.ID, Build: req.Build, At: now})
			continue
		}
		metrics.QueueWait.Observe(now.Sub(entry.Timestamp).Seconds())
		log.Info().Str("requestId", req.ID).Str("build", req.Build).Strs("resources", alloc.Resources).Msg("engine: queued request resolved")
		events = append(events, Event{Kind: EventAllocated, Resources: alloc.Resources, Build: req.Build, Identity: req.Identity, RequestID: req.ID, At: now})
	}
	return events
}

// refreshMarks recomputes the queue mark of every resource from the waiting
// requests. A known timestamp wins over an unknown one; the earliest known wins.
func (e *Engine) refreshMarks() {
	marks := map[string]resources.QueueMark{}
	for _, entry := range e.queue.Pending() {
		req := entry.Request
		targets := req.Resources
		if req.Label != "" {
			targets = names(e.registry.WithLabel(req.Label))
		}
		for _, n := range targets {
			m := marks[n]
			switch {
			case !m.Queued:
				m = resources.QueueMark{Queued: true, At: req.QueuedAt}
			case !req.QueuedAt.IsZero() && (m.At.IsZero() || req.QueuedAt.Before(m.At)):
				m.At = req.QueuedAt
			}
			marks[n] = m
		}
	}
	for _, r := range e.registry.Resources() {
		r.SetQueue(marks[r.Name()])
	}
}
