package allocator

import (
	"context"
	"time"
)

// LockRequest binds a set of named resources to a build.
// Identity is the human on whose behalf the build runs; resources reserved by
// that identity may be locked.
type LockRequest struct {
	Resources []string
	Build     string
	Identity  string
}

// UnlockRequest releases locked resources. Without Override every locked
// resource must belong to Build (or to Identity when Build is empty).
type UnlockRequest struct {
	Resources []string
	Build     string
	Identity  string
	Override  bool
}

// LabelRequest asks for Count free resources carrying Label.
type LabelRequest struct {
	Label    string
	Count    int
	Build    string
	Identity string
	// Blocking waits in the queue until satisfied or ctx is done.
	Blocking bool
	// QueuedAt is when the caller started waiting; zero means now.
	QueuedAt time.Time
}

// Allocation is a satisfied request.
type Allocation struct {
	RequestID string    `json:"requestId,omitempty"`
	Resources []string  `json:"resources"`
	Build     string    `json:"build"`
	At        time.Time `json:"at"`
}

// QueuedRequest is a pending acquisition waiting for resources to free up.
// Exactly one of Label or Resources is set.
type QueuedRequest struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	Resources []string  `json:"resources,omitempty"`
	Count     int       `json:"count"`
	Build     string    `json:"build"`
	Identity  string    `json:"identity,omitempty"`
	QueuedAt  time.Time `json:"queuedAt,omitzero"`

	// Resolve receives the allocation while the engine lock is held; it must
	// not call back into the engine. A non-nil error hands the resources back.
	Resolve func(Allocation) error `json:"-"`
}

type EventKind string

const (
	EventLocked     EventKind = "locked"
	EventUnlocked   EventKind = "unlocked"
	EventReserved   EventKind = "reserved"
	EventUnreserved EventKind = "unreserved"
	EventStolen     EventKind = "stolen"
	EventReassigned EventKind = "reassigned"
	EventReset      EventKind = "reset"
	EventNote       EventKind = "note"
	EventAllocated  EventKind = "allocated"
	EventQueued     EventKind = "queued"
	EventCancelled  EventKind = "cancelled"
	EventDefined    EventKind = "defined"
	EventUndefined  EventKind = "undefined"
	EventRelabeled  EventKind = "relabeled"
)

// Event describes one committed state change.
type Event struct {
	Kind      EventKind
	Resources []string
	Identity  string
	Build     string
	RequestID string
	At        time.Time
}

// frees reports whether waiters may now be satisfiable.
func (e Event) frees() bool {
	switch e.Kind {
	case EventUnlocked, EventUnreserved, EventReset, EventStolen, EventReassigned, EventDefined, EventRelabeled:
		return true
	}
	return false
}

// Listener is told about committed changes after the engine lock is released.
type Listener func(ctx context.Context, ev Event)
