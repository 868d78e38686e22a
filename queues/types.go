package queues

import (
	"context"
	"time"
)

type Action string

const (
	ActionLock      Action = "lock"
	ActionUnlock    Action = "unlock"
	ActionReserve   Action = "reserve"
	ActionUnreserve Action = "unreserve"
	ActionSteal     Action = "steal"
	ActionReassign  Action = "reassign"
	ActionReset     Action = "reset"
	ActionAllocate  Action = "allocate"
	ActionCancel    Action = "cancel"
	ActionNote      Action = "note"
	ActionVerify    Action = "verify"
	ActionRelease   Action = "release" // build finished or aborted
)

// Command is a request from a build or a user.
type Command struct {
	TicketID  string   `json:"ticketId"`
	Action    Action   `json:"action"`
	Resources []string `json:"resources,omitempty"`
	Label     string   `json:"label,omitempty"`
	Count     int      `json:"count,omitempty"`
	Identity  string   `json:"identity,omitempty"`
	Job       string   `json:"job,omitempty"`
	Build     string   `json:"build,omitempty"`
	// Queue asks allocate to wait for resources instead of failing.
	Queue bool `json:"queue,omitempty"`
	// QueuedAt is unix milliseconds when the build started waiting. Older
	// clients omit it.
	QueuedAt  int64  `json:"queuedAt,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Note      string `json:"note,omitempty"`
}

type CommandStatus string

const (
	StatusSuccess CommandStatus = "Success"
	StatusFailure CommandStatus = "Failure"
	StatusQueued  CommandStatus = "Queued"
)

type CommandResult struct {
	EnvelopeVersion string        `json:"envelopeVersion"`
	Type            string        `json:"type"`
	TicketID        string        `json:"ticketId"`
	Action          Action        `json:"action"`
	Status          CommandStatus `json:"status"`
	Resources       []string      `json:"resources,omitempty"`
	Reason          *string       `json:"reason,omitempty"`
	ErrorMessage    *string       `json:"errorMessage,omitempty"`
	RequestID       *string       `json:"requestId,omitempty"`
	QueuePosition   *int          `json:"queuePosition,omitempty"`
}

// StateEvent announces a committed change so dashboards can refresh.
type StateEvent struct {
	EnvelopeVersion string    `json:"envelopeVersion"`
	Type            string    `json:"type"`
	Kind            string    `json:"kind"`
	Resources       []string  `json:"resources,omitempty"`
	Identity        string    `json:"identity,omitempty"`
	Build           string    `json:"build,omitempty"`
	RequestID       string    `json:"requestId,omitempty"`
	At              time.Time `json:"at"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *Command) error) error
}

type Publisher interface {
	PublishResult(ctx context.Context, res *CommandResult) error
	PublishEvent(ctx context.Context, ev *StateEvent) error
}
