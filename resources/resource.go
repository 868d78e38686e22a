package resources

import (
	"slices"
	"time"
)

// QueueMark records whether a request for a resource is waiting in the
// acquisition queue. Queued with a zero At means the waiter did not report when
// it started waiting; such marks must never be treated as the oldest.
type QueueMark struct {
	Queued bool
	At     time.Time
}

// Known reports whether the mark carries a usable timestamp.
func (m QueueMark) Known() bool { return m.Queued && !m.At.IsZero() }

// Definition describes a resource as configured by an administrator.
type Definition struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Labels      []string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Note        string   `yaml:"note,omitempty" json:"note,omitempty"`
}

// Resource is a single lockable unit. Only the owner of the Registry mutates it.
type Resource struct {
	name        string
	description string
	labels      []string
	state       State
	note        string
	queue       QueueMark
}

func newResource(def Definition) *Resource {
	return &Resource{
		name:        def.Name,
		description: def.Description,
		labels:      NormalizeLabels(def.Labels),
		note:        def.Note,
	}
}

func (r *Resource) Name() string        { return r.name }
func (r *Resource) Description() string { return r.description }
func (r *Resource) Labels() []string    { return slices.Clone(r.labels) }
func (r *Resource) State() State        { return r.state }
func (r *Resource) Note() string        { return r.note }
func (r *Resource) Queue() QueueMark    { return r.queue }

func (r *Resource) IsFree() bool { return r.state.IsFree() }

// HasLabel reports whether any of the normalized label tokens is carried by r.
func (r *Resource) HasLabel(tokens []string) bool {
	for _, t := range tokens {
		if slices.Contains(r.labels, t) {
			return true
		}
	}
	return false
}

func (r *Resource) SetState(s State) { r.state = s }

// Release returns r to FREE and drops its note.
func (r *Resource) Release() {
	r.state = Free()
	r.note = ""
}

func (r *Resource) SetNote(note string)     { r.note = note }
func (r *Resource) SetQueue(mark QueueMark) { r.queue = mark }

// View is an immutable copy of a resource for readers outside the engine.
type View struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	State       string    `json:"state"`
	ReservedBy  string    `json:"reservedBy,omitempty"`
	Build       string    `json:"build,omitempty"`
	Note        string    `json:"note,omitempty"`
	Queued      bool      `json:"queued,omitempty"`
	QueuedAt    time.Time `json:"queuedAt,omitzero"`
}

func (r *Resource) View() View {
	return View{
		Name:        r.name,
		Description: r.description,
		Labels:      r.Labels(),
		State:       r.state.Kind().String(),
		ReservedBy:  r.state.ReservedBy(),
		Build:       r.state.Build(),
		Note:        r.note,
		Queued:      r.queue.Queued,
		QueuedAt:    r.queue.At,
	}
}
