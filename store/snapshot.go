package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lockable-resources/resources"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Load when nothing was persisted yet.
var ErrNotFound = errors.New("state snapshot not found")

const snapshotVersion = 1

// Snapshot is the durable form of the registry.
type Snapshot struct {
	Version   int       `yaml:"version"`
	SavedAt   time.Time `yaml:"savedAt"`
	Resources []Record  `yaml:"resources"`
}

// Record is one persisted resource. QueuedAt is unix milliseconds; a queued
// record with QueuedAt 0 was written by a client that did not report when it
// started waiting.
type Record struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Labels      []string `yaml:"labels,omitempty"`
	ReservedBy  string   `yaml:"reservedBy,omitempty"`
	Build       string   `yaml:"build,omitempty"`
	Note        string   `yaml:"note,omitempty"`
	Queued      bool     `yaml:"queued,omitempty"`
	QueuedAt    int64    `yaml:"queuedAt,omitempty"`
}

// Store persists and restores snapshots.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// Capture builds a snapshot of the given resources in order.
func Capture(list []*resources.Resource, now time.Time) *Snapshot {
	snap := &Snapshot{Version: snapshotVersion, SavedAt: now.UTC(), Resources: make([]Record, 0, len(list))}
	for _, r := range list {
		st := r.State()
		rec := Record{
			Name:        r.Name(),
			Description: r.Description(),
			Labels:      r.Labels(),
			ReservedBy:  st.ReservedBy(),
			Build:       st.Build(),
			Note:        r.Note(),
		}
		if q := r.Queue(); q.Queued {
			rec.Queued = true
			if !q.At.IsZero() {
				rec.QueuedAt = q.At.UnixMilli()
			}
		}
		snap.Resources = append(snap.Resources, rec)
	}
	return snap
}

// Definition returns the administrative part of the record.
func (r Record) Definition() resources.Definition {
	return resources.Definition{Name: r.Name, Description: r.Description, Labels: r.Labels, Note: r.Note}
}

// State returns the persisted lock state.
func (r Record) State() resources.State {
	if r.Build != "" {
		return resources.LockedBy(r.Build, r.ReservedBy)
	}
	return resources.ReservedBy(r.ReservedBy)
}

// QueueMark returns the persisted queue mark.
func (r Record) QueueMark() resources.QueueMark {
	if !r.Queued {
		return resources.QueueMark{}
	}
	mark := resources.QueueMark{Queued: true}
	if r.QueuedAt > 0 {
		mark.At = time.UnixMilli(r.QueuedAt)
	}
	return mark
}

func Encode(snap *Snapshot) ([]byte, error) {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d", snap.Version)
	}
	return &snap, nil
}

// Nop discards snapshots.
type Nop struct{}

func (Nop) Load(context.Context) (*Snapshot, error) { return nil, ErrNotFound }
func (Nop) Save(context.Context, *Snapshot) error { return nil }
