package allocator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"lockable-resources/metrics"
	"lockable-resources/resources"
	"lockable-resources/store"

	"github.com/rs/zerolog/log"
)

// Engine owns the resource registry and the acquisition queue. Every mutation
// runs under one lock covering both, so multi-resource transitions are atomic
// and queue evaluation never races a concurrent lock call.
type Engine struct {
	mu       sync.RWMutex
	registry *resources.Registry
	queue    *QueueManager

	store     store.Store
	listeners []Listener

	seq      uint64 // guarded by mu
	saveMu   sync.Mutex
	savedSeq uint64 // guarded by saveMu
	now       func() time.Time
	loaded    atomic.Bool
}

type Option func(*Engine)

// WithStore sets where snapshots are persisted after each mutation.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		registry: resources.NewRegistry(),
		queue:    NewQueueManager(),
		store:    store.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a listener for committed changes. Listeners run after
// the engine lock is released, in registration order.
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Load defines the configured resources and restores persisted lock state.
// When defs is empty the snapshot itself supplies the definitions.
func (e *Engine) Load(ctx context.Context, defs []resources.Definition) error {
	snap, err := e.store.Load(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	records := map[string]store.Record{}
	if snap != nil {
		for _, rec := range snap.Resources {
			records[rec.Name] = rec
		}
		if len(defs) == 0 {
			for _, rec := range snap.Resources {
				defs = append(defs, rec.Definition())
			}
		}
	}
	stale := 0
	for _, def := range defs {
		res, err := e.registry.Add(def)
		if err != nil {
			return err
		}
		rec, ok := records[def.Name]
		if !ok {
			continue
		}
		res.SetState(rec.State())
		if def.Note == "" {
			res.SetNote(rec.Note)
		}
		if rec.QueueMark().Queued {
			stale++
		}
		delete(records, def.Name)
	}
	for name := range records {
		log.Warn().Str("resource", name).Msg("engine: persisted resource no longer defined; dropping")
	}
	if stale > 0 {
		// Waiters lived in the previous process and have to resubmit.
		log.Warn().Int("resources", stale).Msg("engine: discarding queue marks from previous run")
	}
	e.loaded.Store(true)
	e.updateGauges()
	log.Info().Int("resources", e.registry.Len()).Bool("restored", snap != nil).Msg("engine: state loaded")
	return nil
}

// Ready reports whether Load completed.
func (e *Engine) Ready() bool { return e.loaded.Load() }

// mutate runs fn under the write lock, then re-evaluates the queue if fn
// freed capacity. The snapshot is saved and listeners notified once the lock
// is released.
func (e *Engine) mutate(ctx context.Context, op string, fn func(now time.Time) ([]Event, error)) error {
	start := time.Now()
	events, snap, listeners, err := e.apply(fn)
	e.observe(op, start, err)
	if err != nil {
		return err
	}
	if snap != nil {
		e.persist(ctx, snap)
	}
	for _, ev := range events {
		for _, l := range listeners {
			l(ctx, ev)
		}
	}
	return nil
}

// apply runs fn and commits its events under the write lock. The returned
// snapshot is nil when nothing changed.
func (e *Engine) apply(fn func(now time.Time) ([]Event, error)) ([]Event, *snapshot, []Listener, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	events, err := fn(now)
	if err != nil {
		return nil, nil, nil, err
	}
	var snap *snapshot
	if len(events) > 0 {
		events, snap = e.commit(now, events)
	}
	return events, snap, slices.Clone(e.listeners), nil
}

// snapshot is a state capture taken under the engine lock, saved after it is
// released.
type snapshot struct {
	seq  uint64
	data *store.Snapshot
}

// commit must be called with e.mu held.
func (e *Engine) commit(now time.Time, events []Event) ([]Event, *snapshot) {
	for _, ev := range events {
		if ev.frees() {
			events = append(events, e.evaluate(now)...)
			break
		}
	}
	e.refreshMarks()
	e.updateGauges()
	e.seq++
	return events, &snapshot{seq: e.seq, data: store.Capture(e.registry.Resources(), now)}
}

// persist saves snap unless a newer capture was already saved. Saves are
// serialized by saveMu so readers never wait on the backend.
func (e *Engine) persist(ctx context.Context, snap *snapshot) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if snap.seq <= e.savedSeq {
		return
	}
	if err := e.store.Save(ctx, snap.data); err != nil {
		metrics.PersistFailuresTotal.Inc()
		log.Error().Err(err).Msg("engine: failed to persist state; continuing with in-memory state")
		return
	}
	e.savedSeq = snap.seq
}

func (e *Engine) updateGauges() {
	counts := map[resources.StateKind]int{}
	for _, r := range e.registry.Resources() {
		counts[r.State().Kind()]++
	}
	for _, k := range []resources.StateKind{resources.KindFree, resources.KindReserved, resources.KindLocked} {
		metrics.ResourcesByState.WithLabelValues(k.String()).Set(float64(counts[k]))
	}
	metrics.QueueLength.Set(float64(e.queue.GetQueueLength()))
}

func (e *Engine) observe(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = string(resources.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	metrics.OperationsTotal.WithLabelValues(op, result).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Debug().Err(err).Str("op", op).Msg("engine: operation rejected")
	}
}

func names(list []*resources.Resource) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.Name()
	}
	return out
}

// Resources returns a view of every resource in registry order.
func (e *Engine) Resources() []resources.View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.registry.Resources()
	out := make([]resources.View, len(list))
	for i, r := range list {
		out[i] = r.View()
	}
	return out
}

func (e *Engine) Resource(name string) (resources.View, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.registry.Lookup(name)
	if !ok {
		return resources.View{}, resources.NotFound("get", name)
	}
	return r.View(), nil
}

// ResourcesWithLabel returns views of the resources matching label in registry order.
func (e *Engine) ResourcesWithLabel(label string) []resources.View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []resources.View
	for _, r := range e.registry.WithLabel(label) {
		out = append(out, r.View())
	}
	return out
}

func (e *Engine) AllLabels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.AllLabels()
}

func (e *Engine) FreeCount(label string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.FreeCount(label)
}

func (e *Engine) TotalCount(label string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.TotalCount(label)
}

func (e *Engine) FreePercentage(label string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.FreePercentage(label)
}

// Queue returns the waiting requests, oldest first.
func (e *Engine) Queue() []QueuedRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.queue.Snapshot()
}

// OldestQueued returns the longest-waiting request with a known timestamp.
func (e *Engine) OldestQueued() *QueuedRequest {
	return Oldest(e.Queue())
}

// OldestMarked returns the resource whose queue mark has the earliest known
// timestamp. Marks without a timestamp are skipped.
func (e *Engine) OldestMarked() (resources.View, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var oldest *resources.Resource
	for _, r := range e.registry.Resources() {
		m := r.Queue()
		if !m.Known() {
			continue
		}
		if oldest == nil || m.At.Before(oldest.Queue().At) {
			oldest = r
		}
	}
	if oldest == nil {
		return resources.View{}, false
	}
	return oldest.View(), true
}

func (e *Engine) Position(id string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.queue.GetPosition(id)
}

// Define adds a resource at runtime.
func (e *Engine) Define(ctx context.Context, def resources.Definition) error {
	return e.mutate(ctx, "define", func(now time.Time) ([]Event, error) {
		res, err := e.registry.Add(def)
		if err != nil {
			return nil, err
		}
		return []Event{{Kind: EventDefined, Resources: []string{res.Name()}, At: now}}, nil
	})
}

// Undefine removes a FREE resource.
func (e *Engine) Undefine(ctx context.Context, name string) error {
	return e.mutate(ctx, "undefine", func(now time.Time) ([]Event, error) {
		if err := e.registry.Remove(name); err != nil {
			return nil, err
		}
		events := []Event{{Kind: EventUndefined, Resources: []string{name}, At: now}}
		// Waiters that named the resource can never be satisfied.
		for _, entry := range e.queue.Pending() {
			if !slices.Contains(entry.Request.Resources, name) {
				continue
			}
			e.dropEntry(entry)
			log.Info().Str("requestId", entry.Request.ID).Str("resource", name).Msg("engine: request cancelled; resource undefined")
			events = append(events, Event{Kind: EventCancelled, RequestID: entry.Request.ID, Build: entry.Request.Build, At: now})
		}
		return events, nil
	})
}

// Relabel replaces the labels of a resource without changing its state.
func (e *Engine) Relabel(ctx context.Context, name string, labels []string) error {
	return e.mutate(ctx, "relabel", func(now time.Time) ([]Event, error) {
		if err := e.registry.SetLabels(name, labels); err != nil {
			return nil, err
		}
		return []Event{{Kind: EventRelabeled, Resources: []string{name}, At: now}}, nil
	})
}
