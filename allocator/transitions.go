package allocator

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"lockable-resources/resources"

	"github.com/rs/zerolog/log"
)

const minNoteLength = 3

// canLock reports whether r may be locked by build on behalf of identity.
func canLock(r *resources.Resource, build, identity string) bool {
	st := r.State()
	switch st.Kind() {
	case resources.KindFree:
		return true
	case resources.KindReserved:
		return st.HeldBy(identity)
	case resources.KindLocked:
		return st.Build() == build
	}
	return false
}

// lockAll binds every resource to build. Callers have checked canLock.
func lockAll(list []*resources.Resource, build, identity string) {
	for _, r := range list {
		st := r.State()
		if st.IsLocked() {
			continue
		}
		holder := ""
		if st.HeldBy(identity) {
			holder = identity
		}
		r.SetState(resources.LockedBy(build, holder))
	}
}

// Lock binds every named resource to the build, or none of them.
func (e *Engine) Lock(ctx context.Context, req LockRequest) error {
	return e.mutate(ctx, "lock", func(now time.Time) ([]Event, error) {
		if strings.TrimSpace(req.Build) == "" {
			return nil, resources.InvalidRequest("lock", "build identity is required")
		}
		list, err := e.registry.Resolve("lock", req.Resources)
		if err != nil {
			return nil, err
		}
		var blocked []string
		for _, r := range list {
			if !canLock(r, req.Build, req.Identity) {
				blocked = append(blocked, r.Name())
			}
		}
		if len(blocked) > 0 {
			return nil, resources.Conflict("lock", blocked, "already locked or reserved")
		}
		lockAll(list, req.Build, req.Identity)
		log.Info().Strs("resources", names(list)).Str("build", req.Build).Msg("engine: locked")
		return []Event{{Kind: EventLocked, Resources: names(list), Build: req.Build, Identity: req.Identity, At: now}}, nil
	})
}

// Unlock frees locked resources. Without Override the caller must be the
// build (or human holder) the resources are bound to.
func (e *Engine) Unlock(ctx context.Context, req UnlockRequest) error {
	return e.mutate(ctx, "unlock", func(now time.Time) ([]Event, error) {
		list, err := e.registry.Resolve("unlock", req.Resources)
		if err != nil {
			return nil, err
		}
		if !req.Override {
			var foreign, reserved []string
			for _, r := range list {
				st := r.State()
				switch {
				case st.IsReserved():
					reserved = append(reserved, r.Name())
				case st.IsLocked() && !ownsLock(st, req.Build, req.Identity):
					foreign = append(foreign, r.Name())
				}
			}
			if len(foreign) > 0 {
				return nil, resources.Unauthorized("unlock", foreign, "locked by another build")
			}
			if len(reserved) > 0 {
				return nil, resources.Conflict("unlock", reserved, "reserved, not locked")
			}
		}
		for _, r := range list {
			r.Release()
		}
		log.Info().Strs("resources", names(list)).Str("build", req.Build).Bool("override", req.Override).Msg("engine: unlocked")
		return []Event{{Kind: EventUnlocked, Resources: names(list), Build: req.Build, Identity: req.Identity, At: now}}, nil
	})
}

func ownsLock(st resources.State, build, identity string) bool {
	if build != "" {
		return st.Build() == build
	}
	return st.HeldBy(identity)
}

// Reserve holds FREE resources for a human, all or none.
func (e *Engine) Reserve(ctx context.Context, list []string, identity string) error {
	return e.mutate(ctx, "reserve", func(now time.Time) ([]Event, error) {
		if strings.TrimSpace(identity) == "" {
			return nil, resources.InvalidRequest("reserve", "identity is required")
		}
		res, err := e.registry.Resolve("reserve", list)
		if err != nil {
			return nil, err
		}
		var busy []string
		for _, r := range res {
			if !r.IsFree() {
				busy = append(busy, r.Name())
			}
		}
		if len(busy) > 0 {
			return nil, resources.Conflict("reserve", busy, "resource already locked")
		}
		for _, r := range res {
			r.SetState(resources.ReservedBy(identity))
			r.SetNote("")
		}
		log.Info().Strs("resources", names(res)).Str("identity", identity).Msg("engine: reserved")
		return []Event{{Kind: EventReserved, Resources: names(res), Identity: identity, At: now}}, nil
	})
}

// Unreserve frees RESERVED resources. Whether the caller may do so is
// decided before the call.
func (e *Engine) Unreserve(ctx context.Context, list []string) error {
	return e.mutate(ctx, "unreserve", func(now time.Time) ([]Event, error) {
		res, err := e.registry.Resolve("unreserve", list)
		if err != nil {
			return nil, err
		}
		var notReserved []string
		for _, r := range res {
			if !r.State().IsReserved() {
				notReserved = append(notReserved, r.Name())
			}
		}
		if len(notReserved) > 0 {
			return nil, resources.Conflict("unreserve", notReserved, "not reserved")
		}
		for _, r := range res {
			r.Release()
		}
		log.Info().Strs("resources", names(res)).Msg("engine: unreserved")
		return []Event{{Kind: EventUnreserved, Resources: names(res), At: now}}, nil
	})
}

// Steal reserves the resources for identity whatever their current holder.
func (e *Engine) Steal(ctx context.Context, list []string, identity string) error {
	return e.mutate(ctx, "steal", func(now time.Time) ([]Event, error) {
		if strings.TrimSpace(identity) == "" {
			return nil, resources.InvalidRequest("steal", "identity is required")
		}
		res, err := e.registry.Resolve("steal", list)
		if err != nil {
			return nil, err
		}
		for _, r := range res {
			log.Info().Str("resource", r.Name()).Str("from", r.State().String()).Str("to", identity).Msg("engine: stealing")
			r.SetState(resources.ReservedBy(identity))
		}
		return []Event{{Kind: EventStolen, Resources: names(res), Identity: identity, At: now}}, nil
	})
}

// Reassign hands held resources to identity. It returns false without any
// change when identity already holds every resource.
func (e *Engine) Reassign(ctx context.Context, list []string, identity string) (bool, error) {
	changed := false
	err := e.mutate(ctx, "reassign", func(now time.Time) ([]Event, error) {
		if strings.TrimSpace(identity) == "" {
			return nil, resources.InvalidRequest("reassign", "identity is required")
		}
		res, err := e.registry.Resolve("reassign", list)
		if err != nil {
			return nil, err
		}
		var free []string
		held := true
		for _, r := range res {
			st := r.State()
			if st.IsFree() {
				free = append(free, r.Name())
			}
			if !st.HeldBy(identity) {
				held = false
			}
		}
		if len(free) > 0 {
			return nil, resources.Conflict("reassign", free, "resource is not held")
		}
		if held {
			log.Debug().Strs("resources", names(res)).Str("identity", identity).Msg("engine: reassign to current holder ignored")
			return nil, nil
		}
		for _, r := range res {
			r.SetState(resources.ReservedBy(identity))
		}
		changed = true
		log.Info().Strs("resources", names(res)).Str("identity", identity).Msg("engine: reassigned")
		return []Event{{Kind: EventReassigned, Resources: names(res), Identity: identity, At: now}}, nil
	})
	return changed, err
}

// Reset forces resources back to FREE from any state.
func (e *Engine) Reset(ctx context.Context, list []string) error {
	return e.mutate(ctx, "reset", func(now time.Time) ([]Event, error) {
		res, err := e.registry.Resolve("reset", list)
		if err != nil {
			return nil, err
		}
		for _, r := range res {
			r.Release()
		}
		log.Info().Strs("resources", names(res)).Msg("engine: reset")
		return []Event{{Kind: EventReset, Resources: names(res), At: now}}, nil
	})
}

// SetNote replaces the free-text note of a resource.
func (e *Engine) SetNote(ctx context.Context, name, text string) error {
	return e.mutate(ctx, "note", func(now time.Time) ([]Event, error) {
		r, ok := e.registry.Lookup(name)
		if !ok {
			return nil, resources.NotFound("note", name)
		}
		r.SetNote(text)
		return []Event{{Kind: EventNote, Resources: []string{name}, At: now}}, nil
	})
}

// UpdateNote is SetNote for messages typed by users, which must carry at
// least a few characters.
func (e *Engine) UpdateNote(ctx context.Context, name, text string) error {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minNoteLength {
		err := resources.InvalidRequest("note", "message must have at least %d characters", minNoteLength)
		e.observe("note", time.Now(), err)
		return err
	}
	return e.SetNote(ctx, name, text)
}

// Verify checks that a caller may use a resource it claims: it must be
// reserved by identity or locked by build.
func (e *Engine) Verify(name, identity, build string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.registry.Lookup(name)
	if !ok {
		return resources.NotFound("verify", name)
	}
	st := r.State()
	switch st.Kind() {
	case resources.KindReserved:
		if !st.HeldBy(identity) {
			return resources.Unauthorized("verify", []string{name}, "reserved by another user")
		}
	case resources.KindLocked:
		if build == "" || st.Build() != build {
			return resources.Unauthorized("verify", []string{name}, "locked by another build")
		}
	default:
		return resources.InvalidRequest("verify", "resource %s must be reserved first", name)
	}
	return nil
}

// ReleaseBuild frees everything a finished or aborted build holds and drops
// its pending requests. It returns the freed resource names.
func (e *Engine) ReleaseBuild(ctx context.Context, build string) ([]string, error) {
	var freed []string
	err := e.mutate(ctx, "release-build", func(now time.Time) ([]Event, error) {
		if build == "" {
			return nil, resources.InvalidRequest("release-build", "build identity is required")
		}
		var events []Event
		for _, entry := range e.queue.Pending() {
			if entry.Request.Build == build {
				e.dropEntry(entry)
				events = append(events, Event{Kind: EventCancelled, RequestID: entry.Request.ID, Build: build, At: now})
			}
		}
		for _, r := range e.registry.Resources() {
			if r.State().IsLocked() && r.State().Build() == build {
				r.Release()
				freed = append(freed, r.Name())
			}
		}
		if len(freed) > 0 {
			log.Info().Strs("resources", freed).Str("build", build).Msg("engine: released build")
			events = append(events, Event{Kind: EventUnlocked, Resources: freed, Build: build, At: now})
		}
		return events, nil
	})
	return freed, err
}
