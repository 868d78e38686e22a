package resources

import "fmt"

type StateKind int

const (
	KindFree StateKind = iota
	KindReserved
	KindLocked
)

func (k StateKind) String() string {
	switch k {
	case KindFree:
		return "FREE"
	case KindReserved:
		return "RESERVED"
	case KindLocked:
		return "LOCKED"
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

// State is the lock state of a resource. The zero value is FREE. Values can
// only be built through Free, ReservedBy and LockedBy, so a build identity
// without a lock, or a reservation without an identity, cannot be expressed.
type State struct {
	kind   StateKind
	holder string
	build  string
}

func Free() State { return State{} }

// ReservedBy is a human hold without a build. An empty identity yields FREE.
func ReservedBy(identity string) State {
	if identity == "" {
		return State{}
	}
	return State{kind: KindReserved, holder: identity}
}

// LockedBy binds the resource to a build. holder is the human identity the
// resource was reserved for before the build took it, and may be empty.
// An empty build yields FREE.
func LockedBy(build, holder string) State {
	if build == "" {
		return State{}
	}
	return State{kind: KindLocked, holder: holder, build: build}
}

func (s State) Kind() StateKind { return s.kind }

func (s State) IsFree() bool     { return s.kind == KindFree }
func (s State) IsReserved() bool { return s.kind == KindReserved }
func (s State) IsLocked() bool   { return s.kind == KindLocked }

// ReservedBy returns the human identity holding the resource, if any.
func (s State) ReservedBy() string { return s.holder }

// Build returns the build identity while LOCKED.
func (s State) Build() string { return s.build }

// HeldBy reports whether identity is the human holder.
func (s State) HeldBy(identity string) bool {
	return identity != "" && s.holder == identity
}

func (s State) String() string {
	switch s.kind {
	case KindReserved:
		return fmt.Sprintf("RESERVED(%s)", s.holder)
	case KindLocked:
		if s.holder != "" {
			return fmt.Sprintf("LOCKED(%s, %s)", s.build, s.holder)
		}
		return fmt.Sprintf("LOCKED(%s)", s.build)
	}
	return "FREE"
}
