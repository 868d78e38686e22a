package allocator

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type Capability string

const (
	CapabilityUnlock  Capability = "unlock"
	CapabilityReserve Capability = "reserve"
	CapabilitySteal   Capability = "steal"
	CapabilityView    Capability = "view"
)

// Authorizer decides whether an identity may perform a class of operation.
// The engine never calls it; the controller checks before dispatching.
type Authorizer interface {
	HasCapability(identity string, c Capability) bool
}

// StaticAuthorizer grants every capability to Admins and Default to
// everybody else. Anonymous callers only get view.
type StaticAuthorizer struct {
	Admins  []string
	Default []Capability
}

func NewStaticAuthorizer(admins []string) *StaticAuthorizer {
	return &StaticAuthorizer{
		Admins:  admins,
		Default: []Capability{CapabilityReserve, CapabilityView},
	}
}

func (a *StaticAuthorizer) IsAdmin(identity string) bool {
	return identity != "" && slices.Contains(a.Admins, identity)
}

func (a *StaticAuthorizer) HasCapability(identity string, c Capability) bool {
	if identity == "" {
		return c == CapabilityView
	}
	if a.IsAdmin(identity) {
		return true
	}
	return slices.Contains(a.Default, c)
}

// BuildResolver maps a job reference and build number to the build identity
// stored on locked resources.
type BuildResolver interface {
	ResolveBuild(job, number string) (string, bool)
}

// DisplayNameResolver renders "<job> #<number>", the full display name
// builds lock resources under.
type DisplayNameResolver struct{}

func (DisplayNameResolver) ResolveBuild(job, number string) (string, bool) {
	job = strings.TrimSpace(job)
	number = strings.TrimSpace(number)
	if job == "" || number == "" {
		return "", false
	}
	n, err := strconv.Atoi(number)
	if err != nil || n < 1 {
		return "", false
	}
	return fmt.Sprintf("%s #%d", job, n), true
}
