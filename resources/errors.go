package resources

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why an operation was rejected.
type Kind string

const (
	KindNotFound       Kind = "NotFound"
	KindConflict       Kind = "Conflict"
	KindUnauthorized   Kind = "Unauthorized"
	KindInvalidRequest Kind = "InvalidRequest"
	KindInsufficient   Kind = "Insufficient"
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource state conflict")
	ErrUnauthorized   = errors.New("not the owner of the resource")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInsufficient   = errors.New("insufficient free resources")
)

// Error is the typed result of a rejected operation. State is never changed
// when an operation returns an *Error.
type Error struct {
	Kind      Kind
	Op        string
	Resources []string
	Msg       string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if len(e.Resources) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Resources, ", "))
		b.WriteString("]")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrInvalidRequest:
		return e.Kind == KindInvalidRequest
	case ErrInsufficient:
		return e.Kind == KindInsufficient
	}
	return false
}

func newError(kind Kind, op string, names []string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Resources: names, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op string, names ...string) *Error {
	return newError(KindNotFound, op, names, "resource does not exist")
}

func Conflict(op string, names []string, format string, args ...any) *Error {
	return newError(KindConflict, op, names, format, args...)
}

func Unauthorized(op string, names []string, format string, args ...any) *Error {
	return newError(KindUnauthorized, op, names, format, args...)
}

func InvalidRequest(op string, format string, args ...any) *Error {
	return newError(KindInvalidRequest, op, nil, format, args...)
}

func Insufficient(op, label string, want, free int) *Error {
	return newError(KindInsufficient, op, nil, "label %q: want %d, free %d", label, want, free)
}

// KindOf reports the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
