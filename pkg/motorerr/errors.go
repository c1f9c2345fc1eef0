// Package motorerr defines the structured error taxonomy shared by the
// timeline motor core. Errors carry a kind from a fixed registry plus
// key/value context so transport collaborators can map them to user-facing
// codes without parsing strings.
package motorerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the error category from the fixed registry.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindOutOfOrder         Kind = "OUT_OF_ORDER"
	KindConflict           Kind = "CONFLICT"
	KindVersionConflict    Kind = "VERSION_CONFLICT"
	KindRuleEvaluation     Kind = "RULE_EVALUATION"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
	KindTimeout            Kind = "TIMEOUT"
	KindMaxRounds          Kind = "MAX_ROUNDS_EXCEEDED"
	KindNotFound           Kind = "NOT_FOUND"
)

// Error is a structured error value: kind + message + context fields.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]string
	wrapped error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause. The cause participates in errors.Is/As chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

// With adds a context field and returns the same error for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.wrapped != nil {
		b.WriteString(": ")
		b.WriteString(e.wrapped.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches by kind, so callers can use errors.Is(err, motorerr.New(kind, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from any error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error kind indicates a transient condition
// the caller may retry without violating idempotence.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageUnavailable, KindTimeout:
		return true
	}
	return false
}
