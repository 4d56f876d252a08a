package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput         // validation or mapping failure, surfaced to caller
	KindConflict      // optimistic-concurrency loss, caller retries or aborts
	KindNotFound      // referenced entity does not exist
	KindInvariant     // would violate a data-model invariant
	KindTransient     // timeout, 5xx, 429; retryable
	KindPermanent     // non-retryable upstream failure
	KindDegraded      // per-camera degradation, isolated
	KindUnavailable   // state store down; pipeline pauses
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvariant:
		return "invariant"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDegraded:
		return "degraded"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across component boundaries. Component
// names the originating subsystem so log lines can attribute failures.
type Error struct {
	Kind      Kind
	Component string
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// E builds a typed error without a cause.
func E(kind Kind, component, msg string) *Error {
	return &Error{Kind: kind, Component: component, Msg: msg}
}

// Ef builds a typed error with a formatted message.
func Ef(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and component to an underlying cause.
func Wrap(kind Kind, component, msg string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether the dispatcher may retry after err.
func Retryable(err error) bool { return KindOf(err) == KindTransient }
