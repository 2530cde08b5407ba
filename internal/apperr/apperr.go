// Package apperr classifies failures returned by the orchestration services.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the failure classes surfaced to callers.
type Kind string

const (
	Internal           Kind = "internal"
	Validation         Kind = "validation"
	Unauthorized       Kind = "unauthorized"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	NodeNotConnected   Kind = "node_not_connected"
	StorageUnavailable Kind = "storage_unavailable"
	AgentUnavailable   Kind = "agent_unavailable"
	PartialFailure     Kind = "partial_failure"
)

// Retryable reports whether the caller may retry the same request later.
func (k Kind) Retryable() bool {
	switch k {
	case NodeNotConnected, StorageUnavailable, AgentUnavailable:
		return true
	default:
		return false
	}
}

// SubFailure describes one failed step of a fan-out operation.
type SubFailure struct {
	Step   string
	Target string
	Err    error
}

func (f SubFailure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Step, f.Target, f.Err)
}

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Op       string
	Msg      string
	Err      error
	Failures []SubFailure
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Failures) > 0 {
		parts := make([]string, 0, len(e.Failures))
		for _, f := range e.Failures {
			parts = append(parts, f.String())
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, "; "))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a message.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Partial reports a fan-out that completed only some of its steps.
func Partial(op, msg string, failures []SubFailure) *Error {
	return &Error{Kind: PartialFailure, Op: op, Msg: msg, Failures: failures}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// FailuresOf returns the sub-failures carried by a partial failure.
func FailuresOf(err error) []SubFailure {
	var e *Error
	if errors.As(err, &e) {
		return e.Failures
	}
	return nil
}
