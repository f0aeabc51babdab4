// Package errkind provides structured error types for the session executor
// and dispatcher. Errors preserve causal chains and support errors.Is/As,
// mirroring the shape of a tool-error chain while carrying the distinct
// error kinds the runtime needs to distinguish at the edges (fail-fast vs.
// surfaced-to-caller).
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error for propagation purposes.
type Kind string

const (
	// UserError indicates a bad function declaration, an output argument
	// supplied by the caller, or conflicting placeholder fields. Raised
	// synchronously at call construction; never aborts the runtime.
	UserError Kind = "user_error"
	// DispatchError indicates the dispatcher could not place a session
	// (QueueFull) or none will ever fit (NoFeasibleEngine).
	DispatchError Kind = "dispatch_error"
	// EngineRPCError indicates a transport or protocol-level failure talking
	// to an inference engine. Fatal inside a Session task.
	EngineRPCError Kind = "engine_rpc_error"
	// AssertionFailure indicates an invariant violation, such as a partial
	// fill count mismatch. Fatal inside a Session task.
	AssertionFailure Kind = "assertion_failure"
	// PoolExhausted indicates the recyclable id pool has no ids available.
	PoolExhausted Kind = "pool_exhausted"
)

// Reason further distinguishes a DispatchError.
type Reason string

const (
	// QueueFull indicates the dispatcher's pending queue was at capacity.
	QueueFull Reason = "queue_full"
	// NoFeasibleEngine indicates no registered engine could ever satisfy the
	// session's capacity demand.
	NoFeasibleEngine Reason = "no_feasible_engine"
)

// Error is a structured runtime failure carrying a Kind, an optional
// Reason, and an optional causal chain.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Cause   *Error

	// SessionID and InstructionIndex are populated for errors raised inside
	// a Session task so fatal diagnostics can report which session and which
	// instruction triggered them.
	SessionID        string
	InstructionIndex int
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewDispatch constructs a DispatchError with the given reason.
func NewDispatch(reason Reason, message string) *Error {
	return &Error{Kind: DispatchError, Reason: reason, Message: message}
}

// Wrap constructs an Error of the given kind that wraps cause, converting
// arbitrary errors into the Error chain so metadata survives errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into an *Error chain, reusing an
// existing chain if cause already is (or wraps) one.
func FromError(cause error) *Error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	return &Error{Kind: AssertionFailure, Message: cause.Error(), Cause: FromError(errors.Unwrap(cause))}
}

// WithInstruction annotates e with the session and instruction index that
// triggered it, for fatal diagnostics.
func (e *Error) WithInstruction(sessionID string, index int) *Error {
	e.SessionID = sessionID
	e.InstructionIndex = index
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.SessionID != "" {
		return fmt.Sprintf("[%s] session %s instruction #%d: %s", e.Kind, e.SessionID, e.InstructionIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/As over the causal chain.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target matches e by Kind (and Reason, when target
// specifies one), enabling errors.Is(err, errkind.New(errkind.PoolExhausted, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return true
}
