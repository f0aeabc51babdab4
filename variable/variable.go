// Package variable defines Future values: lazy slots filled by a producing
// session and referenced by possibly many consuming calls.
package variable

import "strings"

// FUTURE_MAGIC_HEADER prefixes the wire form of a Future embedded in a call
// payload, distinguishing a Variable reference from plain literal text.
const FUTURE_MAGIC_HEADER = "{{semcore_future:"

// futureTrailer closes the wire form opened by FUTURE_MAGIC_HEADER.
const futureTrailer = "}}"

type (
	// Variable is either a constant carrying a fixed string value, or a lazy
	// slot ("Future") whose tokens are produced by exactly one session and
	// consumed by zero or more others. Identity is the ID field; Name is an
	// optional human-readable label used in diagnostics.
	Variable struct {
		// ID uniquely identifies the variable within a running program.
		ID string
		// Name is an optional, non-unique label for diagnostics.
		Name string
		// Constant, when true, means Value holds the variable's entire
		// content and no DataHolder/producer exists for it.
		Constant bool
		// Value holds the literal string content when Constant is true.
		Value string
	}
)

// NewConstant returns a Variable bound to a fixed string value.
func NewConstant(id, name, value string) *Variable {
	return &Variable{ID: id, Name: name, Constant: true, Value: value}
}

// NewFuture returns a Variable that will be filled by a producing session.
func NewFuture(id, name string) *Variable {
	return &Variable{ID: id, Name: name}
}

// IsFuture reports whether v is a lazy slot rather than a constant.
func (v *Variable) IsFuture() bool {
	return !v.Constant
}

// EncodePayload returns the wire form of v for embedding in a call payload.
// Constants serialize as their literal value; Futures serialize as their id
// wrapped in the magic header so DecodePayload can tell them apart.
func (v *Variable) EncodePayload() string {
	if v.Constant {
		return v.Value
	}
	return FUTURE_MAGIC_HEADER + v.ID + futureTrailer
}

// DecodePayload parses a call-payload value. When s carries the magic
// header it returns the embedded Future's id with ok true; otherwise s is
// plain literal text and ok is false.
func DecodePayload(s string) (id string, ok bool) {
	if !strings.HasPrefix(s, FUTURE_MAGIC_HEADER) || !strings.HasSuffix(s, futureTrailer) {
		return "", false
	}
	return s[len(FUTURE_MAGIC_HEADER) : len(s)-len(futureTrailer)], true
}
