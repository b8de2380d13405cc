// Package simerr holds the sentinel and typed errors shared across the
// simulator's components, modeled on the teacher's eventloop/errors.go:
// plain sentinels for the recoverable conditions spec.md §7 names, and a
// typed InvariantViolation (mirroring eventloop's TypeError/RangeError
// shape — a Message/Cause pair with Error()/Unwrap()) for the fatal
// "this should be structurally impossible" assertion class.
package simerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the recoverable, expected-at-runtime conditions
// spec.md §7 enumerates.
var (
	ErrQueueFull          = errors.New("simerr: queue full")
	ErrDownstreamRejected = errors.New("simerr: downstream rejected request")
)

// InvariantViolation reports a structural precondition the caller was
// supposed to guarantee (spec.md §4.3 "Duplicate handling": the PTW's RQ
// must never contain two requests with the same page-aligned VA).
type InvariantViolation struct {
	Component string
	Message   string
	Cause     error
}

func (e *InvariantViolation) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("simerr: invariant violated in %s: %s: %v", e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("simerr: invariant violated in %s: %s", e.Component, e.Message)
}

func (e *InvariantViolation) Unwrap() error { return e.Cause }
