package greet

import (
	"errors"
	"fmt"
)

// ErrPrecondition is returned when a control operation (Start, Join,
// Exclude, Refresh, Quit, Recover) is invoked from a HandlerState that
// does not permit it (spec.md §4.3 preconditions, §7 "precondition
// violation").
var ErrPrecondition = errors.New("greet: precondition violation")

// ErrInconsistent marks a protocol inconsistency: a member-set mismatch,
// an unexpected member, or a ladder index that does not line up with the
// wrapper's member ordering (spec.md §7 "protocol inconsistency").
var ErrInconsistent = errors.New("greet: protocol inconsistency")

// ErrIgnored is a sentinel HandleMessage returns as-is for messages spec.md §4.3's tie-break rules say must be silently
// dropped: not addressed to self, or authored by self. It is also
// returned when a wrapper still in NULL receives a message for a member
// list that does not include it.
var ErrIgnored = errors.New("greet: message ignored")

// AuthFailure is the "Session authentication by member X failed" result
// variant of spec.md §9: a recoverable outcome the handler promotes to a
// TERMINAL error frame, never a panic.
type AuthFailure struct {
	Member string
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("greet: session authentication by member %s failed", e.Member)
}

func newPreconditionError(op string, state State) error {
	return fmt.Errorf("%w: %s not permitted in state %s", ErrPrecondition, op, state)
}

func newInconsistentError(reason string) error {
	return fmt.Errorf("%w: %s", ErrInconsistent, reason)
}
