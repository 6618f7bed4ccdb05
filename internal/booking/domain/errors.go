package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an unknown booking id or reference.
var ErrNotFound = errors.New("booking not found")

// ErrInvalidTransition is the sentinel wrapped by InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid booking state transition")

// ErrInvalidState is the sentinel wrapped by InvalidStateError.
var ErrInvalidState = errors.New("invalid booking state")

// ValidationError reports missing or malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError names both sides of a rejected transition so the
// client can see what conflicted.
type InvalidTransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition booking from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InvalidStateError reports an operation attempted against the wrong current
// status, e.g. retrying a booking that is not expired.
type InvalidStateError struct {
	Current  BookingStatus
	Required BookingStatus
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s requires status %s, booking is %s", e.Op, e.Required, e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }
