package appointments

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no appointment matches.
	ErrNotFound = errors.New("appointments: not found")
	// ErrConcurrentUpdate is returned when a compare-and-swap lost to another writer.
	ErrConcurrentUpdate = errors.New("appointments: concurrent update")
)

const (
	ReasonSlotUnavailable       = "slot unavailable"
	ReasonPatientBooked         = "patient already booked on this date"
	ReasonSlotNoLongerAvailable = "slot no longer available"
)

// SlotConflictError means the requested slot cannot be booked.
type SlotConflictError struct {
	Reasons []string
}

func (e *SlotConflictError) Error() string {
	if len(e.Reasons) == 0 {
		return "appointments: slot conflict"
	}
	return "appointments: slot conflict: " + strings.Join(e.Reasons, "; ")
}

// Reason returns the first reason, suitable for showing to a user.
func (e *SlotConflictError) Reason() string {
	if len(e.Reasons) == 0 {
		return ReasonSlotUnavailable
	}
	return e.Reasons[0]
}

// PolicyViolationError is a cancellation or reschedule denied by policy.
type PolicyViolationError struct {
	Action string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("appointments: %s not allowed: %s", e.Action, e.Reason)
}

// InvalidTransitionError is an event that the transition table does not accept.
type InvalidTransitionError struct {
	From  Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("appointments: invalid transition %s from %s", e.Event, e.From)
}

// IsConflict reports whether err is a slot conflict.
func IsConflict(err error) bool {
	var conflict *SlotConflictError
	return errors.As(err, &conflict)
}
