package reminders

import (
	"time"

	"github.com/google/uuid"
)

// Kind is how long before the appointment a reminder fires.
type Kind string

const (
	Kind24h Kind = "24h"
	Kind2h  Kind = "2h"
)

// Offset is the lead time before the appointment start.
func (k Kind) Offset() time.Duration {
	switch k {
	case Kind24h:
		return 24 * time.Hour
	case Kind2h:
		return 2 * time.Hour
	default:
		return 0
	}
}

// Method specifies how the reminder is delivered.
type Method string

const (
	MethodSMS   Method = "sms"
	MethodEmail Method = "email"
)

// ParseMethod defaults to email for unknown values.
func ParseMethod(raw string) Method {
	if Method(raw) == MethodSMS {
		return MethodSMS
	}
	return MethodEmail
}

// Status tracks the lifecycle of a reminder.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Reminder is one scheduled notification for a confirmed appointment.
type Reminder struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	Kind          Kind       `json:"kind"`
	Method        Method     `json:"method"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
