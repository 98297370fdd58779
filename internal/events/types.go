package events

import "time"

// CanonicalEvent is a versioned domain event written to the outbox.
type CanonicalEvent interface {
	EventType() string
}

const (
	TypeAppointmentConfirmed   = "appointment.confirmed.v1"
	TypeAppointmentCancelled   = "appointment.cancelled.v1"
	TypeAppointmentRescheduled = "appointment.rescheduled.v1"
	TypeAppointmentCompleted   = "appointment.completed.v1"
	TypeAppointmentNoShow      = "appointment.no_show.v1"
)

// AppointmentRef identifies the appointment and the people it affects.
type AppointmentRef struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	DoctorID      string `json:"doctor_id"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	Mode          string `json:"mode,omitempty"`
}

type AppointmentConfirmedV1 struct {
	AppointmentRef
	ConfirmedAt time.Time `json:"confirmed_at"`
}

func (AppointmentConfirmedV1) EventType() string { return TypeAppointmentConfirmed }

type AppointmentCancelledV1 struct {
	AppointmentRef
	CancelledBy string    `json:"cancelled_by"`
	ByRole      string    `json:"by_role"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (AppointmentCancelledV1) EventType() string { return TypeAppointmentCancelled }

type AppointmentRescheduledV1 struct {
	AppointmentRef
	PreviousDate      string    `json:"previous_date"`
	PreviousTime      string    `json:"previous_time"`
	RescheduleCount   int       `json:"reschedule_count"`
	PenaltyPercentage int       `json:"penalty_percentage"`
	RequestedBy       string    `json:"requested_by"`
	Reason            string    `json:"reason,omitempty"`
	RescheduledAt     time.Time `json:"rescheduled_at"`
}

func (AppointmentRescheduledV1) EventType() string { return TypeAppointmentRescheduled }

type AppointmentCompletedV1 struct {
	AppointmentRef
	CompletedBy string    `json:"completed_by"`
	CompletedAt time.Time `json:"completed_at"`
}

func (AppointmentCompletedV1) EventType() string { return TypeAppointmentCompleted }

type AppointmentNoShowV1 struct {
	AppointmentRef
	MarkedAt time.Time `json:"marked_at"`
}

func (AppointmentNoShowV1) EventType() string { return TypeAppointmentNoShow }
