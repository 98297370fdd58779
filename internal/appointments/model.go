package appointments

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusNoShow         Status = "no_show"
)

// ParseStatus validates a persisted status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.TrimSpace(raw)); s {
	case StatusPendingPayment, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return s, nil
	default:
		return "", fmt.Errorf("appointments: unknown status %q", raw)
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

type Mode string

const (
	ModeInPerson Mode = "in_person"
	ModeRemote   Mode = "remote"
)

func (m Mode) Valid() bool { return m == ModeInPerson || m == ModeRemote }

type Type string

const (
	TypeConsultation Type = "consultation"
	TypeFollowUp     Type = "follow_up"
	TypeEmergency    Type = "emergency"
)

func (t Type) Valid() bool {
	return t == TypeConsultation || t == TypeFollowUp || t == TypeEmergency
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Role is the role a requester acts under.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Requester identifies who is asking for a transition.
type Requester struct {
	ID   uuid.UUID
	Role Role
}

// SystemRequester is used for transitions driven by payment outcomes and sweeps.
var SystemRequester = Requester{ID: uuid.Nil, Role: RoleSystem}

// TimeOfDay is a wall-clock time expressed as minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay accepts "15:04" or "15:04:05"; seconds must be zero.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("appointments: invalid time %q", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("appointments: invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("appointments: invalid minute in %q", raw)
	}
	if len(parts) == 3 && parts[2] != "00" {
		return 0, fmt.Errorf("appointments: seconds not supported in %q", raw)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Duration returns the offset from midnight.
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t) * time.Minute
}

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date into UTC midnight.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("appointments: invalid date %q: %w", raw, err)
	}
	return d, nil
}

// DateOf drops the clock from t, keeping its calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.Format(dateLayout)
}

// Slot is a bookable (date, time) for one doctor.
type Slot struct {
	Date time.Time
	Time TimeOfDay
}

// Start combines the slot with loc.
func (s Slot) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := s.Date.Date()
	return time.Date(y, m, d, int(s.Time)/60, int(s.Time)%60, 0, 0, loc)
}

func (s Slot) String() string {
	return FormatDate(s.Date) + " " + s.Time.String()
}

// Appointment is one reservation between a patient and a doctor.
type Appointment struct {
	ID                 uuid.UUID
	DoctorID           uuid.UUID
	PatientID          uuid.UUID
	Date               time.Time
	Time               TimeOfDay
	Mode               Mode
	Type               Type
	Notes              string
	Status             Status
	PaymentStatus      PaymentStatus
	PaymentSessionID   string
	PaymentToken       *string
	RescheduleCount    int
	CancelledAt        *time.Time
	CancelledBy        *uuid.UUID
	CancellationReason *string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Slot returns the appointment's current slot.
func (a Appointment) Slot() Slot {
	return Slot{Date: a.Date, Time: a.Time}
}

// Start is the appointment's start instant in loc.
func (a Appointment) Start(loc *time.Location) time.Time {
	return a.Slot().Start(loc)
}

// Clone returns a deep copy so callers cannot mutate stored pointers.
func (a Appointment) Clone() Appointment {
	out := a
	if a.PaymentToken != nil {
		v := *a.PaymentToken
		out.PaymentToken = &v
	}
	if a.CancelledAt != nil {
		v := *a.CancelledAt
		out.CancelledAt = &v
	}
	if a.CancelledBy != nil {
		v := *a.CancelledBy
		out.CancelledBy = &v
	}
	if a.CancellationReason != nil {
		v := *a.CancellationReason
		out.CancellationReason = &v
	}
	return out
}

// roleFor resolves the role the requester holds on this appointment.
func (a Appointment) roleFor(r Requester) (Role, bool) {
	switch {
	case r.Role == RoleAdmin:
		return RoleAdmin, true
	case r.ID != uuid.Nil && r.ID == a.PatientID:
		return RolePatient, true
	case r.ID != uuid.Nil && r.ID == a.DoctorID:
		return RoleDoctor, true
	default:
		return "", false
	}
}
