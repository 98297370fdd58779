package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound means the gateway has no record of the session.
var ErrSessionNotFound = errors.New("payments: session not found")

// VerificationStatus is the gateway's answer about a payment session.
type VerificationStatus string

const (
	VerificationPaid    VerificationStatus = "paid"
	VerificationUnpaid  VerificationStatus = "unpaid"
	VerificationExpired VerificationStatus = "expired"
)

// SessionParams describes the checkout to open for a pending appointment.
type SessionParams struct {
	AppointmentID uuid.UUID
	DoctorID      uuid.UUID
	PatientID     uuid.UUID
	Date          string
	Time          string
	Mode          string
	Type          string
	AmountCents   int64
	Currency      string
	Description   string
	SuccessURL    string
	CancelURL     string
}

// Metadata is what the gateway echoes back on verification and webhooks.
func (p SessionParams) Metadata() map[string]string {
	return map[string]string{
		"appointment_id":   p.AppointmentID.String(),
		"doctor_id":        p.DoctorID.String(),
		"patient_id":       p.PatientID.String(),
		"appointment_date": p.Date,
		"appointment_time": p.Time,
		"mode":             p.Mode,
		"type":             p.Type,
	}
}

// Session is an opened checkout session.
type Session struct {
	ID        string
	URL       string
	ExpiresAt *time.Time
}

// Verification is the server-to-server view of a session.
type Verification struct {
	SessionID   string
	Status      VerificationStatus
	Reference   string
	AmountCents int64
	Metadata    map[string]string
}

// Paid reports whether the gateway confirmed payment.
func (v *Verification) Paid() bool {
	return v != nil && v.Status == VerificationPaid
}

// Gateway opens payment sessions and verifies them directly with the provider.
type Gateway interface {
	CreateSession(ctx context.Context, params SessionParams) (*Session, error)
	Verify(ctx context.Context, sessionID string) (*Verification, error)
}
