// Package booking opens booking intents: a pending appointment holding its
// slot plus the payment session the patient is sent to.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/observability/metrics"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

var tracer = otel.Tracer("telecare.internal.booking")

var (
	// ErrInvalidIntent wraps every validation failure of an intent.
	ErrInvalidIntent = errors.New("booking: invalid intent")
	// ErrRateLimited means the patient opened too many intents recently.
	ErrRateLimited = errors.New("booking: too many booking attempts")
)

// Intent is a patient's request to book and pay for a slot.
type Intent struct {
	DoctorID   uuid.UUID `json:"doctor_id"`
	PatientID  uuid.UUID `json:"patient_id"`
	Date       string    `json:"date"`
	Time       string    `json:"time"`
	Type       string    `json:"type"`
	Mode       string    `json:"mode"`
	Notes      string    `json:"notes,omitempty"`
	SuccessURL string    `json:"success_url,omitempty"`
	CancelURL  string    `json:"cancel_url,omitempty"`
}

// IntentResult tells the caller where to send the patient.
type IntentResult struct {
	Appointment *appointments.Appointment `json:"appointment"`
	SessionID   string                    `json:"session_id"`
	RedirectURL string                    `json:"redirect_url"`
}

type intentMachine interface {
	Create(ctx context.Context, req appointments.CreateRequest) (*appointments.Appointment, error)
	FailPayment(ctx context.Context, id uuid.UUID, reason string) (*appointments.Appointment, error)
	AttachPaymentSession(ctx context.Context, id uuid.UUID, sessionID string) (*appointments.Appointment, error)
}

// Config carries the fee charged per intent.
type Config struct {
	FeeCents int64
	Currency string
	Location *time.Location
}

// Service creates booking intents.
type Service struct {
	machine intentMachine
	gateway payments.Gateway
	limiter *IntentLimiter
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.BookingMetrics
	now     func() time.Time
}

func NewService(machine intentMachine, gateway payments.Gateway, cfg Config, logger *logging.Logger) *Service {
	if machine == nil {
		panic("booking: state machine required")
	}
	if gateway == nil {
		panic("booking: payment gateway required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Service{machine: machine, gateway: gateway, cfg: cfg, logger: logger, now: time.Now}
}

func (s *Service) WithLimiter(l *IntentLimiter) *Service {
	s.limiter = l
	return s
}

func (s *Service) WithMetrics(m *metrics.BookingMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateIntent validates the request, holds the slot with a pending
// appointment and opens a payment session for it. A taken slot is reported
// before any session is opened.
func (s *Service) CreateIntent(ctx context.Context, in Intent) (*IntentResult, error) {
	ctx, span := tracer.Start(ctx, "booking.create_intent")
	defer span.End()
	span.SetAttributes(
		attribute.String("telecare.doctor_id", in.DoctorID.String()),
		attribute.String("telecare.patient_id", in.PatientID.String()),
	)

	res, result, err := s.createIntent(ctx, in)
	s.metrics.ObserveIntent(result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		return nil, err
	}
	return res, nil
}

func (s *Service) createIntent(ctx context.Context, in Intent) (*IntentResult, string, error) {
	req, err := s.parse(in)
	if err != nil {
		return nil, "invalid", err
	}

	if v := s.limiter.Check(ctx, in.PatientID); !v.Allowed {
		return nil, "rate_limited", fmt.Errorf("%w: %s", ErrRateLimited, v.Message)
	}

	appt, err := s.machine.Create(ctx, req)
	if err != nil {
		if appointments.IsConflict(err) {
			return nil, "conflict", err
		}
		return nil, "error", err
	}

	session, err := s.gateway.CreateSession(ctx, payments.SessionParams{
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		Date:          appointments.FormatDate(appt.Date),
		Time:          appt.Time.String(),
		Mode:          string(appt.Mode),
		Type:          string(appt.Type),
		AmountCents:   s.cfg.FeeCents,
		Currency:      s.cfg.Currency,
		Description:   describe(*appt),
		SuccessURL:    in.SuccessURL,
		CancelURL:     in.CancelURL,
	})
	if err != nil {
		s.release(ctx, appt.ID, "payment session unavailable")
		return nil, "error", fmt.Errorf("booking: create payment session: %w", err)
	}

	attached, err := s.machine.AttachPaymentSession(ctx, appt.ID, session.ID)
	if err != nil {
		s.release(ctx, appt.ID, "payment session not recorded")
		return nil, "error", fmt.Errorf("booking: attach payment session: %w", err)
	}
	appt = attached

	s.logger.Info("booking intent created", "appointment_id", appt.ID, "session_id", session.ID)
	return &IntentResult{Appointment: appt, SessionID: session.ID, RedirectURL: session.URL}, "created", nil
}

func (s *Service) parse(in Intent) (appointments.CreateRequest, error) {
	if in.DoctorID == uuid.Nil {
		return appointments.CreateRequest{}, fmt.Errorf("%w: doctor_id required", ErrInvalidIntent)
	}
	if in.PatientID == uuid.Nil {
		return appointments.CreateRequest{}, fmt.Errorf("%w: patient_id required", ErrInvalidIntent)
	}
	date, err := appointments.ParseDate(strings.TrimSpace(in.Date))
	if err != nil {
		return appointments.CreateRequest{}, fmt.Errorf("%w: date: %v", ErrInvalidIntent, err)
	}
	tod, err := appointments.ParseTimeOfDay(strings.TrimSpace(in.Time))
	if err != nil {
		return appointments.CreateRequest{}, fmt.Errorf("%w: time: %v", ErrInvalidIntent, err)
	}
	mode := appointments.Mode(strings.TrimSpace(in.Mode))
	if mode == "" {
		mode = appointments.ModeRemote
	}
	if !mode.Valid() {
		return appointments.CreateRequest{}, fmt.Errorf("%w: mode %q", ErrInvalidIntent, in.Mode)
	}
	typ := appointments.Type(strings.TrimSpace(in.Type))
	if typ == "" {
		typ = appointments.TypeConsultation
	}
	if !typ.Valid() {
		return appointments.CreateRequest{}, fmt.Errorf("%w: type %q", ErrInvalidIntent, in.Type)
	}
	slot := appointments.Slot{Date: date, Time: tod}
	if !slot.Start(s.cfg.Location).After(s.now()) {
		return appointments.CreateRequest{}, fmt.Errorf("%w: slot %s is in the past", ErrInvalidIntent, slot)
	}
	return appointments.CreateRequest{
		DoctorID:  in.DoctorID,
		PatientID: in.PatientID,
		Slot:      slot,
		Mode:      mode,
		Type:      typ,
		Notes:     strings.TrimSpace(in.Notes),
	}, nil
}

func (s *Service) release(ctx context.Context, id uuid.UUID, reason string) {
	if _, err := s.machine.FailPayment(context.WithoutCancel(ctx), id, reason); err != nil {
		s.logger.Error("failed to release slot after payment error", "appointment_id", id, "error", err)
	}
}

func describe(appt appointments.Appointment) string {
	kind := strings.ReplaceAll(string(appt.Type), "_", " ")
	return fmt.Sprintf("Telemedicine %s on %s", kind, appt.Slot())
}
