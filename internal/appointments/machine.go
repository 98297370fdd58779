package appointments

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
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/telecare-booking/internal/observability/metrics"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

var machineTracer = otel.Tracer("telecare.internal.appointments")

// slotMoveRetries bounds re-locking when a reschedule moved the row between
// the unlocked read and the lock.
const slotMoveRetries = 3

var errSlotMoved = errors.New("appointments: slot moved while locking")

// Transition describes one applied state change.
type Transition struct {
	Event             Event
	From              Status
	To                Status
	Appointment       Appointment
	Requester         Requester
	Reason            string
	PreviousSlot      *Slot
	PenaltyPercentage int
	At                time.Time
}

// EventRecorder writes transition events in the caller's transaction.
type EventRecorder interface {
	Record(ctx context.Context, t Transition) error
}

// ReminderPlanner materializes reminders for a newly confirmed appointment.
type ReminderPlanner interface {
	Plan(ctx context.Context, appt Appointment) error
}

// MachineConfig carries the policies the state machine enforces.
type MachineConfig struct {
	Cancellation CancellationPolicy
	Reschedule   ReschedulePolicy
	Location     *time.Location
	NoShowGrace  time.Duration
}

// StateMachine owns every appointment mutation.
type StateMachine struct {
	repo         Repository
	validator    ConflictValidator
	cancellation *CancellationPolicyEngine
	reschedule   *ReschedulePolicyEngine
	events       EventRecorder
	reminders    ReminderPlanner
	metrics      *metrics.BookingMetrics
	logger       *logging.Logger
	loc          *time.Location
	noShowGrace  time.Duration
	now          func() time.Time
}

func NewStateMachine(repo Repository, cfg MachineConfig, logger *logging.Logger) *StateMachine {
	if repo == nil {
		panic("appointments: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &StateMachine{
		repo:         repo,
		cancellation: NewCancellationPolicyEngine(cfg.Cancellation, loc),
		reschedule:   NewReschedulePolicyEngine(cfg.Reschedule, loc),
		logger:       logger,
		loc:          loc,
		noShowGrace:  cfg.NoShowGrace,
		now:          time.Now,
	}
}

func (m *StateMachine) WithEventRecorder(r EventRecorder) *StateMachine {
	m.events = r
	return m
}

func (m *StateMachine) WithReminderPlanner(p ReminderPlanner) *StateMachine {
	m.reminders = p
	return m
}

func (m *StateMachine) WithMetrics(bm *metrics.BookingMetrics) *StateMachine {
	m.metrics = bm
	return m
}

func (m *StateMachine) WithClock(now func() time.Time) *StateMachine {
	if now != nil {
		m.now = now
	}
	return m
}

// Location is the clinic timezone used to compute appointment start times.
func (m *StateMachine) Location() *time.Location { return m.loc }

// CreateRequest is a new reservation awaiting payment.
type CreateRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Slot      Slot
	Mode      Mode
	Type      Type
	Notes     string
}

func (r CreateRequest) validate() error {
	switch {
	case r.DoctorID == uuid.Nil:
		return errors.New("appointments: doctor_id required")
	case r.PatientID == uuid.Nil:
		return errors.New("appointments: patient_id required")
	case r.Slot.Date.IsZero():
		return errors.New("appointments: date required")
	case !r.Mode.Valid():
		return fmt.Errorf("appointments: invalid mode %q", r.Mode)
	case !r.Type.Valid():
		return fmt.Errorf("appointments: invalid type %q", r.Type)
	}
	return nil
}

// Create validates the slot and inserts a pending_payment appointment.
func (m *StateMachine) Create(ctx context.Context, req CreateRequest) (*Appointment, error) {
	ctx, span := machineTracer.Start(ctx, "appointments.create")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	appt := Appointment{
		ID:            uuid.New(),
		DoctorID:      req.DoctorID,
		PatientID:     req.PatientID,
		Date:          DateOf(req.Slot.Date),
		Time:          req.Slot.Time,
		Mode:          req.Mode,
		Type:          req.Type,
		Notes:         strings.TrimSpace(req.Notes),
		Status:        StatusPendingPayment,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	keys := SlotKeys(appt.DoctorID, appt.PatientID, appt.Date)
	err := m.repo.WithinSlotLock(ctx, keys, func(ctx context.Context, tx Tx) error {
		if err := m.checkSlot(ctx, tx, Candidate{DoctorID: appt.DoctorID, PatientID: appt.PatientID, Date: appt.Date, Time: appt.Time}); err != nil {
			return err
		}
		return tx.Insert(ctx, &appt)
	})
	if err != nil {
		m.fail(span, "create", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("appointment.id", appt.ID.String()))
	m.metrics.ObserveTransition(string(EventCreate), "", string(StatusPendingPayment))
	m.logger.Info("appointment reserved", "appointment_id", appt.ID, "doctor_id", appt.DoctorID, "slot", appt.Slot().String())
	return &appt, nil
}

// Confirm applies payment_confirmed to a pending appointment.
func (m *StateMachine) Confirm(ctx context.Context, id uuid.UUID, paymentToken string) (*Appointment, error) {
	ctx, span := machineTracer.Start(ctx, "appointments.confirm", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer span.End()

	appt, err := m.mutate(ctx, id, nil, func(ctx context.Context, tx Tx, appt *Appointment) (*Transition, error) {
		return m.applyConfirm(ctx, tx, appt, paymentToken)
	})
	if err != nil {
		m.fail(span, "confirm", err)
	}
	return appt, err
}

// Draft is what the payment flow knows about the reservation it paid for.
type Draft struct {
	AppointmentID uuid.UUID
	DoctorID      uuid.UUID
	PatientID     uuid.UUID
	Slot          Slot
	Mode          Mode
	Type          Type
	Notes         string
}

// ConfirmDraft resolves a paid draft to exactly one confirmed appointment in
// a single transaction. An already confirmed match is returned unchanged; a
// pending one is confirmed; a missing or expired one is recreated and
// confirmed when the slot is still free.
func (m *StateMachine) ConfirmDraft(ctx context.Context, draft Draft, paymentToken string) (*Appointment, error) {
	ctx, span := machineTracer.Start(ctx, "appointments.confirm_draft")
	defer span.End()

	if draft.AppointmentID != uuid.Nil && (draft.DoctorID == uuid.Nil || draft.Slot.Date.IsZero()) {
		stored, err := m.repo.Get(ctx, draft.AppointmentID)
		if err != nil {
			m.fail(span, "confirm", err)
			return nil, err
		}
		draft = draftFrom(*stored, draft)
	}
	if draft.DoctorID == uuid.Nil || draft.PatientID == uuid.Nil || draft.Slot.Date.IsZero() {
		return nil, errors.New("appointments: draft requires doctor, patient and slot")
	}

	var (
		out *Appointment
		tr  *Transition
	)
	keys := SlotKeys(draft.DoctorID, draft.PatientID, draft.Slot.Date)
	err := m.repo.WithinSlotLock(ctx, keys, func(ctx context.Context, tx Tx) error {
		out, tr = nil, nil
		appt, err := m.locateDraft(ctx, tx, draft)
		if err != nil {
			return err
		}
		if appt != nil && appt.Status != StatusPendingPayment {
			out = appt
			return nil
		}
		if appt != nil && appt.Status == StatusPendingPayment {
			before := *appt
			t, err := m.applyConfirm(ctx, tx, appt, paymentToken)
			if err != nil {
				return err
			}
			if err := m.commit(ctx, tx, before, appt, t); err != nil {
				return err
			}
			out, tr = appt, t
			return nil
		}

		now := m.now().UTC()
		fresh := Appointment{
			ID:            uuid.New(),
			DoctorID:      draft.DoctorID,
			PatientID:     draft.PatientID,
			Date:          DateOf(draft.Slot.Date),
			Time:          draft.Slot.Time,
			Mode:          orMode(draft.Mode),
			Type:          orType(draft.Type),
			Notes:         draft.Notes,
			Status:        StatusPendingPayment,
			PaymentStatus: PaymentUnpaid,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		before := fresh
		t, err := m.applyConfirm(ctx, tx, &fresh, paymentToken)
		if err != nil {
			return err
		}
		if err := tx.Insert(ctx, &fresh); err != nil {
			return err
		}
		t.Appointment = fresh
		if err := m.afterCommit(ctx, before, t); err != nil {
			return err
		}
		out, tr = &fresh, t
		return nil
	})
	if err != nil {
		m.fail(span, "confirm", err)
		return nil, err
	}
	if tr != nil {
		m.observe(*tr)
	}
	span.SetAttributes(attribute.String("appointment.id", out.ID.String()))
	return out, nil
}

// locateDraft finds the appointment a draft refers to: by id while it is still
// usable, else by its active doctor/patient/slot match. Nil means none.
func (m *StateMachine) locateDraft(ctx context.Context, tx Tx, draft Draft) (*Appointment, error) {
	if draft.AppointmentID != uuid.Nil {
		appt, err := tx.Get(ctx, draft.AppointmentID)
		switch {
		case err == nil && !appt.Status.Terminal():
			return appt, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	appt, err := tx.FindActive(ctx, draft.DoctorID, draft.PatientID, draft.Slot)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return appt, err
}

func (m *StateMachine) applyConfirm(ctx context.Context, tx Tx, appt *Appointment, paymentToken string) (*Transition, error) {
	from := appt.Status
	to, err := Next(from, EventPaymentConfirmed)
	if err != nil {
		return nil, err
	}
	if err := m.checkSlot(ctx, tx, CandidateFor(*appt, appt.Slot())); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	appt.Status = to
	appt.PaymentStatus = PaymentPaid
	if appt.PaymentToken == nil && strings.TrimSpace(paymentToken) != "" {
		token := strings.TrimSpace(paymentToken)
		appt.PaymentToken = &token
	}
	appt.UpdatedAt = now
	return &Transition{Event: EventPaymentConfirmed, From: from, To: to, Requester: SystemRequester, At: now}, nil
}

// FailPayment cancels a pending appointment whose payment was declined.
func (m *StateMachine) FailPayment(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	return m.failPayment(ctx, id, EventPaymentFailed, reason)
}

// TimeoutPayment cancels a pending appointment whose payment never arrived.
func (m *StateMachine) TimeoutPayment(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	return m.failPayment(ctx, id, EventPaymentTimeout, reason)
}

func (m *StateMachine) failPayment(ctx context.Context, id uuid.UUID, evt Event, reason string) (*Appointment, error) {
	ctx, span := machineTracer.Start(ctx, "appointments."+string(evt), trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer span.End()

	appt, err := m.mutate(ctx, id, nil, func(ctx context.Context, tx Tx, appt *Appointment) (*Transition, error) {
		from := appt.Status
		to, err := Next(from, evt)
		if err != nil {
			return nil, err
		}
		now := m.now().UTC()
		m.stampCancellation(appt, SystemRequester, reason, now)
		appt.Status = to
		return &Transition{Event: evt, From: from, To: to, Requester: SystemRequester, Reason: reason, At: now}, nil
	})
	if err != nil {
		m.fail(span, string(evt), err)
	}
	return appt, err
}

// Cancel applies a party's cancel_request subject to the cancellation policy.
func (m *StateMachine) Cancel(ctx context.Context, id uuid.UUID, requester Requester, reason string) (*Appointment, error) {
	ctx, span := machineTracer.Start(ctx, "appointments.cancel", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer span.End()

	appt, err := m.mutate(ctx, id, nil, func(ctx context.Context, tx Tx, appt *Appointment) (*Transition, error) {
		from := appt.Status
		to, err := Next(from, EventCancelRequest)
		if err != nil {
			return nil, err
		}
		now := m.now().UTC()
		decision := m.cancellation.Allows(*appt, requester, now)
		if !decision.Allowed {
			return nil, &PolicyViolationError{Action: "cancellation", Reason: decision.Reason}
		}
		m.stampCancellation(appt, requester, reason, now)
		appt.Status = to
		return &Transition{Event: EventCancelRequest, From: from, To: to, Requester: requester, Reason: reason, At: now}, nil
	})
	if err != nil {
		m.fail(span, "cancel", err)
	}
	return appt, err
}

func (m *StateMachine) stampCancellation(appt *Appointment, by Requester, reason string, at time.Time) {
	who := by.ID
	why := strings.TrimSpace(reason)
	appt.CancelledAt = &at
	appt.CancelledBy = &who
	appt.CancellationReason = &why
	appt.UpdatedAt = at
}

// RescheduleRequest moves a confirmed appointment to a new slot.
type RescheduleRequest struct {
	Requester Requester
	NewSlot   Slot
	Reason    string
}

// Reschedule applies reschedule_request and returns the penalty decision.
func (m *StateMachine) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Appointment, RescheduleDecision, error) {
	ctx, span := machineTracer.Start(ctx, "appointments.reschedule", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer span.End()

	var decision RescheduleDecision
	newSlot := Slot{Date: DateOf(req.NewSlot.Date), Time: req.NewSlot.Time}
	appt, err := m.mutate(ctx, id, []time.Time{newSlot.Date}, func(ctx context.Context, tx Tx, appt *Appointment) (*Transition, error) {
		from := appt.Status
		to, err := Next(from, EventRescheduleRequest)
		if err != nil {
			return nil, err
		}
		if _, ok := appt.roleFor(req.Requester); !ok {
			return nil, &PolicyViolationError{Action: "reschedule", Reason: "requester is not a party to this appointment"}
		}
		now := m.now().UTC()
		decision = m.reschedule.Allows(*appt, now)
		if !decision.Allowed {
			return nil, &PolicyViolationError{Action: "reschedule", Reason: decision.Reason}
		}
		if !newSlot.Start(m.loc).After(now) {
			return nil, &PolicyViolationError{Action: "reschedule", Reason: "new slot is in the past"}
		}
		previous := appt.Slot()
		if previous.Date.Equal(newSlot.Date) && previous.Time == newSlot.Time {
			return nil, &PolicyViolationError{Action: "reschedule", Reason: "new slot matches the current slot"}
		}
		if err := m.checkSlot(ctx, tx, CandidateFor(*appt, newSlot)); err != nil {
			return nil, err
		}
		appt.Date = newSlot.Date
		appt.Time = newSlot.Time
		appt.RescheduleCount++
		appt.Status = to
		appt.UpdatedAt = now
		return &Transition{
			Event:             EventRescheduleRequest,
			From:              from,
			To:                to,
			Requester:         req.Requester,
			Reason:            strings.TrimSpace(req.Reason),
			PreviousSlot:      &previous,
			PenaltyPercentage: decision.PenaltyPercentage,
			At:                now,
		}, nil
	})
	if err != nil {
		m.fail(span, "reschedule", err)
		return nil, decision, err
	}
	return appt, decision, nil
}

// Complete applies mark_completed; only the doctor or an admin may do so.
func (m *StateMachine) Complete(ctx context.Context, id uuid.UUID, requester Requester) (*Appointment, error) {
	ctx, span := machineTracer.Start(ctx, "appointments.complete", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer span.End()

	appt, err := m.mutate(ctx, id, nil, func(ctx context.Context, tx Tx, appt *Appointment) (*Transition, error) {
		from := appt.Status
		to, err := Next(from, EventMarkCompleted)
		if err != nil {
			return nil, err
		}
		if role, ok := appt.roleFor(requester); !ok || role == RolePatient {
			return nil, &PolicyViolationError{Action: "completion", Reason: "only the doctor or an admin can complete an appointment"}
		}
		now := m.now().UTC()
		appt.Status = to
		appt.UpdatedAt = now
		return &Transition{Event: EventMarkCompleted, From: from, To: to, Requester: requester, At: now}, nil
	})
	if err != nil {
		m.fail(span, "complete", err)
	}
	return appt, err
}

// MarkNoShow applies appointment_time_passed once start plus grace has elapsed.
func (m *StateMachine) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	ctx, span := machineTracer.Start(ctx, "appointments.no_show", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer span.End()

	appt, err := m.mutate(ctx, id, nil, func(ctx context.Context, tx Tx, appt *Appointment) (*Transition, error) {
		from := appt.Status
		to, err := Next(from, EventTimePassed)
		if err != nil {
			return nil, err
		}
		now := m.now().UTC()
		if now.Before(appt.Start(m.loc).Add(m.noShowGrace)) {
			return nil, &PolicyViolationError{Action: "no_show", Reason: "appointment time has not passed"}
		}
		appt.Status = to
		appt.UpdatedAt = now
		return &Transition{Event: EventTimePassed, From: from, To: to, Requester: SystemRequester, At: now}, nil
	})
	if err != nil {
		m.fail(span, "no_show", err)
	}
	return appt, err
}

// AttachPaymentSession records the gateway session created for a pending appointment.
func (m *StateMachine) AttachPaymentSession(ctx context.Context, id uuid.UUID, sessionID string) (*Appointment, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("appointments: payment session id required")
	}
	return m.mutate(ctx, id, nil, func(ctx context.Context, tx Tx, appt *Appointment) (*Transition, error) {
		if appt.Status != StatusPendingPayment {
			return nil, &InvalidTransitionError{From: appt.Status, Event: "attach_payment_session"}
		}
		if appt.PaymentSessionID != "" && appt.PaymentSessionID != sessionID {
			return nil, fmt.Errorf("appointments: %s already has payment session %s", appt.ID, appt.PaymentSessionID)
		}
		appt.PaymentSessionID = sessionID
		appt.UpdatedAt = m.now().UTC()
		return nil, nil
	})
}

// Get returns an appointment by id.
func (m *StateMachine) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return m.repo.Get(ctx, id)
}

// FindActiveMatch returns the non-cancelled appointment for doctor, patient and slot.
func (m *StateMachine) FindActiveMatch(ctx context.Context, doctorID, patientID uuid.UUID, slot Slot) (*Appointment, error) {
	return m.repo.FindActive(ctx, doctorID, patientID, slot)
}

type mutation func(ctx context.Context, tx Tx, appt *Appointment) (*Transition, error)

// mutate locks the appointment's slot days (plus extra dates), re-reads it
// and persists fn's changes with a version check. A nil transition with a
// nil error persists a non-state change.
func (m *StateMachine) mutate(ctx context.Context, id uuid.UUID, extra []time.Time, fn mutation) (*Appointment, error) {
	for attempt := 0; attempt < slotMoveRetries; attempt++ {
		current, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		dates := append([]time.Time{current.Date}, extra...)
		keys := SlotKeys(current.DoctorID, current.PatientID, dates...)

		var (
			out *Appointment
			tr  *Transition
		)
		err = m.repo.WithinSlotLock(ctx, keys, func(ctx context.Context, tx Tx) error {
			out, tr = nil, nil
			appt, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}
			if !DateOf(appt.Date).Equal(DateOf(current.Date)) {
				return errSlotMoved
			}
			before := *appt
			t, err := fn(ctx, tx, appt)
			if err != nil {
				return err
			}
			if t == nil {
				if err := tx.Update(ctx, appt); err != nil {
					return err
				}
				out = appt
				return nil
			}
			if err := m.commit(ctx, tx, before, appt, t); err != nil {
				return err
			}
			out, tr = appt, t
			return nil
		})
		if errors.Is(err, errSlotMoved) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tr != nil {
			m.observe(*tr)
		}
		return out, nil
	}
	return nil, ErrConcurrentUpdate
}

func (m *StateMachine) commit(ctx context.Context, tx Tx, before Appointment, appt *Appointment, t *Transition) error {
	if err := tx.Update(ctx, appt); err != nil {
		return err
	}
	t.Appointment = appt.Clone()
	return m.afterCommit(ctx, before, t)
}

// afterCommit writes the side effects that share the transition's transaction.
func (m *StateMachine) afterCommit(ctx context.Context, before Appointment, t *Transition) error {
	if before.Status == StatusPendingPayment && t.To == StatusConfirmed && m.reminders != nil {
		if err := m.reminders.Plan(ctx, t.Appointment); err != nil {
			return fmt.Errorf("appointments: plan reminders: %w", err)
		}
	}
	if m.events != nil {
		if err := m.events.Record(ctx, *t); err != nil {
			return fmt.Errorf("appointments: record %s: %w", t.Event, err)
		}
	}
	return nil
}

func (m *StateMachine) checkSlot(ctx context.Context, tx Tx, candidate Candidate) error {
	existing, err := tx.ListActiveOnDate(ctx, candidate.Date, candidate.DoctorID, candidate.PatientID)
	if err != nil {
		return fmt.Errorf("appointments: load day: %w", err)
	}
	return m.validator.Validate(candidate, existing).Err()
}

func (m *StateMachine) observe(t Transition) {
	m.metrics.ObserveTransition(string(t.Event), string(t.From), string(t.To))
	m.logger.Info("appointment transitioned",
		"appointment_id", t.Appointment.ID,
		"event", t.Event,
		"from", t.From,
		"to", t.To,
	)
}

func (m *StateMachine) fail(span trace.Span, stage string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if IsConflict(err) {
		m.metrics.ObserveConflict(stage)
	}
}

func draftFrom(appt Appointment, draft Draft) Draft {
	draft.DoctorID = appt.DoctorID
	draft.PatientID = appt.PatientID
	draft.Slot = appt.Slot()
	if draft.Mode == "" {
		draft.Mode = appt.Mode
	}
	if draft.Type == "" {
		draft.Type = appt.Type
	}
	if draft.Notes == "" {
		draft.Notes = appt.Notes
	}
	return draft
}

func orMode(m Mode) Mode {
	if m.Valid() {
		return m
	}
	return ModeRemote
}

func orType(t Type) Type {
	if t.Valid() {
		return t
	}
	return TypeConsultation
}
