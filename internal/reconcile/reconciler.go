package reconcile

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

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/observability/metrics"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

var tracer = otel.Tracer("telecare.internal.reconcile")

const (
	outcomeConfirmed    = "confirmed"
	outcomeIdempotent   = "idempotent"
	outcomeInProgress   = "in_progress"
	outcomeConflict     = "conflict"
	outcomeVerifyFailed = "verify_failed"
	outcomeNotPaid      = "not_paid"
	outcomeMismatch     = "mismatch"
	outcomeError        = "error"
)

// Machine is the part of the appointment state machine the reconciler drives.
type Machine interface {
	ConfirmDraft(ctx context.Context, draft appointments.Draft, paymentToken string) (*appointments.Appointment, error)
	FailPayment(ctx context.Context, id uuid.UUID, reason string) (*appointments.Appointment, error)
	FindActiveMatch(ctx context.Context, doctorID, patientID uuid.UUID, slot appointments.Slot) (*appointments.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
}

// Options tunes claim expiry and gateway verification.
type Options struct {
	ClaimTTL       time.Duration
	VerifyTimeout  time.Duration
	VerifyAttempts int
	VerifyBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 2 * time.Minute
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = 5 * time.Second
	}
	if o.VerifyAttempts <= 0 {
		o.VerifyAttempts = 3
	}
	if o.VerifyBackoff <= 0 {
		o.VerifyBackoff = 200 * time.Millisecond
	}
	return o
}

// Reconciler turns a gateway payment confirmation into exactly one confirmed
// appointment, no matter how many times or through which channel it arrives.
type Reconciler struct {
	machine Machine
	claims  ClaimStore
	gateway payments.Gateway
	opts    Options
	logger  *logging.Logger
	metrics *metrics.BookingMetrics
	now     func() time.Time
}

func NewReconciler(machine Machine, claims ClaimStore, gateway payments.Gateway, opts Options, logger *logging.Logger) *Reconciler {
	if machine == nil {
		panic("reconcile: state machine required")
	}
	if claims == nil {
		panic("reconcile: claim store required")
	}
	if gateway == nil {
		panic("reconcile: payment gateway required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		machine: machine,
		claims:  claims,
		gateway: gateway,
		opts:    opts.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

func (r *Reconciler) WithMetrics(m *metrics.BookingMetrics) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// Reconcile confirms the appointment paid for with token. An empty token
// falls back to the draft's slot identity and only resolves an appointment
// that is already confirmed.
func (r *Reconciler) Reconcile(ctx context.Context, token string, draft appointments.Draft) (*appointments.Appointment, error) {
	started := time.Now()
	token = strings.TrimSpace(token)
	key := ClaimKey(token, draft)

	ctx, span := tracer.Start(ctx, "reconcile.payment", trace.WithAttributes(
		attribute.String("reconcile.key", key),
		attribute.Bool("reconcile.fallback", token == ""),
	))
	defer span.End()

	appt, outcome, err := r.reconcile(ctx, key, token, draft)
	r.metrics.ObserveReconcile(outcome, time.Since(started))
	span.SetAttributes(attribute.String("reconcile.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		r.logger.Warn("payment reconciliation did not confirm", "key", key, "outcome", outcome, "error", err)
		return nil, err
	}
	r.logger.Info("payment reconciled", "key", key, "outcome", outcome, "appointment_id", appt.ID)
	return appt, nil
}

func (r *Reconciler) reconcile(ctx context.Context, key, token string, draft appointments.Draft) (*appointments.Appointment, string, error) {
	owner := uuid.NewString()
	now := r.now().UTC()
	claim, acquired, err := r.claims.TryClaim(ctx, key, owner, r.opts.ClaimTTL, now)
	if err != nil {
		return nil, outcomeError, err
	}
	if !acquired {
		if claim.State == ClaimCompleted {
			appt, err := r.machine.Get(ctx, claim.AppointmentID)
			if err != nil {
				return nil, outcomeError, fmt.Errorf("reconcile: load reconciled appointment: %w", err)
			}
			return appt, outcomeIdempotent, nil
		}
		return nil, outcomeInProgress, &IdempotencyInProgressError{Key: key, RetryAfter: claim.ExpiresAt.Sub(now)}
	}

	appt, outcome, err := r.settle(ctx, token, draft)
	// The claim must be settled even when the caller has gone away.
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := r.claims.Fail(settleCtx, key, owner, err.Error()); ferr != nil {
			r.logger.Error("failed to release payment claim", "key", key, "error", ferr)
		}
		return nil, outcome, err
	}
	if cerr := r.claims.Complete(settleCtx, key, owner, appt.ID); cerr != nil {
		r.logger.Error("failed to complete payment claim", "key", key, "appointment_id", appt.ID, "error", cerr)
	}
	return appt, outcome, nil
}

func (r *Reconciler) settle(ctx context.Context, token string, draft appointments.Draft) (*appointments.Appointment, string, error) {
	if token == "" {
		return r.resolveConfirmed(ctx, draft)
	}

	v, err := r.verify(ctx, token)
	if err != nil {
		return nil, outcomeVerifyFailed, err
	}
	named := DraftFromMetadata(appointments.Draft{}, v.Metadata)

	if !v.Paid() {
		if v.Status == payments.VerificationExpired {
			r.releasePending(ctx, named.AppointmentID, token, "payment session expired")
		}
		return nil, outcomeNotPaid, ErrPaymentNotCompleted
	}

	bound, err := BindDraft(token, draft, v.Metadata)
	if err != nil {
		return nil, outcomeMismatch, err
	}
	appt, err := r.machine.ConfirmDraft(ctx, bound, token)
	if err == nil {
		return appt, outcomeConfirmed, nil
	}
	if appointments.IsConflict(err) {
		r.releasePending(ctx, named.AppointmentID, token, appointments.ReasonSlotNoLongerAvailable)
		r.logger.Warn("paid appointment lost its slot; refund required",
			"session_id", token, "appointment_id", named.AppointmentID, "reference", v.Reference)
		return nil, outcomeConflict, &appointments.SlotConflictError{Reasons: []string{appointments.ReasonSlotNoLongerAvailable}}
	}
	return nil, outcomeError, err
}

// resolveConfirmed handles the tokenless path: without a token payment cannot
// be verified, so only an already confirmed appointment is accepted.
func (r *Reconciler) resolveConfirmed(ctx context.Context, draft appointments.Draft) (*appointments.Appointment, string, error) {
	var (
		appt *appointments.Appointment
		err  error
	)
	if draft.AppointmentID != uuid.Nil {
		appt, err = r.machine.Get(ctx, draft.AppointmentID)
	} else {
		appt, err = r.machine.FindActiveMatch(ctx, draft.DoctorID, draft.PatientID, draft.Slot)
	}
	if errors.Is(err, appointments.ErrNotFound) {
		return nil, outcomeNotPaid, ErrPaymentNotCompleted
	}
	if err != nil {
		return nil, outcomeError, err
	}
	if appt.PaymentStatus != appointments.PaymentPaid || appt.Status == appointments.StatusCancelled || appt.Status == appointments.StatusPendingPayment {
		return nil, outcomeNotPaid, ErrPaymentNotCompleted
	}
	return appt, outcomeIdempotent, nil
}

func (r *Reconciler) verify(ctx context.Context, token string) (*payments.Verification, error) {
	var lastErr error
	attempts := 0
	for attempts < r.opts.VerifyAttempts {
		attempts++
		vctx, cancel := context.WithTimeout(ctx, r.opts.VerifyTimeout)
		v, err := r.gateway.Verify(vctx, token)
		cancel()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, payments.ErrSessionNotFound) {
			return &payments.Verification{SessionID: token, Status: payments.VerificationExpired}, nil
		}
		lastErr = err
		r.logger.Warn("payment verification attempt failed", "session_id", token, "attempt", attempts, "error", err)
		if attempts == r.opts.VerifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &ExternalVerificationError{Attempts: attempts, Err: ctx.Err()}
		case <-time.After(r.opts.VerifyBackoff * time.Duration(attempts)):
		}
	}
	return nil, &ExternalVerificationError{Attempts: attempts, Err: lastErr}
}

// releasePending cancels the unpaid appointment a session was opened for.
// Only ids the gateway reported are passed in, and an appointment that has
// since moved to another session is left alone.
func (r *Reconciler) releasePending(ctx context.Context, id uuid.UUID, token, reason string) {
	if id == uuid.Nil {
		return
	}
	appt, err := r.machine.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, appointments.ErrNotFound) {
			r.logger.Error("failed to load unpaid appointment", "appointment_id", id, "error", err)
		}
		return
	}
	if appt.PaymentSessionID != "" && appt.PaymentSessionID != token {
		return
	}
	_, err = r.machine.FailPayment(ctx, id, reason)
	var invalid *appointments.InvalidTransitionError
	if err != nil && !errors.As(err, &invalid) && !errors.Is(err, appointments.ErrNotFound) {
		r.logger.Error("failed to cancel unpaid appointment", "appointment_id", id, "error", err)
	}
}

// BindDraft takes the appointment identity from the gateway's record of the
// session. Caller supplied fields only act as a cross-check: any that
// disagree with the gateway reject the whole attempt.
func BindDraft(token string, hint appointments.Draft, md map[string]string) (appointments.Draft, error) {
	named := DraftFromMetadata(appointments.Draft{}, md)
	if named.AppointmentID == uuid.Nil && (named.DoctorID == uuid.Nil || named.PatientID == uuid.Nil || named.Slot.Date.IsZero()) {
		return appointments.Draft{}, &SessionMismatchError{SessionID: token, Field: "appointment"}
	}
	mismatch := func(field string) error {
		return &SessionMismatchError{SessionID: token, Field: field}
	}
	if hint.AppointmentID != uuid.Nil && hint.AppointmentID != named.AppointmentID {
		return appointments.Draft{}, mismatch("appointment_id")
	}
	if hint.DoctorID != uuid.Nil && named.DoctorID != uuid.Nil && hint.DoctorID != named.DoctorID {
		return appointments.Draft{}, mismatch("doctor_id")
	}
	if hint.PatientID != uuid.Nil && named.PatientID != uuid.Nil && hint.PatientID != named.PatientID {
		return appointments.Draft{}, mismatch("patient_id")
	}
	if !hint.Slot.Date.IsZero() && !named.Slot.Date.IsZero() &&
		(!appointments.DateOf(hint.Slot.Date).Equal(appointments.DateOf(named.Slot.Date)) || hint.Slot.Time != named.Slot.Time) {
		return appointments.Draft{}, mismatch("slot")
	}
	if named.Mode == "" {
		named.Mode = hint.Mode
	}
	if named.Type == "" {
		named.Type = hint.Type
	}
	named.Notes = hint.Notes
	return named, nil
}

// DraftFromMetadata fills the draft's missing fields from gateway metadata.
func DraftFromMetadata(draft appointments.Draft, md map[string]string) appointments.Draft {
	if len(md) == 0 {
		return draft
	}
	if draft.AppointmentID == uuid.Nil {
		draft.AppointmentID, _ = uuid.Parse(md["appointment_id"])
	}
	if draft.DoctorID == uuid.Nil {
		draft.DoctorID, _ = uuid.Parse(md["doctor_id"])
	}
	if draft.PatientID == uuid.Nil {
		draft.PatientID, _ = uuid.Parse(md["patient_id"])
	}
	if draft.Slot.Date.IsZero() {
		if d, err := appointments.ParseDate(md["appointment_date"]); err == nil {
			draft.Slot.Date = d
			if t, err := appointments.ParseTimeOfDay(md["appointment_time"]); err == nil {
				draft.Slot.Time = t
			}
		}
	}
	if draft.Mode == "" {
		draft.Mode = appointments.Mode(md["mode"])
	}
	if draft.Type == "" {
		draft.Type = appointments.Type(md["type"])
	}
	return draft
}
