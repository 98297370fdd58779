package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/internal/reconcile"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

type paymentReconciler interface {
	Reconcile(ctx context.Context, token string, draft appointments.Draft) (*appointments.Appointment, error)
}

// PaymentRedirectHandler handles the browser returning from checkout. The
// query string is only a hint; the reconciler verifies the session with the
// gateway before anything is confirmed.
type PaymentRedirectHandler struct {
	reconciler paymentReconciler
	logger     *logging.Logger
}

func NewPaymentRedirectHandler(reconciler paymentReconciler, logger *logging.Logger) *PaymentRedirectHandler {
	if reconciler == nil {
		panic("handlers: reconciler required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PaymentRedirectHandler{reconciler: reconciler, logger: logger}
}

// HandleSuccess serves GET /payments/success?session_id=…&appointment_id=….
func (h *PaymentRedirectHandler) HandleSuccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	var draft appointments.Draft
	if raw := strings.TrimSpace(q.Get("appointment_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid appointment_id")
			return
		}
		draft.AppointmentID = id
	}

	appt, err := h.reconciler.Reconcile(r.Context(), sessionID, draft)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type processedStore interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

const (
	stripeProvider   = "stripe"
	maxWebhookBytes  = 1 << 20
	stripeSigHeader  = "Stripe-Signature"
	checkoutComplete = "checkout.session.completed"
	checkoutAsyncOK  = "checkout.session.async_payment_succeeded"
	checkoutExpired  = "checkout.session.expired"
)

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// StripeWebhookHandler receives Stripe's server-to-server notifications and
// feeds checkout sessions into the same reconciler as the redirect.
type StripeWebhookHandler struct {
	secret     string
	reconciler paymentReconciler
	processed  processedStore
	logger     *logging.Logger
	now        func() time.Time
}

func NewStripeWebhookHandler(secret string, reconciler paymentReconciler, processed processedStore, logger *logging.Logger) *StripeWebhookHandler {
	if reconciler == nil || processed == nil {
		panic("handlers: reconciler and processed store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{secret: secret, reconciler: reconciler, processed: processed, logger: logger, now: time.Now}
}

// Handle serves POST /webhooks/stripe. A non-2xx answer makes Stripe
// redeliver, so only outcomes a retry could change return one.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !payments.VerifyStripeSignature(h.secret, payload, r.Header.Get(stripeSigHeader), h.now()) {
		h.logger.Warn("stripe webhook signature rejected", "remote_ip", r.RemoteAddr)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil || evt.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}

	ctx := r.Context()
	seen, err := h.processed.AlreadyProcessed(ctx, stripeProvider, evt.ID)
	if err != nil {
		h.logger.Error("stripe webhook dedupe lookup failed", "event_id", evt.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "dedupe unavailable")
		return
	}
	if seen {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	status, retry := h.dispatch(ctx, evt)
	if retry {
		writeError(w, http.StatusServiceUnavailable, status)
		return
	}
	if _, err := h.processed.MarkProcessed(ctx, stripeProvider, evt.ID); err != nil {
		h.logger.Error("failed to mark stripe event processed", "event_id", evt.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *StripeWebhookHandler) dispatch(ctx context.Context, evt stripeEvent) (string, bool) {
	switch evt.Type {
	case checkoutComplete, checkoutAsyncOK, checkoutExpired:
	default:
		return "ignored", false
	}
	session := evt.Data.Object
	if session.ID == "" {
		return "ignored", false
	}
	draft := reconcile.DraftFromMetadata(appointments.Draft{}, session.Metadata)
	if draft.AppointmentID == uuid.Nil {
		if id, err := uuid.Parse(session.ClientReferenceID); err == nil {
			draft.AppointmentID = id
		}
	}
	logger := h.logger.With("event_id", evt.ID, "event_type", evt.Type, "session_id", session.ID)

	appt, err := h.reconciler.Reconcile(ctx, session.ID, draft)
	var (
		inProgress *reconcile.IdempotencyInProgressError
		verify     *reconcile.ExternalVerificationError
		mismatch   *reconcile.SessionMismatchError
	)
	switch {
	case err == nil:
		logger.Info("stripe webhook reconciled", "appointment_id", appt.ID)
		return "confirmed", false
	case errors.Is(err, reconcile.ErrPaymentNotCompleted):
		return "not_paid", false
	case appointments.IsConflict(err):
		logger.Warn("stripe webhook paid for unavailable slot", "error", err)
		return "conflict", false
	case errors.As(err, &mismatch):
		logger.Warn("stripe webhook session does not match its appointment", "error", err)
		return "rejected", false
	case errors.As(err, &inProgress), errors.As(err, &verify):
		return "retry", true
	default:
		logger.Error("stripe webhook reconcile failed", "error", err)
		return "error", true
	}
}
