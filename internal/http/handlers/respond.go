package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/booking"
	"github.com/wolfman30/telecare-booking/internal/reconcile"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

type errorResponse struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *logging.Logger, err error) {
	var (
		conflict   *appointments.SlotConflictError
		policy     *appointments.PolicyViolationError
		transition *appointments.InvalidTransitionError
		inProgress *reconcile.IdempotencyInProgressError
		verify     *reconcile.ExternalVerificationError
		mismatch   *reconcile.SessionMismatchError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: conflict.Reason(), Reasons: conflict.Reasons})
	case errors.As(err, &policy):
		writeError(w, http.StatusUnprocessableEntity, policy.Reason)
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, transition.Error())
	case errors.Is(err, appointments.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, "appointment was modified concurrently, retry")
	case errors.As(err, &inProgress):
		secs := int(math.Ceil(inProgress.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusAccepted, "payment confirmation in progress")
	case errors.As(err, &verify):
		w.Header().Set("Retry-After", strconv.Itoa(int((30 * time.Second).Seconds())))
		writeError(w, http.StatusServiceUnavailable, "payment provider unavailable, retry shortly")
	case errors.As(err, &mismatch):
		writeError(w, http.StatusBadRequest, "payment session does not match appointment")
	case errors.Is(err, reconcile.ErrPaymentNotCompleted):
		writeError(w, http.StatusPaymentRequired, "payment not completed")
	case errors.Is(err, appointments.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment not found")
	case errors.Is(err, booking.ErrInvalidIntent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many booking attempts")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// AppointmentResponse is the public view of an appointment.
type AppointmentResponse struct {
	ID                 string     `json:"id"`
	DoctorID           string     `json:"doctor_id"`
	PatientID          string     `json:"patient_id"`
	Date               string     `json:"date"`
	Time               string     `json:"time"`
	Mode               string     `json:"mode"`
	Type               string     `json:"type"`
	Notes              string     `json:"notes,omitempty"`
	Status             string     `json:"status"`
	PaymentStatus      string     `json:"payment_status"`
	RescheduleCount    int        `json:"reschedule_count"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a *appointments.Appointment) AppointmentResponse {
	out := AppointmentResponse{
		ID:              a.ID.String(),
		DoctorID:        a.DoctorID.String(),
		PatientID:       a.PatientID.String(),
		Date:            appointments.FormatDate(a.Date),
		Time:            a.Time.String(),
		Mode:            string(a.Mode),
		Type:            string(a.Type),
		Notes:           a.Notes,
		Status:          string(a.Status),
		PaymentStatus:   string(a.PaymentStatus),
		RescheduleCount: a.RescheduleCount,
		CancelledAt:     a.CancelledAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
	if a.CancellationReason != nil {
		out.CancellationReason = *a.CancellationReason
	}
	return out
}
