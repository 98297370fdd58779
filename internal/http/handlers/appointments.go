package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/booking"
	"github.com/wolfman30/telecare-booking/internal/http/middleware"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

const maxBodyBytes = 64 << 10

type appointmentService interface {
	Get(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, requester appointments.Requester, reason string) (*appointments.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, req appointments.RescheduleRequest) (*appointments.Appointment, appointments.RescheduleDecision, error)
	Complete(ctx context.Context, id uuid.UUID, requester appointments.Requester) (*appointments.Appointment, error)
}

type intentCreator interface {
	CreateIntent(ctx context.Context, in booking.Intent) (*booking.IntentResult, error)
}

// AppointmentsHandler serves the authenticated appointment endpoints. The
// requester always comes from the bearer token, never from the body.
type AppointmentsHandler struct {
	appts   appointmentService
	intents intentCreator
	logger  *logging.Logger
}

func NewAppointmentsHandler(appts appointmentService, intents intentCreator, logger *logging.Logger) *AppointmentsHandler {
	if appts == nil || intents == nil {
		panic("handlers: appointment service and intent creator required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentsHandler{appts: appts, intents: intents, logger: logger}
}

// Register mounts the routes on r; r must already run RequesterAuth.
func (h *AppointmentsHandler) Register(r chi.Router, intentLimit func(http.Handler) http.Handler) {
	if intentLimit == nil {
		intentLimit = func(next http.Handler) http.Handler { return next }
	}
	r.With(intentLimit).Post("/intents", h.CreateIntent)
	r.Get("/{appointmentID}", h.Get)
	r.Post("/{appointmentID}/cancel", h.Cancel)
	r.Post("/{appointmentID}/reschedule", h.Reschedule)
	r.With(middleware.RequireRole(appointments.RoleDoctor, appointments.RoleAdmin)).
		Post("/{appointmentID}/complete", h.Complete)
}

type intentResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	SessionID   string              `json:"session_id"`
	RedirectURL string              `json:"redirect_url"`
}

func (h *AppointmentsHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	requester, ok := middleware.RequesterFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing requester")
		return
	}
	var in booking.Intent
	if !decodeBody(w, r, &in) {
		return
	}
	switch requester.Role {
	case appointments.RolePatient:
		in.PatientID = requester.ID
	case appointments.RoleAdmin:
		if in.PatientID == uuid.Nil {
			writeError(w, http.StatusBadRequest, "patient_id is required")
			return
		}
	default:
		writeError(w, http.StatusForbidden, "only patients and admins can book")
		return
	}

	res, err := h.intents.CreateIntent(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, intentResponse{
		Appointment: toAppointmentResponse(res.Appointment),
		SessionID:   res.SessionID,
		RedirectURL: res.RedirectURL,
	})
}

func (h *AppointmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	requester, id, ok := h.target(w, r)
	if !ok {
		return
	}
	appt, err := h.appts.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !canView(requester, appt) {
		// Indistinguishable from a missing appointment.
		writeError(w, http.StatusNotFound, "appointment not found")
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *AppointmentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	requester, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var body cancelRequest
	if !decodeBody(w, r, &body) {
		return
	}
	appt, err := h.appts.Cancel(r.Context(), id, requester, body.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type rescheduleRequest struct {
	NewDate string `json:"new_date"`
	NewTime string `json:"new_time"`
	Reason  string `json:"reason"`
}

type rescheduleResponse struct {
	Appointment       AppointmentResponse `json:"appointment"`
	PenaltyPercentage int                 `json:"penalty_percentage"`
}

func (h *AppointmentsHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	requester, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var body rescheduleRequest
	if !decodeBody(w, r, &body) {
		return
	}
	date, err := appointments.ParseDate(body.NewDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "new_date must be YYYY-MM-DD")
		return
	}
	tod, err := appointments.ParseTimeOfDay(body.NewTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "new_time must be HH:MM")
		return
	}

	appt, decision, err := h.appts.Reschedule(r.Context(), id, appointments.RescheduleRequest{
		Requester: requester,
		NewSlot:   appointments.Slot{Date: date, Time: tod},
		Reason:    body.Reason,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rescheduleResponse{
		Appointment:       toAppointmentResponse(appt),
		PenaltyPercentage: decision.PenaltyPercentage,
	})
}

func (h *AppointmentsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	requester, id, ok := h.target(w, r)
	if !ok {
		return
	}
	appt, err := h.appts.Complete(r.Context(), id, requester)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *AppointmentsHandler) target(w http.ResponseWriter, r *http.Request) (appointments.Requester, uuid.UUID, bool) {
	requester, ok := middleware.RequesterFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing requester")
		return appointments.Requester{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "appointmentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return appointments.Requester{}, uuid.Nil, false
	}
	return requester, id, true
}

func canView(requester appointments.Requester, appt *appointments.Appointment) bool {
	switch requester.Role {
	case appointments.RoleAdmin:
		return true
	case appointments.RoleDoctor:
		return appt.DoctorID == requester.ID
	case appointments.RolePatient:
		return appt.PatientID == requester.ID
	default:
		return false
	}
}

// decodeBody reads a JSON body; an empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
