package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/booking"
	"github.com/wolfman30/telecare-booking/internal/http/middleware"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/internal/reconcile"
)

const testSecret = "test-jwt-secret"

type memoryProcessed struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memoryProcessed) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[provider+":"+eventID], nil
}

func (m *memoryProcessed) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + ":" + eventID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type harness struct {
	machine   *appointments.StateMachine
	gateway   *payments.FakeGateway
	processed *memoryProcessed
	router    chi.Router
	doctor    appointments.Requester
	patient   appointments.Requester
	admin     appointments.Requester
	now       time.Time
}

func newHarness(t *testing.T, webhookSecret string) *harness {
	t.Helper()
	h := &harness{
		gateway:   payments.NewFakeGateway("https://portal.example.com", nil),
		processed: &memoryProcessed{seen: map[string]bool{}},
		doctor:    appointments.Requester{ID: uuid.New(), Role: appointments.RoleDoctor},
		patient:   appointments.Requester{ID: uuid.New(), Role: appointments.RolePatient},
		admin:     appointments.Requester{ID: uuid.New(), Role: appointments.RoleAdmin},
		now:       time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.machine = appointments.NewStateMachine(appointments.NewMemoryRepository(), appointments.MachineConfig{
		Cancellation: appointments.DefaultCancellationPolicy(),
		Reschedule:   appointments.DefaultReschedulePolicy(),
		NoShowGrace:  time.Hour,
	}, nil).WithClock(clock)
	svc := booking.NewService(h.machine, h.gateway, booking.Config{FeeCents: 5000}, nil).WithClock(clock)
	rec := reconcile.NewReconciler(h.machine, reconcile.NewMemoryClaimStore(), h.gateway, reconcile.Options{
		ClaimTTL:       time.Minute,
		VerifyTimeout:  time.Second,
		VerifyAttempts: 1,
	}, nil).WithClock(clock)

	appts := NewAppointmentsHandler(h.machine, svc, nil)
	redirect := NewPaymentRedirectHandler(rec, nil)
	webhook := NewStripeWebhookHandler(webhookSecret, rec, h.processed, nil)
	webhook.now = clock

	r := chi.NewRouter()
	r.Get("/payments/success", redirect.HandleSuccess)
	r.Post("/webhooks/stripe", webhook.Handle)
	r.Route("/api/appointments", func(r chi.Router) {
		r.Use(middleware.RequesterAuth(testSecret))
		appts.Register(r, nil)
	})
	h.router = r
	return h
}

func (h *harness) do(t *testing.T, as *appointments.Requester, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if as != nil {
		token, err := middleware.SignRequesterToken(testSecret, *as, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) intent(t *testing.T, date, clock string) intentResponse {
	t.Helper()
	rec := h.do(t, &h.patient, http.MethodPost, "/api/appointments/intents", map[string]any{
		"doctor_id": h.doctor.ID,
		"date":      date,
		"time":      clock,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out intentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (h *harness) confirmed(t *testing.T, date, clock string) AppointmentResponse {
	t.Helper()
	in := h.intent(t, date, clock)
	_, err := h.gateway.Complete(in.SessionID)
	require.NoError(t, err)
	rec := h.do(t, nil, http.MethodGet, fmt.Sprintf("/payments/success?session_id=%s&appointment_id=%s", in.SessionID, in.Appointment.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateIntent_PatientFromToken(t *testing.T) {
	h := newHarness(t, "")
	out := h.intent(t, "2024-04-01", "09:00")

	assert.Equal(t, h.patient.ID.String(), out.Appointment.PatientID)
	assert.Equal(t, "pending_payment", out.Appointment.Status)
	assert.NotEmpty(t, out.SessionID)
	assert.Contains(t, out.RedirectURL, "/payments/fake/")
}

func TestCreateIntent_Errors(t *testing.T) {
	h := newHarness(t, "")
	h.confirmed(t, "2024-04-01", "09:00")

	other := appointments.Requester{ID: uuid.New(), Role: appointments.RolePatient}
	rec := h.do(t, &other, http.MethodPost, "/api/appointments/intents", map[string]any{
		"doctor_id": h.doctor.ID, "date": "2024-04-01", "time": "09:00",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), appointments.ReasonSlotUnavailable)

	rec = h.do(t, &other, http.MethodPost, "/api/appointments/intents", map[string]any{
		"doctor_id": h.doctor.ID, "date": "2024-03-01", "time": "09:00",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, &h.doctor, http.MethodPost, "/api/appointments/intents", map[string]any{
		"doctor_id": h.doctor.ID, "date": "2024-04-02", "time": "09:00",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, nil, http.MethodPost, "/api/appointments/intents", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPaymentRedirect(t *testing.T) {
	h := newHarness(t, "")
	in := h.intent(t, "2024-04-01", "09:00")
	path := fmt.Sprintf("/payments/success?session_id=%s&appointment_id=%s", in.SessionID, in.Appointment.ID)

	rec := h.do(t, nil, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, "unpaid session must not confirm")

	_, err := h.gateway.Complete(in.SessionID)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		rec = h.do(t, nil, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out AppointmentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, "confirmed", out.Status)
		assert.Equal(t, in.Appointment.ID, out.ID)
	}

	rec = h.do(t, nil, http.MethodGet, "/payments/success", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentRedirect_GatewayDecidesTheAppointment(t *testing.T) {
	h := newHarness(t, "")
	mine := h.intent(t, "2024-04-01", "09:00")
	other := h.intent(t, "2024-04-02", "10:00")
	_, err := h.gateway.Complete(mine.SessionID)
	require.NoError(t, err)

	rec := h.do(t, nil, http.MethodGet, fmt.Sprintf("/payments/success?session_id=%s&appointment_id=%s", mine.SessionID, other.Appointment.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = h.do(t, nil, http.MethodGet, fmt.Sprintf("/payments/success?session_id=cs_unknown&appointment_id=%s", other.Appointment.ID), nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())

	stored, err := h.machine.Get(context.Background(), uuid.MustParse(other.Appointment.ID))
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusPendingPayment, stored.Status)

	rec = h.do(t, nil, http.MethodGet, "/payments/success?session_id="+mine.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, mine.Appointment.ID, out.ID)
	assert.Equal(t, "confirmed", out.Status)
}

func TestGetAppointment_Visibility(t *testing.T) {
	h := newHarness(t, "")
	appt := h.confirmed(t, "2024-04-01", "09:00")
	path := "/api/appointments/" + appt.ID

	assert.Equal(t, http.StatusOK, h.do(t, &h.patient, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, &h.doctor, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, &h.admin, http.MethodGet, path, nil).Code)

	stranger := appointments.Requester{ID: uuid.New(), Role: appointments.RolePatient}
	assert.Equal(t, http.StatusNotFound, h.do(t, &stranger, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, &h.admin, http.MethodGet, "/api/appointments/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, &h.admin, http.MethodGet, "/api/appointments/not-a-uuid", nil).Code)
}

func TestCancel_PolicyAndSuccess(t *testing.T) {
	h := newHarness(t, "")
	soon := h.confirmed(t, "2024-03-20", "20:00")
	rec := h.do(t, &h.patient, http.MethodPost, "/api/appointments/"+soon.ID+"/cancel", map[string]string{"reason": "sick"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "24 hours")

	later := h.confirmed(t, "2024-04-01", "09:00")
	rec = h.do(t, &h.patient, http.MethodPost, "/api/appointments/"+later.ID+"/cancel", map[string]string{"reason": "travel"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "cancelled", out.Status)
	assert.Equal(t, "travel", out.CancellationReason)

	rec = h.do(t, &h.patient, http.MethodPost, "/api/appointments/"+later.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "cancelled appointments cannot be cancelled again")
}

func TestReschedule(t *testing.T) {
	h := newHarness(t, "")
	appt := h.confirmed(t, "2024-03-20", "20:00")

	rec := h.do(t, &h.patient, http.MethodPost, "/api/appointments/"+appt.ID+"/reschedule", map[string]string{
		"new_date": "2024-03-25", "new_time": "10:00", "reason": "conflict at work",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out rescheduleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 10, out.PenaltyPercentage)
	assert.Equal(t, "2024-03-25", out.Appointment.Date)
	assert.Equal(t, 1, out.Appointment.RescheduleCount)

	rec = h.do(t, &h.patient, http.MethodPost, "/api/appointments/"+appt.ID+"/reschedule", map[string]string{
		"new_date": "25/03/2024", "new_time": "10:00",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComplete_RoleGate(t *testing.T) {
	h := newHarness(t, "")
	appt := h.confirmed(t, "2024-04-01", "09:00")
	path := "/api/appointments/" + appt.ID + "/complete"

	assert.Equal(t, http.StatusForbidden, h.do(t, &h.patient, http.MethodPost, path, nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, &h.doctor, http.MethodPost, path, nil).Code)
	assert.Equal(t, http.StatusConflict, h.do(t, &h.doctor, http.MethodPost, path, nil).Code)
}

func stripeWebhook(t *testing.T, h *harness, secret, eventID, eventType, sessionID string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"object": map[string]any{"id": sessionID}},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if secret != "" {
		ts := strconv.FormatInt(h.now.Unix(), 10)
		req.Header.Set("Stripe-Signature", "t="+ts+",v1="+payments.SignStripePayload(secret, ts, payload))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhook_ConfirmsAndDedupes(t *testing.T) {
	const secret = "whsec_test"
	h := newHarness(t, secret)
	in := h.intent(t, "2024-04-01", "09:00")
	_, err := h.gateway.Complete(in.SessionID)
	require.NoError(t, err)

	rec := stripeWebhook(t, h, secret, "evt_1", "checkout.session.completed", in.SessionID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "confirmed")

	appt, err := h.machine.Get(context.Background(), uuid.MustParse(in.Appointment.ID))
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusConfirmed, appt.Status)

	rec = stripeWebhook(t, h, secret, "evt_1", "checkout.session.completed", in.SessionID)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")
}

func TestStripeWebhook_ExpiredReleasesSlot(t *testing.T) {
	h := newHarness(t, "")
	in := h.intent(t, "2024-04-01", "09:00")
	require.NoError(t, h.gateway.Expire(in.SessionID))

	rec := stripeWebhook(t, h, "", "evt_2", "checkout.session.expired", in.SessionID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	appt, err := h.machine.Get(context.Background(), uuid.MustParse(in.Appointment.ID))
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusCancelled, appt.Status)
}

func TestStripeWebhook_RejectsBadSignatureAndIgnoresOtherEvents(t *testing.T) {
	h := newHarness(t, "whsec_test")
	rec := stripeWebhook(t, h, "wrong_secret", "evt_3", "checkout.session.completed", "cs_x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = stripeWebhook(t, h, "whsec_test", "evt_4", "invoice.paid", "in_x")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
}
