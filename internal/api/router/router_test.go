package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/booking"
	"github.com/wolfman30/telecare-booking/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/telecare-booking/internal/http/middleware"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/internal/reconcile"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

const testSecret = "router-test-secret"

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()

	logger := logging.Default()
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	gateway := payments.NewFakeGateway("https://portal.example.com", logger)
	machine := appointments.NewStateMachine(appointments.NewMemoryRepository(), appointments.MachineConfig{
		Cancellation: appointments.DefaultCancellationPolicy(),
		Reschedule:   appointments.DefaultReschedulePolicy(),
	}, logger).WithClock(clock)
	svc := booking.NewService(machine, gateway, booking.Config{FeeCents: 5000}, logger).WithClock(clock)
	rec := reconcile.NewReconciler(machine, reconcile.NewMemoryClaimStore(), gateway, reconcile.Options{VerifyAttempts: 1}, logger)

	cfg := &Config{
		Logger:              logger,
		AppointmentsHandler: handlers.NewAppointmentsHandler(machine, svc, logger),
		RedirectHandler:     handlers.NewPaymentRedirectHandler(rec, logger),
		FakeCheckout:        payments.NewFakeCheckoutHandler(gateway, logger),
		AuthSecret:          testSecret,
		CORSAllowedOrigins:  []string{"https://portal.example.com"},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg)
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterHealthEndpoint_DatabaseDown(t *testing.T) {
	router := newTestRouter(t, func(cfg *Config) {
		cfg.Health = pingerFunc(func(context.Context) error { return errors.New("connection refused") })
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "# metrics" {
		t.Fatalf("unexpected metrics response: %d %q", rr.Code, rr.Body.String())
	}
}

func TestRouterAppointmentsRequireAuth(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/appointments/"+uuid.NewString(), nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestRouterIntentRateLimit(t *testing.T) {
	router := newTestRouter(t, func(cfg *Config) {
		cfg.IntentLimiter = httpmiddleware.NewRateLimiter(0.001, 1)
	})
	patient := appointments.Requester{ID: uuid.New(), Role: appointments.RolePatient}
	token, err := httpmiddleware.SignRequesterToken(testSecret, patient, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	day := time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02")

	post := func(clock string) int {
		body, _ := json.Marshal(map[string]any{"doctor_id": uuid.New(), "date": day, "time": clock})
		req := httptest.NewRequest(http.MethodPost, "/api/appointments/intents", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := post("09:00"); code != http.StatusCreated {
		t.Fatalf("expected first intent to succeed, got %d", code)
	}
	if code := post("10:00"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second intent to be rate limited, got %d", code)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/appointments/intents", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://portal.example.com" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestRouterFakeCheckoutMounted(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/fake/missing", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
	if rr.Body.String() != "session not found\n" {
		t.Errorf("expected fake checkout handler body, got %q", rr.Body.String())
	}
}
