package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestStripeGateway_CreateSession(t *testing.T) {
	var gotForm map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("expected path /v1/checkout/sessions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("expected auth header, got %q", got)
		}
		if r.Header.Get("Stripe-Version") == "" {
			t.Errorf("expected Stripe-Version header")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "cs_test_abc123",
			"url":        "https://checkout.stripe.com/pay/cs_test_abc123",
			"expires_at": 1718460000,
		})
	}))
	defer srv.Close()

	apptID := uuid.New()
	gw := NewStripeGateway("sk_test_123", "https://portal.example.com/payments/success", "https://portal.example.com/cancel", nil).
		WithBaseURL(srv.URL)

	session, err := gw.CreateSession(context.Background(), SessionParams{
		AppointmentID: apptID,
		DoctorID:      uuid.New(),
		PatientID:     uuid.New(),
		Date:          "2024-04-01",
		Time:          "09:00",
		AmountCents:   5000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.ID != "cs_test_abc123" {
		t.Errorf("expected session id cs_test_abc123, got %s", session.ID)
	}
	if session.ExpiresAt == nil {
		t.Errorf("expected expires_at to be parsed")
	}

	checks := map[string]string{
		"mode":                                          "payment",
		"client_reference_id":                           apptID.String(),
		"line_items[0][price_data][currency]":           "usd",
		"line_items[0][price_data][unit_amount]":        "5000",
		"line_items[0][price_data][product_data][name]": "Consultation fee",
		"metadata[appointment_id]":                      apptID.String(),
		"metadata[appointment_date]":                    "2024-04-01",
		"metadata[appointment_time]":                    "09:00",
		"cancel_url":                                    "https://portal.example.com/cancel",
	}
	for key, want := range checks {
		if got := first(gotForm[key]); got != want {
			t.Errorf("%s: expected %q, got %q", key, want, got)
		}
	}
	success := first(gotForm["success_url"])
	if !strings.Contains(success, "session_id={CHECKOUT_SESSION_ID}") {
		t.Errorf("success_url must carry the literal session placeholder, got %q", success)
	}
	if !strings.HasSuffix(success, "appointment_id="+apptID.String()) {
		t.Errorf("success_url must carry the appointment id, got %q", success)
	}
}

func TestStripeGateway_CreateSessionAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid API Key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewStripeGateway("bad", "https://x.example.com", "", nil).
		WithBaseURL(srv.URL).
		CreateSession(context.Background(), SessionParams{AppointmentID: uuid.New(), AmountCents: 100})
	if err == nil || !strings.Contains(err.Error(), "Invalid API Key") {
		t.Fatalf("expected stripe error message, got %v", err)
	}
}

func TestStripeGateway_Verify(t *testing.T) {
	tests := []struct {
		name          string
		status        string
		paymentStatus string
		want          VerificationStatus
	}{
		{"paid", "complete", "paid", VerificationPaid},
		{"open", "open", "unpaid", VerificationUnpaid},
		{"expired", "expired", "unpaid", VerificationExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("expected GET, got %s", r.Method)
				}
				if r.URL.Path != "/v1/checkout/sessions/cs_test_1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				json.NewEncoder(w).Encode(map[string]any{
					"id":             "cs_test_1",
					"status":         tt.status,
					"payment_status": tt.paymentStatus,
					"payment_intent": "pi_123",
					"amount_total":   5000,
					"metadata":       map[string]string{"appointment_id": "a1"},
				})
			}))
			defer srv.Close()

			v, err := NewStripeGateway("sk_test", "", "", nil).WithBaseURL(srv.URL).Verify(context.Background(), "cs_test_1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, v.Status)
			}
			if v.Reference != "pi_123" || v.AmountCents != 5000 || v.Metadata["appointment_id"] != "a1" {
				t.Errorf("unexpected verification %+v", v)
			}
		})
	}
}

func TestStripeGateway_VerifyUsesClientReferenceWhenMetadataLacksAppointment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":                  "cs_test_2",
			"status":              "complete",
			"payment_status":      "paid",
			"client_reference_id": "a2",
			"metadata":            map[string]string{"doctor_id": "d1"},
		})
	}))
	defer srv.Close()

	v, err := NewStripeGateway("sk_test", "", "", nil).WithBaseURL(srv.URL).Verify(context.Background(), "cs_test_2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Metadata["appointment_id"] != "a2" || v.Metadata["doctor_id"] != "d1" {
		t.Errorf("unexpected metadata %+v", v.Metadata)
	}
}

func TestStripeGateway_VerifyNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewStripeGateway("sk_test", "", "", nil).WithBaseURL(srv.URL).Verify(context.Background(), "cs_missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStripeGateway_VerifyServerErrorIsNotDefinitive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewStripeGateway("sk_test", "", "", nil).WithBaseURL(srv.URL).Verify(context.Background(), "cs_1")
	if err == nil || errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
