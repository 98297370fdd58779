package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/telecare-booking/pkg/logging"
)

var stripeTracer = otel.Tracer("telecare.internal.payments.stripe")

// StripeGateway opens Stripe Checkout Sessions for consultation fees and
// verifies them against the Stripe API.
type StripeGateway struct {
	secretKey  string
	successURL string
	cancelURL  string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewStripeGateway(secretKey, successURL, cancelURL string, logger *logging.Logger) *StripeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeGateway{
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		baseURL:    "https://api.stripe.com",
		apiVersion: "2024-12-18.acacia",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (s *StripeGateway) WithBaseURL(baseURL string) *StripeGateway {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

func (s *StripeGateway) WithHTTPClient(client *http.Client) *StripeGateway {
	if client != nil {
		s.httpClient = client
	}
	return s
}

func (s *StripeGateway) CreateSession(ctx context.Context, params SessionParams) (*Session, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("telecare.appointment_id", params.AppointmentID.String()),
		attribute.Int64("telecare.amount_cents", params.AmountCents),
	)

	successURL := params.SuccessURL
	if successURL == "" {
		successURL = s.successURL
	}
	cancelURL := params.CancelURL
	if cancelURL == "" {
		cancelURL = s.cancelURL
	}
	description := strings.TrimSpace(params.Description)
	if description == "" {
		description = "Consultation fee"
	}
	currency := strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "usd"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", params.AppointmentID.String())
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", fmt.Sprintf("%d", params.AmountCents))
	form.Set("line_items[0][price_data][product_data][name]", description)
	form.Set("line_items[0][quantity]", "1")
	if successURL != "" {
		form.Set("success_url", withSessionPlaceholder(successURL, params.AppointmentID.String()))
	}
	if cancelURL != "" {
		form.Set("cancel_url", cancelURL)
	}
	for k, v := range params.Metadata() {
		form.Set("metadata["+k+"]", v)
		form.Set("payment_intent_data[metadata]["+k+"]", v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("payments: stripe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var parsed stripeCheckoutSession
	if err := s.do(req, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create session failed")
		return nil, err
	}
	if parsed.URL == "" {
		return nil, fmt.Errorf("payments: stripe response missing checkout url")
	}

	out := &Session{ID: parsed.ID, URL: parsed.URL}
	if parsed.ExpiresAt > 0 {
		exp := time.Unix(parsed.ExpiresAt, 0).UTC()
		out.ExpiresAt = &exp
	}
	s.logger.Info("stripe checkout session created", "appointment_id", params.AppointmentID, "session_id", parsed.ID)
	return out, nil
}

func (s *StripeGateway) Verify(ctx context.Context, sessionID string) (*Verification, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.verify_checkout_session")
	defer span.End()
	span.SetAttributes(attribute.String("telecare.session_id", sessionID))

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("payments: stripe request: %w", err)
	}

	var parsed stripeCheckoutSession
	if err := s.do(req, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify session failed")
		return nil, err
	}
	return parsed.verification(), nil
}

func (s *StripeGateway) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", s.apiVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payments: stripe http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("payments: stripe api status %d: %s", resp.StatusCode, readStripeError(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payments: stripe decode: %w", err)
	}
	return nil
}

// withSessionPlaceholder appends Stripe's literal session placeholder, which
// must not be URL-encoded.
func withSessionPlaceholder(successURL, appointmentID string) string {
	sep := "?"
	if strings.Contains(successURL, "?") {
		sep = "&"
	}
	return successURL + sep + "session_id={CHECKOUT_SESSION_ID}&appointment_id=" + url.QueryEscape(appointmentID)
}

// stripeCheckoutSession is the subset of Stripe's Checkout Session we need.
type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentIntent     string            `json:"payment_intent"`
	AmountTotal       int64             `json:"amount_total"`
	ExpiresAt         int64             `json:"expires_at"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (s stripeCheckoutSession) verification() *Verification {
	v := &Verification{
		SessionID:   s.ID,
		Status:      VerificationUnpaid,
		Reference:   s.PaymentIntent,
		AmountCents: s.AmountTotal,
		Metadata:    s.Metadata,
	}
	if v.Reference == "" {
		v.Reference = s.ID
	}
	if v.Metadata["appointment_id"] == "" && s.ClientReferenceID != "" {
		md := make(map[string]string, len(s.Metadata)+1)
		for k, val := range s.Metadata {
			md[k] = val
		}
		md["appointment_id"] = s.ClientReferenceID
		v.Metadata = md
	}
	switch {
	case s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required":
		v.Status = VerificationPaid
	case s.Status == "expired":
		v.Status = VerificationExpired
	}
	return v
}

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func readStripeError(body []byte) string {
	var parsed stripeErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}
