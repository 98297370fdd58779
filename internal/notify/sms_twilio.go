package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telecare-booking/pkg/logging"
)

var smsTracer = otel.Tracer("telecare.internal.notify.twilio")

// SMSMessage is a single outbound text.
type SMSMessage struct {
	To   string
	Body string
}

// SMSSender delivers a text message.
type SMSSender interface {
	SendSMS(ctx context.Context, msg SMSMessage) error
}

// TwilioSender posts SMS messages using Twilio's REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	attempts   int
	backoff    time.Duration
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTwilioSender returns nil when credentials are missing.
func NewTwilioSender(accountSID, authToken, from string, logger *logging.Logger) *TwilioSender {
	if accountSID == "" || authToken == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    "https://api.twilio.com",
		attempts:   3,
		backoff:    300 * time.Millisecond,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (s *TwilioSender) WithBaseURL(base string) *TwilioSender {
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		s.baseURL = base
	}
	return s
}

// WithRetry sets the attempt count and the pause between attempts.
func (s *TwilioSender) WithRetry(attempts int, backoff time.Duration) *TwilioSender {
	if attempts > 0 {
		s.attempts = attempts
	}
	if backoff >= 0 {
		s.backoff = backoff
	}
	return s
}

// SendSMS dispatches one message, retrying transport errors, 429 and 5xx.
func (s *TwilioSender) SendSMS(ctx context.Context, msg SMSMessage) error {
	if s == nil {
		return errors.New("notify: twilio sender not configured")
	}
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoContact
	}
	if s.from == "" {
		return errors.New("notify: twilio from number required")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return errors.New("notify: sms body required")
	}

	ctx, span := smsTracer.Start(ctx, "notify.twilio.send")
	defer span.End()
	span.SetAttributes(attribute.String("telecare.sms_to", msg.To))

	payload := url.Values{}
	payload.Set("To", msg.To)
	payload.Set("From", s.from)
	payload.Set("Body", msg.Body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		sid, err := s.post(ctx, endpoint, payload)
		if err == nil {
			s.logger.Info("twilio sms sent", "to", msg.To, "sid", sid)
			return nil
		}
		lastErr = err
		if IsPermanent(err) || ctx.Err() != nil {
			break
		}
		if attempt < s.attempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				return ctx.Err()
			case <-time.After(s.backoff):
			}
		}
	}
	span.RecordError(lastErr)
	s.logger.Warn("twilio sms failed", "to", msg.To, "error", lastErr)
	return lastErr
}

func (s *TwilioSender) post(ctx context.Context, endpoint string, payload url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return "", fmt.Errorf("notify: twilio request: %w", err)
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("notify: twilio send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderError{Provider: "twilio", Status: resp.StatusCode, Detail: twilioErrorDetail(body)}
	}
	var parsed struct {
		SID string `json:"sid"`
	}
	_ = json.Unmarshal(body, &parsed)
	return parsed.SID, nil
}

func twilioErrorDetail(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("code %d: %s", parsed.Code, parsed.Message)
		}
		return parsed.Message
	}
	return trimmed
}

// StubSMSSender logs instead of sending.
type StubSMSSender struct {
	logger *logging.Logger
}

func NewStubSMSSender(logger *logging.Logger) *StubSMSSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSMSSender{logger: logger}
}

func (s *StubSMSSender) SendSMS(ctx context.Context, msg SMSMessage) error {
	s.logger.Info("stub sms sender: would send sms", "to", msg.To)
	return nil
}

var (
	_ SMSSender = (*TwilioSender)(nil)
	_ SMSSender = (*StubSMSSender)(nil)
)
