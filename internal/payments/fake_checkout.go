package payments

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// FakeGateway is a dev/demo gateway that keeps sessions in memory and lets the
// patient "pay" on an internal page.
//
// This MUST be gated by configuration (ALLOW_FAKE_PAYMENTS) and never enabled
// in production.
type FakeGateway struct {
	publicBaseURL string
	logger        *logging.Logger

	mu       sync.Mutex
	sessions map[string]*fakeSession
}

type fakeSession struct {
	params  SessionParams
	status  VerificationStatus
	success string
}

func NewFakeGateway(publicBaseURL string, logger *logging.Logger) *FakeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeGateway{
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		logger:        logger,
		sessions:      make(map[string]*fakeSession),
	}
}

func (g *FakeGateway) CreateSession(ctx context.Context, params SessionParams) (*Session, error) {
	if params.AppointmentID == uuid.Nil {
		return nil, fmt.Errorf("payments: fake checkout requires appointment id")
	}
	if g.publicBaseURL == "" {
		return nil, fmt.Errorf("payments: fake checkout requires PUBLIC_BASE_URL")
	}
	if !isValidBaseURL(g.publicBaseURL) {
		return nil, fmt.Errorf("payments: fake checkout PUBLIC_BASE_URL must be an absolute http(s) URL")
	}

	id := "fake_" + uuid.NewString()
	success := params.SuccessURL
	if success == "" {
		success = g.publicBaseURL + "/payments/success"
	}

	g.mu.Lock()
	g.sessions[id] = &fakeSession{params: params, status: VerificationUnpaid, success: success}
	g.mu.Unlock()

	g.logger.Info("fake checkout session created", "appointment_id", params.AppointmentID, "session_id", id)
	return &Session{ID: id, URL: fmt.Sprintf("%s/payments/fake/%s", g.publicBaseURL, id)}, nil
}

func (g *FakeGateway) Verify(ctx context.Context, sessionID string) (*Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	v := &Verification{
		SessionID:   sessionID,
		Status:      s.status,
		AmountCents: s.params.AmountCents,
		Metadata:    s.params.Metadata(),
	}
	if s.status == VerificationPaid {
		v.Reference = "fake:" + sessionID
	}
	return v, nil
}

// Complete marks the session paid and returns where the patient is sent next.
func (g *FakeGateway) Complete(sessionID string) (string, error) {
	return g.settle(sessionID, VerificationPaid)
}

// Expire marks the session expired.
func (g *FakeGateway) Expire(sessionID string) error {
	_, err := g.settle(sessionID, VerificationExpired)
	return err
}

func (g *FakeGateway) settle(sessionID string, status VerificationStatus) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	if s.status == VerificationUnpaid {
		s.status = status
	}
	return successRedirect(s.success, sessionID, s.params.AppointmentID.String()), nil
}

func (g *FakeGateway) session(sessionID string) (fakeSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return fakeSession{}, false
	}
	return *s, true
}

func successRedirect(base, sessionID, appointmentID string) string {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("appointment_id", appointmentID)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

func isValidBaseURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}
