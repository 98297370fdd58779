package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

const defaultFromName = "Telecare"

// EmailSender delivers a single email. SendGrid, SES and the stub are interchangeable.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one outbound patient or doctor email.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string // plain text
	HTML    string // optional

	// Category groups provider analytics, e.g. "reminder.24h" or an event type.
	Category      string
	AppointmentID string
}

type sendgridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender sends through the SendGrid v3 mail API.
type SendGridSender struct {
	client    sendgridAPI
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoContact
	}

	html := msg.HTML
	if html == "" {
		html = msg.Body
	}
	message := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.fromEmail),
		msg.Subject,
		mail.NewEmail(msg.ToName, msg.To),
		msg.Body,
		html,
	)
	if msg.Category != "" {
		message.AddCategories(msg.Category)
	}
	if msg.AppointmentID != "" {
		message.SetCustomArg("appointment_id", msg.AppointmentID)
	}

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid rejected email",
			"status", resp.StatusCode,
			"category", msg.Category,
			"appointment_id", msg.AppointmentID,
		)
		return &ProviderError{Provider: "sendgrid", Status: resp.StatusCode, Detail: resp.Body}
	}

	s.logger.Info("email sent via sendgrid", "category", msg.Category, "appointment_id", msg.AppointmentID, "status", resp.StatusCode)
	return nil
}

// StubEmailSender logs instead of sending.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	s.logger.Info("stub email", "to", msg.To, "subject", msg.Subject, "category", msg.Category)
	return nil
}

var (
	_ EmailSender = (*SendGridSender)(nil)
	_ EmailSender = (*StubEmailSender)(nil)
)
