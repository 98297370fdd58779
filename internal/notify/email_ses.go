package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through AWS SES v2.
type SESSender struct {
	client sesAPI
	from   string
	logger *logging.Logger
}

type SESConfig struct {
	FromEmail string
	FromName  string
}

// NewSESSender returns nil when client is nil.
func NewSESSender(client sesAPI, cfg SESConfig, logger *logging.Logger) *SESSender {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &SESSender{
		client: client,
		from:   fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail),
		logger: logger,
	}
}

func (s *SESSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: SES client not configured")
	}
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoContact
	}

	body := &types.Body{Text: utf8Content(msg.Body)}
	if msg.HTML != "" {
		body.Html = utf8Content(msg.HTML)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{Subject: utf8Content(msg.Subject), Body: body},
		},
		EmailTags: sesTags(msg),
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			return &ProviderError{Provider: "ses", Status: 400, Detail: rejected.ErrorMessage()}
		}
		return fmt.Errorf("notify: SES send: %w", err)
	}

	s.logger.Info("email sent via SES", "category", msg.Category, "appointment_id", msg.AppointmentID, "message_id", aws.ToString(out.MessageId))
	return nil
}

// sesTags carries the category and appointment as message tags. SES only
// accepts alphanumerics, '_' and '-' in tag values.
func sesTags(msg EmailMessage) []types.MessageTag {
	var tags []types.MessageTag
	add := func(name, value string) {
		if value == "" {
			return
		}
		tags = append(tags, types.MessageTag{Name: aws.String(name), Value: aws.String(sesTagValue(value))})
	}
	add("category", msg.Category)
	add("appointment_id", msg.AppointmentID)
	return tags
}

func sesTagValue(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, v)
}

func utf8Content(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

var _ EmailSender = (*SESSender)(nil)
