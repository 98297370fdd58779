package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/telecare-booking/internal/config"
	"github.com/wolfman30/telecare-booking/internal/database"
	"github.com/wolfman30/telecare-booking/internal/notify"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/internal/reconcile"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// BuildGateway selects the payment gateway. The fake gateway is returned a
// second time so the API can mount its checkout page.
func BuildGateway(cfg *appconfig.Config, logger *logging.Logger) (payments.Gateway, *payments.FakeGateway, error) {
	switch cfg.PaymentProvider {
	case "", "stripe":
		if strings.TrimSpace(cfg.StripeSecretKey) == "" {
			return nil, nil, fmt.Errorf("bootstrap: STRIPE_SECRET_KEY is required for the stripe provider")
		}
		return payments.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeSuccessURL, cfg.StripeCancelURL, logger), nil, nil
	case "fake":
		if !cfg.AllowFakePayments {
			return nil, nil, fmt.Errorf("bootstrap: fake payments require ALLOW_FAKE_PAYMENTS=true")
		}
		fake := payments.NewFakeGateway(cfg.PublicBaseURL, logger)
		return fake, fake, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown PAYMENT_PROVIDER %q", cfg.PaymentProvider)
	}
}

// BuildClaimStore selects where reconciliation claims live.
func BuildClaimStore(cfg *appconfig.Config, db database.Querier, awsCfg aws.Config) (reconcile.ClaimStore, error) {
	switch cfg.ClaimStore {
	case "", "postgres":
		return reconcile.NewPostgresClaimStore(db), nil
	case "dynamodb":
		if strings.TrimSpace(cfg.ClaimsTable) == "" {
			return nil, fmt.Errorf("bootstrap: CLAIMS_TABLE is required for the dynamodb claim store")
		}
		return reconcile.NewDynamoClaimStore(dynamodb.NewFromConfig(awsCfg), cfg.ClaimsTable), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown CLAIM_STORE %q", cfg.ClaimStore)
	}
}

// BuildEmailSender picks the email transport, falling back to the stub when
// the selected provider is not configured.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.EmailProvider {
	case "sendgrid":
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			return sender
		}
		logger.Warn("sendgrid selected but SENDGRID_API_KEY empty; using stub email sender")
	case "ses":
		if strings.TrimSpace(cfg.SESFromEmail) != "" {
			return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
				FromEmail: cfg.SESFromEmail,
				FromName:  cfg.SESFromName,
			}, logger)
		}
		logger.Warn("ses selected but SES_FROM_EMAIL empty; using stub email sender")
	}
	return notify.NewStubEmailSender(logger)
}

// BuildSMSSender returns Twilio when credentials are set and the stub otherwise.
func BuildSMSSender(cfg *appconfig.Config, logger *logging.Logger) notify.SMSSender {
	if sender := notify.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger); sender != nil {
		return sender
	}
	return notify.NewStubSMSSender(logger)
}
