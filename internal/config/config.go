package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	PublicBaseURL      string
	LogLevel           string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	AuthJWTSecret      string
	CORSAllowedOrigins []string
	ClinicTimezone     string

	// Cancellation / reschedule policy
	CancelMinHoursPatient   int
	CancelMinHoursDoctor    int
	RescheduleHoursBefore   int
	ReschedulePenaltyPct    int
	RescheduleMax           int
	BookingIntentsPerHour   int
	ConsultationFeeCents    int
	IntentRateLimitPerSec   float64
	IntentRateLimitBurst    int
	PendingPaymentTTL       time.Duration
	NoShowGrace             time.Duration
	ClaimTTL                time.Duration
	ClaimStore              string
	ClaimsTable             string
	ReconcileVerifyTimeout  time.Duration
	ReconcileVerifyAttempts int
	ReconcileVerifyBackoff  time.Duration
	SweepInterval           time.Duration
	OutboxInterval          time.Duration
	ProcessedEventRetention time.Duration
	OutboxMaxAttempts       int

	// Reminders
	ReminderInterval    time.Duration
	ReminderMaxAttempts int
	ReminderMethod      string

	// Payments
	PaymentProvider     string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	AllowFakePayments   bool

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	NotifyQueueURL      string

	// Notification transports
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESFromName       string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		AuthJWTSecret:      getEnv("AUTH_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		ClinicTimezone:     getEnv("CLINIC_TIMEZONE", "UTC"),

		CancelMinHoursPatient:   getEnvAsInt("CANCEL_MIN_HOURS_PATIENT", 24),
		CancelMinHoursDoctor:    getEnvAsInt("CANCEL_MIN_HOURS_DOCTOR", 24),
		RescheduleHoursBefore:   getEnvAsInt("RESCHEDULE_HOURS_BEFORE", 24),
		ReschedulePenaltyPct:    getEnvAsInt("RESCHEDULE_PENALTY_PERCENT", 10),
		RescheduleMax:           getEnvAsInt("RESCHEDULE_MAX", 2),
		BookingIntentsPerHour:   getEnvAsInt("BOOKING_INTENTS_PER_HOUR", 5),
		ConsultationFeeCents:    getEnvAsInt("CONSULTATION_FEE_CENTS", 5000),
		IntentRateLimitPerSec:   getEnvAsFloat("INTENT_RATE_LIMIT_PER_SEC", 2),
		IntentRateLimitBurst:    getEnvAsInt("INTENT_RATE_LIMIT_BURST", 10),
		PendingPaymentTTL:       getEnvAsDuration("PENDING_PAYMENT_TTL", 30*time.Minute),
		NoShowGrace:             getEnvAsDuration("NO_SHOW_GRACE", time.Hour),
		ClaimTTL:                getEnvAsDuration("CLAIM_TTL", 2*time.Minute),
		ClaimStore:              strings.ToLower(strings.TrimSpace(getEnv("CLAIM_STORE", "postgres"))),
		ClaimsTable:             getEnv("CLAIMS_TABLE", "reservation_claims"),
		ReconcileVerifyTimeout:  getEnvAsDuration("RECONCILE_VERIFY_TIMEOUT", 10*time.Second),
		ReconcileVerifyAttempts: getEnvAsInt("RECONCILE_VERIFY_ATTEMPTS", 3),
		ReconcileVerifyBackoff:  getEnvAsDuration("RECONCILE_VERIFY_BACKOFF", 500*time.Millisecond),
		SweepInterval:           getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		OutboxInterval:          getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		ProcessedEventRetention: getEnvAsDuration("PROCESSED_EVENT_RETENTION", 30*24*time.Hour),
		OutboxMaxAttempts:       getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 8),

		ReminderInterval:    getEnvAsDuration("REMINDER_INTERVAL", time.Minute),
		ReminderMaxAttempts: getEnvAsInt("REMINDER_MAX_ATTEMPTS", 5),
		ReminderMethod:      strings.ToLower(strings.TrimSpace(getEnv("REMINDER_METHOD", "email"))),

		PaymentProvider:     strings.ToLower(strings.TrimSpace(getEnv("PAYMENT_PROVIDER", "stripe"))),
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeSuccessURL:    getEnv("STRIPE_SUCCESS_URL", ""),
		StripeCancelURL:     getEnv("STRIPE_CANCEL_URL", ""),
		AllowFakePayments:   getEnvAsBool("ALLOW_FAKE_PAYMENTS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		NotifyQueueURL:      getEnv("NOTIFY_QUEUE_URL", ""),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Telecare"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "Telecare"),
		TwilioAccountSID:  getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:  getEnv("TWILIO_FROM_NUMBER", ""),
	}
}

// Location resolves ClinicTimezone, falling back to UTC when it is unknown.
func (c *Config) Location() *time.Location {
	if c == nil || strings.TrimSpace(c.ClinicTimezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
