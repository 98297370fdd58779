package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	appconfig "github.com/wolfman30/telecare-booking/internal/config"
	"github.com/wolfman30/telecare-booking/internal/notify"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/internal/reconcile"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

func TestBuildRedisClient(t *testing.T) {
	logger := logging.Default()
	ctx := context.Background()

	t.Run("disabled without address", func(t *testing.T) {
		assert.Nil(t, BuildRedisClient(ctx, &appconfig.Config{}, logger, true))
	})

	t.Run("verified against a live server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := BuildRedisClient(ctx, &appconfig.Config{RedisAddr: mr.Addr()}, logger, true)
		require.NotNil(t, client)
		defer client.Close()
		require.NoError(t, client.Set(ctx, "k", "v", time.Minute).Err())
		got, err := mr.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	})

	t.Run("unreachable server returns nil when verifying", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		assert.Nil(t, BuildRedisClient(ctx, &appconfig.Config{RedisAddr: addr}, logger, true))
	})
}

func TestBuildPoolRequiresURL(t *testing.T) {
	_, err := BuildPool(context.Background(), &appconfig.Config{})
	require.Error(t, err)
}

func TestBuildGateway(t *testing.T) {
	logger := logging.Default()

	gw, fake, err := BuildGateway(&appconfig.Config{PaymentProvider: "stripe", StripeSecretKey: "sk_test"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &payments.StripeGateway{}, gw)
	assert.Nil(t, fake)

	_, _, err = BuildGateway(&appconfig.Config{PaymentProvider: "stripe"}, logger)
	assert.Error(t, err)

	_, _, err = BuildGateway(&appconfig.Config{PaymentProvider: "fake"}, logger)
	assert.Error(t, err, "fake payments must be explicitly allowed")

	gw, fake, err = BuildGateway(&appconfig.Config{PaymentProvider: "fake", AllowFakePayments: true, PublicBaseURL: "http://localhost:8080"}, logger)
	require.NoError(t, err)
	require.NotNil(t, fake)
	assert.Same(t, fake, gw)

	_, _, err = BuildGateway(&appconfig.Config{PaymentProvider: "square"}, logger)
	assert.Error(t, err)
}

func TestBuildClaimStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := BuildClaimStore(&appconfig.Config{ClaimStore: "postgres"}, mock, aws.Config{})
	require.NoError(t, err)
	assert.IsType(t, &reconcile.PostgresClaimStore{}, store)

	store, err = BuildClaimStore(&appconfig.Config{ClaimStore: "dynamodb", ClaimsTable: "claims"}, mock, aws.Config{Region: "us-east-1"})
	require.NoError(t, err)
	assert.IsType(t, &reconcile.DynamoClaimStore{}, store)

	_, err = BuildClaimStore(&appconfig.Config{ClaimStore: "dynamodb"}, mock, aws.Config{})
	assert.Error(t, err)

	_, err = BuildClaimStore(&appconfig.Config{ClaimStore: "etcd"}, mock, aws.Config{})
	assert.Error(t, err)
}

func TestBuildEmailSender(t *testing.T) {
	logger := logging.Default()
	awsCfg := aws.Config{Region: "us-east-1"}

	assert.IsType(t, &notify.StubEmailSender{}, BuildEmailSender(&appconfig.Config{EmailProvider: "stub"}, awsCfg, logger))
	assert.IsType(t, &notify.StubEmailSender{}, BuildEmailSender(&appconfig.Config{EmailProvider: "sendgrid"}, awsCfg, logger))
	assert.IsType(t, &notify.SendGridSender{}, BuildEmailSender(&appconfig.Config{
		EmailProvider:     "sendgrid",
		SendGridAPIKey:    "SG.test",
		SendGridFromEmail: "care@example.com",
	}, awsCfg, logger))
	assert.IsType(t, &notify.SESSender{}, BuildEmailSender(&appconfig.Config{
		EmailProvider: "ses",
		SESFromEmail:  "care@example.com",
	}, awsCfg, logger))
}

func TestBuildSMSSender(t *testing.T) {
	logger := logging.Default()
	assert.IsType(t, &notify.StubSMSSender{}, BuildSMSSender(&appconfig.Config{}, logger))
	assert.IsType(t, &notify.TwilioSender{}, BuildSMSSender(&appconfig.Config{
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "token",
		TwilioFromNumber: "+15550001111",
	}, logger))
}

func TestMachineConfig(t *testing.T) {
	cfg := &appconfig.Config{
		ClinicTimezone:        "America/New_York",
		CancelMinHoursPatient: 48,
		CancelMinHoursDoctor:  12,
		RescheduleHoursBefore: 6,
		ReschedulePenaltyPct:  15,
		RescheduleMax:         3,
		NoShowGrace:           30 * time.Minute,
	}

	mc := MachineConfig(cfg)
	assert.Equal(t, 48, mc.Cancellation.MinimumHoursBefore[appointments.RolePatient])
	assert.Equal(t, 12, mc.Cancellation.MinimumHoursBefore[appointments.RoleDoctor])
	assert.Equal(t, appointments.ReschedulePolicy{HoursBeforeAppointment: 6, PenaltyPercentage: 15, MaxReschedules: 3}, mc.Reschedule)
	assert.Equal(t, cfg.Location(), mc.Location)
	assert.Equal(t, 30*time.Minute, mc.NoShowGrace)
}
