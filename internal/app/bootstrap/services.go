package bootstrap

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/booking"
	appconfig "github.com/wolfman30/telecare-booking/internal/config"
	"github.com/wolfman30/telecare-booking/internal/events"
	"github.com/wolfman30/telecare-booking/internal/notify"
	"github.com/wolfman30/telecare-booking/internal/observability/metrics"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/internal/reconcile"
	"github.com/wolfman30/telecare-booking/internal/reminders"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// Services is the object graph shared by the API and the workers.
type Services struct {
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Registry  *prometheus.Registry
	Metrics   *metrics.BookingMetrics
	Location  *time.Location
	Repo      *appointments.PostgresRepository
	Machine   *appointments.StateMachine
	Gateway   payments.Gateway
	Fake      *payments.FakeGateway
	Reconcile *reconcile.Reconciler
	Booking   *booking.Service
	Processed *events.ProcessedStore
	Outbox    *events.OutboxStore
	Reminders *reminders.PostgresStore
	Directory notify.Directory
	Email     notify.EmailSender
	SMS       notify.SMSSender
}

// Build wires every collaborator from configuration. The caller owns Close.
func Build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*Services, error) {
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := BuildPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc, err := buildWithPool(ctx, cfg, awsCfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return svc, nil
}

func buildWithPool(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, pool *pgxpool.Pool, logger *logging.Logger) (*Services, error) {
	loc := cfg.Location()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bm := metrics.NewBookingMetrics(registry)

	gateway, fake, err := BuildGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	claims, err := BuildClaimStore(cfg, pool, awsCfg)
	if err != nil {
		return nil, err
	}

	repo := appointments.NewPostgresRepository(pool)
	outbox := events.NewOutboxStore(pool)
	reminderStore := reminders.NewPostgresStore(pool)
	machine := appointments.NewStateMachine(repo, MachineConfig(cfg), logger).
		WithEventRecorder(appointments.NewOutboxRecorder(outbox)).
		WithReminderPlanner(reminders.NewScheduler(reminderStore, loc, reminders.ParseMethod(cfg.ReminderMethod), logger)).
		WithMetrics(bm)

	reconciler := reconcile.NewReconciler(machine, claims, gateway, reconcile.Options{
		ClaimTTL:       cfg.ClaimTTL,
		VerifyTimeout:  cfg.ReconcileVerifyTimeout,
		VerifyAttempts: cfg.ReconcileVerifyAttempts,
		VerifyBackoff:  cfg.ReconcileVerifyBackoff,
	}, logger).WithMetrics(bm)

	svc := booking.NewService(machine, gateway, booking.Config{
		FeeCents: int64(cfg.ConsultationFeeCents),
		Location: loc,
	}, logger).WithMetrics(bm)

	redisClient := BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		svc.WithLimiter(booking.NewIntentLimiter(redisClient, cfg.BookingIntentsPerHour, time.Hour, logger))
	}

	return &Services{
		Pool:      pool,
		Redis:     redisClient,
		Registry:  registry,
		Metrics:   bm,
		Location:  loc,
		Repo:      repo,
		Machine:   machine,
		Gateway:   gateway,
		Fake:      fake,
		Reconcile: reconciler,
		Booking:   svc,
		Processed: events.NewProcessedStore(pool),
		Outbox:    outbox,
		Reminders: reminderStore,
		Directory: notify.NewPostgresDirectory(pool),
		Email:     BuildEmailSender(cfg, awsCfg, logger),
		SMS:       BuildSMSSender(cfg, logger),
	}, nil
}

// MachineConfig maps policy settings onto the state machine configuration.
func MachineConfig(cfg *appconfig.Config) appointments.MachineConfig {
	cancel := appointments.DefaultCancellationPolicy()
	cancel.MinimumHoursBefore[appointments.RolePatient] = cfg.CancelMinHoursPatient
	cancel.MinimumHoursBefore[appointments.RoleDoctor] = cfg.CancelMinHoursDoctor
	return appointments.MachineConfig{
		Cancellation: cancel,
		Reschedule: appointments.ReschedulePolicy{
			HoursBeforeAppointment: cfg.RescheduleHoursBefore,
			PenaltyPercentage:      cfg.ReschedulePenaltyPct,
			MaxReschedules:         cfg.RescheduleMax,
		},
		Location:    cfg.Location(),
		NoShowGrace: cfg.NoShowGrace,
	}
}

// OutboxHandler publishes to SQS when a notification queue is configured and
// otherwise delivers notifications in-process.
func (s *Services) OutboxHandler(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) events.DeliveryHandler {
	if cfg.NotifyQueueURL != "" {
		return events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.NotifyQueueURL)
	}
	return notify.NewEventNotifier(s.Directory, s.Email, logger)
}

// ReminderWorker builds the dispatcher for due reminders.
func (s *Services) ReminderWorker(cfg *appconfig.Config, logger *logging.Logger) *reminders.Worker {
	sender := notify.NewReminderSender(s.Directory, s.Email, s.SMS, s.Location, logger)
	return reminders.NewWorker(s.Reminders, s.Machine, sender, s.Location, logger).
		WithMetrics(s.Metrics).
		WithInterval(cfg.ReminderInterval).
		WithMaxAttempts(cfg.ReminderMaxAttempts)
}

// Sweeper builds the pending-payment and no-show sweeper.
func (s *Services) Sweeper(cfg *appconfig.Config, logger *logging.Logger) *reconcile.Sweeper {
	return reconcile.NewSweeper(s.Repo, s.Machine, s.Reconcile, s.Gateway, reconcile.SweepConfig{
		PendingTTL:    cfg.PendingPaymentTTL,
		NoShowGrace:   cfg.NoShowGrace,
		VerifyTimeout: cfg.ReconcileVerifyTimeout,
		Location:      s.Location,
	}, logger)
}

// Close releases pooled connections.
func (s *Services) Close() {
	if s == nil {
		return
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
