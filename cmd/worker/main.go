package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/telecare-booking/cmd/mainconfig"
	"github.com/wolfman30/telecare-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/telecare-booking/internal/config"
	"github.com/wolfman30/telecare-booking/internal/events"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// The worker hosts every background loop of the booking core.
func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting telecare-booking worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	svc, err := bootstrap.Build(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	deliverer := events.NewDeliverer(svc.Outbox, svc.OutboxHandler(cfg, awsCfg, logger), logger).
		WithInterval(cfg.OutboxInterval).
		WithMaxAttempts(cfg.OutboxMaxAttempts).
		WithMetrics(svc.Metrics)
	reminderWorker := svc.ReminderWorker(cfg, logger)
	sweeper := svc.Sweeper(cfg, logger)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		deliverer.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		reminderWorker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, cfg.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		purgeProcessedEvents(ctx, svc.Processed, cfg.ProcessedEventRetention, logger)
	}()
	logger.Info("worker loops started",
		"outbox_interval", cfg.OutboxInterval,
		"reminder_interval", cfg.ReminderInterval,
		"sweep_interval", cfg.SweepInterval,
	)

	<-ctx.Done()
	logger.Info("shutting down worker...")
	wg.Wait()
	logger.Info("worker stopped")
}

// purgeProcessedEvents trims the webhook dedupe ledger once an hour.
func purgeProcessedEvents(ctx context.Context, store *events.ProcessedStore, retention time.Duration, logger *logging.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("processed event purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged processed webhook events", "count", n)
			}
		}
	}
}
