package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/telecare-booking/cmd/mainconfig"
	"github.com/wolfman30/telecare-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/telecare-booking/internal/config"
	"github.com/wolfman30/telecare-booking/internal/reconcile"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// SweepOutput summarizes one scheduled invocation.
type SweepOutput struct {
	Confirmed          int    `json:"confirmed"`
	Expired            int    `json:"expired"`
	NoShows            int    `json:"no_shows"`
	Skipped            int    `json:"skipped"`
	RemindersProcessed int    `json:"reminders_processed"`
	ReminderError      string `json:"reminder_error,omitempty"`
}

type sweepRunner interface {
	RunOnce(ctx context.Context) (reconcile.SweepResult, error)
}

type dueProcessor interface {
	ProcessDue(ctx context.Context) (int, error)
}

type deps struct {
	sweeper   sweepRunner
	reminders dueProcessor
	logger    *logging.Logger
}

var (
	initOnce sync.Once
	initErr  error
	shared   deps
)

func setup(ctx context.Context) (deps, error) {
	initOnce.Do(func() {
		cfg := appconfig.Load()
		logger := logging.New(cfg.LogLevel)
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			initErr = fmt.Errorf("load aws config: %w", err)
			return
		}
		svc, err := bootstrap.Build(ctx, cfg, awsCfg, logger)
		if err != nil {
			initErr = err
			return
		}
		shared = deps{
			sweeper:   svc.Sweeper(cfg, logger),
			reminders: svc.ReminderWorker(cfg, logger),
			logger:    logger,
		}
	})
	return shared, initErr
}

// handle runs one sweep and one reminder pass. A reminder failure is reported
// in the output so the sweep result is not retried by EventBridge.
func handle(ctx context.Context, d deps, evt events.CloudWatchEvent) (SweepOutput, error) {
	res, err := d.sweeper.RunOnce(ctx)
	if err != nil {
		return SweepOutput{}, fmt.Errorf("sweep: %w", err)
	}
	out := SweepOutput{
		Confirmed: res.Confirmed,
		Expired:   res.Expired,
		NoShows:   res.NoShows,
		Skipped:   res.Skipped,
	}
	processed, err := d.reminders.ProcessDue(ctx)
	if err != nil {
		d.logger.Error("sweep-lambda: reminder pass failed", "error", err, "event_id", evt.ID)
		out.ReminderError = err.Error()
	}
	out.RemindersProcessed = processed
	d.logger.Info("sweep-lambda: run complete",
		"event_id", evt.ID,
		"confirmed", out.Confirmed,
		"expired", out.Expired,
		"no_shows", out.NoShows,
		"reminders", out.RemindersProcessed,
	)
	return out, nil
}

func main() {
	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (SweepOutput, error) {
		d, err := setup(ctx)
		if err != nil {
			return SweepOutput{}, err
		}
		return handle(ctx, d, evt)
	})
}
