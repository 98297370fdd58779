package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/telecare-booking/cmd/mainconfig"
	"github.com/wolfman30/telecare-booking/internal/api/router"
	"github.com/wolfman30/telecare-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/telecare-booking/internal/config"
	"github.com/wolfman30/telecare-booking/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/telecare-booking/internal/http/middleware"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

func main() {
	// Local development reads .env; deployed environments set real variables.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting telecare-booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"payment_provider", cfg.PaymentProvider,
	)
	if cfg.AuthJWTSecret == "" {
		logger.Error("AUTH_JWT_SECRET is required")
		os.Exit(1)
	}

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

	intentLimiter := httpmiddleware.NewRateLimiter(cfg.IntentRateLimitPerSec, cfg.IntentRateLimitBurst)
	go intentLimiter.RunEviction(ctx)

	routerCfg := &router.Config{
		Logger:              logger,
		AppointmentsHandler: handlers.NewAppointmentsHandler(svc.Machine, svc.Booking, logger),
		RedirectHandler:     handlers.NewPaymentRedirectHandler(svc.Reconcile, logger),
		AuthSecret:          cfg.AuthJWTSecret,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		IntentLimiter:       intentLimiter,
		MetricsHandler:      promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{}),
		Health:              svc.Pool,
	}
	if cfg.StripeWebhookSecret != "" {
		routerCfg.WebhookHandler = handlers.NewStripeWebhookHandler(cfg.StripeWebhookSecret, svc.Reconcile, svc.Processed, logger)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; stripe webhooks disabled")
	}
	if svc.Fake != nil {
		logger.Warn("fake payments enabled; checkout pages served under /payments/fake")
		routerCfg.FakeCheckout = payments.NewFakeCheckoutHandler(svc.Fake, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
