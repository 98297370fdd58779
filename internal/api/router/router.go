package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/telecare-booking/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/telecare-booking/internal/http/middleware"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	AppointmentsHandler *handlers.AppointmentsHandler
	RedirectHandler     *handlers.PaymentRedirectHandler
	WebhookHandler      *handlers.StripeWebhookHandler
	FakeCheckout        *payments.FakeCheckoutHandler
	AuthSecret          string
	CORSAllowedOrigins  []string
	IntentLimiter       *httpmiddleware.RateLimiter
	MetricsHandler      http.Handler

	// Health is pinged by /health when set.
	Health Pinger
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (payment provider callbacks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.Health))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.RedirectHandler != nil {
			public.Get("/payments/success", cfg.RedirectHandler.HandleSuccess)
		}
		if cfg.WebhookHandler != nil {
			public.Post("/webhooks/stripe", cfg.WebhookHandler.Handle)
		}
		if cfg.FakeCheckout != nil {
			public.Mount("/payments/fake", cfg.FakeCheckout.Routes())
		}
	})

	if cfg.AppointmentsHandler != nil {
		var intentLimit func(http.Handler) http.Handler
		if cfg.IntentLimiter != nil {
			intentLimit = httpmiddleware.RateLimit(cfg.IntentLimiter)
		}
		r.Route("/api/appointments", func(api chi.Router) {
			api.Use(httpmiddleware.RequesterAuth(cfg.AuthSecret))
			cfg.AppointmentsHandler.Register(api, intentLimit)
		})
	}

	return r
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
