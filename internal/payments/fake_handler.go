package payments

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// FakeCheckoutHandler serves the demo checkout page for FakeGateway sessions.
// Only mount this handler when ALLOW_FAKE_PAYMENTS=true.
type FakeCheckoutHandler struct {
	gateway *FakeGateway
	logger  *logging.Logger
}

func NewFakeCheckoutHandler(gateway *FakeGateway, logger *logging.Logger) *FakeCheckoutHandler {
	if gateway == nil {
		panic("payments: fake gateway required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeCheckoutHandler{gateway: gateway, logger: logger}
}

func (h *FakeCheckoutHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{sessionID}", h.HandleCheckout)
	r.Post("/{sessionID}/complete", h.HandleComplete)
	r.Post("/{sessionID}/expire", h.HandleExpire)
	return r
}

func (h *FakeCheckoutHandler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	s, ok := h.gateway.session(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	amount := float64(s.params.AmountCents) / 100.0
	id := html.EscapeString(sessionID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>Demo Consultation Checkout</title>
    <style>
      body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:680px;margin:40px auto;padding:0 16px;}
      .card{border:1px solid #e5e7eb;border-radius:12px;padding:18px;}
      .btn{display:inline-block;background:#111827;color:#fff;padding:12px 16px;border-radius:10px;text-decoration:none;border:0;cursor:pointer;}
      .muted{color:#6b7280;font-size:14px;}
      code{background:#f3f4f6;padding:2px 6px;border-radius:6px;}
    </style>
  </head>
  <body>
    <h1>Demo Consultation Checkout</h1>
    <div class="card">
      <p><strong>Appointment:</strong> %s %s</p>
      <p><strong>Amount:</strong> $%.2f</p>
      <p class="muted">This is a demo-only payment page (no real payment is processed).</p>
      <form method="POST" action="/payments/fake/%s/complete">
        <button class="btn" type="submit">Pay</button>
      </form>
      <p class="muted">Session: <code>%s</code></p>
    </div>
  </body>
</html>`, html.EscapeString(s.params.Date), html.EscapeString(s.params.Time), amount, id, id)
}

func (h *FakeCheckoutHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	next, err := h.gateway.Complete(sessionID)
	if err != nil {
		h.writeSettleError(w, sessionID, err)
		return
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func (h *FakeCheckoutHandler) HandleExpire(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if err := h.gateway.Expire(sessionID); err != nil {
		h.writeSettleError(w, sessionID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FakeCheckoutHandler) writeSettleError(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	h.logger.Error("fake checkout settle failed", "error", err, "session_id", sessionID)
	http.Error(w, "failed to complete payment", http.StatusInternalServerError)
}
