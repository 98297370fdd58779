package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/observability/metrics"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// Sender delivers one reminder. It returns StatusSent on delivery and
// StatusFailed when the provider permanently rejected it; an error means
// the attempt may be retried.
type Sender interface {
	Send(ctx context.Context, r Reminder, appt appointments.Appointment) (Status, error)
}

// AppointmentReader loads the appointment a reminder belongs to.
type AppointmentReader interface {
	Get(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
}

// Worker dispatches due reminders.
type Worker struct {
	store       Store
	appts       AppointmentReader
	sender      Sender
	logger      *logging.Logger
	metrics     *metrics.BookingMetrics
	loc         *time.Location
	batchSize   int
	interval    time.Duration
	lease       time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

func NewWorker(store Store, appts AppointmentReader, sender Sender, loc *time.Location, logger *logging.Logger) *Worker {
	if store == nil || appts == nil || sender == nil {
		panic("reminders: store, appointment reader and sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Worker{
		store:       store,
		appts:       appts,
		sender:      sender,
		logger:      logger,
		loc:         loc,
		batchSize:   50,
		interval:    time.Minute,
		lease:       5 * time.Minute,
		maxAttempts: 5,
		baseDelay:   time.Minute,
		maxDelay:    30 * time.Minute,
		now:         time.Now,
	}
}

func (w *Worker) WithMetrics(m *metrics.BookingMetrics) *Worker {
	w.metrics = m
	return w
}

func (w *Worker) WithInterval(interval time.Duration) *Worker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *Worker) WithMaxAttempts(n int) *Worker {
	if n > 0 {
		w.maxAttempts = n
	}
	return w
}

func (w *Worker) WithBackoff(base, max time.Duration) *Worker {
	if base > 0 {
		w.baseDelay = base
	}
	if max > 0 {
		w.maxDelay = max
	}
	return w
}

func (w *Worker) WithClock(now func() time.Time) *Worker {
	if now != nil {
		w.now = now
	}
	return w
}

// Run processes due reminders on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessDue(ctx); err != nil {
				w.logger.Error("reminder worker: process due failed", "error", err)
			}
		}
	}
}

// ProcessDue claims due reminders and dispatches them. It returns the number
// of reminders handled.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	now := w.now().UTC()
	due, err := w.store.ClaimDue(ctx, now, w.lease, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("reminders worker: claim due: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	w.logger.Info("reminder worker: processing due reminders", "count", len(due))

	processed := 0
	for _, r := range due {
		outcome, err := w.processOne(ctx, now, r)
		if err != nil {
			w.logger.Error("reminder worker: failed to process reminder", "id", r.ID, "error", err)
			continue
		}
		w.metrics.ObserveReminder(string(r.Kind), outcome)
		processed++
	}
	return processed, nil
}

func (w *Worker) processOne(ctx context.Context, now time.Time, r Reminder) (string, error) {
	appt, err := w.appts.Get(ctx, r.AppointmentID)
	if errors.Is(err, appointments.ErrNotFound) {
		return "failed", w.store.MarkFailed(ctx, r.ID, "appointment not found")
	}
	if err != nil {
		return "", fmt.Errorf("load appointment: %w", err)
	}
	if appt.Status != appointments.StatusConfirmed {
		return "failed", w.store.MarkFailed(ctx, r.ID, "appointment is "+string(appt.Status))
	}

	start := appt.Start(w.loc)
	due := start.Add(-r.Kind.Offset())
	if !due.Equal(r.ScheduledFor) && due.After(now) {
		w.logger.Info("reminder worker: appointment moved, retiming reminder",
			"id", r.ID, "kind", r.Kind, "scheduled_for", due)
		return "retimed", w.store.Retime(ctx, r.ID, due)
	}
	if start.Sub(now) < r.Kind.Offset()/2 {
		return "failed", w.store.MarkFailed(ctx, r.ID, "reminder window passed")
	}

	status, sendErr := w.sender.Send(ctx, r, *appt)
	if sendErr != nil {
		if r.Attempts >= w.maxAttempts {
			return "failed", w.store.MarkFailed(ctx, r.ID, sendErr.Error())
		}
		next := now.Add(w.nextDelay(r.Attempts))
		w.logger.Warn("reminder worker: send failed, retry scheduled",
			"id", r.ID, "attempts", r.Attempts, "next_attempt_at", next, "error", sendErr)
		return "retry", w.store.ScheduleRetry(ctx, r.ID, next, sendErr.Error())
	}
	if status == StatusFailed {
		return "failed", w.store.MarkFailed(ctx, r.ID, "rejected by provider")
	}
	return "sent", w.store.MarkSent(ctx, r.ID, now)
}

func (w *Worker) nextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		return w.maxDelay
	}
	delay := w.baseDelay * time.Duration(1<<attempts)
	if delay > w.maxDelay {
		delay = w.maxDelay
	}
	return delay
}
