package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

var kinds = []Kind{Kind24h, Kind2h}

// Schedule derives the reminder timeline for appt: one 24h and one 2h
// reminder relative to its start in loc. Ids are derived from the
// appointment and kind, so repeated calls return identical reminders.
func Schedule(appt appointments.Appointment, loc *time.Location, method Method) []Reminder {
	start := appt.Start(loc).UTC()
	out := make([]Reminder, 0, len(kinds))
	for _, kind := range kinds {
		at := start.Add(-kind.Offset())
		out = append(out, Reminder{
			ID:            reminderID(appt.ID, kind),
			AppointmentID: appt.ID,
			ScheduledFor:  at,
			Kind:          kind,
			Method:        method,
			Status:        StatusPending,
			NextAttemptAt: at,
		})
	}
	return out
}

func reminderID(appointmentID uuid.UUID, kind Kind) uuid.UUID {
	return uuid.NewSHA1(appointmentID, []byte("reminder:"+string(kind)))
}

// Store persists reminders.
type Store interface {
	// InsertIfAbsent stores r unless one exists for (appointment_id, kind).
	InsertIfAbsent(ctx context.Context, r Reminder) (bool, error)
	// ClaimDue leases up to limit due pending reminders until now+lease and counts the attempt.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Reminder, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error
	// Retime moves a pending reminder to a new fire time and resets its attempts.
	Retime(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Reminder, error)
}

// Scheduler materializes reminders when an appointment is confirmed.
type Scheduler struct {
	store  Store
	loc    *time.Location
	method Method
	logger *logging.Logger
}

func NewScheduler(store Store, loc *time.Location, method Method, logger *logging.Logger) *Scheduler {
	if store == nil {
		panic("reminders: store required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{store: store, loc: loc, method: method, logger: logger}
}

// Plan stores the appointment's reminders; calling it again is a no-op.
func (s *Scheduler) Plan(ctx context.Context, appt appointments.Appointment) error {
	created := 0
	for _, r := range Schedule(appt, s.loc, s.method) {
		ok, err := s.store.InsertIfAbsent(ctx, r)
		if err != nil {
			return fmt.Errorf("reminders: plan %s: %w", r.Kind, err)
		}
		if ok {
			created++
		}
	}
	s.logger.Debug("reminders planned", "appointment_id", appt.ID, "created", created)
	return nil
}
