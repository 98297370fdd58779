package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/payments"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

type sweepStore interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]appointments.Appointment, error)
	ListConfirmedOnOrBefore(ctx context.Context, date time.Time, limit int) ([]appointments.Appointment, error)
}

type sweepMachine interface {
	TimeoutPayment(ctx context.Context, id uuid.UUID, reason string) (*appointments.Appointment, error)
	MarkNoShow(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
}

type paymentReconciler interface {
	Reconcile(ctx context.Context, token string, draft appointments.Draft) (*appointments.Appointment, error)
}

// SweepConfig bounds one sweep.
type SweepConfig struct {
	PendingTTL    time.Duration
	NoShowGrace   time.Duration
	VerifyTimeout time.Duration
	BatchSize     int
	Location      *time.Location
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Confirmed int
	Expired   int
	NoShows   int
	Skipped   int
}

// Sweeper settles pending payments nobody reconciled and marks missed
// appointments as no-shows.
type Sweeper struct {
	store      sweepStore
	machine    sweepMachine
	reconciler paymentReconciler
	gateway    payments.Gateway
	cfg        SweepConfig
	logger     *logging.Logger
	now        func() time.Time
}

func NewSweeper(store sweepStore, machine sweepMachine, reconciler paymentReconciler, gateway payments.Gateway, cfg SweepConfig, logger *logging.Logger) *Sweeper {
	if store == nil || machine == nil || reconciler == nil || gateway == nil {
		panic("reconcile: sweeper dependencies required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 30 * time.Minute
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Sweeper{
		store:      store,
		machine:    machine,
		reconciler: reconciler,
		gateway:    gateway,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now().UTC()

	stale, err := s.store.ListStalePending(ctx, now.Add(-s.cfg.PendingTTL), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("reconcile: list stale pending: %w", err)
	}
	for _, appt := range stale {
		switch s.settlePending(ctx, appt) {
		case outcomeConfirmed:
			res.Confirmed++
		case outcomeNotPaid:
			res.Expired++
		default:
			res.Skipped++
		}
	}

	confirmed, err := s.store.ListConfirmedOnOrBefore(ctx, now.In(s.cfg.Location), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("reconcile: list confirmed: %w", err)
	}
	for _, appt := range confirmed {
		if now.Before(appt.Start(s.cfg.Location).Add(s.cfg.NoShowGrace)) {
			continue
		}
		if _, err := s.machine.MarkNoShow(ctx, appt.ID); err != nil {
			s.logger.Warn("sweep: mark no-show failed", "appointment_id", appt.ID, "error", err)
			res.Skipped++
			continue
		}
		res.NoShows++
	}

	if res != (SweepResult{}) {
		s.logger.Info("sweep completed", "confirmed", res.Confirmed, "expired", res.Expired, "no_shows", res.NoShows, "skipped", res.Skipped)
	}
	return res, nil
}

func (s *Sweeper) settlePending(ctx context.Context, appt appointments.Appointment) string {
	if appt.PaymentSessionID == "" {
		return s.expire(ctx, appt, "payment session never opened")
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	v, err := s.gateway.Verify(vctx, appt.PaymentSessionID)
	cancel()
	switch {
	case errors.Is(err, payments.ErrSessionNotFound):
		return s.expire(ctx, appt, "payment session not found")
	case err != nil:
		s.logger.Warn("sweep: verification unavailable, retrying next run", "appointment_id", appt.ID, "error", err)
		return outcomeVerifyFailed
	case !v.Paid():
		return s.expire(ctx, appt, "payment not received in time")
	}

	draft := appointments.Draft{
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		Slot:          appt.Slot(),
		Mode:          appt.Mode,
		Type:          appt.Type,
		Notes:         appt.Notes,
	}
	if _, err := s.reconciler.Reconcile(ctx, appt.PaymentSessionID, draft); err != nil {
		s.logger.Warn("sweep: reconcile failed", "appointment_id", appt.ID, "error", err)
		return outcomeError
	}
	return outcomeConfirmed
}

func (s *Sweeper) expire(ctx context.Context, appt appointments.Appointment, reason string) string {
	if _, err := s.machine.TimeoutPayment(ctx, appt.ID, reason); err != nil {
		s.logger.Warn("sweep: payment timeout failed", "appointment_id", appt.ID, "error", err)
		return outcomeError
	}
	return outcomeNotPaid
}
