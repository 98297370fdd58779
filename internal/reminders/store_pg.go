package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfman30/telecare-booking/internal/database"
)

const reminderColumns = `id, appointment_id, scheduled_for, kind, method, status, attempts, last_error, next_attempt_at, sent_at, created_at, updated_at`

// PostgresStore persists reminders in the reminders table. Writes join the
// transaction carried by ctx when there is one.
type PostgresStore struct {
	db database.Querier
}

func NewPostgresStore(db database.Querier) *PostgresStore {
	if db == nil {
		panic("reminders: pgx pool required")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, r Reminder) (bool, error) {
	now := time.Now().UTC()
	tag, err := database.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO reminders (id, appointment_id, scheduled_for, kind, method, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $7)
		ON CONFLICT (appointment_id, kind) DO NOTHING`,
		r.ID, r.AppointmentID, r.ScheduledFor, string(r.Kind), string(r.Method), r.NextAttemptAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("reminders: insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := database.Conn(ctx, s.db).Query(ctx, `
		UPDATE reminders SET attempts = attempts + 1, next_attempt_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM reminders
			WHERE status = 'pending' AND scheduled_for <= $1 AND next_attempt_at <= $1
			ORDER BY scheduled_for ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+reminderColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("reminders: claim due: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *PostgresStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := database.Conn(ctx, s.db).Exec(ctx, `
		UPDATE reminders SET status = 'sent', sent_at = $2, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return fmt.Errorf("reminders: mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminders: mark sent: no pending reminder with id %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := database.Conn(ctx, s.db).Exec(ctx, `
		UPDATE reminders SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, lastErr)
	if err != nil {
		return fmt.Errorf("reminders: mark failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	_, err := database.Conn(ctx, s.db).Exec(ctx, `
		UPDATE reminders SET next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, next, lastErr)
	if err != nil {
		return fmt.Errorf("reminders: schedule retry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Retime(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error {
	_, err := database.Conn(ctx, s.db).Exec(ctx, `
		UPDATE reminders SET scheduled_for = $2, next_attempt_at = $2, attempts = 0, last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, scheduledFor)
	if err != nil {
		return fmt.Errorf("reminders: retime: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Reminder, error) {
	rows, err := database.Conn(ctx, s.db).Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE appointment_id = $1
		ORDER BY scheduled_for ASC`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("reminders: list by appointment: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func scanReminders(rows pgx.Rows) ([]Reminder, error) {
	var out []Reminder
	for rows.Next() {
		var (
			r                    Reminder
			kind, method, status string
			lastErr              *string
		)
		if err := rows.Scan(&r.ID, &r.AppointmentID, &r.ScheduledFor, &kind, &method, &status,
			&r.Attempts, &lastErr, &r.NextAttemptAt, &r.SentAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("reminders: scan: %w", err)
		}
		r.Kind = Kind(kind)
		r.Method = Method(method)
		r.Status = Status(status)
		if lastErr != nil {
			r.LastError = *lastErr
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
