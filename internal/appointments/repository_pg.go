package appointments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/wolfman30/telecare-booking/internal/database"
)

const (
	activeSlotConstraint = "appointments_active_slot_idx"
	uniqueViolation      = "23505"
)

const appointmentColumns = `
	id, doctor_id, patient_id, appointment_date, appointment_time, mode, type, notes,
	status, payment_status, payment_session_id, payment_token, reschedule_count,
	cancelled_at, cancelled_by, cancellation_reason, version, created_at, updated_at`

type pgPool interface {
	database.Querier
	database.TxBeginner
}

// PostgresRepository stores appointments in Postgres. Slot locks are
// transaction-scoped advisory locks; the partial unique index on active
// doctor slots backs them.
type PostgresRepository struct {
	pool pgPool
}

func NewPostgresRepository(pool pgPool) *PostgresRepository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) WithinSlotLock(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return database.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		for _, key := range sorted {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
				return fmt.Errorf("appointments: lock %s: %w", key, err)
			}
		}
		return fn(ctx, &pgTx{q: tx})
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, database.Conn(ctx, r.pool), id, false)
}

func (r *PostgresRepository) FindActive(ctx context.Context, doctorID, patientID uuid.UUID, slot Slot) (*Appointment, error) {
	return findActive(ctx, database.Conn(ctx, r.pool), doctorID, patientID, slot)
}

func (r *PostgresRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Appointment, error) {
	query := `SELECT` + appointmentColumns + `
		FROM appointments
		WHERE status = 'pending_payment' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	return listAppointments(ctx, database.Conn(ctx, r.pool), query, cutoff, limit)
}

func (r *PostgresRepository) ListConfirmedOnOrBefore(ctx context.Context, date time.Time, limit int) ([]Appointment, error) {
	query := `SELECT` + appointmentColumns + `
		FROM appointments
		WHERE status = 'confirmed' AND appointment_date <= $1
		ORDER BY appointment_date, appointment_time
		LIMIT $2`
	return listAppointments(ctx, database.Conn(ctx, r.pool), query, DateOf(date), limit)
}

type pgTx struct {
	q database.Querier
}

func (tx *pgTx) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, tx.q, id, true)
}

func (tx *pgTx) FindActive(ctx context.Context, doctorID, patientID uuid.UUID, slot Slot) (*Appointment, error) {
	return findActive(ctx, tx.q, doctorID, patientID, slot)
}

func (tx *pgTx) ListActiveOnDate(ctx context.Context, date time.Time, doctorID, patientID uuid.UUID) ([]Appointment, error) {
	query := `SELECT` + appointmentColumns + `
		FROM appointments
		WHERE appointment_date = $1
		  AND status <> 'cancelled'
		  AND (doctor_id = $2 OR patient_id = $3)`
	return listAppointments(ctx, tx.q, query, DateOf(date), doctorID, patientID)
}

func (tx *pgTx) Insert(ctx context.Context, appt *Appointment) error {
	query := `
		INSERT INTO appointments (` + appointmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1, $17, $18)`
	_, err := tx.q.Exec(ctx, query,
		appt.ID, appt.DoctorID, appt.PatientID, DateOf(appt.Date), toPGTime(appt.Time),
		string(appt.Mode), string(appt.Type), appt.Notes, string(appt.Status), string(appt.PaymentStatus),
		appt.PaymentSessionID, appt.PaymentToken, appt.RescheduleCount,
		appt.CancelledAt, appt.CancelledBy, appt.CancellationReason, appt.CreatedAt, appt.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("insert", err)
	}
	appt.Version = 1
	return nil
}

func (tx *pgTx) Update(ctx context.Context, appt *Appointment) error {
	query := `
		UPDATE appointments SET
			appointment_date = $2,
			appointment_time = $3,
			status = $4,
			payment_status = $5,
			payment_session_id = $6,
			payment_token = $7,
			reschedule_count = $8,
			cancelled_at = $9,
			cancelled_by = $10,
			cancellation_reason = $11,
			updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $13`
	ct, err := tx.q.Exec(ctx, query,
		appt.ID, DateOf(appt.Date), toPGTime(appt.Time), string(appt.Status), string(appt.PaymentStatus),
		appt.PaymentSessionID, appt.PaymentToken, appt.RescheduleCount,
		appt.CancelledAt, appt.CancelledBy, appt.CancellationReason, appt.UpdatedAt, appt.Version,
	)
	if err != nil {
		return mapWriteError("update", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	appt.Version++
	return nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeSlotConstraint {
		return &SlotConflictError{Reasons: []string{ReasonSlotUnavailable}}
	}
	return fmt.Errorf("appointments: %s: %w", op, err)
}

func getAppointment(ctx context.Context, q database.Querier, id uuid.UUID, forUpdate bool) (*Appointment, error) {
	query := `SELECT` + appointmentColumns + ` FROM appointments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	appt, err := scanAppointment(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: get %s: %w", id, err)
	}
	return appt, nil
}

func findActive(ctx context.Context, q database.Querier, doctorID, patientID uuid.UUID, slot Slot) (*Appointment, error) {
	query := `SELECT` + appointmentColumns + `
		FROM appointments
		WHERE doctor_id = $1 AND patient_id = $2
		  AND appointment_date = $3 AND appointment_time = $4
		  AND status <> 'cancelled'
		LIMIT 1`
	appt, err := scanAppointment(q.QueryRow(ctx, query, doctorID, patientID, DateOf(slot.Date), toPGTime(slot.Time)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: find active: %w", err)
	}
	return appt, nil
}

func listAppointments(ctx context.Context, q database.Querier, query string, args ...any) ([]Appointment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appointments: list: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan: %w", err)
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		appt                          Appointment
		tod                           pgtype.Time
		mode, typ, raw, paymentStatus string
	)
	err := row.Scan(
		&appt.ID, &appt.DoctorID, &appt.PatientID, &appt.Date, &tod, &mode, &typ, &appt.Notes,
		&raw, &paymentStatus, &appt.PaymentSessionID, &appt.PaymentToken, &appt.RescheduleCount,
		&appt.CancelledAt, &appt.CancelledBy, &appt.CancellationReason, &appt.Version, &appt.CreatedAt, &appt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return nil, err
	}
	appt.Status = parsed
	appt.Mode = Mode(mode)
	appt.Type = Type(typ)
	appt.PaymentStatus = PaymentStatus(paymentStatus)
	appt.Time = fromPGTime(tod)
	appt.Date = DateOf(appt.Date)
	return &appt, nil
}

func toPGTime(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t.Duration() / time.Microsecond), Valid: true}
}

func fromPGTime(t pgtype.Time) TimeOfDay {
	if !t.Valid {
		return 0
	}
	return TimeOfDay(time.Duration(t.Microseconds) * time.Microsecond / time.Minute)
}
