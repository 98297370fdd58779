package appointments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestPostgresInsertMapsActiveSlotViolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	repo := NewPostgresRepository(mock)
	appt := Appointment{
		ID: uuid.New(), DoctorID: uuid.New(), PatientID: uuid.New(),
		Date: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), Time: 540,
		Mode: ModeRemote, Type: TypeConsultation, Status: StatusPendingPayment, PaymentStatus: PaymentUnpaid,
	}
	keys := SlotKeys(appt.DoctorID, appt.PatientID, appt.Date)

	mock.ExpectBegin()
	for _, key := range keys {
		mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(key).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	}
	mock.ExpectExec("INSERT INTO appointments").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "appointments_active_slot_idx"})
	mock.ExpectRollback()

	err = repo.WithinSlotLock(context.Background(), keys, func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, &appt)
	})
	if !IsConflict(err) {
		t.Fatalf("expected slot conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateDetectsStaleVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	repo := NewPostgresRepository(mock)
	appt := Appointment{ID: uuid.New(), Date: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), Status: StatusCancelled, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appointments SET").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = repo.WithinSlotLock(context.Background(), nil, func(ctx context.Context, tx Tx) error {
		return tx.Update(ctx, &appt)
	})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}
	if appt.Version != 3 {
		t.Fatalf("version must not move on a failed update, got %d", appt.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	repo := NewPostgresRepository(mock)
	missing := uuid.New()
	mock.ExpectQuery("SELECT").WithArgs(missing).WillReturnError(pgx.ErrNoRows)
	if _, err := repo.Get(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	id, doctor, patient := uuid.New(), uuid.New(), uuid.New()
	now := time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)
	token := "cs_123"
	rows := pgxmock.NewRows([]string{
		"id", "doctor_id", "patient_id", "appointment_date", "appointment_time", "mode", "type", "notes",
		"status", "payment_status", "payment_session_id", "payment_token", "reschedule_count",
		"cancelled_at", "cancelled_by", "cancellation_reason", "version", "created_at", "updated_at",
	}).AddRow(
		id, doctor, patient, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		pgtype.Time{Microseconds: int64(9*time.Hour/time.Microsecond) + int64(30*time.Minute/time.Microsecond), Valid: true},
		"remote", "consultation", "first visit",
		"confirmed", "paid", "cs_123", &token, 1,
		(*time.Time)(nil), (*uuid.UUID)(nil), (*string)(nil), int64(4), now, now,
	)
	mock.ExpectQuery("SELECT").WithArgs(id).WillReturnRows(rows)

	appt, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if appt.Status != StatusConfirmed || appt.Time.String() != "09:30" || appt.Version != 4 {
		t.Fatalf("unexpected appointment %#v", appt)
	}
	if appt.PaymentToken == nil || *appt.PaymentToken != token {
		t.Fatalf("expected payment token, got %v", appt.PaymentToken)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSlotKeysSortedAndDeduplicated(t *testing.T) {
	doctor, patient := uuid.New(), uuid.New()
	day := time.Date(2024, 4, 1, 15, 0, 0, 0, time.UTC)
	keys := SlotKeys(doctor, patient, day, day.AddDate(0, 0, 1), day)
	if len(keys) != 4 {
		t.Fatalf("expected 4 keys, got %v", keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not sorted: %v", keys)
		}
	}
}
