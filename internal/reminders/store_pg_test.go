package reminders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreInsertIfAbsent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock)
	r := Schedule(confirmedAppointment(t, "2024-03-21", "10:00"), time.UTC, MethodEmail)[0]

	mock.ExpectExec("INSERT INTO reminders").
		WithArgs(r.ID, r.AppointmentID, r.ScheduledFor, "24h", "email", r.NextAttemptAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reminders").
		WithArgs(r.ID, r.AppointmentID, r.ScheduledFor, "24h", "email", r.NextAttemptAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := store.InsertIfAbsent(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.InsertIfAbsent(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreClaimDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2024, 3, 20, 10, 5, 0, 0, time.UTC)
	id, apptID := uuid.New(), uuid.New()
	scheduled := time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "appointment_id", "scheduled_for", "kind", "method", "status", "attempts", "last_error", "next_attempt_at", "sent_at", "created_at", "updated_at"}).
		AddRow(id, apptID, scheduled, "24h", "sms", "pending", 1, (*string)(nil), now.Add(5*time.Minute), (*time.Time)(nil), scheduled, now)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, now.Add(5*time.Minute), 10).
		WillReturnRows(rows)

	got, err := NewPostgresStore(mock).ClaimDue(context.Background(), now, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, Kind24h, got[0].Kind)
	assert.Equal(t, MethodSMS, got[0].Method)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Empty(t, got[0].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMarkSentRequiresPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	at := time.Now().UTC()
	mock.ExpectExec("UPDATE reminders SET status = 'sent'").
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewPostgresStore(mock).MarkSent(context.Background(), id, at)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
