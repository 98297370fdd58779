package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfman30/telecare-booking/internal/database"
)

const claimColumns = `key, state, owner, appointment_id, reason, expires_at, updated_at`

// PostgresClaimStore keeps claims in the payment_claims table.
type PostgresClaimStore struct {
	db database.Querier
}

func NewPostgresClaimStore(db database.Querier) *PostgresClaimStore {
	if db == nil {
		panic("reconcile: pgx pool required")
	}
	return &PostgresClaimStore{db: db}
}

func (s *PostgresClaimStore) TryClaim(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (Claim, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO payment_claims (key, state, owner, expires_at, created_at, updated_at)
		VALUES ($1, 'claimed', $2, $3, $4, $4)
		ON CONFLICT (key) DO UPDATE SET
			state = 'claimed',
			owner = EXCLUDED.owner,
			appointment_id = NULL,
			reason = NULL,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE payment_claims.state = 'failed'
		   OR (payment_claims.state = 'claimed' AND payment_claims.expires_at <= $4)
		RETURNING `+claimColumns, key, owner, now.Add(ttl), now)
	claim, err := scanClaim(row)
	if err == nil {
		return claim, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, false, fmt.Errorf("reconcile: try claim: %w", err)
	}

	current, err := scanClaim(s.db.QueryRow(ctx, `SELECT `+claimColumns+` FROM payment_claims WHERE key = $1`, key))
	if err != nil {
		return Claim{}, false, fmt.Errorf("reconcile: load claim: %w", err)
	}
	return current, false, nil
}

func (s *PostgresClaimStore) Complete(ctx context.Context, key, owner string, appointmentID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_claims SET state = 'completed', appointment_id = $3, updated_at = now()
		WHERE key = $1 AND owner = $2 AND state = 'claimed'`, key, owner, appointmentID)
	if err != nil {
		return fmt.Errorf("reconcile: complete claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresClaimStore) Fail(ctx context.Context, key, owner, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_claims SET state = 'failed', reason = $3, updated_at = now()
		WHERE key = $1 AND owner = $2 AND state = 'claimed'`, key, owner, reason)
	if err != nil {
		return fmt.Errorf("reconcile: fail claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func scanClaim(row pgx.Row) (Claim, error) {
	var (
		c             Claim
		state         string
		appointmentID *uuid.UUID
		reason        *string
	)
	if err := row.Scan(&c.Key, &state, &c.Owner, &appointmentID, &reason, &c.ExpiresAt, &c.UpdatedAt); err != nil {
		return Claim{}, err
	}
	c.State = ClaimState(state)
	if appointmentID != nil {
		c.AppointmentID = *appointmentID
	}
	if reason != nil {
		c.Reason = *reason
	}
	return c, nil
}
