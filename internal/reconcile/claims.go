package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/telecare-booking/internal/appointments"
)

// ClaimState is the lifecycle of an idempotency claim.
type ClaimState string

const (
	ClaimClaimed   ClaimState = "claimed"
	ClaimCompleted ClaimState = "completed"
	ClaimFailed    ClaimState = "failed"
)

// Claim records who is reconciling a payment key and how it ended.
type Claim struct {
	Key           string
	State         ClaimState
	Owner         string
	AppointmentID uuid.UUID
	Reason        string
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}

// Takeable reports whether a new attempt may take the claim over at now.
func (c Claim) Takeable(now time.Time) bool {
	switch c.State {
	case ClaimFailed:
		return true
	case ClaimClaimed:
		return !now.Before(c.ExpiresAt)
	default:
		return false
	}
}

// ClaimStore persists idempotency claims.
type ClaimStore interface {
	// TryClaim atomically takes key for owner unless it is completed or held
	// and unexpired. When acquired is false the current claim is returned.
	TryClaim(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (claim Claim, acquired bool, err error)
	// Complete marks the owner's claim completed with the appointment id.
	Complete(ctx context.Context, key, owner string, appointmentID uuid.UUID) error
	// Fail releases the owner's claim so the key can be retried.
	Fail(ctx context.Context, key, owner, reason string) error
}

// ClaimKey is the payment token, or a digest of the draft's slot identity
// when no token is available.
func ClaimKey(token string, draft appointments.Draft) string {
	if t := strings.TrimSpace(token); t != "" {
		return t
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		draft.DoctorID.String(),
		draft.PatientID.String(),
		appointments.FormatDate(draft.Slot.Date),
		draft.Slot.Time.String(),
	}, "|")))
	return "fallback:" + hex.EncodeToString(sum[:])
}
