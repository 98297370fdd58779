package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryClaimStore keeps claims in process.
type MemoryClaimStore struct {
	mu     sync.Mutex
	claims map[string]Claim
}

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{claims: make(map[string]Claim)}
}

func (s *MemoryClaimStore) TryClaim(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.claims[key]; ok && !current.Takeable(now) {
		return current, false, nil
	}
	c := Claim{Key: key, State: ClaimClaimed, Owner: owner, ExpiresAt: now.Add(ttl), UpdatedAt: now}
	s.claims[key] = c
	return c, true, nil
}

func (s *MemoryClaimStore) Complete(ctx context.Context, key, owner string, appointmentID uuid.UUID) error {
	return s.settle(key, owner, func(c *Claim) {
		c.State = ClaimCompleted
		c.AppointmentID = appointmentID
	})
}

func (s *MemoryClaimStore) Fail(ctx context.Context, key, owner, reason string) error {
	return s.settle(key, owner, func(c *Claim) {
		c.State = ClaimFailed
		c.Reason = reason
	})
}

// Get returns the stored claim for key.
func (s *MemoryClaimStore) Get(key string) (Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[key]
	return c, ok
}

func (s *MemoryClaimStore) settle(key, owner string, fn func(*Claim)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[key]
	if !ok || c.Owner != owner || c.State != ClaimClaimed {
		return ErrClaimLost
	}
	fn(&c)
	c.UpdatedAt = time.Now().UTC()
	s.claims[key] = c
	return nil
}
