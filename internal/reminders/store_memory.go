package reminders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Reminder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]Reminder)}
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, r Reminder) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rows {
		if existing.AppointmentID == r.AppointmentID && existing.Kind == r.Kind {
			return false, nil
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.Status = StatusPending
	r.Attempts = 0
	r.CreatedAt = now
	r.UpdatedAt = now
	s.rows[r.ID] = r
	return true, nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Reminder
	for _, r := range s.rows {
		if r.Status == StatusPending && !r.ScheduledFor.After(now) && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Attempts++
		due[i].NextAttemptAt = now.Add(lease)
		due[i].UpdatedAt = now
		s.rows[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.update(id, func(r *Reminder) {
		r.Status = StatusSent
		r.SentAt = &at
		r.LastError = ""
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error {
	return s.update(id, func(r *Reminder) {
		r.Status = StatusFailed
		r.LastError = lastErr
	})
}

func (s *MemoryStore) ScheduleRetry(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	return s.update(id, func(r *Reminder) {
		r.NextAttemptAt = next
		r.LastError = lastErr
	})
}

func (s *MemoryStore) Retime(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error {
	return s.update(id, func(r *Reminder) {
		r.ScheduledFor = scheduledFor
		r.NextAttemptAt = scheduledFor
		r.Attempts = 0
		r.LastError = ""
	})
}

func (s *MemoryStore) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reminder
	for _, r := range s.rows {
		if r.AppointmentID == appointmentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *MemoryStore) update(id uuid.UUID, fn func(*Reminder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("reminders: no reminder with id %s", id)
	}
	if r.Status != StatusPending {
		return nil
	}
	fn(&r)
	r.UpdatedAt = time.Now().UTC()
	s.rows[id] = r
	return nil
}
