package appointments

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local runs.
// WithinSlotLock holds one mutex for the whole unit of work and commits the
// staged rows only when fn succeeds.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Appointment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[uuid.UUID]Appointment)}
}

// Seed stores appt as-is, bypassing the state machine.
func (r *MemoryRepository) Seed(appt Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if appt.Version == 0 {
		appt.Version = 1
	}
	r.rows[appt.ID] = appt.Clone()
}

func (r *MemoryRepository) WithinSlotLock(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{base: r.rows, staged: make(map[uuid.UUID]Appointment)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, appt := range tx.staged {
		r.rows[id] = appt
	}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := appt.Clone()
	return &out, nil
}

func (r *MemoryRepository) FindActive(ctx context.Context, doctorID, patientID uuid.UUID, slot Slot) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{base: r.rows}
	return tx.FindActive(ctx, doctorID, patientID, slot)
}

func (r *MemoryRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, appt := range r.rows {
		if appt.Status == StatusPendingPayment && appt.CreatedAt.Before(cutoff) {
			out = append(out, appt.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (r *MemoryRepository) ListConfirmedOnOrBefore(ctx context.Context, date time.Time, limit int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := DateOf(date)
	var out []Appointment
	for _, appt := range r.rows {
		if appt.Status == StatusConfirmed && !DateOf(appt.Date).After(day) {
			out = append(out, appt.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Time < out[j].Time
	})
	return truncate(out, limit), nil
}

func truncate(list []Appointment, limit int) []Appointment {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

type memoryTx struct {
	base   map[uuid.UUID]Appointment
	staged map[uuid.UUID]Appointment
}

func (tx *memoryTx) lookup(id uuid.UUID) (Appointment, bool) {
	if appt, ok := tx.staged[id]; ok {
		return appt, true
	}
	appt, ok := tx.base[id]
	return appt, ok
}

func (tx *memoryTx) each(fn func(Appointment)) {
	for id, appt := range tx.base {
		if staged, ok := tx.staged[id]; ok {
			appt = staged
		}
		fn(appt)
	}
	for id, appt := range tx.staged {
		if _, ok := tx.base[id]; !ok {
			fn(appt)
		}
	}
}

func (tx *memoryTx) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, ok := tx.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	out := appt.Clone()
	return &out, nil
}

func (tx *memoryTx) FindActive(ctx context.Context, doctorID, patientID uuid.UUID, slot Slot) (*Appointment, error) {
	var found *Appointment
	day := DateOf(slot.Date)
	tx.each(func(appt Appointment) {
		if found != nil || appt.Status == StatusCancelled {
			return
		}
		if appt.DoctorID == doctorID && appt.PatientID == patientID && DateOf(appt.Date).Equal(day) && appt.Time == slot.Time {
			out := appt.Clone()
			found = &out
		}
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (tx *memoryTx) ListActiveOnDate(ctx context.Context, date time.Time, doctorID, patientID uuid.UUID) ([]Appointment, error) {
	day := DateOf(date)
	var out []Appointment
	tx.each(func(appt Appointment) {
		if appt.Status == StatusCancelled || !DateOf(appt.Date).Equal(day) {
			return
		}
		if appt.DoctorID == doctorID || appt.PatientID == patientID {
			out = append(out, appt.Clone())
		}
	})
	return out, nil
}

func (tx *memoryTx) Insert(ctx context.Context, appt *Appointment) error {
	if _, exists := tx.lookup(appt.ID); exists {
		return fmt.Errorf("appointments: insert %s: duplicate id", appt.ID)
	}
	if err := tx.checkUnique(*appt); err != nil {
		return err
	}
	appt.Version = 1
	tx.staged[appt.ID] = appt.Clone()
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, appt *Appointment) error {
	current, ok := tx.lookup(appt.ID)
	if !ok {
		return ErrNotFound
	}
	if current.Version != appt.Version {
		return ErrConcurrentUpdate
	}
	if err := tx.checkUnique(*appt); err != nil {
		return err
	}
	appt.Version++
	tx.staged[appt.ID] = appt.Clone()
	return nil
}

// checkUnique mirrors the partial unique index on active doctor slots.
func (tx *memoryTx) checkUnique(appt Appointment) error {
	if appt.Status == StatusCancelled {
		return nil
	}
	var clash bool
	day := DateOf(appt.Date)
	tx.each(func(other Appointment) {
		if other.ID == appt.ID || other.Status == StatusCancelled {
			return
		}
		if other.DoctorID == appt.DoctorID && other.Time == appt.Time && DateOf(other.Date).Equal(day) {
			clash = true
		}
	})
	if clash {
		return &SlotConflictError{Reasons: []string{ReasonSlotUnavailable}}
	}
	return nil
}
