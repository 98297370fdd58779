package appointments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Tx is the view of the store inside a slot-locked unit of work.
type Tx interface {
	// Get loads an appointment for update.
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// FindActive returns the non-cancelled appointment matching all four fields.
	FindActive(ctx context.Context, doctorID, patientID uuid.UUID, slot Slot) (*Appointment, error)
	// ListActiveOnDate returns non-cancelled appointments on date for the doctor or the patient.
	ListActiveOnDate(ctx context.Context, date time.Time, doctorID, patientID uuid.UUID) ([]Appointment, error)
	Insert(ctx context.Context, appt *Appointment) error
	// Update persists appt if its Version still matches and bumps Version.
	Update(ctx context.Context, appt *Appointment) error
}

// Repository stores appointments. All writes go through WithinSlotLock.
type Repository interface {
	// WithinSlotLock runs fn in one transaction serialized on keys.
	WithinSlotLock(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindActive(ctx context.Context, doctorID, patientID uuid.UUID, slot Slot) (*Appointment, error)
	// ListStalePending returns pending_payment appointments created before cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Appointment, error)
	// ListConfirmedOnOrBefore returns confirmed appointments dated on or before date.
	ListConfirmedOnOrBefore(ctx context.Context, date time.Time, limit int) ([]Appointment, error)
}

// SlotKeys returns the sorted lock keys covering the doctor and patient days.
func SlotKeys(doctorID, patientID uuid.UUID, dates ...time.Time) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, d := range dates {
		day := FormatDate(DateOf(d))
		for _, k := range []string{
			fmt.Sprintf("doctor:%s:%s", doctorID, day),
			fmt.Sprintf("patient:%s:%s", patientID, day),
		} {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
