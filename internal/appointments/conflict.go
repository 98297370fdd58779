package appointments

import (
	"time"

	"github.com/google/uuid"
)

// Candidate is a slot someone wants to hold.
type Candidate struct {
	// ExcludeID is the appointment being confirmed or moved; its own row never conflicts.
	ExcludeID uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      time.Time
	Time      TimeOfDay
}

// CandidateFor builds the candidate that re-checks an existing appointment at slot.
func CandidateFor(appt Appointment, slot Slot) Candidate {
	return Candidate{
		ExcludeID: appt.ID,
		DoctorID:  appt.DoctorID,
		PatientID: appt.PatientID,
		Date:      slot.Date,
		Time:      slot.Time,
	}
}

// Result is the outcome of a conflict check.
type Result struct {
	OK      bool
	Reasons []string
}

// Err converts a failed result into a *SlotConflictError.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &SlotConflictError{Reasons: append([]string(nil), r.Reasons...)}
}

// ConflictValidator decides whether a candidate slot is bookable.
type ConflictValidator struct{}

// Validate checks candidate against existing, which must hold the day's
// non-cancelled appointments for the candidate's doctor and patient.
func (ConflictValidator) Validate(candidate Candidate, existing []Appointment) Result {
	date := DateOf(candidate.Date)
	var doctorClash, patientClash bool
	for _, appt := range existing {
		if appt.Status == StatusCancelled {
			continue
		}
		if candidate.ExcludeID != uuid.Nil && appt.ID == candidate.ExcludeID {
			continue
		}
		if !DateOf(appt.Date).Equal(date) {
			continue
		}
		if appt.DoctorID == candidate.DoctorID && appt.Time == candidate.Time {
			doctorClash = true
		}
		if appt.PatientID == candidate.PatientID {
			patientClash = true
		}
	}

	res := Result{OK: !doctorClash && !patientClash}
	if doctorClash {
		res.Reasons = append(res.Reasons, ReasonSlotUnavailable)
	}
	if patientClash {
		res.Reasons = append(res.Reasons, ReasonPatientBooked)
	}
	return res
}
