package appointments

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func mustDate(t *testing.T, raw string) time.Time {
	t.Helper()
	d, err := ParseDate(raw)
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	return d
}

func mustTime(t *testing.T, raw string) TimeOfDay {
	t.Helper()
	tod, err := ParseTimeOfDay(raw)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return tod
}

func TestConflictValidator(t *testing.T) {
	doctor, otherDoctor := uuid.New(), uuid.New()
	patient, otherPatient := uuid.New(), uuid.New()
	day := mustDate(t, "2024-04-01")
	nine := mustTime(t, "09:00")
	ten := mustTime(t, "10:00")

	booked := Appointment{ID: uuid.New(), DoctorID: doctor, PatientID: otherPatient, Date: day, Time: nine, Status: StatusConfirmed}
	samePatient := Appointment{ID: uuid.New(), DoctorID: otherDoctor, PatientID: patient, Date: day, Time: ten, Status: StatusPendingPayment}

	tests := []struct {
		name      string
		candidate Candidate
		existing  []Appointment
		reasons   []string
	}{
		{
			name:      "free slot",
			candidate: Candidate{DoctorID: doctor, PatientID: patient, Date: day, Time: ten},
			existing:  []Appointment{booked},
		},
		{
			name:      "doctor double booking",
			candidate: Candidate{DoctorID: doctor, PatientID: patient, Date: day, Time: nine},
			existing:  []Appointment{booked},
			reasons:   []string{ReasonSlotUnavailable},
		},
		{
			name:      "patient already booked with another doctor",
			candidate: Candidate{DoctorID: doctor, PatientID: patient, Date: day, Time: mustTime(t, "11:30")},
			existing:  []Appointment{samePatient},
			reasons:   []string{ReasonPatientBooked},
		},
		{
			name:      "both rules",
			candidate: Candidate{DoctorID: doctor, PatientID: patient, Date: day, Time: nine},
			existing:  []Appointment{booked, samePatient},
			reasons:   []string{ReasonSlotUnavailable, ReasonPatientBooked},
		},
		{
			name:      "cancelled entries ignored",
			candidate: Candidate{DoctorID: doctor, PatientID: patient, Date: day, Time: nine},
			existing:  []Appointment{{ID: uuid.New(), DoctorID: doctor, PatientID: otherPatient, Date: day, Time: nine, Status: StatusCancelled}},
		},
		{
			name:      "excluded appointment ignored",
			candidate: Candidate{ExcludeID: samePatient.ID, DoctorID: otherDoctor, PatientID: patient, Date: day, Time: ten},
			existing:  []Appointment{samePatient},
		},
		{
			name:      "other dates ignored",
			candidate: Candidate{DoctorID: doctor, PatientID: patient, Date: day.AddDate(0, 0, 1), Time: nine},
			existing:  []Appointment{booked, samePatient},
		},
	}

	var v ConflictValidator
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.candidate, tt.existing)
			if res.OK != (len(tt.reasons) == 0) {
				t.Fatalf("expected ok=%v, got %#v", len(tt.reasons) == 0, res)
			}
			if len(res.Reasons) != len(tt.reasons) {
				t.Fatalf("expected reasons %v, got %v", tt.reasons, res.Reasons)
			}
			for i := range tt.reasons {
				if res.Reasons[i] != tt.reasons[i] {
					t.Fatalf("expected reasons %v, got %v", tt.reasons, res.Reasons)
				}
			}
			// Deterministic: same answer on repeat.
			again := v.Validate(tt.candidate, tt.existing)
			if again.OK != res.OK || len(again.Reasons) != len(res.Reasons) {
				t.Fatalf("validator not deterministic: %#v vs %#v", res, again)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	if err := (Result{OK: true}).Err(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	err := Result{Reasons: []string{ReasonSlotUnavailable}}.Err()
	var conflict *SlotConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SlotConflictError, got %T", err)
	}
	if conflict.Reason() != ReasonSlotUnavailable {
		t.Fatalf("unexpected reason %q", conflict.Reason())
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		raw  string
		want TimeOfDay
		ok   bool
	}{
		{"09:00", 540, true},
		{"23:59:00", 1439, true},
		{"9:05", 545, true},
		{"24:00", 0, false},
		{"10:7", 0, false},
		{"10:00:30", 0, false},
		{"noon", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.raw)
		if tt.ok != (err == nil) {
			t.Fatalf("%q: expected ok=%v, got err=%v", tt.raw, tt.ok, err)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("%q: expected %d, got %d", tt.raw, tt.want, got)
		}
	}
	if TimeOfDay(545).String() != "09:05" {
		t.Fatalf("unexpected format %q", TimeOfDay(545).String())
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("archived"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
	s, err := ParseStatus("no_show")
	if err != nil || s != StatusNoShow || !s.Terminal() {
		t.Fatalf("unexpected parse result %q %v", s, err)
	}
	if StatusConfirmed.Terminal() || StatusPendingPayment.Terminal() {
		t.Fatal("active statuses must not be terminal")
	}
}
