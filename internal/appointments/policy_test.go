package appointments

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func policyAppointment(t *testing.T) Appointment {
	t.Helper()
	return Appointment{
		ID:        uuid.New(),
		DoctorID:  uuid.New(),
		PatientID: uuid.New(),
		Date:      mustDate(t, "2024-03-01"),
		Time:      mustTime(t, "10:00"),
		Status:    StatusConfirmed,
	}
}

func TestCancellationWindow(t *testing.T) {
	appt := policyAppointment(t)
	engine := NewCancellationPolicyEngine(CancellationPolicy{MinimumHoursBefore: map[Role]int{RolePatient: 24, RoleDoctor: 24}}, time.UTC)
	patient := Requester{ID: appt.PatientID, Role: RolePatient}
	admin := Requester{ID: uuid.New(), Role: RoleAdmin}

	tests := []struct {
		name      string
		requester Requester
		now       time.Time
		allowed   bool
	}{
		{"patient with 24h01m notice", patient, time.Date(2024, 2, 29, 9, 59, 0, 0, time.UTC), false},
		{"patient with 24h59m notice truncates to 24", patient, time.Date(2024, 2, 29, 9, 1, 0, 0, time.UTC), false},
		{"patient with 25 hours notice", patient, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), true},
		{"admin bypasses window", admin, time.Date(2024, 3, 1, 9, 59, 0, 0, time.UTC), true},
		{"patient after start", patient, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Allows(appt, tt.requester, tt.now)
			if d.Allowed != tt.allowed {
				t.Fatalf("expected allowed=%v, got %#v", tt.allowed, d)
			}
			if !d.Allowed && d.Reason == "" {
				t.Fatal("denials must carry a reason")
			}
		})
	}
}

func TestCancellationRoleWindows(t *testing.T) {
	appt := policyAppointment(t)
	engine := NewCancellationPolicyEngine(CancellationPolicy{MinimumHoursBefore: map[Role]int{RolePatient: 24, RoleDoctor: 2}}, time.UTC)
	now := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

	if d := engine.Allows(appt, Requester{ID: appt.DoctorID, Role: RoleDoctor}, now); !d.Allowed {
		t.Fatalf("doctor with 4h notice should be allowed: %#v", d)
	}
	if d := engine.Allows(appt, Requester{ID: appt.PatientID, Role: RolePatient}, now); d.Allowed {
		t.Fatal("patient with 4h notice should be denied")
	}
}

func TestCancellationDeniesStrangersAndTerminal(t *testing.T) {
	appt := policyAppointment(t)
	engine := NewCancellationPolicyEngine(DefaultCancellationPolicy(), time.UTC)
	early := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	if d := engine.Allows(appt, Requester{ID: uuid.New(), Role: RolePatient}, early); d.Allowed {
		t.Fatal("stranger must not cancel")
	}
	for _, status := range []Status{StatusCancelled, StatusCompleted, StatusNoShow} {
		appt.Status = status
		if d := engine.Allows(appt, Requester{ID: uuid.New(), Role: RoleAdmin}, early); d.Allowed {
			t.Fatalf("admin must not cancel %s appointment", status)
		}
	}
}

func TestCancellationUsesClinicTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	appt := policyAppointment(t)
	engine := NewCancellationPolicyEngine(DefaultCancellationPolicy(), loc)
	// 10:00 New York is 15:00 UTC, so 14:30 UTC the day before leaves 24h30m.
	now := time.Date(2024, 2, 29, 14, 30, 0, 0, time.UTC)
	if d := engine.Allows(appt, Requester{ID: appt.PatientID}, now); d.Allowed {
		t.Fatalf("expected 24h30m notice to be denied, got %#v", d)
	}
	now = time.Date(2024, 2, 29, 13, 59, 0, 0, time.UTC)
	if d := engine.Allows(appt, Requester{ID: appt.PatientID}, now); !d.Allowed {
		t.Fatalf("expected 25h01m notice to be allowed, got %#v", d)
	}
}

func TestRescheduleLimit(t *testing.T) {
	appt := policyAppointment(t)
	appt.RescheduleCount = 2
	engine := NewReschedulePolicyEngine(ReschedulePolicy{HoursBeforeAppointment: 24, PenaltyPercentage: 10, MaxReschedules: 2}, time.UTC)

	for _, now := range []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	} {
		if d := engine.Allows(appt, now); d.Allowed {
			t.Fatalf("third reschedule must be denied at %s", now)
		}
	}
}

func TestReschedulePenaltyWindow(t *testing.T) {
	appt := policyAppointment(t)
	appt.RescheduleCount = 1
	engine := NewReschedulePolicyEngine(ReschedulePolicy{HoursBeforeAppointment: 24, PenaltyPercentage: 15, MaxReschedules: 2}, time.UTC)

	early := engine.Allows(appt, time.Date(2024, 2, 27, 10, 0, 0, 0, time.UTC))
	if !early.Allowed || early.PenaltyPercentage != 0 {
		t.Fatalf("expected free reschedule, got %#v", early)
	}
	late := engine.Allows(appt, time.Date(2024, 2, 29, 20, 0, 0, 0, time.UTC))
	if !late.Allowed || late.PenaltyPercentage != 15 {
		t.Fatalf("expected penalised reschedule, got %#v", late)
	}
	started := engine.Allows(appt, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	if started.Allowed {
		t.Fatal("expected started appointment to be denied")
	}
	appt.Status = StatusPendingPayment
	if d := engine.Allows(appt, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)); d.Allowed {
		t.Fatal("only confirmed appointments can be rescheduled")
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from Status
		evt  Event
		to   Status
		ok   bool
	}{
		{StatusPendingPayment, EventPaymentConfirmed, StatusConfirmed, true},
		{StatusPendingPayment, EventPaymentTimeout, StatusCancelled, true},
		{StatusPendingPayment, EventRescheduleRequest, "", false},
		{StatusConfirmed, EventRescheduleRequest, StatusConfirmed, true},
		{StatusConfirmed, EventTimePassed, StatusNoShow, true},
		{StatusConfirmed, EventPaymentConfirmed, "", false},
		{StatusCancelled, EventCancelRequest, "", false},
		{StatusCompleted, EventMarkCompleted, "", false},
		{StatusNoShow, EventMarkCompleted, "", false},
	}
	for _, tt := range tests {
		to, err := Next(tt.from, tt.evt)
		if tt.ok != (err == nil) || to != tt.to {
			t.Fatalf("%s + %s: expected (%q, ok=%v), got (%q, %v)", tt.from, tt.evt, tt.to, tt.ok, to, err)
		}
	}
}
