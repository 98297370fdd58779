package appointments

import (
	"fmt"
	"time"
)

// ReschedulePolicy configures late-move penalties and the move limit.
type ReschedulePolicy struct {
	HoursBeforeAppointment int
	PenaltyPercentage      int
	MaxReschedules         int
}

func DefaultReschedulePolicy() ReschedulePolicy {
	return ReschedulePolicy{HoursBeforeAppointment: 24, PenaltyPercentage: 10, MaxReschedules: 2}
}

// RescheduleDecision carries the penalty a late reschedule incurs.
type RescheduleDecision struct {
	Allowed           bool
	PenaltyPercentage int
	Reason            string
}

// ReschedulePolicyEngine evaluates reschedule requests.
type ReschedulePolicyEngine struct {
	policy ReschedulePolicy
	loc    *time.Location
}

func NewReschedulePolicyEngine(policy ReschedulePolicy, loc *time.Location) *ReschedulePolicyEngine {
	if loc == nil {
		loc = time.UTC
	}
	return &ReschedulePolicyEngine{policy: policy, loc: loc}
}

// Allows reports whether appt may be moved at now and what penalty applies.
func (e *ReschedulePolicyEngine) Allows(appt Appointment, now time.Time) RescheduleDecision {
	if appt.RescheduleCount >= e.policy.MaxReschedules {
		return RescheduleDecision{Reason: fmt.Sprintf("appointment has already been rescheduled %d times", appt.RescheduleCount)}
	}
	if appt.Status != StatusConfirmed {
		return RescheduleDecision{Reason: fmt.Sprintf("appointment is %s", appt.Status)}
	}
	start := appt.Start(e.loc)
	if !now.Before(start) {
		return RescheduleDecision{Reason: "appointment has already started"}
	}
	if !outsideWindow(start, now, e.policy.HoursBeforeAppointment) {
		return RescheduleDecision{Allowed: true, PenaltyPercentage: e.policy.PenaltyPercentage}
	}
	return RescheduleDecision{Allowed: true}
}
