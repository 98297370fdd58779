package appointments

import (
	"context"

	"github.com/wolfman30/telecare-booking/internal/events"
)

type outboxAppender interface {
	Append(ctx context.Context, aggregate string, evt events.CanonicalEvent, opts ...events.EnvelopeOption) (events.Envelope, error)
}

// OutboxRecorder turns transitions into outbox events for the notification collaborator.
type OutboxRecorder struct {
	outbox outboxAppender
}

func NewOutboxRecorder(outbox outboxAppender) *OutboxRecorder {
	if outbox == nil {
		panic("appointments: outbox required")
	}
	return &OutboxRecorder{outbox: outbox}
}

func (r *OutboxRecorder) Record(ctx context.Context, t Transition) error {
	evt := EventFor(t)
	if evt == nil {
		return nil
	}
	_, err := r.outbox.Append(ctx, "appointment:"+t.Appointment.ID.String(), evt, events.WithTimestamp(t.At))
	return err
}

// EventFor maps a transition to the event it publishes, or nil.
func EventFor(t Transition) events.CanonicalEvent {
	ref := events.AppointmentRef{
		AppointmentID: t.Appointment.ID.String(),
		PatientID:     t.Appointment.PatientID.String(),
		DoctorID:      t.Appointment.DoctorID.String(),
		Date:          FormatDate(t.Appointment.Date),
		Time:          t.Appointment.Time.String(),
		Mode:          string(t.Appointment.Mode),
	}
	switch t.To {
	case StatusConfirmed:
		if t.Event == EventRescheduleRequest {
			out := events.AppointmentRescheduledV1{
				AppointmentRef:    ref,
				RescheduleCount:   t.Appointment.RescheduleCount,
				PenaltyPercentage: t.PenaltyPercentage,
				RequestedBy:       t.Requester.ID.String(),
				Reason:            t.Reason,
				RescheduledAt:     t.At,
			}
			if t.PreviousSlot != nil {
				out.PreviousDate = FormatDate(t.PreviousSlot.Date)
				out.PreviousTime = t.PreviousSlot.Time.String()
			}
			return out
		}
		return events.AppointmentConfirmedV1{AppointmentRef: ref, ConfirmedAt: t.At}
	case StatusCancelled:
		return events.AppointmentCancelledV1{
			AppointmentRef: ref,
			CancelledBy:    t.Requester.ID.String(),
			ByRole:         string(t.Requester.Role),
			Reason:         t.Reason,
			CancelledAt:    t.At,
		}
	case StatusCompleted:
		return events.AppointmentCompletedV1{AppointmentRef: ref, CompletedBy: t.Requester.ID.String(), CompletedAt: t.At}
	case StatusNoShow:
		return events.AppointmentNoShowV1{AppointmentRef: ref, MarkedAt: t.At}
	default:
		return nil
	}
}
