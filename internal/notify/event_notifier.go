package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wolfman30/telecare-booking/internal/events"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// EventNotifier emails the patient and the doctor about appointment
// transitions read from the outbox.
type EventNotifier struct {
	directory Directory
	email     EmailSender
	logger    *logging.Logger
}

func NewEventNotifier(directory Directory, email EmailSender, logger *logging.Logger) *EventNotifier {
	if directory == nil || email == nil {
		panic("notify: directory and email sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EventNotifier{directory: directory, email: email, logger: logger}
}

var _ events.DeliveryHandler = (*EventNotifier)(nil)

type eventDetails struct {
	events.AppointmentRef
	Reason            string `json:"reason"`
	ByRole            string `json:"by_role"`
	PreviousDate      string `json:"previous_date"`
	PreviousTime      string `json:"previous_time"`
	PenaltyPercentage int    `json:"penalty_percentage"`
}

// Handle sends one email per party. Unknown event types are acknowledged
// without sending. A permanent rejection for one party does not fail the
// entry; transient failures do, so the deliverer retries it.
func (n *EventNotifier) Handle(ctx context.Context, entry events.OutboxEntry) error {
	env, err := events.DecodeEnvelope(entry)
	if err != nil {
		return err
	}
	subject, ok := eventSubjects[env.EventType]
	if !ok {
		n.logger.Debug("notifier ignoring event", "type", env.EventType, "event_id", env.EventID)
		return nil
	}
	var details eventDetails
	if err := json.Unmarshal(env.Payload, &details); err != nil {
		return fmt.Errorf("notify: decode %s: %w", env.EventType, err)
	}
	body := eventBody(env.EventType, details)

	var errs []error
	for _, raw := range []string{details.PatientID, details.DoctorID} {
		id, err := uuid.Parse(raw)
		if err != nil {
			n.logger.Warn("notifier skipping malformed party id", "event_id", env.EventID, "id", raw)
			continue
		}
		msg := EmailMessage{Subject: subject, Body: body, Category: env.EventType, AppointmentID: details.AppointmentID}
		if err := n.notify(ctx, id, msg); err != nil {
			if IsPermanent(err) || errors.Is(err, ErrContactNotFound) {
				n.logger.Warn("notification not deliverable", "event_id", env.EventID, "party", id, "error", err)
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *EventNotifier) notify(ctx context.Context, id uuid.UUID, msg EmailMessage) error {
	contact, err := n.directory.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if contact.Email == "" {
		return ErrNoContact
	}
	msg.To, msg.ToName = contact.Email, contact.FullName
	return n.email.Send(ctx, msg)
}

var eventSubjects = map[string]string{
	events.TypeAppointmentConfirmed:   "Appointment confirmed",
	events.TypeAppointmentCancelled:   "Appointment cancelled",
	events.TypeAppointmentRescheduled: "Appointment rescheduled",
	events.TypeAppointmentCompleted:   "Appointment completed",
	events.TypeAppointmentNoShow:      "Missed appointment",
}

func eventBody(eventType string, d eventDetails) string {
	slot := fmt.Sprintf("%s at %s", d.Date, d.Time)
	switch eventType {
	case events.TypeAppointmentConfirmed:
		return fmt.Sprintf("Your appointment on %s is confirmed.", slot)
	case events.TypeAppointmentCancelled:
		msg := fmt.Sprintf("The appointment on %s was cancelled by the %s.", slot, d.ByRole)
		if d.Reason != "" {
			msg += " Reason: " + d.Reason
		}
		return msg
	case events.TypeAppointmentRescheduled:
		msg := fmt.Sprintf("The appointment on %s at %s moved to %s.", d.PreviousDate, d.PreviousTime, slot)
		if d.PenaltyPercentage > 0 {
			msg += fmt.Sprintf(" A %d%% rescheduling fee applies.", d.PenaltyPercentage)
		}
		return msg
	case events.TypeAppointmentCompleted:
		return fmt.Sprintf("The appointment on %s has been completed.", slot)
	case events.TypeAppointmentNoShow:
		return fmt.Sprintf("The appointment on %s was marked as missed.", slot)
	default:
		return ""
	}
}
