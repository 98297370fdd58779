package appointments

// Event is an input to the appointment state machine.
type Event string

const (
	EventCreate            Event = "create"
	EventPaymentConfirmed  Event = "payment_confirmed"
	EventPaymentFailed     Event = "payment_failed"
	EventPaymentTimeout    Event = "payment_timeout"
	EventCancelRequest     Event = "cancel_request"
	EventRescheduleRequest Event = "reschedule_request"
	EventTimePassed        Event = "appointment_time_passed"
	EventMarkCompleted     Event = "mark_completed"
)

// transitions is the only table of legal moves. Guards live with the operations.
var transitions = map[Status]map[Event]Status{
	StatusPendingPayment: {
		EventPaymentConfirmed: StatusConfirmed,
		EventPaymentFailed:    StatusCancelled,
		EventPaymentTimeout:   StatusCancelled,
		EventCancelRequest:    StatusCancelled,
	},
	StatusConfirmed: {
		EventCancelRequest:     StatusCancelled,
		EventRescheduleRequest: StatusConfirmed,
		EventTimePassed:        StatusNoShow,
		EventMarkCompleted:     StatusCompleted,
	},
}

// Next returns the status reached by applying evt to from.
func Next(from Status, evt Event) (Status, error) {
	if to, ok := transitions[from][evt]; ok {
		return to, nil
	}
	return "", &InvalidTransitionError{From: from, Event: evt}
}
