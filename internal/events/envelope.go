package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope captures transport metadata for canonical events.
type Envelope struct {
	EventID         uuid.UUID       `json:"event_id"`
	EventType       string          `json:"event_type"`
	Aggregate       string          `json:"aggregate"`
	TimestampMicros int64           `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
}

// EnvelopeOption customizes the generated envelope (useful in tests).
type EnvelopeOption func(*Envelope)

// WithEventID overrides the automatically generated event id.
func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) {
		if id != uuid.Nil {
			e.EventID = id
		}
	}
}

// WithTimestamp overrides the timestamp stored in microseconds.
func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		if ts.IsZero() {
			return
		}
		e.TimestampMicros = ts.UTC().UnixMicro()
	}
}

var (
	errMissingAggregate = errors.New("events: aggregate is required")
	errNilEvent         = errors.New("events: canonical event required")
	nowFunc             = time.Now
)

func newEnvelope(aggregate string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	if strings.TrimSpace(aggregate) == "" {
		return Envelope{}, errMissingAggregate
	}
	if evt == nil {
		return Envelope{}, errNilEvent
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return Envelope{}, fmt.Errorf("events: event type missing")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	env := Envelope{
		EventID:         uuid.New(),
		EventType:       eventType,
		Aggregate:       strings.TrimSpace(aggregate),
		TimestampMicros: nowFunc().UTC().UnixMicro(),
		Payload:         payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	return env, nil
}

// DecodeEnvelope parses the envelope stored in an outbox entry.
func DecodeEnvelope(entry OutboxEntry) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode envelope %s: %w", entry.ID, err)
	}
	return env, nil
}

// DecodeAppointmentRef extracts the appointment identity from any appointment event.
func DecodeAppointmentRef(env Envelope) (AppointmentRef, error) {
	var ref AppointmentRef
	if err := json.Unmarshal(env.Payload, &ref); err != nil {
		return AppointmentRef{}, fmt.Errorf("events: decode %s payload: %w", env.EventType, err)
	}
	return ref, nil
}
