package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BookingMetrics exposes counters/histograms for reservation and payment flows.
type BookingMetrics struct {
	transitionsTotal *prometheus.CounterVec
	conflictsTotal   *prometheus.CounterVec
	reconcileTotal   *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec
	remindersTotal   *prometheus.CounterVec
	intentsTotal     *prometheus.CounterVec
	outboxTotal      *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Appointment state transitions applied",
		}, []string{"event", "from", "to"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "appointments",
			Name:      "slot_conflicts_total",
			Help:      "Slot conflicts detected, by stage",
		}, []string{"stage"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "payments",
			Name:      "reconcile_total",
			Help:      "Payment reconciliation attempts by outcome",
		}, []string{"outcome"}),
		reconcileLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telecare",
			Subsystem: "payments",
			Name:      "reconcile_latency_seconds",
			Help:      "Latency of payment reconciliation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		remindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "reminders",
			Name:      "dispatch_total",
			Help:      "Reminder dispatch attempts",
		}, []string{"kind", "status"}),
		intentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "booking",
			Name:      "intents_total",
			Help:      "Booking intents by result",
		}, []string{"result"}),
		outboxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "events",
			Name:      "outbox_deliveries_total",
			Help:      "Outbox deliveries by event type and status",
		}, []string{"event_type", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.conflictsTotal, m.reconcileTotal, m.reconcileLatency,
		m.remindersTotal, m.intentsTotal, m.outboxTotal)
	return m
}

func (m *BookingMetrics) ObserveTransition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(event, from, to).Inc()
}

func (m *BookingMetrics) ObserveConflict(stage string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(stage).Inc()
}

func (m *BookingMetrics) ObserveReconcile(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(outcome).Inc()
	m.reconcileLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *BookingMetrics) ObserveReminder(kind, status string) {
	if m == nil {
		return
	}
	m.remindersTotal.WithLabelValues(kind, status).Inc()
}

func (m *BookingMetrics) ObserveIntent(result string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveOutbox(eventType, status string) {
	if m == nil {
		return
	}
	m.outboxTotal.WithLabelValues(eventType, status).Inc()
}
