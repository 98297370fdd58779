package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/telecare-booking/internal/database"
	"github.com/wolfman30/telecare-booking/internal/observability/metrics"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// OutboxEntry represents a pending event. Attempts counts earlier failed
// deliveries.
type OutboxEntry struct {
	ID        uuid.UUID
	Aggregate string
	Type      string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// DeliveryHandler emits events to downstream transports.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// DeliveryHandlerFunc adapts a function to DeliveryHandler.
type DeliveryHandlerFunc func(ctx context.Context, entry OutboxEntry) error

func (f DeliveryHandlerFunc) Handle(ctx context.Context, entry OutboxEntry) error {
	return f(ctx, entry)
}

// OutboxStore persists events for reliable delivery. Writes join the
// transaction carried on ctx so events commit with the state change.
type OutboxStore struct {
	db database.Querier
}

func NewOutboxStore(db database.Querier) *OutboxStore {
	if db == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{db: db}
}

// Append wraps evt in an envelope and writes it to the outbox.
func (s *OutboxStore) Append(ctx context.Context, aggregate string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	env, err := newEnvelope(aggregate, evt, opts...)
	if err != nil {
		return Envelope{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal envelope: %w", err)
	}
	query := `
		INSERT INTO outbox (id, aggregate, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := database.Conn(ctx, s.db).Exec(ctx, query, env.EventID, env.Aggregate, env.EventType, data); err != nil {
		return Envelope{}, fmt.Errorf("events: insert outbox: %w", err)
	}
	return env, nil
}

// FetchPending returns undelivered entries whose retry time has passed.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, aggregate, event_type, payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND next_attempt_at <= now()
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.Aggregate, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed records a failed attempt and defers the entry until retryAt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string, retryAt time.Time) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := s.db.Exec(ctx, query, id, cause, retryAt); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

// MarkDead parks an entry that exhausted its attempts. It stays in the table
// for inspection and is never fetched again.
func (s *OutboxStore) MarkDead(ctx context.Context, id uuid.UUID, cause string) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, dead_lettered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := s.db.Exec(ctx, query, id, cause); err != nil {
		return fmt.Errorf("events: mark dead: %w", err)
	}
	return nil
}

type outboxSource interface {
	FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, cause string, retryAt time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, cause string) error
}

// Deliverer polls the outbox and invokes the handler. Failed entries are
// retried with exponential backoff and dead-lettered after maxAttempts.
type Deliverer struct {
	store       outboxSource
	handler     DeliveryHandler
	logger      *logging.Logger
	metrics     *metrics.BookingMetrics
	batchSize   int32
	interval    time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

func NewDeliverer(store outboxSource, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: 8,
		baseDelay:   5 * time.Second,
		maxDelay:    30 * time.Minute,
		now:         time.Now,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMetrics(m *metrics.BookingMetrics) *Deliverer {
	d.metrics = m
	return d
}

func (d *Deliverer) WithMaxAttempts(n int) *Deliverer {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *Deliverer) WithClock(now func() time.Time) *Deliverer {
	if now != nil {
		d.now = now
	}
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain delivers one batch and returns how many entries were delivered.
func (d *Deliverer) Drain(ctx context.Context) int {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	delivered := 0
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			d.fail(ctx, entry, err)
			continue
		}
		d.metrics.ObserveOutbox(entry.Type, "delivered")
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			delivered++
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
	return delivered
}

func (d *Deliverer) fail(ctx context.Context, entry OutboxEntry, cause error) {
	attempt := entry.Attempts + 1
	if attempt >= d.maxAttempts {
		d.metrics.ObserveOutbox(entry.Type, "dead_lettered")
		d.logger.Error("outbox entry dead-lettered", "error", cause, "event_id", entry.ID, "type", entry.Type, "attempts", attempt)
		if err := d.store.MarkDead(ctx, entry.ID, cause.Error()); err != nil {
			d.logger.Error("failed to dead-letter outbox entry", "error", err, "event_id", entry.ID)
		}
		return
	}
	retryAt := d.now().Add(d.backoff(attempt))
	d.metrics.ObserveOutbox(entry.Type, "failed")
	d.logger.Warn("outbox delivery failed", "error", cause, "event_id", entry.ID, "type", entry.Type, "attempt", attempt, "retry_at", retryAt)
	if err := d.store.MarkFailed(ctx, entry.ID, cause.Error(), retryAt); err != nil {
		d.logger.Error("failed to record outbox failure", "error", err, "event_id", entry.ID)
	}
}

func (d *Deliverer) backoff(attempt int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < attempt && delay < d.maxDelay; i++ {
		delay *= 2
	}
	if delay > d.maxDelay {
		delay = d.maxDelay
	}
	return delay
}
