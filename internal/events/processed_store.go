package events

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/telecare-booking/internal/database"
)

// ProcessedStore is the dedupe ledger for payment provider webhooks. A
// delivery is marked only after it was handled, so a crash in between
// lets the provider retry it.
type ProcessedStore struct {
	db database.Querier
}

func NewProcessedStore(db database.Querier) *ProcessedStore {
	if db == nil {
		panic("events: processed store db required")
	}
	return &ProcessedStore{db: db}
}

func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var seen bool
	err := database.Conn(ctx, s.db).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2)`,
		provider, eventID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("events: check processed %s/%s: %w", provider, eventID, err)
	}
	return seen, nil
}

// MarkProcessed reports false when the event was already recorded.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ct, err := database.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID,
	)
	if err != nil {
		return false, fmt.Errorf("events: mark processed %s/%s: %w", provider, eventID, err)
	}
	return ct.RowsAffected() == 1, nil
}

// Purge drops ledger rows older than cutoff. Providers stop retrying long
// before the retention window ends.
func (s *ProcessedStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := database.Conn(ctx, s.db).Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("events: purge processed: %w", err)
	}
	return ct.RowsAffected(), nil
}
