package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/telecare-booking/internal/database"
)

// ErrContactNotFound is returned when no profile exists for the id.
var ErrContactNotFound = errors.New("notify: contact not found")

// Contact is what the notifier needs to reach a doctor or patient.
type Contact struct {
	ID       uuid.UUID
	FullName string
	Email    string
	Phone    string
}

// Directory resolves people to contact details.
type Directory interface {
	Lookup(ctx context.Context, id uuid.UUID) (Contact, error)
}

// PostgresDirectory reads contacts from the profiles table. It never writes.
type PostgresDirectory struct {
	db database.Querier
}

func NewPostgresDirectory(db database.Querier) *PostgresDirectory {
	if db == nil {
		panic("notify: pgx pool required")
	}
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, id uuid.UUID) (Contact, error) {
	query := `
		SELECT id, full_name, COALESCE(email, ''), COALESCE(phone, '')
		FROM profiles
		WHERE id = $1
	`
	var c Contact
	err := d.db.QueryRow(ctx, query, id).Scan(&c.ID, &c.FullName, &c.Email, &c.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrContactNotFound
		}
		return Contact{}, fmt.Errorf("notify: lookup contact %s: %w", id, err)
	}
	return c, nil
}

// StaticDirectory is an in-memory Directory for tests and local runs.
type StaticDirectory struct {
	mu       sync.RWMutex
	contacts map[uuid.UUID]Contact
}

func NewStaticDirectory(contacts ...Contact) *StaticDirectory {
	d := &StaticDirectory{contacts: make(map[uuid.UUID]Contact, len(contacts))}
	for _, c := range contacts {
		d.contacts[c.ID] = c
	}
	return d
}

func (d *StaticDirectory) Put(c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.ID] = c
}

func (d *StaticDirectory) Lookup(ctx context.Context, id uuid.UUID) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[id]
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	return c, nil
}
