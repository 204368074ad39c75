package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrPersistence wraps storage failures so callers can distinguish a
// persistence outage from a routing outcome. A message that failed to
// persist is never considered sent.
var ErrPersistence = errors.New("message: persistence failure")

// Store manages messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts a message. Empty property/booking associations are stored as
// NULL to keep the foreign-key columns clean.
func (s *Store) Save(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, sender, recipient, body, property_id, booking_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.From,
		m.To,
		m.Body,
		nullable(m.PropertyID),
		nullable(m.BookingID),
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ErrPersistence, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
