package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPersistence wraps storage failures. A notification that failed to
// persist is not delivered.
var ErrPersistence = errors.New("notification: persistence failure")

// Store manages notifications in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new notification store backed by the given database
// handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts a notification. Metadata is marshalled to JSONB; the type is
// validated against the allowed set before insertion.
func (s *Store) Save(ctx context.Context, n *Notification) error {
	if !validTypes[n.Type] {
		return fmt.Errorf("notification: invalid type %q", n.Type)
	}

	var metadataJSON []byte
	if len(n.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("notification: marshal metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO notifications (id, recipient, kind, title, body, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.Recipient,
		n.Type,
		n.Title,
		n.Body,
		metadataJSON,
		n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ErrPersistence, err)
	}
	return nil
}
