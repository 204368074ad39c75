// Package message defines the persisted point-to-point message entity and
// its PostgreSQL store. Messages are immutable once created; read-state and
// deletion are a REST collaborator concern.
package message

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// Message is one persisted private message between two identities,
// optionally tied to a property or booking.
type Message struct {
	ID         string
	From       string
	To         string
	Body       string
	PropertyID string // empty when not property-scoped
	BookingID  string // empty when not booking-scoped
	CreatedAt  time.Time
}

// New constructs a Message with a fresh ID and creation timestamp.
func New(from, to, body, propertyID, bookingID string) *Message {
	return &Message{
		ID:         uuid.New().String(),
		From:       from,
		To:         to,
		Body:       body,
		PropertyID: propertyID,
		BookingID:  bookingID,
		CreatedAt:  time.Now().UTC(),
	}
}

// ValidateBody checks that message text meets content requirements.
func ValidateBody(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
