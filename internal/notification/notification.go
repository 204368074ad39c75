// Package notification defines the persisted notification entity and its
// PostgreSQL store. Notifications are system-originated, typed, and
// immutable once created; read-state is a REST collaborator concern.
package notification

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification types, matching the CHECK constraint on the notifications
// table.
const (
	TypeBookingRequest   = "booking_request"
	TypeBookingConfirmed = "booking_confirmed"
	TypeBookingCancelled = "booking_cancelled"
	TypePaymentReceived  = "payment_received"
	TypeReviewReceived   = "review_received"
	TypeSystem           = "system"
)

// validTypes is the set of allowed notification types.
var validTypes = map[string]bool{
	TypeBookingRequest:   true,
	TypeBookingConfirmed: true,
	TypeBookingCancelled: true,
	TypePaymentReceived:  true,
	TypeReviewReceived:   true,
	TypeSystem:           true,
}

// ValidType reports whether t is an allowed notification type.
func ValidType(t string) bool {
	return validTypes[t]
}

// Notification is one persisted notification addressed to an identity.
type Notification struct {
	ID        string
	Recipient string
	Type      string
	Title     string
	Body      string
	Metadata  map[string]string // structured key-value, stored as JSONB
	CreatedAt time.Time
}

// New constructs a Notification with a fresh ID and creation timestamp.
// It returns an error for unrecognized types.
func New(recipient, typ, title, body string, metadata map[string]string) (*Notification, error) {
	if !validTypes[typ] {
		return nil, fmt.Errorf("notification: invalid type %q", typ)
	}
	return &Notification{
		ID:        uuid.New().String(),
		Recipient: recipient,
		Type:      typ,
		Title:     title,
		Body:      body,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}, nil
}
