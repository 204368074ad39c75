// Package protocol defines the WebSocket event types and structures exchanged
// between the marketplace apps and the realtime gateway. All events are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate   = "authenticate"
	TypePrivateMessage = "private_message"
	TypeNotification   = "notification"
	TypeBroadcast      = "broadcast"
	TypeGetUsers       = "get_users"
	TypePing           = "ping"
)

// Server -> Client event types. TypePrivateMessage and TypeNotification are
// shared with the inbound direction: the server relays them under the same
// name with server-side fields filled in.
const (
	TypeAuthenticated    = "authenticated"
	TypeMessageSent      = "message_sent"
	TypeBroadcastMessage = "broadcast_message"
	TypeUsersList        = "users_list"
	TypeError            = "error"
	TypePong             = "pong"
)

// Client kinds distinguish the two app populations.
const (
	KindTenant   = "tenant"
	KindLandlord = "landlord"
)

// ValidKind reports whether s is a recognized client kind.
func ValidKind(s string) bool {
	return s == KindTenant || s == KindLandlord
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// AuthenticateMsg is the first event a client must send after connecting. The
// token is a bearer JWT; the client kind declares which app is connecting.
type AuthenticateMsg struct {
	Type       string `json:"type"`
	Token      string `json:"token"`
	ClientKind string `json:"client_kind"`
}

// PrivateMessageMsg is a point-to-point message addressed to another identity,
// optionally tied to a property or booking.
type PrivateMessageMsg struct {
	Type       string `json:"type"`
	To         string `json:"to"`
	Message    string `json:"message"`
	PropertyID string `json:"property_id,omitempty"`
	BookingID  string `json:"booking_id,omitempty"`
}

// NotificationMsg pushes a typed notification to another identity. Typically
// admin/system originated.
type NotificationMsg struct {
	Type             string            `json:"type"`
	To               string            `json:"to"`
	NotificationType string            `json:"notification_type"`
	Title            string            `json:"title"`
	Content          string            `json:"content"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// BroadcastMsg fans a message out to every connected client, optionally
// restricted to one client kind.
type BroadcastMsg struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	TargetClientKind string `json:"target_client_kind,omitempty"`
}

// GetUsersMsg requests a snapshot of currently connected identities.
type GetUsersMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms a successful authentication.
type AuthenticatedMsg struct {
	Type       string `json:"type"`
	Identity   string `json:"identity"`
	ClientKind string `json:"client_kind"`
}

// ServerPrivateMessageMsg is a private message relayed to its recipient.
type ServerPrivateMessageMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	From       string `json:"from"`
	Message    string `json:"message"`
	PropertyID string `json:"property_id,omitempty"`
	BookingID  string `json:"booking_id,omitempty"`
	Ts         int64  `json:"ts"`
}

// ServerNotificationMsg is a notification delivered to its recipient.
type ServerNotificationMsg struct {
	Type             string            `json:"type"`
	ID               string            `json:"id"`
	NotificationType string            `json:"notification_type"`
	Title            string            `json:"title"`
	Content          string            `json:"content"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Ts               int64             `json:"ts"`
}

// Delivery status values carried by MessageSentMsg.
const (
	StatusDelivered = "delivered"
	StatusOffline   = "offline"
)

// MessageSentMsg is the delivery acknowledgment echoed to the sender of a
// private message. Status is "delivered" when the recipient had at least one
// live connection, "offline" otherwise.
type MessageSentMsg struct {
	Type   string `json:"type"`
	To     string `json:"to"`
	Status string `json:"status"`
}

// ServerBroadcastMsg is a broadcast relayed to a connected client.
type ServerBroadcastMsg struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// UserEntry is one connected identity in a users_list snapshot.
type UserEntry struct {
	Identity   string `json:"identity"`
	ClientKind string `json:"client_kind"`
}

// UsersListMsg is the presence snapshot returned for get_users.
type UsersListMsg struct {
	Type  string      `json:"type"`
	Users []UserEntry `json:"users"`
}

// ErrorMsg communicates an error condition to the client. The connection
// stays open unless the error is an authentication failure.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePrivateMessage:
		var m PrivateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNotification:
		var m NotificationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBroadcast:
		var m BroadcastMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetUsers:
		var m GetUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerEvent(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
