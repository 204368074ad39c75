package gateway

import (
	"log"

	"github.com/stayloop/realtime-gateway/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g., protocol.PrivateMessageMsg).
type EventHandler func(conn *Connection, msg interface{})

// EventDispatcher routes incoming WebSocket events to registered handlers
// based on the event type. It enforces the connection state machine: only
// authenticate (and ping) are accepted before the connection is
// authenticated. It handles the built-in ping/pong keepalive internally and
// sends structured error responses for malformed or unsupported events.
type EventDispatcher struct {
	handlers map[string]EventHandler
}

// NewEventDispatcher creates an empty EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string]EventHandler),
	}
}

// Register associates an EventHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *EventDispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// Dispatch is the onEvent callback implementation. It parses the raw bytes
// into a typed event, handles ping internally, gates all non-authenticate
// events on the Authenticated state, and routes to the registered handler.
// Parse errors and unregistered types result in an error event sent back to
// the client; the connection stays open.
func (d *EventDispatcher) Dispatch(conn *Connection, data []byte) {
	eventType, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("gateway: dispatch parse error conn=%s: %v", conn.ID(), err)
		d.sendError(conn, "parse_error", "invalid event format")
		return
	}

	// Built-in ping handler, usable in any state.
	if eventType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	if eventType != protocol.TypeAuthenticate && conn.State() != StateAuthenticated {
		d.sendError(conn, "not_authenticated", "authenticate before sending events")
		return
	}
	if eventType == protocol.TypeAuthenticate && conn.State() == StateAuthenticated {
		d.sendError(conn, "already_authenticated", "connection is already authenticated")
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		log.Printf("gateway: unsupported event type=%q conn=%s", eventType, conn.ID())
		d.sendError(conn, "unsupported_type", "unsupported event type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error event back to the client. Errors during
// event construction or transmission are logged but not propagated.
func (d *EventDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("gateway: failed to build error event conn=%s: %v", conn.ID(), err)
		return
	}

	if err := conn.Write(data); err != nil {
		log.Printf("gateway: failed to send error event conn=%s: %v", conn.ID(), err)
	}
}

// sendPong responds to a client ping with a pong event and updates the
// connection's LastPing timestamp to reflect the most recent keepalive.
func (d *EventDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerEvent(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("gateway: failed to build pong event conn=%s: %v", conn.ID(), err)
		return
	}

	if err := conn.Write(data); err != nil {
		log.Printf("gateway: failed to send pong event conn=%s: %v", conn.ID(), err)
	}
}
