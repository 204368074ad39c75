// Package routing implements the gateway's delivery logic: the point-to-point
// message router and the notification dispatcher. Both follow the same
// contract: persist first, then best-effort delivery to whatever live
// connections the presence directory resolves.
package routing

import "context"

// Outcome is the result of attempting to route a message or notification.
// Offline is a normal outcome, not an error: it means the recipient had no
// live connection at delivery time.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Offline   Outcome = "offline"
)

// Publisher relays events to other gateway nodes. Implementations are
// optional; a nil Publisher means single-node operation.
type Publisher interface {
	RelayMessage(identity string, data []byte) error
	RelayNotification(identity string, data []byte) error
	RelayBroadcast(data []byte) error
}

// ClusterPresence resolves which node an identity is connected to, if any.
// Backed by the Redis presence mirror; nil means local-only presence.
type ClusterPresence interface {
	Node(ctx context.Context, identity string) (string, error)
}
