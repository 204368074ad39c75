package routing

// Relay payloads carried between gateway nodes over NATS. Every relay event
// names its origin node; a node ignores events it published itself, so a
// cluster-wide subscription never double-delivers locally.

// MessageRelay carries an already-persisted private message to the node
// holding the recipient's connection.
type MessageRelay struct {
	Origin     string `json:"origin"`
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	PropertyID string `json:"property_id,omitempty"`
	BookingID  string `json:"booking_id,omitempty"`
	Ts         int64  `json:"ts"`
}

// NotificationRelay carries an already-persisted notification.
type NotificationRelay struct {
	Origin   string            `json:"origin"`
	ID       string            `json:"id"`
	To       string            `json:"to"`
	Kind     string            `json:"kind"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Ts       int64             `json:"ts"`
}

// BroadcastRelay carries a transient broadcast. TargetKind narrows the
// fan-out to one client population; empty means everyone.
type BroadcastRelay struct {
	Origin     string `json:"origin"`
	From       string `json:"from"`
	Body       string `json:"body"`
	TargetKind string `json:"target_kind,omitempty"`
	Ts         int64  `json:"ts"`
}
