package routing

import (
	"context"
	"encoding/json"
	"log"

	"github.com/stayloop/realtime-gateway/internal/message"
	"github.com/stayloop/realtime-gateway/internal/metrics"
	"github.com/stayloop/realtime-gateway/internal/presence"
	"github.com/stayloop/realtime-gateway/internal/protocol"
)

// MessageStore persists private messages. Satisfied by *message.Store.
type MessageStore interface {
	Save(ctx context.Context, m *message.Message) error
}

// Router delivers point-to-point messages. Every message is persisted before
// any delivery attempt; a persistence failure aborts the route and the
// message is not considered sent.
type Router struct {
	dir      *presence.Directory
	store    MessageStore
	pub      Publisher       // nil in single-node deployments
	cluster  ClusterPresence // nil when no presence mirror is configured
	nodeName string
}

// NewRouter creates a Router. pub and cluster may be nil.
func NewRouter(dir *presence.Directory, store MessageStore, pub Publisher, cluster ClusterPresence, nodeName string) *Router {
	return &Router{dir: dir, store: store, pub: pub, cluster: cluster, nodeName: nodeName}
}

// Route persists a message from one identity to another and attempts
// delivery. In both outcomes a message_sent acknowledgment is echoed to the
// sender's live connections, so the sending UI can show correct status.
func (r *Router) Route(ctx context.Context, from, to, body, propertyID, bookingID string) (Outcome, error) {
	m := message.New(from, to, body, propertyID, bookingID)

	timer := metrics.PersistTimer()
	if err := r.store.Save(ctx, m); err != nil {
		timer.ObserveDuration()
		metrics.MessagesTotal.WithLabelValues("persist_error").Inc()
		return "", err
	}
	timer.ObserveDuration()

	outcome := r.deliver(ctx, m)
	metrics.MessagesTotal.WithLabelValues(string(outcome)).Inc()

	r.ack(from, to, outcome)
	return outcome, nil
}

// deliver pushes the message to the recipient's local connections, falling
// back to the cluster relay when the recipient is connected elsewhere.
func (r *Router) deliver(ctx context.Context, m *message.Message) Outcome {
	payload, err := protocol.NewServerEvent(protocol.TypePrivateMessage, protocol.ServerPrivateMessageMsg{
		ID:         m.ID,
		From:       m.From,
		Message:    m.Body,
		PropertyID: m.PropertyID,
		BookingID:  m.BookingID,
		Ts:         m.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("[router] build private_message id=%s: %v", m.ID, err)
		return Offline
	}

	conns := r.dir.Lookup(m.To)
	if len(conns) > 0 {
		for _, c := range conns {
			if err := c.Write(payload); err != nil {
				log.Printf("[router] write to %s conn=%s failed: %v", m.To, c.ID(), err)
			}
		}
		return Delivered
	}

	// Not connected here. Relay across the cluster and report Delivered
	// only when the presence mirror shows the recipient on another node.
	if r.pub != nil {
		relay, _ := json.Marshal(MessageRelay{
			Origin:     r.nodeName,
			ID:         m.ID,
			From:       m.From,
			To:         m.To,
			Body:       m.Body,
			PropertyID: m.PropertyID,
			BookingID:  m.BookingID,
			Ts:         m.CreatedAt.Unix(),
		})
		if err := r.pub.RelayMessage(m.To, relay); err != nil {
			log.Printf("[router] relay message id=%s: %v", m.ID, err)
		}
	}
	if r.cluster != nil {
		node, err := r.cluster.Node(ctx, m.To)
		if err != nil {
			log.Printf("[router] cluster presence lookup for %s: %v", m.To, err)
		} else if node != "" && node != r.nodeName {
			return Delivered
		}
	}
	return Offline
}

// ack echoes the delivery acknowledgment to the sender's live connections.
// Senders without a local connection (REST-originated sends) get no ack.
func (r *Router) ack(from, to string, outcome Outcome) {
	conns := r.dir.Lookup(from)
	if len(conns) == 0 {
		return
	}
	payload, err := protocol.NewServerEvent(protocol.TypeMessageSent, protocol.MessageSentMsg{
		To:     to,
		Status: string(outcome),
	})
	if err != nil {
		log.Printf("[router] build message_sent for %s: %v", from, err)
		return
	}
	for _, c := range conns {
		_ = c.Write(payload)
	}
}

// DeliverRelayed pushes a relay event from another node to the recipient's
// local connections. The message was persisted on the originating node, so
// this is delivery only. Self-originated events are ignored.
func (r *Router) DeliverRelayed(relay MessageRelay) {
	if relay.Origin == r.nodeName {
		return
	}
	conns := r.dir.Lookup(relay.To)
	if len(conns) == 0 {
		return
	}
	payload, err := protocol.NewServerEvent(protocol.TypePrivateMessage, protocol.ServerPrivateMessageMsg{
		ID:         relay.ID,
		From:       relay.From,
		Message:    relay.Body,
		PropertyID: relay.PropertyID,
		BookingID:  relay.BookingID,
		Ts:         relay.Ts,
	})
	if err != nil {
		log.Printf("[router] build relayed private_message id=%s: %v", relay.ID, err)
		return
	}
	for _, c := range conns {
		_ = c.Write(payload)
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
}
