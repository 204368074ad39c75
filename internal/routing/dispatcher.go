package routing

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/stayloop/realtime-gateway/internal/metrics"
	"github.com/stayloop/realtime-gateway/internal/notification"
	"github.com/stayloop/realtime-gateway/internal/presence"
	"github.com/stayloop/realtime-gateway/internal/protocol"
)

// NotificationStore persists notifications. Satisfied by *notification.Store.
type NotificationStore interface {
	Save(ctx context.Context, n *notification.Notification) error
}

// Dispatcher pushes typed notifications to a single identity and fans
// transient broadcasts out to a client-kind population. Notifications follow
// the same persist-then-best-effort-deliver contract as the Router;
// broadcasts are never persisted.
type Dispatcher struct {
	dir      *presence.Directory
	store    NotificationStore
	pub      Publisher       // nil in single-node deployments
	cluster  ClusterPresence // nil when no presence mirror is configured
	nodeName string
}

// NewDispatcher creates a Dispatcher. pub and cluster may be nil.
func NewDispatcher(dir *presence.Directory, store NotificationStore, pub Publisher, cluster ClusterPresence, nodeName string) *Dispatcher {
	return &Dispatcher{dir: dir, store: store, pub: pub, cluster: cluster, nodeName: nodeName}
}

// Notify persists a notification for an identity and attempts delivery.
// There is no sender acknowledgment: notifications are system-originated.
func (d *Dispatcher) Notify(ctx context.Context, to, typ, title, body string, metadata map[string]string) (Outcome, error) {
	n, err := notification.New(to, typ, title, body, metadata)
	if err != nil {
		return "", err
	}

	timer := metrics.PersistTimer()
	if err := d.store.Save(ctx, n); err != nil {
		timer.ObserveDuration()
		return "", err
	}
	timer.ObserveDuration()
	metrics.NotificationsTotal.WithLabelValues(typ).Inc()

	payload, err := protocol.NewServerEvent(protocol.TypeNotification, protocol.ServerNotificationMsg{
		ID:               n.ID,
		NotificationType: n.Type,
		Title:            n.Title,
		Content:          n.Body,
		Metadata:         n.Metadata,
		Ts:               n.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("[dispatcher] build notification id=%s: %v", n.ID, err)
		return Offline, nil
	}

	conns := d.dir.Lookup(to)
	if len(conns) > 0 {
		for _, c := range conns {
			_ = c.Write(payload)
		}
		return Delivered, nil
	}

	if d.pub != nil {
		relay, _ := json.Marshal(NotificationRelay{
			Origin:   d.nodeName,
			ID:       n.ID,
			To:       n.Recipient,
			Kind:     n.Type,
			Title:    n.Title,
			Body:     n.Body,
			Metadata: n.Metadata,
			Ts:       n.CreatedAt.Unix(),
		})
		if err := d.pub.RelayNotification(to, relay); err != nil {
			log.Printf("[dispatcher] relay notification id=%s: %v", n.ID, err)
		}
	}
	if d.cluster != nil {
		node, err := d.cluster.Node(ctx, to)
		if err != nil {
			log.Printf("[dispatcher] cluster presence lookup for %s: %v", to, err)
		} else if node != "" && node != d.nodeName {
			return Delivered, nil
		}
	}
	return Offline, nil
}

// Broadcast fans a transient message out to every local connection whose
// identity registered with kindFilter (all kinds when empty), relays it to
// the rest of the cluster, and returns the number of local connections
// targeted. Per-connection write errors are ignored; dead connections are
// reaped by the heartbeat.
func (d *Dispatcher) Broadcast(from, body, kindFilter string) int {
	ts := time.Now().Unix()
	count := d.broadcastLocal(from, body, kindFilter, ts)

	if d.pub != nil {
		relay, _ := json.Marshal(BroadcastRelay{
			Origin:     d.nodeName,
			From:       from,
			Body:       body,
			TargetKind: kindFilter,
			Ts:         ts,
		})
		if err := d.pub.RelayBroadcast(relay); err != nil {
			log.Printf("[dispatcher] relay broadcast from=%s: %v", from, err)
		}
	}
	return count
}

// DeliverRelayedNotification delivers a notification relayed from another
// node to any local connections. Persistence already happened there.
func (d *Dispatcher) DeliverRelayedNotification(relay NotificationRelay) {
	if relay.Origin == d.nodeName {
		return
	}
	conns := d.dir.Lookup(relay.To)
	if len(conns) == 0 {
		return
	}
	payload, err := protocol.NewServerEvent(protocol.TypeNotification, protocol.ServerNotificationMsg{
		ID:               relay.ID,
		NotificationType: relay.Kind,
		Title:            relay.Title,
		Content:          relay.Body,
		Metadata:         relay.Metadata,
		Ts:               relay.Ts,
	})
	if err != nil {
		log.Printf("[dispatcher] build relayed notification id=%s: %v", relay.ID, err)
		return
	}
	for _, c := range conns {
		_ = c.Write(payload)
	}
}

// DeliverRelayedBroadcast fans out a broadcast relayed from another node.
func (d *Dispatcher) DeliverRelayedBroadcast(relay BroadcastRelay) {
	if relay.Origin == d.nodeName {
		return
	}
	d.broadcastLocal(relay.From, relay.Body, relay.TargetKind, relay.Ts)
}

func (d *Dispatcher) broadcastLocal(from, body, kindFilter string, ts int64) int {
	payload, err := protocol.NewServerEvent(protocol.TypeBroadcastMessage, protocol.ServerBroadcastMsg{
		From:    from,
		Message: body,
		Ts:      ts,
	})
	if err != nil {
		log.Printf("[dispatcher] build broadcast_message from=%s: %v", from, err)
		return 0
	}

	conns := d.dir.ConnsByKind(kindFilter)
	for _, c := range conns {
		_ = c.Write(payload)
	}
	metrics.BroadcastRecipients.Observe(float64(len(conns)))
	return len(conns)
}
