package routing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stayloop/realtime-gateway/internal/notification"
	"github.com/stayloop/realtime-gateway/internal/presence"
)

type fakeNotificationStore struct {
	mu    sync.Mutex
	saved []*notification.Notification
	err   error
}

func (f *fakeNotificationStore) Save(ctx context.Context, n *notification.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, n)
	return nil
}

func TestNotifyDeliveredToOnlineRecipient(t *testing.T) {
	dir := presence.NewDirectory()
	store := &fakeNotificationStore{}
	d := NewDispatcher(dir, store, nil, nil, "gw-1")

	recipient := &fakeConn{id: "c-1"}
	dir.Register("tenant-1", "tenant", recipient)

	outcome, err := d.Notify(context.Background(), "tenant-1", notification.TypeBookingConfirmed,
		"Booking confirmed", "See you in May", map[string]string{"booking_id": "bk-9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Delivered {
		t.Errorf("expected Delivered, got %q", outcome)
	}
	if len(store.saved) != 1 {
		t.Errorf("expected 1 persisted notification, got %d", len(store.saved))
	}

	got := recipient.eventsOfType("notification")
	if len(got) != 1 {
		t.Fatalf("expected 1 notification event, got %d", len(got))
	}
	if got[0]["notification_type"] != notification.TypeBookingConfirmed {
		t.Errorf("unexpected payload: %v", got[0])
	}
}

func TestNotifyOfflineStillPersists(t *testing.T) {
	dir := presence.NewDirectory()
	store := &fakeNotificationStore{}
	d := NewDispatcher(dir, store, nil, nil, "gw-1")

	outcome, err := d.Notify(context.Background(), "tenant-1", notification.TypeSystem, "Hi", "body", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Offline {
		t.Errorf("expected Offline, got %q", outcome)
	}
	if len(store.saved) != 1 {
		t.Errorf("offline notify must still persist, got %d saved", len(store.saved))
	}
}

func TestNotifyInvalidType(t *testing.T) {
	d := NewDispatcher(presence.NewDirectory(), &fakeNotificationStore{}, nil, nil, "gw-1")

	if _, err := d.Notify(context.Background(), "tenant-1", "promo", "t", "b", nil); err == nil {
		t.Error("expected error for invalid notification type")
	}
}

func TestNotifyPersistFailure(t *testing.T) {
	dir := presence.NewDirectory()
	recipient := &fakeConn{id: "c-1"}
	dir.Register("tenant-1", "tenant", recipient)

	d := NewDispatcher(dir, &fakeNotificationStore{err: errors.New("db down")}, nil, nil, "gw-1")

	if _, err := d.Notify(context.Background(), "tenant-1", notification.TypeSystem, "t", "b", nil); err == nil {
		t.Fatal("expected error when persistence fails")
	}
	if len(recipient.events) != 0 {
		t.Error("notification delivered despite persistence failure")
	}
}

func TestNotifyRelaysWhenRecipientElsewhere(t *testing.T) {
	dir := presence.NewDirectory()
	pub := &fakePublisher{}
	cluster := &fakeCluster{nodes: map[string]string{"tenant-1": "gw-2"}}
	d := NewDispatcher(dir, &fakeNotificationStore{}, pub, cluster, "gw-1")

	outcome, err := d.Notify(context.Background(), "tenant-1", notification.TypeSystem, "t", "b", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Delivered {
		t.Errorf("recipient on another node should report Delivered, got %q", outcome)
	}
	if len(pub.notifications) != 1 {
		t.Fatalf("expected 1 relayed notification, got %d", len(pub.notifications))
	}

	var relay NotificationRelay
	if err := json.Unmarshal(pub.notifications[0], &relay); err != nil {
		t.Fatalf("relay payload not valid JSON: %v", err)
	}
	if relay.Origin != "gw-1" || relay.To != "tenant-1" || relay.Kind != notification.TypeSystem {
		t.Errorf("unexpected relay payload: %+v", relay)
	}
}

func TestBroadcastToAllKinds(t *testing.T) {
	dir := presence.NewDirectory()
	d := NewDispatcher(dir, &fakeNotificationStore{}, nil, nil, "gw-1")

	t1 := &fakeConn{id: "c1"}
	t2 := &fakeConn{id: "c2"}
	l1 := &fakeConn{id: "c3"}
	dir.Register("tenant-1", "tenant", t1)
	dir.Register("tenant-2", "tenant", t2)
	dir.Register("landlord-1", "landlord", l1)

	count := d.Broadcast("admin", "maintenance at noon", "")
	if count != 3 {
		t.Errorf("expected 3 targeted connections, got %d", count)
	}
	for _, c := range []*fakeConn{t1, t2, l1} {
		evs := c.eventsOfType("broadcast_message")
		if len(evs) != 1 {
			t.Fatalf("conn %s: expected 1 broadcast, got %d", c.id, len(evs))
		}
		if evs[0]["message"] != "maintenance at noon" || evs[0]["from"] != "admin" {
			t.Errorf("conn %s: unexpected payload %v", c.id, evs[0])
		}
	}
}

func TestBroadcastKindIsolation(t *testing.T) {
	dir := presence.NewDirectory()
	d := NewDispatcher(dir, &fakeNotificationStore{}, nil, nil, "gw-1")

	tenant := &fakeConn{id: "c1"}
	landlord := &fakeConn{id: "c2"}
	dir.Register("tenant-1", "tenant", tenant)
	dir.Register("landlord-1", "landlord", landlord)

	count := d.Broadcast("admin", "new payout schedule", "landlord")
	if count != 1 {
		t.Errorf("expected 1 targeted connection, got %d", count)
	}
	if len(landlord.eventsOfType("broadcast_message")) != 1 {
		t.Error("landlord did not receive targeted broadcast")
	}
	if len(tenant.events) != 0 {
		t.Error("tenant received a landlord-targeted broadcast")
	}
}

func TestBroadcastRelaysToCluster(t *testing.T) {
	dir := presence.NewDirectory()
	pub := &fakePublisher{}
	d := NewDispatcher(dir, &fakeNotificationStore{}, pub, nil, "gw-1")

	d.Broadcast("admin", "hello fleet", "tenant")

	if len(pub.broadcasts) != 1 {
		t.Fatalf("expected 1 relayed broadcast, got %d", len(pub.broadcasts))
	}
	var relay BroadcastRelay
	if err := json.Unmarshal(pub.broadcasts[0], &relay); err != nil {
		t.Fatalf("relay payload not valid JSON: %v", err)
	}
	if relay.Origin != "gw-1" || relay.TargetKind != "tenant" {
		t.Errorf("unexpected relay payload: %+v", relay)
	}
}

func TestDeliverRelayedNotification(t *testing.T) {
	dir := presence.NewDirectory()
	d := NewDispatcher(dir, &fakeNotificationStore{}, nil, nil, "gw-1")

	recipient := &fakeConn{id: "c1"}
	dir.Register("tenant-1", "tenant", recipient)

	d.DeliverRelayedNotification(NotificationRelay{
		Origin: "gw-2",
		ID:     "n-1",
		To:     "tenant-1",
		Kind:   notification.TypeBookingRequest,
		Title:  "New booking request",
	})
	if len(recipient.eventsOfType("notification")) != 1 {
		t.Error("relayed notification not delivered")
	}

	// Self-originated events are skipped.
	d.DeliverRelayedNotification(NotificationRelay{Origin: "gw-1", To: "tenant-1", Kind: notification.TypeSystem})
	if len(recipient.eventsOfType("notification")) != 1 {
		t.Error("self-originated relay delivered locally")
	}
}

func TestDeliverRelayedBroadcast(t *testing.T) {
	dir := presence.NewDirectory()
	d := NewDispatcher(dir, &fakeNotificationStore{}, nil, nil, "gw-1")

	tenant := &fakeConn{id: "c1"}
	dir.Register("tenant-1", "tenant", tenant)

	d.DeliverRelayedBroadcast(BroadcastRelay{Origin: "gw-2", From: "admin", Body: "hi", TargetKind: "tenant"})
	if len(tenant.eventsOfType("broadcast_message")) != 1 {
		t.Error("relayed broadcast not delivered")
	}

	d.DeliverRelayedBroadcast(BroadcastRelay{Origin: "gw-1", From: "admin", Body: "echo"})
	if len(tenant.eventsOfType("broadcast_message")) != 1 {
		t.Error("self-originated broadcast delivered locally")
	}
}
