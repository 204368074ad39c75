package routing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stayloop/realtime-gateway/internal/message"
	"github.com/stayloop/realtime-gateway/internal/presence"
)

// fakeConn records every frame written to it, decoded as JSON envelopes.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []map[string]interface{}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Write(data []byte) error {
	var ev map[string]interface{}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeConn) eventsOfType(typ string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, ev := range f.events {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

// fakeMessageStore collects saved messages, optionally failing every Save.
type fakeMessageStore struct {
	mu    sync.Mutex
	saved []*message.Message
	err   error
}

func (f *fakeMessageStore) Save(ctx context.Context, m *message.Message) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, m)
	return nil
}

func (f *fakeMessageStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// fakePublisher records relayed payloads per subject family.
type fakePublisher struct {
	mu            sync.Mutex
	messages      [][]byte
	notifications [][]byte
	broadcasts    [][]byte
}

func (f *fakePublisher) RelayMessage(identity string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakePublisher) RelayNotification(identity string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, data)
	return nil
}

func (f *fakePublisher) RelayBroadcast(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, data)
	return nil
}

// fakeCluster maps identities to node names.
type fakeCluster struct {
	nodes map[string]string
}

func (f *fakeCluster) Node(ctx context.Context, identity string) (string, error) {
	return f.nodes[identity], nil
}

func TestRouteDeliveredToOnlineRecipient(t *testing.T) {
	dir := presence.NewDirectory()
	store := &fakeMessageStore{}
	router := NewRouter(dir, store, nil, nil, "gw-1")

	sender := &fakeConn{id: "c-sender"}
	recipient := &fakeConn{id: "c-recipient"}
	dir.Register("tenant-1", "tenant", sender)
	dir.Register("landlord-2", "landlord", recipient)

	outcome, err := router.Route(context.Background(), "tenant-1", "landlord-2", "is the loft free?", "prop-12", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Delivered {
		t.Errorf("expected Delivered, got %q", outcome)
	}
	if store.count() != 1 {
		t.Errorf("expected 1 persisted message, got %d", store.count())
	}

	got := recipient.eventsOfType("private_message")
	if len(got) != 1 {
		t.Fatalf("expected 1 private_message at recipient, got %d", len(got))
	}
	if got[0]["from"] != "tenant-1" || got[0]["message"] != "is the loft free?" {
		t.Errorf("unexpected delivery payload: %v", got[0])
	}
	if got[0]["property_id"] != "prop-12" {
		t.Errorf("property scoping lost: %v", got[0])
	}

	acks := sender.eventsOfType("message_sent")
	if len(acks) != 1 {
		t.Fatalf("expected 1 message_sent ack at sender, got %d", len(acks))
	}
	if acks[0]["status"] != string(Delivered) || acks[0]["to"] != "landlord-2" {
		t.Errorf("unexpected ack payload: %v", acks[0])
	}
}

func TestRouteOfflineRecipientStillPersists(t *testing.T) {
	dir := presence.NewDirectory()
	store := &fakeMessageStore{}
	router := NewRouter(dir, store, nil, nil, "gw-1")

	sender := &fakeConn{id: "c-sender"}
	dir.Register("tenant-1", "tenant", sender)

	outcome, err := router.Route(context.Background(), "tenant-1", "landlord-2", "anyone there?", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Offline {
		t.Errorf("expected Offline, got %q", outcome)
	}
	if store.count() != 1 {
		t.Errorf("offline send must still persist, got %d saved", store.count())
	}

	acks := sender.eventsOfType("message_sent")
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	if acks[0]["status"] != string(Offline) {
		t.Errorf("expected offline ack, got %v", acks[0])
	}
}

func TestRoutePersistFailureAborts(t *testing.T) {
	dir := presence.NewDirectory()
	store := &fakeMessageStore{err: errors.New("connection refused")}
	router := NewRouter(dir, store, nil, nil, "gw-1")

	sender := &fakeConn{id: "c-sender"}
	recipient := &fakeConn{id: "c-recipient"}
	dir.Register("tenant-1", "tenant", sender)
	dir.Register("landlord-2", "landlord", recipient)

	if _, err := router.Route(context.Background(), "tenant-1", "landlord-2", "hello", "", ""); err == nil {
		t.Fatal("expected error when persistence fails")
	}
	if len(recipient.eventsOfType("private_message")) != 0 {
		t.Error("message delivered despite persistence failure")
	}
	if len(sender.eventsOfType("message_sent")) != 0 {
		t.Error("ack sent despite persistence failure")
	}
}

func TestRouteDeliversToAllRecipientConnections(t *testing.T) {
	dir := presence.NewDirectory()
	store := &fakeMessageStore{}
	router := NewRouter(dir, store, nil, nil, "gw-1")

	phone := &fakeConn{id: "c-phone"}
	laptop := &fakeConn{id: "c-laptop"}
	dir.Register("landlord-2", "landlord", phone)
	dir.Register("landlord-2", "landlord", laptop)

	outcome, err := router.Route(context.Background(), "tenant-1", "landlord-2", "hi", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Delivered {
		t.Errorf("expected Delivered, got %q", outcome)
	}
	if len(phone.eventsOfType("private_message")) != 1 || len(laptop.eventsOfType("private_message")) != 1 {
		t.Error("expected the message on every live connection of the recipient")
	}
}

func TestRouteRelaysWhenRecipientElsewhere(t *testing.T) {
	dir := presence.NewDirectory()
	store := &fakeMessageStore{}
	pub := &fakePublisher{}
	cluster := &fakeCluster{nodes: map[string]string{"landlord-2": "gw-2"}}
	router := NewRouter(dir, store, pub, cluster, "gw-1")

	outcome, err := router.Route(context.Background(), "tenant-1", "landlord-2", "hi", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Delivered {
		t.Errorf("recipient on another node should report Delivered, got %q", outcome)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected 1 relayed message, got %d", len(pub.messages))
	}

	var relay MessageRelay
	if err := json.Unmarshal(pub.messages[0], &relay); err != nil {
		t.Fatalf("relay payload not valid JSON: %v", err)
	}
	if relay.Origin != "gw-1" || relay.To != "landlord-2" || relay.Body != "hi" {
		t.Errorf("unexpected relay payload: %+v", relay)
	}
}

func TestRouteOfflineEverywhere(t *testing.T) {
	dir := presence.NewDirectory()
	store := &fakeMessageStore{}
	pub := &fakePublisher{}
	cluster := &fakeCluster{nodes: map[string]string{}}
	router := NewRouter(dir, store, pub, cluster, "gw-1")

	outcome, err := router.Route(context.Background(), "tenant-1", "landlord-2", "hi", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Offline {
		t.Errorf("expected Offline when mirror has no node, got %q", outcome)
	}
}

func TestDeliverRelayed(t *testing.T) {
	dir := presence.NewDirectory()
	router := NewRouter(dir, &fakeMessageStore{}, nil, nil, "gw-1")

	recipient := &fakeConn{id: "c-recipient"}
	dir.Register("landlord-2", "landlord", recipient)

	router.DeliverRelayed(MessageRelay{
		Origin: "gw-2",
		ID:     "m-1",
		From:   "tenant-1",
		To:     "landlord-2",
		Body:   "hi from the other node",
		Ts:     1700000000,
	})

	got := recipient.eventsOfType("private_message")
	if len(got) != 1 {
		t.Fatalf("expected 1 relayed delivery, got %d", len(got))
	}
	if got[0]["message"] != "hi from the other node" {
		t.Errorf("unexpected payload: %v", got[0])
	}
}

func TestDeliverRelayedSkipsOwnOrigin(t *testing.T) {
	dir := presence.NewDirectory()
	router := NewRouter(dir, &fakeMessageStore{}, nil, nil, "gw-1")

	recipient := &fakeConn{id: "c-recipient"}
	dir.Register("landlord-2", "landlord", recipient)

	router.DeliverRelayed(MessageRelay{Origin: "gw-1", To: "landlord-2", Body: "echo"})

	if len(recipient.events) != 0 {
		t.Error("self-originated relay must not be delivered locally")
	}
}
