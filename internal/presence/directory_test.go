package presence

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

// fakeConn is an in-memory Conn recording everything written to it.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	d := NewDirectory()
	c := &fakeConn{id: "conn-1"}

	d.Register("tenant-1", "tenant", c)

	conns := d.Lookup("tenant-1")
	if len(conns) != 1 {
		t.Fatalf("expected 1 conn, got %d", len(conns))
	}
	if conns[0].ID() != "conn-1" {
		t.Errorf("unexpected conn %q", conns[0].ID())
	}
	if d.Kind("tenant-1") != "tenant" {
		t.Errorf("expected kind tenant, got %q", d.Kind("tenant-1"))
	}
	if d.Count() != 1 {
		t.Errorf("expected count 1, got %d", d.Count())
	}
}

func TestLookupOffline(t *testing.T) {
	d := NewDirectory()

	if conns := d.Lookup("nobody"); len(conns) != 0 {
		t.Errorf("expected no conns for offline identity, got %d", len(conns))
	}
	if kind := d.Kind("nobody"); kind != "" {
		t.Errorf("expected empty kind for offline identity, got %q", kind)
	}
}

func TestMultipleConnectionsPerIdentity(t *testing.T) {
	d := NewDirectory()
	phone := &fakeConn{id: "conn-phone"}
	laptop := &fakeConn{id: "conn-laptop"}

	d.Register("tenant-1", "tenant", phone)
	d.Register("tenant-1", "tenant", laptop)

	if got := len(d.Lookup("tenant-1")); got != 2 {
		t.Fatalf("expected 2 conns, got %d", got)
	}
	// One identity, regardless of conn count.
	if d.Count() != 1 {
		t.Errorf("expected count 1, got %d", d.Count())
	}

	// Dropping one connection keeps the identity present.
	if !d.Unregister(phone) {
		t.Fatal("unregister of live conn returned false")
	}
	conns := d.Lookup("tenant-1")
	if len(conns) != 1 || conns[0].ID() != "conn-laptop" {
		t.Fatalf("expected only laptop conn to remain, got %v", conns)
	}

	// Dropping the last connection removes the identity entirely.
	if !d.Unregister(laptop) {
		t.Fatal("unregister of last conn returned false")
	}
	if len(d.Lookup("tenant-1")) != 0 {
		t.Error("identity still resolvable after last conn unregistered")
	}
	if d.Count() != 0 {
		t.Errorf("expected count 0, got %d", d.Count())
	}
}

func TestRegisterSameConnTwice(t *testing.T) {
	d := NewDirectory()
	c := &fakeConn{id: "conn-1"}

	d.Register("tenant-1", "tenant", c)
	d.Register("tenant-1", "tenant", c)

	if got := len(d.Lookup("tenant-1")); got != 1 {
		t.Errorf("re-register accumulated entries: got %d conns", got)
	}
}

func TestRegisterConnUnderNewIdentity(t *testing.T) {
	d := NewDirectory()
	c := &fakeConn{id: "conn-1"}

	d.Register("tenant-1", "tenant", c)
	d.Register("tenant-2", "tenant", c)

	if len(d.Lookup("tenant-1")) != 0 {
		t.Error("conn still attached to previous identity")
	}
	if len(d.Lookup("tenant-2")) != 1 {
		t.Error("conn not attached to new identity")
	}
	if d.Count() != 1 {
		t.Errorf("expected count 1, got %d", d.Count())
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	d := NewDirectory()
	c := &fakeConn{id: "conn-1"}

	d.Register("tenant-1", "tenant", c)

	if !d.Unregister(c) {
		t.Error("first unregister returned false")
	}
	if d.Unregister(c) {
		t.Error("second unregister returned true, expected no-op")
	}
	if d.Unregister(&fakeConn{id: "never-registered"}) {
		t.Error("unregister of unknown conn returned true")
	}
}

func TestListByKind(t *testing.T) {
	d := NewDirectory()
	d.Register("tenant-1", "tenant", &fakeConn{id: "c1"})
	d.Register("tenant-2", "tenant", &fakeConn{id: "c2"})
	d.Register("landlord-1", "landlord", &fakeConn{id: "c3"})

	tenants := d.ListByKind("tenant")
	if len(tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(tenants))
	}
	names := []string{tenants[0].Identity, tenants[1].Identity}
	sort.Strings(names)
	if names[0] != "tenant-1" || names[1] != "tenant-2" {
		t.Errorf("unexpected tenant identities: %v", names)
	}

	landlords := d.ListByKind("landlord")
	if len(landlords) != 1 || landlords[0].Identity != "landlord-1" {
		t.Errorf("unexpected landlords: %v", landlords)
	}

	if got := len(d.List()); got != 3 {
		t.Errorf("expected 3 total identities, got %d", got)
	}
}

func TestConnsByKind(t *testing.T) {
	d := NewDirectory()
	d.Register("tenant-1", "tenant", &fakeConn{id: "c1"})
	d.Register("tenant-1", "tenant", &fakeConn{id: "c2"})
	d.Register("landlord-1", "landlord", &fakeConn{id: "c3"})

	if got := len(d.ConnsByKind("tenant")); got != 2 {
		t.Errorf("expected 2 tenant conns, got %d", got)
	}
	if got := len(d.ConnsByKind("landlord")); got != 1 {
		t.Errorf("expected 1 landlord conn, got %d", got)
	}
	if got := len(d.ConnsByKind("")); got != 3 {
		t.Errorf("expected 3 conns for empty kind, got %d", got)
	}
}

func TestListSnapshotIsolation(t *testing.T) {
	d := NewDirectory()
	c := &fakeConn{id: "c1"}
	d.Register("tenant-1", "tenant", c)

	snapshot := d.List()
	d.Unregister(c)

	if len(snapshot) != 1 {
		t.Error("snapshot mutated by later directory change")
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	d := NewDirectory()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := &fakeConn{id: fmt.Sprintf("conn-%d", n)}
			d.Register("tenant-1", "tenant", c)
			d.Lookup("tenant-1")
			d.Unregister(c)
		}(i)
	}
	wg.Wait()

	if d.Count() != 0 {
		t.Errorf("expected empty directory after churn, got %d identities", d.Count())
	}
}
