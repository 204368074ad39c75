// Package presence maintains the directory of currently connected identities.
// The in-memory Directory is the single source of truth for routing
// decisions; an optional Redis mirror exposes cluster-wide presence for
// multi-node deployments.
package presence

import "sync"

// Conn is the directory's view of a live connection. The gateway's concrete
// connection type satisfies it; tests substitute fakes so routing can be
// exercised without a transport.
type Conn interface {
	// ID returns the transport-assigned connection identifier.
	ID() string
	// Write pushes an already-encoded event to the client. Non-blocking
	// best-effort; a failed write is handled by the heartbeat reaper.
	Write(data []byte) error
}

// Entry is one connected identity in a presence snapshot.
type Entry struct {
	Identity   string
	ClientKind string
}

type record struct {
	kind  string
	conns map[string]Conn // conn ID -> conn
}

// Directory maps identities to their live connections and client kind. An
// identity appears in the directory if and only if it has at least one live
// connection. All methods are safe for concurrent use; Register and
// Unregister are the only mutators.
type Directory struct {
	mu     sync.RWMutex
	byUser map[string]*record
	byConn map[string]string // conn ID -> identity
}

// NewDirectory creates an empty Directory ready for use.
func NewDirectory() *Directory {
	return &Directory{
		byUser: make(map[string]*record),
		byConn: make(map[string]string),
	}
}

// Register associates a connection with an identity and client kind. It is
// idempotent: re-registering the same connection ID replaces the previous
// connection reference (last write wins per transport slot) rather than
// accumulating entries.
func (d *Directory) Register(identity, kind string, conn Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A conn ID can only belong to one identity. If it was previously
	// registered under a different identity, detach it there first.
	if prev, ok := d.byConn[conn.ID()]; ok && prev != identity {
		d.detachLocked(prev, conn.ID())
	}

	rec, ok := d.byUser[identity]
	if !ok {
		rec = &record{kind: kind, conns: make(map[string]Conn)}
		d.byUser[identity] = rec
	}
	rec.kind = kind
	rec.conns[conn.ID()] = conn
	d.byConn[conn.ID()] = identity
}

// Unregister removes exactly the given connection. If it was the identity's
// last connection the identity is removed from the directory entirely.
// Calling it again for the same connection is a no-op. Returns true if the
// connection was found and removed.
func (d *Directory) Unregister(conn Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	identity, ok := d.byConn[conn.ID()]
	if !ok {
		return false
	}
	d.detachLocked(identity, conn.ID())
	return true
}

func (d *Directory) detachLocked(identity, connID string) {
	delete(d.byConn, connID)
	rec, ok := d.byUser[identity]
	if !ok {
		return
	}
	delete(rec.conns, connID)
	if len(rec.conns) == 0 {
		delete(d.byUser, identity)
	}
}

// Lookup returns the live connections for an identity. An empty slice means
// the identity is offline, which is a routing signal, not an error.
func (d *Directory) Lookup(identity string) []Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.byUser[identity]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(rec.conns))
	for _, c := range rec.conns {
		conns = append(conns, c)
	}
	return conns
}

// Kind returns the client kind an identity registered with, or "" if the
// identity is offline.
func (d *Directory) Kind(identity string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if rec, ok := d.byUser[identity]; ok {
		return rec.kind
	}
	return ""
}

// ListByKind returns a snapshot of identities registered with the given
// client kind. Mutations after the call do not affect the returned slice.
func (d *Directory) ListByKind(kind string) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]Entry, 0)
	for identity, rec := range d.byUser {
		if rec.kind == kind {
			entries = append(entries, Entry{Identity: identity, ClientKind: rec.kind})
		}
	}
	return entries
}

// List returns a snapshot of all connected identities.
func (d *Directory) List() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]Entry, 0, len(d.byUser))
	for identity, rec := range d.byUser {
		entries = append(entries, Entry{Identity: identity, ClientKind: rec.kind})
	}
	return entries
}

// ConnsByKind returns a snapshot of every live connection whose identity is
// registered with the given kind, or all connections when kind is empty.
// Used by broadcast fan-out.
func (d *Directory) ConnsByKind(kind string) []Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conns := make([]Conn, 0)
	for _, rec := range d.byUser {
		if kind != "" && rec.kind != kind {
			continue
		}
		for _, c := range rec.conns {
			conns = append(conns, c)
		}
	}
	return conns
}

// Count returns the number of connected identities.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUser)
}
