package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection states. A connection starts in StateConnecting and must
// authenticate within the server's auth deadline. Rejected and Closed are
// terminal; a reconnect is a brand-new Connecting instance.
const (
	StateConnecting int32 = iota
	StateAuthenticated
	StateRejected
	StateClosed
)

// Connection represents a single WebSocket client connection with its
// authentication state and a write mutex for serializing outbound frames.
type Connection struct {
	id        string   // transport-assigned connection ID (UUID)
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor for epoll lookups
	CreatedAt time.Time

	lastPing int64 // atomic: unix nanos of last activity from the client

	state      int32      // atomic: StateConnecting | StateAuthenticated | ...
	stateMu    sync.Mutex // guards identity and clientKind
	identity   string     // set once on successful authentication
	clientKind string     // tenant | landlord, set with identity

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read
}

// ID returns the transport-assigned connection identifier. Together with
// Write it satisfies presence.Conn.
func (c *Connection) ID() string {
	return c.id
}

// Write sends a WebSocket text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() int32 {
	return atomic.LoadInt32(&c.state)
}

// Touch records current client activity for the heartbeat monitor.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastPing returns the time of the last activity observed from the client.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// Authenticate transitions the connection from Connecting to Authenticated,
// recording the verified identity and client kind. Returns false if the
// connection was not in Connecting state (already authenticated, rejected,
// or closed). The identity fields are written under stateMu so that a
// reader who observed the Authenticated state never sees them unset.
func (c *Connection) Authenticate(identity, kind string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !atomic.CompareAndSwapInt32(&c.state, StateConnecting, StateAuthenticated) {
		return false
	}
	c.identity = identity
	c.clientKind = kind
	return true
}

// Reject transitions the connection from Connecting to Rejected. Returns
// false if the connection already left Connecting.
func (c *Connection) Reject() bool {
	return atomic.CompareAndSwapInt32(&c.state, StateConnecting, StateRejected)
}

// markClosed moves the connection to its terminal Closed state, whatever the
// previous state was.
func (c *Connection) markClosed() {
	atomic.StoreInt32(&c.state, StateClosed)
}

// Identity returns the verified identity, or "" if the connection never
// authenticated. The identity survives the transition to Closed so that
// teardown can still resolve which presence entry to drop.
func (c *Connection) Identity() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.identity
}

// ClientKind returns the verified client kind, or "" if the connection
// never authenticated.
func (c *Connection) ClientKind() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.clientKind
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection ID -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.markClosed()
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
