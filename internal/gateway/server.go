// Package gateway implements the realtime event gateway: WebSocket upgrade
// and connection management, the per-connection authentication state machine,
// and the wiring of inbound client events to the message router, notification
// dispatcher and presence directory.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/stayloop/realtime-gateway/internal/metrics"
	"github.com/stayloop/realtime-gateway/internal/presence"
	"github.com/stayloop/realtime-gateway/internal/protocol"
	"github.com/stayloop/realtime-gateway/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the gateway server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AuthDeadline   time.Duration // max time a connection may stay unauthenticated
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthDeadline:   10 * time.Second,
	}
}

// Server is the WebSocket gateway built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading. Connections enter the presence
// directory only after authenticating.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	directory  *presence.Directory
	mirror     *presence.Mirror   // nil when no Redis mirror is configured
	limiter    *ratelimit.Limiter // nil when rate limiting is disabled
	workerPool chan struct{}      // semaphore limiting concurrent read workers
	onEvent    func(conn *Connection, data []byte)
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and collaborators.
// mirror and limiter may be nil. The onEvent function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, directory *presence.Directory, mirror *presence.Mirror, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		directory:  directory,
		mirror:     mirror,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetOnEvent registers the inbound frame callback. Must be called before
// Start. This supports the initialization pattern where the event dispatcher
// is created after the server.
func (s *Server) SetOnEvent(fn func(conn *Connection, data []byte)) {
	s.onEvent = fn
}

// Directory returns the presence directory for external readers (internal
// HTTP API, event handlers).
func (s *Server) Directory() *presence.Directory {
	return s.directory
}

// Start initializes the epoll instance, configures the HTTP server with the
// WebSocket, health, metrics and internal API endpoints, and begins accepting
// connections. It starts the epoll event loop, the heartbeat monitor and the
// authentication deadline sweep in background goroutines, then blocks on
// ListenAndServe.
func (s *Server) Start(internalAPI http.Handler) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("gateway: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	if internalAPI != nil {
		mux.Handle("/internal/", internalAPI)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()
	go s.startAuthSweep()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("gateway: server listening on %s (workers=%d, max_conns=%d, auth_deadline=%s)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections, s.config.AuthDeadline)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection. The new
// connection starts in Connecting state and must send an authenticate event
// within the auth deadline before any other event is accepted.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Per-IP connect throttle, fail-open on Redis errors.
	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		allowed, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		id:        uuid.New().String(),
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.Touch()

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("gateway: epoll add failed for conn %s: %v", c.id, err)
		s.conns.Remove(c.id)
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	log.Printf("gateway: new connection conn=%s fd=%d (total=%d)", c.id, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// connection and presence counts and uptime. Used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Identities  int    `json:"identities"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Identities:  s.directory.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("gateway: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// startAuthSweep periodically evicts connections that stayed in Connecting
// past the auth deadline, so unauthenticated sockets cannot accumulate.
func (s *Server) startAuthSweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, c := range s.conns.All() {
				if c.State() != StateConnecting {
					continue
				}
				if now.Sub(c.CreatedAt) < s.config.AuthDeadline {
					continue
				}
				if !c.Reject() {
					continue
				}
				metrics.AuthTotal.WithLabelValues("timeout").Inc()
				log.Printf("gateway: auth deadline exceeded conn=%s", c.id)
				if data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorMsg{
					Code: "auth_timeout", Message: "authentication deadline exceeded",
				}); err == nil {
					_ = c.Write(data)
				}
				s.RemoveConnection(c)
			}
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onEvent != nil {
		s.onEvent(c, data)
	}
}

// RemoveConnection removes a connection from epoll, the connection manager
// and, if it was authenticated, the presence directory and its Redis mirror.
// It is exported so that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Read the identity before the manager marks the connection closed.
	// If an authenticate handler finishes after this read, it detects the
	// missing manager entry and undoes its own Register.
	identity := c.Identity()

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.id) {
		return
	}

	if identity != "" && s.directory.Unregister(c) {
		// Drop the mirror entry only when the identity's last local
		// connection is gone.
		if s.mirror != nil && len(s.directory.Lookup(identity)) == 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.mirror.Delete(ctx, identity); err != nil {
				log.Printf("gateway: mirror delete for %s: %v", identity, err)
			}
			cancel()
		}
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	log.Printf("gateway: connection closed conn=%s identity=%s (total=%d)", c.id, identity, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("gateway: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("gateway: http shutdown error: %v", err)
		}
	}

	// Unregister presence and close all active WebSocket connections.
	for _, c := range s.conns.All() {
		if identity := c.Identity(); identity != "" {
			s.directory.Unregister(c)
			if s.mirror != nil && len(s.directory.Lookup(identity)) == 0 {
				delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = s.mirror.Delete(delCtx, identity)
				delCancel()
			}
		}
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("gateway: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}

