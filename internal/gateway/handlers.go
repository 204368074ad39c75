package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/stayloop/realtime-gateway/internal/auth"
	"github.com/stayloop/realtime-gateway/internal/message"
	"github.com/stayloop/realtime-gateway/internal/metrics"
	"github.com/stayloop/realtime-gateway/internal/notification"
	"github.com/stayloop/realtime-gateway/internal/protocol"
	"github.com/stayloop/realtime-gateway/internal/ratelimit"
	"github.com/stayloop/realtime-gateway/internal/routing"
)

// Handlers wires the gateway's inbound client events to the authenticator,
// router, dispatcher and presence directory.
type Handlers struct {
	server     *Server
	verifier   *auth.Verifier
	router     *routing.Router
	dispatcher *routing.Dispatcher
	limiter    *ratelimit.Limiter // nil disables per-identity throttles
	events     *EventDispatcher
}

// NewHandlers creates the event handler set and registers it with a fresh
// EventDispatcher, which is returned via Events().
func NewHandlers(server *Server, verifier *auth.Verifier, router *routing.Router, dispatcher *routing.Dispatcher, limiter *ratelimit.Limiter) *Handlers {
	h := &Handlers{
		server:     server,
		verifier:   verifier,
		router:     router,
		dispatcher: dispatcher,
		limiter:    limiter,
		events:     NewEventDispatcher(),
	}
	h.register()
	return h
}

// Events returns the dispatcher to plug into Server.SetOnEvent.
func (h *Handlers) Events() *EventDispatcher {
	return h.events
}

func (h *Handlers) register() {
	h.events.Register(protocol.TypeAuthenticate, h.handleAuthenticate)
	h.events.Register(protocol.TypePrivateMessage, h.handlePrivateMessage)
	h.events.Register(protocol.TypeNotification, h.handleNotification)
	h.events.Register(protocol.TypeBroadcast, h.handleBroadcast)
	h.events.Register(protocol.TypeGetUsers, h.handleGetUsers)
}

// handleAuthenticate verifies the presented credential and, on success,
// moves the connection to Authenticated and registers it in the presence
// directory. On failure the connection is rejected and closed without ever
// touching the directory.
func (h *Handlers) handleAuthenticate(conn *Connection, msg interface{}) {
	authMsg, ok := msg.(protocol.AuthenticateMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	claims, err := h.verifier.Verify(ctx, auth.ExtractBearerToken(authMsg.Token), authMsg.ClientKind)
	if err == nil && !protocol.ValidKind(claims.ClientKind) {
		err = errors.New("unrecognized client kind")
	}
	if err != nil {
		metrics.AuthTotal.WithLabelValues("rejected").Inc()
		log.Printf("gateway: auth rejected conn=%s: %v", conn.ID(), err)
		if conn.Reject() {
			h.events.sendError(conn, "auth_failed", "authentication failed")
			h.server.RemoveConnection(conn)
		}
		return
	}

	if !conn.Authenticate(claims.Identity, claims.ClientKind) {
		// Lost a race with the auth deadline sweep; the connection is gone.
		return
	}

	h.server.Directory().Register(claims.Identity, claims.ClientKind, conn)
	if h.server.mirror != nil {
		if err := h.server.mirror.Set(ctx, claims.Identity, claims.ClientKind); err != nil {
			log.Printf("gateway: mirror set for %s: %v", claims.Identity, err)
		}
	}

	// The socket may have died while we were registering. RemoveConnection
	// read an empty identity in that case and skipped the directory, so
	// undo the Register here to keep the directory live-connections-only.
	if h.server.Connections().Get(conn.ID()) == nil {
		if h.server.Directory().Unregister(conn) &&
			h.server.mirror != nil && len(h.server.Directory().Lookup(claims.Identity)) == 0 {
			_ = h.server.mirror.Delete(ctx, claims.Identity)
		}
		log.Printf("gateway: conn=%s closed during authentication, presence rolled back", conn.ID())
		return
	}

	metrics.AuthTotal.WithLabelValues("ok").Inc()

	data, err := protocol.NewServerEvent(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		Identity:   claims.Identity,
		ClientKind: claims.ClientKind,
	})
	if err == nil {
		_ = conn.Write(data)
	}

	log.Printf("gateway: authenticated conn=%s identity=%s kind=%s", conn.ID(), claims.Identity, claims.ClientKind)
}

// handlePrivateMessage routes a point-to-point message. The router persists
// before delivering and echoes the message_sent acknowledgment; this handler
// only validates and reports failures back to the sender.
func (h *Handlers) handlePrivateMessage(conn *Connection, msg interface{}) {
	pm, ok := msg.(protocol.PrivateMessageMsg)
	if !ok {
		return
	}
	identity := conn.Identity()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, identity, ratelimit.RuleMessage)
		if !allowed {
			h.events.sendError(conn, "rate_limited", "too many messages, slow down")
			return
		}
	}

	if pm.To == "" {
		h.events.sendError(conn, "invalid_recipient", "recipient identity is required")
		return
	}
	if err := message.ValidateBody(pm.Message); err != nil {
		h.events.sendError(conn, "invalid_message", err.Error())
		return
	}

	outcome, err := h.router.Route(ctx, identity, pm.To, pm.Message, pm.PropertyID, pm.BookingID)
	if err != nil {
		log.Printf("gateway: route from=%s to=%s failed: %v", identity, pm.To, err)
		h.events.sendError(conn, "persistence_failed", "message could not be stored")
		return
	}

	log.Printf("gateway: private_message from=%s to=%s outcome=%s", identity, pm.To, outcome)
}

// handleNotification pushes a typed notification to one identity. Typically
// used by admin sessions; REST services use the internal HTTP API instead.
func (h *Handlers) handleNotification(conn *Connection, msg interface{}) {
	nm, ok := msg.(protocol.NotificationMsg)
	if !ok {
		return
	}
	identity := conn.Identity()

	if nm.To == "" {
		h.events.sendError(conn, "invalid_recipient", "recipient identity is required")
		return
	}
	if !notification.ValidType(nm.NotificationType) {
		h.events.sendError(conn, "invalid_notification_type", "unrecognized notification type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := h.dispatcher.Notify(ctx, nm.To, nm.NotificationType, nm.Title, nm.Content, nm.Metadata)
	if err != nil {
		log.Printf("gateway: notify from=%s to=%s failed: %v", identity, nm.To, err)
		h.events.sendError(conn, "persistence_failed", "notification could not be stored")
		return
	}

	log.Printf("gateway: notification from=%s to=%s type=%s outcome=%s", identity, nm.To, nm.NotificationType, outcome)
}

// handleBroadcast fans a transient message out to one client-kind population
// or to everyone.
func (h *Handlers) handleBroadcast(conn *Connection, msg interface{}) {
	bm, ok := msg.(protocol.BroadcastMsg)
	if !ok {
		return
	}
	identity := conn.Identity()

	if bm.TargetClientKind != "" && !protocol.ValidKind(bm.TargetClientKind) {
		h.events.sendError(conn, "invalid_kind", "unrecognized target client kind")
		return
	}
	if err := message.ValidateBody(bm.Message); err != nil {
		h.events.sendError(conn, "invalid_message", err.Error())
		return
	}

	if h.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := h.limiter.Allow(ctx, identity, ratelimit.RuleBroadcast)
		cancel()
		if !allowed {
			h.events.sendError(conn, "rate_limited", "too many broadcasts, slow down")
			return
		}
	}

	count := h.dispatcher.Broadcast(identity, bm.Message, bm.TargetClientKind)
	log.Printf("gateway: broadcast from=%s kind=%q targeted=%d", identity, bm.TargetClientKind, count)
}

// handleGetUsers returns a snapshot of connected identities.
func (h *Handlers) handleGetUsers(conn *Connection, msg interface{}) {
	entries := h.server.Directory().List()
	users := make([]protocol.UserEntry, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.UserEntry{Identity: e.Identity, ClientKind: e.ClientKind})
	}

	data, err := protocol.NewServerEvent(protocol.TypeUsersList, protocol.UsersListMsg{Users: users})
	if err != nil {
		log.Printf("gateway: failed to build users_list conn=%s: %v", conn.ID(), err)
		return
	}
	_ = conn.Write(data)
}
