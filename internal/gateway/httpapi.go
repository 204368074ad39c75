package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/stayloop/realtime-gateway/internal/message"
	"github.com/stayloop/realtime-gateway/internal/notification"
	"github.com/stayloop/realtime-gateway/internal/presence"
	"github.com/stayloop/realtime-gateway/internal/protocol"
	"github.com/stayloop/realtime-gateway/internal/routing"
)

// InternalAPI exposes the dispatcher and presence directory to the
// marketplace's REST services over plain HTTP, so business events ("booking
// confirmed", maintenance broadcasts) reach connected clients without going
// through the socket transport. It is meant to be reachable only on the
// internal network.
type InternalAPI struct {
	directory  *presence.Directory
	dispatcher *routing.Dispatcher
	mux        *http.ServeMux
}

// NewInternalAPI creates the internal HTTP handler set.
func NewInternalAPI(directory *presence.Directory, dispatcher *routing.Dispatcher) *InternalAPI {
	api := &InternalAPI{
		directory:  directory,
		dispatcher: dispatcher,
		mux:        http.NewServeMux(),
	}
	api.mux.HandleFunc("/internal/notify", api.handleNotify)
	api.mux.HandleFunc("/internal/broadcast", api.handleBroadcast)
	api.mux.HandleFunc("/internal/presence", api.handlePresence)
	return api
}

// ServeHTTP implements http.Handler.
func (api *InternalAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.mux.ServeHTTP(w, r)
}

type notifyRequest struct {
	To       string            `json:"to"`
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type notifyResponse struct {
	Outcome string `json:"outcome"`
}

// handleNotify persists and delivers a notification on behalf of a REST
// controller. Responds with the delivery outcome.
func (api *InternalAPI) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.To == "" || !notification.ValidType(req.Type) {
		http.Error(w, "missing recipient or invalid notification type", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	outcome, err := api.dispatcher.Notify(ctx, req.To, req.Type, req.Title, req.Content, req.Metadata)
	if err != nil {
		log.Printf("internal-api: notify to=%s failed: %v", req.To, err)
		http.Error(w, "notification could not be stored", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(notifyResponse{Outcome: string(outcome)})
}

type broadcastRequest struct {
	From             string `json:"from"`
	Message          string `json:"message"`
	TargetClientKind string `json:"target_client_kind,omitempty"`
}

type broadcastResponse struct {
	Targeted int `json:"targeted"`
}

// handleBroadcast fans a transient message out across the connected
// population on behalf of a REST controller.
func (api *InternalAPI) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.TargetClientKind != "" && !protocol.ValidKind(req.TargetClientKind) {
		http.Error(w, "unrecognized target client kind", http.StatusBadRequest)
		return
	}
	if err := message.ValidateBody(req.Message); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	from := req.From
	if from == "" {
		from = "system"
	}

	count := api.dispatcher.Broadcast(from, req.Message, req.TargetClientKind)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(broadcastResponse{Targeted: count})
}

type presenceResponse struct {
	Users []protocol.UserEntry `json:"users"`
}

// handlePresence returns the local presence snapshot, optionally filtered by
// ?kind=tenant|landlord.
func (api *InternalAPI) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind != "" && !protocol.ValidKind(kind) {
		http.Error(w, "unrecognized client kind", http.StatusBadRequest)
		return
	}

	var entries []presence.Entry
	if kind == "" {
		entries = api.directory.List()
	} else {
		entries = api.directory.ListByKind(kind)
	}

	users := make([]protocol.UserEntry, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.UserEntry{Identity: e.Identity, ClientKind: e.ClientKind})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(presenceResponse{Users: users})
}
