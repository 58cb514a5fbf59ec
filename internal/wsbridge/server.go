package wsbridge

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gridlink/relay/internal/relay"
	"github.com/gridlink/relay/internal/store"
)

// Requester is the subset of *relay.Dispatcher the HTTP layer needs to open
// and close browser-initiated remote connections.
type Requester interface {
	RequestRemoteConnection(chargerID int32, connNo int32, recipient relay.WsRecipient) error
	CloseRemoteConnection(chargerID, connNo int32)
}

// Server implements the GET /ws?key_id=<uuid> endpoint (spec.md ยง6). It
// authenticates the request via its session cookie (delegated to AuthFunc,
// since session/cookie handling is the HTTP API's concern and out of this
// module's scope per spec.md ยง1), acquires the requested slot, and drives
// the Client actor for the connection's lifetime.
type Server struct {
	slots      store.SlotStore
	dispatcher Requester
	sender     Sender
	auth       AuthFunc
	log        *slog.Logger
}

// AuthFunc resolves the authenticated owner UUID for an inbound WS upgrade
// request, or returns ok=false to reject it.
type AuthFunc func(r *http.Request) (owner uuid.UUID, ok bool)

// NewServer constructs the WebSocket bridge HTTP handler.
func NewServer(slots store.SlotStore, dispatcher Requester, sender Sender, auth AuthFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{slots: slots, dispatcher: dispatcher, sender: sender, auth: auth, log: logger}
}

// ServeHTTP implements http.Handler for GET /ws?key_id=<uuid>.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.auth(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	keyID, err := uuid.Parse(r.URL.Query().Get("key_id"))
	if err != nil {
		http.Error(w, "invalid key_id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	slot, err := s.slots.Acquire(ctx, keyID, owner)
	if err != nil {
		if err == store.ErrSlotInUse {
			http.Error(w, "slot already in use", http.StatusConflict)
			return
		}
		http.Error(w, "slot not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		_ = s.slots.Release(ctx, keyID)
		return
	}

	connNo := int32(rand.Int31())

	released := make(chan struct{})
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			s.dispatcher.CloseRemoteConnection(slot.ChargerID, connNo)
			if err := s.slots.Release(context.Background(), keyID); err != nil {
				s.log.Error("releasing slot", "key_id", keyID, "error", err)
			}
			close(released)
		})
	}

	client := NewClient(conn, s.sender, release, s.log)

	if err := s.dispatcher.RequestRemoteConnection(slot.ChargerID, connNo, client); err != nil {
		s.log.Error("requesting remote connection", "charger_id", slot.ChargerID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "charger unreachable")
		release()
		return
	}

	client.Run(r.Context())
	<-released
}
