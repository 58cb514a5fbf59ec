package relay

import (
	"net/netip"
	"sync"
)

// RemoteConnMeta identifies a browser-requested remote connection before
// and after port discovery completes (spec.md ยง3).
type RemoteConnMeta struct {
	ChargerID int32
	ConnNo    int32
}

// WsRecipient is a send-capable handle to a browser's WebSocket actor. The
// bridge dispatches to it without acquiring write locks on the tunnel
// (spec.md ยง3 Ownership note).
type WsRecipient interface {
	// DeliverFromCharger is called by the Dispatcher with a raw UDP payload
	// recognized as belonging to this browser session.
	DeliverFromCharger(payload []byte)
}

// EndpointSetter is implemented by WsRecipients that need to learn the
// charger's UDP endpoint once port discovery binds it (spec.md S3), so
// their own outbound forwarding path knows where to send.
type EndpointSetter interface {
	SetChargerEndpoint(addr netip.AddrPort)
}

// RemoteConnRegistry implements the invariant spec.md ยง3/ยง8 #1 requires: a
// RemoteConnMeta is in exactly one of undiscovered or web_client at any
// instant (or neither, if never opened). Both maps are guarded by the same
// mutex so a transition between them is atomic with respect to readers.
type RemoteConnRegistry struct {
	mu          sync.Mutex
	undiscovered map[RemoteConnMeta]WsRecipient
	webClient    map[netip.AddrPort]WsRecipient
	webClientKey map[netip.AddrPort]RemoteConnMeta
}

// NewRemoteConnRegistry creates an empty registry.
func NewRemoteConnRegistry() *RemoteConnRegistry {
	return &RemoteConnRegistry{
		undiscovered: make(map[RemoteConnMeta]WsRecipient),
		webClient:    make(map[netip.AddrPort]WsRecipient),
		webClientKey: make(map[netip.AddrPort]RemoteConnMeta),
	}
}

// PutUndiscovered registers recipient as awaiting port discovery for meta.
// Called when a browser's Connect/Ack handshake completes (spec.md S2).
func (r *RemoteConnRegistry) PutUndiscovered(meta RemoteConnMeta, recipient WsRecipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.undiscovered[meta] = recipient
}

// Discover moves meta from undiscovered to web_client keyed by addr,
// implementing spec.md ยง4.1 step 1's bind. Returns false if meta was not
// pending (e.g. already discovered, or its browser session went away).
func (r *RemoteConnRegistry) Discover(meta RemoteConnMeta, addr netip.AddrPort) (WsRecipient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recipient, ok := r.undiscovered[meta]
	if !ok {
		return nil, false
	}
	delete(r.undiscovered, meta)
	r.webClient[addr] = recipient
	r.webClientKey[addr] = meta
	return recipient, true
}

// LookupWebClient returns the recipient bound to addr, for the Dispatcher's
// "known browser source" fast path (spec.md ยง4.1 step 2).
func (r *RemoteConnRegistry) LookupWebClient(addr netip.AddrPort) (WsRecipient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recipient, ok := r.webClient[addr]
	return recipient, ok
}

// RemoveUndiscovered drops a pending entry without discovering it, e.g. when
// the browser disconnects before the charger's discovery reply arrives.
func (r *RemoteConnRegistry) RemoveUndiscovered(meta RemoteConnMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.undiscovered, meta)
}

// RemoveWebClient tears down a discovered binding by address, e.g. on WS
// close or session eviction, returning both the meta it was registered
// under and its recipient.
func (r *RemoteConnRegistry) RemoveWebClient(addr netip.AddrPort) (RemoteConnMeta, WsRecipient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.webClientKey[addr]
	if !ok {
		return RemoteConnMeta{}, nil, false
	}
	recipient := r.webClient[addr]
	delete(r.webClient, addr)
	delete(r.webClientKey, addr)
	return meta, recipient, true
}

// WebClientAddrsForCharger returns every source address currently bound to
// a remote connection of the given charger, for the Reaper's eviction pass
// (spec.md ยง4.7 step 3: "move their still-active browser connections to
// LostConnections").
func (r *RemoteConnRegistry) WebClientAddrsForCharger(chargerID int32) []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []netip.AddrPort
	for addr, meta := range r.webClientKey {
		if meta.ChargerID == chargerID {
			out = append(out, addr)
		}
	}
	return out
}

// lostEntry pairs a conn_no with the recipient waiting on it.
type lostEntry struct {
	connNo    int32
	recipient WsRecipient
}

// LostConnections holds browser sessions whose management tunnel died
// before acknowledgement (spec.md ยง3). Re-injected into undiscovered the
// next time that charger's management tunnel is reestablished.
type LostConnections struct {
	mu      sync.Mutex
	byChargerID map[int32][]lostEntry
}

// NewLostConnections creates an empty LostConnections holding area.
func NewLostConnections() *LostConnections {
	return &LostConnections{byChargerID: make(map[int32][]lostEntry)}
}

// Add queues a browser connection that lost its management session.
func (l *LostConnections) Add(chargerID, connNo int32, recipient WsRecipient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byChargerID[chargerID] = append(l.byChargerID[chargerID], lostEntry{connNo: connNo, recipient: recipient})
}

// DrainForCharger removes and returns every queued entry for chargerID, for
// re-emission as Connect frames once the management session is
// reestablished (spec.md ยง4.1 step 3, ยง8 #7).
func (l *LostConnections) DrainForCharger(chargerID int32) []lostEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.byChargerID[chargerID]
	delete(l.byChargerID, chargerID)
	return entries
}
