package relay

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/gridlink/relay/internal/relay/ctrlproto"
	"github.com/gridlink/relay/internal/relay/metrics"
	"github.com/gridlink/relay/internal/relay/ratelimit"
)

// datagram is one unit of work submitted to a Dispatcher worker.
type datagram struct {
	addr    netip.AddrPort
	payload []byte
}

// DispatcherConfig bounds the worker pool and the handshake-attempt budget
// applied to unrecognized sources (spec.md ยง4.1, ยง5, ยง8 #5).
type DispatcherConfig struct {
	Workers          int
	WorkerQueueDepth int
	HandshakeRatePerSource int
	HandshakeAllocPerSecond float64
}

// Dispatcher is the single hot path described in spec.md ยง4.1: it reads one
// UDP socket, classifies each datagram, and routes it to one of three
// sinks (port discovery, a known browser source, or a management session),
// handing the work to a bounded worker pool affinity-hashed by source
// address so per-flow ordering is preserved (spec.md ยง5, ยง8 #8).
type Dispatcher struct {
	conn *net.UDPConn

	sessions     *SessionTable
	discovery    *PortDiscoverySet
	registry     *RemoteConnRegistry
	lost         *LostConnections
	peers        *PeerRegistry
	handshakeLim *ratelimit.PerSource

	mu                sync.Mutex
	pendingRecipients map[RemoteConnMeta]WsRecipient

	workers []chan datagram

	log *slog.Logger
}

// NewDispatcher wires a Dispatcher around the shared UDP socket and the
// process-wide routing tables (spec.md ยง9: "construct them at startup, pass
// them by shared handle").
func NewDispatcher(conn *net.UDPConn, sessions *SessionTable, discovery *PortDiscoverySet, registry *RemoteConnRegistry, lost *LostConnections, peers *PeerRegistry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	depth := cfg.WorkerQueueDepth
	if depth < 1 {
		depth = 256
	}
	rate := cfg.HandshakeRatePerSource
	if rate < 1 {
		rate = 10
	}
	allocRate := cfg.HandshakeAllocPerSecond
	if allocRate <= 0 {
		allocRate = 50
	}

	d := &Dispatcher{
		conn:              conn,
		sessions:          sessions,
		discovery:         discovery,
		registry:          registry,
		lost:              lost,
		peers:             peers,
		handshakeLim:      ratelimit.NewPerSource(rate, allocRate),
		pendingRecipients: make(map[RemoteConnMeta]WsRecipient),
		workers:           make([]chan datagram, workers),
		log:               logger,
	}
	for i := range d.workers {
		d.workers[i] = make(chan datagram, depth)
		go d.runWorker(d.workers[i])
	}
	return d
}

// Run owns the dedicated UDP read loop (spec.md ยง5: "One dedicated OS
// thread owns the UDP read loop"). It blocks until the socket is closed, or
// until ctx is cancelled (checked between reads). Other read errors are
// logged and the loop continues.
func (d *Dispatcher) Run(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, addr, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.log.Error("udp read failed", "error", err)
			continue
		}
		metrics.DatagramsTotal.Inc()

		payload := make([]byte, n)
		copy(payload, buf[:n])

		worker := d.affinity(addr)
		select {
		case d.workers[worker] <- datagram{addr: addr, payload: payload}:
		default:
			// Worker queue saturated: drop rather than block the read loop
			// (spec.md ยง5: nothing else may stall recvfrom).
			d.log.Warn("worker queue saturated, dropping datagram", "worker", worker)
		}
	}
}

// affinity hashes src_addr onto a single worker slot, REQUIRED by spec.md
// ยง5/ยง9 so datagrams from the same source are never reordered relative to
// each other.
func (d *Dispatcher) affinity(addr netip.AddrPort) int {
	h := fnv.New32a()
	b := addr.Addr().AsSlice()
	h.Write(b)
	h.Write([]byte{byte(addr.Port()), byte(addr.Port() >> 8)})
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ch chan datagram) {
	for dg := range ch {
		d.classify(context.Background(), dg.addr, dg.payload)
	}
}

// classify implements the exact 3-step order spec.md ยง4.1 mandates.
func (d *Dispatcher) classify(ctx context.Context, addr netip.AddrPort, payload []byte) {
	if len(payload) == PortDiscoveryReplyLen {
		if reply, ok := ParsePortDiscoveryReply(payload); ok {
			if d.tryDiscovery(reply, addr) {
				return
			}
		}
	}

	if recipient, ok := d.registry.LookupWebClient(addr); ok {
		metrics.KnownBrowserHits.Inc()
		recipient.DeliverFromCharger(payload)
		return
	}

	d.manageDatagram(ctx, addr, payload)
}

func (d *Dispatcher) tryDiscovery(reply PortDiscoveryReply, addr netip.AddrPort) bool {
	meta, ok := d.discovery.Match(reply)
	if !ok {
		return false
	}
	metrics.DiscoveryHits.Inc()
	recipient, ok := d.registry.Discover(meta, addr)
	if ok {
		if setter, implements := recipient.(EndpointSetter); implements {
			setter.SetChargerEndpoint(addr)
		}
	}
	if session, ok := d.sessions.GetByID(meta.ChargerID); ok {
		session.MarkActive(meta.ConnNo)
	}
	return true
}

func (d *Dispatcher) manageDatagram(ctx context.Context, addr netip.AddrPort, payload []byte) {
	if session, ok := d.sessions.GetByAddr(addr); ok {
		session.Decap(payload)
		return
	}

	limiter, allowed := d.handshakeLim.Get(addr.Addr().String())
	if !allowed || !limiter.Allow() {
		metrics.HandshakeFailedDropped.Inc()
		return
	}

	session, err := d.peers.CreateSession(ctx, addr, payload)
	if err != nil {
		d.log.Debug("session creation failed", "addr", addr, "error", err)
		return
	}
	if session == nil {
		return
	}

	d.sessions.Put(session)
	go d.serveControlConns(session)
	d.drainLostConnections(session)
}

// serveControlConns attaches the ControlProtocol frame handler to every
// inner TCP connection the charger opens for the lifetime of session. A
// dropped control connection (spec.md ยง7 ControlFrameInvalid) does not end
// the session: the charger is expected to reconnect, so this keeps
// accepting until the InnerStack itself is closed by session eviction.
func (d *Dispatcher) serveControlConns(session *ManagementSession) {
	inner := session.tunnel.InnerStack()
	for {
		select {
		case conn, ok := <-inner.Accept():
			if !ok {
				return
			}
			session.AttachControlConn(conn, func(f ctrlproto.Frame) {
				d.onControlFrame(session, f)
			})
		case <-inner.Done():
			return
		}
	}
}

// drainLostConnections implements spec.md ยง4.1 step 3's "drain any queued
// LostConnections for that charger, re-injecting them into undiscovered and
// emitting one Connect control frame per queued item" (also spec.md ยง8 #7).
func (d *Dispatcher) drainLostConnections(session *ManagementSession) {
	entries := d.lost.DrainForCharger(session.ChargerID)
	for _, e := range entries {
		meta := RemoteConnMeta{ChargerID: session.ChargerID, ConnNo: e.connNo}
		d.registry.PutUndiscovered(meta, e.recipient)
		metrics.LostConnectionsDrained.Inc()
		if err := session.reemitConnect(e.connNo); err != nil {
			d.log.Error("re-emitting connect for recovered connection", "charger_id", session.ChargerID, "conn_no", e.connNo, "error", err)
		}
	}
}

// RequestRemoteConnection is called by the WsBridge/HTTP layer when a
// browser opens a WebSocket wanting a fresh remote tunnel to chargerID
// (spec.md S2). It drives the session's Idle->AwaitAck transition and
// arranges for the eventual Ack to register the port-discovery expectation.
func (d *Dispatcher) RequestRemoteConnection(chargerID int32, connNo int32, recipient WsRecipient) error {
	session, ok := d.sessions.GetByID(chargerID)
	if !ok {
		d.lost.Add(chargerID, connNo, recipient)
		return nil
	}

	meta := RemoteConnMeta{ChargerID: chargerID, ConnNo: connNo}
	d.mu.Lock()
	d.pendingRecipients[meta] = recipient
	d.mu.Unlock()

	_, err := session.RequestConnect(connNo, func() {
		d.mu.Lock()
		delete(d.pendingRecipients, meta)
		d.mu.Unlock()
	})
	return err
}

// CloseRemoteConnection tears down a browser-initiated remote connection,
// used on WS close (spec.md ยง4.6, ยง5 Cancellation).
func (d *Dispatcher) CloseRemoteConnection(chargerID, connNo int32) {
	meta := RemoteConnMeta{ChargerID: chargerID, ConnNo: connNo}
	d.registry.RemoveUndiscovered(meta)
	d.mu.Lock()
	delete(d.pendingRecipients, meta)
	d.mu.Unlock()

	if session, ok := d.sessions.GetByID(chargerID); ok {
		session.CloseConnection(connNo)
	}
}

// HandshakeLimiter exposes the per-source handshake-attempt budget so the
// Reaper can reset it on its own cadence (spec.md ยง5, ยง9: "could legitimately
// be independent" of the idle-eviction cadence).
func (d *Dispatcher) HandshakeLimiter() *ratelimit.PerSource {
	return d.handshakeLim
}

// onControlFrame handles one parsed ControlProtocol frame from a session's
// inner TCP connection (spec.md ยง4.5). It is passed to
// ManagementSession.AttachControlConn as the frame callback.
func (d *Dispatcher) onControlFrame(session *ManagementSession, frame ctrlproto.Frame) {
	switch frame.Type {
	case ctrlproto.TypeAck:
		d.handleAck(session, frame)
	case ctrlproto.TypeNack:
		d.handleNack(session, frame)
	case ctrlproto.TypeChargeLogMetadata:
		session.HandleChargeLogMetadata(frame.ChargeLog)
	default:
		// RequestChargeLogSend/ManagementCommand arriving from the charger
		// carry no payload this module acts on; the actual file transfer
		// runs over the charger's remote connection and the HTTP API that
		// serves it remains an external collaborator (spec.md ยง1).
	}
}

func (d *Dispatcher) handleAck(session *ManagementSession, frame ctrlproto.Frame) {
	connNo := frame.Management.ConnNo
	connUUID := frame.Management.ConnUUID
	session.HandleAck(connNo, connUUID)

	meta := RemoteConnMeta{ChargerID: session.ChargerID, ConnNo: connNo}
	d.mu.Lock()
	recipient, ok := d.pendingRecipients[meta]
	delete(d.pendingRecipients, meta)
	d.mu.Unlock()
	if !ok {
		return
	}

	d.registry.PutUndiscovered(meta, recipient)
	d.discovery.Expect(PortDiscoveryReply{ChargerID: session.ChargerID, ConnNo: connNo, ConnUUID: connUUID}, meta)
}

func (d *Dispatcher) handleNack(session *ManagementSession, frame ctrlproto.Frame) {
	connNo := frame.Management.ConnNo
	meta := RemoteConnMeta{ChargerID: session.ChargerID, ConnNo: connNo}

	onFailure := func() {
		d.mu.Lock()
		recipient, ok := d.pendingRecipients[meta]
		delete(d.pendingRecipients, meta)
		d.mu.Unlock()
		if ok {
			// The browser-facing failure notification itself is delivered
			// by the WsBridge layer, which owns the WebSocket; recipient is
			// retained here only to confirm cleanup ran.
			_ = recipient
		}
	}
	onRetry := func() {
		_ = session.reemitConnect(connNo)
	}
	session.HandleNack(connNo, frame.Nack.Reason, onFailure, onRetry)
}
