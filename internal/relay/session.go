package relay

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridlink/relay/internal/relay/ctrlproto"
	"github.com/gridlink/relay/internal/relay/metrics"
)

// ManagementSession binds a Tunnel + InnerStack + the charger's current
// public UDP endpoint, and exposes the framed control channel that runs
// over the inner TCP connection (spec.md ยง3, ยง4.5).
type ManagementSession struct {
	ChargerID int32

	tunnel *Tunnel

	mu        sync.Mutex
	addr      netip.AddrPort
	lastSeen  time.Time
	pending   map[int32]*pendingConn
	seq       uint16
	chargeLog *ctrlproto.ChargeLogMetadata

	ctrlConn net.Conn
	reader   *ctrlproto.Reader

	onChargeLog func(chargerID int32, meta ctrlproto.ChargeLogMetadata)

	log *slog.Logger
}

func newManagementSession(chargerID int32, t *Tunnel, addr netip.AddrPort, logger *slog.Logger) *ManagementSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagementSession{
		ChargerID: chargerID,
		tunnel:    t,
		addr:      addr,
		lastSeen:  time.Now(),
		pending:   make(map[int32]*pendingConn),
		log:       logger.With("charger_id", chargerID),
	}
}

// Touch refreshes last_seen, called on every datagram the dispatcher routes
// to this session (handshake traffic, transport data, keepalives).
func (s *ManagementSession) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// IdleSince returns how long it has been since the last observed traffic.
func (s *ManagementSession) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

// Addr returns the charger's currently known public UDP endpoint.
func (s *ManagementSession) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Decap routes an inbound ciphertext datagram through this session's
// Tunnel, draining any queued handshake replies per spec.md ยง4.3.
func (s *ManagementSession) Decap(payload []byte) Outcome {
	s.Touch()
	outcome := s.tunnel.Decap(payload)
	if outcome == OutcomeWriteBack {
		s.tunnel.DrainWriteBacks()
	}
	return outcome
}

// AttachControlConn wires the charger's inner TCP management connection
// (accepted by the InnerStack on port 12345) and starts the frame-reading
// loop. onFrame is invoked for every validly-framed ControlFrame; any
// validation error terminates the connection (spec.md ยง4.5,
// ControlFrameInvalid in spec.md ยง7) without destroying the session.
func (s *ManagementSession) AttachControlConn(conn net.Conn, onFrame func(ctrlproto.Frame)) {
	s.mu.Lock()
	s.ctrlConn = conn
	s.reader = ctrlproto.NewReader(conn)
	s.mu.Unlock()

	go func() {
		defer conn.Close()
		for {
			frame, err := s.reader.ReadFrame()
			if err != nil {
				metrics.ControlFrameInvalid.Inc()
				s.log.Debug("control connection closed", "error", err)
				s.mu.Lock()
				if s.ctrlConn == conn {
					s.ctrlConn = nil
					s.reader = nil
				}
				s.mu.Unlock()
				return
			}
			onFrame(frame)
		}
	}()
}

// SetChargeLogHandler registers the callback HandleChargeLogMetadata
// forwards a charge log announcement to, once stored. The charge-log HTTP
// route itself is an external collaborator (spec.md ยง1); this is the seam
// it hooks into to learn a transfer has started.
func (s *ManagementSession) SetChargeLogHandler(f func(chargerID int32, meta ctrlproto.ChargeLogMetadata)) {
	s.mu.Lock()
	s.onChargeLog = f
	s.mu.Unlock()
}

// HandleChargeLogMetadata stores the most recently announced charge log
// transfer for the session's lifetime and forwards it out-of-band to
// whatever external consumer registered via SetChargeLogHandler (spec.md
// ยง12: the relay's job is limited to surfacing the metadata, not serving
// the file). A second announcement before the first transfer completes
// replaces the stored metadata; the charger is not expected to interleave
// transfers.
func (s *ManagementSession) HandleChargeLogMetadata(meta ctrlproto.ChargeLogMetadata) {
	s.mu.Lock()
	s.chargeLog = &meta
	handler := s.onChargeLog
	s.mu.Unlock()

	s.log.Info("charge log metadata received",
		"filename", meta.Filename,
		"display_name", meta.DisplayName,
		"lang", string(meta.Lang[:]),
		"user_uuid", meta.UserUUID,
	)
	if handler != nil {
		handler(s.ChargerID, meta)
	}
}

// PendingChargeLog returns the most recently announced charge log transfer,
// if one is stored.
func (s *ManagementSession) PendingChargeLog() (ctrlproto.ChargeLogMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chargeLog == nil {
		return ctrlproto.ChargeLogMetadata{}, false
	}
	return *s.chargeLog, true
}

// ClearChargeLog drops the stored charge log metadata once its transfer
// completes or is abandoned.
func (s *ManagementSession) ClearChargeLog() {
	s.mu.Lock()
	s.chargeLog = nil
	s.mu.Unlock()
}

func (s *ManagementSession) sendManagementCommand(cmd ctrlproto.CommandID, connNo int32, connUUID uuid.UUID) error {
	s.mu.Lock()
	conn := s.ctrlConn
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}

	frame := ctrlproto.Frame{
		SeqNumber: seq,
		Type:      ctrlproto.TypeManagementCommand,
		Management: ctrlproto.ManagementCommand{
			Command:  cmd,
			ConnNo:   connNo,
			ConnUUID: connUUID,
		},
	}
	encoded, err := ctrlproto.Encode(frame)
	if err != nil {
		return err
	}
	_, err = conn.Write(encoded)
	return err
}

// SessionTable holds the two indexes spec.md ยง3/ยง4 require to agree:
// by_addr (source_addr -> Session) and by_id (charger_id -> Session). All
// mutating methods acquire both maps' locks in the total order spec.md ยง5
// mandates: by_addr before by_id.
type SessionTable struct {
	addrMu sync.Mutex
	byAddr map[netip.AddrPort]*ManagementSession

	idMu sync.Mutex
	byID map[int32]*ManagementSession
}

// NewSessionTable creates an empty SessionTable.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		byAddr: make(map[netip.AddrPort]*ManagementSession),
		byID:   make(map[int32]*ManagementSession),
	}
}

// Put inserts s into both indexes atomically with respect to other
// SessionTable operations, preserving the by_addr -> by_id lock order.
func (t *SessionTable) Put(s *ManagementSession) {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	t.idMu.Lock()
	defer t.idMu.Unlock()
	t.byAddr[s.Addr()] = s
	t.byID[s.ChargerID] = s
}

// GetByAddr looks up a session by the charger's current source address.
func (t *SessionTable) GetByAddr(addr netip.AddrPort) (*ManagementSession, bool) {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	s, ok := t.byAddr[addr]
	return s, ok
}

// GetByID looks up a session by charger ID.
func (t *SessionTable) GetByID(id int32) (*ManagementSession, bool) {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

// Remove atomically deletes s from both indexes, in the same by_addr ->
// by_id order used by Put, so a concurrent reader never observes the
// session present in one index and absent from the other.
func (t *SessionTable) Remove(s *ManagementSession) {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	t.idMu.Lock()
	defer t.idMu.Unlock()
	addr := s.Addr()
	if cur, ok := t.byAddr[addr]; ok && cur == s {
		delete(t.byAddr, addr)
	}
	if cur, ok := t.byID[s.ChargerID]; ok && cur == s {
		delete(t.byID, s.ChargerID)
	}
}

// All returns a snapshot of every live session, for the Reaper sweep.
func (t *SessionTable) All() []*ManagementSession {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	out := make([]*ManagementSession, 0, len(t.byAddr))
	for _, s := range t.byAddr {
		out = append(out, s)
	}
	return out
}
