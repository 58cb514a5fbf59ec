package relay

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PortDiscoveryReplyLen is the fixed wire size of a PortDiscoveryReply
// datagram (spec.md ยง3): charger_id (u128) || conn_no (i32) || connection_uuid (u128).
const PortDiscoveryReplyLen = 16 + 4 + 16

// portDiscoveryTTL is how long a pending discovery entry survives before the
// Reaper prunes it (spec.md ยง4.7 step 4).
const portDiscoveryTTL = 30 * time.Second

// PortDiscoveryReply is the parsed form of the 36-byte marker datagram a
// charger sends to punch through to a newly requested remote connection.
type PortDiscoveryReply struct {
	ChargerID int32
	ConnNo    int32
	ConnUUID  uuid.UUID
}

// ParsePortDiscoveryReply decodes b as a PortDiscoveryReply. The charger_id
// field is carried in a u128 on the wire; this relay's charger identifiers
// are int32, so only the low 4 bytes are meaningful and the high 12 bytes
// must be zero (anything else cannot be a valid reply and is rejected by
// the caller treating ok=false the same as a non-match).
func ParsePortDiscoveryReply(b []byte) (PortDiscoveryReply, bool) {
	if len(b) != PortDiscoveryReplyLen {
		return PortDiscoveryReply{}, false
	}
	for _, zb := range b[0:12] {
		if zb != 0 {
			return PortDiscoveryReply{}, false
		}
	}
	chargerID := int32(binary.BigEndian.Uint32(b[12:16]))
	connNo := int32(binary.LittleEndian.Uint32(b[16:20]))
	var u uuid.UUID
	copy(u[:], b[20:36])
	return PortDiscoveryReply{ChargerID: chargerID, ConnNo: connNo, ConnUUID: u}, true
}

// Encode serializes r back to its 36-byte wire form, used by tests and by
// anything synthesizing a reply for a loopback harness.
func (r PortDiscoveryReply) Encode() []byte {
	b := make([]byte, PortDiscoveryReplyLen)
	binary.BigEndian.PutUint32(b[12:16], uint32(r.ChargerID))
	binary.LittleEndian.PutUint32(b[16:20], uint32(r.ConnNo))
	copy(b[20:36], r.ConnUUID[:])
	return b
}

type pendingDiscovery struct {
	meta    RemoteConnMeta
	created time.Time
}

// PortDiscoverySet is the short-lived map of expected charger->server
// punch-through replies (spec.md ยง2, ยง4.1 step 1).
type PortDiscoverySet struct {
	mu      sync.Mutex
	pending map[PortDiscoveryReply]pendingDiscovery
	ttl     time.Duration
}

// NewPortDiscoverySet creates an empty set. ttl falls back to
// portDiscoveryTTL when zero.
func NewPortDiscoverySet(ttl time.Duration) *PortDiscoverySet {
	if ttl == 0 {
		ttl = portDiscoveryTTL
	}
	return &PortDiscoverySet{pending: make(map[PortDiscoveryReply]pendingDiscovery), ttl: ttl}
}

// Expect registers that the given (charger,conn,uuid) triple is an expected
// future punch-through marker for meta. Called when a Connect command is
// emitted to the charger's management session.
func (s *PortDiscoverySet) Expect(reply PortDiscoveryReply, meta RemoteConnMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[reply] = pendingDiscovery{meta: meta, created: time.Now()}
}

// Match consumes the entry for reply if present, returning the
// RemoteConnMeta it was registered for (spec.md ยง4.1 step 1: "remove it").
func (s *PortDiscoverySet) Match(reply PortDiscoveryReply) (RemoteConnMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pd, ok := s.pending[reply]
	if !ok {
		return RemoteConnMeta{}, false
	}
	delete(s.pending, reply)
	return pd.meta, true
}

// Forget removes a pending entry without matching it, e.g. when the browser
// session that requested it goes away first.
func (s *PortDiscoverySet) Forget(reply PortDiscoveryReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, reply)
}

// Prune removes every entry older than the set's TTL, per spec.md ยง4.7
// step 4. Called once per Reaper tick.
func (s *PortDiscoverySet) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, pd := range s.pending {
		if now.Sub(pd.created) > s.ttl {
			delete(s.pending, k)
			removed++
		}
	}
	return removed
}
