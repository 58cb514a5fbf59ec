package relay

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPortDiscoveryReplyRoundTrip(t *testing.T) {
	t.Parallel()

	r := PortDiscoveryReply{ChargerID: 42, ConnNo: 7, ConnUUID: uuid.New()}
	encoded := r.Encode()
	if len(encoded) != PortDiscoveryReplyLen {
		t.Fatalf("encoded length = %d, want %d", len(encoded), PortDiscoveryReplyLen)
	}

	decoded, ok := ParsePortDiscoveryReply(encoded)
	if !ok {
		t.Fatal("ParsePortDiscoveryReply rejected a validly encoded reply")
	}
	if decoded != r {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, r)
	}
}

func TestParsePortDiscoveryReplyRejectsWrongLength(t *testing.T) {
	t.Parallel()

	if _, ok := ParsePortDiscoveryReply(make([]byte, 100)); ok {
		t.Fatal("accepted a 100-byte garbage datagram as a discovery reply")
	}
}

func TestParsePortDiscoveryReplyRejectsNonZeroHighBits(t *testing.T) {
	t.Parallel()

	r := PortDiscoveryReply{ChargerID: 1, ConnNo: 1, ConnUUID: uuid.New()}
	encoded := r.Encode()
	encoded[0] = 0xFF // corrupt the high 96 bits of charger_id

	if _, ok := ParsePortDiscoveryReply(encoded); ok {
		t.Fatal("accepted a reply with non-zero high charger_id bits")
	}
}

func TestPortDiscoverySetExpectMatch(t *testing.T) {
	t.Parallel()

	s := NewPortDiscoverySet(0)
	reply := PortDiscoveryReply{ChargerID: 1, ConnNo: 2, ConnUUID: uuid.New()}
	meta := RemoteConnMeta{ChargerID: 1, ConnNo: 2}

	s.Expect(reply, meta)

	got, ok := s.Match(reply)
	if !ok || got != meta {
		t.Fatalf("Match = %+v, %v; want %+v, true", got, ok, meta)
	}

	if _, ok := s.Match(reply); ok {
		t.Fatal("Match succeeded twice for the same entry; it should be consumed")
	}
}

func TestPortDiscoverySetMatchUnknownFails(t *testing.T) {
	t.Parallel()

	s := NewPortDiscoverySet(0)
	if _, ok := s.Match(PortDiscoveryReply{ChargerID: 1, ConnNo: 1, ConnUUID: uuid.New()}); ok {
		t.Fatal("Match succeeded for an entry never registered")
	}
}

func TestPortDiscoverySetPrune(t *testing.T) {
	t.Parallel()

	s := NewPortDiscoverySet(10 * time.Millisecond)
	reply := PortDiscoveryReply{ChargerID: 1, ConnNo: 1, ConnUUID: uuid.New()}
	s.Expect(reply, RemoteConnMeta{ChargerID: 1, ConnNo: 1})

	if removed := s.Prune(time.Now()); removed != 0 {
		t.Fatalf("pruned %d entries before TTL elapsed, want 0", removed)
	}

	if removed := s.Prune(time.Now().Add(time.Second)); removed != 1 {
		t.Fatalf("pruned %d entries after TTL elapsed, want 1", removed)
	}

	if _, ok := s.Match(reply); ok {
		t.Fatal("pruned entry still matched")
	}
}

func TestPortDiscoverySetForget(t *testing.T) {
	t.Parallel()

	s := NewPortDiscoverySet(0)
	reply := PortDiscoveryReply{ChargerID: 1, ConnNo: 1, ConnUUID: uuid.New()}
	s.Expect(reply, RemoteConnMeta{ChargerID: 1, ConnNo: 1})
	s.Forget(reply)

	if _, ok := s.Match(reply); ok {
		t.Fatal("forgotten entry still matched")
	}
}
