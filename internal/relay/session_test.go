package relay

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"

	"github.com/gridlink/relay/internal/relay/ctrlproto"
)

func TestSessionTablePutAndLookup(t *testing.T) {
	t.Parallel()

	table := NewSessionTable()
	addr := netip.MustParseAddrPort("203.0.113.1:51820")
	s := newManagementSession(7, nil, addr, nil)
	table.Put(s)

	if got, ok := table.GetByAddr(addr); !ok || got != s {
		t.Fatalf("GetByAddr = %v, %v; want session, true", got, ok)
	}
	if got, ok := table.GetByID(7); !ok || got != s {
		t.Fatalf("GetByID = %v, %v; want session, true", got, ok)
	}
}

func TestSessionTableRemoveIsAtomicAcrossIndexes(t *testing.T) {
	t.Parallel()

	table := NewSessionTable()
	addr := netip.MustParseAddrPort("203.0.113.1:51820")
	s := newManagementSession(7, nil, addr, nil)
	table.Put(s)
	table.Remove(s)

	if _, ok := table.GetByAddr(addr); ok {
		t.Fatal("by_addr still has entry after Remove")
	}
	if _, ok := table.GetByID(7); ok {
		t.Fatal("by_id still has entry after Remove")
	}
}

func TestSessionTableRemoveDoesNotClobberReplacement(t *testing.T) {
	t.Parallel()

	table := NewSessionTable()
	addr := netip.MustParseAddrPort("203.0.113.1:51820")
	old := newManagementSession(7, nil, addr, nil)
	table.Put(old)

	// Charger reconnects from the same address under a fresh session
	// object (spec.md ยง9: a new handshake is required on address change,
	// but the degenerate same-address case must not let a stale Remove
	// evict the live replacement).
	fresh := newManagementSession(7, nil, addr, nil)
	table.Put(fresh)

	table.Remove(old)

	if got, ok := table.GetByAddr(addr); !ok || got != fresh {
		t.Fatalf("GetByAddr = %v, %v; want fresh session still present", got, ok)
	}
	if got, ok := table.GetByID(7); !ok || got != fresh {
		t.Fatalf("GetByID = %v, %v; want fresh session still present", got, ok)
	}
}

func TestHandleChargeLogMetadataStoresAndForwards(t *testing.T) {
	t.Parallel()

	s := newManagementSession(7, nil, netip.MustParseAddrPort("203.0.113.1:51820"), nil)

	var gotChargerID int32
	var gotMeta ctrlproto.ChargeLogMetadata
	calls := 0
	s.SetChargeLogHandler(func(chargerID int32, meta ctrlproto.ChargeLogMetadata) {
		calls++
		gotChargerID = chargerID
		gotMeta = meta
	})

	meta := ctrlproto.ChargeLogMetadata{
		UserUUID:    uuid.New(),
		Lang:        [2]byte{'e', 'n'},
		Filename:    "log-001.bin",
		DisplayName: "Session 2026-08-01",
	}
	s.HandleChargeLogMetadata(meta)

	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
	if gotChargerID != 7 {
		t.Fatalf("handler saw charger_id = %d, want 7", gotChargerID)
	}
	if gotMeta != meta {
		t.Fatalf("handler saw %+v, want %+v", gotMeta, meta)
	}

	pending, ok := s.PendingChargeLog()
	if !ok {
		t.Fatal("PendingChargeLog() ok = false after HandleChargeLogMetadata")
	}
	if pending != meta {
		t.Fatalf("PendingChargeLog() = %+v, want %+v", pending, meta)
	}

	s.ClearChargeLog()
	if _, ok := s.PendingChargeLog(); ok {
		t.Fatal("PendingChargeLog() ok = true after ClearChargeLog")
	}
}

func TestHandleChargeLogMetadataWithoutHandlerStillStores(t *testing.T) {
	t.Parallel()

	s := newManagementSession(7, nil, netip.MustParseAddrPort("203.0.113.1:51820"), nil)
	meta := ctrlproto.ChargeLogMetadata{Filename: "a.bin", DisplayName: "A"}

	s.HandleChargeLogMetadata(meta)

	pending, ok := s.PendingChargeLog()
	if !ok || pending.Filename != "a.bin" {
		t.Fatalf("PendingChargeLog() = %+v, %v; want stored metadata", pending, ok)
	}
}

func TestSessionTableAll(t *testing.T) {
	t.Parallel()

	table := NewSessionTable()
	table.Put(newManagementSession(1, nil, netip.MustParseAddrPort("203.0.113.1:1"), nil))
	table.Put(newManagementSession(2, nil, netip.MustParseAddrPort("203.0.113.2:2"), nil))

	if got := len(table.All()); got != 2 {
		t.Fatalf("All() returned %d sessions, want 2", got)
	}
}
