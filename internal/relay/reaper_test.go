package relay

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gridlink/relay/internal/relay/ratelimit"
)

func TestNewReaperFallsBackToPackageDefaults(t *testing.T) {
	t.Parallel()

	r := NewReaper(NewSessionTable(), NewPortDiscoverySet(0), NewRemoteConnRegistry(), NewLostConnections(), ratelimit.NewPerSource(10, 50), 0, 0, nil)
	if r.idleThreshold != IdleThreshold {
		t.Fatalf("idleThreshold = %v, want default %v", r.idleThreshold, IdleThreshold)
	}
	if r.interval != ReaperInterval {
		t.Fatalf("interval = %v, want default %v", r.interval, ReaperInterval)
	}
}

func TestNewReaperHonorsExplicitDurations(t *testing.T) {
	t.Parallel()

	r := NewReaper(NewSessionTable(), NewPortDiscoverySet(0), NewRemoteConnRegistry(), NewLostConnections(), ratelimit.NewPerSource(10, 50), 5*time.Second, time.Second, nil)
	if r.idleThreshold != 5*time.Second {
		t.Fatalf("idleThreshold = %v, want 5s", r.idleThreshold)
	}
	if r.interval != time.Second {
		t.Fatalf("interval = %v, want 1s", r.interval)
	}
}

func TestSweepResetsHandshakeLimiterAndPrunesDiscovery(t *testing.T) {
	t.Parallel()

	handshakeLim := ratelimit.NewPerSource(1, 1000)
	limiter, ok := handshakeLim.Get("203.0.113.1")
	if !ok {
		t.Fatal("Get unexpectedly rate-limited")
	}
	if !limiter.Allow() {
		t.Fatal("expected the single token to be available")
	}
	if limiter.Allow() {
		t.Fatal("expected exhaustion after consuming the only token")
	}

	discovery := NewPortDiscoverySet(time.Millisecond)
	reply := PortDiscoveryReply{ChargerID: 1, ConnNo: 1, ConnUUID: uuid.New()}
	discovery.Expect(reply, RemoteConnMeta{ChargerID: 1, ConnNo: 1})

	r := NewReaper(NewSessionTable(), discovery, NewRemoteConnRegistry(), NewLostConnections(), handshakeLim, 0, 0, nil)
	r.sweep(time.Now().Add(time.Second))

	if !limiter.Allow() {
		t.Fatal("sweep did not reset the handshake limiter")
	}
	if _, ok := discovery.Match(reply); ok {
		t.Fatal("sweep did not prune the stale discovery entry")
	}
}

// TestEvictMigratesWebClientsToLostConnections exercises the same
// registry -> LostConnections migration Reaper.evict performs on a session
// eviction (spec.md ยง8 #6, ยง4.7 step 3), without needing a live Tunnel to
// close.
func TestEvictMigratesWebClientsToLostConnections(t *testing.T) {
	t.Parallel()

	registry := NewRemoteConnRegistry()
	lost := NewLostConnections()
	addr := netip.MustParseAddrPort("203.0.113.5:51820")
	recipient := &fakeRecipient{}
	meta := RemoteConnMeta{ChargerID: 42, ConnNo: 3}
	registry.PutUndiscovered(meta, recipient)
	registry.Discover(meta, addr)

	for _, webAddr := range registry.WebClientAddrsForCharger(42) {
		gotMeta, gotRecipient, ok := registry.RemoveWebClient(webAddr)
		if !ok {
			continue
		}
		lost.Add(42, gotMeta.ConnNo, gotRecipient)
	}

	entries := lost.DrainForCharger(42)
	if len(entries) != 1 || entries[0].recipient != recipient || entries[0].connNo != 3 {
		t.Fatalf("lost connections after eviction = %+v, want one entry for conn_no 3", entries)
	}
}
