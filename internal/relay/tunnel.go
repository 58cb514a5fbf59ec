package relay

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/gridlink/relay/internal/relay/metrics"
	"github.com/gridlink/relay/internal/relay/pcaptap"
	"github.com/gridlink/relay/internal/relay/ratelimit"
	"github.com/gridlink/relay/internal/wgkey"
)

// wgMessageTypeInitiation is the little-endian uint32 message-type field
// wireguard-go's noise protocol prefixes every handshake initiation with
// (golang.zx2c4.com/wireguard/device.MessageInitiationType). It is the only
// message type AllowHandshakeAttempt needs to gate: transport data and
// handshake responses/cookie replies are never rate-limited, matching the
// original service's RateLimiter (_examples/original_source/backend/src/udp_server/multiplex.rs),
// which consults its limiter on every decapsulate() call but only counts
// initiation messages against the budget.
const wgMessageTypeInitiation = 1

// Outcome mirrors the boringtun-shaped contract spec.md ยง4.3 describes for
// Tunnel.decap/encap (TunnResult in the original Rust service — see
// _examples/original_source/backend/src/udp_server/multiplex.rs). Go's
// idiomatic userspace WireGuard peer, golang.zx2c4.com/wireguard/device.Device,
// runs its own goroutines rather than exposing a synchronous
// decrypt-one-packet call, so Outcome here is reconstructed by observing a
// Tunnel's custom conn.Bind and TUN device rather than returned inline by a
// single function call. See DESIGN.md's "decap/encap outcome
// reconstruction" entry.
type Outcome int

const (
	// OutcomeDrop means Decap dropped a handshake initiation at the rate
	// limiter, or a nil/empty flush call saw no queued reply.
	OutcomeDrop Outcome = iota
	// OutcomePass means a non-empty datagram was handed to the device and
	// no reply was sent within decapGrace. It does not tell a datagram that
	// decrypted and reached the InnerStack apart from one the device
	// rejected (bad MAC, replay, unparseable).
	OutcomePass
	// OutcomeWriteBack means the datagram produced a reply that must be
	// sent back to the charger (handshake response/cookie reply). The
	// caller MUST keep calling Decap(nil) until it stops returning
	// OutcomeWriteBack, draining any further queued replies (spec.md
	// ยง4.3's flush requirement).
	OutcomeWriteBack
	// OutcomeError means the crypto layer faulted; the datagram is
	// dropped and the session is not destroyed for it (spec.md ยง4.3).
	OutcomeError
)

// decapGrace is how long Decap waits for the device's internal goroutines
// to react to an injected datagram before concluding nothing was queued.
// wireguard-go's handshake responder runs in-process with no network
// latency here, so this only needs to cover scheduler jitter.
const decapGrace = 20 * time.Millisecond

// Tunnel is one charger's WireGuard peer state: a userspace WireGuard
// device with exactly one peer, bound to the relay's shared UDP socket via
// wgBind, with its decrypted IPv4 traffic delivered into a gVisor netstack
// instance (the InnerStack).
//
// The InnerStack (its TCP listener plus accept-loop goroutine) is built
// lazily via attachInnerStack rather than in newTunnel: a trial-decryption
// candidate in PeerRegistry.CreateSession still needs its device brought up
// to observe Decap's outcome (wireguard-go's receive path only runs once
// Up() has started the device's goroutines), but it has no use for a
// listening inner stack unless it turns out to be the winning candidate.
// Deferring that allocation keeps a losing candidate's cost to one
// wireguard-go device instead of one device plus one netstack listener.
type Tunnel struct {
	chargerID int32
	addr      netip.AddrPort

	dev  *device.Device
	bind *wgBind
	ep   *chargerEndpoint

	tnet       *netstack.Net
	listenPort uint16
	pcap       *pcaptap.Tap
	inner      *InnerStack

	limiter *ratelimit.Limiter

	log *slog.Logger
}

// TunnelConfig carries the key material and addressing needed to stand up
// one charger's Tunnel.
type TunnelConfig struct {
	ChargerID      int32
	ServerPrivate  wgkey.Key
	ChargerPublic  wgkey.Key
	Preshared      wgkey.Key
	ServerInnerIP  netip.Addr
	Addr           netip.AddrPort
	InnerListenPort uint16
	MTU            int
	RateLimit      int
	Pcap           *pcaptap.Tap
}

// newTunnel constructs (but does not start) a Tunnel for one candidate
// charger key. Callers that reject this candidate must call Close without
// ever having sent it network traffic other than the trial datagram.
func newTunnel(cfg TunnelConfig, sender sharedSender, logger *slog.Logger) (*Tunnel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("charger_id", cfg.ChargerID, "addr", cfg.Addr)

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}

	tunDev, tnet, err := netstack.CreateNetTUN(
		[]netip.Addr{cfg.ServerInnerIP},
		nil,
		mtu,
	)
	if err != nil {
		return nil, fmt.Errorf("creating inner netstack TUN: %w", err)
	}

	ep := newChargerEndpoint(cfg.Addr)
	bind := newWGBind(sender, ep)

	wgLogger := &device.Logger{
		Verbosef: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "component", "wireguard")
		},
		Errorf: func(format string, args ...any) {
			logger.Error(fmt.Sprintf(format, args...), "component", "wireguard")
		},
	}

	dev := device.NewDevice(tun.Device(tunDev), bind, wgLogger)

	uapi := fmt.Sprintf(
		"private_key=%s\nlisten_port=0\npublic_key=%s\npreshared_key=%s\nallowed_ip=0.0.0.0/0\n",
		cfg.ServerPrivate.Hex(), cfg.ChargerPublic.Hex(), cfg.Preshared.Hex(),
	)
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configuring wireguard device: %w", err)
	}

	t := &Tunnel{
		chargerID:  cfg.ChargerID,
		addr:       cfg.Addr,
		dev:        dev,
		bind:       bind,
		ep:         ep,
		tnet:       tnet,
		listenPort: cfg.InnerListenPort,
		pcap:       cfg.Pcap,
		limiter:    ratelimit.New(max(cfg.RateLimit, 1)),
		log:        logger,
	}
	return t, nil
}

// attachInnerStack builds the gVisor-backed listener this tunnel hands
// accepted management connections through. Called once a trial-decryption
// candidate in PeerRegistry.CreateSession is confirmed to be the winner;
// never called for a candidate Close is about to discard.
func (t *Tunnel) attachInnerStack() error {
	inner, err := newInnerStack(t.tnet, t.listenPort, t.pcap, t.log)
	if err != nil {
		return fmt.Errorf("starting inner stack: %w", err)
	}
	t.inner = inner
	return nil
}

// start brings the underlying device up, beginning handshake/keepalive
// processing. Must be called before Decap/Encap are used in earnest.
func (t *Tunnel) start() error {
	if err := t.dev.Up(); err != nil {
		return fmt.Errorf("bringing up wireguard device: %w", err)
	}
	return nil
}

// Close tears down the device, TUN, and inner stack. Safe to call on a
// Tunnel that was never started, or never won trial decryption and so never
// had attachInnerStack called (e.g. a rejected trial-decryption candidate).
func (t *Tunnel) Close() {
	t.dev.Close()
	if t.inner != nil {
		_ = t.inner.Close()
	}
}

// Decap feeds one ciphertext datagram (or, for the post-WriteBack flush
// loop, a nil/empty slice) into the tunnel and reports what happened. A
// handshake initiation against an already-established session still
// consumes this tunnel's AllowHandshakeAttempt budget, so a charger-facing
// source cannot be flooded with forged initiations once past the initial
// trial-decryption gate in PeerRegistry.CreateSession.
func (t *Tunnel) Decap(ciphertext []byte) Outcome {
	if len(ciphertext) > 0 {
		if len(ciphertext) >= 4 && binary.LittleEndian.Uint32(ciphertext[:4]) == wgMessageTypeInitiation && !t.AllowHandshakeAttempt() {
			metrics.HandshakeRateLimited.Inc()
			return OutcomeDrop
		}
		t.bind.inject(ciphertext)
	}

	select {
	case pkt, ok := <-t.bind.sentCh:
		if !ok {
			return OutcomeError
		}
		_ = pkt // already written to the network by wgBind.Send
		return OutcomeWriteBack
	case <-time.After(decapGrace):
		if len(ciphertext) == 0 {
			return OutcomeDrop
		}
		return OutcomePass
	}
}

// DrainWriteBacks repeatedly calls Decap(nil) until it stops returning
// OutcomeWriteBack, at most eight times, per spec.md ยง4.3's requirement
// that queued handshake responses be flushed.
func (t *Tunnel) DrainWriteBacks() {
	for i := 0; i < 8; i++ {
		if t.Decap(nil) != OutcomeWriteBack {
			return
		}
	}
}

// Encap does not encrypt plaintext itself and does not use its argument:
// it waits up to decapGrace for the device to send a datagram, returning
// OutcomeWriteBack if one was sent and OutcomeDrop otherwise.
func (t *Tunnel) Encap(plaintext []byte) Outcome {
	// The netstack emits InnerStack packets on its TUN device; the device's
	// own RoutineReadFromTUN goroutine picks them up, encrypts them and
	// calls wgBind.Send. Nothing in this module calls Encap.
	select {
	case <-t.bind.sentCh:
		return OutcomeWriteBack
	case <-time.After(decapGrace):
		return OutcomeDrop
	}
}

// ResetRateCounter refills this tunnel's handshake attempt budget. Called
// by the Reaper every ReaperInterval (spec.md ยง4.3, ยง5).
func (t *Tunnel) ResetRateCounter() {
	t.limiter.Reset()
}

// AllowHandshakeAttempt reports whether another handshake initiation
// against this charger's key is currently permitted, consuming one token
// from the budget if so. Consulted by Decap for every initiation message,
// both during trial decryption and for the lifetime of an established
// session (see tunnel.go's wgMessageTypeInitiation gate).
func (t *Tunnel) AllowHandshakeAttempt() bool {
	return t.limiter.Allow()
}

// InnerStack exposes the tunnel's userspace TCP/IP stack.
func (t *Tunnel) InnerStack() *InnerStack {
	return t.inner
}
