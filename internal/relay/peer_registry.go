package relay

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/gridlink/relay/internal/relay/ctrlproto"
	"github.com/gridlink/relay/internal/relay/metrics"
	"github.com/gridlink/relay/internal/relay/pcaptap"
	"github.com/gridlink/relay/internal/store"
)

// PeerRegistryConfig carries the fixed parameters every trial-decryption
// Tunnel candidate is constructed with (spec.md ยง4.2).
type PeerRegistryConfig struct {
	InnerListenPort uint16
	MTU             int
	HandshakeRate   int
	Pcap            *pcaptap.Tap
}

// PeerRegistry resolves an inbound datagram from an unrecognized source to
// a charger identity by trial-decryption against every candidate charger
// previously associated with that address (spec.md ยง4.2).
type PeerRegistry struct {
	chargers store.ChargerStore
	sender   sharedSender
	cfg      PeerRegistryConfig
	log      *slog.Logger
}

// NewPeerRegistry constructs a PeerRegistry backed by chargers, sending any
// handshake replies through sender (the relay's single shared UDP socket).
func NewPeerRegistry(chargers store.ChargerStore, sender sharedSender, cfg PeerRegistryConfig, logger *slog.Logger) *PeerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerRegistry{chargers: chargers, sender: sender, cfg: cfg, log: logger}
}

// CreateSession attempts to resolve payload, received from addr, to a
// charger identity by constructing a fresh Tunnel per candidate and calling
// Decap. The first candidate whose Decap reports OutcomeWriteBack owns the
// datagram; every other candidate's Tunnel is torn down immediately after
// (spec.md ยง4.2). Each candidate's device is brought up so its internal
// goroutines can process the trial datagram (see tunnel.go's Tunnel doc
// comment); only the winner pays for a listening InnerStack, via
// attachInnerStack. Returns nil, nil if no candidate claims the datagram.
func (r *PeerRegistry) CreateSession(ctx context.Context, addr netip.AddrPort, payload []byte) (*ManagementSession, error) {
	candidates, err := r.chargers.CandidatesForAddr(ctx, addr.Addr())
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		metrics.UnknownPeerDropped.Inc()
		return nil, nil
	}

	for _, c := range candidates {
		tunnel, err := newTunnel(TunnelConfig{
			ChargerID:       c.ID,
			ServerPrivate:   c.ServerPrivate,
			ChargerPublic:   c.ChargerPublic,
			Preshared:       c.Preshared,
			ServerInnerIP:   c.ServerInnerIP,
			Addr:            addr,
			InnerListenPort: r.cfg.InnerListenPort,
			MTU:             r.cfg.MTU,
			RateLimit:       r.cfg.HandshakeRate,
			Pcap:            r.cfg.Pcap,
		}, r.sender, r.log)
		if err != nil {
			r.log.Error("constructing trial tunnel", "charger_id", c.ID, "error", err)
			continue
		}
		if err := tunnel.start(); err != nil {
			r.log.Error("starting trial tunnel", "charger_id", c.ID, "error", err)
			tunnel.Close()
			continue
		}

		outcome := tunnel.Decap(payload)
		if outcome != OutcomeWriteBack {
			tunnel.Close()
			continue
		}

		if err := tunnel.attachInnerStack(); err != nil {
			r.log.Error("attaching inner stack to winning candidate", "charger_id", c.ID, "error", err)
			tunnel.Close()
			return nil, err
		}

		tunnel.DrainWriteBacks()
		_ = r.chargers.RecordLastSeenIP(ctx, c.ID, addr.Addr())
		metrics.SessionsCreated.Inc()
		session := newManagementSession(c.ID, tunnel, addr, r.log)
		// Counts every charge log announcement even if nothing external is
		// listening yet; a caller that cares replaces this with
		// SetChargeLogHandler.
		session.SetChargeLogHandler(func(int32, ctrlproto.ChargeLogMetadata) {
			metrics.ChargeLogAnnounced.Inc()
		})
		return session, nil
	}

	metrics.HandshakeFailedDropped.Inc()
	return nil, nil
}
