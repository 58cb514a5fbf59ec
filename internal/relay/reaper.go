package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridlink/relay/internal/relay/metrics"
	"github.com/gridlink/relay/internal/relay/ratelimit"
)

// ReaperInterval is the fixed sweep cadence (spec.md ยง4.7, ยง5: 10 s brackets
// at least one 120 s-keepalive cycle's jitter window with room to spare).
const ReaperInterval = 10 * time.Second

// IdleThreshold is how long a ManagementSession may go without observed
// traffic before the Reaper evicts it (spec.md ยง3, ยง4.7).
const IdleThreshold = 30 * time.Second

// Reaper runs the single periodic sweep spec.md ยง4.7 describes: evict idle
// sessions, reset per-peer handshake rate limiters, and prune stale
// port-discovery entries. Grounded on the original service's dedicated
// rate-limiter-reset thread (see udp_server::mod's
// start_rate_limiters_reset_thread), generalized to also own idle eviction
// and discovery pruning in one sweep.
type Reaper struct {
	sessions     *SessionTable
	discovery    *PortDiscoverySet
	registry     *RemoteConnRegistry
	lost         *LostConnections
	handshakeLim *ratelimit.PerSource

	idleThreshold time.Duration
	interval      time.Duration

	log *slog.Logger
}

// NewReaper constructs a Reaper over the process-wide routing tables.
// idleThreshold and interval fall back to IdleThreshold/ReaperInterval when
// zero (spec.md ยง9: the two cadences may legitimately be configured
// independently).
func NewReaper(sessions *SessionTable, discovery *PortDiscoverySet, registry *RemoteConnRegistry, lost *LostConnections, handshakeLim *ratelimit.PerSource, idleThreshold, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if idleThreshold == 0 {
		idleThreshold = IdleThreshold
	}
	if interval == 0 {
		interval = ReaperInterval
	}
	return &Reaper{
		sessions:      sessions,
		discovery:     discovery,
		registry:      registry,
		lost:          lost,
		handshakeLim:  handshakeLim,
		idleThreshold: idleThreshold,
		interval:      interval,
		log:           logger,
	}
}

// Run sleeps on a timer and performs one sweep per tick until ctx is
// cancelled (spec.md ยง5: "The Reaper is a dedicated thread sleeping on a
// timer").
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Reaper) sweep(now time.Time) {
	evicted := 0
	for _, session := range r.sessions.All() {
		if session.IdleSince() > r.idleThreshold {
			r.evict(session)
			evicted++
			continue
		}
		session.tunnel.ResetRateCounter()
	}
	if evicted > 0 {
		r.log.Info("reaper evicted idle sessions", "count", evicted)
	}

	r.handshakeLim.ResetAll()

	if pruned := r.discovery.Prune(now); pruned > 0 {
		r.log.Debug("reaper pruned stale port-discovery entries", "count", pruned)
	}
}

// evict implements spec.md ยง4.7 step 3: remove from both indexes and move
// the session's still-active browser connections to LostConnections, keyed
// by the original charger_id (spec.md ยง8 #6).
func (r *Reaper) evict(session *ManagementSession) {
	r.sessions.Remove(session)
	metrics.SessionsEvicted.Inc()

	for _, addr := range r.registry.WebClientAddrsForCharger(session.ChargerID) {
		meta, recipient, ok := r.registry.RemoveWebClient(addr)
		if !ok {
			continue
		}
		r.lost.Add(session.ChargerID, meta.ConnNo, recipient)
		metrics.LostConnectionsQueued.Inc()
	}

	session.tunnel.Close()
}
