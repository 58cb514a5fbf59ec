// Package metrics exposes the relay's drop/accept counters for scraping.
// The teacher repository carries no metrics dependency; VictoriaMetrics/metrics
// is sourced from the retrieval pack's other server-shaped repo
// (_examples/R2Northstar-Atlas), which uses it the same way: package-level
// counters registered once and incremented inline on the hot path.
package metrics

import "github.com/VictoriaMetrics/metrics"

var (
	DatagramsTotal         = metrics.NewCounter(`relay_datagrams_total`)
	DiscoveryHits          = metrics.NewCounter(`relay_discovery_hits_total`)
	KnownBrowserHits       = metrics.NewCounter(`relay_known_browser_hits_total`)
	SessionsCreated        = metrics.NewCounter(`relay_sessions_created_total`)
	SessionsEvicted        = metrics.NewCounter(`relay_sessions_evicted_total`)
	MalformedDropped       = metrics.NewCounter(`relay_dropped_malformed_total`)
	UnknownPeerDropped     = metrics.NewCounter(`relay_dropped_unknown_peer_total`)
	HandshakeFailedDropped = metrics.NewCounter(`relay_dropped_handshake_failure_total`)
	HandshakeRateLimited   = metrics.NewCounter(`relay_handshake_rate_limited_total`)
	InnerOverflowDropped   = metrics.NewCounter(`relay_dropped_inner_overflow_total`)
	ControlFrameInvalid    = metrics.NewCounter(`relay_control_frame_invalid_total`)
	LostConnectionsQueued  = metrics.NewCounter(`relay_lost_connections_queued_total`)
	LostConnectionsDrained = metrics.NewCounter(`relay_lost_connections_drained_total`)
	PcapPacketsDropped     = metrics.NewCounter(`relay_pcap_packets_dropped_total`)
	ChargeLogAnnounced     = metrics.NewCounter(`relay_charge_log_announced_total`)

	// WritePrometheus writes all process-wide registered metrics, for the
	// HTTP API's /metrics handler.
	WritePrometheus = metrics.WritePrometheus
)
