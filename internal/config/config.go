// Package config loads relayd's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level relayd configuration, persisted as TOML.
type Config struct {
	UDP     UDPConfig     `toml:"udp"`
	Inner   InnerConfig   `toml:"inner"`
	HTTP    HTTPConfig    `toml:"http"`
	Relay   RelayConfig   `toml:"relay"`
	Pcap    PcapConfig    `toml:"pcap"`
}

// UDPConfig controls the single shared UDP socket the dispatcher reads.
type UDPConfig struct {
	// ListenAddr is the UDP bind address, e.g. ":51820".
	ListenAddr string `toml:"listen_addr"`
}

// InnerConfig controls the userspace TCP/IP stack inside each management
// tunnel.
type InnerConfig struct {
	// ListenPort is the fixed inner TCP port the charger firmware connects
	// to (spec.md ยง4.4: 12345).
	ListenPort uint16 `toml:"listen_port"`
	// MTU is the inner IPv4 MTU (spec.md ยง4.4: 1500).
	MTU int `toml:"mtu"`
}

// HTTPConfig controls the WebSocket endpoint's HTTP listener.
type HTTPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// RelayConfig controls the dispatcher's worker pool and session lifecycle
// timers (spec.md ยง5, ยง4.7).
type RelayConfig struct {
	// WorkerPoolSize overrides the default of half the physical cores.
	// Zero means "use the default".
	WorkerPoolSize int `toml:"worker_pool_size"`
	// WorkerQueueDepth bounds each worker's datagram backlog. Zero means
	// "use the default" (256).
	WorkerQueueDepth int `toml:"worker_queue_depth"`
	// IdleThreshold is how long a management session may go silent before
	// the reaper evicts it (spec.md: 30s).
	IdleThreshold time.Duration `toml:"idle_threshold"`
	// ReaperInterval is how often the reaper sweep runs (spec.md: 10s).
	ReaperInterval time.Duration `toml:"reaper_interval"`
	// DiscoveryTTL is how long a pending PortDiscovery entry survives
	// before being pruned (spec.md: 30s).
	DiscoveryTTL time.Duration `toml:"discovery_ttl"`
	// HandshakeRateLimit is the per-peer handshake budget reset every
	// ReaperInterval (spec.md ยง4.2: 10/s baseline).
	HandshakeRateLimit int `toml:"handshake_rate_limit"`
	// HandshakeAllocPerSecond caps how fast brand-new per-source handshake
	// limiters may be allocated, guarding against source-address
	// enumeration floods (see internal/relay/ratelimit.PerSource).
	HandshakeAllocPerSecond float64 `toml:"handshake_alloc_per_second"`
}

// PcapConfig controls the optional pcap-ng trace tap (spec.md ยง4.8).
type PcapConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the configuration spec.md's defaults describe.
func Default() Config {
	return Config{
		UDP:   UDPConfig{ListenAddr: ":51820"},
		Inner: InnerConfig{ListenPort: 12345, MTU: 1500},
		HTTP:  HTTPConfig{ListenAddr: ":8080"},
		Relay: RelayConfig{
			IdleThreshold:           30 * time.Second,
			ReaperInterval:          10 * time.Second,
			DiscoveryTTL:            30 * time.Second,
			HandshakeRateLimit:      10,
			HandshakeAllocPerSecond: 50,
		},
	}
}

// Load reads and parses a TOML config file over Default(): any field the
// file does not set keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
