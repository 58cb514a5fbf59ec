package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()

	if cfg.UDP.ListenAddr != ":51820" {
		t.Errorf("default UDP.ListenAddr = %q, want :51820", cfg.UDP.ListenAddr)
	}
	if cfg.Inner.ListenPort != 12345 {
		t.Errorf("default Inner.ListenPort = %d, want 12345", cfg.Inner.ListenPort)
	}
	if cfg.Relay.IdleThreshold != 30*time.Second {
		t.Errorf("default IdleThreshold = %v, want 30s", cfg.Relay.IdleThreshold)
	}
	if cfg.Relay.ReaperInterval != 10*time.Second {
		t.Errorf("default ReaperInterval = %v, want 10s", cfg.Relay.ReaperInterval)
	}
	if cfg.Relay.HandshakeRateLimit != 10 {
		t.Errorf("default HandshakeRateLimit = %d, want 10", cfg.Relay.HandshakeRateLimit)
	}
}

func TestLoad_emptyPathReturnsDefault(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load(\"\") = %+v, want Default()", cfg)
	}
}

func TestLoad_overridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "relayd.toml")
	contents := `
[udp]
listen_addr = ":9999"

[relay]
idle_threshold = "45s"
handshake_rate_limit = 20

[pcap]
enabled = true
path = "/tmp/relay.pcapng"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.UDP.ListenAddr != ":9999" {
		t.Errorf("UDP.ListenAddr = %q, want :9999", cfg.UDP.ListenAddr)
	}
	if cfg.Relay.IdleThreshold != 45*time.Second {
		t.Errorf("IdleThreshold = %v, want 45s", cfg.Relay.IdleThreshold)
	}
	if cfg.Relay.HandshakeRateLimit != 20 {
		t.Errorf("HandshakeRateLimit = %d, want 20", cfg.Relay.HandshakeRateLimit)
	}
	if !cfg.Pcap.Enabled || cfg.Pcap.Path != "/tmp/relay.pcapng" {
		t.Errorf("Pcap = %+v, want enabled at /tmp/relay.pcapng", cfg.Pcap)
	}
	// Untouched sections keep their defaults.
	if cfg.Inner.ListenPort != 12345 {
		t.Errorf("Inner.ListenPort = %d, want default 12345", cfg.Inner.ListenPort)
	}
}

func TestLoad_missingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("Load() on missing file: want error, got nil")
	}
}
