package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gridlink/relay/internal/config"
	"github.com/gridlink/relay/internal/relay"
	"github.com/gridlink/relay/internal/relay/metrics"
	"github.com/gridlink/relay/internal/relay/pcaptap"
	"github.com/gridlink/relay/internal/store"
	"github.com/gridlink/relay/internal/wsbridge"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: terminate charger tunnels and bridge them to browsers",
	Long: `serve starts the UDP dispatcher, the periodic reaper, and the HTTP
server exposing the browser-facing WebSocket endpoint and Prometheus
metrics. It runs until interrupted.`,
	RunE: runServe,
}

func init() {
	// No serve-specific flags yet; everything comes from --config.
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	udpAddr, err := net.ResolveUDPAddr("udp4", cfg.UDP.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolving udp listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("binding udp socket: %w", err)
	}
	defer conn.Close()

	var pcap *pcaptap.Tap
	if cfg.Pcap.Enabled {
		pcap, err = pcaptap.Open(cfg.Pcap.Path)
		if err != nil {
			return fmt.Errorf("opening pcap trace: %w", err)
		}
		defer pcap.Close()
	}

	// The chargers table and its HTTP-facing CRUD are out of scope (spec.md
	// ยง1); a production deployment wires a DB-backed store.ChargerStore
	// here instead. The in-memory store lets relayd run standalone.
	chargers := store.NewMemory()
	slots := store.NewMemory()

	sessions := relay.NewSessionTable()
	discovery := relay.NewPortDiscoverySet(cfg.Relay.DiscoveryTTL)
	registry := relay.NewRemoteConnRegistry()
	lost := relay.NewLostConnections()

	peers := relay.NewPeerRegistry(chargers, conn, relay.PeerRegistryConfig{
		InnerListenPort: cfg.Inner.ListenPort,
		MTU:             cfg.Inner.MTU,
		HandshakeRate:   cfg.Relay.HandshakeRateLimit,
		Pcap:            pcap,
	}, globalLogger)

	workers := cfg.Relay.WorkerPoolSize
	if workers == 0 {
		workers = max(runtime.NumCPU()/2, 1)
	}

	dispatcher := relay.NewDispatcher(conn, sessions, discovery, registry, lost, peers, relay.DispatcherConfig{
		Workers:                 workers,
		WorkerQueueDepth:        cfg.Relay.WorkerQueueDepth,
		HandshakeRatePerSource:  cfg.Relay.HandshakeRateLimit,
		HandshakeAllocPerSecond: cfg.Relay.HandshakeAllocPerSecond,
	}, globalLogger)

	reaper := relay.NewReaper(sessions, discovery, registry, lost, dispatcher.HandshakeLimiter(), cfg.Relay.IdleThreshold, cfg.Relay.ReaperInterval, globalLogger)

	go reaper.Run(ctx)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			globalLogger.Error("dispatcher stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", wsbridge.NewServer(slots, dispatcher, conn, stubAuth, globalLogger))
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	globalLogger.Info("relayd listening", "udp", cfg.UDP.ListenAddr, "http", cfg.HTTP.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// stubAuth is a placeholder for the session-cookie authentication the
// external HTTP API performs (spec.md ยง1 treats login/session handling as
// an out-of-scope collaborator). It trusts an "owner" query parameter so
// relayd can run standalone; a real deployment fronts /ws with the API's
// auth middleware and replaces this with a cookie-validated lookup.
func stubAuth(r *http.Request) (uuid.UUID, bool) {
	owner, err := uuid.Parse(r.URL.Query().Get("owner"))
	if err != nil {
		return uuid.UUID{}, false
	}
	return owner, true
}

// shutdownGrace bounds how long the HTTP server waits for in-flight
// requests to finish on SIGINT/SIGTERM.
const shutdownGrace = 5 * time.Second
