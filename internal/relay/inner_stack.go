package relay

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/gridlink/relay/internal/relay/metrics"
	"github.com/gridlink/relay/internal/relay/pcaptap"
)

// innerBufferDescriptors, innerRecvBufBytes and innerXmitBufBytes mirror
// spec.md ยง4.4's stated capacity: "32 packet descriptors, 64 KiB receive,
// 64 KiB transmit per socket." They record that capacity only: nothing in
// this package uses them, gVisor's netstack sizes its own internal queues,
// and the accept channel below holds a single connection.
const (
	innerBufferDescriptors = 32
	innerRecvBufBytes      = 64 * 1024
	innerXmitBufBytes      = 64 * 1024
)

// InnerStack is the per-session userspace IPv4+TCP stack described in
// spec.md ยง4.4: a gVisor netstack instance (golang.zx2c4.com/wireguard/tun/netstack,
// the same library _examples/other_examples' drio-spanza and micro-mu repos
// use to expose standard net.Listener/net.Conn on top of a WireGuard TUN)
// bound to the session's inner server IP, with a single listener on the
// fixed management port.
type InnerStack struct {
	net      *netstack.Net
	listener net.Listener
	accepted chan net.Conn
	done     chan struct{}
	pcap     *pcaptap.Tap
	log      *slog.Logger
}

// Done returns a channel closed once the accept loop has exited, so
// callers ranging over Accept() can stop waiting once the stack is closed
// instead of blocking forever on a channel nothing will ever send on
// again.
func (is *InnerStack) Done() <-chan struct{} {
	return is.done
}

func newInnerStack(tnet *netstack.Net, listenPort uint16, pcap *pcaptap.Tap, logger *slog.Logger) (*InnerStack, error) {
	ln, err := tnet.ListenTCP(&net.TCPAddr{Port: int(listenPort)})
	if err != nil {
		return nil, fmt.Errorf("listening on inner port %d: %w", listenPort, err)
	}

	is := &InnerStack{
		net:      tnet,
		listener: ln,
		accepted: make(chan net.Conn, 1),
		done:     make(chan struct{}),
		pcap:     pcap,
		log:      logger,
	}
	go is.acceptLoop()
	return is, nil
}

func (is *InnerStack) acceptLoop() {
	defer close(is.done)
	for {
		conn, err := is.listener.Accept()
		if err != nil {
			return
		}
		if is.pcap != nil {
			conn = &tappedConn{Conn: conn, pcap: is.pcap}
		}
		select {
		case is.accepted <- conn:
		default:
			// The accept channel holds one connection: a connection that
			// arrives before the previous one has been taken off the
			// channel is closed. One that arrives later is handed on and
			// replaces the earlier one as the session's control connection
			// (see ManagementSession.AttachControlConn).
			metrics.InnerOverflowDropped.Inc()
			_ = conn.Close()
		}
	}
}

// tappedConn copies every byte read off the inner TCP connection (plaintext
// already decapsulated by the Tunnel) to the pcap-ng trace, per spec.md
// ยง4.8. This captures the inner TCP byte stream rather than raw IP framing,
// since wireguard-go's Device does not hand decrypted IP frames back to the
// caller synchronously in the way spec.md's boringtun-derived Outcome
// contract assumes; see DESIGN.md's entry for PcapTap.
type tappedConn struct {
	net.Conn
	pcap *pcaptap.Tap
}

func (c *tappedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.pcap.Write(b[:n], time.Now())
	}
	return n, err
}

// Accept returns the channel that yields the charger firmware's inbound
// management connection once it opens one.
func (is *InnerStack) Accept() <-chan net.Conn {
	return is.accepted
}

// Close shuts down the listener. The netstack itself is closed along with
// the Tunnel's WireGuard device.
func (is *InnerStack) Close() error {
	return is.listener.Close()
}
