package relay

import (
	"net"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
)

// sharedSender is the subset of *net.UDPConn the Bind needs to emit
// ciphertext. The dispatcher owns the real socket; every Tunnel's Bind
// sends through the same shared handle (spec.md ยง5: "UDP socket: shared
// read-only handle, cloned for send from any task. The OS guarantees
// atomic datagram send; no locking needed.").
type sharedSender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// wgBind implements conn.Bind for exactly one charger, carrying ciphertext
// over the relay's single shared UDP socket instead of opening a socket of
// its own. It is the server-side mirror of the teacher's
// internal/bridge.Bind, which carries WireGuard over WebRTC data channels
// instead of a real UDP socket — same shape (a conn.Bind that multiplexes
// onto a transport wireguard-go doesn't own), different transport.
type wgBind struct {
	sender sharedSender
	ep     *chargerEndpoint

	mu        sync.Mutex
	recvCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	// sentCh receives a copy of each outbound datagram (dropped when full),
	// observed by Tunnel to reconstruct the WriteBack half of the decap
	// Outcome (see tunnel.go).
	sentCh chan []byte
}

func newWGBind(sender sharedSender, ep *chargerEndpoint) *wgBind {
	return &wgBind{
		sender:  sender,
		ep:      ep,
		recvCh:  make(chan []byte, 64),
		closeCh: make(chan struct{}),
		sentCh:  make(chan []byte, 16),
	}
}

// inject delivers a ciphertext datagram received from the network into
// wireguard-go's receive path. Called from Tunnel.Decap.
func (b *wgBind) inject(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case b.recvCh <- cp:
	case <-b.closeCh:
	default:
		// Receive buffer full: dropped, matching UDP semantics (spec.md ยง4.6
		// backpressure note, applied symmetrically here).
	}
}

func (b *wgBind) Open(uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	b.closeOnce = sync.Once{}
	b.closeCh = make(chan struct{})
	b.mu.Unlock()

	fn := func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case pkt, ok := <-b.recvCh:
			if !ok {
				return 0, net.ErrClosed
			}
			n := copy(packets[0], pkt)
			sizes[0] = n
			eps[0] = b.ep
			return 1, nil
		case <-b.closeCh:
			return 0, net.ErrClosed
		}
	}
	return []conn.ReceiveFunc{fn}, 0, nil
}

func (b *wgBind) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
	return nil
}

func (b *wgBind) Send(bufs [][]byte, ep conn.Endpoint) error {
	ce, ok := ep.(*chargerEndpoint)
	if !ok {
		return net.InvalidAddrError("relay: wrong endpoint type for wgBind")
	}
	for _, buf := range bufs {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		select {
		case b.sentCh <- cp:
		default:
		}
		if _, err := b.sender.WriteToUDPAddrPort(buf, ce.addr); err != nil {
			return err
		}
	}
	return nil
}

func (b *wgBind) ParseEndpoint(string) (conn.Endpoint, error) {
	return b.ep, nil
}

func (b *wgBind) SetMark(uint32) error { return nil }

func (b *wgBind) BatchSize() int { return 1 }

var _ conn.Bind = (*wgBind)(nil)
