// Package wsbridge implements the per-browser WebSocket actor described in
// spec.md ยง4.6: a single-threaded handler tied to one browser WebSocket
// that owns no tunnel state and only forwards bytes between the browser and
// the charger's learned UDP endpoint.
//
// Structurally grounded on the teacher's internal/signaling.Hub (an
// http.Handler wrapping github.com/coder/websocket with an actor-per-
// connection goroutine); the forwarding contract itself is grounded on
// _examples/original_source/backend/src/ws_udp_bridge.rs's WebClient actor.
package wsbridge

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/coder/websocket"
)

// mailboxDepth bounds the actor's outbound queue (spec.md ยง4.6
// Backpressure: "the mailbox is bounded; if full, the oldest unsent frame
// is dropped").
const mailboxDepth = 32

// Sender is the subset of the Dispatcher's shared UDP socket a Client needs
// to forward browser-origin bytes toward a charger.
type Sender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Client is one browser's WebSocket actor. It implements relay.WsRecipient
// via DeliverFromCharger.
type Client struct {
	conn   *websocket.Conn
	sender Sender
	log    *slog.Logger

	mu        sync.Mutex
	chargerAddr netip.AddrPort
	discovered  bool

	mailbox chan []byte
	closed  chan struct{}
	once    sync.Once

	onClose func()
}

// NewClient wraps an accepted WebSocket connection as a forwarding actor.
// onClose is invoked exactly once, when the actor's Run loop exits for any
// reason (spec.md ยง4.6: "On WS close: emit Disconnect ... release the
// associated inner-tunnel key slot").
func NewClient(conn *websocket.Conn, sender Sender, onClose func(), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:    conn,
		sender:  sender,
		log:     logger,
		mailbox: make(chan []byte, mailboxDepth),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

// SetChargerEndpoint records the charger's learned UDP endpoint once port
// discovery succeeds for this browser session (spec.md S3). Before this is
// called, outbound browser frames are dropped.
func (c *Client) SetChargerEndpoint(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chargerAddr = addr
	c.discovered = true
}

func (c *Client) endpoint() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chargerAddr, c.discovered
}

// DeliverFromCharger queues a UDP payload recognized as belonging to this
// browser session for delivery as a binary WS frame (spec.md ยง4.6).
func (c *Client) DeliverFromCharger(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case c.mailbox <- cp:
	case <-c.closed:
	default:
		// Mailbox full: drop the oldest frame to make room, matching UDP
		// semantics (spec.md ยง4.6: inner TCP will recover).
		select {
		case <-c.mailbox:
		default:
		}
		select {
		case c.mailbox <- cp:
		default:
		}
	}
}

// Run drives the actor until the WebSocket closes or ctx is cancelled: one
// goroutine reads browser frames and forwards them to UDP, this goroutine
// drains the mailbox and writes WS frames. Run returns when the write loop
// stops; it does not wait for the read goroutine, which exits once its
// WebSocket read fails.
func (c *Client) Run(ctx context.Context) {
	defer c.signalClose()

	go c.readLoop(ctx)
	c.writeLoop(ctx)
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.signalClose()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		addr, ok := c.endpoint()
		if !ok {
			// Discovery has not completed yet; the browser is expected to
			// wait for the Connect/Ack handshake before sending (spec.md
			// ยง4.6).
			continue
		}
		if _, err := c.sender.WriteToUDPAddrPort(data, addr); err != nil {
			c.log.Error("forwarding browser frame to charger", "error", err)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.mailbox:
			if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		}
	}
}

func (c *Client) signalClose() {
	c.once.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Close closes the underlying WebSocket with a normal-closure status.
func (c *Client) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
