package relay

import (
	"net/netip"

	"golang.zx2c4.com/wireguard/conn"
)

// chargerEndpoint implements conn.Endpoint for a single charger's current
// public UDP address. Unlike a real UDP conn.Bind, the address can be
// swapped out from under the device mid-session is never done here: spec.md
// ยง9 resolves that a charger changing address requires a fresh handshake,
// so an endpoint's address is fixed at Tunnel construction time.
type chargerEndpoint struct {
	addr netip.AddrPort
}

func newChargerEndpoint(addr netip.AddrPort) *chargerEndpoint {
	return &chargerEndpoint{addr: addr}
}

func (e *chargerEndpoint) ClearSrc()            {}
func (e *chargerEndpoint) SrcToString() string  { return "" }
func (e *chargerEndpoint) DstToString() string  { return e.addr.String() }
func (e *chargerEndpoint) DstToBytes() []byte {
	b := e.addr.Addr().As4()
	return append(b[:], byte(e.addr.Port()>>8), byte(e.addr.Port()))
}
func (e *chargerEndpoint) DstIP() netip.Addr { return e.addr.Addr() }
func (e *chargerEndpoint) SrcIP() netip.Addr { return netip.Addr{} }

var _ conn.Endpoint = (*chargerEndpoint)(nil)
