// Package peer holds the minimal Peer type the RPC core creates from an
// accepted/connected DataChannel. The full peer lifecycle (registration,
// reconnection policy, RPC dispatch) lives in the outer RPC core and is out
// of scope for the transport layer; this is just enough of a shape for
// PreparePeer to hand something back.
package peer

import "lafrpc/pkg/channel"

// Peer wraps a DataChannel together with the address hint the transport
// resolved it from.
type Peer struct {
	Channel *channel.DataChannel
	Address string
}

// New constructs a Peer around ch, addressed at addr.
func New(ch *channel.DataChannel, addr string) *Peer {
	return &Peer{Channel: ch, Address: addr}
}

// Close releases the peer's underlying channel.
func (p *Peer) Close() error {
	return p.Channel.Close()
}
