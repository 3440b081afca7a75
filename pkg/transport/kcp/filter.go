package kcp

import (
	"net"

	"lafrpc/pkg/kcpfilter"
)

// filteredPacketConn wraps a net.PacketConn and gives the RPC core's
// packet filter a chance to consume a datagram before kcp-go ever sees it.
// A nil filter means pass-through. The filter is invoked at the
// per-datagram boundary and the call never holds a lock while running it.
type filteredPacketConn struct {
	net.PacketConn
	filter kcpfilter.Filter
}

func wrapPacketConn(pc net.PacketConn, filter kcpfilter.Filter) net.PacketConn {
	if filter == nil {
		return pc
	}
	return &filteredPacketConn{PacketConn: pc, filter: filter}
}

// ReadFrom loops past any datagram the filter consumes, so kcp-go's reader
// goroutine never observes a suppressed packet.
func (f *filteredPacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	for {
		n, addr, err = f.PacketConn.ReadFrom(p)
		if err != nil {
			return n, addr, err
		}

		if f.filter(p, n, addr) {
			continue
		}

		return n, addr, nil
	}
}
