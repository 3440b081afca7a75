package kcpssl

import (
	"net"

	"lafrpc/pkg/kcpfilter"
)

// filteredPacketConn mirrors transport/kcp's packet filter wrapper; kept as
// its own unexported copy since kcpssl builds its own KCP sessions rather
// than depending on the plain kcp transport.
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
