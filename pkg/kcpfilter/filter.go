// Package kcpfilter defines the packet-filter hook the RPC core can inject
// into the KCP datagram path, letting unrelated UDP payloads share a KCP
// listener's port. It is its own package (rather than living in rpc or
// transport/kcp) so both sides can depend on the type without an import
// cycle.
package kcpfilter

import "net"

// Filter inspects a just-received UDP datagram before KCP gets to consume
// it. data/n let the filter rewrite the buffer in place; addr is the
// datagram's source. Returning consumed=true suppresses the datagram from
// KCP entirely — it never reaches the KCP state machine.
type Filter func(data []byte, n int, addr net.Addr) (consumed bool)
