// Package rpc is the minimal stand-in for the outer RPC core named as an
// external collaborator in spec.md §1: it owns peer registration, the DNS
// cache, global configuration (max packet size, the KCP filter hook), and
// turns accepted channels into Peer objects. Everything beyond that —
// reconnection policy, RPC dispatch above the channel, service discovery —
// is genuinely out of scope here; this package exists only so the
// transport layer has a concrete, weakly-referenceable owner to exercise
// against.
package rpc

import (
	"fmt"
	"log/slog"
	"sync"

	"lafrpc/pkg/channel"
	"lafrpc/pkg/dnscache"
	"lafrpc/pkg/kcpfilter"
	"lafrpc/pkg/peer"
)

// Rpc is the transport layer's owner. Transports hold a weak reference to
// it and must tolerate it having already been torn down.
type Rpc struct {
	mu            sync.RWMutex
	maxPacketSize int
	dnsCache      *dnscache.Cache
	kcpFilter     kcpfilter.Filter
	logger        *slog.Logger

	peersMu sync.Mutex
	peers   map[string]*peer.Peer
}

// Option configures an Rpc at construction time.
type Option func(*Rpc)

func WithMaxPacketSize(n int) Option {
	return func(r *Rpc) { r.maxPacketSize = n }
}

func WithDNSCache(c *dnscache.Cache) Option {
	return func(r *Rpc) { r.dnsCache = c }
}

func WithKCPFilter(f kcpfilter.Filter) Option {
	return func(r *Rpc) { r.kcpFilter = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Rpc) { r.logger = l }
}

const defaultMaxPacketSize = 64 * 1024

// New builds an Rpc core with sensible defaults, overridden by opts.
func New(opts ...Option) *Rpc {
	r := &Rpc{
		maxPacketSize: defaultMaxPacketSize,
		dnsCache:      dnscache.New(0),
		logger:        slog.Default(),
		peers:         make(map[string]*peer.Peer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Rpc) MaxPacketSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxPacketSize
}

func (r *Rpc) DNSCache() *dnscache.Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dnsCache
}

func (r *Rpc) KCPFilter() kcpfilter.Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kcpFilter
}

func (r *Rpc) Logger() *slog.Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}

// PreparePeer takes ownership of ch, wraps it as a Peer addressed at addr,
// and registers it. hint, when non-empty, overrides the registration key
// (e.g. a peer-asserted identity from a higher protocol layer); otherwise
// addr is used.
func (r *Rpc) PreparePeer(ch *channel.DataChannel, hint, addr string) (*peer.Peer, error) {
	if ch == nil {
		return nil, fmt.Errorf("rpc: PreparePeer called with nil channel")
	}

	key := hint
	if key == "" {
		key = addr
	}

	p := peer.New(ch, addr)

	r.peersMu.Lock()
	r.peers[key] = p
	r.peersMu.Unlock()

	return p, nil
}

// Peer returns a previously prepared peer by key, mostly for tests.
func (r *Rpc) Peer(key string) (*peer.Peer, bool) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	p, ok := r.peers[key]
	return p, ok
}
