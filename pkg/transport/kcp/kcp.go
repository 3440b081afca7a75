// Package kcp implements Transport over KCP, a reliable stream protocol
// layered on UDP. The socket factory injects the RPC core's packet filter
// at the net.PacketConn boundary, ahead of kcp-go's own reader, and
// forward-error-correction shard counts are configurable so deployments
// can trade bandwidth for loss tolerance.
package kcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	kcpgo "github.com/xtaci/kcp-go/v5"

	"lafrpc/pkg/channel"
	"lafrpc/pkg/interceptor"
	"lafrpc/pkg/kcpfilter"
	"lafrpc/pkg/protocol"
	"lafrpc/pkg/rawsocket"
	"lafrpc/pkg/rpc"
	"lafrpc/pkg/transport"
	"lafrpc/pkg/transport/metrics"
	"lafrpc/pkg/wire"
)

const schemePrefix = "kcp://"

// defaultDataShards/defaultParityShards pick a conservative Reed-Solomon
// FEC split; 0/0 disables FEC entirely.
const (
	defaultDataShards   = 10
	defaultParityShards = 3
)

// Transport implements transport.Transport over kcp-go.
type Transport struct {
	owner   transport.Owner
	factory transport.ChannelFactory
	opts    *transport.ServerOptions
	logger  *slog.Logger
	chain   *interceptor.Chain

	dataShards   int
	parityShards int

	registry *rawsocket.Registry

	mu       sync.RWMutex
	listener *kcpgo.Listener
	closed   bool
	wg       sync.WaitGroup

	connSemaphore chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

func New(r *rpc.Rpc, opts ...Option) *Transport {
	t := &Transport{
		owner:        transport.NewOwner(r),
		opts:         transport.DefaultServerOptions(),
		logger:       slog.Default(),
		dataShards:   defaultDataShards,
		parityShards: defaultParityShards,
		registry:     rawsocket.New(rawsocket.DefaultTTL),
	}
	t.factory = transport.ChannelFactory{Owner: t.owner}
	t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(t.logger, "kcp"), interceptor.Metrics("kcp"))

	for _, o := range opts {
		o(t)
	}

	if t.opts.MaxConnections > 0 {
		t.connSemaphore = make(chan struct{}, t.opts.MaxConnections)
	}

	return t
}

type Option func(*Transport)

func WithFEC(dataShards, parityShards int) Option {
	return func(t *Transport) {
		t.dataShards = dataShards
		t.parityShards = parityShards
	}
}

func WithServerOptions(o *transport.ServerOptions) Option {
	return func(t *Transport) { t.opts = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
		t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(l, "kcp"), interceptor.Metrics("kcp"))
	}
}

func (t *Transport) CanHandle(addr string) bool {
	return len(addr) >= len(schemePrefix) && addr[:len(schemePrefix)] == schemePrefix
}

func (t *Transport) currentFilter() kcpfilter.Filter {
	owner := t.owner.Get()
	if owner == nil {
		return nil
	}
	return owner.KCPFilter()
}

// dialFiltered opens a UDP socket, wraps it with the owner's packet
// filter, and builds a KCP session on top of it — this is the factory the
// component design calls for, shared between Connect and MakeRawSocket.
func (t *Transport) dialFiltered(ctx context.Context, addr string) (*kcpgo.UDPSession, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", trimScheme(addr))
	if err != nil {
		return nil, fmt.Errorf("kcp: resolve %s: %w", addr, err)
	}

	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("kcp: open udp socket: %w", err)
	}

	wrapped := wrapPacketConn(pc, t.currentFilter())

	sess, err := kcpgo.NewConn3(0, udpAddr, nil, t.dataShards, t.parityShards, wrapped)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("kcp: dial %s: %w", addr, err)
	}

	return sess, nil
}

func (t *Transport) Connect(ctx context.Context, addr string, timeout time.Duration) (*channel.DataChannel, error) {
	if t.owner.Get() == nil {
		return nil, transport.ErrOwnerDead
	}

	timeout = transport.ResolveTimeout(timeout)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := t.dialFiltered(dialCtx, addr)
	if err != nil {
		return nil, err
	}
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(1, 10, 2, 1)

	if err := wire.WriteChannelOpen(sess); err != nil {
		sess.Close()
		return nil, fmt.Errorf("kcp: send channel-open magic: %w", err)
	}

	ch, err := t.factory.Setup(sess, protocol.PositivePole, nil)
	if err != nil {
		sess.Close()
		return nil, err
	}

	return ch, nil
}

func (t *Transport) MakeRawSocket(ctx context.Context, addr string) (channel.Stream, [16]byte, error) {
	var zero [16]byte

	if t.owner.Get() == nil {
		return nil, zero, transport.ErrOwnerDead
	}

	sess, err := t.dialFiltered(ctx, addr)
	if err != nil {
		return nil, zero, err
	}
	sess.SetStreamMode(true)

	id, err := wire.WriteRawSocketOpen(sess)
	if err != nil {
		sess.Close()
		return nil, zero, err
	}

	if err := wire.ReadRawSocketAck(sess); err != nil {
		sess.Close()
		return nil, zero, fmt.Errorf("kcp: raw socket handshake: %w", err)
	}

	return sess, id, nil
}

func (t *Transport) TakeRawSocket(id [16]byte) (channel.Stream, bool) {
	stream, ok := t.registry.Take(id)
	if !ok {
		return nil, false
	}
	cs, ok := stream.(channel.Stream)
	if !ok {
		return nil, false
	}
	return cs, true
}

func (t *Transport) StartServer(ctx context.Context, addr string) error {
	owner := t.owner.Get()
	if owner == nil {
		return transport.ErrOwnerDead
	}

	host, port, err := net.SplitHostPort(trimScheme(addr))
	if err != nil {
		return fmt.Errorf("kcp: split host/port %s: %w", addr, err)
	}
	if net.ParseIP(host) == nil && host != "0.0.0.0" && host != "" {
		resolved, err := owner.DNSCache().Lookup(ctx, host)
		if err != nil {
			t.logger.Warn("kcp: transport setup failed", "addr", addr, "err", err)
			return fmt.Errorf("kcp: resolve %s: %w", host, err)
		}
		host = resolved
	}

	pc, err := net.ListenPacket("udp", net.JoinHostPort(host, port))
	if err != nil {
		t.logger.Warn("kcp: bind failed", "addr", addr, "err", err)
		return fmt.Errorf("kcp: listen %s: %w", addr, err)
	}

	wrapped := wrapPacketConn(pc, t.currentFilter())

	listener, err := kcpgo.ServeConn(nil, t.dataShards, t.parityShards, wrapped)
	if err != nil {
		pc.Close()
		return fmt.Errorf("kcp: serve %s: %w", addr, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		listener.Close()
	}()

	for {
		sess, err := listener.AcceptKCP()
		if err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
			}
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return nil
			}
			return fmt.Errorf("kcp: accept: %w", err)
		}

		if t.connSemaphore != nil {
			select {
			case t.connSemaphore <- struct{}{}:
			default:
				sess.Close()
				continue
			}
		}

		metrics.AcceptsTotal.WithLabelValues("kcp").Inc()

		t.wg.Add(1)
		go t.handleSession(sess)
	}
}

func (t *Transport) handleSession(sess *kcpgo.UDPSession) {
	sess.SetStreamMode(true)

	kind, id, err := wire.ReadMagic(sess)
	if err != nil {
		t.logger.Debug("kcp: handshake failed", "remote", sess.RemoteAddr(), "err", err)
		metrics.HandshakesTotal.WithLabelValues("kcp", "bad_magic").Inc()
		t.closeSession(sess)
		return
	}

	switch kind {
	case wire.KindChannel:
		metrics.HandshakesTotal.WithLabelValues("kcp", "channel").Inc()
		_, _ = t.chain.Intercept(context.Background(), sess, func(_ context.Context, _ any) (any, error) {
			t.acceptChannel(sess)
			return nil, nil
		})
		t.releaseOwnership()
	case wire.KindRawSocket:
		metrics.HandshakesTotal.WithLabelValues("kcp", "raw_socket").Inc()
		t.registry.Insert(id, sess, time.Now())
		t.releaseOwnership()
	default:
		t.closeSession(sess)
	}
}

func (t *Transport) acceptChannel(sess *kcpgo.UDPSession) {
	ch, err := t.factory.Setup(sess, protocol.NegativePole, nil)
	if err != nil {
		t.logger.Debug("kcp: channel setup failed", "err", err)
		return
	}

	if _, err := transport.PreparePeer(t.owner, ch, "", "kcp://"+sess.RemoteAddr().String()); err != nil {
		t.logger.Debug("kcp: prepare peer failed", "err", err)
	}
}

func (t *Transport) releaseOwnership() {
	if t.connSemaphore != nil {
		<-t.connSemaphore
	}
	t.wg.Done()
}

func (t *Transport) closeSession(sess *kcpgo.UDPSession) {
	sess.Close()
	t.releaseOwnership()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	t.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			return fmt.Errorf("kcp: close listener: %w", err)
		}
	}

	t.wg.Wait()
	return nil
}

func trimScheme(addr string) string {
	for i := 0; i+2 < len(addr); i++ {
		if addr[i] == ':' && addr[i+1] == '/' && addr[i+2] == '/' {
			return addr[i+3:]
		}
	}
	return addr
}
