// Package kcpssl stacks TLS on top of a KCP stream: after the KCP socket
// factory yields a session, it is wrapped in TLS and a handshake is
// performed inline. A failed handshake discards the connection outright —
// this transport never falls back to plaintext KCP. Address schemes:
// kcp+ssl:// and its alias ssl+kcp://.
package kcpssl

import (
	"context"
	"crypto/tls"
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

const (
	schemePrefixCanonical = "kcp+ssl://"
	schemePrefixAlias     = "ssl+kcp://"
)

const (
	defaultDataShards   = 10
	defaultParityShards = 3
)

type Transport struct {
	owner     transport.Owner
	factory   transport.ChannelFactory
	opts      *transport.ServerOptions
	tlsConfig *tls.Config
	logger    *slog.Logger
	chain     *interceptor.Chain

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

func New(r *rpc.Rpc, tlsConfig *tls.Config, opts ...Option) *Transport {
	t := &Transport{
		owner:        transport.NewOwner(r),
		opts:         transport.DefaultServerOptions(),
		tlsConfig:    tlsConfig,
		logger:       slog.Default(),
		dataShards:   defaultDataShards,
		parityShards: defaultParityShards,
		registry:     rawsocket.New(rawsocket.DefaultTTL),
	}
	t.factory = transport.ChannelFactory{Owner: t.owner}
	t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(t.logger, "kcpssl"), interceptor.Metrics("kcpssl"))

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
		t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(l, "kcpssl"), interceptor.Metrics("kcpssl"))
	}
}

func (t *Transport) CanHandle(addr string) bool {
	return hasPrefix(addr, schemePrefixCanonical) || hasPrefix(addr, schemePrefixAlias)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (t *Transport) currentFilter() kcpfilter.Filter {
	owner := t.owner.Get()
	if owner == nil {
		return nil
	}
	return owner.KCPFilter()
}

func (t *Transport) dialKCP(addr string) (*kcpgo.UDPSession, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", trimScheme(addr))
	if err != nil {
		return nil, fmt.Errorf("kcpssl: resolve %s: %w", addr, err)
	}

	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("kcpssl: open udp socket: %w", err)
	}

	wrapped := wrapPacketConn(pc, t.currentFilter())

	sess, err := kcpgo.NewConn3(0, udpAddr, nil, t.dataShards, t.parityShards, wrapped)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("kcpssl: dial %s: %w", addr, err)
	}

	sess.SetStreamMode(true)
	return sess, nil
}

func (t *Transport) Connect(ctx context.Context, addr string, timeout time.Duration) (*channel.DataChannel, error) {
	if t.owner.Get() == nil {
		return nil, transport.ErrOwnerDead
	}

	timeout = transport.ResolveTimeout(timeout)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := t.dialKCP(addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(sess, t.tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("kcpssl: tls handshake: %w", err)
	}

	if err := wire.WriteChannelOpen(tlsConn); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("kcpssl: send channel-open magic: %w", err)
	}

	ch, err := t.factory.Setup(tlsConn, protocol.PositivePole, tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}

	return ch, nil
}

func (t *Transport) MakeRawSocket(ctx context.Context, addr string) (channel.Stream, [16]byte, error) {
	var zero [16]byte

	if t.owner.Get() == nil {
		return nil, zero, transport.ErrOwnerDead
	}

	sess, err := t.dialKCP(addr)
	if err != nil {
		return nil, zero, err
	}

	tlsConn := tls.Client(sess, t.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		sess.Close()
		return nil, zero, fmt.Errorf("kcpssl: tls handshake: %w", err)
	}

	id, err := wire.WriteRawSocketOpen(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, zero, err
	}

	if err := wire.ReadRawSocketAck(tlsConn); err != nil {
		tlsConn.Close()
		return nil, zero, fmt.Errorf("kcpssl: raw socket handshake: %w", err)
	}

	return tlsConn, id, nil
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
		return fmt.Errorf("kcpssl: split host/port %s: %w", addr, err)
	}
	if net.ParseIP(host) == nil && host != "0.0.0.0" && host != "" {
		resolved, err := owner.DNSCache().Lookup(ctx, host)
		if err != nil {
			t.logger.Warn("kcpssl: transport setup failed", "addr", addr, "err", err)
			return fmt.Errorf("kcpssl: resolve %s: %w", host, err)
		}
		host = resolved
	}

	pc, err := net.ListenPacket("udp", net.JoinHostPort(host, port))
	if err != nil {
		t.logger.Warn("kcpssl: bind failed", "addr", addr, "err", err)
		return fmt.Errorf("kcpssl: listen %s: %w", addr, err)
	}

	wrapped := wrapPacketConn(pc, t.currentFilter())

	listener, err := kcpgo.ServeConn(nil, t.dataShards, t.parityShards, wrapped)
	if err != nil {
		pc.Close()
		return fmt.Errorf("kcpssl: serve %s: %w", addr, err)
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
			return fmt.Errorf("kcpssl: accept: %w", err)
		}

		if t.connSemaphore != nil {
			select {
			case t.connSemaphore <- struct{}{}:
			default:
				sess.Close()
				continue
			}
		}

		metrics.AcceptsTotal.WithLabelValues("kcpssl").Inc()

		t.wg.Add(1)
		go t.handleSession(sess)
	}
}

func (t *Transport) handleSession(sess *kcpgo.UDPSession) {
	sess.SetStreamMode(true)

	tlsConn := tls.Server(sess, t.tlsConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		t.logger.Debug("kcpssl: tls handshake failed", "remote", sess.RemoteAddr(), "err", err)
		metrics.RejectsTotal.WithLabelValues("kcpssl", "tls_handshake").Inc()
		sess.Close()
		t.releaseOwnership()
		return
	}

	kind, id, err := wire.ReadMagic(tlsConn)
	if err != nil {
		t.logger.Debug("kcpssl: handshake failed", "remote", sess.RemoteAddr(), "err", err)
		metrics.HandshakesTotal.WithLabelValues("kcpssl", "bad_magic").Inc()
		tlsConn.Close()
		t.releaseOwnership()
		return
	}

	switch kind {
	case wire.KindChannel:
		metrics.HandshakesTotal.WithLabelValues("kcpssl", "channel").Inc()
		_, _ = t.chain.Intercept(context.Background(), tlsConn, func(_ context.Context, _ any) (any, error) {
			t.acceptChannel(tlsConn)
			return nil, nil
		})
		t.releaseOwnership()
	case wire.KindRawSocket:
		metrics.HandshakesTotal.WithLabelValues("kcpssl", "raw_socket").Inc()
		t.registry.Insert(id, tlsConn, time.Now())
		t.releaseOwnership()
	default:
		tlsConn.Close()
		t.releaseOwnership()
	}
}

func (t *Transport) acceptChannel(tlsConn *tls.Conn) {
	ch, err := t.factory.Setup(tlsConn, protocol.NegativePole, tlsConn)
	if err != nil {
		t.logger.Debug("kcpssl: channel setup failed", "err", err)
		return
	}

	if _, err := transport.PreparePeer(t.owner, ch, "", "kcp+ssl://"+tlsConn.RemoteAddr().String()); err != nil {
		t.logger.Debug("kcpssl: prepare peer failed", "err", err)
	}
}

func (t *Transport) releaseOwnership() {
	if t.connSemaphore != nil {
		<-t.connSemaphore
	}
	t.wg.Done()
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
			return fmt.Errorf("kcpssl: close listener: %w", err)
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
