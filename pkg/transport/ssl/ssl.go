// Package ssl implements Transport over TLS-wrapped TCP. It is structurally
// identical to tcp.Transport except the stream factory wraps every accepted
// or connected socket in TLS using a transport-owned *tls.Config, and the
// channel factory attaches peer-certificate metadata once the handshake
// completes.
package ssl

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lafrpc/pkg/channel"
	"lafrpc/pkg/interceptor"
	"lafrpc/pkg/protocol"
	"lafrpc/pkg/rawsocket"
	"lafrpc/pkg/rpc"
	"lafrpc/pkg/transport"
	"lafrpc/pkg/transport/metrics"
	"lafrpc/pkg/wire"
)

const schemePrefix = "ssl://"

// Transport implements transport.Transport over crypto/tls.
type Transport struct {
	owner     transport.Owner
	factory   transport.ChannelFactory
	opts      *transport.ServerOptions
	clOpts    *transport.ClientOptions
	tlsConfig *tls.Config
	logger    *slog.Logger
	chain     *interceptor.Chain

	registry *rawsocket.Registry

	mu            sync.RWMutex
	listener      net.Listener
	closed        bool
	wg            sync.WaitGroup
	connSemaphore chan struct{}

	activeConnections int64
}

var _ transport.Transport = (*Transport)(nil)

// New builds a TLS transport weakly owned by r, using tlsConfig for both
// client and server handshakes.
func New(r *rpc.Rpc, tlsConfig *tls.Config, opts ...Option) *Transport {
	t := &Transport{
		owner:     transport.NewOwner(r),
		opts:      transport.DefaultServerOptions(),
		clOpts:    transport.DefaultClientOptions(),
		tlsConfig: tlsConfig,
		logger:    slog.Default(),
		registry:  rawsocket.New(rawsocket.DefaultTTL),
	}
	t.factory = transport.ChannelFactory{Owner: t.owner}
	t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(t.logger, "ssl"), interceptor.Metrics("ssl"))

	for _, o := range opts {
		o(t)
	}

	if t.opts.MaxConnections > 0 {
		t.connSemaphore = make(chan struct{}, t.opts.MaxConnections)
	}

	return t
}

type Option func(*Transport)

func WithServerOptions(o *transport.ServerOptions) Option {
	return func(t *Transport) { t.opts = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
		t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(l, "ssl"), interceptor.Metrics("ssl"))
	}
}

func (t *Transport) CanHandle(addr string) bool {
	return len(addr) >= len(schemePrefix) && addr[:len(schemePrefix)] == schemePrefix
}

func (t *Transport) Connect(ctx context.Context, addr string, timeout time.Duration) (*channel.DataChannel, error) {
	if t.owner.Get() == nil {
		return nil, transport.ErrOwnerDead
	}

	timeout = transport.ResolveTimeout(timeout)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: t.clOpts.KeepAlivePeriod},
		Config:    t.tlsConfig,
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", trimScheme(addr))
	if err != nil {
		return nil, fmt.Errorf("ssl: dial %s: %w", addr, err)
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("ssl: dialed connection is not TLS")
	}

	setNoDelay(tlsConn)

	if err := wire.WriteChannelOpen(tlsConn); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("ssl: send channel-open magic: %w", err)
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

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: t.clOpts.KeepAlivePeriod},
		Config:    t.tlsConfig,
	}

	conn, err := dialer.DialContext(ctx, "tcp", trimScheme(addr))
	if err != nil {
		return nil, zero, fmt.Errorf("ssl: dial %s: %w", addr, err)
	}

	id, err := wire.WriteRawSocketOpen(conn)
	if err != nil {
		conn.Close()
		return nil, zero, err
	}

	if err := wire.ReadRawSocketAck(conn); err != nil {
		conn.Close()
		return nil, zero, fmt.Errorf("ssl: raw socket handshake: %w", err)
	}

	return conn, id, nil
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
		return fmt.Errorf("ssl: split host/port %s: %w", addr, err)
	}
	if net.ParseIP(host) == nil && host != "0.0.0.0" && host != "" {
		resolved, err := owner.DNSCache().Lookup(ctx, host)
		if err != nil {
			t.logger.Warn("ssl: transport setup failed", "addr", addr, "err", err)
			return fmt.Errorf("ssl: resolve %s: %w", host, err)
		}
		host = resolved
	}

	lc := net.ListenConfig{}
	tcpListener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		t.logger.Warn("ssl: bind failed", "addr", addr, "err", err)
		return fmt.Errorf("ssl: listen %s: %w", addr, err)
	}

	listener := tls.NewListener(tcpListener, t.tlsConfig)

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
		conn, err := listener.Accept()
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
			return fmt.Errorf("ssl: accept: %w", err)
		}

		if t.connSemaphore != nil {
			select {
			case t.connSemaphore <- struct{}{}:
			default:
				conn.Close()
				continue
			}
		}

		atomic.AddInt64(&t.activeConnections, 1)
		metrics.AcceptsTotal.WithLabelValues("ssl").Inc()

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *Transport) handleConnection(conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		t.wg.Done()
		return
	}

	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		t.logger.Debug("ssl: tls handshake failed", "remote", conn.RemoteAddr(), "err", err)
		metrics.RejectsTotal.WithLabelValues("ssl", "tls_handshake").Inc()
		t.closeConnection(conn)
		return
	}

	setNoDelay(tlsConn)

	kind, id, err := wire.ReadMagic(tlsConn)
	if err != nil {
		t.logger.Debug("ssl: handshake failed", "remote", conn.RemoteAddr(), "err", err)
		metrics.HandshakesTotal.WithLabelValues("ssl", "bad_magic").Inc()
		t.closeConnection(conn)
		return
	}

	switch kind {
	case wire.KindChannel:
		metrics.HandshakesTotal.WithLabelValues("ssl", "channel").Inc()
		_, _ = t.chain.Intercept(context.Background(), tlsConn, func(_ context.Context, _ any) (any, error) {
			t.acceptChannel(tlsConn)
			return nil, nil
		})
		t.closeConnOwnership(conn)
	case wire.KindRawSocket:
		metrics.HandshakesTotal.WithLabelValues("ssl", "raw_socket").Inc()
		t.registry.Insert(id, tlsConn, time.Now())
		t.closeConnOwnership(conn)
	default:
		t.closeConnection(conn)
	}
}

func (t *Transport) acceptChannel(tlsConn *tls.Conn) {
	ch, err := t.factory.Setup(tlsConn, protocol.NegativePole, tlsConn)
	if err != nil {
		t.logger.Debug("ssl: channel setup failed", "err", err)
		return
	}

	if _, err := transport.PreparePeer(t.owner, ch, "", "ssl://"+tlsConn.RemoteAddr().String()); err != nil {
		t.logger.Debug("ssl: prepare peer failed", "err", err)
	}
}

// closeConnOwnership releases the semaphore slot and wg count without
// closing conn: ownership has already transferred to a Peer or the
// registry.
func (t *Transport) closeConnOwnership(conn net.Conn) {
	atomic.AddInt64(&t.activeConnections, -1)
	if t.connSemaphore != nil {
		<-t.connSemaphore
	}
	t.wg.Done()
}

func (t *Transport) closeConnection(conn net.Conn) {
	conn.Close()
	t.closeConnOwnership(conn)
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
			return fmt.Errorf("ssl: close listener: %w", err)
		}
	}

	t.wg.Wait()
	return nil
}

func setNoDelay(tlsConn *tls.Conn) {
	if tc, ok := tlsConn.NetConn().(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

func trimScheme(addr string) string {
	for i := 0; i+2 < len(addr); i++ {
		if addr[i] == ':' && addr[i+1] == '/' && addr[i+2] == '/' {
			return addr[i+3:]
		}
	}
	return addr
}
