// Package tcp implements Transport over plain TCP: TCP_NODELAY on every
// accepted and connected stream, DNS-cache-backed address resolution on the
// server side, and a per-connection goroutine dispatching the shared
// handshake.
package tcp

import (
	"context"
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

const schemePrefix = "tcp://"

// Transport implements transport.Transport over net.TCPConn.
type Transport struct {
	owner   transport.Owner
	factory transport.ChannelFactory
	opts    *transport.ServerOptions
	clOpts  *transport.ClientOptions
	logger  *slog.Logger
	chain   *interceptor.Chain

	registry *rawsocket.Registry

	mu            sync.RWMutex
	listener      net.Listener
	closed        bool
	wg            sync.WaitGroup
	connSemaphore chan struct{}

	activeConnections int64
	totalConnections  int64
}

var _ transport.Transport = (*Transport)(nil)

// New builds a TCP transport weakly owned by r.
func New(r *rpc.Rpc, opts ...Option) *Transport {
	t := &Transport{
		owner:    transport.NewOwner(r),
		opts:     transport.DefaultServerOptions(),
		clOpts:   transport.DefaultClientOptions(),
		logger:   slog.Default(),
		registry: rawsocket.New(rawsocket.DefaultTTL),
	}
	t.factory = transport.ChannelFactory{Owner: t.owner}
	t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(t.logger, "tcp"), interceptor.Metrics("tcp"))

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

func WithClientOptions(o *transport.ClientOptions) Option {
	return func(t *Transport) { t.clOpts = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
		t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(l, "tcp"), interceptor.Metrics("tcp"))
	}
}

func WithRegistry(reg *rawsocket.Registry) Option {
	return func(t *Transport) { t.registry = reg }
}

// Addr returns the listener's bound address, or nil if the server hasn't
// started (or has already stopped). Mostly useful for tests that bind to
// port 0 and need to discover the assigned port.
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) CanHandle(addr string) bool {
	return len(addr) >= len(schemePrefix) && addr[:len(schemePrefix)] == schemePrefix
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

func (t *Transport) Connect(ctx context.Context, addr string, timeout time.Duration) (*channel.DataChannel, error) {
	if t.owner.Get() == nil {
		return nil, transport.ErrOwnerDead
	}

	timeout = transport.ResolveTimeout(timeout)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &net.Dialer{KeepAlive: t.clOpts.KeepAlivePeriod}
	conn, err := dialer.DialContext(dialCtx, "tcp", hostPort(addr))
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}

	setNoDelay(conn)

	if err := wire.WriteChannelOpen(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tcp: send channel-open magic: %w", err)
	}

	ch, err := t.factory.Setup(conn, protocol.PositivePole, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return ch, nil
}

func (t *Transport) MakeRawSocket(ctx context.Context, addr string) (channel.Stream, [16]byte, error) {
	var zero [16]byte

	if t.owner.Get() == nil {
		return nil, zero, transport.ErrOwnerDead
	}

	dialer := &net.Dialer{KeepAlive: t.clOpts.KeepAlivePeriod}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort(addr))
	if err != nil {
		return nil, zero, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}

	setNoDelay(conn)

	id, err := wire.WriteRawSocketOpen(conn)
	if err != nil {
		conn.Close()
		return nil, zero, err
	}

	if err := wire.ReadRawSocketAck(conn); err != nil {
		conn.Close()
		return nil, zero, fmt.Errorf("tcp: raw socket handshake: %w", err)
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

	resolved, err := t.resolveBindAddr(ctx, owner, addr)
	if err != nil {
		t.logger.Warn("tcp: transport setup failed", "addr", addr, "err", err)
		return fmt.Errorf("tcp: resolve %s: %w", addr, err)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", resolved)
	if err != nil {
		t.logger.Warn("tcp: bind failed", "addr", resolved, "err", err)
		return fmt.Errorf("tcp: listen %s: %w", resolved, err)
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

			return fmt.Errorf("tcp: accept: %w", err)
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
		atomic.AddInt64(&t.totalConnections, 1)
		metrics.AcceptsTotal.WithLabelValues("tcp").Inc()

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *Transport) resolveBindAddr(ctx context.Context, owner *rpc.Rpc, addr string) (string, error) {
	host, port, err := net.SplitHostPort(trimScheme(addr))
	if err != nil {
		return "", fmt.Errorf("split host/port: %w", err)
	}

	if net.ParseIP(host) == nil && host != "0.0.0.0" && host != "" {
		resolved, err := owner.DNSCache().Lookup(ctx, host)
		if err != nil {
			return "", err
		}
		host = resolved
	}

	return net.JoinHostPort(host, port), nil
}

func (t *Transport) handleConnection(conn net.Conn) {
	setNoDelay(conn)

	kind, id, err := wire.ReadMagic(conn)
	if err != nil {
		t.logger.Debug("tcp: handshake failed", "remote", conn.RemoteAddr(), "err", err)
		metrics.HandshakesTotal.WithLabelValues("tcp", "bad_magic").Inc()
		t.closeConnection(conn)
		return
	}

	switch kind {
	case wire.KindChannel:
		metrics.HandshakesTotal.WithLabelValues("tcp", "channel").Inc()
		_, _ = t.chain.Intercept(context.Background(), conn, func(_ context.Context, _ any) (any, error) {
			t.acceptChannel(conn)
			return nil, nil
		})
		t.closeConnOwnership(conn)
	case wire.KindRawSocket:
		metrics.HandshakesTotal.WithLabelValues("tcp", "raw_socket").Inc()
		t.registry.Insert(id, conn, time.Now())
		t.closeConnOwnership(conn)
	default:
		t.logger.Debug("tcp: unrecognized magic, closing", "remote", conn.RemoteAddr())
		t.closeConnection(conn)
	}
}

func (t *Transport) acceptChannel(conn net.Conn) {
	ch, err := t.factory.Setup(conn, protocol.NegativePole, nil)
	if err != nil {
		t.logger.Debug("tcp: channel setup failed", "err", err)
		return
	}

	if _, err := transport.PreparePeer(t.owner, ch, "", "tcp://"+conn.RemoteAddr().String()); err != nil {
		t.logger.Debug("tcp: prepare peer failed", "err", err)
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
			return fmt.Errorf("tcp: close listener: %w", err)
		}
	}

	t.wg.Wait()
	return nil
}

func hostPort(addr string) string {
	return trimScheme(addr)
}

func trimScheme(addr string) string {
	for i := 0; i+2 < len(addr); i++ {
		if addr[i] == ':' && addr[i+1] == '/' && addr[i+2] == '/' {
			return addr[i+3:]
		}
	}
	return addr
}
