// Package httptransport implements Transport by embedding the RPC
// handshake inside an HTTP protocol upgrade: a client POSTs to a
// configured path with Connection: Upgrade / Upgrade: lafrpc, the server
// replies 101 Switching Protocols and hands the raw connection off to the
// same handshake path plain TCP uses. The same listening port also serves
// ordinary static files, and a magic-code shortcut lets a client skip HTTP
// entirely by sending the RPC magic as the very first bytes on the
// connection.
package httptransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"lafrpc/pkg/address"
	"lafrpc/pkg/channel"
	"lafrpc/pkg/interceptor"
	"lafrpc/pkg/protocol"
	"lafrpc/pkg/rawsocket"
	"lafrpc/pkg/rpc"
	"lafrpc/pkg/transport"
	"lafrpc/pkg/transport/metrics"
	"lafrpc/pkg/wire"
)

const upgradeProtocol = "lafrpc"

// ErrUpgradeRefused is returned to the caller of Connect/MakeRawSocket when
// the HTTP peer did not reply 101, or replied with a non-empty body.
var ErrUpgradeRefused = fmt.Errorf("httptransport: peer refused protocol upgrade")

// Transport implements transport.Transport over an HTTP(S) protocol
// upgrade, with a dual-use static file server on every other path.
type Transport struct {
	owner     transport.Owner
	factory   transport.ChannelFactory
	opts      *transport.ServerOptions
	tlsConfig *tls.Config // nil for plain http
	path      string
	rootDir   string
	logger    *slog.Logger
	chain     *interceptor.Chain

	registry *rawsocket.Registry

	mu            sync.RWMutex
	listener      net.Listener
	httpListener  *chanListener
	closed        bool
	wg            sync.WaitGroup
	connSemaphore chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New builds an HTTP transport. tlsConfig non-nil selects https://; path is
// the RPC upgrade endpoint (defaults to "/"); rootDir serves every other
// path as static content.
func New(r *rpc.Rpc, path, rootDir string, tlsConfig *tls.Config, opts ...Option) *Transport {
	if path == "" {
		path = "/"
	}

	t := &Transport{
		owner:     transport.NewOwner(r),
		opts:      transport.DefaultServerOptions(),
		tlsConfig: tlsConfig,
		path:      path,
		rootDir:   rootDir,
		logger:    slog.Default(),
		registry:  rawsocket.New(rawsocket.DefaultTTL),
	}
	t.factory = transport.ChannelFactory{Owner: t.owner}
	t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(t.logger, "http"), interceptor.Metrics("http"))

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
		t.chain = interceptor.NewChain(interceptor.Recovery(), interceptor.Logging(l, "http"), interceptor.Metrics("http"))
	}
}

func WithInterceptorChain(c *interceptor.Chain) Option {
	return func(t *Transport) { t.chain = c }
}

// Addr returns the listener's bound address, or nil if the server hasn't
// started (or has already stopped).
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) scheme() string {
	if t.tlsConfig != nil {
		return "https"
	}
	return "http"
}

func (t *Transport) CanHandle(addr string) bool {
	prefix := t.scheme() + "://"
	return len(addr) >= len(prefix) && addr[:len(prefix)] == prefix
}

// ---------------------------------------------------------------- client --

func (t *Transport) dialRaw(ctx context.Context, a address.Address) (net.Conn, *tls.Conn, error) {
	hostPort := a.HostPort()

	if t.tlsConfig != nil {
		tlsConn, err := (&tls.Dialer{Config: t.tlsConfig}).DialContext(ctx, "tcp", hostPort)
		if err != nil {
			return nil, nil, fmt.Errorf("httptransport: dial %s: %w", hostPort, err)
		}
		tc := tlsConn.(*tls.Conn)
		return tc, tc, nil
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, nil, fmt.Errorf("httptransport: dial %s: %w", hostPort, err)
	}
	return conn, nil, nil
}

// upgrade performs the client side of the HTTP protocol-upgrade handshake
// and returns the raw stream ready for the channel/raw-socket handshake.
func (t *Transport) upgrade(ctx context.Context, addr string) (channel.Stream, *tls.Conn, error) {
	a, err := address.Parse(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("httptransport: %w", err)
	}

	conn, tlsConn, err := t.dialRaw(ctx, a)
	if err != nil {
		return nil, nil, err
	}

	path := a.Path
	if path == "" {
		path = "/"
	}

	req, err := http.NewRequest(http.MethodPost, "http://"+a.HostPort()+path, nil)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("httptransport: build upgrade request: %w", err)
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", upgradeProtocol)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("httptransport: send upgrade request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("httptransport: read upgrade response: %w", err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: status %s", ErrUpgradeRefused, resp.Status)
	}

	// A 101 response carries no body by definition; resp.Body must not be
	// read here (without Content-Length, net/http treats the rest of the
	// connection as body content and a read would block forever waiting
	// for the peer's handshake bytes). A declared non-zero length is
	// itself the protocol violation the spec calls out.
	if resp.ContentLength > 0 {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: non-empty body on 101 response", ErrUpgradeRefused)
	}

	_ = conn.SetDeadline(time.Time{})

	stream := newBufferedStream(conn, br)
	return stream, tlsConn, nil
}

func (t *Transport) Connect(ctx context.Context, addr string, timeout time.Duration) (*channel.DataChannel, error) {
	if t.owner.Get() == nil {
		return nil, transport.ErrOwnerDead
	}

	timeout = transport.ResolveTimeout(timeout)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, tlsConn, err := t.upgrade(dialCtx, addr)
	if err != nil {
		return nil, err
	}

	if err := wire.WriteChannelOpen(stream); err != nil {
		stream.Close()
		return nil, fmt.Errorf("httptransport: send channel-open magic: %w", err)
	}

	ch, err := t.factory.Setup(stream, protocol.PositivePole, tlsConn)
	if err != nil {
		stream.Close()
		return nil, err
	}

	return ch, nil
}

func (t *Transport) MakeRawSocket(ctx context.Context, addr string) (channel.Stream, [16]byte, error) {
	var zero [16]byte

	if t.owner.Get() == nil {
		return nil, zero, transport.ErrOwnerDead
	}

	stream, _, err := t.upgrade(ctx, addr)
	if err != nil {
		return nil, zero, err
	}

	id, err := wire.WriteRawSocketOpen(stream)
	if err != nil {
		stream.Close()
		return nil, zero, err
	}

	if err := wire.ReadRawSocketAck(stream); err != nil {
		stream.Close()
		return nil, zero, fmt.Errorf("httptransport: raw socket handshake: %w", err)
	}

	return stream, id, nil
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

// ---------------------------------------------------------------- server --

func (t *Transport) StartServer(ctx context.Context, addr string) error {
	owner := t.owner.Get()
	if owner == nil {
		return transport.ErrOwnerDead
	}

	a, err := address.Parse(addr)
	if err != nil {
		t.logger.Warn("httptransport: transport setup failed", "addr", addr, "err", err)
		return fmt.Errorf("httptransport: %w", err)
	}

	host := a.Host
	if net.ParseIP(host) == nil && host != "0.0.0.0" && host != "" {
		resolved, err := owner.DNSCache().Lookup(ctx, host)
		if err != nil {
			t.logger.Warn("httptransport: transport setup failed", "addr", addr, "err", err)
			return fmt.Errorf("httptransport: resolve %s: %w", host, err)
		}
		host = resolved
	}

	lc := net.ListenConfig{}
	tcpListener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(a.Port)))
	if err != nil {
		t.logger.Warn("httptransport: bind failed", "addr", addr, "err", err)
		return fmt.Errorf("httptransport: listen %s: %w", addr, err)
	}

	listener := net.Listener(tcpListener)
	if t.tlsConfig != nil {
		listener = tls.NewListener(tcpListener, t.tlsConfig)
	}

	t.mu.Lock()
	t.listener = listener
	httpListener := newChanListener(listener.Addr())
	t.httpListener = httpListener
	t.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleUpgrade)
	if t.rootDir != "" {
		fileServer := http.FileServer(http.Dir(t.rootDir))
		mux.Handle("/", fileServer)
	}

	server := &http.Server{Handler: mux}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(httpListener) }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		server.Close()
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
			return fmt.Errorf("httptransport: accept: %w", err)
		}

		t.wg.Add(1)
		go t.sniffAndDispatch(conn, httpListener)
	}
}

// sniffAndDispatch implements the magic-code shortcut: peek the first two
// bytes of a fresh connection before any HTTP parsing happens. If they are
// the RPC magic, handle the handshake directly; otherwise hand the
// connection (buffered reader intact) to the HTTP server.
func (t *Transport) sniffAndDispatch(conn net.Conn, httpListener *chanListener) {
	br := bufio.NewReader(conn)

	peek, err := br.Peek(2)
	if err != nil {
		conn.Close()
		t.wg.Done()
		return
	}

	if isMagicPrefix(peek) {
		metrics.AcceptsTotal.WithLabelValues(t.scheme()).Inc()
		t.handleDirectHandshake(newBufferedStream(conn, br))
		return
	}

	if t.connSemaphore != nil {
		select {
		case t.connSemaphore <- struct{}{}:
		default:
			conn.Close()
			t.wg.Done()
			return
		}
	}

	metrics.AcceptsTotal.WithLabelValues(t.scheme()).Inc()
	// Ownership transfers to http.Server, not back to this goroutine: the
	// semaphore slot and wg count are released when the wrapped conn is
	// actually closed, whenever http.Server is done with it.
	httpListener.push(newOwnedConn(newBufferedStream(conn, br), t.releaseHTTPOwnership))
}

func isMagicPrefix(b []byte) bool {
	return (b[0] == wire.MagicChannel[0] && b[1] == wire.MagicChannel[1]) ||
		(b[0] == wire.MagicRawSocket[0] && b[1] == wire.MagicRawSocket[1])
}

func (t *Transport) releaseHTTPOwnership() {
	if t.connSemaphore != nil {
		<-t.connSemaphore
	}
	t.wg.Done()
}

func (t *Transport) handleDirectHandshake(stream channel.Stream) {
	defer t.wg.Done()

	var tlsConn *tls.Conn
	if bs, ok := stream.(*bufferedStream); ok {
		if tc, ok := bs.Conn.(*tls.Conn); ok {
			tlsConn = tc
		}
	}

	t.runHandshake(stream, tlsConn)
}

// handleUpgrade is the HTTP handler bound to t.path: it validates the
// upgrade headers, replies 101, and hands the hijacked connection to the
// shared handshake path. If the RPC back-reference is dead it replies 503
// before the upgrade is committed.
func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost ||
		!strings.EqualFold(r.Header.Get("Connection"), "Upgrade") ||
		!strings.EqualFold(r.Header.Get("Upgrade"), upgradeProtocol) {
		http.NotFound(w, r)
		return
	}

	if t.owner.Get() == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		return
	}

	if _, err := io.WriteString(bufrw, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: "+upgradeProtocol+"\r\n\r\n"); err != nil {
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		conn.Close()
		return
	}

	stream := newBufferedStream(conn, bufrw.Reader)

	var tlsConn *tls.Conn
	if tc, ok := conn.(*tls.Conn); ok {
		tlsConn = tc
	}

	t.runHandshake(stream, tlsConn)
}

// runHandshake is the accept-side handoff shared by the magic-code
// shortcut and the HTTP-upgraded path: read the two handshake magic bytes
// and either wrap a channel, adopt a raw socket, or close the stream. A
// hijacked/upgraded stream that is handed off must not be closed here.
// Dispatch runs through t.chain (Recovery/Logging/Metrics by default) so a
// panic during channel setup can't take down the accept goroutine.
func (t *Transport) runHandshake(stream channel.Stream, tlsConn *tls.Conn) {
	_, _ = t.chain.Intercept(context.Background(), stream, func(_ context.Context, _ any) (any, error) {
		return nil, t.dispatchHandshake(stream, tlsConn)
	})
}

func (t *Transport) dispatchHandshake(stream channel.Stream, tlsConn *tls.Conn) error {
	kind, id, err := wire.ReadMagic(stream)
	if err != nil {
		t.logger.Debug("httptransport: handshake failed", "remote", stream.RemoteAddr(), "err", err)
		metrics.HandshakesTotal.WithLabelValues(t.scheme(), "bad_magic").Inc()
		stream.Close()
		return err
	}

	switch kind {
	case wire.KindChannel:
		metrics.HandshakesTotal.WithLabelValues(t.scheme(), "channel").Inc()
		ch, err := t.factory.Setup(stream, protocol.NegativePole, tlsConn)
		if err != nil {
			t.logger.Debug("httptransport: channel setup failed", "err", err)
			stream.Close()
			return err
		}
		if _, err := transport.PreparePeer(t.owner, ch, "", t.scheme()+"://"+stream.RemoteAddr().String()); err != nil {
			t.logger.Debug("httptransport: prepare peer failed", "err", err)
			return err
		}
	case wire.KindRawSocket:
		metrics.HandshakesTotal.WithLabelValues(t.scheme(), "raw_socket").Inc()
		t.registry.Insert(id, stream, time.Now())
	default:
		stream.Close()
	}

	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	httpListener := t.httpListener
	t.mu.Unlock()

	if httpListener != nil {
		httpListener.Close()
	}
	if listener != nil {
		if err := listener.Close(); err != nil {
			return fmt.Errorf("httptransport: close listener: %w", err)
		}
	}

	t.wg.Wait()
	return nil
}
