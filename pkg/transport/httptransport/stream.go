package httptransport

import (
	"bufio"
	"net"
	"sync"
)

// bufferedStream glues a net.Conn to a *bufio.Reader that has already
// consumed (and possibly buffered) some of its bytes — the magic-code
// shortcut peek on the server side, or a client-side bufio.Reader left
// over from reading the HTTP response headers. Reads drain the buffer
// first; writes and control operations go straight to the connection.
type bufferedStream struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedStream(conn net.Conn, r *bufio.Reader) *bufferedStream {
	return &bufferedStream{Conn: conn, r: r}
}

func (s *bufferedStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// ownedConn wraps a net.Conn handed off to something else's lifecycle
// management (here, http.Server) so the accept-time semaphore slot and
// wg count it holds are released exactly once, at the point the new owner
// actually closes the connection rather than at handoff time.
type ownedConn struct {
	net.Conn
	release func()
	once    sync.Once
}

func newOwnedConn(conn net.Conn, release func()) *ownedConn {
	return &ownedConn{Conn: conn, release: release}
}

func (c *ownedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
