package tcp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"lafrpc/pkg/channel"
	"lafrpc/pkg/rpc"
)

func startTestServer(t *testing.T, rc *rpc.Rpc) (tr *Transport, addr string, cancel context.CancelFunc) {
	t.Helper()

	tr = New(rc)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		go func() {
			for tr.Addr() == nil {
				time.Sleep(time.Millisecond)
			}
			close(started)
		}()
		_ = tr.StartServer(ctx, "tcp://127.0.0.1:0")
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("server never bound a listener")
	}

	return tr, "tcp://" + tr.Addr().String(), cancel
}

func TestChannelHandshakeAndDataExchange(t *testing.T) {
	rc := rpc.New()
	tr, addr, cancel := startTestServer(t, rc)
	defer cancel()
	defer tr.Close()

	ch, err := tr.Connect(context.Background(), addr, 0)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer ch.Close()

	payload := []byte("ping")
	if err := ch.Send(payload); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	// The server side of the exchange is handled by a background
	// goroutine inside the transport; give it a moment to register the
	// peer, then confirm it did.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		// The server registers the peer under "tcp://" + the client's
		// address as observed from its side, which is this channel's
		// LocalAddr() as observed from ours.
		if _, ok := rc.Peer("tcp://" + ch.LocalAddr().String()); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never registered a peer for the accepted channel")
}

func TestRawSocketHandshakeRegistersAndIsTaken(t *testing.T) {
	rc := rpc.New()
	tr, addr, cancel := startTestServer(t, rc)
	defer cancel()
	defer tr.Close()

	stream, id, err := tr.MakeRawSocket(context.Background(), addr)
	if err != nil {
		t.Fatalf("MakeRawSocket error: %v", err)
	}
	defer stream.Close()

	var taken channel.Stream
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := tr.TakeRawSocket(id); ok {
			taken = s
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if taken == nil {
		t.Fatal("server never registered the raw socket under the negotiated id")
	}

	if _, ok := tr.TakeRawSocket(id); ok {
		t.Fatal("second TakeRawSocket with the same id should fail (take-and-remove)")
	}

	msg := []byte("raw payload")
	go stream.Write(msg)

	buf := make([]byte, len(msg))
	if _, err := taken.Read(buf); err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("raw socket payload = %q, want %q", buf, msg)
	}
}

func TestBadMagicClosesWithoutRegistering(t *testing.T) {
	rc := rpc.New()
	tr, addr, cancel := startTestServer(t, rc)
	defer cancel()
	defer tr.Close()

	conn, err := net.Dial("tcp", hostPort(addr))
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}

	// Neither the channel-open nor raw-socket-open magic prefix.
	if _, err := conn.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("write error: %v", err)
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, readErr := conn.Read(buf)
	if readErr == nil {
		t.Fatal("expected the server to close the connection on bad magic")
	}
	conn.Close()

	if tr.registry.Len() != 0 {
		t.Fatalf("registry.Len() = %d, want 0 after a rejected handshake", tr.registry.Len())
	}
}
