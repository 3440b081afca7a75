package kcp

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"lafrpc/pkg/rpc"
)

func TestCanHandle(t *testing.T) {
	tr := New(rpc.New())
	if !tr.CanHandle("kcp://127.0.0.1:4000") {
		t.Fatal("CanHandle should accept a kcp:// address")
	}
	if tr.CanHandle("tcp://127.0.0.1:4000") {
		t.Fatal("CanHandle should reject a tcp:// address")
	}
}

func TestTrimScheme(t *testing.T) {
	if got := trimScheme("kcp://127.0.0.1:4000"); got != "127.0.0.1:4000" {
		t.Fatalf("trimScheme = %q, want %q", got, "127.0.0.1:4000")
	}
	if got := trimScheme("127.0.0.1:4000"); got != "127.0.0.1:4000" {
		t.Fatalf("trimScheme with no scheme = %q, want unchanged", got)
	}
}

// fakePacketConn lets the filter test drive ReadFrom without a real socket.
type fakePacketConn struct {
	net.PacketConn
	datagrams [][]byte
	addr      net.Addr
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	d := f.datagrams[0]
	f.datagrams = f.datagrams[1:]
	n := copy(p, d)
	return n, f.addr, nil
}

func TestFilteredPacketConnSkipsConsumedDatagrams(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	fake := &fakePacketConn{
		datagrams: [][]byte{[]byte("drop-me"), []byte("keep-me")},
		addr:      addr,
	}

	var seen [][]byte
	wrapped := wrapPacketConn(fake, func(data []byte, n int, _ net.Addr) bool {
		consumed := string(data[:n]) == "drop-me"
		if !consumed {
			seen = append(seen, append([]byte(nil), data[:n]...))
		}
		return consumed
	})

	buf := make([]byte, 64)
	n, _, err := wrapped.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom error: %v", err)
	}
	if string(buf[:n]) != "keep-me" {
		t.Fatalf("ReadFrom returned %q, want the filter to have skipped past drop-me", buf[:n])
	}
	if len(seen) != 1 || string(seen[0]) != "keep-me" {
		t.Fatalf("filter observed %v, want exactly one call for keep-me", seen)
	}
}

func TestNilFilterIsPassthrough(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	fake := &fakePacketConn{datagrams: [][]byte{[]byte("x")}, addr: addr}

	wrapped := wrapPacketConn(fake, nil)
	if wrapped != net.PacketConn(fake) {
		t.Fatal("wrapPacketConn with a nil filter should return the original conn unwrapped")
	}
}

func TestChannelHandshakeOverLoopback(t *testing.T) {
	rc := rpc.New()
	tr := New(rc, WithFEC(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer tr.Close()

	started := make(chan struct{})
	go func() {
		go func() {
			for {
				tr.mu.RLock()
				ready := tr.listener != nil
				tr.mu.RUnlock()
				if ready {
					close(started)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		_ = tr.StartServer(ctx, "kcp://127.0.0.1:0")
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("server never bound a listener")
	}

	tr.mu.RLock()
	addr := "kcp://" + tr.listener.Addr().String()
	tr.mu.RUnlock()

	ch, err := tr.Connect(context.Background(), addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer ch.Close()

	if err := ch.Send([]byte("ping")); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	// The client's UDP socket is bound to the wildcard address, so only the
	// port of its LocalAddr() matches what the server observes.
	peerKey := "kcp://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(ch.LocalAddr().(*net.UDPAddr).Port))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rc.Peer(peerKey); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server never registered a peer for the accepted KCP session")
}
