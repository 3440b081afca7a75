package channel

import (
	"bytes"
	"net"
	"testing"

	"lafrpc/pkg/protocol"
)

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, protocol.PositivePole)
	sc := New(server, protocol.NegativePole)

	payload := []byte("hello from the positive pole")

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send(payload) }()

	got, err := sc.Recv()
	if err != nil {
		t.Fatalf("Recv error: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("Recv() = %q, want %q", got, payload)
	}
}

func TestSendRejectsOversizePayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, protocol.PositivePole)
	cc.SetMaxPacketSize(4)

	err := cc.Send([]byte("too big for four bytes"))
	if err == nil {
		t.Fatal("expected ErrPacketTooLarge")
	}
}

func TestRecvRejectsOversizeHeader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, protocol.PositivePole)
	sc := New(server, protocol.NegativePole)
	sc.SetMaxPacketSize(4)

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send([]byte("too big for four bytes")) }()

	_, err := sc.Recv()
	if err == nil {
		t.Fatal("expected ErrPacketTooLarge on Recv")
	}
	// Recv stops after the header; close the reading end so Send's blocked
	// body write returns.
	server.Close()
	<-errCh
}

func TestPoleAndProperties(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()

	cc := New(client, protocol.PositivePole)
	if cc.Pole() != protocol.PositivePole {
		t.Fatalf("Pole() = %v, want PositivePole", cc.Pole())
	}

	if _, ok := cc.Property(PropertyPeerCertificateHash); ok {
		t.Fatal("expected no property set by default")
	}

	cc.SetProperty(PropertyPeerCertificateHash, "abc123")
	v, ok := cc.Property(PropertyPeerCertificateHash)
	if !ok || v != "abc123" {
		t.Fatalf("Property() = (%q, %v), want (abc123, true)", v, ok)
	}
}

func TestLargeCompressiblePayloadRoundTrips(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, protocol.PositivePole)
	sc := New(server, protocol.NegativePole)

	// highly repetitive, above the compression threshold: exercises the
	// gzip path in Send/Recv.
	payload := bytes.Repeat([]byte("ab"), (1<<20+1)/2+1)

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send(payload) }()

	got, err := sc.Recv()
	if err != nil {
		t.Fatalf("Recv error: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatal("round-tripped payload does not match original")
	}
}
