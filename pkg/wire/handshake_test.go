package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestChannelOpenRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WriteChannelOpen(client)
	}()

	kind, _, err := ReadMagic(server)
	if err != nil {
		t.Fatalf("ReadMagic error: %v", err)
	}
	if kind != KindChannel {
		t.Fatalf("kind = %v, want KindChannel", kind)
	}
}

func TestRawSocketOpenRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var sentID [ConnectionIDLength]byte
	errCh := make(chan error, 1)

	go func() {
		id, err := WriteRawSocketOpen(client)
		sentID = id
		errCh <- err
		if err == nil {
			errCh <- ReadRawSocketAck(client)
		}
	}()

	kind, gotID, err := ReadMagic(server)
	if err != nil {
		t.Fatalf("ReadMagic error: %v", err)
	}
	if kind != KindRawSocket {
		t.Fatalf("kind = %v, want KindRawSocket", kind)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("WriteRawSocketOpen error: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ReadRawSocketAck error: %v", err)
	}

	if !bytes.Equal(sentID[:], gotID[:]) {
		t.Fatalf("server observed id %x, client sent %x", gotID, sentID)
	}
}

func TestReadMagicRejectsUnknownPrefix(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{0x00, 0x00})
	}()

	kind, _, err := ReadMagic(server)
	if err == nil {
		t.Fatal("expected error for unknown magic prefix")
	}
	if kind != KindUnknown {
		t.Fatalf("kind = %v, want KindUnknown", kind)
	}
}

func TestNewConnectionIDLength(t *testing.T) {
	id, err := NewConnectionID()
	if err != nil {
		t.Fatalf("NewConnectionID error: %v", err)
	}
	if len(id) != ConnectionIDLength {
		t.Fatalf("len(id) = %d, want %d", len(id), ConnectionIDLength)
	}
}
