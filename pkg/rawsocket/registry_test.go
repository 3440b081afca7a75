package rawsocket

import (
	"net"
	"testing"
	"time"
)

type fakeStream struct {
	closed bool
}

func (f *fakeStream) Read(p []byte) (int, error)  { return 0, nil }
func (f *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeStream) Close() error                { f.closed = true; return nil }

func TestInsertAndTake(t *testing.T) {
	r := New(time.Minute)
	var id [16]byte
	id[0] = 0x42

	s := &fakeStream{}
	now := time.Now()
	r.Insert(id, s, now)

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	arrived, ok := r.ArrivedAt(id)
	if !ok || !arrived.Equal(now) {
		t.Fatalf("ArrivedAt = (%v, %v), want (%v, true)", arrived, ok, now)
	}

	got, ok := r.Take(id)
	if !ok {
		t.Fatal("Take() returned ok=false")
	}
	if got != s {
		t.Fatal("Take() returned a different stream")
	}

	if r.Len() != 0 {
		t.Fatalf("Len() after take = %d, want 0 (take-and-remove)", r.Len())
	}
}

func TestTakeTwiceSecondFails(t *testing.T) {
	r := New(time.Minute)
	var id [16]byte

	r.Insert(id, &fakeStream{}, time.Now())

	if _, ok := r.Take(id); !ok {
		t.Fatal("first Take() should succeed")
	}
	if _, ok := r.Take(id); ok {
		t.Fatal("second Take() should fail under take-and-remove semantics")
	}
}

func TestTakeUnknownIDFails(t *testing.T) {
	r := New(time.Minute)
	var id [16]byte
	if _, ok := r.Take(id); ok {
		t.Fatal("Take() of unknown id should fail")
	}
}

func TestInsertOverwritesExisting(t *testing.T) {
	r := New(time.Minute)
	var id [16]byte

	first := &fakeStream{}
	second := &fakeStream{}

	r.Insert(id, first, time.Now())
	r.Insert(id, second, time.Now())

	got, ok := r.Take(id)
	if !ok {
		t.Fatal("Take() failed")
	}
	if got != second {
		t.Fatal("expected the second Insert to have overwritten the first")
	}
}

var _ net.Addr = (*net.TCPAddr)(nil) // sanity import check for Stream's embedding contract
