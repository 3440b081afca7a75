// Package rawsocket holds byte streams adopted out of band of the RPC
// channel, keyed by the 16-byte connection id exchanged during the raw
// socket handshake, until the RPC core retrieves them with Take.
package rawsocket

import (
	"encoding/hex"
	"io"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// DefaultTTL bounds how long an adopted stream waits to be taken before the
// registry gives up on it and closes it. The wire spec names no eviction
// policy; this is the documented divergence spec.md §4.3 asks for.
const DefaultTTL = 2 * time.Minute

const cleanupInterval = 30 * time.Second

// Stream is the minimal surface the registry needs from an adopted
// connection: enough to close it if it expires unclaimed.
type Stream interface {
	io.ReadWriteCloser
}

// Registry maps connection-id to (stream, arrival timestamp). Shared
// between server-handler goroutines (writers, via Insert) and whatever
// retrieves raw sockets (readers, via Take); go-cache does its own internal
// locking so no extra mutex is needed here.
type Registry struct {
	c *cache.Cache
}

type entry struct {
	stream  Stream
	arrived time.Time
}

// New builds a registry that expires unclaimed entries after ttl, closing
// the underlying stream on expiry so it can't leak a file descriptor.
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := cache.New(ttl, cleanupInterval)
	c.OnEvicted(func(_ string, v interface{}) {
		if e, ok := v.(entry); ok {
			_ = e.stream.Close()
		}
	})

	return &Registry{c: c}
}

func key(id [16]byte) string {
	return hex.EncodeToString(id[:])
}

// Insert unconditionally overwrites any existing entry for id, per the
// source's unspecified duplicate-handling behavior.
func (r *Registry) Insert(id [16]byte, stream Stream, now time.Time) {
	r.c.Set(key(id), entry{stream: stream, arrived: now}, cache.DefaultExpiration)
}

// Take looks up the entry for id and removes it (take-and-remove), a
// deliberate divergence from the C++ source's QHash::operator[], which
// never erases — documented in SPEC_FULL.md / DESIGN.md. Returns false if
// no entry is present (including if it already expired or was taken).
func (r *Registry) Take(id [16]byte) (Stream, bool) {
	k := key(id)
	v, ok := r.c.Get(k)
	if !ok {
		return nil, false
	}

	e, ok := v.(entry)
	if !ok {
		return nil, false
	}

	// go-cache runs the OnEvicted callback on Delete as well; swap in a
	// placeholder first so the callback does not close the stream being
	// handed out.
	if err := r.c.Replace(k, struct{}{}, cache.DefaultExpiration); err != nil {
		return nil, false
	}
	r.c.Delete(k)
	return e.stream, true
}

// ArrivedAt reports the arrival timestamp of a still-pending entry, mostly
// useful for diagnostics and tests.
func (r *Registry) ArrivedAt(id [16]byte) (time.Time, bool) {
	v, ok := r.c.Get(key(id))
	if !ok {
		return time.Time{}, false
	}
	e, ok := v.(entry)
	if !ok {
		return time.Time{}, false
	}
	return e.arrived, true
}

// Len reports the number of pending (not yet taken, not yet expired)
// entries. Used by tests asserting the registry is unchanged after a
// rejected handshake (spec.md §8, property 2).
func (r *Registry) Len() int {
	return r.c.ItemCount()
}
