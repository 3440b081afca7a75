// Package channel implements DataChannel: a framed, bidirectional byte
// stream with a role, a max packet size, and a string-keyed property bag
// (used to surface TLS peer-certificate metadata). It is the sink/source
// every transport hands off to the RPC core after a successful handshake.
package channel

import (
	"fmt"
	"io"
	"net"
	"sync"

	"lafrpc/pkg/codec"
	"lafrpc/pkg/protocol"
)

// Well-known property-bag keys.
const (
	PropertyPeerCertificate     = "peer_certificate"
	PropertyPeerCertificateHash = "peer_certificate_hash"
)

// ErrPacketTooLarge is returned by Send when the payload exceeds the
// channel's configured max packet size.
var ErrPacketTooLarge = fmt.Errorf("channel: packet exceeds max packet size")

// Stream is the minimal capability a DataChannel needs from its underlying
// byte stream.
type Stream interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// DataChannel is a framed, bidirectional message stream carrying RPC
// traffic above the raw handshake.
type DataChannel struct {
	stream Stream
	pole   protocol.Pole

	mu             sync.RWMutex
	maxPacketSize  int
	properties     map[string]string
	compressor     codec.Compressor
	compressThresh int

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// New wraps stream as a DataChannel with the given pole (role). The max
// packet size defaults to 0 (unbounded) until ChannelFactory applies the
// RPC-owned value.
func New(stream Stream, pole protocol.Pole) *DataChannel {
	return &DataChannel{
		stream:         stream,
		pole:           pole,
		properties:     make(map[string]string),
		compressor:     codec.GetCompressorOrNone(protocol.CompressNone),
		compressThresh: 1 << 20, // only worth compressing payloads above 1MiB
	}
}

func (c *DataChannel) Pole() protocol.Pole { return c.pole }

// SetMaxPacketSize applies the RPC-owned max packet size. Called once by
// ChannelFactory right after construction.
func (c *DataChannel) SetMaxPacketSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxPacketSize = n
}

func (c *DataChannel) MaxPacketSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxPacketSize
}

// SetProperty attaches a string value to the channel's property bag, e.g.
// peer_certificate / peer_certificate_hash.
func (c *DataChannel) SetProperty(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.properties[key] = value
}

func (c *DataChannel) Property(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.properties[key]
	return v, ok
}

func (c *DataChannel) LocalAddr() net.Addr  { return c.stream.LocalAddr() }
func (c *DataChannel) RemoteAddr() net.Addr { return c.stream.RemoteAddr() }

// Send frames and writes a single packet. Concurrent Send calls are
// serialized; framing writes are never interleaved.
func (c *DataChannel) Send(payload []byte) error {
	c.mu.RLock()
	max := c.maxPacketSize
	c.mu.RUnlock()

	if max > 0 && len(payload) > max {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(payload), max)
	}

	compress := protocol.CompressNone
	body := payload
	if len(payload) >= c.compressThresh {
		compressed, err := c.compressor.Compress(payload)
		if err == nil && len(compressed) < len(payload) {
			body = compressed
			compress = protocol.CompressGzip
		}
	}

	header := protocol.NewHeader(compress, uint32(len(body)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := writeFull(c.stream, header.Encode()); err != nil {
		return fmt.Errorf("channel: write header: %w", err)
	}
	if err := writeFull(c.stream, body); err != nil {
		return fmt.Errorf("channel: write body: %w", err)
	}
	return nil
}

// Recv reads and decodes a single packet.
func (c *DataChannel) Recv() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	headerBuf := make([]byte, protocol.HeaderLength)
	if err := readFull(c.stream, headerBuf); err != nil {
		return nil, fmt.Errorf("channel: read header: %w", err)
	}

	var header protocol.Header
	if err := header.Decode(headerBuf); err != nil {
		return nil, fmt.Errorf("channel: decode header: %w", err)
	}

	c.mu.RLock()
	max := c.maxPacketSize
	c.mu.RUnlock()
	if max > 0 && int(header.Length) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, header.Length, max)
	}

	body := make([]byte, header.Length)
	if err := readFull(c.stream, body); err != nil {
		return nil, fmt.Errorf("channel: read body: %w", err)
	}

	if header.Compress == protocol.CompressGzip {
		gz := codec.GetCompressor(protocol.CompressGzip)
		decompressed, err := gz.Decompress(body)
		if err != nil {
			return nil, fmt.Errorf("channel: decompress body: %w", err)
		}
		body = decompressed
	}

	return body, nil
}

func (c *DataChannel) Close() error {
	return c.stream.Close()
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func readFull(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	return err
}
