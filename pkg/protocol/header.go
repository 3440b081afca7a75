package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame header for a single DataChannel packet. The RPC wire format carried
// inside the payload is out of scope here; this only frames opaque bytes
// so a channel can tell where one packet ends and the next begins.
//
// Byte layout, 10 bytes fixed:
//
//	0  1  2  3  4  5  6  7  8  9
//	+--+--+--+--+--+--+--+--+--+--+
//	|Magic |Ver|Cmp|Reserv|  Length  |
//	+--+--+--+--+--+--+--+--+--+--+
const (
	HeaderLength        = 10
	FrameMagic   uint16 = 0xCAFE
	FrameVersion byte   = 0x01
)

type CompressType byte

const (
	CompressNone CompressType = 0x00
	CompressGzip CompressType = 0x01
)

func (t CompressType) String() string {
	switch t {
	case CompressNone:
		return "none"
	case CompressGzip:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

type Header struct {
	Magic    uint16
	Version  byte
	Compress CompressType
	Reserved [2]byte
	Length   uint32
}

func NewHeader(compress CompressType, length uint32) *Header {
	return &Header{
		Magic:    FrameMagic,
		Version:  FrameVersion,
		Compress: compress,
		Length:   length,
	}
}

func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderLength)
	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.Version
	buf[3] = byte(h.Compress)
	buf[4], buf[5] = h.Reserved[0], h.Reserved[1]
	binary.BigEndian.PutUint32(buf[6:10], h.Length)
	return buf
}

func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderLength {
		return fmt.Errorf("protocol: short header: got %d bytes, want %d", len(buf), HeaderLength)
	}

	h.Magic = binary.BigEndian.Uint16(buf[0:2])
	if h.Magic != FrameMagic {
		return fmt.Errorf("protocol: bad frame magic 0x%X, want 0x%X", h.Magic, FrameMagic)
	}

	h.Version = buf[2]
	if h.Version != FrameVersion {
		return fmt.Errorf("protocol: unsupported frame version %d", h.Version)
	}

	h.Compress = CompressType(buf[3])
	h.Reserved[0], h.Reserved[1] = buf[4], buf[5]
	h.Length = binary.BigEndian.Uint32(buf[6:10])

	return nil
}
