// Package codec provides the frame-payload compressors and the optional
// protobuf helper a DataChannel uses above the raw wire header.
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"lafrpc/pkg/protocol"
)

type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

type NoneCompressor struct{}

var _ Compressor = (*NoneCompressor)(nil)

func NewNoneCompressor() Compressor { return &NoneCompressor{} }

func (c *NoneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (c *NoneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (c *NoneCompressor) Name() string                           { return "none" }

type GzipCompressor struct {
	Level int
}

var _ Compressor = (*GzipCompressor)(nil)

func NewGzipCompressor(level int) Compressor {
	return &GzipCompressor{Level: level}
}

func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, fmt.Errorf("codec: create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("codec: gzip write: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("codec: gzip close: %w", err)
	}

	return buf.Bytes(), nil
}

func (c *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: create gzip reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("codec: gzip read: %w", err)
	}

	return decompressed, nil
}

func (c *GzipCompressor) Name() string { return "gzip" }

var compressorRegistry = make(map[protocol.CompressType]Compressor)

func RegisterCompressor(typ protocol.CompressType, compressor Compressor) {
	if compressor == nil {
		panic(fmt.Sprintf("codec: register compressor is nil for type %s", typ))
	}
	if _, exists := compressorRegistry[typ]; exists {
		panic(fmt.Sprintf("codec: register called twice for type %s", typ))
	}
	compressorRegistry[typ] = compressor
}

func GetCompressor(typ protocol.CompressType) Compressor {
	return compressorRegistry[typ]
}

func GetCompressorOrNone(typ protocol.CompressType) Compressor {
	c := GetCompressor(typ)
	if c == nil {
		c = GetCompressor(protocol.CompressNone)
	}
	return c
}

func init() {
	RegisterCompressor(protocol.CompressNone, NewNoneCompressor())
	RegisterCompressor(protocol.CompressGzip, NewGzipCompressor(gzip.DefaultCompression))
}
