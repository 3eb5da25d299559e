package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"
)

const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"

	// CompressionMinSize skips compression for small payloads
	CompressionMinSize = 1024
)

// Each encoded payload starts with a tag byte so entries written under a
// different compression setting still decode.
const (
	tagRaw    byte = 'r'
	tagSnappy byte = 's'
	tagLZ4    byte = 'l'
)

// Codec compresses cached payloads
type Codec struct {
	algorithm string
}

func NewCodec(algorithm string) (*Codec, error) {
	switch algorithm {
	case "", CompressionNone:
		return &Codec{algorithm: CompressionNone}, nil
	case CompressionSnappy, CompressionLZ4:
		return &Codec{algorithm: algorithm}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

func (c *Codec) Algorithm() string {
	return c.algorithm
}

// Encode returns the tagged, possibly compressed form of payload
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	if len(payload) < CompressionMinSize || c.algorithm == CompressionNone {
		return append([]byte{tagRaw}, payload...), nil
	}

	switch c.algorithm {
	case CompressionSnappy:
		return append([]byte{tagSnappy}, snappy.Encode(nil, payload)...), nil

	case CompressionLZ4:
		// stream format embeds size information
		buf := bytes.NewBuffer([]byte{tagLZ4})
		w := lz4.NewWriter(buf)
		if _, err := w.Write(payload); err != nil {
			w.Close()
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), nil
	}

	return append([]byte{tagRaw}, payload...), nil
}

// Decode reverses Encode based on the tag byte
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorruptEntry
	}

	body := data[1:]
	switch data[0] {
	case tagRaw:
		return body, nil

	case tagSnappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrDecompression, err)
		}
		return out, nil

	case tagLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecompression, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrCorruptEntry, data[0])
	}
}
