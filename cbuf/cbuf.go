// Package cbuf implements the compressed-buffer container used for cache
// value payloads: a self-describing header carrying the raw-content hash and
// raw size, followed by the payload bytes, zstd-compressed when large enough
// to be worth it.
//
// The container is the unit stored by and fetched from the compressed-blob
// endpoints; the header lets a client verify a payload against its cache
// value without decompressing it first.
package cbuf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Magic is the 4-byte prefix of a compressed-buffer container.
var Magic = []byte("JCB1")

// Compression methods stored in the container header.
const (
	methodNone byte = 0
	methodZstd byte = 1
)

const (
	// hashSize matches the 20-byte IoHash used across the cache protocol.
	hashSize = 20

	// headerSize is magic (4) + method (1) + raw hash (20) + raw size (8).
	headerSize = 4 + 1 + hashSize + 8

	// CompressionThreshold is the minimum raw size before compression is
	// attempted. zstd framing overhead is not worth it below this.
	CompressionThreshold = 256

	// MaxRawSize is the hard cap on the declared raw size during
	// decompression, to stop compression bombs.
	MaxRawSize = 2 << 30 // 2 GiB
)

var (
	// ErrInvalidMagic is returned when a buffer does not start with Magic.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected JCB1")

	// ErrTruncated is returned when a container is shorter than its header
	// declares.
	ErrTruncated = errors.New("truncated compressed buffer")

	// ErrRawTooLarge is returned when the declared raw size exceeds MaxRawSize.
	ErrRawTooLarge = errors.New("declared raw size exceeds maximum")
)

// Shared zstd encoder/decoder. Both are goroutine-safe when used through
// EncodeAll/DecodeAll.
var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
)

func codec() (*zstd.Encoder, *zstd.Decoder) {
	codecOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		decoder, _ = zstd.NewReader(nil)
	})
	return encoder, decoder
}

// Buffer is an immutable compressed-buffer container. The zero Buffer is
// invalid; IsValid reports usability.
type Buffer struct {
	data []byte
}

// Compress builds a container from raw bytes, hashing them and compressing
// the payload when it clears the threshold and actually shrinks.
func Compress(raw []byte) Buffer {
	sum := blake3.Sum256(raw)

	method := methodNone
	payload := raw
	if len(raw) >= CompressionThreshold {
		enc, _ := codec()
		compressed := enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
		if len(compressed) < len(raw) {
			method = methodZstd
			payload = compressed
		}
	}

	data := make([]byte, 0, headerSize+len(payload))
	data = append(data, Magic...)
	data = append(data, method)
	data = append(data, sum[:hashSize]...)
	data = binary.BigEndian.AppendUint64(data, uint64(len(raw)))
	data = append(data, payload...)
	return Buffer{data: data}
}

// FromCompressed validates container bytes received off the wire and wraps
// them without copying. The payload itself is not decompressed or verified;
// RawHash is read from the header.
func FromCompressed(data []byte) (Buffer, error) {
	if len(data) < headerSize {
		return Buffer{}, ErrTruncated
	}
	if !bytes.Equal(data[:4], Magic) {
		return Buffer{}, ErrInvalidMagic
	}
	if m := data[4]; m != methodNone && m != methodZstd {
		return Buffer{}, fmt.Errorf("unsupported compression method %d", m)
	}
	if binary.BigEndian.Uint64(data[4+1+hashSize:headerSize]) > MaxRawSize {
		return Buffer{}, ErrRawTooLarge
	}
	return Buffer{data: data}, nil
}

// IsValid reports whether the buffer holds a container.
func (b Buffer) IsValid() bool {
	return len(b.data) >= headerSize
}

// RawHash returns the 20-byte hash of the raw (uncompressed) payload, as
// declared by the container header.
func (b Buffer) RawHash() [hashSize]byte {
	var h [hashSize]byte
	if b.IsValid() {
		copy(h[:], b.data[5:5+hashSize])
	}
	return h
}

// RawSize returns the uncompressed payload size declared by the header.
func (b Buffer) RawSize() uint64 {
	if !b.IsValid() {
		return 0
	}
	return binary.BigEndian.Uint64(b.data[4+1+hashSize : headerSize])
}

// CompressedSize returns the size of the whole container in wire form.
func (b Buffer) CompressedSize() uint64 {
	return uint64(len(b.data))
}

// Bytes returns the container in wire form. Callers must not modify the
// returned slice.
func (b Buffer) Bytes() []byte {
	return b.data
}

// Decompress returns the raw payload.
func (b Buffer) Decompress() ([]byte, error) {
	if !b.IsValid() {
		return nil, ErrTruncated
	}
	payload := b.data[headerSize:]
	rawSize := b.RawSize()
	switch b.data[4] {
	case methodNone:
		if uint64(len(payload)) != rawSize {
			return nil, ErrTruncated
		}
		return payload, nil
	case methodZstd:
		_, dec := codec()
		raw, err := dec.DecodeAll(payload, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if uint64(len(raw)) != rawSize {
			return nil, fmt.Errorf("decompressed size %d does not match declared size %d", len(raw), rawSize)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported compression method %d", b.data[4])
	}
}

// Reader decompresses a buffer once and serves byte ranges from the result.
// The service has no range-read endpoint for compressed blobs, so chunked
// reads fetch the whole value and slice client-side; Reader makes successive
// slices of one value cheap.
type Reader struct {
	buf Buffer
	raw []byte
	err error
}

// NewReader creates a Reader over the buffer. Decompression is deferred to
// the first range request.
func NewReader(b Buffer) *Reader {
	return &Reader{buf: b}
}

// HasSource reports whether the reader has a buffer to decompress.
func (r *Reader) HasSource() bool {
	return r.buf.IsValid()
}

// RawSize returns the declared raw size of the underlying buffer.
func (r *Reader) RawSize() uint64 {
	return r.buf.RawSize()
}

// Decompress returns raw bytes [offset, offset+size), clamped to the raw
// payload bounds.
func (r *Reader) Decompress(offset, size uint64) ([]byte, error) {
	if r.raw == nil && r.err == nil {
		r.raw, r.err = r.buf.Decompress()
	}
	if r.err != nil {
		return nil, r.err
	}
	total := uint64(len(r.raw))
	if offset > total {
		offset = total
	}
	if size > total-offset {
		size = total - offset
	}
	return r.raw[offset : offset+size], nil
}
