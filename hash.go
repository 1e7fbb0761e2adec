package jupitercache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of an IoHash in bytes (160 bits).
//
// Jupiter addresses content by a BLAKE3 digest truncated to 20 bytes, so the
// hex form fits in 40 characters alongside a bucket name in a URI path.
const HashSize = 20

// IoHash is the content hash of a raw payload: the first 20 bytes of the
// BLAKE3-256 digest.
type IoHash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h IoHash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h IoHash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h IoHash) IsZero() bool {
	return h == IoHash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h IoHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *IoHash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (IoHash, error) {
	var h IoHash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return IoHash{}, err
	}
	return h, nil
}

// HashBytes computes the IoHash of the given bytes.
func HashBytes(data []byte) IoHash {
	sum := blake3.Sum256(data)
	var h IoHash
	copy(h[:], sum[:HashSize])
	return h
}

// HashReader computes the IoHash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (IoHash, int64, error) {
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return IoHash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var sum [32]byte
	hasher.Sum(sum[:0])
	var h IoHash
	copy(h[:], sum[:HashSize])
	return h, n, nil
}

// HashingWriter wraps a writer and computes the hash as data is written.
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewHashingWriter creates a writer that computes a hash as data is written.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		w: w,
		h: blake3.New(),
	}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data written so far.
func (hw *HashingWriter) Sum() IoHash {
	var sum [32]byte
	hw.h.Sum(sum[:0])
	var h IoHash
	copy(h[:], sum[:HashSize])
	return h
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
