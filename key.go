package jupitercache

import (
	"fmt"
	"strings"
)

// Bucket is a short human-readable partition within a cache namespace.
// Buckets are lowercased on the wire.
type Bucket string

// Norm returns the wire form of the bucket name.
func (b Bucket) Norm() string {
	return strings.ToLower(string(b))
}

// CacheKey identifies one cache record: a bucket plus the content hash of the
// inputs that produced it.
type CacheKey struct {
	Bucket Bucket
	Hash   IoHash
}

// String returns the "bucket/hash" display form.
func (k CacheKey) String() string {
	return k.Bucket.Norm() + "/" + k.Hash.String()
}

// ParseCacheKey parses a "bucket/hash" string.
func ParseCacheKey(s string) (CacheKey, error) {
	bucket, hexStr, ok := strings.Cut(s, "/")
	if !ok {
		return CacheKey{}, fmt.Errorf("invalid cache key %q: expected bucket/hash", s)
	}
	h, err := ParseHash(hexStr)
	if err != nil {
		return CacheKey{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	return CacheKey{Bucket: Bucket(bucket), Hash: h}, nil
}

// ValueID addresses one value within a record. IDs are short opaque strings
// unique within their record.
type ValueID string

// IsValid reports whether the ID is non-empty.
func (id ValueID) IsValid() bool {
	return id != ""
}
