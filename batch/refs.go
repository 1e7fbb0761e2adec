package batch

import (
	"fmt"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbobj"
)

// RefOp is one operation in a structured batch-refs request. OpID is the
// caller's index, echoed back in the matching result.
type RefOp struct {
	OpID   uint32
	Bucket jupitercache.Bucket
	Key    string
}

// RefResult is one result of a structured batch-refs request. RawHash and
// RawSize describe the resolved value; a zero hash means the service had no
// usable value for the key.
type RefResult struct {
	OpID    uint32
	Status  int
	RawHash jupitercache.IoHash
	RawSize uint64
}

// Exists reports whether the result resolved to a value.
func (r RefResult) Exists() bool {
	return r.Status >= 200 && r.Status < 300 && !r.RawHash.IsZero()
}

type refOpDoc struct {
	OpID               uint32 `cbor:"opId"`
	Op                 string `cbor:"op"`
	Bucket             string `cbor:"bucket"`
	Key                string `cbor:"key"`
	ResolveAttachments bool   `cbor:"resolveAttachments"`
}

type refsRequestDoc struct {
	Ops []refOpDoc `cbor:"ops"`
}

type refValueDoc struct {
	RawHash jupitercache.IoHash `cbor:"RawHash"`
	RawSize uint64              `cbor:"RawSize"`
}

type refResultDoc struct {
	OpID       uint32      `cbor:"opId"`
	StatusCode int         `cbor:"statusCode"`
	Response   refValueDoc `cbor:"response"`
}

type refsResponseDoc struct {
	Results []refResultDoc `cbor:"results"`
}

// MarshalRefsRequest builds the compact-binary body for a batch-refs POST.
// Buckets are lowercased on the wire.
func MarshalRefsRequest(ops []RefOp) (cbobj.Object, error) {
	doc := refsRequestDoc{Ops: make([]refOpDoc, 0, len(ops))}
	for _, op := range ops {
		doc.Ops = append(doc.Ops, refOpDoc{
			OpID:               op.OpID,
			Op:                 "GET",
			Bucket:             op.Bucket.Norm(),
			Key:                op.Key,
			ResolveAttachments: true,
		})
	}
	return cbobj.New(doc)
}

// ParseRefsResponse decodes a batch-refs response and checks that the
// service answered every operation exactly once.
func ParseRefsResponse(data []byte, expected int) ([]RefResult, error) {
	obj, err := cbobj.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("validating batch-refs response: %w", err)
	}

	var doc refsResponseDoc
	if err := obj.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding batch-refs response: %w", err)
	}

	if len(doc.Results) != expected {
		return nil, fmt.Errorf("batch-refs response has %d results, expected %d", len(doc.Results), expected)
	}

	results := make([]RefResult, 0, len(doc.Results))
	for _, res := range doc.Results {
		if res.OpID >= uint32(expected) {
			return nil, fmt.Errorf("batch-refs response has invalid opId %d for %d operations", res.OpID, expected)
		}
		results = append(results, RefResult{
			OpID:    res.OpID,
			Status:  res.StatusCode,
			RawHash: res.Response.RawHash,
			RawSize: res.Response.RawSize,
		})
	}
	return results, nil
}
