package batch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"

	jupitercache "github.com/wolfeidau/jupiter-cache"
)

// Framed batchget response layout:
//
//	"JPTR" {payloadCount:uint32}
//	{"JPEE" {name:cstr} {result:uint8} [{hash:20} {size:uint64} {payload}]}...
//
// The hash, size and payload fields are present only for Ok results. The
// name is "namespace.bucket.key"; only the key participates in matching.
const (
	protocolMagic = "JPTR"
	payloadMagic  = "JPEE"
	magicSize     = 4
)

const (
	opOk       uint8 = 0
	opError    uint8 = 1
	opNotFound uint8 = 2
	opExists   uint8 = 3
)

// ErrMalformedResponse reports a batchget response that could not be parsed
// or contained a payload matching no request.
var ErrMalformedResponse = errors.New("batch: malformed batched response")

// ParseBatchedResponse distributes the payloads of a framed batchget
// response onto the entries that requested them. Payloads may arrive in any
// order, and one payload satisfies every entry with the same key. Get
// payloads are hash-verified before an entry is marked successful; Ok
// results match only gets and Exists results only heads.
func ParseBatchedResponse(data []byte, entries []*Entry) error {
	if len(data) < magicSize+4 || string(data[:magicSize]) != protocolMagic {
		return ErrMalformedResponse
	}
	// The payload count is advisory; a short response simply leaves the
	// unmatched entries failed.
	r := data[magicSize+4:]

	// Forward search cursor; ordered responses match in one step, unordered
	// ones fall back to a full cycle.
	cursor := 0

	for len(r) >= magicSize && string(r[:magicSize]) == payloadMagic {
		r = r[magicSize:]

		nul := bytes.IndexByte(r, 0)
		if nul < 0 {
			return ErrMalformedResponse
		}
		name := string(r[:nul])
		r = r[nul+1:]
		key := name[strings.LastIndexByte(name, '.')+1:]

		if len(r) < 1 {
			return ErrMalformedResponse
		}
		result := r[0]
		r = r[1:]

		var hash jupitercache.IoHash
		var payload []byte
		if result == opOk {
			if len(r) < jupitercache.HashSize+8 {
				return ErrMalformedResponse
			}
			copy(hash[:], r[:jupitercache.HashSize])
			size := binary.LittleEndian.Uint64(r[jupitercache.HashSize:])
			r = r[jupitercache.HashSize+8:]
			if size > uint64(len(r)) {
				return ErrMalformedResponse
			}
			payload = r[:size]
			r = r[size:]
		}

		found := false
		for n := range len(entries) {
			e := entries[(cursor+n)%len(entries)]
			if !matchesResult(e.Verb, result) || !strings.EqualFold(e.Key, key) {
				continue
			}
			if !found {
				found = true
				cursor = (cursor + n + 1) % len(entries)
			}
			applyResult(e, result, hash, payload)
		}
		if !found {
			return ErrMalformedResponse
		}
	}

	return nil
}

// matchesResult rejects pairings of a get with a head outcome and vice
// versa. Error and NotFound settle either kind of request.
func matchesResult(verb Verb, result uint8) bool {
	if verb == VerbGet && result == opExists {
		return false
	}
	if verb == VerbHead && result == opOk {
		return false
	}
	return true
}

func applyResult(e *Entry, result uint8, hash jupitercache.IoHash, payload []byte) {
	switch result {
	case opOk:
		if e.OK {
			return
		}
		if len(payload) == 0 {
			e.OK = false
			return
		}
		if jupitercache.HashBytes(payload) != hash {
			e.Data = nil
			e.OK = false
			return
		}
		e.Data = bytes.Clone(payload)
		e.OK = true

	case opExists:
		e.OK = true

	default:
		e.OK = false
	}
}
