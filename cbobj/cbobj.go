// Package cbobj implements the compact-binary object model used by the cache
// protocol: self-describing binary documents encoded as deterministic CBOR,
// with binary attachments referenced by content hash rather than embedded.
package cbobj

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// HashSize matches the 20-byte IoHash used across the cache protocol.
const HashSize = 20

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which is what makes object hashes stable.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Hash types implement encoding.TextMarshaler and serialize as hex text.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cbobj: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("cbobj: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of nested
// documents such as record meta.
type RawMessage = cbor.RawMessage

// ErrMalformed is returned when bytes claimed to be a compact-binary object
// fail structural validation.
var ErrMalformed = errors.New("malformed compact-binary object")

// Object is an immutable compact-binary document. The zero Object is empty.
type Object struct {
	data []byte
}

// New encodes v into an Object.
func New(v any) (Object, error) {
	data, err := Marshal(v)
	if err != nil {
		return Object{}, fmt.Errorf("encoding object: %w", err)
	}
	return Object{data: data}, nil
}

// FromBytes validates that data is a well-formed CBOR document and wraps it
// without copying.
func FromBytes(data []byte) (Object, error) {
	if len(data) == 0 {
		return Object{}, nil
	}
	if err := cbor.Wellformed(data); err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Object{data: data}, nil
}

// IsEmpty reports whether the object carries no document.
func (o Object) IsEmpty() bool {
	return len(o.data) == 0
}

// Bytes returns the encoded document. Callers must not modify the slice.
func (o Object) Bytes() []byte {
	return o.data
}

// Hash returns the 20-byte content hash of the encoded document.
func (o Object) Hash() [HashSize]byte {
	sum := blake3.Sum256(o.data)
	var h [HashSize]byte
	copy(h[:], sum[:HashSize])
	return h
}

// Decode unmarshals the document into v.
func (o Object) Decode(v any) error {
	if o.IsEmpty() {
		return fmt.Errorf("%w: empty object", ErrMalformed)
	}
	return Unmarshal(o.data, v)
}
