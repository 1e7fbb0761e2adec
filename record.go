package jupitercache

import (
	"fmt"

	"github.com/wolfeidau/jupiter-cache/cbobj"
	"github.com/wolfeidau/jupiter-cache/cbuf"
)

// Value is one payload reference: the hash and size of the raw content, plus
// optionally the compressed payload itself.
type Value struct {
	RawHash IoHash
	RawSize uint64
	Data    cbuf.Buffer
}

// NewValue builds a Value from a compressed buffer, taking the hash and size
// from the buffer header.
func NewValue(data cbuf.Buffer) Value {
	return Value{
		RawHash: IoHash(data.RawHash()),
		RawSize: data.RawSize(),
		Data:    data,
	}
}

// NewValueRef builds a data-less Value from a hash and size.
func NewValueRef(rawHash IoHash, rawSize uint64) Value {
	return Value{RawHash: rawHash, RawSize: rawSize}
}

// HasData reports whether the value carries a payload.
func (v Value) HasData() bool {
	return v.Data.IsValid()
}

// IsDataReady reports whether the carried payload matches the declared hash
// and size, making the value usable without a fetch.
func (v Value) IsDataReady() bool {
	return v.HasData() &&
		IoHash(v.Data.RawHash()) == v.RawHash &&
		v.Data.RawSize() == v.RawSize
}

// RemoveData returns a copy with the payload dropped, keeping the reference.
// Used to satisfy skip-data policies without discarding the value.
func (v Value) RemoveData() Value {
	return Value{RawHash: v.RawHash, RawSize: v.RawSize}
}

// IdentifiedValue is a Value addressed by a short ID within a record.
type IdentifiedValue struct {
	ID ValueID
	Value
}

// CacheRecord is one cache entry: a key, an optional meta document, and a set
// of identified values. Records are built through RecordBuilder so that the
// ID-uniqueness invariant holds by construction.
type CacheRecord struct {
	Key    CacheKey
	Meta   cbobj.Object
	values []IdentifiedValue
}

// Values returns the identified values in insertion order. Callers must not
// modify the slice.
func (r *CacheRecord) Values() []IdentifiedValue {
	return r.values
}

// Value returns the value with the given ID.
func (r *CacheRecord) Value(id ValueID) (IdentifiedValue, bool) {
	for _, v := range r.values {
		if v.ID == id {
			return v, true
		}
	}
	return IdentifiedValue{}, false
}

// RecordBuilder accumulates values for a CacheRecord.
type RecordBuilder struct {
	record CacheRecord
	err    error
}

// NewRecordBuilder creates a builder for the given key.
func NewRecordBuilder(key CacheKey) *RecordBuilder {
	return &RecordBuilder{record: CacheRecord{Key: key}}
}

// SetMeta attaches the meta document.
func (b *RecordBuilder) SetMeta(meta cbobj.Object) *RecordBuilder {
	b.record.Meta = meta
	return b
}

// AddValue appends an identified value. IDs must be unique within the record.
func (b *RecordBuilder) AddValue(v IdentifiedValue) *RecordBuilder {
	if b.err != nil {
		return b
	}
	if !v.ID.IsValid() {
		b.err = fmt.Errorf("value with empty id")
		return b
	}
	for _, existing := range b.record.values {
		if existing.ID == v.ID {
			b.err = fmt.Errorf("duplicate value id %q", v.ID)
			return b
		}
	}
	b.record.values = append(b.record.values, v)
	return b
}

// Build returns the record, or the first error encountered while adding
// values.
func (b *RecordBuilder) Build() (*CacheRecord, error) {
	if b.err != nil {
		return nil, b.err
	}
	record := b.record
	return &record, nil
}

// Wire schema of a record document. Raw hashes serialize as hex text via
// encoding.TextMarshaler.
type recordDoc struct {
	Meta   cbobj.RawMessage `cbor:"meta,omitempty"`
	Values []valueDoc       `cbor:"values"`
}

type valueDoc struct {
	ID      string `cbor:"id"`
	RawHash IoHash `cbor:"rawHash"`
	RawSize uint64 `cbor:"rawSize"`
}

// Save serializes the record into its wire package: the record document plus
// one attachment per value that carries data. Attachments are de-duplicated
// by hash, matching the server's storage model.
func (r *CacheRecord) Save() (*cbobj.Package, error) {
	doc := recordDoc{Values: make([]valueDoc, 0, len(r.values))}
	if !r.Meta.IsEmpty() {
		doc.Meta = cbobj.RawMessage(r.Meta.Bytes())
	}
	for _, v := range r.values {
		doc.Values = append(doc.Values, valueDoc{
			ID:      string(v.ID),
			RawHash: v.RawHash,
			RawSize: v.RawSize,
		})
	}

	obj, err := cbobj.New(doc)
	if err != nil {
		return nil, fmt.Errorf("saving record %s: %w", r.Key, err)
	}

	pkg := cbobj.NewPackage(obj)
	for _, v := range r.values {
		if v.HasData() {
			pkg.AddAttachment(cbobj.NewCompressedAttachment(v.Data))
		}
	}
	return pkg, nil
}

// LoadRecord decodes a record document fetched from the ref endpoint. Values
// come back data-less; payloads are resolved separately against the
// compressed-blob endpoints.
func LoadRecord(key CacheKey, obj cbobj.Object) (*CacheRecord, error) {
	var doc recordDoc
	if err := obj.Decode(&doc); err != nil {
		return nil, fmt.Errorf("loading record %s: %w", key, err)
	}

	builder := NewRecordBuilder(key)
	if len(doc.Meta) > 0 {
		meta, err := cbobj.FromBytes(doc.Meta)
		if err != nil {
			return nil, fmt.Errorf("loading record %s meta: %w", key, err)
		}
		builder.SetMeta(meta)
	}
	for _, v := range doc.Values {
		builder.AddValue(IdentifiedValue{
			ID:    ValueID(v.ID),
			Value: NewValueRef(v.RawHash, v.RawSize),
		})
	}
	return builder.Build()
}
