package cbobj

import (
	"github.com/zeebo/blake3"

	"github.com/wolfeidau/jupiter-cache/cbuf"
)

// AttachmentKind describes how an attachment payload is held in memory.
type AttachmentKind uint8

const (
	// KindCompressed holds a ready-to-upload compressed buffer.
	KindCompressed AttachmentKind = iota
	// KindBinary holds raw bytes that must be compressed before upload.
	KindBinary
	// KindObject holds a nested compact-binary document; its encoded form is
	// compressed before upload.
	KindObject
)

// Attachment is one binary blob referenced by hash from a package.
type Attachment struct {
	Hash [HashSize]byte

	kind       AttachmentKind
	compressed cbuf.Buffer
	binary     []byte
	object     Object
}

// NewCompressedAttachment wraps a compressed buffer. The attachment hash is
// the buffer's raw-content hash.
func NewCompressedAttachment(b cbuf.Buffer) Attachment {
	return Attachment{Hash: b.RawHash(), kind: KindCompressed, compressed: b}
}

// NewBinaryAttachment wraps raw bytes.
func NewBinaryAttachment(raw []byte) Attachment {
	sum := blake3.Sum256(raw)
	var h [HashSize]byte
	copy(h[:], sum[:HashSize])
	return Attachment{Hash: h, kind: KindBinary, binary: raw}
}

// NewObjectAttachment wraps a nested document.
func NewObjectAttachment(o Object) Attachment {
	return Attachment{Hash: o.Hash(), kind: KindObject, object: o}
}

// Kind returns the attachment kind.
func (a Attachment) Kind() AttachmentKind {
	return a.kind
}

// AsCompressed returns the compressed-buffer form of the attachment,
// compressing binary and object payloads on demand.
func (a Attachment) AsCompressed() cbuf.Buffer {
	switch a.kind {
	case KindCompressed:
		return a.compressed
	case KindBinary:
		return cbuf.Compress(a.binary)
	default:
		return cbuf.Compress(a.object.Bytes())
	}
}

// Package is the wire form of a cache record: a root document plus an ordered
// list of attachments referenced by hash.
type Package struct {
	Object      Object
	attachments []Attachment
}

// NewPackage creates a package around a root document.
func NewPackage(o Object) *Package {
	return &Package{Object: o}
}

// ObjectHash returns the content hash of the root document.
func (p *Package) ObjectHash() [HashSize]byte {
	return p.Object.Hash()
}

// AddAttachment appends an attachment. Attachments are de-duplicated by
// hash; adding an attachment whose hash is already present is a no-op.
func (p *Package) AddAttachment(a Attachment) {
	for _, existing := range p.attachments {
		if existing.Hash == a.Hash {
			return
		}
	}
	p.attachments = append(p.attachments, a)
}

// FindAttachment returns the attachment with the given hash.
func (p *Package) FindAttachment(h [HashSize]byte) (Attachment, bool) {
	for _, a := range p.attachments {
		if a.Hash == h {
			return a, true
		}
	}
	return Attachment{}, false
}

// Attachments returns the attachments in insertion order. Callers must not
// modify the slice.
func (p *Package) Attachments() []Attachment {
	return p.attachments
}
