// Package page defines the fixed-size on-disk page format shared by the
// pager, buffer pool and B+tree (spec.md §3: "Page").
package page

import (
	"encoding/binary"
	"hash/crc32"
)

// Size is the fixed page size in bytes. nqdb never varies this at runtime;
// a database created with a different page size would need its own
// migration tool, which is out of scope.
const Size = 4096

// HeaderSize is the fixed 16-byte page header: page_id, page_type,
// checksum, payload_len.
const HeaderSize = 16

// MaxPayload is the number of bytes available to callers after the header.
const MaxPayload = Size - HeaderSize

// Type tags what a page is used for.
type Type uint8

const (
	TypeMeta Type = iota
	TypeData
	TypeIndex
	TypeFree
	TypeOverflow
)

// ID is a monotone page identifier. ID 0 is reserved for the meta page.
type ID uint64

// Page is one fixed Size-byte unit: a 16-byte header followed by a payload.
// Data always holds exactly Size bytes; Header fields alias into Data[:16].
type Page struct {
	Data [Size]byte
}

// New allocates a zeroed page stamped with id and typ.
func New(id ID, typ Type) *Page {
	p := &Page{}
	p.SetID(id)
	p.SetType(typ)
	return p
}

func (p *Page) ID() ID {
	return ID(binary.BigEndian.Uint64(p.Data[0:8]))
}

func (p *Page) SetID(id ID) {
	binary.BigEndian.PutUint64(p.Data[0:8], uint64(id))
}

func (p *Page) Type() Type {
	return Type(p.Data[8])
}

func (p *Page) SetType(t Type) {
	p.Data[8] = byte(t)
}

func (p *Page) Checksum() uint32 {
	return binary.BigEndian.Uint32(p.Data[9:13])
}

func (p *Page) setChecksum(c uint32) {
	binary.BigEndian.PutUint32(p.Data[9:13], c)
}

func (p *Page) PayloadLen() uint16 {
	return binary.BigEndian.Uint16(p.Data[13:15])
}

func (p *Page) setPayloadLen(n uint16) {
	binary.BigEndian.PutUint16(p.Data[13:15], n)
}

// Payload returns the payload region up to PayloadLen.
func (p *Page) Payload() []byte {
	return p.Data[HeaderSize : HeaderSize+int(p.PayloadLen())]
}

// PayloadCap returns the full writable payload region regardless of the
// currently recorded length, for callers that want to write then call
// SetPayload with the actual length used.
func (p *Page) PayloadCap() []byte {
	return p.Data[HeaderSize:]
}

// SetPayload copies data into the payload region, updates payload_len, and
// recomputes the checksum. It fails (via panic) if data exceeds MaxPayload;
// callers are expected to have already split oversized records into
// overflow pages.
func (p *Page) SetPayload(data []byte) {
	if len(data) > MaxPayload {
		panic("page: payload exceeds page size")
	}
	copy(p.Data[HeaderSize:], data)
	// zero any trailing bytes from a previous, longer payload
	for i := HeaderSize + len(data); i < Size; i++ {
		p.Data[i] = 0
	}
	p.setPayloadLen(uint16(len(data)))
	p.Seal()
}

// Seal recomputes the checksum over (header without checksum) || payload,
// matching spec.md §3's invariant. Call this after any direct Data mutation
// that bypasses SetPayload.
func (p *Page) Seal() {
	p.setChecksum(0)
	sum := checksum(p.Data[:HeaderSize], p.Payload())
	p.setChecksum(sum)
}

// Verify reports whether the stored checksum matches the page contents.
func (p *Page) Verify() bool {
	want := p.Checksum()
	withoutSum := p.Data[:HeaderSize]
	var cleared [HeaderSize]byte
	copy(cleared[:], withoutSum)
	cleared[9], cleared[10], cleared[11], cleared[12] = 0, 0, 0, 0
	got := checksum(cleared[:], p.Payload())
	return got == want
}

func checksum(header, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(header)
	h.Write(payload)
	return h.Sum32()
}
