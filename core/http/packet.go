package http

import (
	"io"
	"slices"

	"github.com/valyala/bytebufferpool"
)

// PacketFlags classify a packet's role in the stream
type PacketFlags uint8

const (
	PacketHeader PacketFlags = 1 << iota
	PacketData
	PacketEnd
	PacketRange
)

// Entity is the source of deferred packet content, read at write time.
// *os.File values are sent with sendfile when the socket supports it.
type Entity interface {
	io.ReaderAt
}

// Packet is the unit of data flowing through queues. Its content is either
// an owned pooled buffer, or a deferred region of an Entity.
type Packet struct {
	Flags PacketFlags

	content *bytebufferpool.ByteBuffer
	start   int
	prefix  []byte
	suffix  []byte

	entity       Entity
	entityPos    int64
	entityLength int

	next *Packet
}

// NewPacket creates a packet with room for size bytes of content
func NewPacket(size int, flags PacketFlags) *Packet {
	p := &Packet{Flags: flags}
	if size > 0 {
		p.content = bytebufferpool.Get()
		p.content.B = slices.Grow(p.content.B[:0], size)
	}
	return p
}

// NewDataPacket creates a DATA packet with room for size bytes
func NewDataPacket(size int) *Packet {
	return NewPacket(size, PacketData)
}

// NewHeaderPacket creates the HEADER packet that carries the serialized header block
func NewHeaderPacket() *Packet {
	return NewPacket(0, PacketHeader)
}

// NewEndPacket creates a zero-length END packet
func NewEndPacket() *Packet {
	return NewPacket(0, PacketEnd)
}

// NewEntityPacket creates a DATA packet whose length bytes are read from e
// starting at pos when the packet is written.
func NewEntityPacket(e Entity, pos int64, length int) *Packet {
	return &Packet{Flags: PacketData, entity: e, entityPos: pos, entityLength: length}
}

// Len returns the content length, or the entity length for deferred packets
func (p *Packet) Len() int {
	if p.entity != nil {
		return p.entityLength
	}
	if p.content == nil {
		return 0
	}
	return len(p.content.B) - p.start
}

// Bytes returns the unconsumed content. Deferred packets return nil.
func (p *Packet) Bytes() []byte {
	if p.content == nil {
		return nil
	}
	return p.content.B[p.start:]
}

func (p *Packet) IsHeader() bool { return p.Flags&PacketHeader != 0 }
func (p *Packet) IsData() bool   { return p.Flags&(PacketData|PacketRange) != 0 }
func (p *Packet) IsEnd() bool    { return p.Flags&PacketEnd != 0 }

// Entity returns the deferred source and its current position, if any
func (p *Packet) Entity() (Entity, int64) {
	return p.entity, p.entityPos
}

func (p *Packet) Prefix() []byte { return p.prefix }
func (p *Packet) Suffix() []byte { return p.suffix }

func (p *Packet) SetPrefix(b []byte) { p.prefix = b }
func (p *Packet) SetSuffix(b []byte) { p.suffix = b }

// Write appends b to the content buffer
func (p *Packet) Write(b []byte) (int, error) {
	if p.entity != nil {
		return 0, ErrCannotJoin
	}
	if p.content == nil {
		p.content = bytebufferpool.Get()
	}
	p.content.B = append(p.content.B, b...)
	return len(b), nil
}

// WriteString appends s to the content buffer
func (p *Packet) WriteString(s string) (int, error) {
	if p.entity != nil {
		return 0, ErrCannotJoin
	}
	if p.content == nil {
		p.content = bytebufferpool.Get()
	}
	p.content.B = append(p.content.B, s...)
	return len(s), nil
}

// Consume discards n bytes from the front of the content
func (p *Packet) Consume(n int) {
	if n <= 0 {
		return
	}
	if p.entity != nil {
		n = min(n, p.entityLength)
		p.entityPos += int64(n)
		p.entityLength -= n
		return
	}
	if p.content == nil {
		return
	}
	p.start = min(p.start+n, len(p.content.B))
	if p.start == len(p.content.B) {
		p.content.B = p.content.B[:0]
		p.start = 0
	}
}

// reserve returns at least n bytes of spare capacity at the end of the content
func (p *Packet) reserve(n int) []byte {
	if p.content == nil {
		p.content = bytebufferpool.Get()
	}
	if p.start > 0 && p.start == len(p.content.B) {
		p.content.B = p.content.B[:0]
		p.start = 0
	}
	p.content.B = slices.Grow(p.content.B, n)
	b := p.content.B
	return b[len(b):cap(b)]
}

// commit extends the content by n bytes previously filled through reserve
func (p *Packet) commit(n int) {
	p.content.B = p.content.B[:len(p.content.B)+n]
}

// flush empties the content without releasing the buffer
func (p *Packet) flush() {
	if p.content != nil {
		p.content.B = p.content.B[:0]
	}
	p.start = 0
	p.entity = nil
	p.entityPos = 0
	p.entityLength = 0
}

// release returns the content buffer to the pool
func (p *Packet) release() {
	if p.content != nil {
		bytebufferpool.Put(p.content)
		p.content = nil
	}
	p.start = 0
	p.prefix = nil
	p.suffix = nil
	p.entity = nil
	p.next = nil
}

// SplitPacket splits p at offset. p keeps [0,offset) and its prefix; the
// returned packet holds the rest, the flags and the suffix. Returns nil if
// offset is out of range.
func SplitPacket(p *Packet, offset int) *Packet {
	length := p.Len()
	if offset < 0 || offset >= length {
		return nil
	}
	var tail *Packet
	if p.entity != nil {
		tail = NewEntityPacket(p.entity, p.entityPos+int64(offset), length-offset)
		tail.Flags = p.Flags
		p.entityLength = offset
	} else {
		tail = NewPacket(length-offset, p.Flags)
		tail.content.B = append(tail.content.B, p.content.B[p.start+offset:]...)
		p.content.B = p.content.B[:p.start+offset]
	}
	tail.suffix = p.suffix
	p.suffix = nil
	return tail
}

// JoinPacket appends other's content to p and releases other.
// Deferred packets cannot be joined.
func JoinPacket(p, other *Packet) error {
	if p.entity != nil || other.entity != nil {
		return ErrCannotJoin
	}
	if b := other.Bytes(); len(b) > 0 {
		p.Write(b)
	}
	other.release()
	return nil
}
