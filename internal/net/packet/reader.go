package packet

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// Reader reads protocol fields from a decoded packet body. Byte 0 onward is
// the body after the packet-ID VarInt has been consumed by NewReader.
// Reads past the end yield zero values and set the truncated flag; the
// dispatcher treats a truncated packet as a protocol violation.
type Reader struct {
	data      []byte
	off       int
	id        int32
	truncated bool
}

// NewReader parses the leading packet-ID VarInt and positions the reader at
// the first field.
func NewReader(data []byte) *Reader {
	r := &Reader{data: data}
	r.id = r.ReadVarInt()
	return r
}

// NewFieldReader wraps a body whose packet ID was already consumed.
func NewFieldReader(body []byte) *Reader {
	return &Reader{data: body, id: -1}
}

// ID returns the packet ID parsed from the body.
func (r *Reader) ID() int32 { return r.id }

// Truncated reports whether any read ran past the end of the body.
func (r *Reader) Truncated() bool { return r.truncated }

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Rest returns all unread bytes without consuming them.
func (r *Reader) Rest() []byte { return r.data[r.off:] }

// ReadByte reads one unsigned byte.
func (r *Reader) ReadByte() byte {
	if r.off >= len(r.data) {
		r.truncated = true
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

// ReadBool reads one byte as a boolean.
func (r *Reader) ReadBool() bool {
	return r.ReadByte() != 0
}

// ReadShort reads 2 bytes as big-endian int16.
func (r *Reader) ReadShort() int16 {
	return int16(r.ReadUShort())
}

// ReadUShort reads 2 bytes as big-endian uint16.
func (r *Reader) ReadUShort() uint16 {
	if r.off+2 > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// ReadInt reads 4 bytes as big-endian int32.
func (r *Reader) ReadInt() int32 {
	if r.off+4 > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v
}

// ReadLong reads 8 bytes as big-endian int64.
func (r *Reader) ReadLong() int64 {
	if r.off+8 > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v
}

// ReadFloat reads 4 bytes as a big-endian float32.
func (r *Reader) ReadFloat() float32 {
	return math.Float32frombits(uint32(r.ReadInt()))
}

// ReadDouble reads 8 bytes as a big-endian float64.
func (r *Reader) ReadDouble() float64 {
	return math.Float64frombits(uint64(r.ReadLong()))
}

// ReadVarInt reads a protocol VarInt (max 5 bytes).
func (r *Reader) ReadVarInt() int32 {
	var v uint32
	for i := 0; i < 5; i++ {
		b := r.ReadByte()
		v |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(v)
		}
	}
	r.truncated = true
	return int32(v)
}

// ReadVarLong reads a protocol VarLong (max 10 bytes).
func (r *Reader) ReadVarLong() int64 {
	var v uint64
	for i := 0; i < 10; i++ {
		b := r.ReadByte()
		v |= uint64(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int64(v)
		}
	}
	r.truncated = true
	return int64(v)
}

// ReadString reads a VarInt-prefixed UTF-8 string.
func (r *Reader) ReadString() string {
	n := int(r.ReadVarInt())
	if n < 0 || r.off+n > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return ""
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s
}

// ReadUUID reads a 16-byte UUID.
func (r *Reader) ReadUUID() uuid.UUID {
	var u uuid.UUID
	if r.off+16 > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return u
	}
	copy(u[:], r.data[r.off:r.off+16])
	r.off += 16
	return u
}

// ReadPosition reads a packed block position (x:26, z:26, y:12).
func (r *Reader) ReadPosition() (x, y, z int32) {
	v := r.ReadLong()
	x = int32(v >> 38)
	y = int32(v << 52 >> 52)
	z = int32(v << 26 >> 38)
	return x, y, z
}

// ReadBytes reads n raw bytes.
func (r *Reader) ReadBytes(n int) []byte {
	if n < 0 || r.off+n > len(r.data) {
		r.truncated = true
		rest := r.data[r.off:]
		r.off = len(r.data)
		return rest
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+n])
	r.off += n
	return b
}

// Skip advances the read position by n bytes.
func (r *Reader) Skip(n int) {
	if r.off+n > len(r.data) {
		r.truncated = true
		r.off = len(r.data)
		return
	}
	r.off += n
}
