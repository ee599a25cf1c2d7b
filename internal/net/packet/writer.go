package packet

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// Writer builds a packet body. All multi-byte writes are big-endian per the
// wire contract. The leading field is always the packet-ID VarInt.
type Writer struct {
	buf []byte
}

func NewWriter(id int32) *Writer {
	w := &Writer{buf: make([]byte, 0, 64)}
	w.WriteVarInt(id)
	return w
}

// NewRawWriter builds a body without a packet-ID prefix (legacy frames).
func NewRawWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// WriteByte writes 1 byte.
func (w *Writer) WriteByte(v byte) {
	w.buf = append(w.buf, v)
}

// WriteBool writes a boolean as one byte.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// WriteShort writes 2 bytes big-endian.
func (w *Writer) WriteShort(v int16) {
	w.WriteUShort(uint16(v))
}

// WriteUShort writes 2 bytes big-endian unsigned.
func (w *Writer) WriteUShort(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteInt writes 4 bytes big-endian.
func (w *Writer) WriteInt(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}

// WriteLong writes 8 bytes big-endian.
func (w *Writer) WriteLong(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

// WriteFloat writes a big-endian float32.
func (w *Writer) WriteFloat(v float32) {
	w.WriteInt(int32(math.Float32bits(v)))
}

// WriteDouble writes a big-endian float64.
func (w *Writer) WriteDouble(v float64) {
	w.WriteLong(int64(math.Float64bits(v)))
}

// WriteVarInt writes a protocol VarInt.
func (w *Writer) WriteVarInt(v int32) {
	u := uint32(v)
	for {
		b := byte(u & 0x7F)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		w.buf = append(w.buf, b)
		if u == 0 {
			return
		}
	}
}

// WriteVarLong writes a protocol VarLong.
func (w *Writer) WriteVarLong(v int64) {
	u := uint64(v)
	for {
		b := byte(u & 0x7F)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		w.buf = append(w.buf, b)
		if u == 0 {
			return
		}
	}
}

// WriteString writes a VarInt-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteVarInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteUUID writes a 16-byte UUID.
func (w *Writer) WriteUUID(u uuid.UUID) {
	w.buf = append(w.buf, u[:]...)
}

// WritePosition writes a packed block position (x:26, z:26, y:12).
func (w *Writer) WritePosition(x, y, z int32) {
	v := (int64(x&0x3FFFFFF) << 38) | (int64(z&0x3FFFFFF) << 12) | int64(y&0xFFF)
	w.WriteLong(v)
}

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// Bytes returns the packet body.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the current body length.
func (w *Writer) Len() int {
	return len(w.buf)
}

// VarIntSize returns the encoded size of a VarInt value.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}
