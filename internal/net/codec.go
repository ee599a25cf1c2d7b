package net

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	gonet "net"

	"github.com/shardmux/proxy/internal/net/packet"
)

// maxFrameLen bounds a single frame (3-byte VarInt maximum per the wire
// contract); anything larger is a protocol violation.
const maxFrameLen = 1 << 21

// Conn wraps a TCP stream with the VarInt frame codec and the negotiated
// compression threshold. A threshold < 0 means compression is off.
// Read and write sides each have a single owning goroutine; the threshold
// is only changed during the login sequence before both loops start.
type Conn struct {
	raw       gonet.Conn
	br        *bufio.Reader
	threshold int
}

func NewConn(raw gonet.Conn) *Conn {
	return &Conn{
		raw:       raw,
		br:        bufio.NewReaderSize(raw, 16*1024),
		threshold: -1,
	}
}

// SetCompressionThreshold enables compression for payloads of at least t
// bytes. t < 0 disables compression.
func (c *Conn) SetCompressionThreshold(t int) {
	c.threshold = t
}

// CompressionThreshold returns the active threshold (-1 when off).
func (c *Conn) CompressionThreshold() int {
	return c.threshold
}

// Raw returns the underlying TCP connection.
func (c *Conn) Raw() gonet.Conn {
	return c.raw
}

// Peek returns the next n bytes without consuming them.
func (c *Conn) Peek(n int) ([]byte, error) {
	return c.br.Peek(n)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// ReadFrame reads one frame and returns the packet body (packet-ID VarInt
// plus fields), transparently inflating compressed frames.
func (c *Conn) ReadFrame() ([]byte, error) {
	frameLen, err := readVarInt(c.br)
	if err != nil {
		return nil, err
	}
	if frameLen <= 0 || frameLen > maxFrameLen {
		return nil, fmt.Errorf("invalid frame length: %d", frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(c.br, frame); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", frameLen, err)
	}

	if c.threshold < 0 {
		return frame, nil
	}

	// Compressed format: [VarInt uncompressedLen][zlib data]; 0 = stored.
	r := packet.NewFieldReader(frame)
	dataLen := r.ReadVarInt()
	if r.Truncated() {
		return nil, fmt.Errorf("truncated compression header")
	}
	body := frame[r.Offset():]
	if dataLen == 0 {
		return body, nil
	}
	if dataLen < 0 || dataLen > maxFrameLen {
		return nil, fmt.Errorf("invalid uncompressed length: %d", dataLen)
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open zlib frame: %w", err)
	}
	defer zr.Close()
	inflated := make([]byte, dataLen)
	if _, err := io.ReadFull(zr, inflated); err != nil {
		return nil, fmt.Errorf("inflate frame (%d bytes): %w", dataLen, err)
	}
	return inflated, nil
}

// WriteFrame writes one packet body as a frame, compressing it when the
// threshold is active and the body is large enough.
func (c *Conn) WriteFrame(body []byte) error {
	if c.threshold < 0 {
		return writeUncompressed(c.raw, body)
	}
	if len(body) < c.threshold {
		// Below threshold: dataLen=0 marker, body stored as-is.
		head := packet.NewRawWriter()
		head.WriteVarInt(int32(len(body)) + 1)
		head.WriteVarInt(0)
		if _, err := c.raw.Write(head.Bytes()); err != nil {
			return fmt.Errorf("write frame header: %w", err)
		}
		if _, err := c.raw.Write(body); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
		return nil
	}

	var deflated bytes.Buffer
	zw := zlib.NewWriter(&deflated)
	if _, err := zw.Write(body); err != nil {
		return fmt.Errorf("deflate frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("deflate frame: %w", err)
	}

	head := packet.NewRawWriter()
	head.WriteVarInt(int32(packet.VarIntSize(int32(len(body)))) + int32(deflated.Len()))
	head.WriteVarInt(int32(len(body)))
	if _, err := c.raw.Write(head.Bytes()); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := c.raw.Write(deflated.Bytes()); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func writeUncompressed(w io.Writer, body []byte) error {
	head := packet.NewRawWriter()
	head.WriteVarInt(int32(len(body)))
	if _, err := w.Write(head.Bytes()); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readVarInt reads a VarInt byte-by-byte from the buffered stream.
func readVarInt(br *bufio.Reader) (int32, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(v), nil
		}
	}
	return 0, fmt.Errorf("varint too long")
}
