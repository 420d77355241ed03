package protocol

import (
	"bytes"
	"encoding/binary"
)

// PacketBuilder constructs big-endian binary frames. Callers validate
// every field before writing, so a built frame is always complete.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder with room for size bytes.
func NewPacketBuilder(size int) *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.Grow(size)
	return b
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteHeader writes a packed 16-bit header.
func (b *PacketBuilder) WriteHeader(h Header) *PacketBuilder {
	return b.WriteUint16(h.pack())
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed frame.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}
