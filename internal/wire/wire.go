// Package wire provides low-level read/write primitives for the Speedwire
// binary format: little-endian fixed-width integers over a growable buffer,
// plus the sentinel "not available" markers used by SMA devices.
package wire

import "encoding/binary"

// Sentinel values marking "not a number" / unavailable measurements.
const (
	NaNInt32  = 0x80000000
	NaNUint32 = 0xFFFFFFFF
	NaNInt64  = 0x8000000000000000
	NaNUint64 = 0xFFFFFFFFFFFFFFFF
)

// Buffer accumulates an outbound frame. The zero value is ready to use.
type Buffer struct {
	buf []byte
}

// Reset discards any accumulated bytes.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Bytes returns the accumulated frame.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Byte appends a single byte.
func (b *Buffer) Byte(v byte) {
	b.buf = append(b.buf, v)
}

// Uint16 appends a 16-bit little-endian value.
func (b *Buffer) Uint16(v uint16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
}

// Uint32 appends a 32-bit little-endian value.
func (b *Buffer) Uint32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

// Uint64 appends a 64-bit little-endian value.
func (b *Buffer) Uint64(v uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
}

// Raw appends a byte sequence verbatim.
func (b *Buffer) Raw(p []byte) {
	b.buf = append(b.buf, p...)
}

// PutUint16BE overwrites two bytes at off with a big-endian value. The
// Speedwire outer header carries its length field big-endian, unlike every
// other multi-byte field in the protocol.
func (b *Buffer) PutUint16BE(off int, v uint16) {
	binary.BigEndian.PutUint16(b.buf[off:], v)
}

// Uint16At reads a 16-bit little-endian value at off.
func Uint16At(p []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(p[off:])
}

// Uint32At reads a 32-bit little-endian value at off.
func Uint32At(p []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(p[off:])
}

// Uint64At reads a 64-bit little-endian value at off.
func Uint64At(p []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(p[off:])
}

// Int32At reads a 32-bit little-endian signed value at off.
func Int32At(p []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(p[off:]))
}

// NormalizeInt32 maps the signed and unsigned 32-bit sentinels to zero.
func NormalizeInt32(v int32) int32 {
	if uint32(v) == NaNInt32 || uint32(v) == NaNUint32 {
		return 0
	}
	return v
}

// NormalizeUint64 maps the 64-bit sentinels to zero.
func NormalizeUint64(v uint64) uint64 {
	if v == NaNUint64 || v == NaNInt64 {
		return 0
	}
	return v
}
