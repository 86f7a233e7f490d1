// Package bits packs and unpacks sub-word hardware fields stored in
// little-endian descriptor memory.
package bits

import "encoding/binary"

// Field locates a bit field inside a descriptor. The field lives in the
// little-endian host word of Size bytes starting at Offset, occupying Width
// bits from Shift upward.
type Field struct {
	Offset int
	Size   int
	Shift  uint
	Width  uint
}

// Byte declares a field inside a single control byte.
func Byte(offset int, shift, width uint) Field {
	return Field{Offset: offset, Size: 1, Shift: shift, Width: width}
}

// Word declares a field inside a 32-bit little-endian word.
func Word(offset int, shift, width uint) Field {
	return Field{Offset: offset, Size: 4, Shift: shift, Width: width}
}

// Mask returns the unshifted mask for the field width.
func (f Field) Mask() uint32 {
	if f.Width >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<f.Width - 1
}

func (f Field) fits(b []byte) bool {
	switch f.Size {
	case 1, 2, 4:
	default:
		return false
	}
	return f.Offset >= 0 && f.Offset+f.Size <= len(b) && f.Shift+f.Width <= uint(f.Size*8)
}

func (f Field) load(b []byte) uint32 {
	switch f.Size {
	case 1:
		return uint32(b[f.Offset])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b[f.Offset:]))
	default:
		return binary.LittleEndian.Uint32(b[f.Offset:])
	}
}

func (f Field) store(b []byte, word uint32) {
	switch f.Size {
	case 1:
		b[f.Offset] = byte(word)
	case 2:
		binary.LittleEndian.PutUint16(b[f.Offset:], uint16(word))
	default:
		binary.LittleEndian.PutUint32(b[f.Offset:], word)
	}
}

// Get extracts the field value. Buffers too short to hold the field read as zero.
func (f Field) Get(b []byte) uint32 {
	if !f.fits(b) {
		return 0
	}
	return (f.load(b) >> f.Shift) & f.Mask()
}

// Set ORs v into the field. Bits already set are never cleared and bits of v
// above the field width are dropped, matching hardware truncation.
func (f Field) Set(b []byte, v uint32) {
	if !f.fits(b) {
		return
	}
	f.store(b, f.load(b)|(v&f.Mask())<<f.Shift)
}

// Clear zeroes the field, leaving the rest of the host word intact.
func (f Field) Clear(b []byte) {
	if !f.fits(b) {
		return
	}
	f.store(b, f.load(b)&^(f.Mask()<<f.Shift))
}

// Flag reports whether a one-bit field is set.
func (f Field) Flag(b []byte) bool {
	return f.Get(b) != 0
}

// SetFlag sets a one-bit field when on is true. It is additive like Set.
func (f Field) SetFlag(b []byte, on bool) {
	if on {
		f.Set(b, 1)
	}
}
