package wire

import "encoding/hex"

// Builder accumulates the payload of one reply packet. Appends that would
// grow the payload past the limit are dropped and mark the builder as
// truncated; the framer refuses to send a truncated reply.
type Builder struct {
	buf       []byte
	limit     int
	truncated bool
}

// NewBuilder returns a builder holding at most limit payload bytes.
func NewBuilder(limit int) *Builder {
	return &Builder{buf: make([]byte, 0, limit), limit: limit}
}

// Reset empties the builder.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.truncated = false
}

// Bytes returns the payload, the slice is only valid until the next
// Reset.
func (b *Builder) Bytes() []byte {
	return b.buf
}

func (b *Builder) Len() int {
	return len(b.buf)
}

// Room returns how many more payload bytes fit.
func (b *Builder) Room() int {
	return b.limit - len(b.buf)
}

// Truncated reports whether an append was dropped since the last Reset.
func (b *Builder) Truncated() bool {
	return b.truncated
}

func (b *Builder) fits(n int) bool {
	if len(b.buf)+n > b.limit {
		b.truncated = true
		return false
	}
	return true
}

// Byte appends a single raw byte.
func (b *Builder) Byte(ch byte) *Builder {
	if b.fits(1) {
		b.buf = append(b.buf, ch)
	}
	return b
}

// String appends s verbatim.
func (b *Builder) String(s string) *Builder {
	if b.fits(len(s)) {
		b.buf = append(b.buf, s...)
	}
	return b
}

// Hex8 appends v as exactly two hex digits.
func (b *Builder) Hex8(v uint8) *Builder {
	if b.fits(2) {
		b.buf = append(b.buf, hexdigit[v>>4], hexdigit[v&0xf])
	}
	return b
}

// HexFixed appends the low digits*4 bits of v as exactly digits hex
// digits, most significant first.
func (b *Builder) HexFixed(v uint64, digits int) *Builder {
	if !b.fits(digits) {
		return b
	}
	for i := digits - 1; i >= 0; i-- {
		shift := uint(i * 4)
		if shift >= 64 {
			b.buf = append(b.buf, '0')
			continue
		}
		b.buf = append(b.buf, hexdigit[(v>>shift)&0xf])
	}
	return b
}

// HexUint appends v in hex without leading zeroes.
func (b *Builder) HexUint(v uint64) *Builder {
	digits := 1
	for x := v >> 4; x != 0; x >>= 4 {
		digits++
	}
	return b.HexFixed(v, digits)
}

// HexBytes appends every byte of p as a pair of hex digits.
func (b *Builder) HexBytes(p []byte) *Builder {
	if b.fits(2 * len(p)) {
		b.buf = hex.AppendEncode(b.buf, p)
	}
	return b
}

// Binary appends p escaping the characters that can not appear verbatim
// inside a packet.
func (b *Builder) Binary(p []byte) *Builder {
	n := len(p)
	for _, ch := range p {
		if needsEscape(ch) {
			n++
		}
	}
	if !b.fits(n) {
		return b
	}
	for _, ch := range p {
		if needsEscape(ch) {
			b.buf = append(b.buf, escapeChar, ch^escapeXor)
			continue
		}
		b.buf = append(b.buf, ch)
	}
	return b
}

// Error appends an error reply, E followed by two hex digits.
func (b *Builder) Error(code uint8) *Builder {
	return b.Byte('E').Hex8(code)
}

// OK appends the OK reply.
func (b *Builder) OK() *Builder {
	return b.String("OK")
}
