package wire

import "encoding/hex"

// escapeXor is xored into characters that follow escapeChar in binary data
const escapeXor byte = 0x20

const escapeChar = '}'

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

// Checksum returns the modulo 256 sum of the payload bytes.
func Checksum(payload []byte) (sum uint8) {
	for _, b := range payload {
		sum += b
	}
	return sum
}

// HexValue returns the value of the hex digit ch, or -1 if ch is not a hex
// digit.
func HexValue(ch byte) int {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0')
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10
	}
	return -1
}

// ParseHex parses an unsigned, most significant digit first, variable width
// hex number at the start of buf. It returns the value and the number of
// digits consumed. n is zero if buf does not start with a hex digit or the
// number does not fit in 64 bits; leading zeroes do not count.
func ParseHex(buf []byte) (v uint64, n int) {
	for n < len(buf) {
		d := HexValue(buf[n])
		if d < 0 {
			break
		}
		if v>>60 != 0 {
			return 0, 0
		}
		v = v<<4 | uint64(d)
		n++
	}
	return v, n
}

// DecodeHex decodes pairs of hex digits from src into dst. It returns the
// number of bytes written to dst, and false if src contains something
// other than hex pairs or is longer than 2*len(dst).
func DecodeHex(dst, src []byte) (int, bool) {
	if len(src)%2 != 0 || len(src)/2 > len(dst) {
		return 0, false
	}
	n, err := hex.Decode(dst, src)
	return n, err == nil
}

// Unescape decodes the escaping used by binary packets ('X') in place and
// returns the decoded slice.
func Unescape(in []byte) []byte {
	out := in[:0]
	for i := 0; i < len(in); i++ {
		ch := in[i]
		if ch == escapeChar && i+1 < len(in) {
			i++
			ch = in[i] ^ escapeXor
		}
		out = append(out, ch)
	}
	return out
}

func needsEscape(ch byte) bool {
	switch ch {
	case '$', '#', escapeChar, '*':
		return true
	}
	return false
}
