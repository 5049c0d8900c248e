// Package ucs2 decodes the hex-encoded UCS2 text a modem produces when its
// character set is switched to "UCS2" (AT+CSCS="UCS2").
//
// Every 4 hex digits form one big-endian 16-bit code unit. Each unit is
// encoded to UTF-8 on its own: surrogate halves are not paired and come out
// as 3-byte sequences. Decoding is lossy by design and never fails; a short
// result is the only sign of bad input.
package ucs2

// UnitHexLen is the number of hex digits per code unit.
const UnitHexLen = 4

// DecodeHex decodes src into UTF-8, writing at most limit bytes.
//
// Decoding stops at the first group containing a non-hex digit, or when the
// next unit's encoding does not fit in the remaining space. Whatever was
// produced before that point is returned. A trailing group shorter than
// four digits is ignored. complete reports whether every digit of src was
// decoded.
func DecodeHex(src string, limit int) (text string, complete bool) {
	out, complete := AppendDecodeHex(make([]byte, 0, min(len(src)/2, max(limit, 0))), src, limit)
	return string(out), complete
}

// AppendDecodeHex is like DecodeHex but appends to dst. limit bounds the
// number of bytes appended, not the length of dst.
func AppendDecodeHex(dst []byte, src string, limit int) ([]byte, bool) {
	written := 0
	i := 0
	for ; i+UnitHexLen <= len(src); i += UnitHexLen {
		u, ok := parseUnit(src[i : i+UnitHexLen])
		if !ok {
			return dst, false
		}

		n := encodedLen(u)
		if written+n > limit {
			return dst, false
		}
		dst = appendUnit(dst, u)
		written += n
	}
	return dst, i == len(src)
}

// IsHex reports whether src is a non-empty run of whole UCS2 hex units.
func IsHex(src string) bool {
	if len(src) == 0 || len(src)%UnitHexLen != 0 {
		return false
	}
	for i := 0; i < len(src); i++ {
		if _, ok := nibble(src[i]); !ok {
			return false
		}
	}
	return true
}

func parseUnit(group string) (uint16, bool) {
	var u uint16
	for i := 0; i < len(group); i++ {
		v, ok := nibble(group[i])
		if !ok {
			return 0, false
		}
		u = u<<4 | uint16(v)
	}
	return u, true
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

func encodedLen(u uint16) int {
	switch {
	case u < 0x80:
		return 1
	case u < 0x800:
		return 2
	default:
		return 3
	}
}

// appendUnit writes the UTF-8 form of u. utf8.AppendRune is not used because
// it replaces lone surrogates with U+FFFD.
func appendUnit(dst []byte, u uint16) []byte {
	switch {
	case u < 0x80:
		return append(dst, byte(u))
	case u < 0x800:
		return append(dst, 0xC0|byte(u>>6), 0x80|byte(u&0x3F))
	default:
		return append(dst, 0xE0|byte(u>>12), 0x80|byte((u>>6)&0x3F), 0x80|byte(u&0x3F))
	}
}
