package dex

// DecodeUnsignedLeb128 decodes a ULEB128 value at data[pos:] and returns the
// value and the position after it.
func DecodeUnsignedLeb128(data []byte, pos int) (uint32, int, error) {
	var result uint32
	for shift := uint(0); shift < 35; shift += 7 {
		if pos >= len(data) {
			return 0, pos, errTruncatedLeb128
		}
		b := data[pos]
		pos++
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, pos, nil
		}
	}
	return 0, pos, errMalformedLeb128
}

// DecodeSignedLeb128 decodes an SLEB128 value at data[pos:].
func DecodeSignedLeb128(data []byte, pos int) (int32, int, error) {
	var result int32
	var shift uint
	for {
		if pos >= len(data) {
			return 0, pos, errTruncatedLeb128
		}
		if shift >= 35 {
			return 0, pos, errMalformedLeb128
		}
		b := data[pos]
		pos++
		result |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 32 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, pos, nil
		}
	}
}

// AppendUnsignedLeb128 appends the ULEB128 encoding of v.
func AppendUnsignedLeb128(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// AppendSignedLeb128 appends the SLEB128 encoding of v.
func AppendSignedLeb128(dst []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
