package mirror

import (
	"unicode/utf16"

	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// ArrayLength returns the length of an array object.
func ArrayLength(m Memory, arr Ref) uint32 { return Load32(m, arr+rtabi.ArrayLengthOffset) }

// SetArrayLength sets the length of a freshly allocated array.
func SetArrayLength(m Memory, arr Ref, n uint32) { Store32(m, arr+rtabi.ArrayLengthOffset, n) }

// ArraySize returns the allocation size of an array.
func ArraySize(componentSize, length uint32) uint32 {
	return rtabi.ArrayDataOffset(componentSize) + componentSize*length
}

// ObjectArrayGet returns element i of a reference array.
func ObjectArrayGet(m Memory, arr Ref, i uint32) Ref {
	return FieldRef(m, arr, rtabi.ArrayDataOffset4+4*i)
}

// ObjectArraySet stores element i of a reference array.
func ObjectArraySet(m Memory, arr Ref, i uint32, v Ref) {
	SetFieldRef(m, arr, rtabi.ArrayDataOffset4+4*i, v)
}

// StringSize returns the allocation size of a string of length chars.
func StringSize(length uint32, compressed bool) uint32 {
	if compressed {
		return rtabi.StringValueOffset + length
	}
	return rtabi.StringValueOffset + 2*length
}

// IsCompressible reports whether every char of s fits in 7 bits, the
// condition for one byte per char storage.
func IsCompressible(units []uint16) bool {
	for _, u := range units {
		if u == 0 || u > 0x7f {
			return false
		}
	}
	return true
}

// InitString fills in a string object of the given chars.
func InitString(m Memory, s Ref, units []uint16, compressed bool) {
	n := uint32(len(units))
	count := n << 1
	if !compressed {
		count |= rtabi.StringCompressedFlag
	}
	SetField32(m, s, rtabi.StringCountOffset, count)
	SetField32(m, s, rtabi.StringHashOffset, 0)
	if n == 0 {
		return
	}
	if compressed {
		b := m.Slice(s+rtabi.StringValueOffset, n)
		for i, u := range units {
			b[i] = byte(u)
		}
		return
	}
	b := m.Slice(s+rtabi.StringValueOffset, 2*n)
	for i, u := range units {
		le.PutUint16(b[2*i:], u)
	}
}

// StringLength returns the number of chars of s.
func StringLength(m Memory, s Ref) uint32 { return Field32(m, s, rtabi.StringCountOffset) >> 1 }

// StringIsCompressed reports whether s stores one byte per char.
func StringIsCompressed(m Memory, s Ref) bool {
	return Field32(m, s, rtabi.StringCountOffset)&rtabi.StringCompressedFlag == 0
}

// StringChars returns the chars of s.
func StringChars(m Memory, s Ref) []uint16 {
	n := StringLength(m, s)
	out := make([]uint16, n)
	if n == 0 {
		return out
	}
	if StringIsCompressed(m, s) {
		for i, b := range m.Slice(s+rtabi.StringValueOffset, n) {
			out[i] = uint16(b)
		}
		return out
	}
	b := m.Slice(s+rtabi.StringValueOffset, 2*n)
	for i := range out {
		out[i] = le.Uint16(b[2*i:])
	}
	return out
}

// StringValue returns s as a Go string.
func StringValue(m Memory, s Ref) string { return string(utf16.Decode(StringChars(m, s))) }

// StringHashCode returns the cached language-level hash of s, computing it
// on first use.
func StringHashCode(m Memory, s Ref) int32 {
	if h := int32(Field32(m, s, rtabi.StringHashOffset)); h != 0 {
		return h
	}
	h := ComputeStringHash(StringChars(m, s))
	SetField32(m, s, rtabi.StringHashOffset, uint32(h))
	return h
}

// ComputeStringHash returns s[0]*31^(n-1) + ... + s[n-1].
func ComputeStringHash(units []uint16) int32 {
	var h int32
	for _, u := range units {
		h = 31*h + int32(u)
	}
	return h
}

// ReferenceReferent returns the referent of a java.lang.ref.Reference.
func ReferenceReferent(m Memory, ref Ref) Ref {
	return FieldRef(m, ref, rtabi.ReferenceReferentOffset)
}

// ClearReferent nulls the referent of a Reference.
func ClearReferent(m Memory, ref Ref) {
	SetFieldRefNoBarrier(m, ref, rtabi.ReferenceReferentOffset, 0)
}

// DexCacheLocation returns the location string of a dex cache.
func DexCacheLocation(m Memory, dc Ref) Ref { return FieldRef(m, dc, rtabi.DexCacheLocationOffset) }

// DexCacheStrings returns the resolved strings array of a dex cache.
func DexCacheStrings(m Memory, dc Ref) Ref { return FieldRef(m, dc, rtabi.DexCacheStringsOffset) }

// DexCacheTypes returns the resolved types array of a dex cache.
func DexCacheTypes(m Memory, dc Ref) Ref { return FieldRef(m, dc, rtabi.DexCacheTypesOffset) }
