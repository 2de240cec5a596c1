package mirror

import (
	"math/bits"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// SizeOf returns the allocation size of obj, not rounded to the object
// alignment.
func SizeOf(m Memory, obj Ref) uint32 {
	k := ClassOf(m, obj)
	if k == 0 {
		base.Fatalf("object %v has null class", obj)
	}
	flags := ClassFlags(m, k)
	switch {
	case flags&ClassFlagClass != 0:
		return rtabi.ClassSize
	case flags&(ClassFlagObjectArray|ClassFlagPrimitiveArray) != 0:
		return ArraySize(ComponentSizeOf(m, k), ArrayLength(m, obj))
	case flags&ClassFlagString != 0:
		return StringSize(StringLength(m, obj), StringIsCompressed(m, obj))
	}
	return ClassObjectSize(m, k)
}

// AlignedSizeOf is SizeOf rounded up to the object alignment.
func AlignedSizeOf(m Memory, obj Ref) uint32 {
	return base.RoundUp(SizeOf(m, obj), uint32(rtabi.ObjectAlignment))
}

// ComponentSizeOf returns the element size of array class k.
func ComponentSizeOf(m Memory, k Ref) uint32 {
	ct := ClassComponentType(m, k)
	if ct == 0 {
		base.Fatalf("class %v is not an array class", k)
	}
	return ClassPrimitiveType(m, ct).ComponentSize()
}

// RefVisitor receives the offset of one reference slot of obj.
type RefVisitor func(obj Ref, offset uint32)

// VisitReferences calls fn for every reference slot of obj, the class slot
// first. The referent of a java.lang.ref.Reference is visited only when
// visitReferent is set; collectors process it separately.
func VisitReferences(m Memory, obj Ref, visitReferent bool, fn RefVisitor) {
	fn(obj, rtabi.ObjectClassOffset)
	k := ClassOf(m, obj)
	flags := ClassFlags(m, k)
	switch {
	case flags&ClassFlagClass != 0:
		visitBitmap(obj, rtabi.ClassReferenceOffsets, fn)
	case flags&ClassFlagObjectArray != 0:
		n := ArrayLength(m, obj)
		for i := uint32(0); i < n; i++ {
			fn(obj, rtabi.ArrayDataOffset4+4*i)
		}
	case flags&(ClassFlagPrimitiveArray|ClassFlagString|ClassFlagNoReferenceFields) != 0:
	case flags&ClassFlagReference != 0:
		offs := ClassReferenceOffsets(m, k)
		if !visitReferent {
			offs &^= 1 << ((rtabi.ReferenceReferentOffset - rtabi.ObjectHeaderSize) / 4)
		}
		visitBitmap(obj, offs, fn)
	default:
		visitBitmap(obj, ClassReferenceOffsets(m, k), fn)
	}
}

func visitBitmap(obj Ref, offsets uint32, fn RefVisitor) {
	for offsets != 0 {
		i := uint32(bits.TrailingZeros32(offsets))
		offsets &^= 1 << i
		fn(obj, rtabi.ObjectHeaderSize+4*i)
	}
}

// IsReferenceInstance reports whether obj is a java.lang.ref.Reference.
func IsReferenceInstance(m Memory, obj Ref) bool {
	return ClassFlags(m, ClassOf(m, obj))&ClassFlagReference != 0
}
