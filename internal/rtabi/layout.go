// Package rtabi defines the layout constants shared between the runtime model,
// the oat writer and the image writer. These values must agree with what the
// shipped runtime expects when it maps the output files.
package rtabi

// Heap reference and object header layout
const (
	// HeapReferenceSize is the size of a compressed heap reference.
	HeapReferenceSize = 4

	// ObjectHeaderSize is the size of the object header (klass + monitor).
	ObjectHeaderSize = 8

	// ObjectClassOffset is the offset of the class reference.
	ObjectClassOffset = 0

	// ObjectMonitorOffset is the offset of the lock word.
	ObjectMonitorOffset = 4

	// ObjectAlignmentShift is log2 of the object alignment.
	ObjectAlignmentShift = 3

	// ObjectAlignment is the alignment of every object.
	ObjectAlignment = 1 << ObjectAlignmentShift
)

// java.lang.Class layout
const (
	ClassSuperClassOffset       = 8
	ClassComponentTypeOffset    = 12
	ClassNameOffset             = 16
	ClassDexCacheOffset         = 20
	ClassAccessFlagsOffset      = 24
	ClassFlagsOffset            = 28
	ClassObjectSizeOffset       = 32
	ClassReferenceOffsetsOffset = 36
	ClassStatusOffset           = 40
	ClassDexTypeIndexOffset     = 44
	ClassPrimitiveTypeOffset    = 48
	ClassNumMethodsOffset       = 52
	ClassMethodsOffset          = 56 // 64-bit native pointer to the ArtMethod array

	// ClassSize is the instance size of java.lang.Class.
	ClassSize = 64

	// ClassReferenceOffsets is the reference bitmap of java.lang.Class
	// instances: super, component type, name, dex cache.
	ClassReferenceOffsets = 0xf
)

// Array layout
const (
	ArrayLengthOffset = 8

	// ArrayDataOffset4 is the data offset for component sizes up to 4 bytes.
	ArrayDataOffset4 = 12

	// ArrayDataOffset8 is the data offset for 8-byte components.
	ArrayDataOffset8 = 16
)

// ArrayDataOffset returns the data offset for the given component size.
func ArrayDataOffset(componentSize uint32) uint32 {
	if componentSize == 8 {
		return ArrayDataOffset8
	}
	return ArrayDataOffset4
}

// java.lang.String layout
const (
	StringCountOffset = 8
	StringHashOffset  = 12
	StringValueOffset = 16

	// StringCompressedFlag is set in count when the value is stored as
	// 16-bit chars; clear means one byte per char.
	StringCompressedFlag = 1
)

// java.lang.ref.Reference layout
const (
	ReferenceReferentOffset    = 8
	ReferencePendingNextOffset = 12
	ReferenceSize              = 16
)

// java.lang.DexCache layout
const (
	DexCacheLocationOffset = 8
	DexCacheStringsOffset  = 12
	DexCacheTypesOffset    = 16
	DexCacheSize           = 24

	DexCacheReferenceOffsets = 0x7
)

// Lock word layout
const (
	LockWordStateShift          = 30
	LockWordStateMask           = 3
	LockWordStateThinOrUnlocked = 0
	LockWordStateFat            = 1
	LockWordStateHash           = 2
	LockWordStateForwarding     = 3

	LockWordHashMask = 1<<28 - 1
)

// Card table
const (
	CardShift = 7
	CardSize  = 1 << CardShift
	CardClean = 0
	CardDirty = 0x70
	CardAged  = CardDirty - 1
)
