package rtabi

// ArtMethod native layout. Fields before the pointer-sized fields are fixed;
// the pointer-sized fields start at the first pointer-aligned offset.
const (
	ArtMethodDeclaringClassOffset = 0
	ArtMethodAccessFlagsOffset    = 4
	ArtMethodCodeItemOffset       = 8
	ArtMethodDexMethodIndexOffset = 12
	ArtMethodMethodIndexOffset    = 16
	ArtMethodHotnessCountOffset   = 18

	artMethodFixedSize = 20
)

// ArtMethodPtrFieldsOffset returns the offset of the first pointer-sized field.
func ArtMethodPtrFieldsOffset(pointerSize int) int {
	return (artMethodFixedSize + pointerSize - 1) &^ (pointerSize - 1)
}

// ArtMethodDataOffset returns the offset of the data pointer.
func ArtMethodDataOffset(pointerSize int) int {
	return ArtMethodPtrFieldsOffset(pointerSize)
}

// ArtMethodEntryPointOffset returns the offset of the quick entry point.
func ArtMethodEntryPointOffset(pointerSize int) int {
	return ArtMethodPtrFieldsOffset(pointerSize) + pointerSize
}

// ArtMethodSize returns the size of one ArtMethod.
func ArtMethodSize(pointerSize int) int {
	return ArtMethodPtrFieldsOffset(pointerSize) + 2*pointerSize
}
