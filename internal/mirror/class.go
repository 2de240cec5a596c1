package mirror

import (
	"fmt"

	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// ClassFlags classify instances of a class for the collectors.
const (
	ClassFlagNormal            uint32 = 0
	ClassFlagNoReferenceFields uint32 = 1 << 0
	ClassFlagString            uint32 = 1 << 2
	ClassFlagObjectArray       uint32 = 1 << 3
	ClassFlagClass             uint32 = 1 << 4
	ClassFlagDexCache          uint32 = 1 << 5
	ClassFlagSoftReference     uint32 = 1 << 6
	ClassFlagWeakReference     uint32 = 1 << 7
	ClassFlagFinalizerRef      uint32 = 1 << 8
	ClassFlagPhantomReference  uint32 = 1 << 9
	ClassFlagPrimitiveArray    uint32 = 1 << 10

	ClassFlagReference = ClassFlagSoftReference | ClassFlagWeakReference |
		ClassFlagFinalizerRef | ClassFlagPhantomReference
)

// Primitive is a primitive type tag.
type Primitive uint32

const (
	PrimNot Primitive = iota
	PrimBoolean
	PrimByte
	PrimChar
	PrimShort
	PrimInt
	PrimLong
	PrimFloat
	PrimDouble
	PrimVoid
)

// ComponentSize returns the storage size of p; references use 4 bytes.
func (p Primitive) ComponentSize() uint32 {
	switch p {
	case PrimBoolean, PrimByte:
		return 1
	case PrimChar, PrimShort:
		return 2
	case PrimLong, PrimDouble:
		return 8
	case PrimVoid:
		return 0
	}
	return 4
}

// PrimitiveFromDescriptor maps a one-character descriptor to its tag.
func PrimitiveFromDescriptor(c byte) Primitive {
	switch c {
	case 'Z':
		return PrimBoolean
	case 'B':
		return PrimByte
	case 'C':
		return PrimChar
	case 'S':
		return PrimShort
	case 'I':
		return PrimInt
	case 'J':
		return PrimLong
	case 'F':
		return PrimFloat
	case 'D':
		return PrimDouble
	case 'V':
		return PrimVoid
	}
	return PrimNot
}

// ClassStatus is the initialization state of a class.
type ClassStatus int32

const (
	StatusRetired                    ClassStatus = -3
	StatusErrorResolved              ClassStatus = -2
	StatusError                      ClassStatus = -1
	StatusNotReady                   ClassStatus = 0
	StatusIdx                        ClassStatus = 1
	StatusLoaded                     ClassStatus = 2
	StatusResolving                  ClassStatus = 3
	StatusResolved                   ClassStatus = 4
	StatusVerifying                  ClassStatus = 5
	StatusRetryVerificationAtRuntime ClassStatus = 6
	StatusVerifyingAtRuntime         ClassStatus = 7
	StatusVerified                   ClassStatus = 8
	StatusInitializing               ClassStatus = 9
	StatusInitialized                ClassStatus = 10
)

var statusNames = map[ClassStatus]string{
	StatusRetired:                    "retired",
	StatusErrorResolved:              "error-resolved",
	StatusError:                      "error",
	StatusNotReady:                   "not-ready",
	StatusIdx:                        "idx",
	StatusLoaded:                     "loaded",
	StatusResolving:                  "resolving",
	StatusResolved:                   "resolved",
	StatusVerifying:                  "verifying",
	StatusRetryVerificationAtRuntime: "retry-verification-at-runtime",
	StatusVerifyingAtRuntime:         "verifying-at-runtime",
	StatusVerified:                   "verified",
	StatusInitializing:               "initializing",
	StatusInitialized:                "initialized",
}

func (s ClassStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ClassStatus(%d)", int32(s))
}

// IsErroneous reports whether the class failed to load or initialize.
func (s ClassStatus) IsErroneous() bool { return s == StatusError || s == StatusErrorResolved }

func classField(m Memory, k Ref, off uint32) uint32 { return Field32(m, k, off) }

// ClassSuper returns k's superclass.
func ClassSuper(m Memory, k Ref) Ref { return FieldRef(m, k, rtabi.ClassSuperClassOffset) }

// ClassComponentType returns the component type of an array class.
func ClassComponentType(m Memory, k Ref) Ref { return FieldRef(m, k, rtabi.ClassComponentTypeOffset) }

// ClassNameRef returns the String holding k's descriptor.
func ClassNameRef(m Memory, k Ref) Ref { return FieldRef(m, k, rtabi.ClassNameOffset) }

// ClassDexCache returns k's dex cache.
func ClassDexCache(m Memory, k Ref) Ref { return FieldRef(m, k, rtabi.ClassDexCacheOffset) }

// ClassAccessFlags returns k's access flags.
func ClassAccessFlags(m Memory, k Ref) uint32 { return classField(m, k, rtabi.ClassAccessFlagsOffset) }

// ClassFlags returns k's collector classification flags.
func ClassFlags(m Memory, k Ref) uint32 { return classField(m, k, rtabi.ClassFlagsOffset) }

// ClassObjectSize returns the instance size of k.
func ClassObjectSize(m Memory, k Ref) uint32 { return classField(m, k, rtabi.ClassObjectSizeOffset) }

// ClassReferenceOffsets returns k's instance reference bitmap: bit i set
// means a reference at ObjectHeaderSize+4*i.
func ClassReferenceOffsets(m Memory, k Ref) uint32 {
	return classField(m, k, rtabi.ClassReferenceOffsetsOffset)
}

// GetClassStatus returns k's status.
func GetClassStatus(m Memory, k Ref) ClassStatus {
	return ClassStatus(int32(classField(m, k, rtabi.ClassStatusOffset)))
}

// SetClassStatus updates k's status.
func SetClassStatus(m Memory, k Ref, s ClassStatus) {
	SetField32(m, k, rtabi.ClassStatusOffset, uint32(int32(s)))
}

// ClassDexTypeIndex returns the type index of k in its dex file.
func ClassDexTypeIndex(m Memory, k Ref) uint32 { return classField(m, k, rtabi.ClassDexTypeIndexOffset) }

// ClassPrimitiveType returns k's primitive tag.
func ClassPrimitiveType(m Memory, k Ref) Primitive {
	return Primitive(classField(m, k, rtabi.ClassPrimitiveTypeOffset))
}

// ClassMethodsPointer returns the native pointer of k's method array.
func ClassMethodsPointer(m Memory, k Ref) uint64 { return Load64(m, k+rtabi.ClassMethodsOffset) }

// SetClassMethodsPointer stores the native pointer of k's method array.
func SetClassMethodsPointer(m Memory, k Ref, p uint64) { Store64(m, k+rtabi.ClassMethodsOffset, p) }

// ClassNumMethods returns the length of k's method array.
func ClassNumMethods(m Memory, k Ref) uint32 { return classField(m, k, rtabi.ClassNumMethodsOffset) }

// ClassInit describes a class object to initialize.
type ClassInit struct {
	Super           Ref
	ComponentType   Ref
	Name            Ref
	DexCache        Ref
	AccessFlags     uint32
	Flags           uint32
	ObjectSize      uint32
	ReferenceOffset uint32
	Status          ClassStatus
	DexTypeIndex    uint32
	Primitive       Primitive
	NumMethods      uint32
	MethodsPointer  uint64
}

// InitClass fills in the fields of the class object k.
func InitClass(m Memory, k Ref, ci ClassInit) {
	SetFieldRef(m, k, rtabi.ClassSuperClassOffset, ci.Super)
	SetFieldRef(m, k, rtabi.ClassComponentTypeOffset, ci.ComponentType)
	SetFieldRef(m, k, rtabi.ClassNameOffset, ci.Name)
	SetFieldRef(m, k, rtabi.ClassDexCacheOffset, ci.DexCache)
	SetField32(m, k, rtabi.ClassAccessFlagsOffset, ci.AccessFlags)
	SetField32(m, k, rtabi.ClassFlagsOffset, ci.Flags)
	SetField32(m, k, rtabi.ClassObjectSizeOffset, ci.ObjectSize)
	SetField32(m, k, rtabi.ClassReferenceOffsetsOffset, ci.ReferenceOffset)
	SetClassStatus(m, k, ci.Status)
	SetField32(m, k, rtabi.ClassDexTypeIndexOffset, ci.DexTypeIndex)
	SetField32(m, k, rtabi.ClassPrimitiveTypeOffset, uint32(ci.Primitive))
	SetField32(m, k, rtabi.ClassNumMethodsOffset, ci.NumMethods)
	SetClassMethodsPointer(m, k, ci.MethodsPointer)
}

// SetClassName sets the String holding k's descriptor.
func SetClassName(m Memory, k, name Ref) { SetFieldRef(m, k, rtabi.ClassNameOffset, name) }

// SetClassDexCache sets k's dex cache.
func SetClassDexCache(m Memory, k, dc Ref) { SetFieldRef(m, k, rtabi.ClassDexCacheOffset, dc) }

// SetClassSuper sets k's superclass.
func SetClassSuper(m Memory, k, super Ref) { SetFieldRef(m, k, rtabi.ClassSuperClassOffset, super) }

// ClassDescriptor returns k's descriptor read from its name string.
func ClassDescriptor(m Memory, k Ref) string {
	name := ClassNameRef(m, k)
	if name == 0 {
		return ""
	}
	return StringValue(m, name)
}

// IsArrayClass reports whether k is an array class.
func IsArrayClass(m Memory, k Ref) bool { return ClassComponentType(m, k) != 0 }

// IsSubClass reports whether k is sub or equal to super.
func IsSubClass(m Memory, k, super Ref) bool {
	for c := k; c != 0; c = ClassSuper(m, c) {
		if c == super {
			return true
		}
	}
	return false
}
