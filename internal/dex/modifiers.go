package dex

// Access flags as found in class_def_item and encoded methods.
const (
	AccPublic               uint32 = 0x0001
	AccPrivate              uint32 = 0x0002
	AccProtected            uint32 = 0x0004
	AccStatic               uint32 = 0x0008
	AccFinal                uint32 = 0x0010
	AccSynchronized         uint32 = 0x0020
	AccVolatile             uint32 = 0x0040
	AccBridge               uint32 = 0x0040
	AccTransient            uint32 = 0x0080
	AccVarargs              uint32 = 0x0080
	AccNative               uint32 = 0x0100
	AccInterface            uint32 = 0x0200
	AccAbstract             uint32 = 0x0400
	AccStrict               uint32 = 0x0800
	AccSynthetic            uint32 = 0x1000
	AccAnnotation           uint32 = 0x2000
	AccEnum                 uint32 = 0x4000
	AccConstructor          uint32 = 0x00010000
	AccDeclaredSynchronized uint32 = 0x00020000

	// Runtime-only flags, never present in a dex file.
	AccDefault           uint32 = 0x00400000
	AccCopied            uint32 = 0x00100000
	AccDefaultConflict   uint32 = 0x00800000
	AccSkipAccessChecks  uint32 = 0x00080000
	AccCompileDontBother uint32 = 0x01000000

	// AccValidMethodFlags masks the flags a dex file may carry on a method.
	AccValidMethodFlags uint32 = 0x3ffff
)

// NoIndex marks an absent type or string index.
const NoIndex = 0xffffffff
