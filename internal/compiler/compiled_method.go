package compiler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/isa"
)

// MethodReference identifies a method by its dex file and method index.
type MethodReference struct {
	DexFile *dex.File
	Index   uint32
}

func (r MethodReference) String() string {
	if r.DexFile == nil {
		return fmt.Sprintf("<no dex>#%d", r.Index)
	}
	return r.DexFile.PrettyMethod(r.Index)
}

// PatchKind says what a linker patch refers to and how it is encoded.
type PatchKind int

const (
	// PatchMethod stores the absolute address of a method's ArtMethod.
	PatchMethod PatchKind = iota
	// PatchCallRelative is a pc-relative call to another compiled method.
	PatchCallRelative
	// PatchType stores the absolute address of a class in the image.
	PatchType
	// PatchTypeRelative is a pc-relative reference to a class in the image.
	PatchTypeRelative
	// PatchTypeBssEntry is a pc-relative reference to the class's .bss slot.
	PatchTypeBssEntry
	PatchString
	PatchStringRelative
	PatchStringBssEntry
)

var patchKindNames = [...]string{
	PatchMethod:         "method",
	PatchCallRelative:   "call-relative",
	PatchType:           "type",
	PatchTypeRelative:   "type-relative",
	PatchTypeBssEntry:   "type-bss-entry",
	PatchString:         "string",
	PatchStringRelative: "string-relative",
	PatchStringBssEntry: "string-bss-entry",
}

func (k PatchKind) String() string {
	if k >= 0 && int(k) < len(patchKindNames) {
		return patchKindNames[k]
	}
	return fmt.Sprintf("PatchKind(%d)", int(k))
}

// IsPCRelative reports whether the patched value depends on where the code
// is placed.
func (k PatchKind) IsPCRelative() bool {
	switch k {
	case PatchMethod, PatchType, PatchString:
		return false
	}
	return true
}

// LinkerPatch is a location in a method's code that the oat writer fills in
// once addresses are known.
type LinkerPatch struct {
	Kind PatchKind
	// LiteralOffset is the offset in Code of the instruction or literal to
	// patch.
	LiteralOffset uint32
	// PCInsnOffset is the offset of the instruction the pc-relative
	// displacement is taken from. For calls it equals LiteralOffset.
	PCInsnOffset uint32

	// Target is set for method patches.
	Target MethodReference
	// DexFile and Index name the type or string of the other kinds.
	DexFile *dex.File
	Index   uint32
}

func (p LinkerPatch) String() string {
	switch p.Kind {
	case PatchMethod, PatchCallRelative:
		return fmt.Sprintf("%v@%d -> %v", p.Kind, p.LiteralOffset, p.Target)
	}
	loc := ""
	if p.DexFile != nil {
		loc = p.DexFile.Location
	}
	return fmt.Sprintf("%v@%d -> %s#%d", p.Kind, p.LiteralOffset, loc, p.Index)
}

// CompiledMethod is the native code of one method.
type CompiledMethod struct {
	ISA           isa.InstructionSet
	Code          []byte
	FrameSize     uint32
	CoreSpillMask uint32
	FpSpillMask   uint32
	// VmapTable maps native pcs back to dex pcs as pairs of ULEB128
	// values.
	VmapTable []byte
	Patches   []LinkerPatch
}

// CodeDelta is added to a code offset to form the entry point.
func (m *CompiledMethod) CodeDelta() uint32 { return m.ISA.CodeDelta() }

// DedupeKey returns a key equal for methods whose compiled form, including
// everything the linker will patch into it, is identical.
func (m *CompiledMethod) DedupeKey() string {
	h := sha256.New()
	var buf [4]byte
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[:], v)
		h.Write(buf[:])
	}
	putBytes := func(b []byte) {
		put(uint32(len(b)))
		h.Write(b)
	}
	put(uint32(m.ISA))
	putBytes(m.Code)
	put(m.FrameSize)
	put(m.CoreSpillMask)
	put(m.FpSpillMask)
	putBytes(m.VmapTable)
	put(uint32(len(m.Patches)))
	for _, p := range m.Patches {
		put(uint32(p.Kind))
		put(p.LiteralOffset)
		put(p.PCInsnOffset)
		f, idx := p.DexFile, p.Index
		if p.Kind == PatchMethod || p.Kind == PatchCallRelative {
			f, idx = p.Target.DexFile, p.Target.Index
		}
		if f != nil {
			putBytes([]byte(f.Location))
		} else {
			put(0)
		}
		put(idx)
	}
	return string(h.Sum(nil))
}
