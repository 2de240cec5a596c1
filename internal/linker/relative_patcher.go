// Package linker resolves the pc-relative linker patches of compiled
// methods once the oat writer has placed them.
package linker

import (
	"encoding/binary"
	"io"

	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/isa"
)

// RelativePatcher fills in pc-relative calls and references for one
// instruction set. Offsets are relative to the start of the oat data.
type RelativePatcher interface {
	// ReserveSpace is called before code for m is placed at offset and
	// returns the offset the code may start at, after any thunks the
	// patcher needs there.
	ReserveSpace(offset uint32, m *compiler.CompiledMethod) uint32
	// ReserveSpaceEnd is called after the last method.
	ReserveSpaceEnd(offset uint32) uint32
	// WriteThunks writes the thunks reserved at offset, if any, and returns
	// the offset past them.
	WriteThunks(w io.Writer, offset uint32) (uint32, error)
	// PatchCall patches the call at literalOffset of code, which is placed
	// at patchOffset, to reach targetOffset.
	PatchCall(code []byte, literalOffset, patchOffset, targetOffset uint32)
	// PatchPcRelativeReference patches a pc-relative address computation.
	// patchOffset is the placed offset of p.LiteralOffset.
	PatchPcRelativeReference(code []byte, p compiler.LinkerPatch, patchOffset, targetOffset uint32)
}

// New returns the patcher for s. Instruction sets without relative patches
// get a patcher that only checks nothing needs patching.
func New(s isa.InstructionSet) RelativePatcher {
	switch s {
	case isa.X86:
		return x86Patcher{}
	case isa.X86_64:
		return x86_64Patcher{}
	case isa.Arm64:
		return newArm64Patcher()
	case isa.Thumb2, isa.Arm:
		return newThumb2Patcher()
	}
	return nopPatcher{}
}

var le = binary.LittleEndian

type nopPatcher struct{}

func (nopPatcher) ReserveSpace(offset uint32, _ *compiler.CompiledMethod) uint32 { return offset }
func (nopPatcher) ReserveSpaceEnd(offset uint32) uint32                          { return offset }
func (nopPatcher) WriteThunks(_ io.Writer, offset uint32) (uint32, error)        { return offset, nil }

func (nopPatcher) PatchCall([]byte, uint32, uint32, uint32) {
	panic("linker: relative call on an instruction set without calls")
}

func (nopPatcher) PatchPcRelativeReference([]byte, compiler.LinkerPatch, uint32, uint32) {
	panic("linker: pc-relative reference on an instruction set without them")
}

// x86Patcher handles 32-bit x86: calls are rel32 from the end of the call,
// address loads are relative to the pop of a call/pop pair.
type x86Patcher struct{}

func (x86Patcher) ReserveSpace(offset uint32, _ *compiler.CompiledMethod) uint32 { return offset }
func (x86Patcher) ReserveSpaceEnd(offset uint32) uint32                          { return offset }
func (x86Patcher) WriteThunks(_ io.Writer, offset uint32) (uint32, error)        { return offset, nil }

func (x86Patcher) PatchCall(code []byte, literalOffset, patchOffset, targetOffset uint32) {
	le.PutUint32(code[literalOffset:], targetOffset-(patchOffset+4))
}

func (x86Patcher) PatchPcRelativeReference(code []byte, p compiler.LinkerPatch, patchOffset, targetOffset uint32) {
	anchor := patchOffset - p.LiteralOffset + p.PCInsnOffset
	le.PutUint32(code[p.LiteralOffset:], targetOffset-anchor)
}

// x86_64Patcher handles x86-64, where both calls and rip-relative loads
// are measured from the end of the 32-bit displacement.
type x86_64Patcher struct{ x86Patcher }

func (x86_64Patcher) PatchPcRelativeReference(code []byte, p compiler.LinkerPatch, patchOffset, targetOffset uint32) {
	le.PutUint32(code[p.LiteralOffset:], targetOffset-(patchOffset+4))
}
