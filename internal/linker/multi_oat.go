package linker

import (
	"io"

	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/isa"
)

// MultiOatRelativePatcher is shared by the oat writers of one compilation
// so calls can cross oat files. The oat files are laid out back to back;
// each writer works with offsets local to its own oat data, which the
// patcher shifts by the start of that oat file relative to the first.
type MultiOatRelativePatcher struct {
	patcher    RelativePatcher
	adjustment uint32
	offsets    map[compiler.MethodReference]uint32
}

// NewMultiOatRelativePatcher returns a patcher for s.
func NewMultiOatRelativePatcher(s isa.InstructionSet) *MultiOatRelativePatcher {
	return &MultiOatRelativePatcher{patcher: New(s), offsets: map[compiler.MethodReference]uint32{}}
}

// StartOatFile switches to the oat file whose data starts adjustment bytes
// after the first one's.
func (p *MultiOatRelativePatcher) StartOatFile(adjustment uint32) { p.adjustment = adjustment }

// SetOffset records the local code offset, including any code delta, of a
// method in the current oat file.
func (p *MultiOatRelativePatcher) SetOffset(ref compiler.MethodReference, offset uint32) {
	p.offsets[ref] = offset + p.adjustment
}

// GetOffset returns the code offset of ref local to the current oat file.
// The result wraps for methods in earlier oat files, which is what a
// relative displacement needs.
func (p *MultiOatRelativePatcher) GetOffset(ref compiler.MethodReference) (uint32, bool) {
	off, ok := p.offsets[ref]
	return off - p.adjustment, ok
}

func (p *MultiOatRelativePatcher) ReserveSpace(offset uint32, m *compiler.CompiledMethod) uint32 {
	return p.patcher.ReserveSpace(offset+p.adjustment, m) - p.adjustment
}

func (p *MultiOatRelativePatcher) ReserveSpaceEnd(offset uint32) uint32 {
	return p.patcher.ReserveSpaceEnd(offset+p.adjustment) - p.adjustment
}

func (p *MultiOatRelativePatcher) WriteThunks(w io.Writer, offset uint32) (uint32, error) {
	off, err := p.patcher.WriteThunks(w, offset+p.adjustment)
	return off - p.adjustment, err
}

func (p *MultiOatRelativePatcher) PatchCall(code []byte, literalOffset, patchOffset, targetOffset uint32) {
	p.patcher.PatchCall(code, literalOffset, patchOffset+p.adjustment, targetOffset+p.adjustment)
}

func (p *MultiOatRelativePatcher) PatchPcRelativeReference(code []byte, lp compiler.LinkerPatch, patchOffset, targetOffset uint32) {
	p.patcher.PatchPcRelativeReference(code, lp, patchOffset+p.adjustment, targetOffset+p.adjustment)
}
