package linker

import (
	"io"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// armBasePatcher places call thunks for the ARM instruction sets, whose
// relative calls have a limited range. A thunk is reserved in front of a
// calling method once code has grown half a call range past the previous
// thunk. Calls whose target is out of range branch to the closest thunk,
// which jumps to the callee's entry point loaded from the ArtMethod in the
// first argument register.
type armBasePatcher struct {
	isa         isa.InstructionSet
	maxPositive uint32
	maxNegative uint32
	thunk       []byte

	// thunks holds the offsets of every reserved thunk in increasing
	// order; written counts those already written.
	thunks  []uint32
	written int
}

func (p *armBasePatcher) ReserveSpace(offset uint32, m *compiler.CompiledMethod) uint32 {
	if m == nil || !hasCalls(m) {
		return offset
	}
	end := base.RoundUp(offset, p.isa.CodeAlignment()) + uint32(len(m.Code)) + 2*p.isa.CodeAlignment()
	var last uint32
	if n := len(p.thunks); n != 0 {
		last = p.thunks[n-1]
	}
	if end-last <= p.maxNegative/2 {
		return offset
	}
	at := base.RoundUp(offset, p.isa.CodeAlignment())
	p.thunks = append(p.thunks, at)
	return at + uint32(len(p.thunk))
}

func (p *armBasePatcher) ReserveSpaceEnd(offset uint32) uint32 { return offset }

func (p *armBasePatcher) WriteThunks(w io.Writer, offset uint32) (uint32, error) {
	if p.written == len(p.thunks) {
		return offset, nil
	}
	at := p.thunks[p.written]
	aligned := base.RoundUp(offset, p.isa.CodeAlignment())
	if at != aligned {
		return offset, nil
	}
	if pad := at - offset; pad != 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return offset, errors.Wrap(err, "write thunk padding")
		}
	}
	if _, err := w.Write(p.thunk); err != nil {
		return offset, errors.Wrap(err, "write thunk")
	}
	p.written++
	return at + uint32(len(p.thunk)), nil
}

// callTarget returns the offset a call at patchOffset must branch to:
// targetOffset when it is in range, else the closest thunk in range.
func (p *armBasePatcher) callTarget(patchOffset, targetOffset uint32, pcDelta uint32) uint32 {
	inRange := func(to uint32) bool {
		d := int64(to) - int64(patchOffset+pcDelta)
		return d <= int64(p.maxPositive) && -d <= int64(p.maxNegative)
	}
	if inRange(targetOffset) {
		return targetOffset
	}
	best, found := uint32(0), false
	for _, t := range p.thunks {
		if inRange(t) && (!found || absDiff(t, patchOffset) < absDiff(best, patchOffset)) {
			best, found = t, true
		}
	}
	if !found {
		base.Fatalf("linker: call at 0x%x to 0x%x out of range with no thunk", patchOffset, targetOffset)
	}
	return best
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func hasCalls(m *compiler.CompiledMethod) bool {
	for _, p := range m.Patches {
		if p.Kind == compiler.PatchCallRelative {
			return true
		}
	}
	return false
}

// arm64Patcher patches bl (+-128MiB) and adrp/add pairs.
type arm64Patcher struct {
	armBasePatcher
}

func newArm64Patcher() *arm64Patcher {
	off := uint32(rtabi.ArtMethodEntryPointOffset(8))
	// ldr x16, [x0, #off]; br x16
	thunk := le.AppendUint32(nil, 0xf9400000|(off/8)<<10|16)
	thunk = le.AppendUint32(thunk, 0xd61f0200)
	return &arm64Patcher{armBasePatcher{
		isa:         isa.Arm64,
		maxPositive: 128<<20 - 4,
		maxNegative: 128 << 20,
		thunk:       thunk,
	}}
}

func (p *arm64Patcher) PatchCall(code []byte, literalOffset, patchOffset, targetOffset uint32) {
	target := p.callTarget(patchOffset, targetOffset, 0)
	d := target - patchOffset
	insn := le.Uint32(code[literalOffset:])
	le.PutUint32(code[literalOffset:], insn&0xfc000000 | (d>>2)&0x03ffffff)
}

func (p *arm64Patcher) PatchPcRelativeReference(code []byte, lp compiler.LinkerPatch, patchOffset, targetOffset uint32) {
	pageDelta := (targetOffset &^ 0xfff) - (patchOffset &^ 0xfff)
	imm := pageDelta >> 12
	adrp := le.Uint32(code[lp.LiteralOffset:])
	adrp = adrp&0x9f00001f | (imm&3)<<29 | ((imm>>2)&0x7ffff)<<5
	le.PutUint32(code[lp.LiteralOffset:], adrp)
	add := le.Uint32(code[lp.LiteralOffset+4:])
	add = add&^(0xfff<<10) | (targetOffset&0xfff)<<10
	le.PutUint32(code[lp.LiteralOffset+4:], add)
}

// thumb2Patcher patches 32-bit bl (+-16MiB) and movw/movt/add pc pairs.
type thumb2Patcher struct {
	armBasePatcher
}

func newThumb2Patcher() *thumb2Patcher {
	off := uint16(rtabi.ArtMethodEntryPointOffset(4))
	// ldr.w pc, [r0, #off]
	thunk := le.AppendUint16(nil, 0xf8d0)
	thunk = le.AppendUint16(thunk, 0xf000|off)
	return &thumb2Patcher{armBasePatcher{
		isa:         isa.Thumb2,
		maxPositive: 1<<24 - 2,
		maxNegative: 1 << 24,
		thunk:       thunk,
	}}
}

// The base pc of a Thumb2 instruction is 4 bytes past it.
const thumbPCDisplacement = 4

func (p *thumb2Patcher) PatchCall(code []byte, literalOffset, patchOffset, targetOffset uint32) {
	target := p.callTarget(patchOffset, targetOffset&^1, thumbPCDisplacement)
	d := target - (patchOffset + thumbPCDisplacement)
	s := d >> 31 & 1
	j1 := ^(d>>23 ^ s) & 1
	j2 := ^(d>>22 ^ s) & 1
	imm10 := (d >> 12) & 0x3ff
	imm11 := (d >> 1) & 0x7ff
	le.PutUint16(code[literalOffset:], uint16(0xf000|s<<10|imm10))
	le.PutUint16(code[literalOffset+2:], uint16(0xd000|j1<<13|j2<<11|imm11))
}

func (p *thumb2Patcher) PatchPcRelativeReference(code []byte, lp compiler.LinkerPatch, patchOffset, targetOffset uint32) {
	anchor := patchOffset - lp.LiteralOffset + lp.PCInsnOffset
	d := targetOffset - (anchor + thumbPCDisplacement)
	putMovImm(code[lp.LiteralOffset:], uint16(d))
	putMovImm(code[lp.LiteralOffset+4:], uint16(d>>16))
}

// putMovImm sets the 16-bit immediate of a movw or movt.
func putMovImm(insn []byte, imm uint16) {
	hw1 := le.Uint16(insn) &^ (1<<10 | 0xf)
	hw2 := le.Uint16(insn[2:]) &^ (0x7<<12 | 0xff)
	hw1 |= (imm>>11)&1<<10 | imm>>12
	hw2 |= (imm>>8)&7<<12 | imm&0xff
	le.PutUint16(insn, hw1)
	le.PutUint16(insn[2:], hw2)
}
