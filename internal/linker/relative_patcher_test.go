package linker

import (
	"bytes"
	"encoding/binary"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/isa"
)

func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

func decodeThumbBL(code []byte) int32 {
	hw1, hw2 := uint32(binary.LittleEndian.Uint16(code)), uint32(binary.LittleEndian.Uint16(code[2:]))
	s := hw1 >> 10 & 1
	i1 := ^(hw2>>13&1 ^ s) & 1
	i2 := ^(hw2>>11&1 ^ s) & 1
	v := s<<24 | i1<<23 | i2<<22 | (hw1&0x3ff)<<12 | (hw2&0x7ff)<<1
	return signExtend(v, 25)
}

func decodeMovImm(code []byte) uint16 {
	hw1, hw2 := binary.LittleEndian.Uint16(code), binary.LittleEndian.Uint16(code[2:])
	return (hw1&0xf)<<12 | (hw1>>10&1)<<11 | (hw2>>12&7)<<8 | hw2&0xff
}

func decodeArm64BL(insn uint32) int32 { return signExtend(insn&0x03ffffff, 26) << 2 }

func TestX86_64Patches(t *testing.T) {
	c := qt.New(t)
	p := New(isa.X86_64)

	call := []byte{0xe8, 0, 0, 0, 0}
	p.PatchCall(call, 1, 0x2001, 0x1000)
	c.Assert(int32(binary.LittleEndian.Uint32(call[1:])), qt.Equals, int32(0x1000-0x2005))

	lea := []byte{0x48, 0x8d, 0x05, 0, 0, 0, 0}
	lp := compiler.LinkerPatch{Kind: compiler.PatchStringBssEntry, LiteralOffset: 3, PCInsnOffset: 3}
	p.PatchPcRelativeReference(lea, lp, 0x2003, 0x1000)
	c.Assert(binary.LittleEndian.Uint32(lea[3:]), qt.Equals, uint32(0xffffeff9))
}

func TestX86PatchUsesAnchor(t *testing.T) {
	c := qt.New(t)
	code := make([]byte, 15)
	lp := compiler.LinkerPatch{Kind: compiler.PatchStringRelative, LiteralOffset: 11, PCInsnOffset: 8}
	New(isa.X86).PatchPcRelativeReference(code, lp, 0x100+11, 0x300)
	c.Assert(binary.LittleEndian.Uint32(code[11:]), qt.Equals, uint32(0x300-0x108))
}

func TestArm64Patches(t *testing.T) {
	c := qt.New(t)
	p := New(isa.Arm64)

	code := binary.LittleEndian.AppendUint32(nil, 0x94000000)
	p.PatchCall(code, 0, 0x1000, 0x800)
	insn := binary.LittleEndian.Uint32(code)
	c.Assert(insn, qt.Equals, uint32(0x97fffe00))
	c.Assert(decodeArm64BL(insn), qt.Equals, int32(-0x800))

	code = binary.LittleEndian.AppendUint32(nil, 0x90000000)
	code = binary.LittleEndian.AppendUint32(code, 0x91000000)
	p.PatchPcRelativeReference(code, compiler.LinkerPatch{Kind: compiler.PatchTypeRelative}, 0x1ff8, 0x3456)
	c.Assert(binary.LittleEndian.Uint32(code), qt.Equals, uint32(0xd0000000))
	c.Assert(binary.LittleEndian.Uint32(code[4:]), qt.Equals, uint32(0x91115800))
}

func TestThumb2Patches(t *testing.T) {
	c := qt.New(t)
	p := New(isa.Thumb2)

	for _, tc := range []struct {
		patch, target uint32
		want          int32
	}{
		{0x100, 0x1001, 0xefc},
		{0x1000, 0x11, -0xff4},
		{0x40, 0x45, 0},
	} {
		code := []byte{0x00, 0xf0, 0x00, 0xd0}
		p.PatchCall(code, 0, tc.patch, tc.target)
		c.Assert(decodeThumbBL(code), qt.Equals, tc.want, qt.Commentf("patch 0x%x target 0x%x", tc.patch, tc.target))
	}

	code := []byte{0x40, 0xf2, 0x00, 0x00, 0xc0, 0xf2, 0x00, 0x00, 0x78, 0x44}
	lp := compiler.LinkerPatch{Kind: compiler.PatchStringRelative, LiteralOffset: 0, PCInsnOffset: 8}
	p.PatchPcRelativeReference(code, lp, 0x1000, 0x123456+0x100c)
	c.Assert(decodeMovImm(code), qt.Equals, uint16(0x3456))
	c.Assert(decodeMovImm(code[4:]), qt.Equals, uint16(0x12))
	// Opcode bits survive.
	c.Assert(binary.LittleEndian.Uint16(code)&0xfbf0, qt.Equals, uint16(0xf240))
	c.Assert(binary.LittleEndian.Uint16(code[4:])&0xfbf0, qt.Equals, uint16(0xf2c0))
	c.Assert(code[8:], qt.DeepEquals, []byte{0x78, 0x44})
}

func callingMethod() *compiler.CompiledMethod {
	return &compiler.CompiledMethod{
		ISA:     isa.Arm64,
		Code:    make([]byte, 16),
		Patches: []compiler.LinkerPatch{{Kind: compiler.PatchCallRelative, LiteralOffset: 8, PCInsnOffset: 8}},
	}
}

func TestArm64Thunks(t *testing.T) {
	c := qt.New(t)
	p := New(isa.Arm64)
	m := callingMethod()

	c.Assert(p.ReserveSpace(0x100, m), qt.Equals, uint32(0x100))
	c.Assert(p.ReserveSpace(0x200, &compiler.CompiledMethod{ISA: isa.Arm64, Code: make([]byte, 8)}), qt.Equals, uint32(0x200))
	const far = 65 << 20
	c.Assert(p.ReserveSpace(far-4, m), qt.Equals, uint32(far+8))

	var buf bytes.Buffer
	off, err := p.WriteThunks(&buf, 0x100)
	c.Assert(err, qt.IsNil)
	c.Assert(off, qt.Equals, uint32(0x100))
	c.Assert(buf.Len(), qt.Equals, 0)
	off, err = p.WriteThunks(&buf, far-4)
	c.Assert(err, qt.IsNil)
	c.Assert(off, qt.Equals, uint32(far+8))
	c.Assert(buf.Len(), qt.Equals, 12)
	c.Assert(binary.LittleEndian.Uint32(buf.Bytes()[8:]), qt.Equals, uint32(0xd61f0200))

	// Out of range targets go through the thunk.
	code := binary.LittleEndian.AppendUint32(nil, 0x94000000)
	p.PatchCall(code, 0, 0x108, 200<<20)
	c.Assert(decodeArm64BL(binary.LittleEndian.Uint32(code)), qt.Equals, int32(far-0x108))
}

func TestMultiOatRelativePatcher(t *testing.T) {
	c := qt.New(t)
	p := NewMultiOatRelativePatcher(isa.X86_64)
	a := compiler.MethodReference{Index: 1}
	b := compiler.MethodReference{Index: 2}

	p.StartOatFile(0)
	p.SetOffset(a, 0x1000)
	p.StartOatFile(0x10000)
	p.SetOffset(b, 0x2000)

	off, ok := p.GetOffset(b)
	c.Assert(ok, qt.IsTrue)
	c.Assert(off, qt.Equals, uint32(0x2000))
	off, ok = p.GetOffset(a)
	c.Assert(ok, qt.IsTrue)
	code := []byte{0xe8, 0, 0, 0, 0}
	p.PatchCall(code, 1, 0x3001, off)
	c.Assert(int32(binary.LittleEndian.Uint32(code[1:])), qt.Equals, int32(0x1000-0x13005))

	_, ok = p.GetOffset(compiler.MethodReference{Index: 3})
	c.Assert(ok, qt.IsFalse)
}
