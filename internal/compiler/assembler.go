package compiler

import (
	"encoding/binary"

	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// codeBuffer accumulates little-endian machine code.
type codeBuffer struct {
	b []byte
}

func (c *codeBuffer) pos() uint32 { return uint32(len(c.b)) }

func (c *codeBuffer) emit8(bs ...byte) { c.b = append(c.b, bs...) }

func (c *codeBuffer) emit16(v uint16) { c.b = binary.LittleEndian.AppendUint16(c.b, v) }

func (c *codeBuffer) emit32(v uint32) { c.b = binary.LittleEndian.AppendUint32(c.b, v) }

// assembler emits the handful of instruction sequences the template code
// generator needs. Every literal the linker patches is a 32-bit field: a raw
// little-endian word for absolute patches, an ISA-specific displacement
// encoding for relative ones.
type assembler interface {
	buffer() *codeBuffer
	// frame returns the frame size and the core callee-save mask of the
	// prologue.
	frame() (size, coreSpillMask uint32)
	prologue()
	// epilogue tears down the frame and returns.
	epilogue()
	nop()
	callEntrypoint(ep rtabi.Entrypoint)
	// callRelative emits a call whose displacement the linker fills in and
	// returns the offset of the call.
	callRelative() uint32
	// loadAbsolute loads a 32-bit literal into the method register when
	// method is set, else the result register, and returns the literal's
	// offset.
	loadAbsolute(method bool) uint32
	// loadRelative computes a pc-relative address into the result register.
	// It returns the offset of the patched literal and the anchor the
	// displacement is measured from.
	loadRelative() (literal, anchor uint32)
	// loadIndirect replaces the result register by the word it points to.
	loadIndirect()
}

func newAssembler(s isa.InstructionSet) assembler {
	switch s {
	case isa.X86:
		return &x86Assembler{}
	case isa.X86_64:
		return &x86_64Assembler{}
	case isa.Arm64:
		return &arm64Assembler{}
	case isa.Thumb2, isa.Arm:
		return &thumb2Assembler{}
	}
	return nil
}

type x86_64Assembler struct{ codeBuffer }

func (a *x86_64Assembler) buffer() *codeBuffer { return &a.codeBuffer }

// rbp plus the return address.
func (a *x86_64Assembler) frame() (uint32, uint32) { return 16, 1<<5 | 1<<16 }

func (a *x86_64Assembler) prologue() {
	a.emit8(0x55)             // push rbp
	a.emit8(0x48, 0x89, 0xe5) // mov rbp, rsp
}

func (a *x86_64Assembler) epilogue() {
	a.emit8(0x5d) // pop rbp
	a.emit8(0xc3) // ret
}

func (a *x86_64Assembler) nop() { a.emit8(0x90) }

func (a *x86_64Assembler) callEntrypoint(ep rtabi.Entrypoint) {
	// call qword ptr gs:[disp32]
	a.emit8(0x65, 0xff, 0x14, 0x25)
	a.emit32(uint32(rtabi.ThreadEntrypointOffset(8, ep)))
}

func (a *x86_64Assembler) callRelative() uint32 {
	at := a.pos()
	a.emit8(0xe8)
	a.emit32(0)
	return at + 1
}

func (a *x86_64Assembler) loadAbsolute(method bool) uint32 {
	if method {
		a.emit8(0xbf) // mov edi, imm32
	} else {
		a.emit8(0xb8) // mov eax, imm32
	}
	at := a.pos()
	a.emit32(0)
	return at
}

func (a *x86_64Assembler) loadRelative() (uint32, uint32) {
	a.emit8(0x48, 0x8d, 0x05) // lea rax, [rip + disp32]
	at := a.pos()
	a.emit32(0)
	return at, at
}

func (a *x86_64Assembler) loadIndirect() { a.emit8(0x8b, 0x00) } // mov eax, [rax]

type x86Assembler struct{ codeBuffer }

func (a *x86Assembler) buffer() *codeBuffer { return &a.codeBuffer }

func (a *x86Assembler) frame() (uint32, uint32) { return 8, 1<<5 | 1<<8 }

func (a *x86Assembler) prologue() {
	a.emit8(0x55)       // push ebp
	a.emit8(0x89, 0xe5) // mov ebp, esp
}

func (a *x86Assembler) epilogue() {
	a.emit8(0x5d)
	a.emit8(0xc3)
}

func (a *x86Assembler) nop() { a.emit8(0x90) }

func (a *x86Assembler) callEntrypoint(ep rtabi.Entrypoint) {
	// call dword ptr fs:[disp32]
	a.emit8(0x64, 0xff, 0x15)
	a.emit32(uint32(rtabi.ThreadEntrypointOffset(4, ep)))
}

func (a *x86Assembler) callRelative() uint32 {
	at := a.pos()
	a.emit8(0xe8)
	a.emit32(0)
	return at + 1
}

func (a *x86Assembler) loadAbsolute(bool) uint32 {
	a.emit8(0xb8) // mov eax, imm32; the method register is eax too
	at := a.pos()
	a.emit32(0)
	return at
}

func (a *x86Assembler) loadRelative() (uint32, uint32) {
	// call +0; pop eax leaves the address of the pop in eax.
	a.emit8(0xe8, 0, 0, 0, 0)
	anchor := a.pos()
	a.emit8(0x58)
	a.emit8(0x8d, 0x80) // lea eax, [eax + disp32]
	at := a.pos()
	a.emit32(0)
	return at, anchor
}

func (a *x86Assembler) loadIndirect() { a.emit8(0x8b, 0x00) }

type arm64Assembler struct{ codeBuffer }

func (a *arm64Assembler) buffer() *codeBuffer { return &a.codeBuffer }

// x29 and x30.
func (a *arm64Assembler) frame() (uint32, uint32) { return 16, 1<<29 | 1<<30 }

func (a *arm64Assembler) prologue() {
	a.emit32(0xa9bf7bfd) // stp x29, x30, [sp, #-16]!
	a.emit32(0x910003fd) // mov x29, sp
}

func (a *arm64Assembler) epilogue() {
	a.emit32(0xa8c17bfd) // ldp x29, x30, [sp], #16
	a.emit32(0xd65f03c0) // ret
}

func (a *arm64Assembler) nop() { a.emit32(0xd503201f) }

func (a *arm64Assembler) callEntrypoint(ep rtabi.Entrypoint) {
	off := uint32(rtabi.ThreadEntrypointOffset(8, ep))
	// ldr x30, [x19, #off]; blr x30
	a.emit32(0xf9400000 | (off/8)<<10 | 19<<5 | 30)
	a.emit32(0xd63f03c0)
}

func (a *arm64Assembler) callRelative() uint32 {
	at := a.pos()
	a.emit32(0x94000000) // bl
	return at
}

func (a *arm64Assembler) loadAbsolute(bool) uint32 {
	// The method and result registers are both x0.
	a.emit32(0x18000040) // ldr w0, #8
	a.emit32(0x14000002) // b #8
	at := a.pos()
	a.emit32(0)
	return at
}

func (a *arm64Assembler) loadRelative() (uint32, uint32) {
	at := a.pos()
	a.emit32(0x90000000) // adrp x0, #0
	a.emit32(0x91000000) // add x0, x0, #0
	return at, at
}

func (a *arm64Assembler) loadIndirect() { a.emit32(0xb9400000) } // ldr w0, [x0]

type thumb2Assembler struct{ codeBuffer }

func (a *thumb2Assembler) buffer() *codeBuffer { return &a.codeBuffer }

// r4 and lr.
func (a *thumb2Assembler) frame() (uint32, uint32) { return 8, 1<<4 | 1<<14 }

func (a *thumb2Assembler) prologue() { a.emit16(0xb510) } // push {r4, lr}

func (a *thumb2Assembler) epilogue() { a.emit16(0xbd10) } // pop {r4, pc}

func (a *thumb2Assembler) nop() { a.emit16(0xbf00) }

func (a *thumb2Assembler) callEntrypoint(ep rtabi.Entrypoint) {
	off := uint16(rtabi.ThreadEntrypointOffset(4, ep))
	// ldr.w lr, [r9, #off]
	a.emit16(0xf8d9)
	a.emit16(0xe000 | off)
	a.emit16(0x47f0) // blx lr
}

func (a *thumb2Assembler) callRelative() uint32 {
	at := a.pos()
	a.emit16(0xf000) // bl
	a.emit16(0xd000)
	return at
}

func (a *thumb2Assembler) loadAbsolute(bool) uint32 {
	// The literal must be word aligned relative to the code start, which
	// is itself at least word aligned.
	if a.pos()%4 != 0 {
		a.nop()
	}
	a.emit16(0x4800) // ldr r0, [pc, #0]
	a.emit16(0xe001) // b.n past the literal
	at := a.pos()
	a.emit32(0)
	return at
}

func (a *thumb2Assembler) loadRelative() (uint32, uint32) {
	at := a.pos()
	a.emit16(0xf240) // movw r0, #0
	a.emit16(0x0000)
	a.emit16(0xf2c0) // movt r0, #0
	a.emit16(0x0000)
	anchor := a.pos()
	a.emit16(0x4478) // add r0, pc
	return at, anchor
}

func (a *thumb2Assembler) loadIndirect() { a.emit16(0x6800) } // ldr r0, [r0]
