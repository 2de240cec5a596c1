package dex

import "fmt"

// Opcode is a bytecode opcode.
type Opcode uint8

// Opcodes the compiler and verifier look at directly.
const (
	OpNop                  Opcode = 0x00
	OpMoveResult           Opcode = 0x0a
	OpMoveResultObject     Opcode = 0x0c
	OpReturnVoid           Opcode = 0x0e
	OpReturn               Opcode = 0x0f
	OpReturnWide           Opcode = 0x10
	OpReturnObject         Opcode = 0x11
	OpConst4               Opcode = 0x12
	OpConstString          Opcode = 0x1a
	OpConstStringJumbo     Opcode = 0x1b
	OpConstClass           Opcode = 0x1c
	OpCheckCast            Opcode = 0x1f
	OpNewInstance          Opcode = 0x22
	OpThrow                Opcode = 0x27
	OpGoto                 Opcode = 0x28
	OpInvokeVirtual        Opcode = 0x6e
	OpInvokeSuper          Opcode = 0x6f
	OpInvokeDirect         Opcode = 0x70
	OpInvokeStatic         Opcode = 0x71
	OpInvokeInterface      Opcode = 0x72
	OpInvokeVirtualRange   Opcode = 0x74
	OpInvokeSuperRange     Opcode = 0x75
	OpInvokeDirectRange    Opcode = 0x76
	OpInvokeStaticRange    Opcode = 0x77
	OpInvokeInterfaceRange Opcode = 0x78
)

// Pseudo-instruction identifiers for payloads following a nop opcode byte.
const (
	packedSwitchSignature  = 0x0100
	sparseSwitchSignature  = 0x0200
	fillArrayDataSignature = 0x0300
)

// widths holds the size in code units of every opcode; 0 marks unused.
var widths = func() [256]uint8 {
	var w [256]uint8
	set := func(lo, hi int, n uint8) {
		for op := lo; op <= hi; op++ {
			w[op] = n
		}
	}
	set(0x00, 0x01, 1)
	w[0x02], w[0x03] = 2, 3
	w[0x04], w[0x05], w[0x06] = 1, 2, 3
	w[0x07], w[0x08], w[0x09] = 1, 2, 3
	set(0x0a, 0x12, 1)
	w[0x13], w[0x14], w[0x15] = 2, 3, 2
	w[0x16], w[0x17], w[0x18], w[0x19] = 2, 3, 5, 2
	w[0x1a], w[0x1b], w[0x1c] = 2, 3, 2
	w[0x1d], w[0x1e] = 1, 1
	w[0x1f], w[0x20], w[0x21], w[0x22], w[0x23] = 2, 2, 1, 2, 2
	w[0x24], w[0x25], w[0x26] = 3, 3, 3
	w[0x27], w[0x28], w[0x29], w[0x2a] = 1, 1, 2, 3
	w[0x2b], w[0x2c] = 3, 3
	set(0x2d, 0x3d, 2)
	set(0x44, 0x6d, 2)
	set(0x6e, 0x72, 3)
	set(0x74, 0x78, 3)
	set(0x7b, 0x8f, 1)
	set(0x90, 0xaf, 2)
	set(0xb0, 0xcf, 1)
	set(0xd0, 0xe2, 2)
	w[0xfa], w[0xfb] = 4, 4
	w[0xfc], w[0xfd] = 3, 3
	w[0xfe], w[0xff] = 2, 2
	return w
}()

// IsInvoke reports whether op is one of the invoke-kind instructions whose
// index operand is a method reference.
func (op Opcode) IsInvoke() bool {
	return (op >= OpInvokeVirtual && op <= OpInvokeInterface) ||
		(op >= OpInvokeVirtualRange && op <= OpInvokeInterfaceRange)
}

// IsReturn reports whether op returns from the method.
func (op Opcode) IsReturn() bool {
	return op >= OpReturnVoid && op <= OpReturnObject
}

// Instruction is a decoded view of one instruction in a code item.
type Instruction struct {
	PC     uint32 // in code units
	Opcode Opcode
	Width  uint32 // in code units
	insns  []uint16
}

// IndexOperand returns the 16- or 32-bit pool index of a 21c/31c/35c/3rc
// instruction.
func (in Instruction) IndexOperand() uint32 {
	if in.Opcode == OpConstStringJumbo {
		return uint32(in.insns[in.PC+1]) | uint32(in.insns[in.PC+2])<<16
	}
	return uint32(in.insns[in.PC+1])
}

// IsPayload reports whether the instruction is a switch or array payload.
func (in Instruction) IsPayload() bool {
	if in.Opcode != OpNop {
		return false
	}
	switch in.insns[in.PC] {
	case packedSwitchSignature, sparseSwitchSignature, fillArrayDataSignature:
		return true
	}
	return false
}

// Decode returns the instruction at pc.
func Decode(insns []uint16, pc uint32) (Instruction, error) {
	if pc >= uint32(len(insns)) {
		return Instruction{}, fmt.Errorf("pc %d out of range [0, %d)", pc, len(insns))
	}
	unit := insns[pc]
	op := Opcode(unit & 0xff)
	in := Instruction{PC: pc, Opcode: op, insns: insns}
	switch unit {
	case packedSwitchSignature:
		if pc+1 >= uint32(len(insns)) {
			return in, fmt.Errorf("truncated packed-switch payload at %d", pc)
		}
		in.Width = 4 + uint32(insns[pc+1])*2
	case sparseSwitchSignature:
		if pc+1 >= uint32(len(insns)) {
			return in, fmt.Errorf("truncated sparse-switch payload at %d", pc)
		}
		in.Width = 2 + uint32(insns[pc+1])*4
	case fillArrayDataSignature:
		if pc+3 >= uint32(len(insns)) {
			return in, fmt.Errorf("truncated fill-array-data payload at %d", pc)
		}
		elemWidth := uint32(insns[pc+1])
		size := uint32(insns[pc+2]) | uint32(insns[pc+3])<<16
		in.Width = 4 + (size*elemWidth+1)/2
	default:
		in.Width = uint32(widths[op])
		if in.Width == 0 {
			return in, fmt.Errorf("unused opcode %#02x at %d", uint8(op), pc)
		}
	}
	if pc+in.Width > uint32(len(insns)) {
		return in, fmt.Errorf("instruction at %d overruns code (width %d)", pc, in.Width)
	}
	return in, nil
}

// Instructions decodes every instruction of insns in order.
func Instructions(insns []uint16) ([]Instruction, error) {
	var out []Instruction
	for pc := uint32(0); pc < uint32(len(insns)); {
		in, err := Decode(insns, pc)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		pc += in.Width
	}
	return out, nil
}
