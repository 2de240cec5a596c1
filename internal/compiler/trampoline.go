package compiler

import (
	"encoding/binary"

	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// Trampoline returns the code of a stub that tail-jumps to the runtime
// entrypoint ep through the thread register. Boot oat files start their
// .text with one stub per bridge the runtime needs.
func Trampoline(s isa.InstructionSet, ep rtabi.Entrypoint) ([]byte, error) {
	le := binary.LittleEndian
	switch s {
	case isa.X86_64:
		// jmp qword ptr gs:[disp32]
		return le.AppendUint32([]byte{0x65, 0xff, 0x24, 0x25}, uint32(rtabi.ThreadEntrypointOffset(8, ep))), nil
	case isa.X86:
		// jmp dword ptr fs:[disp32]
		return le.AppendUint32([]byte{0x64, 0xff, 0x25}, uint32(rtabi.ThreadEntrypointOffset(4, ep))), nil
	case isa.Arm64:
		off := uint32(rtabi.ThreadEntrypointOffset(8, ep))
		// ldr x16, [x19, #off]; br x16; brk #0
		code := le.AppendUint32(nil, 0xf9400000|(off/8)<<10|19<<5|16)
		code = le.AppendUint32(code, 0xd61f0200)
		return le.AppendUint32(code, 0xd4200000), nil
	case isa.Thumb2, isa.Arm:
		// ldr.w pc, [r9, #off]; bkpt
		code := le.AppendUint16(nil, 0xf8d9)
		code = le.AppendUint16(code, 0xf000|uint16(rtabi.ThreadEntrypointOffset(4, ep)))
		return le.AppendUint16(code, 0xbe00), nil
	}
	return nil, ErrUnsupportedISA
}
