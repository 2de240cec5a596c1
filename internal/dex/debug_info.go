package dex

// Debug info state machine opcodes.
const (
	dbgEndSequence        = 0x00
	dbgAdvancePC          = 0x01
	dbgAdvanceLine        = 0x02
	dbgStartLocal         = 0x03
	dbgStartLocalExtended = 0x04
	dbgEndLocal           = 0x05
	dbgRestartLocal       = 0x06
	dbgSetPrologueEnd     = 0x07
	dbgSetEpilogueBegin   = 0x08
	dbgSetFile            = 0x09
	dbgFirstSpecial       = 0x0a
	dbgLineBase           = -4
	dbgLineRange          = 15
)

// PositionEntry maps a bytecode address (in code units) to a source line.
type PositionEntry struct {
	Address uint32
	Line    uint32
}

// DecodeDebugPositions runs the debug_info_item state machine of ci and
// returns its position table in address order.
func (f *File) DecodeDebugPositions(ci *CodeItem) ([]PositionEntry, error) {
	if ci == nil || ci.DebugInfoOff == 0 {
		return nil, nil
	}
	d := f.Data
	pos := int(ci.DebugInfoOff)
	lineStart, pos, err := DecodeUnsignedLeb128(d, pos)
	if err != nil {
		return nil, formatErrorf(f.Location, -1, "debug info at %#x: %v", ci.DebugInfoOff, err)
	}
	nParams, pos, err := DecodeUnsignedLeb128(d, pos)
	if err != nil {
		return nil, formatErrorf(f.Location, -1, "debug info at %#x: %v", ci.DebugInfoOff, err)
	}
	for i := uint32(0); i < nParams; i++ {
		if _, pos, err = DecodeUnsignedLeb128(d, pos); err != nil {
			return nil, formatErrorf(f.Location, -1, "debug info parameters: %v", err)
		}
	}

	var out []PositionEntry
	address := uint32(0)
	line := int64(lineStart)
	skip := func(n int) error {
		for i := 0; i < n; i++ {
			if _, pos, err = DecodeUnsignedLeb128(d, pos); err != nil {
				return err
			}
		}
		return nil
	}
	for {
		if pos >= len(d) {
			return nil, formatErrorf(f.Location, -1, "debug info at %#x: missing end sequence", ci.DebugInfoOff)
		}
		op := d[pos]
		pos++
		switch op {
		case dbgEndSequence:
			return out, nil
		case dbgAdvancePC:
			var n uint32
			if n, pos, err = DecodeUnsignedLeb128(d, pos); err != nil {
				return nil, err
			}
			address += n
		case dbgAdvanceLine:
			var n int32
			if n, pos, err = DecodeSignedLeb128(d, pos); err != nil {
				return nil, err
			}
			line += int64(n)
		case dbgStartLocal:
			if err = skip(3); err != nil {
				return nil, err
			}
		case dbgStartLocalExtended:
			if err = skip(4); err != nil {
				return nil, err
			}
		case dbgEndLocal, dbgRestartLocal, dbgSetFile:
			if err = skip(1); err != nil {
				return nil, err
			}
		case dbgSetPrologueEnd, dbgSetEpilogueBegin:
		default:
			adjusted := int64(op) - dbgFirstSpecial
			line += dbgLineBase + adjusted%dbgLineRange
			address += uint32(adjusted / dbgLineRange)
			if line < 0 {
				return nil, formatErrorf(f.Location, -1, "debug info at %#x: negative line", ci.DebugInfoOff)
			}
			out = append(out, PositionEntry{Address: address, Line: uint32(line)})
		}
	}
}

// LineForPC returns the source line of the last position entry at or before
// pc, or false when the method has no line information there.
func LineForPC(positions []PositionEntry, pc uint32) (uint32, bool) {
	found := false
	var line uint32
	for _, p := range positions {
		if p.Address > pc {
			break
		}
		line, found = p.Line, true
	}
	return line, found
}

// AppendDebugPositions encodes positions as a debug_info_item with no
// parameter names. Entries must be in address order.
func AppendDebugPositions(dst []byte, positions []PositionEntry) []byte {
	var startLine uint32 = 1
	if len(positions) > 0 {
		startLine = positions[0].Line
	}
	dst = AppendUnsignedLeb128(dst, startLine)
	dst = AppendUnsignedLeb128(dst, 0)
	address := uint32(0)
	line := int64(startLine)
	for _, p := range positions {
		addrDiff := p.Address - address
		lineDiff := int64(p.Line) - line
		if lineDiff < dbgLineBase || lineDiff >= dbgLineBase+dbgLineRange {
			dst = append(dst, dbgAdvanceLine)
			dst = AppendSignedLeb128(dst, int32(lineDiff))
			lineDiff = 0
		}
		special := int64(dbgFirstSpecial) + (lineDiff - dbgLineBase) + int64(addrDiff)*dbgLineRange
		if special > 0xff {
			dst = append(dst, dbgAdvancePC)
			dst = AppendUnsignedLeb128(dst, addrDiff)
			special = int64(dbgFirstSpecial) + (lineDiff - dbgLineBase)
		}
		dst = append(dst, byte(special))
		address, line = p.Address, int64(p.Line)
	}
	return append(dst, dbgEndSequence)
}
