package dex

import "encoding/binary"

// TryItem covers [StartAddr, StartAddr+InsnCount) with a handler list.
type TryItem struct {
	StartAddr  uint32
	InsnCount  uint16
	HandlerOff uint16
}

// CatchHandler is one typed (or catch-all) handler of a try block.
type CatchHandler struct {
	TypeIdx   uint32 // NoIndex for catch-all
	HandlerPC uint32
}

// CodeItem is a decoded code_item.
type CodeItem struct {
	Offset        uint32
	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16
	TriesSize     uint16
	DebugInfoOff  uint32
	Insns         []uint16

	tries        []TryItem
	handlersBase uint32
}

// CodeItem decodes the code_item at off.
func (f *File) CodeItem(off uint32) (*CodeItem, error) {
	if off == 0 {
		return nil, nil
	}
	d := f.Data
	if uint64(off)+16 > uint64(len(d)) {
		return nil, formatErrorf(f.Location, -1, "code item offset %#x out of bounds", off)
	}
	le := binary.LittleEndian
	ci := &CodeItem{
		Offset:        off,
		RegistersSize: le.Uint16(d[off:]),
		InsSize:       le.Uint16(d[off+2:]),
		OutsSize:      le.Uint16(d[off+4:]),
		TriesSize:     le.Uint16(d[off+6:]),
		DebugInfoOff:  le.Uint32(d[off+8:]),
	}
	n := le.Uint32(d[off+12:])
	start := off + 16
	if uint64(start)+uint64(n)*2 > uint64(len(d)) {
		return nil, formatErrorf(f.Location, -1, "code item at %#x: insns overflow", off)
	}
	if ci.InsSize > ci.RegistersSize {
		return nil, formatErrorf(f.Location, -1, "code item at %#x: ins %d > registers %d", off, ci.InsSize, ci.RegistersSize)
	}
	ci.Insns = make([]uint16, n)
	for i := range ci.Insns {
		ci.Insns[i] = le.Uint16(d[start+uint32(i)*2:])
	}
	if ci.TriesSize > 0 {
		triesOff := start + n*2
		if n%2 != 0 {
			triesOff += 2
		}
		ci.tries = make([]TryItem, ci.TriesSize)
		for i := range ci.tries {
			p := d[triesOff+uint32(i)*8:]
			ci.tries[i] = TryItem{StartAddr: le.Uint32(p), InsnCount: le.Uint16(p[4:]), HandlerOff: le.Uint16(p[6:])}
		}
		ci.handlersBase = triesOff + uint32(ci.TriesSize)*8
	}
	return ci, nil
}

// Tries returns the try items.
func (ci *CodeItem) Tries() []TryItem { return ci.tries }

// InsnsSizeInBytes returns the bytecode size.
func (ci *CodeItem) InsnsSizeInBytes() int { return len(ci.Insns) * 2 }

// Handlers returns the catch handlers covering dexPC, in order. The last
// element may be a catch-all.
func (f *File) Handlers(ci *CodeItem, dexPC uint32) []CatchHandler {
	for _, t := range ci.tries {
		if dexPC < t.StartAddr || dexPC >= t.StartAddr+uint32(t.InsnCount) {
			continue
		}
		return f.decodeHandlers(ci.handlersBase + uint32(t.HandlerOff))
	}
	return nil
}

func (f *File) decodeHandlers(pos uint32) []CatchHandler {
	p := int(pos)
	size, p, err := DecodeSignedLeb128(f.Data, p)
	if err != nil {
		return nil
	}
	catchAll := size <= 0
	if size < 0 {
		size = -size
	}
	var out []CatchHandler
	for i := int32(0); i < size; i++ {
		var typeIdx, addr uint32
		if typeIdx, p, err = DecodeUnsignedLeb128(f.Data, p); err != nil {
			return out
		}
		if addr, p, err = DecodeUnsignedLeb128(f.Data, p); err != nil {
			return out
		}
		out = append(out, CatchHandler{TypeIdx: typeIdx, HandlerPC: addr})
	}
	if catchAll {
		addr, _, err := DecodeUnsignedLeb128(f.Data, p)
		if err == nil {
			out = append(out, CatchHandler{TypeIdx: NoIndex, HandlerPC: addr})
		}
	}
	return out
}
