// Package elf writes the ELF container of oat files and post-processes it:
// stripping debug symbols and relocating a non-PIC file to its load
// address. Reading goes through debug/elf.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// PageSize is the alignment of every loadable segment.
const PageSize = 0x1000

// Sizes of the ELF, program and section headers.
const (
	ehdr32Size = 52
	ehdr64Size = 64
	phdr32Size = 32
	phdr64Size = 56
	shdr32Size = 40
	shdr64Size = 64
)

var le = binary.LittleEndian

// Section is an allocated output section. Its contents are written through
// it with Write, and it can seek within itself to fill in parts later.
type Section struct {
	b     *Builder
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	align uint64
	index int

	offset uint64
	addr   uint64
	size   uint64
	pos    uint64
}

// Addr returns the section's virtual address.
func (s *Section) Addr() uint64 { return s.addr }

// Offset returns the section's file offset.
func (s *Section) Offset() uint64 { return s.offset }

// Size returns the section's laid out size.
func (s *Section) Size() uint64 { return s.size }

// Write writes p at the current position in the section.
func (s *Section) Write(p []byte) (int, error) {
	if s.b.err != nil {
		return 0, s.b.err
	}
	if _, err := s.b.out.Seek(int64(s.offset+s.pos), io.SeekStart); err != nil {
		s.b.err = errors.Wrapf(err, "seek in %s", s.name)
		return 0, s.b.err
	}
	n, err := s.b.out.Write(p)
	s.pos += uint64(n)
	if err != nil {
		s.b.err = errors.Wrapf(err, "write %s", s.name)
	}
	return n, s.b.err
}

// Seek sets the write position relative to the start of the section.
func (s *Section) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = uint64(offset)
	case io.SeekCurrent:
		s.pos = uint64(int64(s.pos) + offset)
	default:
		return int64(s.pos), errors.Errorf("seek in %s: unsupported whence %d", s.name, whence)
	}
	return int64(s.pos), nil
}

// Position returns the write position relative to the start of the
// section.
func (s *Section) Position() uint64 { return s.pos }

// Symbol is an entry of the .symtab written when debug info is requested.
// Value is relative to the start of Section.
type Symbol struct {
	Name    string
	Section *Section
	Value   uint64
	Size    uint64
	Type    elf.SymType
}

// Builder lays out and writes an oat ELF file: .rodata at the first page,
// then .text, .bss and the dynamic linking sections, each page aligned.
type Builder struct {
	isa  isa.InstructionSet
	is64 bool
	out  io.WriteSeeker
	err  error

	Rodata *Section
	Text   *Section
	Bss    *Section

	dynstr  *Section
	dynsym  *Section
	hash    *Section
	dynamic *Section

	// Symtab writes the added symbols to .symtab; MiniDebugInfo writes
	// them to an xz compressed ELF in .gnu_debugdata, which survives
	// stripping.
	Symtab        bool
	MiniDebugInfo bool

	dynData    map[*Section][]byte
	symbols    []Symbol
	prepared   bool
	loadedSize uint64
	fileEnd    uint64
}

// NewBuilder returns a builder writing to out.
func NewBuilder(s isa.InstructionSet, out io.WriteSeeker) *Builder {
	b := &Builder{isa: s, is64: s.Is64Bit(), out: out, Symtab: true, dynData: map[*Section][]byte{}}
	ptr := uint64(s.PointerSize())
	b.Rodata = b.newSection(".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, PageSize)
	b.Text = b.newSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, PageSize)
	b.Bss = b.newSection(".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, PageSize)
	b.dynstr = b.newSection(".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, 1)
	b.dynsym = b.newSection(".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, ptr)
	b.hash = b.newSection(".hash", elf.SHT_HASH, elf.SHF_ALLOC, 4)
	b.dynamic = b.newSection(".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC|elf.SHF_WRITE, ptr)
	b.Rodata.offset, b.Rodata.addr = PageSize, PageSize
	return b
}

func (b *Builder) newSection(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64) *Section {
	return &Section{b: b, name: name, typ: typ, flags: flags, align: align}
}

// Err returns the first error the builder hit.
func (b *Builder) Err() error { return b.err }

// LoadedSize returns the size of the address range the file occupies when
// loaded. Valid after PrepareDynamicSection.
func (b *Builder) LoadedSize() uint64 { return b.loadedSize }

// dynamicSymbol is one of the fixed symbols of .dynsym.
type dynamicSymbol struct {
	name    string
	section *Section
	value   uint64
	size    uint64
}

func (b *Builder) dynamicSymbols() []dynamicSymbol {
	rodataSize, textSize, bssSize := b.Rodata.size, b.Text.size, b.Bss.size
	syms := []dynamicSymbol{
		{rtabi.SymOatData, b.Rodata, 0, rodataSize},
	}
	if textSize != 0 {
		syms = append(syms,
			dynamicSymbol{rtabi.SymOatExec, b.Text, 0, textSize},
			dynamicSymbol{rtabi.SymOatLastWord, b.Text, textSize - 4, 4})
	} else {
		syms = append(syms, dynamicSymbol{rtabi.SymOatLastWord, b.Rodata, rodataSize - 4, 4})
	}
	if bssSize != 0 {
		syms = append(syms,
			dynamicSymbol{rtabi.SymOatBss, b.Bss, 0, bssSize},
			dynamicSymbol{rtabi.SymOatBssLastWord, b.Bss, bssSize - 4, 4})
	}
	return syms
}

// sectionList returns the allocated sections in header order.
func (b *Builder) sectionList() []*Section {
	list := []*Section{b.Rodata, b.Text}
	if b.Bss.size != 0 {
		list = append(list, b.Bss)
	}
	return append(list, b.dynstr, b.dynsym, b.hash, b.dynamic)
}

// PrepareDynamicSection lays out every section from the final sizes of
// .rodata, .text and .bss and builds the dynamic linking tables.
func (b *Builder) PrepareDynamicSection(soname string, rodataSize, textSize, bssSize uint64) {
	b.Rodata.size, b.Text.size, b.Bss.size = rodataSize, textSize, bssSize
	b.Text.offset = base.RoundUp(b.Rodata.offset+rodataSize, PageSize)
	b.Text.addr = b.Text.offset
	b.Bss.offset = base.RoundUp(b.Text.offset+textSize, PageSize)
	b.Bss.addr = b.Bss.offset
	fileOff := b.Bss.offset
	addr := base.RoundUp(b.Bss.addr+bssSize, PageSize)
	for i, s := range b.sectionList() {
		s.index = i + 1
	}

	syms := b.dynamicSymbols()

	var dynstr bytes.Buffer
	dynstr.WriteByte(0)
	sonameIdx := uint32(dynstr.Len())
	dynstr.WriteString(soname)
	dynstr.WriteByte(0)
	nameIdx := make([]uint32, len(syms))
	for i, s := range syms {
		nameIdx[i] = uint32(dynstr.Len())
		dynstr.WriteString(s.name)
		dynstr.WriteByte(0)
	}

	place := func(s *Section, size uint64) {
		pad := base.RoundUp(addr, s.align) - addr
		addr += pad
		fileOff += pad
		s.addr, s.offset, s.size = addr, fileOff, size
		addr += size
		fileOff += size
	}
	place(b.dynstr, uint64(dynstr.Len()))
	b.dynData[b.dynstr] = dynstr.Bytes()

	var dynsym bytes.Buffer
	b.writeSym(&dynsym, 0, 0, 0, 0, 0)
	for i, s := range syms {
		b.writeSym(&dynsym, nameIdx[i], s.section.addr+s.value, s.size,
			elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), uint16(s.section.index))
	}
	place(b.dynsym, uint64(dynsym.Len()))
	b.dynData[b.dynsym] = dynsym.Bytes()

	names := []string{""}
	for _, s := range syms {
		names = append(names, s.name)
	}
	hash := buildHash(names)
	place(b.hash, uint64(len(hash)))
	b.dynData[b.hash] = hash

	var dyn bytes.Buffer
	for _, e := range []struct {
		tag elf.DynTag
		val uint64
	}{
		{elf.DT_HASH, b.hash.addr},
		{elf.DT_STRTAB, b.dynstr.addr},
		{elf.DT_SYMTAB, b.dynsym.addr},
		{elf.DT_SYMENT, uint64(b.symEntSize())},
		{elf.DT_STRSZ, b.dynstr.size},
		{elf.DT_SONAME, uint64(sonameIdx)},
		{elf.DT_NULL, 0},
	} {
		b.writeDyn(&dyn, e.tag, e.val)
	}
	place(b.dynamic, uint64(dyn.Len()))
	b.dynData[b.dynamic] = dyn.Bytes()

	b.fileEnd = fileOff
	b.loadedSize = base.RoundUp(addr, PageSize)
	b.prepared = true
}

// WriteDynamicSection writes the tables built by PrepareDynamicSection.
func (b *Builder) WriteDynamicSection() {
	if !b.prepared {
		b.setErr(errors.New("elf: dynamic section written before it was prepared"))
		return
	}
	for _, s := range []*Section{b.dynstr, b.dynsym, b.hash, b.dynamic} {
		s.pos = 0
		s.Write(b.dynData[s])
	}
}

// AddSymbol adds a method symbol. Symbol tables are only written when at
// least one symbol was added.
func (b *Builder) AddSymbol(sym Symbol) { b.symbols = append(b.symbols, sym) }

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) symEntSize() int {
	if b.is64 {
		return elf.Sym64Size
	}
	return elf.Sym32Size
}

func (b *Builder) writeSym(w *bytes.Buffer, name uint32, value, size uint64, info uint8, shndx uint16) {
	if b.is64 {
		binary.Write(w, le, elf.Sym64{Name: name, Info: info, Shndx: shndx, Value: value, Size: size})
		return
	}
	binary.Write(w, le, elf.Sym32{Name: name, Value: uint32(value), Size: uint32(size), Info: info, Shndx: shndx})
}

func (b *Builder) writeDyn(w *bytes.Buffer, tag elf.DynTag, val uint64) {
	if b.is64 {
		binary.Write(w, le, elf.Dyn64{Tag: int64(tag), Val: val})
		return
	}
	binary.Write(w, le, elf.Dyn32{Tag: int32(tag), Val: uint32(val)})
}

// elfHash is the SysV symbol hash function.
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// buildHash returns a SysV .hash section for the symbols names, where
// names[0] is the null symbol.
func buildHash(names []string) []byte {
	nbucket := len(names) / 2
	if nbucket == 0 {
		nbucket = 1
	}
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, len(names))
	for i := 1; i < len(names); i++ {
		h := elfHash(names[i]) % uint32(nbucket)
		// Append at the end of the bucket's chain.
		if buckets[h] == 0 {
			buckets[h] = uint32(i)
			continue
		}
		j := buckets[h]
		for chains[j] != 0 {
			j = chains[j]
		}
		chains[j] = uint32(i)
	}
	out := le.AppendUint32(nil, uint32(nbucket))
	out = le.AppendUint32(out, uint32(len(names)))
	for _, v := range buckets {
		out = le.AppendUint32(out, v)
	}
	for _, v := range chains {
		out = le.AppendUint32(out, v)
	}
	return out
}

type shdr struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	offset  uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

// End writes .symtab if symbols were added, the section names and
// headers, and finally the ELF and program headers. It returns the first
// error seen while building.
func (b *Builder) End() error {
	if b.err != nil {
		return b.err
	}
	if !b.prepared {
		return errors.New("elf: End before PrepareDynamicSection")
	}
	alloc := b.sectionList()
	var headers []shdr
	for _, s := range alloc {
		h := shdr{name: s.name, typ: s.typ, flags: s.flags, addr: s.addr, offset: s.offset, size: s.size, align: s.align}
		switch s {
		case b.dynsym:
			h.link, h.info, h.entsize = uint32(b.dynstr.index), 1, uint64(b.symEntSize())
		case b.hash:
			h.link, h.entsize = uint32(b.dynsym.index), 4
		case b.dynamic:
			h.link = uint32(b.dynstr.index)
			if b.is64 {
				h.entsize = 16
			} else {
				h.entsize = 8
			}
		}
		headers = append(headers, h)
	}

	off := b.fileEnd
	if b.MiniDebugInfo && len(b.symbols) > 0 {
		data, err := b.miniDebugInfo()
		if err != nil {
			return err
		}
		headers = append(headers, shdr{name: ".gnu_debugdata", typ: elf.SHT_PROGBITS, offset: off, size: uint64(len(data)), align: 1})
		b.writeAt(off, data)
		off += uint64(len(data))
	}
	if b.Symtab && len(b.symbols) > 0 {
		symtab, strtab := b.symbolTables(func(s *Section) (uint64, uint16) { return s.addr, uint16(s.index) })
		off = base.RoundUp(off, 8)
		symIdx := len(headers) + 1
		headers = append(headers,
			shdr{name: ".symtab", typ: elf.SHT_SYMTAB, offset: off, size: uint64(len(symtab)),
				link: uint32(symIdx + 1), info: 1, align: 8, entsize: uint64(b.symEntSize())},
			shdr{name: ".strtab", typ: elf.SHT_STRTAB, offset: off + uint64(len(symtab)), size: uint64(len(strtab)), align: 1})
		b.writeAt(off, symtab)
		off += uint64(len(symtab))
		b.writeAt(off, strtab)
		off += uint64(len(strtab))
	}
	return b.finish(headers, off)
}

// symbolTables encodes the added symbols. place returns the address and
// section index a symbol's section has in the file being written.
func (b *Builder) symbolTables(place func(*Section) (uint64, uint16)) (symtab, strtab []byte) {
	var str, sym bytes.Buffer
	str.WriteByte(0)
	b.writeSym(&sym, 0, 0, 0, 0, 0)
	for _, s := range b.symbols {
		name := uint32(str.Len())
		str.WriteString(s.Name)
		str.WriteByte(0)
		addr, shndx := place(s.Section)
		b.writeSym(&sym, name, addr+s.Value, s.Size, elf.ST_INFO(elf.STB_GLOBAL, s.Type), shndx)
	}
	return sym.Bytes(), str.Bytes()
}

// finish appends .shstrtab and the section header table after off and
// writes the ELF and program headers.
func (b *Builder) finish(headers []shdr, off uint64) error {
	tail, shoff, shnum, shstrndx := sectionTable(off, b.is64, headers)
	b.writeAt(off, tail)
	b.writeAt(0, b.header(shoff, shnum, shstrndx, b.programHeaders()))
	return b.err
}

// sectionTable encodes .shstrtab followed by the section header table for
// headers, for placement at file offset off. It returns the encoded bytes,
// the offset of the table, the number of sections including the null one,
// and the index of .shstrtab.
func sectionTable(off uint64, is64 bool, headers []shdr) (tail []byte, shoff uint64, shnum, shstrndx int) {
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	headers = append(headers[:len(headers):len(headers)], shdr{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})
	nameIdx := make([]uint32, len(headers))
	for i, h := range headers {
		nameIdx[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(h.name)
		shstrtab.WriteByte(0)
	}
	last := &headers[len(headers)-1]
	last.offset, last.size = off, uint64(shstrtab.Len())
	shoff = base.RoundUp(off+uint64(shstrtab.Len()), 8)

	buf := bytes.NewBuffer(shstrtab.Bytes())
	buf.Write(make([]byte, shoff-off-uint64(shstrtab.Len())))
	appendShdr(buf, is64, 0, shdr{})
	for i, h := range headers {
		appendShdr(buf, is64, nameIdx[i], h)
	}
	return buf.Bytes(), shoff, len(headers) + 1, len(headers)
}

func (b *Builder) writeAt(off uint64, p []byte) {
	if b.err != nil {
		return
	}
	if _, err := b.out.Seek(int64(off), io.SeekStart); err != nil {
		b.err = errors.Wrap(err, "seek")
		return
	}
	if _, err := b.out.Write(p); err != nil {
		b.err = errors.Wrap(err, "write")
	}
}

func appendShdr(w *bytes.Buffer, is64 bool, name uint32, h shdr) {
	if is64 {
		binary.Write(w, le, elf.Section64{
			Name: name, Type: uint32(h.typ), Flags: uint64(h.flags), Addr: h.addr, Off: h.offset,
			Size: h.size, Link: h.link, Info: h.info, Addralign: h.align, Entsize: h.entsize,
		})
		return
	}
	binary.Write(w, le, elf.Section32{
		Name: name, Type: uint32(h.typ), Flags: uint32(h.flags), Addr: uint32(h.addr), Off: uint32(h.offset),
		Size: uint32(h.size), Link: h.link, Info: h.info, Addralign: uint32(h.align), Entsize: uint32(h.entsize),
	})
}

type phdr struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	offset uint64
	addr   uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

func (b *Builder) programHeaders() []phdr {
	ehsize, phentsize := uint64(ehdr32Size), uint64(phdr32Size)
	if b.is64 {
		ehsize, phentsize = ehdr64Size, phdr64Size
	}
	n := uint64(5)
	if b.Bss.size != 0 {
		n++
	}
	rodataEnd := b.Rodata.offset + b.Rodata.size
	ph := []phdr{
		{elf.PT_PHDR, elf.PF_R, ehsize, ehsize, n * phentsize, n * phentsize, uint64(b.isa.PointerSize())},
		{elf.PT_LOAD, elf.PF_R, 0, 0, rodataEnd, rodataEnd, PageSize},
		{elf.PT_LOAD, elf.PF_R | elf.PF_X, b.Text.offset, b.Text.addr, b.Text.size, b.Text.size, PageSize},
	}
	if b.Bss.size != 0 {
		ph = append(ph, phdr{elf.PT_LOAD, elf.PF_R | elf.PF_W, b.Bss.offset, b.Bss.addr, 0, b.Bss.size, PageSize})
	}
	dynEnd := b.dynamic.addr + b.dynamic.size
	ph = append(ph,
		phdr{elf.PT_LOAD, elf.PF_R | elf.PF_W, b.dynstr.offset, b.dynstr.addr, dynEnd - b.dynstr.addr, dynEnd - b.dynstr.addr, PageSize},
		phdr{elf.PT_DYNAMIC, elf.PF_R | elf.PF_W, b.dynamic.offset, b.dynamic.addr, b.dynamic.size, b.dynamic.size, uint64(b.isa.PointerSize())})
	return ph
}

func (b *Builder) header(shoff uint64, shnum, shstrndx int, ph []phdr) []byte {
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	if b.is64 {
		ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	}
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elf.ELFOSABI_LINUX)
	var flags uint32
	if b.isa == isa.Thumb2 || b.isa == isa.Arm {
		flags = 0x05000000 // EF_ARM_EABI_VER5
	}
	var phoff uint64
	if len(ph) > 0 {
		phoff = ehdr32Size
		if b.is64 {
			phoff = ehdr64Size
		}
	}

	var w bytes.Buffer
	if b.is64 {
		binary.Write(&w, le, elf.Header64{
			Ident: ident, Type: uint16(elf.ET_DYN), Machine: uint16(b.isa.ElfMachine()), Version: uint32(elf.EV_CURRENT),
			Phoff: phoff, Shoff: shoff, Flags: flags, Ehsize: ehdr64Size,
			Phentsize: phdr64Size, Phnum: uint16(len(ph)), Shentsize: shdr64Size,
			Shnum: uint16(shnum), Shstrndx: uint16(shstrndx),
		})
		for _, p := range ph {
			binary.Write(&w, le, elf.Prog64{Type: uint32(p.typ), Flags: uint32(p.flags), Off: p.offset,
				Vaddr: p.addr, Paddr: p.addr, Filesz: p.filesz, Memsz: p.memsz, Align: p.align})
		}
		return w.Bytes()
	}
	binary.Write(&w, le, elf.Header32{
		Ident: ident, Type: uint16(elf.ET_DYN), Machine: uint16(b.isa.ElfMachine()), Version: uint32(elf.EV_CURRENT),
		Phoff: uint32(phoff), Shoff: uint32(shoff), Flags: flags, Ehsize: ehdr32Size,
		Phentsize: phdr32Size, Phnum: uint16(len(ph)), Shentsize: shdr32Size,
		Shnum: uint16(shnum), Shstrndx: uint16(shstrndx),
	})
	for _, p := range ph {
		binary.Write(&w, le, elf.Prog32{Type: uint32(p.typ), Off: uint32(p.offset), Vaddr: uint32(p.addr),
			Paddr: uint32(p.addr), Filesz: uint32(p.filesz), Memsz: uint32(p.memsz), Flags: uint32(p.flags), Align: uint32(p.align)})
	}
	return w.Bytes()
}
