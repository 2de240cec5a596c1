package elf

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/you-not-fish/dex2oat/internal/base"
)

// miniDebugInfo returns an xz compressed ELF file holding only the method
// symbols and a .text placeholder, for .gnu_debugdata. Unwinders and
// symbolizers look there when the main symbol table was stripped.
func (b *Builder) miniDebugInfo() ([]byte, error) {
	symtab, strtab := b.symbolTables(func(s *Section) (uint64, uint16) { return s.addr, 1 })

	ehsize := uint64(ehdr32Size)
	if b.is64 {
		ehsize = ehdr64Size
	}
	symOff := base.RoundUp(ehsize, 8)
	strOff := symOff + uint64(len(symtab))
	headers := []shdr{
		{name: ".text", typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			addr: b.Text.addr, offset: symOff, size: b.Text.size, align: uint64(b.isa.CodeAlignment())},
		{name: ".symtab", typ: elf.SHT_SYMTAB, offset: symOff, size: uint64(len(symtab)),
			link: 3, info: 1, align: 8, entsize: uint64(b.symEntSize())},
		{name: ".strtab", typ: elf.SHT_STRTAB, offset: strOff, size: uint64(len(strtab)), align: 1},
	}
	tail, shoff, shnum, shstrndx := sectionTable(strOff+uint64(len(strtab)), b.is64, headers)

	var raw bytes.Buffer
	raw.Write(b.header(shoff, shnum, shstrndx, nil))
	raw.Write(make([]byte, symOff-uint64(raw.Len())))
	raw.Write(symtab)
	raw.Write(strtab)
	raw.Write(tail)

	var out bytes.Buffer
	w, err := xz.NewWriter(&out)
	if err != nil {
		return nil, errors.Wrap(err, "mini debug info")
	}
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, errors.Wrap(err, "mini debug info")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "mini debug info")
	}
	return out.Bytes(), nil
}
