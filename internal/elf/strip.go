package elf

import (
	"bytes"
	"debug/elf"
	"io"
	"strings"

	"github.com/pkg/errors"
)

func stripped(name string) bool {
	return name == ".symtab" || name == ".strtab" || name == ".shstrtab" || strings.HasPrefix(name, ".debug")
}

// Strip returns a copy of the ELF file data without its symbol table and
// debug sections. Loadable contents keep their offsets.
func Strip(data []byte) ([]byte, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "strip")
	}
	defer f.Close()

	remap := map[uint32]uint32{0: 0}
	var kept []*elf.Section
	for i, s := range f.Sections {
		if i == 0 || stripped(s.Name) {
			continue
		}
		kept = append(kept, s)
		remap[uint32(i)] = uint32(len(kept))
	}
	var end uint64
	headers := make([]shdr, 0, len(kept))
	for _, s := range kept {
		if s.Type != elf.SHT_NOBITS && s.Offset+s.Size > end {
			end = s.Offset + s.Size
		}
		link, ok := remap[s.Link]
		if !ok {
			return nil, errors.Errorf("strip: %s links to a removed section", s.Name)
		}
		headers = append(headers, shdr{
			name: s.Name, typ: s.Type, flags: s.Flags, addr: s.Addr, offset: s.Offset, size: s.FileSize,
			link: link, info: s.Info, align: s.Addralign, entsize: s.Entsize,
		})
		if s.Type == elf.SHT_NOBITS {
			headers[len(headers)-1].size = s.Size
		}
	}

	is64 := f.Class == elf.ELFCLASS64
	tail, shoff, shnum, shstrndx := sectionTable(end, is64, headers)
	out := append(append([]byte(nil), data[:end]...), tail...)
	if is64 {
		le.PutUint64(out[0x28:], shoff)
		le.PutUint16(out[0x3c:], uint16(shnum))
		le.PutUint16(out[0x3e:], uint16(shstrndx))
	} else {
		le.PutUint32(out[0x20:], uint32(shoff))
		le.PutUint16(out[0x30:], uint16(shnum))
		le.PutUint16(out[0x32:], uint16(shstrndx))
	}
	return out, nil
}

// ReadWriterAt is a file that can be patched in place.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Fixup relocates an ELF file written at address zero by delta: program
// headers, allocated section addresses, symbol values and the address
// entries of .dynamic all move.
func Fixup(file ReadWriterAt, delta uint64) error {
	f, err := elf.NewFile(file)
	if err != nil {
		return errors.Wrap(err, "fixup")
	}
	is64 := f.Class == elf.ELFCLASS64
	word := 4
	if is64 {
		word = 8
	}
	raw := make([]byte, ehdr64Size)
	if _, err := file.ReadAt(raw, 0); err != nil {
		return errors.Wrap(err, "fixup: read header")
	}
	var phoff, shoff uint64
	var phentsize, phnum, shentsize uint64
	if is64 {
		phoff, shoff = le.Uint64(raw[0x20:]), le.Uint64(raw[0x28:])
		phentsize, phnum, shentsize = uint64(le.Uint16(raw[0x36:])), uint64(le.Uint16(raw[0x38:])), uint64(le.Uint16(raw[0x3a:]))
	} else {
		phoff, shoff = uint64(le.Uint32(raw[0x1c:])), uint64(le.Uint32(raw[0x20:]))
		phentsize, phnum, shentsize = uint64(le.Uint16(raw[0x2a:])), uint64(le.Uint16(raw[0x2c:])), uint64(le.Uint16(raw[0x2e:]))
	}

	fx := fixer{file: file, word: word, delta: delta}
	for i := uint64(0); i < phnum; i++ {
		at := phoff + i*phentsize
		if is64 {
			fx.adjust(at + 16)
			fx.adjust(at + 24)
		} else {
			fx.adjust(at + 8)
			fx.adjust(at + 12)
		}
	}
	for i, s := range f.Sections {
		if i == 0 {
			continue
		}
		if s.Flags&elf.SHF_ALLOC != 0 {
			at := shoff + uint64(i)*shentsize
			if is64 {
				fx.adjust(at + 16)
			} else {
				fx.adjust(at + 12)
			}
		}
		switch s.Type {
		case elf.SHT_SYMTAB, elf.SHT_DYNSYM:
			fx.symbols(s, is64)
		case elf.SHT_DYNAMIC:
			fx.dynamic(s)
		}
	}
	return errors.Wrap(fx.err, "fixup")
}

type fixer struct {
	file  ReadWriterAt
	word  int
	delta uint64
	err   error
}

// adjust adds delta to the address-sized word at off.
func (fx *fixer) adjust(off uint64) {
	if fx.err != nil {
		return
	}
	buf := make([]byte, fx.word)
	if _, fx.err = fx.file.ReadAt(buf, int64(off)); fx.err != nil {
		return
	}
	if fx.word == 8 {
		le.PutUint64(buf, le.Uint64(buf)+fx.delta)
	} else {
		le.PutUint32(buf, le.Uint32(buf)+uint32(fx.delta))
	}
	_, fx.err = fx.file.WriteAt(buf, int64(off))
}

func (fx *fixer) symbols(s *elf.Section, is64 bool) {
	entsize := uint64(elf.Sym32Size)
	shndxAt, valueAt := uint64(14), uint64(4)
	if is64 {
		entsize, shndxAt, valueAt = elf.Sym64Size, 6, 8
	}
	shndx := make([]byte, 2)
	for at := s.Offset + entsize; at+entsize <= s.Offset+s.Size; at += entsize {
		if fx.err != nil {
			return
		}
		if _, fx.err = fx.file.ReadAt(shndx, int64(at+shndxAt)); fx.err != nil {
			return
		}
		idx := elf.SectionIndex(le.Uint16(shndx))
		if idx == elf.SHN_UNDEF || idx >= elf.SHN_LORESERVE {
			continue
		}
		fx.adjust(at + valueAt)
	}
}

func (fx *fixer) dynamic(s *elf.Section) {
	entsize := uint64(2 * fx.word)
	tag := make([]byte, fx.word)
	for at := s.Offset; at+entsize <= s.Offset+s.Size; at += entsize {
		if fx.err != nil {
			return
		}
		if _, fx.err = fx.file.ReadAt(tag, int64(at)); fx.err != nil {
			return
		}
		var t elf.DynTag
		if fx.word == 8 {
			t = elf.DynTag(le.Uint64(tag))
		} else {
			t = elf.DynTag(le.Uint32(tag))
		}
		switch t {
		case elf.DT_NULL:
			return
		case elf.DT_HASH, elf.DT_STRTAB, elf.DT_SYMTAB, elf.DT_GNU_HASH, elf.DT_PLTGOT,
			elf.DT_RELA, elf.DT_REL, elf.DT_JMPREL, elf.DT_INIT, elf.DT_FINI:
			fx.adjust(at + uint64(fx.word))
		}
	}
}
