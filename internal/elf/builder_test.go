package elf

import (
	"bytes"
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/ulikunitz/xz"

	"github.com/you-not-fish/dex2oat/internal/isa"
)

type built struct {
	path   string
	rodata []byte
	text   []byte
}

func build(c *qt.C, s isa.InstructionSet, withSymbols bool) built {
	path := filepath.Join(c.TempDir(), "x.oat")
	out, err := os.Create(path)
	c.Assert(err, qt.IsNil)
	defer out.Close()

	rodata := bytes.Repeat([]byte{0xaa}, 0x20)
	text := bytes.Repeat([]byte{0x90}, 0x10)
	b := NewBuilder(s, out)
	// Rodata can be written before the layout is known.
	b.Rodata.Seek(4, 0)
	b.Rodata.Write(rodata[4:])
	b.PrepareDynamicSection("x.oat", uint64(len(rodata)), uint64(len(text)), 8)
	b.Rodata.Seek(0, 0)
	b.Rodata.Write(rodata[:4])
	b.Text.Write(text)
	b.WriteDynamicSection()
	if withSymbols {
		b.AddSymbol(Symbol{Name: "void Foo.bar()", Section: b.Text, Value: 0, Size: 8, Type: elf.STT_FUNC})
		b.AddSymbol(Symbol{Name: "void Foo.baz()", Section: b.Text, Value: 8, Size: 8, Type: elf.STT_FUNC})
	}
	c.Assert(b.End(), qt.IsNil)
	c.Assert(b.LoadedSize(), qt.Equals, uint64(0x5000))
	return built{path: path, rodata: rodata, text: text}
}

func dynamicSymbols(c *qt.C, f *elf.File) map[string]elf.Symbol {
	syms, err := f.DynamicSymbols()
	c.Assert(err, qt.IsNil)
	m := map[string]elf.Symbol{}
	for _, s := range syms {
		m[s.Name] = s
	}
	return m
}

func TestBuilder64(t *testing.T) {
	c := qt.New(t)
	out := build(c, isa.X86_64, true)

	f, err := elf.Open(out.path)
	c.Assert(err, qt.IsNil)
	defer f.Close()
	c.Assert(f.Class, qt.Equals, elf.ELFCLASS64)
	c.Assert(f.Type, qt.Equals, elf.ET_DYN)
	c.Assert(f.Machine, qt.Equals, elf.EM_X86_64)

	var names []string
	for _, s := range f.Sections[1:] {
		names = append(names, s.Name)
	}
	c.Assert(names, qt.DeepEquals, []string{
		".rodata", ".text", ".bss", ".dynstr", ".dynsym", ".hash", ".dynamic", ".symtab", ".strtab", ".shstrtab",
	})

	rodata, err := f.Section(".rodata").Data()
	c.Assert(err, qt.IsNil)
	c.Assert(rodata, qt.DeepEquals, out.rodata)
	text, err := f.Section(".text").Data()
	c.Assert(err, qt.IsNil)
	c.Assert(text, qt.DeepEquals, out.text)
	c.Assert(f.Section(".text").Addr, qt.Equals, uint64(0x2000))
	c.Assert(f.Section(".bss").Addr, qt.Equals, uint64(0x3000))

	syms := dynamicSymbols(c, f)
	c.Assert(syms["oatdata"].Value, qt.Equals, uint64(0x1000))
	c.Assert(syms["oatdata"].Size, qt.Equals, uint64(0x20))
	c.Assert(syms["oatexec"].Value, qt.Equals, uint64(0x2000))
	c.Assert(syms["oatlastword"].Value, qt.Equals, uint64(0x200c))
	c.Assert(syms["oatbss"].Value, qt.Equals, uint64(0x3000))
	c.Assert(syms["oatbsslastword"].Value, qt.Equals, uint64(0x3004))

	soname, err := f.DynString(elf.DT_SONAME)
	c.Assert(err, qt.IsNil)
	c.Assert(soname, qt.DeepEquals, []string{"x.oat"})

	symtab, err := f.Symbols()
	c.Assert(err, qt.IsNil)
	c.Assert(symtab, qt.HasLen, 2)
	c.Assert(symtab[1].Name, qt.Equals, "void Foo.baz()")
	c.Assert(symtab[1].Value, qt.Equals, uint64(0x2008))

	var loads int
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			loads++
			c.Assert(p.Vaddr%PageSize, qt.Equals, p.Off%PageSize)
		}
	}
	c.Assert(loads, qt.Equals, 4)
}

func TestBuilder32(t *testing.T) {
	c := qt.New(t)
	out := build(c, isa.Thumb2, false)

	f, err := elf.Open(out.path)
	c.Assert(err, qt.IsNil)
	defer f.Close()
	c.Assert(f.Class, qt.Equals, elf.ELFCLASS32)
	c.Assert(f.Machine, qt.Equals, elf.EM_ARM)
	c.Assert(f.Section(".symtab"), qt.IsNil)
	c.Assert(dynamicSymbols(c, f)["oatexec"].Value, qt.Equals, uint64(0x2000))
}

func TestHashChainsReachEverySymbol(t *testing.T) {
	c := qt.New(t)
	names := []string{"", "oatdata", "oatexec", "oatlastword", "oatbss", "oatbsslastword"}
	h := buildHash(names)
	nbucket := le.Uint32(h)
	c.Assert(le.Uint32(h[4:]), qt.Equals, uint32(len(names)))
	bucket := func(i uint32) uint32 { return le.Uint32(h[8+4*i:]) }
	chain := func(i uint32) uint32 { return le.Uint32(h[8+4*nbucket+4*i:]) }
	for want := 1; want < len(names); want++ {
		found := false
		for i := bucket(elfHash(names[want]) % nbucket); i != 0; i = chain(i) {
			if i == uint32(want) {
				found = true
			}
		}
		c.Assert(found, qt.IsTrue, qt.Commentf("%s", names[want]))
	}
}

func TestStrip(t *testing.T) {
	c := qt.New(t)
	out := build(c, isa.Arm64, true)
	data, err := os.ReadFile(out.path)
	c.Assert(err, qt.IsNil)

	stripped, err := Strip(data)
	c.Assert(err, qt.IsNil)
	c.Assert(len(stripped) < len(data), qt.IsTrue)

	f, err := elf.NewFile(bytes.NewReader(stripped))
	c.Assert(err, qt.IsNil)
	c.Assert(f.Section(".symtab"), qt.IsNil)
	c.Assert(f.Section(".strtab"), qt.IsNil)
	_, err = f.Symbols()
	c.Assert(err, qt.Not(qt.IsNil))
	text, err := f.Section(".text").Data()
	c.Assert(err, qt.IsNil)
	c.Assert(text, qt.DeepEquals, out.text)
	c.Assert(dynamicSymbols(c, f)["oatdata"].Value, qt.Equals, uint64(0x1000))
	soname, err := f.DynString(elf.DT_SONAME)
	c.Assert(err, qt.IsNil)
	c.Assert(soname, qt.DeepEquals, []string{"x.oat"})
}

func TestFixup(t *testing.T) {
	c := qt.New(t)
	for _, s := range []isa.InstructionSet{isa.X86_64, isa.X86} {
		out := build(c, s, true)
		file, err := os.OpenFile(out.path, os.O_RDWR, 0)
		c.Assert(err, qt.IsNil)
		const delta = 0x70000000
		c.Assert(Fixup(file, delta), qt.IsNil)
		c.Assert(file.Close(), qt.IsNil)

		f, err := elf.Open(out.path)
		c.Assert(err, qt.IsNil)
		c.Assert(dynamicSymbols(c, f)["oatdata"].Value, qt.Equals, uint64(delta+0x1000))
		c.Assert(f.Section(".text").Addr, qt.Equals, uint64(delta+0x2000))
		c.Assert(f.Section(".symtab").Addr, qt.Equals, uint64(0))
		symtab, err := f.Symbols()
		c.Assert(err, qt.IsNil)
		c.Assert(symtab[0].Value, qt.Equals, uint64(delta+0x2000))
		for _, p := range f.Progs {
			if p.Type == elf.PT_LOAD && p.Off == 0 {
				c.Assert(p.Vaddr, qt.Equals, uint64(delta))
			}
		}
		// The dynamic linker still finds its tables.
		soname, err := f.DynString(elf.DT_SONAME)
		c.Assert(err, qt.IsNil)
		c.Assert(soname, qt.DeepEquals, []string{"x.oat"})
		f.Close()
	}
}

func TestMiniDebugInfo(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "x.oat")
	out, err := os.Create(path)
	c.Assert(err, qt.IsNil)
	b := NewBuilder(isa.Arm64, out)
	b.Symtab, b.MiniDebugInfo = false, true
	b.PrepareDynamicSection("x.oat", 0x20, 0x10, 0)
	b.Rodata.Write(make([]byte, 0x20))
	b.Text.Write(make([]byte, 0x10))
	b.WriteDynamicSection()
	b.AddSymbol(Symbol{Name: "void Foo.bar()", Section: b.Text, Size: 0x10, Type: elf.STT_FUNC})
	c.Assert(b.End(), qt.IsNil)
	c.Assert(out.Close(), qt.IsNil)

	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	stripped, err := Strip(data)
	c.Assert(err, qt.IsNil)
	f, err := elf.NewFile(bytes.NewReader(stripped))
	c.Assert(err, qt.IsNil)
	c.Assert(f.Section(".symtab"), qt.IsNil)
	sec := f.Section(".gnu_debugdata")
	c.Assert(sec, qt.Not(qt.IsNil))
	compressed, err := sec.Data()
	c.Assert(err, qt.IsNil)

	r, err := xz.NewReader(bytes.NewReader(compressed))
	c.Assert(err, qt.IsNil)
	raw, err := io.ReadAll(r)
	c.Assert(err, qt.IsNil)
	mini, err := elf.NewFile(bytes.NewReader(raw))
	c.Assert(err, qt.IsNil)
	c.Assert(mini.Machine, qt.Equals, elf.EM_AARCH64)
	syms, err := mini.Symbols()
	c.Assert(err, qt.IsNil)
	c.Assert(syms, qt.HasLen, 1)
	c.Assert(syms[0].Name, qt.Equals, "void Foo.bar()")
	c.Assert(syms[0].Value, qt.Equals, uint64(0x2000))
	c.Assert(syms[0].Section, qt.Equals, elf.SectionIndex(1))
}
