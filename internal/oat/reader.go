package oat

import (
	"bytes"
	"debug/elf"
	"hash/adler32"
	"os"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// File is an oat file read back from its ELF container.
type File struct {
	Header   *Header
	DexFiles []*DexFile
	// Begin is the address of the oat data.
	Begin uint64

	rodata []byte
	text   []byte
}

// DexFile is a dex file embedded in an oat file.
type DexFile struct {
	Location string
	Checksum uint32
	File     *dex.File
	Classes  []Class
}

// Class is the oat record of a class definition.
type Class struct {
	Status mirror.ClassStatus
	Type   ClassType
	// MethodOffsets holds an entry offset per method in class data order,
	// zero for methods without code.
	MethodOffsets []uint32
}

// MethodHeader precedes the code of every method.
type MethodHeader struct {
	VmapTableOffset uint32
	FrameSize       uint32
	CoreSpillMask   uint32
	FpSpillMask     uint32
	CodeSize        uint32
}

// Open reads the oat file at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "oat")
	}
	f, err := Parse(data)
	return f, errors.Wrapf(err, "%s", path)
}

// Parse decodes an oat file, stripped or not.
func Parse(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "oat")
	}
	defer ef.Close()
	syms, err := ef.DynamicSymbols()
	if err != nil {
		return nil, errors.Wrap(err, "oat: dynamic symbols")
	}
	var begin uint64
	var found bool
	for _, s := range syms {
		if s.Name == rtabi.SymOatData {
			begin, found = s.Value, true
		}
	}
	if !found {
		return nil, errors.Errorf("oat: no %s symbol", rtabi.SymOatData)
	}

	sec := ef.Section(".rodata")
	if sec == nil || sec.Addr != begin {
		return nil, errors.New("oat: .rodata does not start at the oat data")
	}
	f := &File{Begin: begin}
	if f.rodata, err = sec.Data(); err != nil {
		return nil, errors.Wrap(err, "oat: read .rodata")
	}
	if f.Header, err = ParseHeader(f.rodata); err != nil {
		return nil, err
	}
	if m := f.Header.InstructionSet.ElfMachine(); m != ef.Machine {
		return nil, errors.Errorf("oat: header is for %v, ELF machine is %v", f.Header.InstructionSet, ef.Machine)
	}
	if text := ef.Section(".text"); text != nil {
		if text.Addr-begin != uint64(f.Header.ExecutableOffset) {
			return nil, errors.Errorf("oat: .text at %#x, header says %#x", text.Addr-begin, f.Header.ExecutableOffset)
		}
		if f.text, err = text.Data(); err != nil {
			return nil, errors.Wrap(err, "oat: read .text")
		}
	}
	if err := f.parseDexFiles(); err != nil {
		return nil, err
	}
	return f, nil
}

type cursor struct {
	data []byte
	pos  uint32
	err  error
}

func (c *cursor) u32() uint32 {
	if c.err != nil {
		return 0
	}
	if uint64(c.pos)+4 > uint64(len(c.data)) {
		c.err = errors.Errorf("oat: truncated at %#x", c.pos)
		return 0
	}
	v := le.Uint32(c.data[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) u16() uint16 {
	if c.err != nil {
		return 0
	}
	if uint64(c.pos)+2 > uint64(len(c.data)) {
		c.err = errors.Errorf("oat: truncated at %#x", c.pos)
		return 0
	}
	v := le.Uint16(c.data[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) bytes(n uint32) []byte {
	if c.err != nil {
		return nil
	}
	if uint64(c.pos)+uint64(n) > uint64(len(c.data)) {
		c.err = errors.Errorf("oat: %d bytes at %#x overrun the oat data", n, c.pos)
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (f *File) parseDexFiles() error {
	c := &cursor{data: f.rodata, pos: uint32(f.Header.Size())}
	for i := uint32(0); i < f.Header.DexFileCount; i++ {
		location := string(c.bytes(c.u32()))
		checksum := c.u32()
		offset := c.u32()
		classOffsets := c.u32()
		if c.err != nil {
			return c.err
		}
		if uint64(offset)+dex.HeaderSize > uint64(len(f.rodata)) {
			return errors.Errorf("oat: dex file %s at %#x is out of range", location, offset)
		}
		size := le.Uint32(f.rodata[offset+32:])
		data := (&cursor{data: f.rodata, pos: offset}).bytes(size)
		if data == nil {
			return errors.Errorf("oat: dex file %s overruns the oat data", location)
		}
		df, err := dex.Parse(location, data, true)
		if err != nil {
			return err
		}
		if df.Header.Checksum != checksum {
			return errors.Errorf("oat: dex file %s checksum %#x, recorded %#x", location, df.Header.Checksum, checksum)
		}
		d := &DexFile{Location: location, Checksum: checksum, File: df}
		if err := f.parseClasses(d, classOffsets); err != nil {
			return err
		}
		f.DexFiles = append(f.DexFiles, d)
	}
	return nil
}

func (f *File) parseClasses(d *DexFile, classOffsets uint32) error {
	offsets := &cursor{data: f.rodata, pos: classOffsets}
	d.Classes = make([]Class, d.File.NumClassDefs())
	for i := range d.Classes {
		cd, err := d.File.ClassData(d.File.ClassDef(i))
		if err != nil {
			return err
		}
		n := cd.NumMethods()
		c := &cursor{data: f.rodata, pos: offsets.u32()}
		k := Class{
			Status:        mirror.ClassStatus(int16(c.u16())),
			Type:          ClassType(c.u16()),
			MethodOffsets: make([]uint32, n),
		}
		switch k.Type {
		case AllCompiled:
			for j := range k.MethodOffsets {
				k.MethodOffsets[j] = c.u32()
			}
		case SomeCompiled:
			bitmap := c.bytes(c.u32())
			for j := range k.MethodOffsets {
				if j/8 < len(bitmap) && bitmap[j/8]&(1<<(j%8)) != 0 {
					k.MethodOffsets[j] = c.u32()
				}
			}
		case NoneCompiled:
		default:
			return errors.Errorf("oat: %s class %d has type %d", d.Location, i, k.Type)
		}
		if offsets.err != nil {
			return offsets.err
		}
		if c.err != nil {
			return c.err
		}
		d.Classes[i] = k
	}
	return nil
}

// Method returns the header and code of the method whose entry offset is
// entry.
func (f *File) Method(entry uint32) (MethodHeader, []byte, error) {
	code := entry - f.Header.InstructionSet.CodeDelta()
	exec := f.Header.ExecutableOffset
	if code < exec+MethodHeaderSize || code > exec+uint32(len(f.text)) {
		return MethodHeader{}, nil, errors.Errorf("oat: entry %#x is outside the code", entry)
	}
	c := &cursor{data: f.text, pos: code - exec - MethodHeaderSize}
	h := MethodHeader{
		VmapTableOffset: c.u32(),
		FrameSize:       c.u32(),
		CoreSpillMask:   c.u32(),
		FpSpillMask:     c.u32(),
		CodeSize:        c.u32(),
	}
	b := c.bytes(h.CodeSize)
	return h, b, c.err
}

// Code returns the text bytes at entry offset entry, without method
// header. Trampolines are read this way.
func (f *File) Code(entry uint32, n int) ([]byte, error) {
	c := &cursor{data: f.text, pos: entry - f.Header.InstructionSet.CodeDelta() - f.Header.ExecutableOffset}
	b := c.bytes(uint32(n))
	return b, c.err
}

// TextSize returns the size of the code.
func (f *File) TextSize() int { return len(f.text) }

// VerifyChecksum recomputes the header checksum.
func (f *File) VerifyChecksum() error {
	sum := adler32.New()
	sum.Write(f.rodata[f.Header.Size():])
	sum.Write(f.text)
	if got := sum.Sum32(); got != f.Header.Checksum {
		return errors.Errorf("oat: checksum %#x, header says %#x", got, f.Header.Checksum)
	}
	return nil
}
