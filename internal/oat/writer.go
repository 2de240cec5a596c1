package oat

import (
	"bytes"
	"debug/elf"
	"hash/adler32"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/dex"
	oatelf "github.com/you-not-fish/dex2oat/internal/elf"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/linker"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// MethodHeaderSize is the size of the header in front of each method's
// code: vmap table offset, frame size, core and fp spill masks, code size.
const MethodHeaderSize = 20

const bssEntrySize = 4

// ClassType says which methods of a class have code.
type ClassType uint16

const (
	AllCompiled ClassType = iota
	SomeCompiled
	NoneCompiled
)

// Compilation is what the writer needs from the compiler driver.
type Compilation interface {
	// CompiledMethod returns nil for methods without code.
	CompiledMethod(ref compiler.MethodReference) *compiler.CompiledMethod
	ClassStatus(f *dex.File, classDefIndex int) mirror.ClassStatus
	// IsNative reports whether ref is a native method. Calls to native
	// methods without code go through the generic JNI trampoline.
	IsNative(ref compiler.MethodReference) bool
}

// ImageAddresses resolves the image objects compiled code refers to.
type ImageAddresses interface {
	MethodAddress(ref compiler.MethodReference) (uint32, bool)
	TypeAddress(f *dex.File, typeIdx uint32) (uint32, bool)
	StringAddress(f *dex.File, stringIdx uint32) (uint32, bool)
}

// Output is the destination of an oat file. Written contents are read
// back to reopen the dex files and to checksum the file.
type Output interface {
	io.WriteSeeker
	io.ReaderAt
}

// Config describes the oat file to write.
type Config struct {
	ISA      isa.InstructionSet
	Features isa.Features
	// KeyValueStore is copied into the header by WriteDexFiles.
	KeyValueStore map[string]string
	// IsBootImage puts the runtime trampolines at the start of the code.
	IsBootImage bool
	// NativeDebuggable turns off code dedupe so every method has its own
	// code and symbol.
	NativeDebuggable bool
	MiniDebugInfo    bool

	Log *zap.SugaredLogger
}

type oatDexFile struct {
	location string
	source   []byte
	checksum uint32
	// offset and classOffsetsOffset are relative to the oat data.
	offset             uint32
	classOffsetsOffset uint32
	file               *dex.File
	classes            []*oatClass
}

type oatClass struct {
	status  mirror.ClassStatus
	typ     ClassType
	bitmap  []byte
	methods []*oatMethod
	offset  uint32
}

func (c *oatClass) size() uint32 {
	n := uint32(4 + 4*len(c.methods))
	if c.typ == SomeCompiled {
		n += 4 + uint32(len(c.bitmap))
	}
	return n
}

type oatMethod struct {
	ref  compiler.MethodReference
	code *compiler.CompiledMethod
	// codeOffset is where the code starts, relative to the oat data and
	// without the instruction set's code delta.
	codeOffset uint32
	vmapOffset uint32
	deduped    bool
}

type bssKey struct {
	kind  compiler.PatchKind
	file  *dex.File
	index uint32
}

// Writer writes one oat file. Its methods are called in this order:
// AddDexFile for every input, WriteDexFiles, PrepareLayout,
// PrepareDynamicSection, SetOatDataBegin, WriteRodata, WriteCode,
// WriteHeader and End.
type Writer struct {
	cfg  Config
	log  *zap.SugaredLogger
	out  Output
	b    *oatelf.Builder
	name string

	header   Header
	dexFiles []*oatDexFile
	methods  []*oatMethod
	offsets  map[compiler.MethodReference]uint32
	bss      map[bssKey]uint32
	patcher  *linker.MultiOatRelativePatcher

	trampolines [NumTrampolines][]byte
	vmapTables  [][]byte

	dexEnd       uint32
	rodataSize   uint32
	textSize     uint32
	bssOffset    uint32
	oatDataBegin uint32
}

// NewWriter returns a writer of an oat file named name to out.
func NewWriter(cfg Config, name string, out Output) *Writer {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := oatelf.NewBuilder(cfg.ISA, out)
	b.MiniDebugInfo = cfg.MiniDebugInfo
	return &Writer{
		cfg:     cfg,
		log:     log,
		out:     out,
		b:       b,
		name:    name,
		header:  Header{InstructionSet: cfg.ISA, Features: cfg.Features},
		offsets: map[compiler.MethodReference]uint32{},
		bss:     map[bssKey]uint32{},
	}
}

// Name returns the name the file was created with.
func (w *Writer) Name() string { return w.name }

// AddDexFile queues the contents of a dex file to be copied into the oat
// data under location.
func (w *Writer) AddDexFile(location string, data []byte) error {
	if len(data) < dex.HeaderSize {
		return errors.Errorf("oat: dex file %s is truncated", location)
	}
	w.dexFiles = append(w.dexFiles, &oatDexFile{
		location: location,
		source:   data,
		checksum: le.Uint32(data[8:]),
	})
	return nil
}

// WriteDexFiles copies the queued dex files into the oat data and opens
// them again from there. The returned files are the ones later stages
// compile, so method references carry their final location.
func (w *Writer) WriteDexFiles() ([]*dex.File, error) {
	w.header.KeyValueStore = make(map[string]string, len(w.cfg.KeyValueStore))
	for k, v := range w.cfg.KeyValueStore {
		w.header.KeyValueStore[k] = v
	}
	w.header.DexFileCount = uint32(len(w.dexFiles))

	off := uint32(w.header.Size())
	for _, d := range w.dexFiles {
		off += 4 + uint32(len(d.location)) + 3*4
	}
	for _, d := range w.dexFiles {
		off = base.RoundUp(off, 4)
		d.offset = off
		off += uint32(len(d.source))
	}
	w.dexEnd = off

	for _, d := range w.dexFiles {
		w.b.Rodata.Seek(int64(d.offset), io.SeekStart)
		w.b.Rodata.Write(d.source)
	}
	if err := w.b.Err(); err != nil {
		return nil, err
	}

	files := make([]*dex.File, 0, len(w.dexFiles))
	for _, d := range w.dexFiles {
		data := make([]byte, len(d.source))
		if _, err := w.out.ReadAt(data, int64(w.b.Rodata.Offset())+int64(d.offset)); err != nil {
			return nil, errors.Wrapf(err, "oat: reopen %s", d.location)
		}
		f, err := dex.Parse(d.location, data, true)
		if err != nil {
			return nil, err
		}
		d.file, d.source = f, nil
		files = append(files, f)
	}
	return files, nil
}

// DexFiles returns the dex files as reopened from the oat data.
func (w *Writer) DexFiles() []*dex.File {
	files := make([]*dex.File, len(w.dexFiles))
	for i, d := range w.dexFiles {
		files[i] = d.file
	}
	return files
}

// PrepareLayout places every table of the rodata and every method of the
// text. The patcher must already be positioned on this file with
// StartOatFile.
func (w *Writer) PrepareLayout(c Compilation, patcher *linker.MultiOatRelativePatcher) error {
	w.patcher = patcher
	if err := w.collectClasses(c); err != nil {
		return err
	}

	off := base.RoundUp(w.dexEnd, 4)
	for _, d := range w.dexFiles {
		d.classOffsetsOffset = off
		off += 4 * uint32(len(d.classes))
	}
	for _, d := range w.dexFiles {
		for _, k := range d.classes {
			k.offset = off
			off += k.size()
		}
	}

	vmaps := map[string]uint32{}
	for _, m := range w.methods {
		if len(m.code.VmapTable) == 0 {
			continue
		}
		at, ok := vmaps[string(m.code.VmapTable)]
		if !ok {
			at = off
			vmaps[string(m.code.VmapTable)] = at
			w.vmapTables = append(w.vmapTables, m.code.VmapTable)
			off += uint32(len(m.code.VmapTable))
		}
		m.vmapOffset = at
	}
	w.rodataSize = off
	w.header.ExecutableOffset = base.RoundUp(w.rodataSize, oatelf.PageSize)

	if err := w.layoutCode(); err != nil {
		return err
	}
	w.bssOffset = base.RoundUp(w.header.ExecutableOffset+w.textSize, oatelf.PageSize)
	w.log.Debugw("laid out oat file", "file", w.name, "rodata", w.rodataSize, "text", w.textSize,
		"bss", w.bssSize(), "methods", len(w.methods))
	return nil
}

func (w *Writer) collectClasses(c Compilation) error {
	for _, d := range w.dexFiles {
		f := d.file
		d.classes = make([]*oatClass, f.NumClassDefs())
		for i := range d.classes {
			def := f.ClassDef(i)
			data, err := f.ClassData(def)
			if err != nil {
				return err
			}
			k := &oatClass{status: c.ClassStatus(f, i)}
			all := append(append([]dex.EncodedMethod(nil), data.DirectMethods...), data.VirtualMethods...)
			bitmap := make([]byte, base.RoundUp(len(all), 32)/8)
			for j, em := range all {
				ref := compiler.MethodReference{DexFile: f, Index: em.MethodIdx}
				code := c.CompiledMethod(ref)
				if code == nil {
					continue
				}
				bitmap[j/8] |= 1 << (j % 8)
				m := &oatMethod{ref: ref, code: code}
				k.methods = append(k.methods, m)
				w.methods = append(w.methods, m)
				w.collectBssEntries(code)
			}
			switch {
			case len(k.methods) == 0:
				k.typ = NoneCompiled
			case len(k.methods) == len(all):
				k.typ = AllCompiled
			default:
				k.typ, k.bitmap = SomeCompiled, bitmap
			}
			d.classes[i] = k
		}
	}
	return nil
}

func (w *Writer) collectBssEntries(code *compiler.CompiledMethod) {
	for _, p := range code.Patches {
		if p.Kind != compiler.PatchTypeBssEntry && p.Kind != compiler.PatchStringBssEntry {
			continue
		}
		key := bssKey{kind: p.Kind, file: p.DexFile, index: p.Index}
		if _, ok := w.bss[key]; !ok {
			w.bss[key] = uint32(len(w.bss)) * bssEntrySize
		}
	}
}

func (w *Writer) bssSize() uint32 { return uint32(len(w.bss)) * bssEntrySize }

func (w *Writer) layoutCode() error {
	align := w.cfg.ISA.CodeAlignment()
	delta := w.cfg.ISA.CodeDelta()
	off := w.header.ExecutableOffset
	if w.cfg.IsBootImage {
		for t := Trampoline(0); t < NumTrampolines; t++ {
			code, err := compiler.Trampoline(w.cfg.ISA, t.Entrypoint())
			if err != nil {
				return errors.Wrapf(err, "oat: %v", t)
			}
			off = base.RoundUp(off, align)
			w.header.Trampolines[t] = off + delta
			w.trampolines[t] = code
			off += uint32(len(code))
		}
	}

	dedupe := map[string]*oatMethod{}
	for _, m := range w.methods {
		var key string
		if !w.cfg.NativeDebuggable {
			key = m.code.DedupeKey()
			if first, ok := dedupe[key]; ok {
				m.codeOffset, m.deduped = first.codeOffset, true
				w.setOffset(m)
				continue
			}
		}
		off = w.patcher.ReserveSpace(off, m.code)
		off = base.RoundUp(off+MethodHeaderSize, align)
		m.codeOffset = off
		off += uint32(len(m.code.Code))
		if key != "" {
			dedupe[key] = m
		}
		w.setOffset(m)
	}
	off = w.patcher.ReserveSpaceEnd(off)
	w.textSize = off - w.header.ExecutableOffset
	return nil
}

func (w *Writer) setOffset(m *oatMethod) {
	entry := m.codeOffset + m.code.CodeDelta()
	w.offsets[m.ref] = entry
	w.patcher.SetOffset(m.ref, entry)
}

// RodataSize, TextSize and BssSize are valid after PrepareLayout.
func (w *Writer) RodataSize() uint32 { return w.rodataSize }
func (w *Writer) TextSize() uint32   { return w.textSize }
func (w *Writer) BssSize() uint32    { return w.bssSize() }

// MethodOffset returns the entry point of ref's code relative to the oat
// data.
func (w *Writer) MethodOffset(ref compiler.MethodReference) (uint32, bool) {
	off, ok := w.offsets[ref]
	return off, ok
}

// TrampolineOffset returns the entry of a trampoline relative to the oat
// data, or zero when the file has none.
func (w *Writer) TrampolineOffset(t Trampoline) uint32 { return w.header.Trampolines[t] }

// PrepareDynamicSection fixes the ELF layout. soname is the file's name
// for the dynamic linker.
func (w *Writer) PrepareDynamicSection(soname string) {
	w.b.PrepareDynamicSection(soname, uint64(w.rodataSize), uint64(w.textSize), uint64(w.bssSize()))
}

// LoadedSize returns the size of the address range the file occupies when
// loaded.
func (w *Writer) LoadedSize() uint32 { return uint32(w.b.LoadedSize()) }

// OatDataOffset returns where the oat data starts in the loaded file.
func (w *Writer) OatDataOffset() uint32 { return uint32(w.b.Rodata.Addr()) }

// SetOatDataBegin records the address the oat data is loaded at.
func (w *Writer) SetOatDataBegin(addr uint32) { w.oatDataBegin = addr }

// SetImageFileLocation records the image the file was compiled against.
func (w *Writer) SetImageFileLocation(oatChecksum, oatDataBegin uint32, patchDelta int32) {
	w.header.ImageFileLocationOatChecksum = oatChecksum
	w.header.ImageFileLocationOatDataBegin = oatDataBegin
	w.header.ImagePatchDelta = patchDelta
}

// WriteRodata writes the dex file records, the class tables and the vmap
// tables. The header is written by WriteHeader.
func (w *Writer) WriteRodata() error {
	var records []byte
	for _, d := range w.dexFiles {
		records = le.AppendUint32(records, uint32(len(d.location)))
		records = append(records, d.location...)
		records = le.AppendUint32(records, d.checksum)
		records = le.AppendUint32(records, d.offset)
		records = le.AppendUint32(records, d.classOffsetsOffset)
	}
	w.b.Rodata.Seek(int64(w.header.Size()), io.SeekStart)
	w.b.Rodata.Write(records)

	tables := make([]byte, 0, w.rodataSize-w.classOffsetsStart())
	for _, d := range w.dexFiles {
		for _, k := range d.classes {
			tables = le.AppendUint32(tables, k.offset)
		}
	}
	for _, d := range w.dexFiles {
		for _, k := range d.classes {
			tables = le.AppendUint16(tables, uint16(int16(k.status)))
			tables = le.AppendUint16(tables, uint16(k.typ))
			if k.typ == SomeCompiled {
				tables = le.AppendUint32(tables, uint32(len(k.bitmap)))
				tables = append(tables, k.bitmap...)
			}
			for _, m := range k.methods {
				tables = le.AppendUint32(tables, m.codeOffset+m.code.CodeDelta())
			}
		}
	}
	for _, v := range w.vmapTables {
		tables = append(tables, v...)
	}
	w.b.Rodata.Seek(int64(w.classOffsetsStart()), io.SeekStart)
	w.b.Rodata.Write(tables)
	return w.b.Err()
}

func (w *Writer) classOffsetsStart() uint32 { return base.RoundUp(w.dexEnd, 4) }

// WriteCode writes the trampolines and the methods, resolving their
// patches. img may be nil when no image is written.
func (w *Writer) WriteCode(c Compilation, img ImageAddresses) error {
	var text bytes.Buffer
	pos := w.header.ExecutableOffset
	padTo := func(to uint32) {
		base.Check(to >= pos, "oat: text position %#x is past %#x", pos, to)
		text.Write(make([]byte, to-pos))
		pos = to
	}
	delta := w.cfg.ISA.CodeDelta()
	for t, code := range w.trampolines {
		if code == nil {
			continue
		}
		padTo(w.header.Trampolines[t] - delta)
		text.Write(code)
		pos += uint32(len(code))
	}

	var err error
	for _, m := range w.methods {
		if m.deduped {
			continue
		}
		if pos, err = w.patcher.WriteThunks(&text, pos); err != nil {
			return errors.Wrap(err, "oat")
		}
		padTo(m.codeOffset - MethodHeaderSize)
		text.Write(w.methodHeader(m))
		code := append([]byte(nil), m.code.Code...)
		if err := w.patch(code, m, c, img); err != nil {
			return err
		}
		text.Write(code)
		pos += uint32(len(code))
	}
	if pos, err = w.patcher.WriteThunks(&text, pos); err != nil {
		return errors.Wrap(err, "oat")
	}
	padTo(w.header.ExecutableOffset + w.textSize)
	base.Check(uint32(text.Len()) == w.textSize, "oat: wrote %d bytes of text, laid out %d", text.Len(), w.textSize)

	w.b.Text.Seek(0, io.SeekStart)
	w.b.Text.Write(text.Bytes())
	return w.b.Err()
}

func (w *Writer) methodHeader(m *oatMethod) []byte {
	var vmap uint32
	if m.vmapOffset != 0 {
		vmap = m.codeOffset - m.vmapOffset
	}
	h := make([]byte, 0, MethodHeaderSize)
	h = le.AppendUint32(h, vmap)
	h = le.AppendUint32(h, m.code.FrameSize)
	h = le.AppendUint32(h, m.code.CoreSpillMask)
	h = le.AppendUint32(h, m.code.FpSpillMask)
	return le.AppendUint32(h, uint32(len(m.code.Code)))
}

func (w *Writer) patch(code []byte, m *oatMethod, c Compilation, img ImageAddresses) error {
	for _, p := range m.code.Patches {
		at := m.codeOffset + p.LiteralOffset
		switch p.Kind {
		case compiler.PatchCallRelative:
			target, err := w.callTarget(p.Target, c)
			if err != nil {
				return errors.Wrapf(err, "oat: %v", m.ref)
			}
			w.patcher.PatchCall(code, p.LiteralOffset, at, target)
		case compiler.PatchMethod, compiler.PatchType, compiler.PatchString:
			addr, err := w.imageAddress(p, img)
			if err != nil {
				return errors.Wrapf(err, "oat: %v", m.ref)
			}
			le.PutUint32(code[p.LiteralOffset:], addr)
		case compiler.PatchTypeRelative, compiler.PatchStringRelative:
			addr, err := w.imageAddress(p, img)
			if err != nil {
				return errors.Wrapf(err, "oat: %v", m.ref)
			}
			w.patcher.PatchPcRelativeReference(code, p, at, addr-w.oatDataBegin)
		case compiler.PatchTypeBssEntry, compiler.PatchStringBssEntry:
			slot := w.bss[bssKey{kind: p.Kind, file: p.DexFile, index: p.Index}]
			w.patcher.PatchPcRelativeReference(code, p, at, w.bssOffset+slot)
		default:
			base.Fatalf("oat: unknown patch %v", p)
		}
	}
	return nil
}

// callTarget returns where a call to ref lands. Methods without code are
// reached through the bridges at the start of a boot oat file.
func (w *Writer) callTarget(ref compiler.MethodReference, c Compilation) (uint32, error) {
	if off, ok := w.patcher.GetOffset(ref); ok {
		return off, nil
	}
	if !w.cfg.IsBootImage {
		return 0, errors.Errorf("call to %v, which has no code", ref)
	}
	if c.IsNative(ref) {
		return w.header.Trampolines[QuickGenericJniTrampoline], nil
	}
	return w.header.Trampolines[QuickToInterpreterBridge], nil
}

func (w *Writer) imageAddress(p compiler.LinkerPatch, img ImageAddresses) (uint32, error) {
	if img == nil {
		return 0, errors.Errorf("%v needs an image", p)
	}
	var addr uint32
	var ok bool
	switch p.Kind {
	case compiler.PatchMethod:
		addr, ok = img.MethodAddress(p.Target)
	case compiler.PatchType, compiler.PatchTypeRelative:
		addr, ok = img.TypeAddress(p.DexFile, p.Index)
	default:
		addr, ok = img.StringAddress(p.DexFile, p.Index)
	}
	if !ok {
		return 0, errors.Errorf("%v is not in the image", p)
	}
	return addr, nil
}

// WriteHeader checksums everything written after the header and writes the
// header.
func (w *Writer) WriteHeader() error {
	headerSize := int64(w.header.Size())
	sum := adler32.New()
	rodata := io.NewSectionReader(w.out, int64(w.b.Rodata.Offset())+headerSize, int64(w.rodataSize)-headerSize)
	if _, err := io.Copy(sum, rodata); err != nil {
		return errors.Wrap(err, "oat: checksum rodata")
	}
	if w.textSize != 0 {
		text := io.NewSectionReader(w.out, int64(w.b.Text.Offset()), int64(w.textSize))
		if _, err := io.Copy(sum, text); err != nil {
			return errors.Wrap(err, "oat: checksum text")
		}
	}
	w.header.Checksum = sum.Sum32()

	data, err := w.header.MarshalBinary()
	if err != nil {
		return err
	}
	w.b.Rodata.Seek(0, io.SeekStart)
	w.b.Rodata.Write(data)
	return w.b.Err()
}

// Header returns the header. Its checksum is valid after WriteHeader.
func (w *Writer) Header() *Header { return &w.header }

// End writes the dynamic linking sections, the method symbols and the
// section headers.
func (w *Writer) End() error {
	w.b.WriteDynamicSection()
	delta := w.cfg.ISA.CodeDelta()
	for _, m := range w.methods {
		name := m.ref.String()
		if m.deduped {
			name += " [DEDUPED]"
		}
		w.b.AddSymbol(oatelf.Symbol{
			Name:    name,
			Section: w.b.Text,
			Value:   uint64(m.codeOffset + delta - w.header.ExecutableOffset),
			Size:    uint64(len(m.code.Code)),
			Type:    elf.STT_FUNC,
		})
	}
	return w.b.End()
}
