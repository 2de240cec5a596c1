package oat

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/dex"
	oatelf "github.com/you-not-fish/dex2oat/internal/elf"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/linker"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

const objectDescriptor = "Ljava/lang/Object;"

func testDex(c *qt.C) []byte {
	var b dex.Builder
	static := dex.AccStatic
	b.AddClass(dex.Class{Descriptor: "LFoo;", Super: objectDescriptor, Flags: dex.AccPublic, Methods: []dex.Method{
		{Name: "hello", Signature: "()Ljava/lang/String;", Flags: static, Code: &dex.Code{
			Registers: 1,
			Insns: []dex.Insn{
				dex.ConstString(0, "hi"),
				dex.Invoke(dex.OpInvokeStatic, dex.MethodRef{Class: "LFoo;", Name: "helper", Signature: "()V"}),
				dex.ReturnObject(0),
			},
		}},
		{Name: "helper", Signature: "()V", Flags: static, Code: &dex.Code{Insns: []dex.Insn{dex.ReturnVoid()}}},
		{Name: "twinA", Signature: "()V", Flags: static, Code: &dex.Code{
			Registers: 1,
			Insns:     []dex.Insn{dex.ConstString(0, "hi"), dex.ReturnVoid()},
		}},
		{Name: "twinB", Signature: "()V", Flags: static, Code: &dex.Code{
			Registers: 1,
			Insns:     []dex.Insn{dex.ConstString(0, "hi"), dex.ReturnVoid()},
		}},
		{Name: "make", Signature: "()V", Flags: static, Code: &dex.Code{
			Registers: 1,
			Insns:     []dex.Insn{dex.NewInstance(0, "LFoo;"), dex.Throw(0)},
		}},
		{Name: "ext", Signature: "()V", Flags: static | dex.AccNative},
		{Name: "callExt", Signature: "()V", Flags: static, Code: &dex.Code{
			Insns: []dex.Insn{
				dex.Invoke(dex.OpInvokeStatic, dex.MethodRef{Class: "LFoo;", Name: "ext", Signature: "()V"}),
				dex.ReturnVoid(),
			},
		}},
	}})
	data, err := b.Build()
	c.Assert(err, qt.IsNil)
	return data
}

// testEnv links calls within the test file. Outside boot images the
// native method is left unlinked unless linkNative is set, as no bridge
// would reach it.
type testEnv struct{ boot, linkNative bool }

func (e testEnv) DirectCallTarget(f *dex.File, idx uint32) (compiler.MethodReference, bool) {
	if !e.boot && !e.linkNative && f.MethodName(idx) == "ext" {
		return compiler.MethodReference{}, false
	}
	return compiler.MethodReference{DexFile: f, Index: idx}, true
}

func (e testEnv) IsImageClass(*dex.File, uint32) bool { return e.boot }

type compilation struct {
	methods map[compiler.MethodReference]*compiler.CompiledMethod
	native  map[compiler.MethodReference]bool
}

func (c *compilation) CompiledMethod(ref compiler.MethodReference) *compiler.CompiledMethod {
	return c.methods[ref]
}

func (c *compilation) ClassStatus(*dex.File, int) mirror.ClassStatus { return mirror.StatusVerified }

func (c *compilation) IsNative(ref compiler.MethodReference) bool { return c.native[ref] }

func compileAll(c *qt.C, files []*dex.File, opts compiler.Options, target isa.InstructionSet, env compiler.Environment) *compilation {
	mc, err := compiler.New(compiler.Optimizing, target, &opts, env, nil)
	c.Assert(err, qt.IsNil)
	out := &compilation{
		methods: map[compiler.MethodReference]*compiler.CompiledMethod{},
		native:  map[compiler.MethodReference]bool{},
	}
	for _, f := range files {
		for i := 0; i < f.NumClassDefs(); i++ {
			cd, err := f.ClassData(f.ClassDef(i))
			c.Assert(err, qt.IsNil)
			for _, em := range append(cd.DirectMethods, cd.VirtualMethods...) {
				ref := compiler.MethodReference{DexFile: f, Index: em.MethodIdx}
				req := compiler.Request{Method: ref, AccessFlags: em.AccessFlags}
				if em.CodeOff != 0 {
					req.Code, err = f.CodeItem(em.CodeOff)
					c.Assert(err, qt.IsNil)
				}
				m, err := mc.Compile(req)
				c.Assert(err, qt.IsNil)
				if m != nil {
					out.methods[ref] = m
				}
				out.native[ref] = em.AccessFlags&dex.AccNative != 0
			}
		}
	}
	return out
}

type fakeImage struct{}

func (fakeImage) MethodAddress(compiler.MethodReference) (uint32, bool) { return 0, false }

func (fakeImage) TypeAddress(_ *dex.File, idx uint32) (uint32, bool) {
	return 0x70000000 + idx*16, true
}

func (fakeImage) StringAddress(_ *dex.File, idx uint32) (uint32, bool) {
	return 0x70100000 + idx*16, true
}

type written struct {
	path    string
	writer  *Writer
	comp    *compilation
	files   []*dex.File
	dexData []byte
}

const oatDataBegin = 0x71001000

func writeOat(c *qt.C, cfg Config, opts compiler.Options, img ImageAddresses) written {
	path := filepath.Join(c.TempDir(), "test.oat")
	out, err := os.Create(path)
	c.Assert(err, qt.IsNil)
	defer out.Close()

	data := testDex(c)
	w := NewWriter(cfg, "test.oat", out)
	c.Assert(w.AddDexFile("test.jar", data), qt.IsNil)
	files, err := w.WriteDexFiles()
	c.Assert(err, qt.IsNil)
	c.Assert(files, qt.HasLen, 1)
	c.Assert(files[0].Bytes(), qt.DeepEquals, data)

	comp := compileAll(c, files, opts, cfg.ISA, testEnv{boot: opts.IsBootImage})
	patcher := linker.NewMultiOatRelativePatcher(cfg.ISA)
	patcher.StartOatFile(0)
	c.Assert(w.PrepareLayout(comp, patcher), qt.IsNil)
	w.PrepareDynamicSection("test.oat")
	w.SetOatDataBegin(oatDataBegin)
	c.Assert(w.WriteRodata(), qt.IsNil)
	c.Assert(w.WriteCode(comp, img), qt.IsNil)
	c.Assert(w.WriteHeader(), qt.IsNil)
	c.Assert(w.End(), qt.IsNil)
	return written{path: path, writer: w, comp: comp, files: files, dexData: data}
}

// methodOffsets maps method names of class 0 to their entry offsets.
func methodOffsets(c *qt.C, d *DexFile) map[string]uint32 {
	cd, err := d.File.ClassData(d.File.ClassDef(0))
	c.Assert(err, qt.IsNil)
	m := map[string]uint32{}
	for i, em := range append(cd.DirectMethods, cd.VirtualMethods...) {
		m[d.File.MethodName(em.MethodIdx)] = d.Classes[0].MethodOffsets[i]
	}
	return m
}

func compiledByName(c *qt.C, w written, name string) *compiler.CompiledMethod {
	f := w.files[0]
	for i := 0; i < f.NumMethodIDs(); i++ {
		if f.MethodName(uint32(i)) == name {
			m := w.comp.methods[compiler.MethodReference{DexFile: f, Index: uint32(i)}]
			c.Assert(m, qt.IsNotNil)
			return m
		}
	}
	c.Fatalf("no method %s", name)
	return nil
}

// displacementTarget returns where an x86-64 rel32 at literal of the code
// placed at entry points to.
func displacementTarget(code []byte, entry, literal uint32) uint32 {
	return entry + literal + 4 + le.Uint32(code[literal:])
}

func appConfig() (Config, compiler.Options) {
	cfg := Config{
		ISA:      isa.X86_64,
		Features: isa.DefaultFeatures(isa.X86_64),
		KeyValueStore: map[string]string{
			rtabi.KeyCompilerFilter: "speed",
			rtabi.KeyPic:            rtabi.ValueTrue,
			rtabi.KeyDex2OatHost:    "Linux",
		},
	}
	return cfg, compiler.DefaultOptions()
}

func TestWriteAppOat(t *testing.T) {
	c := qt.New(t)
	cfg, opts := appConfig()
	w := writeOat(c, cfg, opts, nil)

	f, err := Open(w.path)
	c.Assert(err, qt.IsNil)
	c.Assert(f.Header.InstructionSet, qt.Equals, isa.X86_64)
	c.Assert(f.Header.CompilerFilter(), qt.Equals, "speed")
	c.Assert(f.Header.IsPic(), qt.IsTrue)
	c.Assert(f.Header.Trampolines, qt.Equals, [NumTrampolines]uint32{})
	c.Assert(f.Header.ExecutableOffset%0x1000, qt.Equals, uint32(0))
	c.Assert(f.VerifyChecksum(), qt.IsNil)
	c.Assert(f.Header.Checksum, qt.Equals, w.writer.Header().Checksum)

	c.Assert(f.DexFiles, qt.HasLen, 1)
	d := f.DexFiles[0]
	c.Assert(d.Location, qt.Equals, "test.jar")
	c.Assert(d.File.Bytes(), qt.DeepEquals, w.dexData)
	c.Assert(d.Classes[0].Status, qt.Equals, mirror.StatusVerified)
	c.Assert(d.Classes[0].Type, qt.Equals, SomeCompiled)

	offsets := methodOffsets(c, d)
	c.Assert(offsets["ext"], qt.Equals, uint32(0))
	for _, name := range []string{"hello", "helper", "twinA", "make", "callExt"} {
		m := compiledByName(c, w, name)
		h, code, err := f.Method(offsets[name])
		c.Assert(err, qt.IsNil, qt.Commentf("%s", name))
		c.Assert(h.CodeSize, qt.Equals, uint32(len(m.Code)))
		c.Assert(h.FrameSize, qt.Equals, m.FrameSize)
		c.Assert(base.IsAligned(offsets[name], isa.X86_64.CodeAlignment()), qt.IsTrue)
		// Everything outside the patched words is the compiler's output.
		masked := append([]byte(nil), code...)
		for _, p := range m.Patches {
			copy(masked[p.LiteralOffset:], m.Code[p.LiteralOffset:p.LiteralOffset+4])
		}
		c.Assert(masked, qt.DeepEquals, m.Code, qt.Commentf("%s", name))
	}

	// Identical methods share their code.
	c.Assert(offsets["twinB"], qt.Equals, offsets["twinA"])

	_, hello, err := f.Method(offsets["hello"])
	c.Assert(err, qt.IsNil)
	helloPatches := compiledByName(c, w, "hello").Patches
	c.Assert(helloPatches[1].Kind, qt.Equals, compiler.PatchCallRelative)
	c.Assert(displacementTarget(hello, offsets["hello"], helloPatches[1].LiteralOffset), qt.Equals, offsets["helper"])

	bss := base.RoundUp(f.Header.ExecutableOffset+uint32(f.TextSize()), 0x1000)
	c.Assert(helloPatches[0].Kind, qt.Equals, compiler.PatchStringBssEntry)
	c.Assert(displacementTarget(hello, offsets["hello"], helloPatches[0].LiteralOffset), qt.Equals, bss)
	_, mk, err := f.Method(offsets["make"])
	c.Assert(err, qt.IsNil)
	mkPatch := compiledByName(c, w, "make").Patches[0]
	c.Assert(mkPatch.Kind, qt.Equals, compiler.PatchTypeBssEntry)
	c.Assert(displacementTarget(mk, offsets["make"], mkPatch.LiteralOffset), qt.Equals, bss+4)

	ef, err := elf.Open(w.path)
	c.Assert(err, qt.IsNil)
	defer ef.Close()
	c.Assert(ef.Section(".bss").Addr-f.Begin, qt.Equals, uint64(bss))
	syms, err := ef.Symbols()
	c.Assert(err, qt.IsNil)
	var names []string
	for _, s := range syms {
		names = append(names, s.Name)
	}
	joined := strings.Join(names, "\n")
	c.Assert(joined, qt.Contains, "LFoo;->hello()Ljava/lang/String;")
	c.Assert(joined, qt.Contains, " [DEDUPED]")
}

func TestCallToUncompiledNeedsBootImage(t *testing.T) {
	c := qt.New(t)
	cfg, opts := appConfig()
	out, err := os.Create(filepath.Join(c.TempDir(), "x.oat"))
	c.Assert(err, qt.IsNil)
	defer out.Close()
	w := NewWriter(cfg, "x.oat", out)
	c.Assert(w.AddDexFile("x.jar", testDex(c)), qt.IsNil)
	files, err := w.WriteDexFiles()
	c.Assert(err, qt.IsNil)
	comp := compileAll(c, files, opts, cfg.ISA, testEnv{linkNative: true})
	patcher := linker.NewMultiOatRelativePatcher(cfg.ISA)
	c.Assert(w.PrepareLayout(comp, patcher), qt.IsNil)
	w.PrepareDynamicSection("x.oat")
	c.Assert(w.WriteRodata(), qt.IsNil)
	c.Assert(w.WriteCode(comp, nil), qt.ErrorMatches, `oat: LFoo;->callExt\(\)V: call to LFoo;->ext\(\)V, which has no code`)
}

func TestWriteBootOat(t *testing.T) {
	c := qt.New(t)
	cfg, opts := appConfig()
	cfg.IsBootImage = true
	opts.IsBootImage, opts.CompilePic = true, true
	w := writeOat(c, cfg, opts, fakeImage{})

	f, err := Open(w.path)
	c.Assert(err, qt.IsNil)
	c.Assert(f.VerifyChecksum(), qt.IsNil)

	prev := f.Header.ExecutableOffset
	for tr := Trampoline(0); tr < NumTrampolines; tr++ {
		off := f.Header.Trampolines[tr]
		c.Assert(off >= prev, qt.IsTrue, qt.Commentf("%v", tr))
		want, err := compiler.Trampoline(isa.X86_64, tr.Entrypoint())
		c.Assert(err, qt.IsNil)
		got, err := f.Code(off, len(want))
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.DeepEquals, want, qt.Commentf("%v", tr))
		prev = off + uint32(len(want))
	}

	offsets := methodOffsets(c, f.DexFiles[0])
	// The native method has no code; calls reach it through generic JNI.
	_, callExt, err := f.Method(offsets["callExt"])
	c.Assert(err, qt.IsNil)
	call := compiledByName(c, w, "callExt").Patches[0]
	c.Assert(call.Kind, qt.Equals, compiler.PatchCallRelative)
	c.Assert(displacementTarget(callExt, offsets["callExt"], call.LiteralOffset), qt.Equals,
		f.Header.Trampolines[QuickGenericJniTrampoline])

	// Image strings are addressed relative to the oat data.
	_, hello, err := f.Method(offsets["hello"])
	c.Assert(err, qt.IsNil)
	load := compiledByName(c, w, "hello").Patches[0]
	c.Assert(load.Kind, qt.Equals, compiler.PatchStringRelative)
	addr, _ := fakeImage{}.StringAddress(nil, load.Index)
	c.Assert(displacementTarget(hello, offsets["hello"], load.LiteralOffset)+oatDataBegin, qt.Equals, addr)
}

func TestNativeDebuggableKeepsCopies(t *testing.T) {
	c := qt.New(t)
	cfg, opts := appConfig()
	cfg.NativeDebuggable = true
	w := writeOat(c, cfg, opts, nil)
	f, err := Open(w.path)
	c.Assert(err, qt.IsNil)
	offsets := methodOffsets(c, f.DexFiles[0])
	c.Assert(offsets["twinA"], qt.Not(qt.Equals), offsets["twinB"])
}

func TestStrippedOatStillParses(t *testing.T) {
	c := qt.New(t)
	cfg, opts := appConfig()
	w := writeOat(c, cfg, opts, nil)
	data, err := os.ReadFile(w.path)
	c.Assert(err, qt.IsNil)
	full, err := Parse(data)
	c.Assert(err, qt.IsNil)

	// The stripped copy is what a device loads.
	stripped, err := oatelf.Strip(data)
	c.Assert(err, qt.IsNil)
	f, err := Parse(stripped)
	c.Assert(err, qt.IsNil)
	c.Assert(f.Header.Checksum, qt.Equals, full.Header.Checksum)
	c.Assert(f.VerifyChecksum(), qt.IsNil)
	c.Assert(bytes.Equal(f.DexFiles[0].File.Bytes(), w.dexData), qt.IsTrue)
}

func TestHeaderRoundTrip(t *testing.T) {
	c := qt.New(t)
	h := &Header{
		InstructionSet:                isa.Arm64,
		Features:                      isa.DefaultFeatures(isa.Arm64),
		Checksum:                      0xdeadbeef,
		DexFileCount:                  2,
		ExecutableOffset:              0x3000,
		ImagePatchDelta:               -0x1000,
		ImageFileLocationOatChecksum:  7,
		ImageFileLocationOatDataBegin: 0x71000000,
		KeyValueStore: map[string]string{
			rtabi.KeyBootClassPath:  "core-oj.jar:core-libart.jar",
			rtabi.KeyDebuggable:     rtabi.ValueFalse,
			rtabi.KeyCompilerFilter: "space",
		},
	}
	h.Trampolines[QuickToInterpreterBridge] = 0x3040
	data, err := h.MarshalBinary()
	c.Assert(err, qt.IsNil)
	c.Assert(data, qt.HasLen, h.Size())
	c.Assert(string(data[HeaderSize:]), qt.Equals,
		"bootclasspath\x00core-oj.jar:core-libart.jar\x00compiler-filter\x00space\x00debuggable\x00false\x00")

	got, err := ParseHeader(data)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, h)
	c.Assert(got.BootClassPath(), qt.DeepEquals, []string{"core-oj.jar", "core-libart.jar"})
	c.Assert(got.IsDebuggable(), qt.IsFalse)

	data[0] = 'x'
	_, err = ParseHeader(data)
	c.Assert(err, qt.ErrorIs, ErrBadMagic)
}
