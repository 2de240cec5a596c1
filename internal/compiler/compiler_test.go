package compiler

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

const objectDescriptor = "Ljava/lang/Object;"

func testDex(t *testing.T) *dex.File {
	t.Helper()
	var b dex.Builder
	b.AddClass(dex.Class{Descriptor: "LFoo;", Super: objectDescriptor, Flags: dex.AccPublic, Methods: []dex.Method{
		{Name: "hello", Signature: "()Ljava/lang/String;", Flags: dex.AccPublic | dex.AccStatic, Code: &dex.Code{
			Registers: 1,
			Insns: []dex.Insn{
				dex.ConstString(0, "hi"),
				dex.Invoke(dex.OpInvokeStatic, dex.MethodRef{Class: "LFoo;", Name: "helper", Signature: "()V"}),
				dex.ReturnObject(0),
			},
		}},
		{Name: "helper", Signature: "()V", Flags: dex.AccStatic, Code: &dex.Code{Insns: []dex.Insn{dex.ReturnVoid()}}},
		{Name: "idle", Signature: "()V", Flags: dex.AccStatic, Code: &dex.Code{
			Registers: 1,
			Insns:     []dex.Insn{dex.Nop(), dex.Const4(0, 1), dex.ReturnVoid()},
		}},
		{Name: "make", Signature: "()V", Flags: dex.AccStatic, Code: &dex.Code{
			Registers: 1,
			Insns:     []dex.Insn{dex.NewInstance(0, "LFoo;"), dex.Throw(0)},
		}},
		{Name: "ext", Signature: "()V", Flags: dex.AccStatic | dex.AccNative},
	}})
	data, err := b.Build()
	qt.Assert(t, err, qt.IsNil)
	f, err := dex.Parse("foo.dex", data, true)
	qt.Assert(t, err, qt.IsNil)
	return f
}

// sameDexEnv compiles every method of the test file into the unit and
// treats every type as an image class.
type sameDexEnv struct{}

func (sameDexEnv) DirectCallTarget(f *dex.File, idx uint32) (MethodReference, bool) {
	return MethodReference{DexFile: f, Index: idx}, true
}

func (sameDexEnv) IsImageClass(*dex.File, uint32) bool { return true }

func request(t *testing.T, f *dex.File, name string) Request {
	t.Helper()
	cd, err := f.ClassData(f.ClassDef(0))
	qt.Assert(t, err, qt.IsNil)
	for _, em := range append(cd.DirectMethods, cd.VirtualMethods...) {
		if f.MethodName(em.MethodIdx) != name {
			continue
		}
		req := Request{Method: MethodReference{f, em.MethodIdx}, AccessFlags: em.AccessFlags}
		if em.CodeOff != 0 {
			req.Code, err = f.CodeItem(em.CodeOff)
			qt.Assert(t, err, qt.IsNil)
		}
		return req
	}
	t.Fatalf("no method %s", name)
	return Request{}
}

func methodIndex(t *testing.T, f *dex.File, name string) uint32 {
	t.Helper()
	for i := 0; i < f.NumMethodIDs(); i++ {
		if f.MethodName(uint32(i)) == name && f.TypeDescriptor(uint32(f.Method(uint32(i)).ClassIdx)) == "LFoo;" {
			return uint32(i)
		}
	}
	t.Fatalf("no method id %s", name)
	return 0
}

func compile(t *testing.T, backend Backend, target isa.InstructionSet, opts Options, req Request) *CompiledMethod {
	t.Helper()
	mc, err := New(backend, target, &opts, sameDexEnv{}, nil)
	qt.Assert(t, err, qt.IsNil)
	m, err := mc.Compile(req)
	qt.Assert(t, err, qt.IsNil)
	return m
}

var samePointer = cmp.Comparer(func(a, b *dex.File) bool { return a == b })

func TestCompileAppMethodX86_64(t *testing.T) {
	c := qt.New(t)
	f := testDex(t)
	m := compile(t, Optimizing, isa.X86_64, DefaultOptions(), request(t, f, "hello"))
	c.Assert(m, qt.IsNotNil)
	c.Assert(m.Code, qt.DeepEquals, []byte{
		0x55, 0x48, 0x89, 0xe5, // prologue
		0x48, 0x8d, 0x05, 0, 0, 0, 0, 0x8b, 0x00, // string from .bss
		0xe8, 0, 0, 0, 0, // call helper
		0x5d, 0xc3,
	})
	c.Assert(m.FrameSize, qt.Equals, uint32(16))
	c.Assert(m.VmapTable, qt.DeepEquals, []byte{4, 0, 13, 2, 18, 5})

	hi, ok := f.FindStringIndex("hi")
	c.Assert(ok, qt.IsTrue)
	want := []LinkerPatch{
		{Kind: PatchStringBssEntry, LiteralOffset: 7, PCInsnOffset: 7, DexFile: f, Index: hi},
		{Kind: PatchCallRelative, LiteralOffset: 14, PCInsnOffset: 14, Target: MethodReference{f, methodIndex(t, f, "helper")}},
	}
	if diff := cmp.Diff(want, m.Patches, samePointer); diff != "" {
		t.Errorf("patches (-want +got):\n%s", diff)
	}
}

func TestCompileBootMethodX86_64(t *testing.T) {
	c := qt.New(t)
	f := testDex(t)
	opts := DefaultOptions()
	opts.IsBootImage = true
	m := compile(t, Optimizing, isa.X86_64, opts, request(t, f, "hello"))
	c.Assert(m.Code, qt.DeepEquals, []byte{
		0x55, 0x48, 0x89, 0xe5,
		0xb8, 0, 0, 0, 0, // mov eax, string
		0xbf, 0, 0, 0, 0, // mov edi, method
		0xe8, 0, 0, 0, 0,
		0x5d, 0xc3,
	})
	var kinds []PatchKind
	var offsets []uint32
	for _, p := range m.Patches {
		kinds = append(kinds, p.Kind)
		offsets = append(offsets, p.LiteralOffset)
	}
	c.Assert(kinds, qt.DeepEquals, []PatchKind{PatchString, PatchMethod, PatchCallRelative})
	c.Assert(offsets, qt.DeepEquals, []uint32{5, 10, 15})

	opts.CompilePic = true
	m = compile(t, Optimizing, isa.X86_64, opts, request(t, f, "hello"))
	kinds = kinds[:0]
	for _, p := range m.Patches {
		kinds = append(kinds, p.Kind)
	}
	c.Assert(kinds, qt.DeepEquals, []PatchKind{PatchStringRelative, PatchCallRelative})
}

func TestCompileX86AnchorsAtPop(t *testing.T) {
	c := qt.New(t)
	f := testDex(t)
	m := compile(t, Optimizing, isa.X86, DefaultOptions(), request(t, f, "hello"))
	c.Assert(m.Code[:15], qt.DeepEquals, []byte{
		0x55, 0x89, 0xe5,
		0xe8, 0, 0, 0, 0, 0x58, // call +0; pop eax
		0x8d, 0x80, 0, 0, 0, 0,
	})
	c.Assert(m.Patches[0].Kind, qt.Equals, PatchStringBssEntry)
	c.Assert(m.Patches[0].PCInsnOffset, qt.Equals, uint32(8))
	c.Assert(m.Patches[0].LiteralOffset, qt.Equals, uint32(11))
}

func TestCompileThumb2AlignsLiterals(t *testing.T) {
	c := qt.New(t)
	f := testDex(t)
	opts := DefaultOptions()
	opts.IsBootImage = true
	m := compile(t, Optimizing, isa.Thumb2, opts, request(t, f, "hello"))
	c.Assert(m.Code[:8], qt.DeepEquals, []byte{0x10, 0xb5, 0x00, 0xbf, 0x00, 0x48, 0x01, 0xe0})
	c.Assert(m.Patches[0].Kind, qt.Equals, PatchString)
	c.Assert(m.Patches[0].LiteralOffset, qt.Equals, uint32(8))
	c.Assert(m.CodeDelta(), qt.Equals, uint32(1))
}

func TestQuickKeepsInstructionSlots(t *testing.T) {
	c := qt.New(t)
	f := testDex(t)
	req := request(t, f, "idle")

	quick := compile(t, Quick, isa.X86_64, DefaultOptions(), req)
	c.Assert(quick.Code, qt.DeepEquals, []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90, 0x5d, 0xc3})
	opt := compile(t, Optimizing, isa.X86_64, DefaultOptions(), req)
	c.Assert(opt.Code, qt.DeepEquals, []byte{0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3})
	c.Assert(quick.DedupeKey(), qt.Not(qt.Equals), opt.DedupeKey())
}

func TestCompileAddsMissingEpilogue(t *testing.T) {
	c := qt.New(t)
	f := testDex(t)
	m := compile(t, Optimizing, isa.Arm64, DefaultOptions(), request(t, f, "make"))
	n := len(m.Code)
	c.Assert(n%4, qt.Equals, 0)
	// The method ends in a throw; an epilogue still closes the code.
	c.Assert(m.Code[n-4:], qt.DeepEquals, []byte{0xc0, 0x03, 0x5f, 0xd6})
	c.Assert(m.Patches, qt.HasLen, 1)
	c.Assert(m.Patches[0].Kind, qt.Equals, PatchTypeBssEntry)
}

func TestCompileSkips(t *testing.T) {
	c := qt.New(t)
	f := testDex(t)
	c.Assert(compile(t, Optimizing, isa.X86_64, DefaultOptions(), request(t, f, "ext")), qt.IsNil)

	opts := DefaultOptions()
	opts.HugeMethodThreshold = 1
	c.Assert(compile(t, Optimizing, isa.X86_64, opts, request(t, f, "idle")), qt.IsNil)
	opts.Filter = Everything
	c.Assert(compile(t, Optimizing, isa.X86_64, opts, request(t, f, "idle")), qt.IsNotNil)

	opts = DefaultOptions()
	_, err := New(Optimizing, isa.Mips, &opts, sameDexEnv{}, nil)
	c.Assert(err, qt.ErrorIs, ErrUnsupportedISA)
}

func TestDedupeKey(t *testing.T) {
	c := qt.New(t)
	f := testDex(t)
	a := &CompiledMethod{ISA: isa.X86_64, Code: []byte{0xc3}}
	b := &CompiledMethod{ISA: isa.X86_64, Code: []byte{0xc3}}
	c.Assert(a.DedupeKey(), qt.Equals, b.DedupeKey())

	a.Patches = []LinkerPatch{{Kind: PatchCallRelative, Target: MethodReference{f, 0}}}
	b.Patches = []LinkerPatch{{Kind: PatchCallRelative, Target: MethodReference{f, 1}}}
	c.Assert(a.DedupeKey(), qt.Not(qt.Equals), b.DedupeKey())
	b.Patches[0].Target.Index = 0
	c.Assert(a.DedupeKey(), qt.Equals, b.DedupeKey())
}

func TestTrampolines(t *testing.T) {
	c := qt.New(t)
	code, err := Trampoline(isa.X86_64, rtabi.EntrypointQuickResolutionTrampoline)
	c.Assert(err, qt.IsNil)
	c.Assert(code, qt.DeepEquals, []byte{0x65, 0xff, 0x24, 0x25, 128 + 5*8, 0, 0, 0})

	code, err = Trampoline(isa.Thumb2, rtabi.EntrypointInterpreterToInterpreterBridge)
	c.Assert(err, qt.IsNil)
	c.Assert(code, qt.DeepEquals, []byte{0xd9, 0xf8, 0x80, 0xf0, 0x00, 0xbe})

	code, err = Trampoline(isa.Arm64, rtabi.EntrypointJniDlsymLookup)
	c.Assert(err, qt.IsNil)
	c.Assert(code, qt.HasLen, 12)

	_, err = Trampoline(isa.Mips64, rtabi.EntrypointJniDlsymLookup)
	c.Assert(err, qt.ErrorIs, ErrUnsupportedISA)
}
