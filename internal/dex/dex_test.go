package dex

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
)

func sampleDex(t *testing.T) []byte {
	t.Helper()
	var b Builder
	b.AddClass(Class{
		Descriptor: "LFoo;",
		Super:      "Ljava/lang/Object;",
		Flags:      AccPublic,
		SourceFile: "Foo.java",
		Fields: []Field{
			{Name: "count", Type: "I"},
			{Name: "next", Type: "LFoo;"},
			{Name: "INSTANCE", Type: "LFoo;", Flags: AccStatic},
		},
		Methods: []Method{
			{Name: "<init>", Signature: "()V", Flags: AccPublic | AccConstructor, Code: &Code{
				Insns: []Insn{Invoke(OpInvokeDirect, MethodRef{"Ljava/lang/Object;", "<init>", "()V"}, 0), ReturnVoid()},
			}},
			{Name: "hello", Signature: "(I)Ljava/lang/String;", Flags: AccPublic, Code: &Code{
				Registers: 3,
				Insns: []Insn{
					ConstString(0, "hello"),
					Invoke(OpInvokeStatic, MethodRef{"LFoo;", "helper", "()V"}),
					ReturnObject(0),
				},
				Tries: []Try{{Start: 2, Count: 3, Handlers: []Handler{
					{Type: "Ljava/lang/RuntimeException;", Addr: 5},
					{Addr: 5},
				}}},
				Lines: []PositionEntry{{0, 10}, {2, 11}, {5, 12}},
			}},
			{Name: "helper", Signature: "()V", Flags: AccStatic, Code: &Code{Insns: []Insn{ReturnVoid()}}},
		},
	})
	b.AddClass(Class{Descriptor: "LBar;", Super: "LFoo;", Interfaces: []string{"LRunnable;"}})
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

func TestBuildAndParse(t *testing.T) {
	c := qt.New(t)
	f, err := Parse("sample.dex", sampleDex(t), true)
	c.Assert(err, qt.IsNil)
	c.Assert(f.NumClassDefs(), qt.Equals, 2)

	// LFoo; must precede its subclass.
	c.Assert(f.ClassDescriptor(f.ClassDef(0)), qt.Equals, "LFoo;")
	bar := f.ClassDef(1)
	c.Assert(f.ClassDescriptor(bar), qt.Equals, "LBar;")
	c.Assert(f.TypeDescriptor(bar.SuperclassIdx), qt.Equals, "LFoo;")
	var ifaces []string
	for _, i := range f.Interfaces(bar) {
		ifaces = append(ifaces, f.TypeDescriptor(i))
	}
	c.Assert(ifaces, qt.DeepEquals, []string{"LRunnable;"})

	cd, err := f.ClassData(f.ClassDef(0))
	c.Assert(err, qt.IsNil)
	c.Assert(cd.StaticFields, qt.HasLen, 1)
	c.Assert(cd.InstanceFields, qt.HasLen, 2)
	c.Assert(cd.DirectMethods, qt.HasLen, 2)
	c.Assert(cd.VirtualMethods, qt.HasLen, 1)

	hello := cd.VirtualMethods[0]
	c.Assert(f.PrettyMethod(hello.MethodIdx), qt.Equals, "LFoo;->hello(I)Ljava/lang/String;")
	c.Assert(f.MethodShorty(hello.MethodIdx), qt.Equals, "LI")

	ci, err := f.CodeItem(hello.CodeOff)
	c.Assert(err, qt.IsNil)
	c.Assert(ci.RegistersSize, qt.Equals, uint16(3))
	c.Assert(ci.InsSize, qt.Equals, uint16(2))
	insns, err := Instructions(ci.Insns)
	c.Assert(err, qt.IsNil)
	c.Assert(insns, qt.HasLen, 3)
	c.Assert(insns[0].Opcode, qt.Equals, OpConstString)
	c.Assert(f.String(insns[0].IndexOperand()), qt.Equals, "hello")
	c.Assert(insns[1].Opcode.IsInvoke(), qt.IsTrue)
	c.Assert(f.PrettyMethod(insns[1].IndexOperand()), qt.Equals, "LFoo;->helper()V")
	c.Assert(insns[2].Opcode.IsReturn(), qt.IsTrue)

	handlers := f.Handlers(ci, 2)
	c.Assert(handlers, qt.HasLen, 2)
	c.Assert(f.TypeDescriptor(handlers[0].TypeIdx), qt.Equals, "Ljava/lang/RuntimeException;")
	c.Assert(handlers[1].TypeIdx, qt.Equals, uint32(NoIndex))
	c.Assert(f.Handlers(ci, 0), qt.HasLen, 0)

	positions, err := f.DecodeDebugPositions(ci)
	c.Assert(err, qt.IsNil)
	if diff := cmp.Diff([]PositionEntry{{0, 10}, {2, 11}, {5, 12}}, positions); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
	line, ok := LineForPC(positions, 3)
	c.Assert(ok, qt.IsTrue)
	c.Assert(line, qt.Equals, uint32(11))
}

func TestParseRejectsBadChecksum(t *testing.T) {
	data := sampleDex(t)
	data[len(data)-1] ^= 0xff
	_, err := Parse("bad.dex", data, true)
	qt.Assert(t, err, qt.ErrorMatches, `bad.dex: invalid dex file: bad checksum .*`)
	if _, err := Parse("bad.dex", data, false); err != nil {
		t.Fatalf("Parse without checksum: %v", err)
	}
}

func TestParseRejectsDuplicateClass(t *testing.T) {
	data := sampleDex(t)
	f, err := Parse("dup.dex", data, true)
	if err != nil {
		t.Fatal(err)
	}
	le := binary.LittleEndian
	first := le.Uint32(data[f.Header.ClassDefsOff:])
	le.PutUint32(data[f.Header.ClassDefsOff+32:], first)
	le.PutUint32(data[checksumOffset:], ComputeChecksum(data))
	_, err = Parse("dup.dex", data, true)
	qt.Assert(t, err, qt.ErrorMatches, `dup.dex: invalid dex file at index 1: duplicate class definition LFoo; .*`)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	data := sampleDex(t)
	copy(data[4:], "099")
	_, err := Parse("v.dex", data, false)
	qt.Assert(t, err, qt.ErrorMatches, `.*unsupported version "099"`)
}

func TestLeb128(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 63, -64, 64, -65, 1 << 20, -(1 << 30), 0x7fffffff} {
		enc := AppendSignedLeb128(nil, v)
		got, n, err := DecodeSignedLeb128(enc, 0)
		if err != nil || got != v || n != len(enc) {
			t.Fatalf("sleb128 %d: got %d, %d, %v", v, got, n, err)
		}
	}
	for _, v := range []uint32{0, 127, 128, 1 << 21, 0xffffffff} {
		enc := AppendUnsignedLeb128(nil, v)
		got, n, err := DecodeUnsignedLeb128(enc, 0)
		if err != nil || got != v || n != len(enc) {
			t.Fatalf("uleb128 %d: got %d, %d, %v", v, got, n, err)
		}
	}
	if _, _, err := DecodeUnsignedLeb128([]byte{0x80}, 0); err == nil {
		t.Fatal("truncated uleb128 decoded")
	}
}

func TestDebugPositionsLargeDeltas(t *testing.T) {
	want := []PositionEntry{{0, 1}, {40, 300}, {41, 2}, {500, 2}}
	enc := AppendDebugPositions(nil, want)
	f := &File{Location: "mem", Data: enc}
	got, err := f.DecodeDebugPositions(&CodeItem{DebugInfoOff: 0})
	if err != nil || got != nil {
		t.Fatalf("zero offset: %v %v", got, err)
	}
	// Place the stream at a non-zero offset.
	f.Data = append([]byte{0}, enc...)
	got, err = f.DecodeDebugPositions(&CodeItem{DebugInfoOff: 1})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
}

func TestArchiveMultiDex(t *testing.T) {
	c := qt.New(t)
	first := sampleDex(t)
	var b Builder
	b.AddClass(Class{Descriptor: "LSecond;", Super: "Ljava/lang/Object;"})
	second, err := b.Build()
	c.Assert(err, qt.IsNil)

	path := filepath.Join(t.TempDir(), "app.jar")
	c.Assert(WriteZipFile(path, first, second), qt.IsNil)

	a, err := OpenArchive(path, "/system/app.jar", true)
	c.Assert(err, qt.IsNil)
	defer a.Close()
	c.Assert(a.Files, qt.HasLen, 2)
	c.Assert(a.Files[0].Location, qt.Equals, "/system/app.jar")
	c.Assert(a.Files[1].Location, qt.Equals, "/system/app.jar:classes2.dex")
	c.Assert(BaseLocation(a.Files[1].Location), qt.Equals, "/system/app.jar")
	c.Assert(a.Size(), qt.Equals, int64(len(first)+len(second)))
	c.Assert(a.Files[1].ClassDescriptor(a.Files[1].ClassDef(0)), qt.Equals, "LSecond;")

	entry, err := ReadZipEntry(path, "classes2.dex")
	c.Assert(err, qt.IsNil)
	c.Assert(entry, qt.DeepEquals, second)
}

func TestParseSignature(t *testing.T) {
	params, ret, err := ParseSignature("(I[JLjava/lang/String;)[[Z")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, params, qt.DeepEquals, []string{"I", "[J", "Ljava/lang/String;"})
	qt.Assert(t, ret, qt.Equals, "[[Z")
	qt.Assert(t, ShortyOf(params, ret), qt.Equals, "LILL")
	qt.Assert(t, ArgumentRegisters(params), qt.Equals, 3)
	if _, _, err := ParseSignature("(Lfoo)V"); err == nil {
		t.Fatal("unterminated class descriptor accepted")
	}
}
