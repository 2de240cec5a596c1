package runtime

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
	"github.com/you-not-fish/dex2oat/internal/verifier"
)

const (
	accInterface = dex.AccPublic | dex.AccInterface | dex.AccAbstract
	accAbstract  = dex.AccPublic | dex.AccAbstract
)

func returnVoid() *dex.Code { return &dex.Code{Insns: []dex.Insn{dex.ReturnVoid()}} }

// Interfaces I and K declare unrelated defaults m; J refines I's m.
// A implements I and declares n; B extends A; C implements J; D implements
// I and K.
func hierarchyClasses() []dex.Class {
	return []dex.Class{
		{Descriptor: "LI;", Super: ObjectDescriptor, Flags: accInterface, Methods: []dex.Method{
			{Name: "m", Signature: "()V", Flags: dex.AccPublic, Code: returnVoid()},
			{Name: "n", Signature: "()V", Flags: accAbstract},
		}},
		{Descriptor: "LJ;", Super: ObjectDescriptor, Flags: accInterface, Interfaces: []string{"LI;"}, Methods: []dex.Method{
			{Name: "m", Signature: "()V", Flags: dex.AccPublic, Code: returnVoid()},
		}},
		{Descriptor: "LK;", Super: ObjectDescriptor, Flags: accInterface, Methods: []dex.Method{
			{Name: "m", Signature: "()V", Flags: dex.AccPublic, Code: returnVoid()},
		}},
		{Descriptor: "LA;", Super: ObjectDescriptor, Flags: dex.AccPublic, Interfaces: []string{"LI;"}, Methods: []dex.Method{
			{Name: "n", Signature: "()V", Flags: dex.AccPublic, Code: returnVoid()},
		}},
		{Descriptor: "LB;", Super: "LA;", Flags: dex.AccPublic},
		{Descriptor: "LC;", Super: ObjectDescriptor, Flags: accAbstract, Interfaces: []string{"LJ;"}},
		{Descriptor: "LD;", Super: ObjectDescriptor, Flags: accAbstract, Interfaces: []string{"LI;", "LK;"}},
	}
}

func findClass(t *testing.T, rt *Runtime, descriptor string) *Class {
	k, err := rt.ClassLinker().FindClass(rt.MainThread(), descriptor)
	qt.Assert(t, err, qt.IsNil)
	return k
}

func TestBootstrapClasses(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	cl := rt.ClassLinker()
	h := rt.Heap()

	classClass := cl.LookupClass(ClassDescriptor)
	c.Assert(mirror.ClassOf(h, classClass.Ref), qt.Equals, classClass.Ref)
	for _, k := range cl.ClassRoots() {
		c.Assert(mirror.ClassOf(h, k.Ref), qt.Equals, classClass.Ref)
		c.Assert(mirror.ClassDescriptor(h, k.Ref), qt.Equals, k.Descriptor)
		c.Assert(k.Status(), qt.Equals, mirror.StatusInitialized)
		c.Assert(cl.ClassForRef(k.Ref), qt.Equals, k)
	}
	str := cl.LookupClass(StringDescriptor)
	c.Assert(str.Super, qt.Equals, cl.LookupClass(ObjectDescriptor))
	c.Assert(mirror.ClassFlags(h, str.Ref)&mirror.ClassFlagString, qt.Not(qt.Equals), uint32(0))
	weak := cl.LookupClass("Ljava/lang/ref/WeakReference;")
	c.Assert(weak.Super.Descriptor, qt.Equals, ReferenceDescriptor)
	c.Assert(mirror.ClassReferenceOffsets(h, weak.Ref), qt.Equals, uint32(0x3))
	ints := cl.LookupClass("[I")
	c.Assert(ints.ComponentType.Primitive, qt.Equals, mirror.PrimInt)
}

func TestDefaultMethodsAreCopied(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, hierarchyClasses()...)
	i := findClass(t, rt, "LI;")
	a := findClass(t, rt, "LA;")

	im := i.FindDeclaredMethod("m", "()V")
	c.Assert(im.IsDefault(), qt.IsTrue)
	c.Assert(i.FindDeclaredMethod("n", "()V").IsDefault(), qt.IsFalse)

	c.Assert(a.CopiedMethods, qt.HasLen, 1)
	copied := a.CopiedMethods[0]
	c.Assert(copied.IsCopied(), qt.IsTrue)
	c.Assert(copied.IsDefault(), qt.IsTrue)
	c.Assert(copied.CanonicalMethod(), qt.Equals, im)
	c.Assert(copied.DeclaringClass, qt.Equals, a.Ref)
	c.Assert(a.VTable[copied.MethodIndex], qt.Equals, copied)
	c.Assert(a.FindMethod("m", "()V"), qt.Equals, copied)
	c.Assert(rt.ClassLinker().DeclaringClass(copied), qt.Equals, a)

	// B inherits A's copy.
	b := findClass(t, rt, "LB;")
	c.Assert(b.CopiedMethods, qt.HasLen, 0)
	c.Assert(b.VTable[copied.MethodIndex], qt.Equals, copied)
}

func TestMostSpecificDefaultWins(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, hierarchyClasses()...)
	j := findClass(t, rt, "LJ;")
	k := findClass(t, rt, "LC;")
	c.Assert(k.CopiedMethods, qt.HasLen, 1)
	c.Assert(k.CopiedMethods[0].CanonicalMethod(), qt.Equals, j.FindDeclaredMethod("m", "()V"))
	c.Assert(k.CopiedMethods[0].AccessFlags&dex.AccDefaultConflict, qt.Equals, uint32(0))
	c.Assert(k.IfTable, qt.HasLen, 2)

	d := findClass(t, rt, "LD;")
	c.Assert(d.CopiedMethods, qt.HasLen, 1)
	c.Assert(d.CopiedMethods[0].AccessFlags&dex.AccDefaultConflict, qt.Not(qt.Equals), uint32(0))
}

func TestAssignability(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, hierarchyClasses()...)
	cl := rt.ClassLinker()
	object := cl.LookupClass(ObjectDescriptor)
	i, j := findClass(t, rt, "LI;"), findClass(t, rt, "LJ;")
	a, b, k := findClass(t, rt, "LA;"), findClass(t, rt, "LB;"), findClass(t, rt, "LC;")

	c.Assert(a.IsAssignableFrom(b), qt.IsTrue)
	c.Assert(b.IsAssignableFrom(a), qt.IsFalse)
	c.Assert(i.IsAssignableFrom(b), qt.IsTrue)
	c.Assert(i.IsAssignableFrom(k), qt.IsTrue)
	c.Assert(j.IsAssignableFrom(a), qt.IsFalse)
	c.Assert(object.IsAssignableFrom(i), qt.IsTrue)

	arrB := findClass(t, rt, "[LB;")
	arrA := findClass(t, rt, "[LA;")
	c.Assert(arrB.Super, qt.Equals, object)
	c.Assert(arrA.IsAssignableFrom(arrB), qt.IsTrue)
	c.Assert(arrB.IsAssignableFrom(arrA), qt.IsFalse)
	c.Assert(cl.LookupClass(ObjectArrayDescriptor).IsAssignableFrom(arrB), qt.IsTrue)
	c.Assert(cl.LookupClass("[I").IsAssignableFrom(arrB), qt.IsFalse)
	c.Assert(findClass(t, rt, "[[LB;"), qt.Equals, findClass(t, rt, "[[LB;"))
}

func TestFindClassErrors(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t,
		dex.Class{Descriptor: "LOrphan;", Super: "LMissing;", Flags: dex.AccPublic},
		dex.Class{Descriptor: "LFinal;", Super: ObjectDescriptor, Flags: dex.AccPublic | dex.AccFinal},
		dex.Class{Descriptor: "LSub;", Super: "LFinal;", Flags: dex.AccPublic},
	)
	cl := rt.ClassLinker()
	_, err := cl.FindClass(rt.MainThread(), "LNope;")
	c.Assert(err, qt.ErrorIs, ErrClassNotFound)
	_, err = cl.FindClass(rt.MainThread(), "LOrphan;")
	c.Assert(err, qt.ErrorIs, ErrClassNotFound)
	c.Assert(err, qt.ErrorMatches, "superclass of LOrphan;: .*")
	_, err = cl.FindClass(rt.MainThread(), "LSub;")
	c.Assert(err, qt.ErrorMatches, "LSub; cannot extend LFinal;")
	c.Assert(cl.LookupClass("LSub;"), qt.IsNil)

	c.Assert(cl.IsResolvable("LOrphan;"), qt.IsTrue)
	c.Assert(cl.IsResolvable("[[LFinal;"), qt.IsTrue)
	c.Assert(cl.IsResolvable("J"), qt.IsTrue)
	c.Assert(cl.IsResolvable("LNope;"), qt.IsFalse)
}

func TestFieldLayout(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t,
		dex.Class{Descriptor: "LF;", Super: ObjectDescriptor, Flags: dex.AccPublic, Fields: []dex.Field{
			{Name: "b", Type: "B"},
			{Name: "i", Type: "I"},
			{Name: "o", Type: ObjectDescriptor},
			{Name: "l", Type: "J"},
			{Name: "s", Type: "S", Flags: dex.AccStatic},
		}},
		dex.Class{Descriptor: "LG;", Super: "LF;", Flags: dex.AccPublic, Fields: []dex.Field{
			{Name: "p", Type: "LF;"},
		}},
		dex.Class{Descriptor: "LW;", Super: "Ljava/lang/ref/WeakReference;", Flags: dex.AccPublic},
	)
	f := findClass(t, rt, "LF;")
	offsets := map[string]uint32{}
	for _, fd := range f.InstanceFields {
		offsets[fd.Name] = fd.Offset
	}
	c.Assert(offsets, qt.CmpEquals(), map[string]uint32{"o": 8, "l": 16, "i": 24, "b": 28})
	c.Assert(f.ObjectSize, qt.Equals, uint32(29))
	c.Assert(f.ReferenceOffsets, qt.Equals, uint32(0b1))
	c.Assert(f.StaticFields, qt.HasLen, 1)

	g := findClass(t, rt, "LG;")
	c.Assert(g.InstanceFields[0].Offset, qt.Equals, uint32(32))
	c.Assert(g.ReferenceOffsets, qt.Equals, uint32(1<<0|1<<6))
	c.Assert(mirror.ClassObjectSize(rt.Heap(), g.Ref), qt.Equals, uint32(36))

	w := findClass(t, rt, "LW;")
	c.Assert(w.Flags&mirror.ClassFlagWeakReference, qt.Not(qt.Equals), uint32(0))

	obj, err := rt.ClassLinker().AllocObject(rt.MainThread(), g)
	c.Assert(err, qt.IsNil)
	c.Assert(mirror.ClassOf(rt.Heap(), obj), qt.Equals, g.Ref)
	c.Assert(mirror.SizeOf(rt.Heap(), obj), qt.Equals, uint32(36))
}

func TestVerifyAndInitialize(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, hierarchyClasses()...)
	cl := rt.ClassLinker()
	main := rt.MainThread()
	b := findClass(t, rt, "LB;")
	c.Assert(b.Status(), qt.Equals, mirror.StatusResolved)
	c.Assert(cl.InitializeClass(main, b), qt.ErrorMatches, "cannot initialize LB; in state resolved")

	r := cl.VerifyClass(main, b)
	c.Assert(r.Kind, qt.Equals, verifier.NoFailure)
	c.Assert(b.Status(), qt.Equals, mirror.StatusVerified)
	c.Assert(b.Super.Status(), qt.Equals, mirror.StatusVerified)
	c.Assert(mirror.GetClassStatus(rt.Heap(), b.Ref), qt.Equals, mirror.StatusVerified)

	c.Assert(cl.InitializeClass(main, b), qt.IsNil)
	c.Assert(b.Status(), qt.Equals, mirror.StatusInitialized)
	c.Assert(b.Super.Status(), qt.Equals, mirror.StatusInitialized)
}

func TestDexCacheResolution(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, hierarchyClasses()...)
	cl := rt.ClassLinker()
	main := rt.MainThread()
	h := rt.Heap()
	f := cl.DexFiles()[0]

	dc := cl.DexCache(f)
	c.Assert(dc, qt.Not(qt.Equals), mirror.Ref(0))
	c.Assert(mirror.StringValue(h, mirror.DexCacheLocation(h, dc)), qt.Equals, "test.dex")
	c.Assert(mirror.ArrayLength(h, mirror.DexCacheStrings(h, dc)), qt.Equals, uint32(f.NumStringIDs()))
	c.Assert(mirror.ArrayLength(h, mirror.DexCacheTypes(h, dc)), qt.Equals, uint32(f.NumTypeIDs()))

	idx, ok := f.FindStringIndex("m")
	c.Assert(ok, qt.IsTrue)
	s, err := cl.ResolveString(main, f, idx)
	c.Assert(err, qt.IsNil)
	c.Assert(mirror.StringValue(h, s), qt.Equals, "m")
	interned, err := rt.InternTable().InternStrong(main, "m")
	c.Assert(err, qt.IsNil)
	c.Assert(interned, qt.Equals, s)

	tidx, ok := f.FindTypeIndex("LB;")
	c.Assert(ok, qt.IsTrue)
	b, err := cl.ResolveType(main, f, tidx)
	c.Assert(err, qt.IsNil)
	c.Assert(b.Descriptor, qt.Equals, "LB;")
	c.Assert(mirror.ObjectArrayGet(h, mirror.DexCacheTypes(h, dc), tidx), qt.Equals, b.Ref)
	c.Assert(mirror.ClassDexCache(h, b.Ref), qt.Equals, dc)
}

func TestCoreClassLinkedAgainstDex(t *testing.T) {
	c := qt.New(t)
	toString := dex.Method{Name: "toString", Signature: "()Ljava/lang/String;", Flags: dex.AccPublic,
		Code: &dex.Code{Registers: 2, Insns: []dex.Insn{dex.Const4(0, 0), dex.ReturnObject(0)}}}
	rt := newTestRuntime(t,
		dex.Class{Descriptor: ObjectDescriptor, Flags: dex.AccPublic, Methods: []dex.Method{toString}},
		dex.Class{Descriptor: "LA;", Super: ObjectDescriptor, Flags: dex.AccPublic},
	)
	object := rt.ClassLinker().LookupClass(ObjectDescriptor)
	c.Assert(object.DexFile, qt.IsNotNil)
	c.Assert(object.ObjectSize, qt.Equals, uint32(rtabi.ObjectHeaderSize))
	c.Assert(object.VTable, qt.HasLen, 1)
	a := findClass(t, rt, "LA;")
	c.Assert(a.VTable[0], qt.Equals, object.VTable[0])
	c.Assert(a.VTable[0].Name(), qt.Equals, "toString")

	var names []string
	for _, k := range rt.ClassLinker().Classes()[:3] {
		names = append(names, k.Descriptor)
	}
	c.Assert(names, qt.DeepEquals, []string{"B", "C", "D"}, qt.Commentf("%s", cmp.Diff(names, []string{"B", "C", "D"})))
}
