package mirror

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// flatMemory maps [base, base+len(data)) and records write barriers.
type flatMemory struct {
	base  Ref
	data  []byte
	dirty map[Ref]bool
	next  Ref
}

func newFlatMemory(size int) *flatMemory {
	return &flatMemory{base: 0x1000, data: make([]byte, size), dirty: map[Ref]bool{}, next: 0x1000}
}

func (f *flatMemory) Slice(addr Ref, n uint32) []byte {
	off := uint32(addr - f.base)
	return f.data[off : off+n]
}

func (f *flatMemory) WriteBarrier(obj Ref) { f.dirty[obj] = true }

func (f *flatMemory) alloc(size uint32) Ref {
	r := f.next
	f.next += Ref((size + 7) &^ 7)
	return r
}

type world struct {
	m                                    *flatMemory
	classClass, objectClass, stringClass Ref
	intClass, intArray, objArray, weak   Ref
	node                                 Ref
}

func newWorld() *world {
	w := &world{m: newFlatMemory(1 << 16)}
	m := w.m
	mk := func(ci ClassInit) Ref {
		k := m.alloc(rtabi.ClassSize)
		InitClass(m, k, ci)
		return k
	}
	w.classClass = mk(ClassInit{Flags: ClassFlagClass, ObjectSize: rtabi.ClassSize})
	SetClass(m, w.classClass, w.classClass)
	w.objectClass = mk(ClassInit{ObjectSize: rtabi.ObjectHeaderSize, Flags: ClassFlagNoReferenceFields})
	w.stringClass = mk(ClassInit{Super: w.objectClass, Flags: ClassFlagString | ClassFlagNoReferenceFields})
	w.intClass = mk(ClassInit{Primitive: PrimInt, Flags: ClassFlagNoReferenceFields})
	w.intArray = mk(ClassInit{Super: w.objectClass, ComponentType: w.intClass, Flags: ClassFlagPrimitiveArray})
	w.objArray = mk(ClassInit{Super: w.objectClass, ComponentType: w.objectClass, Flags: ClassFlagObjectArray})
	w.weak = mk(ClassInit{Super: w.objectClass, Flags: ClassFlagWeakReference, ObjectSize: rtabi.ReferenceSize, ReferenceOffset: 0x3})
	// node { Object next (8); int value (12); Object other (16) }
	w.node = mk(ClassInit{Super: w.objectClass, ObjectSize: 20, ReferenceOffset: 0b101})
	for _, k := range []Ref{w.objectClass, w.stringClass, w.intClass, w.intArray, w.objArray, w.weak, w.node} {
		SetClass(m, k, w.classClass)
	}
	return w
}

func (w *world) newString(s string, compressed bool) Ref {
	units := make([]uint16, len(s))
	for i := range s {
		units[i] = uint16(s[i])
	}
	r := w.m.alloc(StringSize(uint32(len(units)), compressed))
	SetClass(w.m, r, w.stringClass)
	InitString(w.m, r, units, compressed)
	return r
}

func TestSizeOf(t *testing.T) {
	w := newWorld()
	m := w.m
	c := qt.New(t)

	arr := m.alloc(ArraySize(4, 5))
	SetClass(m, arr, w.intArray)
	SetArrayLength(m, arr, 5)
	c.Assert(SizeOf(m, arr), qt.Equals, uint32(12+20))

	s := w.newString("hello", true)
	c.Assert(SizeOf(m, s), qt.Equals, uint32(16+5))
	c.Assert(AlignedSizeOf(m, s), qt.Equals, uint32(24))
	c.Assert(StringValue(m, s), qt.Equals, "hello")
	c.Assert(StringHashCode(m, s), qt.Equals, int32(99162322))

	wide := w.newString("hi", false)
	c.Assert(StringIsCompressed(m, wide), qt.IsFalse)
	c.Assert(SizeOf(m, wide), qt.Equals, uint32(20))
	c.Assert(StringValue(m, wide), qt.Equals, "hi")

	c.Assert(SizeOf(m, w.node), qt.Equals, uint32(rtabi.ClassSize))
}

func TestVisitReferences(t *testing.T) {
	w := newWorld()
	m := w.m
	obj := m.alloc(20)
	SetClass(m, obj, w.node)
	var offs []uint32
	VisitReferences(m, obj, false, func(_ Ref, off uint32) { offs = append(offs, off) })
	qt.Assert(t, offs, qt.DeepEquals, []uint32{0, 8, 16})

	arr := m.alloc(ArraySize(4, 3))
	SetClass(m, arr, w.objArray)
	SetArrayLength(m, arr, 3)
	offs = nil
	VisitReferences(m, arr, false, func(_ Ref, off uint32) { offs = append(offs, off) })
	qt.Assert(t, offs, qt.DeepEquals, []uint32{0, 12, 16, 20})

	ref := m.alloc(rtabi.ReferenceSize)
	SetClass(m, ref, w.weak)
	offs = nil
	VisitReferences(m, ref, false, func(_ Ref, off uint32) { offs = append(offs, off) })
	qt.Assert(t, offs, qt.DeepEquals, []uint32{0, 12})
	offs = nil
	VisitReferences(m, ref, true, func(_ Ref, off uint32) { offs = append(offs, off) })
	qt.Assert(t, offs, qt.DeepEquals, []uint32{0, 8, 12})

	offs = nil
	VisitReferences(m, w.node, false, func(_ Ref, off uint32) { offs = append(offs, off) })
	qt.Assert(t, offs, qt.DeepEquals, []uint32{0, 8, 12, 16, 20})
}

func TestWriteBarrier(t *testing.T) {
	w := newWorld()
	m := w.m
	a := m.alloc(20)
	SetClass(m, a, w.node)
	b := m.alloc(20)
	SetClass(m, b, w.node)
	SetFieldRef(m, a, 8, b)
	qt.Assert(t, m.dirty[a], qt.IsTrue)
	qt.Assert(t, FieldRef(m, a, 8), qt.Equals, b)
	SetFieldRefNoBarrier(m, b, 8, a)
	qt.Assert(t, m.dirty[b], qt.IsFalse)
}

func TestLockWord(t *testing.T) {
	w := newWorld()
	m := w.m
	a := m.alloc(20)
	SetClass(m, a, w.node)

	SetHashCodeSeed(0x5eed)
	h1 := IdentityHashCode(m, a)
	qt.Assert(t, h1, qt.Not(qt.Equals), uint32(0))
	qt.Assert(t, IdentityHashCode(m, a), qt.Equals, h1)
	qt.Assert(t, HasIdentityHash(m, a), qt.IsTrue)

	SetHashCodeSeed(0x5eed)
	b := m.alloc(20)
	SetClass(m, b, w.node)
	qt.Assert(t, IdentityHashCode(m, b), qt.Equals, h1)

	SetForwardingAddress(m, a, 0x12345678)
	qt.Assert(t, IsForwarded(m, a), qt.IsTrue)
	qt.Assert(t, ForwardingAddress(m, a), qt.Equals, Ref(0x12345678))
}

func TestCopiedMethodCanonical(t *testing.T) {
	iface := &ArtMethod{AccessFlags: 0x0001 | 0x00400000}
	copied := NewCopiedMethod(iface, 0x2000, 3)
	qt.Assert(t, copied.IsCopied(), qt.IsTrue)
	qt.Assert(t, copied.IsDefault(), qt.IsTrue)
	qt.Assert(t, copied.CanonicalMethod(), qt.Equals, iface)
	again := NewCopiedMethod(copied, 0x3000, 4)
	qt.Assert(t, again.CanonicalMethod(), qt.Equals, iface)
	qt.Assert(t, iface.CanonicalMethod(), qt.Equals, iface)
}
