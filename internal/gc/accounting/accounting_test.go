package accounting

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

const heapBegin = 0x10000

func TestSpaceBitmap(t *testing.T) {
	c := qt.New(t)
	b := NewContinuousSpaceBitmap("test", heapBegin, 64*1024)
	objs := []mirror.Ref{heapBegin, heapBegin + 8, heapBegin + 512, heapBegin + 64*1024 - 8}
	for _, o := range objs {
		c.Assert(b.Set(o), qt.IsFalse)
	}
	c.Assert(b.Set(objs[0]), qt.IsTrue)
	c.Assert(b.Count(), qt.Equals, len(objs))

	var got []mirror.Ref
	b.Walk(func(o mirror.Ref) { got = append(got, o) })
	c.Assert(got, qt.DeepEquals, objs)

	got = nil
	b.VisitMarkedRange(heapBegin+8, heapBegin+513, func(o mirror.Ref) { got = append(got, o) })
	c.Assert(got, qt.DeepEquals, []mirror.Ref{heapBegin + 8, heapBegin + 512})

	c.Assert(b.Clear(objs[1]), qt.IsTrue)
	c.Assert(b.Clear(objs[1]), qt.IsFalse)
	c.Assert(b.Test(objs[1]), qt.IsFalse)

	b.ClearRange(heapBegin, heapBegin+1024)
	c.Assert(b.Count(), qt.Equals, 1)
}

func TestSweepWalk(t *testing.T) {
	c := qt.New(t)
	live := NewContinuousSpaceBitmap("live", heapBegin, 4096)
	mark := NewContinuousSpaceBitmap("mark", heapBegin, 4096)
	for a := mirror.Ref(heapBegin); a < heapBegin+4096; a += 16 {
		live.Set(a)
		if (a/16)%3 == 0 {
			mark.Set(a)
		}
	}
	var garbage []mirror.Ref
	SweepWalk(live, mark, heapBegin, heapBegin+4096, func(batch []mirror.Ref) {
		garbage = append(garbage, batch...)
	})
	c.Assert(garbage, qt.HasLen, live.Count()-mark.Count())
	for _, g := range garbage {
		c.Assert(mark.Test(g), qt.IsFalse)
	}
}

func TestCardTable(t *testing.T) {
	c := qt.New(t)
	ct := NewCardTable(heapBegin, 16*rtabi.CardSize)
	ct.MarkCard(heapBegin + 3*rtabi.CardSize + 8)
	c.Assert(ct.IsDirty(heapBegin+3*rtabi.CardSize), qt.IsTrue)
	c.Assert(ct.IsClean(heapBegin), qt.IsTrue)

	var changed []int
	ct.ModifyCardsAtomic(heapBegin, heapBegin+16*rtabi.CardSize, AgeCard, func(card int, old, nv byte) {
		c.Assert(old, qt.Equals, byte(rtabi.CardDirty))
		c.Assert(nv, qt.Equals, byte(rtabi.CardAged))
		changed = append(changed, card)
	})
	c.Assert(changed, qt.DeepEquals, []int{3})

	bm := NewContinuousSpaceBitmap("live", heapBegin, 16*rtabi.CardSize)
	bm.Set(heapBegin + 3*rtabi.CardSize + 8)
	bm.Set(heapBegin + 5*rtabi.CardSize)
	var seen []mirror.Ref
	n := ct.Scan(bm, heapBegin, heapBegin+16*rtabi.CardSize, rtabi.CardAged, func(o mirror.Ref) { seen = append(seen, o) })
	c.Assert(n, qt.Equals, 1)
	c.Assert(seen, qt.DeepEquals, []mirror.Ref{heapBegin + 3*rtabi.CardSize + 8})
}

func TestObjectStack(t *testing.T) {
	c := qt.New(t)
	s := NewObjectStack("alloc", 2)
	c.Assert(s.AtomicPushBack(0x30), qt.IsTrue)
	c.Assert(s.AtomicPushBack(0x10), qt.IsTrue)
	c.Assert(s.AtomicPushBack(0x20), qt.IsFalse)
	s.PushBack(0x20)
	c.Assert(s.Capacity(), qt.Equals, 4)
	c.Assert(s.ContainsSorted(0x20), qt.IsTrue)
	c.Assert(s.ContainsSorted(0x28), qt.IsFalse)
	c.Assert(s.Entries(), qt.DeepEquals, []mirror.Ref{0x10, 0x20, 0x30})
	c.Assert(s.PopBack(), qt.Equals, mirror.Ref(0x30))
	s.Reset()
	c.Assert(s.IsEmpty(), qt.IsTrue)
}

func TestHeapBitmap(t *testing.T) {
	c := qt.New(t)
	var h HeapBitmap
	a := NewContinuousSpaceBitmap("a", heapBegin, 4096)
	b := NewContinuousSpaceBitmap("b", heapBegin+4096, 4096)
	los := NewLargeObjectBitmap("los", heapBegin+0x100000, 1<<20)
	h.AddContinuousSpaceBitmap(a)
	h.AddContinuousSpaceBitmap(b)
	h.AddLargeObjectBitmap(los)
	c.Assert(h.Set(heapBegin+4096+8), qt.IsFalse)
	c.Assert(h.Set(heapBegin+0x100000+4096), qt.IsFalse)
	c.Assert(b.Test(heapBegin+4096+8), qt.IsTrue)
	c.Assert(h.Test(heapBegin+0x100000+4096), qt.IsTrue)
	c.Assert(h.Test(0x10), qt.IsFalse)
	c.Assert(func() { h.AddContinuousSpaceBitmap(NewContinuousSpaceBitmap("c", heapBegin+2048, 4096)) },
		qt.PanicMatches, "fatal: bitmap c overlaps a")
}

// memory is a flat little-endian heap starting at heapBegin.
type memory struct {
	data  []byte
	cards *CardTable
}

func (m *memory) Slice(addr mirror.Ref, n uint32) []byte {
	off := uint32(addr) - heapBegin
	return m.data[off : off+n]
}

func (m *memory) WriteBarrier(obj mirror.Ref) { m.cards.MarkCard(obj) }

func TestModUnionTableCardCache(t *testing.T) {
	c := qt.New(t)
	const size = 8 * rtabi.CardSize
	ct := NewCardTable(heapBegin, 2*size)
	m := &memory{data: make([]byte, 2*size), cards: ct}

	// A class with one reference field at offset 8, inside the space.
	klass := mirror.Ref(heapBegin)
	mirror.InitClass(m, klass, mirror.ClassInit{ObjectSize: 16, ReferenceOffset: 1})
	mirror.SetClass(m, klass, klass)
	outside := mirror.Ref(heapBegin + size + 8)

	live := NewContinuousSpaceBitmap("image", heapBegin, size)
	holder := mirror.Ref(heapBegin + 2*rtabi.CardSize)
	inner := mirror.Ref(heapBegin + 4*rtabi.CardSize)
	for _, o := range []mirror.Ref{holder, inner} {
		mirror.SetClass(m, o, klass)
		live.Set(o)
	}
	region := Region{Name: "image", Begin: heapBegin, End: func() uint32 { return heapBegin + size }, Live: func() *SpaceBitmap { return live }}
	table := NewModUnionTableCardCache("image mod-union", region, m, ct, nil)

	mirror.SetFieldRef(m, holder, 8, outside)
	mirror.SetFieldRef(m, inner, 8, holder)
	table.ClearCards()
	c.Assert(table.Dump(), qt.DeepEquals, []uint32{uint32(holder), uint32(inner)})
	c.Assert(ct.IsDirty(uint32(holder)), qt.IsFalse)

	var visited []mirror.Ref
	table.UpdateAndMarkReferences(func(obj mirror.Ref, off uint32) {
		c.Assert(off, qt.Equals, uint32(8))
		visited = append(visited, obj)
	})
	c.Assert(visited, qt.DeepEquals, []mirror.Ref{holder})
	// The card of inner only points inside the space and is dropped.
	if diff := cmp.Diff([]uint32{uint32(holder)}, table.Dump()); diff != "" {
		t.Fatalf("remembered cards (-want +got):\n%s", diff)
	}
	c.Assert(table.ContainsCardFor(uint32(inner)), qt.IsFalse)
}

func TestRememberedSet(t *testing.T) {
	c := qt.New(t)
	const size = 8 * rtabi.CardSize
	ct := NewCardTable(heapBegin, 2*size)
	m := &memory{data: make([]byte, 2*size), cards: ct}
	klass := mirror.Ref(heapBegin + size)
	mirror.InitClass(m, klass, mirror.ClassInit{ObjectSize: 16, ReferenceOffset: 1})
	mirror.SetClass(m, klass, klass)
	target := mirror.Ref(heapBegin + size + 2*rtabi.CardSize)

	live := NewContinuousSpaceBitmap("non moving", heapBegin, size)
	obj := mirror.Ref(heapBegin + rtabi.CardSize)
	mirror.SetClass(m, obj, klass)
	live.Set(obj)
	rs := NewRememberedSet("rs", Region{Begin: heapBegin, End: func() uint32 { return heapBegin + size }, Live: func() *SpaceBitmap { return live }}, m, ct)
	mirror.SetFieldRef(m, obj, 8, target)
	rs.ClearCards()
	c.Assert(rs.Len(), qt.Equals, 1)

	inTarget := func(r mirror.Ref) bool { return uint32(r) >= heapBegin+size+rtabi.CardSize }
	moved := mirror.Ref(heapBegin + size)
	rs.UpdateAndMarkReferences(inTarget, func(holder mirror.Ref, off uint32) {
		mirror.SetFieldRefNoBarrier(m, holder, off, moved)
	})
	c.Assert(mirror.FieldRef(m, obj, 8), qt.Equals, moved)
	c.Assert(rs.Len(), qt.Equals, 0)
}

func TestSpaceBitmapBinaryRoundTrip(t *testing.T) {
	c := qt.New(t)
	b := NewContinuousSpaceBitmap("image", heapBegin, 4096)
	for _, o := range []mirror.Ref{heapBegin, heapBegin + 64, heapBegin + 4088} {
		b.Set(o)
	}
	data := b.AppendBinary(nil)
	c.Assert(data, qt.HasLen, 4096/8/8)

	got, err := NewContinuousSpaceBitmapFromBytes("image", heapBegin, 4096, data)
	c.Assert(err, qt.IsNil)
	var objs []mirror.Ref
	got.Walk(func(o mirror.Ref) { objs = append(objs, o) })
	c.Assert(objs, qt.DeepEquals, []mirror.Ref{heapBegin, heapBegin + 64, heapBegin + 4088})

	_, err = NewContinuousSpaceBitmapFromBytes("image", heapBegin, 4096, data[1:])
	c.Assert(err, qt.ErrorMatches, `bitmap image: .*`)
}
