package space

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

const testBegin = 0x12c00000

func TestMallocSpace(t *testing.T) {
	c := qt.New(t)
	s, err := NewMallocSpace("main", testBegin, 8*base.KB, 64*base.KB, 128*base.KB, false)
	c.Assert(err, qt.IsNil)
	defer s.MemMap().Unmap()

	a, n := s.Alloc(20)
	c.Assert(a, qt.Equals, mirror.Ref(testBegin))
	c.Assert(n, qt.Equals, uint32(24))
	b, _ := s.Alloc(16)
	d, _ := s.Alloc(32)
	c.Assert(s.ObjectsAllocated(), qt.Equals, uint64(3))
	c.Assert(s.BytesAllocated(), qt.Equals, uint64(72))

	s.Slice(b, 4)[0] = 0xff
	c.Assert(s.Free(b), qt.Equals, uint32(16))
	// The freed slot is reused and handed out zeroed.
	e, _ := s.Alloc(8)
	c.Assert(e, qt.Equals, b)
	c.Assert(s.Slice(e, 4)[0], qt.Equals, byte(0))

	c.Assert(s.FreeList([]mirror.Ref{a, e}), qt.Equals, uint32(32))
	c.Assert(s.FreeExtents(), qt.DeepEquals, [][2]uint32{{testBegin, 40}})
	c.Assert(s.Free(d), qt.Equals, uint32(32))
	c.Assert(s.Trim(), qt.Equals, uint32(72))
	c.Assert(s.End(), qt.Equals, uint32(testBegin))
}

func TestMallocSpaceGrowth(t *testing.T) {
	c := qt.New(t)
	s, err := NewMallocSpace("main", testBegin, 4*base.KB, 16*base.KB, 32*base.KB, false)
	c.Assert(err, qt.IsNil)
	defer s.MemMap().Unmap()

	obj, _ := s.Alloc(8 * base.KB)
	c.Assert(obj, qt.Equals, mirror.Ref(0))
	obj, _ = s.AllocWithGrowth(8 * base.KB)
	c.Assert(obj, qt.Not(qt.Equals), mirror.Ref(0))
	c.Assert(s.FootprintLimit(), qt.Equals, uint32(testBegin+8*base.KB))
	obj, _ = s.AllocWithGrowth(16 * base.KB)
	c.Assert(obj, qt.Equals, mirror.Ref(0))
	s.ClearGrowthLimit()
	obj, _ = s.AllocWithGrowth(16 * base.KB)
	c.Assert(obj, qt.Not(qt.Equals), mirror.Ref(0))
}

func TestCreateZygoteSpace(t *testing.T) {
	c := qt.New(t)
	s, err := NewMallocSpace("non moving", testBegin, 64*base.KB, 64*base.KB, 64*base.KB, false)
	c.Assert(err, qt.IsNil)
	defer s.MemMap().Unmap()
	for i := 0; i < 3; i++ {
		obj, _ := s.Alloc(64)
		s.LiveBitmap().Set(obj)
	}
	zygote, alloc := s.CreateZygoteSpace("zygote space", "alloc space")
	c.Assert(zygote.Begin(), qt.Equals, uint32(testBegin))
	c.Assert(zygote.End(), qt.Equals, uint32(testBegin+base.PageSize))
	c.Assert(zygote.ObjectsAllocated(), qt.Equals, uint64(3))
	c.Assert(zygote.LiveBitmap().Count(), qt.Equals, 3)
	c.Assert(alloc.Begin(), qt.Equals, uint32(testBegin+base.PageSize))
	obj, _ := alloc.Alloc(8)
	c.Assert(obj, qt.Equals, mirror.Ref(testBegin+base.PageSize))
	c.Assert(zygote.Contains(obj), qt.IsFalse)
}

func TestBumpPointerSpaceTLAB(t *testing.T) {
	c := qt.New(t)
	s, err := NewBumpPointerSpace("bump", testBegin, 64*base.KB)
	c.Assert(err, qt.IsNil)
	defer s.MemMap().Unmap()

	obj, n := s.Alloc(12)
	c.Assert(obj, qt.Equals, mirror.Ref(testBegin))
	c.Assert(n, qt.Equals, uint32(16))
	tlab := s.AllocNewTLAB(4 * base.KB)
	c.Assert(tlab.Start, qt.Equals, uint32(testBegin+16))
	c.Assert(tlab.Alloc(24), qt.Equals, mirror.Ref(testBegin+16))
	c.Assert(tlab.Alloc(8), qt.Equals, mirror.Ref(testBegin+40))
	c.Assert(tlab.Alloc(8*base.KB), qt.Equals, mirror.Ref(0))
	s.RevokeTLAB(tlab)
	c.Assert(s.ObjectsAllocated(), qt.Equals, uint64(3))
	c.Assert(s.BytesAllocated(), qt.Equals, uint64(48))
	s.Clear()
	c.Assert(s.End(), qt.Equals, uint32(testBegin))
}

func TestRegionSpace(t *testing.T) {
	c := qt.New(t)
	const region = 16 * base.KB
	s, err := NewRegionSpace("region", testBegin, 8*region, region)
	c.Assert(err, qt.IsNil)
	defer s.MemMap().Unmap()

	small, _ := s.Alloc(32)
	s.LiveBitmap().Set(small)
	large, n := s.Alloc(2*region + 8)
	c.Assert(n, qt.Equals, uint32(2*region+8))
	c.Assert(s.RegionOf(large).State, qt.Equals, RegionStateLarge)
	c.Assert(s.RegionOf(large+region).State, qt.Equals, RegionStateLargeTail)
	tlab := s.AllocNewTLAB()
	c.Assert(tlab.Size(), qt.Equals, uint32(region))
	tlab.Alloc(64)
	s.RevokeTLAB(tlab)
	c.Assert(s.NumFreeRegions(), qt.Equals, 3)
	c.Assert(s.BytesAllocated(), qt.Equals, uint64(32+2*region+8+64))

	s.SetFromSpace()
	c.Assert(s.IsInFromSpace(small), qt.IsTrue)
	c.Assert(s.IsInUnevacFromSpace(large), qt.IsTrue)
	moved, _ := s.AllocEvac(32)
	c.Assert(s.IsInToSpace(moved), qt.IsTrue)

	objects, bytes := s.ClearFromSpace(func(obj mirror.Ref) bool { return obj == large })
	c.Assert(objects, qt.Equals, uint64(2))
	c.Assert(bytes, qt.Equals, uint64(32+64))
	c.Assert(s.IsInToSpace(large), qt.IsTrue)
	c.Assert(s.LiveBitmap().Test(small), qt.IsFalse)
	c.Assert(s.ObjectsAllocated(), qt.Equals, uint64(2))
}

func TestLargeObjectSpaces(t *testing.T) {
	for _, tc := range []struct {
		name string
		make func() (LargeObjectSpace, error)
	}{
		{"map", func() (LargeObjectSpace, error) {
			return NewLargeObjectMapSpace("los", testBegin, 1*base.MB), nil
		}},
		{"free list", func() (LargeObjectSpace, error) {
			return NewFreeListSpace("los", testBegin, 1*base.MB)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := qt.New(t)
			s, err := tc.make()
			c.Assert(err, qt.IsNil)
			defer s.Close()

			a, n := s.Alloc(20 * base.KB)
			c.Assert(n, qt.Equals, uint32(20*base.KB))
			b, _ := s.Alloc(13 * base.KB)
			c.Assert(uint32(b), qt.Equals, uint32(a)+20*base.KB)
			c.Assert(s.AllocationSize(b), qt.Equals, uint32(16*base.KB))
			s.Slice(b+100, 4)[0] = 7
			c.Assert(s.Contains(b+100), qt.IsTrue)

			c.Assert(s.Free(a), qt.Equals, uint32(20*base.KB))
			again, _ := s.Alloc(8 * base.KB)
			c.Assert(again, qt.Equals, a)
			var seen []mirror.Ref
			s.Walk(func(o mirror.Ref) { seen = append(seen, o) })
			c.Assert(seen, qt.DeepEquals, []mirror.Ref{a, b})
			c.Assert(s.ObjectsAllocated(), qt.Equals, uint64(2))
			c.Assert(s.BytesAllocated(), qt.Equals, uint64(24*base.KB))
		})
	}
}
