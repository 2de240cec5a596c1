package space

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// LargeObjectSpace holds objects above the large object threshold, each
// on its own pages.
type LargeObjectSpace interface {
	AllocSpace
	// Begin and End bound the addresses the space hands out.
	Begin() uint32
	End() uint32
	Walk(fn func(mirror.Ref))
	AllocationSize(obj mirror.Ref) uint32
	Close() error
}

// largeObjectBase is the part shared by both large object spaces: the
// address range, the bitmaps and the per-object sizes.
type largeObjectBase struct {
	name       string
	begin, end uint32
	mu         sync.Mutex
	sizes      map[mirror.Ref]uint32
	addrs      freeList
	live, mark *accounting.SpaceBitmap
	bytes      uint64
}

func (s *largeObjectBase) init(name string, begin, capacity uint32) {
	s.name = name
	s.begin, s.end = begin, begin+capacity
	s.sizes = make(map[mirror.Ref]uint32)
	s.addrs = freeList{{begin, capacity}}
	s.live = accounting.NewLargeObjectBitmap(name+" live-bitmap", begin, capacity)
	s.mark = accounting.NewLargeObjectBitmap(name+" mark-bitmap", begin, capacity)
}

func (s *largeObjectBase) Name() string                        { return s.name }
func (s *largeObjectBase) Type() Type                          { return TypeLargeObjectSpace }
func (s *largeObjectBase) RetentionPolicy() RetentionPolicy    { return AlwaysCollect }
func (s *largeObjectBase) CanMoveObjects() bool                { return false }
func (s *largeObjectBase) Begin() uint32                       { return s.begin }
func (s *largeObjectBase) End() uint32                         { return s.end }
func (s *largeObjectBase) LiveBitmap() *accounting.SpaceBitmap { return s.live }
func (s *largeObjectBase) MarkBitmap() *accounting.SpaceBitmap { return s.mark }

func (s *largeObjectBase) SwapBitmaps() {
	s.live, s.mark = s.mark, s.live
	liveName, markName := s.live.Name(), s.mark.Name()
	s.live.SetName(markName)
	s.mark.SetName(liveName)
}

func (s *largeObjectBase) BytesAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *largeObjectBase) ObjectsAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.sizes))
}

func (s *largeObjectBase) AllocationSize(obj mirror.Ref) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes[obj]
}

// objectAt returns the object covering addr.
func (s *largeObjectBase) objectAt(addr mirror.Ref) (mirror.Ref, uint32, bool) {
	if n, ok := s.sizes[addr]; ok {
		return addr, n, true
	}
	for obj, n := range s.sizes {
		if addr >= obj && uint32(addr) < uint32(obj)+n {
			return obj, n, true
		}
	}
	return 0, 0, false
}

func (s *largeObjectBase) Contains(obj mirror.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, ok := s.objectAt(obj)
	return ok
}

func (s *largeObjectBase) Walk(fn func(mirror.Ref)) {
	s.mu.Lock()
	objs := make([]mirror.Ref, 0, len(s.sizes))
	for o := range s.sizes {
		objs = append(objs, o)
	}
	s.mu.Unlock()
	sort.Slice(objs, func(i, j int) bool { return objs[i] < objs[j] })
	for _, o := range objs {
		fn(o)
	}
}

// LargeObjectMapSpace gives every object its own anonymous mapping.
type LargeObjectMapSpace struct {
	largeObjectBase
	maps map[mirror.Ref]*MemMap
}

// NewLargeObjectMapSpace reserves capacity bytes of addresses at begin.
func NewLargeObjectMapSpace(name string, begin, capacity uint32) *LargeObjectMapSpace {
	s := &LargeObjectMapSpace{maps: make(map[mirror.Ref]*MemMap)}
	s.init(name, begin, capacity)
	return s
}

func (s *LargeObjectMapSpace) Alloc(n uint32) (mirror.Ref, uint32) {
	n = base.RoundUp(n, base.PageSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.addrs.firstFit(n)
	if !ok {
		return 0, 0
	}
	mem, err := MapAnonymous(s.name+" object", addr, n)
	if err != nil {
		s.addrs.insert(extent{addr, n})
		return 0, 0
	}
	obj := mirror.Ref(addr)
	s.maps[obj] = mem
	s.sizes[obj] = n
	s.bytes += uint64(n)
	return obj, n
}

func (s *LargeObjectMapSpace) Free(obj mirror.Ref) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(obj)
}

func (s *LargeObjectMapSpace) freeLocked(obj mirror.Ref) uint32 {
	n, ok := s.sizes[obj]
	base.Check(ok, "%s: free of unallocated %v", s.name, obj)
	if err := s.maps[obj].Unmap(); err != nil {
		base.Fatalf("%s: %v", s.name, err)
	}
	delete(s.maps, obj)
	delete(s.sizes, obj)
	s.addrs.insert(extent{uint32(obj), n})
	s.bytes -= uint64(n)
	return n
}

func (s *LargeObjectMapSpace) FreeList(objs []mirror.Ref) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed uint32
	for _, o := range objs {
		freed += s.freeLocked(o)
	}
	return freed
}

func (s *LargeObjectMapSpace) Slice(addr mirror.Ref, n uint32) []byte {
	s.mu.Lock()
	obj, _, ok := s.objectAt(addr)
	mem := s.maps[obj]
	s.mu.Unlock()
	base.Check(ok, "%s: %v is not a large object", s.name, addr)
	return mem.Slice(uint32(addr), n)
}

func (s *LargeObjectMapSpace) Clear() {
	s.mu.Lock()
	objs := make([]mirror.Ref, 0, len(s.sizes))
	for o := range s.sizes {
		objs = append(objs, o)
	}
	s.mu.Unlock()
	s.FreeList(objs)
	s.live.ClearAll()
	s.mark.ClearAll()
}

// Close unmaps every remaining object.
func (s *LargeObjectMapSpace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for obj, mem := range s.maps {
		err = multierr.Append(err, mem.Unmap())
		delete(s.maps, obj)
	}
	return errors.Wrap(err, s.name)
}

// FreeListSpace carves page-aligned objects out of one mapping. Used when
// deterministic output is required, since its addresses do not depend on
// the order mappings are returned in.
type FreeListSpace struct {
	largeObjectBase
	mem *MemMap
}

// NewFreeListSpace maps capacity bytes at begin.
func NewFreeListSpace(name string, begin, capacity uint32) (*FreeListSpace, error) {
	mem, err := MapAnonymous(name, begin, capacity)
	if err != nil {
		return nil, err
	}
	s := &FreeListSpace{mem: mem}
	s.init(name, begin, mem.Size())
	return s, nil
}

func (s *FreeListSpace) Alloc(n uint32) (mirror.Ref, uint32) {
	n = base.RoundUp(n, base.PageSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.addrs.firstFit(n)
	if !ok {
		return 0, 0
	}
	s.mem.Zero(addr, addr+n)
	obj := mirror.Ref(addr)
	s.sizes[obj] = n
	s.bytes += uint64(n)
	return obj, n
}

func (s *FreeListSpace) freeLocked(obj mirror.Ref) uint32 {
	n, ok := s.sizes[obj]
	base.Check(ok, "%s: free of unallocated %v", s.name, obj)
	delete(s.sizes, obj)
	s.addrs.insert(extent{uint32(obj), n})
	s.bytes -= uint64(n)
	return n
}

func (s *FreeListSpace) Free(obj mirror.Ref) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(obj)
}

func (s *FreeListSpace) FreeList(objs []mirror.Ref) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed uint32
	for _, o := range objs {
		freed += s.freeLocked(o)
	}
	return freed
}

func (s *FreeListSpace) Contains(obj mirror.Ref) bool {
	return uint32(obj) >= s.begin && uint32(obj) < s.end
}

func (s *FreeListSpace) Slice(addr mirror.Ref, n uint32) []byte { return s.mem.Slice(uint32(addr), n) }

func (s *FreeListSpace) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Zero(s.begin, s.end)
	s.sizes = make(map[mirror.Ref]uint32)
	s.addrs = freeList{{s.begin, s.end - s.begin}}
	s.bytes = 0
	s.live.ClearAll()
	s.mark.ClearAll()
}

// Close unmaps the space.
func (s *FreeListSpace) Close() error { return s.mem.Unmap() }
