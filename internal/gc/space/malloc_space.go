package space

import (
	"sync"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// MallocSpace is a non-moving free-list space. The in-use part
// [Begin, End) grows on demand up to the footprint limit, which itself
// may be raised up to the growth limit.
type MallocSpace struct {
	continuous
	mu             sync.Mutex
	free           freeList
	sizes          map[mirror.Ref]uint32
	footprintLimit uint32
	growthLimit    uint32
	bytes          uint64
	canMove        bool
}

// NewMallocSpace maps a free-list space. initial bytes are usable at once;
// growthLimit caps how far the footprint may grow; capacity is reserved.
func NewMallocSpace(name string, begin, initial, growthLimit, capacity uint32, canMove bool) (*MallocSpace, error) {
	mem, err := MapAnonymous(name, begin, capacity)
	if err != nil {
		return nil, err
	}
	return NewMallocSpaceFromMemMap(name, mem, initial, growthLimit, canMove), nil
}

// NewMallocSpaceFromMemMap builds a free-list space over mem.
func NewMallocSpaceFromMemMap(name string, mem *MemMap, initial, growthLimit uint32, canMove bool) *MallocSpace {
	if growthLimit > mem.Size() {
		growthLimit = mem.Size()
	}
	if initial > growthLimit {
		initial = growthLimit
	}
	return &MallocSpace{
		continuous:     newContinuous(name, mem, mem.Begin(), mem.Begin(), mem.End()),
		sizes:          make(map[mirror.Ref]uint32),
		footprintLimit: mem.Begin() + base.RoundUp(initial, base.PageSize),
		growthLimit:    mem.Begin() + growthLimit,
		canMove:        canMove,
	}
}

func (s *MallocSpace) Type() Type                       { return TypeMallocSpace }
func (s *MallocSpace) RetentionPolicy() RetentionPolicy { return AlwaysCollect }
func (s *MallocSpace) CanMoveObjects() bool             { return s.canMove }

// Alloc allocates within the current footprint limit.
func (s *MallocSpace) Alloc(n uint32) (mirror.Ref, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked(n, s.footprintLimit)
}

// AllocWithGrowth allocates, raising the footprint up to the growth limit
// if needed.
func (s *MallocSpace) AllocWithGrowth(n uint32) (mirror.Ref, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, got := s.allocLocked(n, s.growthLimit)
	if obj != 0 && s.end > s.footprintLimit {
		s.footprintLimit = base.RoundUp(s.end, base.PageSize)
	}
	return obj, got
}

func (s *MallocSpace) allocLocked(n, limit uint32) (mirror.Ref, uint32) {
	n = base.RoundUp(n, base.ObjectAlignment)
	if p, ok := s.free.firstFit(n); ok {
		return s.commit(p, n), n
	}
	if s.end > limit || limit-s.end < n {
		return 0, 0
	}
	p := s.end
	s.end += n
	return s.commit(p, n), n
}

func (s *MallocSpace) commit(p, n uint32) mirror.Ref {
	s.mem.Zero(p, p+n)
	obj := mirror.Ref(p)
	s.sizes[obj] = n
	s.bytes += uint64(n)
	return obj
}

func (s *MallocSpace) Free(obj mirror.Ref) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(obj)
}

func (s *MallocSpace) FreeList(objs []mirror.Ref) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed uint32
	for _, o := range objs {
		freed += s.freeLocked(o)
	}
	return freed
}

func (s *MallocSpace) freeLocked(obj mirror.Ref) uint32 {
	n, ok := s.sizes[obj]
	base.Check(ok, "%s: free of unallocated %v", s.name, obj)
	delete(s.sizes, obj)
	s.bytes -= uint64(n)
	s.free.insert(extent{uint32(obj), n})
	return n
}

// AllocationSize returns the bytes obj consumes.
func (s *MallocSpace) AllocationSize(obj mirror.Ref) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes[obj]
}

func (s *MallocSpace) BytesAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *MallocSpace) ObjectsAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.sizes))
}

// FreeBytes returns the bytes still allocatable without raising the
// footprint: free extents plus the untouched tail below the limit.
func (s *MallocSpace) FreeBytes() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.footprintLimit - s.end + s.free.total()
}

// LargestFreeBlock returns the largest single allocation that would
// succeed within the growth limit.
func (s *MallocSpace) LargestFreeBlock() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.growthLimit - s.end
	for _, e := range s.free {
		if e.size > n {
			n = e.size
		}
	}
	return n
}

// FootprintLimit returns the current soft limit address.
func (s *MallocSpace) FootprintLimit() uint32 { return s.footprintLimit }

// SetFootprintLimit sets the soft limit to begin+bytes, clamped to
// [End, growth limit].
func (s *MallocSpace) SetFootprintLimit(bytes uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.begin + base.RoundUp(bytes, base.PageSize)
	if limit < s.end {
		limit = s.end
	}
	if limit > s.growthLimit {
		limit = s.growthLimit
	}
	s.footprintLimit = limit
}

// GrowthLimit returns the growth limit address.
func (s *MallocSpace) GrowthLimit() uint32 { return s.growthLimit }

// ClearGrowthLimit lets the space grow to its full capacity.
func (s *MallocSpace) ClearGrowthLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.growthLimit = s.limit
}

// Trim returns the free tail of the in-use range to the unused part of the
// map and reports how many bytes were released.
func (s *MallocSpace) Trim() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.free.last()
	if !ok || last.end() != s.end {
		return 0
	}
	s.free = s.free[:len(s.free)-1]
	s.end = last.begin
	s.mem.Zero(last.begin, last.begin+last.size)
	return last.size
}

func (s *MallocSpace) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Zero(s.begin, s.end)
	s.live.ClearAll()
	s.mark.ClearAll()
	s.free = nil
	s.sizes = make(map[mirror.Ref]uint32)
	s.bytes = 0
	s.end = s.begin
}

// Walk visits every allocated object in address order.
func (s *MallocSpace) Walk(fn func(mirror.Ref)) { s.live.VisitMarkedRange(s.begin, s.end, fn) }

// FreeExtents returns the gaps between allocated objects, in address
// order. The zygote compactor packs objects into them.
func (s *MallocSpace) FreeExtents() [][2]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]uint32, len(s.free))
	for i, e := range s.free {
		out[i] = [2]uint32{e.begin, e.size}
	}
	return out
}

// AllocAt claims exactly [addr, addr+n) from a free extent.
func (s *MallocSpace) AllocAt(addr mirror.Ref, n uint32) bool {
	n = base.RoundUp(n, base.ObjectAlignment)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.free.claim(uint32(addr), n) {
		return false
	}
	s.commit(uint32(addr), n)
	return true
}

// CreateZygoteSpace splits the space at its page-aligned end. The part in
// use becomes a zygote space named zygoteName; the rest becomes a new
// free-list space, which is returned alongside it.
func (s *MallocSpace) CreateZygoteSpace(zygoteName, allocName string) (*ZygoteSpace, *MallocSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	split := base.RoundUp(s.end, base.PageSize)
	if split == s.limit {
		base.Fatalf("%s: no room left after the zygote split", s.name)
	}
	tailMem := s.mem.RemapAtEnd(split, allocName)
	zygote := newZygoteSpace(zygoteName, s.mem, s.begin, split, s.live, uint64(len(s.sizes)))
	growth, initial := uint32(0), uint32(0)
	if s.growthLimit > split {
		growth = s.growthLimit - split
	}
	if s.footprintLimit > split {
		initial = s.footprintLimit - split
	}
	alloc := NewMallocSpaceFromMemMap(allocName, tailMem, initial, growth, s.canMove)
	return zygote, alloc
}
