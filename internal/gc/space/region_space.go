package space

import (
	"fmt"
	"sync"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// RegionState is the allocation state of a region.
type RegionState uint8

const (
	RegionStateFree RegionState = iota
	RegionStateAllocated
	// RegionStateLarge is the first region of a large object.
	RegionStateLarge
	// RegionStateLargeTail is a following region of a large object.
	RegionStateLargeTail
)

// RegionType is the role of a region in a concurrent copying cycle.
type RegionType uint8

const (
	RegionTypeNone RegionType = iota
	RegionTypeToSpace
	RegionTypeFromSpace
	// RegionTypeUnevacFromSpace regions are collected in place; their
	// live objects are not copied.
	RegionTypeUnevacFromSpace
)

func (t RegionType) String() string {
	switch t {
	case RegionTypeNone:
		return "None"
	case RegionTypeToSpace:
		return "ToSpace"
	case RegionTypeFromSpace:
		return "FromSpace"
	case RegionTypeUnevacFromSpace:
		return "UnevacFromSpace"
	}
	return fmt.Sprintf("RegionType(%d)", int(t))
}

// Region is one fixed-size slice of a RegionSpace.
type Region struct {
	Index      int
	Begin, Top uint32
	End        uint32
	State      RegionState
	Type       RegionType
	Objects    uint64
	IsTLAB     bool
}

// BytesAllocated returns the bytes allocated in the region.
func (r *Region) BytesAllocated() uint32 {
	if r.State == RegionStateFree || r.State == RegionStateLargeTail {
		return 0
	}
	return r.Top - r.Begin
}

// RegionSpace splits its range into equal regions. Small objects are bump
// allocated inside a region, thread-local buffers are whole regions and
// large objects take runs of regions. The concurrent copying collector
// evacuates whole regions.
type RegionSpace struct {
	continuous
	mu         sync.Mutex
	regionSize uint32
	regions    []Region
	current    int
	evac       int
}

// DefaultRegionSize is the region size the heap uses.
const DefaultRegionSize = 256 * base.KB

// NewRegionSpace maps capacity bytes at begin split into regions of
// regionSize bytes.
func NewRegionSpace(name string, begin, capacity, regionSize uint32) (*RegionSpace, error) {
	base.Check(base.IsPowerOfTwo(regionSize) && regionSize >= base.PageSize, "region size %d", regionSize)
	capacity = base.RoundUp(capacity, regionSize)
	mem, err := MapAnonymous(name, begin, capacity)
	if err != nil {
		return nil, err
	}
	s := &RegionSpace{
		continuous: newContinuous(name, mem, begin, begin+capacity, begin+capacity),
		regionSize: regionSize,
		regions:    make([]Region, capacity/regionSize),
		current:    -1,
		evac:       -1,
	}
	for i := range s.regions {
		b := begin + uint32(i)*regionSize
		s.regions[i] = Region{Index: i, Begin: b, Top: b, End: b + regionSize}
	}
	return s, nil
}

func (s *RegionSpace) Type() Type                       { return TypeRegionSpace }
func (s *RegionSpace) RetentionPolicy() RetentionPolicy { return AlwaysCollect }
func (s *RegionSpace) CanMoveObjects() bool             { return true }

// RegionSize returns the size of each region.
func (s *RegionSpace) RegionSize() uint32 { return s.regionSize }

// NumRegions returns the number of regions.
func (s *RegionSpace) NumRegions() int { return len(s.regions) }

// RegionOf returns a copy of the region holding addr.
func (s *RegionSpace) RegionOf(addr mirror.Ref) Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.regionOf(addr)
}

func (s *RegionSpace) regionOf(addr mirror.Ref) *Region {
	base.DCheck(s.Contains(addr), "%s: %v outside space", s.name, addr)
	return &s.regions[(uint32(addr)-s.begin)/s.regionSize]
}

// allocRegion claims a free region for small objects.
func (s *RegionSpace) allocRegion(typ RegionType) int {
	for i := range s.regions {
		r := &s.regions[i]
		if r.State == RegionStateFree {
			r.State = RegionStateAllocated
			r.Type = typ
			r.Top = r.Begin
			return i
		}
	}
	return -1
}

func (s *RegionSpace) bumpIn(i int, n uint32) mirror.Ref {
	if i < 0 {
		return 0
	}
	r := &s.regions[i]
	if r.End-r.Top < n {
		return 0
	}
	obj := mirror.Ref(r.Top)
	r.Top += n
	r.Objects++
	return obj
}

func (s *RegionSpace) Alloc(n uint32) (mirror.Ref, uint32) {
	n = base.RoundUp(n, base.ObjectAlignment)
	if n > s.regionSize {
		return s.AllocLarge(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj := s.bumpIn(s.current, n); obj != 0 {
		return obj, n
	}
	s.current = s.allocRegion(RegionTypeToSpace)
	if obj := s.bumpIn(s.current, n); obj != 0 {
		return obj, n
	}
	return 0, 0
}

// AllocEvac allocates the copy of an evacuated object. Evacuation uses its
// own region so copies are not interleaved with mutator allocations.
func (s *RegionSpace) AllocEvac(n uint32) (mirror.Ref, uint32) {
	n = base.RoundUp(n, base.ObjectAlignment)
	if n > s.regionSize {
		return s.AllocLarge(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj := s.bumpIn(s.evac, n); obj != 0 {
		return obj, n
	}
	s.evac = s.allocRegion(RegionTypeToSpace)
	if obj := s.bumpIn(s.evac, n); obj != 0 {
		return obj, n
	}
	return 0, 0
}

// AllocLarge allocates n bytes on a run of free regions.
func (s *RegionSpace) AllocLarge(n uint32) (mirror.Ref, uint32) {
	count := int(base.RoundUp(n, s.regionSize) / s.regionSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i+count <= len(s.regions); i++ {
		free := true
		for j := i; j < i+count; j++ {
			if s.regions[j].State != RegionStateFree {
				free = false
				i = j
				break
			}
		}
		if !free {
			continue
		}
		first := &s.regions[i]
		first.State = RegionStateLarge
		first.Type = RegionTypeToSpace
		first.Top = first.Begin + n
		first.Objects = 1
		for j := i + 1; j < i+count; j++ {
			s.regions[j].State = RegionStateLargeTail
			s.regions[j].Type = RegionTypeToSpace
		}
		return mirror.Ref(first.Begin), n
	}
	return 0, 0
}

// AllocNewTLAB hands a whole free region to a thread.
func (s *RegionSpace) AllocNewTLAB() *TLAB {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.allocRegion(RegionTypeToSpace)
	if i < 0 {
		return nil
	}
	r := &s.regions[i]
	r.IsTLAB = true
	r.Top = r.End
	return &TLAB{Start: r.Begin, Pos: r.Begin, End: r.End}
}

// RevokeTLAB returns the unused tail of a thread's region.
func (s *RegionSpace) RevokeTLAB(t *TLAB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.regionOf(mirror.Ref(t.Start))
	base.Check(r.IsTLAB, "%s: region %d is not a thread-local buffer", s.name, r.Index)
	r.IsTLAB = false
	r.Top = t.Pos
	r.Objects += t.Objects
}

// Free is unsupported; regions are freed whole.
func (s *RegionSpace) Free(mirror.Ref) uint32 { return 0 }

// FreeList is unsupported; regions are freed whole.
func (s *RegionSpace) FreeList([]mirror.Ref) uint32 { return 0 }

func (s *RegionSpace) BytesAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for i := range s.regions {
		n += uint64(s.regions[i].BytesAllocated())
	}
	return n
}

func (s *RegionSpace) ObjectsAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for i := range s.regions {
		n += s.regions[i].Objects
	}
	return n
}

// NumFreeRegions returns the number of free regions.
func (s *RegionSpace) NumFreeRegions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.regions {
		if s.regions[i].State == RegionStateFree {
			n++
		}
	}
	return n
}

// SetFromSpace starts a copying cycle: every allocated region becomes from
// space. Large objects are collected in place. Thread-local buffers must
// have been revoked.
func (s *RegionSpace) SetFromSpace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.regions {
		r := &s.regions[i]
		base.Check(!r.IsTLAB, "%s: region %d still a thread-local buffer", s.name, i)
		switch r.State {
		case RegionStateAllocated:
			r.Type = RegionTypeFromSpace
		case RegionStateLarge, RegionStateLargeTail:
			r.Type = RegionTypeUnevacFromSpace
		}
	}
	s.current, s.evac = -1, -1
}

// IsInFromSpace reports whether obj is in an evacuated region.
func (s *RegionSpace) IsInFromSpace(obj mirror.Ref) bool {
	return s.regionType(obj) == RegionTypeFromSpace
}

// IsInUnevacFromSpace reports whether obj is in a region collected in place.
func (s *RegionSpace) IsInUnevacFromSpace(obj mirror.Ref) bool {
	return s.regionType(obj) == RegionTypeUnevacFromSpace
}

// IsInToSpace reports whether obj is in a to-space region.
func (s *RegionSpace) IsInToSpace(obj mirror.Ref) bool {
	return s.regionType(obj) == RegionTypeToSpace
}

func (s *RegionSpace) regionType(obj mirror.Ref) RegionType {
	if !s.Contains(obj) {
		return RegionTypeNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regionOf(obj).Type
}

// ClearFromSpace ends a copying cycle: evacuated regions are freed and
// unevacuated ones whose large object died are freed too. isLive reports
// whether a large object survived. It returns the objects and bytes freed.
func (s *RegionSpace) ClearFromSpace(isLive func(mirror.Ref) bool) (objects, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.regions {
		r := &s.regions[i]
		switch {
		case r.Type == RegionTypeFromSpace:
			objects += r.Objects
			bytes += uint64(r.BytesAllocated())
			s.freeRegion(r)
		case r.Type == RegionTypeUnevacFromSpace && r.State == RegionStateLarge:
			if isLive(mirror.Ref(r.Begin)) {
				s.regions[i].Type = RegionTypeToSpace
				for j := i + 1; j < len(s.regions) && s.regions[j].State == RegionStateLargeTail; j++ {
					s.regions[j].Type = RegionTypeToSpace
				}
				continue
			}
			objects++
			bytes += uint64(r.BytesAllocated())
			s.freeRegion(r)
			for j := i + 1; j < len(s.regions) && s.regions[j].State == RegionStateLargeTail; j++ {
				s.freeRegion(&s.regions[j])
			}
		}
	}
	return objects, bytes
}

func (s *RegionSpace) freeRegion(r *Region) {
	s.mem.Zero(r.Begin, r.End)
	s.live.ClearRange(r.Begin, r.End)
	s.mark.ClearRange(r.Begin, r.End)
	*r = Region{Index: r.Index, Begin: r.Begin, Top: r.Begin, End: r.End}
}

func (s *RegionSpace) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.regions {
		if s.regions[i].State != RegionStateFree {
			s.freeRegion(&s.regions[i])
		}
	}
	s.current, s.evac = -1, -1
}

// Walk visits every object in address order.
func (s *RegionSpace) Walk(fn func(mirror.Ref)) { s.live.VisitMarkedRange(s.begin, s.end, fn) }

// Regions returns a snapshot of every region.
func (s *RegionSpace) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Region(nil), s.regions...)
}
