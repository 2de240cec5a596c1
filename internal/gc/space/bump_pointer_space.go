package space

import (
	"sync"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// TLAB is a thread-local allocation buffer: a range of a bump-pointer or
// region space owned by one thread, allocated from without locking.
type TLAB struct {
	Start, Pos, End uint32
	// Objects counts the objects allocated from the buffer.
	Objects uint64
}

// Alloc bumps n bytes out of the buffer, or returns 0 if it does not fit.
func (t *TLAB) Alloc(n uint32) mirror.Ref {
	n = base.RoundUp(n, base.ObjectAlignment)
	if t == nil || t.End-t.Pos < n {
		return 0
	}
	obj := mirror.Ref(t.Pos)
	t.Pos += n
	t.Objects++
	return obj
}

// Remaining returns the unused bytes of the buffer.
func (t *TLAB) Remaining() uint32 {
	if t == nil {
		return 0
	}
	return t.End - t.Pos
}

// Size returns the buffer's capacity.
func (t *TLAB) Size() uint32 { return t.End - t.Start }

// BumpPointerSpace allocates by bumping a pointer; objects are freed only by
// clearing the whole space. Copying collectors use a pair of them.
type BumpPointerSpace struct {
	continuous
	mu      sync.Mutex
	objects uint64
	bytes   uint64
}

// NewBumpPointerSpace maps a bump-pointer space of capacity bytes at begin.
func NewBumpPointerSpace(name string, begin, capacity uint32) (*BumpPointerSpace, error) {
	mem, err := MapAnonymous(name, begin, capacity)
	if err != nil {
		return nil, err
	}
	return NewBumpPointerSpaceFromMemMap(name, mem), nil
}

// NewBumpPointerSpaceFromMemMap builds a space over an existing map.
func NewBumpPointerSpaceFromMemMap(name string, mem *MemMap) *BumpPointerSpace {
	return &BumpPointerSpace{continuous: newContinuous(name, mem, mem.Begin(), mem.Begin(), mem.End())}
}

func (s *BumpPointerSpace) Type() Type                       { return TypeBumpPointerSpace }
func (s *BumpPointerSpace) RetentionPolicy() RetentionPolicy { return AlwaysCollect }
func (s *BumpPointerSpace) CanMoveObjects() bool             { return true }

func (s *BumpPointerSpace) bump(n uint32) uint32 {
	if s.limit-s.end < n {
		return 0
	}
	p := s.end
	s.end += n
	return p
}

func (s *BumpPointerSpace) Alloc(n uint32) (mirror.Ref, uint32) {
	n = base.RoundUp(n, base.ObjectAlignment)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.bump(n)
	if p == 0 {
		return 0, 0
	}
	s.objects++
	s.bytes += uint64(n)
	return mirror.Ref(p), n
}

// AllocNewTLAB carves a buffer of n bytes out of the space.
func (s *BumpPointerSpace) AllocNewTLAB(n uint32) *TLAB {
	n = base.RoundUp(n, base.ObjectAlignment)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.bump(n)
	if p == 0 {
		return nil
	}
	return &TLAB{Start: p, Pos: p, End: p + n}
}

// RevokeTLAB folds a buffer's counts into the space. The unused tail stays
// a hole that walks skip through the live bitmap.
func (s *BumpPointerSpace) RevokeTLAB(t *TLAB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects += t.Objects
	s.bytes += uint64(t.Pos - t.Start)
}

// Free is unsupported; bump-pointer spaces are only cleared as a whole.
func (s *BumpPointerSpace) Free(mirror.Ref) uint32 { return 0 }

// FreeList is unsupported; bump-pointer spaces are only cleared as a whole.
func (s *BumpPointerSpace) FreeList([]mirror.Ref) uint32 { return 0 }

func (s *BumpPointerSpace) BytesAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *BumpPointerSpace) ObjectsAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects
}

// SetCounts overwrites the allocation counts; copying collectors set them
// after filling a to-space.
func (s *BumpPointerSpace) SetCounts(objects, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects, s.bytes = objects, bytes
}

// SetEnd moves the bump pointer, used by mark-compact after sliding.
func (s *BumpPointerSpace) SetEnd(end uint32) {
	base.Check(end >= s.begin && end <= s.limit, "%s: end %#x out of range", s.name, end)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end = end
}

func (s *BumpPointerSpace) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Zero(s.begin, s.end)
	s.live.ClearAll()
	s.mark.ClearAll()
	s.end = s.begin
	s.objects, s.bytes = 0, 0
}

// Walk visits every object in address order.
func (s *BumpPointerSpace) Walk(fn func(mirror.Ref)) { s.live.VisitMarkedRange(s.begin, s.end, fn) }
