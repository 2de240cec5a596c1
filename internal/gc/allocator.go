package gc

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// AllocatorType selects where an allocation is served from.
type AllocatorType int

const (
	AllocatorBumpPointer AllocatorType = iota
	AllocatorTLAB
	AllocatorFreeList
	AllocatorNonMoving
	AllocatorLOS
	AllocatorRegion
	AllocatorRegionTLAB
)

var allocatorNames = [...]string{
	AllocatorBumpPointer: "BumpPointer",
	AllocatorTLAB:        "TLAB",
	AllocatorFreeList:    "FreeList",
	AllocatorNonMoving:   "NonMoving",
	AllocatorLOS:         "LOS",
	AllocatorRegion:      "Region",
	AllocatorRegionTLAB:  "RegionTLAB",
}

func (a AllocatorType) String() string {
	if a >= 0 && int(a) < len(allocatorNames) {
		return allocatorNames[a]
	}
	return fmt.Sprintf("AllocatorType(%d)", int(a))
}

// hasAllocationStack reports whether objects from a are recorded on the
// allocation stack for sticky collections.
func (a AllocatorType) hasAllocationStack() bool {
	return a == AllocatorFreeList || a == AllocatorNonMoving || a == AllocatorLOS
}

func (a AllocatorType) isThreadLocal() bool {
	return a == AllocatorTLAB || a == AllocatorRegionTLAB
}

// AllocObject allocates size bytes of an object of class klass. init runs
// on the zeroed object after its class is set and before anyone else can
// see it. On failure the thread's OutOfMemoryError is raised and an error
// wrapping ErrOutOfMemory is returned.
func (h *Heap) AllocObject(self Thread, klass mirror.Ref, size uint32, init func(obj mirror.Ref)) (mirror.Ref, error) {
	return h.allocObject(self, klass, size, init, false)
}

// AllocNonMovableObject is AllocObject in the non-moving space.
func (h *Heap) AllocNonMovableObject(self Thread, klass mirror.Ref, size uint32, init func(obj mirror.Ref)) (mirror.Ref, error) {
	return h.allocObject(self, klass, size, init, true)
}

// AllocLargeObject allocates in the large object space regardless of size,
// falling back to the ordinary path when there is none.
func (h *Heap) AllocLargeObject(self Thread, klass mirror.Ref, size uint32, init func(obj mirror.Ref)) (mirror.Ref, error) {
	if h.los == nil {
		return h.AllocObject(self, klass, size, init)
	}
	return h.allocWithAllocator(self, klass, base.RoundUp(size, base.ObjectAlignment), init, AllocatorLOS)
}

func (h *Heap) allocObject(self Thread, klass mirror.Ref, size uint32, init func(obj mirror.Ref), nonMovable bool) (mirror.Ref, error) {
	size = base.RoundUp(size, base.ObjectAlignment)
	allocator := h.CurrentAllocator()
	switch {
	case h.los != nil && size >= h.largeObjectThreshold:
		allocator = AllocatorLOS
	case nonMovable:
		allocator = AllocatorNonMoving
	}
	return h.allocWithAllocator(self, klass, size, init, allocator)
}

func (h *Heap) allocWithAllocator(self Thread, klass mirror.Ref, size uint32, init func(obj mirror.Ref), allocator AllocatorType) (mirror.Ref, error) {
	if self != nil && self.IsExceptionPending() {
		base.Fatalf("allocating %d bytes with a pending exception", size)
	}
	for {
		obj, bytes := h.tryToAllocate(self, allocator, size, false)
		if obj == 0 {
			var err error
			obj, bytes, err = h.allocateInternalWithGc(self, allocator, size, &klass)
			if err != nil {
				return 0, err
			}
			if obj == 0 {
				// A collector transition changed the allocator; start over
				// with the new one.
				allocator = h.CurrentAllocator()
				continue
			}
		}
		return h.finishAllocation(self, obj, klass, size, bytes, init, allocator), nil
	}
}

// finishAllocation publishes a freshly allocated object. bytes is what
// the allocation adds to the heap's byte count; it is 0 for objects
// carved from a thread-local buffer, which was counted whole.
func (h *Heap) finishAllocation(self Thread, obj, klass mirror.Ref, size, bytes uint32, init func(mirror.Ref), allocator AllocatorType) mirror.Ref {
	mirror.SetClass(h, obj, klass)
	if init != nil {
		init(obj)
	}
	if sp := h.allocSpaceFor(allocator); sp != nil {
		sp.LiveBitmap().AtomicTestAndSet(obj)
	}
	if bytes > 0 {
		h.numBytesAllocated.Add(uint64(bytes))
		h.numObjectsAllocated.Add(1)
	}
	if allocator.hasAllocationStack() {
		obj = h.pushOnAllocationStack(self, obj)
	}
	if sp := h.SpaceOf(obj); sp != nil && !sp.CanMoveObjects() {
		// The card of a new non-moving object may be clean while its
		// initializer stored references to movable objects.
		h.cardTable.MarkCard(obj)
	}
	if l := h.allocListener.Load(); l != nil {
		(*l).ObjectAllocated(self, obj, size)
	}
	if h.GetBytesAllocated() >= h.concurrentStartBytes.Load() {
		h.RequestConcurrentGC(self, gccause.Background, false)
	}
	return obj
}

// pushOnAllocationStack records obj for sticky collections. A full stack
// triggers a sticky collection to empty it; obj is kept alive across it.
func (h *Heap) pushOnAllocationStack(self Thread, obj mirror.Ref) mirror.Ref {
	if h.allocStack.AtomicPushBack(obj) {
		return obj
	}
	pop := h.pushTempRoot(&obj)
	h.CollectGarbageInternal(self, gccause.GcTypeSticky, gccause.Alloc, false)
	pop()
	if !h.allocStack.AtomicPushBack(obj) {
		base.Fatalf("no room on the allocation stack after a collection (%d entries)", h.allocStack.Size())
	}
	return obj
}

func (h *Heap) allocSpaceFor(a AllocatorType) space.Space {
	switch a {
	case AllocatorBumpPointer, AllocatorTLAB:
		if h.bumpSpace != nil {
			return h.bumpSpace
		}
	case AllocatorRegion, AllocatorRegionTLAB:
		if h.regionSpace != nil {
			return h.regionSpace
		}
	case AllocatorFreeList:
		if h.mainMalloc != nil {
			return h.mainMalloc
		}
	case AllocatorNonMoving:
		return h.nonMovingSpace
	case AllocatorLOS:
		if h.los != nil {
			return h.los
		}
	}
	return nil
}

// isOutOfMemoryOnAllocation reports whether allocating n more bytes would
// exceed the heap's limits. Past the target footprint a concurrent
// collector lets the allocation through and catches up; otherwise the
// footprint only grows when grow is set.
func (h *Heap) isOutOfMemoryOnAllocation(n uint32, grow bool) bool {
	newFootprint := h.GetBytesAllocated() + uint64(n)
	target := h.targetFootprint.Load()
	if newFootprint <= target {
		return false
	}
	if newFootprint > h.growthLimit {
		return true
	}
	if h.IsGcConcurrent() {
		return false
	}
	if !grow {
		return true
	}
	if h.targetFootprint.CompareAndSwap(target, newFootprint) {
		h.log.Debugw("growing heap from allocation", "from", target, "to", newFootprint)
	}
	return false
}

// tryToAllocate attempts one allocation without collecting. It returns the
// object and the bytes to add to the heap's count.
func (h *Heap) tryToAllocate(self Thread, allocator AllocatorType, n uint32, grow bool) (mirror.Ref, uint32) {
	if allocator.isThreadLocal() && self != nil {
		if obj := self.TLAB().Alloc(n); obj != 0 {
			return obj, 0
		}
	} else if h.isOutOfMemoryOnAllocation(n, grow) {
		return 0, 0
	}
	switch allocator {
	case AllocatorBumpPointer:
		return h.bumpSpace.Alloc(n)
	case AllocatorTLAB:
		if self == nil {
			return h.bumpSpace.Alloc(n)
		}
		return h.allocFromNewTLAB(self, n, grow, func(size uint32) *space.TLAB {
			return h.bumpSpace.AllocNewTLAB(size)
		}, DefaultTLABSize)
	case AllocatorRegion:
		return h.regionSpace.Alloc(n)
	case AllocatorRegionTLAB:
		if self == nil || n > h.regionSpace.RegionSize()/2 {
			if self != nil && h.isOutOfMemoryOnAllocation(n, grow) {
				return 0, 0
			}
			return h.regionSpace.Alloc(n)
		}
		return h.allocFromNewTLAB(self, n, grow, func(uint32) *space.TLAB {
			return h.regionSpace.AllocNewTLAB()
		}, h.regionSpace.RegionSize())
	case AllocatorFreeList:
		return h.mainMalloc.AllocWithGrowth(n)
	case AllocatorNonMoving:
		return h.nonMovingSpace.AllocWithGrowth(n)
	case AllocatorLOS:
		return h.los.Alloc(n)
	}
	base.Fatalf("invalid allocator type %v", allocator)
	return 0, 0
}

// allocFromNewTLAB replaces the thread's buffer with a new one of at least
// n bytes and allocates from it. The whole buffer counts as allocated;
// the unused remainder is given back when it is revoked.
func (h *Heap) allocFromNewTLAB(self Thread, n uint32, grow bool, newTLAB func(size uint32) *space.TLAB, size uint32) (mirror.Ref, uint32) {
	size = max(size, n)
	if h.isOutOfMemoryOnAllocation(size, grow) {
		return 0, 0
	}
	h.revokeTLAB(self)
	t := newTLAB(size)
	if t == nil {
		return 0, 0
	}
	h.numBytesAllocated.Add(uint64(t.Size()))
	self.SetTLAB(t)
	return t.Alloc(n), 0
}

// allocateInternalWithGc is the slow path: it collects progressively more
// of the heap, then lets the footprint grow, then compacts, retrying the
// allocation after each step. klass is a root while it runs. A zero
// object with a nil error means the allocator changed underneath.
func (h *Heap) allocateInternalWithGc(self Thread, allocator AllocatorType, n uint32, klass *mirror.Ref) (mirror.Ref, uint32, error) {
	defer h.pushTempRoot(klass)()
	changed := func() bool { return !allocator.isSpecial() && h.CurrentAllocator() != allocator }
	try := func(grow bool) (mirror.Ref, uint32, bool) {
		if changed() {
			return 0, 0, true
		}
		obj, bytes := h.tryToAllocate(self, allocator, n, grow)
		return obj, bytes, obj != 0
	}
	collect := func(t gccause.GcType, clearSoft bool) bool {
		return h.CollectGarbageInternal(self, t, gccause.Alloc, clearSoft) != gccause.GcTypeNone
	}

	if h.WaitForGcToComplete(gccause.Alloc, self) != gccause.GcTypeNone {
		if obj, bytes, ok := try(false); ok {
			return obj, bytes, nil
		}
	}
	tried := gccause.GcTypeNone
	if next := h.nextGcType; collect(next, false) {
		tried = next
		if obj, bytes, ok := try(false); ok {
			return obj, bytes, nil
		}
	}
	for _, t := range h.gcPlan {
		if t == tried {
			continue
		}
		if collect(t, false) {
			if obj, bytes, ok := try(false); ok {
				return obj, bytes, nil
			}
		}
	}
	if obj, bytes, ok := try(true); ok {
		return obj, bytes, nil
	}
	h.log.Debugw("forcing collection of soft references", "bytes", n)
	collect(h.gcPlan[len(h.gcPlan)-1], true)
	if obj, bytes, ok := try(true); ok {
		return obj, bytes, nil
	}
	if allocator == AllocatorFreeList || allocator == AllocatorNonMoving {
		if h.opts.UseHomogeneousSpaceCompactionForOOM && h.hscLimiter.Allow() {
			if r := h.PerformHomogeneousSpaceCompact(); r == HSCSuccess {
				if obj, bytes, ok := try(true); ok {
					return obj, bytes, nil
				}
			}
		}
	}
	return 0, 0, h.throwOutOfMemoryError(self, n, allocator)
}

// isSpecial reports whether the allocator is chosen per allocation rather
// than by the collector.
func (a AllocatorType) isSpecial() bool {
	return a == AllocatorNonMoving || a == AllocatorLOS
}

func (h *Heap) throwOutOfMemoryError(self Thread, n uint32, allocator AllocatorType) error {
	allocated := h.GetBytesAllocated()
	var free, untilOOM uint64
	if t := h.targetFootprint.Load(); t > allocated {
		free = t - allocated
	}
	if h.growthLimit > allocated {
		untilOOM = h.growthLimit - allocated
	}
	msg := fmt.Sprintf("Failed to allocate a %d byte allocation with %d free bytes and %s until OOM",
		n, free, prettySize(untilOOM))
	if allocator == AllocatorFreeList || allocator == AllocatorNonMoving {
		if sp, ok := h.allocSpaceFor(allocator).(*space.MallocSpace); ok {
			if frag := sp.LargestFreeBlock(); uint64(frag) < uint64(n) {
				msg += fmt.Sprintf("; failed due to fragmentation (largest possible contiguous allocation %d bytes)", frag)
			}
		}
	}
	h.log.Warnw("out of memory", "msg", msg, "allocator", allocator.String())
	if self != nil {
		self.ThrowOutOfMemoryError(msg)
	}
	return errors.Wrap(ErrOutOfMemory, msg)
}

func prettySize(n uint64) string {
	switch {
	case n >= base.GB:
		return fmt.Sprintf("%dGB", n/base.GB)
	case n >= base.MB:
		return fmt.Sprintf("%dMB", n/base.MB)
	case n >= base.KB:
		return fmt.Sprintf("%dKB", n/base.KB)
	}
	return fmt.Sprintf("%dB", n)
}
