package collector

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// promotionWholeHeapThreshold is the number of bytes promoted by
// generational collections after which the next one traces the whole
// heap.
const promotionWholeHeapThreshold = 4 * base.MB

// SemiSpace evacuates every live object of the from space into the to
// space. The generational variant promotes objects that already survived
// one collection into the promotion space and, between whole-heap
// collections, only collects the from space, finding references from the
// non-moving space through its remembered set.
type SemiSpace struct {
	garbageCollector
	collectorType gccause.CollectorType
	generational  bool
	tracer        tracer
	immune        immuneSpaces

	from  space.ContinuousAllocSpace
	to    space.ContinuousAllocSpace
	promo *space.MallocSpace

	// others are the collected spaces that are neither from nor to.
	others        []space.Space
	fromSpaceOnly bool

	lastGcToSpace          space.ContinuousAllocSpace
	lastGcToSpaceEnd       uint32
	fromObjects, fromBytes uint64
	promotedSinceWholeHeap uint64
	objectsMoved           uint64
	bytesMoved             uint64
	bytesPromoted          uint64
}

// NewSemiSpace returns a semi-space collector; generational selects the
// generational variant.
func NewSemiSpace(h Heap, generational bool) *SemiSpace {
	ss := &SemiSpace{garbageCollector: newGarbageCollector(h, "semispace"), collectorType: gccause.CollectorSS}
	if generational {
		ss.name = "generational semispace"
		ss.generational = true
		ss.collectorType = gccause.CollectorGSS
	}
	ss.tracer = tracer{heap: h, mark: ss.markObject, isMarked: ss.isMarked}
	return ss
}

// NewHomogeneousSpaceCompactor returns the semi-space collector the heap
// uses to compact the main malloc space into the backup space.
func NewHomogeneousSpaceCompactor(h Heap) *SemiSpace {
	ss := NewSemiSpace(h, false)
	ss.name = "homogeneous space compaction"
	ss.collectorType = gccause.CollectorHomogeneousSpaceCompact
	return ss
}

func (ss *SemiSpace) GcType() gccause.GcType               { return gccause.GcTypeFull }
func (ss *SemiSpace) CollectorType() gccause.CollectorType { return ss.collectorType }

// SetFromSpace sets the space evacuated by the next run.
func (ss *SemiSpace) SetFromSpace(s space.ContinuousAllocSpace) { ss.from = s }

// SetToSpace sets the space objects are copied into.
func (ss *SemiSpace) SetToSpace(s space.ContinuousAllocSpace) { ss.to = s }

// SetPromoSpace sets the space the generational variant promotes into.
func (ss *SemiSpace) SetPromoSpace(s *space.MallocSpace) { ss.promo = s }

// FromSpaceOnly reports whether the last run skipped the non-moving
// spaces.
func (ss *SemiSpace) FromSpaceOnly() bool { return ss.fromSpaceOnly }

// BytesPromoted returns the bytes promoted by the last run.
func (ss *SemiSpace) BytesPromoted() uint64 { return ss.bytesPromoted }

func (ss *SemiSpace) Run(cause gccause.Cause, clearSoft bool) {
	base.Check(ss.from != nil && ss.to != nil, "%s: from and to spaces must be set", ss.name)
	ss.run(cause, clearSoft, func() {
		tl := ss.iteration.Timings
		tl.StartTiming("InitializePhase")
		ss.initializePhase(cause, clearSoft)
		tl.NewSplit("MarkingPhase")
		ss.markingPhase(clearSoft)
		tl.NewSplit("ReclaimPhase")
		ss.reclaimPhase()
		tl.NewSplit("FinishPhase")
		ss.finishPhase()
		tl.EndTiming()
	})
}

func (ss *SemiSpace) initializePhase(cause gccause.Cause, clearSoft bool) {
	h := ss.heap
	ss.tracer.reset()
	ss.objectsMoved, ss.bytesMoved, ss.bytesPromoted = 0, 0, 0
	ss.fromSpaceOnly = ss.generational && ss.promo != nil &&
		!clearSoft && cause != gccause.Explicit &&
		ss.from == ss.lastGcToSpace &&
		ss.promotedSinceWholeHeap < promotionWholeHeapThreshold
	ss.immune, ss.others = nil, nil
	for _, sp := range h.ContinuousSpaces() {
		switch {
		case sp == ss.from || sp == ss.to:
		case sp.RetentionPolicy() != space.AlwaysCollect:
			ss.immune = append(ss.immune, sp)
		default:
			ss.others = append(ss.others, sp)
		}
	}
	if los := h.LargeObjectSpace(); los != nil {
		ss.others = append(ss.others, los)
	}
	for _, sp := range ss.others {
		// A from-space-only collection treats everything else as live.
		prepareMarkBitmap(sp, ss.fromSpaceOnly)
	}
	if !ss.fromSpaceOnly {
		ss.promotedSinceWholeHeap = 0
	}
}

func (ss *SemiSpace) inMovingSpaces(obj mirror.Ref) bool {
	return ss.from.Contains(obj) || ss.to.Contains(obj)
}

func (ss *SemiSpace) isMarked(obj mirror.Ref) mirror.Ref {
	switch {
	case ss.from.Contains(obj):
		if mirror.IsForwarded(ss.heap, obj) {
			return mirror.ForwardingAddress(ss.heap, obj)
		}
		return 0
	case ss.to.Contains(obj), ss.immune.contains(obj), ss.heap.MarkBitmap().Test(obj):
		return obj
	}
	return 0
}

func (ss *SemiSpace) markObject(obj mirror.Ref) mirror.Ref {
	h := ss.heap
	switch {
	case ss.from.Contains(obj):
		if mirror.IsForwarded(h, obj) {
			return mirror.ForwardingAddress(h, obj)
		}
		return ss.copyObject(obj)
	case ss.to.Contains(obj), ss.immune.contains(obj):
		return obj
	}
	bm := h.MarkBitmap().BitmapFor(obj)
	if bm == nil {
		base.Fatalf("%s: reference %v is outside the heap", ss.name, obj)
	}
	if !bm.AtomicTestAndSet(obj) {
		ss.tracer.push(obj)
	}
	return obj
}

// copyObject evacuates obj and leaves a forwarding address behind.
func (ss *SemiSpace) copyObject(obj mirror.Ref) mirror.Ref {
	h := ss.heap
	n := mirror.AlignedSizeOf(h, obj)
	var dst mirror.Ref
	if ss.generational && ss.promo != nil && ss.from == ss.lastGcToSpace && uint32(obj) < ss.lastGcToSpaceEnd {
		// obj survived the previous collection.
		if dst, _ = ss.promo.AllocWithGrowth(n); dst != 0 {
			ss.promo.LiveBitmap().Set(dst)
			ss.promo.MarkBitmap().Set(dst)
			ss.bytesPromoted += uint64(n)
		}
	}
	if dst == 0 {
		dst = allocForCopy(ss.to, n)
		if dst == 0 {
			base.Fatalf("%s: to-space %s exhausted copying %d bytes", ss.name, ss.to.Name(), n)
		}
		ss.to.LiveBitmap().Set(dst)
	}
	copy(h.Slice(dst, n), h.Slice(obj, n))
	mirror.SetForwardingAddress(h, obj, dst)
	ss.objectsMoved++
	ss.bytesMoved += uint64(n)
	ss.tracer.push(dst)
	return dst
}

// allocForCopy allocates n bytes in a copy destination, growing a malloc
// space past its footprint limit if needed.
func allocForCopy(to space.ContinuousAllocSpace, n uint32) mirror.Ref {
	if ms, ok := to.(*space.MallocSpace); ok {
		obj, _ := ms.AllocWithGrowth(n)
		return obj
	}
	obj, _ := to.Alloc(n)
	return obj
}

func (ss *SemiSpace) markingPhase(clearSoft bool) {
	h, tl := ss.heap, ss.iteration.Timings
	tl.StartTiming("RevokeAllThreadLocalBuffers")
	h.RevokeAllThreadLocalBuffers()
	ss.fromObjects, ss.fromBytes = ss.from.ObjectsAllocated(), ss.from.BytesAllocated()
	tl.NewSplit("MarkRoots")
	ss.tracer.markRoots()
	tl.NewSplit("MarkImmuneSpaces")
	ss.tracer.markImmuneSpaces(ss.immune)
	if ss.fromSpaceOnly {
		tl.NewSplit("MarkReachableObjects")
		ss.markFromNonMovingSpaces()
	}
	tl.NewSplit("ProcessMarkStack")
	ss.tracer.processMarkStack()
	tl.NewSplit("ProcessReferences")
	ss.tracer.processReferences(clearSoft)
	tl.NewSplit("SweepSystemWeaks")
	h.SweepSystemWeaks(ss.isMarked)
	tl.EndTiming()
}

// markFromNonMovingSpaces updates the references the non-moving spaces
// hold into the from space without tracing those spaces.
func (ss *SemiSpace) markFromNonMovingSpaces() {
	h := ss.heap
	for _, sp := range ss.others {
		if rs := h.RememberedSet(sp); rs != nil {
			rs.ClearCards()
			rs.UpdateAndMarkReferences(ss.inMovingSpaces, ss.tracer.markField)
			continue
		}
		walkSpace(sp, ss.tracer.scanObject)
	}
}

func (ss *SemiSpace) reclaimPhase() {
	h := ss.heap
	if !ss.fromSpaceOnly {
		los := h.LargeObjectSpace()
		for _, sp := range ss.others {
			objs, bytes := sweepSpace(h, sp)
			if sp == los {
				ss.recordFreeLOS(objs, bytes)
			} else {
				ss.recordFree(objs, bytes)
			}
			h.SwapBitmaps(sp)
		}
	}
	ss.promotedSinceWholeHeap += ss.bytesPromoted
	ss.recordFree(ss.fromObjects-ss.objectsMoved, ss.fromBytes-ss.bytesMoved)
	ss.from.Clear()
	ss.lastGcToSpace, ss.lastGcToSpaceEnd = ss.to, ss.to.End()
}

func (ss *SemiSpace) finishPhase() {
	for _, sp := range ss.others {
		sp.MarkBitmap().ClearAll()
	}
	ss.heap.AllocationStack().Reset()
	ss.tracer.reset()
}
