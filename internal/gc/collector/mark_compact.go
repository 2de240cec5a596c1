package collector

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// MarkCompact marks the heap and slides the live objects of one
// bump-pointer space towards its beginning, preserving their order.
type MarkCompact struct {
	garbageCollector
	tracer  tracer
	immune  immuneSpaces
	space   *space.BumpPointerSpace
	others  []space.Space
	forward forwardingMap
	moved   []mirror.Ref
	sizes   []uint32
}

// NewMarkCompact returns a mark-compact collector.
func NewMarkCompact(h Heap) *MarkCompact {
	mc := &MarkCompact{garbageCollector: newGarbageCollector(h, "mark compact")}
	mc.tracer = tracer{heap: h, mark: mc.markObject, isMarked: mc.isMarked}
	return mc
}

func (mc *MarkCompact) GcType() gccause.GcType               { return gccause.GcTypeFull }
func (mc *MarkCompact) CollectorType() gccause.CollectorType { return gccause.CollectorMC }

// SetSpace sets the space the next run compacts.
func (mc *MarkCompact) SetSpace(s *space.BumpPointerSpace) { mc.space = s }

func (mc *MarkCompact) Run(cause gccause.Cause, clearSoft bool) {
	base.Check(mc.space != nil, "%s: no space to compact", mc.name)
	mc.run(cause, clearSoft, func() {
		tl := mc.iteration.Timings
		tl.StartTiming("InitializePhase")
		mc.initializePhase()
		tl.NewSplit("MarkingPhase")
		mc.markingPhase(clearSoft)
		tl.NewSplit("ReclaimPhase")
		mc.reclaimPhase()
		tl.NewSplit("CompactPhase")
		mc.compactPhase()
		tl.EndTiming()
	})
}

func (mc *MarkCompact) initializePhase() {
	h := mc.heap
	mc.tracer.reset()
	mc.immune, mc.others = nil, nil
	for _, sp := range h.ContinuousSpaces() {
		switch {
		case sp == space.ContinuousSpace(mc.space):
		case sp.RetentionPolicy() != space.AlwaysCollect:
			mc.immune = append(mc.immune, sp)
		default:
			mc.others = append(mc.others, sp)
		}
	}
	if los := h.LargeObjectSpace(); los != nil {
		mc.others = append(mc.others, los)
	}
	for _, sp := range mc.others {
		sp.MarkBitmap().ClearAll()
	}
	mc.space.MarkBitmap().ClearAll()
	mc.forward = make(forwardingMap)
	mc.moved, mc.sizes = mc.moved[:0], mc.sizes[:0]
}

func (mc *MarkCompact) isMarked(obj mirror.Ref) mirror.Ref {
	if mc.immune.contains(obj) || mc.heap.MarkBitmap().Test(obj) {
		return obj
	}
	return 0
}

func (mc *MarkCompact) markObject(obj mirror.Ref) mirror.Ref {
	if mc.immune.contains(obj) {
		return obj
	}
	bm := mc.heap.MarkBitmap().BitmapFor(obj)
	if bm == nil {
		base.Fatalf("%s: reference %v is outside the heap", mc.name, obj)
	}
	if !bm.AtomicTestAndSet(obj) {
		mc.tracer.push(obj)
	}
	return obj
}

func (mc *MarkCompact) markingPhase(clearSoft bool) {
	h, tl := mc.heap, mc.iteration.Timings
	tl.StartTiming("RevokeAllThreadLocalBuffers")
	h.RevokeAllThreadLocalBuffers()
	tl.NewSplit("MarkRoots")
	mc.tracer.markRoots()
	tl.NewSplit("MarkImmuneSpaces")
	mc.tracer.markImmuneSpaces(mc.immune)
	tl.NewSplit("ProcessMarkStack")
	mc.tracer.processMarkStack()
	tl.NewSplit("ProcessReferences")
	mc.tracer.processReferences(clearSoft)
	tl.NewSplit("SweepSystemWeaks")
	h.SweepSystemWeaks(mc.isMarked)
	tl.EndTiming()
}

func (mc *MarkCompact) reclaimPhase() {
	h := mc.heap
	los := h.LargeObjectSpace()
	for _, sp := range mc.others {
		objs, bytes := sweepSpace(h, sp)
		if sp == los {
			mc.recordFreeLOS(objs, bytes)
		} else {
			mc.recordFree(objs, bytes)
		}
		h.SwapBitmaps(sp)
		sp.MarkBitmap().ClearAll()
	}
	h.AllocationStack().Reset()
}

// compactPhase computes the new addresses, updates every reference and
// slides the objects.
func (mc *MarkCompact) compactPhase() {
	h, s := mc.heap, mc.space
	beforeObjects, beforeBytes := s.ObjectsAllocated(), s.BytesAllocated()
	dst := s.Begin()
	s.MarkBitmap().VisitMarkedRange(s.Begin(), s.End(), func(obj mirror.Ref) {
		n := mirror.AlignedSizeOf(h, obj)
		mc.forward[obj] = mirror.Ref(dst)
		mc.moved = append(mc.moved, obj)
		mc.sizes = append(mc.sizes, n)
		dst += n
	})
	others := append([]space.Space(nil), mc.others...)
	updateReferences(h, mc.forward.forward, mc.immune, func(visit func(mirror.Ref)) {
		liveObjectsOf(others)(visit)
		for _, obj := range mc.moved {
			visit(obj)
		}
	})
	// Objects only slide down, so copying in address order never
	// overwrites an object that has not moved yet.
	live := s.LiveBitmap()
	live.ClearAll()
	var bytes uint64
	for i, obj := range mc.moved {
		to, n := mc.forward[obj], mc.sizes[i]
		if to != obj {
			copy(h.Slice(to, n), h.Slice(obj, n))
		}
		live.Set(to)
		bytes += uint64(n)
	}
	oldEnd := s.End()
	s.MemMap().Zero(dst, oldEnd)
	s.SetEnd(dst)
	s.SetCounts(uint64(len(mc.moved)), bytes)
	s.MarkBitmap().ClearAll()
	mc.recordFree(beforeObjects-uint64(len(mc.moved)), beforeBytes-bytes)
	mc.forward = nil
}
