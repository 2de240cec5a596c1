package collector

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// ConcurrentCopying evacuates the live objects of a region space into
// fresh regions. Regions holding large objects are marked in place. The
// heap runs it inside a thread flip so no mutator holds a JNI critical
// section over the evacuation.
type ConcurrentCopying struct {
	garbageCollector
	tracer tracer
	immune immuneSpaces
	region *space.RegionSpace
	others []space.Space

	objectsMoved uint64
	bytesMoved   uint64
}

// NewConcurrentCopying returns a concurrent copying collector for region.
func NewConcurrentCopying(h Heap, region *space.RegionSpace) *ConcurrentCopying {
	cc := &ConcurrentCopying{garbageCollector: newGarbageCollector(h, "concurrent copying"), region: region}
	cc.tracer = tracer{heap: h, mark: cc.markObject, isMarked: cc.isMarked}
	return cc
}

func (cc *ConcurrentCopying) GcType() gccause.GcType               { return gccause.GcTypeFull }
func (cc *ConcurrentCopying) CollectorType() gccause.CollectorType { return gccause.CollectorCC }

func (cc *ConcurrentCopying) Run(cause gccause.Cause, clearSoft bool) {
	cc.run(cause, clearSoft, func() {
		tl := cc.iteration.Timings
		tl.StartTiming("InitializePhase")
		cc.initializePhase()
		tl.NewSplit("FlipThreadRoots")
		cc.flip()
		tl.NewSplit("MarkingPhase")
		cc.markingPhase(clearSoft)
		tl.NewSplit("ReclaimPhase")
		cc.reclaimPhase()
		tl.EndTiming()
	})
}

func (cc *ConcurrentCopying) initializePhase() {
	h := cc.heap
	cc.tracer.reset()
	cc.objectsMoved, cc.bytesMoved = 0, 0
	cc.immune, cc.others = nil, nil
	for _, sp := range h.ContinuousSpaces() {
		switch {
		case sp == space.ContinuousSpace(cc.region):
		case sp.RetentionPolicy() != space.AlwaysCollect:
			cc.immune = append(cc.immune, sp)
		default:
			cc.others = append(cc.others, sp)
		}
	}
	if los := h.LargeObjectSpace(); los != nil {
		cc.others = append(cc.others, los)
	}
	for _, sp := range cc.others {
		sp.MarkBitmap().ClearAll()
	}
	cc.region.MarkBitmap().ClearAll()
}

// flip turns every allocated region into from space and evacuates the
// roots.
func (cc *ConcurrentCopying) flip() {
	cc.heap.RevokeAllThreadLocalBuffers()
	cc.region.SetFromSpace()
	cc.tracer.markRoots()
}

func (cc *ConcurrentCopying) isMarked(obj mirror.Ref) mirror.Ref {
	h := cc.heap
	switch {
	case cc.region.IsInFromSpace(obj):
		if mirror.IsForwarded(h, obj) {
			return mirror.ForwardingAddress(h, obj)
		}
		return 0
	case cc.region.IsInToSpace(obj), cc.immune.contains(obj), h.MarkBitmap().Test(obj):
		return obj
	}
	return 0
}

func (cc *ConcurrentCopying) markObject(obj mirror.Ref) mirror.Ref {
	h := cc.heap
	switch {
	case cc.region.IsInFromSpace(obj):
		if mirror.IsForwarded(h, obj) {
			return mirror.ForwardingAddress(h, obj)
		}
		return cc.copyObject(obj)
	case cc.region.IsInToSpace(obj), cc.immune.contains(obj):
		return obj
	}
	// Unevacuated regions and the non-moving spaces are marked in place.
	bm := h.MarkBitmap().BitmapFor(obj)
	if bm == nil {
		base.Fatalf("%s: reference %v is outside the heap", cc.name, obj)
	}
	if !bm.AtomicTestAndSet(obj) {
		cc.tracer.push(obj)
	}
	return obj
}

func (cc *ConcurrentCopying) copyObject(obj mirror.Ref) mirror.Ref {
	h := cc.heap
	n := mirror.AlignedSizeOf(h, obj)
	dst, _ := cc.region.AllocEvac(n)
	if dst == 0 {
		base.Fatalf("%s: ran out of regions evacuating %d bytes", cc.name, n)
	}
	copy(h.Slice(dst, n), h.Slice(obj, n))
	mirror.SetForwardingAddress(h, obj, dst)
	cc.region.LiveBitmap().Set(dst)
	cc.objectsMoved++
	cc.bytesMoved += uint64(n)
	cc.tracer.push(dst)
	return dst
}

func (cc *ConcurrentCopying) markingPhase(clearSoft bool) {
	h, tl := cc.heap, cc.iteration.Timings
	tl.StartTiming("MarkImmuneSpaces")
	cc.tracer.markImmuneSpaces(cc.immune)
	tl.NewSplit("ProcessMarkStack")
	cc.tracer.processMarkStack()
	tl.NewSplit("ProcessReferences")
	cc.tracer.processReferences(clearSoft)
	tl.NewSplit("SweepSystemWeaks")
	h.SweepSystemWeaks(cc.isMarked)
	tl.EndTiming()
}

func (cc *ConcurrentCopying) reclaimPhase() {
	h := cc.heap
	los := h.LargeObjectSpace()
	for _, sp := range cc.others {
		objs, bytes := sweepSpace(h, sp)
		if sp == los {
			cc.recordFreeLOS(objs, bytes)
		} else {
			cc.recordFree(objs, bytes)
		}
		h.SwapBitmaps(sp)
		sp.MarkBitmap().ClearAll()
	}
	objs, bytes := cc.region.ClearFromSpace(func(obj mirror.Ref) bool {
		return cc.region.MarkBitmap().Test(obj)
	})
	cc.recordFree(objs-cc.objectsMoved, bytes-cc.bytesMoved)
	cc.region.MarkBitmap().ClearAll()
	h.AllocationStack().Reset()
}
