package collector

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// MarkSweep is the non-moving collector. A sticky collection only frees
// objects allocated since the previous collection; a partial one leaves
// the zygote space alone; a full one collects everything but the image.
type MarkSweep struct {
	garbageCollector
	gcType     gccause.GcType
	concurrent bool
	tracer     tracer
	immune     immuneSpaces
	collected  []space.ContinuousSpace
}

// NewMarkSweep returns a mark-sweep collector of the given type.
// Concurrent only changes the collector's name and type; every phase runs
// while the heap holds mutators suspended.
func NewMarkSweep(h Heap, gcType gccause.GcType, concurrent bool) *MarkSweep {
	name := "mark sweep"
	if concurrent {
		name = "concurrent mark sweep"
	}
	switch gcType {
	case gccause.GcTypeSticky:
		name = "sticky " + name
	case gccause.GcTypePartial:
		name = "partial " + name
	}
	ms := &MarkSweep{
		garbageCollector: newGarbageCollector(h, name),
		gcType:           gcType,
		concurrent:       concurrent,
	}
	ms.tracer = tracer{heap: h, mark: ms.markObject, isMarked: ms.isMarked}
	return ms
}

func (ms *MarkSweep) GcType() gccause.GcType { return ms.gcType }

func (ms *MarkSweep) CollectorType() gccause.CollectorType {
	if ms.concurrent {
		return gccause.CollectorCMS
	}
	return gccause.CollectorMS
}

func (ms *MarkSweep) Run(cause gccause.Cause, clearSoft bool) {
	ms.run(cause, clearSoft, func() {
		tl := ms.iteration.Timings
		tl.StartTiming("InitializePhase")
		ms.tracer.reset()
		ms.bindBitmaps()
		tl.NewSplit("MarkingPhase")
		ms.markingPhase(clearSoft)
		tl.NewSplit("ReclaimPhase")
		ms.reclaimPhase()
		tl.NewSplit("FinishPhase")
		ms.finishPhase()
		tl.EndTiming()
	})
}

// bindBitmaps decides which spaces are immune and prepares the mark
// bitmaps of the collected ones. A sticky collection starts with every
// old object marked.
func (ms *MarkSweep) bindBitmaps() {
	h := ms.heap
	ms.immune, ms.collected = nil, nil
	for _, sp := range h.ContinuousSpaces() {
		switch {
		case sp.RetentionPolicy() == space.NeverCollect,
			sp.RetentionPolicy() == space.FullCollect && ms.gcType != gccause.GcTypeFull:
			ms.immune = append(ms.immune, sp)
		default:
			ms.collected = append(ms.collected, sp)
		}
	}
	for _, sp := range ms.collected {
		prepareMarkBitmap(sp, ms.gcType == gccause.GcTypeSticky)
	}
	if los := h.LargeObjectSpace(); los != nil {
		prepareMarkBitmap(los, ms.gcType == gccause.GcTypeSticky)
	}
	if ms.gcType == gccause.GcTypeSticky {
		for _, obj := range h.AllocationStack().Entries() {
			h.MarkBitmap().Clear(obj)
		}
	}
}

func prepareMarkBitmap(sp space.Space, copyLive bool) {
	if copyLive {
		sp.MarkBitmap().CopyFrom(sp.LiveBitmap())
		return
	}
	sp.MarkBitmap().ClearAll()
}

func (ms *MarkSweep) isMarked(obj mirror.Ref) mirror.Ref {
	if ms.immune.contains(obj) || ms.heap.MarkBitmap().Test(obj) {
		return obj
	}
	return 0
}

func (ms *MarkSweep) markObject(obj mirror.Ref) mirror.Ref {
	if ms.immune.contains(obj) {
		return obj
	}
	bm := ms.heap.MarkBitmap().BitmapFor(obj)
	if bm == nil {
		base.Fatalf("%s: reference %v is outside the heap", ms.name, obj)
	}
	if !bm.AtomicTestAndSet(obj) {
		ms.tracer.push(obj)
	}
	return obj
}

func (ms *MarkSweep) markingPhase(clearSoft bool) {
	h, tl := ms.heap, ms.iteration.Timings
	tl.StartTiming("ProcessCards")
	ct := h.CardTable()
	for _, sp := range ms.collected {
		if ms.gcType == gccause.GcTypeSticky {
			ct.ModifyCardsAtomic(sp.Begin(), sp.End(), accounting.AgeCard, nil)
		} else {
			ct.ClearCardRange(sp.Begin(), sp.End())
		}
	}
	tl.NewSplit("MarkRoots")
	ms.tracer.markRoots()
	tl.NewSplit("MarkImmuneSpaces")
	ms.tracer.markImmuneSpaces(ms.immune)
	if ms.gcType == gccause.GcTypeSticky {
		tl.NewSplit("ScanGrayObjects")
		ms.scanGrayObjects()
	}
	tl.NewSplit("ProcessMarkStack")
	ms.tracer.processMarkStack()
	tl.NewSplit("ProcessReferences")
	ms.tracer.processReferences(clearSoft)
	tl.NewSplit("SweepSystemWeaks")
	h.SweepSystemWeaks(ms.isMarked)
	tl.EndTiming()
}

// scanGrayObjects scans the old objects on dirty or aged cards; they are
// the only old objects that can point at young ones.
func (ms *MarkSweep) scanGrayObjects() {
	ct := ms.heap.CardTable()
	for _, sp := range ms.collected {
		ct.Scan(sp.MarkBitmap(), sp.Begin(), sp.End(), rtabi.CardAged, ms.tracer.scanObject)
	}
	if los := ms.heap.LargeObjectSpace(); los != nil {
		begin, end := los.Begin(), los.End()
		if ct.AddrIsInCardTable(begin) && end > begin && ct.AddrIsInCardTable(end-1) {
			ct.ModifyCardsAtomic(begin, end, accounting.AgeCard, nil)
			ct.Scan(los.MarkBitmap(), begin, end, rtabi.CardAged, ms.tracer.scanObject)
		}
	}
}

func (ms *MarkSweep) reclaimPhase() {
	h := ms.heap
	sticky := ms.gcType == gccause.GcTypeSticky
	if sticky {
		ms.sweepAllocationStack()
	} else {
		for _, sp := range ms.collected {
			objs, bytes := sweepSpace(h, sp)
			ms.recordFree(objs, bytes)
		}
		if los := h.LargeObjectSpace(); los != nil {
			objs, bytes := sweepSpace(h, los)
			ms.recordFreeLOS(objs, bytes)
		}
	}
	for _, sp := range ms.collected {
		h.SwapBitmaps(sp)
	}
	if los := h.LargeObjectSpace(); los != nil {
		h.SwapBitmaps(los)
	}
}

// sweepAllocationStack frees the unmarked objects allocated since the
// last collection.
func (ms *MarkSweep) sweepAllocationStack() {
	h := ms.heap
	los := h.LargeObjectSpace()
	for _, sp := range ms.collected {
		var dead []mirror.Ref
		for _, obj := range h.AllocationStack().Entries() {
			if sp.Contains(obj) && !sp.MarkBitmap().Test(obj) {
				dead = append(dead, obj)
			}
		}
		objs, bytes := freeObjects(h, sp, dead)
		ms.recordFree(objs, bytes)
	}
	if los != nil {
		var dead []mirror.Ref
		for _, obj := range h.AllocationStack().Entries() {
			if los.Contains(obj) && !los.MarkBitmap().Test(obj) {
				dead = append(dead, obj)
			}
		}
		objs, bytes := freeObjects(h, los, dead)
		ms.recordFreeLOS(objs, bytes)
	}
}

func (ms *MarkSweep) finishPhase() {
	for _, sp := range ms.collected {
		sp.MarkBitmap().ClearAll()
	}
	if los := ms.heap.LargeObjectSpace(); los != nil {
		los.MarkBitmap().ClearAll()
	}
	ms.heap.AllocationStack().Reset()
	ms.tracer.reset()
}

// sweepSpace frees every object of sp that is live but not marked.
func sweepSpace(h Heap, sp space.Space) (objects, bytes uint64) {
	begin, end := spaceRange(sp)
	accounting.SweepWalk(sp.LiveBitmap(), sp.MarkBitmap(), begin, end, func(batch []mirror.Ref) {
		o, b := freeObjects(h, sp, batch)
		objects += o
		bytes += b
	})
	return objects, bytes
}

func spaceRange(sp space.Space) (uint32, uint32) {
	switch s := sp.(type) {
	case space.ContinuousSpace:
		return s.Begin(), s.End()
	case space.LargeObjectSpace:
		return s.Begin(), s.End()
	}
	base.Fatalf("space %s has no address range", sp.Name())
	return 0, 0
}

// freeObjects returns dead objects to their space and reports how many
// objects and bytes were released.
func freeObjects(h Heap, sp space.Space, dead []mirror.Ref) (objects, bytes uint64) {
	if len(dead) == 0 {
		return 0, 0
	}
	switch s := sp.(type) {
	case *space.ZygoteSpace:
		for _, obj := range dead {
			bytes += uint64(mirror.AlignedSizeOf(h, obj))
		}
		s.FreeList(dead)
	case space.AllocSpace:
		bytes = uint64(s.FreeList(dead))
	default:
		base.Fatalf("cannot free objects in %s", sp.Name())
	}
	return uint64(len(dead)), bytes
}
