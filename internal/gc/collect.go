package gc

import (
	"time"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/collector"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
)

func heldLocks(self Thread) *base.HeldLocks {
	if self == nil {
		return nil
	}
	return self.Locks()
}

// blockSelf takes self out of the runnable state for a wait on the heap.
func blockSelf(self Thread, reason string) func() {
	if self == nil {
		return func() {}
	}
	return self.BlockForGC(reason)
}

// suspendAll stops every mutator but self and returns the function that
// restarts them.
func (h *Heap) suspendAll(self Thread, cause string) func() {
	if h.threads == nil {
		return func() {}
	}
	h.threads.SuspendAll(self, cause)
	return func() { h.threads.ResumeAll(self) }
}

// CollectGarbage runs an explicit full collection.
func (h *Heap) CollectGarbage(self Thread, clearSoftReferences bool) {
	h.CollectGarbageInternal(self, h.gcPlan[len(h.gcPlan)-1], gccause.Explicit, clearSoftReferences)
}

// WaitForGcToComplete blocks until no collection or GC critical section
// is running and returns the type of the last collection waited for.
func (h *Heap) WaitForGcToComplete(cause gccause.Cause, self Thread) gccause.GcType {
	defer blockSelf(self, "waiting for gc to complete")()
	locks := heldLocks(self)
	h.gcCompleteLock.Lock(locks)
	defer h.gcCompleteLock.Unlock(locks)
	return h.waitForGcToCompleteLocked(locks)
}

func (h *Heap) waitForGcToCompleteLocked(locks *base.HeldLocks) gccause.GcType {
	last := gccause.GcTypeNone
	start := time.Now()
	for h.collectorTypeRunning != gccause.CollectorNone {
		done := h.gcDone
		h.gcCompleteLock.Unlock(locks)
		<-done
		h.gcCompleteLock.Lock(locks)
		last = h.lastGcType
	}
	if wait := time.Since(start); last != gccause.GcTypeNone && wait > 5*time.Millisecond {
		h.log.Debugw("waited for gc to complete", "duration", wait)
	}
	return last
}

// StartGC opens a GC critical section of type ct: no collection can start
// until FinishGC.
func (h *Heap) StartGC(self Thread, cause gccause.Cause, ct gccause.CollectorType) {
	defer blockSelf(self, "waiting to start a gc critical section")()
	locks := heldLocks(self)
	h.gcCompleteLock.Lock(locks)
	defer h.gcCompleteLock.Unlock(locks)
	h.waitForGcToCompleteLocked(locks)
	h.collectorTypeRunning = ct
	h.lastGcCause = cause
}

// FinishGC ends a collection or GC critical section and wakes the waiters.
// gcType is GcTypeNone for critical sections.
func (h *Heap) FinishGC(self Thread, gcType gccause.GcType) {
	locks := heldLocks(self)
	h.gcCompleteLock.Lock(locks)
	defer h.gcCompleteLock.Unlock(locks)
	h.collectorTypeRunning = gccause.CollectorNone
	if gcType != gccause.GcTypeNone {
		h.lastGcType = gcType
		h.gcCount++
	}
	close(h.gcDone)
	h.gcDone = make(chan struct{})
}

// GCCriticalSection runs fn with collections held off.
func (h *Heap) GCCriticalSection(self Thread, cause gccause.Cause, ct gccause.CollectorType, fn func()) {
	h.StartGC(self, cause, ct)
	defer h.FinishGC(self, gccause.GcTypeNone)
	fn()
}

// CollectorTypeRunning returns the collector or critical section running,
// or CollectorNone.
func (h *Heap) CollectorTypeRunning() gccause.CollectorType {
	h.gcCompleteLock.Lock(nil)
	defer h.gcCompleteLock.Unlock(nil)
	return h.collectorTypeRunning
}

// IncrementDisableMovingGC keeps moving collections from running until the
// matching DecrementDisableMovingGC, waiting out one in progress.
func (h *Heap) IncrementDisableMovingGC(self Thread) {
	defer blockSelf(self, "waiting to disable moving gc")()
	locks := heldLocks(self)
	h.gcCompleteLock.Lock(locks)
	defer h.gcCompleteLock.Unlock(locks)
	h.disableMovingGcCount++
	if h.collectorTypeRunning.IsMovingGc() {
		h.waitForGcToCompleteLocked(locks)
	}
}

func (h *Heap) DecrementDisableMovingGC(self Thread) {
	locks := heldLocks(self)
	h.gcCompleteLock.Lock(locks)
	defer h.gcCompleteLock.Unlock(locks)
	base.Check(h.disableMovingGcCount > 0, "unbalanced DecrementDisableMovingGC")
	h.disableMovingGcCount--
}

// DisableGCForShutdown stops every later collection from running.
func (h *Heap) DisableGCForShutdown() {
	h.gcCompleteLock.Lock(nil)
	h.gcDisabledForShutdown = true
	h.gcCompleteLock.Unlock(nil)
}

// CollectGarbageInternal runs one collection of the given type and returns
// the type that ran, or GcTypeNone if none could.
func (h *Heap) CollectGarbageInternal(self Thread, gcType gccause.GcType, cause gccause.Cause, clearSoft bool) gccause.GcType {
	defer blockSelf(self, "collecting garbage")()
	locks := heldLocks(self)
	h.gcCompleteLock.Lock(locks)
	h.waitForGcToCompleteLocked(locks)
	if h.gcDisabledForShutdown {
		h.gcCompleteLock.Unlock(locks)
		return gccause.GcTypeNone
	}
	if h.collectorType.IsMovingGc() && h.disableMovingGcCount > 0 {
		h.gcCompleteLock.Unlock(locks)
		h.log.Warnw("skipping gc due to disable moving gc count", "count", h.disableMovingGcCount, "cause", cause.String())
		return gccause.GcTypeNone
	}
	h.collectorTypeRunning = h.collectorType
	h.lastGcCause = cause
	h.gcCompleteLock.Unlock(locks)

	if cause.PreservesSoftReferences() {
		clearSoft = false
	}
	gc := h.selectCollector(gcType)
	bytesBefore := h.GetBytesAllocated()
	start := time.Now()
	run := func() {
		if h.opts.VerifyPreGC {
			h.verifyOrDie("pre-gc")
		}
		gc.Run(cause, clearSoft)
		if h.opts.VerifyPostGC {
			h.verifyOrDie("post-gc")
		}
	}
	if gc.CollectorType() == gccause.CollectorCC {
		h.ThreadFlipBegin(self)
		resume := h.suspendAll(self, "concurrent copying thread flip")
		run()
		resume()
		h.ThreadFlipEnd(self)
	} else {
		resume := h.suspendAll(self, gc.Name())
		run()
		resume()
	}
	if ss, ok := gc.(*collector.SemiSpace); ok && ss.SwapSemiSpaces() {
		h.bumpSpace, h.tempSpace = h.tempSpace, h.bumpSpace
	}
	h.lastGC = gc
	h.growForUtilization(gc, bytesBefore)
	h.UpdateMaxNativeFootprint()
	h.logGC(gc, cause, bytesBefore, time.Since(start))
	h.FinishGC(self, gc.GcType())
	for _, l := range h.gcListeners {
		l.GCCompleted(self, gc.GcType(), cause)
	}
	return gc.GcType()
}

// selectCollector returns the collector for the current collector type.
// Moving collectors always collect the whole heap.
func (h *Heap) selectCollector(gcType gccause.GcType) collector.GarbageCollector {
	switch h.collectorType {
	case gccause.CollectorSS, gccause.CollectorGSS:
		ss := h.semiSpace
		if h.collectorType == gccause.CollectorGSS {
			ss = h.genSpace
			ss.SetPromoSpace(h.nonMovingSpace)
		}
		ss.SetFromSpace(h.bumpSpace)
		ss.SetToSpace(h.tempSpace)
		ss.SetSwapSemiSpaces(true)
		return ss
	case gccause.CollectorMC:
		h.markCompact.SetSpace(h.bumpSpace)
		return h.markCompact
	case gccause.CollectorCC:
		return h.cc
	}
	if gcType == gccause.GcTypePartial && !h.HasZygoteSpace() {
		gcType = gccause.GcTypeFull
	}
	if gcType <= gccause.GcTypeNone || gcType >= gccause.GcTypeMax {
		base.Fatalf("invalid gc type %v", gcType)
	}
	return h.markSweepFor(gcType)
}

func (h *Heap) markSweepFor(t gccause.GcType) *collector.MarkSweep {
	i := 0
	if h.collectorType == gccause.CollectorCMS {
		i = 1
	}
	return h.markSweeps[i][t]
}

func (h *Heap) nonStickyGcType() gccause.GcType {
	if h.HasZygoteSpace() {
		return gccause.GcTypePartial
	}
	return gccause.GcTypeFull
}

// growForUtilization picks the next target footprint and next collection
// type from the result of gc. After a non-sticky collection the heap is
// sized so that live data fills TargetUtilization of it, within
// [MinFree, MaxFree] of headroom scaled by the growth multiplier. A sticky
// collection is repeated only while it frees memory at least as fast as a
// non-sticky one does on average.
func (h *Heap) growForUtilization(gc collector.GarbageCollector, bytesBefore uint64) {
	allocated := h.GetBytesAllocated()
	target := h.targetFootprint.Load()
	var next uint64
	if gc.GcType() != gccause.GcTypeSticky {
		mult := h.heapGrowthMultiplier()
		delta := uint64(float64(allocated) * (1/h.targetUtilization - 1))
		next = allocated + uint64(float64(delta)*mult)
		next = min(next, allocated+uint64(float64(h.maxFree)*mult))
		next = max(next, allocated+uint64(float64(h.minFree)*mult))
		h.nextGcType = h.gcPlan[0]
	} else {
		nonSticky := h.markSweepFor(h.nonStickyGcType())
		if gc.Iteration().TotalFreedBytes() > 0 &&
			gc.EstimatedLastIterationThroughput() >= nonSticky.EstimatedMeanThroughput() &&
			nonSticky.Cumulative().Iterations > 0 &&
			allocated <= target {
			h.nextGcType = gccause.GcTypeSticky
		} else {
			h.nextGcType = h.nonStickyGcType()
		}
		if allocated+h.maxFree < target {
			next = allocated + h.maxFree
		} else {
			next = max(allocated, target)
		}
	}
	next = min(next, h.growthLimit)
	h.targetFootprint.Store(next)
	if h.IsGcConcurrent() {
		h.concurrentStartBytes.Store(max(h.concurrentStartFor(next), allocated))
	}
	h.log.Debugw("grow for utilization",
		"bytes_before", bytesBefore, "bytes_allocated", allocated,
		"target_footprint", next, "next_gc", h.nextGcType.String())
}

// NextGcType returns the type the next concurrent or allocation-triggered
// collection starts with.
func (h *Heap) NextGcType() gccause.GcType { return h.nextGcType }

func (h *Heap) logGC(gc collector.GarbageCollector, cause gccause.Cause, bytesBefore uint64, d time.Duration) {
	it := gc.Iteration()
	fields := []interface{}{
		"cause", cause.String(),
		"collector", gc.Name(),
		"freed_objects", it.FreedObjects,
		"freed_bytes", it.FreedBytes,
		"freed_large_objects", it.FreedLargeObjects,
		"freed_large_object_bytes", it.FreedLargeObjectBytes,
		"bytes_before", bytesBefore,
		"bytes_after", h.GetBytesAllocated(),
		"target_footprint", h.GetTargetFootprint(),
		"duration", d,
	}
	if cause == gccause.Explicit {
		h.log.Infow("gc", fields...)
		return
	}
	h.log.Debugw("gc", fields...)
}

// RequestConcurrentGC schedules a background collection on the task
// processor unless one is already pending.
func (h *Heap) RequestConcurrentGC(self Thread, cause gccause.Cause, force bool) {
	if !h.concurrentGCPending.CompareAndSwap(false, true) {
		return
	}
	h.tasks.AddTask(NewHeapTask("concurrent gc", time.Now(), func() {
		h.ConcurrentGC(nil, cause, force)
	}))
}

// ConcurrentGC runs the collection a RequestConcurrentGC asked for. If the
// next type cannot run it tries the larger ones in the plan.
func (h *Heap) ConcurrentGC(self Thread, cause gccause.Cause, force bool) {
	h.concurrentGCPending.Store(false)
	if h.WaitForGcToComplete(cause, self) != gccause.GcTypeNone && !force {
		return
	}
	next := h.nextGcType
	if h.CollectGarbageInternal(self, next, cause, false) != gccause.GcTypeNone {
		return
	}
	for _, t := range h.gcPlan {
		if t > next && h.CollectGarbageInternal(self, t, cause, false) != gccause.GcTypeNone {
			return
		}
	}
}

// IsGCRequestPending reports whether a background collection is queued.
func (h *Heap) IsGCRequestPending() bool { return h.concurrentGCPending.Load() }

// IncrementDisableThreadFlip is called when self enters its outermost JNI
// critical section. It waits for a running thread flip to end.
func (h *Heap) IncrementDisableThreadFlip(self Thread) {
	locks := heldLocks(self)
	h.threadFlipLock.Lock(locks)
	for h.threadFlipRunning {
		done := h.threadFlipDone
		h.threadFlipLock.Unlock(locks)
		resume := blockSelf(self, "waiting for thread flip")
		<-done
		resume()
		h.threadFlipLock.Lock(locks)
	}
	h.disableThreadFlip++
	h.threadFlipLock.Unlock(locks)
}

// DecrementDisableThreadFlip is called when self leaves its outermost JNI
// critical section.
func (h *Heap) DecrementDisableThreadFlip(self Thread) {
	locks := heldLocks(self)
	h.threadFlipLock.Lock(locks)
	defer h.threadFlipLock.Unlock(locks)
	base.Check(h.disableThreadFlip > 0, "unbalanced DecrementDisableThreadFlip")
	h.disableThreadFlip--
	if h.disableThreadFlip == 0 {
		h.broadcastThreadFlip()
	}
}

// DisableThreadFlipCount returns the number of threads inside a JNI
// critical section.
func (h *Heap) DisableThreadFlipCount() int {
	h.threadFlipLock.Lock(nil)
	defer h.threadFlipLock.Unlock(nil)
	return h.disableThreadFlip
}

// ThreadFlipBegin waits until no thread is in a JNI critical section and
// marks a flip as running. New critical sections wait for ThreadFlipEnd
// so a steady stream of them cannot starve the collector.
func (h *Heap) ThreadFlipBegin(self Thread) {
	locks := heldLocks(self)
	h.threadFlipLock.Lock(locks)
	defer h.threadFlipLock.Unlock(locks)
	base.Check(!h.threadFlipRunning, "nested thread flip")
	h.threadFlipRunning = true
	start := time.Now()
	waited := false
	for h.disableThreadFlip > 0 {
		waited = true
		done := h.threadFlipDone
		h.threadFlipLock.Unlock(locks)
		<-done
		h.threadFlipLock.Lock(locks)
	}
	if waited {
		h.log.Debugw("thread flip waited for jni critical sections", "duration", time.Since(start))
	}
}

func (h *Heap) ThreadFlipEnd(self Thread) {
	locks := heldLocks(self)
	h.threadFlipLock.Lock(locks)
	defer h.threadFlipLock.Unlock(locks)
	h.threadFlipRunning = false
	h.broadcastThreadFlip()
}

func (h *Heap) broadcastThreadFlip() {
	close(h.threadFlipDone)
	h.threadFlipDone = make(chan struct{})
}
