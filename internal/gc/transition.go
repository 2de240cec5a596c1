package gc

import (
	"time"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/collector"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
)

// HomogeneousSpaceCompactResult is the outcome of a compaction request.
type HomogeneousSpaceCompactResult int

const (
	HSCSuccess HomogeneousSpaceCompactResult = iota
	// HSCErrorReject means the heap cannot compact now: moving collection
	// is disabled, or the main space cannot move objects.
	HSCErrorReject
	// HSCErrorUnsupported means the heap has no backup space.
	HSCErrorUnsupported
	// HSCErrorShuttingDown means collection is disabled for shutdown.
	HSCErrorShuttingDown
)

func (r HomogeneousSpaceCompactResult) String() string {
	switch r {
	case HSCSuccess:
		return "Success"
	case HSCErrorReject:
		return "ErrorReject"
	case HSCErrorUnsupported:
		return "ErrorUnsupported"
	}
	return "ErrorShuttingDown"
}

// HomogeneousSpaceCompactCount returns the number of compactions run.
func (h *Heap) HomogeneousSpaceCompactCount() uint64 { return h.hscCount.Load() }

// PerformHomogeneousSpaceCompact copies every live object of the main
// free-list space into the empty backup space, then swaps the two.
func (h *Heap) PerformHomogeneousSpaceCompact() HomogeneousSpaceCompactResult {
	return h.performHomogeneousSpaceCompact(nil)
}

func (h *Heap) performHomogeneousSpaceCompact(self Thread) HomogeneousSpaceCompactResult {
	defer blockSelf(self, "homogeneous space compaction")()
	locks := heldLocks(self)
	h.gcCompleteLock.Lock(locks)
	h.waitForGcToCompleteLocked(locks)
	switch {
	case h.gcDisabledForShutdown:
		h.gcCompleteLock.Unlock(locks)
		return HSCErrorShuttingDown
	case h.backupSpace == nil || h.mainMalloc == nil:
		h.gcCompleteLock.Unlock(locks)
		return HSCErrorUnsupported
	case h.disableMovingGcCount > 0 || !h.mainMalloc.CanMoveObjects():
		h.gcCompleteLock.Unlock(locks)
		return HSCErrorReject
	}
	h.collectorTypeRunning = gccause.CollectorHomogeneousSpaceCompact
	h.lastGcCause = gccause.HomogeneousSpaceCompact
	h.gcCompleteLock.Unlock(locks)

	start := time.Now()
	before := h.mainMalloc.Size()
	resume := h.suspendAll(self, "homogeneous space compaction")
	h.spacesMu.ExclusiveLock(nil)
	from, to := h.mainMalloc, h.backupSpace
	h.addSpace(to)
	h.compact(to, from, gccause.HomogeneousSpaceCompact, h.hsc)
	h.removeSpace(from)
	h.mainMalloc, h.backupSpace = to, from
	h.spacesMu.ExclusiveUnlock(nil)
	resume()
	h.hscCount.Add(1)
	h.lastGC = h.hsc
	h.growForUtilization(h.hsc, 0)
	h.FinishGC(self, gccause.GcTypeFull)
	h.log.Infow("heap homogeneous space compaction",
		"duration", time.Since(start),
		"size_before", before,
		"size_after", h.mainMalloc.Size())
	return HSCSuccess
}

// compact evacuates from into to with a semi-space collector that leaves
// the spaces where they are.
func (h *Heap) compact(to, from space.ContinuousAllocSpace, cause gccause.Cause, ss *collector.SemiSpace) {
	ss.SetFromSpace(from)
	ss.SetToSpace(to)
	ss.SetSwapSemiSpaces(false)
	ss.Run(cause, false)
}

// TransitionCollector switches to collector t, moving the heap between
// the free-list and bump-pointer layouts when the two need different
// spaces. Transitions into or out of concurrent copying are not
// supported.
func (h *Heap) TransitionCollector(t gccause.CollectorType) {
	h.transitionCollector(nil, t)
}

func (h *Heap) transitionCollector(self Thread, t gccause.CollectorType) {
	if t == h.collectorType {
		return
	}
	if (t == gccause.CollectorCC) != (h.collectorType == gccause.CollectorCC) {
		h.log.Warnw("unsupported collector transition", "from", h.collectorType.String(), "to", t.String())
		return
	}
	defer blockSelf(self, "collector transition")()
	locks := heldLocks(self)
	h.gcCompleteLock.Lock(locks)
	h.waitForGcToCompleteLocked(locks)
	if h.gcDisabledForShutdown || (h.disableMovingGcCount > 0 && (t.IsMovingGc() || h.collectorType.IsMovingGc())) {
		h.gcCompleteLock.Unlock(locks)
		h.log.Warnw("collector transition refused", "to", t.String(), "disable_moving_gc", h.disableMovingGcCount)
		return
	}
	h.collectorTypeRunning = h.collectorType
	h.lastGcCause = gccause.CollectorTransition
	h.gcCompleteLock.Unlock(locks)

	start := time.Now()
	from := h.collectorType
	resume := h.suspendAll(self, "collector transition")
	h.spacesMu.ExclusiveLock(nil)
	switch {
	case isBumpPointerCollector(t) && !isBumpPointerCollector(from) && h.mainMalloc != nil:
		h.transitionToBumpPointer()
	case !isBumpPointerCollector(t) && isBumpPointerCollector(from) && h.bumpSpace != nil:
		h.transitionToMalloc()
	}
	h.ChangeCollector(t)
	h.spacesMu.ExclusiveUnlock(nil)
	resume()
	h.FinishGC(self, gccause.GcTypeFull)
	h.log.Infow("heap transition",
		"from", from.String(), "to", t.String(),
		"duration", time.Since(start),
		"bytes_allocated", h.GetBytesAllocated())
}

// transitionToBumpPointer compacts the main free-list space into a
// bump-pointer space built over the backup space's memory. The old main
// space's memory becomes the second semi-space.
func (h *Heap) transitionToBumpPointer() {
	base.Check(h.backupSpace != nil, "no backup space to transition into")
	bump := space.NewBumpPointerSpaceFromMemMap("bump pointer space 1", h.backupSpace.MemMap())
	h.addSpace(bump)
	h.compact(bump, h.mainMalloc, gccause.CollectorTransition, h.semiSpace)
	old := h.mainMalloc
	h.removeSpace(old)
	h.tempSpace = space.NewBumpPointerSpaceFromMemMap("bump pointer space 2", old.MemMap())
	h.addSpace(h.tempSpace)
	h.bumpSpace, h.mainMalloc, h.backupSpace = bump, nil, nil
}

// transitionToMalloc compacts the bump-pointer space into a free-list
// space built over the other semi-space; the compacted space's memory
// becomes the backup space.
func (h *Heap) transitionToMalloc() {
	opts := h.opts
	h.removeSpace(h.tempSpace)
	main := space.NewMallocSpaceFromMemMap("main rosalloc space", h.tempSpace.MemMap(),
		opts.InitialSize, opts.GrowthLimit, true)
	h.addSpace(main)
	h.compact(main, h.bumpSpace, gccause.CollectorTransition, h.semiSpace)
	old := h.bumpSpace
	h.removeSpace(old)
	h.backupSpace = space.NewMallocSpaceFromMemMap("main rosalloc space 1", old.MemMap(),
		opts.InitialSize, opts.GrowthLimit, true)
	h.mainMalloc, h.bumpSpace, h.tempSpace = main, nil, nil
}

// UpdateProcessState switches between the foreground and background
// collectors. The switch to the background collector is delayed so that
// short trips to the background do not pay for a transition.
func (h *Heap) UpdateProcessState(state ProcessState) {
	h.taskMu.Lock()
	old := h.processState
	h.processState = state
	h.taskMu.Unlock()
	if old == state {
		return
	}
	if state == ProcessStateJankPerceptible {
		h.RequestCollectorTransition(h.foregroundCollector, 0)
		h.setGrowthMultiplier(h.opts.ForegroundHeapGrowthMultiplier)
		return
	}
	h.RequestCollectorTransition(h.backgroundCollector, CollectorTransitionWait)
	h.setGrowthMultiplier(1)
}

// ProcessState returns the last state passed to UpdateProcessState.
func (h *Heap) ProcessState() ProcessState {
	h.taskMu.Lock()
	defer h.taskMu.Unlock()
	return h.processState
}

// RequestCollectorTransition schedules a transition to t after delay. A
// pending request is retargeted rather than duplicated.
func (h *Heap) RequestCollectorTransition(t gccause.CollectorType, delay time.Duration) {
	if h.opts.Deterministic {
		return
	}
	h.desiredCollectorType.Store(int32(t))
	target := time.Now().Add(delay)
	h.taskMu.Lock()
	defer h.taskMu.Unlock()
	if h.transitionTask != nil && h.tasks.UpdateTargetRunTime(h.transitionTask, target) {
		return
	}
	h.transitionTask = NewHeapTask("collector transition", target, h.DoPendingCollectorTransition)
	h.tasks.AddTask(h.transitionTask)
}

// DoPendingCollectorTransition runs the transition last requested. The
// homogeneous compaction background collector compacts instead of
// transitioning, and only when pauses are not perceptible.
func (h *Heap) DoPendingCollectorTransition() {
	desired := gccause.CollectorType(h.desiredCollectorType.Load())
	if desired == gccause.CollectorHomogeneousSpaceCompact {
		if h.ProcessState() == ProcessStateJankImperceptible {
			if r := h.PerformHomogeneousSpaceCompact(); r != HSCSuccess {
				h.log.Debugw("background compaction skipped", "result", r.String())
			}
		}
		return
	}
	h.TransitionCollector(desired)
}

// RequestTrim schedules a trim of the free-list spaces.
func (h *Heap) RequestTrim() {
	h.taskMu.Lock()
	defer h.taskMu.Unlock()
	if h.trimTask != nil && h.tasks.IsQueued(h.trimTask) {
		return
	}
	h.trimTask = NewHeapTask("heap trim", time.Now().Add(HeapTrimWait), func() { h.Trim(nil) })
	h.tasks.AddTask(h.trimTask)
}

// Trim gives the unused tails of the free-list spaces back and returns
// the bytes released.
func (h *Heap) Trim(self Thread) uint64 {
	var released uint64
	h.GCCriticalSection(self, gccause.Trim, gccause.CollectorHeapTrim, func() {
		for _, sp := range []*space.MallocSpace{h.mainMalloc, h.nonMovingSpace} {
			if sp != nil {
				released += uint64(sp.Trim())
			}
		}
	})
	h.log.Debugw("heap trim", "released", released)
	return released
}

// StartTaskProcessor starts running background heap tasks.
func (h *Heap) StartTaskProcessor() { h.tasks.Start() }

// TaskProcessor returns the heap's background task queue.
func (h *Heap) TaskProcessor() *TaskProcessor { return h.tasks }
