package gc

import (
	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/gc/collector"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
)

// PreZygoteFork compacts the heap into the non-moving space and turns the
// occupied part of it into the zygote space, shared by every process
// forked afterwards. Later allocations go to a fresh non-moving space
// after it and to the emptied main space. It runs once.
func (h *Heap) PreZygoteFork(self Thread) {
	h.zygoteCreationLock.Lock()
	defer h.zygoteCreationLock.Unlock()
	if h.zygoteSpace != nil {
		h.log.Warnw("zygote space already created")
		return
	}
	h.CollectGarbageInternal(self, gccause.GcTypeFull, gccause.PreZygoteFork, false)

	h.StartGC(self, gccause.PreZygoteFork, h.collectorType)
	defer h.FinishGC(self, gccause.GcTypeNone)
	defer blockSelf(self, "pre zygote fork")()
	resume := h.suspendAll(self, "pre zygote fork")
	defer resume()
	h.spacesMu.ExclusiveLock(nil)
	defer h.spacesMu.ExclusiveUnlock(nil)

	h.nonMovingSpace.Trim()
	if main := h.MainSpace(); main != h.nonMovingSpace {
		zc := collector.NewZygoteCompactor(h, main, h.nonMovingSpace)
		zc.Run(gccause.PreZygoteFork, false)
		binned, appended := zc.Placement()
		h.log.Debugw("zygote compaction", "from", main.Name(), "binned", binned, "appended", appended)
	}
	old := h.nonMovingSpace
	zygote, alloc := old.CreateZygoteSpace("zygote space", "non moving space")
	h.removeSpace(old)
	h.addSpace(zygote)
	h.addSpace(alloc)
	h.zygoteSpace, h.nonMovingSpace = zygote, alloc

	// Every card of the zygote space may hold references into the spaces
	// collected after the fork.
	mut := accounting.NewModUnionTableCardCache("zygote space mod-union table", regionOf(zygote), h, h.cardTable, nil)
	mut.SetCards()
	h.modUnionTables[zygote] = mut
	h.rememberedSets[alloc] = accounting.NewRememberedSet("non moving space remembered set", regionOf(alloc), h, h.cardTable)
	h.ChangeCollector(h.foregroundCollector)
	h.log.Infow("zygote space created",
		"begin", zygote.Begin(), "end", zygote.End(),
		"objects", zygote.ObjectsAllocated())
}
