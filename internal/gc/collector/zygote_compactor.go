package collector

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// ZygoteCompactor moves every object of the main space into the
// non-moving space before the zygote space is created. Each object goes
// into the smallest hole of the non-moving space that fits it, ties going
// to the lowest address; objects that fit no hole are appended at the
// end. It runs after a full collection, so every object it sees is live.
type ZygoteCompactor struct {
	garbageCollector
	from    space.ContinuousAllocSpace
	to      *space.MallocSpace
	forward forwardingMap

	binned, appended int
}

// NewZygoteCompactor returns a compactor from from into to.
func NewZygoteCompactor(h Heap, from space.ContinuousAllocSpace, to *space.MallocSpace) *ZygoteCompactor {
	return &ZygoteCompactor{garbageCollector: newGarbageCollector(h, "zygote compactor"), from: from, to: to}
}

func (z *ZygoteCompactor) GcType() gccause.GcType               { return gccause.GcTypeFull }
func (z *ZygoteCompactor) CollectorType() gccause.CollectorType { return gccause.CollectorSS }

// Placement reports how many objects went into holes and how many were
// appended by the last run.
func (z *ZygoteCompactor) Placement() (binned, appended int) { return z.binned, z.appended }

// bin is a hole of the destination space.
type bin struct {
	begin, size uint32
}

// bestFit returns the index of the smallest bin holding n bytes, or -1.
func bestFit(bins []bin, n uint32) int {
	best := -1
	for i, b := range bins {
		if b.size < n {
			continue
		}
		if best < 0 || b.size < bins[best].size || b.size == bins[best].size && b.begin < bins[best].begin {
			best = i
		}
	}
	return best
}

func (z *ZygoteCompactor) Run(cause gccause.Cause, clearSoft bool) {
	z.run(cause, clearSoft, func() {
		tl := z.iteration.Timings
		tl.StartTiming("BuildBins")
		h := z.heap
		h.RevokeAllThreadLocalBuffers()
		var bins []bin
		for _, e := range z.to.FreeExtents() {
			bins = append(bins, bin{begin: e[0], size: e[1]})
		}
		tl.NewSplit("PlanMoves")
		z.forward = make(forwardingMap)
		z.binned, z.appended = 0, 0
		var moved []mirror.Ref
		var sizes []uint32
		walkSpace(z.from, func(obj mirror.Ref) {
			n := mirror.AlignedSizeOf(h, obj)
			var dst mirror.Ref
			if i := bestFit(bins, n); i >= 0 {
				dst = mirror.Ref(bins[i].begin)
				base.Check(z.to.AllocAt(dst, n), "%s: hole at %v vanished", z.name, dst)
				bins[i].begin += n
				bins[i].size -= n
				if bins[i].size == 0 {
					bins = append(bins[:i], bins[i+1:]...)
				}
				z.binned++
			} else {
				if dst, _ = z.to.AllocWithGrowth(n); dst == 0 {
					base.Fatalf("%s: %s has no room for %d bytes", z.name, z.to.Name(), n)
				}
				z.appended++
			}
			z.forward[obj] = dst
			moved = append(moved, obj)
			sizes = append(sizes, n)
		})
		tl.NewSplit("UpdateReferences")
		var immune immuneSpaces
		var others []space.Space
		for _, sp := range h.ContinuousSpaces() {
			switch {
			case sp == space.ContinuousSpace(z.from):
			case sp.RetentionPolicy() != space.AlwaysCollect:
				immune = append(immune, sp)
			default:
				others = append(others, sp)
			}
		}
		if los := h.LargeObjectSpace(); los != nil {
			others = append(others, los)
		}
		// The destination's live bitmap does not have the new copies yet,
		// so walking it visits only the objects that were already there.
		updateReferences(h, z.forward.forward, immune, func(visit func(mirror.Ref)) {
			liveObjectsOf(others)(visit)
			for _, obj := range moved {
				visit(obj)
			}
		})
		tl.NewSplit("CopyObjects")
		for i, obj := range moved {
			dst, n := z.forward[obj], sizes[i]
			copy(h.Slice(dst, n), h.Slice(obj, n))
			z.to.LiveBitmap().Set(dst)
		}
		z.from.Clear()
		z.forward = nil
		tl.EndTiming()
	})
}
