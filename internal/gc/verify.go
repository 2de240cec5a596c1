package gc

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// VerifyHeapReferences checks that every live object has a live class and
// that every reference it holds is null or a live object. It returns the
// number of bad references found.
func (h *Heap) VerifyHeapReferences() int {
	failures := 0
	h.VisitObjects(func(obj mirror.Ref) {
		mirror.VisitReferences(h, obj, true, func(holder mirror.Ref, off uint32) {
			ref := mirror.FieldRef(h, holder, off)
			if ref == 0 && off != 0 {
				return
			}
			if !h.IsLiveObject(ref) {
				failures++
				h.log.Errorw("heap corruption: reference to a dead or invalid object",
					"holder", holder.String(), "offset", off, "ref", ref.String(),
					"space", spaceName(h.SpaceOf(ref)))
			}
		})
	})
	return failures
}

// VerifyMissingCardMarks checks that every object which cannot move and
// references an object which can sits on a dirty card, so that the next
// collection of the movable spaces finds the reference. It returns the
// number of unmarked holders.
func (h *Heap) VerifyMissingCardMarks() int {
	failures := 0
	h.VisitObjects(func(obj mirror.Ref) {
		holderSpace := h.SpaceOf(obj)
		if holderSpace == nil || holderSpace.CanMoveObjects() || !h.cardTable.AddrIsInCardTable(uint32(obj)) {
			return
		}
		mirror.VisitReferences(h, obj, true, func(holder mirror.Ref, off uint32) {
			ref := mirror.FieldRef(h, holder, off)
			if ref == 0 {
				return
			}
			if sp := h.SpaceOf(ref); sp == nil || !sp.CanMoveObjects() {
				return
			}
			if !h.cardTable.IsDirty(uint32(holder)) {
				failures++
				h.log.Errorw("missing card mark",
					"holder", holder.String(), "offset", off, "ref", ref.String(),
					"card", h.cardTable.GetCard(uint32(holder)))
			}
		})
	})
	return failures
}

// VerifyLiveStack checks that every object on the allocation stack is
// live. It returns the number of dead entries.
func (h *Heap) VerifyLiveStack() int {
	failures := 0
	for _, obj := range h.allocStack.Entries() {
		if !h.IsLiveObject(obj) {
			failures++
			h.log.Errorw("allocation stack entry is not live", "obj", obj.String())
		}
	}
	return failures
}

func (h *Heap) verifyOrDie(when string) {
	n := h.VerifyHeapReferences() + h.VerifyMissingCardMarks() + h.VerifyLiveStack()
	if n > 0 {
		base.Fatalf("%s heap verification found %d errors", when, n)
	}
}

func spaceName(sp space.Space) string {
	if sp == nil {
		return "none"
	}
	return sp.Name()
}
