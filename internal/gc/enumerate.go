package gc

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// walker is a space that can enumerate its objects in address order.
type walker interface {
	Walk(fn func(mirror.Ref))
}

// VisitObjects calls fn for every live object. Mutators must be
// suspended, or moving collection disabled, while it runs; thread-local
// buffers are revoked first so their objects are counted.
func (h *Heap) VisitObjects(fn func(obj mirror.Ref)) {
	h.spacesMu.SharedLock(nil)
	defer h.spacesMu.SharedUnlock(nil)
	h.RevokeAllThreadLocalBuffers()
	for _, sp := range h.continuous {
		h.walkSpace(sp, fn)
	}
	if h.los != nil {
		h.los.Walk(fn)
	}
}

// WalkSpace calls fn for every live object of sp.
func (h *Heap) WalkSpace(sp space.Space, fn func(obj mirror.Ref)) {
	h.spacesMu.SharedLock(nil)
	defer h.spacesMu.SharedUnlock(nil)
	h.walkSpace(sp, fn)
}

func (h *Heap) walkSpace(sp space.Space, fn func(obj mirror.Ref)) {
	if w, ok := sp.(walker); ok {
		w.Walk(fn)
		return
	}
	sp.LiveBitmap().Walk(fn)
}

// instanceOf reports whether obj is an instance of c, or of a subclass of
// c when assignable is set.
func (h *Heap) instanceOf(obj, c mirror.Ref, assignable bool) bool {
	k := mirror.ClassOf(h, obj)
	if assignable {
		return mirror.IsSubClass(h, k, c)
	}
	return k == c
}

// CountInstances returns, for each class, the number of live instances.
func (h *Heap) CountInstances(classes []mirror.Ref, useIsAssignableFrom bool) []uint64 {
	counts := make([]uint64, len(classes))
	h.VisitObjects(func(obj mirror.Ref) {
		for i, c := range classes {
			if h.instanceOf(obj, c, useIsAssignableFrom) {
				counts[i]++
			}
		}
	})
	return counts
}

// GetInstances returns up to maxCount live instances of c; maxCount 0
// means no limit.
func (h *Heap) GetInstances(c mirror.Ref, useIsAssignableFrom bool, maxCount int) []mirror.Ref {
	var out []mirror.Ref
	h.VisitObjects(func(obj mirror.Ref) {
		if maxCount > 0 && len(out) >= maxCount {
			return
		}
		if h.instanceOf(obj, c, useIsAssignableFrom) {
			out = append(out, obj)
		}
	})
	return out
}

// GetReferringObjects returns up to maxCount live objects holding a
// reference to o; maxCount 0 means no limit.
func (h *Heap) GetReferringObjects(o mirror.Ref, maxCount int) []mirror.Ref {
	var out []mirror.Ref
	h.VisitObjects(func(obj mirror.Ref) {
		if maxCount > 0 && len(out) >= maxCount {
			return
		}
		refers := false
		mirror.VisitReferences(h, obj, true, func(holder mirror.Ref, off uint32) {
			if mirror.FieldRef(h, holder, off) == o {
				refers = true
			}
		})
		if refers {
			out = append(out, obj)
		}
	})
	return out
}

// IsLiveObject reports whether obj is the start of a live object.
func (h *Heap) IsLiveObject(obj mirror.Ref) bool {
	if obj == 0 || !base.IsAligned(uint32(obj), base.ObjectAlignment) {
		return false
	}
	sp := h.SpaceOf(obj)
	if sp == nil {
		return false
	}
	return sp.LiveBitmap().Test(obj)
}
