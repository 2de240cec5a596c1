package collector

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

const referentOffset = rtabi.ReferenceReferentOffset

// tracer is the marking engine the collectors share. mark returns the
// address a reachable object lives at after the collection and pushes it
// on the mark stack the first time it is seen; isMarked answers the same
// question without marking.
type tracer struct {
	heap      Heap
	markStack []mirror.Ref
	mark      func(obj mirror.Ref) mirror.Ref
	isMarked  IsMarkedFunc
	// skipScan reports objects whose outgoing references are covered by a
	// mod-union table or remembered set.
	skipScan func(obj mirror.Ref) bool

	soft, weak, finalizer, phantom []mirror.Ref
}

func (t *tracer) reset() {
	t.markStack = t.markStack[:0]
	t.soft, t.weak, t.finalizer, t.phantom = nil, nil, nil, nil
}

func (t *tracer) push(obj mirror.Ref) { t.markStack = append(t.markStack, obj) }

// markRoots marks every root and updates the root slots in place.
func (t *tracer) markRoots() {
	t.heap.VisitRoots(func(root *mirror.Ref) {
		if *root != 0 {
			*root = t.mark(*root)
		}
	})
}

// markField marks the object stored in one slot of holder, stores the new
// address back and keeps the card of holder dirty when a non-moving object
// points into a moving space.
func (t *tracer) markField(holder mirror.Ref, offset uint32) {
	old := mirror.FieldRef(t.heap, holder, offset)
	if old == 0 {
		return
	}
	nv := t.mark(old)
	if nv != old {
		mirror.SetFieldRefNoBarrier(t.heap, holder, offset, nv)
	}
	dirtyCrossSpaceCard(t.heap, holder, nv)
}

// scanObject marks everything obj references.
func (t *tracer) scanObject(obj mirror.Ref) {
	mirror.VisitReferences(t.heap, obj, false, t.markField)
	if mirror.IsReferenceInstance(t.heap, obj) {
		t.delayReferenceReferent(obj)
	}
}

// processMarkStack drains the mark stack.
func (t *tracer) processMarkStack() {
	for len(t.markStack) > 0 {
		obj := t.markStack[len(t.markStack)-1]
		t.markStack = t.markStack[:len(t.markStack)-1]
		if t.skipScan != nil && t.skipScan(obj) {
			continue
		}
		t.scanObject(obj)
	}
}

// delayReferenceReferent queues a reference object whose referent is not
// yet known to be reachable.
func (t *tracer) delayReferenceReferent(ref mirror.Ref) {
	referent := mirror.ReferenceReferent(t.heap, ref)
	if referent == 0 {
		return
	}
	if nv := t.isMarked(referent); nv != 0 {
		if nv != referent {
			mirror.SetFieldRefNoBarrier(t.heap, ref, referentOffset, nv)
		}
		dirtyCrossSpaceCard(t.heap, ref, nv)
		return
	}
	flags := mirror.ClassFlags(t.heap, mirror.ClassOf(t.heap, ref))
	switch {
	case flags&mirror.ClassFlagSoftReference != 0:
		t.soft = append(t.soft, ref)
	case flags&mirror.ClassFlagWeakReference != 0:
		t.weak = append(t.weak, ref)
	case flags&mirror.ClassFlagFinalizerRef != 0:
		t.finalizer = append(t.finalizer, ref)
	case flags&mirror.ClassFlagPhantomReference != 0:
		t.phantom = append(t.phantom, ref)
	default:
		base.Fatalf("reference %v has no reference kind", ref)
	}
}

// processReferences runs after marking. Soft referents survive unless
// clearSoft is set; finalizable referents are kept alive for their
// finalizers; everything else with an unmarked referent is cleared and
// handed to the runtime.
func (t *tracer) processReferences(clearSoft bool) {
	if !clearSoft {
		for len(t.soft) > 0 {
			soft := t.soft
			t.soft = nil
			for _, ref := range soft {
				t.preserveReferent(ref)
			}
			t.processMarkStack()
		}
	}
	t.clearWhite(&t.soft)
	t.clearWhite(&t.weak)
	finalizers := t.finalizer
	t.finalizer = nil
	for _, ref := range finalizers {
		if mirror.ReferenceReferent(t.heap, ref) == 0 {
			continue
		}
		t.preserveReferent(ref)
		t.heap.EnqueueClearedReference(t.currentAddress(ref))
	}
	t.processMarkStack()
	// Referents reachable only from finalizable objects are cleared too.
	t.clearWhite(&t.soft)
	t.clearWhite(&t.weak)
	t.clearWhite(&t.phantom)
}

// currentAddress returns where a reference object lives now.
func (t *tracer) currentAddress(ref mirror.Ref) mirror.Ref {
	if nv := t.isMarked(ref); nv != 0 {
		return nv
	}
	return ref
}

func (t *tracer) preserveReferent(ref mirror.Ref) {
	ref = t.currentAddress(ref)
	t.markField(ref, referentOffset)
}

// clearWhite clears and enqueues every queued reference whose referent is
// still unmarked and updates the others.
func (t *tracer) clearWhite(list *[]mirror.Ref) {
	for _, ref := range *list {
		ref = t.currentAddress(ref)
		referent := mirror.ReferenceReferent(t.heap, ref)
		if referent == 0 {
			continue
		}
		if nv := t.isMarked(referent); nv != 0 {
			if nv != referent {
				mirror.SetFieldRefNoBarrier(t.heap, ref, referentOffset, nv)
			}
			dirtyCrossSpaceCard(t.heap, ref, nv)
			continue
		}
		mirror.ClearReferent(t.heap, ref)
		t.heap.EnqueueClearedReference(ref)
	}
	*list = nil
}

// dirtyCrossSpaceCard marks the card of holder when holder cannot move
// but ref can.
func dirtyCrossSpaceCard(h Heap, holder, ref mirror.Ref) {
	if ref == 0 || !isMovable(h, ref) || isMovable(h, holder) {
		return
	}
	if ct := h.CardTable(); ct.AddrIsInCardTable(uint32(holder)) {
		ct.MarkCard(holder)
	}
}

func isMovable(h Heap, obj mirror.Ref) bool {
	s := h.SpaceOf(obj)
	return s != nil && s.CanMoveObjects()
}

// immuneSpaces is the set of spaces a collection treats as all-live.
type immuneSpaces []space.ContinuousSpace

func (s immuneSpaces) contains(obj mirror.Ref) bool {
	for _, sp := range s {
		if sp.Contains(obj) {
			return true
		}
	}
	return false
}

// markImmuneSpaces marks through the mod-union table of every immune
// space.
func (t *tracer) markImmuneSpaces(immune immuneSpaces) {
	for _, sp := range immune {
		table := t.heap.ModUnionTable(sp)
		if table == nil {
			// Without a table every object of the space is scanned.
			walkSpace(sp, t.scanObject)
			continue
		}
		table.ClearCards()
		table.UpdateAndMarkReferences(t.markField)
	}
}

// walkSpace visits the live objects of s in address order.
func walkSpace(s space.Space, fn func(mirror.Ref)) {
	type walker interface{ Walk(func(mirror.Ref)) }
	if w, ok := s.(walker); ok {
		w.Walk(fn)
		return
	}
	s.LiveBitmap().Walk(fn)
}
