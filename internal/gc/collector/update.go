package collector

import (
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// forwardingMap maps old addresses of moved objects to new ones.
type forwardingMap map[mirror.Ref]mirror.Ref

func (f forwardingMap) forward(obj mirror.Ref) mirror.Ref {
	if nv, ok := f[obj]; ok {
		return nv
	}
	return obj
}

// updateReferences rewrites every root, weak root and reference slot of
// the objects yielded by each to point at forwarded addresses. Immune
// spaces are updated through their mod-union tables when they have one.
// Class slots are rewritten after the rest of the object because the
// layout of an object is read through its class, which may not have moved
// yet.
func updateReferences(h Heap, fwd func(mirror.Ref) mirror.Ref, immune immuneSpaces, each func(visit func(mirror.Ref))) {
	h.VisitRoots(func(root *mirror.Ref) {
		if *root != 0 {
			*root = fwd(*root)
		}
	})
	update := func(holder mirror.Ref, offset uint32) {
		old := mirror.FieldRef(h, holder, offset)
		if old == 0 {
			return
		}
		nv := fwd(old)
		if nv != old {
			mirror.SetFieldRefNoBarrier(h, holder, offset, nv)
		}
		dirtyCrossSpaceCard(h, holder, nv)
	}
	var classSlots []mirror.Ref
	deferClass := func(holder mirror.Ref, offset uint32) {
		if offset == rtabi.ObjectClassOffset {
			classSlots = append(classSlots, holder)
			return
		}
		update(holder, offset)
	}
	visitObject := func(obj mirror.Ref) {
		mirror.VisitReferences(h, obj, true, deferClass)
	}
	for _, sp := range immune {
		if table := h.ModUnionTable(sp); table != nil {
			table.UpdateAndMarkReferences(deferClass)
			continue
		}
		walkSpace(sp, visitObject)
	}
	each(visitObject)
	for _, holder := range classSlots {
		update(holder, rtabi.ObjectClassOffset)
	}
	h.SweepSystemWeaks(fwd)
}

// liveObjectsOf yields the live objects of spaces.
func liveObjectsOf(spaces []space.Space) func(visit func(mirror.Ref)) {
	return func(visit func(mirror.Ref)) {
		for _, sp := range spaces {
			walkSpace(sp, visit)
		}
	}
}
