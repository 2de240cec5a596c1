package accounting

import (
	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// HeapBitmap is the union of the bitmaps of all spaces, continuous and
// large-object, so collectors can mark without knowing the space.
type HeapBitmap struct {
	continuous []*SpaceBitmap
	large      []*SpaceBitmap
}

// AddContinuousSpaceBitmap registers b; its range must not overlap an
// existing bitmap.
func (h *HeapBitmap) AddContinuousSpaceBitmap(b *SpaceBitmap) {
	for _, o := range h.continuous {
		base.Check(b.HeapLimit() <= o.HeapBegin() || b.HeapBegin() >= o.HeapLimit(),
			"bitmap %s overlaps %s", b.Name(), o.Name())
	}
	h.continuous = append(h.continuous, b)
}

// RemoveContinuousSpaceBitmap unregisters b.
func (h *HeapBitmap) RemoveContinuousSpaceBitmap(b *SpaceBitmap) {
	h.continuous = removeBitmap(h.continuous, b)
}

// AddLargeObjectBitmap registers a large object bitmap.
func (h *HeapBitmap) AddLargeObjectBitmap(b *SpaceBitmap) { h.large = append(h.large, b) }

// RemoveLargeObjectBitmap unregisters a large object bitmap.
func (h *HeapBitmap) RemoveLargeObjectBitmap(b *SpaceBitmap) { h.large = removeBitmap(h.large, b) }

func removeBitmap(list []*SpaceBitmap, b *SpaceBitmap) []*SpaceBitmap {
	for i, o := range list {
		if o == b {
			return append(list[:i], list[i+1:]...)
		}
	}
	base.Fatalf("bitmap %s not registered", b.Name())
	return list
}

// ReplaceBitmap swaps old for nb, used when spaces swap their live and
// mark bitmaps.
func (h *HeapBitmap) ReplaceBitmap(old, nb *SpaceBitmap) {
	for _, list := range [][]*SpaceBitmap{h.continuous, h.large} {
		for i, o := range list {
			if o == old {
				list[i] = nb
				return
			}
		}
	}
	base.Fatalf("bitmap %s not registered", old.Name())
}

// BitmapFor returns the bitmap covering obj, or nil.
func (h *HeapBitmap) BitmapFor(obj mirror.Ref) *SpaceBitmap {
	for _, b := range h.continuous {
		if b.HasAddress(obj) {
			return b
		}
	}
	for _, b := range h.large {
		if b.HasAddress(obj) {
			return b
		}
	}
	return nil
}

// Test reports whether obj is marked. Objects outside every bitmap are
// reported unmarked.
func (h *HeapBitmap) Test(obj mirror.Ref) bool {
	if b := h.BitmapFor(obj); b != nil {
		return b.Test(obj)
	}
	return false
}

// Set marks obj and reports whether it was already marked.
func (h *HeapBitmap) Set(obj mirror.Ref) bool {
	b := h.BitmapFor(obj)
	base.Check(b != nil, "object %v is not in any space", obj)
	return b.AtomicTestAndSet(obj)
}

// Clear unmarks obj.
func (h *HeapBitmap) Clear(obj mirror.Ref) {
	if b := h.BitmapFor(obj); b != nil {
		b.Clear(obj)
	}
}

// Walk visits every marked object, continuous spaces first.
func (h *HeapBitmap) Walk(fn func(mirror.Ref)) {
	for _, b := range h.continuous {
		b.Walk(fn)
	}
	for _, b := range h.large {
		b.Walk(fn)
	}
}
