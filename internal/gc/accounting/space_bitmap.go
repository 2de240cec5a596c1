// Package accounting holds the bookkeeping structures the heap and the
// collectors share: object bitmaps, the card table, mod-union tables,
// remembered sets and object stacks.
package accounting

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

const bitsPerWord = 64

// SpaceBitmap has one bit per alignment-sized slot of a contiguous address
// range. A set bit marks the start of an object.
type SpaceBitmap struct {
	name      string
	alignment uint32
	heapBegin uint32
	heapLimit uint32
	words     []uint64
}

// NewSpaceBitmap covers [begin, begin+capacity) at the given alignment.
func NewSpaceBitmap(name string, begin, capacity, alignment uint32) *SpaceBitmap {
	base.Check(base.IsPowerOfTwo(alignment), "bitmap alignment %d", alignment)
	slots := (uint64(capacity) + uint64(alignment) - 1) / uint64(alignment)
	return &SpaceBitmap{
		name:      name,
		alignment: alignment,
		heapBegin: begin,
		heapLimit: begin + capacity,
		words:     make([]uint64, (slots+bitsPerWord-1)/bitsPerWord),
	}
}

// NewContinuousSpaceBitmap returns a bitmap at object alignment.
func NewContinuousSpaceBitmap(name string, begin, capacity uint32) *SpaceBitmap {
	return NewSpaceBitmap(name, begin, capacity, base.ObjectAlignment)
}

// NewLargeObjectBitmap returns a bitmap at page alignment.
func NewLargeObjectBitmap(name string, begin, capacity uint32) *SpaceBitmap {
	return NewSpaceBitmap(name, begin, capacity, base.LargeObjectAlignment)
}

// NewContinuousSpaceBitmapFromBytes rebuilds a bitmap saved with
// AppendBinary, as stored in an image file.
func NewContinuousSpaceBitmapFromBytes(name string, begin, capacity uint32, data []byte) (*SpaceBitmap, error) {
	b := NewContinuousSpaceBitmap(name, begin, capacity)
	if len(data) != 8*len(b.words) {
		return nil, errors.Errorf("bitmap %s: %d bytes for %d words", name, len(data), len(b.words))
	}
	for i := range b.words {
		b.words[i] = binary.LittleEndian.Uint64(data[8*i:])
	}
	return b, nil
}

// AppendBinary appends the bitmap's words in little-endian order.
func (b *SpaceBitmap) AppendBinary(dst []byte) []byte {
	for i := range b.words {
		dst = binary.LittleEndian.AppendUint64(dst, atomic.LoadUint64(&b.words[i]))
	}
	return dst
}

// Name returns the bitmap's name.
func (b *SpaceBitmap) Name() string { return b.name }

// SetName renames the bitmap; spaces rename their bitmaps when they are
// converted, for example into the zygote space.
func (b *SpaceBitmap) SetName(name string) { b.name = name }

// HeapBegin returns the first covered address.
func (b *SpaceBitmap) HeapBegin() uint32 { return b.heapBegin }

// HeapLimit returns the end of the covered range.
func (b *SpaceBitmap) HeapLimit() uint32 { return b.heapLimit }

// SetHeapLimit shrinks the covered range; bits above the new limit are
// cleared.
func (b *SpaceBitmap) SetHeapLimit(limit uint32) {
	base.Check(limit >= b.heapBegin && limit <= b.heapBegin+uint32(len(b.words))*bitsPerWord*b.alignment,
		"%s: heap limit %#x out of range", b.name, limit)
	b.ClearRange(limit, b.heapLimit)
	b.heapLimit = limit
}

// HasAddress reports whether addr is covered.
func (b *SpaceBitmap) HasAddress(addr mirror.Ref) bool {
	return uint32(addr) >= b.heapBegin && uint32(addr) < b.heapLimit
}

func (b *SpaceBitmap) index(addr mirror.Ref) (int, uint64) {
	base.DCheck(b.HasAddress(addr), "%s: %v outside [%#x, %#x)", b.name, addr, b.heapBegin, b.heapLimit)
	slot := (uint32(addr) - b.heapBegin) / b.alignment
	return int(slot / bitsPerWord), 1 << (slot % bitsPerWord)
}

// Test reports whether the bit for obj is set.
func (b *SpaceBitmap) Test(obj mirror.Ref) bool {
	i, mask := b.index(obj)
	return atomic.LoadUint64(&b.words[i])&mask != 0
}

// Set sets the bit for obj and reports whether it was already set.
func (b *SpaceBitmap) Set(obj mirror.Ref) bool {
	return b.AtomicTestAndSet(obj)
}

// Clear clears the bit for obj and reports whether it was set.
func (b *SpaceBitmap) Clear(obj mirror.Ref) bool {
	i, mask := b.index(obj)
	for {
		old := atomic.LoadUint64(&b.words[i])
		if old&mask == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&b.words[i], old, old&^mask) {
			return true
		}
	}
}

// AtomicTestAndSet sets the bit for obj and reports whether it was set
// before.
func (b *SpaceBitmap) AtomicTestAndSet(obj mirror.Ref) bool {
	i, mask := b.index(obj)
	for {
		old := atomic.LoadUint64(&b.words[i])
		if old&mask != 0 {
			return true
		}
		if atomic.CompareAndSwapUint64(&b.words[i], old, old|mask) {
			return false
		}
	}
}

// ClearAll clears every bit.
func (b *SpaceBitmap) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// ClearRange clears the bits of objects starting in [begin, end).
func (b *SpaceBitmap) ClearRange(begin, end uint32) {
	if begin < b.heapBegin {
		begin = b.heapBegin
	}
	for addr := begin; addr < end; addr += b.alignment {
		slot := (addr - b.heapBegin) / b.alignment
		w := int(slot / bitsPerWord)
		if w >= len(b.words) {
			return
		}
		if slot%bitsPerWord == 0 && addr+bitsPerWord*b.alignment <= end {
			b.words[w] = 0
			addr += (bitsPerWord - 1) * b.alignment
			continue
		}
		b.words[w] &^= 1 << (slot % bitsPerWord)
	}
}

// CopyFrom copies the bits of other, which must cover the same range.
func (b *SpaceBitmap) CopyFrom(other *SpaceBitmap) {
	base.Check(b.heapBegin == other.heapBegin && len(b.words) == len(other.words),
		"copy between mismatched bitmaps %s and %s", b.name, other.name)
	copy(b.words, other.words)
}

// VisitMarkedRange calls fn for every set bit of an object starting in
// [begin, end), in address order.
func (b *SpaceBitmap) VisitMarkedRange(begin, end uint32, fn func(mirror.Ref)) {
	if begin < b.heapBegin {
		begin = b.heapBegin
	}
	if end > b.heapLimit {
		end = b.heapLimit
	}
	if begin >= end {
		return
	}
	first := (begin - b.heapBegin) / b.alignment
	last := (end - b.heapBegin + b.alignment - 1) / b.alignment
	for w := int(first / bitsPerWord); w <= int((last-1)/bitsPerWord) && w < len(b.words); w++ {
		word := atomic.LoadUint64(&b.words[w])
		for word != 0 {
			bit := uint32(bits.TrailingZeros64(word))
			word &^= 1 << bit
			slot := uint32(w)*bitsPerWord + bit
			if slot < first || slot >= last {
				continue
			}
			fn(mirror.Ref(b.heapBegin + slot*b.alignment))
		}
	}
}

// Walk visits every marked object.
func (b *SpaceBitmap) Walk(fn func(mirror.Ref)) {
	b.VisitMarkedRange(b.heapBegin, b.heapLimit, fn)
}

// Count returns the number of set bits.
func (b *SpaceBitmap) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(atomic.LoadUint64(&b.words[i]))
	}
	return n
}

// SweepWalk calls fn with batches of objects in [begin, end) that are live
// but not marked; those are the garbage of a mark-sweep cycle.
func SweepWalk(live, mark *SpaceBitmap, begin, end uint32, fn func([]mirror.Ref)) {
	base.Check(live.heapBegin == mark.heapBegin && live.alignment == mark.alignment,
		"sweep between mismatched bitmaps %s and %s", live.name, mark.name)
	const batch = 128
	buf := make([]mirror.Ref, 0, batch)
	if begin < live.heapBegin {
		begin = live.heapBegin
	}
	if end > live.heapLimit {
		end = live.heapLimit
	}
	if begin >= end {
		return
	}
	first := (begin - live.heapBegin) / live.alignment
	last := (end - live.heapBegin + live.alignment - 1) / live.alignment
	for w := int(first / bitsPerWord); w <= int((last-1)/bitsPerWord) && w < len(live.words); w++ {
		garbage := live.words[w] &^ mark.words[w]
		for garbage != 0 {
			bit := uint32(bits.TrailingZeros64(garbage))
			garbage &^= 1 << bit
			slot := uint32(w)*bitsPerWord + bit
			if slot < first || slot >= last {
				continue
			}
			buf = append(buf, mirror.Ref(live.heapBegin+slot*live.alignment))
			if len(buf) == batch {
				fn(buf)
				buf = buf[:0]
			}
		}
	}
	if len(buf) > 0 {
		fn(buf)
	}
}
