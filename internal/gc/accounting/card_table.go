package accounting

import (
	"sync/atomic"
	"unsafe"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// CardTable keeps one byte per CardSize bytes of heap. The write barrier
// dirties the card of the object whose reference field was written.
type CardTable struct {
	heapBegin uint32
	cards     []byte
}

// NewCardTable covers [begin, begin+capacity).
func NewCardTable(begin, capacity uint32) *CardTable {
	n := base.RoundUp(capacity, rtabi.CardSize) / rtabi.CardSize
	// Cards are updated atomically a word at a time.
	cards := make([]byte, base.RoundUp(n, 4))
	return &CardTable{heapBegin: begin, cards: cards[:n:len(cards)]}
}

func (c *CardTable) index(addr uint32) int {
	base.DCheck(c.AddrIsInCardTable(addr), "card table: address %#x out of range", addr)
	return int((addr - c.heapBegin) >> rtabi.CardShift)
}

// AddrIsInCardTable reports whether the table covers addr.
func (c *CardTable) AddrIsInCardTable(addr uint32) bool {
	return addr >= c.heapBegin && int((addr-c.heapBegin)>>rtabi.CardShift) < len(c.cards)
}

// AddrFromCard returns the first heap address covered by card i.
func (c *CardTable) AddrFromCard(i int) uint32 {
	return c.heapBegin + uint32(i)<<rtabi.CardShift
}

// CardIndex returns the index of the card covering addr.
func (c *CardTable) CardIndex(addr uint32) int { return c.index(addr) }

// NumCards returns the number of cards.
func (c *CardTable) NumCards() int { return len(c.cards) }

// MarkCard dirties the card covering obj.
func (c *CardTable) MarkCard(obj mirror.Ref) {
	c.cards[c.index(uint32(obj))] = rtabi.CardDirty
}

// GetCard returns the value of the card covering addr.
func (c *CardTable) GetCard(addr uint32) byte {
	return c.cards[c.index(addr)]
}

// IsDirty reports whether the card covering addr is dirty.
func (c *CardTable) IsDirty(addr uint32) bool { return c.GetCard(addr) == rtabi.CardDirty }

// IsClean reports whether the card covering addr is clean.
func (c *CardTable) IsClean(addr uint32) bool { return c.GetCard(addr) == rtabi.CardClean }

// ClearCardTable cleans every card.
func (c *CardTable) ClearCardTable() {
	for i := range c.cards {
		c.cards[i] = rtabi.CardClean
	}
}

// ClearCardRange cleans the cards covering [begin, end).
func (c *CardTable) ClearCardRange(begin, end uint32) {
	if begin >= end {
		return
	}
	first, last := c.index(begin), c.index(end-1)
	for i := first; i <= last; i++ {
		c.cards[i] = rtabi.CardClean
	}
}

// casCard updates one card atomically. Cards are bytes; the update is done
// on the enclosing aligned word.
func (c *CardTable) casCard(i int, old, nv byte) bool {
	wordIdx := i &^ 3
	p := (*uint32)(unsafe.Pointer(&c.cards[:cap(c.cards)][wordIdx]))
	shift := uint(i-wordIdx) * 8
	for {
		w := atomic.LoadUint32(p)
		if byte(w>>shift) != old {
			return false
		}
		nw := w&^(0xff<<shift) | uint32(nv)<<shift
		if atomic.CompareAndSwapUint32(p, w, nw) {
			return true
		}
	}
}

// ModifyCardsAtomic applies modify to every card covering [begin, end).
// modified, when non-nil, is called for each card whose value changed.
func (c *CardTable) ModifyCardsAtomic(begin, end uint32, modify func(byte) byte, modified func(card int, old, nv byte)) {
	if begin >= end {
		return
	}
	first, last := c.index(begin), c.index(end-1)
	for i := first; i <= last; i++ {
		for {
			old := c.cards[i]
			nv := modify(old)
			if old == nv {
				break
			}
			if c.casCard(i, old, nv) {
				if modified != nil {
					modified(i, old, nv)
				}
				break
			}
		}
	}
}

// AgeCard is the modify function used at the start of a sticky or
// partial collection: dirty cards become aged, everything else clean.
func AgeCard(v byte) byte {
	if v == rtabi.CardDirty {
		return rtabi.CardAged
	}
	return rtabi.CardClean
}

// Scan visits every object marked in bitmap that starts on a card in
// [begin, end) whose value is at least minimumAge. It returns the number
// of cards scanned.
func (c *CardTable) Scan(bitmap *SpaceBitmap, begin, end uint32, minimumAge byte, fn func(mirror.Ref)) int {
	if begin >= end {
		return 0
	}
	first, last := c.index(begin), c.index(end-1)
	scanned := 0
	for i := first; i <= last; i++ {
		if c.cards[i] < minimumAge {
			continue
		}
		start := c.AddrFromCard(i)
		bitmap.VisitMarkedRange(start, start+rtabi.CardSize, fn)
		scanned++
	}
	return scanned
}
