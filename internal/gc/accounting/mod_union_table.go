package accounting

import (
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// Region describes a contiguous space a mod-union table or remembered set
// tracks: its bounds and the bitmap of its live objects.
type Region struct {
	Name  string
	Begin uint32
	End   func() uint32
	Live  func() *SpaceBitmap
}

// ModUnionTable records which cards of an immune space may hold
// references into the collected spaces, so that those spaces can be
// collected without tracing the immune one.
type ModUnionTable interface {
	Name() string
	// ClearCards moves the dirty cards of the space into the table and
	// cleans them in the card table.
	ClearCards()
	// UpdateAndMarkReferences calls visit for every reference slot on a
	// remembered card that points outside the space.
	UpdateAndMarkReferences(visit mirror.RefVisitor)
	// SetCards remembers every card of the space.
	SetCards()
	// ContainsCardFor reports whether the card covering addr is remembered.
	ContainsCardFor(addr uint32) bool
	// Dump returns the remembered card addresses.
	Dump() []uint32
}

// ModUnionTableCardCache remembers cards but not the individual references
// on them.
type ModUnionTableCardCache struct {
	name   string
	region Region
	mem    mirror.Memory
	cards  *CardTable
	// shouldAdd filters the references that keep a card remembered.
	shouldAdd func(ref mirror.Ref) bool
	cached    map[int]struct{}
}

// NewModUnionTableCardCache returns a table for region. A card stays in
// the table as long as one of its references satisfies shouldAdd; nil
// means any reference leaving the region.
func NewModUnionTableCardCache(name string, region Region, mem mirror.Memory, cards *CardTable, shouldAdd func(mirror.Ref) bool) *ModUnionTableCardCache {
	t := &ModUnionTableCardCache{
		name:      name,
		region:    region,
		mem:       mem,
		cards:     cards,
		shouldAdd: shouldAdd,
		cached:    make(map[int]struct{}),
	}
	if t.shouldAdd == nil {
		t.shouldAdd = func(ref mirror.Ref) bool {
			return uint32(ref) < region.Begin || uint32(ref) >= region.End()
		}
	}
	return t
}

func (t *ModUnionTableCardCache) Name() string { return t.name }

func (t *ModUnionTableCardCache) ClearCards() {
	t.cards.ModifyCardsAtomic(t.region.Begin, t.region.End(), AgeCard, func(card int, old, _ byte) {
		if old == rtabi.CardDirty {
			t.cached[card] = struct{}{}
		}
	})
}

func (t *ModUnionTableCardCache) UpdateAndMarkReferences(visit mirror.RefVisitor) {
	for card := range t.cached {
		start := t.cards.AddrFromCard(card)
		found := false
		t.region.Live().VisitMarkedRange(start, start+rtabi.CardSize, func(obj mirror.Ref) {
			mirror.VisitReferences(t.mem, obj, false, func(holder mirror.Ref, off uint32) {
				ref := mirror.FieldRef(t.mem, holder, off)
				if ref == 0 || !t.shouldAdd(ref) {
					return
				}
				found = true
				visit(holder, off)
			})
		})
		if !found {
			delete(t.cached, card)
		}
	}
}

func (t *ModUnionTableCardCache) SetCards() {
	end := t.region.End()
	for addr := t.region.Begin; addr < end; addr += rtabi.CardSize {
		t.cached[t.cards.CardIndex(addr)] = struct{}{}
	}
}

func (t *ModUnionTableCardCache) ContainsCardFor(addr uint32) bool {
	_, ok := t.cached[t.cards.CardIndex(addr)]
	return ok
}

func (t *ModUnionTableCardCache) Dump() []uint32 {
	out := make([]uint32, 0, len(t.cached))
	for card := range t.cached {
		out = append(out, t.cards.AddrFromCard(card))
	}
	sortUint32(out)
	return out
}
