package accounting

import (
	"sort"

	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// RememberedSet tracks the cards of a non-moving space that hold
// references into one target space, so a generational semi-space
// collection can skip tracing the non-moving space.
type RememberedSet struct {
	name   string
	region Region
	mem    mirror.Memory
	cards  *CardTable
	dirty  map[int]struct{}
}

// NewRememberedSet returns an empty set for region.
func NewRememberedSet(name string, region Region, mem mirror.Memory, cards *CardTable) *RememberedSet {
	return &RememberedSet{name: name, region: region, mem: mem, cards: cards, dirty: make(map[int]struct{})}
}

// Name returns the set's name.
func (r *RememberedSet) Name() string { return r.name }

// ClearCards moves the dirty cards of the space into the set.
func (r *RememberedSet) ClearCards() {
	r.cards.ModifyCardsAtomic(r.region.Begin, r.region.End(), AgeCard, func(card int, old, _ byte) {
		if old == rtabi.CardDirty {
			r.dirty[card] = struct{}{}
		}
	})
}

// UpdateAndMarkReferences calls visit for every slot on a remembered card
// that points into target. Cards without such a slot are dropped.
func (r *RememberedSet) UpdateAndMarkReferences(target func(mirror.Ref) bool, visit mirror.RefVisitor) {
	for card := range r.dirty {
		start := r.cards.AddrFromCard(card)
		found := false
		r.region.Live().VisitMarkedRange(start, start+rtabi.CardSize, func(obj mirror.Ref) {
			mirror.VisitReferences(r.mem, obj, true, func(holder mirror.Ref, off uint32) {
				ref := mirror.FieldRef(r.mem, holder, off)
				if ref == 0 || !target(ref) {
					return
				}
				visit(holder, off)
				// The visitor may have moved the object out of the target.
				if target(mirror.FieldRef(r.mem, holder, off)) {
					found = true
				}
			})
		})
		if !found {
			delete(r.dirty, card)
		}
	}
}

// ContainsCardFor reports whether the card covering addr is in the set.
func (r *RememberedSet) ContainsCardFor(addr uint32) bool {
	_, ok := r.dirty[r.cards.CardIndex(addr)]
	return ok
}

// Len returns the number of remembered cards.
func (r *RememberedSet) Len() int { return len(r.dirty) }

func sortUint32(s []uint32) { sort.Slice(s, func(i, j int) bool { return s[i] < s[j] }) }
