package runtime

import (
	"sort"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/gc/collector"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// InternTable maps string contents to a canonical string object. Strong
// entries are roots; weak entries are dropped once their string dies.
// Strings from image spaces are never dropped.
type InternTable struct {
	rt *Runtime

	lock   *base.Mutex
	strong map[string]mirror.Ref
	weak   map[string]mirror.Ref
	image  map[string]mirror.Ref
}

var (
	_ gc.RootVisitor      = (*InternTable)(nil)
	_ gc.SystemWeakHolder = (*InternTable)(nil)
)

func newInternTable(rt *Runtime) *InternTable {
	return &InternTable{
		rt:     rt,
		lock:   base.NewMutex("InternTable lock", base.LockLevelInternTable),
		strong: make(map[string]mirror.Ref),
		weak:   make(map[string]mirror.Ref),
		image:  make(map[string]mirror.Ref),
	}
}

// lookupLocked finds s in the image, strong and weak tables. A weak hit is
// promoted when strong is set.
func (it *InternTable) lookupLocked(s string, strong bool) (mirror.Ref, bool) {
	if r, ok := it.image[s]; ok {
		return r, true
	}
	if r, ok := it.strong[s]; ok {
		return r, true
	}
	if r, ok := it.weak[s]; ok {
		if strong {
			delete(it.weak, s)
			it.strong[s] = r
		}
		return r, true
	}
	return 0, false
}

func (it *InternTable) intern(self *Thread, s string, strong bool) (mirror.Ref, error) {
	it.lock.Lock(self.Locks())
	r, ok := it.lookupLocked(s, strong)
	it.lock.Unlock(self.Locks())
	if ok {
		return r, nil
	}
	r, err := it.rt.classLinker.AllocString(self, s)
	if err != nil {
		return 0, err
	}
	it.lock.Lock(self.Locks())
	defer it.lock.Unlock(self.Locks())
	if existing, ok := it.lookupLocked(s, strong); ok {
		return existing, nil
	}
	if strong {
		it.strong[s] = r
	} else {
		it.weak[s] = r
	}
	return r, nil
}

// InternStrong returns the canonical string for s and keeps it alive.
func (it *InternTable) InternStrong(self *Thread, s string) (mirror.Ref, error) {
	return it.intern(self, s, true)
}

// InternWeak returns the canonical string for s without keeping it alive.
func (it *InternTable) InternWeak(self *Thread, s string) (mirror.Ref, error) {
	return it.intern(self, s, false)
}

// Lookup returns the canonical string for s if one exists.
func (it *InternTable) Lookup(s string) (mirror.Ref, bool) {
	it.lock.Lock(nil)
	defer it.lock.Unlock(nil)
	return it.lookupLocked(s, false)
}

// AddImageStrings adopts interned strings found in an image space.
func (it *InternTable) AddImageStrings(refs []mirror.Ref) {
	h := it.rt.heap
	it.lock.Lock(nil)
	defer it.lock.Unlock(nil)
	for _, r := range refs {
		it.image[mirror.StringValue(h, r)] = r
	}
}

// StrongSize returns the number of strong entries, image strings included.
func (it *InternTable) StrongSize() int {
	it.lock.Lock(nil)
	defer it.lock.Unlock(nil)
	return len(it.strong) + len(it.image)
}

// WeakSize returns the number of weak entries.
func (it *InternTable) WeakSize() int {
	it.lock.Lock(nil)
	defer it.lock.Unlock(nil)
	return len(it.weak)
}

// StrongStrings returns the strong and image strings sorted by content.
func (it *InternTable) StrongStrings() []mirror.Ref {
	it.lock.Lock(nil)
	keys := make([]string, 0, len(it.strong)+len(it.image))
	refs := make(map[string]mirror.Ref, cap(keys))
	for _, m := range []map[string]mirror.Ref{it.image, it.strong} {
		for s, r := range m {
			keys = append(keys, s)
			refs[s] = r
		}
	}
	it.lock.Unlock(nil)
	sort.Strings(keys)
	out := make([]mirror.Ref, len(keys))
	for i, s := range keys {
		out[i] = refs[s]
	}
	return out
}

// VisitRoots reports the strong and image entries.
func (it *InternTable) VisitRoots(visit func(root *mirror.Ref)) {
	it.lock.Lock(nil)
	defer it.lock.Unlock(nil)
	for _, m := range []map[string]mirror.Ref{it.strong, it.image} {
		for s, r := range m {
			visit(&r)
			m[s] = r
		}
	}
}

// SweepSystemWeaks drops weak entries whose string was not marked and
// updates the ones that moved.
func (it *InternTable) SweepSystemWeaks(isMarked collector.IsMarkedFunc) {
	it.lock.Lock(nil)
	defer it.lock.Unlock(nil)
	for s, r := range it.weak {
		if to := isMarked(r); to == 0 {
			delete(it.weak, s)
		} else {
			it.weak[s] = to
		}
	}
}
