package debugger

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/gc/collector"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// ObjectID names an object for the debugger. Zero is null.
type ObjectID uint64

type registryEntry struct {
	ref mirror.Ref
	// disableCount is the number of outstanding DisableCollection calls;
	// while positive the entry is a strong root.
	disableCount int
	// refCount is how many times the object was handed to the debugger.
	refCount int
}

// ObjectRegistry maps the ids handed to the debugger to objects. Entries
// are weak unless collection of the object was disabled; an entry whose
// object was collected reports IsCollected until it is disposed.
type ObjectRegistry struct {
	mu      sync.Mutex
	next    ObjectID
	entries map[ObjectID]*registryEntry
	byRef   map[mirror.Ref]ObjectID
}

var (
	_ gc.RootVisitor      = (*ObjectRegistry)(nil)
	_ gc.SystemWeakHolder = (*ObjectRegistry)(nil)
)

func newObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{
		next:    1,
		entries: make(map[ObjectID]*registryEntry),
		byRef:   make(map[mirror.Ref]ObjectID),
	}
}

// Add returns the id of obj, registering it on first use.
func (r *ObjectRegistry) Add(obj mirror.Ref) ObjectID {
	if obj == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byRef[obj]; ok {
		r.entries[id].refCount++
		return id
	}
	id := r.next
	r.next++
	r.entries[id] = &registryEntry{ref: obj, refCount: 1}
	r.byRef[obj] = id
	return id
}

func (r *ObjectRegistry) entry(id ObjectID) (*registryEntry, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidObject, "id %d", id)
	}
	return e, nil
}

// Get returns the object named id. A collected object is an error.
func (r *ObjectRegistry) Get(id ObjectID) (mirror.Ref, error) {
	if id == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.entry(id)
	if err != nil {
		return 0, err
	}
	if e.ref == 0 {
		return 0, errors.Wrapf(ErrInvalidObject, "id %d was collected", id)
	}
	return e.ref, nil
}

// DisableCollection keeps the object named id alive until the matching
// EnableCollection.
func (r *ObjectRegistry) DisableCollection(id ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	if e.ref == 0 {
		return errors.Wrapf(ErrInvalidObject, "id %d was collected", id)
	}
	e.disableCount++
	return nil
}

// EnableCollection undoes one DisableCollection.
func (r *ObjectRegistry) EnableCollection(id ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	if e.disableCount > 0 {
		e.disableCount--
	}
	return nil
}

// IsCollected reports whether the object named id was collected.
func (r *ObjectRegistry) IsCollected(id ObjectID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.entry(id)
	if err != nil {
		return false, err
	}
	return e.ref == 0, nil
}

// DisposeObject drops refCount references to id; the id is forgotten
// when none are left.
func (r *ObjectRegistry) DisposeObject(id ObjectID, refCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.refCount -= refCount
	if e.refCount > 0 {
		return
	}
	if e.ref != 0 {
		delete(r.byRef, e.ref)
	}
	delete(r.entries, id)
}

// Clear forgets every id.
func (r *ObjectRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	clear(r.byRef)
}

// Size returns the number of registered ids.
func (r *ObjectRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// VisitRoots reports the objects whose collection is disabled.
func (r *ObjectRegistry) VisitRoots(visit func(root *mirror.Ref)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	moved := false
	for _, e := range r.entries {
		if e.disableCount == 0 || e.ref == 0 {
			continue
		}
		old := e.ref
		visit(&e.ref)
		moved = moved || e.ref != old
	}
	if moved {
		r.reindexLocked()
	}
}

// SweepSystemWeaks clears the entries of collected objects and follows
// moved ones.
func (r *ObjectRegistry) SweepSystemWeaks(isMarked collector.IsMarkedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, e := range r.entries {
		if e.disableCount > 0 || e.ref == 0 {
			continue
		}
		old := e.ref
		e.ref = isMarked(old)
		changed = changed || e.ref != old
	}
	if changed {
		r.reindexLocked()
	}
}

func (r *ObjectRegistry) reindexLocked() {
	clear(r.byRef)
	for id, e := range r.entries {
		if e.ref != 0 {
			r.byRef[e.ref] = id
		}
	}
}
