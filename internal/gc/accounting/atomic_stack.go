package accounting

import (
	"sort"
	"sync/atomic"

	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// ObjectStack is a bounded stack of object references. The allocation
// stack and the live stack are ObjectStacks; AtomicPushBack may be called
// concurrently, everything else needs external synchronization.
type ObjectStack struct {
	name     string
	data     []mirror.Ref
	back     atomic.Int32
	sorted   bool
	capacity int
}

// NewObjectStack returns an empty stack holding at most capacity entries.
func NewObjectStack(name string, capacity int) *ObjectStack {
	return &ObjectStack{name: name, data: make([]mirror.Ref, capacity), capacity: capacity}
}

// Name returns the stack's name.
func (s *ObjectStack) Name() string { return s.name }

// AtomicPushBack pushes obj and reports false if the stack is full.
func (s *ObjectStack) AtomicPushBack(obj mirror.Ref) bool {
	for {
		i := s.back.Load()
		if int(i) >= s.capacity {
			return false
		}
		if s.back.CompareAndSwap(i, i+1) {
			s.data[i] = obj
			s.sorted = false
			return true
		}
	}
}

// PushBack pushes obj, growing the stack if it is full.
func (s *ObjectStack) PushBack(obj mirror.Ref) {
	if !s.AtomicPushBack(obj) {
		s.Resize(s.capacity * 2)
		s.AtomicPushBack(obj)
	}
}

// PopBack removes and returns the top of the stack.
func (s *ObjectStack) PopBack() mirror.Ref {
	i := s.back.Add(-1)
	return s.data[i]
}

// Size returns the number of entries.
func (s *ObjectStack) Size() int { return int(s.back.Load()) }

// IsEmpty reports whether the stack is empty.
func (s *ObjectStack) IsEmpty() bool { return s.Size() == 0 }

// Capacity returns the maximum number of entries.
func (s *ObjectStack) Capacity() int { return s.capacity }

// Entries returns the current entries, bottom first.
func (s *ObjectStack) Entries() []mirror.Ref { return s.data[:s.Size()] }

// Reset empties the stack.
func (s *ObjectStack) Reset() {
	s.back.Store(0)
	s.sorted = true
}

// Resize changes the capacity, keeping the entries.
func (s *ObjectStack) Resize(capacity int) {
	n := s.Size()
	if capacity < n {
		capacity = n
	}
	data := make([]mirror.Ref, capacity)
	copy(data, s.data[:n])
	s.data = data
	s.capacity = capacity
}

// Sort sorts the entries so ContainsSorted can be used.
func (s *ObjectStack) Sort() {
	e := s.Entries()
	sort.Slice(e, func(i, j int) bool { return e[i] < e[j] })
	s.sorted = true
}

// ContainsSorted reports whether obj is on the stack, sorting it first if
// anything was pushed since the last Sort.
func (s *ObjectStack) ContainsSorted(obj mirror.Ref) bool {
	if !s.sorted {
		s.Sort()
	}
	e := s.Entries()
	i := sort.Search(len(e), func(i int) bool { return e[i] >= obj })
	return i < len(e) && e[i] == obj
}

// Contains reports whether obj is on the stack.
func (s *ObjectStack) Contains(obj mirror.Ref) bool {
	for _, e := range s.Entries() {
		if e == obj {
			return true
		}
	}
	return false
}
