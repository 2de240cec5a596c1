package base

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// LockLevel orders the runtime's locks. A lock may only be acquired while
// every lock already held by the same thread has a strictly higher level.
type LockLevel int

const (
	LockLevelDefault LockLevel = iota
	LockLevelSpace
	LockLevelAllocTracker
	LockLevelInternTable
	LockLevelClassLinkerClasses
	LockLevelGCComplete
	LockLevelThreadSuspendCount
	LockLevelThreadList
	LockLevelBreakpoint
	LockLevelDeoptimization
	LockLevelInstrumentEntrypoints
	LockLevelHeapBitmap
	LockLevelMutator
	LockLevelInstrumentation

	numLockLevels
)

var lockLevelNames = [...]string{
	LockLevelDefault:               "default",
	LockLevelSpace:                 "space",
	LockLevelAllocTracker:          "alloc-tracker",
	LockLevelInternTable:           "intern-table",
	LockLevelClassLinkerClasses:    "class-linker-classes",
	LockLevelGCComplete:            "gc-complete",
	LockLevelThreadSuspendCount:    "thread-suspend-count",
	LockLevelThreadList:            "thread-list",
	LockLevelBreakpoint:            "breakpoint",
	LockLevelDeoptimization:        "deoptimization",
	LockLevelInstrumentEntrypoints: "instrument-entrypoints",
	LockLevelHeapBitmap:            "heap-bitmap",
	LockLevelMutator:               "mutator",
	LockLevelInstrumentation:       "instrumentation",
}

func (l LockLevel) String() string {
	if l >= 0 && int(l) < len(lockLevelNames) {
		return lockLevelNames[l]
	}
	return fmt.Sprintf("LockLevel(%d)", int(l))
}

// lockChecking is on in debug builds and can be enabled by tests.
var lockChecking atomic.Bool

func init() { lockChecking.Store(IsDebugBuild) }

// SetLockChecking turns lock order verification on or off and returns the
// previous setting.
func SetLockChecking(on bool) bool { return lockChecking.Swap(on) }

// HeldLocks records, per level, the lock a thread currently holds. Runtime
// threads embed it; a nil *HeldLocks disables checking for that acquisition.
type HeldLocks struct {
	held [numLockLevels]string
}

// Holding reports whether a lock of the given level is held.
func (h *HeldLocks) Holding(level LockLevel) bool {
	return h != nil && h.held[level] != ""
}

func (h *HeldLocks) register(name string, level LockLevel) {
	if h == nil {
		return
	}
	if lockChecking.Load() {
		for l := LockLevelDefault; l <= level; l++ {
			if h.held[l] != "" {
				Fatalf("lock level violation: acquiring %q (level %v) while holding %q (level %v)",
					name, level, h.held[l], l)
			}
		}
	}
	h.held[level] = name
}

func (h *HeldLocks) unregister(level LockLevel) {
	if h == nil {
		return
	}
	h.held[level] = ""
}

// Mutex is an exclusive lock with a name and a level.
type Mutex struct {
	name  string
	level LockLevel
	mu    sync.Mutex
	owner atomic.Pointer[HeldLocks]
}

// NewMutex returns a Mutex named name at the given level.
func NewMutex(name string, level LockLevel) *Mutex {
	return &Mutex{name: name, level: level}
}

// Name returns the lock's name.
func (m *Mutex) Name() string { return m.name }

// Lock acquires m on behalf of self.
func (m *Mutex) Lock(self *HeldLocks) {
	self.register(m.name, m.level)
	m.mu.Lock()
	m.owner.Store(self)
}

// Unlock releases m.
func (m *Mutex) Unlock(self *HeldLocks) {
	m.owner.Store(nil)
	m.mu.Unlock()
	self.unregister(m.level)
}

// IsHeld reports whether self owns m. A nil self never owns anything.
func (m *Mutex) IsHeld(self *HeldLocks) bool {
	return self != nil && m.owner.Load() == self
}

// AssertHeld aborts when checking is enabled and self does not own m.
func (m *Mutex) AssertHeld(self *HeldLocks) {
	if lockChecking.Load() && self != nil && !m.IsHeld(self) {
		Fatalf("%s not held", m.name)
	}
}

// Locker adapts m to sync.Locker for a fixed holder, for use with sync.Cond.
func (m *Mutex) Locker(self *HeldLocks) sync.Locker {
	return mutexLocker{m: m, self: self}
}

type mutexLocker struct {
	m    *Mutex
	self *HeldLocks
}

func (l mutexLocker) Lock()   { l.m.Lock(l.self) }
func (l mutexLocker) Unlock() { l.m.Unlock(l.self) }

// ReaderWriterMutex is a shared/exclusive lock with a name and a level.
// Pending writers block new readers, so an exclusive request cannot be
// starved by a stream of shared holders.
type ReaderWriterMutex struct {
	name      string
	level     LockLevel
	mu        sync.RWMutex
	owner     atomic.Pointer[HeldLocks]
	numShared atomic.Int32
}

// NewReaderWriterMutex returns a ReaderWriterMutex named name at the given level.
func NewReaderWriterMutex(name string, level LockLevel) *ReaderWriterMutex {
	return &ReaderWriterMutex{name: name, level: level}
}

// Name returns the lock's name.
func (m *ReaderWriterMutex) Name() string { return m.name }

// ExclusiveLock acquires the write side.
func (m *ReaderWriterMutex) ExclusiveLock(self *HeldLocks) {
	self.register(m.name, m.level)
	m.mu.Lock()
	m.owner.Store(self)
}

// ExclusiveUnlock releases the write side.
func (m *ReaderWriterMutex) ExclusiveUnlock(self *HeldLocks) {
	m.owner.Store(nil)
	m.mu.Unlock()
	self.unregister(m.level)
}

// SharedLock acquires the read side.
func (m *ReaderWriterMutex) SharedLock(self *HeldLocks) {
	self.register(m.name, m.level)
	m.mu.RLock()
	m.numShared.Add(1)
}

// SharedUnlock releases the read side.
func (m *ReaderWriterMutex) SharedUnlock(self *HeldLocks) {
	m.numShared.Add(-1)
	m.mu.RUnlock()
	self.unregister(m.level)
}

// IsExclusiveHeld reports whether self holds the write side.
func (m *ReaderWriterMutex) IsExclusiveHeld(self *HeldLocks) bool {
	return self != nil && m.owner.Load() == self
}

// IsSharedHeld reports whether self holds the lock in either mode.
func (m *ReaderWriterMutex) IsSharedHeld(self *HeldLocks) bool {
	return self.Holding(m.level) && self.held[m.level] == m.name
}

// SharedHolders returns the number of current shared holders.
func (m *ReaderWriterMutex) SharedHolders() int { return int(m.numShared.Load()) }
