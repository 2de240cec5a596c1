package runtime

import (
	"sync"

	"github.com/you-not-fish/dex2oat/internal/base"
)

// Locks are the runtime-wide locks, listed from the highest level to the
// lowest. A thread may only acquire a lock whose level is below every lock
// it already holds.
type Locks struct {
	// Mutator is held shared by every runnable thread and exclusively by
	// whoever suspended all of them.
	Mutator *base.ReaderWriterMutex
	// Deoptimization guards the debugger's deoptimization request queue.
	Deoptimization *base.Mutex
	// Breakpoint guards the breakpoint list.
	Breakpoint         *base.ReaderWriterMutex
	ThreadList         *base.Mutex
	ThreadSuspendCount *base.Mutex
	AllocTracker       *base.Mutex
}

// NewLocks returns a fresh set of runtime locks.
func NewLocks() *Locks {
	return &Locks{
		Mutator:            base.NewReaderWriterMutex("mutator lock", base.LockLevelMutator),
		Deoptimization:     base.NewMutex("Deoptimization lock", base.LockLevelDeoptimization),
		Breakpoint:         base.NewReaderWriterMutex("breakpoint lock", base.LockLevelBreakpoint),
		ThreadList:         base.NewMutex("thread list lock", base.LockLevelThreadList),
		ThreadSuspendCount: base.NewMutex("thread suspend count lock", base.LockLevelThreadSuspendCount),
		AllocTracker:       base.NewMutex("AllocTracker lock", base.LockLevelAllocTracker),
	}
}

// Barrier lets one thread wait until a number of others have passed it.
// Passes may arrive before the waiter announces how many it expects.
type Barrier struct {
	mu    sync.Mutex
	count int
	zero  chan struct{}
}

// NewBarrier returns a barrier expecting count passes.
func NewBarrier(count int) *Barrier {
	return &Barrier{count: count, zero: make(chan struct{})}
}

// Pass records one arrival.
func (b *Barrier) Pass() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count--
	if b.count == 0 {
		close(b.zero)
		b.zero = make(chan struct{})
	}
}

// Increment adds delta expected passes and waits until every expected
// pass has arrived. self, if not nil, is suspended while it waits.
func (b *Barrier) Increment(self *Thread, delta int) {
	b.mu.Lock()
	b.count += delta
	if b.count == 0 {
		b.mu.Unlock()
		return
	}
	resume := self.ScopedThreadStateChange(StateWaitingForCheckPointsToRun)
	defer resume()
	for b.count != 0 {
		ch := b.zero
		b.mu.Unlock()
		<-ch
		b.mu.Lock()
	}
	b.mu.Unlock()
}

// suspendBarrier counts the threads a suspender still waits for. It starts
// with the suspender's own token so it cannot complete before every
// thread has been asked.
type suspendBarrier struct {
	pending int32
	mu      sync.Mutex
	done    chan struct{}
}

func newSuspendBarrier() *suspendBarrier {
	return &suspendBarrier{pending: 1, done: make(chan struct{})}
}

func (b *suspendBarrier) add() {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
}

func (b *suspendBarrier) pass() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
}

// wait gives up the suspender's token and blocks until every thread the
// barrier was installed on has left the runnable state.
func (b *suspendBarrier) wait() {
	b.pass()
	<-b.done
}
