package runtime

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// ThreadList owns the attached threads and suspends them for the
// collector and the debugger.
type ThreadList struct {
	rt     *Runtime
	nextID uint32

	// Guarded by Locks.ThreadList.
	threads []*Thread
	// debugThread serves the debugger and is never suspended on its
	// behalf.
	debugThread *Thread

	// Guarded by Locks.ThreadSuspendCount.
	suspendAllCount      int
	debugSuspendAllCount int
	resumed              chan struct{}
}

var _ gc.ThreadList = (*ThreadList)(nil)

func newThreadList(rt *Runtime) *ThreadList {
	return &ThreadList{rt: rt, nextID: 1, resumed: make(chan struct{})}
}

// asThread recovers the runtime thread behind a heap thread.
func asThread(self gc.Thread) *Thread {
	t, _ := self.(*Thread)
	return t
}

// gcThread hands t to the heap; a nil t becomes a nil interface.
func gcThread(t *Thread) gc.Thread {
	if t == nil {
		return nil
	}
	return t
}

// register attaches a new thread. The thread starts out in StateNative and
// inherits any suspend-all in progress.
func (tl *ThreadList) register(name string) *Thread {
	locks := tl.rt.locks
	t := &Thread{name: name, rt: tl.rt}
	t.word.Store(uint32(makeStateAndFlags(StateNative, 0)))
	locks.ThreadList.Lock(nil)
	defer locks.ThreadList.Unlock(nil)
	locks.ThreadSuspendCount.Lock(nil)
	defer locks.ThreadSuspendCount.Unlock(nil)
	t.id = tl.nextID
	tl.nextID++
	t.suspendCount = tl.suspendAllCount
	t.debugSuspendCount = tl.debugSuspendAllCount
	if t.suspendCount > 0 {
		t.setFlags(FlagSuspendRequest)
	}
	tl.threads = append(tl.threads, t)
	return t
}

// unregister removes self once no suspender is holding it.
func (tl *ThreadList) unregister(self *Thread) {
	if self.State() == StateRunnable {
		self.TransitionFromRunnableToSuspended(StateNative)
	}
	locks := tl.rt.locks
	for {
		locks.ThreadList.Lock(&self.locks)
		locks.ThreadSuspendCount.Lock(&self.locks)
		if self.suspendCount == 0 {
			for i, t := range tl.threads {
				if t == self {
					tl.threads = append(tl.threads[:i], tl.threads[i+1:]...)
					break
				}
			}
			locks.ThreadSuspendCount.Unlock(&self.locks)
			locks.ThreadList.Unlock(&self.locks)
			break
		}
		ch := tl.resumed
		locks.ThreadSuspendCount.Unlock(&self.locks)
		locks.ThreadList.Unlock(&self.locks)
		<-ch
	}
	if tl.rt.heap != nil {
		tl.rt.heap.RevokeThreadLocalBuffers(self)
	}
	self.SetStateUnsafe(StateTerminated)
}

// Threads returns a snapshot of the attached threads.
func (tl *ThreadList) Threads() []*Thread {
	tl.rt.locks.ThreadList.Lock(nil)
	defer tl.rt.locks.ThreadList.Unlock(nil)
	return append([]*Thread(nil), tl.threads...)
}

// Len returns the number of attached threads.
func (tl *ThreadList) Len() int {
	tl.rt.locks.ThreadList.Lock(nil)
	defer tl.rt.locks.ThreadList.Unlock(nil)
	return len(tl.threads)
}

// FindByID returns the attached thread with the given id, or nil.
func (tl *ThreadList) FindByID(id uint32) *Thread {
	for _, t := range tl.Threads() {
		if t.id == id {
			return t
		}
	}
	return nil
}

// ForEach calls fn for every attached thread.
func (tl *ThreadList) ForEach(fn func(gc.Thread)) {
	for _, t := range tl.Threads() {
		fn(t)
	}
}

// VisitRoots reports the roots held by every thread.
func (tl *ThreadList) VisitRoots(visit func(root *mirror.Ref)) {
	for _, t := range tl.Threads() {
		t.VisitRoots(visit)
	}
}

// SetDebuggerThread exempts t from debugger suspensions. A nil t clears
// the exemption.
func (tl *ThreadList) SetDebuggerThread(t *Thread) {
	tl.rt.locks.ThreadList.Lock(nil)
	defer tl.rt.locks.ThreadList.Unlock(nil)
	tl.debugThread = t
}

// skipped reports whether a suspension by self on behalf of the debugger
// or not leaves t alone. ThreadList must be held.
func (tl *ThreadList) skippedLocked(self, t *Thread, forDebugger bool) bool {
	return t == self || (forDebugger && t == tl.debugThread)
}

// broadcastResumeLocked wakes threads waiting for their suspend count to
// drop. ThreadSuspendCount must be held.
func (tl *ThreadList) broadcastResumeLocked() {
	close(tl.resumed)
	tl.resumed = make(chan struct{})
}

// SuspendAll stops every thread but self and takes the mutator lock
// exclusively. self must not be runnable.
func (tl *ThreadList) SuspendAll(self gc.Thread, cause string) {
	tl.suspendAll(asThread(self), cause, false)
	tl.rt.locks.Mutator.ExclusiveLock(heldLocksOf(self))
}

// ResumeAll undoes SuspendAll.
func (tl *ThreadList) ResumeAll(self gc.Thread) {
	tl.rt.locks.Mutator.ExclusiveUnlock(heldLocksOf(self))
	tl.resumeAll(asThread(self), false)
}

func heldLocksOf(self gc.Thread) *base.HeldLocks {
	if self == nil {
		return nil
	}
	return self.Locks()
}

// ScopedSuspendAll moves a runnable self out of the runnable state, stops
// every other thread and returns the function that undoes both.
func (tl *ThreadList) ScopedSuspendAll(self *Thread, cause string) func() {
	restore := self.ScopedThreadStateChange(StateSuspended)
	tl.SuspendAll(gcThread(self), cause)
	return func() {
		tl.ResumeAll(gcThread(self))
		restore()
	}
}

func (tl *ThreadList) suspendAll(self *Thread, cause string, forDebugger bool) {
	if self != nil {
		base.Check(self.State() != StateRunnable, "%v: SuspendAll while runnable", self)
	}
	start := time.Now()
	locks := tl.rt.locks
	held := self.Locks()
	b := newSuspendBarrier()
	locks.ThreadList.Lock(held)
	locks.ThreadSuspendCount.Lock(held)
	tl.suspendAllCount++
	if forDebugger {
		tl.debugSuspendAllCount++
	}
	for _, t := range tl.threads {
		if !tl.skippedLocked(self, t, forDebugger) {
			t.modifySuspendCountLocked(1, b, forDebugger)
		}
	}
	locks.ThreadSuspendCount.Unlock(held)
	locks.ThreadList.Unlock(held)
	b.wait()
	tl.rt.log.Debugw("suspended all threads", "cause", cause, "debugger", forDebugger, "duration", time.Since(start))
}

func (tl *ThreadList) resumeAll(self *Thread, forDebugger bool) {
	locks := tl.rt.locks
	held := self.Locks()
	locks.ThreadList.Lock(held)
	defer locks.ThreadList.Unlock(held)
	locks.ThreadSuspendCount.Lock(held)
	defer locks.ThreadSuspendCount.Unlock(held)
	base.Check(tl.suspendAllCount > 0, "ResumeAll without SuspendAll")
	tl.suspendAllCount--
	if forDebugger {
		tl.debugSuspendAllCount--
	}
	for _, t := range tl.threads {
		if !tl.skippedLocked(self, t, forDebugger) {
			t.modifySuspendCountLocked(-1, nil, forDebugger)
		}
	}
	tl.broadcastResumeLocked()
}

// SuspendAllForDebugger stops every thread but self on behalf of the
// debugger. The mutator lock is not taken: the debugger keeps running
// managed code while the application is stopped.
func (tl *ThreadList) SuspendAllForDebugger(self *Thread) {
	restore := self.ScopedThreadStateChange(StateWaitingForDebuggerSuspension)
	defer restore()
	tl.suspendAll(self, "debugger", true)
}

// ResumeAllForDebugger undoes one SuspendAllForDebugger.
func (tl *ThreadList) ResumeAllForDebugger(self *Thread) {
	tl.rt.locks.ThreadSuspendCount.Lock(self.Locks())
	pending := tl.debugSuspendAllCount
	tl.rt.locks.ThreadSuspendCount.Unlock(self.Locks())
	if pending == 0 {
		tl.rt.log.Warnw("debugger resume without a matching suspend")
		return
	}
	tl.resumeAll(self, true)
}

// SuspendSelfForDebugger parks self until the debugger resumes it.
// parked, when not nil, runs once the suspension is recorded and before
// self blocks, so a resume issued from it is not lost.
func (tl *ThreadList) SuspendSelfForDebugger(self *Thread, parked func()) {
	locks := tl.rt.locks
	locks.ThreadSuspendCount.Lock(self.Locks())
	self.modifySuspendCountLocked(1, nil, true)
	locks.ThreadSuspendCount.Unlock(self.Locks())
	if parked != nil {
		parked()
	}
	self.CheckSuspend()
}

// UndoDebuggerSuspensions clears every suspension the debugger made, as
// when it disconnects.
func (tl *ThreadList) UndoDebuggerSuspensions(self *Thread) {
	locks := tl.rt.locks
	held := self.Locks()
	locks.ThreadList.Lock(held)
	defer locks.ThreadList.Unlock(held)
	locks.ThreadSuspendCount.Lock(held)
	defer locks.ThreadSuspendCount.Unlock(held)
	tl.suspendAllCount -= tl.debugSuspendAllCount
	tl.debugSuspendAllCount = 0
	for _, t := range tl.threads {
		if !tl.skippedLocked(self, t, true) && t.debugSuspendCount > 0 {
			t.modifySuspendCountLocked(-t.debugSuspendCount, nil, true)
		}
	}
	tl.broadcastResumeLocked()
}

// SuspendThread stops t and waits until it has left the runnable state.
// It fails if t is self or no longer attached.
func (tl *ThreadList) SuspendThread(self, t *Thread, forDebugger bool) error {
	if t == self {
		return errors.Errorf("%v: cannot suspend itself", t)
	}
	restore := self.ScopedThreadStateChange(StateSuspended)
	defer restore()
	locks := tl.rt.locks
	held := self.Locks()
	b := newSuspendBarrier()
	locks.ThreadList.Lock(held)
	attached := false
	for _, o := range tl.threads {
		attached = attached || o == t
	}
	if !attached {
		locks.ThreadList.Unlock(held)
		return errors.Errorf("%v is not attached", t)
	}
	locks.ThreadSuspendCount.Lock(held)
	t.modifySuspendCountLocked(1, b, forDebugger)
	locks.ThreadSuspendCount.Unlock(held)
	locks.ThreadList.Unlock(held)
	b.wait()
	return nil
}

// ResumeThread undoes SuspendThread.
func (tl *ThreadList) ResumeThread(self, t *Thread, forDebugger bool) {
	locks := tl.rt.locks
	held := self.Locks()
	locks.ThreadSuspendCount.Lock(held)
	defer locks.ThreadSuspendCount.Unlock(held)
	t.modifySuspendCountLocked(-1, nil, forDebugger)
	tl.broadcastResumeLocked()
}

// RunCheckpoint runs fn on every thread. Runnable threads run it at their
// next safepoint; for the others the caller runs it while they are held
// suspended. It returns how many threads will run fn, self included, and
// may return before runnable threads have run it.
func (tl *ThreadList) RunCheckpoint(self *Thread, fn func(*Thread)) int {
	locks := tl.rt.locks
	held := self.Locks()
	count := 0
	var suspended []*Thread
	locks.ThreadList.Lock(held)
	locks.ThreadSuspendCount.Lock(held)
	for _, t := range tl.threads {
		if t == self {
			continue
		}
		count++
		if !t.requestCheckpointLocked(fn) {
			suspended = append(suspended, t)
		}
	}
	locks.ThreadSuspendCount.Unlock(held)
	locks.ThreadList.Unlock(held)

	if self != nil {
		fn(self)
		count++
	}
	for _, t := range suspended {
		fn(t)
		locks.ThreadSuspendCount.Lock(held)
		t.modifySuspendCountLocked(-1, nil, false)
		tl.broadcastResumeLocked()
		locks.ThreadSuspendCount.Unlock(held)
	}
	return count
}

// RunCheckpointAndWait runs fn on every thread and returns once all of
// them have.
func (tl *ThreadList) RunCheckpointAndWait(self *Thread, fn func(*Thread)) int {
	b := NewBarrier(0)
	n := tl.RunCheckpoint(self, func(t *Thread) {
		fn(t)
		b.Pass()
	})
	b.Increment(self, n)
	return n
}

// Dump writes one line per thread.
func (tl *ThreadList) Dump(w io.Writer) {
	for _, t := range tl.Threads() {
		fmt.Fprintf(w, "%q tid=%d %v suspend=%d dsuspend=%d frames=%d\n",
			t.name, t.id, t.State(), t.SuspendCount(), t.DebugSuspendCount(), t.StackDepth())
	}
}
