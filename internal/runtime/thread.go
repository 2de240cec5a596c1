package runtime

import (
	"fmt"
	"sync/atomic"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// maxCheckpoints is how many checkpoints may be pending on one thread.
const maxCheckpoints = 3

// Descriptors of the exceptions the runtime raises itself.
const (
	OutOfMemoryErrorDescriptor   = "Ljava/lang/OutOfMemoryError;"
	InternalErrorDescriptor      = "Ljava/lang/InternalError;"
	IllegalArgumentDescriptor    = "Ljava/lang/IllegalArgumentException;"
	NullPointerDescriptor        = "Ljava/lang/NullPointerException;"
	NoClassDefFoundDescriptor    = "Ljava/lang/NoClassDefFoundError;"
	ClassCastExceptionDescriptor = "Ljava/lang/ClassCastException;"
)

// Throwable is a managed exception. Object is the exception instance when
// one was allocated; the runtime's own errors are raised without one.
type Throwable struct {
	Descriptor string
	Message    string
	Object     mirror.Ref
}

func (e *Throwable) String() string {
	if e.Message == "" {
		return e.Descriptor
	}
	return e.Descriptor + ": " + e.Message
}

// Frame is one activation on a thread's managed stack.
type Frame struct {
	Method *mirror.ArtMethod
	DexPC  uint32
	This   mirror.Ref
	// Interpreted is set when the frame runs in the interpreter, because
	// its method has no code or because it was deoptimized.
	Interpreted bool
	// ExitStub is set when an instrumentation exit stub replaced the
	// frame's return address.
	ExitStub bool
	// DebuggerShadowFrame is set when the debugger changed a local of a
	// compiled frame; the frame must resume in the interpreter.
	DebuggerShadowFrame bool
	VRegs               []uint32
}

// Thread is a goroutine attached to the runtime. Go has no thread-local
// storage, so the runtime passes the current *Thread explicitly, usually
// as self.
type Thread struct {
	id    uint32
	name  string
	rt    *Runtime
	locks base.HeldLocks

	word atomic.Uint32

	// Guarded by Locks.ThreadSuspendCount.
	suspendCount      int
	debugSuspendCount int
	checkpoints       []func(*Thread)
	barriers          []*suspendBarrier

	tlab      *space.TLAB
	exception *Throwable
	frames    []*Frame

	jniCriticalCount int
}

var _ gc.Thread = (*Thread)(nil)

func (t *Thread) String() string { return fmt.Sprintf("Thread[%d,%q]", t.id, t.name) }

// ID returns the thread id; the main thread is 1.
func (t *Thread) ID() uint32 { return t.id }

// Name returns the name the thread attached with.
func (t *Thread) Name() string { return t.name }

// Locks returns the record of locks t holds.
func (t *Thread) Locks() *base.HeldLocks {
	if t == nil {
		return nil
	}
	return &t.locks
}

func (t *Thread) TLAB() *space.TLAB     { return t.tlab }
func (t *Thread) SetTLAB(b *space.TLAB) { t.tlab = b }

// State returns the published state.
func (t *Thread) State() ThreadState { return stateAndFlags(t.word.Load()).state() }

// Flags returns the pending requests.
func (t *Thread) Flags() ThreadFlag { return stateAndFlags(t.word.Load()).flags() }

func (t *Thread) load() stateAndFlags { return stateAndFlags(t.word.Load()) }

func (t *Thread) cas(old, new stateAndFlags) bool {
	return t.word.CompareAndSwap(uint32(old), uint32(new))
}

func (t *Thread) setFlags(f ThreadFlag) {
	for {
		old := t.load()
		if t.cas(old, old.withFlags(f)) {
			return
		}
	}
}

func (t *Thread) clearFlags(f ThreadFlag) {
	for {
		old := t.load()
		if t.cas(old, old.withoutFlags(f)) {
			return
		}
	}
}

// SetStateUnsafe changes the state of a thread that is not and will not
// become runnable.
func (t *Thread) SetStateUnsafe(s ThreadState) ThreadState {
	base.Check(s != StateRunnable, "SetStateUnsafe to Runnable")
	for {
		old := t.load()
		base.Check(old.state() != StateRunnable, "%v: SetStateUnsafe while runnable", t)
		if t.cas(old, old.withState(s)) {
			return old.state()
		}
	}
}

// Pending exceptions.

// IsExceptionPending reports whether t has a pending exception.
func (t *Thread) IsExceptionPending() bool { return t.exception != nil }

// Exception returns the pending exception or nil.
func (t *Thread) Exception() *Throwable { return t.exception }

// SetException installs e as the pending exception.
func (t *Thread) SetException(e *Throwable) {
	base.Check(e != nil, "%v: SetException(nil)", t)
	t.exception = e
}

// ClearException drops the pending exception.
func (t *Thread) ClearException() { t.exception = nil }

// ThrowNewException raises a new exception of the given class.
func (t *Thread) ThrowNewException(descriptor, msg string) {
	t.SetException(&Throwable{Descriptor: descriptor, Message: msg})
}

// ThrowOutOfMemoryError raises an OutOfMemoryError. The error is raised
// without allocating.
func (t *Thread) ThrowOutOfMemoryError(msg string) {
	t.ThrowNewException(OutOfMemoryErrorDescriptor, msg)
}

// Managed stack.

// PushFrame pushes f on t's stack.
func (t *Thread) PushFrame(f *Frame) { t.frames = append(t.frames, f) }

// PopFrame pops and returns the top frame.
func (t *Thread) PopFrame() *Frame {
	base.Check(len(t.frames) > 0, "%v: pop from empty stack", t)
	f := t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]
	return f
}

// TopFrame returns the innermost frame, or nil.
func (t *Thread) TopFrame() *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

// Frames returns the stack from the outermost frame to the innermost.
func (t *Thread) Frames() []*Frame { return t.frames }

// StackDepth returns the number of frames.
func (t *Thread) StackDepth() int { return len(t.frames) }

// VisitRoots reports the references held by t: the pending exception and
// the receiver of every frame.
func (t *Thread) VisitRoots(visit func(root *mirror.Ref)) {
	if t.exception != nil && t.exception.Object != 0 {
		visit(&t.exception.Object)
	}
	for _, f := range t.frames {
		if f.This != 0 {
			visit(&f.This)
		}
	}
}

// State transitions.

// TransitionFromRunnableToSuspended publishes s and gives up t's share of
// the mutator lock. A thread some suspender is waiting for passes its
// suspend barriers.
func (t *Thread) TransitionFromRunnableToSuspended(s ThreadState) {
	base.Check(s != StateRunnable, "%v: transition to Runnable", t)
	var old stateAndFlags
	for {
		old = t.load()
		base.Check(old.state() == StateRunnable, "%v: not runnable but %v", t, old.state())
		if t.cas(old, old.withState(s)) {
			break
		}
	}
	t.rt.locks.Mutator.SharedUnlock(&t.locks)
	if t.load().has(FlagActiveSuspendBarrier) {
		t.passActiveSuspendBarriers()
	}
}

func (t *Thread) passActiveSuspendBarriers() {
	locks := t.rt.locks
	locks.ThreadSuspendCount.Lock(&t.locks)
	barriers := t.barriers
	t.barriers = nil
	t.clearFlags(FlagActiveSuspendBarrier)
	locks.ThreadSuspendCount.Unlock(&t.locks)
	for _, b := range barriers {
		b.pass()
	}
}

// TransitionFromSuspendedToRunnable makes t runnable, first waiting out
// any suspension requested of it, and takes a share of the mutator lock.
// It returns the state t left.
func (t *Thread) TransitionFromSuspendedToRunnable() ThreadState {
	locks := t.rt.locks
	for {
		old := t.load()
		base.Check(old.state() != StateRunnable, "%v: already runnable", t)
		if old.has(FlagSuspendRequest) {
			t.waitWhileSuspended()
			continue
		}
		if !t.cas(old, old.withState(StateRunnable)) {
			continue
		}
		locks.Mutator.SharedLock(&t.locks)
		// A suspender may have seen t runnable before the lock was taken.
		if t.load().has(FlagSuspendRequest) {
			t.TransitionFromRunnableToSuspended(old.state())
			continue
		}
		if t.load().has(FlagCheckpointRequest) {
			t.RunCheckpointFunctions()
		}
		return old.state()
	}
}

func (t *Thread) waitWhileSuspended() {
	tl := t.rt.threadList
	lock := t.rt.locks.ThreadSuspendCount
	lock.Lock(&t.locks)
	for t.suspendCount > 0 {
		ch := tl.resumed
		lock.Unlock(&t.locks)
		<-ch
		lock.Lock(&t.locks)
	}
	lock.Unlock(&t.locks)
}

// ScopedThreadStateChange moves t to state s and returns the function
// that moves it back. A nil thread gets a no-op.
func (t *Thread) ScopedThreadStateChange(s ThreadState) (restore func()) {
	if t == nil {
		return func() {}
	}
	prev := t.State()
	switch {
	case prev == s:
		return func() {}
	case prev == StateRunnable:
		t.TransitionFromRunnableToSuspended(s)
		return func() { t.TransitionFromSuspendedToRunnable() }
	case s == StateRunnable:
		t.TransitionFromSuspendedToRunnable()
		return func() { t.TransitionFromRunnableToSuspended(prev) }
	default:
		t.SetStateUnsafe(s)
		return func() { t.SetStateUnsafe(prev) }
	}
}

// BlockForGC suspends t while it waits on the heap.
func (t *Thread) BlockForGC(reason string) func() {
	return t.ScopedThreadStateChange(StateWaitingForGcToComplete)
}

// CheckSuspend is a safepoint: a runnable thread runs its checkpoints and
// honours suspension requests here.
func (t *Thread) CheckSuspend() {
	for {
		w := t.load()
		switch {
		case w.has(FlagCheckpointRequest):
			t.RunCheckpointFunctions()
		case w.has(FlagSuspendRequest):
			t.TransitionFromRunnableToSuspended(StateSuspended)
			t.TransitionFromSuspendedToRunnable()
		default:
			return
		}
	}
}

// IsSuspended reports whether t has been asked to suspend and is no
// longer runnable.
func (t *Thread) IsSuspended() bool {
	w := t.load()
	return w.state() != StateRunnable && w.has(FlagSuspendRequest)
}

// SuspendCount returns the number of outstanding suspension requests.
func (t *Thread) SuspendCount() int {
	locks := t.rt.locks
	locks.ThreadSuspendCount.Lock(nil)
	defer locks.ThreadSuspendCount.Unlock(nil)
	return t.suspendCount
}

// DebugSuspendCount returns how many of those came from the debugger.
func (t *Thread) DebugSuspendCount() int {
	locks := t.rt.locks
	locks.ThreadSuspendCount.Lock(nil)
	defer locks.ThreadSuspendCount.Unlock(nil)
	return t.debugSuspendCount
}

// modifySuspendCountLocked changes t's suspend count. When b is not nil
// and t is runnable, b is installed so the suspender learns when t
// leaves the runnable state. ThreadSuspendCount must be held.
func (t *Thread) modifySuspendCountLocked(delta int, b *suspendBarrier, forDebugger bool) {
	t.suspendCount += delta
	if forDebugger {
		t.debugSuspendCount += delta
	}
	base.Check(t.suspendCount >= 0 && t.debugSuspendCount >= 0,
		"%v: negative suspend count %d (debugger %d)", t, t.suspendCount, t.debugSuspendCount)
	if t.suspendCount == 0 {
		t.clearFlags(FlagSuspendRequest)
		return
	}
	if b == nil {
		t.setFlags(FlagSuspendRequest)
		return
	}
	b.add()
	t.barriers = append(t.barriers, b)
	for {
		old := t.load()
		if old.state() != StateRunnable {
			if t.cas(old, old.withFlags(FlagSuspendRequest)) {
				t.barriers = t.barriers[:len(t.barriers)-1]
				b.pass()
				return
			}
			continue
		}
		if t.cas(old, old.withFlags(FlagSuspendRequest|FlagActiveSuspendBarrier)) {
			return
		}
	}
}

// requestCheckpointLocked installs fn on a runnable t and returns true.
// A thread that is not runnable gets a suspend request instead, so it
// cannot start running while the caller runs fn on its behalf.
// ThreadSuspendCount must be held.
func (t *Thread) requestCheckpointLocked(fn func(*Thread)) bool {
	for {
		old := t.load()
		if old.state() == StateRunnable {
			if len(t.checkpoints) >= maxCheckpoints {
				base.Fatalf("%v: more than %d pending checkpoints", t, maxCheckpoints)
			}
			if t.cas(old, old.withFlags(FlagCheckpointRequest)) {
				t.checkpoints = append(t.checkpoints, fn)
				return true
			}
			continue
		}
		t.suspendCount++
		if t.cas(old, old.withFlags(FlagSuspendRequest)) {
			return false
		}
		t.suspendCount--
	}
}

// RunCheckpointFunctions runs the checkpoints installed on t.
func (t *Thread) RunCheckpointFunctions() {
	locks := t.rt.locks
	locks.ThreadSuspendCount.Lock(&t.locks)
	fns := t.checkpoints
	t.checkpoints = nil
	t.clearFlags(FlagCheckpointRequest)
	locks.ThreadSuspendCount.Unlock(&t.locks)
	for _, fn := range fns {
		fn(t)
	}
}

// JNI critical sections.

// JniCriticalEnter enters a JNI critical section. Only the outermost
// section of a thread holds off thread flips.
func (t *Thread) JniCriticalEnter() {
	t.jniCriticalCount++
	if t.jniCriticalCount == 1 {
		t.rt.heap.IncrementDisableThreadFlip(t)
	}
}

// JniCriticalExit leaves a JNI critical section.
func (t *Thread) JniCriticalExit() {
	base.Check(t.jniCriticalCount > 0, "%v: unbalanced JNI critical exit", t)
	t.jniCriticalCount--
	if t.jniCriticalCount == 0 {
		t.rt.heap.DecrementDisableThreadFlip(t)
	}
}

// JniCriticalDepth returns the nesting depth of critical sections.
func (t *Thread) JniCriticalDepth() int { return t.jniCriticalCount }
