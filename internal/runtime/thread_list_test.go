package runtime

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

// spinner is an attached thread running managed code: it loops through
// safepoints until stopped.
type spinner struct {
	t     *Thread
	iters atomic.Int64
	stop  atomic.Bool
	done  chan struct{}
}

func startSpinner(t *testing.T, rt *Runtime, name string) *spinner {
	s := &spinner{done: make(chan struct{})}
	attached := make(chan *Thread)
	go func() {
		defer close(s.done)
		w, err := rt.AttachCurrentThread(name)
		if err != nil {
			close(attached)
			return
		}
		attached <- w
		for !s.stop.Load() {
			w.CheckSuspend()
			s.iters.Add(1)
		}
		rt.DetachCurrentThread(w)
	}()
	s.t = <-attached
	qt.Assert(t, s.t, qt.IsNotNil)
	t.Cleanup(s.halt)
	return s
}

func (s *spinner) halt() {
	s.stop.Store(true)
	<-s.done
}

// waitForProgress waits until the spinner has gone round its loop again.
func (s *spinner) waitForProgress(t *testing.T) {
	from := s.iters.Load()
	deadline := time.Now().Add(10 * time.Second)
	for s.iters.Load() == from {
		if time.Now().After(deadline) {
			t.Fatalf("%v made no progress", s.t)
		}
		time.Sleep(time.Millisecond)
	}
}

// attachNative attaches a thread that sits outside managed code.
func attachNative(t *testing.T, rt *Runtime, name string) *Thread {
	w, err := rt.AttachCurrentThread(name)
	qt.Assert(t, err, qt.IsNil)
	w.TransitionFromRunnableToSuspended(StateNative)
	return w
}

func TestSuspendAllStopsRunnableThreads(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	s := startSpinner(t, rt, "spinner")
	s.waitForProgress(t)

	resume := rt.ThreadList().ScopedSuspendAll(main, "test")
	c.Assert(rt.Locks().Mutator.IsExclusiveHeld(main.Locks()), qt.IsTrue)
	c.Assert(main.State(), qt.Equals, StateSuspended)
	c.Assert(s.t.State(), qt.Equals, StateSuspended)
	c.Assert(s.t.IsSuspended(), qt.IsTrue)
	c.Assert(s.t.SuspendCount(), qt.Equals, 1)
	stopped := s.iters.Load()
	time.Sleep(20 * time.Millisecond)
	c.Assert(s.iters.Load(), qt.Equals, stopped)
	resume()

	c.Assert(main.State(), qt.Equals, StateRunnable)
	c.Assert(rt.Locks().Mutator.IsExclusiveHeld(main.Locks()), qt.IsFalse)
	c.Assert(s.t.SuspendCount(), qt.Equals, 0)
	s.waitForProgress(t)
}

func TestThreadAttachedDuringSuspendAllStartsSuspended(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	resume := rt.ThreadList().ScopedSuspendAll(main, "test")

	attached := make(chan *Thread)
	go func() {
		w, err := rt.AttachCurrentThread("late")
		c.Check(err, qt.IsNil)
		attached <- w
	}()
	select {
	case <-attached:
		c.Fatal("thread became runnable during suspend-all")
	case <-time.After(20 * time.Millisecond):
	}
	resume()
	w := <-attached
	c.Assert(w.State(), qt.Equals, StateRunnable)
	c.Assert(w.SuspendCount(), qt.Equals, 0)
	rt.DetachCurrentThread(w)
}

func TestRunCheckpointAndWait(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	startSpinner(t, rt, "spinner")
	native := attachNative(t, rt, "native")
	defer rt.DetachCurrentThread(native)

	var mu sync.Mutex
	var ran []string
	n := rt.ThreadList().RunCheckpointAndWait(main, func(t *Thread) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, t.Name())
	})
	c.Assert(n, qt.Equals, 3)
	sort.Strings(ran)
	c.Assert(ran, qt.DeepEquals, []string{"main", "native", "spinner"})
	c.Assert(main.State(), qt.Equals, StateRunnable)
	c.Assert(native.SuspendCount(), qt.Equals, 0)
	c.Assert(native.State(), qt.Equals, StateNative)
}

func TestDebuggerSuspension(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	tl := rt.ThreadList()
	w := attachNative(t, rt, "app")

	tl.SuspendAllForDebugger(main)
	tl.SuspendAllForDebugger(main)
	c.Assert(main.State(), qt.Equals, StateRunnable)
	c.Assert(rt.Locks().Mutator.IsExclusiveHeld(main.Locks()), qt.IsFalse)
	c.Assert(w.SuspendCount(), qt.Equals, 2)
	c.Assert(w.DebugSuspendCount(), qt.Equals, 2)
	c.Assert(main.SuspendCount(), qt.Equals, 0)

	tl.ResumeAllForDebugger(main)
	c.Assert(w.DebugSuspendCount(), qt.Equals, 1)

	// A plain suspension survives the debugger going away.
	c.Assert(tl.SuspendThread(main, w, false), qt.IsNil)
	c.Assert(w.SuspendCount(), qt.Equals, 2)
	tl.UndoDebuggerSuspensions(main)
	c.Assert(w.DebugSuspendCount(), qt.Equals, 0)
	c.Assert(w.SuspendCount(), qt.Equals, 1)
	tl.ResumeThread(main, w, false)
	c.Assert(w.SuspendCount(), qt.Equals, 0)

	// Unmatched resumes are ignored.
	tl.ResumeAllForDebugger(main)
	c.Assert(w.SuspendCount(), qt.Equals, 0)

	w.TransitionFromSuspendedToRunnable()
	c.Assert(w.State(), qt.Equals, StateRunnable)
	rt.DetachCurrentThread(w)
}

func TestSuspendThread(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	tl := rt.ThreadList()

	c.Assert(tl.SuspendThread(main, main, false), qt.ErrorMatches, `.*cannot suspend itself`)

	gone, err := rt.AttachCurrentThread("gone")
	c.Assert(err, qt.IsNil)
	rt.DetachCurrentThread(gone)
	c.Assert(tl.SuspendThread(main, gone, false), qt.ErrorMatches, `.* is not attached`)

	s := startSpinner(t, rt, "spinner")
	c.Assert(tl.SuspendThread(main, s.t, true), qt.IsNil)
	c.Assert(s.t.IsSuspended(), qt.IsTrue)
	c.Assert(s.t.DebugSuspendCount(), qt.Equals, 1)
	c.Assert(main.State(), qt.Equals, StateRunnable)
	tl.ResumeThread(main, s.t, true)
	s.waitForProgress(t)

	var sb strings.Builder
	tl.Dump(&sb)
	c.Assert(sb.String(), qt.Contains, `"spinner"`)
	c.Assert(sb.String(), qt.Contains, `"main" tid=1 Runnable`)
}

func TestJniCriticalCountsOutermostSection(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	h := rt.Heap()
	w := attachNative(t, rt, "jni")
	defer rt.DetachCurrentThread(w)

	main.JniCriticalEnter()
	main.JniCriticalEnter()
	c.Assert(main.JniCriticalDepth(), qt.Equals, 2)
	c.Assert(h.DisableThreadFlipCount(), qt.Equals, 1)

	w.JniCriticalEnter()
	c.Assert(h.DisableThreadFlipCount(), qt.Equals, 2)
	w.JniCriticalExit()

	main.JniCriticalExit()
	c.Assert(h.DisableThreadFlipCount(), qt.Equals, 1)
	main.JniCriticalExit()
	c.Assert(h.DisableThreadFlipCount(), qt.Equals, 0)
	c.Assert(main.JniCriticalDepth(), qt.Equals, 0)

	c.Assert(func() { main.JniCriticalExit() }, qt.PanicMatches, `fatal: .*unbalanced JNI critical exit`)
}
