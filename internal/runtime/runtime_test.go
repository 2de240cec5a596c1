package runtime

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap/zaptest"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
)

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.Logger = zaptest.NewLogger(t).Sugar()
	h := &opts.Heap
	h.Begin = 0x20000000
	h.InitialSize = 512 * base.KB
	h.GrowthLimit = 4 * base.MB
	h.Capacity = 4 * base.MB
	h.NonMovingSpaceCapacity = 1 * base.MB
	h.MinFree = 16 * base.KB
	h.MaxFree = 256 * base.KB
	h.ForegroundCollector = gccause.CollectorMS
	h.BackgroundCollector = gccause.CollectorMS
	h.UseHomogeneousSpaceCompactionForOOM = false
	h.RegionSize = 16 * base.KB
	h.AllocationStackSize = 4096
	return opts
}

func buildDex(t *testing.T, classes ...dex.Class) *dex.File {
	var b dex.Builder
	for _, c := range classes {
		b.AddClass(c)
	}
	data, err := b.Build()
	qt.Assert(t, err, qt.IsNil)
	f, err := dex.Parse("test.dex", data, true)
	qt.Assert(t, err, qt.IsNil)
	return f
}

// newTestRuntime creates a runtime whose boot class path holds classes and
// shuts it down when the test ends.
func newTestRuntime(t *testing.T, classes ...dex.Class) *Runtime {
	opts := testOptions(t)
	if len(classes) > 0 {
		opts.BootClassPath = []*dex.File{buildDex(t, classes...)}
	}
	rt, err := Create(opts)
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() {
		if Current() == rt {
			qt.Check(t, rt.Shutdown(rt.MainThread()), qt.IsNil)
		}
	})
	return rt
}

func TestCreateIsSingleton(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	c.Assert(Current(), qt.Equals, rt)
	_, err := Create(testOptions(t))
	c.Assert(err, qt.ErrorMatches, "runtime already created")

	main := rt.MainThread()
	c.Assert(main.Name(), qt.Equals, "main")
	c.Assert(main.State(), qt.Equals, StateRunnable)
	c.Assert(rt.ThreadList().Len(), qt.Equals, 1)
}

func TestShutdownRefusesThreadBirth(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	c.Assert(rt.StartThreadBirth(), qt.IsNil)
	rt.EndThreadBirth()

	c.Assert(rt.Shutdown(rt.MainThread()), qt.IsNil)
	c.Assert(rt.IsShuttingDown(), qt.IsTrue)
	c.Assert(Current(), qt.IsNil)
	c.Assert(rt.StartThreadBirth(), qt.ErrorMatches, "runtime is shutting down")
	_, err := rt.AttachCurrentThread("late")
	c.Assert(err, qt.IsNotNil)
	c.Assert(rt.MainThread().State(), qt.Equals, StateTerminated)
}

func TestShutdownWaitsForThreadBirth(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	c.Assert(rt.StartThreadBirth(), qt.IsNil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Shutdown(rt.MainThread())
	}()
	select {
	case <-done:
		c.Fatal("shutdown finished while a thread was being born")
	default:
	}
	rt.EndThreadBirth()
	<-done
	c.Assert(Current(), qt.IsNil)
}

func TestAttachDetach(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	w, err := rt.AttachCurrentThread("worker")
	c.Assert(err, qt.IsNil)
	c.Assert(w.State(), qt.Equals, StateRunnable)
	c.Assert(rt.ThreadList().Len(), qt.Equals, 2)
	c.Assert(rt.ThreadList().FindByID(w.ID()), qt.Equals, w)
	c.Assert(w.ID(), qt.Not(qt.Equals), rt.MainThread().ID())

	rt.DetachCurrentThread(w)
	c.Assert(w.State(), qt.Equals, StateTerminated)
	c.Assert(rt.ThreadList().Len(), qt.Equals, 1)
	c.Assert(rt.ThreadList().FindByID(w.ID()), qt.IsNil)
}

func TestGarbageCollectionWithRuntimeRoots(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	cl := rt.ClassLinker()

	kept, err := rt.InternTable().InternStrong(main, "kept")
	c.Assert(err, qt.IsNil)
	_, err = rt.InternTable().InternWeak(main, "dropped")
	c.Assert(err, qt.IsNil)
	before := cl.NumClasses()

	rt.Heap().CollectGarbage(main, false)

	c.Assert(main.State(), qt.Equals, StateRunnable)
	c.Assert(cl.NumClasses(), qt.Equals, before)
	r, ok := rt.InternTable().Lookup("kept")
	c.Assert(ok, qt.IsTrue)
	c.Assert(r, qt.Equals, kept)
	_, ok = rt.InternTable().Lookup("dropped")
	c.Assert(ok, qt.IsFalse)
	for _, k := range cl.ClassRoots() {
		c.Assert(rt.Heap().IsLiveObject(k.Ref), qt.IsTrue, qt.Commentf("%s", k.Descriptor))
	}
}
