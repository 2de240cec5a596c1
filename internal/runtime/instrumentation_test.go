package runtime

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

type recordedEvent struct {
	Kind    string
	Method  string
	DexPC   uint32
	Value   JValue
	Pending bool
}

type recorder struct {
	NopInstrumentationListener
	events []recordedEvent
}

func (r *recorder) MethodEntered(t *Thread, _ mirror.Ref, m *mirror.ArtMethod, pc uint32) {
	r.events = append(r.events, recordedEvent{Kind: "enter", Method: m.Name(), DexPC: pc})
}

func (r *recorder) MethodExited(t *Thread, _ mirror.Ref, m *mirror.ArtMethod, pc uint32, v JValue) {
	r.events = append(r.events, recordedEvent{Kind: "exit", Method: m.Name(), DexPC: pc, Value: v})
}

func (r *recorder) MethodUnwind(t *Thread, _ mirror.Ref, m *mirror.ArtMethod, pc uint32) {
	r.events = append(r.events, recordedEvent{Kind: "unwind", Method: m.Name(), DexPC: pc})
}

func (r *recorder) DexPcMoved(t *Thread, _ mirror.Ref, m *mirror.ArtMethod, pc uint32) {
	r.events = append(r.events, recordedEvent{Kind: "pc", Method: m.Name(), DexPC: pc})
}

func (r *recorder) ExceptionCaught(t *Thread, exc *Throwable) {
	r.events = append(r.events, recordedEvent{Kind: "caught", Method: exc.Descriptor, Pending: t.IsExceptionPending()})
}

func (r *recorder) ExceptionHandled(t *Thread, exc *Throwable) {
	r.events = append(r.events, recordedEvent{Kind: "handled", Method: exc.Descriptor})
}

// addListener registers l with every thread suspended.
func addListener(rt *Runtime, l InstrumentationListener, mask InstrumentationEvent) {
	main := rt.MainThread()
	defer rt.ThreadList().ScopedSuspendAll(main, "add listener")()
	rt.Instrumentation().AddListener(main, l, mask)
}

func nativeClass() dex.Class {
	return dex.Class{Descriptor: "LN;", Super: ObjectDescriptor, Flags: dex.AccPublic, Methods: []dex.Method{
		{Name: "call", Signature: "()V", Flags: dex.AccPublic | dex.AccNative},
	}}
}

func TestInstrumentationEventString(t *testing.T) {
	c := qt.New(t)
	c.Assert(InstrumentationEvent(0).String(), qt.Equals, "none")
	c.Assert((EventMethodEntered | EventBranch).String(), qt.Equals, "MethodEntered|Branch")
}

func TestInstrumentationRequiresSuspendAll(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	in := rt.Instrumentation()
	c.Assert(func() { in.AddListener(main, &recorder{}, EventMethodEntered) },
		qt.PanicMatches, `fatal: instrumentation: AddListener without all threads suspended`)
	c.Assert(func() { in.EnableDeoptimization(main) },
		qt.PanicMatches, `fatal: instrumentation: EnableDeoptimization without all threads suspended`)
	c.Assert(in.HasListeners(EventMethodEntered), qt.IsFalse)
}

func TestInstrumentationListeners(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, hierarchyClasses()...)
	main := rt.MainThread()
	in := rt.Instrumentation()
	n := findClass(t, rt, "LA;").FindDeclaredMethod("n", "()V")

	r := &recorder{}
	mask := EventMethodEntered | EventDexPcMoved | EventExceptionCaught
	addListener(rt, r, mask)
	addListener(rt, r, EventMethodEntered)
	c.Assert(in.NumListeners(EventMethodEntered), qt.Equals, 1)
	c.Assert(in.HasListeners(EventFieldRead), qt.IsFalse)

	in.MethodEnterEvent(main, 0, n, 0)
	in.DexPcMovedEvent(main, 0, n, 4)
	in.MethodExitEvent(main, 0, n, 4, 1)
	main.ThrowNewException(IllegalArgumentDescriptor, "bad")
	exc := main.Exception()
	in.ExceptionCaughtEvent(main, exc)
	c.Assert(main.Exception(), qt.Equals, exc)
	main.ClearException()

	c.Assert(r.events, qt.DeepEquals, []recordedEvent{
		{Kind: "enter", Method: "n"},
		{Kind: "pc", Method: "n", DexPC: 4},
		{Kind: "caught", Method: IllegalArgumentDescriptor},
	})

	func() {
		defer rt.ThreadList().ScopedSuspendAll(main, "remove listener")()
		in.RemoveListener(main, r, mask)
	}()
	c.Assert(in.HasListeners(mask), qt.IsFalse)
	in.MethodEnterEvent(main, 0, n, 0)
	c.Assert(r.events, qt.HasLen, 3)
}

func TestDeoptimizeMethod(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, append(hierarchyClasses(), nativeClass())...)
	main := rt.MainThread()
	in := rt.Instrumentation()
	a := findClass(t, rt, "LA;")
	n := a.FindDeclaredMethod("n", "()V")
	n.EntryPoint = 0x1000
	copied := a.CopiedMethods[0]
	native := findClass(t, rt, "LN;").FindDeclaredMethod("call", "()V")

	caller := &Frame{Method: n}
	callee := &Frame{Method: copied, Interpreted: true}
	main.PushFrame(caller)
	main.PushFrame(callee)
	c.Assert(in.EntryPointFor(n), qt.Equals, EntryPointQuickCode)
	c.Assert(in.EntryPointFor(copied), qt.Equals, EntryPointInterpreterBridge)
	c.Assert(in.EntryPointFor(native), qt.Equals, EntryPointJNIStub)

	resume := rt.ThreadList().ScopedSuspendAll(main, "deoptimize")
	in.EnableDeoptimization(main)
	in.Deoptimize(main, n)
	c.Assert(in.IsDeoptimized(n), qt.IsTrue)
	c.Assert(in.IsDeoptimized(copied), qt.IsFalse)
	c.Assert(in.IsDeoptimized(copied.CanonicalMethod()), qt.IsFalse)
	c.Assert(caller.ExitStub, qt.IsTrue)
	c.Assert(callee.ExitStub, qt.IsFalse)
	c.Assert(func() { in.Deoptimize(main, n) }, qt.PanicMatches, `fatal: method .* is already deoptimized`)
	c.Assert(func() { in.Deoptimize(main, native) }, qt.PanicMatches, `fatal: cannot deoptimize native method .*`)
	resume()

	c.Assert(in.EntryPointFor(n), qt.Equals, EntryPointInterpreterBridge)
	c.Assert(in.NeedsDeoptimization(caller), qt.IsTrue)
	c.Assert(in.NeedsDeoptimization(callee), qt.IsFalse)

	// The callee returns through its exit stub into a deoptimized caller.
	r := &recorder{}
	addListener(rt, r, EventMethodExited)
	callee.ExitStub = true
	c.Assert(in.PopInstrumentationFrame(main, 7), qt.IsTrue)
	c.Assert(r.events, qt.DeepEquals, []recordedEvent{{Kind: "exit", Method: "m", Value: 7}})

	resume = rt.ThreadList().ScopedSuspendAll(main, "undeoptimize")
	in.Undeoptimize(main, n)
	c.Assert(caller.ExitStub, qt.IsFalse)
	in.DisableDeoptimization(main, "test")
	c.Assert(func() { in.Deoptimize(main, n) }, qt.PanicMatches, `fatal: deoptimization is not enabled`)
	resume()
	c.Assert(in.EntryPointFor(n), qt.Equals, EntryPointQuickCode)
	c.Assert(in.NumDeoptimizedMethods(), qt.Equals, 0)
}

func TestDeoptimizeEverythingAndStubLevels(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, hierarchyClasses()...)
	main := rt.MainThread()
	in := rt.Instrumentation()
	n := findClass(t, rt, "LA;").FindDeclaredMethod("n", "()V")
	n.EntryPoint = 0x1000
	frame := &Frame{Method: n}
	main.PushFrame(frame)

	defer rt.ThreadList().ScopedSuspendAll(main, "test")()
	in.EnableDeoptimization(main)
	in.DeoptimizeEverything(main, "debugger")
	c.Assert(in.InterpretOnly(), qt.IsTrue)
	c.Assert(in.Level(), qt.Equals, InstrumentWithInterpreter)
	c.Assert(in.EntryPointFor(n), qt.Equals, EntryPointInterpreterBridge)
	c.Assert(frame.ExitStub, qt.IsTrue)
	c.Assert(in.NeedsDeoptimization(frame), qt.IsTrue)

	in.ConfigureStubs(main, "tracer", InstrumentWithEntryExitStubs)
	c.Assert(in.Level(), qt.Equals, InstrumentWithInterpreter)
	c.Assert(in.RequestedLevels(), qt.DeepEquals, []string{"debugger", "tracer"})

	in.UndeoptimizeEverything(main, "debugger")
	c.Assert(in.InterpretOnly(), qt.IsFalse)
	c.Assert(in.Level(), qt.Equals, InstrumentWithEntryExitStubs)
	c.Assert(in.EntryPointFor(n), qt.Equals, EntryPointInstrumentationStub)
	c.Assert(frame.ExitStub, qt.IsTrue)

	in.ConfigureStubs(main, "tracer", InstrumentNothing)
	c.Assert(in.Level(), qt.Equals, InstrumentNothing)
	c.Assert(in.RequestedLevels(), qt.HasLen, 0)
	c.Assert(in.EntryPointFor(n), qt.Equals, EntryPointQuickCode)
	c.Assert(frame.ExitStub, qt.IsFalse)
	in.DisableDeoptimization(main, "debugger")
	c.Assert(in.IsDeoptimizationEnabled(), qt.IsFalse)
}
