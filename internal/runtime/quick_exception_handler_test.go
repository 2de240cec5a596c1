package runtime

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/dex"
)

// LT;.outer catches LE; over its first three code units, middle has a
// handler for a type that cannot be loaded and a catch-all after it, inner
// has no handlers.
func throwingClasses() []dex.Class {
	nops := func(n int) []dex.Insn {
		var insns []dex.Insn
		for i := 0; i < n; i++ {
			insns = append(insns, dex.Nop())
		}
		return append(insns, dex.ReturnVoid())
	}
	return []dex.Class{
		{Descriptor: "LE;", Super: ThrowableDescriptor, Flags: dex.AccPublic},
		{Descriptor: "LF;", Super: "LE;", Flags: dex.AccPublic},
		{Descriptor: "LT;", Super: ObjectDescriptor, Flags: dex.AccPublic, Methods: []dex.Method{
			{Name: "outer", Signature: "()V", Flags: dex.AccPublic, Code: &dex.Code{
				Registers: 1,
				Insns:     nops(3),
				Tries:     []dex.Try{{Start: 0, Count: 3, Handlers: []dex.Handler{{Type: "LE;", Addr: 3}}}},
			}},
			{Name: "middle", Signature: "()V", Flags: dex.AccPublic, Code: &dex.Code{
				Registers: 1,
				Insns:     nops(4),
				Tries: []dex.Try{
					{Start: 0, Count: 2, Handlers: []dex.Handler{{Type: "LMissing;", Addr: 4}}},
					{Start: 2, Count: 2, Handlers: []dex.Handler{{Type: "", Addr: 4}}},
				},
			}},
			{Name: "inner", Signature: "()V", Flags: dex.AccPublic, Code: &dex.Code{
				Registers: 1,
				Insns:     nops(1),
			}},
		}},
	}
}

// pushCalls pushes outer, middle and inner frames on main at the given
// dex pcs.
func pushCalls(t *testing.T, rt *Runtime, outerPC, middlePC uint32) []*Frame {
	k := findClass(t, rt, "LT;")
	frames := []*Frame{
		{Method: k.FindDeclaredMethod("outer", "()V"), DexPC: outerPC},
		{Method: k.FindDeclaredMethod("middle", "()V"), DexPC: middlePC},
		{Method: k.FindDeclaredMethod("inner", "()V")},
	}
	for _, f := range frames {
		rt.MainThread().PushFrame(f)
	}
	return frames
}

func TestFindCatch(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, throwingClasses()...)
	main := rt.MainThread()
	frames := pushCalls(t, rt, 1, 0)
	h := NewQuickExceptionHandler(main)

	res, err := h.FindCatch(&Throwable{Descriptor: "LF;"})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Caught(), qt.IsTrue)
	c.Assert(res.Depth, qt.Equals, 0)
	c.Assert(res.Method, qt.Equals, frames[0].Method)
	c.Assert(res.HandlerPC, qt.Equals, uint32(3))
	c.Assert(res.Deoptimize, qt.IsFalse)

	res, err = h.FindCatch(&Throwable{Descriptor: NullPointerDescriptor})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Caught(), qt.IsFalse)
	c.Assert(res.Depth, qt.Equals, -1)

	// The catch-all in middle covers pc 2.
	frames[1].DexPC = 2
	res, err = h.FindCatch(&Throwable{Descriptor: NullPointerDescriptor})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Depth, qt.Equals, 1)
	c.Assert(res.HandlerPC, qt.Equals, uint32(4))
	c.Assert(main.StackDepth(), qt.Equals, 3)

	// Outside outer's try block nothing catches.
	frames[0].DexPC = 3
	frames[1].DexPC = 0
	res, err = h.FindCatch(&Throwable{Descriptor: "LF;"})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Caught(), qt.IsFalse)
}

func TestDeliverException(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, throwingClasses()...)
	main := rt.MainThread()
	frames := pushCalls(t, rt, 2, 1)
	r := &recorder{}
	addListener(rt, r, EventExceptionCaught|EventMethodUnwind|EventExceptionHandled)

	_, err := NewQuickExceptionHandler(main).DeliverException()
	c.Assert(err, qt.ErrorMatches, "no pending exception")

	main.ThrowNewException("LF;", "boom")
	exc := main.Exception()
	res, err := NewQuickExceptionHandler(main).DeliverException()
	c.Assert(err, qt.IsNil)
	c.Assert(res.Depth, qt.Equals, 0)
	c.Assert(main.StackDepth(), qt.Equals, 1)
	c.Assert(main.TopFrame(), qt.Equals, frames[0])
	c.Assert(frames[0].DexPC, qt.Equals, uint32(3))
	c.Assert(main.Exception(), qt.Equals, exc)
	c.Assert(r.events, qt.DeepEquals, []recordedEvent{
		{Kind: "caught", Method: "LF;"},
		{Kind: "unwind", Method: "inner"},
		{Kind: "unwind", Method: "middle", DexPC: 1},
		{Kind: "handled", Method: "LF;"},
	})
}

func TestDeliverUncaughtException(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, throwingClasses()...)
	main := rt.MainThread()
	pushCalls(t, rt, 3, 0)

	main.ThrowNewException(IllegalArgumentDescriptor, "")
	res, err := NewQuickExceptionHandler(main).DeliverException()
	c.Assert(err, qt.IsNil)
	c.Assert(res.Caught(), qt.IsFalse)
	c.Assert(main.StackDepth(), qt.Equals, 0)
	c.Assert(main.IsExceptionPending(), qt.IsTrue)
}

func TestDeliverExceptionToDeoptimizedFrame(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, throwingClasses()...)
	main := rt.MainThread()
	frames := pushCalls(t, rt, 0, 0)
	in := rt.Instrumentation()
	func() {
		defer rt.ThreadList().ScopedSuspendAll(main, "deoptimize")()
		in.EnableDeoptimization(main)
		in.Deoptimize(main, frames[0].Method)
	}()
	c.Assert(frames[0].ExitStub, qt.IsTrue)

	main.ThrowNewException("LE;", "")
	res, err := NewQuickExceptionHandler(main).DeliverException()
	c.Assert(err, qt.IsNil)
	c.Assert(res.Deoptimize, qt.IsTrue)
	c.Assert(frames[0].Interpreted, qt.IsTrue)
	c.Assert(frames[0].ExitStub, qt.IsFalse)
	c.Assert(frames[0].DexPC, qt.Equals, uint32(3))
}
