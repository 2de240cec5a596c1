package debugger

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// steppingClass has a method whose line 5 covers pcs 10 to 21 and line 6
// starts at 22.
func steppingClass() dex.Class {
	insns := make([]dex.Insn, 0, 25)
	for i := 0; i < 24; i++ {
		insns = append(insns, dex.Nop())
	}
	insns = append(insns, dex.ReturnVoid())
	return dex.Class{Descriptor: "LS;", Super: runtime.ObjectDescriptor, Flags: dex.AccPublic, SourceFile: "S.java", Methods: []dex.Method{
		{Name: "run", Signature: "()V", Flags: dex.AccPublic | dex.AccStatic, Code: &dex.Code{
			Insns: insns,
			Lines: []dex.PositionEntry{{Address: 0, Line: 4}, {Address: 10, Line: 5}, {Address: 14, Line: 5}, {Address: 18, Line: 5}, {Address: 22, Line: 6}},
		}},
		{Name: "callee", Signature: "()V", Flags: dex.AccPublic | dex.AccStatic, Code: returnVoid()},
	}}
}

func TestLinePCs(t *testing.T) {
	positions := []dex.PositionEntry{{Address: 0, Line: 4}, {Address: 10, Line: 5}, {Address: 14, Line: 5}, {Address: 18, Line: 5}, {Address: 22, Line: 6}, {Address: 30, Line: 5}}
	for _, tc := range []struct {
		line uint32
		want []pcRange
	}{
		{4, []pcRange{{0, 10}}},
		{5, []pcRange{{10, 22}, {30, 40}}},
		{6, []pcRange{{22, 30}}},
		{7, nil},
	} {
		got := linePCs(positions, tc.line, 40)
		if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(pcRange{})); diff != "" {
			t.Errorf("line %d (-want +got):\n%s", tc.line, diff)
		}
	}
}

func TestShouldStep(t *testing.T) {
	m, other := &mirror.ArtMethod{}, &mirror.ArtMethod{}
	line := []pcRange{{10, 22}}
	for _, tc := range []struct {
		name  string
		size  StepSize
		depth StepDepth
		stack int
		m     *mirror.ArtMethod
		pc    uint32
		want  bool
	}{
		{"into same line", StepLine, StepInto, 2, m, 14, false},
		{"into next line", StepLine, StepInto, 2, m, 22, true},
		{"into callee", StepLine, StepInto, 3, other, 0, true},
		{"into min", StepMin, StepInto, 2, m, 14, true},
		{"over same line", StepLine, StepOver, 2, m, 18, false},
		{"over next line", StepLine, StepOver, 2, m, 22, true},
		{"over callee", StepLine, StepOver, 3, other, 0, false},
		{"over return", StepLine, StepOver, 1, other, 5, true},
		{"over min", StepMin, StepOver, 2, m, 14, true},
		{"out same frame", StepLine, StepOut, 2, m, 22, false},
		{"out callee", StepMin, StepOut, 3, other, 0, false},
		{"out return", StepLine, StepOut, 1, other, 5, true},
	} {
		c := &SingleStepControl{Size: tc.size, Depth: tc.depth, StackDepth: 2, Method: m, Line: 5, pcs: line}
		if got := c.shouldStep(tc.stack, tc.m, tc.pc); got != tc.want {
			t.Errorf("%s: shouldStep = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStepOverLine(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, steppingClass())
	main := rt.MainThread()
	in := rt.Instrumentation()
	sink := &recordingSink{}
	d := newTestDebugger(t, rt, Options{Sink: sink})
	k := findClass(t, rt, "LS;")
	run := k.FindDeclaredMethod("run", "()V")
	callee := k.FindDeclaredMethod("callee", "()V")

	frame := &runtime.Frame{Method: run, DexPC: 10, Interpreted: true}
	main.PushFrame(frame)
	defer main.PopFrame()

	c.Assert(d.ConfigureStep(main, main, StepLine, StepOver), qt.IsNil)
	ctl := d.StepControl(main)
	c.Assert(ctl, qt.IsNotNil)
	c.Assert(ctl.Line, qt.Equals, uint32(5))
	c.Assert(ctl.StackDepth, qt.Equals, 1)
	c.Assert(ctl.ContainsDexPc(14), qt.IsTrue)
	c.Assert(ctl.ContainsDexPc(22), qt.IsFalse)
	c.Assert(ctl.DexPCs(), qt.HasLen, 12)
	c.Assert(in.InterpretOnly(), qt.IsTrue)

	in.DexPcMovedEvent(main, 0, run, 14)
	c.Assert(sink.Events(), qt.HasLen, 0)

	// A call made from the line is stepped over.
	main.PushFrame(&runtime.Frame{Method: callee, Interpreted: true})
	in.DexPcMovedEvent(main, 0, callee, 0)
	main.PopFrame()
	c.Assert(sink.Events(), qt.HasLen, 0)

	in.DexPcMovedEvent(main, 0, run, 22)
	c.Assert(sink.Events(), qt.DeepEquals, []sinkEvent{
		{Kind: "location", Location: "LS;->run()V@22", Flags: EventSingleStep, Thread: "main"},
	})

	d.UnconfigureStep(main, main)
	c.Assert(d.StepControl(main), qt.IsNil)
	c.Assert(in.InterpretOnly(), qt.IsFalse)
	c.Assert(in.HasListeners(runtime.EventDexPcMoved), qt.IsFalse)
}

func TestConfigureStepSuspendsOtherThread(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, steppingClass())
	main := rt.MainThread()
	d := newTestDebugger(t, rt, Options{})
	run := findClass(t, rt, "LS;").FindDeclaredMethod("run", "()V")

	s := startSpinner(t, rt, "app")
	c.Assert(d.ConfigureStep(main, s.t, StepMin, StepInto), qt.ErrorIs, ErrNoFrames)

	// Frames of a suspended thread can be read safely.
	tl := rt.ThreadList()
	c.Assert(tl.SuspendThread(main, s.t, true), qt.IsNil)
	s.t.PushFrame(&runtime.Frame{Method: run, DexPC: 2, Interpreted: true})
	c.Assert(d.ConfigureStep(main, s.t, StepLine, StepInto), qt.IsNil)
	ctl := d.StepControl(s.t)
	c.Assert(ctl.Line, qt.Equals, uint32(4))
	c.Assert(ctl.Method, qt.Equals, run)
	s.t.PopFrame()
	tl.ResumeThread(main, s.t, true)
	c.Assert(s.t.SuspendCount(), qt.Equals, 0)

	d.UnconfigureStep(main, s.t)
	c.Assert(rt.Instrumentation().InterpretOnly(), qt.IsFalse)
}
