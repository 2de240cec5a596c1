package debugger

import (
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// listener turns instrumentation events into debugger events.
type listener struct {
	runtime.NopInstrumentationListener
	d *Debugger
}

// MethodEntered defers the entry event to the first dex pc move of the
// method when the debugger watches pcs, so that a breakpoint at pc 0 and
// the entry are reported together.
func (l *listener) MethodEntered(t *runtime.Thread, this mirror.Ref, m *mirror.ArtMethod, pc uint32) {
	d := l.d
	if !m.IsNative() && d.isListening(runtime.EventDexPcMoved) {
		d.mu.Lock()
		d.methodEntry[t] = m
		d.mu.Unlock()
		return
	}
	d.updateDebugger(t, this, m, pc, EventMethodEntry, 0)
}

func (l *listener) MethodExited(t *runtime.Thread, this mirror.Ref, m *mirror.ArtMethod, pc uint32, ret runtime.JValue) {
	d := l.d
	flags := EventMethodExit
	if d.takeMethodEntry(t, m) {
		flags |= EventMethodEntry
	}
	d.updateDebugger(t, this, m, pc, flags, ret)
}

func (l *listener) MethodUnwind(t *runtime.Thread, _ mirror.Ref, m *mirror.ArtMethod, _ uint32) {
	l.d.takeMethodEntry(t, m)
}

func (l *listener) DexPcMoved(t *runtime.Thread, this mirror.Ref, m *mirror.ArtMethod, pc uint32) {
	d := l.d
	var flags EventFlags
	if d.takeMethodEntry(t, m) {
		flags |= EventMethodEntry
	}
	d.updateDebugger(t, this, m, pc, flags, 0)
}

func (l *listener) FieldRead(t *runtime.Thread, this mirror.Ref, m *mirror.ArtMethod, pc uint32, f *runtime.Field) {
	l.d.sink.FieldEvent(t, Location{m, pc}, this, f, false, 0)
}

func (l *listener) FieldWritten(t *runtime.Thread, this mirror.Ref, m *mirror.ArtMethod, pc uint32, f *runtime.Field, v runtime.JValue) {
	l.d.sink.FieldEvent(t, Location{m, pc}, this, f, true, v)
}

// ExceptionCaught reports the throw and where the exception will land.
func (l *listener) ExceptionCaught(t *runtime.Thread, exc *runtime.Throwable) {
	var throw, catch Location
	if top := t.TopFrame(); top != nil {
		throw = Location{top.Method, top.DexPC}
	}
	res, err := runtime.NewQuickExceptionHandler(t).FindCatch(exc)
	if err != nil {
		l.d.log.Warnw("cannot find catch location", "exception", exc, "error", err)
	} else if res.Caught() {
		catch = Location{res.Method, res.HandlerPC}
	}
	l.d.sink.ExceptionEvent(t, throw, exc, catch)
}

// takeMethodEntry clears t's deferred entry into m and reports whether
// there was one.
func (d *Debugger) takeMethodEntry(t *runtime.Thread, m *mirror.ArtMethod) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.methodEntry[t] != m {
		return false
	}
	delete(d.methodEntry, t)
	return true
}

// updateDebugger adds the breakpoint and single-step reasons for t being
// at pc in m and reports the location if there is any reason to.
func (d *Debugger) updateDebugger(t *runtime.Thread, this mirror.Ref, m *mirror.ArtMethod, pc uint32, flags EventFlags, ret runtime.JValue) {
	if flags&EventMethodExit == 0 && d.IsBreakpoint(t, m, pc) {
		flags |= EventBreakpoint
	}
	d.mu.Lock()
	c := d.steps[t]
	d.mu.Unlock()
	if c != nil && c.shouldStep(t.StackDepth(), m, pc) {
		flags |= EventSingleStep
	}
	if flags != 0 {
		d.sink.LocationEvent(t, Location{m, pc}, this, flags, ret)
	}
}
