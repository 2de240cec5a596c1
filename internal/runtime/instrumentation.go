package runtime

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// InstrumentationEvent is a bit mask of the events a listener wants.
type InstrumentationEvent uint32

const (
	EventMethodEntered InstrumentationEvent = 1 << iota
	EventMethodExited
	EventMethodUnwind
	EventDexPcMoved
	EventFieldRead
	EventFieldWritten
	EventExceptionCaught
	EventExceptionHandled
	EventBranch
	EventInvokeVirtualOrInterface

	numInstrumentationEvents = iota
)

var eventNames = [numInstrumentationEvents]string{
	"MethodEntered", "MethodExited", "MethodUnwind", "DexPcMoved", "FieldRead",
	"FieldWritten", "ExceptionCaught", "ExceptionHandled", "Branch", "InvokeVirtualOrInterface",
}

func (e InstrumentationEvent) String() string {
	var parts []string
	for i, name := range eventNames {
		if e&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// JValue is a raw primitive or reference value.
type JValue uint64

// InstrumentationListener receives instrumentation events. Embed
// NopInstrumentationListener to implement only some of them.
type InstrumentationListener interface {
	MethodEntered(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32)
	MethodExited(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32, ret JValue)
	MethodUnwind(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32)
	DexPcMoved(t *Thread, this mirror.Ref, m *mirror.ArtMethod, newDexPC uint32)
	FieldRead(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32, f *Field)
	FieldWritten(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32, f *Field, v JValue)
	ExceptionCaught(t *Thread, exc *Throwable)
	ExceptionHandled(t *Thread, exc *Throwable)
	Branch(t *Thread, m *mirror.ArtMethod, dexPC uint32, offset int32)
	InvokeVirtualOrInterface(t *Thread, this mirror.Ref, caller *mirror.ArtMethod, dexPC uint32, callee *mirror.ArtMethod)
}

// NopInstrumentationListener ignores every event.
type NopInstrumentationListener struct{}

func (NopInstrumentationListener) MethodEntered(*Thread, mirror.Ref, *mirror.ArtMethod, uint32)                               {}
func (NopInstrumentationListener) MethodExited(*Thread, mirror.Ref, *mirror.ArtMethod, uint32, JValue)                        {}
func (NopInstrumentationListener) MethodUnwind(*Thread, mirror.Ref, *mirror.ArtMethod, uint32)                                {}
func (NopInstrumentationListener) DexPcMoved(*Thread, mirror.Ref, *mirror.ArtMethod, uint32)                                  {}
func (NopInstrumentationListener) FieldRead(*Thread, mirror.Ref, *mirror.ArtMethod, uint32, *Field)                           {}
func (NopInstrumentationListener) FieldWritten(*Thread, mirror.Ref, *mirror.ArtMethod, uint32, *Field, JValue)                {}
func (NopInstrumentationListener) ExceptionCaught(*Thread, *Throwable)                                                        {}
func (NopInstrumentationListener) ExceptionHandled(*Thread, *Throwable)                                                       {}
func (NopInstrumentationListener) Branch(*Thread, *mirror.ArtMethod, uint32, int32)                                           {}
func (NopInstrumentationListener) InvokeVirtualOrInterface(*Thread, mirror.Ref, *mirror.ArtMethod, uint32, *mirror.ArtMethod) {}

// InstrumentationLevel is how much of the runtime is instrumented.
type InstrumentationLevel int

const (
	InstrumentNothing InstrumentationLevel = iota
	// InstrumentWithEntryExitStubs routes compiled methods through stubs
	// that report entry and exit.
	InstrumentWithEntryExitStubs
	// InstrumentWithInterpreter runs every method in the interpreter.
	InstrumentWithInterpreter
)

func (l InstrumentationLevel) String() string {
	switch l {
	case InstrumentNothing:
		return "nothing"
	case InstrumentWithEntryExitStubs:
		return "entry-exit-stubs"
	case InstrumentWithInterpreter:
		return "interpreter"
	}
	return fmt.Sprintf("InstrumentationLevel(%d)", int(l))
}

// EntryPoint is where a call to a method lands.
type EntryPoint int

const (
	EntryPointQuickCode EntryPoint = iota
	EntryPointInterpreterBridge
	EntryPointInstrumentationStub
	EntryPointJNIStub
)

func (e EntryPoint) String() string {
	switch e {
	case EntryPointQuickCode:
		return "quick-code"
	case EntryPointInterpreterBridge:
		return "interpreter-bridge"
	case EntryPointInstrumentationStub:
		return "instrumentation-stub"
	case EntryPointJNIStub:
		return "jni-stub"
	}
	return fmt.Sprintf("EntryPoint(%d)", int(e))
}

// Instrumentation tracks event listeners and which methods must run in the
// interpreter. Every change happens with all threads suspended: the caller
// holds the mutator lock exclusively. Readers hold it shared.
type Instrumentation struct {
	rt  *Runtime
	log *zap.SugaredLogger

	listeners [numInstrumentationEvents][]InstrumentationListener
	events    InstrumentationEvent

	requestedLevels map[string]InstrumentationLevel
	level           InstrumentationLevel

	deoptimizationEnabled bool
	interpretOnly         bool
	deoptimized           map[*mirror.ArtMethod]struct{}
}

func newInstrumentation(rt *Runtime) *Instrumentation {
	return &Instrumentation{
		rt:              rt,
		log:             rt.log.Named("instrumentation"),
		requestedLevels: make(map[string]InstrumentationLevel),
		deoptimized:     make(map[*mirror.ArtMethod]struct{}),
	}
}

func (in *Instrumentation) assertExclusive(self *Thread, op string) {
	base.Check(in.rt.locks.Mutator.IsExclusiveHeld(self.Locks()),
		"instrumentation: %s without all threads suspended", op)
}

// AddListener registers l for the events in mask.
func (in *Instrumentation) AddListener(self *Thread, l InstrumentationListener, mask InstrumentationEvent) {
	in.assertExclusive(self, "AddListener")
	for i := range in.listeners {
		if mask&(1<<i) == 0 {
			continue
		}
		present := false
		for _, o := range in.listeners[i] {
			present = present || o == l
		}
		if !present {
			in.listeners[i] = append(in.listeners[i], l)
		}
		in.events |= 1 << i
	}
}

// RemoveListener unregisters l from the events in mask.
func (in *Instrumentation) RemoveListener(self *Thread, l InstrumentationListener, mask InstrumentationEvent) {
	in.assertExclusive(self, "RemoveListener")
	for i := range in.listeners {
		if mask&(1<<i) == 0 {
			continue
		}
		ls := in.listeners[i][:0]
		for _, o := range in.listeners[i] {
			if o != l {
				ls = append(ls, o)
			}
		}
		in.listeners[i] = ls
		if len(ls) == 0 {
			in.events &^= 1 << i
		}
	}
}

// HasListeners reports whether any listener wants one of the events in mask.
func (in *Instrumentation) HasListeners(mask InstrumentationEvent) bool { return in.events&mask != 0 }

// NumListeners returns the number of listeners for a single event.
func (in *Instrumentation) NumListeners(ev InstrumentationEvent) int {
	for i := range in.listeners {
		if ev == 1<<i {
			return len(in.listeners[i])
		}
	}
	return 0
}

// Level returns the current instrumentation level.
func (in *Instrumentation) Level() InstrumentationLevel { return in.level }

// IsDeoptimizationEnabled reports whether methods may be deoptimized.
func (in *Instrumentation) IsDeoptimizationEnabled() bool { return in.deoptimizationEnabled }

// InterpretOnly reports whether every method runs in the interpreter.
func (in *Instrumentation) InterpretOnly() bool { return in.interpretOnly }

// ConfigureStubs records the level requested under key and moves the
// runtime to the highest level any key requests.
func (in *Instrumentation) ConfigureStubs(self *Thread, key string, level InstrumentationLevel) {
	in.assertExclusive(self, "ConfigureStubs")
	if level == InstrumentNothing {
		delete(in.requestedLevels, key)
	} else {
		in.requestedLevels[key] = level
	}
	want := InstrumentNothing
	for _, l := range in.requestedLevels {
		want = max(want, l)
	}
	if want == in.level {
		return
	}
	in.log.Debugw("configuring stubs", "key", key, "from", in.level.String(), "to", want.String())
	old := in.level
	in.level = want
	in.interpretOnly = want == InstrumentWithInterpreter
	switch {
	case want > old:
		in.instrumentAllStacks()
	case want == InstrumentNothing && len(in.deoptimized) == 0:
		in.restoreAllStacks()
	}
}

// RequestedLevels returns the keys with a pending level request, sorted.
func (in *Instrumentation) RequestedLevels() []string {
	keys := make([]string, 0, len(in.requestedLevels))
	for k := range in.requestedLevels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnableDeoptimization allows Deoptimize and DeoptimizeEverything.
func (in *Instrumentation) EnableDeoptimization(self *Thread) {
	in.assertExclusive(self, "EnableDeoptimization")
	base.Check(!in.deoptimizationEnabled, "deoptimization already enabled")
	base.Check(len(in.deoptimized) == 0, "methods deoptimized before deoptimization was enabled")
	in.deoptimizationEnabled = true
}

// DisableDeoptimization undoes every deoptimization and forbids new ones.
func (in *Instrumentation) DisableDeoptimization(self *Thread, key string) {
	in.assertExclusive(self, "DisableDeoptimization")
	if !in.deoptimizationEnabled {
		return
	}
	if in.interpretOnly {
		in.UndeoptimizeEverything(self, key)
	}
	for m := range in.deoptimized {
		delete(in.deoptimized, m)
	}
	if in.level == InstrumentNothing {
		in.restoreAllStacks()
	}
	in.deoptimizationEnabled = false
}

// DeoptimizeEverything makes every method run in the interpreter.
func (in *Instrumentation) DeoptimizeEverything(self *Thread, key string) {
	in.assertExclusive(self, "DeoptimizeEverything")
	base.Check(in.deoptimizationEnabled, "deoptimization is not enabled")
	base.Check(!in.interpretOnly, "already deoptimized everything")
	in.ConfigureStubs(self, key, InstrumentWithInterpreter)
}

// UndeoptimizeEverything ends DeoptimizeEverything.
func (in *Instrumentation) UndeoptimizeEverything(self *Thread, key string) {
	in.assertExclusive(self, "UndeoptimizeEverything")
	base.Check(in.interpretOnly, "nothing to undeoptimize")
	in.ConfigureStubs(self, key, InstrumentNothing)
}

// Deoptimize makes m run in the interpreter and instruments every stack
// so that frames returning to m continue there too.
func (in *Instrumentation) Deoptimize(self *Thread, m *mirror.ArtMethod) {
	in.assertExclusive(self, "Deoptimize")
	base.Check(in.deoptimizationEnabled, "deoptimization is not enabled")
	base.Check(!m.IsNative(), "cannot deoptimize native method %s", m.PrettyMethod())
	base.Check(!m.IsRuntimeMethod(), "cannot deoptimize runtime method")
	_, already := in.deoptimized[m]
	base.Check(!already, "method %s is already deoptimized", m.PrettyMethod())
	in.deoptimized[m] = struct{}{}
	in.log.Debugw("deoptimized method", "method", m.PrettyMethod())
	if !in.interpretOnly {
		in.instrumentAllStacks()
	}
}

// Undeoptimize lets m run its compiled code again.
func (in *Instrumentation) Undeoptimize(self *Thread, m *mirror.ArtMethod) {
	in.assertExclusive(self, "Undeoptimize")
	base.Check(in.deoptimizationEnabled, "deoptimization is not enabled")
	_, found := in.deoptimized[m]
	base.Check(found, "method %s is not deoptimized", m.PrettyMethod())
	delete(in.deoptimized, m)
	in.log.Debugw("undeoptimized method", "method", m.PrettyMethod())
	if len(in.deoptimized) == 0 && in.level == InstrumentNothing {
		in.restoreAllStacks()
	}
}

// IsDeoptimized reports whether m was passed to Deoptimize. Copied methods
// are distinct from the method they were copied from.
func (in *Instrumentation) IsDeoptimized(m *mirror.ArtMethod) bool {
	_, ok := in.deoptimized[m]
	return ok
}

// NumDeoptimizedMethods returns the number of selectively deoptimized
// methods.
func (in *Instrumentation) NumDeoptimizedMethods() int { return len(in.deoptimized) }

// EntryPointFor returns where calls to m currently land.
func (in *Instrumentation) EntryPointFor(m *mirror.ArtMethod) EntryPoint {
	switch {
	case m.IsNative():
		if in.level >= InstrumentWithEntryExitStubs {
			return EntryPointInstrumentationStub
		}
		return EntryPointJNIStub
	case in.interpretOnly || in.IsDeoptimized(m) || !m.HasCompiledCode():
		return EntryPointInterpreterBridge
	case in.level >= InstrumentWithEntryExitStubs:
		return EntryPointInstrumentationStub
	}
	return EntryPointQuickCode
}

// NeedsDeoptimization reports whether a frame must continue in the
// interpreter when control returns to it.
func (in *Instrumentation) NeedsDeoptimization(f *Frame) bool {
	if f.Interpreted || f.Method == nil {
		return false
	}
	return in.interpretOnly || in.IsDeoptimized(f.Method) || f.DebuggerShadowFrame
}

func (in *Instrumentation) instrumentAllStacks() {
	for _, t := range in.rt.threadList.Threads() {
		InstrumentThreadStack(t)
	}
}

func (in *Instrumentation) restoreAllStacks() {
	for _, t := range in.rt.threadList.Threads() {
		for _, f := range t.Frames() {
			f.ExitStub = false
		}
	}
}

// InstrumentThreadStack routes the return of every compiled frame of t
// through an exit stub. t must be suspended or be the caller.
func InstrumentThreadStack(t *Thread) int {
	n := 0
	for _, f := range t.Frames() {
		if !f.Interpreted && !f.ExitStub {
			f.ExitStub = true
			n++
		}
	}
	return n
}

// PopInstrumentationFrame pops the top frame of t, which returned through
// an exit stub, reports the exit and says whether the caller must continue
// in the interpreter.
func (in *Instrumentation) PopInstrumentationFrame(t *Thread, ret JValue) (deoptimizeCaller bool) {
	f := t.PopFrame()
	base.Check(f != nil && f.ExitStub, "popping a frame without an exit stub on %v", t)
	in.MethodExitEvent(t, f.This, f.Method, f.DexPC, ret)
	caller := t.TopFrame()
	return caller != nil && in.NeedsDeoptimization(caller)
}

func (in *Instrumentation) each(ev InstrumentationEvent, fn func(InstrumentationListener)) {
	if in.events&ev == 0 {
		return
	}
	for i := range in.listeners {
		if ev == 1<<i {
			for _, l := range in.listeners[i] {
				fn(l)
			}
			return
		}
	}
}

func (in *Instrumentation) MethodEnterEvent(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32) {
	in.each(EventMethodEntered, func(l InstrumentationListener) { l.MethodEntered(t, this, m, dexPC) })
}

func (in *Instrumentation) MethodExitEvent(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32, ret JValue) {
	in.each(EventMethodExited, func(l InstrumentationListener) { l.MethodExited(t, this, m, dexPC, ret) })
}

func (in *Instrumentation) MethodUnwindEvent(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32) {
	in.each(EventMethodUnwind, func(l InstrumentationListener) { l.MethodUnwind(t, this, m, dexPC) })
}

func (in *Instrumentation) DexPcMovedEvent(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32) {
	in.each(EventDexPcMoved, func(l InstrumentationListener) { l.DexPcMoved(t, this, m, dexPC) })
}

func (in *Instrumentation) FieldReadEvent(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32, f *Field) {
	in.each(EventFieldRead, func(l InstrumentationListener) { l.FieldRead(t, this, m, dexPC, f) })
}

func (in *Instrumentation) FieldWriteEvent(t *Thread, this mirror.Ref, m *mirror.ArtMethod, dexPC uint32, f *Field, v JValue) {
	in.each(EventFieldWritten, func(l InstrumentationListener) { l.FieldWritten(t, this, m, dexPC, f, v) })
}

// ExceptionCaughtEvent reports exc to the listeners with the exception
// cleared, then makes it pending again.
func (in *Instrumentation) ExceptionCaughtEvent(t *Thread, exc *Throwable) {
	if !in.HasListeners(EventExceptionCaught) {
		return
	}
	t.ClearException()
	in.each(EventExceptionCaught, func(l InstrumentationListener) { l.ExceptionCaught(t, exc) })
	t.SetException(exc)
}

func (in *Instrumentation) ExceptionHandledEvent(t *Thread, exc *Throwable) {
	in.each(EventExceptionHandled, func(l InstrumentationListener) { l.ExceptionHandled(t, exc) })
}

func (in *Instrumentation) BranchEvent(t *Thread, m *mirror.ArtMethod, dexPC uint32, offset int32) {
	in.each(EventBranch, func(l InstrumentationListener) { l.Branch(t, m, dexPC, offset) })
}

func (in *Instrumentation) InvokeVirtualOrInterfaceEvent(t *Thread, this mirror.Ref, caller *mirror.ArtMethod, dexPC uint32, callee *mirror.ArtMethod) {
	in.each(EventInvokeVirtualOrInterface, func(l InstrumentationListener) {
		l.InvokeVirtualOrInterface(t, this, caller, dexPC, callee)
	})
}
