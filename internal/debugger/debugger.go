// Package debugger is the runtime side of a debugger connection: it keeps
// breakpoints and single-step controls, turns them into deoptimization and
// event requests for the instrumentation, runs methods on behalf of the
// debugger and serves DDM chunks.
package debugger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// instrumentationKey names the debugger's requests to the instrumentation.
const instrumentationKey = "debugger"

var (
	ErrNotConnected       = errors.New("debugger is not connected")
	ErrAlreadyConnected   = errors.New("debugger is already connected")
	ErrThreadNotSuspended = errors.New("thread is not suspended by an event")
	ErrAlreadyInvoking    = errors.New("thread is already invoking a method")
	ErrIllegalArgument    = errors.New("illegal argument")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrInvalidObject      = errors.New("invalid object")
	ErrInvalidLocation    = errors.New("invalid location")
	ErrNoSuchBreakpoint   = errors.New("no such breakpoint")
	ErrNoFrames           = errors.New("thread has no frames")
	ErrInvalidSlot        = errors.New("invalid local slot")
)

// Location is a bytecode position. Method is nil for an unknown location,
// such as the catch location of an uncaught exception.
type Location struct {
	Method *mirror.ArtMethod
	DexPC  uint32
}

func (l Location) String() string {
	if l.Method == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s@%d", l.Method.PrettyMethod(), l.DexPC)
}

// EventFlags are the reasons a location event is reported.
type EventFlags uint32

const (
	EventBreakpoint EventFlags = 1 << iota
	EventSingleStep
	EventMethodEntry
	EventMethodExit
)

// EventSink receives what the debugger reports. Calls arrive on the
// thread the event happened on, with no debugger locks held.
type EventSink interface {
	LocationEvent(t *runtime.Thread, loc Location, this mirror.Ref, flags EventFlags, ret runtime.JValue)
	FieldEvent(t *runtime.Thread, loc Location, this mirror.Ref, f *runtime.Field, write bool, v runtime.JValue)
	ExceptionEvent(t *runtime.Thread, throw Location, exc *runtime.Throwable, catch Location)
	ThreadEvent(t *runtime.Thread, started bool)
	Chunk(tag ChunkType, data []byte)
}

// NopEventSink drops every event.
type NopEventSink struct{}

func (NopEventSink) LocationEvent(*runtime.Thread, Location, mirror.Ref, EventFlags, runtime.JValue)        {}
func (NopEventSink) FieldEvent(*runtime.Thread, Location, mirror.Ref, *runtime.Field, bool, runtime.JValue) {}
func (NopEventSink) ExceptionEvent(*runtime.Thread, Location, *runtime.Throwable, Location)                 {}
func (NopEventSink) ThreadEvent(*runtime.Thread, bool)                                                      {}
func (NopEventSink) Chunk(ChunkType, []byte)                                                                {}

// Options configure a Debugger.
type Options struct {
	Logger  *zap.SugaredLogger
	Sink    EventSink
	Invoker Invoker

	// AllocRecordMax bounds the allocation records kept while tracking is
	// on; the oldest are dropped first.
	AllocRecordMax int
	// AllocStackDepth is how many frames each allocation record keeps.
	AllocStackDepth int
	// Now stamps heap info chunks.
	Now func() time.Time
}

const (
	defaultAllocRecordMax  = 64 << 10
	defaultAllocStackDepth = 16
)

// Debugger is the runtime's debugger state. There is one per runtime.
type Debugger struct {
	rt      *runtime.Runtime
	log     *zap.SugaredLogger
	locks   *runtime.Locks
	sink    EventSink
	invoker Invoker
	now     func() time.Time

	connected atomic.Bool
	listener  *listener
	// listening is the set of events the listener is registered for. It
	// only changes with every thread suspended.
	listening atomic.Uint32

	// Guarded by Locks.Breakpoint.
	breakpoints []Breakpoint

	// Guarded by Locks.Deoptimization.
	requests            []DeoptimizationRequest
	eventRefs           [32]int
	fullDeoptimizations int
	processed           [numRequestKinds]int
	onProcess           func(self *runtime.Thread, req DeoptimizationRequest)

	// mu guards the per-thread state below. It is never held across calls
	// into the runtime or the sink.
	mu           sync.Mutex
	steps        map[*runtime.Thread]*SingleStepControl
	methodEntry  map[*runtime.Thread]*mirror.ArtMethod
	eventThreads map[*runtime.Thread]*eventThread

	registry *ObjectRegistry
	ddm      *ddm
	allocs   *AllocRecords
}

// New creates the debugger of rt. It registers the object registry with
// the heap, so it must be called once per runtime.
func New(rt *runtime.Runtime, opts Options) *Debugger {
	log := opts.Logger
	if log == nil {
		log = rt.Logger()
	}
	d := &Debugger{
		rt:           rt,
		log:          log.Named("debugger"),
		locks:        rt.Locks(),
		sink:         opts.Sink,
		invoker:      opts.Invoker,
		now:          opts.Now,
		steps:        make(map[*runtime.Thread]*SingleStepControl),
		methodEntry:  make(map[*runtime.Thread]*mirror.ArtMethod),
		eventThreads: make(map[*runtime.Thread]*eventThread),
	}
	if d.sink == nil {
		d.sink = NopEventSink{}
	}
	if d.invoker == nil {
		d.invoker = interpreterInvoker{rt: rt}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if opts.AllocRecordMax <= 0 {
		opts.AllocRecordMax = defaultAllocRecordMax
	}
	if opts.AllocStackDepth <= 0 {
		opts.AllocStackDepth = defaultAllocStackDepth
	}
	d.listener = &listener{d: d}
	d.registry = newObjectRegistry()
	d.allocs = newAllocRecords(d, opts.AllocRecordMax, opts.AllocStackDepth)
	d.ddm = newDDM(d)

	h := rt.Heap()
	h.AddRootVisitor(d.registry)
	h.AddSystemWeakHolder(d.registry)
	h.AddGCListener(d.ddm)
	return d
}

// Runtime returns the runtime d debugs.
func (d *Debugger) Runtime() *runtime.Runtime { return d.rt }

// Registry returns the object registry.
func (d *Debugger) Registry() *ObjectRegistry { return d.registry }

// AllocRecords returns the allocation tracker.
func (d *Debugger) AllocRecords() *AllocRecords { return d.allocs }

// IsConnected reports whether a debugger is attached.
func (d *Debugger) IsConnected() bool { return d.connected.Load() }

// Connect attaches a debugger served by self. self is exempt from the
// suspensions the debugger asks for.
func (d *Debugger) Connect(self *runtime.Thread) error {
	if !d.connected.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	tl := d.rt.ThreadList()
	resume := tl.ScopedSuspendAll(self, "debugger connect")
	d.rt.Instrumentation().EnableDeoptimization(self)
	resume()
	tl.SetDebuggerThread(self)
	d.rt.SetThreadLifecycleListener(d)
	d.log.Infow("debugger connected", "thread", self.Name())
	return nil
}

// Disconnect drops every breakpoint, step and suspension the debugger
// made and restores compiled code.
func (d *Debugger) Disconnect(self *runtime.Thread) {
	if !d.connected.CompareAndSwap(true, false) {
		return
	}
	held := self.Locks()
	d.locks.Breakpoint.ExclusiveLock(held)
	d.breakpoints = nil
	d.locks.Breakpoint.ExclusiveUnlock(held)

	d.locks.Deoptimization.Lock(held)
	d.requests = nil
	d.eventRefs = [32]int{}
	d.fullDeoptimizations = 0
	d.locks.Deoptimization.Unlock(held)

	d.mu.Lock()
	clear(d.steps)
	clear(d.methodEntry)
	d.mu.Unlock()

	tl := d.rt.ThreadList()
	tl.UndoDebuggerSuspensions(self)
	resume := tl.ScopedSuspendAll(self, "debugger disconnect")
	in := d.rt.Instrumentation()
	in.RemoveListener(self, d.listener, runtime.InstrumentationEvent(d.listening.Load()))
	d.listening.Store(0)
	in.DisableDeoptimization(self, instrumentationKey)
	resume()

	tl.SetDebuggerThread(nil)
	d.rt.SetThreadLifecycleListener(nil)
	d.registry.Clear()
	d.ddm.reset()
	d.allocs.SetTracking(false)
	d.log.Infow("debugger disconnected")
}

// ThreadStarted reports a new thread to the sink.
func (d *Debugger) ThreadStarted(t *runtime.Thread) {
	if !d.IsConnected() {
		return
	}
	d.sink.ThreadEvent(t, true)
	d.ddm.threadNotify(t, true)
}

// ThreadDied drops the state kept for t and reports its end.
func (d *Debugger) ThreadDied(t *runtime.Thread) {
	d.mu.Lock()
	delete(d.steps, t)
	delete(d.methodEntry, t)
	delete(d.eventThreads, t)
	d.mu.Unlock()
	if !d.IsConnected() {
		return
	}
	d.sink.ThreadEvent(t, false)
	d.ddm.threadNotify(t, false)
}
