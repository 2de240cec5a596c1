// Package runtime is the managed runtime the compiler and the debugger
// drive: attached threads and their suspension, class loading, string
// interning and method instrumentation on top of the gc heap.
package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// Options configure a runtime.
type Options struct {
	Logger *zap.SugaredLogger
	Heap   gc.Options

	// ImageLocation is the boot image the runtime was started against; the
	// spaces themselves are passed in ImageSpaces.
	ImageLocation string
	ImageSpaces   []*space.ImageSpace
	BootClassPath []*dex.File

	UseJIT bool
	// Deterministic makes heap layout and identity hash codes reproducible.
	Deterministic bool
	// StartDaemons starts the heap task processor.
	StartDaemons bool
}

// DefaultOptions returns the options of a runtime started without flags.
func DefaultOptions() Options {
	return Options{Heap: gc.DefaultOptions()}
}

var (
	instanceMu sync.Mutex
	instance   *Runtime
)

// Runtime is the process-wide runtime instance.
type Runtime struct {
	log  *zap.SugaredLogger
	opts Options

	locks           *Locks
	heap            *gc.Heap
	threadList      *ThreadList
	classLinker     *ClassLinker
	internTable     *InternTable
	instrumentation *Instrumentation
	mainThread      *Thread
	threadListener  atomic.Pointer[ThreadLifecycleListener]

	// shutdownMu guards the fields below it.
	shutdownMu       sync.Mutex
	shutdownCond     *sync.Cond
	shuttingDown     bool
	threadsBeingBorn int
}

// ThreadLifecycleListener is told when threads attach and detach.
type ThreadLifecycleListener interface {
	ThreadStarted(t *Thread)
	ThreadDied(t *Thread)
}

// SetThreadLifecycleListener installs l, replacing any previous listener.
// A nil l removes it.
func (rt *Runtime) SetThreadLifecycleListener(l ThreadLifecycleListener) {
	if l == nil {
		rt.threadListener.Store(nil)
		return
	}
	rt.threadListener.Store(&l)
}

func (rt *Runtime) lifecycleListener() ThreadLifecycleListener {
	if l := rt.threadListener.Load(); l != nil {
		return *l
	}
	return nil
}

// Current returns the runtime created by Create, or nil.
func Current() *Runtime {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Create starts the runtime: it builds the heap, attaches the calling
// goroutine as the main thread, bootstraps the class linker from the image
// spaces or from scratch and registers the boot class path. Only one
// runtime may exist at a time.
func Create(opts Options) (*Runtime, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return nil, errors.New("runtime already created")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	rt := &Runtime{log: log.Named("runtime"), opts: opts, locks: NewLocks()}
	rt.shutdownCond = sync.NewCond(&rt.shutdownMu)

	heapOpts := opts.Heap
	heapOpts.Logger = log
	heapOpts.Deterministic = heapOpts.Deterministic || opts.Deterministic
	heapOpts.ImageSpaces = append(heapOpts.ImageSpaces, opts.ImageSpaces...)
	heap, err := gc.NewHeap(heapOpts)
	if err != nil {
		return nil, errors.Wrap(err, "creating heap")
	}
	rt.heap = heap
	rt.threadList = newThreadList(rt)
	rt.internTable = newInternTable(rt)
	rt.classLinker = newClassLinker(rt)
	rt.instrumentation = newInstrumentation(rt)
	heap.SetThreadList(rt.threadList)
	heap.AddRootVisitor(rt.threadList)
	heap.AddRootVisitor(rt.classLinker)
	heap.AddRootVisitor(rt.internTable)
	heap.AddSystemWeakHolder(rt.internTable)
	heap.SetFinalizerRunner(rt.runFinalizers)

	main, err := rt.attach("main")
	if err != nil {
		_ = heap.Close()
		return nil, err
	}
	rt.mainThread = main
	if err := rt.initClassLinker(main); err != nil {
		rt.threadList.unregister(main)
		_ = heap.Close()
		return nil, errors.Wrap(err, "initializing class linker")
	}
	if opts.StartDaemons {
		heap.StartTaskProcessor()
	}
	rt.log.Infow("runtime created",
		"image", opts.ImageLocation,
		"boot_class_path", len(opts.BootClassPath),
		"classes", rt.classLinker.NumClasses(),
		"collector", heapOpts.ForegroundCollector.String())
	instance = rt
	return rt, nil
}

func (rt *Runtime) initClassLinker(self *Thread) error {
	cl := rt.classLinker
	images := rt.heap.ImageSpaces()
	if len(images) == 0 {
		if err := cl.initWithoutImage(self); err != nil {
			return err
		}
	} else {
		for _, sp := range images {
			if err := cl.AddImageSpace(self, sp); err != nil {
				return err
			}
		}
		rt.addImageStrings(images)
	}
	return cl.AppendDexFiles(self, rt.opts.BootClassPath...)
}

// addImageStrings interns every string object in the image spaces.
func (rt *Runtime) addImageStrings(images []*space.ImageSpace) {
	stringClass := rt.classLinker.LookupClass(StringDescriptor)
	if stringClass == nil {
		return
	}
	var strs []mirror.Ref
	for _, sp := range images {
		sp.Walk(func(obj mirror.Ref) {
			if mirror.ClassOf(rt.heap, obj) == stringClass.Ref {
				strs = append(strs, obj)
			}
		})
	}
	rt.internTable.AddImageStrings(strs)
}

// runFinalizers drains the references the collectors cleared. There is no
// interpreter to run finalize methods, so they are only counted.
func (rt *Runtime) runFinalizers() {
	if refs := rt.heap.TakeClearedReferences(); len(refs) > 0 {
		rt.log.Debugw("cleared references", "count", len(refs))
	}
}

// Shutdown waits for threads being born, stops collections and the task
// processor, detaches every thread and releases the heap. self is the
// calling thread and is detached too.
func (rt *Runtime) Shutdown(self *Thread) error {
	rt.shutdownMu.Lock()
	rt.shuttingDown = true
	for rt.threadsBeingBorn > 0 {
		rt.shutdownCond.Wait()
	}
	rt.shutdownMu.Unlock()

	rt.heap.DisableGCForShutdown()
	rt.heap.TaskProcessor().Stop()
	if self != nil && self.State() != StateTerminated {
		rt.threadList.unregister(self)
	}
	for _, t := range rt.threadList.Threads() {
		if t.State() == StateRunnable {
			rt.log.Warnw("thread still runnable at shutdown", "thread", t.String())
			continue
		}
		rt.threadList.unregister(t)
	}
	err := rt.heap.Close()

	instanceMu.Lock()
	if instance == rt {
		instance = nil
	}
	instanceMu.Unlock()
	rt.log.Infow("runtime shut down")
	return err
}

// IsShuttingDown reports whether Shutdown has started.
func (rt *Runtime) IsShuttingDown() bool {
	rt.shutdownMu.Lock()
	defer rt.shutdownMu.Unlock()
	return rt.shuttingDown
}

// StartThreadBirth announces a thread about to attach. It fails once
// shutdown has started.
func (rt *Runtime) StartThreadBirth() error {
	rt.shutdownMu.Lock()
	defer rt.shutdownMu.Unlock()
	if rt.shuttingDown {
		return errors.New("runtime is shutting down")
	}
	rt.threadsBeingBorn++
	return nil
}

// EndThreadBirth ends a birth started by StartThreadBirth.
func (rt *Runtime) EndThreadBirth() {
	rt.shutdownMu.Lock()
	defer rt.shutdownMu.Unlock()
	rt.threadsBeingBorn--
	if rt.threadsBeingBorn == 0 {
		rt.shutdownCond.Broadcast()
	}
}

func (rt *Runtime) attach(name string) (*Thread, error) {
	if err := rt.StartThreadBirth(); err != nil {
		return nil, err
	}
	defer rt.EndThreadBirth()
	t := rt.threadList.register(name)
	t.TransitionFromSuspendedToRunnable()
	rt.log.Debugw("attached thread", "thread", t.String())
	if l := rt.lifecycleListener(); l != nil {
		l.ThreadStarted(t)
	}
	return t, nil
}

// AttachCurrentThread attaches a new runnable thread for the calling
// goroutine.
func (rt *Runtime) AttachCurrentThread(name string) (*Thread, error) {
	return rt.attach(name)
}

// DetachCurrentThread detaches self, waiting until no one holds it
// suspended.
func (rt *Runtime) DetachCurrentThread(self *Thread) {
	if l := rt.lifecycleListener(); l != nil {
		l.ThreadDied(self)
	}
	rt.threadList.unregister(self)
	rt.log.Debugw("detached thread", "thread", self.String())
}

func (rt *Runtime) Logger() *zap.SugaredLogger           { return rt.log }
func (rt *Runtime) Options() Options                     { return rt.opts }
func (rt *Runtime) Locks() *Locks                        { return rt.locks }
func (rt *Runtime) Heap() *gc.Heap                       { return rt.heap }
func (rt *Runtime) ThreadList() *ThreadList              { return rt.threadList }
func (rt *Runtime) ClassLinker() *ClassLinker            { return rt.classLinker }
func (rt *Runtime) InternTable() *InternTable            { return rt.internTable }
func (rt *Runtime) Instrumentation() *Instrumentation    { return rt.instrumentation }
func (rt *Runtime) MainThread() *Thread                  { return rt.mainThread }
func (rt *Runtime) UseJIT() bool                         { return rt.opts.UseJIT }
func (rt *Runtime) ImageSpaces() []*space.ImageSpace     { return rt.heap.ImageSpaces() }
func (rt *Runtime) BootClassPath() []*dex.File           { return rt.opts.BootClassPath }
func (rt *Runtime) IsDeterministic() bool                { return rt.opts.Deterministic }
func (rt *Runtime) ProcessState() gc.ProcessState        { return rt.heap.ProcessState() }
func (rt *Runtime) UpdateProcessState(s gc.ProcessState) { rt.heap.UpdateProcessState(s) }
