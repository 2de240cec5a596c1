package debugger

import (
	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// Tag is the type tag of a value passed to or returned from an invoke.
type Tag byte

const (
	TagArray       Tag = '['
	TagByte        Tag = 'B'
	TagChar        Tag = 'C'
	TagObject      Tag = 'L'
	TagFloat       Tag = 'F'
	TagDouble      Tag = 'D'
	TagInt         Tag = 'I'
	TagLong        Tag = 'J'
	TagShort       Tag = 'S'
	TagVoid        Tag = 'V'
	TagBoolean     Tag = 'Z'
	TagString      Tag = 's'
	TagThread      Tag = 't'
	TagClassObject Tag = 'c'
)

// IsReference reports whether values with tag t are object ids.
func (t Tag) IsReference() bool {
	switch t {
	case TagArray, TagObject, TagString, TagThread, TagClassObject:
		return true
	}
	return false
}

// Value is a tagged value. References hold an ObjectID.
type Value struct {
	Tag Tag
	V   uint64
}

// InvokeOptions modify an invoke.
type InvokeOptions uint32

const (
	// InvokeSingleThreaded resumes only the invoking thread; the others
	// stay suspended during the call.
	InvokeSingleThreaded InvokeOptions = 1 << iota
	// InvokeNonvirtual calls the method itself rather than the receiver's
	// override.
	InvokeNonvirtual
)

// Invoker runs a method on a thread the debugger resumed for it.
type Invoker interface {
	Invoke(t *runtime.Thread, receiver mirror.Ref, m *mirror.ArtMethod, args []uint64) (runtime.JValue, *runtime.Throwable)
}

// interpreterInvoker runs no bytecode: it pushes an interpreted frame for
// the method, reports its entry and exit and returns zero.
type interpreterInvoker struct {
	rt *runtime.Runtime
}

func (i interpreterInvoker) Invoke(t *runtime.Thread, receiver mirror.Ref, m *mirror.ArtMethod, args []uint64) (runtime.JValue, *runtime.Throwable) {
	if m.IsAbstract() {
		return 0, &runtime.Throwable{Descriptor: "Ljava/lang/AbstractMethodError;", Message: m.PrettyMethod()}
	}
	in := i.rt.Instrumentation()
	t.PushFrame(&runtime.Frame{Method: m, This: receiver, Interpreted: true})
	in.MethodEnterEvent(t, receiver, m, 0)
	in.MethodExitEvent(t, receiver, m, 0, 0)
	t.PopFrame()
	return 0, nil
}

// InvokeRequest is a method call the debugger asked an event-suspended
// thread to make.
type InvokeRequest struct {
	Thread   *runtime.Thread
	Receiver mirror.Ref
	Method   *mirror.ArtMethod
	Options  InvokeOptions

	// Set once Done is closed.
	Result      Value
	Exception   *runtime.Throwable
	ExceptionID ObjectID

	args []uint64
	done chan struct{}
}

// Done is closed when the invoke has finished and the thread is suspended
// again.
func (r *InvokeRequest) Done() <-chan struct{} { return r.done }

// Wait blocks until the invoke has finished.
func (r *InvokeRequest) Wait() (Value, *runtime.Throwable) {
	<-r.done
	return r.Result, r.Exception
}

// eventThread is a thread parked by SuspendForEvent.
type eventThread struct {
	ready  bool
	invoke *InvokeRequest
}

// IsEventSuspended reports whether t is parked in SuspendForEvent and can
// take an invoke.
func (d *Debugger) IsEventSuspended(t *runtime.Thread) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	et := d.eventThreads[t]
	return et != nil && et.ready && et.invoke == nil
}

// SuspendForEvent parks self, which just reported an event, until the
// debugger resumes it. With suspendAll the other threads are stopped as
// well. While parked, self runs the methods the debugger asks for with
// PrepareInvoke, parking again after each.
func (d *Debugger) SuspendForEvent(self *runtime.Thread, suspendAll bool) {
	tl := d.rt.ThreadList()
	if suspendAll {
		tl.SuspendAllForDebugger(self)
	}
	var finished *InvokeRequest
	for {
		prev := finished
		tl.SuspendSelfForDebugger(self, func() {
			d.mu.Lock()
			d.eventThreads[self] = &eventThread{ready: true}
			d.mu.Unlock()
			if prev != nil {
				close(prev.done)
			}
		})
		req := d.takeInvoke(self)
		if req == nil {
			return
		}
		d.runInvoke(self, req)
		finished = req
	}
}

func (d *Debugger) takeInvoke(self *runtime.Thread) *InvokeRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	et := d.eventThreads[self]
	if et == nil || et.invoke == nil {
		delete(d.eventThreads, self)
		return nil
	}
	et.ready = false
	return et.invoke
}

func (d *Debugger) runInvoke(self *runtime.Thread, req *InvokeRequest) {
	saved := self.Exception()
	self.ClearException()
	ret, exc := d.invoker.Invoke(self, req.Receiver, req.Method, req.args)
	req.Result = Value{Tag: Tag(req.Method.Shorty()[0]), V: uint64(ret)}
	if exc == nil && self.IsExceptionPending() {
		exc = self.Exception()
	}
	if exc != nil {
		req.Exception = exc
		req.ExceptionID = d.registry.Add(exc.Object)
		req.Result = Value{Tag: TagObject}
	}
	self.ClearException()
	if saved != nil {
		self.SetException(saved)
	}
	d.log.Debugw("invoke finished", "thread", self.Name(), "method", req.Method.PrettyMethod(),
		"result", req.Result.V, "exception", exc)
	if req.Options&InvokeSingleThreaded == 0 {
		d.rt.ThreadList().SuspendAllForDebugger(self)
	}
}

// PrepareInvoke asks the event-suspended thread t to call m and resumes
// it, or every thread unless opts has InvokeSingleThreaded. Arguments are
// checked against m's parameters: primitives by tag, references by
// assignability of the object's class.
func (d *Debugger) PrepareInvoke(self, t *runtime.Thread, receiver ObjectID, m *mirror.ArtMethod, args []Value, opts InvokeOptions) (*InvokeRequest, error) {
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}
	if err := d.checkInvokable(t); err != nil {
		return nil, err
	}
	req, err := d.resolveInvoke(self, receiver, m, args, opts)
	if err != nil {
		return nil, err
	}
	req.Thread = t
	d.mu.Lock()
	if err := d.checkInvokableLocked(t); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.eventThreads[t].invoke = req
	d.mu.Unlock()

	tl := d.rt.ThreadList()
	if opts&InvokeSingleThreaded != 0 {
		tl.ResumeThread(self, t, true)
	} else {
		tl.UndoDebuggerSuspensions(self)
	}
	return req, nil
}

func (d *Debugger) checkInvokable(t *runtime.Thread) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkInvokableLocked(t)
}

func (d *Debugger) checkInvokableLocked(t *runtime.Thread) error {
	et := d.eventThreads[t]
	switch {
	case et != nil && et.invoke != nil:
		return errors.Wrapf(ErrAlreadyInvoking, "%v", t)
	case et == nil || !et.ready:
		return errors.Wrapf(ErrThreadNotSuspended, "%v", t)
	}
	return nil
}

func parameterDescriptors(m *mirror.ArtMethod) []string {
	if m.DexFile == nil {
		return nil
	}
	f := m.DexFile
	var out []string
	for _, idx := range f.ParameterTypes(uint32(f.Method(m.DexMethodIndex).ProtoIdx)) {
		out = append(out, f.TypeDescriptor(idx))
	}
	return out
}

// classOf returns the loaded class of obj.
func (d *Debugger) classOf(obj mirror.Ref) *runtime.Class {
	return d.rt.ClassLinker().ClassForRef(mirror.ClassOf(d.rt.Heap(), obj))
}

func (d *Debugger) resolveInvoke(self *runtime.Thread, receiver ObjectID, m *mirror.ArtMethod, args []Value, opts InvokeOptions) (*InvokeRequest, error) {
	cl := d.rt.ClassLinker()
	req := &InvokeRequest{Method: m, Options: opts, done: make(chan struct{})}
	if !m.IsStatic() {
		obj, err := d.registry.Get(receiver)
		if err != nil {
			return nil, errors.Wrap(err, "receiver")
		}
		if obj == 0 {
			return nil, errors.Wrapf(ErrInvalidObject, "null receiver for %s", m.PrettyMethod())
		}
		k, declaring := d.classOf(obj), cl.DeclaringClass(m)
		if k == nil || declaring == nil || !declaring.IsAssignableFrom(k) {
			return nil, errors.Wrapf(ErrTypeMismatch, "receiver of %s", m.PrettyMethod())
		}
		req.Receiver = obj
		if opts&InvokeNonvirtual == 0 && !m.IsDirect() && m.DexFile != nil {
			if impl := k.FindMethod(m.Name(), m.DexFile.MethodSignature(m.DexMethodIndex)); impl != nil {
				req.Method = impl
			}
		}
	}
	params := parameterDescriptors(m)
	if len(args) != len(params) {
		return nil, errors.Wrapf(ErrIllegalArgument, "%s takes %d arguments, got %d",
			m.PrettyMethod(), len(params), len(args))
	}
	for i, a := range args {
		desc := params[i]
		if desc[0] != 'L' && desc[0] != '[' {
			if a.Tag != Tag(desc[0]) {
				return nil, errors.Wrapf(ErrTypeMismatch, "argument %d: %c for %s", i, a.Tag, desc)
			}
			req.args = append(req.args, a.V)
			continue
		}
		if !a.Tag.IsReference() {
			return nil, errors.Wrapf(ErrTypeMismatch, "argument %d: %c for %s", i, a.Tag, desc)
		}
		if a.V == 0 {
			req.args = append(req.args, 0)
			continue
		}
		obj, err := d.registry.Get(ObjectID(a.V))
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		want, err := cl.FindClass(self, desc)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		if k := d.classOf(obj); k == nil || !want.IsAssignableFrom(k) {
			return nil, errors.Wrapf(ErrTypeMismatch, "argument %d: %v for %s", i, k, desc)
		}
		req.args = append(req.args, uint64(obj))
	}
	return req, nil
}
