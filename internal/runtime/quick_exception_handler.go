package runtime

import (
	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// CatchResult is where a thrown exception lands.
type CatchResult struct {
	// Depth is the index of the catching frame in the thread's stack, or
	// -1 when no frame catches the exception.
	Depth     int
	Method    *mirror.ArtMethod
	HandlerPC uint32
	// Deoptimize is set when the catching frame continues in the
	// interpreter.
	Deoptimize bool
}

// Caught reports whether a handler was found.
func (r CatchResult) Caught() bool { return r.Depth >= 0 }

// QuickExceptionHandler delivers an exception to the first frame of a
// thread with a matching handler.
type QuickExceptionHandler struct {
	self *Thread
	rt   *Runtime
}

// NewQuickExceptionHandler returns a handler for exceptions raised on self.
func NewQuickExceptionHandler(self *Thread) *QuickExceptionHandler {
	return &QuickExceptionHandler{self: self, rt: self.rt}
}

// exceptionClass resolves the class of exc, or nil if it cannot be loaded.
func (h *QuickExceptionHandler) exceptionClass(exc *Throwable) *Class {
	cl := h.rt.classLinker
	if exc.Object != 0 {
		if k := cl.ClassForRef(mirror.ClassOf(h.rt.heap, exc.Object)); k != nil {
			return k
		}
	}
	if k := cl.LookupClass(exc.Descriptor); k != nil {
		return k
	}
	k, err := cl.FindClass(h.self, exc.Descriptor)
	if err != nil {
		return nil
	}
	return k
}

// catches reports whether handler type idx of m's dex file accepts exc.
func (h *QuickExceptionHandler) catches(m *mirror.ArtMethod, typeIdx uint32, excClass *Class, exc *Throwable) bool {
	if typeIdx == dex.NoIndex {
		return true
	}
	desc := m.DexFile.TypeDescriptor(typeIdx)
	if desc == exc.Descriptor || desc == ThrowableDescriptor || desc == ObjectDescriptor {
		return true
	}
	if excClass == nil {
		return false
	}
	handlerClass, err := h.rt.classLinker.ResolveType(h.self, m.DexFile, typeIdx)
	if err != nil {
		// An unresolvable handler type catches nothing.
		return false
	}
	return handlerClass.IsAssignableFrom(excClass)
}

// FindCatch walks the stack from the top and returns the first frame with a
// handler for exc at its current dex pc. The stack is not changed.
func (h *QuickExceptionHandler) FindCatch(exc *Throwable) (CatchResult, error) {
	// Resolving handler types may allocate, which a pending exception
	// forbids.
	if pending := h.self.Exception(); pending != nil {
		h.self.ClearException()
		defer h.self.SetException(pending)
	}
	defer h.rt.classLinker.pushRoot(h.self, &exc.Object)()
	excClass := h.exceptionClass(exc)
	frames := h.self.Frames()
	for depth := len(frames) - 1; depth >= 0; depth-- {
		f := frames[depth]
		m := f.Method
		if m == nil || m.IsNative() || m.IsRuntimeMethod() || m.CodeItemOffset == 0 {
			continue
		}
		ci, err := m.CodeItem()
		if err != nil {
			return CatchResult{Depth: -1}, errors.Wrapf(err, "code of %s", m.PrettyMethod())
		}
		for _, handler := range m.DexFile.Handlers(ci, f.DexPC) {
			if h.catches(m, handler.TypeIdx, excClass, exc) {
				return CatchResult{
					Depth:      depth,
					Method:     m,
					HandlerPC:  handler.HandlerPC,
					Deoptimize: h.rt.instrumentation.NeedsDeoptimization(f),
				}, nil
			}
		}
	}
	return CatchResult{Depth: -1}, nil
}

// DeliverException reports the pending exception, unwinds every frame above
// the catching one and moves that frame to its handler. Without a handler
// the whole stack is unwound and the exception stays pending.
func (h *QuickExceptionHandler) DeliverException() (CatchResult, error) {
	exc := h.self.Exception()
	if exc == nil {
		return CatchResult{Depth: -1}, errors.New("no pending exception")
	}
	in := h.rt.instrumentation
	in.ExceptionCaughtEvent(h.self, exc)
	res, err := h.FindCatch(exc)
	if err != nil {
		return res, err
	}
	for h.self.StackDepth() > res.Depth+1 {
		f := h.self.PopFrame()
		in.MethodUnwindEvent(h.self, f.This, f.Method, f.DexPC)
	}
	if !res.Caught() {
		return res, nil
	}
	top := h.self.TopFrame()
	top.DexPC = res.HandlerPC
	if res.Deoptimize {
		top.Interpreted = true
		top.ExitStub = false
	}
	in.ExceptionHandledEvent(h.self, exc)
	return res, nil
}
