package debugger

import (
	"fmt"
	"math/bits"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// RequestKind is what a deoptimization request asks of the
// instrumentation.
type RequestKind int

const (
	RequestNothing RequestKind = iota
	RequestRegisterForEvent
	RequestUnregisterForEvent
	RequestFullDeoptimization
	RequestFullUndeoptimization
	RequestSelectiveDeoptimization
	RequestSelectiveUndeoptimization
	numRequestKinds
)

var requestKindNames = [numRequestKinds]string{
	RequestNothing:                   "Nothing",
	RequestRegisterForEvent:          "RegisterForEvent",
	RequestUnregisterForEvent:        "UnregisterForEvent",
	RequestFullDeoptimization:        "FullDeoptimization",
	RequestFullUndeoptimization:      "FullUndeoptimization",
	RequestSelectiveDeoptimization:   "SelectiveDeoptimization",
	RequestSelectiveUndeoptimization: "SelectiveUndeoptimization",
}

func (k RequestKind) String() string {
	if k >= 0 && k < numRequestKinds {
		return requestKindNames[k]
	}
	return fmt.Sprintf("RequestKind(%d)", int(k))
}

// DeoptimizationRequest is one queued change to the instrumentation.
// Events is set for the event kinds, Method for the selective ones.
type DeoptimizationRequest struct {
	Kind   RequestKind
	Events runtime.InstrumentationEvent
	Method *mirror.ArtMethod
}

func (r DeoptimizationRequest) String() string {
	switch r.Kind {
	case RequestRegisterForEvent, RequestUnregisterForEvent:
		return fmt.Sprintf("%v(%v)", r.Kind, r.Events)
	case RequestSelectiveDeoptimization, RequestSelectiveUndeoptimization:
		return fmt.Sprintf("%v(%s)", r.Kind, r.Method.PrettyMethod())
	}
	return r.Kind.String()
}

// RequestDeoptimization queues req. Event registrations and full
// deoptimization are reference counted: only the first registration and
// the last unregistration of an event reach the instrumentation, and
// likewise for full deoptimization.
func (d *Debugger) RequestDeoptimization(self *runtime.Thread, req DeoptimizationRequest) {
	if req.Kind == RequestNothing {
		return
	}
	held := self.Locks()
	d.locks.Deoptimization.Lock(held)
	defer d.locks.Deoptimization.Unlock(held)
	d.requestDeoptimizationLocked(req)
}

func (d *Debugger) requestDeoptimizationLocked(req DeoptimizationRequest) {
	switch req.Kind {
	case RequestRegisterForEvent:
		var first runtime.InstrumentationEvent
		forEachEvent(req.Events, func(i int) {
			if d.eventRefs[i] == 0 {
				first |= 1 << i
			}
			d.eventRefs[i]++
		})
		if first != 0 {
			d.requests = append(d.requests, DeoptimizationRequest{Kind: req.Kind, Events: first})
		}
	case RequestUnregisterForEvent:
		var last runtime.InstrumentationEvent
		forEachEvent(req.Events, func(i int) {
			base.Check(d.eventRefs[i] > 0, "unregistering from %v without a registration",
				runtime.InstrumentationEvent(1<<i))
			d.eventRefs[i]--
			if d.eventRefs[i] == 0 {
				last |= 1 << i
			}
		})
		if last != 0 {
			d.requests = append(d.requests, DeoptimizationRequest{Kind: req.Kind, Events: last})
		}
	case RequestFullDeoptimization:
		d.fullDeoptimizations++
		if d.fullDeoptimizations == 1 {
			d.requests = append(d.requests, req)
		}
	case RequestFullUndeoptimization:
		base.Check(d.fullDeoptimizations > 0, "full undeoptimization without full deoptimization")
		d.fullDeoptimizations--
		if d.fullDeoptimizations == 0 {
			d.requests = append(d.requests, req)
		}
	case RequestSelectiveDeoptimization, RequestSelectiveUndeoptimization:
		base.Check(req.Method != nil, "%v without a method", req.Kind)
		d.requests = append(d.requests, req)
	default:
		base.Fatalf("unknown deoptimization request %v", req.Kind)
	}
}

func forEachEvent(mask runtime.InstrumentationEvent, fn func(i int)) {
	for m := uint32(mask); m != 0; m &= m - 1 {
		fn(bits.TrailingZeros32(m))
	}
}

// ManageDeoptimization applies every queued request. The requests are
// processed with all other threads suspended and no collection running;
// self must be runnable.
func (d *Debugger) ManageDeoptimization(self *runtime.Thread) {
	held := self.Locks()
	d.locks.Deoptimization.Lock(held)
	pending := len(d.requests)
	d.locks.Deoptimization.Unlock(held)
	if pending == 0 {
		return
	}
	restore := self.ScopedThreadStateChange(runtime.StateWaitingForDeoptimization)
	defer restore()
	d.rt.Heap().GCCriticalSection(self, gccause.Debugger, gccause.CollectorDebugger, func() {
		tl := d.rt.ThreadList()
		tl.SuspendAll(self, "deoptimization")
		defer tl.ResumeAll(self)
		d.locks.Deoptimization.Lock(held)
		defer d.locks.Deoptimization.Unlock(held)
		for _, req := range d.requests {
			d.processRequest(self, req)
		}
		d.requests = nil
	})
}

func (d *Debugger) processRequest(self *runtime.Thread, req DeoptimizationRequest) {
	in := d.rt.Instrumentation()
	d.log.Debugw("processing deoptimization request", "request", req)
	switch req.Kind {
	case RequestRegisterForEvent:
		in.AddListener(self, d.listener, req.Events)
		d.listening.Store(d.listening.Load() | uint32(req.Events))
	case RequestUnregisterForEvent:
		in.RemoveListener(self, d.listener, req.Events)
		d.listening.Store(d.listening.Load() &^ uint32(req.Events))
	case RequestFullDeoptimization:
		in.DeoptimizeEverything(self, instrumentationKey)
	case RequestFullUndeoptimization:
		in.UndeoptimizeEverything(self, instrumentationKey)
	case RequestSelectiveDeoptimization:
		in.Deoptimize(self, req.Method)
	case RequestSelectiveUndeoptimization:
		in.Undeoptimize(self, req.Method)
	}
	d.processed[req.Kind]++
	if d.onProcess != nil {
		d.onProcess(self, req)
	}
}

// PendingRequests returns the queued requests.
func (d *Debugger) PendingRequests(self *runtime.Thread) []DeoptimizationRequest {
	held := self.Locks()
	d.locks.Deoptimization.Lock(held)
	defer d.locks.Deoptimization.Unlock(held)
	return append([]DeoptimizationRequest(nil), d.requests...)
}

// ProcessedRequests returns how many requests of kind k reached the
// instrumentation.
func (d *Debugger) ProcessedRequests(self *runtime.Thread, k RequestKind) int {
	held := self.Locks()
	d.locks.Deoptimization.Lock(held)
	defer d.locks.Deoptimization.Unlock(held)
	return d.processed[k]
}

// isListening reports whether the listener receives ev.
func (d *Debugger) isListening(ev runtime.InstrumentationEvent) bool {
	return runtime.InstrumentationEvent(d.listening.Load())&ev != 0
}
