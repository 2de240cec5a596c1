package debugger

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// DeoptimizationKind is what a breakpoint needs so that its method runs in
// the interpreter, where breakpoints are checked.
type DeoptimizationKind int

const (
	// DeoptimizationNothing: the method has no compiled code and always
	// runs in the interpreter.
	DeoptimizationNothing DeoptimizationKind = iota
	// DeoptimizationSelective deoptimizes the method alone.
	DeoptimizationSelective
	// DeoptimizationFull deoptimizes everything. Default methods need it:
	// their copies in implementing classes are separate methods that a
	// selective deoptimization would miss.
	DeoptimizationFull
)

func (k DeoptimizationKind) String() string {
	switch k {
	case DeoptimizationNothing:
		return "nothing"
	case DeoptimizationSelective:
		return "selective"
	case DeoptimizationFull:
		return "full"
	}
	return fmt.Sprintf("DeoptimizationKind(%d)", int(k))
}

// Breakpoint is a location the debugger stops at. Method is always the
// canonical method, so that a breakpoint in a default method matches its
// copies too.
type Breakpoint struct {
	Method *mirror.ArtMethod
	DexPC  uint32
	Kind   DeoptimizationKind
}

// requiredDeoptimizationKind returns the deoptimization a new breakpoint
// in the canonical method m needs.
func requiredDeoptimizationKind(m *mirror.ArtMethod) DeoptimizationKind {
	switch {
	case m.IsDefault():
		return DeoptimizationFull
	case m.HasCompiledCode():
		return DeoptimizationSelective
	}
	return DeoptimizationNothing
}

// Breakpoints returns the breakpoints in the order they were set.
func (d *Debugger) Breakpoints(self *runtime.Thread) []Breakpoint {
	held := self.Locks()
	d.locks.Breakpoint.SharedLock(held)
	defer d.locks.Breakpoint.SharedUnlock(held)
	return append([]Breakpoint(nil), d.breakpoints...)
}

// IsBreakpoint reports whether a breakpoint is set at pc in m or in the
// method m was copied from.
func (d *Debugger) IsBreakpoint(self *runtime.Thread, m *mirror.ArtMethod, pc uint32) bool {
	m = m.CanonicalMethod()
	held := self.Locks()
	d.locks.Breakpoint.SharedLock(held)
	defer d.locks.Breakpoint.SharedUnlock(held)
	for _, b := range d.breakpoints {
		if b.Method == m && b.DexPC == pc {
			return true
		}
	}
	return false
}

// breakpointKindLocked returns the kind of an existing breakpoint in m.
// Locks.Breakpoint must be held.
func (d *Debugger) breakpointKindLocked(m *mirror.ArtMethod) (DeoptimizationKind, bool) {
	for _, b := range d.breakpoints {
		if b.Method == m {
			return b.Kind, true
		}
	}
	return DeoptimizationNothing, false
}

func validateLocation(m *mirror.ArtMethod, pc uint32) error {
	if m == nil || m.IsNative() || m.IsAbstract() || m.IsRuntimeMethod() {
		return errors.Wrapf(ErrInvalidLocation, "%v", Location{m, pc})
	}
	ci, err := m.CodeItem()
	if err != nil {
		return errors.Wrapf(err, "reading code of %s", m.PrettyMethod())
	}
	if ci == nil || int(pc) >= len(ci.Insns) {
		return errors.Wrapf(ErrInvalidLocation, "%v", Location{m, pc})
	}
	return nil
}

// WatchLocation adds a breakpoint at pc in m and returns the
// deoptimization request it needs. Only the first breakpoint in a method
// needs one; later ones reuse its kind.
func (d *Debugger) WatchLocation(self *runtime.Thread, m *mirror.ArtMethod, pc uint32) (DeoptimizationRequest, error) {
	if err := validateLocation(m, pc); err != nil {
		return DeoptimizationRequest{}, err
	}
	m = m.CanonicalMethod()
	held := self.Locks()
	d.locks.Breakpoint.ExclusiveLock(held)
	defer d.locks.Breakpoint.ExclusiveUnlock(held)
	var req DeoptimizationRequest
	kind, existing := d.breakpointKindLocked(m)
	if !existing {
		kind = requiredDeoptimizationKind(m)
		switch kind {
		case DeoptimizationFull:
			req.Kind = RequestFullDeoptimization
		case DeoptimizationSelective:
			req = DeoptimizationRequest{Kind: RequestSelectiveDeoptimization, Method: m}
		}
	}
	d.breakpoints = append(d.breakpoints, Breakpoint{Method: m, DexPC: pc, Kind: kind})
	d.log.Debugw("added breakpoint", "location", Location{m, pc}, "kind", kind)
	return req, nil
}

// UnwatchLocation removes one breakpoint at pc in m and returns the
// request undoing its deoptimization when it was the method's last.
func (d *Debugger) UnwatchLocation(self *runtime.Thread, m *mirror.ArtMethod, pc uint32) (DeoptimizationRequest, error) {
	m = m.CanonicalMethod()
	held := self.Locks()
	d.locks.Breakpoint.ExclusiveLock(held)
	defer d.locks.Breakpoint.ExclusiveUnlock(held)
	i := -1
	for j, b := range d.breakpoints {
		if b.Method == m && b.DexPC == pc {
			i = j
			break
		}
	}
	if i < 0 {
		return DeoptimizationRequest{}, errors.Wrapf(ErrNoSuchBreakpoint, "%v", Location{m, pc})
	}
	kind := d.breakpoints[i].Kind
	d.breakpoints = append(d.breakpoints[:i], d.breakpoints[i+1:]...)
	var req DeoptimizationRequest
	if _, more := d.breakpointKindLocked(m); !more {
		switch kind {
		case DeoptimizationFull:
			req.Kind = RequestFullUndeoptimization
		case DeoptimizationSelective:
			req = DeoptimizationRequest{Kind: RequestSelectiveUndeoptimization, Method: m}
		}
	}
	return req, nil
}

// SetBreakpoint adds a breakpoint and applies the deoptimization and the
// event registration it needs.
func (d *Debugger) SetBreakpoint(self *runtime.Thread, m *mirror.ArtMethod, pc uint32) (DeoptimizationKind, error) {
	if !d.IsConnected() {
		return DeoptimizationNothing, ErrNotConnected
	}
	req, err := d.WatchLocation(self, m, pc)
	if err != nil {
		return DeoptimizationNothing, err
	}
	d.RequestDeoptimization(self, DeoptimizationRequest{Kind: RequestRegisterForEvent, Events: runtime.EventDexPcMoved})
	d.RequestDeoptimization(self, req)
	d.ManageDeoptimization(self)
	kind, _ := d.breakpointKind(self, m.CanonicalMethod())
	return kind, nil
}

// ClearBreakpoint undoes one SetBreakpoint.
func (d *Debugger) ClearBreakpoint(self *runtime.Thread, m *mirror.ArtMethod, pc uint32) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}
	req, err := d.UnwatchLocation(self, m, pc)
	if err != nil {
		return err
	}
	d.RequestDeoptimization(self, req)
	d.RequestDeoptimization(self, DeoptimizationRequest{Kind: RequestUnregisterForEvent, Events: runtime.EventDexPcMoved})
	d.ManageDeoptimization(self)
	return nil
}

func (d *Debugger) breakpointKind(self *runtime.Thread, m *mirror.ArtMethod) (DeoptimizationKind, bool) {
	held := self.Locks()
	d.locks.Breakpoint.SharedLock(held)
	defer d.locks.Breakpoint.SharedUnlock(held)
	return d.breakpointKindLocked(m)
}
