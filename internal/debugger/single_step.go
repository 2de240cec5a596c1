package debugger

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// StepSize is the granularity of a single step.
type StepSize int

const (
	// StepMin stops at every instruction.
	StepMin StepSize = iota
	// StepLine stops when the source line changes.
	StepLine
)

func (s StepSize) String() string {
	switch s {
	case StepMin:
		return "min"
	case StepLine:
		return "line"
	}
	return fmt.Sprintf("StepSize(%d)", int(s))
}

// StepDepth says which calls a single step follows.
type StepDepth int

const (
	StepInto StepDepth = iota
	StepOver
	StepOut
)

func (s StepDepth) String() string {
	switch s {
	case StepInto:
		return "into"
	case StepOver:
		return "over"
	case StepOut:
		return "out"
	}
	return fmt.Sprintf("StepDepth(%d)", int(s))
}

// pcRange is the half-open range [start, end) of code units.
type pcRange struct{ start, end uint32 }

// SingleStepControl is an installed single step: where the thread was
// when it started and the code units of the line it started on.
type SingleStepControl struct {
	Size       StepSize
	Depth      StepDepth
	StackDepth int
	Method     *mirror.ArtMethod
	Line       uint32
	pcs        []pcRange
}

// ContainsDexPc reports whether pc belongs to the line the step started on.
func (c *SingleStepControl) ContainsDexPc(pc uint32) bool {
	for _, r := range c.pcs {
		if r.start <= pc && pc < r.end {
			return true
		}
	}
	return false
}

// DexPCs returns every code unit of the line the step started on.
func (c *SingleStepControl) DexPCs() []uint32 {
	var out []uint32
	for _, r := range c.pcs {
		for pc := r.start; pc < r.end; pc++ {
			out = append(out, pc)
		}
	}
	return out
}

// linePCs collects the code units belonging to line from the method's
// position table. Consecutive entries of the line collapse into one range,
// which extends to the next entry of another line, or to the end of the
// code for the last one.
func linePCs(positions []dex.PositionEntry, line, codeUnits uint32) []pcRange {
	var out []pcRange
	start, open := uint32(0), false
	for _, p := range positions {
		switch {
		case p.Line == line && !open:
			start, open = p.Address, true
		case p.Line != line && open:
			out = append(out, pcRange{start, p.Address})
			open = false
		}
	}
	if open {
		out = append(out, pcRange{start, codeUnits})
	}
	return out
}

// shouldStep reports whether arriving at pc in m, stackDepth frames deep,
// completes the step.
func (c *SingleStepControl) shouldStep(stackDepth int, m *mirror.ArtMethod, pc uint32) bool {
	switch c.Depth {
	case StepInto:
		return m != c.Method || c.Size == StepMin || !c.ContainsDexPc(pc)
	case StepOver:
		switch {
		case stackDepth < c.StackDepth:
			return true
		case stackDepth == c.StackDepth:
			return m != c.Method || c.Size == StepMin || !c.ContainsDexPc(pc)
		}
		return false
	}
	return stackDepth < c.StackDepth
}

// ConfigureStep installs a single step on t from where it currently is.
// A thread other than self is suspended while its position is read.
// Stepping needs every frame interpreted, so the step holds a full
// deoptimization until UnconfigureStep.
func (d *Debugger) ConfigureStep(self, t *runtime.Thread, size StepSize, depth StepDepth) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}
	if t != self && !t.IsSuspended() {
		if err := d.rt.ThreadList().SuspendThread(self, t, true); err != nil {
			return err
		}
		defer d.rt.ThreadList().ResumeThread(self, t, true)
	}
	c, err := newSingleStepControl(t, size, depth)
	if err != nil {
		return err
	}
	d.mu.Lock()
	_, replaced := d.steps[t]
	d.steps[t] = c
	d.mu.Unlock()
	if !replaced {
		d.RequestDeoptimization(self, DeoptimizationRequest{Kind: RequestRegisterForEvent, Events: runtime.EventDexPcMoved})
		d.RequestDeoptimization(self, DeoptimizationRequest{Kind: RequestFullDeoptimization})
		d.ManageDeoptimization(self)
	}
	d.log.Debugw("configured single step", "thread", t.Name(), "size", size, "depth", depth,
		"location", Location{c.Method, t.TopFrame().DexPC}, "line", c.Line)
	return nil
}

func newSingleStepControl(t *runtime.Thread, size StepSize, depth StepDepth) (*SingleStepControl, error) {
	top := t.TopFrame()
	if top == nil {
		return nil, errors.Wrapf(ErrNoFrames, "%v", t)
	}
	c := &SingleStepControl{Size: size, Depth: depth, StackDepth: t.StackDepth(), Method: top.Method}
	m := top.Method
	if m.IsNative() || m.IsRuntimeMethod() {
		return c, nil
	}
	ci, err := m.CodeItem()
	if err != nil {
		return nil, errors.Wrapf(err, "reading code of %s", m.PrettyMethod())
	}
	if ci == nil {
		return c, nil
	}
	positions, err := m.DexFile.DecodeDebugPositions(ci)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding positions of %s", m.PrettyMethod())
	}
	if line, ok := dex.LineForPC(positions, top.DexPC); ok {
		c.Line = line
		c.pcs = linePCs(positions, line, uint32(len(ci.Insns)))
	}
	return c, nil
}

// UnconfigureStep removes t's single step.
func (d *Debugger) UnconfigureStep(self, t *runtime.Thread) {
	d.mu.Lock()
	_, ok := d.steps[t]
	delete(d.steps, t)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.RequestDeoptimization(self, DeoptimizationRequest{Kind: RequestFullUndeoptimization})
	d.RequestDeoptimization(self, DeoptimizationRequest{Kind: RequestUnregisterForEvent, Events: runtime.EventDexPcMoved})
	d.ManageDeoptimization(self)
}

// StepControl returns t's single step, or nil.
func (d *Debugger) StepControl(t *runtime.Thread) *SingleStepControl {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.steps[t]
}
