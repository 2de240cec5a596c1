package debugger

import (
	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// Frames returns the locations of t's frames, innermost first. t must be
// suspended or be the caller.
func (d *Debugger) Frames(t *runtime.Thread) []Location {
	frames := t.Frames()
	out := make([]Location, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		out = append(out, Location{frames[i].Method, frames[i].DexPC})
	}
	return out
}

func frameAt(t *runtime.Thread, depth int) (*runtime.Frame, error) {
	frames := t.Frames()
	if depth < 0 || depth >= len(frames) {
		return nil, errors.Wrapf(ErrNoFrames, "%v has no frame %d", t, depth)
	}
	return frames[len(frames)-1-depth], nil
}

// GetLocal reads virtual register slot of the frame depth frames below the
// top of t.
func (d *Debugger) GetLocal(t *runtime.Thread, depth, slot int) (uint32, error) {
	f, err := frameAt(t, depth)
	if err != nil {
		return 0, err
	}
	if slot < 0 || slot >= len(f.VRegs) {
		return 0, errors.Wrapf(ErrInvalidSlot, "slot %d of %v", slot, Location{f.Method, f.DexPC})
	}
	return f.VRegs[slot], nil
}

// SetLocal writes a virtual register. Compiled code cannot see the new
// value, so a compiled frame is marked to continue in the interpreter and
// t's stack is instrumented to get it there when control returns to it.
func (d *Debugger) SetLocal(t *runtime.Thread, depth, slot int, v uint32) error {
	f, err := frameAt(t, depth)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= len(f.VRegs) {
		return errors.Wrapf(ErrInvalidSlot, "slot %d of %v", slot, Location{f.Method, f.DexPC})
	}
	f.VRegs[slot] = v
	if !f.Interpreted && !f.DebuggerShadowFrame {
		f.DebuggerShadowFrame = true
		runtime.InstrumentThreadStack(t)
	}
	return nil
}
