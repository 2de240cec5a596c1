// Package verifier performs the structural checks a method must pass before
// it can be compiled ahead of time.
package verifier

import (
	"fmt"
	"strings"

	"github.com/you-not-fish/dex2oat/internal/dex"
)

// FailureKind classifies a verification outcome.
type FailureKind int

const (
	// NoFailure means the method or class verified.
	NoFailure FailureKind = iota
	// SoftFailure means verification must be retried at runtime, typically
	// because a referenced type could not be resolved at compile time.
	SoftFailure
	// HardFailure means the code is malformed.
	HardFailure
)

func (k FailureKind) String() string {
	switch k {
	case NoFailure:
		return "none"
	case SoftFailure:
		return "soft"
	case HardFailure:
		return "hard"
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Error describes one verification failure.
type Error struct {
	Method string
	PC     int // -1 when not tied to an instruction
	Kind   FailureKind
	Msg    string
}

func (e *Error) Error() string {
	if e.PC >= 0 {
		return fmt.Sprintf("verify %s (%s) at 0x%x: %s", e.Method, e.Kind, e.PC, e.Msg)
	}
	return fmt.Sprintf("verify %s (%s): %s", e.Method, e.Kind, e.Msg)
}

// Resolver answers whether a type descriptor names a class the compiler can
// see. A nil Resolver treats every type as resolvable.
type Resolver interface {
	IsResolvable(descriptor string) bool
}

// Result is the outcome for a method or a class.
type Result struct {
	Kind     FailureKind
	Failures []*Error
}

func (r *Result) add(e *Error) {
	r.Failures = append(r.Failures, e)
	if e.Kind > r.Kind {
		r.Kind = e.Kind
	}
}

func (r *Result) merge(o Result) {
	for _, e := range o.Failures {
		r.add(e)
	}
}

// Err returns the first hard failure, or nil.
func (r Result) Err() error {
	for _, e := range r.Failures {
		if e.Kind == HardFailure {
			return e
		}
	}
	return nil
}

// MethodVerifier checks one method.
type MethodVerifier struct {
	dex      *dex.File
	method   dex.EncodedMethod
	code     *dex.CodeItem
	resolver Resolver
	name     string

	boundaries map[uint32]bool
	result     Result
}

// VerifyMethod verifies method m of f.
func VerifyMethod(f *dex.File, m dex.EncodedMethod, resolver Resolver) Result {
	v := &MethodVerifier{dex: f, method: m, resolver: resolver, name: f.PrettyMethod(m.MethodIdx)}
	v.verify()
	return v.result
}

// VerifyClass verifies every method of def. The class result is the worst
// method result.
func VerifyClass(f *dex.File, def *dex.ClassDef, resolver Resolver) Result {
	var r Result
	name := f.ClassDescriptor(def)
	if def.SuperclassIdx != dex.NoIndex && resolver != nil &&
		!resolver.IsResolvable(f.TypeDescriptor(def.SuperclassIdx)) {
		r.add(&Error{Method: name, PC: -1, Kind: SoftFailure,
			Msg: "unresolved superclass " + f.TypeDescriptor(def.SuperclassIdx)})
	}
	cd, err := f.ClassData(def)
	if err != nil {
		r.add(&Error{Method: name, PC: -1, Kind: HardFailure, Msg: err.Error()})
		return r
	}
	for _, ms := range [][]dex.EncodedMethod{cd.DirectMethods, cd.VirtualMethods} {
		for _, m := range ms {
			r.merge(VerifyMethod(f, m, resolver))
		}
	}
	return r
}

func (v *MethodVerifier) fail(kind FailureKind, pc int, format string, args ...interface{}) {
	v.result.add(&Error{Method: v.name, PC: pc, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (v *MethodVerifier) verify() {
	flags := v.method.AccessFlags
	if flags&^dex.AccValidMethodFlags != 0 {
		v.fail(HardFailure, -1, "invalid access flags %#x", flags)
	}
	noCode := flags&(dex.AccAbstract|dex.AccNative) != 0
	if noCode {
		if v.method.CodeOff != 0 {
			v.fail(HardFailure, -1, "abstract or native method has code")
		}
		return
	}
	if v.method.CodeOff == 0 {
		v.fail(HardFailure, -1, "method without code")
		return
	}
	code, err := v.dex.CodeItem(v.method.CodeOff)
	if err != nil {
		v.fail(HardFailure, -1, "%v", err)
		return
	}
	v.code = code
	if len(code.Insns) == 0 {
		v.fail(HardFailure, -1, "empty code")
		return
	}
	v.checkIns()
	insns, err := dex.Instructions(code.Insns)
	if err != nil {
		v.fail(HardFailure, -1, "%v", err)
		return
	}
	v.boundaries = make(map[uint32]bool, len(insns))
	for _, in := range insns {
		v.boundaries[in.PC] = true
	}
	lastCode := -1
	for i, in := range insns {
		if !in.IsPayload() {
			lastCode = i
		}
		v.checkInstruction(in)
	}
	if lastCode < 0 {
		v.fail(HardFailure, -1, "no executable instructions")
	} else if last := insns[lastCode]; !endsFlow(last.Opcode) {
		v.fail(HardFailure, int(last.PC), "control flow falls off the end of the code")
	}
	v.checkTries()
}

func (v *MethodVerifier) checkIns() {
	mid := v.dex.Method(v.method.MethodIdx)
	var params []string
	for _, t := range v.dex.ParameterTypes(uint32(mid.ProtoIdx)) {
		params = append(params, v.dex.TypeDescriptor(t))
	}
	want := dex.ArgumentRegisters(params)
	if v.method.AccessFlags&dex.AccStatic == 0 {
		want++
	}
	if int(v.code.InsSize) != want {
		v.fail(HardFailure, -1, "ins size %d, signature needs %d", v.code.InsSize, want)
	}
}

func endsFlow(op dex.Opcode) bool {
	switch {
	case op.IsReturn(), op == dex.OpThrow:
		return true
	case op >= dex.OpGoto && op <= 0x2a:
		return true
	}
	return false
}

func (v *MethodVerifier) checkReg(pc uint32, r uint32) {
	if r >= uint32(v.code.RegistersSize) {
		v.fail(HardFailure, int(pc), "register v%d out of range (registers=%d)", r, v.code.RegistersSize)
	}
}

func (v *MethodVerifier) checkTarget(pc uint32, off int32) {
	target := int64(pc) + int64(off)
	if target < 0 || target >= int64(len(v.code.Insns)) || !v.boundaries[uint32(target)] {
		v.fail(HardFailure, int(pc), "branch target %d is not an instruction", target)
	}
}

func (v *MethodVerifier) checkInstruction(in dex.Instruction) {
	if in.IsPayload() {
		return
	}
	u := v.code.Insns[in.PC:]
	pc := in.PC
	op := in.Opcode
	aa := uint32(u[0] >> 8)
	a := uint32(u[0]>>8) & 0xf
	b := uint32(u[0] >> 12)
	switch {
	case op == dex.OpMoveResult, op == 0x0b, op == dex.OpMoveResultObject, op == 0x0d,
		op == dex.OpReturn, op == dex.OpReturnObject, op == dex.OpThrow, op == 0x1d, op == 0x1e:
		v.checkReg(pc, aa)
	case op == dex.OpReturnWide:
		v.checkReg(pc, aa+1)
	case op == dex.OpConst4:
		v.checkReg(pc, a)
	case op == dex.OpConstString, op == dex.OpConstStringJumbo:
		v.checkReg(pc, aa)
		if in.IndexOperand() >= uint32(v.dex.NumStringIDs()) {
			v.fail(HardFailure, int(pc), "string index %d out of range", in.IndexOperand())
		}
	case op == dex.OpConstClass, op == dex.OpCheckCast, op == dex.OpNewInstance:
		v.checkReg(pc, aa)
		v.checkType(in, op == dex.OpNewInstance)
	case op == 0x20 || op == 0x23: // instance-of, new-array
		v.checkReg(pc, a)
		v.checkReg(pc, b)
		v.checkType(in, false)
	case op == dex.OpGoto:
		v.checkTarget(pc, int32(int8(aa)))
	case op == 0x29:
		v.checkTarget(pc, int32(int16(u[1])))
	case op == 0x2a:
		v.checkTarget(pc, int32(uint32(u[1])|uint32(u[2])<<16))
	case op == 0x26 || op == 0x2b || op == 0x2c:
		v.checkReg(pc, aa)
		v.checkPayload(pc, int32(uint32(u[1])|uint32(u[2])<<16), op)
	case op >= 0x32 && op <= 0x37:
		v.checkReg(pc, a)
		v.checkReg(pc, b)
		v.checkTarget(pc, int32(int16(u[1])))
	case op >= 0x38 && op <= 0x3d:
		v.checkReg(pc, aa)
		v.checkTarget(pc, int32(int16(u[1])))
	case op >= 0x52 && op <= 0x5f:
		v.checkReg(pc, a)
		v.checkReg(pc, b)
		v.checkField(in)
	case op >= 0x60 && op <= 0x6d:
		v.checkReg(pc, aa)
		v.checkField(in)
	case op >= dex.OpInvokeVirtual && op <= dex.OpInvokeInterface:
		count := b
		if count > 5 {
			v.fail(HardFailure, int(pc), "invoke with %d arguments", count)
			return
		}
		regs := []uint32{uint32(u[2]) & 0xf, uint32(u[2]>>4) & 0xf, uint32(u[2]>>8) & 0xf, uint32(u[2] >> 12), a}
		for i := uint32(0); i < count; i++ {
			v.checkReg(pc, regs[i])
		}
		v.checkInvoke(in, count)
	case op >= dex.OpInvokeVirtualRange && op <= dex.OpInvokeInterfaceRange:
		first := uint32(u[2])
		if aa > 0 {
			v.checkReg(pc, first+aa-1)
		}
		v.checkInvoke(in, aa)
	}
}

func (v *MethodVerifier) checkPayload(pc uint32, off int32, op dex.Opcode) {
	target := int64(pc) + int64(off)
	if target < 0 || target >= int64(len(v.code.Insns)) || !v.boundaries[uint32(target)] {
		v.fail(HardFailure, int(pc), "payload offset %d is not an instruction", target)
		return
	}
	want := map[dex.Opcode]uint16{0x26: 0x0300, 0x2b: 0x0100, 0x2c: 0x0200}[op]
	if v.code.Insns[target] != want {
		v.fail(HardFailure, int(pc), "payload at %d has signature %#04x, want %#04x", target, v.code.Insns[target], want)
	}
}

func (v *MethodVerifier) checkType(in dex.Instruction, mustBeClass bool) {
	idx := in.IndexOperand()
	if idx >= uint32(v.dex.NumTypeIDs()) {
		v.fail(HardFailure, int(in.PC), "type index %d out of range", idx)
		return
	}
	d := v.dex.TypeDescriptor(idx)
	if mustBeClass && !strings.HasPrefix(d, "L") {
		v.fail(HardFailure, int(in.PC), "new-instance of non-class type %s", d)
		return
	}
	v.checkResolvable(int(in.PC), d)
}

func (v *MethodVerifier) checkResolvable(pc int, d string) {
	elem := strings.TrimLeft(d, "[")
	if v.resolver == nil || !strings.HasPrefix(elem, "L") {
		return
	}
	if !v.resolver.IsResolvable(elem) {
		v.fail(SoftFailure, pc, "unresolved type %s", elem)
	}
}

func (v *MethodVerifier) checkField(in dex.Instruction) {
	idx := in.IndexOperand()
	if idx >= uint32(v.dex.NumFieldIDs()) {
		v.fail(HardFailure, int(in.PC), "field index %d out of range", idx)
		return
	}
	v.checkResolvable(int(in.PC), v.dex.TypeDescriptor(uint32(v.dex.Field(idx).ClassIdx)))
}

func (v *MethodVerifier) checkInvoke(in dex.Instruction, argc uint32) {
	idx := in.IndexOperand()
	if idx >= uint32(v.dex.NumMethodIDs()) {
		v.fail(HardFailure, int(in.PC), "method index %d out of range", idx)
		return
	}
	mid := v.dex.Method(idx)
	var params []string
	for _, t := range v.dex.ParameterTypes(uint32(mid.ProtoIdx)) {
		params = append(params, v.dex.TypeDescriptor(t))
	}
	want := uint32(dex.ArgumentRegisters(params))
	static := in.Opcode == dex.OpInvokeStatic || in.Opcode == dex.OpInvokeStaticRange
	if !static {
		want++
	}
	if argc != want {
		v.fail(HardFailure, int(in.PC), "invoke of %s passes %d registers, want %d", v.dex.PrettyMethod(idx), argc, want)
	}
	v.checkResolvable(int(in.PC), v.dex.TypeDescriptor(uint32(mid.ClassIdx)))
}

func (v *MethodVerifier) checkTries() {
	n := uint32(len(v.code.Insns))
	for _, t := range v.code.Tries() {
		end := t.StartAddr + uint32(t.InsnCount)
		if t.InsnCount == 0 || end > n || !v.boundaries[t.StartAddr] {
			v.fail(HardFailure, int(t.StartAddr), "try range [%d, %d) invalid", t.StartAddr, end)
			continue
		}
		for _, h := range v.dex.Handlers(v.code, t.StartAddr) {
			if !v.boundaries[h.HandlerPC] {
				v.fail(HardFailure, int(t.StartAddr), "handler address %d is not an instruction", h.HandlerPC)
			}
			if h.TypeIdx != dex.NoIndex {
				if h.TypeIdx >= uint32(v.dex.NumTypeIDs()) {
					v.fail(HardFailure, int(t.StartAddr), "handler type %d out of range", h.TypeIdx)
				} else {
					v.checkResolvable(int(h.HandlerPC), v.dex.TypeDescriptor(h.TypeIdx))
				}
			}
		}
	}
}
