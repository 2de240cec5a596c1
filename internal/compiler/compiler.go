package compiler

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// Backend selects a code generator.
type Backend int

const (
	Optimizing Backend = iota
	Quick
)

func (b Backend) String() string {
	switch b {
	case Optimizing:
		return "Optimizing"
	case Quick:
		return "Quick"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend maps a --compiler-backend value to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "Optimizing":
		return Optimizing, nil
	case "Quick":
		return Quick, nil
	}
	return 0, fmt.Errorf("unknown compiler backend %q", s)
}

// ErrUnsupportedISA is returned by New for instruction sets without a code
// generator.
var ErrUnsupportedISA = errors.New("no code generator for instruction set")

// Request is one method to compile.
type Request struct {
	Method      MethodReference
	AccessFlags uint32
	// Code is nil for abstract and native methods.
	Code *dex.CodeItem
}

// Environment answers what compiled code may assume about the rest of the
// compilation.
type Environment interface {
	// DirectCallTarget returns the method a static or direct invoke of
	// method idx of f reaches when that method is compiled into the same
	// set of oat files.
	DirectCallTarget(f *dex.File, idx uint32) (MethodReference, bool)
	// IsImageClass reports whether the type is part of the boot image
	// being compiled.
	IsImageClass(f *dex.File, typeIdx uint32) bool
}

// MethodCompiler turns bytecode into native code. It is called
// concurrently from the driver's workers.
type MethodCompiler interface {
	// Compile returns nil and no error for methods it chooses not to
	// compile.
	Compile(req Request) (*CompiledMethod, error)
}

// New returns the code generator for target.
func New(backend Backend, target isa.InstructionSet, opts *Options, env Environment, log *zap.SugaredLogger) (MethodCompiler, error) {
	if newAssembler(target) == nil {
		return nil, errors.Wrapf(ErrUnsupportedISA, "%v", target)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &templateCompiler{backend: backend, isa: target, opts: opts, env: env, log: log}, nil
}

// templateCompiler emits a fixed native sequence per bytecode that needs the
// runtime: calls, string and class loads. It is enough to exercise the
// linker, the oat writer and the image writer with real patches.
type templateCompiler struct {
	backend Backend
	isa     isa.InstructionSet
	opts    *Options
	env     Environment
	log     *zap.SugaredLogger
}

func (c *templateCompiler) Compile(req Request) (*CompiledMethod, error) {
	if req.Code == nil || req.AccessFlags&(dex.AccNative|dex.AccAbstract) != 0 {
		return nil, nil
	}
	units := len(req.Code.Insns)
	if c.opts.IsHugeMethod(units) && c.opts.Filter != Everything {
		return nil, nil
	}
	insns, err := dex.Instructions(req.Code.Insns)
	if err != nil {
		return nil, errors.Wrapf(err, "compile %v", req.Method)
	}
	g := &codegen{c: c, f: req.Method.DexFile, a: newAssembler(c.isa)}
	g.a.prologue()
	for _, in := range insns {
		if in.IsPayload() {
			continue
		}
		start := g.a.buffer().pos()
		g.instruction(in)
		if g.a.buffer().pos() != start {
			g.vmap = dex.AppendUnsignedLeb128(g.vmap, start)
			g.vmap = dex.AppendUnsignedLeb128(g.vmap, in.PC)
		}
	}
	if !g.returned {
		g.a.epilogue()
	}
	frame, core := g.a.frame()
	m := &CompiledMethod{
		ISA:           c.isa,
		Code:          g.a.buffer().b,
		FrameSize:     frame,
		CoreSpillMask: core,
		VmapTable:     g.vmap,
		Patches:       g.patches,
	}
	if c.opts.IsVerbose(req.Method.String()) {
		c.log.Debugw("compiled method", "method", req.Method.String(), "backend", c.backend,
			"code", len(m.Code), "patches", len(m.Patches))
	}
	return m, nil
}

type codegen struct {
	c       *templateCompiler
	f       *dex.File
	a       assembler
	patches []LinkerPatch
	vmap    []byte
	// returned is set when the last thing emitted was an epilogue.
	returned bool
}

func (g *codegen) instruction(in dex.Instruction) {
	g.returned = false
	switch op := in.Opcode; {
	case op.IsReturn():
		g.a.epilogue()
		g.returned = true
	case op == dex.OpConstString || op == dex.OpConstStringJumbo:
		g.loadString(in.IndexOperand())
	case op == dex.OpConstClass || op == dex.OpCheckCast:
		g.loadType(in.IndexOperand())
	case op == dex.OpNewInstance:
		g.loadType(in.IndexOperand())
		g.a.callEntrypoint(rtabi.EntrypointQuickInitializeType)
	case op == dex.OpInvokeStatic || op == dex.OpInvokeDirect ||
		op == dex.OpInvokeStaticRange || op == dex.OpInvokeDirectRange:
		g.invokeDirect(in.IndexOperand())
	case op.IsInvoke():
		g.a.callEntrypoint(rtabi.EntrypointQuickInvokeTrampoline)
	case op == dex.OpThrow:
		g.a.callEntrypoint(rtabi.EntrypointQuickDeliverException)
	default:
		// Quick keeps one slot per instruction so native pcs track dex pcs.
		if g.c.backend == Quick {
			g.a.nop()
		}
	}
}

func (g *codegen) invokeDirect(idx uint32) {
	target, ok := g.c.env.DirectCallTarget(g.f, idx)
	if !ok {
		g.a.callEntrypoint(rtabi.EntrypointQuickInvokeTrampoline)
		return
	}
	opts := g.c.opts
	if opts.IsBootImage && !opts.CompilePic {
		at := g.a.loadAbsolute(true)
		g.patches = append(g.patches, LinkerPatch{Kind: PatchMethod, LiteralOffset: at, PCInsnOffset: at, Target: target})
	}
	at := g.a.callRelative()
	g.patches = append(g.patches, LinkerPatch{Kind: PatchCallRelative, LiteralOffset: at, PCInsnOffset: at, Target: target})
}

// loadString loads a string. Boot image code references the string in the
// image; other code goes through its .bss slot.
func (g *codegen) loadString(idx uint32) {
	opts := g.c.opts
	switch {
	case opts.IsBootImage && !opts.CompilePic:
		g.absolute(PatchString, idx)
	case opts.IsBootImage:
		g.relative(PatchStringRelative, idx)
	default:
		g.relative(PatchStringBssEntry, idx)
		g.a.loadIndirect()
	}
}

func (g *codegen) loadType(idx uint32) {
	opts := g.c.opts
	inImage := opts.IsBootImage && g.c.env.IsImageClass(g.f, idx)
	switch {
	case inImage && !opts.CompilePic:
		g.absolute(PatchType, idx)
	case inImage:
		g.relative(PatchTypeRelative, idx)
	default:
		g.relative(PatchTypeBssEntry, idx)
		g.a.loadIndirect()
	}
}

func (g *codegen) absolute(kind PatchKind, idx uint32) {
	at := g.a.loadAbsolute(false)
	g.patches = append(g.patches, LinkerPatch{Kind: kind, LiteralOffset: at, PCInsnOffset: at, DexFile: g.f, Index: idx})
}

func (g *codegen) relative(kind PatchKind, idx uint32) {
	at, anchor := g.a.loadRelative()
	g.patches = append(g.patches, LinkerPatch{Kind: kind, LiteralOffset: at, PCInsnOffset: anchor, DexFile: g.f, Index: idx})
}
