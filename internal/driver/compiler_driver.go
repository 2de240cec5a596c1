package driver

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/image"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/oat"
	"github.com/you-not-fish/dex2oat/internal/profile"
	"github.com/you-not-fish/dex2oat/internal/runtime"
	"github.com/you-not-fish/dex2oat/internal/verifier"
)

// CompilerDriverOptions configure a CompilerDriver.
type CompilerDriverOptions struct {
	Runtime  *runtime.Runtime
	ISA      isa.InstructionSet
	Backend  compiler.Backend
	Compiler *compiler.Options
	// Threads bounds the number of methods compiled at once.
	Threads int
	// Profile selects what profile-guided filters compile.
	Profile *profile.Profile
	// ImageClasses selects the classes of a boot image; nil keeps all.
	ImageClasses *image.ClassSet
	// Swap, when set, holds compiled code until the oat writer needs it.
	Swap *SwapSpace
	Log  *zap.SugaredLogger
}

type classKey struct {
	file *dex.File
	def  int
}

// compiledEntry is a compiled method whose code may live in the swap
// space.
type compiledEntry struct {
	method  *compiler.CompiledMethod
	swapped bool
	block   swapRef
}

// Stats counts what a compilation did.
type Stats struct {
	Classes           int
	UnloadedClasses   int
	VerifiedClasses   int
	SoftFailedClasses int
	HardFailedClasses int

	Methods         int
	NativeMethods   int
	CompiledMethods int
	SkippedMethods  int
	CodeBytes       int64
	SwappedBytes    int64
}

// Dump writes the statistics to w.
func (s Stats) Dump(w io.Writer) {
	fmt.Fprintf(w, "classes: %d (%d not loaded, %d verified, %d soft failures, %d hard failures)\n",
		s.Classes, s.UnloadedClasses, s.VerifiedClasses, s.SoftFailedClasses, s.HardFailedClasses)
	fmt.Fprintf(w, "methods: %d (%d native, %d compiled, %d skipped)\n",
		s.Methods, s.NativeMethods, s.CompiledMethods, s.SkippedMethods)
	fmt.Fprintf(w, "code: %d bytes, %d swapped\n", s.CodeBytes, s.SwappedBytes)
}

// CompilerDriver loads, verifies and compiles every class of a set of dex
// files. After Compile it answers the oat writer's questions about the
// result; it also tells the method compiler which calls it may bind
// directly and which types the boot image holds.
type CompilerDriver struct {
	rt   *runtime.Runtime
	self *runtime.Thread
	cl   *runtime.ClassLinker
	opts CompilerDriverOptions
	log  *zap.SugaredLogger

	files   []*dex.File
	classes map[classKey]*runtime.Class
	status  map[classKey]mirror.ClassStatus
	native  map[compiler.MethodReference]bool
	// callTargets maps the pretty name of every method that will be
	// compiled to its reference.
	callTargets map[string]compiler.MethodReference
	imageTypes  map[string]bool
	compiled    map[compiler.MethodReference]*compiledEntry
	stats       Stats
}

var (
	_ oat.Compilation      = (*CompilerDriver)(nil)
	_ compiler.Environment = (*CompilerDriver)(nil)
)

// NewCompilerDriver returns a driver compiling with the runtime's main
// thread.
func NewCompilerDriver(opts CompilerDriverOptions) *CompilerDriver {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	return &CompilerDriver{
		rt:          opts.Runtime,
		self:        opts.Runtime.MainThread(),
		cl:          opts.Runtime.ClassLinker(),
		opts:        opts,
		log:         log.Named("compiler"),
		classes:     make(map[classKey]*runtime.Class),
		status:      make(map[classKey]mirror.ClassStatus),
		native:      make(map[compiler.MethodReference]bool),
		callTargets: make(map[string]compiler.MethodReference),
		imageTypes:  make(map[string]bool),
		compiled:    make(map[compiler.MethodReference]*compiledEntry),
	}
}

// Stats returns the counts of the last Compile.
func (d *CompilerDriver) Stats() Stats { return d.stats }

// Compile loads every class of files, verifies them as the filter asks
// and compiles their methods on up to Threads goroutines. Class loading
// and verification run on the calling goroutine in dex file order.
func (d *CompilerDriver) Compile(ctx context.Context, files []*dex.File, timings *base.TimingLogger) error {
	d.files = files
	if err := d.checkDuplicateClasses(); err != nil {
		return err
	}

	timings.StartTiming("Load classes")
	d.loadClasses()
	timings.EndTiming()

	if d.opts.Compiler.IsBootImage {
		d.collectImageTypes()
	}

	timings.StartTiming("Verify")
	err := d.verify()
	timings.EndTiming()
	if err != nil {
		return err
	}

	reqs, err := d.plan()
	if err != nil {
		return err
	}

	timings.StartTiming("Compile")
	err = d.compile(ctx, reqs)
	timings.EndTiming()
	if err != nil {
		return err
	}

	if d.opts.Compiler.IsBootImage {
		timings.StartTiming("Resolve image references")
		err = d.resolveImageReferences()
		timings.EndTiming()
	}
	return err
}

// checkDuplicateClasses rejects a class defined twice in the unit.
func (d *CompilerDriver) checkDuplicateClasses() error {
	seen := map[string]string{}
	for _, f := range d.files {
		for i := 0; i < f.NumClassDefs(); i++ {
			desc := f.ClassDescriptor(f.ClassDef(i))
			if prev, ok := seen[desc]; ok {
				return errors.Errorf("class %s is defined in %s and %s", desc, prev, f.Location)
			}
			seen[desc] = f.Location
		}
	}
	return nil
}

func (d *CompilerDriver) forEachClass(fn func(key classKey, f *dex.File, def *dex.ClassDef)) {
	for _, f := range d.files {
		for i := 0; i < f.NumClassDefs(); i++ {
			fn(classKey{file: f, def: i}, f, f.ClassDef(i))
		}
	}
}

func (d *CompilerDriver) loadClasses() {
	d.forEachClass(func(key classKey, f *dex.File, def *dex.ClassDef) {
		d.stats.Classes++
		desc := f.ClassDescriptor(def)
		k, err := d.cl.FindClass(d.self, desc)
		if err != nil {
			d.log.Warnw("cannot load class", "class", desc, "dex", f.Location, "error", err)
			d.stats.UnloadedClasses++
			d.status[key] = mirror.StatusNotReady
			return
		}
		d.classes[key] = k
		d.status[key] = k.Status()
	})
}

// collectImageTypes records the loaded classes a boot image keeps.
func (d *CompilerDriver) collectImageTypes() {
	all := d.cl.Classes()
	d.opts.ImageClasses.Expand(all)
	for _, k := range all {
		if d.opts.ImageClasses.Contains(k) {
			d.imageTypes[k.Descriptor] = true
		}
	}
}

func (d *CompilerDriver) verify() error {
	filter := d.opts.Compiler.Filter
	var err error
	d.forEachClass(func(key classKey, f *dex.File, def *dex.ClassDef) {
		k := d.classes[key]
		if k == nil || err != nil {
			return
		}
		switch {
		case filter == compiler.VerifyNone:
			// Classes are taken as verified without looking at them.
			d.status[key] = mirror.StatusVerified
			d.stats.VerifiedClasses++
			return
		case !filter.IsVerificationEnabled():
			return
		case filter == compiler.VerifyProfile && !d.opts.Profile.ContainsClass(f.Location, k.Descriptor):
			return
		}
		r := d.cl.VerifyClass(d.self, k)
		switch r.Kind {
		case verifier.HardFailure:
			d.stats.HardFailedClasses++
			// Erroneous classes never make it into an image.
			delete(d.imageTypes, k.Descriptor)
			if d.opts.Compiler.AbortOnHardVerifierError {
				err = errors.Wrapf(r.Err(), "%s: verification of %s failed", f.Location, k.Descriptor)
				return
			}
		case verifier.SoftFailure:
			d.stats.SoftFailedClasses++
		default:
			d.stats.VerifiedClasses++
			if d.opts.Compiler.IsBootImage && d.imageTypes[k.Descriptor] {
				if ierr := d.cl.InitializeClass(d.self, k); ierr != nil {
					d.log.Debugw("class left uninitialized", "class", k.Descriptor, "error", ierr)
				}
			}
		}
		d.status[key] = k.Status()
	})
	return err
}

// plan picks the methods to compile and fills in the call targets. It
// runs before any method is compiled so DirectCallTarget never changes
// under the workers.
func (d *CompilerDriver) plan() ([]compiler.Request, error) {
	copts := d.opts.Compiler
	filter := copts.Filter
	var reqs []compiler.Request
	var err error
	d.forEachClass(func(key classKey, f *dex.File, def *dex.ClassDef) {
		if err != nil {
			return
		}
		data, derr := f.ClassData(def)
		if derr != nil {
			err = errors.Wrapf(derr, "%s: class %s", f.Location, f.ClassDescriptor(def))
			return
		}
		if data == nil {
			return
		}
		compilable := filter.IsCompilationEnabled() && d.status[key] >= mirror.StatusVerified
		if compilable && copts.IsBootImage && !d.imageTypes[f.ClassDescriptor(def)] && !copts.CompilePic {
			// Absolute calls need the callee's ArtMethod in the image.
			compilable = false
		}
		for _, em := range append(append([]dex.EncodedMethod(nil), data.DirectMethods...), data.VirtualMethods...) {
			d.stats.Methods++
			ref := compiler.MethodReference{DexFile: f, Index: em.MethodIdx}
			if em.AccessFlags&dex.AccNative != 0 {
				d.native[ref] = true
				d.stats.NativeMethods++
				continue
			}
			if em.CodeOff == 0 || !compilable {
				d.stats.SkippedMethods++
				continue
			}
			pretty := f.PrettyMethod(em.MethodIdx)
			if filter.DependsOnProfile() && !d.opts.Profile.ContainsMethod(f.Location, pretty) {
				d.stats.SkippedMethods++
				continue
			}
			code, cerr := f.CodeItem(em.CodeOff)
			if cerr != nil {
				err = errors.Wrapf(cerr, "%s: %s", f.Location, pretty)
				return
			}
			if copts.IsHugeMethod(len(code.Insns)) && filter != compiler.Everything {
				d.log.Debugw("skipping huge method", "method", pretty, "code_units", len(code.Insns))
				d.stats.SkippedMethods++
				continue
			}
			d.callTargets[pretty] = ref
			reqs = append(reqs, compiler.Request{Method: ref, AccessFlags: em.AccessFlags, Code: code})
		}
	})
	return reqs, err
}

func (d *CompilerDriver) compile(ctx context.Context, reqs []compiler.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	mc, err := compiler.New(d.opts.Backend, d.opts.ISA, d.opts.Compiler, d, d.log)
	if err != nil {
		return err
	}
	results := make([]*compiledEntry, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Threads)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := mc.Compile(req)
			if err != nil || m == nil {
				return err
			}
			e := &compiledEntry{method: m}
			if d.opts.Swap != nil && len(m.Code) != 0 {
				block, err := d.opts.Swap.Store(gctx, m.Code)
				if err != nil {
					return err
				}
				stub := *m
				stub.Code = nil
				e = &compiledEntry{method: &stub, swapped: true, block: block}
			}
			results[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, e := range results {
		if e == nil {
			d.stats.SkippedMethods++
			continue
		}
		d.compiled[reqs[i].Method] = e
		d.stats.CompiledMethods++
		if e.swapped {
			d.stats.CodeBytes += int64(e.block.n)
			d.stats.SwappedBytes += int64(e.block.n)
		} else {
			d.stats.CodeBytes += int64(len(e.method.Code))
		}
	}
	d.log.Infow("compiled methods", "compiled", d.stats.CompiledMethods, "skipped", d.stats.SkippedMethods,
		"native", d.stats.NativeMethods, "threads", d.opts.Threads)
	return nil
}

// resolveImageReferences puts the strings and classes boot image code
// refers to in the heap, so the image writer places them.
func (d *CompilerDriver) resolveImageReferences() error {
	for _, f := range d.files {
		for i := 0; i < f.NumClassDefs(); i++ {
			data, err := f.ClassData(f.ClassDef(i))
			if err != nil || data == nil {
				continue
			}
			for _, em := range append(append([]dex.EncodedMethod(nil), data.DirectMethods...), data.VirtualMethods...) {
				ref := compiler.MethodReference{DexFile: f, Index: em.MethodIdx}
				e := d.compiled[ref]
				if e == nil {
					continue
				}
				for _, p := range e.method.Patches {
					switch p.Kind {
					case compiler.PatchString, compiler.PatchStringRelative:
						_, err = d.cl.ResolveString(d.self, p.DexFile, p.Index)
					case compiler.PatchType, compiler.PatchTypeRelative:
						_, err = d.cl.ResolveType(d.self, p.DexFile, p.Index)
					}
					if err != nil {
						return errors.Wrapf(err, "resolving %v of %v", p, ref)
					}
				}
			}
		}
	}
	return nil
}

// DirectCallTarget binds a call to a method compiled in this unit. Calls
// into a dex file listed in no-inline-from go through the runtime.
func (d *CompilerDriver) DirectCallTarget(f *dex.File, idx uint32) (compiler.MethodReference, bool) {
	ref, ok := d.callTargets[f.PrettyMethod(idx)]
	if !ok {
		return compiler.MethodReference{}, false
	}
	if ref.DexFile != f && d.isNoInlineFrom(ref.DexFile.Location) {
		return compiler.MethodReference{}, false
	}
	return ref, true
}

func (d *CompilerDriver) isNoInlineFrom(location string) bool {
	for _, l := range d.opts.Compiler.NoInlineFrom {
		if l == location || strings.HasSuffix(location, "/"+l) {
			return true
		}
	}
	return false
}

// IsImageClass reports whether the boot image being compiled keeps the
// class.
func (d *CompilerDriver) IsImageClass(f *dex.File, typeIdx uint32) bool {
	return d.imageTypes[f.TypeDescriptor(typeIdx)]
}

// CompiledMethod returns the code of ref, reading it back from the swap
// space if it was stored there.
func (d *CompilerDriver) CompiledMethod(ref compiler.MethodReference) *compiler.CompiledMethod {
	e := d.compiled[ref]
	if e == nil {
		return nil
	}
	if !e.swapped {
		return e.method
	}
	code, err := d.opts.Swap.Load(e.block)
	if err != nil {
		base.Fatalf("reading %v back from swap: %v", ref, err)
	}
	m := *e.method
	m.Code = code
	return &m
}

// ClassStatus returns the status recorded for a class in the oat file.
func (d *CompilerDriver) ClassStatus(f *dex.File, classDefIndex int) mirror.ClassStatus {
	return d.status[classKey{file: f, def: classDefIndex}]
}

// IsNative reports whether ref is a native method.
func (d *CompilerDriver) IsNative(ref compiler.MethodReference) bool { return d.native[ref] }

// NumCompiled returns the number of compiled methods.
func (d *CompilerDriver) NumCompiled() int { return len(d.compiled) }
