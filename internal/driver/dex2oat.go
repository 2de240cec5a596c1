package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/elf"
	"github.com/you-not-fish/dex2oat/internal/image"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/linker"
	"github.com/you-not-fish/dex2oat/internal/oat"
	"github.com/you-not-fish/dex2oat/internal/profile"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

type stage struct {
	name string
	run  func(ctx context.Context) error
}

// Dex2Oat compiles one unit: a set of input archives into one or more oat
// files and, optionally, the images that go with them.
type Dex2Oat struct {
	opts     Options
	log      *zap.SugaredLogger
	stdout   io.Writer
	features isa.Features
	rtOpts   runtime.Options
	// bootImageDefaulted is set when the boot image came from the Android
	// root rather than the command line.
	bootImageDefaulted bool

	timings *base.TimingLogger
	outputs outputSet

	inputs      []string
	locations   []string
	oatNames    []string
	imageNames  []string
	symbolNames []string
	inputBytes  int64

	useSwap  bool
	swapFile *os.File
	swap     *SwapSpace

	// oatOuts receive what the oat writers write; when symbols are
	// requested, strippedOuts get the stripped copies.
	oatOuts      []*outputFile
	strippedOuts []*outputFile
	imageOuts    []*outputFile

	profile  *profile.Profile
	archives []*dex.Archive
	writers  []*oat.Writer
	kv       map[string]string
	rt       *runtime.Runtime
	boot     *loadedBootImage
	classes  *image.ClassSet
	driver   *CompilerDriver
	iw       *image.Writer
}

// New checks opts and returns a driver ready to Run. Errors are
// *UsageError and nothing has been opened.
func New(opts Options) (*Dex2Oat, error) {
	defaulted := opts.BootImage == ""
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	features, err := targetFeatures(&opts)
	if err != nil {
		return nil, usagef("%v", err)
	}
	rtOpts, err := runtime.ParseOptions(opts.RuntimeArgs, false)
	if err != nil {
		return nil, usagef("--runtime-arg: %v", err)
	}
	if opts.ForceDeterminism {
		rtOpts.Deterministic = true
		rtOpts.UseJIT = false
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Dex2Oat{
		opts:               opts,
		log:                log,
		stdout:             stdout,
		features:           features,
		rtOpts:             rtOpts,
		bootImageDefaulted: defaulted && opts.BootImage != "",
		timings:            base.NewTimingLogger("dex2oat"),
	}, nil
}

func targetFeatures(o *Options) (isa.Features, error) {
	f := isa.DefaultFeatures(o.ISA)
	if o.ISAVariant != "" {
		var err error
		if f, err = isa.FeaturesFromVariant(o.ISA, o.ISAVariant); err != nil {
			return 0, err
		}
	}
	if o.ISAFeatures != "" {
		return isa.ParseFeatures(o.ISA, f, o.ISAFeatures)
	}
	return f, nil
}

// Timings returns the splits recorded by Run.
func (d *Dex2Oat) Timings() *base.TimingLogger { return d.timings }

// Stats returns what the compilation did.
func (d *Dex2Oat) Stats() Stats {
	if d.driver == nil {
		return Stats{}
	}
	return d.driver.Stats()
}

// CompilerFilter returns the filter the unit was compiled with, after any
// downgrade.
func (d *Dex2Oat) CompilerFilter() compiler.Filter { return d.opts.Compiler.Filter }

// UsedSwap reports whether compiled code went through the swap file.
func (d *Dex2Oat) UsedSwap() bool { return d.useSwap }

// OatFiles returns the names of the oat files written.
func (d *Dex2Oat) OatFiles() []string { return d.oatNames }

// ImageFiles returns the names of the images written.
func (d *Dex2Oat) ImageFiles() []string { return d.imageNames }

func (d *Dex2Oat) stages() []stage {
	return []stage{
		{"Prune inputs", d.pruneInputs},
		{"Name outputs", d.nameOutputs},
		{"Decide swap", d.decideSwap},
		{"Open outputs", d.openOutputs},
		{"Load profile", d.loadProfile},
		{"Open inputs", d.openInputs},
		{"Create runtime", d.createRuntime},
		{"Decide filter", d.decideFilter},
		{"Write dex files", d.writeDexFiles},
		{"Compile", d.compile},
		{"Prepare layout", d.prepareLayout},
		{"Write oat files", d.writeOatFiles},
		{"Write images", d.writeImages},
		{"Fix up ELF", d.fixupElf},
		{"Strip copy", d.stripCopy},
		{"Flush outputs", d.flushOutputs},
	}
}

// Run compiles the unit. On failure every output is truncated and
// removed; a panic does the same before it continues.
func (d *Dex2Oat) Run(ctx context.Context) (err error) {
	wd := NewWatchDog(d.opts.WatchDog, d.opts.WatchDogTimeout)
	defer wd.Stop()
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("compilation aborted", "panic", r)
			_ = d.EraseOutputFiles()
			_ = d.release()
			panic(r)
		}
	}()

	for _, s := range d.stages() {
		if err = ctx.Err(); err != nil {
			break
		}
		if d.opts.DumpPasses {
			fmt.Fprintln(d.stdout, s.name)
		}
		d.timings.StartTiming(s.name)
		err = s.run(ctx)
		d.timings.EndTiming()
		if err != nil {
			err = errors.Wrap(err, strings.ToLower(s.name))
			break
		}
	}
	if err != nil {
		d.log.Errorw("compilation failed", "error", err)
		err = multierr.Append(err, d.EraseOutputFiles())
	}
	err = multierr.Append(err, d.release())
	if err != nil {
		return err
	}

	if d.opts.DumpTiming {
		d.timings.Dump(d.stdout)
	}
	if d.opts.DumpStats {
		d.Stats().Dump(d.stdout)
	}
	d.log.Infow("compilation done",
		"oat_files", d.oatNames,
		"images", d.imageNames,
		"filter", d.opts.Compiler.Filter.String(),
		"elapsed", d.timings.TotalTime())
	return nil
}

// EraseOutputFiles truncates and removes every output opened so far.
func (d *Dex2Oat) EraseOutputFiles() error { return d.outputs.eraseAll() }

// release frees what the stages acquired, in reverse.
func (d *Dex2Oat) release() error {
	var err error
	if d.iw != nil {
		d.iw.Close()
		d.iw = nil
	}
	if d.rt != nil {
		err = multierr.Append(err, d.rt.Shutdown(d.rt.MainThread()))
		d.rt = nil
	}
	for _, a := range d.archives {
		err = multierr.Append(err, a.Close())
	}
	d.archives = nil
	switch {
	case d.swap != nil:
		err = multierr.Append(err, d.swap.Close())
	case d.swapFile != nil:
		err = multierr.Append(err, d.swapFile.Close())
	}
	d.swap, d.swapFile = nil, nil
	return err
}

// Stage 1.
func (d *Dex2Oat) pruneInputs(context.Context) error {
	if d.opts.ZipFd != NoFd {
		d.locations = []string{d.opts.ZipLocation}
		return nil
	}
	d.inputs, d.locations = pruneMissing(d.opts.DexFiles, d.opts.DexLocations, d.log)
	if len(d.inputs) == 0 {
		return errors.New("none of the input files exist")
	}
	if len(d.locations) == 0 {
		d.locations = d.inputs
	}
	return nil
}

// Stage 2.
func (d *Dex2Oat) nameOutputs(context.Context) error {
	o := &d.opts
	if o.MultiImage {
		d.oatNames = ExpandOutputNames(o.OatFile, d.locations)
		d.imageNames = ExpandOutputNames(o.Image, d.locations)
		if o.OatSymbols != "" {
			d.symbolNames = ExpandOutputNames(o.OatSymbols, d.locations)
		}
		return checkDistinctOutputs(d.oatNames, d.imageNames, d.symbolNames)
	}
	oatName := o.OatFile
	if o.OatFd != NoFd {
		oatName = o.OatLocation
	}
	d.oatNames = []string{oatName}
	switch {
	case o.IsBootImage():
		d.imageNames = []string{o.Image}
	case o.AppImageFile != "":
		d.imageNames = []string{o.AppImageFile}
	case o.AppImageFd != NoFd:
		d.imageNames = []string{replaceExt(oatName, ".art")}
	}
	if o.OatSymbols != "" {
		d.symbolNames = []string{o.OatSymbols}
	}
	return nil
}

// Stage 3.
func (d *Dex2Oat) decideSwap(context.Context) error {
	n := len(d.inputs)
	if d.opts.ZipFd != NoFd {
		var st unix.Stat_t
		if err := unix.Fstat(d.opts.ZipFd, &st); err != nil {
			return resourceErr(d.opts.ZipLocation, errors.Wrap(err, "fstat"))
		}
		n, d.inputBytes = 1, st.Size
	}
	for _, in := range d.inputs {
		fi, err := os.Stat(in)
		if err != nil {
			return resourceErr(in, err)
		}
		d.inputBytes += fi.Size()
	}
	d.useSwap = (d.opts.SwapFile != "" || d.opts.SwapFd != NoFd) &&
		UseSwap(d.opts.IsBootImage(), n, d.inputBytes, d.opts.SwapDexCountThreshold, d.opts.SwapDexSizeThreshold)
	d.log.Debugw("swap decision", "inputs", n, "bytes", d.inputBytes, "swap", d.useSwap)
	return nil
}

// Stage 4.
func (d *Dex2Oat) openOutputs(context.Context) error {
	o := &d.opts
	for i, name := range d.oatNames {
		var out *outputFile
		var err error
		switch {
		case d.symbolNames != nil:
			out, err = d.outputs.create(d.symbolNames[i])
			if err == nil {
				var stripped *outputFile
				stripped, err = d.outputs.create(name)
				d.strippedOuts = append(d.strippedOuts, stripped)
			}
		case o.OatFd != NoFd:
			out, err = d.outputs.adopt(o.OatFd, name)
		default:
			out, err = d.outputs.create(name)
		}
		if err != nil {
			return err
		}
		d.oatOuts = append(d.oatOuts, out)
	}

	for _, name := range d.imageNames {
		var out *outputFile
		var err error
		if o.AppImageFd != NoFd {
			out, err = d.outputs.adopt(o.AppImageFd, name)
		} else {
			out, err = d.outputs.create(name)
		}
		if err != nil {
			return err
		}
		d.imageOuts = append(d.imageOuts, out)
	}

	switch {
	case o.SwapFile != "":
		f, err := openSwapFile(o.SwapFile)
		if err != nil {
			return err
		}
		d.swapFile = f
	case o.SwapFd != NoFd:
		d.swapFile = os.NewFile(uintptr(o.SwapFd), "swap-fd")
	}
	if d.useSwap {
		d.swap = NewSwapSpace(d.swapFile, o.Threads, d.log)
	}
	return nil
}

// Stage 5.
func (d *Dex2Oat) loadProfile(context.Context) error {
	c := &d.opts.Compiler
	if !c.Filter.DependsOnProfile() {
		return nil
	}
	var err error
	switch {
	case d.opts.ProfileFile != "":
		d.profile, err = profile.LoadFile(d.opts.ProfileFile)
		return resourceErr(d.opts.ProfileFile, err)
	case d.opts.ProfileFd != NoFd:
		d.profile, err = profile.LoadFd(d.opts.ProfileFd)
		return resourceErr("profile-file-fd", err)
	}
	d.log.Warnw("no profile given, compiling without one",
		"filter", c.Filter.String(), "using", c.Filter.NonProfile().String())
	c.Filter = c.Filter.NonProfile()
	return nil
}

// Stage 6.
func (d *Dex2Oat) openInputs(context.Context) error {
	if d.opts.ZipFd != NoFd {
		a, err := dex.OpenArchiveFd(d.opts.ZipFd, d.opts.ZipLocation, true)
		if err != nil {
			return err
		}
		d.archives = append(d.archives, a)
	}
	for i, in := range d.inputs {
		a, err := dex.OpenArchive(in, d.locations[i], true)
		if err != nil {
			return err
		}
		d.archives = append(d.archives, a)
	}

	d.kv = map[string]string{}
	cfg := oat.Config{
		ISA:              d.opts.ISA,
		Features:         d.features,
		KeyValueStore:    d.kv,
		IsBootImage:      d.opts.IsBootImage(),
		NativeDebuggable: d.opts.Compiler.NativeDebuggable,
		MiniDebugInfo:    d.opts.Compiler.GenerateMiniDebugInfo,
		Log:              d.log,
	}
	for i, out := range d.oatOuts {
		d.writers = append(d.writers, oat.NewWriter(cfg, stripDir(d.oatNames[i]), out.File))
	}
	for i, a := range d.archives {
		w := d.writers[0]
		if d.opts.MultiImage {
			w = d.writers[i]
		}
		for _, f := range a.Files {
			if err := w.AddDexFile(f.Location, f.Bytes()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stage 7.
func (d *Dex2Oat) createRuntime(context.Context) error {
	opts := d.rtOpts
	opts.Logger = d.log
	if !d.opts.IsBootImage() && d.opts.BootImage != "" {
		boot, err := loadBootImage(d.opts.BootImage)
		switch {
		case err == nil:
			d.boot = boot
			opts.ImageLocation = boot.location
			opts.ImageSpaces = boot.spaces
			opts.BootClassPath = boot.dexFiles
		case d.bootImageDefaulted && !d.opts.IsAppImage():
			d.log.Warnw("no boot image, compiling without one", "boot_image", d.opts.BootImage, "error", err)
		default:
			return err
		}
	}
	rt, err := runtime.Create(opts)
	if err != nil {
		return err
	}
	d.rt = rt
	return nil
}

func boolValue(b bool) string {
	if b {
		return rtabi.ValueTrue
	}
	return rtabi.ValueFalse
}

// Stage 8.
func (d *Dex2Oat) decideFilter(context.Context) error {
	o := &d.opts
	c := &o.Compiler

	var dexBytes int64
	for _, a := range d.archives {
		dexBytes += a.Size()
	}
	if !o.IsBootImage() && o.VeryLargeAppThreshold != UnsetThreshold &&
		dexBytes >= o.VeryLargeAppThreshold && c.Filter > compiler.VerifyAtRuntime {
		d.log.Infow("very large app, downgrading filter",
			"dex_bytes", dexBytes, "threshold", o.VeryLargeAppThreshold, "filter", c.Filter.String())
		c.Filter = compiler.VerifyAtRuntime
	}

	if FilterHookBuilt && o.FilterHookConfig != "" {
		hook, err := LoadFilterHookConfig(o.FilterHookConfig)
		if err != nil {
			return err
		}
		filter, err := hook.ApplyAll(d.oatNames, c.Filter)
		if err != nil {
			return err
		}
		if filter != c.Filter {
			d.log.Infow("filter hook matched", "locations", d.oatNames, "filter", filter.String())
			c.Filter = filter
		}
	}

	if !o.IsBootImage() {
		c.CompilePic = true
	}
	c.IsBootImage = o.IsBootImage()
	c.IsAppImage = o.IsAppImage()
	c.AbortOnHardVerifierError = o.IsBootImage()
	c.DeriveInlineLimits()

	d.kv[rtabi.KeyCompilerFilter] = c.Filter.String()
	d.kv[rtabi.KeyPic] = boolValue(c.CompilePic)
	d.kv[rtabi.KeyDebuggable] = boolValue(c.Debuggable)
	d.kv[rtabi.KeyNativeDebuggable] = boolValue(c.NativeDebuggable)
	d.kv[rtabi.KeyDex2OatHost] = boolValue(o.Host)
	d.kv[rtabi.KeyHasPatchInfo] = boolValue(o.IsBootImage() && !c.CompilePic)
	if o.CmdLine != "" {
		d.kv[rtabi.KeyDex2OatCmdLine] = o.CmdLine
	}
	if o.MultiImage {
		locs := make([]string, len(d.archives))
		for i, a := range d.archives {
			locs[i] = a.Location
		}
		d.kv[rtabi.KeyBootClassPath] = strings.Join(locs, ":")
	}
	if d.boot != nil {
		d.kv[rtabi.KeyImageLocation] = d.boot.location
		d.kv[rtabi.KeyClassPath] = strings.Join(d.locations, ":")
	}
	return nil
}

// Stage 9.
func (d *Dex2Oat) writeDexFiles(context.Context) error {
	var files []*dex.File
	for _, w := range d.writers {
		fs, err := w.WriteDexFiles()
		if err != nil {
			return err
		}
		files = append(files, fs...)
	}
	return d.rt.ClassLinker().AppendDexFiles(d.rt.MainThread(), files...)
}

func (d *Dex2Oat) loadImageClasses() error {
	o := &d.opts
	if o.ImageClasses == "" {
		return nil
	}
	var data []byte
	var err error
	if o.ImageClassesZip != "" {
		data, err = dex.ReadZipEntry(o.ImageClassesZip, o.ImageClasses)
		err = resourceErr(o.ImageClassesZip, err)
	} else {
		data, err = os.ReadFile(o.ImageClasses)
		err = resourceErr(o.ImageClasses, err)
	}
	if err != nil {
		return err
	}
	d.classes = image.NewClassSet(image.ParseClassList(data))
	d.log.Debugw("image classes", "listed", d.classes.Len())
	return nil
}

// Stage 10.
func (d *Dex2Oat) compile(ctx context.Context) error {
	if err := d.loadImageClasses(); err != nil {
		return err
	}
	d.driver = NewCompilerDriver(CompilerDriverOptions{
		Runtime:      d.rt,
		ISA:          d.opts.ISA,
		Backend:      d.opts.Backend,
		Compiler:     &d.opts.Compiler,
		Threads:      d.opts.Threads,
		Profile:      d.profile,
		ImageClasses: d.classes,
		Swap:         d.swap,
		Log:          d.log,
	})
	var files []*dex.File
	for _, w := range d.writers {
		files = append(files, w.DexFiles()...)
	}
	return d.driver.Compile(ctx, files, d.timings)
}

// Stage 11.
func (d *Dex2Oat) prepareLayout(context.Context) error {
	patcher := linker.NewMultiOatRelativePatcher(d.opts.ISA)
	var adjustment uint32
	for i, w := range d.writers {
		patcher.StartOatFile(adjustment)
		if err := w.PrepareLayout(d.driver, patcher); err != nil {
			return err
		}
		w.PrepareDynamicSection(stripDir(d.oatNames[i]))
		adjustment += base.RoundUp(w.LoadedSize(), base.PageSize)
	}
	if !d.opts.IsImage() {
		return nil
	}

	cfg := image.Config{
		ISA:           d.opts.ISA,
		Base:          d.opts.Base,
		App:           d.opts.IsAppImage(),
		CompilePic:    d.opts.Compiler.CompilePic,
		StorageMode:   d.opts.ImageFormat,
		Deterministic: d.opts.ForceDeterminism,
		Classes:       d.classes,
		Log:           d.log,
	}
	if cfg.App {
		cfg.Base = base.RoundUp(d.boot.oatEnd(), base.PageSize)
		cfg.Boot = d.boot.bounds()
	}
	d.iw = image.NewWriter(d.rt, d.rt.MainThread(), cfg)
	for i, w := range d.writers {
		d.iw.AddImage(d.imageNames[i], d.imageOuts[i].File, w)
	}
	return d.iw.Prepare()
}

// Stage 12.
func (d *Dex2Oat) writeOatFiles(context.Context) error {
	var img oat.ImageAddresses
	if d.iw != nil {
		img = d.iw
	}
	for i, w := range d.writers {
		begin := w.OatDataOffset()
		if d.iw != nil {
			begin = d.iw.OatDataBegin(i)
		}
		w.SetOatDataBegin(begin)
		if d.boot != nil {
			h := d.boot.primary()
			w.SetImageFileLocation(h.OatChecksum, h.OatDataBegin, h.PatchDelta)
		}
		if err := w.WriteRodata(); err != nil {
			return err
		}
		if err := w.WriteCode(d.driver, img); err != nil {
			return err
		}
		if err := w.WriteHeader(); err != nil {
			return err
		}
		if err := w.End(); err != nil {
			return err
		}
		d.log.Debugw("wrote oat file",
			"oat", d.oatNames[i],
			"oat_data_begin", "0x"+strconv.FormatUint(uint64(begin), 16),
			"checksum", w.Header().Checksum)
	}
	return nil
}

// Stage 13.
func (d *Dex2Oat) writeImages(context.Context) error {
	if d.iw == nil {
		return nil
	}
	return d.iw.Write()
}

// Stage 14.
func (d *Dex2Oat) fixupElf(context.Context) error {
	if !d.opts.IsBootImage() || d.opts.Compiler.CompilePic {
		return nil
	}
	for i, out := range d.oatOuts {
		if err := elf.Fixup(out.File, uint64(d.iw.OatFileBegin(i))); err != nil {
			return errors.Wrapf(err, "%s", out.displayName())
		}
	}
	return nil
}

// Stage 15.
func (d *Dex2Oat) stripCopy(context.Context) error {
	for i, stripped := range d.strippedOuts {
		src := d.oatOuts[i]
		fi, err := src.Stat()
		if err != nil {
			return resourceErr(src.displayName(), err)
		}
		data := make([]byte, fi.Size())
		if _, err := src.ReadAt(data, 0); err != nil {
			return resourceErr(src.displayName(), err)
		}
		if !d.opts.Host {
			if data, err = elf.Strip(data); err != nil {
				return errors.Wrapf(err, "%s", src.displayName())
			}
		}
		if _, err := stripped.WriteAt(data, 0); err != nil {
			return resourceErr(stripped.displayName(), err)
		}
	}
	return nil
}

// Stage 16.
func (d *Dex2Oat) flushOutputs(context.Context) error { return d.outputs.flushCloseAll() }
