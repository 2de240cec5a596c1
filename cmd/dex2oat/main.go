// Package main implements the dex2oat entry point: it compiles bytecode
// archives into oat files and, for boot and app images, the heap images
// that go with them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/driver"
	"github.com/you-not-fish/dex2oat/internal/image"
	"github.com/you-not-fish/dex2oat/internal/isa"
)

// stringList collects every value of a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

// commaList is a flag holding a comma separated list.
type commaList []string

func (l *commaList) String() string { return strings.Join(*l, ",") }

func (l *commaList) Set(s string) error {
	*l = nil
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l = append(*l, v)
		}
	}
	return nil
}

// funcValue adapts a parse function to flag.Value.
type funcValue struct {
	set func(string) error
	str func() string
}

func (f funcValue) String() string {
	if f.str == nil {
		return ""
	}
	return f.str()
}

func (f funcValue) Set(s string) error { return f.set(s) }

type commandLine struct {
	opts    driver.Options
	verbose bool
}

// parseArgs turns the command line into driver options. Values may also
// come from DEX2OAT_* environment variables or a --config file.
func parseArgs(args []string, stderr io.Writer) (*commandLine, error) {
	cl := &commandLine{opts: driver.DefaultOptions()}
	o := &cl.opts
	c := &o.Compiler

	fs := flag.NewFlagSet("dex2oat", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Var((*stringList)(&o.DexFiles), "dex-file", "input archive `path` (repeatable)")
	fs.Var((*stringList)(&o.DexLocations), "dex-location", "location recorded for the matching --dex-file (repeatable)")
	fs.IntVar(&o.ZipFd, "zip-fd", driver.NoFd, "open descriptor of the input archive")
	fs.StringVar(&o.ZipLocation, "zip-location", "", "location recorded for --zip-fd")

	fs.StringVar(&o.OatFile, "oat-file", "", "oat file to write")
	fs.IntVar(&o.OatFd, "oat-fd", driver.NoFd, "open descriptor to write the oat file to")
	fs.StringVar(&o.OatLocation, "oat-location", "", "location of the oat file written to --oat-fd")
	fs.StringVar(&o.OatSymbols, "oat-symbols", "", "unstripped oat file; --oat-file gets the stripped copy")

	fs.StringVar(&o.Image, "image", "", "boot image to write")
	fs.StringVar(&o.AppImageFile, "app-image-file", "", "app image to write")
	fs.IntVar(&o.AppImageFd, "app-image-fd", driver.NoFd, "open descriptor to write the app image to")
	fs.Var(funcValue{
		set: func(s string) (err error) { o.ImageFormat, err = image.ParseStorageMode(s); return err },
		str: func() string { return o.ImageFormat.String() },
	}, "image-format", "image storage: uncompressed, lz4 or lz4hc")
	fs.StringVar(&o.ImageClasses, "image-classes", "", "class list of the boot image")
	fs.StringVar(&o.ImageClassesZip, "image-classes-zip", "", "zip holding the --image-classes entry")
	fs.Var(funcValue{
		set: func(s string) error {
			v, err := strconv.ParseUint(s, 0, 32)
			o.Base = uint32(v)
			return err
		},
		str: func() string { return "0x" + strconv.FormatUint(uint64(o.Base), 16) },
	}, "base", "address of the boot image")
	fs.BoolVar(&o.MultiImage, "multi-image", false, "write one oat file and image per input")
	fs.StringVar(&o.BootImage, "boot-image", "", "boot image to compile an app against")
	fs.StringVar(&o.AndroidRoot, "android-root", "", "root of the default boot image (defaults to $ANDROID_ROOT)")

	fs.Var(funcValue{
		set: func(s string) (err error) { o.ISA, err = isa.Parse(s); return err },
		str: func() string { return o.ISA.String() },
	}, "instruction-set", "target instruction set")
	fs.StringVar(&o.ISAFeatures, "instruction-set-features", "", "comma separated features, - to remove one")
	fs.StringVar(&o.ISAVariant, "instruction-set-variant", "", "target CPU variant")
	fs.Var(funcValue{
		set: func(s string) (err error) { o.Backend, err = compiler.ParseBackend(s); return err },
		str: func() string { return o.Backend.String() },
	}, "compiler-backend", "Quick or Optimizing")
	fs.Var(&c.Filter, "compiler-filter", "compiler filter")
	fs.IntVar(&c.HugeMethodThreshold, "huge-method-max", c.HugeMethodThreshold, "code units above which a method is huge")
	fs.IntVar(&c.LargeMethodThreshold, "large-method-max", c.LargeMethodThreshold, "code units above which a method is large")
	fs.IntVar(&c.SmallMethodThreshold, "small-method-max", c.SmallMethodThreshold, "code units above which a method is small")
	fs.IntVar(&c.TinyMethodThreshold, "tiny-method-max", c.TinyMethodThreshold, "code units above which a method is tiny")
	fs.IntVar(&c.NumDexMethods, "num-dex-methods", c.NumDexMethods, "methods above which an app is large")
	fs.IntVar(&c.InlineDepthLimit, "inline-depth-limit", c.InlineDepthLimit, "inlining depth, derived from the filter when unset")
	fs.IntVar(&c.InlineMaxCodeUnits, "inline-max-code-units", c.InlineMaxCodeUnits, "largest inlined method, derived from the filter when unset")
	fs.Var((*commaList)(&c.NoInlineFrom), "no-inline-from", "dex locations never inlined or called directly from other files")
	fs.BoolVar(&c.GenerateDebugInfo, "generate-debug-info", false, "emit debug sections")
	fs.BoolVar(&c.GenerateMiniDebugInfo, "generate-mini-debug-info", false, "emit compressed symbols for unwinding")
	fs.BoolVar(&c.Debuggable, "debuggable", false, "compile debuggable code")
	fs.BoolVar(&c.NativeDebuggable, "native-debuggable", false, "give every method its own code and symbol")
	fs.BoolVar(&c.CompilePic, "compile-pic", false, "compile position independent code")
	fs.Var((*commaList)(&c.VerboseMethods), "verbose-methods", "log the compilation of matching methods")

	fs.StringVar(&o.SwapFile, "swap-file", "", "file to keep compiled code in")
	fs.IntVar(&o.SwapFd, "swap-fd", driver.NoFd, "open descriptor to keep compiled code in")
	fs.Int64Var(&o.SwapDexSizeThreshold, "swap-dex-size-threshold", o.SwapDexSizeThreshold, "input bytes from which swap is used")
	fs.IntVar(&o.SwapDexCountThreshold, "swap-dex-count-threshold", o.SwapDexCountThreshold, "inputs from which swap is used")
	fs.Int64Var(&o.VeryLargeAppThreshold, "very-large-app-threshold", o.VeryLargeAppThreshold, "dex bytes from which an app only verifies (-1: never)")

	fs.BoolVar(&o.ForceDeterminism, "force-determinism", false, "make outputs reproducible")
	fs.IntVar(&o.Threads, "j", o.Threads, "compiler threads")
	fs.Var((*stringList)(&o.RuntimeArgs), "runtime-arg", "runtime option (repeatable)")
	fs.BoolVar(&o.WatchDog, "watch-dog", true, "abort a compilation that runs too long")
	noWatchDog := fs.Bool("no-watch-dog", false, "disable the watchdog")
	fs.DurationVar(&o.WatchDogTimeout, "watch-dog-timeout", o.WatchDogTimeout, "watchdog deadline")
	fs.BoolVar(&o.Host, "host", false, "host build: keep symbols")

	fs.StringVar(&o.ProfileFile, "profile-file", "", "profile for profile-guided filters")
	fs.IntVar(&o.ProfileFd, "profile-file-fd", driver.NoFd, "open descriptor of the profile")

	fs.BoolVar(&o.DumpTiming, "dump-timing", false, "print stage timings")
	fs.BoolVar(&o.DumpPasses, "dump-passes", false, "print each stage as it runs")
	fs.BoolVar(&o.DumpStats, "dump-stats", false, "print compilation statistics")
	fs.StringVar(&o.FilterHookConfig, "filter-hook-config", "", "filter hook configuration (JSON with comments)")
	fs.BoolVar(&cl.verbose, "verbose", false, "log at debug level")
	fs.String("config", "", "file of flags, one per line")

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("DEX2OAT"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser))
	if err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, errors.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if *noWatchDog {
		o.WatchDog = false
	}
	return cl, nil
}

// run is main without the exit, for tests.
func run(args []string, stdout, stderr io.Writer) (code int) {
	cl, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	log := base.NewLogger(cl.verbose)
	defer func() { _ = log.Sync() }()
	base.SetFatalLogger(log)
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*base.FatalError)
			if !ok {
				panic(r)
			}
			fmt.Fprintf(stderr, "error: %v\n", fe)
			code = 1
		}
	}()

	opts := cl.opts
	opts.Log = log
	opts.Stdout = stdout
	opts.CmdLine = strings.Join(args, " ")
	d, err := driver.New(opts)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
