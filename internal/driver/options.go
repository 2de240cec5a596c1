package driver

import (
	"io"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/image"
	"github.com/you-not-fish/dex2oat/internal/isa"
)

// NoFd marks a file descriptor option that was not given.
const NoFd = -1

// Swap and very-large-app defaults.
const (
	DefaultSwapDexSizeThreshold  = 20 * base.MB
	DefaultSwapDexCountThreshold = 2
	// UnsetThreshold disables the very-large-app downgrade.
	UnsetThreshold = -1
)

// DefaultWatchDogTimeout is how long a compilation may run before the
// watchdog aborts it.
const DefaultWatchDogTimeout = 9*time.Minute + 30*time.Second

// Options are everything the command line configures.
type Options struct {
	DexFiles     []string
	DexLocations []string
	ZipFd        int
	ZipLocation  string

	OatFile     string
	OatFd       int
	OatLocation string
	// OatSymbols receives the unstripped oat file; OatFile then gets the
	// stripped copy.
	OatSymbols string

	// Image is the boot image to write.
	Image           string
	AppImageFile    string
	AppImageFd      int
	ImageFormat     image.StorageMode
	ImageClasses    string
	ImageClassesZip string
	Base            uint32
	MultiImage      bool

	// BootImage is the boot image an app is compiled against. It defaults
	// to framework/boot.art under AndroidRoot or $ANDROID_ROOT.
	BootImage   string
	AndroidRoot string

	ISA         isa.InstructionSet
	ISAFeatures string
	ISAVariant  string
	Backend     compiler.Backend
	Compiler    compiler.Options

	SwapFile              string
	SwapFd                int
	SwapDexSizeThreshold  int64
	SwapDexCountThreshold int
	// VeryLargeAppThreshold is in bytes of dex code; UnsetThreshold turns
	// the downgrade off.
	VeryLargeAppThreshold int64

	ForceDeterminism bool
	Threads          int
	RuntimeArgs      []string
	WatchDog         bool
	WatchDogTimeout  time.Duration
	Host             bool

	ProfileFile string
	ProfileFd   int

	DumpTiming bool
	DumpPasses bool
	DumpStats  bool

	FilterHookConfig string
	// CmdLine is recorded in the oat header.
	CmdLine string

	Log *zap.SugaredLogger
	// Stdout receives the diagnostics dumps.
	Stdout io.Writer
}

// DefaultOptions returns the options of a command line without flags.
func DefaultOptions() Options {
	return Options{
		ZipFd:                 NoFd,
		OatFd:                 NoFd,
		AppImageFd:            NoFd,
		SwapFd:                NoFd,
		ProfileFd:             NoFd,
		ImageFormat:           image.StorageUncompressed,
		ISA:                   isa.X86_64,
		Backend:               compiler.Optimizing,
		Compiler:              compiler.DefaultOptions(),
		SwapDexSizeThreshold:  DefaultSwapDexSizeThreshold,
		SwapDexCountThreshold: DefaultSwapDexCountThreshold,
		VeryLargeAppThreshold: UnsetThreshold,
		Threads:               goruntime.NumCPU(),
		WatchDog:              true,
		WatchDogTimeout:       DefaultWatchDogTimeout,
	}
}

// IsBootImage reports whether a boot image is being compiled.
func (o *Options) IsBootImage() bool { return o.Image != "" }

// IsAppImage reports whether an app image is requested.
func (o *Options) IsAppImage() bool { return o.AppImageFile != "" || o.AppImageFd != NoFd }

// IsImage reports whether any image is written.
func (o *Options) IsImage() bool { return o.IsBootImage() || o.IsAppImage() }

// Validate checks that the options fit together and fills in the default
// boot image. It opens no file.
func (o *Options) Validate() error {
	switch {
	case len(o.DexFiles) == 0 && o.ZipFd == NoFd:
		return usagef("no input: give --dex-file or --zip-fd")
	case len(o.DexFiles) != 0 && o.ZipFd != NoFd:
		return usagef("--dex-file and --zip-fd are exclusive")
	case o.ZipFd != NoFd && o.ZipLocation == "":
		return usagef("--zip-fd needs --zip-location")
	case len(o.DexLocations) != 0 && len(o.DexLocations) != len(o.DexFiles):
		return usagef("%d --dex-location for %d --dex-file", len(o.DexLocations), len(o.DexFiles))
	}

	switch {
	case o.OatFile == "" && o.OatFd == NoFd:
		return usagef("no output: give --oat-file or --oat-fd")
	case o.OatFile != "" && o.OatFd != NoFd:
		return usagef("--oat-file and --oat-fd are exclusive")
	case o.OatFd != NoFd && o.OatLocation == "":
		return usagef("--oat-fd needs --oat-location")
	case o.OatSymbols != "" && o.OatFd != NoFd:
		return usagef("--oat-symbols needs --oat-file")
	}

	switch {
	case o.IsBootImage() && o.IsAppImage():
		return usagef("--image and --app-image-file/--app-image-fd are exclusive")
	case o.AppImageFile != "" && o.AppImageFd != NoFd:
		return usagef("--app-image-file and --app-image-fd are exclusive")
	case o.IsBootImage() && o.Base == 0:
		return usagef("--image needs --base")
	case !base.IsAligned(o.Base, uint32(base.PageSize)):
		return usagef("--base=%#x is not page aligned", o.Base)
	case o.ImageClasses != "" && !o.IsBootImage():
		return usagef("--image-classes is only valid with --image")
	case o.ImageClassesZip != "" && o.ImageClasses == "":
		return usagef("--image-classes-zip needs --image-classes")
	case o.MultiImage && !o.IsBootImage():
		return usagef("--multi-image is only valid with --image")
	case o.MultiImage && o.OatFd != NoFd:
		return usagef("--multi-image needs --oat-file")
	case o.IsBootImage() && o.BootImage != "":
		return usagef("--boot-image is not valid when compiling a boot image")
	}

	switch {
	case o.SwapFile != "" && o.SwapFd != NoFd:
		return usagef("--swap-file and --swap-fd are exclusive")
	case o.ProfileFile != "" && o.ProfileFd != NoFd:
		return usagef("--profile-file and --profile-file-fd are exclusive")
	case o.SwapDexSizeThreshold < 0:
		return usagef("--swap-dex-size-threshold=%d is negative", o.SwapDexSizeThreshold)
	case o.SwapDexCountThreshold < 0:
		return usagef("--swap-dex-count-threshold=%d is negative", o.SwapDexCountThreshold)
	case o.Threads < 1:
		return usagef("-j%d: need at least one thread", o.Threads)
	case o.ISA == isa.None:
		return usagef("no instruction set")
	}

	if !o.IsBootImage() && o.BootImage == "" {
		root := o.AndroidRoot
		if root == "" {
			root = os.Getenv("ANDROID_ROOT")
		}
		if root != "" {
			o.BootImage = filepath.Join(root, "framework", "boot.art")
		}
	}
	if o.IsAppImage() && o.BootImage == "" {
		return usagef("an app image needs a boot image: give --boot-image or set ANDROID_ROOT")
	}
	return nil
}

// dexLocation returns the location recorded for input i.
func (o *Options) dexLocation(i int) string {
	if i < len(o.DexLocations) {
		return o.DexLocations[i]
	}
	return o.DexFiles[i]
}
