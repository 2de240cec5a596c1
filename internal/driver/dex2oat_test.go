package driver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/image"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/oat"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

const bootBase = 0x70000000

var smallHeap = []string{
	"-Xms512k",
	"-Xmx4m",
	"-XX:NonMovingSpaceCapacity=1m",
	"-XX:HeapMinFree=16k",
	"-XX:HeapMaxFree=256k",
	"-Xgc:MS",
	"-XX:BackgroundGC=MS",
	"-XX:DisableHSpaceCompactForOOM",
}

// classesDex builds a dex file defining each descriptor with two static
// methods.
func classesDex(c *qt.C, descriptors ...string) []byte {
	var b dex.Builder
	for _, desc := range descriptors {
		b.AddClass(dex.Class{Descriptor: desc, Super: runtime.ObjectDescriptor, Flags: dex.AccPublic, Methods: []dex.Method{
			{Name: "run", Signature: "()V", Flags: dex.AccPublic | dex.AccStatic, Code: &dex.Code{
				Insns: []dex.Insn{dex.ReturnVoid()},
			}},
			{Name: "answer", Signature: "()I", Flags: dex.AccPublic | dex.AccStatic, Code: &dex.Code{
				Registers: 1,
				Insns:     []dex.Insn{dex.Const4(0, 7), dex.Return(0)},
			}},
		}})
	}
	data, err := b.Build()
	c.Assert(err, qt.IsNil)
	return data
}

func writeJar(c *qt.C, dir, name string, descriptors ...string) string {
	path := filepath.Join(dir, name)
	c.Assert(dex.WriteZipFile(path, classesDex(c, descriptors...)), qt.IsNil)
	return path
}

func testOptions(c *qt.C, dir string) Options {
	o := DefaultOptions()
	o.Log = zaptest.NewLogger(c.TB).Sugar()
	o.Stdout = new(bytes.Buffer)
	o.AndroidRoot = filepath.Join(dir, "no-android-root")
	o.RuntimeArgs = smallHeap
	o.Threads = 2
	o.WatchDog = false
	o.ForceDeterminism = true
	return o
}

func run(c *qt.C, o Options) *Dex2Oat {
	d, err := New(o)
	c.Assert(err, qt.IsNil)
	c.Assert(d.Run(context.Background()), qt.IsNil)
	c.Assert(runtime.Current(), qt.IsNil)
	return d
}

func hashFiles(c *qt.C, paths ...string) [][sha256.Size]byte {
	var sums [][sha256.Size]byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		c.Assert(err, qt.IsNil)
		sums = append(sums, sha256.Sum256(data))
	}
	return sums
}

// allMethodOffsets returns every method offset recorded in f.
func allMethodOffsets(f *oat.File) []uint32 {
	var offs []uint32
	for _, d := range f.DexFiles {
		for _, k := range d.Classes {
			offs = append(offs, k.MethodOffsets...)
		}
	}
	return offs
}

func TestMultiImageBootImage(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{
		writeJar(c, dir, "core-oj.jar", "LCore;"),
		writeJar(c, dir, "core-libart.jar", "LLibart;"),
	}
	o.Image = filepath.Join(dir, "boot.art")
	o.OatFile = filepath.Join(dir, "boot.oat")
	o.Base = bootBase
	o.MultiImage = true

	d := run(c, o)
	outputs := []string{
		filepath.Join(dir, "boot.art"),
		filepath.Join(dir, "boot.oat"),
		filepath.Join(dir, "boot-libart.art"),
		filepath.Join(dir, "boot-libart.oat"),
	}
	c.Assert(d.ImageFiles(), qt.DeepEquals, []string{outputs[0], outputs[2]})
	c.Assert(d.OatFiles(), qt.DeepEquals, []string{outputs[1], outputs[3]})
	c.Assert(d.Stats().CompiledMethods, qt.Equals, 4)

	first, err := image.Open(outputs[0])
	c.Assert(err, qt.IsNil)
	second, err := image.Open(outputs[2])
	c.Assert(err, qt.IsNil)
	c.Assert(first.Header.ImageBegin, qt.Equals, uint32(bootBase))
	c.Assert(second.Header.ImageBegin, qt.Equals, bootBase+first.Header.Reservation())
	c.Assert(second.Header.OatFileBegin > first.Header.OatFileBegin, qt.IsTrue)

	for i, p := range []string{outputs[1], outputs[3]} {
		f, err := oat.Open(p)
		c.Assert(err, qt.IsNil)
		c.Assert(f.Header.InstructionSet, qt.Equals, isa.X86_64)
		c.Assert(f.DexFiles, qt.HasLen, 1)
		c.Assert(f.DexFiles[0].Location, qt.Equals, o.DexFiles[i])
		c.Assert(f.Header.BootClassPath(), qt.DeepEquals, o.DexFiles)
		c.Assert(f.Header.CompilerFilter(), qt.Equals, "speed")
		c.Assert(f.Header.IsPic(), qt.IsFalse)
	}
	c.Assert(first.Header.OatChecksum, qt.Not(qt.Equals), uint32(0))

	// A second run over the same inputs writes the same bytes.
	before := hashFiles(c, outputs...)
	run(c, o)
	c.Assert(hashFiles(c, outputs...), qt.DeepEquals, before)
}

func TestAppWithSwap(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{
		writeJar(c, dir, "a.jar", "LA;"),
		writeJar(c, dir, "b.jar", "LB;"),
	}
	o.DexLocations = []string{"/data/app/a.jar", "/data/app/b.jar"}
	swapped := filepath.Join(dir, "swapped", "app.oat")
	c.Assert(os.Mkdir(filepath.Dir(swapped), 0o755), qt.IsNil)
	o.OatFile = swapped
	o.SwapFile = filepath.Join(dir, "swap")
	o.SwapDexSizeThreshold = 1
	o.SwapDexCountThreshold = 2

	d := run(c, o)
	c.Assert(d.UsedSwap(), qt.IsTrue)
	c.Assert(d.Stats().CompiledMethods, qt.Equals, 4)
	c.Assert(d.Stats().SwappedBytes > 0, qt.IsTrue)
	_, err := os.Stat(o.SwapFile)
	c.Assert(os.IsNotExist(err), qt.IsTrue)

	f, err := oat.Open(swapped)
	c.Assert(err, qt.IsNil)
	c.Assert(f.Header.CompilerFilter(), qt.Equals, "speed")
	c.Assert(f.DexFiles, qt.HasLen, 2)
	for _, off := range allMethodOffsets(f) {
		c.Assert(off, qt.Not(qt.Equals), uint32(0))
	}

	// Compiling in memory gives the same file.
	inMemory := filepath.Join(dir, "memory", "app.oat")
	c.Assert(os.Mkdir(filepath.Dir(inMemory), 0o755), qt.IsNil)
	o.OatFile = inMemory
	o.SwapDexCountThreshold = 3
	d = run(c, o)
	c.Assert(d.UsedSwap(), qt.IsFalse)
	c.Assert(hashFiles(c, inMemory), qt.DeepEquals, hashFiles(c, swapped))
	_, err = os.Stat(o.SwapFile)
	c.Assert(os.IsNotExist(err), qt.IsTrue)
}

func TestVeryLargeAppDowngrade(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{writeJar(c, dir, "big.jar", "LBig;", "LHuge;")}
	o.OatFile = filepath.Join(dir, "big.oat")
	o.VeryLargeAppThreshold = 0

	d := run(c, o)
	c.Assert(d.CompilerFilter(), qt.Equals, compiler.VerifyAtRuntime)
	c.Assert(d.Stats().CompiledMethods, qt.Equals, 0)

	f, err := oat.Open(o.OatFile)
	c.Assert(err, qt.IsNil)
	c.Assert(f.Header.CompilerFilter(), qt.Equals, "verify-at-runtime")
	for _, off := range allMethodOffsets(f) {
		c.Assert(off, qt.Equals, uint32(0))
	}
}

func TestAppBelowVeryLargeThreshold(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{writeJar(c, dir, "small.jar", "LSmall;")}
	o.OatFile = filepath.Join(dir, "small.oat")
	o.VeryLargeAppThreshold = 100000000

	d := run(c, o)
	c.Assert(d.CompilerFilter(), qt.Equals, compiler.Speed)
	c.Assert(d.Stats().CompiledMethods, qt.Equals, 2)
}

func TestProfileGuidedCompilation(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{writeJar(c, dir, "app.jar", "LApp;")}
	o.DexLocations = []string{"/data/app/app.jar"}
	o.OatFile = filepath.Join(dir, "app.oat")
	o.Compiler.Filter = compiler.SpeedProfile
	o.ProfileFile = filepath.Join(dir, "app.prof")
	c.Assert(os.WriteFile(o.ProfileFile, []byte("# hot\n/data/app/app.jar LApp;->answer()I\n"), 0o644), qt.IsNil)

	d := run(c, o)
	c.Assert(d.Stats().CompiledMethods, qt.Equals, 1)

	// Without a profile the filter falls back to speed.
	o.ProfileFile = ""
	d = run(c, o)
	c.Assert(d.CompilerFilter(), qt.Equals, compiler.Speed)
	c.Assert(d.Stats().CompiledMethods, qt.Equals, 2)
}

func TestAppAgainstBootImage(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{writeJar(c, dir, "core.jar", "LCore;")}
	o.Image = filepath.Join(dir, "boot.art")
	o.OatFile = filepath.Join(dir, "boot.oat")
	o.Base = bootBase
	o.Compiler.CompilePic = true
	run(c, o)
	boot, err := image.Open(o.Image)
	c.Assert(err, qt.IsNil)

	o = testOptions(c, dir)
	o.DexFiles = []string{writeJar(c, dir, "app.jar", "LApp;")}
	o.OatFile = filepath.Join(dir, "app.oat")
	o.BootImage = filepath.Join(dir, "boot.art")
	d := run(c, o)
	c.Assert(d.Stats().CompiledMethods, qt.Equals, 2)

	f, err := oat.Open(o.OatFile)
	c.Assert(err, qt.IsNil)
	loc, ok := f.Header.Get(rtabi.KeyImageLocation)
	c.Assert(ok, qt.IsTrue)
	c.Assert(loc, qt.Equals, o.BootImage)
	c.Assert(f.Header.ImageFileLocationOatChecksum, qt.Equals, boot.Header.OatChecksum)
	c.Assert(f.Header.ImageFileLocationOatDataBegin, qt.Equals, boot.Header.OatDataBegin)
	c.Assert(f.Header.IsPic(), qt.IsTrue)
}

func TestMissingExplicitBootImage(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{writeJar(c, dir, "app.jar", "LApp;")}
	o.OatFile = filepath.Join(dir, "app.oat")
	o.BootImage = filepath.Join(dir, "missing.art")

	d, err := New(o)
	c.Assert(err, qt.IsNil)
	err = d.Run(context.Background())
	var rerr *ResourceError
	c.Assert(err, qt.ErrorAs, &rerr)
	_, err = os.Stat(o.OatFile)
	c.Assert(os.IsNotExist(err), qt.IsTrue)
}

func TestFailureErasesOutputs(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{
		writeJar(c, dir, "a.jar", "LDup;"),
		writeJar(c, dir, "b.jar", "LDup;"),
	}
	o.OatFile = filepath.Join(dir, "app.oat")

	d, err := New(o)
	c.Assert(err, qt.IsNil)
	err = d.Run(context.Background())
	c.Assert(err, qt.ErrorMatches, `compile: class LDup; is defined in .*a.jar and .*b.jar`)
	_, err = os.Stat(o.OatFile)
	c.Assert(os.IsNotExist(err), qt.IsTrue)
	c.Assert(runtime.Current(), qt.IsNil)
}

func TestMultiImageCollidingNames(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{
		writeJar(c, dir, "core-oj.jar", "LCore;"),
		writeJar(c, dir, "core-libart.jar", "LLibart;"),
		writeJar(c, dir, "okhttp-libart.jar", "LOkhttp;"),
	}
	o.Image = filepath.Join(dir, "boot.art")
	o.OatFile = filepath.Join(dir, "boot.oat")
	o.Base = bootBase
	o.MultiImage = true

	d := run(c, o)
	c.Assert(d.OatFiles(), qt.DeepEquals, []string{
		filepath.Join(dir, "boot.oat"),
		filepath.Join(dir, "boot-core-libart.oat"),
		filepath.Join(dir, "boot-okhttp-libart.oat"),
	})
	for _, p := range d.OatFiles()[1:] {
		f, err := oat.Open(p)
		c.Assert(err, qt.IsNil)
		c.Assert(f.DexFiles, qt.HasLen, 1)
	}
}

func TestMultiImageDuplicateInputIsRejected(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	jar := writeJar(c, dir, "core-libart.jar", "LLibart;")
	o.DexFiles = []string{writeJar(c, dir, "core-oj.jar", "LCore;"), jar, jar}
	o.Image = filepath.Join(dir, "boot.art")
	o.OatFile = filepath.Join(dir, "boot.oat")
	o.Base = bootBase
	o.MultiImage = true

	d, err := New(o)
	c.Assert(err, qt.IsNil)
	err = d.Run(context.Background())
	var uerr *UsageError
	c.Assert(err, qt.ErrorAs, &uerr)
	c.Assert(err, qt.ErrorMatches, "name outputs: duplicate output name .*/boot-core-libart.oat")
	_, statErr := os.Stat(o.OatFile)
	c.Assert(os.IsNotExist(statErr), qt.IsTrue)
}

func TestMissingInputsArePruned(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{filepath.Join(dir, "gone.jar"), writeJar(c, dir, "here.jar", "LHere;")}
	o.OatFile = filepath.Join(dir, "app.oat")
	run(c, o)

	f, err := oat.Open(o.OatFile)
	c.Assert(err, qt.IsNil)
	c.Assert(f.DexFiles, qt.HasLen, 1)
	c.Assert(f.DexFiles[0].Location, qt.Equals, o.DexFiles[1])

	o.DexFiles = o.DexFiles[:1]
	d, err := New(o)
	c.Assert(err, qt.IsNil)
	c.Assert(d.Run(context.Background()), qt.ErrorMatches, "prune inputs: none of the input files exist")
}

func TestCancelledRun(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{writeJar(c, dir, "app.jar", "LApp;")}
	o.OatFile = filepath.Join(dir, "app.oat")

	d, err := New(o)
	c.Assert(err, qt.IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Assert(d.Run(ctx), qt.Equals, context.Canceled)
	_, err = os.Stat(o.OatFile)
	c.Assert(os.IsNotExist(err), qt.IsTrue)
}

func TestDiagnosticDumps(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	o := testOptions(c, dir)
	o.DexFiles = []string{writeJar(c, dir, "app.jar", "LApp;")}
	o.OatFile = filepath.Join(dir, "app.oat")
	o.DumpPasses, o.DumpTiming, o.DumpStats = true, true, true
	out := new(bytes.Buffer)
	o.Stdout = out
	d := run(c, o)

	var passes []string
	for _, s := range d.stages() {
		passes = append(passes, s.name)
	}
	lines := strings.Split(out.String(), "\n")
	if diff := cmp.Diff(passes, lines[:len(passes)]); diff != "" {
		c.Fatalf("stage list mismatch (-want +got):\n%s", diff)
	}
	c.Assert(out.String(), qt.Contains, "dex2oat: end,")
	c.Assert(out.String(), qt.Contains, "methods: 2 (0 native, 2 compiled, 0 skipped)")
}

func TestNewRejectsBadArguments(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()

	o := testOptions(c, dir)
	o.DexFiles = []string{"app.jar"}
	o.OatFile = filepath.Join(dir, "app.oat")
	o.RuntimeArgs = []string{"-Xbogus"}
	_, err := New(o)
	c.Assert(IsUsageError(err), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, "--runtime-arg: .*-Xbogus.*")

	o.RuntimeArgs = smallHeap
	o.ISAFeatures = "no-such-feature"
	_, err = New(o)
	c.Assert(IsUsageError(err), qt.IsTrue)

	// Nothing was created.
	_, err = os.Stat(o.OatFile)
	c.Assert(os.IsNotExist(err), qt.IsTrue)
}
