package driver

import (
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/isa"
)

func validOptions() Options {
	o := DefaultOptions()
	o.DexFiles = []string{"app.jar"}
	o.OatFile = "app.oat"
	o.AndroidRoot = "/nonexistent"
	return o
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *Options)
		want   string
	}{
		{"no input", func(o *Options) { o.DexFiles = nil }, "no input.*"},
		{"dex file and zip fd", func(o *Options) { o.ZipFd = 3; o.ZipLocation = "x.jar" }, ".*exclusive"},
		{"zip fd without location", func(o *Options) { o.DexFiles = nil; o.ZipFd = 3 }, "--zip-fd needs --zip-location"},
		{"location count", func(o *Options) { o.DexLocations = []string{"a", "b"} }, "2 --dex-location for 1 --dex-file"},
		{"no output", func(o *Options) { o.OatFile = "" }, "no output.*"},
		{"oat file and fd", func(o *Options) { o.OatFd = 4 }, "--oat-file and --oat-fd are exclusive"},
		{"oat fd without location", func(o *Options) { o.OatFile = ""; o.OatFd = 4 }, "--oat-fd needs --oat-location"},
		{"image without base", func(o *Options) { o.Image = "boot.art"; o.AndroidRoot = "" }, "--image needs --base"},
		{"unaligned base", func(o *Options) { o.Image = "boot.art"; o.Base = 0x70000010 }, ".*not page aligned"},
		{"boot and app image", func(o *Options) { o.Image = "boot.art"; o.Base = 0x70000000; o.AppImageFile = "app.art" }, ".*exclusive"},
		{"image classes without image", func(o *Options) { o.ImageClasses = "classes.txt" }, "--image-classes is only valid with --image"},
		{"multi-image without image", func(o *Options) { o.MultiImage = true }, "--multi-image is only valid with --image"},
		{"boot image while compiling one", func(o *Options) {
			o.Image, o.Base, o.BootImage = "boot.art", 0x70000000, "other.art"
		}, "--boot-image is not valid.*"},
		{"swap file and fd", func(o *Options) { o.SwapFile = "swap"; o.SwapFd = 5 }, "--swap-file and --swap-fd are exclusive"},
		{"negative swap size", func(o *Options) { o.SwapDexSizeThreshold = -1 }, "--swap-dex-size-threshold=-1 is negative"},
		{"negative swap count", func(o *Options) { o.SwapDexCountThreshold = -2 }, "--swap-dex-count-threshold=-2 is negative"},
		{"no threads", func(o *Options) { o.Threads = 0 }, "-j0: need at least one thread"},
		{"no isa", func(o *Options) { o.ISA = isa.None }, "no instruction set"},
		{"app image without boot image", func(o *Options) { o.AndroidRoot = ""; o.AppImageFile = "app.art" }, "an app image needs a boot image.*"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Setenv("ANDROID_ROOT", "")
			o := validOptions()
			test.modify(&o)
			err := o.Validate()
			qt.Assert(t, err, qt.ErrorMatches, test.want)
			qt.Assert(t, IsUsageError(err), qt.IsTrue)
		})
	}
}

func TestValidateDefaultsBootImage(t *testing.T) {
	c := qt.New(t)
	t.Setenv("ANDROID_ROOT", "/env/root")

	o := validOptions()
	o.AndroidRoot = ""
	c.Assert(o.Validate(), qt.IsNil)
	c.Assert(o.BootImage, qt.Equals, filepath.Join("/env/root", "framework", "boot.art"))

	o = validOptions()
	o.AndroidRoot = "/flag/root"
	c.Assert(o.Validate(), qt.IsNil)
	c.Assert(o.BootImage, qt.Equals, "/flag/root/framework/boot.art")

	o = validOptions()
	o.Image, o.Base = "boot.art", 0x70000000
	c.Assert(o.Validate(), qt.IsNil)
	c.Assert(o.BootImage, qt.Equals, "")
}

func TestDexLocation(t *testing.T) {
	o := validOptions()
	o.DexFiles = []string{"/tmp/a.jar", "/tmp/b.jar"}
	qt.Assert(t, o.dexLocation(1), qt.Equals, "/tmp/b.jar")
	o.DexLocations = []string{"/system/a.jar", "/system/b.jar"}
	qt.Assert(t, o.dexLocation(1), qt.Equals, "/system/b.jar")
}
