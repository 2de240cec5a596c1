package driver

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap/zaptest"
)

func TestMultiImageName(t *testing.T) {
	tests := []struct {
		primary, input, want string
	}{
		{"/tmp/boot.art", "core-libart.jar", "/tmp/boot-libart.art"},
		{"/tmp/boot.oat", "/system/framework/core-oj.jar", "/tmp/boot-oj.oat"},
		{"/tmp/boot.art", "framework.jar", "/tmp/boot-framework.art"},
		{"boot.art", "ext.jar", "boot-ext.art"},
		{"/data/system@framework@boot.art", "/system/framework/core-libart.jar", "/data/system@framework@boot-libart.art"},
		{"/system/framework/boot-framework.art", "ext.jar", "/system/framework/boot-framework-ext.art"},
		{"/system/framework/boot-framework.art", "/in/telephony-common.jar", "/system/framework/boot-framework-common.art"},
	}
	for _, test := range tests {
		got := MultiImageName(test.primary, test.input)
		qt.Check(t, got, qt.Equals, test.want, qt.Commentf("%s + %s", test.primary, test.input))
		// Feeding the result back in changes nothing.
		qt.Check(t, MultiImageName(test.primary, got), qt.Equals, got)
	}
}

func TestExpandOutputNames(t *testing.T) {
	got := ExpandOutputNames("/tmp/boot.art", []string{"/in/core-oj.jar", "/in/core-libart.jar", "/in/okhttp.jar"})
	qt.Assert(t, got, qt.DeepEquals, []string{"/tmp/boot.art", "/tmp/boot-libart.art", "/tmp/boot-okhttp.art"})
}

func TestExpandOutputNamesKeepsCollidingStems(t *testing.T) {
	got := ExpandOutputNames("/tmp/boot.oat", []string{"/a/core-oj.jar", "/a/core-libart.jar", "/a/okhttp-libart.jar", "/a/bouncycastle.jar"})
	qt.Assert(t, got, qt.DeepEquals, []string{
		"/tmp/boot.oat",
		"/tmp/boot-core-libart.oat",
		"/tmp/boot-okhttp-libart.oat",
		"/tmp/boot-bouncycastle.oat",
	})
	qt.Assert(t, checkDistinctOutputs(got), qt.IsNil)
}

func TestCheckDistinctOutputs(t *testing.T) {
	c := qt.New(t)
	c.Assert(checkDistinctOutputs([]string{"/tmp/boot.oat", "/tmp/boot-a.oat"}, []string{"/tmp/boot.art"}, nil), qt.IsNil)

	err := checkDistinctOutputs([]string{"/tmp/boot.oat"}, []string{"/tmp/boot-a.art", "/tmp/boot-a.art"})
	var uerr *UsageError
	c.Assert(err, qt.ErrorAs, &uerr)
	c.Assert(err, qt.ErrorMatches, "duplicate output name /tmp/boot-a.art")

	// The same path given as oat and image output.
	err = checkDistinctOutputs([]string{"/tmp/boot.oat"}, []string{"/tmp/boot.oat"})
	c.Assert(err, qt.ErrorAs, &uerr)
}

func TestReplaceExt(t *testing.T) {
	qt.Check(t, replaceExt("/tmp/boot.art", ".oat"), qt.Equals, "/tmp/boot.oat")
	qt.Check(t, replaceExt("/tmp.d/boot", ".oat"), qt.Equals, "/tmp.d/boot.oat")
}

func TestPruneMissing(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	a, b := filepath.Join(dir, "a.jar"), filepath.Join(dir, "b.jar")
	c.Assert(os.WriteFile(b, []byte("x"), 0o644), qt.IsNil)
	log := zaptest.NewLogger(t).Sugar()

	files, locs := pruneMissing([]string{a, b}, []string{"/system/a.jar", "/system/b.jar"}, log)
	c.Assert(files, qt.DeepEquals, []string{b})
	c.Assert(locs, qt.DeepEquals, []string{"/system/b.jar"})

	files, locs = pruneMissing([]string{a, b}, nil, log)
	c.Assert(files, qt.DeepEquals, []string{b})
	c.Assert(locs, qt.HasLen, 0)
}
