package driver

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/compiler"
)

func writeHookConfig(c *qt.C, packages string) string {
	dir := c.TempDir()
	list := filepath.Join(dir, "packages.txt")
	c.Assert(os.WriteFile(list, []byte(packages), 0o644), qt.IsNil)
	cfg := filepath.Join(dir, "hook.json")
	c.Assert(os.WriteFile(cfg, []byte(`{
	// Apps listed here only verify.
	"enabled": true,
	"match-list-path": "`+list+`",
}
`), 0o644), qt.IsNil)
	return cfg
}

func TestFilterHook(t *testing.T) {
	c := qt.New(t)
	path := writeHookConfig(c, "# slow to compile\ncom.example.big\n\n  org.other.app  \nnet.sample.huge:1:arm64\n")
	hook, err := LoadFilterHookConfig(path)
	c.Assert(err, qt.IsNil)
	c.Assert(hook.Enabled, qt.IsTrue)

	tests := []struct {
		location string
		filter   compiler.Filter
		want     compiler.Filter
	}{
		{"/data/app/com.example.big-1/base.odex", compiler.Speed, compiler.VerifyAtRuntime},
		{"/data/app/org.other.app-2/base.odex", compiler.Everything, compiler.VerifyAtRuntime},
		{"/data/app/com.example.small-1/base.odex", compiler.Speed, compiler.Speed},
		// Only the package name before the colon is matched.
		{"/data/app/net.sample.huge-1/oat/arm64/base.odex", compiler.Speed, compiler.VerifyAtRuntime},
		{"/data/app/net.sample-1/oat/arm64/base.odex", compiler.Speed, compiler.Speed},
		// The hook never raises a filter.
		{"/data/app/com.example.big-1/base.odex", compiler.VerifyNone, compiler.VerifyNone},
		{"/data/app/com.example.big-1/base.odex", compiler.VerifyAtRuntime, compiler.VerifyAtRuntime},
	}
	for _, test := range tests {
		got, err := hook.Apply(test.location, test.filter)
		c.Assert(err, qt.IsNil)
		c.Check(got, qt.Equals, test.want, qt.Commentf("%s with %v", test.location, test.filter))
	}
}

func TestFilterHookAnyLocation(t *testing.T) {
	c := qt.New(t)
	hook, err := LoadFilterHookConfig(writeHookConfig(c, "com.example.big\n"))
	c.Assert(err, qt.IsNil)

	got, err := hook.ApplyAll([]string{"/data/app/other/base.odex", "/data/app/com.example.big-1/split.odex"}, compiler.Speed)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, compiler.VerifyAtRuntime)

	got, err = hook.ApplyAll([]string{"/data/app/other/base.odex", "/data/app/another/split.odex"}, compiler.Speed)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, compiler.Speed)
}

func TestFilterHookDisabled(t *testing.T) {
	hook := FilterHookConfig{MatchListPath: "/nonexistent"}
	got, err := hook.Apply("/data/app/anything", compiler.Speed)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, got, qt.Equals, compiler.Speed)
}

func TestFilterHookErrors(t *testing.T) {
	c := qt.New(t)
	_, err := LoadFilterHookConfig(filepath.Join(c.TempDir(), "missing.json"))
	var rerr *ResourceError
	c.Assert(err, qt.ErrorAs, &rerr)

	bad := filepath.Join(c.TempDir(), "bad.json")
	c.Assert(os.WriteFile(bad, []byte(`{"enabled": tru}`), 0o644), qt.IsNil)
	_, err = LoadFilterHookConfig(bad)
	c.Assert(err, qt.ErrorMatches, "parsing filter hook config .*")

	hook := FilterHookConfig{Enabled: true, MatchListPath: filepath.Join(c.TempDir(), "missing.txt")}
	_, err = hook.Apply("/data/app/x", compiler.Speed)
	c.Assert(err, qt.ErrorAs, &rerr)
}
