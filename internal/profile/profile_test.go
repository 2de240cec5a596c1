package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

const sample = `# hot code
/data/app/base.apk LFoo;->run()V
/data/app/base.apk LBar;

/data/app/base.apk:classes2.dex LBaz;->get(I)Ljava/lang/String;
`

func TestLoad(t *testing.T) {
	c := qt.New(t)
	p, err := Load(strings.NewReader(sample))
	c.Assert(err, qt.IsNil)
	c.Assert(p.ContainsMethod("/data/app/base.apk", "LFoo;->run()V"), qt.IsTrue)
	c.Assert(p.ContainsClass("/data/app/base.apk", "LFoo;"), qt.IsTrue)
	c.Assert(p.ContainsClass("/data/app/base.apk", "LBar;"), qt.IsTrue)
	c.Assert(p.ContainsMethod("/data/app/base.apk", "LBaz;->get(I)Ljava/lang/String;"), qt.IsFalse)
	c.Assert(p.ContainsMethod("/data/app/base.apk:classes2.dex", "LBaz;->get(I)Ljava/lang/String;"), qt.IsTrue)
	c.Assert(p.NumMethods(), qt.Equals, 2)
	c.Assert(p.Locations(), qt.DeepEquals, []string{"/data/app/base.apk", "/data/app/base.apk:classes2.dex"})

	var nilProfile *Profile
	c.Assert(nilProfile.ContainsClass("x", "LFoo;"), qt.IsFalse)
}

func TestLoadErrors(t *testing.T) {
	for _, in := range []string{
		"onlyonefield\n",
		"loc notadescriptor\n",
		"loc LFoo;->run\n",
	} {
		if _, err := Load(strings.NewReader(in)); err == nil {
			t.Errorf("Load(%q) succeeded", in)
		}
	}
}

func TestLoadFd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.txt")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	p, err := LoadFd(int(f.Fd()))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, p.NumMethods(), qt.Equals, 2)
}
