package driver

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"golang.org/x/sys/unix"
)

func dupFd(f *os.File) (int, error) { return unix.Dup(int(f.Fd())) }

func TestOutputsFlushClose(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	path := filepath.Join(dir, "out.oat")
	c.Assert(os.WriteFile(path, []byte("stale contents"), 0o600), qt.IsNil)

	var s outputSet
	o, err := s.create(path)
	c.Assert(err, qt.IsNil)
	_, err = o.Write([]byte("oat"))
	c.Assert(err, qt.IsNil)
	c.Assert(s.flushCloseAll(), qt.IsNil)
	// A second flush is a no-op.
	c.Assert(s.flushCloseAll(), qt.IsNil)

	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "oat")
	fi, err := os.Stat(path)
	c.Assert(err, qt.IsNil)
	c.Assert(fi.Mode().Perm(), qt.Equals, os.FileMode(outputMode))
}

func TestOutputsErase(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()

	var s outputSet
	open, err := s.create(filepath.Join(dir, "open.oat"))
	c.Assert(err, qt.IsNil)
	_, err = open.Write([]byte("partial"))
	c.Assert(err, qt.IsNil)
	closed, err := s.create(filepath.Join(dir, "closed.art"))
	c.Assert(err, qt.IsNil)
	c.Assert(closed.flushClose(), qt.IsNil)

	adoptedPath := filepath.Join(dir, "adopted.oat")
	f, err := os.Create(adoptedPath)
	c.Assert(err, qt.IsNil)
	_, err = f.Write([]byte("old"))
	c.Assert(err, qt.IsNil)
	fd, err := dupFd(f)
	c.Assert(err, qt.IsNil)
	f.Close()
	adopted, err := s.adopt(fd, "oat-fd")
	c.Assert(err, qt.IsNil)
	_, err = adopted.Write([]byte("new contents"))
	c.Assert(err, qt.IsNil)

	c.Assert(s.eraseAll(), qt.IsNil)
	for _, name := range []string{"open.oat", "closed.art"} {
		_, err := os.Stat(filepath.Join(dir, name))
		c.Assert(os.IsNotExist(err), qt.IsTrue, qt.Commentf("%s", name))
	}
	// Descriptors belong to the caller: emptied, not removed.
	fi, err := os.Stat(adoptedPath)
	c.Assert(err, qt.IsNil)
	c.Assert(fi.Size(), qt.Equals, int64(0))
}

func TestCreateOutputFailure(t *testing.T) {
	var s outputSet
	_, err := s.create(filepath.Join(t.TempDir(), "missing", "out.oat"))
	var rerr *ResourceError
	qt.Assert(t, err, qt.ErrorAs, &rerr)
	qt.Assert(t, s.files, qt.HasLen, 0)
}
