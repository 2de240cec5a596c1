package driver

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const outputMode = 0o644

// outputFile is a file the driver writes. Files adopted from a descriptor
// have no path and are truncated but never removed on failure.
type outputFile struct {
	path string
	*os.File
	closed bool
}

// createOutput creates or truncates the file at path and makes it world
// readable.
func createOutput(path string) (*outputFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, outputMode)
	if err != nil {
		return nil, resourceErr(path, err)
	}
	o := &outputFile{path: path, File: f}
	if err := unix.Fchmod(int(f.Fd()), outputMode); err != nil {
		f.Close()
		return nil, resourceErr(path, errors.Wrap(err, "fchmod"))
	}
	return o, nil
}

// adoptOutput takes over an open descriptor, emptying it first.
func adoptOutput(fd int, name string) (*outputFile, error) {
	if err := unix.Ftruncate(fd, 0); err != nil {
		return nil, resourceErr(name, errors.Wrap(err, "ftruncate"))
	}
	if err := unix.Fchmod(fd, outputMode); err != nil {
		return nil, resourceErr(name, errors.Wrap(err, "fchmod"))
	}
	return &outputFile{File: os.NewFile(uintptr(fd), name)}, nil
}

func (o *outputFile) displayName() string {
	if o.path != "" {
		return o.path
	}
	return o.Name()
}

// flushClose syncs the file to disk and closes it.
func (o *outputFile) flushClose() error {
	if o.closed {
		return nil
	}
	o.closed = true
	err := unix.Fsync(int(o.Fd()))
	if err != nil {
		err = errors.Wrap(err, "fsync")
	}
	err = multierr.Append(err, o.Close())
	return resourceErr(o.displayName(), err)
}

// erase truncates the file, closes it and removes it.
func (o *outputFile) erase() error {
	var err error
	if !o.closed {
		o.closed = true
		if terr := unix.Ftruncate(int(o.Fd()), 0); terr != nil {
			err = errors.Wrap(terr, "ftruncate")
		}
		err = multierr.Append(err, o.Close())
	} else if o.path != "" {
		err = os.Truncate(o.path, 0)
	}
	if o.path != "" {
		if rerr := os.Remove(o.path); rerr != nil && !os.IsNotExist(rerr) {
			err = multierr.Append(err, rerr)
		}
	}
	return resourceErr(o.displayName(), err)
}

// outputSet is every file the driver writes, in creation order.
type outputSet struct {
	files []*outputFile
}

func (s *outputSet) create(path string) (*outputFile, error) {
	o, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	s.files = append(s.files, o)
	return o, nil
}

func (s *outputSet) adopt(fd int, name string) (*outputFile, error) {
	o, err := adoptOutput(fd, name)
	if err != nil {
		return nil, err
	}
	s.files = append(s.files, o)
	return o, nil
}

// flushCloseAll flushes and closes every file, reporting every failure.
func (s *outputSet) flushCloseAll() error {
	var err error
	for _, o := range s.files {
		err = multierr.Append(err, o.flushClose())
	}
	return err
}

// eraseAll truncates and removes every file.
func (s *outputSet) eraseAll() error {
	var err error
	for _, o := range s.files {
		err = multierr.Append(err, o.erase())
	}
	return err
}
