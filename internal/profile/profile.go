// Package profile loads compilation profiles: the hot methods and classes of
// each dex file, recorded by a previous run of the application.
//
// The text format has one entry per line:
//
//	<dex-location> <class-descriptor>
//	<dex-location> <class-descriptor>-><name><signature>
//
// Blank lines and lines starting with '#' are ignored.
package profile

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DexProfile holds the entries for one dex location.
type DexProfile struct {
	Classes map[string]bool
	Methods map[string]bool
}

// Profile is a loaded profile.
type Profile struct {
	dex map[string]*DexProfile
}

// New returns an empty profile.
func New() *Profile { return &Profile{dex: map[string]*DexProfile{}} }

// Load parses a profile.
func Load(r io.Reader) (*Profile, error) {
	p := New()
	s := bufio.NewScanner(r)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("profile line %d: want \"<location> <entry>\", got %q", lineNo, line)
		}
		entry := fields[1]
		if !strings.HasPrefix(entry, "L") || !strings.Contains(entry, ";") {
			return nil, errors.Errorf("profile line %d: bad entry %q", lineNo, entry)
		}
		if strings.Contains(entry, "->") {
			if !strings.Contains(entry, "(") {
				return nil, errors.Errorf("profile line %d: method %q has no signature", lineNo, entry)
			}
			p.AddMethod(fields[0], entry)
		} else {
			p.AddClass(fields[0], entry)
		}
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "read profile")
	}
	return p, nil
}

// LoadFile loads the profile at path.
func LoadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open profile")
	}
	defer f.Close()
	return Load(f)
}

// LoadFd loads a profile from an open descriptor, reading from offset 0.
// The descriptor is not closed.
func LoadFd(fd int) (*Profile, error) {
	if fd < 0 {
		return nil, errors.Errorf("invalid profile fd %d", fd)
	}
	return Load(io.NewSectionReader(fdReader(fd), 0, 1<<62))
}

// fdReader reads a descriptor with pread so the caller's offset and
// ownership are left alone.
type fdReader int

func (fd fdReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(int(fd), p, off)
	if err != nil {
		return 0, errors.Wrap(err, "pread profile")
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (p *Profile) entry(location string) *DexProfile {
	d := p.dex[location]
	if d == nil {
		d = &DexProfile{Classes: map[string]bool{}, Methods: map[string]bool{}}
		p.dex[location] = d
	}
	return d
}

// AddClass records descriptor as hot in location. The class of a hot method
// is hot too.
func (p *Profile) AddClass(location, descriptor string) {
	p.entry(location).Classes[descriptor] = true
}

// AddMethod records a method given as "Lpkg/C;->name(sig)ret".
func (p *Profile) AddMethod(location, method string) {
	d := p.entry(location)
	d.Methods[method] = true
	if i := strings.Index(method, "->"); i > 0 {
		d.Classes[method[:i]] = true
	}
}

// ContainsMethod reports whether the method is hot.
func (p *Profile) ContainsMethod(location, method string) bool {
	if p == nil {
		return false
	}
	d := p.dex[location]
	return d != nil && d.Methods[method]
}

// ContainsClass reports whether the class is hot.
func (p *Profile) ContainsClass(location, descriptor string) bool {
	if p == nil {
		return false
	}
	d := p.dex[location]
	return d != nil && d.Classes[descriptor]
}

// NumMethods returns the number of hot methods across all locations.
func (p *Profile) NumMethods() int {
	n := 0
	for _, d := range p.dex {
		n += len(d.Methods)
	}
	return n
}

// Locations returns the dex locations with entries, sorted.
func (p *Profile) Locations() []string {
	out := make([]string, 0, len(p.dex))
	for l := range p.dex {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
