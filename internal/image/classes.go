package image

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// ClassSet is the set of classes a boot image keeps: the listed classes,
// their superclasses and interfaces, and the array classes of kept
// classes. A nil set keeps every class. Erroneous classes are never kept.
type ClassSet struct {
	listed map[string]bool
	kept   map[string]bool
}

// NewClassSet returns the set for a list of class descriptors.
func NewClassSet(descriptors []string) *ClassSet {
	s := &ClassSet{listed: make(map[string]bool, len(descriptors)), kept: make(map[string]bool)}
	for _, d := range descriptors {
		s.listed[d] = true
	}
	return s
}

// ParseClassList reads an image classes file: one class per line, either
// a descriptor or a dotted name. Blank lines and lines starting with #
// are skipped.
func ParseClassList(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasSuffix(line, ";") && !strings.HasPrefix(line, "[") {
			line = "L" + strings.ReplaceAll(line, ".", "/") + ";"
		}
		out = append(out, line)
	}
	return out
}

// Expand adds the supertypes of the listed classes among classes.
func (s *ClassSet) Expand(classes []*runtime.Class) {
	if s == nil {
		return
	}
	for _, k := range classes {
		if !s.listed[k.Descriptor] {
			continue
		}
		for c := k; c != nil; c = c.Super {
			s.kept[c.Descriptor] = true
			for _, iface := range c.IfTable {
				s.kept[iface.Descriptor] = true
			}
		}
	}
}

// Contains reports whether k belongs in the image.
func (s *ClassSet) Contains(k *runtime.Class) bool {
	switch {
	case k.Status().IsErroneous():
		return false
	case s == nil:
		return true
	case k.IsArray():
		return s.Contains(k.ComponentType)
	case k.IsPrimitive(), k.DexFile == nil:
		return true
	}
	return s.listed[k.Descriptor] || s.kept[k.Descriptor]
}

// Len returns the number of listed classes.
func (s *ClassSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.listed)
}
