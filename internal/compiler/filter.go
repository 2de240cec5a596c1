// Package compiler holds the compiler-side model shared by the driver and
// the oat writer: compiler filters, compiler options, compiled methods with
// their linker patches, and the per-method code generators.
package compiler

import (
	"fmt"
	"strings"
)

// Filter selects how much work the compiler does. Filters are totally
// ordered from verify-none to everything.
type Filter int

const (
	VerifyNone Filter = iota
	VerifyAtRuntime
	VerifyProfile
	InterpretOnly
	SpaceProfile
	Space
	Balanced
	SpeedProfile
	Speed
	EverythingProfile
	Everything
)

// DefaultFilter is used when --compiler-filter is not given.
const DefaultFilter = Speed

var filterNames = [...]string{
	VerifyNone:        "verify-none",
	VerifyAtRuntime:   "verify-at-runtime",
	VerifyProfile:     "verify-profile",
	InterpretOnly:     "interpret-only",
	SpaceProfile:      "space-profile",
	Space:             "space",
	Balanced:          "balanced",
	SpeedProfile:      "speed-profile",
	Speed:             "speed",
	EverythingProfile: "everything-profile",
	Everything:        "everything",
}

// Filters returns every filter in increasing order.
func Filters() []Filter {
	out := make([]Filter, 0, len(filterNames))
	for f := range filterNames {
		out = append(out, Filter(f))
	}
	return out
}

func (f Filter) String() string {
	if f >= 0 && int(f) < len(filterNames) {
		return filterNames[f]
	}
	return fmt.Sprintf("Filter(%d)", int(f))
}

// ParseFilter maps a --compiler-filter value to a Filter.
func ParseFilter(s string) (Filter, error) {
	for f, name := range filterNames {
		if name == s {
			return Filter(f), nil
		}
	}
	return 0, fmt.Errorf("unknown compiler filter %q (want one of %s)", s, strings.Join(filterNames[:], ", "))
}

// Set implements flag.Value.
func (f *Filter) Set(s string) error {
	v, err := ParseFilter(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Filter) UnmarshalText(b []byte) error { return f.Set(string(b)) }

// IsAsGoodAs reports whether code compiled with f is at least as good as code
// compiled with target.
func (f Filter) IsAsGoodAs(target Filter) bool { return f >= target }

// DependsOnProfile reports whether f needs a profile to select what to
// compile.
func (f Filter) DependsOnProfile() bool {
	switch f {
	case VerifyProfile, SpaceProfile, SpeedProfile, EverythingProfile:
		return true
	}
	return false
}

// IsCompilationEnabled reports whether f emits native code.
func (f Filter) IsCompilationEnabled() bool {
	switch f {
	case VerifyNone, VerifyAtRuntime, VerifyProfile, InterpretOnly:
		return false
	}
	return true
}

// IsVerificationEnabled reports whether f verifies bytecode ahead of time.
func (f Filter) IsVerificationEnabled() bool {
	return f != VerifyNone && f != VerifyAtRuntime
}

// DependsOnImageChecksum reports whether the output of f embeds addresses
// from the boot image and so is invalidated when the boot image changes.
func (f Filter) DependsOnImageChecksum() bool { return f.IsCompilationEnabled() }

// NonProfile returns the filter f falls back to when no profile is
// available.
func (f Filter) NonProfile() Filter {
	switch f {
	case VerifyProfile:
		return InterpretOnly
	case SpaceProfile:
		return Space
	case SpeedProfile:
		return Speed
	case EverythingProfile:
		return Everything
	}
	return f
}
