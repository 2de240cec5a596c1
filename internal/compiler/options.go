package compiler

import "strings"

// Defaults for the method-size thresholds, in code units.
const (
	DefaultHugeMethodThreshold  = 10000
	DefaultLargeMethodThreshold = 600
	DefaultSmallMethodThreshold = 60
	DefaultTinyMethodThreshold  = 20
	DefaultNumDexMethods        = 900

	// UnsetInlineLimit leaves the inline limits to be derived from the
	// filter.
	UnsetInlineLimit = -1

	DefaultInlineDepthLimit           = 3
	DefaultInlineMaxCodeUnits         = 32
	DefaultSpaceInlineDepthLimit      = 3
	DefaultSpaceInlineMaxCodeUnits    = 10
	DefaultBalancedInlineMaxCodeUnits = 20
)

// Options tune a compilation.
type Options struct {
	Filter Filter

	HugeMethodThreshold  int
	LargeMethodThreshold int
	SmallMethodThreshold int
	TinyMethodThreshold  int
	NumDexMethods        int

	InlineDepthLimit   int
	InlineMaxCodeUnits int

	// NoInlineFrom lists dex locations whose methods are never inlined
	// into other code.
	NoInlineFrom []string

	Debuggable            bool
	NativeDebuggable      bool
	GenerateDebugInfo     bool
	GenerateMiniDebugInfo bool
	CompilePic            bool
	IsBootImage           bool
	IsAppImage            bool

	AbortOnHardVerifierError bool

	// VerboseMethods holds substrings of pretty method names that are
	// logged as they are compiled.
	VerboseMethods []string
}

// DefaultOptions returns options with every threshold at its default.
func DefaultOptions() Options {
	return Options{
		Filter:               DefaultFilter,
		HugeMethodThreshold:  DefaultHugeMethodThreshold,
		LargeMethodThreshold: DefaultLargeMethodThreshold,
		SmallMethodThreshold: DefaultSmallMethodThreshold,
		TinyMethodThreshold:  DefaultTinyMethodThreshold,
		NumDexMethods:        DefaultNumDexMethods,
		InlineDepthLimit:     UnsetInlineLimit,
		InlineMaxCodeUnits:   UnsetInlineLimit,
	}
}

// DeriveInlineLimits fills inline limits that were left unset from the
// filter. Debuggable code is never inlined.
func (o *Options) DeriveInlineLimits() {
	if o.Debuggable {
		o.InlineDepthLimit, o.InlineMaxCodeUnits = 0, 0
		return
	}
	depth, units := DefaultInlineDepthLimit, DefaultInlineMaxCodeUnits
	switch o.Filter {
	case Space, SpaceProfile:
		depth, units = DefaultSpaceInlineDepthLimit, DefaultSpaceInlineMaxCodeUnits
	case Balanced:
		units = DefaultBalancedInlineMaxCodeUnits
	}
	if !o.Filter.IsCompilationEnabled() {
		depth, units = 0, 0
	}
	if o.InlineDepthLimit == UnsetInlineLimit {
		o.InlineDepthLimit = depth
	}
	if o.InlineMaxCodeUnits == UnsetInlineLimit {
		o.InlineMaxCodeUnits = units
	}
}

func (o *Options) IsHugeMethod(codeUnits int) bool  { return codeUnits > o.HugeMethodThreshold }
func (o *Options) IsLargeMethod(codeUnits int) bool { return codeUnits > o.LargeMethodThreshold }
func (o *Options) IsSmallMethod(codeUnits int) bool { return codeUnits > o.SmallMethodThreshold }
func (o *Options) IsTinyMethod(codeUnits int) bool  { return codeUnits > o.TinyMethodThreshold }

// IsLargeApp reports whether a unit with numMethods methods is large enough
// to be compiled with less effort.
func (o *Options) IsLargeApp(numMethods int) bool { return numMethods > o.NumDexMethods }

// CanInlineFrom reports whether methods from location may be inlined.
func (o *Options) CanInlineFrom(location string) bool {
	if o.InlineDepthLimit == 0 {
		return false
	}
	for _, l := range o.NoInlineFrom {
		if l == location || strings.HasSuffix(location, "/"+l) {
			return false
		}
	}
	return true
}

// IsVerbose reports whether compilation of the named method should be
// logged.
func (o *Options) IsVerbose(prettyMethod string) bool {
	for _, s := range o.VerboseMethods {
		if strings.Contains(prettyMethod, s) {
			return true
		}
	}
	return false
}
