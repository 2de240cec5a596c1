// Package isa describes the target instruction sets the compiler can emit for.
package isa

import (
	"debug/elf"
	"fmt"
	"strings"
)

// InstructionSet identifies a target architecture.
type InstructionSet int

const (
	None InstructionSet = iota
	Arm
	Arm64
	Thumb2
	X86
	X86_64
	Mips
	Mips64
)

var names = [...]string{
	None:   "none",
	Arm:    "arm",
	Arm64:  "arm64",
	Thumb2: "arm",
	X86:    "x86",
	X86_64: "x86_64",
	Mips:   "mips",
	Mips64: "mips64",
}

func (s InstructionSet) String() string {
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("InstructionSet(%d)", int(s))
}

// Parse maps an --instruction-set value to an InstructionSet. "arm" selects
// Thumb2, which is what code for 32-bit ARM is generated as.
func Parse(s string) (InstructionSet, error) {
	switch s {
	case "arm":
		return Thumb2, nil
	case "arm64":
		return Arm64, nil
	case "x86":
		return X86, nil
	case "x86_64":
		return X86_64, nil
	case "mips":
		return Mips, nil
	case "mips64":
		return Mips64, nil
	}
	return None, fmt.Errorf("unknown instruction set %q", s)
}

// Is64Bit reports whether pointers are 8 bytes wide.
func (s InstructionSet) Is64Bit() bool {
	return s == Arm64 || s == X86_64 || s == Mips64
}

// PointerSize returns the native pointer size in bytes.
func (s InstructionSet) PointerSize() int {
	if s.Is64Bit() {
		return 8
	}
	return 4
}

// CodeAlignment returns the alignment of each compiled method's code.
func (s InstructionSet) CodeAlignment() uint32 {
	switch s {
	case Arm, Thumb2:
		return 8
	case Arm64, Mips, Mips64:
		return 16
	case X86, X86_64:
		return 16
	}
	return 16
}

// CodeDelta returns the value added to a code address to form an entry
// point. Thumb2 entry points have the low bit set.
func (s InstructionSet) CodeDelta() uint32 {
	if s == Thumb2 {
		return 1
	}
	return 0
}

// ElfMachine returns the ELF e_machine value.
func (s InstructionSet) ElfMachine() elf.Machine {
	switch s {
	case Arm, Thumb2:
		return elf.EM_ARM
	case Arm64:
		return elf.EM_AARCH64
	case X86:
		return elf.EM_386
	case X86_64:
		return elf.EM_X86_64
	case Mips, Mips64:
		return elf.EM_MIPS
	}
	return elf.EM_NONE
}

// Features is a bitmap of optional instruction set features.
type Features uint32

const (
	FeatureDiv Features = 1 << iota
	FeatureAtomicLdrdStrd
	FeatureLpae
	FeatureSSSE3
	FeatureSSE4_1
	FeatureSSE4_2
	FeatureAVX
	FeatureAVX2
	FeaturePopCnt
	FeatureA53Workarounds
	FeatureR6
	FeatureFPU32
)

var featureNames = []struct {
	name string
	bit  Features
}{
	{"div", FeatureDiv},
	{"atomic_ldrd_strd", FeatureAtomicLdrdStrd},
	{"lpae", FeatureLpae},
	{"ssse3", FeatureSSSE3},
	{"sse4.1", FeatureSSE4_1},
	{"sse4.2", FeatureSSE4_2},
	{"avx", FeatureAVX},
	{"avx2", FeatureAVX2},
	{"popcnt", FeaturePopCnt},
	{"a53", FeatureA53Workarounds},
	{"r6", FeatureR6},
	{"fpu32", FeatureFPU32},
}

// defaultFeatures are used for "default" and for the variant "generic".
var defaultFeatures = map[InstructionSet]Features{
	Thumb2: FeatureDiv | FeatureAtomicLdrdStrd,
	Arm:    FeatureDiv | FeatureAtomicLdrdStrd,
	Arm64:  FeatureA53Workarounds,
	X86:    0,
	X86_64: FeatureSSSE3 | FeatureSSE4_1 | FeatureSSE4_2 | FeaturePopCnt,
	Mips:   FeatureFPU32,
	Mips64: FeatureR6,
}

// variantFeatures maps --instruction-set-variant values to feature sets.
var variantFeatures = map[InstructionSet]map[string]Features{
	Thumb2: {
		"cortex-a7":  FeatureDiv | FeatureAtomicLdrdStrd | FeatureLpae,
		"cortex-a15": FeatureDiv | FeatureAtomicLdrdStrd | FeatureLpae,
		"krait":      FeatureDiv | FeatureAtomicLdrdStrd | FeatureLpae,
		"cortex-a9":  0,
	},
	Arm64: {
		"cortex-a53": FeatureA53Workarounds,
		"cortex-a57": 0,
		"denver64":   0,
	},
	X86: {
		"atom":       FeatureSSSE3,
		"silvermont": FeatureSSSE3 | FeatureSSE4_1 | FeatureSSE4_2 | FeaturePopCnt,
	},
	X86_64: {
		"atom":       FeatureSSSE3,
		"silvermont": FeatureSSSE3 | FeatureSSE4_1 | FeatureSSE4_2 | FeaturePopCnt,
		"haswell":    FeatureSSSE3 | FeatureSSE4_1 | FeatureSSE4_2 | FeatureAVX | FeatureAVX2 | FeaturePopCnt,
	},
}

// DefaultFeatures returns the baseline features for s.
func DefaultFeatures(s InstructionSet) Features { return defaultFeatures[s] }

// FeaturesFromVariant returns the features of a named CPU variant.
func FeaturesFromVariant(s InstructionSet, variant string) (Features, error) {
	if variant == "" || variant == "default" || variant == "generic" {
		return defaultFeatures[s], nil
	}
	f, ok := variantFeatures[s][variant]
	if !ok {
		return 0, fmt.Errorf("unknown %s instruction set variant %q", s, variant)
	}
	return f, nil
}

// ParseFeatures applies a comma separated --instruction-set-features string
// to base. Each entry is a feature name, optionally prefixed with "-" to
// remove it; "default" resets to the baseline for s.
func ParseFeatures(s InstructionSet, base Features, spec string) (Features, error) {
	f := base
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		switch {
		case item == "":
			continue
		case item == "default":
			f = defaultFeatures[s]
			continue
		case item == "none":
			f = 0
			continue
		}
		remove := strings.HasPrefix(item, "-")
		item = strings.TrimPrefix(item, "-")
		bit, ok := featureBit(item)
		if !ok {
			return 0, fmt.Errorf("unknown instruction set feature %q", item)
		}
		if remove {
			f &^= bit
		} else {
			f |= bit
		}
	}
	return f, nil
}

func featureBit(name string) (Features, bool) {
	for _, fn := range featureNames {
		if fn.name == name {
			return fn.bit, true
		}
	}
	return 0, false
}

// String returns the comma separated feature names in a fixed order.
func (f Features) String() string {
	var parts []string
	for _, fn := range featureNames {
		if f&fn.bit != 0 {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
