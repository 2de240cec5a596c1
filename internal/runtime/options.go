package runtime

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
)

// ParseMemoryOption parses a size with an optional k, m or g suffix. The
// result must be a multiple of 1024 and fit in 32 bits.
func ParseMemoryOption(s string) (uint32, error) {
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = base.KB
	case 'm', 'M':
		mult = base.MB
	case 'g', 'G':
		mult = base.GB
	}
	digits := s
	if mult != 1 {
		digits = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, errors.Errorf("malformed size %q", s)
	}
	n *= mult
	if n%base.KB != 0 {
		return 0, errors.Errorf("size %q is not a multiple of 1024", s)
	}
	if n > 1<<32-base.KB {
		return 0, errors.Errorf("size %q is too large", s)
	}
	return uint32(n), nil
}

func parseFraction(name, s string, lo, hi float64) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < lo || v > hi {
		return 0, errors.Errorf("%s=%s: want a number in [%g, %g]", name, s, lo, hi)
	}
	return v, nil
}

// parseGCOption applies an -Xgc: value: a collector name and verification
// switches separated by commas.
func parseGCOption(h *gc.Options, value string) error {
	for _, part := range strings.Split(value, ",") {
		switch part {
		case "preverify":
			h.VerifyPreGC = true
		case "nopreverify":
			h.VerifyPreGC = false
		case "postverify":
			h.VerifyPostGC = true
		case "nopostverify":
			h.VerifyPostGC = false
		default:
			ct, ok := gccause.ParseCollectorType(part)
			if !ok {
				return errors.Errorf("-Xgc: unknown collector %q", part)
			}
			h.ForegroundCollector = ct
		}
	}
	return nil
}

// ParseOptions turns runtime command line options into Options starting
// from DefaultOptions. Unknown options are an error unless
// ignoreUnrecognized is set.
func ParseOptions(args []string, ignoreUnrecognized bool) (Options, error) {
	opts := DefaultOptions()
	h := &opts.Heap
	for _, arg := range args {
		var err error
		name, value, _ := strings.Cut(arg, "=")
		switch {
		case strings.HasPrefix(arg, "-Xms"):
			h.InitialSize, err = ParseMemoryOption(arg[len("-Xms"):])
		case strings.HasPrefix(arg, "-Xmx"):
			h.Capacity, err = ParseMemoryOption(arg[len("-Xmx"):])
			h.GrowthLimit = h.Capacity
		case name == "-XX:HeapGrowthLimit":
			h.GrowthLimit, err = ParseMemoryOption(value)
		case name == "-XX:HeapMinFree":
			h.MinFree, err = ParseMemoryOption(value)
		case name == "-XX:HeapMaxFree":
			h.MaxFree, err = ParseMemoryOption(value)
		case name == "-XX:NonMovingSpaceCapacity":
			h.NonMovingSpaceCapacity, err = ParseMemoryOption(value)
		case name == "-XX:HeapTargetUtilization":
			h.TargetUtilization, err = parseFraction(name, value, 0.1, 0.9)
		case name == "-XX:ForegroundHeapGrowthMultiplier":
			h.ForegroundHeapGrowthMultiplier, err = parseFraction(name, value, 0.1, 5)
		case strings.HasPrefix(arg, "-Xgc:"):
			err = parseGCOption(h, arg[len("-Xgc:"):])
		case name == "-XX:BackgroundGC":
			ct, ok := gccause.ParseCollectorType(value)
			if !ok {
				err = errors.Errorf("-XX:BackgroundGC: unknown collector %q", value)
			}
			h.BackgroundCollector = ct
		case name == "-XX:LargeObjectSpace":
			switch value {
			case "disabled":
				h.LargeObjectSpace = gc.LargeObjectSpaceDisabled
			case "map":
				h.LargeObjectSpace = gc.LargeObjectSpaceMap
			case "freelist":
				h.LargeObjectSpace = gc.LargeObjectSpaceFreeList
			default:
				err = errors.Errorf("-XX:LargeObjectSpace: unknown kind %q", value)
			}
		case name == "-XX:LargeObjectThreshold":
			h.LargeObjectThreshold, err = ParseMemoryOption(value)
		case arg == "-XX:EnableHSpaceCompactForOOM":
			h.UseHomogeneousSpaceCompactionForOOM = true
		case arg == "-XX:DisableHSpaceCompactForOOM":
			h.UseHomogeneousSpaceCompactionForOOM = false
		case arg == "-XX:UseTLAB":
			h.UseTLAB = true
		case strings.HasPrefix(arg, "-Xusejit:"):
			opts.UseJIT, err = strconv.ParseBool(arg[len("-Xusejit:"):])
		case strings.HasPrefix(arg, "-Ximage:"):
			opts.ImageLocation = arg[len("-Ximage:"):]
		case arg == "-Xzygote":
			h.IsZygote = true
		case arg == "-Xdeterministic":
			opts.Deterministic = true
		case ignoreUnrecognized:
		default:
			err = errors.Errorf("unrecognized option %q", arg)
		}
		if err != nil {
			return Options{}, errors.Wrapf(err, "parsing %s", arg)
		}
	}
	if h.GrowthLimit > h.Capacity {
		return Options{}, errors.Errorf("growth limit %d exceeds capacity %d", h.GrowthLimit, h.Capacity)
	}
	if h.InitialSize > h.GrowthLimit {
		return Options{}, errors.Errorf("initial size %d exceeds growth limit %d", h.InitialSize, h.GrowthLimit)
	}
	return opts, nil
}
