package driver

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

// pruneMissing drops the inputs whose files do not exist. locations, when
// given, is kept in step with files.
func pruneMissing(files, locations []string, log *zap.SugaredLogger) ([]string, []string) {
	var keptFiles, keptLocations []string
	for i, f := range files {
		if _, err := os.Stat(f); err != nil {
			log.Warnw("skipping missing input", "file", f, "error", err)
			continue
		}
		keptFiles = append(keptFiles, f)
		if i < len(locations) {
			keptLocations = append(keptLocations, locations[i])
		}
	}
	return keptFiles, keptLocations
}

func stripDir(path string) string { return path[strings.LastIndexByte(path, '/')+1:] }

func splitExt(name string) (string, string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i:]
	}
	return name, ""
}

// MultiImageName returns the name of the output for input in a multi-image
// build whose first output is primary. The input's directory, extension
// and first dash-separated component are dropped and the rest is appended
// to primary's stem: boot.art and core-libart.jar give boot-libart.art.
// Directories encoded with @ in primary's file name are kept. An input
// whose stem already extends primary's stem, such as a previous result,
// keeps its stem.
func MultiImageName(primary, input string) string {
	in, _ := splitExt(stripDir(input))
	if i := strings.IndexByte(in, '-'); i >= 0 && !hasStemPrefix(primary, in) {
		in = in[i+1:]
	}
	return joinStem(primary, in)
}

func hasStemPrefix(primary, in string) bool {
	stem, _ := splitExt(stripDir(primary))
	return strings.HasPrefix(in, stem+"-")
}

// joinStem appends in to primary's stem, unless in already extends it.
func joinStem(primary, in string) string {
	dir := primary[:len(primary)-len(stripDir(primary))]
	stem, ext := splitExt(stripDir(primary))
	if hasStemPrefix(primary, in) {
		return dir + in + ext
	}
	return dir + stem + "-" + in + ext
}

// ExpandOutputNames returns an output name per input: primary for the
// first and MultiImageName for the others. Inputs whose short names would
// collide keep their whole stem instead.
func ExpandOutputNames(primary string, inputs []string) []string {
	names := make([]string, len(inputs))
	seen := make(map[string]int, len(inputs))
	for i, in := range inputs {
		if i == 0 {
			names[i] = primary
		} else {
			names[i] = MultiImageName(primary, in)
		}
		seen[names[i]]++
	}
	for i := 1; i < len(inputs); i++ {
		if seen[names[i]] > 1 {
			in, _ := splitExt(stripDir(inputs[i]))
			names[i] = joinStem(primary, in)
		}
	}
	return names
}

// checkDistinctOutputs fails when two outputs of a run share a path.
func checkDistinctOutputs(lists ...[]string) error {
	seen := make(map[string]bool)
	for _, names := range lists {
		for _, n := range names {
			if seen[n] {
				return usagef("duplicate output name %s", n)
			}
			seen[n] = true
		}
	}
	return nil
}

// replaceExt swaps the extension of path, adding one if it has none.
func replaceExt(path, ext string) string {
	dir := path[:len(path)-len(stripDir(path))]
	stem, _ := splitExt(stripDir(path))
	return dir + stem + ext
}
