package driver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/tailscale/hujson"

	"github.com/you-not-fish/dex2oat/internal/compiler"
)

// FilterHookConfig configures the filter hook: outputs whose location
// names a package from the match list are compiled verify-at-runtime. The
// file is JSON and may carry comments and trailing commas.
type FilterHookConfig struct {
	Enabled       bool   `json:"enabled"`
	MatchListPath string `json:"match-list-path"`
}

// LoadFilterHookConfig reads the configuration at path.
func LoadFilterHookConfig(path string) (FilterHookConfig, error) {
	var cfg FilterHookConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, resourceErr(path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, errors.Wrapf(err, "parsing filter hook config %s", path)
	}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing filter hook config %s", path)
	}
	return cfg, nil
}

// Matches reports whether location contains one of the package names
// listed in the match list. Each line starts with a package name,
// optionally followed by a colon and extra data.
func (c FilterHookConfig) Matches(location string) (bool, error) {
	if !c.Enabled || c.MatchListPath == "" {
		return false, nil
	}
	data, err := os.ReadFile(c.MatchListPath)
	if err != nil {
		return false, resourceErr(c.MatchListPath, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pkg, _, _ := strings.Cut(line, ":")
		if pkg = strings.TrimSpace(pkg); pkg == "" {
			continue
		}
		if strings.Contains(location, pkg) {
			return true, nil
		}
	}
	return false, sc.Err()
}

// Apply returns the filter to compile location with. It never raises the
// filter.
func (c FilterHookConfig) Apply(location string, filter compiler.Filter) (compiler.Filter, error) {
	ok, err := c.Matches(location)
	if err != nil || !ok || !filter.IsAsGoodAs(compiler.VerifyAtRuntime) {
		return filter, err
	}
	return compiler.VerifyAtRuntime, nil
}

// ApplyAll applies the hook for a compilation unit written to several
// locations. A match on any of them lowers the filter for the whole unit.
func (c FilterHookConfig) ApplyAll(locations []string, filter compiler.Filter) (compiler.Filter, error) {
	for _, loc := range locations {
		f, err := c.Apply(loc, filter)
		if err != nil || f != filter {
			return f, err
		}
	}
	return filter, nil
}
