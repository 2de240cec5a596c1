//go:build !filterhook

package driver

// FilterHookBuilt reports whether --filter-hook-config is honoured. Build
// with -tags filterhook to enable it.
const FilterHookBuilt = false
