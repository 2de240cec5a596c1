//go:build filterhook

package driver

// FilterHookBuilt reports whether --filter-hook-config is honoured.
const FilterHookBuilt = true
