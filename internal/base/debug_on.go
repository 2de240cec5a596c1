//go:build artdebug

package base

// IsDebugBuild enables expensive invariant checks. Build with -tags artdebug.
const IsDebugBuild = true
