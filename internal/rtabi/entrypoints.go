package rtabi

// Entrypoint indexes the per-thread table of runtime entrypoints that
// compiled code and trampolines call through the thread register.
type Entrypoint int

const (
	EntrypointInterpreterToInterpreterBridge Entrypoint = iota
	EntrypointInterpreterToCompiledCodeBridge
	EntrypointJniDlsymLookup
	EntrypointQuickGenericJniTrampoline
	EntrypointQuickImtConflictTrampoline
	EntrypointQuickResolutionTrampoline
	EntrypointQuickToInterpreterBridge
	EntrypointQuickInvokeTrampoline
	EntrypointQuickDeliverException
	EntrypointQuickResolveString
	EntrypointQuickInitializeType
	EntrypointQuickTestSuspend

	EntrypointCount
)

// threadEntrypointsOffset is where the entrypoint table starts in the
// native thread structure.
const threadEntrypointsOffset = 128

// ThreadEntrypointOffset returns the offset of ep from the thread register.
func ThreadEntrypointOffset(pointerSize int, ep Entrypoint) int {
	return threadEntrypointsOffset + int(ep)*pointerSize
}
