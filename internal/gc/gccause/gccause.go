// Package gccause names why a collection runs and which collector runs it.
package gccause

import "fmt"

// Cause is the reason a garbage collection was started.
type Cause int

const (
	// Invalid is never a valid cause.
	Invalid Cause = iota
	// Alloc is a collection run because an allocation failed.
	Alloc
	// Background is a concurrent collection started by the heap.
	Background
	// Explicit is a collection requested by the application.
	Explicit
	// ForNativeAlloc is a collection run because native allocation grew.
	ForNativeAlloc
	// CollectorTransition is a transition between collectors.
	CollectorTransition
	// DisableMovingGc is not a real collection; it waits for one to finish.
	DisableMovingGc
	// HomogeneousSpaceCompact compacts the main space into the backup space.
	HomogeneousSpaceCompact
	// ClassLinker blocks collection while the class linker rewrites the heap.
	ClassLinker
	// Trim is heap trimming; it is a critical section, not a collection.
	Trim
	// Instrumentation blocks collection while entry points are updated.
	Instrumentation
	// Debugger blocks collection while deoptimization requests are processed.
	Debugger
	// AddRemoveAppImageSpace blocks collection while spaces change.
	AddRemoveAppImageSpace
	// PreZygoteFork is the full collection before the zygote fork.
	PreZygoteFork
)

var causeNames = [...]string{
	Invalid:                 "Invalid",
	Alloc:                   "Alloc",
	Background:              "Background",
	Explicit:                "Explicit",
	ForNativeAlloc:          "NativeAlloc",
	CollectorTransition:     "CollectorTransition",
	DisableMovingGc:         "DisableMovingGc",
	HomogeneousSpaceCompact: "HomogeneousSpaceCompact",
	ClassLinker:             "ClassLinker",
	Trim:                    "HeapTrim",
	Instrumentation:         "Instrumentation",
	Debugger:                "Debugger",
	AddRemoveAppImageSpace:  "AddRemoveAppImageSpace",
	PreZygoteFork:           "PreZygoteFork",
}

func (c Cause) String() string {
	if c > Invalid && int(c) < len(causeNames) {
		return causeNames[c]
	}
	panic(fmt.Sprintf("unreachable: unknown gc cause %d", int(c)))
}

// IsCollection reports whether the cause runs a collector, as opposed to
// only excluding collections for a critical section.
func (c Cause) IsCollection() bool {
	switch c {
	case DisableMovingGc, ClassLinker, Trim, Instrumentation, Debugger, AddRemoveAppImageSpace:
		return false
	}
	return true
}

// PreservesSoftReferences reports whether a collection for this cause keeps
// softly reachable objects even when the caller asked to clear them.
func (c Cause) PreservesSoftReferences() bool {
	switch c {
	case Background, ForNativeAlloc, CollectorTransition, HomogeneousSpaceCompact:
		return true
	}
	return false
}

// CollectorType identifies a collector implementation.
type CollectorType int

const (
	CollectorNone CollectorType = iota
	CollectorMS
	CollectorCMS
	CollectorSS
	CollectorGSS
	CollectorMC
	CollectorCC
	CollectorHomogeneousSpaceCompact
	// CollectorCriticalSection types are not collectors; they mark a running
	// GC critical section.
	CollectorInstrumentation
	CollectorAddRemoveAppImageSpace
	CollectorClassLinker
	CollectorHeapTrim
	CollectorDebugger
)

var collectorNames = [...]string{
	CollectorNone:                    "None",
	CollectorMS:                      "MS",
	CollectorCMS:                     "CMS",
	CollectorSS:                      "SS",
	CollectorGSS:                     "GSS",
	CollectorMC:                      "MC",
	CollectorCC:                      "CC",
	CollectorHomogeneousSpaceCompact: "HomogeneousSpaceCompact",
	CollectorInstrumentation:         "Instrumentation",
	CollectorAddRemoveAppImageSpace:  "AddRemoveAppImageSpace",
	CollectorClassLinker:             "ClassLinker",
	CollectorHeapTrim:                "HeapTrim",
	CollectorDebugger:                "Debugger",
}

func (t CollectorType) String() string {
	if t >= 0 && int(t) < len(collectorNames) {
		return collectorNames[t]
	}
	return fmt.Sprintf("CollectorType(%d)", int(t))
}

// ParseCollectorType maps a -Xgc: option value to a collector type.
func ParseCollectorType(s string) (CollectorType, bool) {
	switch s {
	case "MS":
		return CollectorMS, true
	case "CMS":
		return CollectorCMS, true
	case "SS":
		return CollectorSS, true
	case "GSS":
		return CollectorGSS, true
	case "MC":
		return CollectorMC, true
	case "CC":
		return CollectorCC, true
	}
	return CollectorNone, false
}

// IsMovingGc reports whether the collector relocates objects.
func (t CollectorType) IsMovingGc() bool {
	switch t {
	case CollectorSS, CollectorGSS, CollectorMC, CollectorCC, CollectorHomogeneousSpaceCompact:
		return true
	}
	return false
}

// IsConcurrent reports whether the collector runs concurrently with mutators.
func (t CollectorType) IsConcurrent() bool {
	return t == CollectorCMS || t == CollectorCC
}

// GcType is the extent of a collection.
type GcType int

const (
	// GcTypeNone is used when no collection ran.
	GcTypeNone GcType = iota
	// GcTypeSticky collects only objects allocated since the last collection.
	GcTypeSticky
	// GcTypePartial collects everything except image and zygote spaces.
	GcTypePartial
	// GcTypeFull collects everything except the image space.
	GcTypeFull

	GcTypeMax
)

func (t GcType) String() string {
	switch t {
	case GcTypeNone:
		return "None"
	case GcTypeSticky:
		return "Sticky"
	case GcTypePartial:
		return "Partial"
	case GcTypeFull:
		return "Full"
	}
	return fmt.Sprintf("GcType(%d)", int(t))
}
