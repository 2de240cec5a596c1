// Package collector implements the garbage collectors the heap runs:
// mark-sweep, semi-space (optionally generational), mark-compact,
// concurrent copying and the zygote compactor.
package collector

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// IsMarkedFunc returns the current address of obj if it survived the
// collection, or 0 if it is dead.
type IsMarkedFunc func(obj mirror.Ref) mirror.Ref

// Heap is the view of the heap the collectors work on. The heap suspends
// mutators before calling Run; collectors never suspend threads
// themselves.
type Heap interface {
	mirror.Memory
	Logger() *zap.SugaredLogger
	// ContinuousSpaces returns the continuous spaces sorted by address.
	ContinuousSpaces() []space.ContinuousSpace
	LargeObjectSpace() space.LargeObjectSpace
	// SpaceOf returns the space holding obj, or nil.
	SpaceOf(obj mirror.Ref) space.Space
	CardTable() *accounting.CardTable
	LiveBitmap() *accounting.HeapBitmap
	MarkBitmap() *accounting.HeapBitmap
	AllocationStack() *accounting.ObjectStack
	ModUnionTable(s space.Space) accounting.ModUnionTable
	RememberedSet(s space.Space) *accounting.RememberedSet
	// VisitRoots calls visit for every root slot; visit may update it.
	VisitRoots(visit func(root *mirror.Ref))
	// SweepSystemWeaks updates or clears every weak root.
	SweepSystemWeaks(isMarked IsMarkedFunc)
	// EnqueueClearedReference hands a reference object whose referent was
	// cleared, or a finalizer reference, to the runtime.
	EnqueueClearedReference(ref mirror.Ref)
	RevokeAllThreadLocalBuffers()
	// SwapBitmaps swaps the live and mark bitmaps of s and keeps the heap
	// bitmaps in sync.
	SwapBitmaps(s space.Space)
	RecordFree(objects, bytes uint64)
	HasZygoteSpace() bool
}

// GarbageCollector is one collector configuration.
type GarbageCollector interface {
	Name() string
	GcType() gccause.GcType
	CollectorType() gccause.CollectorType
	Run(cause gccause.Cause, clearSoftReferences bool)
	// SetSwapSemiSpaces is meaningful for semi-space collectors; it says
	// whether the heap swaps the from and to spaces after the run.
	SetSwapSemiSpaces(swap bool)
	Iteration() *Iteration
	// EstimatedMeanThroughput is the bytes freed per second over every run.
	EstimatedMeanThroughput() float64
	// EstimatedLastIterationThroughput is the bytes freed per second by the
	// last run.
	EstimatedLastIterationThroughput() float64
	Cumulative() Cumulative
}

// Iteration records one run of a collector.
type Iteration struct {
	Cause                 gccause.Cause
	ClearSoftReferences   bool
	FreedObjects          uint64
	FreedBytes            uint64
	FreedLargeObjects     uint64
	FreedLargeObjectBytes uint64
	Duration              time.Duration
	Timings               *base.TimingLogger
}

// TotalFreedBytes returns the bytes freed in every space.
func (it *Iteration) TotalFreedBytes() uint64 { return it.FreedBytes + it.FreedLargeObjectBytes }

// Cumulative accumulates every run of a collector.
type Cumulative struct {
	Iterations      int
	TotalTime       time.Duration
	TotalFreedBytes uint64
	TotalFreedObjs  uint64
}

// garbageCollector holds the bookkeeping every collector shares.
type garbageCollector struct {
	name       string
	heap       Heap
	log        *zap.SugaredLogger
	iteration  Iteration
	cumulative Cumulative
	swapSemi   bool
}

func newGarbageCollector(h Heap, name string) garbageCollector {
	return garbageCollector{name: name, heap: h, log: h.Logger(), swapSemi: true}
}

func (gc *garbageCollector) Name() string                { return gc.name }
func (gc *garbageCollector) Iteration() *Iteration       { return &gc.iteration }
func (gc *garbageCollector) Cumulative() Cumulative      { return gc.cumulative }
func (gc *garbageCollector) SetSwapSemiSpaces(swap bool) { gc.swapSemi = swap }

// SwapSemiSpaces reports the value set by SetSwapSemiSpaces.
func (gc *garbageCollector) SwapSemiSpaces() bool { return gc.swapSemi }

func (gc *garbageCollector) EstimatedMeanThroughput() float64 {
	secs := gc.cumulative.TotalTime.Seconds()
	if secs <= 0 {
		return float64(gc.cumulative.TotalFreedBytes)
	}
	return float64(gc.cumulative.TotalFreedBytes) / secs
}

func (gc *garbageCollector) EstimatedLastIterationThroughput() float64 {
	secs := gc.iteration.Duration.Seconds()
	if secs <= 0 {
		return float64(gc.iteration.TotalFreedBytes())
	}
	return float64(gc.iteration.TotalFreedBytes()) / secs
}

// run resets the iteration, runs the collector's phases and folds the
// result into the cumulative totals.
func (gc *garbageCollector) run(cause gccause.Cause, clearSoft bool, phases func()) {
	start := time.Now()
	gc.iteration = Iteration{
		Cause:               cause,
		ClearSoftReferences: clearSoft,
		Timings:             base.NewTimingLogger(gc.name),
	}
	gc.iteration.Timings.StartTiming(gc.name)
	phases()
	gc.iteration.Timings.EndTiming()
	gc.iteration.Duration = time.Since(start)
	gc.cumulative.Iterations++
	gc.cumulative.TotalTime += gc.iteration.Duration
	gc.cumulative.TotalFreedBytes += gc.iteration.TotalFreedBytes()
	gc.cumulative.TotalFreedObjs += gc.iteration.FreedObjects + gc.iteration.FreedLargeObjects
	gc.log.Debugw("gc iteration",
		"collector", gc.name,
		"cause", cause.String(),
		"freed_objects", gc.iteration.FreedObjects,
		"freed_bytes", gc.iteration.FreedBytes,
		"freed_large_objects", gc.iteration.FreedLargeObjects,
		"duration", gc.iteration.Duration)
}

// recordFree notes freed objects in the iteration and the heap.
func (gc *garbageCollector) recordFree(objects, bytes uint64) {
	gc.iteration.FreedObjects += objects
	gc.iteration.FreedBytes += bytes
	gc.heap.RecordFree(objects, bytes)
}

// recordFreeLOS notes freed large objects.
func (gc *garbageCollector) recordFreeLOS(objects, bytes uint64) {
	gc.iteration.FreedLargeObjects += objects
	gc.iteration.FreedLargeObjectBytes += bytes
	gc.heap.RecordFree(objects, bytes)
}

// Describe formats the iteration like the heap's GC log line.
func Describe(gc GarbageCollector) string {
	it := gc.Iteration()
	return fmt.Sprintf("%s %s GC freed %d(%dB) objects, %d(%dB) LOS objects, total %v",
		it.Cause, gc.Name(), it.FreedObjects, it.FreedBytes, it.FreedLargeObjects, it.FreedLargeObjectBytes, it.Duration)
}
