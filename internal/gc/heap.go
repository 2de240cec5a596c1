// Package gc implements the managed heap: its spaces, the allocation
// paths, the choice of collector and the policies deciding when to
// collect, grow, trim or compact.
package gc

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/gc/collector"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

const (
	// DefaultHeapBegin is where the heap starts when there is no image.
	DefaultHeapBegin = 0x12c00000

	DefaultInitialSize            = 2 * base.MB
	DefaultMaximumSize            = 256 * base.MB
	DefaultNonMovingSpaceCapacity = 64 * base.MB
	DefaultMaxFree                = 2 * base.MB
	DefaultMinFree                = DefaultMaxFree / 4
	DefaultTargetUtilization      = 0.5
	DefaultLargeObjectThreshold   = 3 * base.PageSize
	DefaultTLABSize               = 32 * base.KB
	DefaultRegionSize             = 256 * base.KB
	DefaultAllocationStackSize    = 64 * 1024

	DefaultForegroundHeapGrowthMultiplier = 2.0

	// MinConcurrentRemainingBytes is how far below the target footprint a
	// concurrent collection starts.
	MinConcurrentRemainingBytes = 128 * base.KB

	DefaultHSCMinInterval   = 100 * time.Second
	CollectorTransitionWait = 5 * time.Second
	HeapTrimWait            = 5 * time.Second
)

// ErrOutOfMemory is returned by allocations that fail after every
// collection and compaction attempt.
var ErrOutOfMemory = errors.New("out of memory")

// LargeObjectSpaceType selects the large object space implementation.
type LargeObjectSpaceType int

const (
	LargeObjectSpaceDisabled LargeObjectSpaceType = iota
	LargeObjectSpaceMap
	LargeObjectSpaceFreeList
)

// ProcessState says whether the user can perceive pauses.
type ProcessState int

const (
	ProcessStateJankPerceptible ProcessState = iota
	ProcessStateJankImperceptible
)

func (p ProcessState) String() string {
	if p == ProcessStateJankPerceptible {
		return "JankPerceptible"
	}
	return "JankImperceptible"
}

// Options configure a heap.
type Options struct {
	Logger *zap.SugaredLogger

	// Begin is the address of the first space; 0 places the heap after
	// the image spaces, or at DefaultHeapBegin without one.
	Begin                  uint32
	InitialSize            uint32
	GrowthLimit            uint32
	Capacity               uint32
	NonMovingSpaceCapacity uint32
	MinFree, MaxFree       uint32
	TargetUtilization      float64

	ForegroundHeapGrowthMultiplier float64

	LargeObjectSpace     LargeObjectSpaceType
	LargeObjectThreshold uint32

	ForegroundCollector gccause.CollectorType
	BackgroundCollector gccause.CollectorType

	UseTLAB    bool
	RegionSize uint32

	UseHomogeneousSpaceCompactionForOOM bool
	// HSCMinInterval rate-limits compactions triggered by allocation
	// failures.
	HSCMinInterval time.Duration

	VerifyPreGC, VerifyPostGC bool

	// IsZygote keeps the heap ready for PreZygoteFork.
	IsZygote bool
	// Deterministic forces a non-concurrent collector, a free-list large
	// object space and a fixed hash code seed so that images are
	// reproducible.
	Deterministic bool

	ImageSpaces         []*space.ImageSpace
	AllocationStackSize int
}

// DefaultOptions returns the options the runtime uses without flags.
func DefaultOptions() Options {
	return Options{
		InitialSize:                         DefaultInitialSize,
		GrowthLimit:                         DefaultMaximumSize,
		Capacity:                            DefaultMaximumSize,
		NonMovingSpaceCapacity:              DefaultNonMovingSpaceCapacity,
		MinFree:                             DefaultMinFree,
		MaxFree:                             DefaultMaxFree,
		TargetUtilization:                   DefaultTargetUtilization,
		ForegroundHeapGrowthMultiplier:      DefaultForegroundHeapGrowthMultiplier,
		LargeObjectSpace:                    LargeObjectSpaceFreeList,
		LargeObjectThreshold:                DefaultLargeObjectThreshold,
		ForegroundCollector:                 gccause.CollectorCMS,
		BackgroundCollector:                 gccause.CollectorHomogeneousSpaceCompact,
		UseTLAB:                             true,
		RegionSize:                          DefaultRegionSize,
		UseHomogeneousSpaceCompactionForOOM: true,
		HSCMinInterval:                      DefaultHSCMinInterval,
		AllocationStackSize:                 DefaultAllocationStackSize,
	}
}

// Thread is the heap's view of a runtime thread.
type Thread interface {
	ID() uint32
	Locks() *base.HeldLocks
	TLAB() *space.TLAB
	SetTLAB(t *space.TLAB)
	IsExceptionPending() bool
	ThrowOutOfMemoryError(msg string)
	// BlockForGC gives up the thread's share of the mutator lock while it
	// waits on the heap; the returned function takes it back.
	BlockForGC(reason string) (resume func())
}

// ThreadList suspends and enumerates the runtime's threads.
type ThreadList interface {
	// SuspendAll stops every thread but self, which may be nil.
	SuspendAll(self Thread, cause string)
	ResumeAll(self Thread)
	ForEach(fn func(Thread))
}

// RootVisitor reports root slots to the collectors.
type RootVisitor interface {
	VisitRoots(visit func(root *mirror.Ref))
}

// SystemWeakHolder owns weak roots: interned strings, monitors, JNI weak
// globals.
type SystemWeakHolder interface {
	SweepSystemWeaks(isMarked collector.IsMarkedFunc)
}

// AllocationListener is notified of every allocation.
type AllocationListener interface {
	ObjectAllocated(self Thread, obj mirror.Ref, bytes uint32)
}

// GCListener is told about every finished collection. It runs on the
// collecting thread after the mutators have been resumed.
type GCListener interface {
	GCCompleted(self Thread, gcType gccause.GcType, cause gccause.Cause)
}

// Heap owns every space and runs the collectors.
type Heap struct {
	log  *zap.SugaredLogger
	opts Options

	threads     ThreadList
	spacesMu    *base.ReaderWriterMutex
	continuous  []space.ContinuousSpace
	los         space.LargeObjectSpace
	imageSpaces []*space.ImageSpace

	nonMovingSpace *space.MallocSpace
	mainMalloc     *space.MallocSpace
	backupSpace    *space.MallocSpace
	bumpSpace      *space.BumpPointerSpace
	tempSpace      *space.BumpPointerSpace
	regionSpace    *space.RegionSpace
	zygoteSpace    *space.ZygoteSpace

	cardTable      *accounting.CardTable
	liveBitmap     *accounting.HeapBitmap
	markBitmap     *accounting.HeapBitmap
	allocStack     *accounting.ObjectStack
	modUnionTables map[space.Space]accounting.ModUnionTable
	rememberedSets map[space.Space]*accounting.RememberedSet

	tempRootsMu     sync.Mutex
	tempRoots       []*mirror.Ref
	rootVisitors    []RootVisitor
	systemWeaks     []SystemWeakHolder
	gcListeners     []GCListener
	clearedRefsMu   sync.Mutex
	clearedRefs     []mirror.Ref
	allocListener   atomic.Pointer[AllocationListener]
	finalizerRunner func()

	markSweeps  [2][gccause.GcTypeMax]*collector.MarkSweep
	semiSpace   *collector.SemiSpace
	genSpace    *collector.SemiSpace
	markCompact *collector.MarkCompact
	cc          *collector.ConcurrentCopying
	hsc         *collector.SemiSpace
	lastGC      collector.GarbageCollector

	collectorType        gccause.CollectorType
	foregroundCollector  gccause.CollectorType
	backgroundCollector  gccause.CollectorType
	desiredCollectorType atomic.Int32
	currentAllocator     atomic.Int32
	gcPlan               []gccause.GcType
	nextGcType           gccause.GcType

	// gcCompleteLock guards the fields below it.
	gcCompleteLock        *base.Mutex
	gcDone                chan struct{}
	collectorTypeRunning  gccause.CollectorType
	lastGcType            gccause.GcType
	lastGcCause           gccause.Cause
	disableMovingGcCount  int
	gcDisabledForShutdown bool
	gcCount               uint64

	// threadFlipLock guards the fields below it.
	threadFlipLock    *base.Mutex
	threadFlipDone    chan struct{}
	disableThreadFlip int
	threadFlipRunning bool

	zygoteCreationLock sync.Mutex

	numBytesAllocated    atomic.Uint64
	numObjectsAllocated  atomic.Uint64
	targetFootprint      atomic.Uint64
	concurrentStartBytes atomic.Uint64
	growthMultiplier     atomic.Uint64 // float64 bits
	growthLimit          uint64
	capacity             uint64
	minFree, maxFree     uint64
	targetUtilization    float64
	largeObjectThreshold uint32
	totalBytesFreed      atomic.Uint64
	totalObjectsFreed    atomic.Uint64

	nativeBytes     atomic.Uint64
	nativeWatermark atomic.Uint64
	nativeLimit     atomic.Uint64

	concurrentGCPending atomic.Bool
	processState        ProcessState
	hscLimiter          *rate.Limiter
	hscCount            atomic.Uint64

	tasks          *TaskProcessor
	taskMu         sync.Mutex
	transitionTask *HeapTask
	trimTask       *HeapTask
}

// NewHeap lays out the spaces described by opts and returns the heap.
func NewHeap(opts Options) (*Heap, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Deterministic {
		opts.ForegroundCollector = deterministicCollector(opts.ForegroundCollector)
		opts.BackgroundCollector = opts.ForegroundCollector
		if opts.LargeObjectSpace != LargeObjectSpaceDisabled {
			opts.LargeObjectSpace = LargeObjectSpaceFreeList
		}
		mirror.SetHashCodeSeed(mirror.DeterministicHashSeed)
	}
	if opts.GrowthLimit == 0 || opts.GrowthLimit > opts.Capacity {
		opts.GrowthLimit = opts.Capacity
	}
	if opts.InitialSize > opts.GrowthLimit {
		return nil, errors.Errorf("initial heap size %d exceeds the growth limit %d", opts.InitialSize, opts.GrowthLimit)
	}
	if opts.TargetUtilization <= 0 || opts.TargetUtilization >= 1 {
		opts.TargetUtilization = DefaultTargetUtilization
	}
	if opts.ForegroundHeapGrowthMultiplier <= 0 {
		opts.ForegroundHeapGrowthMultiplier = 1
	}
	if opts.AllocationStackSize <= 0 {
		opts.AllocationStackSize = DefaultAllocationStackSize
	}
	if opts.RegionSize == 0 {
		opts.RegionSize = DefaultRegionSize
	}
	if opts.LargeObjectThreshold == 0 {
		opts.LargeObjectThreshold = DefaultLargeObjectThreshold
	}
	if opts.ForegroundCollector == gccause.CollectorNone {
		opts.ForegroundCollector = gccause.CollectorCMS
	}
	if opts.BackgroundCollector == gccause.CollectorNone {
		opts.BackgroundCollector = opts.ForegroundCollector
	}
	h := &Heap{
		log:                  opts.Logger,
		opts:                 opts,
		spacesMu:             base.NewReaderWriterMutex("heap bitmap lock", base.LockLevelHeapBitmap),
		liveBitmap:           &accounting.HeapBitmap{},
		markBitmap:           &accounting.HeapBitmap{},
		allocStack:           accounting.NewObjectStack("allocation stack", opts.AllocationStackSize),
		modUnionTables:       map[space.Space]accounting.ModUnionTable{},
		rememberedSets:       map[space.Space]*accounting.RememberedSet{},
		foregroundCollector:  opts.ForegroundCollector,
		backgroundCollector:  opts.BackgroundCollector,
		gcCompleteLock:       base.NewMutex("GC complete lock", base.LockLevelGCComplete),
		gcDone:               make(chan struct{}),
		threadFlipLock:       base.NewMutex("GC thread flip lock", base.LockLevelDefault),
		threadFlipDone:       make(chan struct{}),
		growthLimit:          uint64(opts.GrowthLimit),
		capacity:             uint64(opts.Capacity),
		minFree:              uint64(opts.MinFree),
		maxFree:              uint64(opts.MaxFree),
		targetUtilization:    opts.TargetUtilization,
		largeObjectThreshold: opts.LargeObjectThreshold,
		tasks:                NewTaskProcessor(opts.Logger),
	}
	h.targetFootprint.Store(uint64(opts.InitialSize))
	h.nativeWatermark.Store(uint64(opts.InitialSize))
	h.nativeLimit.Store(2 * uint64(opts.InitialSize))
	h.setGrowthMultiplier(opts.ForegroundHeapGrowthMultiplier)
	interval := opts.HSCMinInterval
	if interval <= 0 {
		interval = DefaultHSCMinInterval
	}
	h.hscLimiter = rate.NewLimiter(rate.Every(interval), 1)
	if err := h.createSpaces(); err != nil {
		return nil, multierr.Append(err, h.Close())
	}
	h.createCollectors()
	h.ChangeCollector(opts.ForegroundCollector)
	h.log.Debugw("heap created",
		"begin", fmt.Sprintf("%#x", h.continuous[0].Begin()),
		"collector", h.collectorType.String(),
		"spaces", len(h.continuous))
	return h, nil
}

func deterministicCollector(t gccause.CollectorType) gccause.CollectorType {
	switch t {
	case gccause.CollectorCMS:
		return gccause.CollectorMS
	case gccause.CollectorCC:
		return gccause.CollectorSS
	}
	return t
}

func (h *Heap) createSpaces() error {
	opts := h.opts
	h.imageSpaces = opts.ImageSpaces
	begin := opts.Begin
	if begin == 0 {
		begin = DefaultHeapBegin
		for _, img := range opts.ImageSpaces {
			end := img.End()
			if img.OatEnd > end {
				end = img.OatEnd
			}
			if b := base.RoundUp(end, base.PageSize); b > begin || begin == DefaultHeapBegin {
				begin = b
			}
		}
	}
	begin = base.RoundUp(begin, base.PageSize)
	for _, img := range opts.ImageSpaces {
		h.addSpace(img)
	}
	addr := begin
	nonMovingCap := base.RoundUp(opts.NonMovingSpaceCapacity, base.PageSize)
	if nonMovingCap == 0 {
		nonMovingCap = DefaultNonMovingSpaceCapacity
	}
	var err error
	h.nonMovingSpace, err = space.NewMallocSpace("non moving space", addr, nonMovingCap, nonMovingCap, nonMovingCap, false)
	if err != nil {
		return err
	}
	h.addSpace(h.nonMovingSpace)
	addr += nonMovingCap

	fg, bg := opts.ForegroundCollector, opts.BackgroundCollector
	capacity := base.RoundUp(opts.Capacity, base.PageSize)
	switch {
	case fg == gccause.CollectorCC || bg == gccause.CollectorCC:
		h.regionSpace, err = space.NewRegionSpace("main space (region space)", addr, capacity, opts.RegionSize)
		if err != nil {
			return err
		}
		h.addSpace(h.regionSpace)
		addr += capacity
	case isBumpPointerCollector(fg):
		if h.bumpSpace, err = space.NewBumpPointerSpace("bump pointer space 1", addr, capacity); err != nil {
			return err
		}
		h.addSpace(h.bumpSpace)
		addr += capacity
		if h.tempSpace, err = space.NewBumpPointerSpace("bump pointer space 2", addr, capacity); err != nil {
			return err
		}
		h.addSpace(h.tempSpace)
		addr += capacity
	default:
		canMove := bg.IsMovingGc() || opts.UseHomogeneousSpaceCompactionForOOM
		h.mainMalloc, err = space.NewMallocSpace("main rosalloc space", addr, opts.InitialSize,
			opts.GrowthLimit, capacity, canMove)
		if err != nil {
			return err
		}
		h.addSpace(h.mainMalloc)
		addr += capacity
		if canMove {
			h.backupSpace, err = space.NewMallocSpace("main rosalloc space 1", addr, opts.InitialSize,
				opts.GrowthLimit, capacity, true)
			if err != nil {
				return err
			}
			addr += capacity
		}
	}

	switch opts.LargeObjectSpace {
	case LargeObjectSpaceMap:
		h.los = space.NewLargeObjectMapSpace("mem map large object space", addr, capacity)
	case LargeObjectSpaceFreeList:
		los, err := space.NewFreeListSpace("free list large object space", addr, capacity)
		if err != nil {
			return err
		}
		h.los = los
	}
	end := addr
	if h.los != nil {
		h.addSpace(h.los)
		end = h.los.End()
	}

	cardBegin := begin
	for _, img := range opts.ImageSpaces {
		if img.Begin() < cardBegin {
			cardBegin = img.Begin()
		}
	}
	h.cardTable = accounting.NewCardTable(cardBegin, end-cardBegin)
	for _, img := range opts.ImageSpaces {
		h.modUnionTables[img] = accounting.NewModUnionTableCardCache(img.Name()+" mod-union table",
			regionOf(img), h, h.cardTable, nil)
	}
	h.rememberedSets[h.nonMovingSpace] = accounting.NewRememberedSet("non moving space remembered set",
		regionOf(h.nonMovingSpace), h, h.cardTable)
	return nil
}

func regionOf(s space.ContinuousSpace) accounting.Region {
	return accounting.Region{Name: s.Name(), Begin: s.Begin(), End: s.End, Live: s.LiveBitmap}
}

func isBumpPointerCollector(t gccause.CollectorType) bool {
	return t == gccause.CollectorSS || t == gccause.CollectorGSS || t == gccause.CollectorMC
}

func (h *Heap) createCollectors() {
	for i, concurrent := range []bool{false, true} {
		for _, t := range []gccause.GcType{gccause.GcTypeSticky, gccause.GcTypePartial, gccause.GcTypeFull} {
			h.markSweeps[i][t] = collector.NewMarkSweep(h, t, concurrent)
		}
	}
	h.semiSpace = collector.NewSemiSpace(h, false)
	h.genSpace = collector.NewSemiSpace(h, true)
	h.markCompact = collector.NewMarkCompact(h)
	h.hsc = collector.NewHomogeneousSpaceCompactor(h)
	if h.regionSpace != nil {
		h.cc = collector.NewConcurrentCopying(h, h.regionSpace)
	}
}

// Collectors returns every collector the heap may run.
func (h *Heap) Collectors() []collector.GarbageCollector {
	var out []collector.GarbageCollector
	for _, row := range h.markSweeps {
		for _, ms := range row {
			if ms != nil {
				out = append(out, ms)
			}
		}
	}
	out = append(out, h.semiSpace, h.genSpace, h.markCompact, h.hsc)
	if h.cc != nil {
		out = append(out, h.cc)
	}
	return out
}

// SetThreadList installs the runtime's thread list. Without one the heap
// assumes the calling goroutine is the only mutator.
func (h *Heap) SetThreadList(tl ThreadList) { h.threads = tl }

// AddRootVisitor registers a source of roots.
func (h *Heap) AddRootVisitor(v RootVisitor) { h.rootVisitors = append(h.rootVisitors, v) }

// AddSystemWeakHolder registers a holder of weak roots.
func (h *Heap) AddSystemWeakHolder(w SystemWeakHolder) { h.systemWeaks = append(h.systemWeaks, w) }

// AddGCListener registers l. Listeners are added before collections start.
func (h *Heap) AddGCListener(l GCListener) { h.gcListeners = append(h.gcListeners, l) }

// SetAllocationListener installs l, or removes the listener when l is nil.
func (h *Heap) SetAllocationListener(l AllocationListener) {
	if l == nil {
		h.allocListener.Store(nil)
		return
	}
	h.allocListener.Store(&l)
}

// SetFinalizerRunner installs the function that runs pending finalizers.
func (h *Heap) SetFinalizerRunner(fn func()) { h.finalizerRunner = fn }

// Close stops the task processor and releases every space's memory.
func (h *Heap) Close() error {
	h.tasks.Stop()
	var err error
	unmap := func(m *space.MemMap) {
		if m != nil {
			err = multierr.Append(err, m.Unmap())
		}
	}
	for _, sp := range h.continuous {
		if _, ok := sp.(*space.ImageSpace); ok {
			continue
		}
		if m, ok := sp.(interface{ MemMap() *space.MemMap }); ok {
			unmap(m.MemMap())
		}
	}
	if h.backupSpace != nil {
		unmap(h.backupSpace.MemMap())
	}
	if h.los != nil {
		err = multierr.Append(err, h.los.Close())
	}
	h.continuous, h.los = nil, nil
	return err
}

func (h *Heap) Logger() *zap.SugaredLogger { return h.log }

// addSpace inserts sp keeping the continuous spaces sorted and registers
// its bitmaps. The heap bitmap lock must be held exclusively, or the
// heap not yet shared.
func (h *Heap) addSpace(sp space.Space) {
	switch s := sp.(type) {
	case space.ContinuousSpace:
		i := sort.Search(len(h.continuous), func(i int) bool { return h.continuous[i].Begin() >= s.Begin() })
		h.continuous = append(h.continuous, nil)
		copy(h.continuous[i+1:], h.continuous[i:])
		h.continuous[i] = s
		h.liveBitmap.AddContinuousSpaceBitmap(s.LiveBitmap())
		h.markBitmap.AddContinuousSpaceBitmap(s.MarkBitmap())
	case space.LargeObjectSpace:
		h.los = s
		h.liveBitmap.AddLargeObjectBitmap(s.LiveBitmap())
		h.markBitmap.AddLargeObjectBitmap(s.MarkBitmap())
	}
}

func (h *Heap) removeSpace(sp space.ContinuousSpace) {
	for i, s := range h.continuous {
		if s == sp {
			h.continuous = append(h.continuous[:i], h.continuous[i+1:]...)
			break
		}
	}
	h.liveBitmap.RemoveContinuousSpaceBitmap(sp.LiveBitmap())
	h.markBitmap.RemoveContinuousSpaceBitmap(sp.MarkBitmap())
	delete(h.modUnionTables, sp)
	delete(h.rememberedSets, sp)
}

// ContinuousSpaces returns the continuous spaces sorted by address.
func (h *Heap) ContinuousSpaces() []space.ContinuousSpace { return h.continuous }

func (h *Heap) LargeObjectSpace() space.LargeObjectSpace { return h.los }

func (h *Heap) NonMovingSpace() *space.MallocSpace { return h.nonMovingSpace }

func (h *Heap) ZygoteSpace() *space.ZygoteSpace { return h.zygoteSpace }

func (h *Heap) RegionSpace() *space.RegionSpace { return h.regionSpace }

func (h *Heap) BumpPointerSpace() *space.BumpPointerSpace { return h.bumpSpace }

func (h *Heap) ImageSpaces() []*space.ImageSpace { return h.imageSpaces }

// MainSpace returns the space ordinary allocations go to.
func (h *Heap) MainSpace() space.ContinuousAllocSpace {
	switch {
	case h.regionSpace != nil:
		return h.regionSpace
	case h.bumpSpace != nil:
		return h.bumpSpace
	case h.mainMalloc != nil:
		return h.mainMalloc
	}
	return h.nonMovingSpace
}

func (h *Heap) HasZygoteSpace() bool { return h.zygoteSpace != nil }

// SpaceOf returns the space holding obj, or nil.
func (h *Heap) SpaceOf(obj mirror.Ref) space.Space {
	for _, sp := range h.continuous {
		if sp.Contains(obj) {
			return sp
		}
	}
	if h.los != nil && h.los.Contains(obj) {
		return h.los
	}
	return nil
}

// Slice returns the bytes of [addr, addr+n). Addresses outside every
// space are an invariant violation.
func (h *Heap) Slice(addr mirror.Ref, n uint32) []byte {
	sp := h.SpaceOf(addr)
	if sp == nil {
		base.Fatalf("heap access at %#x outside every space", uint32(addr))
	}
	return sp.Slice(addr, n)
}

// WriteBarrier marks the card of obj after a reference store into it.
func (h *Heap) WriteBarrier(obj mirror.Ref) {
	if h.cardTable.AddrIsInCardTable(uint32(obj)) {
		h.cardTable.MarkCard(obj)
	}
}

func (h *Heap) CardTable() *accounting.CardTable          { return h.cardTable }
func (h *Heap) LiveBitmap() *accounting.HeapBitmap        { return h.liveBitmap }
func (h *Heap) MarkBitmap() *accounting.HeapBitmap        { return h.markBitmap }
func (h *Heap) AllocationStack() *accounting.ObjectStack { return h.allocStack }

func (h *Heap) ModUnionTable(s space.Space) accounting.ModUnionTable {
	if t, ok := h.modUnionTables[s]; ok {
		return t
	}
	return nil
}

func (h *Heap) RememberedSet(s space.Space) *accounting.RememberedSet { return h.rememberedSets[s] }

// VisitRoots reports the registered roots and the heap's temporary roots.
func (h *Heap) VisitRoots(visit func(root *mirror.Ref)) {
	for _, v := range h.rootVisitors {
		v.VisitRoots(visit)
	}
	h.tempRootsMu.Lock()
	roots := append([]*mirror.Ref(nil), h.tempRoots...)
	h.tempRootsMu.Unlock()
	for _, r := range roots {
		if *r != 0 {
			visit(r)
		}
	}
	h.visitClearedReferences(visit)
}

// pushTempRoot keeps *r alive and updated across a collection until the
// returned function is called.
func (h *Heap) pushTempRoot(r *mirror.Ref) func() {
	h.tempRootsMu.Lock()
	h.tempRoots = append(h.tempRoots, r)
	h.tempRootsMu.Unlock()
	return func() {
		h.tempRootsMu.Lock()
		defer h.tempRootsMu.Unlock()
		for i := len(h.tempRoots) - 1; i >= 0; i-- {
			if h.tempRoots[i] == r {
				h.tempRoots = append(h.tempRoots[:i], h.tempRoots[i+1:]...)
				return
			}
		}
	}
}

func (h *Heap) SweepSystemWeaks(isMarked collector.IsMarkedFunc) {
	for _, w := range h.systemWeaks {
		w.SweepSystemWeaks(isMarked)
	}
}

func (h *Heap) EnqueueClearedReference(ref mirror.Ref) {
	h.clearedRefsMu.Lock()
	h.clearedRefs = append(h.clearedRefs, ref)
	h.clearedRefsMu.Unlock()
}

// TakeClearedReferences returns and forgets the references enqueued by
// the collectors since the last call.
func (h *Heap) TakeClearedReferences() []mirror.Ref {
	h.clearedRefsMu.Lock()
	defer h.clearedRefsMu.Unlock()
	var out []mirror.Ref
	for _, r := range h.clearedRefs {
		if r != 0 {
			out = append(out, r)
		}
	}
	h.clearedRefs = nil
	return out
}

// visitClearedReferences reports the references not yet taken by the
// runtime as roots.
func (h *Heap) visitClearedReferences(visit func(root *mirror.Ref)) {
	h.clearedRefsMu.Lock()
	defer h.clearedRefsMu.Unlock()
	for i := range h.clearedRefs {
		if h.clearedRefs[i] != 0 {
			visit(&h.clearedRefs[i])
		}
	}
}

func (h *Heap) SwapBitmaps(s space.Space) {
	live, mark := s.LiveBitmap(), s.MarkBitmap()
	if live == mark {
		return
	}
	s.SwapBitmaps()
	h.liveBitmap.ReplaceBitmap(live, mark)
	h.markBitmap.ReplaceBitmap(mark, live)
}

func (h *Heap) RecordFree(objects, bytes uint64) {
	h.numObjectsAllocated.Add(-objects)
	h.numBytesAllocated.Add(-bytes)
	h.totalObjectsFreed.Add(objects)
	h.totalBytesFreed.Add(bytes)
}

// RevokeAllThreadLocalBuffers returns every thread's unused buffer to its
// space. Threads must be suspended.
func (h *Heap) RevokeAllThreadLocalBuffers() {
	if h.threads == nil {
		return
	}
	h.threads.ForEach(func(t Thread) { h.revokeTLAB(t) })
}

// RevokeThreadLocalBuffers returns t's unused buffer to its space. The
// runtime calls it when t detaches.
func (h *Heap) RevokeThreadLocalBuffers(t Thread) { h.revokeTLAB(t) }

func (h *Heap) revokeTLAB(t Thread) {
	tlab := t.TLAB()
	if tlab == nil {
		return
	}
	h.numBytesAllocated.Add(-uint64(tlab.Remaining()))
	h.numObjectsAllocated.Add(tlab.Objects)
	if h.regionSpace != nil && h.regionSpace.Contains(mirror.Ref(tlab.Start)) {
		h.regionSpace.RevokeTLAB(tlab)
	} else if h.bumpSpace != nil && h.bumpSpace.Contains(mirror.Ref(tlab.Start)) {
		h.bumpSpace.RevokeTLAB(tlab)
	}
	t.SetTLAB(nil)
}

// Accounting.

// GetBytesAllocated returns the bytes held by allocated objects, counting
// every thread-local buffer in full.
func (h *Heap) GetBytesAllocated() uint64 { return h.numBytesAllocated.Load() }

// GetObjectsAllocated returns the number of allocated objects outside
// thread-local buffers.
func (h *Heap) GetObjectsAllocated() uint64 { return h.numObjectsAllocated.Load() }

func (h *Heap) GetTargetFootprint() uint64      { return h.targetFootprint.Load() }
func (h *Heap) GetConcurrentStartBytes() uint64 { return h.concurrentStartBytes.Load() }
func (h *Heap) GetMaxMemory() uint64            { return h.growthLimit }
func (h *Heap) GetTotalMemory() uint64          { return max(h.targetFootprint.Load(), h.GetBytesAllocated()) }

func (h *Heap) GetFreeMemory() uint64 {
	total, used := h.GetTotalMemory(), h.GetBytesAllocated()
	if used > total {
		return 0
	}
	return total - used
}

func (h *Heap) GetTotalBytesFreed() uint64   { return h.totalBytesFreed.Load() }
func (h *Heap) GetTotalObjectsFreed() uint64 { return h.totalObjectsFreed.Load() }
func (h *Heap) GetGcCount() uint64 {
	h.gcCompleteLock.Lock(nil)
	defer h.gcCompleteLock.Unlock(nil)
	return h.gcCount
}

// ClampGrowthLimit shrinks the growth limit to the current footprint.
func (h *Heap) ClampGrowthLimit() {
	h.growthLimit = max(h.targetFootprint.Load(), h.GetBytesAllocated())
}

// ClearGrowthLimit lets the heap grow to its full capacity.
func (h *Heap) ClearGrowthLimit() {
	h.growthLimit = h.capacity
	for _, sp := range []*space.MallocSpace{h.mainMalloc, h.backupSpace} {
		if sp != nil {
			sp.ClearGrowthLimit()
		}
	}
}

func (h *Heap) heapGrowthMultiplier() float64 {
	return math.Float64frombits(h.growthMultiplier.Load())
}

func (h *Heap) setGrowthMultiplier(m float64) { h.growthMultiplier.Store(math.Float64bits(m)) }

// CollectorType returns the collector currently in use.
func (h *Heap) CollectorType() gccause.CollectorType { return h.collectorType }

// CurrentAllocator returns the allocator ordinary allocations use.
func (h *Heap) CurrentAllocator() AllocatorType { return AllocatorType(h.currentAllocator.Load()) }

// IsGcConcurrent reports whether the current collector runs concurrently.
func (h *Heap) IsGcConcurrent() bool { return h.collectorType.IsConcurrent() }

// LastGC returns the collector that ran last, or nil.
func (h *Heap) LastGC() collector.GarbageCollector { return h.lastGC }

// ChangeCollector switches the heap's collector and the allocator that
// goes with it. Spaces are not touched; TransitionCollector moves objects
// between space layouts.
func (h *Heap) ChangeCollector(t gccause.CollectorType) {
	h.collectorType = t
	switch t {
	case gccause.CollectorMS, gccause.CollectorCMS:
		h.gcPlan = []gccause.GcType{gccause.GcTypeSticky, gccause.GcTypePartial, gccause.GcTypeFull}
		h.changeAllocator(AllocatorFreeList)
	case gccause.CollectorSS, gccause.CollectorGSS:
		h.gcPlan = []gccause.GcType{gccause.GcTypeFull}
		if h.opts.UseTLAB {
			h.changeAllocator(AllocatorTLAB)
		} else {
			h.changeAllocator(AllocatorBumpPointer)
		}
	case gccause.CollectorMC:
		h.gcPlan = []gccause.GcType{gccause.GcTypeFull}
		h.changeAllocator(AllocatorBumpPointer)
	case gccause.CollectorCC:
		h.gcPlan = []gccause.GcType{gccause.GcTypeFull}
		if h.opts.UseTLAB {
			h.changeAllocator(AllocatorRegionTLAB)
		} else {
			h.changeAllocator(AllocatorRegion)
		}
	default:
		base.Fatalf("unimplemented collector type %v", t)
	}
	h.nextGcType = h.gcPlan[0]
	if h.IsGcConcurrent() {
		h.concurrentStartBytes.Store(h.concurrentStartFor(h.targetFootprint.Load()))
	} else {
		h.concurrentStartBytes.Store(math.MaxUint64)
	}
}

func (h *Heap) changeAllocator(a AllocatorType) {
	if AllocatorType(h.currentAllocator.Load()) != a {
		h.currentAllocator.Store(int32(a))
	}
}

func (h *Heap) concurrentStartFor(target uint64) uint64 {
	if target < MinConcurrentRemainingBytes {
		return 0
	}
	return target - MinConcurrentRemainingBytes
}

// DumpSpaces describes every space, one per line.
func (h *Heap) DumpSpaces() string {
	var out string
	for _, sp := range h.continuous {
		out += space.DumpSpace(sp) + "\n"
	}
	if h.los != nil {
		out += space.DumpSpace(h.los) + "\n"
	}
	return out
}
