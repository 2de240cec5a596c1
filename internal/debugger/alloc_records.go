package debugger

import (
	"sort"
	"unicode/utf16"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// AllocFrame is one frame of the stack an allocation happened on.
type AllocFrame struct {
	Method *mirror.ArtMethod
	DexPC  uint32
}

// AllocRecord describes one tracked allocation.
type AllocRecord struct {
	Descriptor string
	Bytes      uint32
	ThreadID   uint32
	// Stack is innermost first.
	Stack []AllocFrame
}

// AllocRecords keeps the most recent allocations while tracking is on.
type AllocRecords struct {
	d        *Debugger
	lock     *base.Mutex
	max      int
	depth    int
	tracking bool // guarded by lock

	// ring of records, guarded by lock; head is the oldest.
	ring  []AllocRecord
	head  int
	count int
}

var _ gc.AllocationListener = (*AllocRecords)(nil)

func newAllocRecords(d *Debugger, n, depth int) *AllocRecords {
	return &AllocRecords{d: d, lock: d.locks.AllocTracker, max: n, depth: depth}
}

// SetTracking turns allocation tracking on or off. Turning it on drops
// the records of any earlier session.
func (a *AllocRecords) SetTracking(on bool) {
	heap := a.d.rt.Heap()
	a.lock.Lock(nil)
	if on == a.tracking {
		a.lock.Unlock(nil)
		return
	}
	a.tracking = on
	if on {
		a.ring = make([]AllocRecord, a.max)
		a.head, a.count = 0, 0
	}
	a.lock.Unlock(nil)
	if on {
		heap.SetAllocationListener(a)
	} else {
		heap.SetAllocationListener(nil)
	}
	a.d.log.Infow("allocation tracking", "enabled", on, "max", a.max)
}

// IsTracking reports whether allocations are being recorded.
func (a *AllocRecords) IsTracking() bool {
	a.lock.Lock(nil)
	defer a.lock.Unlock(nil)
	return a.tracking
}

// ObjectAllocated records obj. It runs on the allocating thread.
func (a *AllocRecords) ObjectAllocated(self gc.Thread, obj mirror.Ref, bytes uint32) {
	h := a.d.rt.Heap()
	rec := AllocRecord{
		Descriptor: mirror.ClassDescriptor(h, mirror.ClassOf(h, obj)),
		Bytes:      bytes,
	}
	var held *base.HeldLocks
	if self != nil {
		rec.ThreadID = self.ID()
		held = self.Locks()
	}
	if t, ok := self.(*runtime.Thread); ok && t != nil {
		frames := t.Frames()
		for i := len(frames) - 1; i >= 0 && len(rec.Stack) < a.depth; i-- {
			rec.Stack = append(rec.Stack, AllocFrame{frames[i].Method, frames[i].DexPC})
		}
	}
	a.lock.Lock(held)
	defer a.lock.Unlock(held)
	if !a.tracking || len(a.ring) == 0 {
		return
	}
	if a.count < len(a.ring) {
		a.ring[(a.head+a.count)%len(a.ring)] = rec
		a.count++
		return
	}
	a.ring[a.head] = rec
	a.head = (a.head + 1) % len(a.ring)
}

// Records returns the kept records, oldest first.
func (a *AllocRecords) Records() []AllocRecord {
	a.lock.Lock(nil)
	defer a.lock.Unlock(nil)
	out := make([]AllocRecord, a.count)
	for i := range out {
		out[i] = a.ring[(a.head+i)%len(a.ring)]
	}
	return out
}

// stringTable assigns indices to strings in sorted order.
type stringTable struct {
	index map[string]uint16
	list  []string
}

func (s *stringTable) add(str string) {
	if s.index == nil {
		s.index = make(map[string]uint16)
	}
	if _, ok := s.index[str]; !ok {
		s.index[str] = 0
		s.list = append(s.list, str)
	}
}

func (s *stringTable) finish() {
	sort.Strings(s.list)
	for i, str := range s.list {
		s.index[str] = uint16(i)
	}
}

func (s *stringTable) appendTo(out []byte) []byte {
	for _, str := range s.list {
		u := utf16.Encode([]rune(str))
		out = be.AppendUint32(out, uint32(len(u)))
		for _, c := range u {
			out = be.AppendUint16(out, c)
		}
	}
	return out
}

const (
	allocHeaderLen = 15
	allocEntryLen  = 9
	allocFrameLen  = 8

	lineNative   = 0xfffe // -2
	lineUnknown  = 0xffff // -1
	maxFrameLine = 32767
)

type encodedFrame struct {
	class, method, source string
	line                  uint16
}

func (a *AllocRecords) describeFrame(f AllocFrame) encodedFrame {
	m := f.Method
	if m == nil || m.DexFile == nil {
		return encodedFrame{line: lineUnknown}
	}
	df := m.DexFile
	e := encodedFrame{
		class:  df.TypeDescriptor(uint32(df.Method(m.DexMethodIndex).ClassIdx)),
		method: m.Name(),
		line:   lineUnknown,
	}
	e.source = sourceFile(df, df.Method(m.DexMethodIndex).ClassIdx)
	if m.IsNative() {
		e.line = lineNative
		return e
	}
	ci, err := m.CodeItem()
	if err != nil || ci == nil {
		return e
	}
	positions, err := df.DecodeDebugPositions(ci)
	if err != nil {
		return e
	}
	if line, ok := dex.LineForPC(positions, f.DexPC); ok {
		e.line = uint16(min(line, maxFrameLine))
	}
	return e
}

func sourceFile(df *dex.File, classIdx uint16) string {
	for i := 0; i < df.NumClassDefs(); i++ {
		cd := df.ClassDef(i)
		if cd.ClassIdx == uint32(classIdx) {
			if cd.SourceFileIdx == dex.NoIndex {
				return ""
			}
			return df.String(cd.SourceFileIdx)
		}
	}
	return ""
}

// Encode returns the records in the REAL chunk layout: a header, the
// records newest first, then the class, method and source file string
// tables.
func (a *AllocRecords) Encode(*runtime.Thread) []byte {
	recs := a.Records()
	var classes, methods, sources stringTable
	frames := make([][]encodedFrame, len(recs))
	for i, r := range recs {
		classes.add(r.Descriptor)
		for _, f := range r.Stack {
			e := a.describeFrame(f)
			classes.add(e.class)
			methods.add(e.method)
			sources.add(e.source)
			frames[i] = append(frames[i], e)
		}
	}
	classes.finish()
	methods.finish()
	sources.finish()

	out := []byte{allocHeaderLen, allocEntryLen, allocFrameLen}
	out = be.AppendUint16(out, uint16(len(recs)))
	stringsAt := len(out)
	out = be.AppendUint32(out, 0)
	out = be.AppendUint16(out, uint16(len(classes.list)))
	out = be.AppendUint16(out, uint16(len(methods.list)))
	out = be.AppendUint16(out, uint16(len(sources.list)))
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		out = be.AppendUint32(out, r.Bytes)
		out = be.AppendUint16(out, uint16(r.ThreadID))
		out = be.AppendUint16(out, classes.index[r.Descriptor])
		out = append(out, byte(len(frames[i])))
		for _, e := range frames[i] {
			out = be.AppendUint16(out, classes.index[e.class])
			out = be.AppendUint16(out, methods.index[e.method])
			out = be.AppendUint16(out, sources.index[e.source])
			out = be.AppendUint16(out, e.line)
		}
	}
	be.PutUint32(out[stringsAt:], uint32(len(out)))
	out = classes.appendTo(out)
	out = methods.appendTo(out)
	return sources.appendTo(out)
}
