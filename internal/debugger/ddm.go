package debugger

import (
	"encoding/binary"
	"sync"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// ChunkType is a DDM chunk tag: four ASCII characters, big-endian.
type ChunkType uint32

const (
	ChunkHPIF ChunkType = 'H'<<24 | 'P'<<16 | 'I'<<8 | 'F' // heap info
	ChunkHPSG ChunkType = 'H'<<24 | 'P'<<16 | 'S'<<8 | 'G' // heap segment
	ChunkHPST ChunkType = 'H'<<24 | 'P'<<16 | 'S'<<8 | 'T' // heap segments start
	ChunkHPEN ChunkType = 'H'<<24 | 'P'<<16 | 'E'<<8 | 'N' // heap segments end
	ChunkHPGC ChunkType = 'H'<<24 | 'P'<<16 | 'G'<<8 | 'C' // collect garbage
	ChunkTHEN ChunkType = 'T'<<24 | 'H'<<16 | 'E'<<8 | 'N' // thread notifications
	ChunkTHCR ChunkType = 'T'<<24 | 'H'<<16 | 'C'<<8 | 'R' // thread created
	ChunkTHDE ChunkType = 'T'<<24 | 'H'<<16 | 'D'<<8 | 'E' // thread died
	ChunkREAE ChunkType = 'R'<<24 | 'E'<<16 | 'A'<<8 | 'E' // allocation tracking on or off
	ChunkREAQ ChunkType = 'R'<<24 | 'E'<<16 | 'A'<<8 | 'Q' // allocation tracking query
	ChunkREAL ChunkType = 'R'<<24 | 'E'<<16 | 'A'<<8 | 'L' // allocation records
)

func (c ChunkType) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(c))
	return string(b[:])
}

// ChunkHandler serves one chunk type and returns the reply, which may be
// empty.
type ChunkHandler func(self *runtime.Thread, data []byte) ([]byte, error)

// When to send heap info (HPIF).
const (
	HpifWhenNever   = 0
	HpifWhenNow     = 1
	HpifWhenNextGC  = 2
	HpifWhenEveryGC = 3
)

// When to send heap segments (HPSG).
const (
	HpsgWhenNever   = 0
	HpsgWhenEveryGC = 1
)

// Heap segment piece states: kind in bits 3-5, solidity in bits 0-2, and
// the top bit set on all but the last piece of a split run.
const (
	hpsgSolidityFree = 0
	hpsgSolidityHard = 1

	hpsgKindObject      = 0
	hpsgKindClassObject = 1
	hpsgKindArray1      = 2
	hpsgKindArray2      = 3
	hpsgKindArray4      = 4
	hpsgKindArray8      = 5

	hpsgPartial = 1 << 7

	// defaultHeapID is the only heap reported.
	defaultHeapID = 1
	// hpsgUnit is the allocation unit heap segments are measured in.
	hpsgUnit = rtabi.ObjectAlignment
)

func hpsgState(solidity, kind byte) byte { return kind&7<<3 | solidity&7 }

var be = binary.BigEndian

// ddm serves DDM chunks and sends the unsolicited ones.
type ddm struct {
	d *Debugger

	mu            sync.Mutex
	handlers      map[ChunkType]ChunkHandler
	hpifWhen      byte
	hpsgWhen      byte
	threadsNotify bool
}

var _ gc.GCListener = (*ddm)(nil)

func newDDM(d *Debugger) *ddm {
	m := &ddm{d: d, handlers: make(map[ChunkType]ChunkHandler)}
	m.handlers[ChunkHPIF] = m.handleHPIF
	m.handlers[ChunkHPSG] = m.handleHPSG
	m.handlers[ChunkHPGC] = m.handleHPGC
	m.handlers[ChunkTHEN] = m.handleTHEN
	m.handlers[ChunkREAE] = m.handleREAE
	m.handlers[ChunkREAQ] = m.handleREAQ
	m.handlers[ChunkREAL] = m.handleREAL
	return m
}

func (m *ddm) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hpifWhen, m.hpsgWhen, m.threadsNotify = HpifWhenNever, HpsgWhenNever, false
}

// RegisterChunkHandler installs h for chunks of type tag, replacing any
// handler already there. A nil h removes it.
func (d *Debugger) RegisterChunkHandler(tag ChunkType, h ChunkHandler) {
	m := d.ddm
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.handlers, tag)
		return
	}
	m.handlers[tag] = h
}

// HandleChunk passes a chunk from the debugger to its handler.
func (d *Debugger) HandleChunk(self *runtime.Thread, tag ChunkType, data []byte) ([]byte, error) {
	m := d.ddm
	m.mu.Lock()
	h := m.handlers[tag]
	m.mu.Unlock()
	if h == nil {
		return nil, errors.Errorf("no handler for chunk %v", tag)
	}
	reply, err := h(self, data)
	return reply, errors.Wrapf(err, "chunk %v", tag)
}

// SendChunk sends an unsolicited chunk to the debugger.
func (d *Debugger) SendChunk(tag ChunkType, data []byte) {
	if !d.IsConnected() {
		return
	}
	d.sink.Chunk(tag, data)
}

func needBytes(tag ChunkType, data []byte, n int) error {
	if len(data) < n {
		return errors.Errorf("%v: %d bytes, want %d", tag, len(data), n)
	}
	return nil
}

func (m *ddm) handleHPIF(self *runtime.Thread, data []byte) ([]byte, error) {
	if err := needBytes(ChunkHPIF, data, 4); err != nil {
		return nil, err
	}
	when := be.Uint32(data)
	if when > HpifWhenEveryGC {
		return nil, errors.Errorf("unknown HPIF when %d", when)
	}
	if when == HpifWhenNow {
		m.sendHeapInfo(byte(when))
		return nil, nil
	}
	m.mu.Lock()
	m.hpifWhen = byte(when)
	m.mu.Unlock()
	return nil, nil
}

func (m *ddm) handleHPSG(self *runtime.Thread, data []byte) ([]byte, error) {
	if err := needBytes(ChunkHPSG, data, 2); err != nil {
		return nil, err
	}
	if data[0] > HpsgWhenEveryGC {
		return nil, errors.Errorf("unknown HPSG when %d", data[0])
	}
	m.mu.Lock()
	m.hpsgWhen = data[0]
	m.mu.Unlock()
	return nil, nil
}

func (m *ddm) handleHPGC(self *runtime.Thread, _ []byte) ([]byte, error) {
	m.d.rt.Heap().CollectGarbage(self, false)
	return nil, nil
}

func (m *ddm) handleTHEN(self *runtime.Thread, data []byte) ([]byte, error) {
	if err := needBytes(ChunkTHEN, data, 1); err != nil {
		return nil, err
	}
	on := data[0] != 0
	m.mu.Lock()
	m.threadsNotify = on
	m.mu.Unlock()
	if on {
		for _, t := range m.d.rt.ThreadList().Threads() {
			m.d.SendChunk(ChunkTHCR, threadCreatedChunk(t))
		}
	}
	return nil, nil
}

func (m *ddm) handleREAE(_ *runtime.Thread, data []byte) ([]byte, error) {
	if err := needBytes(ChunkREAE, data, 1); err != nil {
		return nil, err
	}
	m.d.allocs.SetTracking(data[0] != 0)
	return nil, nil
}

func (m *ddm) handleREAQ(*runtime.Thread, []byte) ([]byte, error) {
	if m.d.allocs.IsTracking() {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (m *ddm) handleREAL(self *runtime.Thread, _ []byte) ([]byte, error) {
	return m.d.allocs.Encode(self), nil
}

// threadCreatedChunk is the THCR body: thread id, name length in UTF-16
// code units and the name.
func threadCreatedChunk(t *runtime.Thread) []byte {
	name := utf16.Encode([]rune(t.Name()))
	out := make([]byte, 8, 8+2*len(name))
	be.PutUint32(out, t.ID())
	be.PutUint32(out[4:], uint32(len(name)))
	for _, u := range name {
		out = be.AppendUint16(out, u)
	}
	return out
}

func (m *ddm) threadNotify(t *runtime.Thread, started bool) {
	m.mu.Lock()
	on := m.threadsNotify
	m.mu.Unlock()
	if !on {
		return
	}
	if started {
		m.d.SendChunk(ChunkTHCR, threadCreatedChunk(t))
		return
	}
	m.d.SendChunk(ChunkTHDE, be.AppendUint32(nil, t.ID()))
}

// GCCompleted sends the heap info and segments the debugger asked for.
func (m *ddm) GCCompleted(self gc.Thread, _ gccause.GcType, _ gccause.Cause) {
	if !m.d.IsConnected() {
		return
	}
	m.mu.Lock()
	hpif, hpsg := m.hpifWhen, m.hpsgWhen
	if hpif == HpifWhenNextGC {
		m.hpifWhen = HpifWhenNever
	}
	m.mu.Unlock()
	if hpif == HpifWhenNextGC || hpif == HpifWhenEveryGC {
		m.sendHeapInfo(hpif)
	}
	if hpsg == HpsgWhenEveryGC {
		tl := m.d.rt.ThreadList()
		tl.SuspendAll(self, "ddm heap segments")
		defer tl.ResumeAll(self)
		m.sendHeapSegments()
	}
}

// sendHeapInfo sends an HPIF chunk for the single heap.
func (m *ddm) sendHeapInfo(reason byte) {
	h := m.d.rt.Heap()
	out := make([]byte, 0, 33)
	out = be.AppendUint32(out, 1)
	out = be.AppendUint32(out, defaultHeapID)
	out = be.AppendUint64(out, uint64(m.d.now().UnixMilli()))
	out = append(out, reason)
	out = be.AppendUint32(out, uint32(h.GetMaxMemory()))
	out = be.AppendUint32(out, uint32(h.GetTotalMemory()))
	out = be.AppendUint32(out, uint32(h.GetBytesAllocated()))
	out = be.AppendUint32(out, uint32(h.GetObjectsAllocated()))
	m.d.SendChunk(ChunkHPIF, out)
}

// sendHeapSegments sends HPST, one HPSG per continuous space and HPEN.
// Every other thread must be suspended.
func (m *ddm) sendHeapSegments() {
	h := m.d.rt.Heap()
	id := be.AppendUint32(nil, defaultHeapID)
	m.d.SendChunk(ChunkHPST, id)
	for _, sp := range h.ContinuousSpaces() {
		if sp.End() == sp.Begin() {
			continue
		}
		m.d.SendChunk(ChunkHPSG, heapSegment(h, sp))
	}
	m.d.SendChunk(ChunkHPEN, id)
}

// heapSegment describes the used part of sp as runs of allocation units.
func heapSegment(h *gc.Heap, sp space.ContinuousSpace) []byte {
	out := be.AppendUint32(nil, defaultHeapID)
	out = append(out, hpsgUnit)
	out = be.AppendUint32(out, sp.Begin())
	out = be.AppendUint32(out, 0)
	out = be.AppendUint32(out, (sp.End()-sp.Begin())/hpsgUnit)
	cursor := sp.Begin()
	h.WalkSpace(sp, func(obj mirror.Ref) {
		if uint32(obj) > cursor {
			out = appendPieces(out, hpsgState(hpsgSolidityFree, hpsgKindObject), (uint32(obj)-cursor)/hpsgUnit)
		}
		size := mirror.AlignedSizeOf(h, obj)
		out = appendPieces(out, hpsgState(hpsgSolidityHard, objectKind(h, obj)), size/hpsgUnit)
		cursor = uint32(obj) + size
	})
	if sp.End() > cursor {
		out = appendPieces(out, hpsgState(hpsgSolidityFree, hpsgKindObject), (sp.End()-cursor)/hpsgUnit)
	}
	return out
}

// appendPieces appends a run of units, split into pieces of at most 256.
func appendPieces(out []byte, state byte, units uint32) []byte {
	for ; units > 256; units -= 256 {
		out = append(out, state|hpsgPartial, 255)
	}
	if units > 0 {
		out = append(out, state, byte(units-1))
	}
	return out
}

func objectKind(h *gc.Heap, obj mirror.Ref) byte {
	k := mirror.ClassOf(h, obj)
	flags := mirror.ClassFlags(h, k)
	switch {
	case flags&mirror.ClassFlagClass != 0:
		return hpsgKindClassObject
	case flags&(mirror.ClassFlagObjectArray|mirror.ClassFlagPrimitiveArray) != 0:
		switch mirror.ComponentSizeOf(h, k) {
		case 1:
			return hpsgKindArray1
		case 2:
			return hpsgKindArray2
		case 8:
			return hpsgKindArray8
		}
		return hpsgKindArray4
	}
	return hpsgKindObject
}
