package debugger

import (
	"encoding/binary"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/runtime"
)

var fixedNow = time.UnixMilli(1_700_000_000_123)

func chunkTags(chunks []chunk) []string {
	var out []string
	for _, ch := range chunks {
		out = append(out, ch.Tag.String())
	}
	return out
}

func TestChunkType(t *testing.T) {
	c := qt.New(t)
	c.Assert(ChunkHPIF.String(), qt.Equals, "HPIF")
	c.Assert(ChunkREAL.String(), qt.Equals, "REAL")
	c.Assert(uint32(ChunkTHCR), qt.Equals, binary.BigEndian.Uint32([]byte("THCR")))
}

func TestChunkHandlers(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	d := newTestDebugger(t, rt, Options{})

	tag := ChunkType(binary.BigEndian.Uint32([]byte("ECHO")))
	_, err := d.HandleChunk(main, tag, nil)
	c.Assert(err, qt.ErrorMatches, `no handler for chunk ECHO`)

	d.RegisterChunkHandler(tag, func(_ *runtime.Thread, data []byte) ([]byte, error) { return data, nil })
	reply, err := d.HandleChunk(main, tag, []byte("hi"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(reply), qt.Equals, "hi")
	d.RegisterChunkHandler(tag, nil)
	_, err = d.HandleChunk(main, tag, nil)
	c.Assert(err, qt.IsNotNil)

	_, err = d.HandleChunk(main, ChunkHPIF, []byte{0})
	c.Assert(err, qt.ErrorMatches, `chunk HPIF: HPIF: 1 bytes, want 4`)
	_, err = d.HandleChunk(main, ChunkHPIF, []byte{0, 0, 0, 9})
	c.Assert(err, qt.ErrorMatches, `chunk HPIF: unknown HPIF when 9`)
}

func TestHeapInfo(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	sink := &recordingSink{}
	d := newTestDebugger(t, rt, Options{Sink: sink, Now: func() time.Time { return fixedNow }})
	h := rt.Heap()

	_, err := d.HandleChunk(main, ChunkHPIF, []byte{0, 0, 0, HpifWhenNow})
	c.Assert(err, qt.IsNil)
	chunks := sink.Chunks()
	c.Assert(chunkTags(chunks), qt.DeepEquals, []string{"HPIF"})
	b := chunks[0].Data
	c.Assert(b, qt.HasLen, 33)
	c.Assert(be.Uint32(b), qt.Equals, uint32(1))
	c.Assert(be.Uint32(b[4:]), qt.Equals, uint32(defaultHeapID))
	c.Assert(be.Uint64(b[8:]), qt.Equals, uint64(fixedNow.UnixMilli()))
	c.Assert(b[16], qt.Equals, byte(HpifWhenNow))
	c.Assert(be.Uint32(b[17:]), qt.Equals, uint32(h.GetMaxMemory()))
	c.Assert(be.Uint32(b[25:]) > 0, qt.IsTrue)
	c.Assert(be.Uint32(b[29:]) > 0, qt.IsTrue)

	// Next GC reports once.
	sink.reset()
	_, err = d.HandleChunk(main, ChunkHPIF, []byte{0, 0, 0, HpifWhenNextGC})
	c.Assert(err, qt.IsNil)
	c.Assert(sink.Chunks(), qt.HasLen, 0)
	h.CollectGarbage(main, false)
	h.CollectGarbage(main, false)
	chunks = sink.Chunks()
	c.Assert(chunkTags(chunks), qt.DeepEquals, []string{"HPIF"})
	c.Assert(chunks[0].Data[16], qt.Equals, byte(HpifWhenNextGC))

	// HPGC collects.
	sink.reset()
	_, err = d.HandleChunk(main, ChunkHPIF, []byte{0, 0, 0, HpifWhenEveryGC})
	c.Assert(err, qt.IsNil)
	_, err = d.HandleChunk(main, ChunkHPGC, nil)
	c.Assert(err, qt.IsNil)
	h.CollectGarbage(main, false)
	c.Assert(chunkTags(sink.Chunks()), qt.DeepEquals, []string{"HPIF", "HPIF"})
}

func TestHeapSegments(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	sink := &recordingSink{}
	d := newTestDebugger(t, rt, Options{Sink: sink})
	s := startSpinner(t, rt, "spinner")

	_, err := d.HandleChunk(main, ChunkHPSG, []byte{HpsgWhenEveryGC, 0})
	c.Assert(err, qt.IsNil)
	rt.Heap().CollectGarbage(main, false)
	c.Assert(s.t.IsSuspended(), qt.IsFalse)

	chunks := sink.Chunks()
	tags := chunkTags(chunks)
	c.Assert(len(tags) >= 3, qt.IsTrue)
	c.Assert(tags[0], qt.Equals, "HPST")
	c.Assert(tags[len(tags)-1], qt.Equals, "HPEN")
	hard := 0
	for _, ch := range chunks[1 : len(chunks)-1] {
		c.Assert(ch.Tag, qt.Equals, ChunkHPSG)
		b := ch.Data
		c.Assert(be.Uint32(b), qt.Equals, uint32(defaultHeapID))
		c.Assert(b[4], qt.Equals, byte(hpsgUnit))
		c.Assert(be.Uint32(b[9:]), qt.Equals, uint32(0))
		total := be.Uint32(b[13:])
		pieces := b[17:]
		c.Assert(len(pieces)%2, qt.Equals, 0)
		var units uint32
		for i := 0; i < len(pieces); i += 2 {
			state, n := pieces[i], uint32(pieces[i+1])+1
			if state&hpsgPartial != 0 {
				c.Assert(n, qt.Equals, uint32(256))
			}
			if state&7 == hpsgSolidityHard {
				hard++
			}
			units += n
		}
		c.Assert(units, qt.Equals, total)
	}
	// The class roots at least are in the heap.
	c.Assert(hard > 0, qt.IsTrue)

	sink.reset()
	_, err = d.HandleChunk(main, ChunkHPSG, []byte{HpsgWhenNever, 0})
	c.Assert(err, qt.IsNil)
	rt.Heap().CollectGarbage(main, false)
	c.Assert(sink.Chunks(), qt.HasLen, 0)
}

func TestAppendPieces(t *testing.T) {
	c := qt.New(t)
	st := hpsgState(hpsgSolidityHard, hpsgKindArray4)
	c.Assert(st, qt.Equals, byte(4<<3|1))
	c.Assert(appendPieces(nil, st, 1), qt.DeepEquals, []byte{st, 0})
	c.Assert(appendPieces(nil, st, 256), qt.DeepEquals, []byte{st, 255})
	c.Assert(appendPieces(nil, st, 600), qt.DeepEquals, []byte{st | hpsgPartial, 255, st | hpsgPartial, 255, st, 87})
	c.Assert(appendPieces(nil, st, 0), qt.HasLen, 0)
}

func TestThreadNotifications(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	sink := &recordingSink{}
	d := newTestDebugger(t, rt, Options{Sink: sink})

	w, err := rt.AttachCurrentThread("quiet")
	c.Assert(err, qt.IsNil)
	rt.DetachCurrentThread(w)
	c.Assert(sink.Chunks(), qt.HasLen, 0)

	_, err = d.HandleChunk(main, ChunkTHEN, []byte{1})
	c.Assert(err, qt.IsNil)
	chunks := sink.Chunks()
	c.Assert(chunkTags(chunks), qt.DeepEquals, []string{"THCR"})
	c.Assert(chunks[0].Data, qt.DeepEquals, []byte{
		0, 0, 0, byte(main.ID()),
		0, 0, 0, 4,
		0, 'm', 0, 'a', 0, 'i', 0, 'n',
	})

	sink.reset()
	w, err = rt.AttachCurrentThread("w")
	c.Assert(err, qt.IsNil)
	rt.DetachCurrentThread(w)
	chunks = sink.Chunks()
	c.Assert(chunkTags(chunks), qt.DeepEquals, []string{"THCR", "THDE"})
	c.Assert(be.Uint32(chunks[0].Data), qt.Equals, w.ID())
	c.Assert(chunks[1].Data, qt.DeepEquals, be.AppendUint32(nil, w.ID()))
}

func TestAllocationTracking(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t, hierarchyClasses()...)
	main := rt.MainThread()
	d := newTestDebugger(t, rt, Options{})
	n := findClass(t, rt, "LA;").FindDeclaredMethod("n", "()V")

	reply, err := d.HandleChunk(main, ChunkREAQ, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(reply, qt.DeepEquals, []byte{0})
	_, err = d.HandleChunk(main, ChunkREAE, []byte{1})
	c.Assert(err, qt.IsNil)
	reply, err = d.HandleChunk(main, ChunkREAQ, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(reply, qt.DeepEquals, []byte{1})

	main.PushFrame(&runtime.Frame{Method: n, Interpreted: true})
	_, err = rt.InternTable().InternStrong(main, "tracked")
	main.PopFrame()
	c.Assert(err, qt.IsNil)

	recs := d.AllocRecords().Records()
	var found *AllocRecord
	for i := range recs {
		if recs[i].Descriptor == runtime.StringDescriptor {
			found = &recs[i]
		}
	}
	c.Assert(found, qt.IsNotNil)
	c.Assert(found.ThreadID, qt.Equals, main.ID())
	c.Assert(found.Bytes > 0, qt.IsTrue)
	c.Assert(found.Stack, qt.HasLen, 1)
	c.Assert(found.Stack[0].Method, qt.Equals, n)

	body, err := d.HandleChunk(main, ChunkREAL, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(body[:3], qt.DeepEquals, []byte{allocHeaderLen, allocEntryLen, allocFrameLen})
	c.Assert(int(be.Uint16(body[3:])), qt.Equals, len(recs))
	stringsAt := be.Uint32(body[5:])
	c.Assert(int(stringsAt) < len(body), qt.IsTrue)
	c.Assert(be.Uint16(body[9:]) > 0, qt.IsTrue)
	c.Assert(be.Uint16(body[11:]), qt.Equals, uint16(1))

	_, err = d.HandleChunk(main, ChunkREAE, []byte{0})
	c.Assert(err, qt.IsNil)
	c.Assert(d.AllocRecords().IsTracking(), qt.IsFalse)
	before := len(d.AllocRecords().Records())
	_, err = rt.InternTable().InternStrong(main, "untracked")
	c.Assert(err, qt.IsNil)
	c.Assert(d.AllocRecords().Records(), qt.HasLen, before)
}

func TestAllocationRecordsAreBounded(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	d := newTestDebugger(t, rt, Options{AllocRecordMax: 2})
	str, err := rt.InternTable().InternStrong(main, "s")
	c.Assert(err, qt.IsNil)

	a := d.AllocRecords()
	a.SetTracking(true)
	defer a.SetTracking(false)
	a.ObjectAllocated(main, str, 1)
	a.ObjectAllocated(main, str, 2)
	a.ObjectAllocated(main, str, 3)
	var sizes []uint32
	for _, r := range a.Records() {
		sizes = append(sizes, r.Bytes)
	}
	c.Assert(sizes, qt.DeepEquals, []uint32{2, 3})

	// Turning tracking on again starts afresh.
	a.SetTracking(false)
	a.SetTracking(true)
	c.Assert(a.Records(), qt.HasLen, 0)
}
