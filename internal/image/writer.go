package image

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/compiler"
	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/oat"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
	"github.com/you-not-fish/dex2oat/internal/runtime"
)

// OatFile is the oat file written next to an image. Its layout must be
// prepared before the image writer assigns addresses.
type OatFile interface {
	DexFiles() []*dex.File
	LoadedSize() uint32
	OatDataOffset() uint32
	TextSize() uint32
	Header() *oat.Header
	MethodOffset(ref compiler.MethodReference) (uint32, bool)
	TrampolineOffset(t oat.Trampoline) uint32
}

// BootImage is the address range of the boot image an app image is
// compiled against.
type BootImage struct {
	ImageBegin, ImageSize uint32
	OatBegin, OatSize     uint32
	ImageMethods          [rtabi.ImageMethodsCount]uint64
}

// BootImageOf returns the range covered by the headers of a boot image,
// first image first.
func BootImageOf(headers []*Header) BootImage {
	if len(headers) == 0 {
		return BootImage{}
	}
	first, last := headers[0], headers[len(headers)-1]
	return BootImage{
		ImageBegin:   first.ImageBegin,
		ImageSize:    last.ImageEnd() - first.ImageBegin,
		OatBegin:     first.OatFileBegin,
		OatSize:      last.OatFileEnd - first.OatFileBegin,
		ImageMethods: first.ImageMethods,
	}
}

// Config describes the images to write.
type Config struct {
	ISA isa.InstructionSet
	// Base is the address of the first image.
	Base uint32
	// App writes an app image: only classes of the compiled dex files,
	// referring to Boot for everything else, and no code pointers.
	App  bool
	Boot BootImage

	CompilePic    bool
	StorageMode   StorageMode
	Deterministic bool
	// Classes selects the classes of a boot image; nil keeps all.
	Classes *ClassSet

	Log *zap.SugaredLogger
}

// placement is where an object or native record lands: an image and an
// offset from its begin.
type placement struct {
	image  int
	offset uint32
}

type imageInfo struct {
	location string
	out      io.Writer
	oat      OatFile

	roots   mirror.Ref
	pinned  []mirror.Ref
	objects []mirror.Ref
	classes []*runtime.Class
	strings []mirror.Ref
	// methodArrays holds the offset of each class's ArtMethod array.
	methodArrays map[*runtime.Class]uint32
	relocations  []uint32
	objectsEnd   uint32

	header       Header
	oatFileBegin uint32
	oatDataBegin uint32
}

func (im *imageInfo) addr(off uint32) uint32 { return im.header.ImageBegin + off }

// Writer lays out the reachable heap as one image per oat file. Use it
// as: AddImage for every output, Prepare once the oat layouts are known,
// then Write once the oat files are written. The writer implements
// oat.ImageAddresses between Prepare and Write.
type Writer struct {
	rt   *runtime.Runtime
	self *runtime.Thread
	h    *gc.Heap
	cl   *runtime.ClassLinker
	cfg  Config
	log  *zap.SugaredLogger

	pointerSize int
	images      []*imageInfo
	imageOf     map[*dex.File]int
	classClass  mirror.Ref

	placed      map[mirror.Ref]placement
	assigned    map[mirror.Ref]int
	visited     map[mirror.Ref]bool
	classByRef  map[mirror.Ref]*runtime.Class
	methods     map[*mirror.ArtMethod]placement
	methodRefs  map[compiler.MethodReference]*mirror.ArtMethod
	runtimeMeth [rtabi.ImageMethodsCount]uint32

	movingGCDisabled bool
}

var _ oat.ImageAddresses = (*Writer)(nil)

// NewWriter returns a writer snapshotting rt's heap. self is the calling
// thread.
func NewWriter(rt *runtime.Runtime, self *runtime.Thread, cfg Config) *Writer {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Writer{
		rt:          rt,
		self:        self,
		h:           rt.Heap(),
		cl:          rt.ClassLinker(),
		cfg:         cfg,
		log:         log.Named("image"),
		pointerSize: cfg.ISA.PointerSize(),
		imageOf:     make(map[*dex.File]int),
		placed:      make(map[mirror.Ref]placement),
		assigned:    make(map[mirror.Ref]int),
		visited:     make(map[mirror.Ref]bool),
		classByRef:  make(map[mirror.Ref]*runtime.Class),
		methods:     make(map[*mirror.ArtMethod]placement),
		methodRefs:  make(map[compiler.MethodReference]*mirror.ArtMethod),
	}
}

// AddImage adds an image written to out, holding the classes of the dex
// files of o.
func (w *Writer) AddImage(location string, out io.Writer, o OatFile) {
	i := len(w.images)
	w.images = append(w.images, &imageInfo{location: location, out: out, oat: o, methodArrays: map[*runtime.Class]uint32{}})
	for _, f := range o.DexFiles() {
		w.imageOf[f] = i
	}
}

// NumImages returns the number of images added.
func (w *Writer) NumImages() int { return len(w.images) }

// Header returns the header of image i. Addresses are valid after
// Prepare; the oat checksum after Write.
func (w *Writer) Header(i int) *Header { return &w.images[i].header }

// OatFileBegin returns where the oat file of image i is loaded.
func (w *Writer) OatFileBegin(i int) uint32 { return w.images[i].oatFileBegin }

// OatDataBegin returns the address of the oat data of image i.
func (w *Writer) OatDataBegin(i int) uint32 { return w.images[i].oatDataBegin }

// Prepare picks the objects of every image, orders them, lays out the
// sections and assigns addresses. Moving collections stay disabled until
// Close so the heap addresses the layout refers to stay valid.
func (w *Writer) Prepare() error {
	if len(w.images) == 0 {
		return errors.New("image: no images to prepare")
	}
	if w.cfg.App && w.cfg.Boot.ImageSize == 0 {
		return errors.New("image: an app image needs a boot image")
	}
	w.h.IncrementDisableMovingGC(w.self)
	w.movingGCDisabled = true

	classClass := w.cl.LookupClass(runtime.ClassDescriptor)
	if classClass == nil {
		return errors.New("image: java.lang.Class is not loaded")
	}
	w.classClass = classClass.Ref
	if err := w.pin(); err != nil {
		return err
	}
	for i, im := range w.images {
		w.walk(i, im.pinned)
	}
	if !w.cfg.App {
		// Interned strings nothing in the images reaches go to the first.
		var rest []mirror.Ref
		for _, s := range w.rt.InternTable().StrongStrings() {
			if w.admit(0, s) {
				rest = append(rest, s)
			}
		}
		w.walk(0, rest)
	}
	for i, im := range w.images {
		w.order(im)
		w.layout(i, im)
	}
	for i, im := range w.images {
		w.relocate(i, im)
	}
	w.assignAddresses()
	for _, im := range w.images {
		w.log.Infow("prepared image",
			"image", im.location,
			"begin", mirror.Ref(im.header.ImageBegin),
			"size", im.header.ImageSize,
			"objects", len(im.objects),
			"classes", len(im.classes),
			"strings", len(im.strings),
			"relocations", len(im.relocations))
	}
	return nil
}

// Close re-enables moving collections.
func (w *Writer) Close() {
	if w.movingGCDisabled {
		w.h.DecrementDisableMovingGC(w.self)
		w.movingGCDisabled = false
	}
}

func (w *Writer) inBootImage(obj mirror.Ref) bool {
	_, ok := w.h.SpaceOf(obj).(*space.ImageSpace)
	return ok
}

// pin assigns every kept class and dex cache to the image of its dex file
// and creates the image roots.
func (w *Writer) pin() error {
	for _, k := range w.cl.Classes() {
		w.classByRef[k.Ref] = k
	}
	for i, im := range w.images {
		var caches []mirror.Ref
		for _, f := range im.oat.DexFiles() {
			dc := w.cl.DexCache(f)
			if dc == 0 {
				return errors.Errorf("image: %s has no dex cache", f.Location)
			}
			caches = append(caches, dc)
		}
		roots, err := w.cl.CreateImageRoots(w.self, caches)
		if err != nil {
			return errors.Wrapf(err, "image: %s", im.location)
		}
		im.roots = roots
		w.assign(i, roots)
		for _, dc := range caches {
			w.assign(i, dc)
		}
	}
	for _, k := range w.cl.Classes() {
		i, ok := w.classImage(k)
		if !ok {
			continue
		}
		w.assign(i, k.Ref)
	}
	return nil
}

func (w *Writer) assign(i int, obj mirror.Ref) {
	if _, ok := w.assigned[obj]; ok {
		return
	}
	w.assigned[obj] = i
	w.images[i].pinned = append(w.images[i].pinned, obj)
}

// classImage returns the image k belongs to.
func (w *Writer) classImage(k *runtime.Class) (int, bool) {
	if w.inBootImage(k.Ref) || k.Status().IsErroneous() {
		return 0, false
	}
	if k.DexFile != nil {
		i, ok := w.imageOf[k.DexFile]
		if !ok || (!w.cfg.App && !w.cfg.Classes.Contains(k)) {
			return 0, false
		}
		return i, true
	}
	if w.cfg.App {
		// Array classes made while compiling the app.
		if !k.IsArray() {
			return 0, false
		}
		c := k.ComponentType
		for c.IsArray() {
			c = c.ComponentType
		}
		if c.IsPrimitive() || w.inBootImage(c.Ref) {
			return 0, true
		}
		return w.classImage(c)
	}
	if !w.cfg.Classes.Contains(k) {
		return 0, false
	}
	return 0, true
}

// admit reports whether image i's walk should visit obj, claiming obj for
// image i when no image has it yet.
func (w *Writer) admit(i int, obj mirror.Ref) bool {
	if obj == 0 || w.visited[obj] {
		return false
	}
	if j, ok := w.assigned[obj]; ok {
		return j == i
	}
	if w.inBootImage(obj) {
		return false
	}
	k := mirror.ClassOf(w.h, obj)
	if k == w.classClass {
		// Classes are pinned or left out.
		return false
	}
	if _, ok := w.assigned[k]; !ok && !w.inBootImage(k) {
		return false
	}
	w.assigned[obj] = i
	return true
}

// walk visits the objects reachable from queue breadth first, adding those
// image i owns to it.
func (w *Writer) walk(i int, queue []mirror.Ref) {
	im := w.images[i]
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		if w.visited[obj] || w.assigned[obj] != i {
			continue
		}
		w.visited[obj] = true
		im.objects = append(im.objects, obj)
		mirror.VisitReferences(w.h, obj, true, func(o mirror.Ref, off uint32) {
			if t := mirror.FieldRef(w.h, o, off); w.admit(i, t) {
				queue = append(queue, t)
			}
		})
	}
}

// order sorts the objects of an image: by class descriptor and identity
// hash in deterministic mode, else by address, which is the order a heap
// walk visits them in.
func (w *Writer) order(im *imageInfo) {
	if !w.cfg.Deterministic {
		sort.Slice(im.objects, func(i, j int) bool { return im.objects[i] < im.objects[j] })
		return
	}
	type key struct {
		descriptor string
		hash       uint32
	}
	keys := make(map[mirror.Ref]key, len(im.objects))
	for _, obj := range im.objects {
		k := mirror.ClassOf(w.h, obj)
		keys[obj] = key{descriptor: mirror.ClassDescriptor(w.h, k), hash: mirror.IdentityHashCode(w.h, obj)}
	}
	sort.SliceStable(im.objects, func(i, j int) bool {
		a, b := keys[im.objects[i]], keys[im.objects[j]]
		if a.descriptor != b.descriptor {
			return a.descriptor < b.descriptor
		}
		return a.hash < b.hash
	})
}

func bitmapSize(capacity uint32) uint32 {
	slots := (uint64(capacity) + base.ObjectAlignment - 1) / base.ObjectAlignment
	return uint32((slots + 63) / 64 * 8)
}

// layout assigns offsets to the objects and the native sections of image
// i and records every word that holds an address inside the images.
func (w *Writer) layout(i int, im *imageInfo) {
	ps := uint32(w.pointerSize)
	off := uint32(ObjectsOffset)
	for _, obj := range im.objects {
		w.placed[obj] = placement{image: i, offset: off}
		if k := w.classByRef[obj]; k != nil && mirror.ClassOf(w.h, obj) == w.classClass {
			im.classes = append(im.classes, k)
		}
		off += mirror.AlignedSizeOf(w.h, obj)
	}
	im.objectsEnd = off
	for _, s := range w.rt.InternTable().StrongStrings() {
		if p, ok := w.placed[s]; ok && p.image == i {
			im.strings = append(im.strings, s)
		}
	}
	hdr := &im.header
	hdr.Sections[SectionObjects] = SectionRange{Offset: ObjectsOffset, Size: off - ObjectsOffset}
	hdr.Sections[SectionArtFields] = SectionRange{Offset: off}

	off = base.RoundUp(off, ps)
	start := off
	size := uint32(rtabi.ArtMethodSize(w.pointerSize))
	for _, k := range im.classes {
		ms := k.Methods()
		if len(ms) == 0 {
			continue
		}
		im.methodArrays[k] = off
		off += ps
		for _, m := range ms {
			w.methods[m] = placement{image: i, offset: off}
			if !m.IsCopied() && m.DexFile != nil {
				w.methodRefs[compiler.MethodReference{DexFile: m.DexFile, Index: m.DexMethodIndex}] = m
			}
			off += size
		}
	}
	hdr.Sections[SectionArtMethods] = SectionRange{Offset: start, Size: off - start}

	start = off
	if i == 0 && !w.cfg.App {
		for j := range w.runtimeMeth {
			w.runtimeMeth[j] = off
			off += size
		}
	}
	hdr.Sections[SectionRuntimeMethods] = SectionRange{Offset: start, Size: off - start}
	hdr.Sections[SectionImTables] = SectionRange{Offset: off}
	hdr.Sections[SectionIMTConflictTables] = SectionRange{Offset: off}
	hdr.Sections[SectionDexCacheArrays] = SectionRange{Offset: off}

	off = base.RoundUp(off, 4)
	hdr.Sections[SectionInternedStrings] = SectionRange{Offset: off, Size: 4 + 4*uint32(len(im.strings))}
	off += hdr.Sections[SectionInternedStrings].Size
	hdr.Sections[SectionClassTable] = SectionRange{Offset: off, Size: 4 + 4*uint32(len(im.classes))}
	off += hdr.Sections[SectionClassTable].Size
	hdr.ImageSize = off
}

// relocate records every word of image i that holds an address inside the
// images being written, in the order of the data they patch, and places
// the bitmap and relocation sections. Every image must be laid out first.
func (w *Writer) relocate(i int, im *imageInfo) {
	hdr := &im.header
	var relocs []uint32
	for _, obj := range im.objects {
		at := w.placed[obj].offset
		mirror.VisitReferences(w.h, obj, true, func(o mirror.Ref, roff uint32) {
			if _, ok := w.placed[mirror.FieldRef(w.h, o, roff)]; ok {
				relocs = append(relocs, at+roff)
			}
		})
		if k := w.classByRef[obj]; k != nil {
			if _, ok := im.methodArrays[k]; ok {
				relocs = append(relocs, at+rtabi.ClassMethodsOffset)
			}
		}
	}
	for _, k := range im.classes {
		for _, m := range k.Methods() {
			at := w.methods[m].offset
			if _, ok := w.placed[m.DeclaringClass]; ok {
				relocs = append(relocs, at+rtabi.ArtMethodDeclaringClassOffset)
			}
			if w.hasData(m) {
				relocs = append(relocs, at+uint32(rtabi.ArtMethodDataOffset(w.pointerSize)))
			}
			if !w.cfg.App {
				relocs = append(relocs, at+uint32(rtabi.ArtMethodEntryPointOffset(w.pointerSize)))
			}
		}
	}
	if i == 0 && !w.cfg.App {
		for j, at := range w.runtimeMeth {
			if runtimeMethodTrampoline(j) >= 0 {
				relocs = append(relocs, at+uint32(rtabi.ArtMethodEntryPointOffset(w.pointerSize)))
			}
		}
	}
	for j := range im.strings {
		relocs = append(relocs, hdr.Sections[SectionInternedStrings].Offset+4+4*uint32(j))
	}
	for j := range im.classes {
		relocs = append(relocs, hdr.Sections[SectionClassTable].Offset+4+4*uint32(j))
	}
	im.relocations = relocs

	bitmap := SectionRange{Offset: base.RoundUp(hdr.ImageSize, base.PageSize), Size: bitmapSize(im.objectsEnd)}
	hdr.Sections[SectionImageBitmap] = bitmap
	hdr.Sections[SectionRelocations] = SectionRange{Offset: bitmap.End(), Size: 4 * uint32(len(relocs))}
}

// hasData reports whether m's data pointer will be set, before addresses
// are known.
func (w *Writer) hasData(m *mirror.ArtMethod) bool {
	if m.IsNative() && !w.cfg.App {
		return true
	}
	_, ok := w.methods[m.CanonicalMethod()]
	return m.IsCopied() && ok
}

// runtimeMethodTrampoline returns the trampoline the runtime method j
// enters through, or -1 for the callee-save methods, which are never
// called.
func runtimeMethodTrampoline(j int) oat.Trampoline {
	switch j {
	case rtabi.ImageMethodResolution:
		return oat.QuickResolutionTrampoline
	case rtabi.ImageMethodImtConflict, rtabi.ImageMethodImtUnimplemented:
		return oat.QuickImtConflictTrampoline
	}
	return -1
}

// assignAddresses places the images back to back from the base address
// and the oat files after the last image.
func (w *Writer) assignAddresses() {
	next := w.cfg.Base
	for _, im := range w.images {
		im.header.ImageBegin = next
		next += im.header.Reservation()
	}
	oatNext := base.RoundUp(next, base.PageSize)
	for _, im := range w.images {
		hdr := &im.header
		im.oatFileBegin = oatNext
		im.oatDataBegin = oatNext + im.oat.OatDataOffset()
		oatNext += base.RoundUp(im.oat.LoadedSize(), base.PageSize)

		hdr.OatFileBegin = im.oatFileBegin
		hdr.OatDataBegin = im.oatDataBegin
		hdr.OatFileEnd = im.oatFileBegin + im.oat.LoadedSize()
		hdr.OatDataEnd = im.oatDataBegin + im.oat.Header().ExecutableOffset + im.oat.TextSize()
		hdr.ImageRoots = w.address(im.roots)
		hdr.PointerSize = uint32(w.pointerSize)
		hdr.CompilePic = w.cfg.CompilePic
		hdr.IsPic = w.cfg.CompilePic
		hdr.StorageMode = w.cfg.StorageMode
		if w.cfg.App {
			hdr.BootImageBegin = w.cfg.Boot.ImageBegin
			hdr.BootImageSize = w.cfg.Boot.ImageSize
			hdr.BootOatBegin = w.cfg.Boot.OatBegin
			hdr.BootOatSize = w.cfg.Boot.OatSize
			hdr.ImageMethods = w.cfg.Boot.ImageMethods
		}
	}
	if !w.cfg.App {
		im := w.images[0]
		for j, off := range w.runtimeMeth {
			addr := uint64(im.addr(off))
			for _, other := range w.images {
				other.header.ImageMethods[j] = addr
			}
		}
	}
}

// address returns the image address of a placed heap object, or zero.
func (w *Writer) address(obj mirror.Ref) uint32 {
	p, ok := w.placed[obj]
	if !ok {
		return 0
	}
	return w.images[p.image].addr(p.offset)
}

// fixup returns the value a reference to obj has in the image: its image
// address, its boot image address, or null for objects left out.
func (w *Writer) fixup(obj mirror.Ref) uint32 {
	if obj == 0 {
		return 0
	}
	if addr := w.address(obj); addr != 0 {
		return addr
	}
	if w.inBootImage(obj) {
		return uint32(obj)
	}
	return 0
}

// MethodAddress returns the address of ref's ArtMethod.
func (w *Writer) MethodAddress(ref compiler.MethodReference) (uint32, bool) {
	m, ok := w.methodRefs[ref]
	if !ok {
		return 0, false
	}
	p := w.methods[m]
	return w.images[p.image].addr(p.offset), true
}

// TypeAddress returns the address of the class type index typeIdx of f
// names.
func (w *Writer) TypeAddress(f *dex.File, typeIdx uint32) (uint32, bool) {
	k := w.cl.LookupClass(f.TypeDescriptor(typeIdx))
	if k == nil {
		return 0, false
	}
	addr := w.address(k.Ref)
	return addr, addr != 0
}

// StringAddress returns the address of the interned string string index
// stringIdx of f names.
func (w *Writer) StringAddress(f *dex.File, stringIdx uint32) (uint32, bool) {
	s, ok := w.rt.InternTable().Lookup(f.String(stringIdx))
	if !ok {
		return 0, false
	}
	addr := w.address(s)
	return addr, addr != 0
}

func (w *Writer) trampoline(t oat.Trampoline) uint64 {
	im := w.images[0]
	return uint64(im.oatDataBegin + im.oat.TrampolineOffset(t))
}

// entryPoint returns the quick entry point stored in m's image record.
func (w *Writer) entryPoint(m *mirror.ArtMethod) uint64 {
	if w.cfg.App {
		return 0
	}
	c := m.CanonicalMethod()
	if i, ok := w.imageOf[c.DexFile]; ok && c.DexFile != nil {
		im := w.images[i]
		if off, ok := im.oat.MethodOffset(compiler.MethodReference{DexFile: c.DexFile, Index: c.DexMethodIndex}); ok {
			return uint64(im.oatDataBegin + off)
		}
	}
	if m.IsNative() {
		return w.trampoline(oat.QuickGenericJniTrampoline)
	}
	return w.trampoline(oat.QuickToInterpreterBridge)
}

func (w *Writer) dataPointer(m *mirror.ArtMethod) uint64 {
	switch {
	case m.IsNative() && !w.cfg.App:
		return w.trampoline(oat.JniDlsymLookup)
	case m.IsCopied():
		if p, ok := w.methods[m.CanonicalMethod()]; ok {
			return uint64(w.images[p.image].addr(p.offset))
		}
	}
	return 0
}

func (w *Writer) putPointer(b []byte, v uint64) {
	if w.pointerSize == 8 {
		le.PutUint64(b, v)
	} else {
		le.PutUint32(b, uint32(v))
	}
}

// writeMethod encodes an ArtMethod record.
func (w *Writer) writeMethod(b []byte, m *mirror.ArtMethod, declaringClass uint32, entry, data uint64) {
	le.PutUint32(b[rtabi.ArtMethodDeclaringClassOffset:], declaringClass)
	le.PutUint32(b[rtabi.ArtMethodAccessFlagsOffset:], m.AccessFlags)
	le.PutUint32(b[rtabi.ArtMethodCodeItemOffset:], m.CodeItemOffset)
	le.PutUint32(b[rtabi.ArtMethodDexMethodIndexOffset:], m.DexMethodIndex)
	le.PutUint16(b[rtabi.ArtMethodMethodIndexOffset:], m.MethodIndex)
	le.PutUint16(b[rtabi.ArtMethodHotnessCountOffset:], 0)
	w.putPointer(b[rtabi.ArtMethodDataOffset(w.pointerSize):], data)
	w.putPointer(b[rtabi.ArtMethodEntryPointOffset(w.pointerSize):], entry)
}

// Write writes every image. The oat files must be written first: each
// image header records its oat file's checksum.
func (w *Writer) Write() error {
	for _, im := range w.images {
		if err := w.write(im); err != nil {
			return errors.Wrapf(err, "image: %s", im.location)
		}
	}
	return nil
}

func (w *Writer) write(im *imageInfo) error {
	hdr := &im.header
	hdr.OatChecksum = im.oat.Header().Checksum
	buf := make([]byte, hdr.ImageSize)
	live := accounting.NewContinuousSpaceBitmap(im.location+" image bitmap", hdr.ImageBegin, im.objectsEnd)

	for _, obj := range im.objects {
		off := w.placed[obj].offset
		dst := buf[off:]
		copy(dst, w.h.Slice(obj, mirror.SizeOf(w.h, obj)))
		lw := mirror.LockWord(w.h, obj)
		if lw>>rtabi.LockWordStateShift&rtabi.LockWordStateMask != rtabi.LockWordStateHash {
			lw = 0
		}
		le.PutUint32(dst[rtabi.ObjectMonitorOffset:], lw)
		mirror.VisitReferences(w.h, obj, true, func(o mirror.Ref, roff uint32) {
			le.PutUint32(dst[roff:], w.fixup(mirror.FieldRef(w.h, o, roff)))
		})
		if mirror.ClassOf(w.h, obj) == w.classClass {
			var methods uint64
			if k := w.classByRef[obj]; k != nil {
				if arr, ok := im.methodArrays[k]; ok {
					methods = uint64(im.addr(arr))
				}
			}
			le.PutUint64(dst[rtabi.ClassMethodsOffset:], methods)
		}
		live.Set(mirror.Ref(im.addr(off)))
	}

	size := rtabi.ArtMethodSize(w.pointerSize)
	for _, k := range im.classes {
		arr, ok := im.methodArrays[k]
		if !ok {
			continue
		}
		ms := k.Methods()
		le.PutUint32(buf[arr:], uint32(len(ms)))
		for _, m := range ms {
			off := w.methods[m].offset
			w.writeMethod(buf[off:int(off)+size], m, w.fixup(m.DeclaringClass), w.entryPoint(m), w.dataPointer(m))
		}
	}
	if hdr.Sections[SectionRuntimeMethods].Size != 0 {
		for j, off := range w.runtimeMeth {
			var entry uint64
			if t := runtimeMethodTrampoline(j); t >= 0 {
				entry = w.trampoline(t)
			}
			rm := &mirror.ArtMethod{DexMethodIndex: dex.NoIndex, AccessFlags: dex.AccNative}
			w.writeMethod(buf[off:int(off)+size], rm, 0, entry, 0)
		}
	}
	putTable := func(s Section, refs []mirror.Ref) {
		at := hdr.Sections[s].Offset
		le.PutUint32(buf[at:], uint32(len(refs)))
		for j, r := range refs {
			le.PutUint32(buf[at+4+4*uint32(j):], w.address(r))
		}
	}
	putTable(SectionInternedStrings, im.strings)
	classes := make([]mirror.Ref, len(im.classes))
	for j, k := range im.classes {
		classes[j] = k.Ref
	}
	putTable(SectionClassTable, classes)

	stored, err := compress(hdr.StorageMode, buf[ObjectsOffset:])
	if err != nil {
		return err
	}
	hdr.DataSize = uint32(len(stored))
	header, err := hdr.MarshalBinary()
	if err != nil {
		return err
	}

	file := make([]byte, hdr.FileSize())
	copy(file, header)
	copy(file[ObjectsOffset:], stored)
	bitmap := live.AppendBinary(nil)
	base.Check(uint32(len(bitmap)) == hdr.Sections[SectionImageBitmap].Size,
		"image bitmap of %d bytes, laid out %d", len(bitmap), hdr.Sections[SectionImageBitmap].Size)
	copy(file[hdr.BitmapFileOffset():], bitmap)
	relocs := file[hdr.RelocationsFileOffset():]
	for j, r := range im.relocations {
		le.PutUint32(relocs[4*j:], r)
	}
	if _, err := im.out.Write(file); err != nil {
		return errors.Wrap(err, "write")
	}
	w.log.Debugw("wrote image", "image", im.location, "bytes", len(file), "storage", hdr.StorageMode)
	return nil
}
