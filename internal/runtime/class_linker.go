package runtime

import (
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf16"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/gc"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
	"github.com/you-not-fish/dex2oat/internal/verifier"
)

// Descriptors of the classes the linker creates before any dex file is
// read.
const (
	ClassDescriptor         = "Ljava/lang/Class;"
	ObjectDescriptor        = "Ljava/lang/Object;"
	StringDescriptor        = "Ljava/lang/String;"
	DexCacheDescriptor      = "Ljava/lang/DexCache;"
	ThrowableDescriptor     = "Ljava/lang/Throwable;"
	ReferenceDescriptor     = "Ljava/lang/ref/Reference;"
	ObjectArrayDescriptor   = "[Ljava/lang/Object;"
	ClassArrayDescriptor    = "[Ljava/lang/Class;"
	StringArrayDescriptor   = "[Ljava/lang/String;"
	maxReferenceFieldOffset = rtabi.ObjectHeaderSize + 32*rtabi.HeapReferenceSize
)

// ErrClassNotFound is wrapped by FindClass when no dex file defines a
// class.
var ErrClassNotFound = errors.New("class not found")

// Field is an instance or static field of a class. Static field offsets
// are indices into the class's static storage.
type Field struct {
	Name          string
	Type          string
	AccessFlags   uint32
	Offset        uint32
	DexFieldIndex uint32
}

// IsReference reports whether the field holds a reference.
func (f *Field) IsReference() bool { return f.Type[0] == 'L' || f.Type[0] == '[' }

// Class is the linker's record of a loaded class. Ref is its class object
// in the heap.
type Class struct {
	cl *ClassLinker

	Descriptor    string
	Ref           mirror.Ref
	Super         *Class
	ComponentType *Class
	// Interfaces are the directly implemented interfaces; IfTable is every
	// interface the class implements, those of the superclass first.
	Interfaces []*Class
	IfTable    []*Class

	DexFile  *dex.File
	ClassDef *dex.ClassDef

	AccessFlags      uint32
	Primitive        mirror.Primitive
	ObjectSize       uint32
	ReferenceOffsets uint32
	Flags            uint32

	DirectMethods  []*mirror.ArtMethod
	VirtualMethods []*mirror.ArtMethod
	// CopiedMethods are default methods inherited from interfaces.
	CopiedMethods []*mirror.ArtMethod
	VTable        []*mirror.ArtMethod

	InstanceFields []*Field
	StaticFields   []*Field

	// IsImageClass is set for classes found in a loaded image space.
	IsImageClass bool

	status atomic.Int32
}

func (k *Class) String() string { return k.Descriptor }

func (k *Class) IsInterface() bool { return k.AccessFlags&dex.AccInterface != 0 }
func (k *Class) IsAbstract() bool  { return k.AccessFlags&dex.AccAbstract != 0 }
func (k *Class) IsFinal() bool     { return k.AccessFlags&dex.AccFinal != 0 }
func (k *Class) IsArray() bool     { return k.ComponentType != nil }
func (k *Class) IsPrimitive() bool { return k.Primitive != mirror.PrimNot }

// Status returns the class's initialization state.
func (k *Class) Status() mirror.ClassStatus { return mirror.ClassStatus(k.status.Load()) }

// setStatus publishes s on the record and on the class object.
func (k *Class) setStatus(s mirror.ClassStatus) {
	k.status.Store(int32(s))
	if k.Ref != 0 {
		mirror.SetClassStatus(k.cl.heap(), k.Ref, s)
	}
}

// Methods returns the direct, virtual and copied methods in that order.
func (k *Class) Methods() []*mirror.ArtMethod {
	out := make([]*mirror.ArtMethod, 0, len(k.DirectMethods)+len(k.VirtualMethods)+len(k.CopiedMethods))
	out = append(out, k.DirectMethods...)
	out = append(out, k.VirtualMethods...)
	return append(out, k.CopiedMethods...)
}

// Implements reports whether iface is among k's interfaces.
func (k *Class) Implements(iface *Class) bool {
	for _, c := range k.IfTable {
		if c == iface {
			return true
		}
	}
	return false
}

// IsSubClassOf reports whether super is k or one of its superclasses.
func (k *Class) IsSubClassOf(super *Class) bool {
	for c := k; c != nil; c = c.Super {
		if c == super {
			return true
		}
	}
	return false
}

// IsAssignableFrom reports whether a value of class src can be stored in
// a variable of class k.
func (k *Class) IsAssignableFrom(src *Class) bool {
	switch {
	case k == src:
		return true
	case k.IsPrimitive() || src.IsPrimitive():
		return false
	case k.Descriptor == ObjectDescriptor:
		return true
	case k.IsInterface():
		return src.Implements(k)
	case k.IsArray():
		return src.IsArray() && k.ComponentType.IsAssignableFrom(src.ComponentType)
	}
	return src.IsSubClassOf(k)
}

// FindDeclaredMethod returns the method of k itself with the given name and
// signature, or nil.
func (k *Class) FindDeclaredMethod(name, signature string) *mirror.ArtMethod {
	for _, m := range k.Methods() {
		if m.Name() == name && methodSignature(m) == signature {
			return m
		}
	}
	return nil
}

// FindMethod looks name and signature up in k, its superclasses and its
// interfaces.
func (k *Class) FindMethod(name, signature string) *mirror.ArtMethod {
	for c := k; c != nil; c = c.Super {
		if m := c.FindDeclaredMethod(name, signature); m != nil {
			return m
		}
	}
	for _, iface := range k.IfTable {
		if m := iface.FindDeclaredMethod(name, signature); m != nil {
			return m
		}
	}
	return nil
}

func methodSignature(m *mirror.ArtMethod) string {
	if m.DexFile == nil {
		return "()V"
	}
	return m.DexFile.MethodSignature(m.DexMethodIndex)
}

func sameSignature(a, b *mirror.ArtMethod) bool {
	return a.Name() == b.Name() && methodSignature(a) == methodSignature(b)
}

// dexFileEntry is a registered dex file and its dex cache.
type dexFileEntry struct {
	file     *dex.File
	location string
	defs     map[string]int
	cache    mirror.Ref
}

// ClassLinker loads classes from dex files into the heap and keeps the
// class table.
type ClassLinker struct {
	rt  *Runtime
	log *zap.SugaredLogger

	// lock guards the fields below it.
	lock      *base.Mutex
	classes   map[string]*Class
	byRef     map[mirror.Ref]*Class
	dexFiles  []*dexFileEntry
	tempRoots []*mirror.Ref
	// imageRoots are the roots arrays of images being written.
	imageRoots []mirror.Ref

	classClass, objectClass, stringClass, dexCacheClass *Class
	objectArrayClass, classArrayClass, stringArrayClass *Class
}

var (
	_ gc.RootVisitor    = (*ClassLinker)(nil)
	_ verifier.Resolver = (*ClassLinker)(nil)
)

func newClassLinker(rt *Runtime) *ClassLinker {
	return &ClassLinker{
		rt:      rt,
		log:     rt.log.Named("class_linker"),
		lock:    base.NewMutex("ClassLinker classes lock", base.LockLevelClassLinkerClasses),
		classes: make(map[string]*Class),
		byRef:   make(map[mirror.Ref]*Class),
	}
}

func (cl *ClassLinker) heap() *gc.Heap { return cl.rt.heap }

// pushRoot keeps *r alive and up to date until the returned function runs.
func (cl *ClassLinker) pushRoot(self *Thread, r *mirror.Ref) func() {
	cl.lock.Lock(self.Locks())
	cl.tempRoots = append(cl.tempRoots, r)
	cl.lock.Unlock(self.Locks())
	return func() {
		cl.lock.Lock(self.Locks())
		defer cl.lock.Unlock(self.Locks())
		for i := len(cl.tempRoots) - 1; i >= 0; i-- {
			if cl.tempRoots[i] == r {
				cl.tempRoots = append(cl.tempRoots[:i], cl.tempRoots[i+1:]...)
				return
			}
		}
	}
}

// VisitRoots reports every class object, the declaring class of every
// method and every dex cache.
func (cl *ClassLinker) VisitRoots(visit func(root *mirror.Ref)) {
	cl.lock.Lock(nil)
	defer cl.lock.Unlock(nil)
	moved := false
	for _, k := range cl.classes {
		old := k.Ref
		visit(&k.Ref)
		moved = moved || old != k.Ref
		for _, ms := range [][]*mirror.ArtMethod{k.DirectMethods, k.VirtualMethods, k.CopiedMethods} {
			for _, m := range ms {
				if m.DeclaringClass != 0 {
					visit(&m.DeclaringClass)
				}
			}
		}
	}
	for _, e := range cl.dexFiles {
		if e.cache != 0 {
			visit(&e.cache)
		}
	}
	for _, r := range cl.tempRoots {
		if *r != 0 {
			visit(r)
		}
	}
	for i := range cl.imageRoots {
		visit(&cl.imageRoots[i])
	}
	if moved {
		cl.byRef = make(map[mirror.Ref]*Class, len(cl.classes))
		for _, k := range cl.classes {
			cl.byRef[k.Ref] = k
		}
	}
}

// coreClass describes a class the linker creates before reading dex files.
type coreClass struct {
	descriptor string
	super      string
	component  string
	flags      uint32
	size       uint32
	refs       uint32
	prim       mirror.Primitive
	access     uint32
}

const (
	accPublicFinal    = dex.AccPublic | dex.AccFinal
	accPrimitiveClass = dex.AccPublic | dex.AccFinal | dex.AccAbstract
	noRefs            = mirror.ClassFlagNoReferenceFields
)

var coreClasses = []coreClass{
	{descriptor: ObjectDescriptor, flags: noRefs, size: rtabi.ObjectHeaderSize, access: dex.AccPublic},
	{descriptor: StringDescriptor, super: ObjectDescriptor, flags: mirror.ClassFlagString | noRefs, size: rtabi.StringValueOffset, access: accPublicFinal},
	{descriptor: DexCacheDescriptor, super: ObjectDescriptor, flags: mirror.ClassFlagDexCache, size: rtabi.DexCacheSize, refs: rtabi.DexCacheReferenceOffsets, access: accPublicFinal},
	{descriptor: ThrowableDescriptor, super: ObjectDescriptor, flags: noRefs, size: rtabi.ObjectHeaderSize, access: dex.AccPublic},
	{descriptor: ReferenceDescriptor, super: ObjectDescriptor, size: rtabi.ReferenceSize, refs: 0x3, access: dex.AccPublic | dex.AccAbstract},
	{descriptor: "Ljava/lang/ref/SoftReference;", super: ReferenceDescriptor, flags: mirror.ClassFlagSoftReference, size: rtabi.ReferenceSize, refs: 0x3, access: dex.AccPublic},
	{descriptor: "Ljava/lang/ref/WeakReference;", super: ReferenceDescriptor, flags: mirror.ClassFlagWeakReference, size: rtabi.ReferenceSize, refs: 0x3, access: dex.AccPublic},
	{descriptor: "Ljava/lang/ref/FinalizerReference;", super: ReferenceDescriptor, flags: mirror.ClassFlagFinalizerRef, size: rtabi.ReferenceSize, refs: 0x3, access: dex.AccPublic | dex.AccFinal},
	{descriptor: "Ljava/lang/ref/PhantomReference;", super: ReferenceDescriptor, flags: mirror.ClassFlagPhantomReference, size: rtabi.ReferenceSize, refs: 0x3, access: dex.AccPublic},
	{descriptor: "Z", flags: noRefs, prim: mirror.PrimBoolean, access: accPrimitiveClass},
	{descriptor: "B", flags: noRefs, prim: mirror.PrimByte, access: accPrimitiveClass},
	{descriptor: "C", flags: noRefs, prim: mirror.PrimChar, access: accPrimitiveClass},
	{descriptor: "S", flags: noRefs, prim: mirror.PrimShort, access: accPrimitiveClass},
	{descriptor: "I", flags: noRefs, prim: mirror.PrimInt, access: accPrimitiveClass},
	{descriptor: "J", flags: noRefs, prim: mirror.PrimLong, access: accPrimitiveClass},
	{descriptor: "F", flags: noRefs, prim: mirror.PrimFloat, access: accPrimitiveClass},
	{descriptor: "D", flags: noRefs, prim: mirror.PrimDouble, access: accPrimitiveClass},
	{descriptor: "V", flags: noRefs, prim: mirror.PrimVoid, access: accPrimitiveClass},
	{descriptor: ObjectArrayDescriptor, super: ObjectDescriptor, component: ObjectDescriptor, flags: mirror.ClassFlagObjectArray, access: accPrimitiveClass},
	{descriptor: ClassArrayDescriptor, super: ObjectDescriptor, component: ClassDescriptor, flags: mirror.ClassFlagObjectArray, access: accPrimitiveClass},
	{descriptor: StringArrayDescriptor, super: ObjectDescriptor, component: StringDescriptor, flags: mirror.ClassFlagObjectArray, access: accPrimitiveClass},
	{descriptor: "[Z", super: ObjectDescriptor, component: "Z", flags: mirror.ClassFlagPrimitiveArray | noRefs, access: accPrimitiveClass},
	{descriptor: "[B", super: ObjectDescriptor, component: "B", flags: mirror.ClassFlagPrimitiveArray | noRefs, access: accPrimitiveClass},
	{descriptor: "[C", super: ObjectDescriptor, component: "C", flags: mirror.ClassFlagPrimitiveArray | noRefs, access: accPrimitiveClass},
	{descriptor: "[S", super: ObjectDescriptor, component: "S", flags: mirror.ClassFlagPrimitiveArray | noRefs, access: accPrimitiveClass},
	{descriptor: "[I", super: ObjectDescriptor, component: "I", flags: mirror.ClassFlagPrimitiveArray | noRefs, access: accPrimitiveClass},
	{descriptor: "[J", super: ObjectDescriptor, component: "J", flags: mirror.ClassFlagPrimitiveArray | noRefs, access: accPrimitiveClass},
	{descriptor: "[F", super: ObjectDescriptor, component: "F", flags: mirror.ClassFlagPrimitiveArray | noRefs, access: accPrimitiveClass},
	{descriptor: "[D", super: ObjectDescriptor, component: "D", flags: mirror.ClassFlagPrimitiveArray | noRefs, access: accPrimitiveClass},
}

// ClassRoots returns the core classes in a fixed order: java.lang.Class
// first, then the table above.
func (cl *ClassLinker) ClassRoots() []*Class {
	out := []*Class{cl.LookupClass(ClassDescriptor)}
	for _, cc := range coreClasses {
		out = append(out, cl.LookupClass(cc.descriptor))
	}
	return out
}

// initWithoutImage creates java.lang.Class and the core classes.
func (cl *ClassLinker) initWithoutImage(self *Thread) error {
	h := cl.heap()
	classClass := &Class{cl: cl, Descriptor: ClassDescriptor, AccessFlags: accPublicFinal,
		ObjectSize: rtabi.ClassSize, ReferenceOffsets: rtabi.ClassReferenceOffsets, Flags: mirror.ClassFlagClass}
	ref, err := h.AllocNonMovableObject(gcThread(self), 0, rtabi.ClassSize, func(k mirror.Ref) {
		mirror.SetClass(h, k, k)
		mirror.InitClass(h, k, classInit(classClass))
	})
	if err != nil {
		return errors.Wrap(err, "allocating java.lang.Class")
	}
	classClass.Ref = ref
	cl.insert(self, classClass)
	cl.classClass = classClass

	for _, cc := range coreClasses {
		k := &Class{cl: cl, Descriptor: cc.descriptor, AccessFlags: cc.access, Primitive: cc.prim,
			ObjectSize: cc.size, ReferenceOffsets: cc.refs, Flags: cc.flags}
		if cc.super != "" {
			k.Super = cl.LookupClass(cc.super)
		}
		if cc.component != "" {
			k.ComponentType = cl.LookupClass(cc.component)
		}
		if err := cl.allocClassObject(self, k); err != nil {
			return errors.Wrapf(err, "allocating %s", cc.descriptor)
		}
		cl.insert(self, k)
	}
	classClass.Super = cl.LookupClass(ObjectDescriptor)
	mirror.SetClassSuper(h, classClass.Ref, classClass.Super.Ref)
	cl.cacheRoots()

	// Names need java.lang.String.
	for _, k := range cl.ClassRoots() {
		name, err := cl.allocString(self, k.Descriptor, true)
		if err != nil {
			return errors.Wrapf(err, "naming %s", k.Descriptor)
		}
		mirror.SetClassName(h, k.Ref, name)
		k.setStatus(mirror.StatusInitialized)
	}
	for _, k := range cl.ClassRoots() {
		cl.linkArrayInterfaces(k)
	}
	return nil
}

func (cl *ClassLinker) cacheRoots() {
	cl.classClass = cl.LookupClass(ClassDescriptor)
	cl.objectClass = cl.LookupClass(ObjectDescriptor)
	cl.stringClass = cl.LookupClass(StringDescriptor)
	cl.dexCacheClass = cl.LookupClass(DexCacheDescriptor)
	cl.objectArrayClass = cl.LookupClass(ObjectArrayDescriptor)
	cl.classArrayClass = cl.LookupClass(ClassArrayDescriptor)
	cl.stringArrayClass = cl.LookupClass(StringArrayDescriptor)
}

// linkArrayInterfaces gives array classes the interfaces of Object once
// they are known.
func (cl *ClassLinker) linkArrayInterfaces(k *Class) {
	if k.IsArray() && k.Super != nil {
		k.IfTable = k.Super.IfTable
	}
}

func classInit(k *Class) mirror.ClassInit {
	ci := mirror.ClassInit{
		AccessFlags:     k.AccessFlags,
		Flags:           k.Flags,
		ObjectSize:      k.ObjectSize,
		ReferenceOffset: k.ReferenceOffsets,
		Status:          k.Status(),
		DexTypeIndex:    dex.NoIndex,
		Primitive:       k.Primitive,
	}
	if k.Super != nil {
		ci.Super = k.Super.Ref
	}
	if k.ComponentType != nil {
		ci.ComponentType = k.ComponentType.Ref
	}
	if k.DexFile != nil {
		if idx, ok := k.DexFile.FindTypeIndex(k.Descriptor); ok {
			ci.DexTypeIndex = idx
		}
	}
	return ci
}

// allocClassObject allocates k's class object in the non-moving space.
func (cl *ClassLinker) allocClassObject(self *Thread, k *Class) error {
	h := cl.heap()
	ci := classInit(k)
	ref, err := h.AllocNonMovableObject(gcThread(self), cl.classClass.Ref, rtabi.ClassSize, func(obj mirror.Ref) {
		mirror.InitClass(h, obj, ci)
	})
	if err != nil {
		return err
	}
	k.Ref = ref
	return nil
}

// insert publishes k in the class table. If another thread defined the
// same class first, that class is returned instead.
func (cl *ClassLinker) insert(self *Thread, k *Class) *Class {
	cl.lock.Lock(self.Locks())
	defer cl.lock.Unlock(self.Locks())
	if existing := cl.classes[k.Descriptor]; existing != nil {
		return existing
	}
	cl.classes[k.Descriptor] = k
	cl.byRef[k.Ref] = k
	return k
}

// LookupClass returns the loaded class with the given descriptor, or nil.
func (cl *ClassLinker) LookupClass(descriptor string) *Class {
	cl.lock.Lock(nil)
	defer cl.lock.Unlock(nil)
	return cl.classes[descriptor]
}

// ClassForRef returns the class whose class object is ref, or nil.
func (cl *ClassLinker) ClassForRef(ref mirror.Ref) *Class {
	cl.lock.Lock(nil)
	defer cl.lock.Unlock(nil)
	return cl.byRef[ref]
}

// DeclaringClass returns the class that declares or copied m.
func (cl *ClassLinker) DeclaringClass(m *mirror.ArtMethod) *Class {
	return cl.ClassForRef(m.DeclaringClass)
}

// Classes returns every loaded class sorted by descriptor.
func (cl *ClassLinker) Classes() []*Class {
	cl.lock.Lock(nil)
	out := make([]*Class, 0, len(cl.classes))
	for _, k := range cl.classes {
		out = append(out, k)
	}
	cl.lock.Unlock(nil)
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor < out[j].Descriptor })
	return out
}

// NumClasses returns the size of the class table.
func (cl *ClassLinker) NumClasses() int {
	cl.lock.Lock(nil)
	defer cl.lock.Unlock(nil)
	return len(cl.classes)
}

// Dex files and dex caches.

// AppendDexFiles makes the classes of files loadable and creates their dex
// caches. Classes created before a dex file defined them, the core classes
// and image classes, are linked against their definitions.
func (cl *ClassLinker) AppendDexFiles(self *Thread, files ...*dex.File) error {
	for _, f := range files {
		if _, err := cl.RegisterDexFile(self, f); err != nil {
			return errors.Wrapf(err, "registering %s", f.Location)
		}
	}
	for _, k := range cl.Classes() {
		if err := cl.linkExisting(self, k, nil); err != nil {
			return err
		}
	}
	return nil
}

// DexFiles returns the registered dex files in registration order.
func (cl *ClassLinker) DexFiles() []*dex.File {
	cl.lock.Lock(nil)
	defer cl.lock.Unlock(nil)
	var out []*dex.File
	for _, e := range cl.dexFiles {
		if e.file != nil {
			out = append(out, e.file)
		}
	}
	return out
}

// DexCache returns the dex cache of f, or 0 if f is not registered.
func (cl *ClassLinker) DexCache(f *dex.File) mirror.Ref {
	cl.lock.Lock(nil)
	defer cl.lock.Unlock(nil)
	for _, e := range cl.dexFiles {
		if e.file == f {
			return e.cache
		}
	}
	return 0
}

// DexCaches returns the dex cache of every registered dex file.
func (cl *ClassLinker) DexCaches() []mirror.Ref {
	cl.lock.Lock(nil)
	defer cl.lock.Unlock(nil)
	out := make([]mirror.Ref, 0, len(cl.dexFiles))
	for _, e := range cl.dexFiles {
		out = append(out, e.cache)
	}
	return out
}

func newDexFileEntry(f *dex.File) *dexFileEntry {
	e := &dexFileEntry{file: f, location: f.Location, defs: make(map[string]int, f.NumClassDefs())}
	for i := 0; i < f.NumClassDefs(); i++ {
		d := f.ClassDescriptor(f.ClassDef(i))
		if _, dup := e.defs[d]; !dup {
			e.defs[d] = i
		}
	}
	return e
}

// RegisterDexFile creates the dex cache of f: a DexCache object holding
// its location and arrays for resolved strings and types.
func (cl *ClassLinker) RegisterDexFile(self *Thread, f *dex.File) (mirror.Ref, error) {
	h := cl.heap()
	cl.lock.Lock(self.Locks())
	var entry *dexFileEntry
	for _, e := range cl.dexFiles {
		switch {
		case e.file == f:
			cl.lock.Unlock(self.Locks())
			return e.cache, nil
		case e.file == nil && e.location == f.Location:
			// A dex cache from an image space waiting for its file.
			e.file = f
			nf := newDexFileEntry(f)
			e.defs = nf.defs
			cl.lock.Unlock(self.Locks())
			return e.cache, nil
		}
	}
	entry = newDexFileEntry(f)
	cl.dexFiles = append(cl.dexFiles, entry)
	cl.lock.Unlock(self.Locks())

	dc, err := h.AllocNonMovableObject(gcThread(self), cl.dexCacheClass.Ref, rtabi.DexCacheSize, nil)
	if err != nil {
		return 0, err
	}
	cl.lock.Lock(self.Locks())
	entry.cache = dc
	cl.lock.Unlock(self.Locks())

	loc, err := cl.allocString(self, f.Location, false)
	if err != nil {
		return 0, err
	}
	mirror.SetFieldRef(h, entry.cache, rtabi.DexCacheLocationOffset, loc)
	strs, err := cl.AllocObjectArray(self, cl.stringArrayClass, uint32(f.NumStringIDs()))
	if err != nil {
		return 0, err
	}
	mirror.SetFieldRef(h, entry.cache, rtabi.DexCacheStringsOffset, strs)
	types, err := cl.AllocObjectArray(self, cl.classArrayClass, uint32(f.NumTypeIDs()))
	if err != nil {
		return 0, err
	}
	mirror.SetFieldRef(h, entry.cache, rtabi.DexCacheTypesOffset, types)
	return entry.cache, nil
}

// findClassDef returns the first registered dex file defining descriptor.
func (cl *ClassLinker) findClassDef(descriptor string) (*dex.File, *dex.ClassDef) {
	cl.lock.Lock(nil)
	defer cl.lock.Unlock(nil)
	for _, e := range cl.dexFiles {
		if e.file == nil {
			continue
		}
		if i, ok := e.defs[descriptor]; ok {
			return e.file, e.file.ClassDef(i)
		}
	}
	return nil, nil
}

// ResolveString returns the interned string for string index idx of f,
// caching it in f's dex cache.
func (cl *ClassLinker) ResolveString(self *Thread, f *dex.File, idx uint32) (mirror.Ref, error) {
	h := cl.heap()
	dc := cl.DexCache(f)
	if dc == 0 {
		return 0, errors.Errorf("%s is not registered", f.Location)
	}
	if s := mirror.ObjectArrayGet(h, mirror.DexCacheStrings(h, dc), idx); s != 0 {
		return s, nil
	}
	s, err := cl.rt.internTable.InternStrong(self, f.String(idx))
	if err != nil {
		return 0, err
	}
	mirror.ObjectArraySet(h, mirror.DexCacheStrings(h, dc), idx, s)
	return s, nil
}

// ResolveType returns the class for type index idx of f, caching it in f's
// dex cache.
func (cl *ClassLinker) ResolveType(self *Thread, f *dex.File, idx uint32) (*Class, error) {
	h := cl.heap()
	dc := cl.DexCache(f)
	if dc == 0 {
		return nil, errors.Errorf("%s is not registered", f.Location)
	}
	if ref := mirror.ObjectArrayGet(h, mirror.DexCacheTypes(h, dc), idx); ref != 0 {
		if k := cl.ClassForRef(ref); k != nil {
			return k, nil
		}
	}
	k, err := cl.FindClass(self, f.TypeDescriptor(idx))
	if err != nil {
		return nil, err
	}
	mirror.ObjectArraySet(h, mirror.DexCacheTypes(h, dc), idx, k.Ref)
	return k, nil
}

// Allocation helpers.

// AllocString allocates a string object holding s.
func (cl *ClassLinker) AllocString(self *Thread, s string) (mirror.Ref, error) {
	return cl.allocString(self, s, false)
}

func (cl *ClassLinker) allocString(self *Thread, s string, nonMovable bool) (mirror.Ref, error) {
	h := cl.heap()
	units := utf16.Encode([]rune(s))
	compressed := mirror.IsCompressible(units)
	size := mirror.StringSize(uint32(len(units)), compressed)
	init := func(obj mirror.Ref) { mirror.InitString(h, obj, units, compressed) }
	if nonMovable {
		return h.AllocNonMovableObject(gcThread(self), cl.stringClass.Ref, size, init)
	}
	return h.AllocObject(gcThread(self), cl.stringClass.Ref, size, init)
}

// AllocObjectArray allocates an array of n references of class k.
func (cl *ClassLinker) AllocObjectArray(self *Thread, k *Class, n uint32) (mirror.Ref, error) {
	h := cl.heap()
	return h.AllocObject(gcThread(self), k.Ref, mirror.ArraySize(rtabi.HeapReferenceSize, n), func(obj mirror.Ref) {
		mirror.SetArrayLength(h, obj, n)
	})
}

// AllocObject allocates an instance of k.
func (cl *ClassLinker) AllocObject(self *Thread, k *Class) (mirror.Ref, error) {
	if k.IsArray() || k.IsInterface() || k.IsAbstract() {
		return 0, errors.Errorf("cannot instantiate %s", k.Descriptor)
	}
	return cl.heap().AllocObject(gcThread(self), k.Ref, k.ObjectSize, nil)
}

// Class loading.

// FindClass returns the class named descriptor, defining it and its
// supertypes from the registered dex files as needed.
func (cl *ClassLinker) FindClass(self *Thread, descriptor string) (*Class, error) {
	return cl.findClass(self, descriptor, nil)
}

func (cl *ClassLinker) findClass(self *Thread, descriptor string, loading map[string]bool) (*Class, error) {
	if k := cl.LookupClass(descriptor); k != nil {
		if k.Status().IsErroneous() {
			return nil, errors.Errorf("%s is erroneous", descriptor)
		}
		return k, nil
	}
	if strings.HasPrefix(descriptor, "[") {
		return cl.createArrayClass(self, descriptor, loading)
	}
	f, def := cl.findClassDef(descriptor)
	if f == nil {
		return nil, errors.Wrap(ErrClassNotFound, descriptor)
	}
	return cl.defineClass(self, descriptor, f, def, loading)
}

// IsResolvable reports whether descriptor names a loaded class or one a
// registered dex file defines.
func (cl *ClassLinker) IsResolvable(descriptor string) bool {
	elem := strings.TrimLeft(descriptor, "[")
	if len(elem) == 1 {
		return mirror.PrimitiveFromDescriptor(elem[0]) != mirror.PrimNot
	}
	if cl.LookupClass(elem) != nil {
		return true
	}
	f, _ := cl.findClassDef(elem)
	return f != nil
}

func (cl *ClassLinker) createArrayClass(self *Thread, descriptor string, loading map[string]bool) (*Class, error) {
	component, err := cl.findClass(self, descriptor[1:], loading)
	if err != nil {
		return nil, errors.Wrapf(err, "component of %s", descriptor)
	}
	k := &Class{
		cl:            cl,
		Descriptor:    descriptor,
		Super:         cl.objectClass,
		ComponentType: component,
		AccessFlags:   component.AccessFlags&(dex.AccPublic|dex.AccPrivate|dex.AccProtected) | dex.AccFinal | dex.AccAbstract,
		Flags:         mirror.ClassFlagObjectArray,
	}
	if component.IsPrimitive() {
		k.Flags = mirror.ClassFlagPrimitiveArray | mirror.ClassFlagNoReferenceFields
	}
	cl.linkArrayInterfaces(k)
	k.status.Store(int32(mirror.StatusInitialized))
	if err := cl.allocClassObject(self, k); err != nil {
		return nil, err
	}
	ref := k.Ref
	defer cl.pushRoot(self, &ref)()
	name, err := cl.allocString(self, descriptor, true)
	if err != nil {
		return nil, err
	}
	k.Ref = ref
	mirror.SetClassName(cl.heap(), k.Ref, name)
	return cl.insert(self, k), nil
}

// defineClass creates descriptor from its definition in f.
func (cl *ClassLinker) defineClass(self *Thread, descriptor string, f *dex.File, def *dex.ClassDef, loading map[string]bool) (*Class, error) {
	if loading[descriptor] {
		return nil, errors.Errorf("class circularity involving %s", descriptor)
	}
	if loading == nil {
		loading = make(map[string]bool)
	}
	loading[descriptor] = true
	defer delete(loading, descriptor)

	k := &Class{cl: cl, Descriptor: descriptor, DexFile: f, ClassDef: def, AccessFlags: def.AccessFlags}
	if err := cl.resolveSupertypes(self, k, loading); err != nil {
		return nil, err
	}
	cd, err := f.ClassData(def)
	if err != nil {
		return nil, errors.Wrapf(err, "class data of %s", descriptor)
	}
	if err := cl.layoutFields(k, cd); err != nil {
		return nil, err
	}
	k.Flags = k.Super.flagsForSubclass(k.ReferenceOffsets)
	k.status.Store(int32(mirror.StatusLoaded))
	if err := cl.allocClassObject(self, k); err != nil {
		return nil, errors.Wrapf(err, "allocating %s", descriptor)
	}
	ref := k.Ref
	defer cl.pushRoot(self, &ref)()
	name, err := cl.allocString(self, descriptor, true)
	if err != nil {
		return nil, err
	}
	dc, err := cl.RegisterDexFile(self, f)
	if err != nil {
		return nil, err
	}
	k.Ref = ref
	h := cl.heap()
	mirror.SetClassName(h, k.Ref, name)
	mirror.SetClassDexCache(h, k.Ref, dc)

	k.setStatus(mirror.StatusResolving)
	cl.linkMethods(k, cd)
	if err := cl.linkVirtuals(k); err != nil {
		k.setStatus(mirror.StatusErrorResolved)
		return nil, err
	}
	mirror.SetField32(h, k.Ref, rtabi.ClassNumMethodsOffset, uint32(len(k.Methods())))
	k.setStatus(mirror.StatusResolved)
	winner := cl.insert(self, k)
	if winner == k {
		cl.log.Debugw("defined class", "class", descriptor, "dex", f.Location, "methods", len(k.Methods()))
	}
	return winner, nil
}

func (cl *ClassLinker) resolveSupertypes(self *Thread, k *Class, loading map[string]bool) error {
	f, def := k.DexFile, k.ClassDef
	switch {
	case def.SuperclassIdx != dex.NoIndex:
		super, err := cl.findClass(self, f.TypeDescriptor(def.SuperclassIdx), loading)
		if err != nil {
			return errors.Wrapf(err, "superclass of %s", k.Descriptor)
		}
		if super.IsInterface() || super.IsFinal() {
			return errors.Errorf("%s cannot extend %s", k.Descriptor, super.Descriptor)
		}
		k.Super = super
	case k.Descriptor != ObjectDescriptor:
		return errors.Errorf("%s has no superclass", k.Descriptor)
	}
	k.Interfaces = k.Interfaces[:0]
	for _, idx := range f.Interfaces(def) {
		iface, err := cl.findClass(self, f.TypeDescriptor(idx), loading)
		if err != nil {
			return errors.Wrapf(err, "interface of %s", k.Descriptor)
		}
		if !iface.IsInterface() {
			return errors.Errorf("%s implements non-interface %s", k.Descriptor, iface.Descriptor)
		}
		k.Interfaces = append(k.Interfaces, iface)
	}
	k.IfTable = buildIfTable(k)
	return nil
}

// flagsForSubclass returns the class flags of a subclass of k with the
// given reference bitmap. Reference kinds are inherited.
func (k *Class) flagsForSubclass(refs uint32) uint32 {
	var flags uint32
	if k != nil {
		flags = k.Flags & mirror.ClassFlagReference
	}
	if refs == 0 {
		flags |= mirror.ClassFlagNoReferenceFields
	}
	return flags
}

func buildIfTable(k *Class) []*Class {
	var out []*Class
	seen := make(map[*Class]bool)
	add := func(c *Class) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if k.Super != nil {
		for _, c := range k.Super.IfTable {
			add(c)
		}
	}
	for _, iface := range k.Interfaces {
		for _, c := range iface.IfTable {
			add(c)
		}
		add(iface)
	}
	return out
}

// fieldRank orders instance fields: references, then wide, then narrower
// primitives.
func fieldRank(f *Field) int {
	if f.IsReference() {
		return 0
	}
	switch mirror.PrimitiveFromDescriptor(f.Type[0]).ComponentSize() {
	case 8:
		return 1
	case 4:
		return 2
	case 2:
		return 3
	}
	return 4
}

func fieldSize(f *Field) uint32 {
	if f.IsReference() {
		return rtabi.HeapReferenceSize
	}
	return mirror.PrimitiveFromDescriptor(f.Type[0]).ComponentSize()
}

// layoutFields assigns instance field offsets after the superclass's
// fields and computes k's size and reference bitmap.
func (cl *ClassLinker) layoutFields(k *Class, cd *dex.ClassData) error {
	f := k.DexFile
	mk := func(ef dex.EncodedField) *Field {
		id := f.Field(ef.FieldIdx)
		return &Field{Name: f.String(id.NameIdx), Type: f.TypeDescriptor(uint32(id.TypeIdx)),
			AccessFlags: ef.AccessFlags, DexFieldIndex: ef.FieldIdx}
	}
	k.StaticFields = k.StaticFields[:0]
	for i, ef := range cd.StaticFields {
		sf := mk(ef)
		sf.Offset = uint32(i)
		k.StaticFields = append(k.StaticFields, sf)
	}
	fields := make([]*Field, 0, len(cd.InstanceFields))
	for _, ef := range cd.InstanceFields {
		fields = append(fields, mk(ef))
	}
	sort.SliceStable(fields, func(i, j int) bool { return fieldRank(fields[i]) < fieldRank(fields[j]) })

	off := uint32(rtabi.ObjectHeaderSize)
	var refs uint32
	if k.Super != nil {
		off, refs = k.Super.ObjectSize, k.Super.ReferenceOffsets
	}
	for _, fd := range fields {
		size := fieldSize(fd)
		off = base.RoundUp(off, size)
		if fd.IsReference() {
			if off+size > maxReferenceFieldOffset {
				return errors.Errorf("%s: too many reference fields", k.Descriptor)
			}
			refs |= 1 << ((off - rtabi.ObjectHeaderSize) / rtabi.HeapReferenceSize)
		}
		fd.Offset = off
		off += size
	}
	k.InstanceFields = fields
	k.ObjectSize = off
	k.ReferenceOffsets = refs
	return nil
}

func (cl *ClassLinker) newMethod(k *Class, em dex.EncodedMethod) *mirror.ArtMethod {
	flags := em.AccessFlags
	if k.IsInterface() && flags&(dex.AccAbstract|dex.AccStatic|dex.AccPrivate) == 0 {
		flags |= dex.AccDefault
	}
	return &mirror.ArtMethod{
		DeclaringClass: k.Ref,
		AccessFlags:    flags,
		DexFile:        k.DexFile,
		CodeItemOffset: em.CodeOff,
		DexMethodIndex: em.MethodIdx,
	}
}

func (cl *ClassLinker) linkMethods(k *Class, cd *dex.ClassData) {
	k.DirectMethods = k.DirectMethods[:0]
	for i, em := range cd.DirectMethods {
		m := cl.newMethod(k, em)
		m.MethodIndex = uint16(i)
		k.DirectMethods = append(k.DirectMethods, m)
	}
	k.VirtualMethods = k.VirtualMethods[:0]
	for _, em := range cd.VirtualMethods {
		k.VirtualMethods = append(k.VirtualMethods, cl.newMethod(k, em))
	}
}

func findBySignature(methods []*mirror.ArtMethod, m *mirror.ArtMethod) int {
	for i, c := range methods {
		if sameSignature(c, m) {
			return i
		}
	}
	return -1
}

// linkVirtuals builds k's vtable. Interface methods without an
// implementation in the class hierarchy get a copy of the most specific
// default method; two equally specific defaults make a conflict method.
func (cl *ClassLinker) linkVirtuals(k *Class) error {
	if k.IsInterface() {
		for i, m := range k.VirtualMethods {
			m.MethodIndex = uint16(i)
		}
		return nil
	}
	var vt []*mirror.ArtMethod
	if k.Super != nil {
		vt = append(vt, k.Super.VTable...)
	}
	for _, m := range k.VirtualMethods {
		idx := findBySignature(vt, m)
		if idx < 0 {
			idx = len(vt)
			vt = append(vt, m)
		} else {
			vt[idx] = m
		}
		m.MethodIndex = uint16(idx)
	}
	k.CopiedMethods = k.CopiedMethods[:0]
	for _, iface := range k.IfTable {
		for _, im := range iface.VirtualMethods {
			idx := findBySignature(vt, im)
			if idx >= 0 && (!vt[idx].IsCopied() || vt[idx].DeclaringClass == k.Ref) {
				// Declared by the class hierarchy, or already copied.
				continue
			}
			impl, conflict := selectDefault(k.IfTable, im)
			if impl == nil {
				continue
			}
			if idx >= 0 && vt[idx].CanonicalMethod() == impl.CanonicalMethod() &&
				(vt[idx].AccessFlags&dex.AccDefaultConflict != 0) == conflict {
				// Inherit the superclass's copy.
				continue
			}
			if idx < 0 {
				idx = len(vt)
				vt = append(vt, nil)
			}
			copied := mirror.NewCopiedMethod(impl, k.Ref, uint16(idx))
			if conflict {
				copied.AccessFlags |= dex.AccDefaultConflict
			}
			vt[idx] = copied
			k.CopiedMethods = append(k.CopiedMethods, copied)
		}
	}
	if len(vt) > 0xffff {
		return errors.Errorf("%s: vtable of %d methods", k.Descriptor, len(vt))
	}
	k.VTable = vt
	return nil
}

// selectDefault returns the most specific default method among ifaces
// matching im. conflict is set when several are equally specific.
func selectDefault(ifaces []*Class, im *mirror.ArtMethod) (impl *mirror.ArtMethod, conflict bool) {
	type candidate struct {
		iface *Class
		m     *mirror.ArtMethod
	}
	var cands []candidate
	for _, iface := range ifaces {
		for _, m := range iface.VirtualMethods {
			if m.IsDefault() && sameSignature(m, im) {
				cands = append(cands, candidate{iface, m})
			}
		}
	}
	var best []candidate
	for _, c := range cands {
		shadowed := false
		for _, o := range cands {
			if o.iface != c.iface && o.iface.Implements(c.iface) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			best = append(best, c)
		}
	}
	if len(best) == 0 {
		return nil, false
	}
	return best[0].m, len(best) > 1
}

// linkExisting links a class created without a dex file, a core class or
// an image class, against the definition a registered dex file provides.
// The class object keeps its layout.
func (cl *ClassLinker) linkExisting(self *Thread, k *Class, loading map[string]bool) error {
	if k.DexFile != nil || k.IsArray() || k.IsPrimitive() {
		return nil
	}
	f, def := cl.findClassDef(k.Descriptor)
	if f == nil {
		return nil
	}
	if loading[k.Descriptor] {
		return errors.Errorf("class circularity involving %s", k.Descriptor)
	}
	if loading == nil {
		loading = make(map[string]bool)
	}
	loading[k.Descriptor] = true
	defer delete(loading, k.Descriptor)

	k.DexFile, k.ClassDef = f, def
	if k.Super != nil {
		if err := cl.linkExisting(self, k.Super, loading); err != nil {
			return err
		}
	}
	super := k.Super
	if err := cl.resolveSupertypes(self, k, loading); err != nil {
		return err
	}
	if super != nil {
		k.Super = super
	}
	for _, iface := range k.Interfaces {
		if err := cl.linkExisting(self, iface, loading); err != nil {
			return err
		}
	}
	cd, err := f.ClassData(def)
	if err != nil {
		return errors.Wrapf(err, "class data of %s", k.Descriptor)
	}
	size, refs := k.ObjectSize, k.ReferenceOffsets
	if err := cl.layoutFields(k, cd); err != nil {
		return err
	}
	k.ObjectSize, k.ReferenceOffsets = max(size, k.ObjectSize), refs
	dc, err := cl.RegisterDexFile(self, f)
	if err != nil {
		return err
	}
	h := cl.heap()
	mirror.SetClassDexCache(h, k.Ref, dc)
	if idx, ok := f.FindTypeIndex(k.Descriptor); ok {
		mirror.SetField32(h, k.Ref, rtabi.ClassDexTypeIndexOffset, idx)
	}
	cl.linkMethods(k, cd)
	if err := cl.linkVirtuals(k); err != nil {
		return err
	}
	mirror.SetField32(h, k.Ref, rtabi.ClassNumMethodsOffset, uint32(len(k.Methods())))
	return nil
}

// Verification and initialization.

// VerifyClass verifies k after its superclass. Hard failures leave k
// erroneous; soft failures defer verification to runtime.
func (cl *ClassLinker) VerifyClass(self *Thread, k *Class) verifier.Result {
	if k.Status() >= mirror.StatusVerified || k.Status() == mirror.StatusRetryVerificationAtRuntime ||
		k.Status().IsErroneous() || k.DexFile == nil {
		return verifier.Result{}
	}
	if k.Super != nil {
		if r := cl.VerifyClass(self, k.Super); r.Kind == verifier.HardFailure {
			k.setStatus(mirror.StatusError)
			return r
		}
	}
	k.setStatus(mirror.StatusVerifying)
	r := verifier.VerifyClass(k.DexFile, k.ClassDef, cl)
	switch r.Kind {
	case verifier.HardFailure:
		k.setStatus(mirror.StatusError)
		cl.log.Warnw("verification failed", "class", k.Descriptor, "error", r.Err())
	case verifier.SoftFailure:
		k.setStatus(mirror.StatusRetryVerificationAtRuntime)
	default:
		k.setStatus(mirror.StatusVerified)
	}
	return r
}

// InitializeClass marks a verified class and its superclasses initialized.
// Static initializers are not run.
func (cl *ClassLinker) InitializeClass(self *Thread, k *Class) error {
	switch s := k.Status(); {
	case s == mirror.StatusInitialized:
		return nil
	case s.IsErroneous():
		return errors.Errorf("cannot initialize erroneous class %s", k.Descriptor)
	case s < mirror.StatusVerified:
		return errors.Errorf("cannot initialize %s in state %v", k.Descriptor, s)
	}
	if k.Super != nil {
		if err := cl.InitializeClass(self, k.Super); err != nil {
			return errors.Wrapf(err, "initializing superclass of %s", k.Descriptor)
		}
	}
	k.setStatus(mirror.StatusInitializing)
	k.setStatus(mirror.StatusInitialized)
	return nil
}

// Image spaces.

// AddImageSpace adopts the classes and dex caches of an image space. The
// image's java.lang.Class is the object that is its own class.
func (cl *ClassLinker) AddImageSpace(self *Thread, sp *space.ImageSpace) error {
	h := cl.heap()
	// Later images of a multi-image boot image use the classes of the
	// first.
	var classClass, dexCacheClass mirror.Ref
	if cl.classClass != nil {
		classClass = cl.classClass.Ref
	}
	if cl.dexCacheClass != nil {
		dexCacheClass = cl.dexCacheClass.Ref
	}
	if classClass == 0 {
		sp.Walk(func(obj mirror.Ref) {
			if classClass == 0 && mirror.ClassOf(h, obj) == obj {
				classClass = obj
			}
		})
	}
	if classClass == 0 {
		return errors.Errorf("image space %s has no java.lang.Class", sp.Name())
	}
	var found []*Class
	var caches []mirror.Ref
	sp.Walk(func(obj mirror.Ref) {
		if mirror.ClassOf(h, obj) != classClass {
			return
		}
		k := &Class{
			cl:               cl,
			Descriptor:       mirror.ClassDescriptor(h, obj),
			Ref:              obj,
			AccessFlags:      mirror.ClassAccessFlags(h, obj),
			Primitive:        mirror.ClassPrimitiveType(h, obj),
			ObjectSize:       mirror.ClassObjectSize(h, obj),
			ReferenceOffsets: mirror.ClassReferenceOffsets(h, obj),
			Flags:            mirror.ClassFlags(h, obj),
			IsImageClass:     true,
		}
		k.status.Store(int32(mirror.GetClassStatus(h, obj)))
		if k.Descriptor == DexCacheDescriptor {
			dexCacheClass = obj
		}
		found = append(found, k)
	})
	if dexCacheClass != 0 {
		sp.Walk(func(obj mirror.Ref) {
			if mirror.ClassOf(h, obj) == dexCacheClass {
				caches = append(caches, obj)
			}
		})
	}
	for _, k := range found {
		if existing := cl.insert(self, k); existing != k {
			return errors.Errorf("image class %s is already loaded", k.Descriptor)
		}
	}
	for _, k := range found {
		k.Super = cl.ClassForRef(mirror.ClassSuper(h, k.Ref))
		k.ComponentType = cl.ClassForRef(mirror.ClassComponentType(h, k.Ref))
	}
	for _, k := range found {
		if k.Super != nil && !k.IsArray() {
			k.IfTable = k.Super.IfTable
		}
		cl.linkArrayInterfaces(k)
	}
	cl.lock.Lock(self.Locks())
	for _, dc := range caches {
		loc := mirror.StringValue(h, mirror.DexCacheLocation(h, dc))
		cl.dexFiles = append(cl.dexFiles, &dexFileEntry{location: loc, cache: dc})
	}
	cl.lock.Unlock(self.Locks())
	cl.cacheRoots()
	cl.log.Infow("added image space", "space", sp.Name(), "classes", len(found), "dex_caches", len(caches))
	return nil
}

// CreateImageRoots allocates the roots array of an image: an Object[]
// holding an array of the image's dex caches and an array of the class
// roots. The array stays a GC root for the life of the runtime.
func (cl *ClassLinker) CreateImageRoots(self *Thread, dexCaches []mirror.Ref) (mirror.Ref, error) {
	h := cl.heap()
	caches, err := cl.AllocObjectArray(self, cl.objectArrayClass, uint32(len(dexCaches)))
	if err != nil {
		return 0, errors.Wrap(err, "allocating image dex caches")
	}
	defer cl.pushRoot(self, &caches)()
	for i, dc := range dexCaches {
		mirror.ObjectArraySet(h, caches, uint32(i), dc)
	}
	roots := cl.ClassRoots()
	classRoots, err := cl.AllocObjectArray(self, cl.classArrayClass, uint32(len(roots)))
	if err != nil {
		return 0, errors.Wrap(err, "allocating class roots")
	}
	defer cl.pushRoot(self, &classRoots)()
	for i, k := range roots {
		mirror.ObjectArraySet(h, classRoots, uint32(i), k.Ref)
	}
	arr, err := cl.AllocObjectArray(self, cl.objectArrayClass, rtabi.ImageRootsMax)
	if err != nil {
		return 0, errors.Wrap(err, "allocating image roots")
	}
	mirror.ObjectArraySet(h, arr, rtabi.ImageRootDexCaches, caches)
	mirror.ObjectArraySet(h, arr, rtabi.ImageRootClassRoots, classRoots)
	cl.lock.Lock(self.Locks())
	cl.imageRoots = append(cl.imageRoots, arr)
	cl.lock.Unlock(self.Locks())
	return arr, nil
}
