package space

import (
	"sync"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// ZygoteSpace holds the objects that existed when the heap was compacted
// before the fork. Nothing is allocated in it; full collections may still
// find objects in it dead, which are dropped from the live bitmap without
// reusing their memory.
type ZygoteSpace struct {
	continuous
	mu      sync.Mutex
	objects uint64
}

func newZygoteSpace(name string, mem *MemMap, begin, end uint32, live *accounting.SpaceBitmap, objects uint64) *ZygoteSpace {
	live.SetHeapLimit(end)
	live.SetName(name + " live-bitmap")
	z := &ZygoteSpace{
		continuous: continuous{
			name:  name,
			mem:   mem,
			begin: begin,
			end:   end,
			limit: end,
			live:  live,
			mark:  accounting.NewContinuousSpaceBitmap(name+" mark-bitmap", begin, end-begin),
		},
		objects: objects,
	}
	return z
}

func (z *ZygoteSpace) Type() Type                       { return TypeZygoteSpace }
func (z *ZygoteSpace) RetentionPolicy() RetentionPolicy { return FullCollect }
func (z *ZygoteSpace) CanMoveObjects() bool             { return false }

// ObjectsAllocated returns the number of live zygote objects.
func (z *ZygoteSpace) ObjectsAllocated() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.objects
}

// FreeList records that objs died; their bytes are not reused.
func (z *ZygoteSpace) FreeList(objs []mirror.Ref) {
	z.mu.Lock()
	defer z.mu.Unlock()
	base.Check(uint64(len(objs)) <= z.objects, "%s: freeing more objects than allocated", z.name)
	z.objects -= uint64(len(objs))
}

// Walk visits every live object in address order.
func (z *ZygoteSpace) Walk(fn func(mirror.Ref)) { z.live.VisitMarkedRange(z.begin, z.end, fn) }
