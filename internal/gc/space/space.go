// Package space implements the heap's spaces: the address ranges objects
// live in and the allocators that carve them up.
package space

import (
	"fmt"

	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// Type identifies a space implementation.
type Type int

const (
	TypeImageSpace Type = iota
	TypeMallocSpace
	TypeZygoteSpace
	TypeBumpPointerSpace
	TypeRegionSpace
	TypeLargeObjectSpace
)

func (t Type) String() string {
	switch t {
	case TypeImageSpace:
		return "ImageSpace"
	case TypeMallocSpace:
		return "MallocSpace"
	case TypeZygoteSpace:
		return "ZygoteSpace"
	case TypeBumpPointerSpace:
		return "BumpPointerSpace"
	case TypeRegionSpace:
		return "RegionSpace"
	case TypeLargeObjectSpace:
		return "LargeObjectSpace"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// RetentionPolicy says which collections may free objects in a space.
type RetentionPolicy int

const (
	// NeverCollect spaces are never swept (image).
	NeverCollect RetentionPolicy = iota
	// AlwaysCollect spaces are collected by every collection.
	AlwaysCollect
	// FullCollect spaces are collected only by full collections (zygote).
	FullCollect
)

// Space is an address range holding objects.
type Space interface {
	Name() string
	Type() Type
	RetentionPolicy() RetentionPolicy
	Contains(obj mirror.Ref) bool
	// Slice returns n bytes at addr; addr must be inside the space.
	Slice(addr mirror.Ref, n uint32) []byte
	LiveBitmap() *accounting.SpaceBitmap
	MarkBitmap() *accounting.SpaceBitmap
	// SwapBitmaps exchanges the live and mark bitmaps after a sweep.
	SwapBitmaps()
	CanMoveObjects() bool
}

// ContinuousSpace is a space occupying [Begin, Limit) of which [Begin, End)
// is in use.
type ContinuousSpace interface {
	Space
	Begin() uint32
	End() uint32
	Limit() uint32
}

// AllocSpace is a space new objects can be allocated in.
type AllocSpace interface {
	Space
	// Alloc returns a zeroed object of at least n bytes and the number of
	// bytes it consumed, or 0 if the space is full.
	Alloc(n uint32) (mirror.Ref, uint32)
	// Free releases obj and returns the bytes freed.
	Free(obj mirror.Ref) uint32
	// FreeList releases a batch of objects.
	FreeList(objs []mirror.Ref) uint32
	BytesAllocated() uint64
	ObjectsAllocated() uint64
	// Clear frees everything in the space.
	Clear()
}

// ContinuousAllocSpace is an AllocSpace occupying one contiguous range.
type ContinuousAllocSpace interface {
	ContinuousSpace
	AllocSpace
}

// IsImmune reports whether collections never free anything in s.
func IsImmune(s Space) bool { return s.RetentionPolicy() == NeverCollect }

// continuous holds the state shared by every contiguous space.
type continuous struct {
	name  string
	mem   *MemMap
	begin uint32
	end   uint32
	limit uint32
	live  *accounting.SpaceBitmap
	mark  *accounting.SpaceBitmap
}

func newContinuous(name string, mem *MemMap, begin, end, limit uint32) continuous {
	return continuous{
		name:  name,
		mem:   mem,
		begin: begin,
		end:   end,
		limit: limit,
		live:  accounting.NewContinuousSpaceBitmap(name+" live-bitmap", begin, limit-begin),
		mark:  accounting.NewContinuousSpaceBitmap(name+" mark-bitmap", begin, limit-begin),
	}
}

func (c *continuous) Name() string                        { return c.name }
func (c *continuous) Begin() uint32                       { return c.begin }
func (c *continuous) End() uint32                         { return c.end }
func (c *continuous) Limit() uint32                       { return c.limit }
func (c *continuous) LiveBitmap() *accounting.SpaceBitmap { return c.live }
func (c *continuous) MarkBitmap() *accounting.SpaceBitmap { return c.mark }
func (c *continuous) MemMap() *MemMap                     { return c.mem }

// Size returns the bytes in use.
func (c *continuous) Size() uint32 { return c.end - c.begin }

// Capacity returns the size of the reserved range.
func (c *continuous) Capacity() uint32 { return c.limit - c.begin }

func (c *continuous) Contains(obj mirror.Ref) bool {
	return uint32(obj) >= c.begin && uint32(obj) < c.limit
}

func (c *continuous) Slice(addr mirror.Ref, n uint32) []byte { return c.mem.Slice(uint32(addr), n) }

func (c *continuous) SwapBitmaps() {
	c.live, c.mark = c.mark, c.live
	liveName, markName := c.live.Name(), c.mark.Name()
	c.live.SetName(markName)
	c.mark.SetName(liveName)
}

// DumpSpace formats a one-line description of s.
func DumpSpace(s Space) string {
	if cs, ok := s.(ContinuousSpace); ok {
		return fmt.Sprintf("%s %s [%#x, %#x) limit %#x", s.Type(), s.Name(), cs.Begin(), cs.End(), cs.Limit())
	}
	return fmt.Sprintf("%s %s", s.Type(), s.Name())
}
