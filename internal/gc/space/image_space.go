package space

import (
	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// ImageSpace is a loaded image: objects laid out by the image writer at
// fixed addresses. It is never collected and never allocated in.
type ImageSpace struct {
	continuous
	// Location is the image file the space was loaded from.
	Location string
	// ImageRoots is the address of the image roots array.
	ImageRoots mirror.Ref
	// OatBegin and OatEnd bound the oat file the image's code pointers
	// refer to.
	OatBegin, OatEnd uint32
	// OatChecksum is the checksum of that oat file.
	OatChecksum uint32
}

// NewImageSpace wraps mem, whose objects end at objectsEnd and start at
// the bits set in live.
func NewImageSpace(location string, mem *MemMap, objectsEnd uint32, live *accounting.SpaceBitmap) *ImageSpace {
	s := &ImageSpace{
		continuous: continuous{
			name:  location,
			mem:   mem,
			begin: mem.Begin(),
			end:   objectsEnd,
			limit: objectsEnd,
			live:  live,
			mark:  live,
		},
		Location: location,
	}
	return s
}

func (s *ImageSpace) Type() Type                       { return TypeImageSpace }
func (s *ImageSpace) RetentionPolicy() RetentionPolicy { return NeverCollect }
func (s *ImageSpace) CanMoveObjects() bool             { return false }

// SwapBitmaps is a no-op; an image space has a single bitmap.
func (s *ImageSpace) SwapBitmaps() {}

// Walk visits every image object in address order.
func (s *ImageSpace) Walk(fn func(mirror.Ref)) { s.live.VisitMarkedRange(s.begin, s.end, fn) }
