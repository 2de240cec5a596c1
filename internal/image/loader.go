package image

import (
	"os"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/gc/accounting"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/mirror"
)

// Image is an image file read into memory, decompressed.
type Image struct {
	Location string
	Header   *Header
	// Data is the image from its begin: the header page, the objects and
	// the native sections.
	Data        []byte
	Bitmap      []byte
	Relocations []uint32
}

// Open reads the image file at path.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "image")
	}
	im, err := Parse(path, data)
	return im, errors.Wrapf(err, "%s", path)
}

// Parse decodes the contents of an image file.
func Parse(location string, file []byte) (*Image, error) {
	h, err := ParseHeader(file)
	if err != nil {
		return nil, err
	}
	if h.ImageSize < ObjectsOffset || h.Sections[SectionObjects].End() > h.ImageSize {
		return nil, errors.Errorf("image: objects [%#x, %#x) outside image of %d bytes",
			h.Sections[SectionObjects].Offset, h.Sections[SectionObjects].End(), h.ImageSize)
	}
	if uint64(ObjectsOffset)+uint64(h.DataSize) > uint64(len(file)) {
		return nil, errors.Errorf("image: %d bytes of data overrun the file", h.DataSize)
	}
	payload, err := decompress(h.StorageMode, file[ObjectsOffset:ObjectsOffset+h.DataSize], h.ImageSize-ObjectsOffset)
	if err != nil {
		return nil, err
	}
	im := &Image{Location: location, Header: h, Data: make([]byte, h.ImageSize)}
	copy(im.Data, file[:ObjectsOffset])
	copy(im.Data[ObjectsOffset:], payload)

	bm, rel := h.BitmapFileOffset(), h.RelocationsFileOffset()
	end := uint64(rel) + uint64(h.Sections[SectionRelocations].Size)
	if end > uint64(len(file)) {
		return nil, errors.Errorf("image: bitmap and relocations end at %#x, file has %d bytes", end, len(file))
	}
	im.Bitmap = file[bm:rel]
	for off := rel; off < uint32(end); off += 4 {
		r := le.Uint32(file[off:])
		if r+4 > h.ImageSize {
			return nil, errors.Errorf("image: relocation at %#x outside the image", r)
		}
		im.Relocations = append(im.Relocations, r)
	}
	return im, nil
}

// table reads a section holding a count and that many addresses.
func (im *Image) table(s Section) []mirror.Ref {
	r := im.Header.Sections[s]
	if r.Size < 4 {
		return nil
	}
	n := le.Uint32(im.Data[r.Offset:])
	if 4+4*uint64(n) > uint64(r.Size) {
		return nil
	}
	out := make([]mirror.Ref, n)
	for i := range out {
		out[i] = mirror.Ref(le.Uint32(im.Data[r.Offset+4+4*uint32(i):]))
	}
	return out
}

// InternedStrings returns the addresses of the image's interned strings.
func (im *Image) InternedStrings() []mirror.Ref { return im.table(SectionInternedStrings) }

// Classes returns the addresses of the image's class objects.
func (im *Image) Classes() []mirror.Ref { return im.table(SectionClassTable) }

// Relocate moves the image and its oat file by delta: every recorded
// address and the addresses in the header.
func (im *Image) Relocate(delta int32) error {
	if delta == 0 {
		return nil
	}
	move := func(v uint32) uint32 { return uint32(int64(v) + int64(delta)) }
	for _, off := range im.Relocations {
		le.PutUint32(im.Data[off:], move(le.Uint32(im.Data[off:])))
	}
	h := im.Header
	h.ImageBegin = move(h.ImageBegin)
	h.OatFileBegin = move(h.OatFileBegin)
	h.OatDataBegin = move(h.OatDataBegin)
	h.OatDataEnd = move(h.OatDataEnd)
	h.OatFileEnd = move(h.OatFileEnd)
	h.ImageRoots = move(h.ImageRoots)
	h.PatchDelta += delta
	if h.BootImageSize == 0 {
		for i, m := range h.ImageMethods {
			if m != 0 {
				h.ImageMethods[i] = uint64(move(uint32(m)))
			}
		}
	}
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	copy(im.Data, b)
	return nil
}

// Space maps the image as a heap space at its begin address.
func (im *Image) Space() (*space.ImageSpace, error) {
	h := im.Header
	objectsEnd := h.Sections[SectionObjects].End()
	live, err := accounting.NewContinuousSpaceBitmapFromBytes(im.Location+" live-bitmap", h.ImageBegin, objectsEnd, im.Bitmap)
	if err != nil {
		return nil, errors.Wrap(err, "image")
	}
	mem := space.NewMemMapFromBytes(im.Location, h.ImageBegin, im.Data)
	sp := space.NewImageSpace(im.Location, mem, h.ImageBegin+objectsEnd, live)
	sp.ImageRoots = mirror.Ref(h.ImageRoots)
	sp.OatBegin, sp.OatEnd = h.OatFileBegin, h.OatFileEnd
	sp.OatChecksum = h.OatChecksum
	return sp, nil
}
