// Package image writes and loads art images: snapshots of the managed heap
// laid out at a fixed address, so references inside them are absolute and
// the runtime can map them without a pass over the objects.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/base"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 8 + 18*4 + int(NumSections)*8 + rtabi.ImageMethodsCount*8

// ObjectsOffset is where the objects start. The header has the first page
// to itself so the objects can be compressed separately.
const ObjectsOffset = base.PageSize

var le = binary.LittleEndian

// StorageMode says how the image data after the header page is stored.
type StorageMode uint32

const (
	StorageUncompressed StorageMode = iota
	StorageLZ4
	StorageLZ4HC
)

var storageModeNames = [...]string{
	StorageUncompressed: "uncompressed",
	StorageLZ4:          "lz4",
	StorageLZ4HC:        "lz4hc",
}

func (m StorageMode) String() string {
	if int(m) < len(storageModeNames) {
		return storageModeNames[m]
	}
	return fmt.Sprintf("StorageMode(%d)", uint32(m))
}

// ParseStorageMode parses the value of --image-format.
func ParseStorageMode(s string) (StorageMode, error) {
	for m, name := range storageModeNames {
		if s == name {
			return StorageMode(m), nil
		}
	}
	return 0, errors.Errorf("unknown image format %q", s)
}

// Section identifies a region of the image.
type Section int

const (
	SectionObjects Section = iota
	SectionArtFields
	SectionArtMethods
	SectionRuntimeMethods
	SectionImTables
	SectionIMTConflictTables
	SectionDexCacheArrays
	SectionInternedStrings
	SectionClassTable
	SectionImageBitmap
	SectionRelocations

	NumSections
)

var sectionNames = [...]string{
	SectionObjects:           "Objects",
	SectionArtFields:         "ArtFields",
	SectionArtMethods:        "ArtMethods",
	SectionRuntimeMethods:    "RuntimeMethods",
	SectionImTables:          "ImTables",
	SectionIMTConflictTables: "IMTConflictTables",
	SectionDexCacheArrays:    "DexCacheArrays",
	SectionInternedStrings:   "InternedStrings",
	SectionClassTable:        "ClassTable",
	SectionImageBitmap:       "ImageBitmap",
	SectionRelocations:       "Relocations",
}

func (s Section) String() string { return sectionNames[s] }

// SectionRange is a section's offset from the image begin and its size.
type SectionRange struct {
	Offset uint32
	Size   uint32
}

func (r SectionRange) End() uint32 { return r.Offset + r.Size }

var (
	ErrBadMagic   = errors.New("image: bad magic")
	ErrBadVersion = errors.New("image: unsupported version")
)

// Header is the image header at the start of an image file.
type Header struct {
	ImageBegin  uint32
	ImageSize   uint32
	OatChecksum uint32
	// The oat file of the image, as loaded.
	OatFileBegin uint32
	OatDataBegin uint32
	OatDataEnd   uint32
	OatFileEnd   uint32
	// The boot image an app image was compiled against. Zero for boot
	// images.
	BootImageBegin uint32
	BootImageSize  uint32
	BootOatBegin   uint32
	BootOatSize    uint32

	PatchDelta  int32
	ImageRoots  uint32
	PointerSize uint32
	CompilePic  bool
	IsPic       bool
	StorageMode StorageMode
	// DataSize is the size of the stored data after the header page:
	// the compressed length when compressed.
	DataSize uint32

	Sections     [NumSections]SectionRange
	ImageMethods [rtabi.ImageMethodsCount]uint64
}

// Section returns the range of section s.
func (h *Header) Section(s Section) SectionRange { return h.Sections[s] }

// ImageEnd returns the first address after the image data.
func (h *Header) ImageEnd() uint32 { return h.ImageBegin + h.ImageSize }

// BitmapFileOffset returns where the bitmap starts in the file. It follows
// the stored data, which is shorter than the image when compressed.
func (h *Header) BitmapFileOffset() uint32 {
	if h.StorageMode == StorageUncompressed {
		return h.Sections[SectionImageBitmap].Offset
	}
	return base.RoundUp(ObjectsOffset+h.DataSize, base.PageSize)
}

// RelocationsFileOffset returns where the relocations start in the file.
func (h *Header) RelocationsFileOffset() uint32 {
	return h.BitmapFileOffset() + h.Sections[SectionImageBitmap].Size
}

// FileSize returns the size of the image file. Uncompressed files are
// padded to a page so the next image of a boot image starts right after
// the file's bytes.
func (h *Header) FileSize() uint32 {
	end := h.RelocationsFileOffset() + h.Sections[SectionRelocations].Size
	if h.StorageMode == StorageUncompressed {
		return base.RoundUp(end, base.PageSize)
	}
	return end
}

// Reservation returns the size of the address range the image takes in a
// multi-image layout. It is the size of the uncompressed file.
func (h *Header) Reservation() uint32 {
	end := h.Sections[SectionRelocations].End()
	return base.RoundUp(end, base.PageSize)
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HeaderSize)
	b = append(b, rtabi.ImageMagic[:]...)
	b = append(b, rtabi.ImageVersion[:]...)
	for _, v := range []uint32{
		h.ImageBegin, h.ImageSize, h.OatChecksum,
		h.OatFileBegin, h.OatDataBegin, h.OatDataEnd, h.OatFileEnd,
		h.BootImageBegin, h.BootImageSize, h.BootOatBegin, h.BootOatSize,
		uint32(h.PatchDelta), h.ImageRoots, h.PointerSize,
		boolWord(h.CompilePic), boolWord(h.IsPic), uint32(h.StorageMode), h.DataSize,
	} {
		b = le.AppendUint32(b, v)
	}
	for _, s := range h.Sections {
		b = le.AppendUint32(b, s.Offset)
		b = le.AppendUint32(b, s.Size)
	}
	for _, m := range h.ImageMethods {
		b = le.AppendUint64(b, m)
	}
	return b, nil
}

// ParseHeader decodes the header at the start of data.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, errors.Errorf("image: header truncated at %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], rtabi.ImageMagic[:]) {
		return nil, errors.Wrapf(ErrBadMagic, "%q", data[:4])
	}
	if !bytes.Equal(data[4:8], rtabi.ImageVersion[:]) {
		return nil, errors.Wrapf(ErrBadVersion, "%q", data[4:8])
	}
	w := func(i int) uint32 { return le.Uint32(data[8+4*i:]) }
	h := &Header{
		ImageBegin:     w(0),
		ImageSize:      w(1),
		OatChecksum:    w(2),
		OatFileBegin:   w(3),
		OatDataBegin:   w(4),
		OatDataEnd:     w(5),
		OatFileEnd:     w(6),
		BootImageBegin: w(7),
		BootImageSize:  w(8),
		BootOatBegin:   w(9),
		BootOatSize:    w(10),
		PatchDelta:     int32(w(11)),
		ImageRoots:     w(12),
		PointerSize:    w(13),
		CompilePic:     w(14) != 0,
		IsPic:          w(15) != 0,
		StorageMode:    StorageMode(w(16)),
		DataSize:       w(17),
	}
	if h.StorageMode > StorageLZ4HC {
		return nil, errors.Errorf("image: unknown storage mode %d", h.StorageMode)
	}
	if h.PointerSize != 4 && h.PointerSize != 8 {
		return nil, errors.Errorf("image: pointer size %d", h.PointerSize)
	}
	off := 8 + 18*4
	for i := range h.Sections {
		h.Sections[i] = SectionRange{Offset: le.Uint32(data[off:]), Size: le.Uint32(data[off+4:])}
		off += 8
	}
	for i := range h.ImageMethods {
		h.ImageMethods[i] = le.Uint64(data[off:])
		off += 8
	}
	return h, nil
}
