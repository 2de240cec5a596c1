package driver

import (
	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/dex"
	"github.com/you-not-fish/dex2oat/internal/gc/space"
	"github.com/you-not-fish/dex2oat/internal/image"
	"github.com/you-not-fish/dex2oat/internal/oat"
)

// loadedBootImage is the boot image an app is compiled against: every
// image of a multi-image boot image and the oat file next to each.
type loadedBootImage struct {
	location string
	headers  []*image.Header
	spaces   []*space.ImageSpace
	oats     []*oat.File
	dexFiles []*dex.File
}

// loadBootImage reads the boot image whose first image is at location.
// The first oat file names the rest through its boot class path.
func loadBootImage(location string) (*loadedBootImage, error) {
	first, err := oat.Open(replaceExt(location, ".oat"))
	if err != nil {
		return nil, resourceErr(location, err)
	}
	names := []string{location}
	if bcp := first.Header.BootClassPath(); len(bcp) > 1 {
		names = ExpandOutputNames(location, bcp)
	}

	b := &loadedBootImage{location: location}
	for i, name := range names {
		o := first
		if i > 0 {
			if o, err = oat.Open(replaceExt(name, ".oat")); err != nil {
				return nil, resourceErr(name, err)
			}
		}
		im, err := image.Open(name)
		if err != nil {
			return nil, resourceErr(name, err)
		}
		if im.Header.OatChecksum != o.Header.Checksum {
			return nil, errors.Errorf("boot image %s: oat checksum %#x, image expects %#x",
				name, o.Header.Checksum, im.Header.OatChecksum)
		}
		sp, err := im.Space()
		if err != nil {
			return nil, errors.Wrapf(err, "boot image %s", name)
		}
		b.headers = append(b.headers, im.Header)
		b.spaces = append(b.spaces, sp)
		b.oats = append(b.oats, o)
		for _, d := range o.DexFiles {
			b.dexFiles = append(b.dexFiles, d.File)
		}
	}
	return b, nil
}

// bounds returns the address range the boot image occupies.
func (b *loadedBootImage) bounds() image.BootImage { return image.BootImageOf(b.headers) }

// oatEnd returns the first address after the last boot oat file.
func (b *loadedBootImage) oatEnd() uint32 { return b.headers[len(b.headers)-1].OatFileEnd }

// primary returns the header of the first image.
func (b *loadedBootImage) primary() *image.Header { return b.headers[0] }

// dexLocations returns the locations of the boot class path, joined the
// way the class path key records them.
func (b *loadedBootImage) dexLocations() []string {
	var locs []string
	for _, o := range b.oats {
		for _, d := range o.DexFiles {
			locs = append(locs, d.Location)
		}
	}
	return locs
}
