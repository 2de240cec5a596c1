package space

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/you-not-fish/dex2oat/internal/base"
)

// MemMap is an anonymous mapping standing in for the address range
// [Begin, Begin+Size) of the simulated heap. Object addresses are offsets
// into the mapping plus Begin.
type MemMap struct {
	name  string
	begin uint32
	data  []byte
	// mapping is the original mmap region; nil for maps that alias
	// another map's bytes.
	mapping []byte
}

// MapAnonymous maps size bytes of zeroed memory for the range at begin.
func MapAnonymous(name string, begin, size uint32) (*MemMap, error) {
	if !base.IsAligned(begin, base.PageSize) {
		return nil, errors.Errorf("map %q: begin %#x is not page aligned", name, begin)
	}
	size = base.RoundUp(size, base.PageSize)
	if uint64(begin)+uint64(size) > 1<<32 {
		return nil, errors.Errorf("map %q: [%#x, +%#x) exceeds the 32-bit address space", name, begin, size)
	}
	if size == 0 {
		return &MemMap{name: name, begin: begin}, nil
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "map %q (%d bytes)", name, size)
	}
	return &MemMap{name: name, begin: begin, data: data, mapping: data}, nil
}

// NewMemMapFromBytes wraps an existing buffer, for example a decompressed
// image, at begin.
func NewMemMapFromBytes(name string, begin uint32, data []byte) *MemMap {
	return &MemMap{name: name, begin: begin, data: data}
}

// Name returns the map's name.
func (m *MemMap) Name() string { return m.name }

// Begin returns the first address of the map.
func (m *MemMap) Begin() uint32 { return m.begin }

// End returns the address one past the map.
func (m *MemMap) End() uint32 { return m.begin + uint32(len(m.data)) }

// Size returns the map's size in bytes.
func (m *MemMap) Size() uint32 { return uint32(len(m.data)) }

// Bytes returns the whole mapping.
func (m *MemMap) Bytes() []byte { return m.data }

// Slice returns n bytes at addr.
func (m *MemMap) Slice(addr, n uint32) []byte {
	off := addr - m.begin
	base.DCheck(addr >= m.begin && uint64(off)+uint64(n) <= uint64(len(m.data)),
		"%s: [%#x, +%d) outside [%#x, %#x)", m.name, addr, n, m.begin, m.End())
	return m.data[off : off+n : off+n]
}

// Zero clears [begin, end).
func (m *MemMap) Zero(begin, end uint32) {
	if begin >= end {
		return
	}
	clear(m.data[begin-m.begin : end-m.begin])
}

// RemapAtEnd splits the map at addr: m keeps [Begin, addr) and the
// returned map aliases [addr, End).
func (m *MemMap) RemapAtEnd(addr uint32, name string) *MemMap {
	base.Check(addr >= m.begin && addr <= m.End() && base.IsAligned(addr, base.PageSize),
		"%s: cannot split at %#x", m.name, addr)
	off := addr - m.begin
	tail := &MemMap{name: name, begin: addr, data: m.data[off:len(m.data):len(m.data)]}
	m.data = m.data[:off:off]
	return tail
}

// Unmap releases the mapping. A map split by RemapAtEnd releases the
// whole original region, including the tail.
func (m *MemMap) Unmap() error {
	m.data = nil
	if m.mapping == nil {
		return nil
	}
	mapping := m.mapping
	m.mapping = nil
	return errors.Wrapf(unix.Munmap(mapping), "unmap %q", m.name)
}
