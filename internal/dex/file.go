// Package dex reads files of the mobile bytecode format: identifier tables,
// class definitions, class data, code items and debug information.
package dex

import (
	"bytes"
	"encoding/binary"
	"hash/adler32"
	"unicode/utf16"
)

// Header layout constants.
const (
	HeaderSize      = 0x70
	endianConstant  = 0x12345678
	checksumOffset  = 8
	signatureOffset = 12
	fileSizeOffset  = 32
)

var magicPrefix = []byte("dex\n")

var knownVersions = []string{"035", "037", "038", "039"}

// Header is the decoded dex header.
type Header struct {
	Magic         [8]byte
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIDsSize uint32
	StringIDsOff  uint32
	TypeIDsSize   uint32
	TypeIDsOff    uint32
	ProtoIDsSize  uint32
	ProtoIDsOff   uint32
	FieldIDsSize  uint32
	FieldIDsOff   uint32
	MethodIDsSize uint32
	MethodIDsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

// ProtoID is a method prototype.
type ProtoID struct {
	ShortyIdx     uint32
	ReturnTypeIdx uint32
	ParametersOff uint32
}

// FieldID identifies a field.
type FieldID struct {
	ClassIdx uint16
	TypeIdx  uint16
	NameIdx  uint32
}

// MethodID identifies a method.
type MethodID struct {
	ClassIdx uint16
	ProtoIdx uint16
	NameIdx  uint32
}

// ClassDef is a class_def_item.
type ClassDef struct {
	ClassIdx        uint32
	AccessFlags     uint32
	SuperclassIdx   uint32
	InterfacesOff   uint32
	SourceFileIdx   uint32
	AnnotationsOff  uint32
	ClassDataOff    uint32
	StaticValuesOff uint32
}

// File is an opened dex file. Its Data may be backed by a memory map owned
// by an Archive.
type File struct {
	Location string
	Data     []byte
	Header   Header

	stringIDs []uint32
	typeIDs   []uint32
	protoIDs  []ProtoID
	fieldIDs  []FieldID
	methodIDs []MethodID
	classDefs []ClassDef

	// strings caches decoded string data.
	strings []string
}

// Parse validates data as a dex file and decodes its identifier tables.
// When verifyChecksum is set, the Adler-32 checksum must match.
func Parse(location string, data []byte, verifyChecksum bool) (*File, error) {
	if len(data) < HeaderSize {
		return nil, formatErrorf(location, -1, "file too short (%d bytes)", len(data))
	}
	f := &File{Location: location, Data: data}
	if err := f.parseHeader(); err != nil {
		return nil, err
	}
	if verifyChecksum {
		if sum := ComputeChecksum(data); sum != f.Header.Checksum {
			return nil, formatErrorf(location, -1, "bad checksum %08x, expected %08x", sum, f.Header.Checksum)
		}
	}
	if err := f.parseIDs(); err != nil {
		return nil, err
	}
	return f, nil
}

// ComputeChecksum returns the Adler-32 checksum of everything after the
// checksum field.
func ComputeChecksum(data []byte) uint32 {
	return adler32.Checksum(data[signatureOffset:])
}

func (f *File) parseHeader() error {
	d := f.Data
	h := &f.Header
	copy(h.Magic[:], d[:8])
	if !bytes.HasPrefix(h.Magic[:], magicPrefix) || h.Magic[7] != 0 {
		return formatErrorf(f.Location, -1, "bad magic %q", h.Magic[:])
	}
	version := string(h.Magic[4:7])
	known := false
	for _, v := range knownVersions {
		if v == version {
			known = true
		}
	}
	if !known {
		return formatErrorf(f.Location, -1, "unsupported version %q", version)
	}
	le := binary.LittleEndian
	h.Checksum = le.Uint32(d[checksumOffset:])
	copy(h.Signature[:], d[signatureOffset:signatureOffset+20])
	fields := []*uint32{
		&h.FileSize, &h.HeaderSize, &h.EndianTag, &h.LinkSize, &h.LinkOff, &h.MapOff,
		&h.StringIDsSize, &h.StringIDsOff, &h.TypeIDsSize, &h.TypeIDsOff,
		&h.ProtoIDsSize, &h.ProtoIDsOff, &h.FieldIDsSize, &h.FieldIDsOff,
		&h.MethodIDsSize, &h.MethodIDsOff, &h.ClassDefsSize, &h.ClassDefsOff,
		&h.DataSize, &h.DataOff,
	}
	for i, p := range fields {
		*p = le.Uint32(d[fileSizeOffset+4*i:])
	}
	if h.EndianTag != endianConstant {
		return formatErrorf(f.Location, -1, "unexpected endian tag %#x", h.EndianTag)
	}
	if h.HeaderSize != HeaderSize {
		return formatErrorf(f.Location, -1, "bad header size %d", h.HeaderSize)
	}
	if int(h.FileSize) > len(d) {
		return formatErrorf(f.Location, -1, "file size %d exceeds data size %d", h.FileSize, len(d))
	}
	return nil
}

func (f *File) checkSection(name string, off, count, itemSize uint32) error {
	if count == 0 {
		return nil
	}
	end := uint64(off) + uint64(count)*uint64(itemSize)
	if off < HeaderSize || end > uint64(f.Header.FileSize) {
		return formatErrorf(f.Location, -1, "%s section [%#x, %#x) out of bounds", name, off, end)
	}
	return nil
}

func (f *File) parseIDs() error {
	h := &f.Header
	d := f.Data
	le := binary.LittleEndian
	sections := []struct {
		name           string
		off, count, sz uint32
	}{
		{"string_ids", h.StringIDsOff, h.StringIDsSize, 4},
		{"type_ids", h.TypeIDsOff, h.TypeIDsSize, 4},
		{"proto_ids", h.ProtoIDsOff, h.ProtoIDsSize, 12},
		{"field_ids", h.FieldIDsOff, h.FieldIDsSize, 8},
		{"method_ids", h.MethodIDsOff, h.MethodIDsSize, 8},
		{"class_defs", h.ClassDefsOff, h.ClassDefsSize, 32},
	}
	for _, s := range sections {
		if err := f.checkSection(s.name, s.off, s.count, s.sz); err != nil {
			return err
		}
	}

	f.stringIDs = make([]uint32, h.StringIDsSize)
	for i := range f.stringIDs {
		f.stringIDs[i] = le.Uint32(d[h.StringIDsOff+uint32(i)*4:])
		if f.stringIDs[i] >= h.FileSize {
			return formatErrorf(f.Location, i, "string data offset %#x out of bounds", f.stringIDs[i])
		}
	}
	f.strings = make([]string, len(f.stringIDs))
	for i := range f.strings {
		s, err := f.decodeString(i)
		if err != nil {
			return err
		}
		f.strings[i] = s
	}

	f.typeIDs = make([]uint32, h.TypeIDsSize)
	for i := range f.typeIDs {
		f.typeIDs[i] = le.Uint32(d[h.TypeIDsOff+uint32(i)*4:])
		if f.typeIDs[i] >= h.StringIDsSize {
			return formatErrorf(f.Location, i, "type descriptor index %d out of range", f.typeIDs[i])
		}
	}

	f.protoIDs = make([]ProtoID, h.ProtoIDsSize)
	for i := range f.protoIDs {
		p := d[h.ProtoIDsOff+uint32(i)*12:]
		f.protoIDs[i] = ProtoID{
			ShortyIdx:     le.Uint32(p),
			ReturnTypeIdx: le.Uint32(p[4:]),
			ParametersOff: le.Uint32(p[8:]),
		}
	}

	f.fieldIDs = make([]FieldID, h.FieldIDsSize)
	for i := range f.fieldIDs {
		p := d[h.FieldIDsOff+uint32(i)*8:]
		f.fieldIDs[i] = FieldID{ClassIdx: le.Uint16(p), TypeIdx: le.Uint16(p[2:]), NameIdx: le.Uint32(p[4:])}
	}

	f.methodIDs = make([]MethodID, h.MethodIDsSize)
	for i := range f.methodIDs {
		p := d[h.MethodIDsOff+uint32(i)*8:]
		m := MethodID{ClassIdx: le.Uint16(p), ProtoIdx: le.Uint16(p[2:]), NameIdx: le.Uint32(p[4:])}
		if uint32(m.ClassIdx) >= h.TypeIDsSize || uint32(m.ProtoIdx) >= h.ProtoIDsSize || m.NameIdx >= h.StringIDsSize {
			return formatErrorf(f.Location, i, "method id references out of range")
		}
		f.methodIDs[i] = m
	}

	f.classDefs = make([]ClassDef, h.ClassDefsSize)
	seen := make(map[uint32]int, len(f.classDefs))
	for i := range f.classDefs {
		p := d[h.ClassDefsOff+uint32(i)*32:]
		cd := ClassDef{
			ClassIdx:        le.Uint32(p),
			AccessFlags:     le.Uint32(p[4:]),
			SuperclassIdx:   le.Uint32(p[8:]),
			InterfacesOff:   le.Uint32(p[12:]),
			SourceFileIdx:   le.Uint32(p[16:]),
			AnnotationsOff:  le.Uint32(p[20:]),
			ClassDataOff:    le.Uint32(p[24:]),
			StaticValuesOff: le.Uint32(p[28:]),
		}
		if cd.ClassIdx >= h.TypeIDsSize {
			return formatErrorf(f.Location, i, "class index %d out of range", cd.ClassIdx)
		}
		if prev, dup := seen[cd.ClassIdx]; dup {
			return formatErrorf(f.Location, i, "duplicate class definition %s (first at %d)",
				f.TypeDescriptor(cd.ClassIdx), prev)
		}
		seen[cd.ClassIdx] = i
		f.classDefs[i] = cd
	}
	return nil
}

// decodeString decodes the MUTF-8 string_data_item for string index i.
func (f *File) decodeString(i int) (string, error) {
	off := int(f.stringIDs[i])
	utf16Len, pos, err := DecodeUnsignedLeb128(f.Data, off)
	if err != nil {
		return "", formatErrorf(f.Location, i, "string length: %v", err)
	}
	units := make([]uint16, 0, utf16Len)
	d := f.Data
	for {
		if pos >= len(d) {
			return "", formatErrorf(f.Location, i, "unterminated string")
		}
		b := d[pos]
		pos++
		switch {
		case b == 0:
			if uint32(len(units)) != utf16Len {
				return "", formatErrorf(f.Location, i, "string length %d, decoded %d", utf16Len, len(units))
			}
			return string(utf16.Decode(units)), nil
		case b < 0x80:
			units = append(units, uint16(b))
		case b&0xe0 == 0xc0:
			if pos >= len(d) {
				return "", formatErrorf(f.Location, i, "truncated string")
			}
			units = append(units, uint16(b&0x1f)<<6|uint16(d[pos]&0x3f))
			pos++
		case b&0xf0 == 0xe0:
			if pos+1 >= len(d) {
				return "", formatErrorf(f.Location, i, "truncated string")
			}
			units = append(units, uint16(b&0x0f)<<12|uint16(d[pos]&0x3f)<<6|uint16(d[pos+1]&0x3f))
			pos += 2
		default:
			return "", formatErrorf(f.Location, i, "bad MUTF-8 byte %#x", b)
		}
	}
}

// NumStringIDs returns the number of strings.
func (f *File) NumStringIDs() int { return len(f.stringIDs) }

// NumTypeIDs returns the number of types.
func (f *File) NumTypeIDs() int { return len(f.typeIDs) }

// NumMethodIDs returns the number of method references.
func (f *File) NumMethodIDs() int { return len(f.methodIDs) }

// NumFieldIDs returns the number of field references.
func (f *File) NumFieldIDs() int { return len(f.fieldIDs) }

// NumClassDefs returns the number of class definitions.
func (f *File) NumClassDefs() int { return len(f.classDefs) }

// String returns string idx.
func (f *File) String(idx uint32) string { return f.strings[idx] }

// TypeDescriptor returns the descriptor of type idx, e.g. "Ljava/lang/Object;".
func (f *File) TypeDescriptor(idx uint32) string { return f.strings[f.typeIDs[idx]] }

// FindTypeIndex returns the index of the type with the given descriptor.
func (f *File) FindTypeIndex(descriptor string) (uint32, bool) {
	for i, s := range f.typeIDs {
		if f.strings[s] == descriptor {
			return uint32(i), true
		}
	}
	return 0, false
}

// FindStringIndex returns the index of s.
func (f *File) FindStringIndex(s string) (uint32, bool) {
	for i, v := range f.strings {
		if v == s {
			return uint32(i), true
		}
	}
	return 0, false
}

// Proto returns proto idx.
func (f *File) Proto(idx uint32) ProtoID { return f.protoIDs[idx] }

// Field returns field reference idx.
func (f *File) Field(idx uint32) FieldID { return f.fieldIDs[idx] }

// Method returns method reference idx.
func (f *File) Method(idx uint32) MethodID { return f.methodIDs[idx] }

// ClassDef returns class definition idx.
func (f *File) ClassDef(idx int) *ClassDef { return &f.classDefs[idx] }

// ClassDescriptor returns the descriptor of class definition idx.
func (f *File) ClassDescriptor(cd *ClassDef) string { return f.TypeDescriptor(cd.ClassIdx) }

// MethodName returns the simple name of method idx.
func (f *File) MethodName(idx uint32) string { return f.strings[f.methodIDs[idx].NameIdx] }

// MethodShorty returns the shorty descriptor of method idx, return type first.
func (f *File) MethodShorty(idx uint32) string {
	return f.strings[f.protoIDs[f.methodIDs[idx].ProtoIdx].ShortyIdx]
}

// ParameterTypes returns the parameter type indexes of proto idx.
func (f *File) ParameterTypes(protoIdx uint32) []uint32 {
	off := f.protoIDs[protoIdx].ParametersOff
	if off == 0 {
		return nil
	}
	le := binary.LittleEndian
	n := le.Uint32(f.Data[off:])
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(le.Uint16(f.Data[off+4+uint32(i)*2:]))
	}
	return out
}

// MethodSignature returns "(params)ret" for method idx.
func (f *File) MethodSignature(idx uint32) string {
	m := f.methodIDs[idx]
	p := f.protoIDs[m.ProtoIdx]
	var b bytes.Buffer
	b.WriteByte('(')
	for _, t := range f.ParameterTypes(uint32(m.ProtoIdx)) {
		b.WriteString(f.TypeDescriptor(t))
	}
	b.WriteByte(')')
	b.WriteString(f.TypeDescriptor(p.ReturnTypeIdx))
	return b.String()
}

// PrettyMethod returns "Lpkg/Class;->name(sig)" for method idx.
func (f *File) PrettyMethod(idx uint32) string {
	m := f.methodIDs[idx]
	return f.TypeDescriptor(uint32(m.ClassIdx)) + "->" + f.MethodName(idx) + f.MethodSignature(idx)
}

// Interfaces returns the interface type indexes of cd.
func (f *File) Interfaces(cd *ClassDef) []uint32 {
	if cd.InterfacesOff == 0 {
		return nil
	}
	le := binary.LittleEndian
	n := le.Uint32(f.Data[cd.InterfacesOff:])
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(le.Uint16(f.Data[cd.InterfacesOff+4+uint32(i)*2:]))
	}
	return out
}

// Size returns the file size declared in the header.
func (f *File) Size() int { return int(f.Header.FileSize) }

// Bytes returns the file contents.
func (f *File) Bytes() []byte { return f.Data[:f.Header.FileSize] }
