package dex

import (
	"crypto/sha1"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// MethodRef names a method symbolically. Signature has the form "(IJ)V".
type MethodRef struct {
	Class     string
	Name      string
	Signature string
}

// FieldRef names a field symbolically.
type FieldRef struct {
	Class string
	Name  string
	Type  string
}

// Insn is one instruction given to a Builder. Pool operands are symbolic and
// resolved to indexes when the file is built.
type Insn struct {
	units []uint16
	str   string
	typ   string
	field *FieldRef
	meth  *MethodRef
}

// Width returns the instruction's size in code units.
func (in Insn) Width() int { return len(in.units) }

func op10x(op Opcode) Insn { return Insn{units: []uint16{uint16(op)}} }
func op11x(op Opcode, a uint8) Insn { return Insn{units: []uint16{uint16(op) | uint16(a)<<8}} }
func op21c(op Opcode, a uint8) []uint16 { return []uint16{uint16(op) | uint16(a)<<8, 0} }

// Nop returns a nop.
func Nop() Insn { return op10x(OpNop) }

// ReturnVoid returns return-void.
func ReturnVoid() Insn { return op10x(OpReturnVoid) }

// Return returns return vA.
func Return(a uint8) Insn { return op11x(OpReturn, a) }

// ReturnObject returns return-object vA.
func ReturnObject(a uint8) Insn { return op11x(OpReturnObject, a) }

// MoveResult returns move-result vA.
func MoveResult(a uint8) Insn { return op11x(OpMoveResult, a) }

// Throw returns throw vA.
func Throw(a uint8) Insn { return op11x(OpThrow, a) }

// Const4 returns const/4 vA, #v.
func Const4(a uint8, v int8) Insn {
	return Insn{units: []uint16{uint16(OpConst4) | uint16(a&0xf)<<8 | uint16(uint8(v)&0xf)<<12}}
}

// Goto returns goto with a code unit offset.
func Goto(off int8) Insn { return Insn{units: []uint16{uint16(OpGoto) | uint16(uint8(off))<<8}} }

// IfEqz returns if-eqz vA, +off.
func IfEqz(a uint8, off int16) Insn {
	return Insn{units: []uint16{0x38 | uint16(a)<<8, uint16(off)}}
}

// ConstString returns const-string vA, s.
func ConstString(a uint8, s string) Insn { return Insn{units: op21c(OpConstString, a), str: s} }

// ConstClass returns const-class vA, descriptor.
func ConstClass(a uint8, descriptor string) Insn {
	return Insn{units: op21c(OpConstClass, a), typ: descriptor}
}

// NewInstance returns new-instance vA, descriptor.
func NewInstance(a uint8, descriptor string) Insn {
	return Insn{units: op21c(OpNewInstance, a), typ: descriptor}
}

// CheckCast returns check-cast vA, descriptor.
func CheckCast(a uint8, descriptor string) Insn {
	return Insn{units: op21c(OpCheckCast, a), typ: descriptor}
}

// SGet returns sget vA, field (0x60) or its object variant (0x62) for
// reference types.
func SGet(a uint8, f FieldRef) Insn {
	op := Opcode(0x60)
	if isReference(f.Type) {
		op = 0x62
	}
	return Insn{units: op21c(op, a), field: &f}
}

// SPut returns sput vA, field.
func SPut(a uint8, f FieldRef) Insn {
	op := Opcode(0x67)
	if isReference(f.Type) {
		op = 0x69
	}
	return Insn{units: op21c(op, a), field: &f}
}

// IGet returns iget vA, vB, field.
func IGet(a, b uint8, f FieldRef) Insn {
	op := Opcode(0x52)
	if isReference(f.Type) {
		op = 0x54
	}
	return Insn{units: []uint16{uint16(op) | uint16(a&0xf)<<8 | uint16(b&0xf)<<12, 0}, field: &f}
}

// IPut returns iput vA, vB, field.
func IPut(a, b uint8, f FieldRef) Insn {
	op := Opcode(0x59)
	if isReference(f.Type) {
		op = 0x5b
	}
	return Insn{units: []uint16{uint16(op) | uint16(a&0xf)<<8 | uint16(b&0xf)<<12, 0}, field: &f}
}

// Invoke returns an invoke-kind instruction (35c) with up to five argument
// registers, each below 16.
func Invoke(op Opcode, m MethodRef, regs ...uint8) Insn {
	if len(regs) > 5 {
		panic("dex: invoke with more than 5 registers")
	}
	var r [5]uint16
	for i, v := range regs {
		r[i] = uint16(v & 0xf)
	}
	units := []uint16{
		uint16(op) | r[4]<<8 | uint16(len(regs))<<12,
		0,
		r[0] | r[1]<<4 | r[2]<<8 | r[3]<<12,
	}
	return Insn{units: units, meth: &m}
}

// Raw returns an instruction given as raw code units.
func Raw(units ...uint16) Insn { return Insn{units: units} }

// Handler is one catch clause. An empty Type is a catch-all.
type Handler struct {
	Type string
	Addr uint32
}

// Try covers [Start, Start+Count) code units.
type Try struct {
	Start    uint32
	Count    uint16
	Handlers []Handler
}

// Code is the body of a method given to a Builder.
type Code struct {
	// Registers defaults to the number of incoming argument registers.
	Registers uint16
	// Outs defaults to the widest invoke's register count.
	Outs  uint16
	Insns []Insn
	Tries []Try
	// Lines, when set, is emitted as the method's debug position table.
	Lines []PositionEntry
}

// Field is a field definition.
type Field struct {
	Name  string
	Type  string
	Flags uint32
}

// Method is a method definition. Code is nil for abstract and native methods.
type Method struct {
	Name      string
	Signature string
	Flags     uint32
	Code      *Code
}

// Class is a class definition given to a Builder.
type Class struct {
	Descriptor string
	Super      string // empty for java.lang.Object
	Flags      uint32
	Interfaces []string
	SourceFile string
	Fields     []Field
	Methods    []Method
}

// Builder synthesizes a well formed dex file from symbolic class
// definitions.
type Builder struct {
	Version string // "035" when empty
	classes []*Class
}

// AddClass adds c and returns it for further editing.
func (b *Builder) AddClass(c Class) *Class {
	cc := c
	b.classes = append(b.classes, &cc)
	return &cc
}

// ParseSignature splits "(IJ)V" into parameter and return descriptors.
func ParseSignature(sig string) (params []string, ret string, err error) {
	if !strings.HasPrefix(sig, "(") {
		return nil, "", errors.Errorf("bad signature %q", sig)
	}
	i := 1
	for i < len(sig) && sig[i] != ')' {
		n, err := descriptorLen(sig[i:])
		if err != nil {
			return nil, "", errors.Wrapf(err, "signature %q", sig)
		}
		params = append(params, sig[i:i+n])
		i += n
	}
	if i >= len(sig) {
		return nil, "", errors.Errorf("unterminated signature %q", sig)
	}
	ret = sig[i+1:]
	if n, err := descriptorLen(ret); err != nil || n != len(ret) {
		return nil, "", errors.Errorf("bad return type in %q", sig)
	}
	return params, ret, nil
}

func descriptorLen(s string) (int, error) {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0, errors.New("truncated descriptor")
	}
	switch s[i] {
	case 'Z', 'B', 'S', 'C', 'I', 'J', 'F', 'D', 'V':
		return i + 1, nil
	case 'L':
		j := strings.IndexByte(s[i:], ';')
		if j < 0 {
			return 0, errors.New("unterminated class descriptor")
		}
		return i + j + 1, nil
	}
	return 0, errors.Errorf("bad descriptor char %q", s[i])
}

// ShortyOf returns the shorty of a signature: return type first, every
// reference type as 'L'.
func ShortyOf(params []string, ret string) string {
	var sb strings.Builder
	for _, d := range append([]string{ret}, params...) {
		if isReference(d) {
			sb.WriteByte('L')
		} else {
			sb.WriteByte(d[0])
		}
	}
	return sb.String()
}

func isReference(d string) bool { return d != "" && (d[0] == 'L' || d[0] == '[') }

// ArgumentRegisters returns the number of registers used by the parameters
// of params, counting wide types twice.
func ArgumentRegisters(params []string) int {
	n := 0
	for _, p := range params {
		n++
		if p == "J" || p == "D" {
			n++
		}
	}
	return n
}

type protoDef struct {
	shorty string
	ret    string
	params []string
}

func (p protoDef) key() string { return p.ret + "(" + strings.Join(p.params, "") }

// Map item type codes.
const (
	mapHeader     = 0x0000
	mapStringID   = 0x0001
	mapTypeID     = 0x0002
	mapProtoID    = 0x0003
	mapFieldID    = 0x0004
	mapMethodID   = 0x0005
	mapClassDef   = 0x0006
	mapMapList    = 0x1000
	mapTypeList   = 0x1001
	mapClassData  = 0x2000
	mapCodeItem   = 0x2001
	mapStringData = 0x2002
	mapDebugInfo  = 0x2003
)

// Build lays out and encodes the dex file.
func (b *Builder) Build() ([]byte, error) {
	strs := map[string]bool{}
	types := map[string]bool{}
	protos := map[string]protoDef{}
	fields := map[FieldRef]bool{}
	methods := map[MethodRef]bool{}

	addType := func(d string) { types[d] = true; strs[d] = true }
	addProto := func(sig string) (protoDef, error) {
		params, ret, err := ParseSignature(sig)
		if err != nil {
			return protoDef{}, err
		}
		p := protoDef{shorty: ShortyOf(params, ret), ret: ret, params: params}
		protos[p.key()] = p
		strs[p.shorty] = true
		addType(ret)
		for _, t := range params {
			addType(t)
		}
		return p, nil
	}
	addField := func(f FieldRef) {
		fields[f] = true
		addType(f.Class)
		addType(f.Type)
		strs[f.Name] = true
	}
	addMethod := func(m MethodRef) error {
		if _, err := addProto(m.Signature); err != nil {
			return err
		}
		methods[m] = true
		addType(m.Class)
		strs[m.Name] = true
		return nil
	}

	seen := map[string]bool{}
	for _, c := range b.classes {
		if seen[c.Descriptor] {
			return nil, errors.Errorf("duplicate class %s", c.Descriptor)
		}
		seen[c.Descriptor] = true
		addType(c.Descriptor)
		if c.Super != "" {
			addType(c.Super)
		}
		for _, i := range c.Interfaces {
			addType(i)
		}
		if c.SourceFile != "" {
			strs[c.SourceFile] = true
		}
		for _, f := range c.Fields {
			addField(FieldRef{Class: c.Descriptor, Name: f.Name, Type: f.Type})
		}
		for _, m := range c.Methods {
			if err := addMethod(MethodRef{Class: c.Descriptor, Name: m.Name, Signature: m.Signature}); err != nil {
				return nil, err
			}
			if m.Code == nil {
				continue
			}
			for _, in := range m.Code.Insns {
				switch {
				case in.str != "":
					strs[in.str] = true
				case in.typ != "":
					addType(in.typ)
				case in.field != nil:
					addField(*in.field)
				case in.meth != nil:
					if err := addMethod(*in.meth); err != nil {
						return nil, err
					}
				}
			}
			for _, t := range m.Code.Tries {
				for _, h := range t.Handlers {
					if h.Type != "" {
						addType(h.Type)
					}
				}
			}
		}
	}

	// Index assignment follows the canonical sort orders.
	strList := sortedKeys(strs)
	strIdx := indexOf(strList)
	typeList := sortedKeys(types) // string order == string index order
	typeIdx := indexOf(typeList)

	protoList := make([]protoDef, 0, len(protos))
	for _, p := range protos {
		protoList = append(protoList, p)
	}
	sort.Slice(protoList, func(i, j int) bool {
		a, b := protoList[i], protoList[j]
		if a.ret != b.ret {
			return typeIdx[a.ret] < typeIdx[b.ret]
		}
		for k := 0; k < len(a.params) && k < len(b.params); k++ {
			if a.params[k] != b.params[k] {
				return typeIdx[a.params[k]] < typeIdx[b.params[k]]
			}
		}
		return len(a.params) < len(b.params)
	})
	protoIdx := map[string]uint32{}
	for i, p := range protoList {
		protoIdx[p.key()] = uint32(i)
	}

	fieldList := make([]FieldRef, 0, len(fields))
	for f := range fields {
		fieldList = append(fieldList, f)
	}
	sort.Slice(fieldList, func(i, j int) bool {
		a, b := fieldList[i], fieldList[j]
		if a.Class != b.Class {
			return typeIdx[a.Class] < typeIdx[b.Class]
		}
		if a.Name != b.Name {
			return strIdx[a.Name] < strIdx[b.Name]
		}
		return typeIdx[a.Type] < typeIdx[b.Type]
	})
	fieldIdx := map[FieldRef]uint32{}
	for i, f := range fieldList {
		fieldIdx[f] = uint32(i)
	}

	protoKeyOf := func(sig string) string {
		params, ret, _ := ParseSignature(sig)
		return protoDef{ret: ret, params: params}.key()
	}
	methodList := make([]MethodRef, 0, len(methods))
	for m := range methods {
		methodList = append(methodList, m)
	}
	sort.Slice(methodList, func(i, j int) bool {
		a, b := methodList[i], methodList[j]
		if a.Class != b.Class {
			return typeIdx[a.Class] < typeIdx[b.Class]
		}
		if a.Name != b.Name {
			return strIdx[a.Name] < strIdx[b.Name]
		}
		return protoIdx[protoKeyOf(a.Signature)] < protoIdx[protoKeyOf(b.Signature)]
	})
	methodIdx := map[MethodRef]uint32{}
	for i, m := range methodList {
		methodIdx[m] = uint32(i)
	}

	classes, err := b.orderClasses()
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	dataOff := uint32(HeaderSize + 4*len(strList) + 4*len(typeList) + 12*len(protoList) +
		8*len(fieldList) + 8*len(methodList) + 32*len(classes))
	var data []byte
	off := func() uint32 { return dataOff + uint32(len(data)) }
	align4 := func() {
		for len(data)%4 != 0 {
			data = append(data, 0)
		}
	}
	type mapItem struct{ typ, count, off uint32 }
	var items []mapItem
	mark := func(typ uint32, start uint32, count int) {
		if count > 0 {
			items = append(items, mapItem{typ, uint32(count), start})
		}
	}

	// Code items and their debug info.
	codeOffs := map[MethodRef]uint32{}
	var debugInfos [][]byte
	var debugOwners []MethodRef
	codeStart, codeCount := off(), 0
	for _, c := range classes {
		for _, m := range c.Methods {
			if m.Code == nil {
				continue
			}
			ref := MethodRef{Class: c.Descriptor, Name: m.Name, Signature: m.Signature}
			align4()
			codeOffs[ref] = off()
			codeCount++
			enc, err := encodeCode(m, c, strIdx, typeIdx, fieldIdx, methodIdx)
			if err != nil {
				return nil, errors.Wrapf(err, "%s->%s%s", c.Descriptor, m.Name, m.Signature)
			}
			data = append(data, enc...)
			if m.Code.Lines != nil {
				debugInfos = append(debugInfos, AppendDebugPositions(nil, m.Code.Lines))
				debugOwners = append(debugOwners, ref)
			}
		}
	}
	mark(mapCodeItem, codeStart, codeCount)

	// Type lists.
	align4()
	typeListOffs := map[string]uint32{}
	tlStart, tlCount := off(), 0
	addTypeList := func(list []string) {
		if len(list) == 0 {
			return
		}
		key := strings.Join(list, ",")
		if _, ok := typeListOffs[key]; ok {
			return
		}
		align4()
		typeListOffs[key] = off()
		tlCount++
		data = le.AppendUint32(data, uint32(len(list)))
		for _, t := range list {
			data = le.AppendUint16(data, uint16(typeIdx[t]))
		}
	}
	for _, p := range protoList {
		addTypeList(p.params)
	}
	for _, c := range classes {
		addTypeList(c.Interfaces)
	}
	mark(mapTypeList, tlStart, tlCount)

	// String data.
	strOffs := make([]uint32, len(strList))
	sdStart := off()
	for i, s := range strList {
		strOffs[i] = off()
		data = appendMUTF8(data, s)
	}
	mark(mapStringData, sdStart, len(strList))

	// Debug info, patched into the code items.
	diStart := off()
	for i, di := range debugInfos {
		co := codeOffs[debugOwners[i]] - dataOff
		le.PutUint32(data[co+8:], off())
		data = append(data, di...)
	}
	mark(mapDebugInfo, diStart, len(debugInfos))

	// Class data.
	classDataOffs := make([]uint32, len(classes))
	cdStart, cdCount := off(), 0
	for i, c := range classes {
		if len(c.Fields) == 0 && len(c.Methods) == 0 {
			continue
		}
		classDataOffs[i] = off()
		cdCount++
		data = appendClassData(data, c, fieldIdx, methodIdx, codeOffs)
	}
	mark(mapClassData, cdStart, cdCount)

	// Header and id sections.
	out := make([]byte, dataOff, int(dataOff)+len(data)+256)
	version := b.Version
	if version == "" {
		version = "035"
	}
	copy(out, "dex\n"+version+"\x00")
	pos := uint32(HeaderSize)
	sections := []struct {
		typ   uint32
		count int
		size  uint32
	}{
		{mapStringID, len(strList), 4}, {mapTypeID, len(typeList), 4}, {mapProtoID, len(protoList), 12},
		{mapFieldID, len(fieldList), 8}, {mapMethodID, len(methodList), 8}, {mapClassDef, len(classes), 32},
	}
	secOff := make([]uint32, len(sections))
	for i, s := range sections {
		if s.count > 0 {
			secOff[i] = pos
		}
		pos += uint32(s.count) * s.size
	}
	p := secOff[0]
	for _, o := range strOffs {
		le.PutUint32(out[p:], o)
		p += 4
	}
	p = secOff[1]
	for _, t := range typeList {
		le.PutUint32(out[p:], strIdx[t])
		p += 4
	}
	p = secOff[2]
	for _, pr := range protoList {
		le.PutUint32(out[p:], strIdx[pr.shorty])
		le.PutUint32(out[p+4:], typeIdx[pr.ret])
		if len(pr.params) > 0 {
			le.PutUint32(out[p+8:], typeListOffs[strings.Join(pr.params, ",")])
		}
		p += 12
	}
	p = secOff[3]
	for _, f := range fieldList {
		le.PutUint16(out[p:], uint16(typeIdx[f.Class]))
		le.PutUint16(out[p+2:], uint16(typeIdx[f.Type]))
		le.PutUint32(out[p+4:], strIdx[f.Name])
		p += 8
	}
	p = secOff[4]
	for _, m := range methodList {
		le.PutUint16(out[p:], uint16(typeIdx[m.Class]))
		le.PutUint16(out[p+2:], uint16(protoIdx[protoKeyOf(m.Signature)]))
		le.PutUint32(out[p+4:], strIdx[m.Name])
		p += 8
	}
	p = secOff[5]
	for i, c := range classes {
		le.PutUint32(out[p:], typeIdx[c.Descriptor])
		le.PutUint32(out[p+4:], c.Flags)
		super := uint32(NoIndex)
		if c.Super != "" {
			super = typeIdx[c.Super]
		}
		le.PutUint32(out[p+8:], super)
		if len(c.Interfaces) > 0 {
			le.PutUint32(out[p+12:], typeListOffs[strings.Join(c.Interfaces, ",")])
		}
		source := uint32(NoIndex)
		if c.SourceFile != "" {
			source = strIdx[c.SourceFile]
		}
		le.PutUint32(out[p+16:], source)
		le.PutUint32(out[p+24:], classDataOffs[i])
		p += 32
	}

	// Map list closes the data section.
	align4()
	mapOff := off()
	all := []mapItem{{mapHeader, 1, 0}}
	for i, s := range sections {
		if s.count > 0 {
			all = append(all, mapItem{s.typ, uint32(s.count), secOff[i]})
		}
	}
	all = append(all, items...)
	all = append(all, mapItem{mapMapList, 1, mapOff})
	sort.SliceStable(all, func(i, j int) bool { return all[i].off < all[j].off })
	data = le.AppendUint32(data, uint32(len(all)))
	for _, it := range all {
		data = le.AppendUint16(data, uint16(it.typ))
		data = le.AppendUint16(data, 0)
		data = le.AppendUint32(data, it.count)
		data = le.AppendUint32(data, it.off)
	}

	out = append(out, data...)
	h := []uint32{
		uint32(len(out)), HeaderSize, endianConstant, 0, 0, mapOff,
		uint32(len(strList)), secOff[0], uint32(len(typeList)), secOff[1],
		uint32(len(protoList)), secOff[2], uint32(len(fieldList)), secOff[3],
		uint32(len(methodList)), secOff[4], uint32(len(classes)), secOff[5],
		uint32(len(data)), dataOff,
	}
	for i, v := range h {
		le.PutUint32(out[fileSizeOffset+4*i:], v)
	}
	sum := sha1.Sum(out[fileSizeOffset:])
	copy(out[signatureOffset:], sum[:])
	le.PutUint32(out[checksumOffset:], ComputeChecksum(out))
	return out, nil
}

// orderClasses returns the classes with every superclass and interface
// defined in the same file placed before its subclasses.
func (b *Builder) orderClasses() ([]*Class, error) {
	byName := map[string]*Class{}
	for _, c := range b.classes {
		byName[c.Descriptor] = c
	}
	state := map[string]int{}
	var out []*Class
	var visit func(c *Class) error
	visit = func(c *Class) error {
		switch state[c.Descriptor] {
		case 1:
			return errors.Errorf("class hierarchy cycle at %s", c.Descriptor)
		case 2:
			return nil
		}
		state[c.Descriptor] = 1
		deps := append([]string{c.Super}, c.Interfaces...)
		for _, d := range deps {
			if dc, ok := byName[d]; ok {
				if err := visit(dc); err != nil {
					return err
				}
			}
		}
		state[c.Descriptor] = 2
		out = append(out, c)
		return nil
	}
	for _, c := range b.classes {
		if err := visit(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeCode(m Method, c *Class, strIdx, typeIdx map[string]uint32,
	fieldIdx map[FieldRef]uint32, methodIdx map[MethodRef]uint32) ([]byte, error) {
	params, _, err := ParseSignature(m.Signature)
	if err != nil {
		return nil, err
	}
	ins := ArgumentRegisters(params)
	if m.Flags&AccStatic == 0 {
		ins++
	}
	code := m.Code
	regs := int(code.Registers)
	if regs == 0 {
		regs = ins
	}
	if regs < ins {
		return nil, errors.Errorf("registers %d < ins %d", regs, ins)
	}
	outs := int(code.Outs)
	var insns []uint16
	for _, in := range code.Insns {
		units := append([]uint16(nil), in.units...)
		switch {
		case in.str != "":
			units[1] = uint16(strIdx[in.str])
		case in.typ != "":
			units[1] = uint16(typeIdx[in.typ])
		case in.field != nil:
			units[1] = uint16(fieldIdx[*in.field])
		case in.meth != nil:
			units[1] = uint16(methodIdx[*in.meth])
			if n := int(units[0] >> 12); n > outs {
				outs = n
			}
		}
		insns = append(insns, units...)
	}

	le := binary.LittleEndian
	var out []byte
	out = le.AppendUint16(out, uint16(regs))
	out = le.AppendUint16(out, uint16(ins))
	out = le.AppendUint16(out, uint16(outs))
	out = le.AppendUint16(out, uint16(len(code.Tries)))
	out = le.AppendUint32(out, 0) // debug_info_off, patched later
	out = le.AppendUint32(out, uint32(len(insns)))
	for _, u := range insns {
		out = le.AppendUint16(out, u)
	}
	if len(code.Tries) == 0 {
		return out, nil
	}
	if len(insns)%2 != 0 {
		out = le.AppendUint16(out, 0)
	}
	var handlers []byte
	handlers = AppendUnsignedLeb128(handlers, uint32(len(code.Tries)))
	handlerOffs := make([]uint16, len(code.Tries))
	for i, t := range code.Tries {
		handlerOffs[i] = uint16(len(handlers))
		typed := 0
		var catchAll *Handler
		for j := range t.Handlers {
			if t.Handlers[j].Type == "" {
				catchAll = &t.Handlers[j]
			} else {
				typed++
			}
		}
		size := int32(typed)
		if catchAll != nil {
			size = -size
		}
		handlers = AppendSignedLeb128(handlers, size)
		for _, h := range t.Handlers {
			if h.Type == "" {
				continue
			}
			handlers = AppendUnsignedLeb128(handlers, typeIdx[h.Type])
			handlers = AppendUnsignedLeb128(handlers, h.Addr)
		}
		if catchAll != nil {
			handlers = AppendUnsignedLeb128(handlers, catchAll.Addr)
		}
	}
	for i, t := range code.Tries {
		out = le.AppendUint32(out, t.Start)
		out = le.AppendUint16(out, t.Count)
		out = le.AppendUint16(out, handlerOffs[i])
	}
	return append(out, handlers...), nil
}

func appendClassData(data []byte, c *Class, fieldIdx map[FieldRef]uint32,
	methodIdx map[MethodRef]uint32, codeOffs map[MethodRef]uint32) []byte {
	var static, instance []Field
	for _, f := range c.Fields {
		if f.Flags&AccStatic != 0 {
			static = append(static, f)
		} else {
			instance = append(instance, f)
		}
	}
	var direct, virtual []Method
	for _, m := range c.Methods {
		if m.Flags&(AccStatic|AccPrivate|AccConstructor) != 0 {
			direct = append(direct, m)
		} else {
			virtual = append(virtual, m)
		}
	}
	data = AppendUnsignedLeb128(data, uint32(len(static)))
	data = AppendUnsignedLeb128(data, uint32(len(instance)))
	data = AppendUnsignedLeb128(data, uint32(len(direct)))
	data = AppendUnsignedLeb128(data, uint32(len(virtual)))
	emitFields := func(fs []Field) {
		sort.Slice(fs, func(i, j int) bool {
			return fieldIdx[FieldRef{c.Descriptor, fs[i].Name, fs[i].Type}] < fieldIdx[FieldRef{c.Descriptor, fs[j].Name, fs[j].Type}]
		})
		prev := uint32(0)
		for _, f := range fs {
			idx := fieldIdx[FieldRef{c.Descriptor, f.Name, f.Type}]
			data = AppendUnsignedLeb128(data, idx-prev)
			data = AppendUnsignedLeb128(data, f.Flags)
			prev = idx
		}
	}
	ref := func(m Method) MethodRef { return MethodRef{c.Descriptor, m.Name, m.Signature} }
	emitMethods := func(ms []Method) {
		sort.Slice(ms, func(i, j int) bool { return methodIdx[ref(ms[i])] < methodIdx[ref(ms[j])] })
		prev := uint32(0)
		for _, m := range ms {
			idx := methodIdx[ref(m)]
			data = AppendUnsignedLeb128(data, idx-prev)
			data = AppendUnsignedLeb128(data, m.Flags)
			data = AppendUnsignedLeb128(data, codeOffs[ref(m)])
			prev = idx
		}
	}
	emitFields(static)
	emitFields(instance)
	emitMethods(direct)
	emitMethods(virtual)
	return data
}

// appendMUTF8 appends a string_data_item.
func appendMUTF8(dst []byte, s string) []byte {
	units := 0
	var body []byte
	for _, r := range s {
		switch {
		case r == 0:
			body = append(body, 0xc0, 0x80)
			units++
		case r < 0x80:
			body = append(body, byte(r))
			units++
		case r < 0x800:
			body = append(body, 0xc0|byte(r>>6), 0x80|byte(r&0x3f))
			units++
		case r < 0x10000:
			body = append(body, 0xe0|byte(r>>12), 0x80|byte(r>>6&0x3f), 0x80|byte(r&0x3f))
			units++
		default:
			// Supplementary characters are stored as surrogate pairs.
			r -= 0x10000
			for _, u := range []rune{0xd800 + r>>10, 0xdc00 + r&0x3ff} {
				body = append(body, 0xe0|byte(u>>12), 0x80|byte(u>>6&0x3f), 0x80|byte(u&0x3f))
			}
			units += 2
		}
	}
	dst = AppendUnsignedLeb128(dst, uint32(units))
	dst = append(dst, body...)
	return append(dst, 0)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func indexOf(list []string) map[string]uint32 {
	m := make(map[string]uint32, len(list))
	for i, s := range list {
		m[s] = uint32(i)
	}
	return m
}
