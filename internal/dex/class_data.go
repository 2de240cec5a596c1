package dex

// EncodedField is one field of a class_data_item.
type EncodedField struct {
	FieldIdx    uint32
	AccessFlags uint32
}

// EncodedMethod is one method of a class_data_item.
type EncodedMethod struct {
	MethodIdx   uint32
	AccessFlags uint32
	CodeOff     uint32
}

// ClassData is a decoded class_data_item.
type ClassData struct {
	StaticFields   []EncodedField
	InstanceFields []EncodedField
	DirectMethods  []EncodedMethod
	VirtualMethods []EncodedMethod
}

// NumMethods returns the number of direct and virtual methods.
func (cd *ClassData) NumMethods() int {
	return len(cd.DirectMethods) + len(cd.VirtualMethods)
}

// ClassData decodes the class data of def. A class without data (a marker
// interface, for example) yields an empty ClassData.
func (f *File) ClassData(def *ClassDef) (*ClassData, error) {
	out := &ClassData{}
	if def.ClassDataOff == 0 {
		return out, nil
	}
	pos := int(def.ClassDataOff)
	var sizes [4]uint32
	var err error
	for i := range sizes {
		sizes[i], pos, err = DecodeUnsignedLeb128(f.Data, pos)
		if err != nil {
			return nil, formatErrorf(f.Location, int(def.ClassIdx), "class data header: %v", err)
		}
	}
	readFields := func(n uint32) ([]EncodedField, error) {
		fields := make([]EncodedField, 0, n)
		var idx uint32
		for i := uint32(0); i < n; i++ {
			var diff, flags uint32
			if diff, pos, err = DecodeUnsignedLeb128(f.Data, pos); err != nil {
				return nil, err
			}
			if flags, pos, err = DecodeUnsignedLeb128(f.Data, pos); err != nil {
				return nil, err
			}
			idx += diff
			if idx >= uint32(len(f.fieldIDs)) {
				return nil, formatErrorf(f.Location, int(idx), "field index out of range")
			}
			fields = append(fields, EncodedField{FieldIdx: idx, AccessFlags: flags})
		}
		return fields, nil
	}
	readMethods := func(n uint32) ([]EncodedMethod, error) {
		methods := make([]EncodedMethod, 0, n)
		var idx uint32
		for i := uint32(0); i < n; i++ {
			var diff, flags, code uint32
			if diff, pos, err = DecodeUnsignedLeb128(f.Data, pos); err != nil {
				return nil, err
			}
			if flags, pos, err = DecodeUnsignedLeb128(f.Data, pos); err != nil {
				return nil, err
			}
			if code, pos, err = DecodeUnsignedLeb128(f.Data, pos); err != nil {
				return nil, err
			}
			if i > 0 && diff == 0 {
				return nil, formatErrorf(f.Location, int(idx), "duplicated method index")
			}
			idx += diff
			if idx >= uint32(len(f.methodIDs)) {
				return nil, formatErrorf(f.Location, int(idx), "method index out of range")
			}
			methods = append(methods, EncodedMethod{MethodIdx: idx, AccessFlags: flags, CodeOff: code})
		}
		return methods, nil
	}
	if out.StaticFields, err = readFields(sizes[0]); err != nil {
		return nil, err
	}
	if out.InstanceFields, err = readFields(sizes[1]); err != nil {
		return nil, err
	}
	if out.DirectMethods, err = readMethods(sizes[2]); err != nil {
		return nil, err
	}
	if out.VirtualMethods, err = readMethods(sizes[3]); err != nil {
		return nil, err
	}
	return out, nil
}
