// Package oat writes and reads oat files: an oat header with a key-value
// store, copies of the input dex files, per-class method tables and the
// compiled code, wrapped in ELF.
package oat

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/isa"
	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// HeaderSize is the size of the fixed part of the header. The key-value
// store follows it.
const HeaderSize = 72

var le = binary.LittleEndian

// Trampoline names one of the runtime bridges whose offset the header
// records. The order is the order of the offsets in the header and matches
// the runtime entrypoint each one jumps to.
type Trampoline int

const (
	InterpreterToInterpreterBridge Trampoline = iota
	InterpreterToCompiledCodeBridge
	JniDlsymLookup
	QuickGenericJniTrampoline
	QuickImtConflictTrampoline
	QuickResolutionTrampoline
	QuickToInterpreterBridge

	NumTrampolines
)

var trampolineNames = [...]string{
	InterpreterToInterpreterBridge:  "interpreter_to_interpreter_bridge",
	InterpreterToCompiledCodeBridge: "interpreter_to_compiled_code_bridge",
	JniDlsymLookup:                  "jni_dlsym_lookup",
	QuickGenericJniTrampoline:       "quick_generic_jni_trampoline",
	QuickImtConflictTrampoline:      "quick_imt_conflict_trampoline",
	QuickResolutionTrampoline:       "quick_resolution_trampoline",
	QuickToInterpreterBridge:        "quick_to_interpreter_bridge",
}

func (t Trampoline) String() string { return trampolineNames[t] }

// Entrypoint returns the runtime entrypoint the trampoline jumps to.
func (t Trampoline) Entrypoint() rtabi.Entrypoint { return rtabi.Entrypoint(t) }

var (
	ErrBadMagic   = errors.New("oat: bad magic")
	ErrBadVersion = errors.New("oat: unsupported version")
)

// Header is the oat header at the start of the oat data.
type Header struct {
	InstructionSet   isa.InstructionSet
	Features         isa.Features
	Checksum         uint32
	DexFileCount     uint32
	ExecutableOffset uint32
	// Trampolines holds entry offsets relative to the oat data, zero for
	// files without trampolines.
	Trampolines [NumTrampolines]uint32

	ImagePatchDelta               int32
	ImageFileLocationOatChecksum  uint32
	ImageFileLocationOatDataBegin uint32

	KeyValueStore map[string]string
}

// Get returns the value stored under key.
func (h *Header) Get(key string) (string, bool) {
	v, ok := h.KeyValueStore[key]
	return v, ok
}

func (h *Header) boolValue(key string) bool {
	v, _ := h.Get(key)
	return v == rtabi.ValueTrue
}

func (h *Header) IsPic() bool              { return h.boolValue(rtabi.KeyPic) }
func (h *Header) IsDebuggable() bool       { return h.boolValue(rtabi.KeyDebuggable) }
func (h *Header) IsNativeDebuggable() bool { return h.boolValue(rtabi.KeyNativeDebuggable) }
func (h *Header) HasPatchInfo() bool       { return h.boolValue(rtabi.KeyHasPatchInfo) }

// CompilerFilter returns the name of the filter the file was compiled with.
func (h *Header) CompilerFilter() string {
	v, _ := h.Get(rtabi.KeyCompilerFilter)
	return v
}

// BootClassPath returns the boot class path recorded by multi-image boot
// compilations.
func (h *Header) BootClassPath() []string {
	v, ok := h.Get(rtabi.KeyBootClassPath)
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ":")
}

// keyValueStore encodes the store as key\0value\0 pairs sorted by key.
func (h *Header) keyValueStore() []byte {
	keys := make([]string, 0, len(h.KeyValueStore))
	for k := range h.KeyValueStore {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b []byte
	for _, k := range keys {
		b = append(append(b, k...), 0)
		b = append(append(b, h.KeyValueStore[k]...), 0)
	}
	return b
}

// Size returns the encoded size of the header.
func (h *Header) Size() int { return HeaderSize + len(h.keyValueStore()) }

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	kv := h.keyValueStore()
	b := make([]byte, 0, HeaderSize+len(kv))
	b = append(b, rtabi.OatMagic[:]...)
	b = append(b, rtabi.OatVersion[:]...)
	for _, v := range []uint32{
		h.Checksum, uint32(h.InstructionSet), uint32(h.Features), h.DexFileCount, h.ExecutableOffset,
	} {
		b = le.AppendUint32(b, v)
	}
	for _, off := range h.Trampolines {
		b = le.AppendUint32(b, off)
	}
	b = le.AppendUint32(b, uint32(h.ImagePatchDelta))
	b = le.AppendUint32(b, h.ImageFileLocationOatChecksum)
	b = le.AppendUint32(b, h.ImageFileLocationOatDataBegin)
	b = le.AppendUint32(b, uint32(len(kv)))
	return append(b, kv...), nil
}

// ParseHeader decodes the header at the start of data.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, errors.Errorf("oat: header truncated at %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], rtabi.OatMagic[:]) {
		return nil, errors.Wrapf(ErrBadMagic, "%q", data[:4])
	}
	if !bytes.Equal(data[4:8], rtabi.OatVersion[:]) {
		return nil, errors.Wrapf(ErrBadVersion, "%q", data[4:8])
	}
	words := func(i int) uint32 { return le.Uint32(data[8+4*i:]) }
	h := &Header{
		Checksum:         words(0),
		InstructionSet:   isa.InstructionSet(words(1)),
		Features:         isa.Features(words(2)),
		DexFileCount:     words(3),
		ExecutableOffset: words(4),
		KeyValueStore:    map[string]string{},
	}
	for i := range h.Trampolines {
		h.Trampolines[i] = words(5 + i)
	}
	n := 5 + int(NumTrampolines)
	h.ImagePatchDelta = int32(words(n))
	h.ImageFileLocationOatChecksum = words(n + 1)
	h.ImageFileLocationOatDataBegin = words(n + 2)
	size := words(n + 3)
	if uint64(HeaderSize)+uint64(size) > uint64(len(data)) {
		return nil, errors.Errorf("oat: key-value store of %d bytes overruns data", size)
	}
	kv := data[HeaderSize : HeaderSize+int(size)]
	for len(kv) != 0 {
		k := bytes.IndexByte(kv, 0)
		if k < 0 {
			return nil, errors.New("oat: unterminated key in key-value store")
		}
		v := bytes.IndexByte(kv[k+1:], 0)
		if v < 0 {
			return nil, errors.Errorf("oat: unterminated value for key %q", kv[:k])
		}
		h.KeyValueStore[string(kv[:k])] = string(kv[k+1 : k+1+v])
		kv = kv[k+1+v+1:]
	}
	return h, nil
}
