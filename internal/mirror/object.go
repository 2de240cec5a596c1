// Package mirror models managed objects laid out in simulated heap memory.
// Objects are addressed by 32-bit references; every object starts with its
// class reference and a lock word.
package mirror

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/you-not-fish/dex2oat/internal/rtabi"
)

// Ref is the address of a managed object. Zero is null.
type Ref uint32

func (r Ref) String() string { return fmt.Sprintf("%#08x", uint32(r)) }

// Memory is the address space objects live in.
type Memory interface {
	// Slice returns the n bytes at addr. Unmapped addresses are fatal.
	Slice(addr Ref, n uint32) []byte
	// WriteBarrier records that a reference was stored into obj.
	WriteBarrier(obj Ref)
}

var le = binary.LittleEndian

// Load32 reads the 32-bit word at addr.
func Load32(m Memory, addr Ref) uint32 { return le.Uint32(m.Slice(addr, 4)) }

// Store32 writes the 32-bit word at addr.
func Store32(m Memory, addr Ref, v uint32) { le.PutUint32(m.Slice(addr, 4), v) }

// Load64 reads the 64-bit word at addr.
func Load64(m Memory, addr Ref) uint64 { return le.Uint64(m.Slice(addr, 8)) }

// Store64 writes the 64-bit word at addr.
func Store64(m Memory, addr Ref, v uint64) { le.PutUint64(m.Slice(addr, 8), v) }

// ClassOf returns obj's class.
func ClassOf(m Memory, obj Ref) Ref { return Ref(Load32(m, obj+rtabi.ObjectClassOffset)) }

// SetClass installs obj's class. The class of a new object is not a
// cross-space reference the collectors track through cards.
func SetClass(m Memory, obj, klass Ref) { Store32(m, obj+rtabi.ObjectClassOffset, uint32(klass)) }

// FieldRef reads the reference field at offset.
func FieldRef(m Memory, obj Ref, offset uint32) Ref { return Ref(Load32(m, obj+Ref(offset))) }

// SetFieldRef stores a reference and runs the write barrier.
func SetFieldRef(m Memory, obj Ref, offset uint32, v Ref) {
	Store32(m, obj+Ref(offset), uint32(v))
	if v != 0 {
		m.WriteBarrier(obj)
	}
}

// SetFieldRefNoBarrier stores a reference without marking the card. Only
// collectors and the image writer use it.
func SetFieldRefNoBarrier(m Memory, obj Ref, offset uint32, v Ref) {
	Store32(m, obj+Ref(offset), uint32(v))
}

// Field32 reads a 32-bit primitive field.
func Field32(m Memory, obj Ref, offset uint32) uint32 { return Load32(m, obj+Ref(offset)) }

// SetField32 writes a 32-bit primitive field.
func SetField32(m Memory, obj Ref, offset uint32, v uint32) { Store32(m, obj+Ref(offset), v) }

// LockWord returns obj's lock word.
func LockWord(m Memory, obj Ref) uint32 { return Load32(m, obj+rtabi.ObjectMonitorOffset) }

// SetLockWord replaces obj's lock word.
func SetLockWord(m Memory, obj Ref, lw uint32) { Store32(m, obj+rtabi.ObjectMonitorOffset, lw) }

func lockWordState(lw uint32) uint32 { return lw >> rtabi.LockWordStateShift & rtabi.LockWordStateMask }

// IsForwarded reports whether a copying collector left a forwarding address
// in obj's lock word.
func IsForwarded(m Memory, obj Ref) bool {
	return lockWordState(LockWord(m, obj)) == rtabi.LockWordStateForwarding
}

// ForwardingAddress returns the address obj was copied to.
func ForwardingAddress(m Memory, obj Ref) Ref {
	lw := LockWord(m, obj)
	return Ref(lw&^(rtabi.LockWordStateMask<<rtabi.LockWordStateShift)) << rtabi.ObjectAlignmentShift
}

// SetForwardingAddress overwrites obj's lock word with a forwarding address.
// The caller keeps the original lock word if it must be restored.
func SetForwardingAddress(m Memory, obj, to Ref) {
	SetLockWord(m, obj, rtabi.LockWordStateForwarding<<rtabi.LockWordStateShift|uint32(to)>>rtabi.ObjectAlignmentShift)
}

// hashSeed drives identity hash generation.
var hashSeed atomic.Uint32

func init() { hashSeed.Store(987654321) }

// DeterministicHashSeed is the identity hash seed of deterministic mode.
const DeterministicHashSeed = 0x5eed

// SetHashCodeSeed reseeds identity hash generation. The deterministic mode
// sets a fixed seed before any object is hashed.
func SetHashCodeSeed(seed uint32) { hashSeed.Store(seed) }

func generateIdentityHashCode() uint32 {
	for {
		old := hashSeed.Load()
		next := old*1103515245 + 12345
		if !hashSeed.CompareAndSwap(old, next) {
			continue
		}
		if h := next & rtabi.LockWordHashMask; h != 0 {
			return h
		}
	}
}

// IdentityHashCode returns obj's identity hash, installing one in the lock
// word on first use. Locked objects keep their hash outside the lock word
// in the real runtime; here locks are never held across hashing.
func IdentityHashCode(m Memory, obj Ref) uint32 {
	lw := LockWord(m, obj)
	if lockWordState(lw) == rtabi.LockWordStateHash {
		return lw & rtabi.LockWordHashMask
	}
	h := generateIdentityHashCode()
	SetLockWord(m, obj, rtabi.LockWordStateHash<<rtabi.LockWordStateShift|h)
	return h
}

// HasIdentityHash reports whether obj has been hashed.
func HasIdentityHash(m Memory, obj Ref) bool {
	return lockWordState(LockWord(m, obj)) == rtabi.LockWordStateHash
}
