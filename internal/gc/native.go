package gc

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/you-not-fish/dex2oat/internal/gc/gccause"
)

// RegisterNativeAllocation records bytes of native memory kept alive by
// managed objects. Crossing the watermark schedules a collection; crossing
// the limit collects and finalizes synchronously and fails if that did not
// bring the native footprint back under it.
func (h *Heap) RegisterNativeAllocation(self Thread, bytes uint64) error {
	n := h.nativeBytes.Add(bytes)
	if n <= h.nativeWatermark.Load() {
		return nil
	}
	gcType := h.nonStickyGcType()
	if n > h.nativeLimit.Load() {
		if h.WaitForGcToComplete(gccause.ForNativeAlloc, self) != gccause.GcTypeNone {
			h.RunFinalization()
		}
		if h.nativeBytes.Load() > h.nativeLimit.Load() {
			h.CollectGarbageInternal(self, gcType, gccause.ForNativeAlloc, false)
			h.RunFinalization()
		}
		over := h.nativeBytes.Load() > h.nativeLimit.Load()
		h.UpdateMaxNativeFootprint()
		if over {
			msg := fmt.Sprintf("native allocation of %d bytes exceeds the native footprint limit (%d registered)",
				bytes, h.nativeBytes.Load())
			if self != nil {
				self.ThrowOutOfMemoryError(msg)
			}
			return errors.Wrap(ErrOutOfMemory, msg)
		}
		return nil
	}
	if h.IsGCRequestPending() {
		return nil
	}
	if h.IsGcConcurrent() {
		h.RequestConcurrentGC(self, gccause.ForNativeAlloc, true)
	} else {
		h.CollectGarbageInternal(self, gcType, gccause.ForNativeAlloc, false)
	}
	return nil
}

// RegisterNativeFree forgets bytes of native memory. Freeing more than is
// registered clamps the count at zero.
func (h *Heap) RegisterNativeFree(bytes uint64) {
	for {
		cur := h.nativeBytes.Load()
		next := uint64(0)
		if cur >= bytes {
			next = cur - bytes
		} else {
			h.log.Warnw("attempted to free more native bytes than allocated", "freed", bytes, "allocated", cur)
		}
		if h.nativeBytes.CompareAndSwap(cur, next) {
			return
		}
	}
}

// NativeBytes returns the registered native bytes.
func (h *Heap) NativeBytes() uint64 { return h.nativeBytes.Load() }

// NativeWatermark returns the native footprint above which a collection
// is scheduled.
func (h *Heap) NativeWatermark() uint64 { return h.nativeWatermark.Load() }

// NativeLimit returns the native footprint above which a registration
// collects synchronously.
func (h *Heap) NativeLimit() uint64 { return h.nativeLimit.Load() }

// UpdateMaxNativeFootprint recomputes the native watermark and limit from
// the registered bytes, the same way the managed target footprint is
// derived from the live bytes.
func (h *Heap) UpdateMaxNativeFootprint() {
	native := h.nativeBytes.Load()
	target := uint64(float64(native) / h.targetUtilization)
	target = min(target, native+h.maxFree)
	target = max(target, native+h.minFree)
	h.nativeWatermark.Store(target)
	h.nativeLimit.Store(2*target - native)
}

// RunFinalization runs the pending finalizers through the installed
// runner. Without one the cleared references are dropped.
func (h *Heap) RunFinalization() {
	if h.finalizerRunner != nil {
		h.finalizerRunner()
		return
	}
	h.TakeClearedReferences()
}
