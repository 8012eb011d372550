package allocator

import (
	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/hal/multiboot"
	"github.com/ferrodyne-os/nucleus/kernel/mem"
	"github.com/ferrodyne-os/nucleus/kernel/mem/pmm"
)

var (
	// ready is set once Init has seeded FreeListAllocator. Before that
	// point AllocFrame falls back to the bootstrap-only EarlyAllocator,
	// which every call made while setting up the linear physical memory
	// map and the free list itself must use.
	ready bool

	errAllocKernelRangeInvalid = &kernel.Error{Module: "pmm_alloc", Message: "kernel start/end frame range is invalid"}
)

// Init bootstraps physical memory management. kernelStart and kernelEnd
// delimit the physical range occupied by the loaded kernel image (including
// the frames EarlyAllocator itself already handed out for boot-time
// bookkeeping); physMemViewOffset is the virtual base of the boot
// environment's linear mapping of all physical memory.
//
// After Init returns, AllocFrame and FreeFrame dispatch to
// FreeListAllocator; no caller needs to know that EarlyAllocator was
// ever involved.
func Init(kernelStart, kernelEnd, physMemViewOffset uintptr) *kernel.Error {
	if kernelEnd <= kernelStart {
		return errAllocKernelRangeInvalid
	}

	EarlyAllocator.Init()
	pmm.SetPhysMemViewOffset(physMemViewOffset)

	kernelStartFrame := int64(kernelStart >> mem.PageShift)
	kernelEndFrame := int64((kernelEnd + mem.PageSize - 1) >> mem.PageShift)

	var highestAvailableFrame int64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		end := int64((region.PhysAddress + region.Length) >> mem.PageShift)
		if end > highestAvailableFrame {
			highestAvailableFrame = end
		}
		return true
	})

	available := func(frame int64) bool {
		var found bool
		multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
			start := int64(region.PhysAddress >> mem.PageShift)
			end := int64((region.PhysAddress + region.Length) >> mem.PageShift)
			if region.Type == multiboot.MemAvailable && frame >= start && frame < end {
				found = true
				return false
			}
			return true
		})
		return found
	}

	reserved := func(frame int64) bool {
		if frame >= kernelStartFrame && frame < kernelEndFrame {
			return true
		}
		return !available(frame)
	}

	FreeListAllocator.Seed(pmm.ActivePhysMemView(), highestAvailableFrame, reserved)
	ready = true

	return nil
}

// AllocFrame reserves a single physical frame. Before Init has seeded
// FreeListAllocator it is serviced by EarlyAllocator; afterwards, by
// FreeListAllocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	if !ready {
		return EarlyAllocator.AllocFrame(0)
	}
	return FreeListAllocator.Allocate(0)
}

// FreeFrame returns a frame obtained from AllocFrame back to the allocator.
// Calling it before Init has completed is a programming error, since
// EarlyAllocator does not support freeing.
func FreeFrame(frame pmm.Frame) *kernel.Error {
	return FreeListAllocator.Free(frame)
}
