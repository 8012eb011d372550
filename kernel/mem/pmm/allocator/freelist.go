package allocator

import (
	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/mem"
	"github.com/ferrodyne-os/nucleus/kernel/mem/pmm"
	"github.com/ferrodyne-os/nucleus/kernel/sync"
)

var (
	// FreeListAllocator is the general-purpose frame allocator used once the
	// kernel has finished bootstrapping via EarlyAllocator. Unlike
	// BootMemAllocator it supports freeing frames.
	FreeListAllocator FreeListFrameAllocator

	errFreeListOutOfMemory  = &kernel.Error{Module: "freelist_alloc", Message: "out of memory"}
	errFreeListDoubleFree   = &kernel.Error{Module: "freelist_alloc", Message: "frame is already free"}
	errFreeListInvalidFrame = &kernel.Error{Module: "freelist_alloc", Message: "frame is out of range"}
)

// freeNode is overlaid directly on top of a free physical frame through the
// active PhysMemView; a free frame's only payload is the index of the next
// free frame in the list, so no separate bookkeeping array is required.
type freeNode struct {
	next int64
}

func (a *FreeListFrameAllocator) nodeAt(f int64) *freeNode {
	return (*freeNode)(a.view.Overlay(pmm.Frame(f)))
}

// FreeListFrameAllocator is a Stage-2 physical frame allocator that services
// allocate/free requests with a singly linked free list threaded through the
// free frames themselves. Only PageOrder(0) allocations are supported; the
// kernel never requests higher-order physical allocations.
//
// Seed populates the list from every frame not excluded by the reserved
// predicate, so frames allocated before Seed ran (by BootMemAllocator) stay
// reserved as long as the predicate reports them as such.
type FreeListFrameAllocator struct {
	lock sync.Spinlock

	view      pmm.PhysMemView
	headFrame int64
	frameMax  int64
}

// Seed initializes the free list so that it spans frames [0, frameCount),
// excluding any frame for which reserved returns true. view must point at
// the kernel's physical memory linear mapping.
func (a *FreeListFrameAllocator) Seed(view pmm.PhysMemView, frameCount int64, reserved func(frame int64) bool) {
	a.view = view
	a.frameMax = frameCount
	a.headFrame = -1

	// Walk frames from highest to lowest so the resulting list hands out
	// low-numbered frames first, matching BootMemAllocator's ascending
	// allocation order.
	for f := frameCount - 1; f >= 0; f-- {
		if reserved != nil && reserved(f) {
			continue
		}
		a.pushLocked(f)
	}
}

// pushLocked links frame f onto the head of the free list. Caller must hold
// a.lock.
func (a *FreeListFrameAllocator) pushLocked(f int64) {
	a.nodeAt(f).next = a.headFrame
	a.headFrame = f
}

// Allocate removes and returns a frame from the free list.
func (a *FreeListFrameAllocator) Allocate(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	if order > 0 {
		return pmm.InvalidFrame, errBootAllocUnsupportedPageSize
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if a.headFrame < 0 {
		return pmm.InvalidFrame, errFreeListOutOfMemory
	}

	f := a.headFrame
	a.headFrame = a.nodeAt(f).next

	return pmm.Frame(f), nil
}

// Free returns frame to the allocator so it can be reused by a later
// Allocate call. Freeing an already-free frame is detected and reported
// rather than silently corrupting the list.
func (a *FreeListFrameAllocator) Free(frame pmm.Frame) *kernel.Error {
	f := int64(frame)
	if f < 0 || f >= a.frameMax {
		return errFreeListInvalidFrame
	}

	a.lock.Acquire()
	defer a.lock.Release()

	for n := a.headFrame; n >= 0; n = a.nodeAt(n).next {
		if n == f {
			return errFreeListDoubleFree
		}
	}

	a.pushLocked(f)
	return nil
}
