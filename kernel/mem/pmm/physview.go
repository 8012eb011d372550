package pmm

import (
	"unsafe"

	"github.com/ferrodyne-os/nucleus/kernel/mem"
)

// PhysMemView is a typed handle over the linear mapping of all physical
// memory that the boot environment establishes at a fixed higher-half
// offset. It is the only sanctioned way for the kernel to read or mutate a
// physical frame that does not belong to the currently active address
// space — in particular, every other process's page tables and user pages.
//
// A PhysMemView value is safe to copy; it carries nothing but the base
// offset. Callers are responsible for not touching it from two interrupt
// contexts at once with conflicting writes, same as any other kernel data
// structure accessed with interrupts enabled.
type PhysMemView struct {
	offset uintptr
}

var active PhysMemView

// SetPhysMemViewOffset records the linear physical-memory-map base supplied
// by the boot environment. It must be called exactly once, before the first
// call to ActivePhysMemView.
func SetPhysMemViewOffset(offset uintptr) {
	active.offset = offset
}

// ActivePhysMemView returns the process-wide PhysMemView singleton.
func ActivePhysMemView() PhysMemView {
	return active
}

// Bytes returns a byte slice of length size backed by the physical memory
// starting at frame's address, accessed through the linear map. The
// returned slice aliases physical memory directly; writes are immediately
// visible to anything else that maps the same frame.
func (v PhysMemView) Bytes(frame Frame, size mem.Size) []byte {
	ptr := unsafe.Pointer(v.offset + frame.Address())
	return unsafe.Slice((*byte)(ptr), int(size))
}

// Zero clears the entire contents of frame through the physical view.
func (v PhysMemView) Zero(frame Frame) {
	b := v.Bytes(frame, mem.PageSize)
	for i := range b {
		b[i] = 0
	}
}

// EntryPointer returns a pointer to the 8-byte page-table entry at byte
// offset entryOffset within the table backed by frame. entryOffset must be
// a multiple of 8 and less than mem.PageSize.
func (v PhysMemView) EntryPointer(frame Frame, entryOffset uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(v.offset + frame.Address() + entryOffset))
}

// Overlay returns an unsafe.Pointer to the start of frame through the linear
// map, for overlaying a fixed-layout struct (such as a free-list node)
// directly on top of the frame's contents.
func (v PhysMemView) Overlay(frame Frame) unsafe.Pointer {
	return unsafe.Pointer(v.offset + frame.Address())
}
