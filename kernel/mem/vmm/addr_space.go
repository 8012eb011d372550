package vmm

import (
	"unsafe"

	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/mem"
	"github.com/ferrodyne-os/nucleus/kernel/mem/pmm"
)

// userEntries is the number of PML4 slots reserved for the user range
// (indices 0-255); the remaining half is the shared higher-half kernel
// mapping (indices 256-511).
const userEntries = 256

var (
	errAddrSpaceOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory while building address space"}

	// physViewFn lets tests substitute a fake PhysMemView without
	// establishing a real linear map.
	physViewFn = pmm.ActivePhysMemView
)

// FrameFreeFn returns a frame previously obtained from a FrameAllocatorFn
// back to the allocator that produced it.
type FrameFreeFn func(pmm.Frame)

// AddressSpace owns a process's top-level page table together with every
// intermediate table and user page reachable from it. Unlike
// PageDirectoryTable, which manipulates the currently active or temporarily
// mapped table via the recursive self-mapping trick, AddressSpace reaches
// foreign (usually inactive) tables exclusively through the kernel's linear
// physical memory view, exactly as a process's address space is built and
// torn down before or after it is ever made the active CR3.
type AddressSpace struct {
	pdtFrame pmm.Frame
}

// entryAt returns a pointer to PML4/PDPT/PD/PT entry index within the table
// backed by tableFrame, accessed through the linear physical map.
func entryAt(view pmm.PhysMemView, tableFrame pmm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(view.EntryPointer(tableFrame, index<<mem.PointerShift)))
}

// NewAddressSpace allocates a fresh top-level table and copies the kernel
// half of the kernel's own table (kernel.KernelPDTPhysAddr, recorded once at
// boot) into it verbatim (same intermediate frames, same flags), so every
// process can address kernel code and data without the kernel mutating
// per-process state after boot. The kernel table is read from this fixed
// address rather than from whatever CR3 happens to hold, since the caller
// need not be running on the kernel's own address space.
func NewAddressSpace(alloc FrameAllocatorFn) (*AddressSpace, *kernel.Error) {
	pdtFrame, err := alloc()
	if err != nil {
		return nil, err
	}

	view := physViewFn()
	view.Zero(pdtFrame)

	activeFrame := pmm.Frame(kernel.KernelPDTPhysAddr >> mem.PageShift)
	for i := uintptr(userEntries); i < 512; i++ {
		*entryAt(view, pdtFrame, i) = *entryAt(view, activeFrame, i)
	}

	return &AddressSpace{pdtFrame: pdtFrame}, nil
}

// PDTFrame returns the physical frame backing this address space's
// top-level page table, for installing into CR3 on a context switch.
func (as *AddressSpace) PDTFrame() pmm.Frame {
	return as.pdtFrame
}

// MapPage maps a single virtual page to frame within this address space,
// allocating and zeroing any missing intermediate table along the way.
// Every intermediate table on the path to a user-range page is marked
// Present|Writable|UserAccessible regardless of the leaf's own flags, per
// the invariant that user-range lookups never fail a permission check on an
// intermediate level.
func (as *AddressSpace) MapPage(page Page, frame pmm.Frame, flags PageTableEntryFlag, alloc FrameAllocatorFn) *kernel.Error {
	view := physViewFn()
	virtAddr := page.Address()

	tableFrame := as.pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := entryAt(view, tableFrame, index)

		if level == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			return nil
		}

		if pte.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		if !pte.HasFlags(FlagPresent) {
			childFrame, err := alloc()
			if err != nil {
				return err
			}
			view.Zero(childFrame)

			*pte = 0
			pte.SetFrame(childFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		tableFrame = pte.Frame()
	}

	return nil
}

// MapUser installs mappings covering [virtAddr, virtAddr+size) rounded out
// to page boundaries, mapping page i of the range to physFrame+i: the
// caller supplies a contiguous physical range (as the ELF loader's user
// stack mapping does) rather than asking MapUser to allocate per page.
func (as *AddressSpace) MapUser(virtAddr uintptr, physFrame pmm.Frame, size mem.Size, flags PageTableEntryFlag, alloc FrameAllocatorFn) *kernel.Error {
	pageCount := size.Pages()
	startPage := PageFromAddress(virtAddr)

	for i := uint32(0); i < pageCount; i++ {
		if err := as.MapPage(startPage+Page(i), physFrame+pmm.Frame(i), flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// Translate returns the physical frame backing virtAddr within this address
// space, or ErrInvalidMapping if no mapping exists at any level. Unlike the
// package-level Translate, which walks the currently active table through
// the recursive self-map, this walks an arbitrary (possibly inactive)
// address space through the linear physical view, the same way MapPage does.
func (as *AddressSpace) Translate(virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	view := physViewFn()
	tableFrame := as.pdtFrame

	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := entryAt(view, tableFrame, index)
		if !pte.HasFlags(FlagPresent) {
			return pmm.InvalidFrame, ErrInvalidMapping
		}
		if level == pageLevels-1 {
			return pte.Frame(), nil
		}
		tableFrame = pte.Frame()
	}

	return pmm.InvalidFrame, ErrInvalidMapping
}

// Destroy walks every user-range entry (PML4 indices below userEntries),
// returning each backing frame and each intermediate table frame to free,
// then returns the top-level frame itself. Kernel-half entries are never
// followed; they belong to the kernel, not to this address space.
func (as *AddressSpace) Destroy(free FrameFreeFn) {
	view := physViewFn()
	freeUserSubtree(view, as.pdtFrame, 0, 0, userEntries, free)
	free(as.pdtFrame)
}

// freeUserSubtree recursively frees every present entry in
// [startIdx, endIdx) of the table backed by tableFrame. Intermediate levels
// recurse over the full 512-entry range of each child table; only the
// top-most call is restricted to the user half.
func freeUserSubtree(view pmm.PhysMemView, tableFrame pmm.Frame, level uint8, startIdx, endIdx uintptr, free FrameFreeFn) {
	for i := startIdx; i < endIdx; i++ {
		pte := entryAt(view, tableFrame, i)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		childFrame := pte.Frame()
		if level < pageLevels-1 {
			freeUserSubtree(view, childFrame, level+1, 0, 512, free)
		}
		free(childFrame)
	}
}
