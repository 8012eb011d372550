package vmm

import (
	"unsafe"

	"github.com/ferrodyne-os/nucleus/kernel/mem"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. Tests
	// override it so walk() can be exercised against a fake page table
	// without dereferencing real MMU-mapped addresses. Inlined away when
	// compiling the kernel.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker receives the page level and entry visited at each step of
// a page table walk. Returning false aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr against the currently active
// page tables, invoking walkFn once per level via the recursive self-mapping
// installed in the last PDT entry.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                               bool
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}
