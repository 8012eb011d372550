package vmm

import "math"

const (
	// pageLevels indicates the number of page table levels supported by
	// the amd64 architecture (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address encoded in bits
	// 12-51 of a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings, e.g. when bootstrapping an inactive PDT.
	// For amd64 this virtual address resolves to table indices 510, 511,
	// 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed in the last
	// entry of every page directory table to let the MMU address the
	// currently active PDT as if it were ordinary memory.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of virtual address bits consumed by
	// each page table level.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the bit shift required to extract each page
	// table level's index out of a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is modified.
	FlagDirty

	// FlagHugePage marks a 2Mb page instead of a 4K page.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing this entry across CR3
	// reloads.
	FlagGlobal

	// FlagCopyOnWrite marks a page whose backing frame must be duplicated
	// on the next write fault. Used only by the kernel heap bootstrap
	// (goruntime); user address spaces never set it, since user demand
	// paging and copy-on-write are out of scope.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as non-executable.
	FlagNoExecute = 1 << 63
)
