package kernel

// Error describes a kernel kerror. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// KernelPDTPhysAddr holds the physical address of the kernel's top-level
// page table. It is recorded once at boot by SetKernelPDT and never mutated
// afterwards. proc.Schedule switches CR3 to it before tearing down a
// terminated process and when it dispatches a kernel process or finds
// nothing Ready; vmm.NewAddressSpace copies the kernel half of every new
// table from it. The irq dispatch path does not read it.
var KernelPDTPhysAddr uintptr

// SetKernelPDT records the physical address of the kernel's top-level page
// table. It must be called exactly once, early in the boot sequence, before
// any address space is created.
func SetKernelPDT(physAddr uintptr) {
	KernelPDTPhysAddr = physAddr
}
