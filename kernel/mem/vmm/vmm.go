package vmm

import (
	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/cpu"
	"github.com/ferrodyne-os/nucleus/kernel/irq"
	"github.com/ferrodyne-os/nucleus/kernel/kfmt/early"
	"github.com/ferrodyne-os/nucleus/kernel/mem"
	"github.com/ferrodyne-os/nucleus/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn                   = kernel.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2

	// ReservedZeroedFrame holds a single physical frame that is kept
	// permanently zeroed. The Go runtime bootstrap (goruntime) maps it
	// read-only with FlagCopyOnWrite into every freshly reserved heap
	// region so a sysMap call never needs to allocate or zero a frame
	// before the Go allocator actually touches the memory.
	ReservedZeroedFrame pmm.Frame

	// protectReservedZeroedPage is set once ReservedZeroedFrame has been
	// handed out. It exists purely as a documentation marker for callers;
	// the vmm package does not enforce it, since the only mapper of this
	// frame (goruntime) is trusted kernel code.
	protectReservedZeroedPage bool
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// pageFaultHandler services #PF for every address space, kernel and user
// alike. There is no demand paging and no copy-on-write recovery for user
// memory: every user page a process touches is mapped eagerly by the ELF
// loader or by an explicit AddressSpace.MapUser call, so any fault reaching
// here is a genuine programming error (wild pointer, stack overflow,
// instruction fetch from a data page) and is always fatal.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	nonRecoverablePageFault(uintptr(readCR2Fn()), errorCode, frame, regs, nil)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	early.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		early.Printf("read from non-present page")
	case errorCode == 1:
		early.Printf("page protection violation (read)")
	case errorCode == 2:
		early.Printf("write to non-present page")
	case errorCode == 3:
		early.Printf("page protection violation (write)")
	case errorCode == 4:
		early.Printf("page-fault in user-mode")
	case errorCode == 8:
		early.Printf("page table has reserved bit set")
	case errorCode == 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panicFn(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panicFn(nil)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame, frameAllocator); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// Mark ReservedZeroedFrame as handed out; Map does not check this flag.
	protectReservedZeroedPage = true
	return nil
}

// Init initializes the vmm system and installs paging-related exception
// handlers.
func Init() *kernel.Error {
	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, irq.NoIST, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, irq.NoIST, generalProtectionFaultHandler)
	return nil
}
