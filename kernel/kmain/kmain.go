package kmain

import (
	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/cpu"
	"github.com/ferrodyne-os/nucleus/kernel/fs/blockdev"
	"github.com/ferrodyne-os/nucleus/kernel/fs/fat32"
	"github.com/ferrodyne-os/nucleus/kernel/goruntime"
	"github.com/ferrodyne-os/nucleus/kernel/hal"
	"github.com/ferrodyne-os/nucleus/kernel/hal/multiboot"
	"github.com/ferrodyne-os/nucleus/kernel/irq"
	"github.com/ferrodyne-os/nucleus/kernel/kfmt"
	"github.com/ferrodyne-os/nucleus/kernel/mem/pmm/allocator"
	"github.com/ferrodyne-os/nucleus/kernel/mem/vmm"
	"github.com/ferrodyne-os/nucleus/kernel/proc"
	"github.com/ferrodyne-os/nucleus/kernel/sched"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// RootVolume is the mounted FAT32 volume backing the root filesystem, set
// once by Kmain during boot. It is nil until Init completes.
var RootVolume *fat32.Volume

// idleStack backs the always-runnable kernel idle process so the scheduler
// always has something to select when no user process is Ready.
var idleStack [4096]byte

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader, the physical addresses for the kernel start/end, and the virtual
// base of the boot environment's linear physical memory map.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, physMemViewOffset uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	kfmt.SetOutputSink(hal.ActiveTerminal)

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd, physMemViewOffset); err != nil {
		panic(err)
	} else if err = vmm.Init(); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	}

	kernel.SetKernelPDT(cpu.ActivePDT())
	proc.SetFrameAllocator(allocator.AllocFrame, allocator.FreeFrame)

	if vol, err := fat32.Mount(blockdev.Master); err != nil {
		// No usable root filesystem; continue boot so the scheduler and
		// interrupt plumbing can still be exercised by kernel processes.
		RootVolume = nil
	} else {
		RootVolume = vol
	}

	irq.Init()
	sched.Init()

	proc.CreateKernelProcess(idleEntry, idleStack[:])

	kernel.Panic(errKmainReturned)
}

// idleEntry is the initial kernel process the scheduler falls back to
// whenever no other process is Ready.
func idleEntry() {
	for {
		cpu.Halt()
	}
}
