// Package proc owns the kernel's process table: process identity and
// lifecycle, per-process saved register state, and the address space each
// process runs against.
package proc

import (
	"unsafe"

	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/cpu"
	"github.com/ferrodyne-os/nucleus/kernel/elf"
	"github.com/ferrodyne-os/nucleus/kernel/mem/vmm"
	"github.com/ferrodyne-os/nucleus/kernel/sync"
)

// State is a process's position in its lifecycle.
type State uint8

const (
	// Ready means the process is eligible for selection by the scheduler.
	Ready State = iota

	// Running is held by at most one process: the one whose context is
	// currently loaded onto the CPU.
	Running

	// Waiting is reserved for a future blocking-I/O extension; nothing in
	// this kernel currently transitions a process into this state.
	Waiting

	// Terminated means the process has exited or been killed. Its address
	// space is torn down the next time the scheduler observes the state
	// from a context that is not executing on the process's own stack.
	Terminated
)

// Kind distinguishes a process that owns a private user address space from
// one that shares the kernel's own top-level table.
type Kind uint8

const (
	// User processes own a private AddressSpace built by CreateUserProcess.
	User Kind = iota

	// Kernel processes run entirely at kernel privilege against the
	// kernel's own address space; they never own a private AddressSpace.
	Kernel
)

// Registers captures the CPU state a process resumes with when the
// scheduler switches back to it: general-purpose registers plus RIP, RSP
// and RFLAGS.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RSP, RFlags   uint64
}

// initialRFlags is pushed for every freshly created process: interrupts
// enabled (IF), reserved bit 1 set, nothing else.
const initialRFlags = 0x202

// Process is a single schedulable unit of execution.
type Process struct {
	PID      uint32
	State    State
	Kind     Kind
	AddrSpace *vmm.AddressSpace

	Regs          Registers
	HasSavedState bool
	ExitCode      int32
}

var (
	// Lock serialises all process-table mutation. The scheduler tick uses
	// TryAcquire so a busy table turns a tick into a no-op instead of a
	// stall; every other caller blocks.
	Lock sync.Spinlock

	table      []*Process
	nextPID    uint32 = 1
	currentPID uint32

	errUnknownPID      = &kernel.Error{Module: "proc", Message: "no such process"}
	errAlreadyExited   = &kernel.Error{Module: "proc", Message: "process already terminated"}
	errDestroyNotReady = &kernel.Error{Module: "proc", Message: "cannot destroy a process that has not exited"}

	// allocFrame and freeFrame are the process manager's view of the
	// physical frame allocator; tests substitute fakes here instead of
	// wiring the real allocator package.
	allocFrame vmm.FrameAllocatorFn
	freeFrame  vmm.FrameFreeFn

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT,
	// which is unsafe to execute outside of ring 0.
	switchPDTFn = cpu.SwitchPDT
)

// SetFrameAllocator registers the frame allocate/free pair used to build
// and tear down user address spaces.
func SetFrameAllocator(alloc vmm.FrameAllocatorFn, free vmm.FrameFreeFn) {
	allocFrame = alloc
	freeFrame = free
}

// CreateUserProcess builds a private address space, loads image into it via
// the ELF loader, and inserts the result into the table as Ready.
func CreateUserProcess(image []byte) (uint32, *kernel.Error) {
	addrSpace, err := vmm.NewAddressSpace(allocFrame)
	if err != nil {
		return 0, err
	}

	loaded, err := elf.Load(image, addrSpace, allocFrame)
	if err != nil {
		addrSpace.Destroy(freeFrame)
		return 0, err
	}

	p := &Process{
		Kind:      User,
		State:     Ready,
		AddrSpace: addrSpace,
	}
	p.Regs.RIP = uint64(loaded.Entry)
	p.Regs.RSP = uint64(loaded.RSP)
	p.Regs.RFlags = initialRFlags

	return insert(p), nil
}

// CreateKernelProcess registers a process that shares the kernel's address
// space; stack is a statically allocated kernel buffer owned by the caller.
// entry must be a plain (non-closure) top-level function.
func CreateKernelProcess(entry func(), stack []byte) uint32 {
	p := &Process{
		Kind:  Kernel,
		State: Ready,
	}
	p.Regs.RIP = uint64(entryPC(entry))
	p.Regs.RSP = uint64(stackTop(stack))
	p.Regs.RFlags = initialRFlags

	return insert(p)
}

// entryPC extracts the code entry point of a plain function value. A Go
// func value is itself a pointer to a funcval whose first word is the
// function's program counter.
func entryPC(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

func stackTop(stack []byte) uintptr {
	if len(stack) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))
}

func insert(p *Process) uint32 {
	Lock.Acquire()
	defer Lock.Release()

	p.PID = nextPID
	nextPID++
	table = append(table, p)
	return p.PID
}

func indexOf(pid uint32) int {
	for i, p := range table {
		if p.PID == pid {
			return i
		}
	}
	return -1
}

// Get returns the process identified by pid.
func Get(pid uint32) (*Process, *kernel.Error) {
	Lock.Acquire()
	defer Lock.Release()

	if i := indexOf(pid); i >= 0 {
		return table[i], nil
	}
	return nil, errUnknownPID
}

// GetMut returns the same pointer as Get; every Process field is already
// mutable through it, kept as a distinct name to mirror the read/write
// access pair the process manager is specified with.
func GetMut(pid uint32) (*Process, *kernel.Error) {
	return Get(pid)
}

// Current returns the process presently marked Running, or nil if none is
// (a window that exists only outside of scheduler dispatch and interrupt
// entry, when no process context is loaded).
func Current() *Process {
	Lock.Acquire()
	defer Lock.Release()

	if i := indexOf(currentPID); i >= 0 {
		return table[i]
	}
	return nil
}

// MarkExit transitions pid to Terminated. It never frees the address space:
// the caller may still be executing on that process's stack or CR3, and
// cleanup must happen from a context that is not.
func MarkExit(pid uint32, exitCode int32) *kernel.Error {
	Lock.Acquire()
	defer Lock.Release()

	i := indexOf(pid)
	if i < 0 {
		return errUnknownPID
	}
	if table[i].State == Terminated {
		return errAlreadyExited
	}

	table[i].State = Terminated
	table[i].ExitCode = exitCode
	return nil
}

// Destroy tears down a Terminated process's address space and removes it
// from the table. The caller must not be executing on pid's own stack or
// CR3 (the scheduler switches to the kernel CR3 before calling Destroy).
func Destroy(pid uint32) *kernel.Error {
	Lock.Acquire()
	defer Lock.Release()

	i := indexOf(pid)
	if i < 0 {
		return errUnknownPID
	}

	p := table[i]
	if p.State != Terminated {
		return errDestroyNotReady
	}

	if p.AddrSpace != nil {
		p.AddrSpace.Destroy(freeFrame)
	}

	table = append(table[:i], table[i+1:]...)
	if currentPID == pid {
		currentPID = 0
	}
	return nil
}

// Len returns the number of live table entries.
func Len() int {
	Lock.Acquire()
	defer Lock.Release()
	return len(table)
}

// Decision reports what the scheduler must do in response to a Schedule
// call: which process (if any) became current, and which CR3 the caller
// must install before returning from the timer interrupt.
type Decision struct {
	// Selected is the process now marked Running, or nil if no Ready
	// process exists and the caller should fall back to the kernel idle
	// loop (CR3 <- kernel, HLT).
	Selected *Process

	// PDTPhysAddr is the physical address Selected's AddrSpace requires in
	// CR3 (or kernel.KernelPDTPhysAddr for a kernel process / the idle
	// fallback).
	PDTPhysAddr uintptr
}

// Schedule performs one scheduler tick: if the lock cannot be acquired
// without blocking, it reports ok=false and the caller must leave the
// current context running untouched. Otherwise it retires the previous
// process (saving its register snapshot if merely preempted, or tearing
// down its address space if Terminated), selects the next Ready process by
// round robin starting after prevPID, and marks it Running.
func Schedule(prevPID uint32, preempted bool, savedRegs Registers) (Decision, bool) {
	if !Lock.TryAcquire() {
		return Decision{}, false
	}
	defer Lock.Release()

	if i := indexOf(prevPID); i >= 0 {
		p := table[i]
		switch {
		case p.State == Terminated:
			switchPDTFn(kernel.KernelPDTPhysAddr)
			if p.AddrSpace != nil {
				p.AddrSpace.Destroy(freeFrame)
			}
			table = append(table[:i], table[i+1:]...)
			if currentPID == prevPID {
				currentPID = 0
			}
		case preempted:
			p.Regs = savedRegs
			p.HasSavedState = true
			p.State = Ready
		}
	}

	next := nextReadyAfter(prevPID)
	if next == nil {
		currentPID = 0
		switchPDTFn(kernel.KernelPDTPhysAddr)
		return Decision{PDTPhysAddr: kernel.KernelPDTPhysAddr}, true
	}

	next.State = Running
	currentPID = next.PID

	pdt := kernel.KernelPDTPhysAddr
	if next.Kind == User {
		pdt = next.AddrSpace.PDTFrame().Address()
	}
	switchPDTFn(pdt)

	return Decision{Selected: next, PDTPhysAddr: pdt}, true
}

// nextReadyAfter returns the lowest-PID Ready process greater than afterPID,
// wrapping around the table if none is found above it. The caller must hold
// Lock.
func nextReadyAfter(afterPID uint32) *Process {
	var (
		best     *Process
		wrapBest *Process
	)

	for _, p := range table {
		if p.State != Ready {
			continue
		}
		if p.PID > afterPID {
			if best == nil || p.PID < best.PID {
				best = p
			}
		} else if wrapBest == nil || p.PID < wrapBest.PID {
			wrapBest = p
		}
	}

	if best != nil {
		return best
	}
	return wrapBest
}
