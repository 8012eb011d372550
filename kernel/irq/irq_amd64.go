// Package irq installs the interrupt descriptor table and dispatches
// CPU exceptions, the PIC-driven hardware interrupts (timer, keyboard) and
// the int 0x80 syscall gate to the handlers registered by the rest of the
// kernel.
package irq

import (
	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/cpu"
	"github.com/ferrodyne-os/nucleus/kernel/kfmt"
)

var (
	// panicFn is mocked by tests and is automatically inlined by the
	// compiler.
	panicFn = kernel.Panic

	errDoubleFault = &kernel.Error{Module: "irq", Message: "double fault"}
)

// ExceptionNum identifies a CPU exception vector.
type ExceptionNum uint8

const (
	// DivideByZero occurs when dividing by zero using DIV or IDIV.
	DivideByZero = ExceptionNum(0)

	// BreakpointException occurs when the CPU executes an int3
	// instruction, the standard software breakpoint trap.
	BreakpointException = ExceptionNum(3)

	// InvalidOpcode occurs when the CPU attempts to execute an undefined
	// instruction.
	InvalidOpcode = ExceptionNum(6)

	// DoubleFault occurs when an exception is unhandled or when an
	// exception occurs while the CPU is already servicing one.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised on a general protection fault.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a page table or one of its
	// entries is not present, or a privilege/RW check fails.
	PageFaultException = ExceptionNum(14)
)

// IST offsets passed to HandleException/HandleExceptionWithCode. A gate
// registered with NoIST runs its handler on whatever stack was active when
// the exception fired; a gate registered with a non-zero offset runs on the
// matching slot of the Interrupt Stack Table instead, so the handler does
// not depend on the interrupted context's stack being sound.
const (
	// NoIST disables the Interrupt Stack Table for a gate.
	NoIST = uint8(0)

	// DoubleFaultIST is the IST slot #DF always runs on: a double fault
	// caused by a corrupted kernel stack must not try to push its own
	// exception frame onto that same stack.
	DoubleFaultIST = uint8(1)
)

// IRQNum identifies a hardware interrupt line, numbered after the PIC remap
// that Init performs (master PIC based at vector 32, slave at 40).
type IRQNum uint8

const (
	// TimerIRQ fires on every PIT tick and drives scheduler preemption.
	TimerIRQ = IRQNum(32)

	// KeyboardIRQ fires when the PS/2 controller has a scancode ready.
	KeyboardIRQ = IRQNum(33)
)

// SyscallVector is the legacy software interrupt gate user programs invoke
// via "int 0x80" to request a kernel service.
const SyscallVector = 0x80

// picMasterCommand, picMasterData, picSlaveCommand and picSlaveData are the
// I/O ports used to remap and acknowledge the 8259 PICs.
const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1

	picEOI = 0x20
)

// Regs contains a snapshot of the general purpose register values at the
// time an exception, interrupt or syscall occurred. A handler may mutate any
// field to change the register values the interrupted context resumes with
// once the handler returns.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	kfmt.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Printf("RBP = %16x\n", r.RBP)
	kfmt.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame describes the exception frame that the CPU automatically pushes to
// the stack whenever an exception, interrupt or syscall occurs.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print outputs a dump of the exception frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Printf("RFL = %16x\n", f.RFlags)
}

// ExceptionHandler handles an exception that does not push an error code.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code.
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

// IRQHandler handles a hardware interrupt. The kernel sends the
// corresponding PIC an end-of-interrupt once the handler returns.
type IRQHandler func(frame *Frame, regs *Regs)

// SyscallHandler services an int 0x80 syscall gate entry. regs.RAX holds the
// syscall number on entry and the return value on exit; frame.RIP is
// advanced past the two-byte int instruction automatically before the
// handler is invoked. The handler receives frame as well as regs because a
// syscall that never returns to its caller (sys_exit) must rewrite the trap
// frame itself to dispatch a different process before the gate's iretq.
type SyscallHandler func(frame *Frame, regs *Regs)

var (
	exceptionHandlers         [32]ExceptionHandler
	exceptionHandlersWithCode [32]ExceptionHandlerWithCode
	exceptionIST              [32]uint8
	irqHandlers               [16]IRQHandler
	syscallHandler            SyscallHandler
)

// HandleException registers an exception handler (without an error code)
// for the given exception number. istOffset selects the Interrupt Stack
// Table slot installIDT builds the gate with (NoIST to run on the
// interrupted stack).
func HandleException(num ExceptionNum, istOffset uint8, handler ExceptionHandler) {
	exceptionIST[num] = istOffset
	exceptionHandlers[num] = handler
}

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given exception number. istOffset selects the Interrupt
// Stack Table slot installIDT builds the gate with (NoIST to run on the
// interrupted stack).
func HandleExceptionWithCode(num ExceptionNum, istOffset uint8, handler ExceptionHandlerWithCode) {
	exceptionIST[num] = istOffset
	exceptionHandlersWithCode[num] = handler
}

// HandleIRQ registers a handler for the given hardware interrupt line.
func HandleIRQ(num IRQNum, handler IRQHandler) {
	irqHandlers[num-TimerIRQ] = handler
}

// HandleSyscall registers the kernel's single syscall dispatch entrypoint.
func HandleSyscall(handler SyscallHandler) {
	syscallHandler = handler
}

// breakpointHandler services #BP: log the trapping address and return,
// leaving the interrupted context to resume exactly where int3 left it.
func breakpointHandler(frame *Frame, regs *Regs) {
	kfmt.Printf("\nbreakpoint at RIP = %16x\n", frame.RIP)
}

// doubleFaultHandler services #DF. It runs on DoubleFaultIST, a stack
// reserved for this one purpose, so a double fault triggered by a
// corrupted kernel stack cannot cascade into a triple fault while the CPU
// pushes the exception frame.
func doubleFaultHandler(errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\ndouble fault (error code: %d)\n", errorCode)
	regs.Print()
	frame.Print()
	panicFn(errDoubleFault)
}

// Init remaps the 8259 PICs so hardware IRQs land outside the CPU exception
// range, installs the interrupt descriptor table, wires its gates to
// dispatchException/dispatchIRQ/dispatchSyscall, registers the handlers for
// the CPU exceptions this kernel always services regardless of which
// subsystem is initialized, and enables interrupts.
func Init() {
	remapPIC()
	installIDT()

	HandleException(BreakpointException, NoIST, breakpointHandler)
	HandleExceptionWithCode(DoubleFault, DoubleFaultIST, doubleFaultHandler)
	HandleIRQ(KeyboardIRQ, keyboardHandler)

	cpu.EnableInterrupts()
}

// remapPIC reassigns the master PIC's interrupt vectors to 32-39 and the
// slave's to 40-47, moving them out of the range reserved for CPU
// exceptions (0-31).
func remapPIC() {
	cpu.Outb(picMasterCommand, 0x11)
	cpu.Outb(picSlaveCommand, 0x11)
	cpu.IOWait()

	cpu.Outb(picMasterData, 32)
	cpu.Outb(picSlaveData, 40)
	cpu.IOWait()

	cpu.Outb(picMasterData, 4)
	cpu.Outb(picSlaveData, 2)
	cpu.IOWait()

	cpu.Outb(picMasterData, 0x01)
	cpu.Outb(picSlaveData, 0x01)
	cpu.IOWait()

	cpu.Outb(picMasterData, 0)
	cpu.Outb(picSlaveData, 0)
}

// sendEOI acknowledges the interrupt so the PIC will raise further
// interrupts of equal or lower priority.
func sendEOI(num IRQNum) {
	if num >= 40 {
		cpu.Outb(picSlaveCommand, picEOI)
	}
	cpu.Outb(picMasterCommand, picEOI)
}

// dispatchException is invoked by the IDT entrypoint for exceptions that do
// not push an error code.
func dispatchException(num ExceptionNum, frame *Frame, regs *Regs) {
	if h := exceptionHandlers[num]; h != nil {
		h(frame, regs)
		return
	}
	unhandledException(num, 0, frame, regs)
}

// dispatchExceptionWithCode is invoked by the IDT entrypoint for exceptions
// that push an error code (GPF, page fault, double fault, and others).
func dispatchExceptionWithCode(num ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	if h := exceptionHandlersWithCode[num]; h != nil {
		h(errorCode, frame, regs)
		return
	}
	unhandledException(num, errorCode, frame, regs)
}

// dispatchIRQ is invoked by the IDT entrypoint for remapped hardware
// interrupts and sends the appropriate end-of-interrupt once the registered
// handler, if any, returns.
func dispatchIRQ(num IRQNum, frame *Frame, regs *Regs) {
	if h := irqHandlers[num-TimerIRQ]; h != nil {
		h(frame, regs)
	}
	sendEOI(num)
}

// dispatchSyscall is invoked by the IDT entrypoint for int 0x80. The
// trapping instruction is always two bytes; RIP is advanced past it before
// the handler observes the register state so a "ret"-like resume works even
// if the handler never touches RIP itself.
func dispatchSyscall(frame *Frame, regs *Regs) {
	frame.RIP += 2
	if syscallHandler != nil {
		syscallHandler(frame, regs)
	}
}

func unhandledException(num ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\nunhandled exception %d (error code: %d)\n", num, errorCode)
	regs.Print()
	frame.Print()
	for {
		cpu.Halt()
	}
}

// installIDT populates the interrupt descriptor table and loads it into the
// CPU. Every gate routes back into dispatchException, dispatchExceptionWithCode,
// dispatchIRQ or dispatchSyscall depending on its vector.
func installIDT()
