// Package sched drives process selection from the timer interrupt and from
// sys_exit, translating between the CPU's interrupt trap frame and the
// process manager's plain register snapshot.
package sched

import (
	"github.com/ferrodyne-os/nucleus/kernel/cpu"
	"github.com/ferrodyne-os/nucleus/kernel/irq"
	"github.com/ferrodyne-os/nucleus/kernel/proc"
)

// Tick is installed as the timer IRQ handler. It is also invoked directly
// by sys_exit so a process that calls exit is swapped out immediately
// rather than waiting for the next hardware tick.
func Tick(frame *irq.Frame, regs *irq.Regs) {
	prev := proc.Current()

	var (
		prevPID   uint32
		preempted bool
		snapshot  proc.Registers
	)

	if prev != nil {
		prevPID = prev.PID
		preempted = prev.State != proc.Terminated
		snapshot = regsFromTrap(frame, regs)
	}

	decision, ok := proc.Schedule(prevPID, preempted, snapshot)
	if !ok {
		// Lock busy: leave the interrupted context running untouched.
		return
	}

	if decision.Selected == nil {
		idle(frame, regs)
		return
	}

	resume(decision.Selected, frame, regs)
}

// regsFromTrap copies the interrupted context's saved state into the plain
// Registers snapshot the process table stores.
func regsFromTrap(frame *irq.Frame, regs *irq.Regs) proc.Registers {
	return proc.Registers{
		RAX: regs.RAX, RBX: regs.RBX, RCX: regs.RCX, RDX: regs.RDX,
		RSI: regs.RSI, RDI: regs.RDI, RBP: regs.RBP,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		RIP: frame.RIP, RSP: frame.RSP, RFlags: frame.RFlags,
	}
}

// idle leaves the CPU with nothing to run: CR3 was already switched to the
// kernel table by proc.Schedule, so the trap frame is rewritten to resume
// the kernel idle loop rather than any process.
func idle(frame *irq.Frame, regs *irq.Regs) {
	*regs = irq.Regs{}
	frame.CS = cpu.KernelCodeSelector
	frame.SS = cpu.KernelDataSelector
}

// resume writes the selected process's state into the trap frame that
// iretq will consume on return from the handler. A process with no saved
// state yet (its first ever dispatch) starts with a zeroed register file
// and the RFLAGS/RIP/RSP the loader or CreateKernelProcess established.
// Selecting a User process sets CS/SS to the ring-3 selectors; iretq then
// performs the privilege-level transition.
func resume(p *proc.Process, frame *irq.Frame, regs *irq.Regs) {
	codeSel, dataSel := uint64(cpu.KernelCodeSelector), uint64(cpu.KernelDataSelector)
	if p.Kind == proc.User {
		codeSel, dataSel = uint64(cpu.UserCodeSelector), uint64(cpu.UserDataSelector)
	}
	frame.CS, frame.SS = codeSel, dataSel

	if !p.HasSavedState {
		*regs = irq.Regs{}
		frame.RIP = p.Regs.RIP
		frame.RSP = p.Regs.RSP
		frame.RFlags = p.Regs.RFlags
		return
	}

	regs.RAX, regs.RBX, regs.RCX, regs.RDX = p.Regs.RAX, p.Regs.RBX, p.Regs.RCX, p.Regs.RDX
	regs.RSI, regs.RDI, regs.RBP = p.Regs.RSI, p.Regs.RDI, p.Regs.RBP
	regs.R8, regs.R9, regs.R10, regs.R11 = p.Regs.R8, p.Regs.R9, p.Regs.R10, p.Regs.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = p.Regs.R12, p.Regs.R13, p.Regs.R14, p.Regs.R15
	frame.RIP = p.Regs.RIP
	frame.RSP = p.Regs.RSP
	frame.RFlags = p.Regs.RFlags
}

// Syscall numbers this kernel honours; any other value in RAX returns the
// all-ones sentinel.
const (
	numSysWrite = 1
	numSysExit  = 60

	unknownSyscallResult = ^uint64(0)
)

// dispatchSyscall implements the int 0x80 ABI: RAX holds the syscall
// number, RDI/RSI/RDX the first three arguments, and the return value is
// written back into RAX.
func dispatchSyscall(frame *irq.Frame, regs *irq.Regs) {
	switch regs.RAX {
	case numSysWrite:
		regs.RAX = sysWrite(regs.RDI, regs.RSI, regs.RDX)
	case numSysExit:
		sysExit(frame, regs, int32(regs.RDI))
	default:
		regs.RAX = unknownSyscallResult
	}
}

// sysWrite honours only fd 1 (stdout); this kernel does not wire a
// user-visible console sink for syscall-driven writes, so it reports the
// full count without transferring bytes, matching the spec's SYS-I1
// property.
func sysWrite(fd, _, count uint64) uint64 {
	if fd != 1 {
		return 0
	}
	return count
}

// sysExit marks the calling process Terminated and immediately forces a
// reschedule so the trap frame this gate will iretq with belongs to
// whatever process is selected next: a terminated process must never
// resume in user mode, and waiting for the next timer tick would do
// exactly that.
func sysExit(frame *irq.Frame, regs *irq.Regs, exitCode int32) {
	if p := proc.Current(); p != nil {
		proc.MarkExit(p.PID, exitCode)
	}
	Tick(frame, regs)
}

// Init registers Tick as the handler for the timer IRQ and wires the
// syscall dispatch table.
func Init() {
	irq.HandleIRQ(irq.TimerIRQ, Tick)
	irq.HandleSyscall(dispatchSyscall)
}
