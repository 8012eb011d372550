package proc

import (
	"testing"

	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/mem/pmm"
)

// resetTable clears package-level state between tests; the process table is
// a singleton, same as the teacher's pmm/vmm packages.
func resetTable() {
	Lock.Acquire()
	table = nil
	nextPID = 1
	currentPID = 0
	Lock.Release()
}

func fakeAllocFree() (func() (pmm.Frame, *kernel.Error), func(pmm.Frame) *kernel.Error) {
	var next pmm.Frame = 1
	return func() (pmm.Frame, *kernel.Error) {
			f := next
			next++
			return f, nil
		}, func(pmm.Frame) *kernel.Error {
			return nil
		}
}

func mockSwitchPDT() func() {
	orig := switchPDTFn
	switchPDTFn = func(uintptr) {}
	return func() { switchPDTFn = orig }
}

func TestCreateKernelProcessStartsReady(t *testing.T) {
	resetTable()
	defer mockSwitchPDT()()

	var stack [256]byte
	entered := false
	pid := CreateKernelProcess(func() { entered = true }, stack[:])
	_ = entered

	p, err := Get(pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State != Ready {
		t.Fatalf("expected Ready; got %v", p.State)
	}
	if p.Kind != Kernel {
		t.Fatalf("expected Kind Kernel; got %v", p.Kind)
	}
	if p.HasSavedState {
		t.Fatal("a freshly created process must not have saved state")
	}
	if p.Regs.RSP == 0 {
		t.Fatal("expected a non-zero stack pointer")
	}
}

func TestScheduleRoundRobinWrapsAroundTable(t *testing.T) {
	resetTable()
	defer mockSwitchPDT()()

	var stack [256]byte
	pidA := CreateKernelProcess(func() {}, stack[:])
	pidB := CreateKernelProcess(func() {}, stack[:])
	pidC := CreateKernelProcess(func() {}, stack[:])

	decision, ok := Schedule(0, false, Registers{})
	if !ok || decision.Selected == nil || decision.Selected.PID != pidA {
		t.Fatalf("expected first schedule to pick %d; got %+v (ok=%v)", pidA, decision, ok)
	}

	decision, ok = Schedule(pidA, true, Registers{RIP: 0x1000})
	if !ok || decision.Selected.PID != pidB {
		t.Fatalf("expected round robin to pick %d; got %+v", pidB, decision)
	}

	decision, ok = Schedule(pidB, true, Registers{RIP: 0x2000})
	if !ok || decision.Selected.PID != pidC {
		t.Fatalf("expected round robin to pick %d; got %+v", pidC, decision)
	}

	decision, ok = Schedule(pidC, true, Registers{RIP: 0x3000})
	if !ok || decision.Selected.PID != pidA {
		t.Fatalf("expected round robin to wrap back to %d; got %+v", pidA, decision)
	}

	p, _ := Get(pidA)
	if !p.HasSavedState {
		t.Fatal("expected HasSavedState to be set after the first preemption")
	}
	if p.Regs.RIP != 0x1000 {
		t.Fatalf("expected preserved RIP 0x1000; got %#x", p.Regs.RIP)
	}
}

func TestScheduleSkipsNonReadyProcesses(t *testing.T) {
	resetTable()
	defer mockSwitchPDT()()

	var stack [256]byte
	pidA := CreateKernelProcess(func() {}, stack[:])
	pidB := CreateKernelProcess(func() {}, stack[:])

	if err := MarkExit(pidA, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, ok := Schedule(0, false, Registers{})
	if !ok || decision.Selected == nil || decision.Selected.PID != pidB {
		t.Fatalf("expected the only Ready process %d to be picked; got %+v", pidB, decision)
	}
}

func TestScheduleWithNoReadyProcessFallsBackToIdle(t *testing.T) {
	resetTable()
	defer mockSwitchPDT()()

	decision, ok := Schedule(0, false, Registers{})
	if !ok {
		t.Fatal("expected scheduling to succeed even with an empty table")
	}
	if decision.Selected != nil {
		t.Fatalf("expected no process selected; got %+v", decision.Selected)
	}
	if decision.PDTPhysAddr != kernel.KernelPDTPhysAddr {
		t.Fatalf("expected the idle decision to request the kernel PDT; got %#x", decision.PDTPhysAddr)
	}
}

func TestScheduleRetiresTerminatedProcess(t *testing.T) {
	resetTable()
	defer mockSwitchPDT()()

	alloc, free := fakeAllocFree()
	SetFrameAllocator(alloc, free)

	var stack [256]byte
	pid := CreateKernelProcess(func() {}, stack[:])

	if err := MarkExit(pid, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := Schedule(pid, false, Registers{}); !ok {
		t.Fatal("expected scheduling to succeed")
	}

	if _, err := Get(pid); err == nil {
		t.Fatal("expected the terminated process to be removed from the table")
	}
}

func TestMarkExitRejectsDoubleExit(t *testing.T) {
	resetTable()
	defer mockSwitchPDT()()

	var stack [256]byte
	pid := CreateKernelProcess(func() {}, stack[:])

	if err := MarkExit(pid, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := MarkExit(pid, 2); err != errAlreadyExited {
		t.Fatalf("expected errAlreadyExited; got %v", err)
	}
}

func TestDestroyRequiresTerminatedState(t *testing.T) {
	resetTable()
	defer mockSwitchPDT()()

	var stack [256]byte
	pid := CreateKernelProcess(func() {}, stack[:])

	if err := Destroy(pid); err != errDestroyNotReady {
		t.Fatalf("expected errDestroyNotReady; got %v", err)
	}
}
