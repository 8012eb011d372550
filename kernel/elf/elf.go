// Package elf turns a static ELF64 executable image into a mapped user
// address space, realising every PT_LOAD segment with per-segment
// permissions and laying out the initial user stack.
package elf

import (
	"bytes"
	"debug/elf"

	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/mem"
	"github.com/ferrodyne-os/nucleus/kernel/mem/pmm"
	"github.com/ferrodyne-os/nucleus/kernel/mem/vmm"
)

// UserStackAddr is the well-known virtual address of the base (lowest
// address) of the single-page user stack every process is given.
const UserStackAddr = 0x800000

// UserStackSize is the size of the stack region mapped at UserStackAddr.
const UserStackSize = mem.PageSize

var (
	// ErrInvalidProgram is returned when the image cannot be parsed as a
	// static little-endian x86_64 ELF64 executable, or when a PT_LOAD
	// segment's file range falls outside the image.
	ErrInvalidProgram = &kernel.Error{Module: "elf", Message: "invalid program image"}
)

// Loaded describes the outcome of loading a program: where execution must
// begin and where the initial stack pointer sits.
type Loaded struct {
	Entry uintptr
	RSP   uintptr
}

// Load parses image as an ELF64 executable and maps every PT_LOAD segment
// into addrSpace, allocating frames through alloc. Segment contents are
// copied through the kernel's physical memory view rather than by writing
// to the (not-yet-active) target address space directly.
func Load(image []byte, addrSpace *vmm.AddressSpace, alloc vmm.FrameAllocatorFn) (*Loaded, *kernel.Error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, ErrInvalidProgram
	}

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		return nil, ErrInvalidProgram
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if err := loadSegment(image, prog, addrSpace, alloc); err != nil {
			return nil, err
		}
	}

	if err := mapUserStack(addrSpace, alloc); err != nil {
		return nil, err
	}

	return &Loaded{
		Entry: uintptr(f.Entry),
		RSP:   UserStackAddr + UserStackSize - 8,
	}, nil
}

// loadSegment maps the page-aligned range spanning a single PT_LOAD segment,
// zeroing every frame before copying in the segment's file-backed bytes so
// the memsz-filesz tail reads back as BSS.
func loadSegment(image []byte, prog *elf.Prog, addrSpace *vmm.AddressSpace, alloc vmm.FrameAllocatorFn) *kernel.Error {
	if prog.Off+prog.Filesz > uint64(len(image)) {
		return ErrInvalidProgram
	}

	flags := vmm.FlagUserAccessible
	if prog.Flags&elf.PF_W != 0 {
		flags |= vmm.FlagRW
	}
	if prog.Flags&elf.PF_X == 0 {
		flags |= vmm.FlagNoExecute
	}

	pageMask := uint64(mem.PageSize) - 1
	segStart := prog.Vaddr &^ pageMask
	segEnd := (prog.Vaddr + prog.Memsz + pageMask) &^ pageMask
	fileEnd := prog.Vaddr + prog.Filesz

	for page := segStart; page < segEnd; page += uint64(mem.PageSize) {
		frame, err := alloc()
		if err != nil {
			return err
		}

		view := pmm.ActivePhysMemView()
		view.Zero(frame)

		pageEnd := page + uint64(mem.PageSize)
		copyStart := maxU64(page, prog.Vaddr)
		copyEnd := minU64(pageEnd, fileEnd)

		if copyEnd > copyStart {
			n := copyEnd - copyStart
			dst := view.Bytes(frame, mem.PageSize)[copyStart-page : copyStart-page+n]
			copy(dst, image[prog.Off+(copyStart-prog.Vaddr):prog.Off+(copyStart-prog.Vaddr)+n])
		}

		if err := addrSpace.MapPage(vmm.PageFromAddress(uintptr(page)), frame, flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// mapUserStack allocates and maps the single-page user stack at the
// well-known high address every process receives. The stack is a single
// contiguous physical frame, so it goes through MapUser rather than MapPage
// directly.
func mapUserStack(addrSpace *vmm.AddressSpace, alloc vmm.FrameAllocatorFn) *kernel.Error {
	frame, err := alloc()
	if err != nil {
		return err
	}

	view := pmm.ActivePhysMemView()
	view.Zero(frame)

	return addrSpace.MapUser(
		UserStackAddr,
		frame,
		UserStackSize,
		vmm.FlagRW|vmm.FlagUserAccessible|vmm.FlagNoExecute,
		alloc,
	)
}
