package elf

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/mem"
	"github.com/ferrodyne-os/nucleus/kernel/mem/pmm"
	"github.com/ferrodyne-os/nucleus/kernel/mem/vmm"
)

func TestLoadRejectsGarbageImage(t *testing.T) {
	if _, err := Load([]byte("not an elf file"), nil, nil); err != ErrInvalidProgram {
		t.Fatalf("expected ErrInvalidProgram; got %v", err)
	}
}

func TestLoadRejectsEmptyImage(t *testing.T) {
	if _, err := Load(nil, nil, nil); err != ErrInvalidProgram {
		t.Fatalf("expected ErrInvalidProgram; got %v", err)
	}
}

func TestMaxMinU64(t *testing.T) {
	if got := maxU64(3, 7); got != 7 {
		t.Fatalf("maxU64(3, 7) = %d; want 7", got)
	}
	if got := maxU64(7, 3); got != 7 {
		t.Fatalf("maxU64(7, 3) = %d; want 7", got)
	}
	if got := minU64(3, 7); got != 3 {
		t.Fatalf("minU64(3, 7) = %d; want 3", got)
	}
	if got := minU64(7, 3); got != 3 {
		t.Fatalf("minU64(7, 3) = %d; want 3", got)
	}
}

// buildMinimalELF assembles a static ELF64 executable with exactly one
// PT_LOAD segment: the ELF64 header (64 bytes) followed by one program
// header (56 bytes) followed by the segment's file contents.
func buildMinimalELF(code []byte, vaddr, memsz uint64) []byte {
	const (
		ehSize = 64
		phSize = 56
	)

	buf := make([]byte, ehSize+phSize+len(code))
	le := binary.LittleEndian

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EI_VERSION

	le.PutUint16(buf[16:], 2) // e_type = ET_EXEC
	le.PutUint16(buf[18:], 0x3E) // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1) // e_version
	le.PutUint64(buf[24:], vaddr) // e_entry
	le.PutUint64(buf[32:], ehSize) // e_phoff
	le.PutUint16(buf[52:], ehSize) // e_ehsize
	le.PutUint16(buf[54:], phSize) // e_phentsize
	le.PutUint16(buf[56:], 1) // e_phnum

	ph := buf[ehSize:]
	le.PutUint32(ph[0:], 1) // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5) // p_flags = PF_X|PF_R
	le.PutUint64(ph[8:], ehSize+phSize) // p_offset
	le.PutUint64(ph[16:], vaddr) // p_vaddr
	le.PutUint64(ph[24:], vaddr) // p_paddr
	le.PutUint64(ph[32:], uint64(len(code))) // p_filesz
	le.PutUint64(ph[40:], memsz) // p_memsz
	le.PutUint64(ph[48:], uint64(mem.PageSize)) // p_align

	copy(buf[ehSize+phSize:], code)
	return buf
}

// TestLoadRealizesELFI1 exercises ELF-I1 end to end using the spec's seed
// binary (mov rax,60; mov rdi,42; int 0x80): after Load, the file-backed
// range of the one PT_LOAD segment must equal the file contents exactly,
// and the memsz-filesz tail must read back as zero.
func TestLoadRealizesELFI1(t *testing.T) {
	code := []byte{
		0x48, 0xc7, 0xc0, 0x3c, 0x00, 0x00, 0x00, // mov rax, 60
		0x48, 0xc7, 0xc7, 0x2a, 0x00, 0x00, 0x00, // mov rdi, 42
		0xcd, 0x80, // int 0x80
	}
	const vaddr = uintptr(0x400000)
	const memsz = uint64(mem.PageSize)

	image := buildMinimalELF(code, uint64(vaddr), memsz)

	origKernelPDT := kernel.KernelPDTPhysAddr
	kernelPages := make([][mem.PageSize]byte, 1)
	kernel.SetKernelPDT(uintptr(unsafe.Pointer(&kernelPages[0][0])))
	defer kernel.SetKernelPDT(origKernelPDT)

	const poolSize = 16
	pages := make([][mem.PageSize]byte, poolSize)
	next := 0
	alloc := func() (pmm.Frame, *kernel.Error) {
		if next >= poolSize {
			return pmm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of frames"}
		}
		frame := pmm.Frame(uintptr(unsafe.Pointer(&pages[next][0])) >> mem.PageShift)
		next++
		return frame, nil
	}

	addrSpace, err := vmm.NewAddressSpace(alloc)
	if err != nil {
		t.Fatalf("unexpected error building address space: %v", err)
	}

	loaded, err := Load(image, addrSpace, alloc)
	if err != nil {
		t.Fatalf("unexpected error loading image: %v", err)
	}
	if loaded.Entry != vaddr {
		t.Fatalf("expected entry %#x; got %#x", vaddr, loaded.Entry)
	}

	frame, err := addrSpace.Translate(vaddr)
	if err != nil {
		t.Fatalf("expected the loaded segment's page to be mapped: %v", err)
	}

	view := pmm.ActivePhysMemView()
	segment := view.Bytes(frame, mem.PageSize)
	if string(segment[:len(code)]) != string(code) {
		t.Fatalf("expected file-backed range to equal the segment's file contents")
	}
	for i := len(code); i < int(memsz); i++ {
		if segment[i] != 0 {
			t.Fatalf("expected memsz-filesz tail to be zero; byte %d was %#x", i, segment[i])
		}
	}
}
