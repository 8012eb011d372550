// Package blockdev implements linear sector read/write against an ATA PIO
// disk, the storage primitive the FAT32 driver is built on.
package blockdev

import (
	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/cpu"
)

// SectorSize is the fixed sector size of an ATA PIO disk.
const SectorSize = 512

// Primary bus I/O ports (master/slave select via the drive/head register).
const (
	portData       = 0x1F0
	portError      = 0x1F1
	portSectorCnt  = 0x1F2
	portLBALow     = 0x1F3
	portLBAMid     = 0x1F4
	portLBAHigh    = 0x1F5
	portDriveHead  = 0x1F6
	portCmdStatus  = 0x1F7
	portAltControl = 0x3F6
)

// Status register bits.
const (
	statusERR = 1 << 0
	statusDRQ = 1 << 3
	statusSRV = 1 << 4
	statusBSY = 1 << 7
)

const (
	cmdReadSectors  = 0x20
	cmdWriteSectors = 0x30
	cmdFlushCache   = 0xE7

	driveMaster = 0xE0 // LBA mode, drive 0
	driveSlave  = 0xF0 // LBA mode, drive 1
)

var (
	// ErrDeviceFault is returned when the status register reports ERR
	// after issuing a command.
	ErrDeviceFault = &kernel.Error{Module: "ata", Message: "device fault"}

	// ErrTimeout is returned when the device never clears BSY or raises
	// DRQ within the polling budget.
	ErrTimeout = &kernel.Error{Module: "ata", Message: "device timeout"}

	// inbFn, outbFn, inwFn and outwFn are used by tests to substitute a
	// simulated port map instead of real port I/O.
	inbFn  = cpu.Inb
	outbFn = cpu.Outb
	inwFn  = cpu.Inw
	outwFn = cpu.Outw
)

// Device is a single ATA PIO drive (master or slave) on the primary bus.
type Device struct {
	driveSelect uint8
}

// Master is the primary bus's master drive.
var Master = &Device{driveSelect: driveMaster}

// Slave is the primary bus's slave drive.
var Slave = &Device{driveSelect: driveSlave}

const pollBudget = 1_000_000

func waitWhileBusy() *kernel.Error {
	for i := 0; i < pollBudget; i++ {
		if inbFn(portCmdStatus)&statusBSY == 0 {
			return nil
		}
	}
	return ErrTimeout
}

func waitForDRQ() *kernel.Error {
	for i := 0; i < pollBudget; i++ {
		status := inbFn(portCmdStatus)
		if status&statusERR != 0 {
			return ErrDeviceFault
		}
		if status&statusBSY == 0 && status&statusDRQ != 0 {
			return nil
		}
	}
	return ErrTimeout
}

func (d *Device) selectLBA(lba uint32) {
	outbFn(portDriveHead, d.driveSelect|uint8((lba>>24)&0x0F))
	outbFn(portSectorCnt, 1)
	outbFn(portLBALow, uint8(lba))
	outbFn(portLBAMid, uint8(lba>>8))
	outbFn(portLBAHigh, uint8(lba>>16))
}

// ReadSector reads the 512-byte sector at lba into dst, which must be at
// least SectorSize bytes long.
func (d *Device) ReadSector(lba uint32, dst []byte) *kernel.Error {
	if err := waitWhileBusy(); err != nil {
		return err
	}

	d.selectLBA(lba)
	outbFn(portCmdStatus, cmdReadSectors)

	if err := waitForDRQ(); err != nil {
		return err
	}

	for i := 0; i < SectorSize/2; i++ {
		word := inwFn(portData)
		dst[i*2] = uint8(word)
		dst[i*2+1] = uint8(word >> 8)
	}

	return nil
}

// WriteSector writes SectorSize bytes of src to the sector at lba and
// flushes the drive's write cache before returning.
func (d *Device) WriteSector(lba uint32, src []byte) *kernel.Error {
	if err := waitWhileBusy(); err != nil {
		return err
	}

	d.selectLBA(lba)
	outbFn(portCmdStatus, cmdWriteSectors)

	if err := waitForDRQ(); err != nil {
		return err
	}

	for i := 0; i < SectorSize/2; i++ {
		word := uint16(src[i*2]) | uint16(src[i*2+1])<<8
		outwFn(portData, word)
	}

	outbFn(portCmdStatus, cmdFlushCache)
	return waitWhileBusy()
}
