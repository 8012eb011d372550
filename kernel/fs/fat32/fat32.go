// Package fat32 reads and writes a FAT32 volume through a block device:
// boot sector parsing, FAT chain walks, directory listing, and the file
// operations the ELF loader and user-visible file syscalls build on.
package fat32

import (
	"encoding/binary"

	"github.com/ferrodyne-os/nucleus/kernel"
	"github.com/ferrodyne-os/nucleus/kernel/fs/blockdev"
	"github.com/ferrodyne-os/nucleus/kernel/sync"
)

const (
	bootSignatureOffset = 510
	bootSignature       = 0xAA55

	dirEntrySize  = 32
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrLongName  = 0x01 | 0x02 | 0x04 | 0x08 // read-only|hidden|system|volume-id

	entryFree    = 0x00
	entryDeleted = 0xE5

	clusterFree       = 0x00000000
	clusterBad        = 0x0FFFFFF7
	clusterEndOfChain = 0x0FFFFFF8
	clusterMask       = 0x0FFFFFFF
)

var (
	// ErrNotFAT32 is returned when the boot sector's 16-bit FAT size field
	// is non-zero, meaning the volume is a FAT12/16 volume rather than FAT32.
	ErrNotFAT32 = &kernel.Error{Module: "fat32", Message: "not FAT32"}

	// ErrInvalidBootSector is returned when the boot sector cannot be read,
	// or when it can be read but its 0x55AA boot signature is missing.
	ErrInvalidBootSector = &kernel.Error{Module: "fat32", Message: "invalid boot sector"}

	// ErrNotFound is returned by Find when no matching directory entry
	// exists.
	ErrNotFound = &kernel.Error{Module: "fat32", Message: "not found"}

	// ErrNoSpace is returned when the volume has no free cluster left to
	// satisfy an allocation, or a directory has no free entry slot.
	ErrNoSpace = &kernel.Error{Module: "fat32", Message: "no space left on device"}
)

// FileEntry describes a file or directory resolved from an 8.3 directory
// entry.
type FileEntry struct {
	Name         string
	IsDirectory  bool
	Size         uint32
	FirstCluster uint32

	dirCluster uint32 // cluster holding the 32-byte entry itself
	dirOffset  uint32 // byte offset of the entry within dirCluster's chain
}

// BlockDevice is the sector-addressable storage Volume reads and writes
// through. *blockdev.Device satisfies it; tests substitute an in-memory
// fake instead of real ATA ports.
type BlockDevice interface {
	ReadSector(lba uint32, dst []byte) *kernel.Error
	WriteSector(lba uint32, src []byte) *kernel.Error
}

// Volume is a mounted FAT32 filesystem.
type Volume struct {
	dev BlockDevice

	lock sync.Spinlock

	fatStartLBA       uint32
	dataStartLBA      uint32
	sectorsPerCluster uint32
	bytesPerSector    uint32
	fatCount          uint32
	sectorsPerFAT     uint32
	rootCluster       uint32
}

// clusterSize returns the number of bytes in one cluster.
func (v *Volume) clusterSize() uint32 {
	return v.sectorsPerCluster * v.bytesPerSector
}

// Mount reads the boot sector at LBA 0 from dev and validates it as FAT32.
func Mount(dev BlockDevice) (*Volume, *kernel.Error) {
	var sector [blockdev.SectorSize]byte
	if err := dev.ReadSector(0, sector[:]); err != nil {
		return nil, ErrInvalidBootSector
	}

	if binary.LittleEndian.Uint16(sector[bootSignatureOffset:]) != bootSignature {
		return nil, ErrInvalidBootSector
	}

	sectorsPerFAT16 := binary.LittleEndian.Uint16(sector[22:])
	if sectorsPerFAT16 != 0 {
		return nil, ErrNotFAT32
	}

	bytesPerSector := uint32(binary.LittleEndian.Uint16(sector[11:]))
	sectorsPerCluster := uint32(sector[13])
	reservedSectors := uint32(binary.LittleEndian.Uint16(sector[14:]))
	fatCount := uint32(sector[16])
	sectorsPerFAT32 := binary.LittleEndian.Uint32(sector[36:])
	rootCluster := binary.LittleEndian.Uint32(sector[44:])

	fatStartLBA := reservedSectors
	dataStartLBA := fatStartLBA + fatCount*sectorsPerFAT32

	return &Volume{
		dev:               dev,
		fatStartLBA:       fatStartLBA,
		dataStartLBA:      dataStartLBA,
		sectorsPerCluster: sectorsPerCluster,
		bytesPerSector:    bytesPerSector,
		fatCount:          fatCount,
		sectorsPerFAT:     sectorsPerFAT32,
		rootCluster:       rootCluster,
	}, nil
}

func (v *Volume) clusterToLBA(cluster uint32) uint32 {
	return v.dataStartLBA + (cluster-2)*v.sectorsPerCluster
}

// readCluster reads one full cluster into buf, which must be clusterSize()
// bytes long.
func (v *Volume) readCluster(cluster uint32, buf []byte) *kernel.Error {
	lba := v.clusterToLBA(cluster)
	for i := uint32(0); i < v.sectorsPerCluster; i++ {
		sector := buf[i*v.bytesPerSector : (i+1)*v.bytesPerSector]
		if err := v.dev.ReadSector(lba+i, sector); err != nil {
			return err
		}
	}
	return nil
}

// writeCluster writes one full cluster from buf.
func (v *Volume) writeCluster(cluster uint32, buf []byte) *kernel.Error {
	lba := v.clusterToLBA(cluster)
	for i := uint32(0); i < v.sectorsPerCluster; i++ {
		sector := buf[i*v.bytesPerSector : (i+1)*v.bytesPerSector]
		if err := v.dev.WriteSector(lba+i, sector); err != nil {
			return err
		}
	}
	return nil
}

// fatEntryLocation returns the sector and in-sector byte offset of
// cluster's 4-byte FAT entry.
func (v *Volume) fatEntryLocation(cluster uint32) (uint32, uint32) {
	fatOffset := cluster * 4
	return v.fatStartLBA + fatOffset/v.bytesPerSector, fatOffset % v.bytesPerSector
}

func (v *Volume) getFATEntry(cluster uint32) (uint32, *kernel.Error) {
	lba, offset := v.fatEntryLocation(cluster)
	sector := make([]byte, v.bytesPerSector)
	if err := v.dev.ReadSector(lba, sector); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(sector[offset:]) & clusterMask, nil
}

// setFATEntry writes value into every FAT copy (fatCount of them) for
// cluster.
func (v *Volume) setFATEntry(cluster, value uint32) *kernel.Error {
	lba, offset := v.fatEntryLocation(cluster)
	sector := make([]byte, v.bytesPerSector)
	if err := v.dev.ReadSector(lba, sector); err != nil {
		return err
	}

	existing := binary.LittleEndian.Uint32(sector[offset:])
	binary.LittleEndian.PutUint32(sector[offset:], (value&clusterMask)|(existing&^clusterMask))

	for copyIdx := uint32(0); copyIdx < v.fatCount; copyIdx++ {
		copyLBA := lba + copyIdx*v.sectorsPerFAT
		if err := v.dev.WriteSector(copyLBA, sector); err != nil {
			return err
		}
	}
	return nil
}

// allocateCluster finds a free cluster by linear scan, marks it
// end-of-chain, and returns it.
func (v *Volume) allocateCluster() (uint32, *kernel.Error) {
	totalClusters := v.sectorsPerFAT * v.bytesPerSector / 4
	for c := uint32(2); c < totalClusters; c++ {
		entry, err := v.getFATEntry(c)
		if err != nil {
			return 0, err
		}
		if entry == clusterFree {
			if err := v.setFATEntry(c, clusterEndOfChain); err != nil {
				return 0, err
			}
			return c, nil
		}
	}
	return 0, ErrNoSpace
}

// allocateChain allocates count clusters linked in sequence and returns the
// first cluster of the chain.
func (v *Volume) allocateChain(count int) (uint32, *kernel.Error) {
	if count == 0 {
		count = 1
	}

	first, err := v.allocateCluster()
	if err != nil {
		return 0, err
	}

	prev := first
	for i := 1; i < count; i++ {
		next, err := v.allocateCluster()
		if err != nil {
			v.freeChain(first)
			return 0, err
		}
		if err := v.setFATEntry(prev, next); err != nil {
			return 0, err
		}
		prev = next
	}

	return first, nil
}

// freeChain walks the chain starting at first, setting every entry to
// clusterFree.
func (v *Volume) freeChain(first uint32) *kernel.Error {
	cluster := first
	for cluster >= 2 && cluster < clusterBad {
		next, err := v.getFATEntry(cluster)
		if err != nil {
			return err
		}
		if err := v.setFATEntry(cluster, clusterFree); err != nil {
			return err
		}
		if next >= clusterEndOfChain || next == clusterBad {
			break
		}
		cluster = next
	}
	return nil
}

// rawDirEntry is an unpacked 32-byte FAT32 directory entry.
type rawDirEntry struct {
	name         [11]byte
	attr         byte
	firstCluster uint32
	size         uint32
}

func parseDirEntry(b []byte) rawDirEntry {
	return rawDirEntry{
		name:         [11]byte(b[0:11]),
		attr:         b[11],
		firstCluster: uint32(binary.LittleEndian.Uint16(b[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(b[26:28])),
		size:         binary.LittleEndian.Uint32(b[28:32]),
	}
}

func encodeName(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	base, ext := splitName(name)
	for i := 0; i < len(base) && i < 8; i++ {
		out[i] = upperByte(base[i])
	}
	for i := 0; i < len(ext) && i < 3; i++ {
		out[8+i] = upperByte(ext[i])
	}
	return out
}

func splitName(name string) (string, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

func upperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

func decodeName(raw [11]byte) string {
	var out []byte
	for i := 0; i < 8 && raw[i] != ' '; i++ {
		out = append(out, raw[i])
	}
	if raw[8] != ' ' {
		out = append(out, '.')
		for i := 8; i < 11 && raw[i] != ' '; i++ {
			out = append(out, raw[i])
		}
	}
	return string(out)
}

func equalFold83(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if upperByte(a[i]) != upperByte(b[i]) {
			return false
		}
	}
	return true
}

// walkDirectory invokes visit for every live (non-free, non-deleted,
// non-long-name) entry in the chain starting at cluster, stopping early if
// visit returns false. It also reports the cluster and byte offset each
// visited entry was found at, so callers can rewrite or delete it in place.
func (v *Volume) walkDirectory(cluster uint32, visit func(entry rawDirEntry, dirCluster uint32, offset uint32) bool) *kernel.Error {
	clusterSize := v.clusterSize()
	buf := make([]byte, clusterSize)
	current := cluster

	for {
		if err := v.readCluster(current, buf); err != nil {
			return err
		}

		for off := uint32(0); off+dirEntrySize <= clusterSize; off += dirEntrySize {
			raw := buf[off : off+dirEntrySize]
			switch raw[0] {
			case entryFree:
				return nil
			case entryDeleted:
				continue
			}

			entry := parseDirEntry(raw)
			if entry.attr == attrLongName {
				continue
			}

			if !visit(entry, current, off) {
				return nil
			}
		}

		next, err := v.getFATEntry(current)
		if err != nil {
			return err
		}
		if next >= clusterEndOfChain || next == clusterBad {
			return nil
		}
		current = next
	}
}

func toFileEntry(entry rawDirEntry, dirCluster, offset uint32) FileEntry {
	return FileEntry{
		Name:         decodeName(entry.name),
		IsDirectory:  entry.attr&attrDirectory != 0,
		Size:         entry.size,
		FirstCluster: entry.firstCluster,
		dirCluster:   dirCluster,
		dirOffset:    offset,
	}
}

// ListDirectory walks cluster's chain and returns every live, non-volume-ID
// entry.
func (v *Volume) ListDirectory(cluster uint32) ([]FileEntry, *kernel.Error) {
	var out []FileEntry
	err := v.walkDirectory(cluster, func(entry rawDirEntry, dirCluster, offset uint32) bool {
		if entry.attr&attrVolumeID == 0 {
			out = append(out, toFileEntry(entry, dirCluster, offset))
		}
		return true
	})
	return out, err
}

// ListRoot is shorthand for ListDirectory(root cluster).
func (v *Volume) ListRoot() ([]FileEntry, *kernel.Error) {
	return v.ListDirectory(v.rootCluster)
}

// Find performs a case-insensitive 8.3 name lookup within cluster's
// directory.
func (v *Volume) Find(name string, cluster uint32) (*FileEntry, *kernel.Error) {
	var found *FileEntry
	err := v.walkDirectory(cluster, func(entry rawDirEntry, dirCluster, offset uint32) bool {
		if entry.attr&attrVolumeID != 0 {
			return true
		}
		if equalFold83(decodeName(entry.name), name) {
			fe := toFileEntry(entry, dirCluster, offset)
			found = &fe
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Read walks the cluster chain starting at firstCluster, returning exactly
// size bytes (truncating the final cluster-sized block as needed).
func (v *Volume) Read(firstCluster uint32, size uint32) ([]byte, *kernel.Error) {
	clusterSize := v.clusterSize()
	out := make([]byte, 0, size)
	cluster := firstCluster

	for uint32(len(out)) < size {
		buf := make([]byte, clusterSize)
		if err := v.readCluster(cluster, buf); err != nil {
			return nil, err
		}

		remaining := size - uint32(len(out))
		if remaining > clusterSize {
			remaining = clusterSize
		}
		out = append(out, buf[:remaining]...)

		if uint32(len(out)) >= size {
			break
		}

		next, err := v.getFATEntry(cluster)
		if err != nil {
			return nil, err
		}
		if next >= clusterEndOfChain || next == clusterBad {
			break
		}
		cluster = next
	}

	return out, nil
}

// writeChainData writes data across an already-allocated chain starting at
// firstCluster, one cluster at a time, zero-padding the final cluster.
func (v *Volume) writeChainData(firstCluster uint32, data []byte) *kernel.Error {
	clusterSize := v.clusterSize()
	cluster := firstCluster
	offset := 0

	for offset < len(data) {
		buf := make([]byte, clusterSize)
		n := copy(buf, data[offset:])
		_ = n

		if err := v.writeCluster(cluster, buf); err != nil {
			return err
		}
		offset += int(clusterSize)

		if offset >= len(data) {
			break
		}

		next, err := v.getFATEntry(cluster)
		if err != nil {
			return err
		}
		cluster = next
	}

	return nil
}

// insertDirEntry finds or extends a free 32-byte slot in dirCluster's chain
// and writes a new 8.3 entry for name/firstCluster/size into it.
func (v *Volume) insertDirEntry(dirCluster uint32, name string, firstCluster, size uint32) *kernel.Error {
	clusterSize := v.clusterSize()
	buf := make([]byte, clusterSize)
	cluster := dirCluster

	for {
		if err := v.readCluster(cluster, buf); err != nil {
			return err
		}

		for off := uint32(0); off+dirEntrySize <= clusterSize; off += dirEntrySize {
			marker := buf[off]
			if marker != entryFree && marker != entryDeleted {
				continue
			}

			entryName := encodeName(name)
			copy(buf[off:off+11], entryName[:])
			buf[off+11] = 0 // attr: plain file
			binary.LittleEndian.PutUint16(buf[off+20:], uint16(firstCluster>>16))
			binary.LittleEndian.PutUint16(buf[off+26:], uint16(firstCluster))
			binary.LittleEndian.PutUint32(buf[off+28:], size)

			return v.writeCluster(cluster, buf)
		}

		next, err := v.getFATEntry(cluster)
		if err != nil {
			return err
		}
		if next >= clusterEndOfChain || next == clusterBad {
			return ErrNoSpace
		}
		cluster = next
	}
}

// Create allocates a cluster chain sized to hold data, writes it, and
// inserts an 8.3 directory entry for name in dirCluster.
func (v *Volume) Create(dirCluster uint32, name string, data []byte) (*FileEntry, *kernel.Error) {
	v.lock.Acquire()
	defer v.lock.Release()

	clusterSize := v.clusterSize()
	count := (len(data) + int(clusterSize) - 1) / int(clusterSize)

	first, err := v.allocateChain(count)
	if err != nil {
		return nil, err
	}

	if err := v.writeChainData(first, data); err != nil {
		v.freeChain(first)
		return nil, err
	}

	if err := v.insertDirEntry(dirCluster, name, first, uint32(len(data))); err != nil {
		v.freeChain(first)
		return nil, err
	}

	return &FileEntry{Name: name, Size: uint32(len(data)), FirstCluster: first}, nil
}

// Write overwrites the chain starting at firstCluster with data, extending
// or truncating the chain as needed. The chain always keeps at least one
// cluster, even for empty data, so the returned first cluster is always
// firstCluster.
func (v *Volume) Write(firstCluster uint32, data []byte) (uint32, *kernel.Error) {
	v.lock.Acquire()
	defer v.lock.Release()

	clusterSize := v.clusterSize()
	needed := (len(data) + int(clusterSize) - 1) / int(clusterSize)
	if needed == 0 {
		needed = 1
	}

	existing, err := v.chainLength(firstCluster)
	if err != nil {
		return 0, err
	}

	cluster := firstCluster
	for i := 1; i < needed && i < existing; i++ {
		cluster, err = v.getFATEntry(cluster)
		if err != nil {
			return 0, err
		}
	}

	if existing < needed {
		if err := v.extendChain(cluster, needed-existing); err != nil {
			return 0, err
		}
	} else if existing > needed {
		tail, err := v.getFATEntry(cluster)
		if err != nil {
			return 0, err
		}
		if err := v.setFATEntry(cluster, clusterEndOfChain); err != nil {
			return 0, err
		}
		if tail < clusterEndOfChain && tail != clusterBad {
			v.freeChain(tail)
		}
	}

	if err := v.writeChainData(firstCluster, data); err != nil {
		return 0, err
	}

	return firstCluster, nil
}

func (v *Volume) chainLength(first uint32) (int, *kernel.Error) {
	n := 0
	cluster := first
	for cluster >= 2 && cluster < clusterBad {
		n++
		next, err := v.getFATEntry(cluster)
		if err != nil {
			return 0, err
		}
		if next >= clusterEndOfChain || next == clusterBad {
			break
		}
		cluster = next
	}
	return n, nil
}

func (v *Volume) extendChain(tail uint32, more int) *kernel.Error {
	for i := 0; i < more; i++ {
		next, err := v.allocateCluster()
		if err != nil {
			return err
		}
		if err := v.setFATEntry(tail, next); err != nil {
			return err
		}
		tail = next
	}
	return nil
}

// Delete frees name's cluster chain and marks its directory entry deleted.
func (v *Volume) Delete(dirCluster uint32, name string) *kernel.Error {
	v.lock.Acquire()
	defer v.lock.Release()

	entry, kerr := v.Find(name, dirCluster)
	if kerr != nil {
		return kerr
	}

	if err := v.freeChain(entry.FirstCluster); err != nil {
		return err
	}

	buf := make([]byte, v.clusterSize())
	if err := v.readCluster(entry.dirCluster, buf); err != nil {
		return err
	}
	buf[entry.dirOffset] = entryDeleted
	return v.writeCluster(entry.dirCluster, buf)
}
