package fs

import (
	"encoding/binary"

	"sv39os/internal/defs"
)

const efsMagic uint32 = 0x3b800000

// SuperBlock occupies block 0 and records the region boundaries of the
// whole filesystem (spec.md §3/§4.F). On-disk layout (little-endian,
// 32-bit fields): magic, total_blocks, inode_bitmap_blocks,
// inode_area_blocks, data_bitmap_blocks, data_area_blocks.
type SuperBlock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

const superBlockSize = 4 * 6

func (sb *SuperBlock) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], sb.Magic)
	le.PutUint32(buf[4:], sb.TotalBlocks)
	le.PutUint32(buf[8:], sb.InodeBitmapBlocks)
	le.PutUint32(buf[12:], sb.InodeAreaBlocks)
	le.PutUint32(buf[16:], sb.DataBitmapBlocks)
	le.PutUint32(buf[20:], sb.DataAreaBlocks)
}

func (sb *SuperBlock) decode(buf []byte) {
	le := binary.LittleEndian
	sb.Magic = le.Uint32(buf[0:])
	sb.TotalBlocks = le.Uint32(buf[4:])
	sb.InodeBitmapBlocks = le.Uint32(buf[8:])
	sb.InodeAreaBlocks = le.Uint32(buf[12:])
	sb.DataBitmapBlocks = le.Uint32(buf[16:])
	sb.DataAreaBlocks = le.Uint32(buf[20:])
}

// IsValid reports whether the magic matches.
func (sb *SuperBlock) IsValid() bool { return sb.Magic == efsMagic }

// DiskInodeType distinguishes a plain file from the (single, root)
// directory.
type DiskInodeType uint32

const (
	TypeFile DiskInodeType = iota
	TypeDirectory
)

// Disk-inode addressing limits (spec.md §4.G / §8 property 7).
const (
	DirectCount   = 28
	IndirectCount = defs.BlockSZ / 4 // 128 u32 entries per index block
)

// DiskInode is the on-disk inode: size, 28 direct block pointers, one
// singly-indirect pointer, one doubly-indirect pointer, and a type tag.
// Encoded size must stay <= BlockSZ / inodesPerBlock-friendly; with 28
// direct entries this is 4 + 28*4 + 4 + 4 + 4 = 128 bytes, so 4 inodes
// pack per 512-byte block.
type DiskInode struct {
	Size      uint32
	Direct    [DirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      DiskInodeType
}

const DiskInodeSize = 4 + DirectCount*4 + 4 + 4 + 4 // 128 bytes

func (di *DiskInode) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], di.Size)
	for i := 0; i < DirectCount; i++ {
		le.PutUint32(buf[4+i*4:], di.Direct[i])
	}
	off := 4 + DirectCount*4
	le.PutUint32(buf[off:], di.Indirect1)
	le.PutUint32(buf[off+4:], di.Indirect2)
	le.PutUint32(buf[off+8:], uint32(di.Type))
}

func (di *DiskInode) decode(buf []byte) {
	le := binary.LittleEndian
	di.Size = le.Uint32(buf[0:])
	for i := 0; i < DirectCount; i++ {
		di.Direct[i] = le.Uint32(buf[4+i*4:])
	}
	off := 4 + DirectCount*4
	di.Indirect1 = le.Uint32(buf[off:])
	di.Indirect2 = le.Uint32(buf[off+4:])
	di.Type = DiskInodeType(le.Uint32(buf[off+8:]))
}

// IsDir / IsFile report the inode's type.
func (di *DiskInode) IsDir() bool  { return di.Type == TypeDirectory }
func (di *DiskInode) IsFile() bool { return di.Type == TypeFile }

func (di *DiskInode) initialize(t DiskInodeType) {
	*di = DiskInode{Type: t}
}

// DataBlocks returns the number of data blocks currently allocated to
// hold Size bytes, ceil(size/BlockSZ).
func (di *DiskInode) DataBlocks() uint32 {
	return dataBlocksForSize(di.Size)
}

func dataBlocksForSize(size uint32) uint32 {
	return (size + defs.BlockSZ - 1) / defs.BlockSZ
}

// totalBlocksForSize returns the number of data blocks needed to hold size
// bytes, plus the index blocks (indirect1, indirect2, and second-level
// indirect2 blocks) needed to address them.
func totalBlocksForSize(size uint32) uint32 {
	data := dataBlocksForSize(size)
	total := data
	if data > DirectCount {
		total++ // indirect1 block itself
	}
	if data > DirectCount+IndirectCount {
		indirect2Data := data - DirectCount - IndirectCount
		total++ // indirect2 block itself
		total += (indirect2Data + IndirectCount - 1) / IndirectCount
	}
	return total
}

// DirEntrySize is the fixed on-disk size of a directory entry: a
// 28-byte zero-padded name (27 usable bytes plus a NUL terminator) plus
// a 4-byte little-endian inode id, for 32 bytes total — 16 entries pack
// per 512-byte block.
const (
	dirEntryNameField = 28
	dirEntryNameLen   = dirEntryNameField - 1
	DirEntrySize      = dirEntryNameField + 4
)

// DirEntry is one directory entry.
type DirEntry struct {
	Name string
	Ino  uint32
}

func encodeDirEntry(name string, ino uint32, buf []byte) {
	if len(name) > dirEntryNameLen {
		panic("fs: directory entry name too long")
	}
	for i := range buf[:DirEntrySize] {
		buf[i] = 0
	}
	copy(buf[:dirEntryNameField], name)
	binary.LittleEndian.PutUint32(buf[dirEntryNameField:], ino)
}

func decodeDirEntry(buf []byte) DirEntry {
	nameBytes := buf[:dirEntryNameField]
	n := 0
	for n < len(nameBytes) && nameBytes[n] != 0 {
		n++
	}
	return DirEntry{
		Name: string(nameBytes[:n]),
		Ino:  binary.LittleEndian.Uint32(buf[dirEntryNameField:]),
	}
}
