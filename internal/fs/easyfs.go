package fs

import (
	"sync"

	"sv39os/internal/blockdev"
	"sv39os/internal/defs"
	"sv39os/internal/util"
)

// EasyFileSystem ties together the block-cache manager and the two
// bitmap allocators (inode, data) into the whole-disk layout described
// in spec.md §4.F.
type EasyFileSystem struct {
	mu                   sync.Mutex
	Dev                  blockdev.BlockDevice
	Mgr                  *BlockCacheManager
	InodeBitmap          *Bitmap
	DataBitmap           *Bitmap
	inodeAreaStartBlock  uint32
	dataAreaStartBlock   uint32
}

// Create formats dev as a fresh easy-fs image of totalBlocks blocks with
// inodeBitmapBlocks blocks reserved for the inode bitmap, and returns the
// filesystem with its root directory inode already allocated (inode 0).
func Create(dev blockdev.BlockDevice, totalBlocks, inodeBitmapBlocks uint32) *EasyFileSystem {
	inodeBitmap := NewBitmap(1, int(inodeBitmapBlocks))
	inodeNum := uint32(inodeBitmap.Maximum())
	inodeAreaBlocks := util.Ceil(inodeNum*DiskInodeSize, uint32(defs.BlockSZ))
	inodeTotalBlocks := inodeBitmapBlocks + inodeAreaBlocks
	dataTotalBlocks := totalBlocks - 1 - inodeTotalBlocks
	dataBitmapBlocks := util.Ceil(dataTotalBlocks, uint32(4097))
	dataAreaBlocks := dataTotalBlocks - dataBitmapBlocks
	dataBitmapStart := 1 + inodeBitmapBlocks + inodeAreaBlocks

	mgr := NewBlockCacheManager(dev)
	efs := &EasyFileSystem{
		Dev:                 dev,
		Mgr:                 mgr,
		InodeBitmap:         inodeBitmap,
		DataBitmap:          NewBitmap(int(dataBitmapStart), int(dataBitmapBlocks)),
		inodeAreaStartBlock: 1 + inodeBitmapBlocks,
		dataAreaStartBlock:  1 + inodeTotalBlocks + dataBitmapBlocks,
	}

	for i := uint32(0); i < totalBlocks; i++ {
		h := mgr.Get(int(i))
		h.Cache().Modify(0, defs.BlockSZ, func(buf []byte) {
			for i := range buf {
				buf[i] = 0
			}
		})
		h.Release()
	}

	h := mgr.Get(0)
	h.Cache().Modify(0, superBlockSize, func(buf []byte) {
		sb := SuperBlock{
			Magic:             efsMagic,
			TotalBlocks:       totalBlocks,
			InodeBitmapBlocks: inodeBitmapBlocks,
			InodeAreaBlocks:   inodeAreaBlocks,
			DataBitmapBlocks:  dataBitmapBlocks,
			DataAreaBlocks:    dataAreaBlocks,
		}
		sb.encode(buf)
	})
	h.Release()

	rootID := efs.allocInode()
	if rootID != 0 {
		panic("fs: root inode must be allocated first")
	}
	blockID, offset := efs.diskInodePos(0)
	h = mgr.Get(blockID)
	h.Cache().Modify(offset, DiskInodeSize, func(buf []byte) {
		var di DiskInode
		di.initialize(TypeDirectory)
		di.encode(buf)
	})
	h.Release()

	mgr.SyncAll()
	return efs
}

// Open reads block 0 and reconstructs the filesystem's region layout
// from an already-formatted image.
func Open(dev blockdev.BlockDevice) *EasyFileSystem {
	mgr := NewBlockCacheManager(dev)
	h := mgr.Get(0)
	var sb SuperBlock
	h.Cache().Read(0, superBlockSize, func(buf []byte) { sb.decode(buf) })
	h.Release()
	if !sb.IsValid() {
		panic("fs: invalid superblock magic")
	}
	inodeTotalBlocks := sb.InodeBitmapBlocks + sb.InodeAreaBlocks
	return &EasyFileSystem{
		Dev:                 dev,
		Mgr:                 mgr,
		InodeBitmap:         NewBitmap(1, int(sb.InodeBitmapBlocks)),
		DataBitmap:          NewBitmap(int(1+inodeTotalBlocks), int(sb.DataBitmapBlocks)),
		inodeAreaStartBlock: 1 + sb.InodeBitmapBlocks,
		dataAreaStartBlock:  1 + inodeTotalBlocks + sb.DataBitmapBlocks,
	}
}

// RootInode returns a handle onto the root directory (always inode 0).
func (efs *EasyFileSystem) RootInode() *Inode {
	blockID, offset := efs.diskInodePos(0)
	return &Inode{blockID: blockID, blockOffset: offset, efs: efs}
}

// diskInodePos converts an inode id to its (block id, byte offset).
func (efs *EasyFileSystem) diskInodePos(inodeID uint32) (blockID int, offset int) {
	inodesPerBlock := uint32(defs.BlockSZ / DiskInodeSize)
	return int(efs.inodeAreaStartBlock + inodeID/inodesPerBlock), int(inodeID%inodesPerBlock) * DiskInodeSize
}

func (efs *EasyFileSystem) dataBlockID(dataBlockID uint32) uint32 {
	return efs.dataAreaStartBlock + dataBlockID
}

func (efs *EasyFileSystem) allocInode() uint32 {
	efs.mu.Lock()
	defer efs.mu.Unlock()
	bit, ok := efs.InodeBitmap.Alloc(efs.Mgr)
	if !ok {
		panic("fs: inode bitmap exhausted")
	}
	return uint32(bit)
}

// allocData allocates one data block and returns its absolute block id.
func (efs *EasyFileSystem) allocData() uint32 {
	efs.mu.Lock()
	defer efs.mu.Unlock()
	bit, ok := efs.DataBitmap.Alloc(efs.Mgr)
	if !ok {
		panic("fs: data bitmap exhausted")
	}
	return uint32(bit) + efs.dataAreaStartBlock
}

// deallocData zeroes the block then clears its bitmap bit.
func (efs *EasyFileSystem) deallocData(blockID uint32) {
	h := efs.Mgr.Get(int(blockID))
	h.Cache().Modify(0, defs.BlockSZ, func(buf []byte) {
		for i := range buf {
			buf[i] = 0
		}
	})
	h.Release()
	efs.mu.Lock()
	defer efs.mu.Unlock()
	efs.DataBitmap.Dealloc(efs.Mgr, int(blockID-efs.dataAreaStartBlock))
}
