package fs

import (
	"encoding/binary"
	"fmt"

	"sv39os/internal/defs"
)

const blockBits = defs.BlockSZ * 8 // 4096 bits/block, as 64 uint64 words

// decomposition splits an absolute bit index into (block offset within
// the bitmap region, word index within the block, bit index within the
// word).
func decomposition(bit int) (blockPos, wordPos, bitPos int) {
	blockPos = bit / blockBits
	bit %= blockBits
	return blockPos, bit / 64, bit % 64
}

// Bitmap manages a contiguous run of blocks, each interpreted as 64
// little-endian u64 words (4096 bits), starting at startBlockID within
// the owning device.
type Bitmap struct {
	startBlockID int
	numBlocks    int
}

// NewBitmap describes a bitmap region of numBlocks blocks starting at
// startBlockID.
func NewBitmap(startBlockID, numBlocks int) *Bitmap {
	return &Bitmap{startBlockID: startBlockID, numBlocks: numBlocks}
}

func readWord(buf []byte, wordPos int) uint64 {
	return binary.LittleEndian.Uint64(buf[wordPos*8 : wordPos*8+8])
}

func writeWord(buf []byte, wordPos int, v uint64) {
	binary.LittleEndian.PutUint64(buf[wordPos*8:wordPos*8+8], v)
}

// Alloc scans blocks in order, finds the first word that isn't all-ones,
// sets its lowest clear bit, and returns the absolute bit index. ok is
// false if the region is fully allocated.
func (bm *Bitmap) Alloc(mgr *BlockCacheManager) (bit int, ok bool) {
	for b := 0; b < bm.numBlocks; b++ {
		h := mgr.Get(b + bm.startBlockID)
		foundWord := -1
		h.Cache().Read(0, defs.BlockSZ, func(buf []byte) {
			for w := 0; w < 64; w++ {
				if readWord(buf, w) != ^uint64(0) {
					foundWord = w
					return
				}
			}
		})
		if foundWord == -1 {
			h.Release()
			continue
		}
		found := -1
		h.Cache().Modify(0, defs.BlockSZ, func(buf []byte) {
			v := readWord(buf, foundWord)
			found = trailingOnes(v)
			writeWord(buf, foundWord, v|(uint64(1)<<uint(found)))
		})
		h.Release()
		return b*blockBits + foundWord*64 + found, true
	}
	return 0, false
}

// trailingOnes counts the number of set low-order bits (the position of
// the lowest zero bit).
func trailingOnes(v uint64) int {
	n := 0
	for v&1 == 1 {
		n++
		v >>= 1
	}
	return n
}

// Dealloc clears bit. Fatal (DoubleFree) if it is already clear.
func (bm *Bitmap) Dealloc(mgr *BlockCacheManager, bit int) {
	blockPos, wordPos, bitPos := decomposition(bit)
	h := mgr.Get(blockPos + bm.startBlockID)
	defer h.Release()
	h.Cache().Modify(0, defs.BlockSZ, func(buf []byte) {
		v := readWord(buf, wordPos)
		mask := uint64(1) << uint(bitPos)
		if v&mask == 0 {
			panic(fmt.Sprintf("fs: double free of bitmap bit %d", bit))
		}
		writeWord(buf, wordPos, v&^mask)
	})
}

// Maximum returns the total bit capacity of this region.
func (bm *Bitmap) Maximum() int {
	return bm.numBlocks * blockBits
}
