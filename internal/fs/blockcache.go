// Package fs implements easy-fs: a bounded block cache, a bitmap
// allocator, the on-disk super-block/inode/directory-entry layout, the
// filesystem-level allocator (EasyFileSystem), and the VFS-side Inode.
package fs

import (
	"fmt"
	"sync"

	"sv39os/internal/blockdev"
	"sv39os/internal/defs"
)

// BlockCache holds one in-memory copy of a 512-byte disk block plus a
// dirty flag. Reads/writes of typed values at a byte offset are exposed
// through Read/Modify closures, mirroring the original's get_ref/get_mut
// pair collapsed into a single call.
type BlockCache struct {
	mu      sync.Mutex
	buf     [defs.BlockSZ]byte
	blockID int
	dev     blockdev.BlockDevice
	dirty   bool
}

func newBlockCache(blockID int, dev blockdev.BlockDevice) *BlockCache {
	bc := &BlockCache{blockID: blockID, dev: dev}
	dev.ReadBlock(blockID, &bc.buf)
	return bc
}

// Read invokes fn with a read-only view of sz bytes at offset, asserting
// offset+sz <= BlockSZ.
func (bc *BlockCache) Read(offset, sz int, fn func(b []byte)) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if offset < 0 || offset+sz > defs.BlockSZ {
		panic(fmt.Sprintf("fs: block cache read offset %d size %d exceeds %d", offset, sz, defs.BlockSZ))
	}
	fn(bc.buf[offset : offset+sz])
}

// Modify invokes fn with a mutable view of sz bytes at offset and marks
// the block dirty.
func (bc *BlockCache) Modify(offset, sz int, fn func(b []byte)) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if offset < 0 || offset+sz > defs.BlockSZ {
		panic(fmt.Sprintf("fs: block cache modify offset %d size %d exceeds %d", offset, sz, defs.BlockSZ))
	}
	bc.dirty = true
	fn(bc.buf[offset : offset+sz])
}

// Sync flushes the block to device if dirty.
func (bc *BlockCache) Sync() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.syncLocked()
}

func (bc *BlockCache) syncLocked() {
	if bc.dirty {
		bc.dirty = false
		bc.dev.WriteBlock(bc.blockID, &bc.buf)
	}
}

// cacheEntry pairs a block id with its cache, and a reference count
// standing in for Rust's Arc::strong_count: it counts outstanding
// Handles only (the manager's own slot is not counted, so refs == 0
// corresponds to a strong count of one); Get bumps it, Release drops it.
type cacheEntry struct {
	blockID int
	cache   *BlockCache
	refs    int
}

// BlockCacheManager is the bounded FIFO-eviction cache manager (spec.md
// §4.D): capacity BlockCacheSize, eviction picks the earliest-inserted
// entry with no outstanding handles besides the manager's own.
type BlockCacheManager struct {
	mu    sync.Mutex
	queue []*cacheEntry
	dev   blockdev.BlockDevice
}

// NewBlockCacheManager creates a manager over dev.
func NewBlockCacheManager(dev blockdev.BlockDevice) *BlockCacheManager {
	return &BlockCacheManager{dev: dev}
}

// Handle is a checked-out reference to a cached block; Release must be
// called when the caller is done with it (the Go analogue of an Arc
// handle's Drop).
type Handle struct {
	entry *cacheEntry
	mgr   *BlockCacheManager
	freed bool
}

// Cache returns the underlying BlockCache.
func (h *Handle) Cache() *BlockCache { return h.entry.cache }

// Release drops this handle's reference.
func (h *Handle) Release() {
	if h.freed {
		return
	}
	h.freed = true
	h.mgr.mu.Lock()
	h.entry.refs--
	h.mgr.mu.Unlock()
}

// Get returns a handle to blockID's cache, loading it from device on
// miss and evicting the earliest-inserted fully-idle entry if the cache
// is already at capacity. Panics (fatal CacheExhausted) if every entry
// is pinned.
func (m *BlockCacheManager) Get(blockID int) *Handle {
	m.mu.Lock()
	for _, e := range m.queue {
		if e.blockID == blockID {
			e.refs++
			m.mu.Unlock()
			return &Handle{entry: e, mgr: m}
		}
	}
	if len(m.queue) == defs.BlockCacheSize {
		idx := -1
		for i, e := range m.queue {
			if e.refs == 0 {
				idx = i
				break
			}
		}
		if idx == -1 {
			m.mu.Unlock()
			panic("fs: run out of BlockCache (all entries pinned)")
		}
		m.queue[idx].cache.Sync()
		m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
	}
	m.mu.Unlock()

	cache := newBlockCache(blockID, m.dev)
	entry := &cacheEntry{blockID: blockID, cache: cache, refs: 1}

	m.mu.Lock()
	m.queue = append(m.queue, entry)
	m.mu.Unlock()
	return &Handle{entry: entry, mgr: m}
}

// SyncAll flushes every live entry without evicting any of them.
func (m *BlockCacheManager) SyncAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.queue {
		e.cache.Sync()
	}
}
