package fs

import (
	"testing"

	"sv39os/internal/blockdev"
	"sv39os/internal/defs"
)

func TestBlockCacheManagerHitReturnsShared(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(2)
	mgr := NewBlockCacheManager(dev)
	h1 := mgr.Get(0)
	h1.Cache().Modify(0, 1, func(b []byte) { b[0] = 0x7 })
	h2 := mgr.Get(0)
	h2.Cache().Read(0, 1, func(b []byte) {
		if b[0] != 0x7 {
			t.Fatalf("expected shared cache instance, got %#x", b[0])
		}
	})
	h1.Release()
	h2.Release()
}

func TestBlockCacheManagerEvictionAndExhaustion(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(defs.BlockCacheSize + 4)
	mgr := NewBlockCacheManager(dev)

	// Fill to capacity, keeping every handle pinned.
	var handles []*Handle
	for i := 0; i < defs.BlockCacheSize; i++ {
		handles = append(handles, mgr.Get(i))
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic when cache is fully pinned")
			}
		}()
		mgr.Get(defs.BlockCacheSize)
	}()

	handles[0].Release()
	// Now block 0's entry is evictable; requesting a new block should succeed.
	h := mgr.Get(defs.BlockCacheSize)
	h.Release()
	for _, h := range handles[1:] {
		h.Release()
	}
}

func TestBlockCacheSyncAllFlushesDirty(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(2)
	mgr := NewBlockCacheManager(dev)
	h := mgr.Get(1)
	h.Cache().Modify(0, 4, func(b []byte) { copy(b, []byte{1, 2, 3, 4}) })
	mgr.SyncAll()
	h.Release()

	var buf [defs.BlockSZ]byte
	dev.ReadBlock(1, &buf)
	if buf[0] != 1 || buf[3] != 4 {
		t.Fatalf("sync_all did not flush to device: %v", buf[:4])
	}
}
