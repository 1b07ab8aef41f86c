package fs

import (
	"bytes"
	"testing"

	"sv39os/internal/blockdev"
)

// TestScenarioS1 mirrors spec.md scenario S1: format a 4096-block image
// with 1 inode-bitmap block, expect a valid super-block, an empty root,
// and exactly one inode allocated (the root itself).
func TestScenarioS1(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(4096)
	efs := Create(dev, 4096, 1)

	root := efs.RootInode()
	if names := root.Ls(); len(names) != 0 {
		t.Fatalf("expected empty root, got %v", names)
	}

	if bit, ok := efs.InodeBitmap.Alloc(efs.Mgr); !ok || bit != 1 {
		t.Fatalf("expected next free inode bit to be 1 (0 used by root), got %d ok=%v", bit, ok)
	}
}

func TestFileSystemRoundTrip(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(4096)
	efs := Create(dev, 4096, 1)
	root := efs.RootInode()

	f, ok := root.Create("f")
	if !ok {
		t.Fatalf("expected create to succeed")
	}
	data := bytes.Repeat([]byte{0xAB, 0xCD}, 1000)
	n := f.WriteAt(0, data)
	if n != len(data) {
		t.Fatalf("short write: %d of %d", n, len(data))
	}

	f2, ok := root.Find("f")
	if !ok {
		t.Fatalf("expected to find f")
	}
	got := f2.ReadAll()
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes want %d", len(got), len(data))
	}
}

func TestFileSystemRoundTripLarge(t *testing.T) {
	// Exercise direct + indirect1 + a slice of indirect2 addressing.
	dev := blockdev.NewMemBlockDevice(40000)
	efs := Create(dev, 40000, 4)
	root := efs.RootInode()

	f, _ := root.Create("big")
	size := (28 + 128 + 200) * 512
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	n := f.WriteAt(0, data)
	if n != size {
		t.Fatalf("short write: %d of %d", n, size)
	}

	f2, _ := root.Find("big")
	got := f2.ReadAll()
	if !bytes.Equal(got, data) {
		t.Fatalf("large round trip mismatch: got %d bytes want %d", len(got), len(data))
	}
}

func TestInodeClearFreesDataButNotID(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(4096)
	efs := Create(dev, 4096, 1)
	root := efs.RootInode()

	f, _ := root.Create("f")
	f.WriteAt(0, bytes.Repeat([]byte{1}, 3*512))
	if f.Size() == 0 {
		t.Fatalf("expected nonzero size before clear")
	}
	f.Clear()
	if f.Size() != 0 {
		t.Fatalf("expected size 0 after clear, got %d", f.Size())
	}
	// Still findable: the inode id itself was not freed.
	if _, ok := root.Find("f"); !ok {
		t.Fatalf("expected f to still be findable after Clear")
	}
}

func TestInodeCreateDuplicateFails(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(4096)
	efs := Create(dev, 4096, 1)
	root := efs.RootInode()
	root.Create("dup")
	if _, ok := root.Create("dup"); ok {
		t.Fatalf("expected duplicate create to fail")
	}
}

func TestInodeRename(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(4096)
	efs := Create(dev, 4096, 1)
	root := efs.RootInode()
	root.Create("old")
	if !root.Rename("old", "new") {
		t.Fatalf("expected rename to succeed")
	}
	if _, ok := root.Find("old"); ok {
		t.Fatalf("old name should no longer resolve")
	}
	if _, ok := root.Find("new"); !ok {
		t.Fatalf("new name should resolve")
	}
}

func TestOpenReconstructsLayout(t *testing.T) {
	dev := blockdev.NewMemBlockDevice(4096)
	efs := Create(dev, 4096, 1)
	root := efs.RootInode()
	root.Create("f")
	// The block cache is write-back: flush it, as closing the image would,
	// before a fresh EasyFileSystem reads the device.
	efs.Mgr.SyncAll()

	reopened := Open(dev)
	root2 := reopened.RootInode()
	names := root2.Ls()
	if len(names) != 1 || names[0] != "f" {
		t.Fatalf("expected reopened root to list [f], got %v", names)
	}
}
