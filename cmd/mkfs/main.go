// Command mkfs is the offline easy-fs image builder (spec.md §4.F
// Create), the analogue of the teacher's biscuit/src/mkfs/mkfs.go
// which walks a host directory tree and copies it into a freshly
// formatted image. This version targets easy-fs's flat single-root
// layout instead of ufs's nested directories (spec.md's Non-goals
// exclude anything beyond a flat root), but keeps the same "format,
// then copy files in from the host" two-phase shape.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sv39os/internal/blockdev"
	"sv39os/internal/defs"
	"sv39os/internal/fs"
)

func main() {
	out := flag.String("out", "fs.img", "path of the easy-fs image to create")
	totalBlocks := flag.Uint("blocks", 4096, "total blocks in the image")
	inodeBitmapBlocks := flag.Uint("inode-bitmap-blocks", 1, "blocks reserved for the inode bitmap")
	srcDir := flag.String("src", "", "host directory whose files are copied into the image root")
	flag.Parse()

	if err := run(*out, uint32(*totalBlocks), uint32(*inodeBitmapBlocks), *srcDir); err != nil {
		log.Fatalf("mkfs: %v", err)
	}
}

func run(outPath string, totalBlocks, inodeBitmapBlocks uint32, srcDir string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(int64(totalBlocks) * defs.BlockSZ); err != nil {
		return err
	}

	dev, err := blockdev.NewFileBlockDevice(outPath)
	if err != nil {
		return err
	}
	defer dev.Close()

	efs := fs.Create(dev, totalBlocks, inodeBitmapBlocks)
	root := efs.RootInode()

	p := message.NewPrinter(language.English)
	p.Printf("formatted %s: %d total blocks, %d inode-bitmap blocks\n", outPath, totalBlocks, inodeBitmapBlocks)

	if srcDir != "" {
		n, err := addFiles(root, srcDir)
		if err != nil {
			return err
		}
		p.Printf("copied %d file(s) from %s\n", n, srcDir)
	}

	efs.Mgr.SyncAll()

	names := root.Ls()
	p.Printf("root directory now has %d entr(y/ies): %v\n", len(names), names)
	return nil
}

// addFiles copies every regular file directly under srcDir (not
// recursively — easy-fs has no subdirectories) into the image's root,
// grounded on biscuit/src/mkfs/mkfs.go's copydata/addfiles, adapted
// from ufs's nested-path copy to easy-fs's flat namespace.
func addFiles(root *fs.Inode, srcDir string) (int, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(root, filepath.Join(srcDir, e.Name()), e.Name()); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func copyFile(root *fs.Inode, hostPath, name string) error {
	src, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer src.Close()

	ino, ok := root.Create(name)
	if !ok {
		return nil // already present; easy-fs has no overwrite-in-place semantics here
	}

	buf := make([]byte, defs.BlockSZ)
	var offset uint64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			ino.WriteAt(offset, buf[:n])
			offset += uint64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return nil
}
