package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/grieco/vdisk/pkg/block"
)

func createImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	opts := block.NewOptions()
	opts.Set("size", strconv.FormatInt(size, 10))
	if err := block.Create(context.Background(), "file", path, opts); err != nil {
		t.Fatalf("create image: %v", err)
	}
	return path
}

func TestFile_CreateAndRoundTrip(t *testing.T) {
	path := createImage(t, 1<<16)
	ctx := context.Background()

	n, err := block.Open(ctx, "file", path, nil, nil, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer n.Close()

	if length, err := n.Length(ctx); err != nil || length != 1<<16 {
		t.Fatalf("Length = %d, %v, want 65536", length, err)
	}

	payload := []byte("written through the block layer")
	if _, err := n.WriteAt(ctx, 4096, block.NewIOVector(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := n.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := n.ReadAt(ctx, 4096, block.NewIOVector(got)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %q, want %q", got, payload)
	}
}

func TestFile_CreateRefusesExisting(t *testing.T) {
	path := createImage(t, 1024)
	opts := block.NewOptions()
	opts.Set("size", "1024")
	if err := block.Create(context.Background(), "file", path, opts); err == nil {
		t.Error("creating over an existing image must fail")
	}
}

func TestFile_ReadOnlyOpen(t *testing.T) {
	path := createImage(t, 4096)
	ctx := context.Background()

	n, err := block.Open(ctx, "file", path, nil, nil, block.OpenReadOnly)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer n.Close()

	if _, err := n.WriteAt(ctx, 0, block.NewIOVector([]byte{1})); block.IOErrorCode(err) != block.EACCES {
		t.Errorf("write on read-only image error = %v, want EACCES code", err)
	}
	if _, err := n.ReadAt(ctx, 0, block.NewIOVector(make([]byte, 16))); err != nil {
		t.Errorf("read on read-only image failed: %v", err)
	}
}

func TestFile_Truncate(t *testing.T) {
	path := createImage(t, 4096)
	ctx := context.Background()

	n, err := block.Open(ctx, "file", path, nil, nil, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer n.Close()

	if err := n.Truncate(ctx, 16384); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if length, _ := n.Length(ctx); length != 16384 {
		t.Errorf("Length after grow = %d, want 16384", length)
	}

	fi, err := os.Stat(path)
	if err != nil || fi.Size() != 16384 {
		t.Errorf("on-disk size = %d, %v, want 16384", fi.Size(), err)
	}
}

func TestFile_ReopenBetweenModes(t *testing.T) {
	path := createImage(t, 4096)
	ctx := context.Background()

	n, err := block.Open(ctx, "file", path, nil, nil, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer n.Close()

	if _, err := n.WriteAt(ctx, 0, block.NewIOVector([]byte("before"))); err != nil {
		t.Fatalf("write: %v", err)
	}

	opts := block.NewOptions()
	opts.Set(block.OptReadOnly, "on")
	if err := block.ReopenNode(ctx, n, opts, n.Flags()); err != nil {
		t.Fatalf("reopen to read-only: %v", err)
	}
	if _, err := n.WriteAt(ctx, 0, block.NewIOVector([]byte("x"))); block.IOErrorCode(err) != block.EACCES {
		t.Errorf("write after read-only reopen error = %v, want EACCES code", err)
	}

	got := make([]byte, 6)
	if _, err := n.ReadAt(ctx, 0, block.NewIOVector(got)); err != nil {
		t.Fatalf("read through reopened descriptor: %v", err)
	}
	if string(got) != "before" {
		t.Errorf("read %q, want %q", got, "before")
	}

	opts = block.NewOptions()
	opts.Set(block.OptReadOnly, "off")
	if err := block.ReopenNode(ctx, n, opts, n.Flags()); err != nil {
		t.Fatalf("reopen to writable: %v", err)
	}
	if _, err := n.WriteAt(ctx, 0, block.NewIOVector([]byte("after!"))); err != nil {
		t.Errorf("write after writable reopen failed: %v", err)
	}
}

func TestFile_ReopenMissingFileRollsBack(t *testing.T) {
	path := createImage(t, 4096)
	ctx := context.Background()

	n, err := block.Open(ctx, "file", path, nil, nil, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer n.Close()

	// Staging a descriptor for a vanished file must fail without touching
	// the live one.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	opts := block.NewOptions()
	opts.Set(block.OptReadOnly, "on")
	if err := block.ReopenNode(ctx, n, opts, n.Flags()); err == nil {
		t.Fatal("reopen of a deleted file should fail")
	}
	if n.ReadOnly() {
		t.Error("failed reopen must leave flags untouched")
	}
	if _, err := n.ReadAt(ctx, 0, block.NewIOVector(make([]byte, 16))); err != nil {
		t.Errorf("live descriptor broken after failed reopen: %v", err)
	}
}

func TestFile_ProbeIsWeak(t *testing.T) {
	d := &Driver{}
	if score := d.Probe([]byte("anything at all"), "x.img"); score != 1 {
		t.Errorf("raw probe score = %d, want 1", score)
	}
}
