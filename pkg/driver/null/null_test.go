package null

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/grieco/vdisk/pkg/block"
)

func openNull(t *testing.T, size string) *block.Node {
	t.Helper()
	opts := block.NewOptions()
	if size != "" {
		opts.Set("size", size)
	}
	n, err := block.Open(context.Background(), "null", "", opts, nil, 0)
	if err != nil {
		t.Fatalf("open null: %v", err)
	}
	return n
}

func TestNull_ReadsZeroes(t *testing.T) {
	n := openNull(t, "4096")
	defer n.Close()
	ctx := context.Background()

	buf := bytes.Repeat([]byte{0xaa}, 512)
	if _, err := n.ReadAt(ctx, 0, block.NewIOVector(buf)); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestNull_WritesDiscarded(t *testing.T) {
	n := openNull(t, "4096")
	defer n.Close()
	ctx := context.Background()

	if _, err := n.WriteAt(ctx, 0, block.NewIOVector([]byte("payload"))); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, 7)
	if _, err := n.ReadAt(ctx, 0, block.NewIOVector(got)); err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatal("null driver must not retain written data")
		}
	}
}

func TestNull_Bounds(t *testing.T) {
	n := openNull(t, "1024")
	defer n.Close()
	ctx := context.Background()

	if _, err := n.ReadAt(ctx, 1020, block.NewIOVector(make([]byte, 8))); block.IOErrorCode(err) != block.EINVAL {
		t.Errorf("out-of-bounds read error = %v, want EINVAL code", err)
	}
	if _, err := n.WriteAt(ctx, 1024, block.NewIOVector([]byte{1})); block.IOErrorCode(err) != block.ENOSPC {
		t.Errorf("out-of-bounds write error = %v, want ENOSPC code", err)
	}
}

func TestNull_DefaultSizeAndStatus(t *testing.T) {
	n := openNull(t, "")
	defer n.Close()
	ctx := context.Background()

	length, err := n.Length(ctx)
	if err != nil || length != 1<<30 {
		t.Errorf("Length = %d, %v, want default 1 GiB", length, err)
	}

	st, err := n.BlockStatus(ctx, 0, 4096)
	if err != nil {
		t.Fatalf("block-status: %v", err)
	}
	if st.Allocated || !st.Zero {
		t.Errorf("status = %+v, want unallocated zeroes", st)
	}
}

func TestNull_NegativeSizeRejected(t *testing.T) {
	opts := block.NewOptions()
	opts.Set("size", "-1")
	if _, err := block.Open(context.Background(), "null", "", opts, nil, 0); !errors.Is(err, block.ErrInvalidOption) {
		t.Errorf("negative size error = %v, want ErrInvalidOption", err)
	}
}
