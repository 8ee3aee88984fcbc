// Package file implements the "file" protocol driver: a raw image stored in
// a local file. It sits at the bottom of most graphs, carrying the bytes for
// format and filter drivers stacked on top of it.
package file

import (
	"context"
	"fmt"
	"os"

	"github.com/grieco/vdisk/pkg/block"
)

// Driver is the local-file protocol driver.
type Driver struct{}

type state struct {
	f *os.File
}

// reopenStaging holds the descriptor opened for the pending flags until the
// transaction commits or aborts.
type reopenStaging struct {
	f *os.File
}

func init() {
	block.MustRegister(&Driver{})
}

// Info returns the driver's capability descriptor.
func (d *Driver) Info() block.DriverInfo {
	return block.DriverInfo{
		FormatName:    "file",
		ProtocolName:  "file",
		NeedsFilename: true,
		OptionKeys:    []string{"no-create"},
	}
}

func openMode(flags block.OpenFlag) int {
	if flags&block.OpenReadOnly != 0 {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

// Open opens the backing file with the node's writability.
func (d *Driver) Open(ctx context.Context, n *block.Node, opts *block.Options, flags block.OpenFlag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(n.Filename(), openMode(flags), 0644)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", n.Filename(), err)
	}
	n.SetDriverState(&state{f: f})
	return nil
}

// Close closes the file descriptor.
func (d *Driver) Close(n *block.Node) {
	s := n.DriverState().(*state)
	_ = s.f.Close()
}

// Create creates a new raw image of the given size.
func (d *Driver) Create(ctx context.Context, filename string, opts *block.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	size, err := opts.GetInt64("size", 0)
	if err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("size must be non-negative: %w", block.ErrInvalidOption)
	}
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", filename, err)
	}
	defer f.Close()
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			return block.NewIOError("create", block.EIO, err)
		}
	}
	return nil
}

// Probe scores a raw file: anything is a valid raw image, so the score is
// the lowest possible positive one and real formats always win.
func (d *Driver) Probe(buf []byte, filename string) int {
	return 1
}

func (d *Driver) ReadAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	var total int64
	for _, seg := range qiov.Segments() {
		read, err := s.f.ReadAt(seg, off)
		if err != nil && read != len(seg) {
			return 0, block.NewIOError("read", block.EIO, err)
		}
		off += int64(read)
		total += int64(read)
	}
	return total, nil
}

func (d *Driver) WriteAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	var total int64
	for _, seg := range qiov.Segments() {
		written, err := s.f.WriteAt(seg, off)
		if err != nil {
			return 0, block.NewIOError("write", block.EIO, err)
		}
		off += int64(written)
		total += int64(written)
	}
	return total, nil
}

func (d *Driver) Flush(ctx context.Context, n *block.Node) error {
	s := n.DriverState().(*state)
	if err := s.f.Sync(); err != nil {
		return block.NewIOError("flush", block.EIO, err)
	}
	return nil
}

func (d *Driver) Truncate(ctx context.Context, n *block.Node, size int64) error {
	s := n.DriverState().(*state)
	if err := s.f.Truncate(size); err != nil {
		return block.NewIOError("truncate", block.EIO, err)
	}
	return nil
}

func (d *Driver) Length(ctx context.Context, n *block.Node) (int64, error) {
	s := n.DriverState().(*state)
	fi, err := s.f.Stat()
	if err != nil {
		return 0, block.NewIOError("getlength", block.EIO, err)
	}
	return fi.Size(), nil
}

func (d *Driver) AllocatedFileSize(ctx context.Context, n *block.Node) (int64, error) {
	// Without portable block accounting the visible size is the best
	// available answer.
	return d.Length(ctx, n)
}

func (d *Driver) ProbeBlockSizes(n *block.Node) (block.BlockSizes, error) {
	return block.BlockSizes{Phys: 512, Log: 512}, nil
}

// ReopenPrepare opens a second descriptor with the pending writability
// without touching the live one.
func (d *Driver) ReopenPrepare(ctx context.Context, st *block.ReopenState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := st.Node()
	f, err := os.OpenFile(n.Filename(), openMode(st.Flags), 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen %q: %w", n.Filename(), err)
	}
	st.Staged = &reopenStaging{f: f}
	return nil
}

// ReopenCommit swaps the staged descriptor in and closes the old one.
func (d *Driver) ReopenCommit(st *block.ReopenState) error {
	staging, ok := st.Staged.(*reopenStaging)
	if !ok {
		return nil
	}
	s := st.Node().DriverState().(*state)
	old := s.f
	s.f = staging.f
	st.Staged = nil
	_ = old.Close()
	return nil
}

// ReopenAbort closes the staged descriptor; the live one was never touched.
func (d *Driver) ReopenAbort(st *block.ReopenState) {
	if staging, ok := st.Staged.(*reopenStaging); ok {
		_ = staging.f.Close()
		st.Staged = nil
	}
}
