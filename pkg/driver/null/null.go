// Package null implements the "null" block driver: a childless device of a
// configurable size whose reads return zeroes and whose writes succeed
// without storing anything. It exists for benchmarking and for exercising
// the framework without touching real storage.
package null

import (
	"context"
	"fmt"

	"github.com/grieco/vdisk/pkg/block"
)

const defaultSize = 1 << 30 // 1 GiB

// Driver is the null block driver.
type Driver struct{}

type state struct {
	size int64
}

func init() {
	block.MustRegister(&Driver{})
}

// Info returns the driver's capability descriptor.
func (d *Driver) Info() block.DriverInfo {
	return block.DriverInfo{
		FormatName:   "null",
		ProtocolName: "null",
		OptionKeys:   []string{"size"},
	}
}

// Open configures the device size from the "size" option.
func (d *Driver) Open(ctx context.Context, n *block.Node, opts *block.Options, flags block.OpenFlag) error {
	size, err := opts.GetInt64("size", defaultSize)
	if err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("size must be non-negative: %w", block.ErrInvalidOption)
	}
	n.SetDriverState(&state{size: size})
	return nil
}

// Close drops the trivial driver state.
func (d *Driver) Close(n *block.Node) {}

func (d *Driver) ReadAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	s := n.DriverState().(*state)
	if off+qiov.Size() > s.size {
		return 0, block.NewIOError("read", block.EINVAL, fmt.Errorf("read beyond end of device"))
	}
	qiov.FillZero()
	return qiov.Size(), nil
}

func (d *Driver) WriteAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	s := n.DriverState().(*state)
	if off+qiov.Size() > s.size {
		return 0, block.NewIOError("write", block.ENOSPC, fmt.Errorf("write beyond end of device"))
	}
	return qiov.Size(), nil
}

func (d *Driver) WriteZeroes(ctx context.Context, n *block.Node, off, count int64) error {
	return nil
}

func (d *Driver) Discard(ctx context.Context, n *block.Node, off, count int64) error {
	return nil
}

func (d *Driver) Length(ctx context.Context, n *block.Node) (int64, error) {
	return n.DriverState().(*state).size, nil
}

func (d *Driver) BlockStatus(ctx context.Context, n *block.Node, off, count int64) (block.AllocStatus, error) {
	// Everything reads as zeroes and nothing is stored.
	return block.AllocStatus{Allocated: false, Zero: true, Length: count, Node: n}, nil
}
