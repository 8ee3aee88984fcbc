// Package memory implements the "memory" protocol driver: a page-based
// in-memory device. Instead of one contiguous allocation it divides the
// device into fixed-size pages and only materializes the pages that are
// written, so sparse images stay cheap and unwritten ranges read as zeroes.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/grieco/vdisk/pkg/block"
)

const defaultPageSize = 64 * 1024

// Driver is the in-memory protocol driver.
type Driver struct{}

type state struct {
	mu       sync.RWMutex
	pages    map[int64][]byte // page index -> page data, absent = sparse
	pageSize int64
	size     int64
}

func init() {
	block.MustRegister(&Driver{})
}

// Info returns the driver's capability descriptor.
func (d *Driver) Info() block.DriverInfo {
	return block.DriverInfo{
		FormatName:   "memory",
		ProtocolName: "memory",
		OptionKeys:   []string{"size", "page-size"},
	}
}

// Open configures the device from the "size" and "page-size" options.
func (d *Driver) Open(ctx context.Context, n *block.Node, opts *block.Options, flags block.OpenFlag) error {
	size, err := opts.GetInt64("size", 0)
	if err != nil {
		return err
	}
	if size <= 0 {
		return fmt.Errorf("memory driver requires a positive size: %w", block.ErrInvalidOption)
	}
	pageSize, err := opts.GetInt64("page-size", defaultPageSize)
	if err != nil {
		return err
	}
	if pageSize <= 0 {
		return fmt.Errorf("page-size must be positive: %w", block.ErrInvalidOption)
	}
	n.SetDriverState(&state{
		pages:    make(map[int64][]byte),
		pageSize: pageSize,
		size:     size,
	})
	return nil
}

// Close releases all pages.
func (d *Driver) Close(n *block.Node) {
	s := n.DriverState().(*state)
	s.mu.Lock()
	s.pages = nil
	s.mu.Unlock()
}

func (s *state) checkRange(op string, off, count int64) error {
	if off < 0 || count < 0 || off+count > s.size {
		return block.NewIOError(op, block.EINVAL,
			fmt.Errorf("range [%d, %d) outside device of size %d", off, off+count, s.size))
	}
	return nil
}

func (d *Driver) ReadAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := qiov.Size()
	if err := s.checkRange("read", off, count); err != nil {
		return 0, err
	}

	buf := make([]byte, count)
	for pos := int64(0); pos < count; {
		idx := (off + pos) / s.pageSize
		inPage := (off + pos) % s.pageSize
		step := min64(s.pageSize-inPage, count-pos)
		if page, ok := s.pages[idx]; ok {
			copy(buf[pos:pos+step], page[inPage:inPage+step])
		}
		pos += step
	}
	qiov.CopyFrom(buf)
	return count, nil
}

func (d *Driver) WriteAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	count := qiov.Size()
	if err := s.checkRange("write", off, count); err != nil {
		return 0, err
	}

	buf := qiov.Flatten()
	for pos := int64(0); pos < count; {
		idx := (off + pos) / s.pageSize
		inPage := (off + pos) % s.pageSize
		step := min64(s.pageSize-inPage, count-pos)
		page, ok := s.pages[idx]
		if !ok {
			page = make([]byte, s.pageSize)
			s.pages[idx] = page
		}
		copy(page[inPage:inPage+step], buf[pos:pos+step])
		pos += step
	}
	return count, nil
}

// WriteZeroes deallocates fully covered pages and zero-fills partial ones.
func (d *Driver) WriteZeroes(ctx context.Context, n *block.Node, off, count int64) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange("write-zeroes", off, count); err != nil {
		return err
	}
	s.zeroRangeLocked(off, count, true)
	return nil
}

// Discard drops whole pages in the range; partial pages are zeroed, which
// is stricter than the contract requires but never wrong.
func (d *Driver) Discard(ctx context.Context, n *block.Node, off, count int64) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange("discard", off, count); err != nil {
		return err
	}
	s.zeroRangeLocked(off, count, true)
	return nil
}

func (s *state) zeroRangeLocked(off, count int64, drop bool) {
	for pos := int64(0); pos < count; {
		idx := (off + pos) / s.pageSize
		inPage := (off + pos) % s.pageSize
		step := min64(s.pageSize-inPage, count-pos)
		if step == s.pageSize && drop {
			delete(s.pages, idx)
		} else if page, ok := s.pages[idx]; ok {
			for i := inPage; i < inPage+step; i++ {
				page[i] = 0
			}
		}
		pos += step
	}
}

func (d *Driver) BlockStatus(ctx context.Context, n *block.Node, off, count int64) (block.AllocStatus, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkRange("get-block-status", off, count); err != nil {
		return block.AllocStatus{}, err
	}

	first := off / s.pageSize
	_, allocated := s.pages[first]

	// Extend the status over consecutive pages in the same state.
	length := s.pageSize - off%s.pageSize
	for next := first + 1; length < count; next++ {
		if _, ok := s.pages[next]; ok != allocated {
			break
		}
		length += s.pageSize
	}
	return block.AllocStatus{
		Allocated: allocated,
		Zero:      !allocated,
		Length:    min64(length, count),
		Node:      n,
	}, nil
}

func (d *Driver) Truncate(ctx context.Context, n *block.Node, size int64) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if size < s.size {
		firstDropped := (size + s.pageSize - 1) / s.pageSize
		for idx := range s.pages {
			if idx >= firstDropped {
				delete(s.pages, idx)
			}
		}
		// Zero the tail of the page straddling the new end.
		if size%s.pageSize != 0 {
			if page, ok := s.pages[size/s.pageSize]; ok {
				for i := size % s.pageSize; i < s.pageSize; i++ {
					page[i] = 0
				}
			}
		}
	}
	s.size = size
	return nil
}

func (d *Driver) Length(ctx context.Context, n *block.Node) (int64, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}

func (d *Driver) AllocatedFileSize(ctx context.Context, n *block.Node) (int64, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pages)) * s.pageSize, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
