// Package cow implements the "cow" format driver: page-granular
// copy-on-write over a data child ("file"), with an optional read-only
// "backing" child that unallocated pages fall through to.
//
// Data pages live in the file child at their virtual offset; the allocation
// table and internal snapshots are kept in driver state. The driver is the
// reference format driver of the framework: it exercises multi-child
// permission negotiation, backing fall-through, internal snapshots and
// consistency checking.
package cow

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/grieco/vdisk/pkg/block"
)

const defaultPageSize = 64 * 1024

// Driver is the copy-on-write format driver.
type Driver struct{}

type snapshot struct {
	info  block.SnapshotInfo
	alloc map[int64]bool
	pages map[int64][]byte
}

type state struct {
	mu       sync.RWMutex
	pageSize int64
	size     int64

	// alloc marks pages that live in the file child; everything else
	// falls through to the backing child or reads as zeroes.
	alloc map[int64]bool

	backingFile string
	snapshots   []*snapshot
	nextSnapID  int
}

func init() {
	block.MustRegister(&Driver{})
}

// Info returns the driver's capability descriptor.
func (d *Driver) Info() block.DriverInfo {
	return block.DriverInfo{
		FormatName:      "cow",
		SupportsBacking: true,
		OptionKeys:      []string{"size", "page-size", "backing-file"},
	}
}

// ChildPerm delegates to the standard format-driver policy: exclusive write
// on the data child while anything writes through this node, stable
// read-only use of the backing child.
func (d *Driver) ChildPerm(n *block.Node, e *block.Edge, parentPerm, parentShared block.Perm) (block.Perm, block.Perm) {
	return block.FormatDefaultPerms(e, parentPerm, parentShared)
}

// Open wires the driver to its children and sizes the device.
func (d *Driver) Open(ctx context.Context, n *block.Node, opts *block.Options, flags block.OpenFlag) error {
	fileEdge := n.Child("file")
	if fileEdge == nil {
		return fmt.Errorf("cow driver requires a %q child: %w", "file", block.ErrInvalidOption)
	}

	pageSize, err := opts.GetInt64("page-size", defaultPageSize)
	if err != nil {
		return err
	}
	if pageSize <= 0 {
		return fmt.Errorf("page-size must be positive: %w", block.ErrInvalidOption)
	}

	size, err := opts.GetInt64("size", -1)
	if err != nil {
		return err
	}
	if size < 0 {
		size, err = fileEdge.Child().Length(ctx)
		if err != nil {
			return fmt.Errorf("sizing from file child: %w", err)
		}
	}

	s := &state{
		pageSize:    pageSize,
		size:        size,
		alloc:       make(map[int64]bool),
		backingFile: opts.GetDefault("backing-file", ""),
	}
	if s.backingFile == "" {
		if b := n.ChildNode("backing"); b != nil {
			s.backingFile = b.Filename()
		}
	}
	n.SetDriverState(s)
	return nil
}

// Close drops the in-memory tables. Children are released by the framework.
func (d *Driver) Close(n *block.Node) {
	s := n.DriverState().(*state)
	s.mu.Lock()
	s.alloc = nil
	s.snapshots = nil
	s.mu.Unlock()
}

func (s *state) checkRange(op string, off, count int64) error {
	if off < 0 || count < 0 || off+count > s.size {
		return block.NewIOError(op, block.EINVAL,
			fmt.Errorf("range [%d, %d) outside device of size %d", off, off+count, s.size))
	}
	return nil
}

// readPageRange reads [off, off+count) which must not cross a page
// boundary, resolving allocation, backing and zero fall-through.
func (d *Driver) readPageRange(ctx context.Context, n *block.Node, s *state, off int64, dst []byte) error {
	idx := off / s.pageSize
	if s.alloc[idx] {
		_, err := n.ChildNode("file").ReadAt(ctx, off, block.NewIOVector(dst))
		return err
	}

	n.TriggerDebugEvent(block.EventCowRead)
	backing := n.ChildNode("backing")
	if backing == nil {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	blen, err := backing.Length(ctx)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = 0
	}
	if off >= blen {
		return nil
	}
	visible := min64(int64(len(dst)), blen-off)
	_, err = backing.ReadAt(ctx, off, block.NewIOVector(dst[:visible]))
	return err
}

func (d *Driver) ReadAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := qiov.Size()
	if err := s.checkRange("read", off, count); err != nil {
		return 0, err
	}

	buf := make([]byte, count)
	for pos := int64(0); pos < count; {
		inPage := (off + pos) % s.pageSize
		step := min64(s.pageSize-inPage, count-pos)
		if err := d.readPageRange(ctx, n, s, off+pos, buf[pos:pos+step]); err != nil {
			return 0, err
		}
		pos += step
	}
	qiov.CopyFrom(buf)
	return count, nil
}

// allocatePage copies the current content of the page (backing or zeroes)
// into the file child and marks it allocated. Caller holds the write lock.
func (d *Driver) allocatePage(ctx context.Context, n *block.Node, s *state, idx int64) error {
	n.TriggerDebugEvent(block.EventCowWrite)
	n.TriggerDebugEvent(block.EventClusterAlloc)

	pageOff := idx * s.pageSize
	page := make([]byte, min64(s.pageSize, s.size-pageOff))
	backing := n.ChildNode("backing")
	if backing != nil {
		blen, err := backing.Length(ctx)
		if err != nil {
			return err
		}
		if pageOff < blen {
			visible := min64(int64(len(page)), blen-pageOff)
			if _, err := backing.ReadAt(ctx, pageOff, block.NewIOVector(page[:visible])); err != nil {
				return err
			}
		}
	}
	if _, err := n.ChildNode("file").WriteAt(ctx, pageOff, block.NewIOVector(page)); err != nil {
		return err
	}
	s.alloc[idx] = true
	return nil
}

func (d *Driver) WriteAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	count := qiov.Size()
	if err := s.checkRange("write", off, count); err != nil {
		return 0, err
	}

	buf := qiov.Flatten()
	file := n.ChildNode("file")
	for pos := int64(0); pos < count; {
		idx := (off + pos) / s.pageSize
		inPage := (off + pos) % s.pageSize
		step := min64(s.pageSize-inPage, count-pos)
		if !s.alloc[idx] {
			if err := d.allocatePage(ctx, n, s, idx); err != nil {
				return 0, err
			}
		}
		if _, err := file.WriteAt(ctx, off+pos, block.NewIOVector(buf[pos:pos+step])); err != nil {
			return 0, err
		}
		pos += step
	}
	return count, nil
}

// Discard drops the allocation of fully covered pages; their content
// reverts to the backing view, matching copy-on-write discard semantics.
func (d *Driver) Discard(ctx context.Context, n *block.Node, off, count int64) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange("discard", off, count); err != nil {
		return err
	}
	for idx := (off + s.pageSize - 1) / s.pageSize; (idx+1)*s.pageSize <= off+count; idx++ {
		delete(s.alloc, idx)
	}
	return nil
}

func (d *Driver) BlockStatus(ctx context.Context, n *block.Node, off, count int64) (block.AllocStatus, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkRange("get-block-status", off, count); err != nil {
		return block.AllocStatus{}, err
	}

	first := off / s.pageSize
	allocated := s.alloc[first]
	length := s.pageSize - off%s.pageSize
	for next := first + 1; length < count; next++ {
		if s.alloc[next] != allocated {
			break
		}
		length += s.pageSize
	}

	status := block.AllocStatus{
		Allocated: allocated,
		Length:    min64(length, count),
	}
	if allocated {
		status.Node = n.ChildNode("file")
	} else if backing := n.ChildNode("backing"); backing != nil {
		status.Node = backing
	} else {
		status.Zero = true
	}
	return status, nil
}

func (d *Driver) Truncate(ctx context.Context, n *block.Node, size int64) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if size < s.size {
		firstDropped := (size + s.pageSize - 1) / s.pageSize
		for idx := range s.alloc {
			if idx >= firstDropped {
				delete(s.alloc, idx)
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
	return int64(len(s.alloc)) * s.pageSize, nil
}

// ChangeBackingFile rewrites the recorded backing-file reference. The graph
// edge itself is management-layer business; the driver only records what a
// fresh open would resolve.
func (d *Driver) ChangeBackingFile(ctx context.Context, n *block.Node, file, format string) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	s.backingFile = file
	s.mu.Unlock()
	return nil
}

// BackingFile returns the recorded backing-file reference.
func (d *Driver) BackingFile(n *block.Node) string {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backingFile
}

// MakeEmpty drops every allocation so all reads fall through to the backing
// child.
func (d *Driver) MakeEmpty(ctx context.Context, n *block.Node) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	s.alloc = make(map[int64]bool)
	s.mu.Unlock()
	return nil
}

// Check validates the allocation table against the file child's length.
// Pages pointing past the end of the data file are corruptions; fix mode
// drops them, reverting the pages to their backing view.
func (d *Driver) Check(ctx context.Context, n *block.Node, mode block.CheckMode) (*block.CheckResult, error) {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	flen, err := n.ChildNode("file").Length(ctx)
	if err != nil {
		return nil, err
	}

	res := &block.CheckResult{}
	for idx := range s.alloc {
		end := (idx + 1) * s.pageSize
		if end > res.ImageEndOffset {
			res.ImageEndOffset = end
		}
		if end > flen {
			res.Corruptions++
			if mode == block.CheckFixErrors {
				delete(s.alloc, idx)
				res.CorruptionsFixed++
			}
		}
	}
	return res, nil
}

func (d *Driver) SnapshotCreate(ctx context.Context, n *block.Node, sn *block.SnapshotInfo) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if sn.ID == "" {
		s.nextSnapID++
		sn.ID = strconv.Itoa(s.nextSnapID)
	}
	for _, existing := range s.snapshots {
		if existing.info.ID == sn.ID {
			return fmt.Errorf("snapshot id %q already exists: %w", sn.ID, block.ErrInvalidOption)
		}
	}
	if sn.DateSec == 0 {
		sn.Stamp(time.Now(), 0)
	}

	snap := &snapshot{
		info:  *sn,
		alloc: make(map[int64]bool, len(s.alloc)),
		pages: make(map[int64][]byte, len(s.alloc)),
	}
	file := n.ChildNode("file")
	for idx := range s.alloc {
		pageOff := idx * s.pageSize
		page := make([]byte, min64(s.pageSize, s.size-pageOff))
		if _, err := file.ReadAt(ctx, pageOff, block.NewIOVector(page)); err != nil {
			return err
		}
		snap.alloc[idx] = true
		snap.pages[idx] = page
	}
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (d *Driver) SnapshotGoto(ctx context.Context, n *block.Node, id string) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap *snapshot
	for _, candidate := range s.snapshots {
		if candidate.info.ID == id || candidate.info.Name == id {
			snap = candidate
			break
		}
	}
	if snap == nil {
		return fmt.Errorf("snapshot %q: %w", id, block.ErrNotFound)
	}

	file := n.ChildNode("file")
	for idx, page := range snap.pages {
		if _, err := file.WriteAt(ctx, idx*s.pageSize, block.NewIOVector(page)); err != nil {
			return err
		}
	}
	s.alloc = make(map[int64]bool, len(snap.alloc))
	for idx := range snap.alloc {
		s.alloc[idx] = true
	}
	return nil
}

func (d *Driver) SnapshotDelete(ctx context.Context, n *block.Node, id, name string) error {
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, snap := range s.snapshots {
		if (id != "" && snap.info.ID == id) || (name != "" && snap.info.Name == name) {
			s.snapshots = append(s.snapshots[:i], s.snapshots[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("snapshot id=%q name=%q: %w", id, name, block.ErrNotFound)
}

func (d *Driver) SnapshotList(ctx context.Context, n *block.Node) ([]block.SnapshotInfo, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]block.SnapshotInfo, len(s.snapshots))
	for i, snap := range s.snapshots {
		out[i] = snap.info
	}
	return out, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
