package block

import (
	"context"
	"fmt"
	"time"
)

// This file is the dispatch contract: every core I/O, snapshot and
// diagnostic operation a caller can issue against a node. Each method admits
// the operation (blocking while the node is drained, failing fatally on a
// closed node), checks the driver for the matching capability and applies
// the documented unsupported-behavior when it is absent.

// ReadAt reads qiov.Size() bytes starting at off into qiov and returns the
// byte count. A short count is never returned on error.
func (n *Node) ReadAt(ctx context.Context, off int64, qiov *IOVector) (int64, error) {
	if err := n.beginOp(); err != nil {
		return 0, err
	}
	defer n.endOp()

	if off < 0 {
		return 0, NewIOError("read", EINVAL, nil)
	}
	r, ok := n.drv.(Reader)
	if !ok {
		return 0, fmt.Errorf("read on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}

	n.TriggerDebugEvent(EventReadAIO)

	start := time.Now()
	count, err := r.ReadAt(ctx, n, off, qiov)
	n.metrics.ObserveOp("read", time.Since(start), count, err)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// WriteAt writes qiov.Size() bytes starting at off and returns the byte
// count. Writing to a read-only node fails with an EACCES I/O error.
func (n *Node) WriteAt(ctx context.Context, off int64, qiov *IOVector) (int64, error) {
	if err := n.beginOp(); err != nil {
		return 0, err
	}
	defer n.endOp()

	if off < 0 {
		return 0, NewIOError("write", EINVAL, nil)
	}
	if n.Flags()&OpenReadOnly != 0 {
		return 0, NewIOError("write", EACCES, fmt.Errorf("node %q is read-only", n.name))
	}
	w, ok := n.drv.(Writer)
	if !ok {
		return 0, fmt.Errorf("write on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}

	n.TriggerDebugEvent(EventWriteAIO)

	start := time.Now()
	count, err := w.WriteAt(ctx, n, off, qiov)
	n.metrics.ObserveOp("write", time.Since(start), count, err)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// WriteZeroes zeroes count bytes at off. Drivers without an efficient
// zeroing path fall back to a plain write of a zero buffer.
func (n *Node) WriteZeroes(ctx context.Context, off, count int64) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	if off < 0 || count < 0 {
		return NewIOError("write-zeroes", EINVAL, nil)
	}
	if n.Flags()&OpenReadOnly != 0 {
		return NewIOError("write-zeroes", EACCES, fmt.Errorf("node %q is read-only", n.name))
	}

	if zw, ok := n.drv.(ZeroWriter); ok {
		return zw.WriteZeroes(ctx, n, off, count)
	}

	// Emulation per the dispatch contract: a caller-visible write of
	// zeroes through the ordinary write path.
	w, ok := n.drv.(Writer)
	if !ok {
		return fmt.Errorf("write-zeroes on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	const chunk = 2 * 1024 * 1024
	buf := make([]byte, min64(count, chunk))
	for count > 0 {
		step := min64(count, chunk)
		qiov := NewIOVector(buf[:step])
		if _, err := w.WriteAt(ctx, n, off, qiov); err != nil {
			return err
		}
		off += step
		count -= step
	}
	return nil
}

// Flush forces completed writes to stable storage. A driver without any
// flush support is treated as already-flushed: no-op success.
func (n *Node) Flush(ctx context.Context) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	start := time.Now()
	var err error
	switch d := n.drv.(type) {
	case Flusher:
		n.TriggerDebugEvent(EventFlushToDisk)
		err = d.Flush(ctx, n)
	case OSFlusher:
		n.TriggerDebugEvent(EventFlushToOS)
		err = d.FlushToOS(ctx, n)
	default:
		return nil
	}
	n.metrics.ObserveOp("flush", time.Since(start), 0, err)
	return err
}

// Discard drops storage backing the byte range. Unsupported drivers yield
// ErrUnsupported; callers may emulate with write-zeroes.
func (n *Node) Discard(ctx context.Context, off, count int64) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	if off < 0 || count < 0 {
		return NewIOError("discard", EINVAL, nil)
	}
	if n.Flags()&OpenReadOnly != 0 {
		return NewIOError("discard", EACCES, fmt.Errorf("node %q is read-only", n.name))
	}
	d, ok := n.drv.(Discarder)
	if !ok {
		return fmt.Errorf("discard on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}

	n.TriggerDebugEvent(EventDiscard)

	start := time.Now()
	err := d.Discard(ctx, n, off, count)
	n.metrics.ObserveOp("discard", time.Since(start), count, err)
	return err
}

// BlockStatus reports the allocation status of the byte range starting at
// off. Drivers without support report the range as fully allocated,
// non-zero data.
func (n *Node) BlockStatus(ctx context.Context, off, count int64) (AllocStatus, error) {
	if err := n.beginOp(); err != nil {
		return AllocStatus{}, err
	}
	defer n.endOp()

	bs, ok := n.drv.(BlockStatuser)
	if !ok {
		return AllocStatus{Allocated: true, Zero: false, Length: count, Node: n}, nil
	}
	return bs.BlockStatus(ctx, n, off, count)
}

// Truncate resizes the node's visible area. Parents are notified through
// their edge roles on success.
func (n *Node) Truncate(ctx context.Context, size int64) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	if size < 0 {
		return NewIOError("truncate", EINVAL, nil)
	}
	if n.Flags()&OpenReadOnly != 0 {
		return NewIOError("truncate", EACCES, fmt.Errorf("node %q is read-only", n.name))
	}
	t, ok := n.drv.(Truncater)
	if !ok {
		return fmt.Errorf("truncate on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}

	n.TriggerDebugEvent(EventTruncate)
	if err := t.Truncate(ctx, n, size); err != nil {
		return err
	}
	for _, e := range n.Parents() {
		e.role.Resized(e.parent)
	}
	return nil
}

// Length returns the node's visible length in bytes. Variable-length
// drivers are queried every time; others may be cached by callers.
func (n *Node) Length(ctx context.Context) (int64, error) {
	if err := n.beginOp(); err != nil {
		return 0, err
	}
	defer n.endOp()

	l, ok := n.drv.(Lengther)
	if !ok {
		return 0, fmt.Errorf("getlength on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	return l.Length(ctx, n)
}

// AllocatedFileSize returns the bytes the image occupies on storage, or
// ErrUnsupported.
func (n *Node) AllocatedFileSize(ctx context.Context) (int64, error) {
	if err := n.beginOp(); err != nil {
		return 0, err
	}
	defer n.endOp()

	a, ok := n.drv.(AllocSizer)
	if !ok {
		return 0, fmt.Errorf("get-allocated-file-size on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	return a.AllocatedFileSize(ctx, n)
}

// SnapshotCreate creates an internal snapshot described by sn.
func (n *Node) SnapshotCreate(ctx context.Context, sn *SnapshotInfo) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	s, ok := n.drv.(Snapshotter)
	if !ok {
		return fmt.Errorf("snapshot-create on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	n.TriggerDebugEvent(EventSnapshotCreate)
	return s.SnapshotCreate(ctx, n, sn)
}

// SnapshotGoto reverts the node to the snapshot with the given id.
func (n *Node) SnapshotGoto(ctx context.Context, id string) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	s, ok := n.drv.(Snapshotter)
	if !ok {
		return fmt.Errorf("snapshot-goto on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	n.TriggerDebugEvent(EventSnapshotGoto)
	return s.SnapshotGoto(ctx, n, id)
}

// SnapshotDelete removes the snapshot matching id or name.
func (n *Node) SnapshotDelete(ctx context.Context, id, name string) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	s, ok := n.drv.(Snapshotter)
	if !ok {
		return fmt.Errorf("snapshot-delete on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	n.TriggerDebugEvent(EventSnapshotDelete)
	return s.SnapshotDelete(ctx, n, id, name)
}

// SnapshotList returns the node's internal snapshots.
func (n *Node) SnapshotList(ctx context.Context) ([]SnapshotInfo, error) {
	if err := n.beginOp(); err != nil {
		return nil, err
	}
	defer n.endOp()

	s, ok := n.drv.(Snapshotter)
	if !ok {
		return nil, fmt.Errorf("snapshot-list on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	return s.SnapshotList(ctx, n)
}

// Check runs a consistency check. Findings land in the result, not in the
// error: the error is non-nil only when the check could not run at all.
func (n *Node) Check(ctx context.Context, mode CheckMode) (*CheckResult, error) {
	if err := n.beginOp(); err != nil {
		return nil, err
	}
	defer n.endOp()

	c, ok := n.drv.(Checker)
	if !ok {
		return nil, fmt.Errorf("check on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	return c.Check(ctx, n, mode)
}

// ChangeBackingFile rewrites the image's recorded backing-file reference.
func (n *Node) ChangeBackingFile(ctx context.Context, file, format string) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	bc, ok := n.drv.(BackingChanger)
	if !ok {
		return fmt.Errorf("change-backing-file on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	return bc.ChangeBackingFile(ctx, n, file, format)
}

// MakeEmpty drops all local allocations so reads fall through to the
// backing node.
func (n *Node) MakeEmpty(ctx context.Context) error {
	if err := n.beginOp(); err != nil {
		return err
	}
	defer n.endOp()

	e, ok := n.drv.(Emptier)
	if !ok {
		return fmt.Errorf("make-empty on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	return e.MakeEmpty(ctx, n)
}

// IOPlug hints the driver to batch subsequent submissions.
func (n *Node) IOPlug() {
	if p, ok := n.drv.(IOPlugger); ok {
		p.IOPlug(n)
	}
}

// IOUnplug flushes a batch started by IOPlug.
func (n *Node) IOUnplug() {
	if p, ok := n.drv.(IOPlugger); ok {
		p.IOUnplug(n)
	}
}

// ProbeBlockSizes reports the underlying device's block sizes. Nodes whose
// drivers cannot probe report 512-byte logical and physical blocks.
func (n *Node) ProbeBlockSizes() BlockSizes {
	if sp, ok := n.drv.(SizeProber); ok {
		if bsz, err := sp.ProbeBlockSizes(n); err == nil {
			return bsz
		}
	}
	return BlockSizes{Phys: 512, Log: 512}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
