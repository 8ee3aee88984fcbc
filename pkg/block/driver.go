// Package block implements a pluggable block-device driver framework:
// independently implemented storage backends (raw files, copy-on-write
// formats, network protocols, filters) compose into a directed graph of
// nodes, each negotiating capabilities and access permissions with its
// neighbors, and each supporting transactional reconfiguration without
// disrupting in-flight I/O.
//
// A driver implements the small mandatory Driver interface plus any number
// of the optional capability interfaces below. Call sites never see a nil
// function pointer: every node-level operation checks for the capability and
// uniformly reports ErrUnsupported (or performs the documented no-op) when
// the driver lacks it.
package block

import (
	"context"

	"github.com/grieco/vdisk/pkg/block/aio"
)

// DriverInfo is the immutable capability descriptor of one driver type. It
// is read once at registration and never mutated afterwards.
type DriverInfo struct {
	// FormatName uniquely identifies the driver in the registry.
	FormatName string

	// ProtocolName is non-empty for protocol drivers (file, s3, ...) that
	// sit at the bottom of a graph, and empty for format drivers.
	ProtocolName string

	// IsFilter marks drivers that pass data through to a single child
	// unchanged, such as fault injectors or throttles.
	IsFilter bool

	// SupportsBacking marks format drivers that accept a "backing" child
	// for copy-on-write fall-through.
	SupportsBacking bool

	// NeedsFilename requires a non-empty filename argument at open time.
	NeedsFilename bool

	// HasVariableLength marks drivers whose length can change behind the
	// framework's back, forcing a fresh driver query on every Length call.
	HasVariableLength bool

	// OptionKeys lists the option keys the driver understands at open and
	// reopen time. Unknown keys are rejected with ErrInvalidOption before
	// the driver ever sees them.
	OptionKeys []string
}

// Driver is the mandatory part of every driver: open and close. A driver
// lacking open cannot exist; the framework resolves the historical ambiguity
// by making open part of the compiled interface rather than an optional
// table entry.
type Driver interface {
	// Info returns the immutable capability descriptor.
	Info() DriverInfo

	// Open binds the driver to a freshly constructed node. The driver
	// stores its private state with n.SetDriverState; children have
	// already been attached and are reachable through n.Child. On error
	// the node is discarded and never becomes observable.
	Open(ctx context.Context, n *Node, opts *Options, flags OpenFlag) error

	// Close releases the driver-private state. It runs after the node has
	// quiesced; no I/O is in flight.
	Close(n *Node)
}

// Creator is implemented by drivers that can create a new image at a
// filename without a live node.
type Creator interface {
	Create(ctx context.Context, filename string, opts *Options) error
}

// Prober is implemented by drivers that can score how confident they are
// that a header buffer belongs to their format. Higher wins; zero means not
// recognized.
type Prober interface {
	Probe(buf []byte, filename string) int
}

// Reader is implemented by drivers supporting vectorized reads.
type Reader interface {
	ReadAt(ctx context.Context, n *Node, off int64, qiov *IOVector) (int64, error)
}

// Writer is implemented by drivers supporting vectorized writes.
type Writer interface {
	WriteAt(ctx context.Context, n *Node, off int64, qiov *IOVector) (int64, error)
}

// ZeroWriter is implemented by drivers with an efficient write-zeroes path.
// Nodes fall back to a plain write of a zero buffer when it is absent.
type ZeroWriter interface {
	WriteZeroes(ctx context.Context, n *Node, off, count int64) error
}

// Flusher flushes completed writes to stable storage.
type Flusher interface {
	Flush(ctx context.Context, n *Node) error
}

// OSFlusher flushes data out of driver-internal caches to the OS, without
// requiring it to have reached the disk. Checked only when Flusher is
// absent.
type OSFlusher interface {
	FlushToOS(ctx context.Context, n *Node) error
}

// Discarder drops storage for a byte range. Subsequent reads of the range
// may return anything that is not stale data from another user.
type Discarder interface {
	Discard(ctx context.Context, n *Node, off, count int64) error
}

// Truncater resizes the visible area of the node.
type Truncater interface {
	Truncate(ctx context.Context, n *Node, size int64) error
}

// Lengther reports the current visible length in bytes.
type Lengther interface {
	Length(ctx context.Context, n *Node) (int64, error)
}

// AllocSizer reports how many bytes the image actually occupies on its
// storage, which may be far less than its visible length for sparse images.
type AllocSizer interface {
	AllocatedFileSize(ctx context.Context, n *Node) (int64, error)
}

// AllocStatus describes the allocation state of a byte range, as returned by
// get-block-status.
type AllocStatus struct {
	// Allocated reports whether the range is backed by this node (true)
	// or falls through to a backing node or reads as zeroes (false).
	Allocated bool

	// Zero reports whether the range is known to read as all zeroes.
	Zero bool

	// Length is the number of bytes from the queried offset that this
	// status describes.
	Length int64

	// Node is the node in the graph where the data actually lives, when
	// known; nil otherwise.
	Node *Node
}

// BlockStatuser is implemented by drivers that can report allocation status.
// Nodes report fully-allocated, non-zero when it is absent.
type BlockStatuser interface {
	BlockStatus(ctx context.Context, n *Node, off, count int64) (AllocStatus, error)
}

// Snapshotter is implemented by drivers supporting internal snapshots.
type Snapshotter interface {
	SnapshotCreate(ctx context.Context, n *Node, sn *SnapshotInfo) error
	SnapshotGoto(ctx context.Context, n *Node, id string) error
	SnapshotDelete(ctx context.Context, n *Node, id, name string) error
	SnapshotList(ctx context.Context, n *Node) ([]SnapshotInfo, error)
}

// CheckMode selects how much a consistency check may repair.
type CheckMode int

const (
	// CheckReadOnly reports findings without touching the image.
	CheckReadOnly CheckMode = iota
	// CheckFixLeaks repairs leaked storage that no longer belongs to any
	// visible data.
	CheckFixLeaks
	// CheckFixErrors repairs corruptions, possibly discarding data.
	CheckFixErrors
)

// CheckResult carries consistency-check findings. Findings are data, not
// errors: Check fails only when it cannot run at all.
type CheckResult struct {
	Corruptions      int
	CorruptionsFixed int
	Leaks            int
	LeaksFixed       int
	ImageEndOffset   int64
}

// Checker is implemented by drivers supporting consistency checks.
type Checker interface {
	Check(ctx context.Context, n *Node, mode CheckMode) (*CheckResult, error)
}

// Reopener is implemented by drivers that stage resources across a reopen
// transaction. Drivers without it implicitly succeed at prepare with no
// staging, which is correct whenever new open flags need no new resources.
type Reopener interface {
	// ReopenPrepare stages resources for the pending options in st without
	// discarding current ones. It may fail; the whole batch then aborts.
	ReopenPrepare(ctx context.Context, st *ReopenState) error

	// ReopenCommit atomically swaps staged resources in and discards the
	// old ones. Failure here cannot be rolled back: the node is marked
	// unusable and the error surfaced.
	ReopenCommit(st *ReopenState) error

	// ReopenAbort discards staged resources, restoring the pre-prepare
	// observable state.
	ReopenAbort(st *ReopenState)
}

// PermissionPolicy is implemented by any driver that can have children: it
// computes what the driver actually needs from a specific child, given the
// cumulative permissions the driver's own parents impose on it. Attaching a
// child to a driver without a PermissionPolicy is a framework-fatal error.
type PermissionPolicy interface {
	ChildPerm(n *Node, e *Edge, parentPerm, parentShared Perm) (perm, shared Perm)
}

// PermissionHandler is implemented by drivers that must validate or react to
// the cumulative permissions their parents hold on them. All three calls
// follow the check-all/commit-all discipline of the negotiation protocol.
type PermissionHandler interface {
	// CheckPerm validates that the driver can satisfy the cumulative
	// parent permissions. No state may change yet.
	CheckPerm(ctx context.Context, n *Node, perm, shared Perm) error

	// SetPerm commits permissions previously validated by CheckPerm.
	SetPerm(n *Node, perm, shared Perm)

	// AbortPermUpdate discards preparations made by CheckPerm.
	AbortPermUpdate(n *Node)
}

// ChildManager is implemented by drivers that accept dynamic child
// attachment and detachment after open, such as quorum-style drivers.
type ChildManager interface {
	AddChild(ctx context.Context, n *Node, child *Node, opts *Options) error
	DelChild(ctx context.Context, n *Node, e *Edge) error
}

// BackingChanger rewrites the recorded backing-file reference of an image.
type BackingChanger interface {
	ChangeBackingFile(ctx context.Context, n *Node, file, format string) error
}

// Emptier drops all local allocations so that every read falls through to
// the backing node.
type Emptier interface {
	MakeEmpty(ctx context.Context, n *Node) error
}

// CacheInvalidator re-reads externally modified state when a node returns
// from the inactive migration state to open.
type CacheInvalidator interface {
	InvalidateCache(ctx context.Context, n *Node) error
}

// Inactivator releases ownership of the image for migration hand-off.
type Inactivator interface {
	Inactivate(ctx context.Context, n *Node) error
}

// Debugger is implemented by drivers that consume debug events and manage
// breakpoints, typically fault-injecting filters.
type Debugger interface {
	DebugEvent(n *Node, ev DebugEvent)
	DebugBreakpoint(n *Node, ev DebugEvent, tag string) error
	DebugRemoveBreakpoint(n *Node, tag string) error
	DebugResume(n *Node, tag string) error
	DebugIsSuspended(n *Node, tag string) bool
}

// AioAware is implemented by drivers holding per-context resources that must
// follow the node between execution contexts.
type AioAware interface {
	AttachAioContext(n *Node, c *aio.Context)
	DetachAioContext(n *Node)
}

// IOPlugger batches submissions: between IOPlug and IOUnplug a driver may
// hold requests back and submit them as one batch.
type IOPlugger interface {
	IOPlug(n *Node)
	IOUnplug(n *Node)
}

// BlockSizes reports a device's physical and logical block sizes in bytes.
type BlockSizes struct {
	Phys int
	Log  int
}

// SizeProber is implemented by drivers that can report the block sizes of
// their underlying device.
type SizeProber interface {
	ProbeBlockSizes(n *Node) (BlockSizes, error)
}
