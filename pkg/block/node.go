package block

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grieco/vdisk/internal/logger"
	"github.com/grieco/vdisk/pkg/block/aio"
)

// State is the lifecycle state of a device node.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateInactive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateInactive:
		return "inactive"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// OpenFlag is the set of open-mode flags on a node.
type OpenFlag uint32

const (
	// OpenReadOnly opens the node without write or resize capability.
	OpenReadOnly OpenFlag = 1 << iota

	// OpenNoBacking suppresses opening of a backing child.
	OpenNoBacking

	// OpenSGIO marks a SCSI-generic passthrough device.
	OpenSGIO

	// OpenProbed records that the driver was chosen by probing rather
	// than named explicitly.
	OpenProbed
)

// Generic option keys consumed by the framework itself before the driver
// sees the option set.
const (
	OptNodeName = "node-name"
	OptReadOnly = "read-only"
	OptDriver   = "driver"
)

var nodeCounter atomic.Uint64

// Node is the mutable runtime state of one open block-device instance. All
// I/O and lifecycle operations dispatch through it to the bound driver.
type Node struct {
	mu        sync.Mutex
	drainCond *sync.Cond

	name     string
	filename string

	drv  Driver
	info DriverInfo

	state    State
	flags    OpenFlag
	unusable bool

	// encrypted and keyValid track image encryption status; drivers set
	// them from Open.
	encrypted bool
	keyValid  bool

	opts         *Options
	explicitOpts *Options

	// opaque is the driver-private state block, owned exclusively by the
	// driver that opened the node.
	opaque any

	children []*Edge
	parents  []*Edge

	aioCtx *aio.Context

	inFlight int
	quiesce  int

	// reopen is the at-most-one outstanding reopen transaction state.
	reopen *ReopenState

	metrics Metrics
}

// Open resolves driverName in the registry, constructs a node and invokes
// the driver's open routine. Children the driver depends on (for example
// "file" and "backing") are opened by the caller and passed in; the
// framework attaches them, negotiating permissions for every new edge,
// before the driver's open callback runs.
//
// On failure the node is discarded and never becomes observable. Each call
// produces a new node; there is no idempotence.
func Open(ctx context.Context, driverName, filename string, opts *Options, children map[string]*Node, flags OpenFlag) (*Node, error) {
	drv, err := Lookup(driverName)
	if err != nil {
		return nil, err
	}
	info := drv.Info()

	if opts == nil {
		opts = NewOptions()
	}
	if info.NeedsFilename && filename == "" {
		return nil, fmt.Errorf("driver %q requires a filename: %w", driverName, ErrInvalidOption)
	}
	if err := validateOptionKeys(info, opts); err != nil {
		return nil, err
	}

	ro, err := opts.GetBool(OptReadOnly, flags&OpenReadOnly != 0)
	if err != nil {
		return nil, err
	}
	if ro {
		flags |= OpenReadOnly
	}

	name := opts.GetDefault(OptNodeName, "")
	if name == "" {
		name = fmt.Sprintf("#block%d", nodeCounter.Add(1))
	}

	n := &Node{
		name:         name,
		filename:     filename,
		drv:          drv,
		info:         info,
		state:        StateOpening,
		flags:        flags,
		opts:         opts.Clone(),
		explicitOpts: opts.Clone(),
		aioCtx:       aio.Default(),
		metrics:      noopMetrics{},
	}
	n.drainCond = sync.NewCond(&n.mu)

	for _, childName := range sortedChildNames(children) {
		role := roleForChildName(childName)
		if _, err := n.attachChild(ctx, children[childName], childName, role); err != nil {
			n.releaseChildren()
			return nil, fmt.Errorf("attaching child %q: %w", childName, err)
		}
	}

	if err := drv.Open(ctx, n, opts, flags); err != nil {
		n.releaseChildren()
		return nil, fmt.Errorf("driver %q open: %w", driverName, err)
	}

	n.mu.Lock()
	n.state = StateOpen
	n.mu.Unlock()
	logger.Debug("opened node %q (driver %q, flags %#x)", n.name, driverName, flags)
	return n, nil
}

// Create creates a new image at filename using the named driver, without
// producing a live node. Drivers without create support yield
// ErrUnsupported.
func Create(ctx context.Context, driverName, filename string, opts *Options) error {
	drv, err := Lookup(driverName)
	if err != nil {
		return err
	}
	c, ok := drv.(Creator)
	if !ok {
		return fmt.Errorf("driver %q create: %w", driverName, ErrUnsupported)
	}
	if opts == nil {
		opts = NewOptions()
	}
	return c.Create(ctx, filename, opts)
}

func validateOptionKeys(info DriverInfo, opts *Options) error {
	allowed := map[string]bool{
		OptNodeName: true,
		OptReadOnly: true,
		OptDriver:   true,
	}
	for _, k := range info.OptionKeys {
		allowed[k] = true
	}
	for _, k := range opts.Keys() {
		if !allowed[k] {
			return fmt.Errorf("driver %q does not accept option %q: %w", info.FormatName, k, ErrInvalidOption)
		}
	}
	return nil
}

func sortedChildNames(children map[string]*Node) []string {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	// "file" attaches before "backing", everything else alphabetical after.
	sort.Slice(names, func(i, j int) bool {
		rank := func(s string) int {
			switch s {
			case "file":
				return 0
			case "backing":
				return 1
			default:
				return 2
			}
		}
		if ri, rj := rank(names[i]), rank(names[j]); ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

func roleForChildName(name string) Role {
	if name == "backing" {
		return RoleBacking
	}
	return RoleFile
}

// Name returns the node's graph name.
func (n *Node) Name() string { return n.name }

// Filename returns the filename the node was opened with, if any.
func (n *Node) Filename() string { return n.filename }

// DriverName returns the bound driver's format name. The binding is
// immutable for the node's lifetime.
func (n *Node) DriverName() string { return n.info.FormatName }

// Info returns the bound driver's capability descriptor.
func (n *Node) Info() DriverInfo { return n.info }

// Driver returns the bound driver.
func (n *Node) Driver() Driver { return n.drv }

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Flags returns the current open-mode flags.
func (n *Node) Flags() OpenFlag {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flags
}

// ReadOnly reports whether the node is open read-only.
func (n *Node) ReadOnly() bool { return n.Flags()&OpenReadOnly != 0 }

// Options returns the node's full current option set.
func (n *Node) Options() *Options { return n.opts.Clone() }

// ExplicitOptions returns the subset of options the user specified, without
// defaulted values.
func (n *Node) ExplicitOptions() *Options { return n.explicitOpts.Clone() }

// SetDriverState stores the driver-private state block. Only the bound
// driver may call this, from its open routine.
func (n *Node) SetDriverState(v any) { n.opaque = v }

// DriverState returns the driver-private state block.
func (n *Node) DriverState() any { return n.opaque }

// SetEncrypted records image encryption status and key validity.
func (n *Node) SetEncrypted(encrypted, keyValid bool) {
	n.mu.Lock()
	n.encrypted = encrypted
	n.keyValid = keyValid
	n.mu.Unlock()
}

// Encrypted reports whether the image is encrypted and whether a valid key
// is loaded.
func (n *Node) Encrypted() (encrypted, keyValid bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.encrypted, n.keyValid
}

// SetMetrics installs a metrics sink for the node's I/O dispatch. A nil
// sink restores the no-op default.
func (n *Node) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	n.metrics = m
}

// Children returns the outgoing edges in attach order.
func (n *Node) Children() []*Edge {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Edge, len(n.children))
	copy(out, n.children)
	return out
}

// Parents returns the incoming edges.
func (n *Node) Parents() []*Edge {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Edge, len(n.parents))
	copy(out, n.parents)
	return out
}

// Child returns the outgoing edge with the given name, or nil.
func (n *Node) Child(name string) *Edge {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.children {
		if e.name == name {
			return e
		}
	}
	return nil
}

// ChildNode returns the child node linked under name, or nil.
func (n *Node) ChildNode(name string) *Node {
	if e := n.Child(name); e != nil {
		return e.child
	}
	return nil
}

// primaryChildNode is the node I/O falls through to for filters: the "file"
// child when present, otherwise the first child.
func (n *Node) primaryChildNode() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.children {
		if e.name == "file" {
			return e.child
		}
	}
	if len(n.children) > 0 {
		return n.children[0].child
	}
	return nil
}

// AioContext returns the I/O execution context currently servicing the
// node.
func (n *Node) AioContext() *aio.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.aioCtx
}

// AttachAioContext moves the node (and transitively its children) to a new
// execution context. The node is drained for the duration; the context
// reference never changes with I/O in flight.
func (n *Node) AttachAioContext(c *aio.Context) {
	n.DrainedBegin()
	defer n.DrainedEnd()
	n.attachAioContextDrained(c)
}

func (n *Node) attachAioContextDrained(c *aio.Context) {
	for _, e := range n.Children() {
		e.child.attachAioContextDrained(c)
	}
	if aw, ok := n.drv.(AioAware); ok {
		aw.DetachAioContext(n)
	}
	n.mu.Lock()
	n.aioCtx = c
	n.mu.Unlock()
	if aw, ok := n.drv.(AioAware); ok {
		aw.AttachAioContext(n, c)
	}
}

// beginOp admits one operation. It blocks while the node is quiesced by a
// drain and fails with an ErrFatal-wrapped error when the node is not open:
// I/O against a closed or inactive node is a programming error.
func (n *Node) beginOp() error {
	n.mu.Lock()
	for n.quiesce > 0 && n.state == StateOpen {
		n.drainCond.Wait()
	}
	if n.state != StateOpen {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("operation on %s node %q: %w", state, n.name, ErrFatal)
	}
	n.inFlight++
	n.mu.Unlock()
	return nil
}

func (n *Node) endOp() {
	n.mu.Lock()
	n.inFlight--
	if n.inFlight == 0 {
		n.drainCond.Broadcast()
	}
	n.mu.Unlock()
}

// InFlight returns the number of operations currently admitted.
func (n *Node) InFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inFlight
}

// Close shuts the node down: the driver's close routine runs, the node
// detaches from its execution context and all outgoing edges release their
// permissions. Closing with operations in flight is an unrecoverable caller
// bug and aborts the process. Closing an already-closed node is a no-op.
func (n *Node) Close() {
	n.mu.Lock()
	if n.state == StateClosed || n.state == StateClosing {
		n.mu.Unlock()
		return
	}
	if n.inFlight > 0 {
		n.mu.Unlock()
		panic(fmt.Sprintf("block: closing node %q with %d operations in flight: %v", n.name, n.inFlight, ErrFatal))
	}
	wasOpen := n.state == StateOpen || n.state == StateInactive
	n.state = StateClosing
	n.drainCond.Broadcast()
	n.mu.Unlock()

	if wasOpen {
		n.drv.Close(n)
	}
	// Parents still attached learn that the medium is gone.
	for _, e := range n.Parents() {
		e.role.MediaChanged(e.parent, false)
	}
	n.releaseChildren()

	n.mu.Lock()
	n.opaque = nil
	n.aioCtx = nil
	n.state = StateClosed
	n.mu.Unlock()
	logger.Debug("closed node %q", n.name)
}

// Inactivate hands the image off for migration: the node moves from Open to
// Inactive and stops accepting I/O. Children are inactivated after their
// parents.
func (n *Node) Inactivate(ctx context.Context) error {
	n.DrainedBegin()
	defer n.DrainedEnd()

	n.mu.Lock()
	if n.state != StateOpen {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("inactivate on %s node %q: %w", state, n.name, ErrFatal)
	}
	n.mu.Unlock()

	if f, ok := n.drv.(Flusher); ok {
		if err := f.Flush(ctx, n); err != nil {
			return fmt.Errorf("flush before inactivate: %w", err)
		}
	}
	if ia, ok := n.drv.(Inactivator); ok {
		if err := ia.Inactivate(ctx, n); err != nil {
			return fmt.Errorf("driver inactivate: %w", err)
		}
	}

	n.mu.Lock()
	n.state = StateInactive
	n.mu.Unlock()

	for _, e := range n.Children() {
		if e.child.State() == StateOpen {
			if err := e.child.Inactivate(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// InvalidateCache returns an inactive node to Open, re-reading any state
// that may have changed while it was inactive. A driver failure here leaves
// the node unusable: fatal to the node, not to the process.
func (n *Node) InvalidateCache(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateInactive {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("invalidate-cache on %s node %q: %w", state, n.name, ErrFatal)
	}
	n.mu.Unlock()

	for _, e := range n.Children() {
		if e.child.State() == StateInactive {
			if err := e.child.InvalidateCache(ctx); err != nil {
				return err
			}
		}
	}

	if ci, ok := n.drv.(CacheInvalidator); ok {
		if err := ci.InvalidateCache(ctx, n); err != nil {
			n.markUnusable()
			return fmt.Errorf("driver invalidate-cache on node %q: %w", n.name, err)
		}
	}

	n.mu.Lock()
	n.state = StateOpen
	n.drainCond.Broadcast()
	n.mu.Unlock()
	return nil
}

// markUnusable puts the node into a closed-equivalent state after an
// unrecoverable driver failure. The process keeps running; the node does
// not.
func (n *Node) markUnusable() {
	n.mu.Lock()
	n.unusable = true
	n.state = StateClosed
	n.drainCond.Broadcast()
	n.mu.Unlock()
	logger.Warn("node %q marked unusable", n.name)
}

// AddChild dynamically attaches a child through the driver's add-child
// support. Drivers without it yield ErrUnsupported.
func (n *Node) AddChild(ctx context.Context, child *Node, opts *Options) error {
	cm, ok := n.drv.(ChildManager)
	if !ok {
		return fmt.Errorf("add-child on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	if opts == nil {
		opts = NewOptions()
	}
	return cm.AddChild(ctx, n, child, opts)
}

// DelChild dynamically detaches a child through the driver's del-child
// support. Drivers without it yield ErrUnsupported.
func (n *Node) DelChild(ctx context.Context, e *Edge) error {
	cm, ok := n.drv.(ChildManager)
	if !ok {
		return fmt.Errorf("del-child on driver %q: %w", n.info.FormatName, ErrUnsupported)
	}
	return cm.DelChild(ctx, n, e)
}
