// Package faultinject implements the "faultinject" filter driver: a
// pass-through node that can turn block-layer debug events into injected
// I/O errors or suspended requests. It is the test harness of the graph:
// stacked under a format driver it observes every event the layers above
// it fire and lets tests stop the world at a precise point.
package faultinject

import (
	"context"
	"fmt"
	"sync"

	"github.com/grieco/vdisk/pkg/block"
)

// Driver is the fault-injecting filter driver.
type Driver struct{}

// injectRule arms an error for the next operation after its event fires.
type injectRule struct {
	event block.DebugEvent
	errno int
	once  bool
}

// breakpoint suspends the request firing its event under a tag.
type breakpoint struct {
	event block.DebugEvent
	tag   string
}

// state lives on the filtered edge rather than the node: the rules and
// breakpoints govern the filter's relationship to its "file" child.
type state struct {
	mu          sync.Mutex
	rules       []injectRule
	breakpoints []breakpoint

	// armedErrno is consumed by the next pass-through operation; zero
	// means no error is pending.
	armedErrno int

	// suspended maps a breakpoint tag to the channels requests are
	// currently blocked on. Resume closes them all.
	suspended map[string][]chan struct{}
}

func init() {
	block.MustRegister(&Driver{})
}

// Info returns the driver's capability descriptor.
func (d *Driver) Info() block.DriverInfo {
	return block.DriverInfo{
		FormatName: "faultinject",
		IsFilter:   true,
		OptionKeys: []string{"inject-error-event", "inject-error-errno", "inject-error-once"},
	}
}

// ChildPerm delegates to the standard filter policy: a filter forwards its
// parents' demands to its only child unchanged.
func (d *Driver) ChildPerm(n *block.Node, e *block.Edge, parentPerm, parentShared block.Perm) (block.Perm, block.Perm) {
	return block.FilterDefaultPerms(parentPerm, parentShared)
}

// stateOf retrieves the filter state stored on the filtered edge.
func stateOf(n *block.Node) *state {
	return n.Child("file").Opaque().(*state)
}

// Open parses the optional static error-injection rule and wires the filter
// to its "file" child.
func (d *Driver) Open(ctx context.Context, n *block.Node, opts *block.Options, flags block.OpenFlag) error {
	fileEdge := n.Child("file")
	if fileEdge == nil {
		return fmt.Errorf("faultinject driver requires a %q child: %w", "file", block.ErrInvalidOption)
	}

	s := &state{suspended: make(map[string][]chan struct{})}
	if name, ok := opts.Get("inject-error-event"); ok {
		ev, err := block.ParseDebugEvent(name)
		if err != nil {
			return err
		}
		errno, err := opts.GetInt64("inject-error-errno", int64(block.EIO))
		if err != nil {
			return err
		}
		once, err := opts.GetBool("inject-error-once", false)
		if err != nil {
			return err
		}
		s.rules = append(s.rules, injectRule{event: ev, errno: int(errno), once: once})
	}
	fileEdge.SetOpaque(s)
	return nil
}

// Close releases any requests still suspended so their goroutines can exit.
func (d *Driver) Close(n *block.Node) {
	s := stateOf(n)
	s.mu.Lock()
	for tag, chans := range s.suspended {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.suspended, tag)
	}
	s.mu.Unlock()
}

// DebugEvent matches ev against the armed breakpoints and injection rules.
// A matching breakpoint suspends the calling request until DebugResume; a
// matching injection rule arms an error for the next pass-through
// operation.
func (d *Driver) DebugEvent(n *block.Node, ev block.DebugEvent) {
	s := stateOf(n)
	s.mu.Lock()

	var waits []chan struct{}
	for _, bp := range s.breakpoints {
		if bp.event != ev {
			continue
		}
		ch := make(chan struct{})
		s.suspended[bp.tag] = append(s.suspended[bp.tag], ch)
		waits = append(waits, ch)
	}
	for i := 0; i < len(s.rules); i++ {
		if s.rules[i].event != ev {
			continue
		}
		s.armedErrno = s.rules[i].errno
		if s.rules[i].once {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			i--
		}
	}
	s.mu.Unlock()

	for _, ch := range waits {
		<-ch
	}
}

// DebugBreakpoint arms a breakpoint: every request firing ev from now on
// suspends under tag.
func (d *Driver) DebugBreakpoint(n *block.Node, ev block.DebugEvent, tag string) error {
	s := stateOf(n)
	s.mu.Lock()
	s.breakpoints = append(s.breakpoints, breakpoint{event: ev, tag: tag})
	s.mu.Unlock()
	return nil
}

// DebugRemoveBreakpoint disarms every breakpoint under tag. Requests already
// suspended stay suspended until resumed.
func (d *Driver) DebugRemoveBreakpoint(n *block.Node, tag string) error {
	s := stateOf(n)
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.breakpoints[:0]
	found := false
	for _, bp := range s.breakpoints {
		if bp.tag == tag {
			found = true
			continue
		}
		kept = append(kept, bp)
	}
	s.breakpoints = kept
	if !found {
		return fmt.Errorf("breakpoint %q: %w", tag, block.ErrNotFound)
	}
	return nil
}

// DebugResume releases every request suspended under tag.
func (d *Driver) DebugResume(n *block.Node, tag string) error {
	s := stateOf(n)
	s.mu.Lock()
	chans, ok := s.suspended[tag]
	delete(s.suspended, tag)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no request suspended under %q: %w", tag, block.ErrNotFound)
	}
	for _, ch := range chans {
		close(ch)
	}
	return nil
}

// DebugIsSuspended reports whether any request is currently suspended under
// tag.
func (d *Driver) DebugIsSuspended(n *block.Node, tag string) bool {
	s := stateOf(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.suspended[tag]) > 0
}

// takeArmed consumes a pending injected error, if one is armed.
func (s *state) takeArmed(op string) error {
	s.mu.Lock()
	errno := s.armedErrno
	s.armedErrno = 0
	s.mu.Unlock()

	if errno == 0 {
		return nil
	}
	return block.NewIOError(op, errno, fmt.Errorf("injected error"))
}

func (d *Driver) ReadAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	s := stateOf(n)
	if err := s.takeArmed("read"); err != nil {
		return 0, err
	}
	return n.ChildNode("file").ReadAt(ctx, off, qiov)
}

func (d *Driver) WriteAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	s := stateOf(n)
	if err := s.takeArmed("write"); err != nil {
		return 0, err
	}
	return n.ChildNode("file").WriteAt(ctx, off, qiov)
}

func (d *Driver) WriteZeroes(ctx context.Context, n *block.Node, off, count int64) error {
	s := stateOf(n)
	if err := s.takeArmed("write-zeroes"); err != nil {
		return err
	}
	return n.ChildNode("file").WriteZeroes(ctx, off, count)
}

func (d *Driver) Flush(ctx context.Context, n *block.Node) error {
	s := stateOf(n)
	if err := s.takeArmed("flush"); err != nil {
		return err
	}
	return n.ChildNode("file").Flush(ctx)
}

func (d *Driver) Discard(ctx context.Context, n *block.Node, off, count int64) error {
	s := stateOf(n)
	if err := s.takeArmed("discard"); err != nil {
		return err
	}
	return n.ChildNode("file").Discard(ctx, off, count)
}

func (d *Driver) Truncate(ctx context.Context, n *block.Node, size int64) error {
	s := stateOf(n)
	if err := s.takeArmed("truncate"); err != nil {
		return err
	}
	return n.ChildNode("file").Truncate(ctx, size)
}

func (d *Driver) Length(ctx context.Context, n *block.Node) (int64, error) {
	return n.ChildNode("file").Length(ctx)
}

func (d *Driver) BlockStatus(ctx context.Context, n *block.Node, off, count int64) (block.AllocStatus, error) {
	return n.ChildNode("file").BlockStatus(ctx, off, count)
}
