package block

import "fmt"

// DebugEvent identifies a point of interest inside the block layer where a
// debugging filter may inject faults or suspend requests.
type DebugEvent int

const (
	EventNone DebugEvent = iota
	EventReadAIO
	EventWriteAIO
	EventFlushToOS
	EventFlushToDisk
	EventDiscard
	EventCowRead
	EventCowWrite
	EventClusterAlloc
	EventSnapshotCreate
	EventSnapshotGoto
	EventSnapshotDelete
	EventTruncate
)

var debugEventNames = map[DebugEvent]string{
	EventNone:           "none",
	EventReadAIO:        "read_aio",
	EventWriteAIO:       "write_aio",
	EventFlushToOS:      "flush_to_os",
	EventFlushToDisk:    "flush_to_disk",
	EventDiscard:        "discard",
	EventCowRead:        "cow_read",
	EventCowWrite:       "cow_write",
	EventClusterAlloc:   "cluster_alloc",
	EventSnapshotCreate: "snapshot_create",
	EventSnapshotGoto:   "snapshot_goto",
	EventSnapshotDelete: "snapshot_delete",
	EventTruncate:       "truncate",
}

func (e DebugEvent) String() string {
	if s, ok := debugEventNames[e]; ok {
		return s
	}
	return "unknown"
}

// ParseDebugEvent resolves an event name as used in configuration.
func ParseDebugEvent(s string) (DebugEvent, error) {
	for ev, name := range debugEventNames {
		if name == s {
			return ev, nil
		}
	}
	return EventNone, fmt.Errorf("unknown debug event %q: %w", s, ErrInvalidOption)
}

// debugTarget walks from n down the primary-child chain to the nearest node
// whose driver consumes debug events. Returns nil when no such node exists.
func debugTarget(n *Node) *Node {
	for cur := n; cur != nil; cur = cur.primaryChildNode() {
		if _, ok := cur.drv.(Debugger); ok {
			return cur
		}
	}
	return nil
}

// TriggerDebugEvent delivers ev to the nearest debugging driver at or below
// n. Nodes fire events around their own I/O dispatch, so a fault-injecting
// filter sees the traffic of everything stacked on top of it. A graph
// without a debugging driver swallows events silently.
func (n *Node) TriggerDebugEvent(ev DebugEvent) {
	if t := debugTarget(n); t != nil {
		t.drv.(Debugger).DebugEvent(t, ev)
	}
}

// DebugBreakpoint arms a breakpoint for ev under the given tag on the
// nearest debugging driver at or below n.
func (n *Node) DebugBreakpoint(ev DebugEvent, tag string) error {
	t := debugTarget(n)
	if t == nil {
		return fmt.Errorf("debug-breakpoint: %w", ErrUnsupported)
	}
	return t.drv.(Debugger).DebugBreakpoint(t, ev, tag)
}

// DebugRemoveBreakpoint disarms every breakpoint under tag.
func (n *Node) DebugRemoveBreakpoint(tag string) error {
	t := debugTarget(n)
	if t == nil {
		return fmt.Errorf("debug-remove-breakpoint: %w", ErrUnsupported)
	}
	return t.drv.(Debugger).DebugRemoveBreakpoint(t, tag)
}

// DebugResume releases requests suspended under tag.
func (n *Node) DebugResume(tag string) error {
	t := debugTarget(n)
	if t == nil {
		return fmt.Errorf("debug-resume: %w", ErrUnsupported)
	}
	return t.drv.(Debugger).DebugResume(t, tag)
}

// DebugIsSuspended reports whether a request is currently suspended under
// tag.
func (n *Node) DebugIsSuspended(tag string) bool {
	t := debugTarget(n)
	if t == nil {
		return false
	}
	return t.drv.(Debugger).DebugIsSuspended(t, tag)
}
