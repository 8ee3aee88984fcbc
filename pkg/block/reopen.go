package block

import (
	"context"
	"fmt"

	"github.com/grieco/vdisk/internal/logger"
)

// reopenPhase is the per-transaction state machine. Relying on call-order
// discipline alone is how prepare/commit/abort protocols rot; the phase
// field makes violations loud.
type reopenPhase int

const (
	reopenIdle reopenPhase = iota
	reopenPrepared
	reopenCommitted
	reopenAborted
)

// ReopenState is the ephemeral staging area of one node inside a reopen
// transaction. It exists only between prepare and the matching commit or
// abort, and a node can have at most one outstanding at a time.
type ReopenState struct {
	node *Node

	// Flags and Options are the pending open parameters the node will
	// carry after commit.
	Flags   OpenFlag
	Options *Options

	// Explicit is the user-specified, non-defaulted option subset.
	Explicit *Options

	// Staged is the driver's private staging area: resources prepared for
	// the new parameters that are not yet live.
	Staged any

	phase    reopenPhase
	oldFlags OpenFlag
	oldOpts  *Options
}

// Node returns the node this state belongs to.
func (st *ReopenState) Node() *Node { return st.node }

// ReopenQueue collects the nodes of one atomic reopen transaction.
type ReopenQueue struct {
	entries []*ReopenState
}

// NewReopenQueue returns an empty queue.
func NewReopenQueue() *ReopenQueue {
	return &ReopenQueue{}
}

// Add queues a node with new options and flags, then recursively queues its
// children with flags derived through each edge's role, so that for example
// a parent going read-only takes its data file with it. Options apply only
// to the node itself; children keep theirs.
//
// The "read-only" option is consumed here and folded into the flags.
func (q *ReopenQueue) Add(n *Node, opts *Options, flags OpenFlag) (*ReopenQueue, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := validateOptionKeys(n.info, opts); err != nil {
		return nil, err
	}
	ro, err := opts.GetBool(OptReadOnly, flags&OpenReadOnly != 0)
	if err != nil {
		return nil, err
	}
	if ro {
		flags |= OpenReadOnly
	} else {
		flags &^= OpenReadOnly
	}

	merged := n.opts.Clone()
	merged.Merge(opts)

	q.add(n, merged, opts.Clone(), flags)
	return q, nil
}

func (q *ReopenQueue) add(n *Node, opts, explicit *Options, flags OpenFlag) {
	for _, st := range q.entries {
		if st.node == n {
			return
		}
	}
	q.entries = append(q.entries, &ReopenState{
		node:     n,
		Flags:    flags,
		Options:  opts,
		Explicit: explicit,
		phase:    reopenIdle,
	})
	for _, e := range n.Children() {
		q.add(e.child, e.child.opts.Clone(), NewOptions(), e.role.InheritOptions(flags))
	}
}

// Nodes returns the queued nodes in queue order.
func (q *ReopenQueue) Nodes() []*Node {
	out := make([]*Node, len(q.entries))
	for i, st := range q.entries {
		out[i] = st.node
	}
	return out
}

// Reopen applies a queued batch atomically: every node's open parameters are
// replaced, or none are.
//
// The transaction runs in three phases. Prepare stages new resources for
// each node in queue order; the first failure aborts the already-prepared
// nodes in reverse order and restores the observable state exactly. Between
// prepare and commit the permission protocol re-validates every edge
// touching a queued node against the pending flags. Commit then swaps staged
// resources in; a commit failure cannot be rolled back, so the affected node
// is marked unusable and the error surfaced after the rest of the batch
// finished.
func Reopen(ctx context.Context, q *ReopenQueue) error {
	if q == nil || len(q.entries) == 0 {
		return nil
	}

	for _, st := range q.entries {
		st.node.DrainedBegin()
	}
	defer func() {
		for i := len(q.entries) - 1; i >= 0; i-- {
			q.entries[i].node.DrainedEnd()
		}
	}()

	permMu.Lock()
	defer permMu.Unlock()

	// A node may sit in only one outstanding transaction.
	for _, st := range q.entries {
		if st.node.reopen != nil {
			return fmt.Errorf("node %q already has a reopen in progress: %w", st.node.name, ErrFatal)
		}
	}
	for _, st := range q.entries {
		st.node.reopen = st
	}
	clear := func() {
		for _, st := range q.entries {
			st.node.reopen = nil
		}
	}

	abortPrepared := func(upto int) {
		for i := upto; i >= 0; i-- {
			st := q.entries[i]
			if st.phase != reopenPrepared {
				continue
			}
			if r, ok := st.node.drv.(Reopener); ok {
				r.ReopenAbort(st)
			}
			st.Staged = nil
			st.phase = reopenAborted
		}
		clear()
	}

	// Phase 1: prepare.
	for i, st := range q.entries {
		st.oldFlags = st.node.flags
		st.oldOpts = st.node.opts
		if r, ok := st.node.drv.(Reopener); ok {
			if err := r.ReopenPrepare(ctx, st); err != nil {
				st.phase = reopenAborted
				abortPrepared(i - 1)
				return fmt.Errorf("reopen prepare on node %q: %w", st.node.name, err)
			}
		}
		st.phase = reopenPrepared
	}

	// Permission re-validation against the pending parameters: every edge
	// into a queued node must still be satisfiable, and the child drivers
	// get their check/set/abort cycle.
	if err := checkReopenPermissions(ctx, q); err != nil {
		abortPrepared(len(q.entries) - 1)
		return err
	}

	// Phase 2: commit. Failures here are fatal to the node, not undone.
	var commitErr error
	for _, st := range q.entries {
		if r, ok := st.node.drv.(Reopener); ok {
			if err := r.ReopenCommit(st); err != nil {
				st.node.reopen = nil
				st.node.markUnusable()
				if commitErr == nil {
					commitErr = fmt.Errorf("reopen commit on node %q: %w", st.node.name, err)
				}
				continue
			}
		}
		st.node.mu.Lock()
		st.node.flags = st.Flags
		st.node.opts = st.Options
		merged := st.node.explicitOpts.Clone()
		merged.Merge(st.Explicit)
		st.node.explicitOpts = merged
		st.node.mu.Unlock()
		st.phase = reopenCommitted
		logger.Debug("reopened node %q (flags %#x)", st.node.name, st.Flags)
	}
	clear()
	return commitErr
}

// ReopenNode is the single-node convenience wrapper around a batch reopen.
func ReopenNode(ctx context.Context, n *Node, opts *Options, flags OpenFlag) error {
	q, err := NewReopenQueue().Add(n, opts, flags)
	if err != nil {
		return err
	}
	return Reopen(ctx, q)
}

// Amend applies new options to a live node through the reopen machinery,
// keeping its current flags.
func (n *Node) Amend(ctx context.Context, opts *Options) error {
	return ReopenNode(ctx, n, opts, n.Flags())
}

// checkReopenPermissions re-runs the permission protocol for the edges
// touching queued nodes. Queued parents recompute what they will need from
// each child under their pending flags, so a chain going read-only stops
// demanding write from its children; satisfiability and pairwise sibling
// sharing are validated against the pending sets, with sibling edges outside
// the queue contributing their current grants. Edges keep their old grants
// unless the whole check passes.
func checkReopenPermissions(ctx context.Context, q *ReopenQueue) error {
	pending := make(map[*Node]OpenFlag, len(q.entries))
	for _, st := range q.entries {
		pending[st.node] = st.Flags
	}
	flagsOf := func(n *Node) OpenFlag {
		if f, ok := pending[n]; ok {
			return f
		}
		return n.flags
	}

	desired := make(map[*Edge]permPair)
	cum := func(n *Node) permPair {
		if len(n.parents) == 0 {
			perm := PermConsistentRead
			if flagsOf(n)&OpenReadOnly == 0 {
				perm |= PermWrite | PermResize
			}
			return permPair{perm, PermAll}
		}
		c := permPair{0, PermAll}
		for _, e := range n.parents {
			pp := desiredFor(e, desired)
			c.perm |= pp.perm
			c.shared &= pp.shared
		}
		return c
	}

	// Queue order is parent-before-child, so by the time a child's edges
	// are read here its queued parents have already been recomputed.
	for _, st := range q.entries {
		p := st.node
		policy, ok := p.drv.(PermissionPolicy)
		if !ok || len(p.children) == 0 {
			continue
		}
		pc := cum(p)
		for _, e := range p.children {
			np, ns := policy.ChildPerm(p, e, pc.perm, pc.shared)
			desired[e] = permPair{np, ns}
		}
	}

	// Validate every queued child against the pending sets before any
	// driver check runs: the union of its parents' needs must be
	// satisfiable under the child's pending flags, and each parent's
	// pending permissions must stay within every sibling's shared set.
	for _, st := range q.entries {
		c := st.node
		if len(c.parents) == 0 {
			continue
		}
		cd := cum(c)
		if sat := c.satisfiablePerms(flagsOf(c)); !sat.Contains(cd.perm) {
			missing := cd.perm &^ sat
			return fmt.Errorf("reopen would leave node %q unable to satisfy granted permissions (%s): %w",
				c.name, missing, ErrPermissionConflict)
		}
		for i, a := range c.parents {
			ap := desiredFor(a, desired)
			for j, b := range c.parents {
				if i == j {
					continue
				}
				bp := desiredFor(b, desired)
				if conflicting := ap.perm &^ bp.shared; conflicting != 0 {
					return fmt.Errorf(
						"reopen conflicts with use by %s of node %q, which does not allow '%s': %w",
						b.describe(), c.name, conflicting, ErrPermissionConflict)
				}
			}
		}
	}

	var checked []*Node
	abort := func() {
		for i := len(checked) - 1; i >= 0; i-- {
			checked[i].drv.(PermissionHandler).AbortPermUpdate(checked[i])
		}
	}
	for _, st := range q.entries {
		c := st.node
		if len(c.parents) == 0 {
			continue
		}
		if h, ok := c.drv.(PermissionHandler); ok {
			cd := cum(c)
			if err := h.CheckPerm(ctx, c, cd.perm, cd.shared); err != nil {
				abort()
				return fmt.Errorf("reopen permission check on node %q: %w", c.name, err)
			}
			checked = append(checked, c)
		}
	}
	for _, c := range checked {
		cd := cum(c)
		c.drv.(PermissionHandler).SetPerm(c, cd.perm, cd.shared)
	}
	for e, pp := range desired {
		e.perm = pp.perm
		e.sharedPerm = pp.shared
	}
	return nil
}
