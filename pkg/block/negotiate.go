package block

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grieco/vdisk/internal/logger"
)

// permMu serializes permission-negotiation and reopen batches process-wide.
// Batches touching disjoint node sets could in principle run concurrently,
// but overlapping batches must not, and one lock keeps the all-or-nothing
// guarantee simple to reason about.
var permMu sync.Mutex

// EdgeUpdate is one desired permission change inside a negotiation batch.
type EdgeUpdate struct {
	Edge   *Edge
	Perm   Perm
	Shared Perm
}

type permPair struct {
	perm   Perm
	shared Perm
}

// UpdatePermissions runs the permission-negotiation protocol over a batch of
// edge updates:
//
//  1. Drivers of affected parents recompute what they need from each child
//     (ChildPerm), propagating top-down through the graph.
//  2. Every affected child verifies that the union of parent permissions is
//     satisfiable and that each parent's permissions are contained in every
//     sibling's shared set.
//  3. Affected child drivers validate the cumulative sets (CheckPerm).
//  4. Only if every check passed are the new sets committed (SetPerm); a
//     failure aborts already-checked nodes in reverse order.
//
// On failure no edge's permission fields are modified.
func UpdatePermissions(ctx context.Context, updates []EdgeUpdate) error {
	permMu.Lock()
	defer permMu.Unlock()
	return updatePermissionsLocked(ctx, updates)
}

func updatePermissionsLocked(ctx context.Context, updates []EdgeUpdate) error {
	desired := make(map[*Edge]permPair)
	explicit := make(map[*Edge]bool)
	for _, u := range updates {
		desired[u.Edge] = permPair{u.Perm, u.Shared}
		explicit[u.Edge] = true
	}

	// Step 1: propagate requirements downward. Every parent whose edges
	// are touched recomputes the needs of all its children; those children
	// then do the same for theirs.
	visited := make(map[*Node]bool)
	var propagate func(p *Node)
	propagate = func(p *Node) {
		if visited[p] {
			return
		}
		visited[p] = true
		if len(p.children) == 0 {
			return
		}
		policy, ok := p.drv.(PermissionPolicy)
		if !ok {
			panic(fmt.Sprintf("block: driver %q has children but no child-perm support: %v",
				p.info.FormatName, ErrFatal))
		}
		cum := cumulativeDesired(p, desired)
		for _, e := range p.children {
			if !explicit[e] {
				np, ns := policy.ChildPerm(p, e, cum.perm, cum.shared)
				desired[e] = permPair{np, ns}
			}
			propagate(e.child)
		}
	}
	for _, u := range updates {
		propagate(u.Edge.parent)
		propagate(u.Edge.child)
	}

	// Collect affected children in a deterministic order.
	childSet := make(map[*Node]bool)
	for e := range desired {
		childSet[e.child] = true
	}
	children := make([]*Node, 0, len(childSet))
	for c := range childSet {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })

	// Step 2: validate each child against the union of its parents' needs
	// and each parent pair against the other's shared set.
	for _, c := range children {
		cum := cumulativeDesired(c, desired)
		if sat := c.satisfiablePerms(c.flags); !sat.Contains(cum.perm) {
			missing := cum.perm &^ sat
			return fmt.Errorf("node %q cannot satisfy permissions (%s): %w",
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
						"conflicts with use by %s of node %q, which does not allow '%s': %w",
						b.describe(), c.name, conflicting, ErrPermissionConflict)
				}
			}
		}
	}

	// Step 3: check-all. Any rejection unwinds already-confirmed nodes in
	// reverse order before a single set-perm has run.
	var checked []*Node
	for _, c := range children {
		h, ok := c.drv.(PermissionHandler)
		if !ok {
			continue
		}
		cum := cumulativeDesired(c, desired)
		if err := h.CheckPerm(ctx, c, cum.perm, cum.shared); err != nil {
			for i := len(checked) - 1; i >= 0; i-- {
				checked[i].drv.(PermissionHandler).AbortPermUpdate(checked[i])
			}
			return fmt.Errorf("permission update rejected by node %q: %w", c.name, err)
		}
		checked = append(checked, c)
	}

	// Step 4: commit-all. From the caller's perspective this is atomic:
	// nothing below may fail.
	for _, c := range children {
		if h, ok := c.drv.(PermissionHandler); ok {
			cum := cumulativeDesired(c, desired)
			h.SetPerm(c, cum.perm, cum.shared)
		}
	}
	for e, pp := range desired {
		e.perm = pp.perm
		e.sharedPerm = pp.shared
	}
	return nil
}

// desiredFor returns the pending pair for an edge, falling back to its
// current granted values.
func desiredFor(e *Edge, desired map[*Edge]permPair) permPair {
	if pp, ok := desired[e]; ok {
		return pp
	}
	return permPair{e.perm, e.sharedPerm}
}

// cumulativeDesired computes the permissions a node's parents collectively
// impose on it: the union of perms and the intersection of shared sets. A
// root node's use is derived from its own open flags.
func cumulativeDesired(n *Node, desired map[*Edge]permPair) permPair {
	if len(n.parents) == 0 {
		perm := PermConsistentRead
		if n.flags&OpenReadOnly == 0 {
			perm |= PermWrite | PermResize
		}
		return permPair{perm, PermAll}
	}
	cum := permPair{0, PermAll}
	for _, e := range n.parents {
		pp := desiredFor(e, desired)
		cum.perm |= pp.perm
		cum.shared &= pp.shared
	}
	return cum
}

// satisfiablePerms is the set of permissions the node can grant its parents
// simultaneously under the given flags.
func (n *Node) satisfiablePerms(flags OpenFlag) Perm {
	p := PermAll
	if flags&OpenReadOnly != 0 {
		p &^= PermWrite | PermResize
	}
	return p
}

// attachChild links child under the given name and role and negotiates
// permissions for the new edge. The edge becomes established only when the
// batch commits.
func (n *Node) attachChild(ctx context.Context, child *Node, name string, role Role) (*Edge, error) {
	policy, ok := n.drv.(PermissionPolicy)
	if !ok {
		panic(fmt.Sprintf("block: driver %q attaching children without child-perm support: %v",
			n.info.FormatName, ErrFatal))
	}
	if child == nil {
		return nil, fmt.Errorf("cannot attach nil child %q", name)
	}
	if n.Child(name) != nil {
		return nil, fmt.Errorf("child %q already attached to node %q: %w", name, n.name, ErrInvalidOption)
	}

	e := &Edge{parent: n, child: child, name: name, role: role}

	permMu.Lock()
	n.mu.Lock()
	n.children = append(n.children, e)
	n.mu.Unlock()
	child.mu.Lock()
	child.parents = append(child.parents, e)
	child.mu.Unlock()

	cum := cumulativeDesired(n, nil)
	perm, shared := policy.ChildPerm(n, e, cum.perm, cum.shared)
	err := updatePermissionsLocked(ctx, []EdgeUpdate{{Edge: e, Perm: perm, Shared: shared}})
	if err != nil {
		unlinkEdge(e)
		permMu.Unlock()
		return nil, err
	}
	permMu.Unlock()

	role.Attached(e)
	logger.Debug("attached node %q to %q as %q (perm %s, shared %s)",
		child.name, n.name, name, e.perm, e.sharedPerm)
	return e, nil
}

// AttachChild links an already-open node as a child of n. The relationship
// name selects the role: "backing" children use the backing role, everything
// else the data-file role.
func (n *Node) AttachChild(ctx context.Context, child *Node, name string) (*Edge, error) {
	return n.attachChild(ctx, child, name, roleForChildName(name))
}

// DetachChild releases the edge's permissions and removes it from the
// graph. Releasing cannot fail: the remaining parents' requirements are a
// subset of what was already granted.
func (n *Node) DetachChild(e *Edge) {
	if e == nil || e.parent != n {
		return
	}
	permMu.Lock()
	child := e.child
	unlinkEdge(e)
	if h, ok := child.drv.(PermissionHandler); ok {
		cum := cumulativeDesired(child, nil)
		h.SetPerm(child, cum.perm, cum.shared)
	}
	permMu.Unlock()

	e.role.Detached(e)
	e.perm = 0
	e.sharedPerm = 0
	logger.Debug("detached child %q from node %q", e.name, n.name)
}

// releaseChildren detaches every outgoing edge, used on close and on failed
// open.
func (n *Node) releaseChildren() {
	for _, e := range n.Children() {
		n.DetachChild(e)
	}
}

func unlinkEdge(e *Edge) {
	p, c := e.parent, e.child
	p.mu.Lock()
	for i, x := range p.children {
		if x == e {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	c.mu.Lock()
	for i, x := range c.parents {
		if x == e {
			c.parents = append(c.parents[:i], c.parents[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}
