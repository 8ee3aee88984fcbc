package block

import "fmt"

// Role is the behavior set a parent supplies for one edge: how the parent
// reacts to child-side state transitions. Implementations are typically
// stateless singletons; BaseRole provides no-op defaults to embed.
type Role interface {
	// StayAtNode reports whether, when the child is replaced in the graph,
	// this edge should stay at the original node instead of following the
	// replacement.
	StayAtNode() bool

	// InheritOptions derives the child's open flags from the parent's
	// during recursive open and reopen.
	InheritOptions(parentFlags OpenFlag) OpenFlag

	// ChildName returns the name the child contributes to the parent's
	// diagnostics, e.g. the backing filename.
	ChildName(parent *Node) string

	// ParentDescription names the parent for permission-conflict error
	// messages.
	ParentDescription(parent *Node) string

	// MediaChanged notifies the parent of removable-media transitions on
	// the child; closing a child with the edge still attached reports the
	// medium going away.
	MediaChanged(parent *Node, load bool)

	// Resized notifies the parent that the child's visible length changed.
	Resized(parent *Node)

	// DrainedBegin and DrainedEnd propagate child-side draining into the
	// parent so it stops submitting new requests for the duration.
	DrainedBegin(parent *Node)
	DrainedEnd(parent *Node)

	// Attached and Detached run after an edge is established or removed.
	Attached(e *Edge)
	Detached(e *Edge)
}

// BaseRole is a Role with no-op behavior for every hook. Concrete roles
// embed it and override what they need.
type BaseRole struct{}

func (BaseRole) StayAtNode() bool                        { return false }
func (BaseRole) InheritOptions(parent OpenFlag) OpenFlag { return parent }
func (BaseRole) ChildName(*Node) string                  { return "" }
func (BaseRole) ParentDescription(parent *Node) string {
	if parent == nil {
		return "unknown parent"
	}
	return fmt.Sprintf("node '%s'", parent.Name())
}
func (BaseRole) MediaChanged(*Node, bool) {}
func (BaseRole) Resized(*Node)           {}
func (BaseRole) DrainedBegin(*Node)      {}
func (BaseRole) DrainedEnd(*Node)        {}
func (BaseRole) Attached(*Edge)          {}
func (BaseRole) Detached(*Edge)          {}

type fileRole struct{ BaseRole }

func (fileRole) InheritOptions(parent OpenFlag) OpenFlag {
	// The data child carries the parent's writability; probing does not
	// propagate.
	return parent &^ OpenProbed
}

type backingRole struct{ BaseRole }

func (backingRole) StayAtNode() bool { return true }

func (backingRole) InheritOptions(parent OpenFlag) OpenFlag {
	// Backing files are opened read-only regardless of the parent.
	return (parent | OpenReadOnly) &^ OpenProbed
}

// Standard roles. Parents with bespoke reactions define their own Role;
// everything else uses one of these singletons.
var (
	// RoleFile is the role of a format or filter driver's data child.
	RoleFile Role = fileRole{}

	// RoleBacking is the role of a copy-on-write backing child.
	RoleBacking Role = backingRole{}
)

// Edge is a directed, named link from a parent node to a child node it
// depends on. It carries the permissions negotiated for the relationship and
// the Role through which the parent reacts to child-side events.
type Edge struct {
	parent *Node
	child  *Node
	name   string
	role   Role

	// perm and sharedPerm are the currently granted sets. They change only
	// inside a committed negotiation batch.
	perm       Perm
	sharedPerm Perm

	// opaque is per-edge private state owned by the parent driver.
	opaque any
}

// Parent returns the edge's parent node.
func (e *Edge) Parent() *Node { return e.parent }

// Child returns the edge's child node.
func (e *Edge) Child() *Node { return e.child }

// Name returns the display name of the relationship, e.g. "file" or
// "backing".
func (e *Edge) Name() string { return e.name }

// Role returns the parent-supplied role.
func (e *Edge) Role() Role { return e.role }

// Perm returns the permissions the parent currently holds on the child.
func (e *Edge) Perm() Perm { return e.perm }

// SharedPerm returns what the parent currently permits other parents of the
// same child to do concurrently.
func (e *Edge) SharedPerm() Perm { return e.sharedPerm }

// SetOpaque stores per-edge private state for the parent driver.
func (e *Edge) SetOpaque(v any) { e.opaque = v }

// Opaque returns the per-edge private state.
func (e *Edge) Opaque() any { return e.opaque }

func (e *Edge) describe() string {
	return fmt.Sprintf("%s as '%s'", e.role.ParentDescription(e.parent), e.name)
}
