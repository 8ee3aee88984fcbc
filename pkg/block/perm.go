package block

import "strings"

// Perm is a bitset describing what a parent does to a child node through one
// edge (perm) or what it tolerates other parents of the same child doing
// concurrently (shared perm). Bit meanings are fixed process-wide.
type Perm uint64

const (
	// PermConsistentRead requires that reads through the edge observe a
	// consistent view of the data: no parent may scribble over regions the
	// holder is reading, and the image must not be in a transient state.
	PermConsistentRead Perm = 1 << iota

	// PermWrite allows writing through the edge, including resize-writes
	// past the current end of the visible area.
	PermWrite

	// PermWriteUnchanged allows writes that do not change the visible
	// content, such as copy-on-read write-backs. Weaker than PermWrite.
	PermWriteUnchanged

	// PermResize allows truncating or growing the child.
	PermResize

	// PermGraphMod allows structural changes around the child, such as
	// replacing its backing link.
	PermGraphMod
)

// PermAll is the union of every defined permission bit.
const PermAll = PermConsistentRead | PermWrite | PermWriteUnchanged | PermResize | PermGraphMod

var permNames = []struct {
	bit  Perm
	name string
}{
	{PermConsistentRead, "consistent-read"},
	{PermWrite, "write"},
	{PermWriteUnchanged, "write-unchanged"},
	{PermResize, "resize"},
	{PermGraphMod, "graph-mod"},
}

// String renders the set as a comma-separated list of bit names, or "none".
func (p Perm) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	for _, pn := range permNames {
		if p&pn.bit != 0 {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, ",")
}

// Contains reports whether every bit of other is set in p.
func (p Perm) Contains(other Perm) bool {
	return p&other == other
}

// FilterDefaultPerms is the child-permission policy for filter drivers: the
// filter forwards exactly the permissions its own parents impose on it, and
// shares exactly what they share.
func FilterDefaultPerms(parentPerm, parentShared Perm) (Perm, Perm) {
	return parentPerm, parentShared | PermWriteUnchanged
}

// FormatDefaultPerms is the child-permission policy format drivers typically
// want for their data ("file") and backing children.
//
// The data child inherits read/write needs from the cumulative permissions
// imposed on the parent itself, and additionally needs resize whenever
// anything writes through the parent, since allocating writes grow the data
// file. Writability is derived from those permissions rather than the
// parent's open flags so that pending states, as during a reopen, are
// honored. Metadata updates mean the format driver cannot tolerate anybody
// else writing to the file. The backing child is read-only from the format
// driver's point of view and its content must stay stable underneath, so
// write is never shared on it.
func FormatDefaultPerms(e *Edge, parentPerm, parentShared Perm) (Perm, Perm) {
	if e.role == RoleBacking {
		perm := PermConsistentRead
		shared := PermConsistentRead | PermWriteUnchanged | PermGraphMod
		return perm, shared
	}

	perm := parentPerm & (PermConsistentRead | PermWrite | PermWriteUnchanged)
	if parentPerm&PermWrite != 0 {
		perm |= PermWrite | PermResize
	}
	shared := PermAll &^ (PermWrite | PermResize)
	return perm, shared
}
