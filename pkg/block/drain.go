package block

// Draining quiesces a node before a structural change: in-flight operations
// finish, new ones block at admission, and the condition propagates to the
// node's children and to its parents' edge roles so wrapping drivers stop
// submitting on their own.
//
// Drain sections are counted, so they nest and repeat freely: a second
// DrainedBegin on an already-quiesced node returns immediately.

// DrainedBegin enters a drained section: it waits for the node to quiesce
// and keeps new operations blocked until the matching DrainedEnd.
func (n *Node) DrainedBegin() {
	n.mu.Lock()
	n.quiesce++
	first := n.quiesce == 1
	for n.inFlight > 0 {
		n.drainCond.Wait()
	}
	n.mu.Unlock()

	if !first {
		return
	}
	for _, e := range n.Parents() {
		e.role.DrainedBegin(e.parent)
	}
	for _, e := range n.Children() {
		e.child.DrainedBegin()
	}
}

// DrainedEnd leaves a drained section, readmitting operations once every
// outstanding section has ended.
func (n *Node) DrainedEnd() {
	n.mu.Lock()
	if n.quiesce == 0 {
		n.mu.Unlock()
		panic("block: DrainedEnd without matching DrainedBegin: " + n.name)
	}
	n.quiesce--
	last := n.quiesce == 0
	if last {
		n.drainCond.Broadcast()
	}
	n.mu.Unlock()

	if !last {
		return
	}
	for _, e := range n.Children() {
		e.child.DrainedEnd()
	}
	for _, e := range n.Parents() {
		e.role.DrainedEnd(e.parent)
	}
}

// Drain waits until all in-flight operations on the node and its children
// have finished. It does not keep the node quiesced afterwards; draining an
// already-quiescent node returns immediately.
func (n *Node) Drain() {
	n.DrainedBegin()
	n.DrainedEnd()
}

// Quiesced reports whether the node is inside a drained section.
func (n *Node) Quiesced() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quiesce > 0
}
