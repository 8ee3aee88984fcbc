package block

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

var testDriverCounter atomic.Uint64

// fakeDriver is a fully capable in-memory driver for framework tests. Its
// hooks make permission checks and reopen phases observable and failable.
type fakeDriver struct {
	name string
	size int64

	// Behavior hooks. Nil means succeed.
	childPerm func(n *Node, e *Edge, parentPerm, parentShared Perm) (Perm, Perm)
	checkPerm func(ctx context.Context, n *Node, perm, shared Perm) error
	prepare   func(st *ReopenState) error
	commit    func(st *ReopenState) error

	// blockRead, when non-nil, stalls every read until the channel closes.
	blockRead chan struct{}

	mu           sync.Mutex
	data         []byte
	checkCalls   int
	setCalls     int
	abortCalls   int
	prepareCalls int
	commitCalls  int
	abortReopen  int
	lastPerm     Perm
	lastShared   Perm
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		name: fmt.Sprintf("fake%d", testDriverCounter.Add(1)),
		size: 1024,
	}
}

func (f *fakeDriver) Info() DriverInfo {
	return DriverInfo{
		FormatName:   f.name,
		ProtocolName: f.name,
		OptionKeys:   []string{"size", "label"},
	}
}

func (f *fakeDriver) Open(ctx context.Context, n *Node, opts *Options, flags OpenFlag) error {
	f.mu.Lock()
	if f.data == nil {
		f.data = make([]byte, f.size)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Close(n *Node) {}

func (f *fakeDriver) ReadAt(ctx context.Context, n *Node, off int64, qiov *IOVector) (int64, error) {
	if f.blockRead != nil {
		<-f.blockRead
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	qiov.CopyFrom(f.data[off : off+qiov.Size()])
	return qiov.Size(), nil
}

func (f *fakeDriver) WriteAt(ctx context.Context, n *Node, off int64, qiov *IOVector) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.data[off:], qiov.Flatten())
	return qiov.Size(), nil
}

func (f *fakeDriver) Length(ctx context.Context, n *Node) (int64, error) {
	return f.size, nil
}

func (f *fakeDriver) ChildPerm(n *Node, e *Edge, parentPerm, parentShared Perm) (Perm, Perm) {
	if f.childPerm != nil {
		return f.childPerm(n, e, parentPerm, parentShared)
	}
	return FilterDefaultPerms(parentPerm, parentShared)
}

func (f *fakeDriver) CheckPerm(ctx context.Context, n *Node, perm, shared Perm) error {
	f.mu.Lock()
	f.checkCalls++
	f.mu.Unlock()
	if f.checkPerm != nil {
		return f.checkPerm(ctx, n, perm, shared)
	}
	return nil
}

func (f *fakeDriver) SetPerm(n *Node, perm, shared Perm) {
	f.mu.Lock()
	f.setCalls++
	f.lastPerm, f.lastShared = perm, shared
	f.mu.Unlock()
}

func (f *fakeDriver) AbortPermUpdate(n *Node) {
	f.mu.Lock()
	f.abortCalls++
	f.mu.Unlock()
}

func (f *fakeDriver) ReopenPrepare(ctx context.Context, st *ReopenState) error {
	f.mu.Lock()
	f.prepareCalls++
	f.mu.Unlock()
	if f.prepare != nil {
		return f.prepare(st)
	}
	return nil
}

func (f *fakeDriver) ReopenCommit(st *ReopenState) error {
	f.mu.Lock()
	f.commitCalls++
	f.mu.Unlock()
	if f.commit != nil {
		return f.commit(st)
	}
	return nil
}

func (f *fakeDriver) ReopenAbort(st *ReopenState) {
	f.mu.Lock()
	f.abortReopen++
	f.mu.Unlock()
}

func (f *fakeDriver) counts() (check, set, abort int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls, f.setCalls, f.abortCalls
}

// minimalDriver implements only the mandatory interface plus reads, for
// exercising the unsupported-operation paths.
type minimalDriver struct {
	name string
}

func newMinimalDriver() *minimalDriver {
	return &minimalDriver{name: fmt.Sprintf("minimal%d", testDriverCounter.Add(1))}
}

func (m *minimalDriver) Info() DriverInfo {
	return DriverInfo{FormatName: m.name, ProtocolName: m.name}
}

func (m *minimalDriver) Open(ctx context.Context, n *Node, opts *Options, flags OpenFlag) error {
	return nil
}

func (m *minimalDriver) Close(n *Node) {}

func (m *minimalDriver) ReadAt(ctx context.Context, n *Node, off int64, qiov *IOVector) (int64, error) {
	qiov.FillZero()
	return qiov.Size(), nil
}

// mustOpen registers the driver and opens a node with it, failing the test
// on error.
func mustOpen(t *testing.T, d Driver, flags OpenFlag, children map[string]*Node) *Node {
	t.Helper()
	MustRegister(d)
	n, err := Open(context.Background(), d.Info().FormatName, "", nil, children, flags)
	if err != nil {
		t.Fatalf("open with driver %q failed: %v", d.Info().FormatName, err)
	}
	return n
}
