package block

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestOpen_RejectsUnknownOption(t *testing.T) {
	d := newFakeDriver()
	MustRegister(d)

	opts := NewOptions()
	opts.Set("bogus", "1")
	if _, err := Open(context.Background(), d.name, "", opts, nil, 0); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("open with unknown option error = %v, want ErrInvalidOption", err)
	}
}

func TestOpen_ReadOnlyOptionBecomesFlag(t *testing.T) {
	d := newFakeDriver()
	MustRegister(d)

	opts := NewOptions()
	opts.Set(OptReadOnly, "on")
	n, err := Open(context.Background(), d.name, "", opts, nil, 0)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer n.Close()

	if !n.ReadOnly() {
		t.Error("node should be read-only")
	}
	_, err = n.WriteAt(context.Background(), 0, NewIOVector([]byte{1}))
	if IOErrorCode(err) != EACCES {
		t.Errorf("write on read-only node error = %v, want EACCES code", err)
	}
}

func TestOpen_NodeNameOptionAndDefault(t *testing.T) {
	d := newFakeDriver()
	opts := NewOptions()
	opts.Set(OptNodeName, "disk0")
	MustRegister(d)
	n, err := Open(context.Background(), d.name, "", opts, nil, 0)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer n.Close()
	if n.Name() != "disk0" {
		t.Errorf("node name = %q, want disk0", n.Name())
	}

	d2 := newFakeDriver()
	n2 := mustOpen(t, d2, 0, nil)
	defer n2.Close()
	if n2.Name() == "" {
		t.Error("node without explicit name should get a generated one")
	}
}

func TestNode_ReadWriteRoundTrip(t *testing.T) {
	n := mustOpen(t, newFakeDriver(), 0, nil)
	defer n.Close()
	ctx := context.Background()

	payload := []byte("hello, block layer")
	if _, err := n.WriteAt(ctx, 64, NewIOVector(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := n.ReadAt(ctx, 64, NewIOVector(got)); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %q, want %q", got, payload)
	}
}

func TestNode_NegativeOffsetRejected(t *testing.T) {
	n := mustOpen(t, newFakeDriver(), 0, nil)
	defer n.Close()

	_, err := n.ReadAt(context.Background(), -1, NewIOVector(make([]byte, 1)))
	if IOErrorCode(err) != EINVAL {
		t.Errorf("negative-offset read error = %v, want EINVAL code", err)
	}
}

func TestNode_UnsupportedOperations(t *testing.T) {
	n := mustOpen(t, newMinimalDriver(), 0, nil)
	defer n.Close()
	ctx := context.Background()

	if _, err := n.WriteAt(ctx, 0, NewIOVector([]byte{1})); !errors.Is(err, ErrUnsupported) {
		t.Errorf("write error = %v, want ErrUnsupported", err)
	}
	if err := n.Discard(ctx, 0, 512); !errors.Is(err, ErrUnsupported) {
		t.Errorf("discard error = %v, want ErrUnsupported", err)
	}
	if err := n.Truncate(ctx, 1024); !errors.Is(err, ErrUnsupported) {
		t.Errorf("truncate error = %v, want ErrUnsupported", err)
	}
	if _, err := n.Length(ctx); !errors.Is(err, ErrUnsupported) {
		t.Errorf("getlength error = %v, want ErrUnsupported", err)
	}
	if _, err := n.SnapshotList(ctx); !errors.Is(err, ErrUnsupported) {
		t.Errorf("snapshot-list error = %v, want ErrUnsupported", err)
	}

	// Documented no-op successes and defaults.
	if err := n.Flush(ctx); err != nil {
		t.Errorf("flush without driver support should succeed, got %v", err)
	}
	st, err := n.BlockStatus(ctx, 0, 4096)
	if err != nil {
		t.Fatalf("block-status failed: %v", err)
	}
	if !st.Allocated || st.Zero || st.Length != 4096 {
		t.Errorf("default block status = %+v, want fully allocated non-zero", st)
	}
	if bsz := n.ProbeBlockSizes(); bsz.Phys != 512 || bsz.Log != 512 {
		t.Errorf("default block sizes = %+v, want 512/512", bsz)
	}
}

func TestNode_WriteZeroesFallback(t *testing.T) {
	d := newFakeDriver()
	n := mustOpen(t, d, 0, nil)
	defer n.Close()
	ctx := context.Background()

	ones := bytes.Repeat([]byte{0xff}, 256)
	if _, err := n.WriteAt(ctx, 0, NewIOVector(ones)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := n.WriteZeroes(ctx, 64, 128); err != nil {
		t.Fatalf("write-zeroes failed: %v", err)
	}

	got := make([]byte, 256)
	if _, err := n.ReadAt(ctx, 0, NewIOVector(got)); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for i, b := range got {
		want := byte(0xff)
		if i >= 64 && i < 192 {
			want = 0
		}
		if b != want {
			t.Fatalf("byte %d = %#x, want %#x", i, b, want)
		}
	}
}

func TestNode_UseAfterCloseIsFatal(t *testing.T) {
	n := mustOpen(t, newFakeDriver(), 0, nil)
	n.Close()

	if n.State() != StateClosed {
		t.Fatalf("state after close = %v, want closed", n.State())
	}
	_, err := n.ReadAt(context.Background(), 0, NewIOVector(make([]byte, 1)))
	if !errors.Is(err, ErrFatal) {
		t.Errorf("read after close error = %v, want ErrFatal", err)
	}

	// Closing again is a no-op.
	n.Close()
}

func TestNode_InactivateStopsIO(t *testing.T) {
	n := mustOpen(t, newFakeDriver(), 0, nil)
	defer n.Close()
	ctx := context.Background()

	if err := n.Inactivate(ctx); err != nil {
		t.Fatalf("inactivate failed: %v", err)
	}
	if n.State() != StateInactive {
		t.Fatalf("state = %v, want inactive", n.State())
	}
	if _, err := n.ReadAt(ctx, 0, NewIOVector(make([]byte, 1))); !errors.Is(err, ErrFatal) {
		t.Errorf("read on inactive node error = %v, want ErrFatal", err)
	}

	if err := n.InvalidateCache(ctx); err != nil {
		t.Fatalf("invalidate-cache failed: %v", err)
	}
	if n.State() != StateOpen {
		t.Fatalf("state after invalidate-cache = %v, want open", n.State())
	}
	if _, err := n.ReadAt(ctx, 0, NewIOVector(make([]byte, 1))); err != nil {
		t.Errorf("read after reactivation failed: %v", err)
	}
}

func TestNode_AddChildUnsupported(t *testing.T) {
	n := mustOpen(t, newFakeDriver(), 0, nil)
	defer n.Close()

	other := mustOpen(t, newFakeDriver(), 0, nil)
	defer other.Close()

	if err := n.AddChild(context.Background(), other, nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("add-child error = %v, want ErrUnsupported", err)
	}
}

// mediaWatchRole records load/eject notifications from its child.
type mediaWatchRole struct {
	BaseRole
	events []bool
}

func (r *mediaWatchRole) MediaChanged(parent *Node, load bool) {
	r.events = append(r.events, load)
}

func TestClose_NotifiesAttachedParentsOfMediaChange(t *testing.T) {
	ctx := context.Background()
	child := mustOpen(t, newFakeDriver(), 0, nil)
	parent := mustOpen(t, newFakeDriver(), 0, nil)
	defer parent.Close()

	role := &mediaWatchRole{}
	e, err := parent.attachChild(ctx, child, "file", role)
	if err != nil {
		t.Fatalf("attach child: %v", err)
	}

	child.Close()

	if len(role.events) != 1 || role.events[0] {
		t.Fatalf("media events = %v, want a single unload notification", role.events)
	}
	parent.DetachChild(e)
}
