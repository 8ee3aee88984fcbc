package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/grieco/vdisk/pkg/block"

	_ "github.com/grieco/vdisk/pkg/driver/memory"
)

func openMemoryNode(t *testing.T, name string) *block.Node {
	t.Helper()
	opts := block.NewOptions()
	opts.Set(block.OptNodeName, name)
	opts.Set("size", "1048576")
	n, err := block.Open(context.Background(), "memory", "", opts, nil, 0)
	if err != nil {
		t.Fatalf("open memory node: %v", err)
	}
	return n
}

func addVolume(t *testing.T, m *Manager, volName, nodeName string) *block.Node {
	t.Helper()
	n := openMemoryNode(t, nodeName)
	if err := m.AddVolume(volName, n, []*block.Node{n}); err != nil {
		n.Close()
		t.Fatalf("add volume %q: %v", volName, err)
	}
	return n
}

func TestManager_AddAndGet(t *testing.T) {
	m := NewManager()
	defer m.CloseAll(context.Background())

	root := addVolume(t, m, "disk0", "disk0-node")

	vol, err := m.GetVolume("disk0")
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if vol.Root != root || vol.Name != "disk0" || vol.ReadOnly {
		t.Errorf("unexpected volume: %+v", vol)
	}
	if !m.VolumeExists("disk0") || m.VolumeExists("disk1") {
		t.Error("VolumeExists answers wrong")
	}
	if m.CountVolumes() != 1 {
		t.Errorf("CountVolumes = %d, want 1", m.CountVolumes())
	}

	n, err := m.GetNode("disk0-node")
	if err != nil || n != root {
		t.Errorf("GetNode = %v, %v, want the root node", n, err)
	}
	if _, err := m.GetNode("missing"); !errors.Is(err, block.ErrNotFound) {
		t.Errorf("GetNode(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManager_AddVolumeValidation(t *testing.T) {
	m := NewManager()
	defer m.CloseAll(context.Background())

	if err := m.AddVolume("x", nil, nil); err == nil {
		t.Error("expected error for nil root")
	}

	n := addVolume(t, m, "disk0", "val-node")
	if err := m.AddVolume("", n, nil); err == nil {
		t.Error("expected error for empty volume name")
	}
	if err := m.AddVolume("disk0", n, nil); !errors.Is(err, block.ErrDuplicateName) {
		t.Errorf("duplicate volume error = %v, want ErrDuplicateName", err)
	}
}

func TestManager_ListVolumesKeepsOrder(t *testing.T) {
	m := NewManager()
	defer m.CloseAll(context.Background())

	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		addVolume(t, m, name, name+"-node")
	}

	got := m.ListVolumes()
	if len(got) != len(names) {
		t.Fatalf("ListVolumes = %v", got)
	}
	for i := range names {
		if got[i] != names[i] {
			t.Errorf("ListVolumes[%d] = %q, want registration order %q", i, got[i], names[i])
		}
	}
}

func TestManager_RemoveVolumeClosesNodes(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	root := addVolume(t, m, "disk0", "rm-node")
	if err := m.RemoveVolume(ctx, "disk0"); err != nil {
		t.Fatalf("RemoveVolume: %v", err)
	}

	if m.VolumeExists("disk0") {
		t.Error("volume still registered after removal")
	}
	if root.State() != block.StateClosed {
		t.Errorf("root state = %v after removal, want closed", root.State())
	}

	if err := m.RemoveVolume(ctx, "disk0"); !errors.Is(err, block.ErrNotFound) {
		t.Errorf("second removal error = %v, want ErrNotFound", err)
	}
}

func TestManager_ReopenUpdatesReadOnly(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	defer m.CloseAll(ctx)

	root := addVolume(t, m, "disk0", "ro-node")

	opts := block.NewOptions()
	opts.Set(block.OptReadOnly, "on")
	if err := m.Reopen(ctx, "disk0", opts, root.Flags()); err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	vol, _ := m.GetVolume("disk0")
	if !vol.ReadOnly || !root.ReadOnly() {
		t.Error("reopen to read-only did not stick")
	}

	if err := m.Reopen(ctx, "missing", nil, 0); !errors.Is(err, block.ErrNotFound) {
		t.Errorf("reopen of missing volume error = %v, want ErrNotFound", err)
	}
}

func TestManager_FlushAllAndDrain(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	defer m.CloseAll(ctx)

	addVolume(t, m, "disk0", "flush-node-0")
	addVolume(t, m, "disk1", "flush-node-1")

	if err := m.FlushAll(ctx); err != nil {
		t.Errorf("FlushAll: %v", err)
	}
	if err := m.Drain("disk0"); err != nil {
		t.Errorf("Drain: %v", err)
	}
	if err := m.Drain("missing"); !errors.Is(err, block.ErrNotFound) {
		t.Errorf("Drain(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManager_CloseAllEmptiesManager(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	r0 := addVolume(t, m, "disk0", "close-node-0")
	r1 := addVolume(t, m, "disk1", "close-node-1")

	m.CloseAll(ctx)

	if m.CountVolumes() != 0 {
		t.Errorf("CountVolumes after CloseAll = %d, want 0", m.CountVolumes())
	}
	if r0.State() != block.StateClosed || r1.State() != block.StateClosed {
		t.Error("CloseAll left nodes open")
	}

	// A drained-out manager accepts new volumes again.
	addVolume(t, m, "disk2", "close-node-2")
	m.CloseAll(ctx)
}

func TestVolume_NodesReturnsCopy(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	defer m.CloseAll(ctx)

	addVolume(t, m, "disk0", "copy-node")
	vol, _ := m.GetVolume("disk0")

	nodes := vol.Nodes()
	if len(nodes) != 1 {
		t.Fatalf("Nodes() = %d entries, want 1", len(nodes))
	}
	nodes[0] = nil
	if vol.Nodes()[0] == nil {
		t.Error("mutating the returned slice must not affect the volume")
	}
}
