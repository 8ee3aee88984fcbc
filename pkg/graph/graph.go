// Package graph manages named volumes: assembled device-node graphs exposed
// to users under a stable name. It provides thread-safe registration and
// lookup of volumes and of every node participating in one, plus whole-volume
// lifecycle operations (reopen, drain, close) that respect graph order.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/grieco/vdisk/pkg/block"
)

// Volume is one user-visible device: a root node plus every node opened to
// build its graph, in bottom-up open order.
type Volume struct {
	// Name is the volume's registry key.
	Name string

	// Root is the node user I/O is addressed to.
	Root *block.Node

	// ReadOnly mirrors the root's writability at registration time.
	ReadOnly bool

	// nodes lists the graph bottom-up; closing walks it in reverse so
	// parents release their children before the children go away.
	nodes []*block.Node
}

// Nodes returns the volume's nodes in bottom-up open order. The returned
// slice is a copy and safe to modify.
func (v *Volume) Nodes() []*block.Node {
	out := make([]*block.Node, len(v.nodes))
	copy(out, v.nodes)
	return out
}

// Manager tracks all named volumes and their nodes.
//
// Example usage:
//
//	mgr := graph.NewManager()
//	mgr.AddVolume("disk0", root, nodes)
//
//	vol, _ := mgr.GetVolume("disk0")
//	vol.Root.ReadAt(ctx, 0, qiov)
type Manager struct {
	mu      sync.RWMutex
	volumes map[string]*Volume
	order   []string
}

// NewManager creates an empty volume manager.
func NewManager() *Manager {
	return &Manager{volumes: make(map[string]*Volume)}
}

// AddVolume registers an assembled graph under name. The nodes slice must
// list every node of the graph in the order it was opened, bottom-up, with
// root last. Returns an error if a volume with the same name already exists.
func (m *Manager) AddVolume(name string, root *block.Node, nodes []*block.Node) error {
	if root == nil {
		return fmt.Errorf("cannot register volume with nil root")
	}
	if name == "" {
		return fmt.Errorf("cannot register volume with empty name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.volumes[name]; exists {
		return fmt.Errorf("volume %q already registered: %w", name, block.ErrDuplicateName)
	}

	owned := make([]*block.Node, len(nodes))
	copy(owned, nodes)
	m.volumes[name] = &Volume{
		Name:     name,
		Root:     root,
		ReadOnly: root.ReadOnly(),
		nodes:    owned,
	}
	m.order = append(m.order, name)
	return nil
}

// GetVolume retrieves a volume by name.
func (m *Manager) GetVolume(name string) (*Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vol, exists := m.volumes[name]
	if !exists {
		return nil, fmt.Errorf("volume %q not found: %w", name, block.ErrNotFound)
	}
	return vol, nil
}

// GetNode retrieves a node by node name from any registered volume.
func (m *Manager) GetNode(name string) (*block.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, vol := range m.volumes {
		for _, n := range vol.nodes {
			if n.Name() == name {
				return n, nil
			}
		}
	}
	return nil, fmt.Errorf("node %q not found: %w", name, block.ErrNotFound)
}

// VolumeExists checks if a volume with the given name is registered.
func (m *Manager) VolumeExists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.volumes[name]
	return exists
}

// ListVolumes returns all registered volume names in registration order.
// The returned slice is a copy and safe to modify.
func (m *Manager) ListVolumes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// CountVolumes returns the number of registered volumes.
func (m *Manager) CountVolumes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.volumes)
}

// RemoveVolume unregisters a volume and closes its nodes, top-down, after
// draining the root. Returns an error if the volume doesn't exist.
func (m *Manager) RemoveVolume(ctx context.Context, name string) error {
	m.mu.Lock()
	vol, exists := m.volumes[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("volume %q not found: %w", name, block.ErrNotFound)
	}
	delete(m.volumes, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	closeVolume(ctx, vol)
	return nil
}

// Reopen atomically applies new options or flags to a volume's root and,
// through option inheritance, to the nodes below it.
func (m *Manager) Reopen(ctx context.Context, name string, opts *block.Options, flags block.OpenFlag) error {
	vol, err := m.GetVolume(name)
	if err != nil {
		return err
	}
	if err := block.ReopenNode(ctx, vol.Root, opts, flags); err != nil {
		return fmt.Errorf("reopen of volume %q failed: %w", name, err)
	}

	m.mu.Lock()
	vol.ReadOnly = vol.Root.ReadOnly()
	m.mu.Unlock()
	return nil
}

// Drain quiesces a volume: when it returns, no request is in flight
// anywhere in the volume's graph.
func (m *Manager) Drain(name string) error {
	vol, err := m.GetVolume(name)
	if err != nil {
		return err
	}
	vol.Root.Drain()
	return nil
}

// FlushAll flushes every registered volume. The first error is returned but
// all volumes are attempted.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.RLock()
	vols := make([]*Volume, 0, len(m.volumes))
	for _, name := range m.order {
		vols = append(vols, m.volumes[name])
	}
	m.mu.RUnlock()

	var firstErr error
	for _, vol := range vols {
		if err := vol.Root.Flush(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush of volume %q failed: %w", vol.Name, err)
		}
	}
	return firstErr
}

// CloseAll drains and closes every volume in reverse registration order.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	vols := make([]*Volume, 0, len(m.volumes))
	for i := len(m.order) - 1; i >= 0; i-- {
		vols = append(vols, m.volumes[m.order[i]])
	}
	m.volumes = make(map[string]*Volume)
	m.order = nil
	m.mu.Unlock()

	for _, vol := range vols {
		closeVolume(ctx, vol)
	}
}

func closeVolume(ctx context.Context, vol *Volume) {
	vol.Root.Drain()
	_ = vol.Root.Flush(ctx)
	for i := len(vol.nodes) - 1; i >= 0; i-- {
		vol.nodes[i].Close()
	}
}
