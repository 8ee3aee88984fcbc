package config

import (
	"context"
	"fmt"

	"github.com/grieco/vdisk/pkg/block"
	"github.com/grieco/vdisk/pkg/graph"
)

// BuildVolume assembles one volume's node graph from its configuration.
//
// Nodes are opened in list order; each node's children are resolved against
// the nodes opened before it. On any failure every node opened so far is
// closed again, so a failed build leaves nothing behind.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: The volume configuration
//   - ioMetrics: Metrics sink attached to every node (nil disables)
//
// Returns:
//   - *block.Node: The volume root (the last node in the list)
//   - []*block.Node: All nodes in bottom-up open order
//   - error: Build error with the failing node named
func BuildVolume(ctx context.Context, cfg *VolumeConfig, ioMetrics block.Metrics) (*block.Node, []*block.Node, error) {
	byName := make(map[string]*block.Node)
	var opened []*block.Node

	cleanup := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i].Close()
		}
	}

	for i := range cfg.Nodes {
		nodeCfg := &cfg.Nodes[i]

		opts := block.OptionsFromMap(nodeCfg.Options)
		if nodeCfg.Name != "" {
			opts.Set(block.OptNodeName, nodeCfg.Name)
		}

		var flags block.OpenFlag
		if nodeCfg.ReadOnly {
			flags |= block.OpenReadOnly
		}

		var children map[string]*block.Node
		if len(nodeCfg.Children) > 0 {
			children = make(map[string]*block.Node, len(nodeCfg.Children))
			for childName, ref := range nodeCfg.Children {
				child, ok := byName[ref]
				if !ok {
					cleanup()
					return nil, nil, fmt.Errorf("volume %q: node %q references unknown child node %q",
						cfg.Name, nodeCfg.Name, ref)
				}
				children[childName] = child
			}
		}

		n, err := block.Open(ctx, nodeCfg.Driver, nodeCfg.Filename, opts, children, flags)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("volume %q: failed to open node %q (driver %q): %w",
				cfg.Name, nodeCfg.Name, nodeCfg.Driver, err)
		}
		if ioMetrics != nil {
			n.SetMetrics(ioMetrics)
		}

		opened = append(opened, n)
		byName[n.Name()] = n
	}

	root := opened[len(opened)-1]
	return root, opened, nil
}

// BuildAll assembles every configured volume and registers it with the
// manager. The first failure tears down the volume being built and returns;
// volumes registered before the failure stay registered.
func BuildAll(ctx context.Context, cfg *Config, mgr *graph.Manager, ioMetrics block.Metrics) error {
	for i := range cfg.Volumes {
		volCfg := &cfg.Volumes[i]
		root, nodes, err := BuildVolume(ctx, volCfg, ioMetrics)
		if err != nil {
			return err
		}
		if err := mgr.AddVolume(volCfg.Name, root, nodes); err != nil {
			for j := len(nodes) - 1; j >= 0; j-- {
				nodes[j].Close()
			}
			return err
		}
	}
	return nil
}
