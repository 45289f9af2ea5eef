// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/kernelgraph/pkg/registry"
)

func registerNodePlugins(reg *registry.Registry, pluginsPath string) error {
	nodePlugins, err := reg.LoadNodePlugins(pluginsPath)
	if err != nil {
		return fmt.Errorf("failed to load node plugins: %w", err)
	}

	for _, plugin := range nodePlugins {
		reg.RegisterNode(plugin)
	}

	return nil
}

// NewRegistry registers the built-in nodes, then the plugins found under pluginsPath.
// A plugin with the ID of a built-in node replaces it.
func NewRegistry(ctx context.Context, log *slog.Logger, pluginsPath string, deps registry.Dependencies) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	if deps.Logger == nil {
		deps.Logger = log
	}

	reg.RegisterDefaultNodes(deps)

	if pluginsPath != "" {
		if err := registerNodePlugins(reg, pluginsPath); err != nil {
			return nil, err
		}
	}

	log.DebugContext(ctx, "Node registry ready", "nodes", len(reg.GetAvailableNodes()))

	return reg, nil
}
