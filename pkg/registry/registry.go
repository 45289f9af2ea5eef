// Package registry keeps the node factories graph definitions are built from.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// ErrNodeTypeNotRegistered is returned when no factory exists for a node type.
var ErrNodeTypeNotRegistered = errors.New("node type not registered")

// ConfigError reports a node configuration rejected by its factory's JSON schema.
type ConfigError struct {
	NodeType string
	NodeID   string
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for %s node '%s': %s", e.NodeType, e.NodeID, strings.Join(e.Problems, "; "))
}

type Registry struct {
	logger *slog.Logger

	mu            sync.RWMutex
	nodeFactories map[string]protocol.NodeFactory
	schemas       map[string]*gojsonschema.Schema
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		logger:        log.With("module", "registry"),
		nodeFactories: make(map[string]protocol.NodeFactory),
		schemas:       make(map[string]*gojsonschema.Schema),
	}
}

// LoadNodePlugins loads factories exported as the "Node" symbol by shared objects
// under pluginsPath/nodes.
func (r *Registry) LoadNodePlugins(pluginsPath string) ([]protocol.NodeFactory, error) {
	return loadPlugin[protocol.NodeFactory](r.logger, pluginsPath, "Node")
}

// RegisterNode adds a factory, replacing any factory with the same ID.
func (r *Registry) RegisterNode(factory protocol.NodeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodeFactories[factory.ID()] = factory
	delete(r.schemas, factory.ID())
}

// Factory returns the factory registered for nodeType.
func (r *Registry) Factory(nodeType string) (protocol.NodeFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.nodeFactories[nodeType]

	return f, ok
}

// GetAvailableNodes returns every registered factory ordered by ID.
func (r *Registry) GetAvailableNodes() []protocol.NodeFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(r.nodeFactories))

	out := make([]protocol.NodeFactory, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.nodeFactories[id])
	}

	return out
}

// ValidateConfig checks config against the JSON schema of nodeType.
func (r *Registry) ValidateConfig(nodeType, id string, config map[string]any) error {
	schema, err := r.schema(nodeType)
	if err != nil {
		return err
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("failed to validate %s node '%s': %w", nodeType, id, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}

	return &ConfigError{NodeType: nodeType, NodeID: id, Problems: problems}
}

// CreateNode validates config and builds a node with the factory of nodeType.
func (r *Registry) CreateNode(ctx context.Context, nodeType, id string, config map[string]any) (graph.Node, error) {
	factory, ok := r.Factory(nodeType)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrNodeTypeNotRegistered, nodeType)
	}

	if config == nil {
		config = map[string]any{}
	}

	if err := r.ValidateConfig(nodeType, id, config); err != nil {
		return nil, err
	}

	node, err := factory.Create(ctx, id, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s node '%s': %w", nodeType, id, err)
	}

	r.logger.DebugContext(ctx, "Created node", "node_id", id, "node_type", nodeType)

	return node, nil
}

func (r *Registry) schema(nodeType string) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	schema, cached := r.schemas[nodeType]
	factory, ok := r.nodeFactories[nodeType]
	r.mu.RUnlock()

	if cached {
		return schema, nil
	}

	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrNodeTypeNotRegistered, nodeType)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(factory.Schema()))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for node type '%s': %w", nodeType, err)
	}

	r.mu.Lock()
	r.schemas[nodeType] = schema
	r.mu.Unlock()

	return schema, nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s does not export %s: %w", p, symbolName, err)
		}

		castV, ok := v.(T)
		if !ok {
			if ptr, isPtr := v.(*T); isPtr {
				castV, ok = *ptr, true
			}
		}

		if !ok {
			return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded node plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
