package function

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/protocol"
)

// FunctionNodeFactory creates FunctionNode instances from functions registered by name.
type FunctionNodeFactory struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// Register makes fn available to graph definitions under name.
func (f *FunctionNodeFactory) Register(name string, fn Func) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.funcs[name] = fn
}

// Functions lists the registered function names.
func (f *FunctionNodeFactory) Functions() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return slices.Sorted(maps.Keys(f.funcs))
}

// Create creates a new FunctionNode instance.
func (f *FunctionNodeFactory) Create(_ context.Context, id string, config map[string]any) (graph.Node, error) {
	name, _ := config["function"].(string)

	f.mu.RLock()
	fn, ok := f.funcs[name]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("function '%s' not registered", name)
	}

	opts := []graph.Option{}
	if storeAs, ok := config["store_result_as"].(string); ok && storeAs != "" {
		opts = append(opts, graph.WithStoreResultAs(storeAs))
	}

	return NewFunctionNode(id, fn, opts...)
}

// ID returns the factory ID.
func (f *FunctionNodeFactory) ID() string {
	return NodeType
}

// Name returns the factory name.
func (f *FunctionNodeFactory) Name() string {
	return "Function"
}

// Description returns the factory description.
func (f *FunctionNodeFactory) Description() string {
	return "Runs a function registered with the runtime and stores its result in the graph state."
}

// Schema returns the JSON schema for Function node configuration.
func (f *FunctionNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"function": map[string]any{
				"type":        "string",
				"description": "Name of the registered function to run",
			},
			"store_result_as": map[string]any{
				"type":        "string",
				"description": "State key receiving the function result",
			},
		},
		"required": []string{"function"},
	}
}

// NewFunctionNodeFactory creates a new factory instance.
func NewFunctionNodeFactory(funcs map[string]Func) *FunctionNodeFactory {
	f := &FunctionNodeFactory{funcs: make(map[string]Func, len(funcs))}
	maps.Copy(f.funcs, funcs)

	return f
}

var _ protocol.NodeFactory = (*FunctionNodeFactory)(nil)
