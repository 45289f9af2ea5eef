package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/kernelgraph/pkg/nodes/errorhandler"
	"github.com/dukex/kernelgraph/pkg/nodes/function"
	"github.com/dukex/kernelgraph/pkg/nodes/retry"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefaultNodes(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterDefaultNodes(Dependencies{})

	ids := []string{}
	for _, f := range r.GetAvailableNodes() {
		ids = append(ids, f.ID())
		assert.NotEmpty(t, f.Name(), f.ID())
		assert.NotEmpty(t, f.Description(), f.ID())
		assert.NotNil(t, f.Schema(), f.ID())
	}

	assert.ElementsMatch(t, []string{
		"action",
		"conditional",
		"error_handler",
		"function",
		"httprequest",
		"human_approval",
		"log",
		"observation",
		"react_loop",
		"reasoning",
		"retry",
		"switch",
		"transform",
	}, ids)
}

func TestDefaultNodeSchemasCompile(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterDefaultNodes(Dependencies{})

	for _, f := range r.GetAvailableNodes() {
		_, err := r.schema(f.ID())
		require.NoError(t, err, f.ID())
	}
}

func TestCreateNode_Log(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterDefaultNodes(Dependencies{})

	node, err := r.CreateNode(context.Background(), "log", "log1", map[string]any{
		"message": "hello {{ .args.name }}",
		"level":   "info",
	})
	require.NoError(t, err)
	assert.Equal(t, "log1", node.ID())

	_, err = r.CreateNode(context.Background(), "log", "log2", map[string]any{"level": "loud"})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCreateNode_HTTPRequestRequiresURL(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterDefaultNodes(Dependencies{})

	_, err := r.CreateNode(context.Background(), "httprequest", "fetch", map[string]any{"method": "GET"})
	require.Error(t, err)

	node, err := r.CreateNode(context.Background(), "httprequest", "fetch", map[string]any{
		"url":    "https://example.com",
		"method": "GET",
	})
	require.NoError(t, err)
	assert.Equal(t, "fetch", node.ID())
}

func TestCreateNode_RetryWrapsRegisteredNode(t *testing.T) {
	calls := 0
	functions := function.NewFunctionNodeFactory(map[string]function.Func{
		"charge": func(_ context.Context, _ *state.GraphState) (map[string]any, error) {
			calls++

			return map[string]any{"charged": true}, nil
		},
	})

	r := NewRegistry(nil)
	r.RegisterDefaultNodes(Dependencies{Functions: functions})

	node, err := r.CreateNode(context.Background(), "retry", "charge", map[string]any{
		"max_retries": 2.0,
		"node": map[string]any{
			"type":   "function",
			"config": map[string]any{"function": "charge"},
		},
	})
	require.NoError(t, err)

	rn, ok := node.(*retry.RetryNode)
	require.True(t, ok)
	assert.Equal(t, "charge.inner", rn.Inner().ID())
	assert.Equal(t, 2, rn.Config().MaxRetries)

	result, err := rn.Execute(context.Background(), state.New())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, true, result.Data["charged"])
}

func TestCreateNode_ErrorHandlerWithUnknownInner(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterDefaultNodes(Dependencies{})

	_, err := r.CreateNode(context.Background(), "error_handler", "guard", map[string]any{
		"node": map[string]any{"type": "nope"},
	})
	require.True(t, errors.Is(err, ErrNodeTypeNotRegistered))

	node, err := r.CreateNode(context.Background(), "error_handler", "guard", map[string]any{})
	require.NoError(t, err)

	_, ok := node.(*errorhandler.ErrorHandlerNode)
	assert.True(t, ok)
}

func TestCreateNode_UnknownFunction(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterDefaultNodes(Dependencies{})

	_, err := r.CreateNode(context.Background(), "function", "f", map[string]any{"function": "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}
