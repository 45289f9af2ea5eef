package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/nodes/function"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/registry"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/dukex/kernelgraph/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderGraph = `
name: orders
description: Routes large orders to review
nodes:
  - id: check
    type: conditional
    config:
      condition: '{{ gt .args.amount 100.0 }}'
  - id: review
    type: function
    config:
      function: mark
      store_result_as: review
  - id: ship
    type: function
    config:
      function: mark
      store_result_as: ship
edges:
  - from: check
    to: review
    label: "true"
  - from: check
    to: ship
    label: "false"
  - from: review
    to: ship
policies:
  - name: retry-ship
    node_id: ship
    error_type: network
    action: retry
    retry:
      max_retries: 2
      base_delay: 10ms
      strategy: fixed
circuit_breakers:
  - node_id: review
    failure_threshold: 3
    open_timeout: 1m
checkpoint:
  critical_nodes: [review]
`

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	functions := function.NewFunctionNodeFactory(map[string]function.Func{
		"mark": func(_ context.Context, _ *state.GraphState) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		},
	})

	r := registry.NewRegistry(nil)
	r.RegisterDefaultNodes(registry.Dependencies{Functions: functions})

	return r
}

func TestLoad_BuildsRunnableGraph(t *testing.T) {
	def, err := Load(context.Background(), newRegistry(t), []byte(orderGraph))
	require.NoError(t, err)

	assert.Equal(t, "orders", def.Graph.Name())
	assert.Equal(t, "Routes large orders to review", def.Graph.Description())
	assert.Equal(t, "check", def.Graph.Start().ID())
	assert.Equal(t, []string{"review"}, def.CriticalNodes())
	require.NoError(t, def.Graph.Validate())

	exec, err := workflow.NewGraphExecutor(def.Graph)
	require.NoError(t, err)

	st := state.NewFromMap(map[string]any{"amount": 250.0})
	_, err = exec.ExecuteState(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, st.Has("review"))
	assert.True(t, st.Has("ship"))

	st = state.NewFromMap(map[string]any{"amount": 20.0})
	_, err = exec.ExecuteState(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, st.Has("review"))
	assert.True(t, st.Has("ship"))
}

func TestLoad_PoliciesAndBreakers(t *testing.T) {
	def, err := Load(context.Background(), newRegistry(t), []byte(orderGraph))
	require.NoError(t, err)

	require.Len(t, def.Policies, 1)

	rule := def.Policies[0]
	assert.Equal(t, "retry-ship", rule.Name)
	assert.Equal(t, "ship", rule.NodeID)
	assert.Equal(t, models.RecoveryRetry, rule.Action)
	require.NotNil(t, rule.ErrorType)
	assert.Equal(t, models.ErrorTypeNetwork, *rule.ErrorType)
	assert.Equal(t, 2, rule.Retry.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, rule.Retry.BaseDelay)
	assert.Equal(t, policy.BackoffFixed, rule.Retry.Strategy)

	require.Contains(t, def.CircuitBreakers, "review")
	assert.Equal(t, 3, def.CircuitBreakers["review"].FailureThreshold)
	assert.Equal(t, time.Minute, def.CircuitBreakers["review"].OpenTimeout)

	registry := policy.NewRegistry(policy.DefaultRegistryOptions())
	require.NoError(t, def.Register(registry))
	assert.Len(t, registry.Rules(), 1)

	breaker, ok := registry.CircuitBreaker("review")
	require.True(t, ok)
	assert.Equal(t, policy.StateClosed, breaker.State())
}

func TestParse_JSONDocument(t *testing.T) {
	doc, err := Parse([]byte(`{
		"name": "json-graph",
		"start": "b",
		"nodes": [
			{"id": "a", "type": "function", "config": {"function": "mark"}},
			{"id": "b", "type": "function", "config": {"function": "mark"}}
		],
		"edges": [{"from": "b", "to": "a", "when": {"key": "go", "equals": 1}}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "json-graph", doc.Name)
	assert.Equal(t, "b", doc.Start)
	require.Len(t, doc.Edges, 1)
	assert.Equal(t, 1.0, doc.Edges[0].When.Equals)

	def, err := Build(context.Background(), newRegistry(t), doc)
	require.NoError(t, err)
	assert.Equal(t, "b", def.Graph.Start().ID())
}

func TestParse_NormalizesConfigNumbers(t *testing.T) {
	doc, err := Parse([]byte(`
name: numbers
nodes:
  - id: cond
    type: conditional
    config:
      condition: "true"
      cache_size: 8
`))
	require.NoError(t, err)
	assert.Equal(t, 8.0, doc.Nodes[0].Config["cache_size"])
}

func TestParse_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"missing name", "nodes:\n  - id: a\n    type: log\n"},
		{"no nodes", "name: x\nnodes: []\n"},
		{"unknown field", "name: x\nbogus: 1\nnodes:\n  - id: a\n    type: log\n"},
		{"bad action", "name: x\nnodes:\n  - id: a\n    type: log\npolicies:\n  - name: p\n    action: explode\n"},
		{"bad error type", "name: x\nnodes:\n  - id: a\n    type: log\npolicies:\n  - name: p\n    action: halt\n    error_type: gremlins\n"},
		{"edge without target", "name: x\nnodes:\n  - id: a\n    type: log\nedges:\n  - from: a\n"},
		{"not yaml", "name: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		name string
		doc  string
	}{
		{"unregistered type", "name: x\nnodes:\n  - id: a\n    type: teleport\n"},
		{"duplicate node", "name: x\nnodes:\n  - id: a\n    type: function\n    config: {function: mark}\n  - id: a\n    type: function\n    config: {function: mark}\n"},
		{"unknown edge target", "name: x\nnodes:\n  - id: a\n    type: function\n    config: {function: mark}\nedges:\n  - from: a\n    to: nowhere\n"},
		{"unknown start", "name: x\nstart: nowhere\nnodes:\n  - id: a\n    type: function\n    config: {function: mark}\n"},
		{"breaker for unknown node", "name: x\nnodes:\n  - id: a\n    type: function\n    config: {function: mark}\ncircuit_breakers:\n  - node_id: ghost\n"},
		{"bad delay", "name: x\nnodes:\n  - id: a\n    type: function\n    config: {function: mark}\npolicies:\n  - name: p\n    action: retry\n    retry:\n      max_retries: 1\n      base_delay: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), r, []byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestRegister_RejectsFallbackWithoutTarget(t *testing.T) {
	def, err := Load(context.Background(), newRegistry(t), []byte(`
name: fallback
nodes:
  - id: a
    type: function
    config: {function: mark}
policies:
  - name: no-target
    action: fallback
`))
	require.NoError(t, err)

	require.Error(t, def.Register(policy.NewRegistry(policy.DefaultRegistryOptions())))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.yaml"), []byte(orderGraph), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "ping.json"),
		[]byte(`{"name": "ping", "nodes": [{"id": "p", "type": "function", "config": {"function": "mark"}}]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	defs, err := LoadDir(context.Background(), newRegistry(t), dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "ping", defs[0].Graph.Name())
	assert.Equal(t, "orders", defs[1].Graph.Name())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz-orders.yml"), []byte(orderGraph), 0o600))

	_, err = LoadDir(context.Background(), newRegistry(t), dir)
	require.ErrorIs(t, err, ErrDuplicateGraph)
}

func TestRunsWithDeclaredRetryPolicy(t *testing.T) {
	calls := 0
	functions := function.NewFunctionNodeFactory(map[string]function.Func{
		"flaky": func(_ context.Context, _ *state.GraphState) (map[string]any, error) {
			calls++
			if calls < 2 {
				return nil, models.NewGraphError(models.ErrorTypeNetwork, "connection reset", nil)
			}

			return map[string]any{"ok": true}, nil
		},
	})

	r := registry.NewRegistry(nil)
	r.RegisterDefaultNodes(registry.Dependencies{Functions: functions})

	def, err := Load(context.Background(), r, []byte(`
name: flaky
nodes:
  - id: call
    type: function
    config: {function: flaky}
policies:
  - name: retry-network
    error_type: network
    action: retry
    retry:
      max_retries: 3
      base_delay: 0s
      strategy: fixed
`))
	require.NoError(t, err)

	policies := policy.NewRegistry(policy.DefaultRegistryOptions())
	require.NoError(t, def.Register(policies))

	exec, err := workflow.NewGraphExecutor(def.Graph, workflow.WithPolicyRegistry(policies))
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
