package template

import (
	"testing"

	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{
		"name":  "John",
		"age":   30,
		"isNew": true,
	}

	result, err := Render("{{ .name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "John", result)

	result, err = Render("{{ .isNew }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// Numbers always map to float
	result, err = Render("{{ .age }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, result)
}

func TestRender_ComplexExpression(t *testing.T) {
	data := map[string]any{
		"user": map[string]any{
			"name":  "Alice",
			"email": "alice@example.com",
		},
		"orders": []any{
			map[string]any{"id": 1, "total": 100.50},
			map[string]any{"id": 2, "total": 75.25},
		},
	}

	result, err := Render("{{ .user.name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "Alice", result)

	result, err = Render(`{
		"user_name": "{{ .user.name }}",
		"total_orders": {{ len .orders }}
	}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)

	require.True(t, ok)
	assert.Equal(t, "Alice", resultMap["user_name"])
	assert.Equal(t, 2.0, resultMap["total_orders"])
}

func TestRender_ErrorHandling(t *testing.T) {
	data := map[string]any{
		"test": "value",
	}

	_, err := Render("{ invalid..expression }}", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse json")

	_, err = Render("{{ nonexistent.field }}", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "function \"nonexistent\" not defined")
}

func TestRender_Funcs(t *testing.T) {
	data := map[string]any{"tags": []any{"a", "b"}}

	result, err := Render(`{{ json .tags }}`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, result)

	result, err = Render(`{{ default "none" .missing }}`, data)
	require.NoError(t, err)
	assert.Equal(t, "none", result)
}

func TestRenderWithState(t *testing.T) {
	t.Setenv("KERNELGRAPH_TEST_VAR", "test_value")

	st := state.NewFromMap(map[string]any{
		"amount": 250,
		"user":   map[string]any{"name": "ada"},
	})
	st.SetMetadata("tenant", "acme")

	result, err := RenderWithState("{{ gt .args.amount 100 }}", st)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = RenderWithState("{{ .vars.user.name }}@{{ .metadata.tenant }}", st)
	require.NoError(t, err)
	assert.Equal(t, "ada@acme", result)

	result, err = RenderWithState("{{ .env.KERNELGRAPH_TEST_VAR }}", st)
	require.NoError(t, err)
	assert.Equal(t, "test_value", result)
}

func TestRender_StringInterpolation(t *testing.T) {
	data := map[string]any{
		"user": map[string]any{
			"name": "John",
			"id":   123,
		},
		"action": "login",
	}

	result, err := Render("User {{.user.name}} performed {{.action}}", data)
	require.NoError(t, err)
	assert.Equal(t, "User John performed login", result)

	result, err = Render("https://api.example.com/users/{{.user.id}}", data)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/users/123", result)
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		value any
		want  bool
	}{
		{true, true},
		{false, false},
		{"true", true},
		{"false", false},
		{"yes", true},
		{"", false},
		{"<no value>", false},
		{1.0, true},
		{0.0, false},
		{int64(0), false},
		{3, true},
		{[]any{}, false},
		{[]any{1}, true},
		{map[string]any{}, false},
		{nil, false},
		{struct{}{}, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Truthy(tt.value), "%#v", tt.value)
	}
}
