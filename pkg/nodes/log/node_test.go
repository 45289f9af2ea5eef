package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNode_Execute(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	node, err := NewLogNode("log-1", "Processing {{ .args.user }}", "warn", logger)
	require.NoError(t, err)

	result, err := node.Execute(context.Background(), state.NewFromMap(map[string]any{"user": "ada"}))
	require.NoError(t, err)

	assert.Equal(t, "Processing ada", result.Data["message"])
	assert.Equal(t, "warn", result.Data["level"])
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "node_id=log-1")
}

func TestLogNode_Defaults(t *testing.T) {
	node, err := NewLogNode("log-1", "hello", "verbose", nil)
	require.NoError(t, err)
	assert.Equal(t, "info", node.level)

	_, err = NewLogNode("log-1", "", "info", nil)
	require.Error(t, err)
}

func TestLogNodeFactory(t *testing.T) {
	factory := NewLogNodeFactory(slog.Default())

	node, err := factory.Create(context.Background(), "l", map[string]any{"message": "hi", "level": "debug"})
	require.NoError(t, err)
	assert.Equal(t, NodeType, node.Type())

	_, err = factory.Create(context.Background(), "l", map[string]any{})
	require.Error(t, err)
}
