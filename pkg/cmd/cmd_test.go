package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/config"
	"github.com/dukex/kernelgraph/pkg/log"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/persistence/file"
	"github.com/dukex/kernelgraph/pkg/registry"
	"github.com/dukex/kernelgraph/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStoreProvider(t *testing.T) {
	tests := map[string]string{
		"memory://":                   "memory",
		"file:///var/lib/kernelgraph": "file",
		"./checkpoints":               "file",
		"postgres://u:p@db/kg":        "postgres",
		"postgresql://u:p@db/kg":      "postgresql",
		"redis://localhost:6379/0":    "redis",
		"rediss://cache:6380":         "rediss",
		"mongodb://localhost/unknown": "file",
	}

	for url, want := range tests {
		assert.Equal(t, want, parseStoreProvider(url), url)
	}
}

func TestNewCheckpointStore_MemoryAndFile(t *testing.T) {
	ctx := context.Background()

	store, err := NewCheckpointStore(ctx, "memory://", log.Discard())
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.MemoryStore{}, store)

	store, err = NewCheckpointStore(ctx, "file://"+filepath.Join(t.TempDir(), "cps"), log.Discard())
	require.NoError(t, err)
	assert.IsType(t, &file.Store{}, store)
	require.NoError(t, store.Close())
}

func TestNewEventBus(t *testing.T) {
	bus, err := NewEventBus("gochannel", log.Discard())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus("carrier-pigeon", log.Discard())
	require.Error(t, err)
}

func TestNewRegistry_WithoutPlugins(t *testing.T) {
	reg, err := NewRegistry(context.Background(), log.Discard(), filepath.Join(t.TempDir(), "plugins"), registry.Dependencies{})
	require.NoError(t, err)

	_, ok := reg.Factory("conditional")
	assert.True(t, ok)
}

const greetGraph = `
name: greet
nodes:
  - id: hello
    type: log
    config:
      message: 'hello {{ .args.name }}'
  - id: bye
    type: log
    config:
      message: bye
edges:
  - from: hello
    to: bye
`

func TestNewRuntime(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(greetGraph), 0o600))

	cfg := config.Default()
	cfg.Executor.EnableLogging = false
	cfg.Checkpoint.Retention = checkpoint.RetentionPolicy{MaxAge: time.Hour}

	ctx := context.Background()

	rt, err := NewRuntime(ctx, log.Discard(), RuntimeConfig{
		Config:          cfg,
		CheckpointStore: "memory://",
		EventBus:        "gochannel",
		GraphsPath:      dir,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	require.NoError(t, rt.Start(runCtx))

	summaries := rt.Graphs.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, "greet", summaries[0].Name)

	exec, err := rt.Executions.Run(ctx, services.RunRequest{
		GraphName: "greet",
		Variables: map[string]any{"name": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{"hello", "bye"}, exec.Path)

	cps, err := rt.Executions.Checkpoints(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, cps, "the final checkpoint is on by default")

	require.NotNil(t, rt.Metrics)

	closeCtx, closeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer closeCancel()

	require.NoError(t, rt.Close(closeCtx))
}

func TestNewRuntime_InvalidGraphsPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nnodes: []\n"), 0o600))

	_, err := NewRuntime(context.Background(), log.Discard(), RuntimeConfig{
		Config:     config.Default(),
		GraphsPath: dir,
	})
	require.Error(t, err)
}
