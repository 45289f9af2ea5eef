package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default().Executor, cfg.Executor)
	assert.Equal(t, 10, cfg.Checkpoint.Interval)
	assert.True(t, cfg.Checkpoint.FinalCheckpoint)
	assert.Equal(t, DefaultCleanupSchedule, cfg.Checkpoint.CleanupSchedule)
	assert.Equal(t, DefaultIdempotencyWindow, cfg.Service.IdempotencyWindow)
	assert.Equal(t, models.RecoveryContinue, cfg.Policy.DefaultAction)
	assert.Equal(t, 24*time.Hour, cfg.Metrics.RetentionPeriod)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernelgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executor:
  max_execution_steps: 50
  execution_timeout: 2m
  priority: high
  seed: 7
checkpoint:
  interval: 2
  time_interval: 30s
  critical_nodes: [charge, ship]
  retention:
    max_age: 72h
    max_per_execution: 5
governor:
  budget: 100
  rate_per_second: 5
  burst: 2
  node_cost: 6
policy:
  halt_on_unresolved: true
  default_action: halt
service:
  idempotency_window: 1m
  max_concurrent: 4
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Executor.MaxExecutionSteps)
	assert.Equal(t, 2*time.Minute, cfg.Executor.ExecutionTimeout)
	assert.Equal(t, models.PriorityHigh, cfg.Executor.Priority)
	assert.Equal(t, uint64(7), cfg.Executor.Seed)
	assert.True(t, cfg.Executor.EnableLogging, "unset keys keep their defaults")

	assert.Equal(t, 2, cfg.Checkpoint.Interval)
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.TimeInterval)
	assert.Equal(t, []string{"charge", "ship"}, cfg.Checkpoint.CriticalNodes)
	assert.Equal(t, 72*time.Hour, cfg.Checkpoint.Retention.MaxAge)
	assert.Equal(t, 5, cfg.Checkpoint.Retention.MaxPerExecution)

	assert.Equal(t, int64(100), cfg.Governor.Budget)
	assert.InDelta(t, 5.0, cfg.Governor.RatePerSecond, 0)
	assert.Equal(t, 2, cfg.Governor.Burst)
	assert.InDelta(t, 6.0, cfg.Governor.NodeCost, 0)

	assert.True(t, cfg.Policy.HaltOnUnresolved)
	assert.Equal(t, time.Minute, cfg.Service.IdempotencyWindow)
	assert.Equal(t, 4, cfg.Service.MaxConcurrent)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernelgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  max_execution_steps: 50\n"), 0o600))

	t.Setenv("KERNELGRAPH_EXECUTOR_MAX_EXECUTION_STEPS", "75")
	t.Setenv("KERNELGRAPH_SERVICE_IDEMPOTENCY_WINDOW", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 75, cfg.Executor.MaxExecutionSteps)
	assert.Equal(t, 45*time.Second, cfg.Service.IdempotencyWindow)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"zero steps", "executor:\n  max_execution_steps: 0\n"},
		{"bad priority", "executor:\n  priority: urgent\n"},
		{"bad default action", "policy:\n  default_action: retry\n"},
		{"negative interval", "checkpoint:\n  interval: -1\n"},
		{"negative window", "service:\n  idempotency_window: -1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))

			_, err := Load(path)
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
