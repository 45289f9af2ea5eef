// Package config loads runtime settings from an optional YAML file and KERNELGRAPH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/metrics"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "KERNELGRAPH"

	DefaultIdempotencyWindow = 10 * time.Minute
	DefaultRecordRetention   = time.Hour
	DefaultMaxRecords        = 1000
	DefaultCleanupSchedule   = "@every 1h"
)

type Config struct {
	Executor   execution.Options         `mapstructure:"executor"`
	Checkpoint CheckpointConfig          `mapstructure:"checkpoint"`
	Governor   execution.GovernorOptions `mapstructure:"governor"`
	Policy     PolicyConfig              `mapstructure:"policy"`
	Metrics    metrics.Options           `mapstructure:"metrics"`
	Service    ServiceConfig             `mapstructure:"service"`
}

type CheckpointConfig struct {
	checkpoint.Options `mapstructure:",squash"`

	Retention       checkpoint.RetentionPolicy `mapstructure:"retention"`
	CleanupSchedule string                     `mapstructure:"cleanup_schedule"`
}

type PolicyConfig struct {
	DefaultAction    models.RecoveryAction `mapstructure:"default_action" validate:"omitempty,oneof=continue skip halt"`
	HaltOnUnresolved bool                  `mapstructure:"halt_on_unresolved"`
}

type ServiceConfig struct {
	IdempotencyWindow time.Duration `mapstructure:"idempotency_window" validate:"gte=0"`
	MaxConcurrent     int           `mapstructure:"max_concurrent" validate:"gte=0"` // Executions running at once; 0 is unlimited
	RecordRetention   time.Duration `mapstructure:"record_retention" validate:"gte=0"` // How long finished executions stay listed
	MaxRecords        int           `mapstructure:"max_records" validate:"gte=0"`      // Finished executions kept at most
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Executor: execution.DefaultOptions(),
		Checkpoint: CheckpointConfig{
			Options: checkpoint.Options{
				Interval:          10,
				FinalCheckpoint:   true,
				CheckpointOnError: true,
				Compress:          true,
			},
			CleanupSchedule: DefaultCleanupSchedule,
		},
		Policy: PolicyConfig{
			DefaultAction: models.RecoveryContinue,
		},
		Metrics: metrics.DefaultOptions(),
		Service: ServiceConfig{
			IdempotencyWindow: DefaultIdempotencyWindow,
			RecordRetention:   DefaultRecordRetention,
			MaxRecords:        DefaultMaxRecords,
		},
	}
}

// Load reads path when it is not empty, then applies environment overrides such as
// KERNELGRAPH_EXECUTOR_MAX_EXECUTION_STEPS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	if err := validate.Struct(c.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	if err := validate.Struct(c.Service); err != nil {
		return fmt.Errorf("service: %w", err)
	}

	if c.Checkpoint.Interval < 0 || c.Checkpoint.TimeInterval < 0 {
		return errors.New("checkpoint: intervals must not be negative")
	}

	if c.Governor.Budget < 0 || c.Governor.RatePerSecond < 0 || c.Governor.NodeCost < 0 {
		return errors.New("governor: budget, rate and node cost must not be negative")
	}

	return nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("executor.max_execution_steps", d.Executor.MaxExecutionSteps)
	v.SetDefault("executor.execution_timeout", d.Executor.ExecutionTimeout)
	v.SetDefault("executor.enable_logging", d.Executor.EnableLogging)
	v.SetDefault("executor.enable_metrics", d.Executor.EnableMetrics)
	v.SetDefault("executor.validate_graph_integrity", d.Executor.ValidateGraphIntegrity)
	v.SetDefault("executor.enable_plan_compilation", d.Executor.EnablePlanCompilation)
	v.SetDefault("executor.priority", string(d.Executor.Priority))
	v.SetDefault("executor.seed", d.Executor.Seed)

	v.SetDefault("checkpoint.interval", d.Checkpoint.Interval)
	v.SetDefault("checkpoint.time_interval", d.Checkpoint.TimeInterval)
	v.SetDefault("checkpoint.critical_nodes", d.Checkpoint.CriticalNodes)
	v.SetDefault("checkpoint.initial_checkpoint", d.Checkpoint.InitialCheckpoint)
	v.SetDefault("checkpoint.final_checkpoint", d.Checkpoint.FinalCheckpoint)
	v.SetDefault("checkpoint.checkpoint_on_error", d.Checkpoint.CheckpointOnError)
	v.SetDefault("checkpoint.fail_on_checkpoint_error", d.Checkpoint.FailOnCheckpointError)
	v.SetDefault("checkpoint.compress", d.Checkpoint.Compress)
	v.SetDefault("checkpoint.cleanup_schedule", d.Checkpoint.CleanupSchedule)
	v.SetDefault("checkpoint.retention.max_age", d.Checkpoint.Retention.MaxAge)
	v.SetDefault("checkpoint.retention.max_per_execution", d.Checkpoint.Retention.MaxPerExecution)
	v.SetDefault("checkpoint.retention.max_total_bytes", d.Checkpoint.Retention.MaxTotalBytes)

	v.SetDefault("governor.budget", d.Governor.Budget)
	v.SetDefault("governor.rate_per_second", d.Governor.RatePerSecond)
	v.SetDefault("governor.burst", d.Governor.Burst)
	v.SetDefault("governor.node_cost", d.Governor.NodeCost)

	v.SetDefault("policy.default_action", string(d.Policy.DefaultAction))
	v.SetDefault("policy.halt_on_unresolved", d.Policy.HaltOnUnresolved)

	v.SetDefault("metrics.retention_period", d.Metrics.RetentionPeriod)
	v.SetDefault("metrics.sweep_interval", d.Metrics.SweepInterval)
	v.SetDefault("metrics.rate_window", d.Metrics.RateWindow)

	v.SetDefault("service.idempotency_window", d.Service.IdempotencyWindow)
	v.SetDefault("service.max_concurrent", d.Service.MaxConcurrent)
	v.SetDefault("service.record_retention", d.Service.RecordRetention)
	v.SetDefault("service.max_records", d.Service.MaxRecords)
}
