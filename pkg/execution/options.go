package execution

import (
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultMaxExecutionSteps = 1000
	DefaultExecutionTimeout  = 10 * time.Minute
)

// Options controls a single run. The executor copies them when the run starts, so
// later changes never affect an execution in flight.
type Options struct {
	MaxExecutionSteps      int             `json:"max_execution_steps" mapstructure:"max_execution_steps" validate:"gte=1"`
	ExecutionTimeout       time.Duration   `json:"execution_timeout" mapstructure:"execution_timeout" validate:"gte=0"`
	EnableLogging          bool            `json:"enable_logging" mapstructure:"enable_logging"`
	EnableMetrics          bool            `json:"enable_metrics" mapstructure:"enable_metrics"`
	ValidateGraphIntegrity bool            `json:"validate_graph_integrity" mapstructure:"validate_graph_integrity"`
	EnablePlanCompilation  bool            `json:"enable_plan_compilation" mapstructure:"enable_plan_compilation"`
	Priority               models.Priority `json:"priority" mapstructure:"priority" validate:"omitempty,oneof=low normal high critical"`
	Seed                   uint64          `json:"seed" mapstructure:"seed"` // 0 derives the seed from the execution id
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxExecutionSteps:      DefaultMaxExecutionSteps,
		ExecutionTimeout:       DefaultExecutionTimeout,
		EnableLogging:          true,
		EnableMetrics:          true,
		ValidateGraphIntegrity: true,
		EnablePlanCompilation:  true,
		Priority:               models.PriorityNormal,
	}
}

var validate = validator.New()

// Validate checks option bounds.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return models.NewGraphError(models.ErrorTypeValidation, "invalid execution options", err)
	}

	return nil
}
