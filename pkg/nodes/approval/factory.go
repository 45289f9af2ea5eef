package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/protocol"
	"github.com/dukex/kernelgraph/pkg/template"
	"github.com/jonboulle/clockwork"
)

// HumanApprovalNodeFactory creates HumanApprovalNode instances bound to one channel.
type HumanApprovalNodeFactory struct {
	channel interaction.Channel
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewHumanApprovalNodeFactory creates a new factory instance.
func NewHumanApprovalNodeFactory(channel interaction.Channel, clock clockwork.Clock, logger *slog.Logger) protocol.NodeFactory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HumanApprovalNodeFactory{channel: channel, clock: clock, logger: logger}
}

// Create creates a new HumanApprovalNode instance.
func (f *HumanApprovalNodeFactory) Create(_ context.Context, id string, config map[string]any) (graph.Node, error) {
	cfg := DefaultConfig()

	if v, ok := config["title"].(string); ok {
		cfg.Title = v
	}

	if v, ok := config["message"].(string); ok {
		cfg.Message = v
	}

	if v, ok := config["assignee"].(string); ok {
		cfg.Assignee = v
	}

	if v, ok := config["escalate_to"].(string); ok {
		cfg.EscalateTo = v
	}

	if v, ok := config["default_action"].(string); ok {
		cfg.DefaultAction = interaction.Decision(v)
	}

	if v, ok := config["timeout"].(float64); ok {
		cfg.Timeout = time.Duration(v * float64(time.Second))
	}

	if v, ok := config["max_escalations"].(float64); ok {
		cfg.MaxEscalations = int(v)
	}

	if keys, ok := config["context_keys"].([]any); ok {
		for _, k := range keys {
			if s, ok := k.(string); ok {
				cfg.ContextKeys = append(cfg.ContextKeys, s)
			}
		}
	}

	opts := []Option{WithClock(f.clock), WithLogger(f.logger)}

	if cond, ok := config["condition"].(string); ok && cond != "" {
		tmpl, err := template.Parse(cond)
		if err != nil {
			return nil, fmt.Errorf("invalid approval condition: %w", err)
		}

		opts = append(opts, WithTemplateCondition(tmpl))
	}

	return NewHumanApprovalNode(id, f.channel, cfg, opts...)
}

// ID returns the factory ID.
func (f *HumanApprovalNodeFactory) ID() string {
	return NodeType
}

// Name returns the factory name.
func (f *HumanApprovalNodeFactory) Name() string {
	return "Human Approval"
}

// Description returns the factory description.
func (f *HumanApprovalNodeFactory) Description() string {
	return "Suspends the run until a human approves or rejects it, applying a default action on timeout"
}

// Schema returns the JSON schema for Human Approval node configuration.
func (f *HumanApprovalNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string"},
			"message":     map[string]any{"type": "string", "description": "Template rendered against the state"},
			"assignee":    map[string]any{"type": "string"},
			"escalate_to": map[string]any{"type": "string"},
			"timeout":     map[string]any{"type": "number", "minimum": 0, "description": "Seconds; 0 waits indefinitely"},
			"default_action": map[string]any{
				"type":    "string",
				"enum":    []string{"approve", "reject", "escalate", "skip"},
				"default": "reject",
			},
			"max_escalations": map[string]any{"type": "integer", "minimum": 0},
			"context_keys":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"condition":       map[string]any{"type": "string", "description": "Template; approval is only requested when truthy"},
		},
	}
}
