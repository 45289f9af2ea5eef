package registry

import (
	"log/slog"
	"net/http"

	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/nodes/approval"
	"github.com/dukex/kernelgraph/pkg/nodes/conditional"
	"github.com/dukex/kernelgraph/pkg/nodes/errorhandler"
	"github.com/dukex/kernelgraph/pkg/nodes/function"
	"github.com/dukex/kernelgraph/pkg/nodes/httprequest"
	"github.com/dukex/kernelgraph/pkg/nodes/log"
	"github.com/dukex/kernelgraph/pkg/nodes/react"
	"github.com/dukex/kernelgraph/pkg/nodes/retry"
	switchnode "github.com/dukex/kernelgraph/pkg/nodes/switch"
	"github.com/dukex/kernelgraph/pkg/nodes/transform"
	"github.com/jonboulle/clockwork"
)

// Dependencies are the collaborators the built-in nodes are created with.
// Nil fields get in-process defaults.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Channel    interaction.Channel
	Functions  *function.FunctionNodeFactory
	Components *react.Components
}

// RegisterDefaultNodes registers all built-in node factories with the registry.
func (r *Registry) RegisterDefaultNodes(deps Dependencies) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	if deps.Logger == nil {
		deps.Logger = r.logger
	}

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	if deps.Channel == nil {
		deps.Channel = interaction.NewBroker(interaction.BrokerOptions{Clock: deps.Clock, Logger: deps.Logger})
	}

	if deps.Functions == nil {
		deps.Functions = function.NewFunctionNodeFactory(nil)
	}

	if deps.Components == nil {
		deps.Components = react.NewComponents()
	}

	// Work and routing nodes
	r.RegisterNode(deps.Functions)
	r.RegisterNode(httprequest.NewHTTPRequestNodeFactory(deps.HTTPClient))
	r.RegisterNode(transform.NewTransformNodeFactory())
	r.RegisterNode(log.NewLogNodeFactory(deps.Logger))
	r.RegisterNode(conditional.NewConditionalNodeFactory())
	r.RegisterNode(switchnode.NewSwitchNodeFactory())

	// Resilience nodes build their wrapped node through the registry
	r.RegisterNode(retry.NewRetryNodeFactory(r, deps.Clock))
	r.RegisterNode(errorhandler.NewErrorHandlerNodeFactory(r))

	// Reasoning nodes
	r.RegisterNode(react.NewLoopNodeFactory(deps.Components))
	r.RegisterNode(react.NewReasoningNodeFactory(deps.Components))
	r.RegisterNode(react.NewActionNodeFactory(deps.Components))
	r.RegisterNode(react.NewObservationNodeFactory(deps.Components))

	// Human in the loop
	r.RegisterNode(approval.NewHumanApprovalNodeFactory(deps.Channel, deps.Clock, deps.Logger))
}
