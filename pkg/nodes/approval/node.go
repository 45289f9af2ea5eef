// Package approval provides a node that suspends a run until a human approves or rejects it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/dukex/kernelgraph/pkg/template"
	"github.com/jonboulle/clockwork"
)

const (
	NodeType = "human_approval"

	ResultKey   = "approval_result"
	DecisionKey = "approval_decision"

	RouteApproved = "approval_result_true"
	RouteRejected = "approval_result_false"

	// DecisionNotRequired is recorded when the activation condition does not hold.
	DecisionNotRequired = "not_required"
)

// Condition decides whether approval is required for the current state.
type Condition func(st *state.GraphState) (bool, error)

// Config describes the request a node publishes and how it resolves without an answer.
type Config struct {
	Title         string               `json:"title"`
	Message       string               `json:"message,omitempty"` // Template rendered against the state
	Assignee      string               `json:"assignee,omitempty"`
	Timeout       time.Duration        `json:"timeout"` // Zero waits until a response or cancellation
	DefaultAction interaction.Decision `json:"default_action" validate:"omitempty,oneof=approve reject escalate skip"`
	ContextKeys   []string             `json:"context_keys,omitempty"` // State keys copied into the request; empty copies all
	EscalateTo    string               `json:"escalate_to,omitempty"`  // Assignee of the escalation request
	// MaxEscalations bounds how often an escalate decision republishes the request.
	// Once reached, an escalation resolves as a rejection.
	MaxEscalations int `json:"max_escalations"`
}

func DefaultConfig() Config {
	return Config{
		Title:          "Approval required",
		DefaultAction:  interaction.DecisionReject,
		MaxEscalations: 1,
	}
}

// Outcome is the decision taken by an approval node.
type Outcome struct {
	Approved  bool
	Decision  string
	User      string
	Comment   string
	RequestID string
	TimedOut  bool
	Escalated int
}

// HumanApprovalNode publishes an interaction request and waits for its response.
// The timeout is enforced by a clock timer and resolves with DefaultAction.
// Cancelling the run resolves the request with a cancelled outcome.
type HumanApprovalNode struct {
	graph.BaseNode

	channel   interaction.Channel
	cfg       Config
	condition Condition
	message   *template.Template
	clock     clockwork.Clock
	audit     *interaction.AuditLog
	logger    *slog.Logger
	nodeOpts  []graph.Option
}

// Option configures a HumanApprovalNode.
type Option func(*HumanApprovalNode)

// WithCondition makes approval conditional. When cond is false the node passes through
// with approval_result=true.
func WithCondition(cond Condition) Option {
	return func(n *HumanApprovalNode) { n.condition = cond }
}

// WithTemplateCondition is WithCondition for a template predicate such as
// "{{ gt .args.amount 1000.0 }}".
func WithTemplateCondition(tmpl *template.Template) Option {
	return WithCondition(func(st *state.GraphState) (bool, error) {
		v, err := tmpl.Execute(template.StateData(st))
		if err != nil {
			return false, err
		}

		return template.Truthy(v), nil
	})
}

func WithClock(clock clockwork.Clock) Option {
	return func(n *HumanApprovalNode) { n.clock = clock }
}

// WithAuditLog records default-applied and modification events. Channels exposing
// an Audit() method are used when this is not set.
func WithAuditLog(audit *interaction.AuditLog) Option {
	return func(n *HumanApprovalNode) { n.audit = audit }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *HumanApprovalNode) { n.logger = logger }
}

// WithNodeOptions passes options to the embedded base node.
func WithNodeOptions(opts ...graph.Option) Option {
	return func(n *HumanApprovalNode) { n.nodeOpts = append(n.nodeOpts, opts...) }
}

// NewHumanApprovalNode creates an approval gate publishing through channel.
func NewHumanApprovalNode(id string, channel interaction.Channel, cfg Config, opts ...Option) (*HumanApprovalNode, error) {
	if channel == nil {
		return nil, errors.New("approval node requires an interaction channel")
	}

	if cfg.DefaultAction == "" {
		cfg.DefaultAction = interaction.DecisionReject
	}

	if !cfg.DefaultAction.Valid() {
		return nil, fmt.Errorf("%w: default action %q", interaction.ErrInvalidDecision, cfg.DefaultAction)
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("approval timeout must not be negative, got %s", cfg.Timeout)
	}

	if cfg.Title == "" {
		cfg.Title = DefaultConfig().Title
	}

	n := &HumanApprovalNode{
		channel: channel,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}

	if cfg.Message != "" {
		tmpl, err := template.Parse(cfg.Message)
		if err != nil {
			return nil, fmt.Errorf("invalid approval message: %w", err)
		}

		n.message = tmpl
	}

	for _, opt := range opts {
		opt(n)
	}

	n.BaseNode = graph.NewBaseNode(id, NodeType,
		append([]graph.Option{graph.WithOutputs(ResultKey, DecisionKey)}, n.nodeOpts...)...)

	if n.audit == nil {
		if a, ok := channel.(interface{ Audit() *interaction.AuditLog }); ok {
			n.audit = a.Audit()
		}
	}

	n.logger = n.logger.With("module", "approval_node", "node_id", id)

	return n, nil
}

// OnApproved routes approved runs to target.
func (n *HumanApprovalNode) OnApproved(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteApproved})
}

// OnRejected routes rejected runs to target.
func (n *HumanApprovalNode) OnRejected(target graph.Node) {
	n.AddEdge(graph.Edge{To: target, Label: RouteRejected})
}

func (n *HumanApprovalNode) Config() Config {
	return n.cfg
}

func (n *HumanApprovalNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if n.condition != nil {
		required, err := n.condition(st)
		if err != nil {
			ge := models.NewGraphError(models.ErrorTypeNodeExecution, "approval condition failed", err)
			ge.NodeID = n.ID()

			return nil, ge
		}

		if !required {
			return n.finish(st, Outcome{Approved: true, Decision: DecisionNotRequired}), nil
		}
	}

	outcome, err := n.await(ctx, st)
	if err != nil {
		return nil, err
	}

	return n.finish(st, outcome), nil
}

func (n *HumanApprovalNode) await(ctx context.Context, st *state.GraphState) (Outcome, error) {
	req, err := n.request(ctx, st)
	if err != nil {
		return Outcome{}, err
	}

	escalated := 0

	for {
		resolved, err := n.wait(ctx, req)
		if err != nil {
			return Outcome{}, err
		}

		decision := resolved.decision
		if decision == interaction.DecisionEscalate && escalated < n.cfg.MaxEscalations {
			escalated++

			req = n.escalation(req, escalated)

			continue
		}

		out := Outcome{
			Decision:  string(decision),
			RequestID: req.ID,
			TimedOut:  resolved.timedOut,
			Escalated: escalated,
		}

		if resolved.response != nil {
			out.User = resolved.response.User
			out.Comment = resolved.response.Comment
		}

		switch decision {
		case interaction.DecisionApprove:
			out.Approved = true

			if resolved.response != nil {
				n.applyModifications(st, req, resolved.response)
			}
		case interaction.DecisionSkip:
			out.Approved = true
		case interaction.DecisionReject, interaction.DecisionEscalate:
			out.Approved = false
		}

		return out, nil
	}
}

type resolution struct {
	decision interaction.Decision
	response *interaction.Response
	timedOut bool
}

// wait blocks until req is answered, times out or ctx is done.
func (n *HumanApprovalNode) wait(ctx context.Context, req *interaction.Request) (resolution, error) {
	future, err := n.channel.Publish(ctx, req)
	if err != nil {
		ge := models.NewGraphError(models.ErrorTypeNodeExecution, "failed to publish approval request", err)
		ge.NodeID = n.ID()

		return resolution{}, ge
	}

	req.ID = future.RequestID()

	n.logger.InfoContext(ctx, "Waiting for approval", "request_id", req.ID, "timeout", n.cfg.Timeout)

	var expired <-chan time.Time

	if n.cfg.Timeout > 0 {
		timer := n.clock.NewTimer(n.cfg.Timeout)
		defer timer.Stop()

		expired = timer.Chan()
	}

	select {
	case <-future.Done():
	case <-expired:
		n.channel.Resolve(req.ID, interaction.Outcome{Kind: interaction.OutcomeTimedOut})
	case <-ctx.Done():
		n.channel.Resolve(req.ID, interaction.Outcome{Kind: interaction.OutcomeCancelled, Err: ctx.Err()})
	}

	// A response racing the timer or cancellation may have won; the future holds the first outcome.
	outcome := future.Outcome()

	switch outcome.Kind {
	case interaction.OutcomeResponded:
		return resolution{decision: outcome.Response.Decision, response: outcome.Response}, nil
	case interaction.OutcomeTimedOut:
		n.logger.InfoContext(ctx, "Approval timed out, applying default action",
			"request_id", req.ID, "default_action", n.cfg.DefaultAction)

		if n.audit != nil {
			n.audit.Append(interaction.AuditEntry{
				Timestamp:   n.clock.Now().UTC(),
				Event:       interaction.AuditDefaultApplied,
				RequestID:   req.ID,
				ExecutionID: req.ExecutionID,
				NodeID:      n.ID(),
				Decision:    n.cfg.DefaultAction,
			})
		}

		return resolution{decision: n.cfg.DefaultAction, timedOut: true}, nil
	default:
		if err := ctx.Err(); err != nil {
			return resolution{}, err
		}

		if outcome.Err != nil {
			return resolution{}, outcome.Err
		}

		return resolution{}, context.Canceled
	}
}

func (n *HumanApprovalNode) request(ctx context.Context, st *state.GraphState) (*interaction.Request, error) {
	req := &interaction.Request{
		NodeID:   n.ID(),
		Type:     interaction.RequestTypeApproval,
		Priority: models.PriorityNormal,
		Assignee: n.cfg.Assignee,
		Title:    n.cfg.Title,
		Context:  n.requestContext(st),
	}

	if exec, ok := execution.FromContext(ctx); ok {
		req.ExecutionID = exec.ID()
		req.Priority = exec.Priority()
	}

	if n.cfg.Timeout > 0 {
		req.Deadline = n.clock.Now().Add(n.cfg.Timeout).UTC()
	}

	if n.message != nil {
		msg, err := n.message.Execute(template.StateData(st))
		if err != nil {
			ge := models.NewGraphError(models.ErrorTypeValidation, "failed to render approval message", err)
			ge.NodeID = n.ID()

			return nil, ge
		}

		req.Message = fmt.Sprint(msg)
	}

	return req, nil
}

func (n *HumanApprovalNode) escalation(prev *interaction.Request, level int) *interaction.Request {
	req := *prev
	req.ID = ""
	req.CreatedAt = time.Time{}
	req.Type = interaction.RequestTypeEscalation
	req.Title = fmt.Sprintf("[Escalation %d] %s", level, prev.Title)
	req.Context = maps.Clone(prev.Context)

	if n.cfg.EscalateTo != "" {
		req.Assignee = n.cfg.EscalateTo
	}

	if n.cfg.Timeout > 0 {
		req.Deadline = n.clock.Now().Add(n.cfg.Timeout).UTC()
	}

	return &req
}

func (n *HumanApprovalNode) requestContext(st *state.GraphState) map[string]any {
	if len(n.cfg.ContextKeys) == 0 {
		return st.Arguments()
	}

	out := make(map[string]any, len(n.cfg.ContextKeys))

	for _, key := range n.cfg.ContextKeys {
		if v, ok := st.Get(key); ok {
			out[key] = v
		}
	}

	return out
}

func (n *HumanApprovalNode) applyModifications(st *state.GraphState, req *interaction.Request, resp *interaction.Response) {
	if len(resp.Modifications) == 0 {
		return
	}

	st.SetAll(resp.Modifications)

	if n.audit != nil {
		n.audit.Append(interaction.AuditEntry{
			Timestamp:     n.clock.Now().UTC(),
			Event:         interaction.AuditModificationsApplied,
			RequestID:     req.ID,
			ExecutionID:   req.ExecutionID,
			NodeID:        n.ID(),
			User:          resp.User,
			Decision:      resp.Decision,
			Modifications: resp.Modifications,
		})
	}
}

func (n *HumanApprovalNode) finish(st *state.GraphState, out Outcome) *models.NodeResult {
	st.Set(ResultKey, out.Approved)
	st.Set(DecisionKey, out.Decision)

	result := models.NewNodeResult(n.ID(), map[string]any{
		ResultKey:    out.Approved,
		DecisionKey:  out.Decision,
		"request_id": out.RequestID,
		"user":       out.User,
		"comment":    out.Comment,
		"timed_out":  out.TimedOut,
		"escalated":  out.Escalated,
	})

	if out.Approved {
		result.Route = RouteApproved
	} else {
		result.Route = RouteRejected
	}

	return result
}
