// Package graph defines the node contract, edges and graph structure walked by the executor.
package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
)

// Node is a unit of work or routing decision in an execution graph.
type Node interface {
	ID() string
	Name() string
	Type() string

	// InputParameters and OutputParameters are hints for tooling; they are not enforced.
	InputParameters() []string
	OutputParameters() []string

	// ValidateExecution is a cheap, non-mutating precondition check.
	ValidateExecution(st *state.GraphState) models.ValidationResult

	// ShouldExecute gates execution. It must be deterministic and free of side effects.
	ShouldExecute(st *state.GraphState) bool

	Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error)

	// NextNodes resolves the successors to run after result. An empty slice ends the branch.
	NextNodes(result *models.NodeResult, st *state.GraphState) ([]Node, error)
}

// LifecycleHooks is implemented by nodes that react to their own execution.
// Hooks must be idempotent and must not depend on the attempt number.
type LifecycleHooks interface {
	OnBeforeExecute(ctx context.Context, st *state.GraphState) error
	OnAfterExecute(ctx context.Context, st *state.GraphState, result *models.NodeResult) error
	OnExecutionFailed(ctx context.Context, st *state.GraphState, err error)
}

// LoopBound marks a node that closes a loop and carries its own iteration ceiling.
// Cycles in a graph are only accepted when they pass through such a node.
type LoopBound interface {
	MaxIterations() int
}

// SuccessorLister exposes every node a node may route to, for structural validation.
type SuccessorLister interface {
	Successors() []Node
}

// EdgeOwner is implemented by nodes that keep declared outgoing edges.
type EdgeOwner interface {
	AddEdge(edge Edge)
	Edges() []Edge
}

type (
	BeforeExecuteFunc func(ctx context.Context, st *state.GraphState) error
	AfterExecuteFunc  func(ctx context.Context, st *state.GraphState, result *models.NodeResult) error
	FailureFunc       func(ctx context.Context, st *state.GraphState, err error)
	ShouldExecuteFunc func(st *state.GraphState) bool
	ValidateFunc      func(st *state.GraphState) models.ValidationResult
)

// NodeOptions holds the typed behavioral configuration shared by every node.
type NodeOptions struct {
	Name          string
	Inputs        []string
	Outputs       []string
	StoreResultAs string // State key receiving the result data after a successful run
	FanOut        bool   // Follow every matching edge instead of the first
	BeforeExecute BeforeExecuteFunc
	AfterExecute  AfterExecuteFunc
	OnFailure     FailureFunc
	ShouldExecute ShouldExecuteFunc
	Validate      ValidateFunc
}

// Option mutates NodeOptions.
type Option func(*NodeOptions)

func WithName(name string) Option {
	return func(o *NodeOptions) { o.Name = name }
}

func WithInputs(params ...string) Option {
	return func(o *NodeOptions) { o.Inputs = append(o.Inputs, params...) }
}

func WithOutputs(params ...string) Option {
	return func(o *NodeOptions) { o.Outputs = append(o.Outputs, params...) }
}

// WithStoreResultAs copies the result data into state under key after the node succeeds.
// A result with a single "result" entry stores that value directly.
func WithStoreResultAs(key string) Option {
	return func(o *NodeOptions) { o.StoreResultAs = key }
}

func WithFanOut() Option {
	return func(o *NodeOptions) { o.FanOut = true }
}

func WithBeforeExecute(fn BeforeExecuteFunc) Option {
	return func(o *NodeOptions) { o.BeforeExecute = fn }
}

func WithAfterExecute(fn AfterExecuteFunc) Option {
	return func(o *NodeOptions) { o.AfterExecute = fn }
}

func WithOnFailure(fn FailureFunc) Option {
	return func(o *NodeOptions) { o.OnFailure = fn }
}

func WithShouldExecute(fn ShouldExecuteFunc) Option {
	return func(o *NodeOptions) { o.ShouldExecute = fn }
}

func WithValidator(fn ValidateFunc) Option {
	return func(o *NodeOptions) { o.Validate = fn }
}

// BaseNode implements identity, parameter hints, lifecycle hooks and edge routing.
// Concrete nodes embed it and provide Execute.
type BaseNode struct {
	id       string
	nodeType string
	opts     NodeOptions
	edges    []Edge
}

// NewBaseNode creates the shared part of a node.
func NewBaseNode(id, nodeType string, opts ...Option) BaseNode {
	b := BaseNode{id: id, nodeType: nodeType}
	for _, opt := range opts {
		opt(&b.opts)
	}

	if b.opts.Name == "" {
		b.opts.Name = id
	}

	return b
}

func (b *BaseNode) ID() string {
	return b.id
}

func (b *BaseNode) Name() string {
	return b.opts.Name
}

func (b *BaseNode) Type() string {
	return b.nodeType
}

func (b *BaseNode) InputParameters() []string {
	return slices.Clone(b.opts.Inputs)
}

func (b *BaseNode) OutputParameters() []string {
	return slices.Clone(b.opts.Outputs)
}

// Options returns a copy of the node options.
func (b *BaseNode) Options() NodeOptions {
	return b.opts
}

// ValidateExecution runs the configured validator. Missing input hints are reported as warnings.
func (b *BaseNode) ValidateExecution(st *state.GraphState) models.ValidationResult {
	result := models.Valid()
	if b.opts.Validate != nil {
		result = b.opts.Validate(st)
	}

	for _, in := range b.opts.Inputs {
		if !st.Has(in) {
			result.AddWarning(fmt.Sprintf("input parameter %q is not present in state", in))
		}
	}

	return result
}

func (b *BaseNode) ShouldExecute(st *state.GraphState) bool {
	if b.opts.ShouldExecute == nil {
		return true
	}

	return b.opts.ShouldExecute(st)
}

func (b *BaseNode) OnBeforeExecute(ctx context.Context, st *state.GraphState) error {
	if b.opts.BeforeExecute == nil {
		return nil
	}

	return b.opts.BeforeExecute(ctx, st)
}

func (b *BaseNode) OnAfterExecute(ctx context.Context, st *state.GraphState, result *models.NodeResult) error {
	if b.opts.StoreResultAs != "" && result != nil && result.Succeeded() {
		if v, ok := result.Data["result"]; ok && len(result.Data) == 1 {
			st.Set(b.opts.StoreResultAs, v)
		} else {
			st.Set(b.opts.StoreResultAs, result.Data)
		}
	}

	if b.opts.AfterExecute == nil {
		return nil
	}

	return b.opts.AfterExecute(ctx, st, result)
}

func (b *BaseNode) OnExecutionFailed(ctx context.Context, st *state.GraphState, err error) {
	if b.opts.OnFailure != nil {
		b.opts.OnFailure(ctx, st, err)
	}
}

// AddEdge appends an outgoing edge. Declaration order is the routing order.
func (b *BaseNode) AddEdge(edge Edge) {
	edge.From = b.id
	b.edges = append(b.edges, edge)
}

func (b *BaseNode) Edges() []Edge {
	return slices.Clone(b.edges)
}

// Successors lists edge targets in declaration order.
func (b *BaseNode) Successors() []Node {
	out := make([]Node, 0, len(b.edges))
	for _, e := range b.edges {
		out = append(out, e.To)
	}

	return out
}

// NextNodes walks edges in declaration order and takes the first one that matches,
// or every match when fan-out is enabled.
func (b *BaseNode) NextNodes(result *models.NodeResult, st *state.GraphState) ([]Node, error) {
	return Route(b.edges, result, st, b.opts.FanOut), nil
}

// Route selects the targets of edges matching result and st.
// When result carries a route label only edges with that label are eligible.
func Route(edges []Edge, result *models.NodeResult, st *state.GraphState, fanOut bool) []Node {
	var next []Node

	for _, e := range edges {
		if !e.Matches(result, st) {
			continue
		}

		next = append(next, e.To)
		if !fanOut {
			break
		}
	}

	return next
}
