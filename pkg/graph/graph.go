package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/kernelgraph/pkg/models"
)

var (
	ErrDuplicateNode   = errors.New("node already registered")
	ErrNodeNotFound    = errors.New("node not found")
	ErrNoStartNode     = errors.New("graph has no start node")
	ErrUnreachableNode = errors.New("node is not reachable from the start node")
	ErrUnboundedCycle  = errors.New("cycle without a loop bound")
	ErrNotEdgeOwner    = errors.New("node does not accept edges")
)

// Graph is a named set of nodes with a single start node.
type Graph struct {
	mu     sync.RWMutex
	name   string
	desc   string
	nodes  map[string]Node
	order  []string
	start  string
	plan   *Plan
}

func New(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]Node),
	}
}

func (g *Graph) Name() string {
	return g.name
}

func (g *Graph) Description() string {
	return g.desc
}

func (g *Graph) SetDescription(desc string) {
	g.desc = desc
}

// AddNode registers nodes. The first node added becomes the start node unless SetStart is called.
func (g *Graph) AddNode(nodes ...Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range nodes {
		if _, exists := g.nodes[n.ID()]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID())
		}

		g.nodes[n.ID()] = n
		g.order = append(g.order, n.ID())

		if g.start == "" {
			g.start = n.ID()
		}
	}

	g.plan = nil

	return nil
}

func (g *Graph) SetStart(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	g.start = id
	g.plan = nil

	return nil
}

// Connect adds an edge from one registered node to another.
func (g *Graph) Connect(fromID, toID string, opts ...EdgeOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	from, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, fromID)
	}

	to, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, toID)
	}

	owner, ok := from.(EdgeOwner)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotEdgeOwner, fromID)
	}

	edge := Edge{From: fromID, To: to}
	for _, opt := range opts {
		opt(&edge)
	}

	owner.AddEdge(edge)
	g.plan = nil

	return nil
}

func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]

	return n, ok
}

// Nodes returns nodes in registration order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}

	return out
}

func (g *Graph) Start() Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.nodes[g.start]
}

// Edges lists declared edges grouped by source in registration order.
func (g *Graph) Edges() []Edge {
	var edges []Edge

	for _, n := range g.Nodes() {
		if owner, ok := n.(EdgeOwner); ok {
			edges = append(edges, owner.Edges()...)
		}
	}

	return edges
}

// Validate checks the structural invariants: a start node exists, every successor is
// registered, every node is reachable from the start and every cycle passes through a LoopBound node.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	if g.start == "" {
		return structureError(ErrNoStartNode, g.name)
	}

	for _, id := range g.order {
		for _, succ := range successors(g.nodes[id]) {
			if registered, ok := g.nodes[succ.ID()]; !ok || registered != succ {
				return structureError(ErrNodeNotFound, fmt.Sprintf("%s -> %s", id, succ.ID()))
			}
		}
	}

	reachable := g.reachableLocked()
	for _, id := range g.order {
		if !reachable[id] {
			return structureError(ErrUnreachableNode, id)
		}
	}

	if cycle := g.findUnboundedCycleLocked(); cycle != nil {
		return structureError(ErrUnboundedCycle, strings.Join(cycle, " -> "))
	}

	return nil
}

func (g *Graph) reachableLocked() map[string]bool {
	seen := map[string]bool{g.start: true}
	queue := []string{g.start}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, succ := range successors(g.nodes[id]) {
			if !seen[succ.ID()] {
				seen[succ.ID()] = true
				queue = append(queue, succ.ID())
			}
		}
	}

	return seen
}

func (g *Graph) findUnboundedCycleLocked() []string {
	const (
		unvisited = iota
		active
		done
	)

	marks := make(map[string]int, len(g.nodes))

	var path []string

	var visit func(id string) []string

	visit = func(id string) []string {
		marks[id] = active
		path = append(path, id)

		n := g.nodes[id]
		if _, bounded := n.(LoopBound); !bounded {
			for _, succ := range sortedSuccessors(n) {
				switch marks[succ] {
				case active:
					start := slices.Index(path, succ)

					return append(slices.Clone(path[start:]), succ)
				case unvisited:
					if cycle := visit(succ); cycle != nil {
						return cycle
					}
				}
			}
		}

		path = path[:len(path)-1]
		marks[id] = done

		return nil
	}

	ids := slices.Clone(g.order)
	sort.Strings(ids)

	for _, id := range ids {
		if marks[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

func successors(n Node) []Node {
	if lister, ok := n.(SuccessorLister); ok {
		return lister.Successors()
	}

	return nil
}

func sortedSuccessors(n Node) []string {
	var ids []string
	for _, s := range successors(n) {
		ids = append(ids, s.ID())
	}

	sort.Strings(ids)

	return slices.Compact(ids)
}

func structureError(err error, detail string) error {
	return models.NewGraphError(models.ErrorTypeGraphStructure, detail, err)
}
