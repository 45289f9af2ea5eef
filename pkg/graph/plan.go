package graph

import (
	"maps"
	"slices"
	"time"
)

// Plan is an immutable view of a graph compiled for execution.
type Plan struct {
	graphName  string
	startID    string
	nodes      map[string]Node
	order      []string
	compiledAt time.Time
}

// Compile freezes the node index of the graph. When validate is true the structure is
// checked first. Graphs cache the validated plan until they are modified.
func (g *Graph) Compile(validate bool) (*Plan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if validate && g.plan != nil {
		return g.plan, nil
	}

	if validate {
		if err := g.validateLocked(); err != nil {
			return nil, err
		}
	} else if g.start == "" {
		return nil, structureError(ErrNoStartNode, g.name)
	}

	plan := &Plan{
		graphName:  g.name,
		startID:    g.start,
		nodes:      maps.Clone(g.nodes),
		order:      g.breadthFirstLocked(),
		compiledAt: time.Now().UTC(),
	}

	if validate {
		g.plan = plan
	}

	return plan, nil
}

func (g *Graph) breadthFirstLocked() []string {
	seen := map[string]bool{g.start: true}
	order := []string{g.start}

	for i := 0; i < len(order); i++ {
		for _, succ := range sortedSuccessors(g.nodes[order[i]]) {
			if !seen[succ] {
				seen[succ] = true
				order = append(order, succ)
			}
		}
	}

	return order
}

func (p *Plan) GraphName() string {
	return p.graphName
}

func (p *Plan) Start() Node {
	return p.nodes[p.startID]
}

func (p *Plan) Node(id string) (Node, bool) {
	n, ok := p.nodes[id]

	return n, ok
}

// Order lists nodes reachable from the start in breadth-first, lexicographic order.
func (p *Plan) Order() []string {
	return slices.Clone(p.order)
}

func (p *Plan) Len() int {
	return len(p.nodes)
}

func (p *Plan) CompiledAt() time.Time {
	return p.compiledAt
}

// NodeInfo describes a node for inspection APIs.
type NodeInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// EdgeInfo describes an edge for inspection APIs.
type EdgeInfo struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Label       string `json:"label,omitempty"`
	Conditional bool   `json:"conditional"`
}

// Structure is the serializable shape of a graph.
type Structure struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Start       string     `json:"start"`
	Nodes       []NodeInfo `json:"nodes"`
	Edges       []EdgeInfo `json:"edges"`
}

// Describe returns the structure of the graph.
func (g *Graph) Describe() Structure {
	s := Structure{
		Name:        g.name,
		Description: g.desc,
		Nodes:       []NodeInfo{},
		Edges:       []EdgeInfo{},
	}

	if start := g.Start(); start != nil {
		s.Start = start.ID()
	}

	for _, n := range g.Nodes() {
		s.Nodes = append(s.Nodes, NodeInfo{
			ID:      n.ID(),
			Name:    n.Name(),
			Type:    n.Type(),
			Inputs:  n.InputParameters(),
			Outputs: n.OutputParameters(),
		})
	}

	for _, e := range g.Edges() {
		s.Edges = append(s.Edges, EdgeInfo{
			From:        e.From,
			To:          e.TargetID(),
			Label:       e.Label,
			Conditional: e.Predicate != nil,
		})
	}

	return s
}
