package definition

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var documentSchema []byte

// NodeFactory is the part of the registry definitions build nodes with.
type NodeFactory interface {
	CreateNode(ctx context.Context, nodeType, id string, config map[string]any) (graph.Node, error)
}

// Definition is a built graph with the policies its document declared.
type Definition struct {
	Document        Document
	Graph           *graph.Graph
	Policies        []policy.PolicyRule
	CircuitBreakers map[string]policy.CircuitBreakerConfig
}

// Register installs the declared policies and breakers on registry.
func (d *Definition) Register(registry *policy.Registry) error {
	for _, rule := range d.Policies {
		if err := registry.RegisterPolicyRule(rule); err != nil {
			return fmt.Errorf("graph %s: %w", d.Graph.Name(), err)
		}
	}

	nodeIDs := make([]string, 0, len(d.CircuitBreakers))
	for id := range d.CircuitBreakers {
		nodeIDs = append(nodeIDs, id)
	}

	slices.Sort(nodeIDs)

	for _, id := range nodeIDs {
		if err := registry.RegisterNodeCircuitBreakerPolicy(id, d.CircuitBreakers[id]); err != nil {
			return fmt.Errorf("graph %s: %w", d.Graph.Name(), err)
		}
	}

	return nil
}

// CriticalNodes returns the nodes the document asked to always checkpoint.
func (d *Definition) CriticalNodes() []string {
	if d.Document.Checkpoint == nil {
		return nil
	}

	return d.Document.Checkpoint.CriticalNodes
}

// Parse decodes a YAML or JSON document and validates it against the definition schema.
func Parse(data []byte) (Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if raw == nil {
		return Document{}, fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}

	if err := validate(raw); err != nil {
		return Document{}, err
	}

	var doc Document

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	for i := range doc.Nodes {
		config, err := normalize(doc.Nodes[i].Config)
		if err != nil {
			return Document{}, fmt.Errorf("%w: node %s config: %v", ErrInvalidDocument, doc.Nodes[i].ID, err)
		}

		doc.Nodes[i].Config = config
	}

	for i := range doc.Edges {
		if doc.Edges[i].When == nil {
			continue
		}

		value, err := normalizeValue(doc.Edges[i].When.Equals)
		if err != nil {
			return Document{}, fmt.Errorf("%w: edge %s->%s: %v", ErrInvalidDocument, doc.Edges[i].From, doc.Edges[i].To, err)
		}

		doc.Edges[i].When.Equals = value
	}

	return doc, nil
}

func validate(raw map[string]any) error {
	// yaml decodes nested maps as map[string]any, which the Go loader accepts once
	// the values are valid JSON.
	normalized, err := normalize(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(documentSchema),
		gojsonschema.NewGoLoader(normalized),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(problems, "; "))
}

func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Build creates the nodes of doc through factory and wires its edges.
func Build(ctx context.Context, factory NodeFactory, doc Document) (*Definition, error) {
	g := graph.New(doc.Name)
	g.SetDescription(doc.Description)

	for _, spec := range doc.Nodes {
		node, err := factory.CreateNode(ctx, spec.Type, spec.ID, spec.Config)
		if err != nil {
			return nil, fmt.Errorf("graph %s: %w", doc.Name, err)
		}

		if err := g.AddNode(node); err != nil {
			return nil, fmt.Errorf("graph %s: %w", doc.Name, err)
		}
	}

	if doc.Start != "" {
		if err := g.SetStart(doc.Start); err != nil {
			return nil, fmt.Errorf("graph %s: %w", doc.Name, err)
		}
	}

	for _, edge := range doc.Edges {
		var opts []graph.EdgeOption

		if edge.Label != "" {
			opts = append(opts, graph.WithLabel(edge.Label))
		}

		if edge.When != nil {
			opts = append(opts, graph.WhenStateEquals(edge.When.Key, edge.When.Equals))
		}

		if err := g.Connect(edge.From, edge.To, opts...); err != nil {
			return nil, fmt.Errorf("graph %s: %w", doc.Name, err)
		}
	}

	def := &Definition{
		Document:        doc,
		Graph:           g,
		CircuitBreakers: make(map[string]policy.CircuitBreakerConfig, len(doc.CircuitBreakers)),
	}

	for _, spec := range doc.Policies {
		rule, err := spec.Rule()
		if err != nil {
			return nil, fmt.Errorf("graph %s: %w", doc.Name, err)
		}

		def.Policies = append(def.Policies, rule)
	}

	for _, spec := range doc.CircuitBreakers {
		if _, ok := g.Node(spec.NodeID); !ok {
			return nil, fmt.Errorf("graph %s: circuit breaker for unknown node '%s'", doc.Name, spec.NodeID)
		}

		cfg, err := spec.Config()
		if err != nil {
			return nil, fmt.Errorf("graph %s: %w", doc.Name, err)
		}

		def.CircuitBreakers[spec.NodeID] = cfg
	}

	return def, nil
}

// Load parses and builds one document.
func Load(ctx context.Context, factory NodeFactory, data []byte) (*Definition, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return Build(ctx, factory, doc)
}

// LoadFile loads the document stored at path.
func LoadFile(ctx context.Context, factory NodeFactory, path string) (*Definition, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition %s: %w", path, err)
	}

	def, err := Load(ctx, factory, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return def, nil
}

// LoadDir loads every .yaml, .yml and .json document under dir, ordered by path.
// Graph names must be unique across the directory.
func LoadDir(ctx context.Context, factory NodeFactory, dir string) ([]*Definition, error) {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list graph definitions in %s: %w", dir, err)
	}

	slices.Sort(paths)

	seen := make(map[string]string, len(paths))
	defs := make([]*Definition, 0, len(paths))

	for _, path := range paths {
		def, err := LoadFile(ctx, factory, path)
		if err != nil {
			return nil, err
		}

		if prev, ok := seen[def.Graph.Name()]; ok {
			return nil, fmt.Errorf("%w: '%s' in %s and %s", ErrDuplicateGraph, def.Graph.Name(), prev, path)
		}

		seen[def.Graph.Name()] = path
		defs = append(defs, def)
	}

	return defs, nil
}
