// Package fixture loads the model graph and seed tables a service starts with.
//
// A workspace file is YAML:
//
//	root:
//	  name: Simulations
//	  children:
//	    - name: Sim1
//	      kind: Simulation
//	      properties:
//	        Model: growth
//	      children:
//	        - name: Clock
//	          properties: {Start: 2020-01-01, Days: 30}
//	tables:
//	  - name: Observed
//	    columns: [{name: Day, type: int}, {name: Biomass, type: float}]
//	    rows: [[0, 1.0], [10, 4.2]]
//
// Properties keep their file order. Nodes default to kind Model.
package fixture

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/table"
	"gopkg.in/yaml.v3"
)

var ErrInvalidWorkspace = errors.New("fixture: invalid workspace")

type workspaceFile struct {
	Root   *nodeEntry   `yaml:"root"`
	Tables []tableEntry `yaml:"tables,omitempty"`
}

type nodeEntry struct {
	Name       string      `yaml:"name"`
	Kind       string      `yaml:"kind,omitempty"`
	Properties yaml.Node   `yaml:"properties,omitempty"`
	Children   []nodeEntry `yaml:"children,omitempty"`
}

type columnEntry struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

type tableEntry struct {
	Name    string        `yaml:"name"`
	Columns []columnEntry `yaml:"columns"`
	Rows    []yaml.Node   `yaml:"rows,omitempty"`
}

// Workspace is a parsed workspace file.
type Workspace struct {
	Tree   *modelgraph.Tree
	Tables []*table.Table
}

// Load reads and parses the workspace file at path.
func Load(path string) (*Workspace, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ws, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ws, nil
}

// Parse builds a workspace from YAML content.
func Parse(content []byte) (*Workspace, error) {
	var wf workspaceFile
	if err := yaml.Unmarshal(content, &wf); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", ErrInvalidWorkspace, err)
	}
	if wf.Root == nil {
		return nil, fmt.Errorf("%w: missing root", ErrInvalidWorkspace)
	}
	root, err := buildNode(*wf.Root, modelgraph.KindRoot)
	if err != nil {
		return nil, err
	}

	ws := &Workspace{Tree: modelgraph.NewTree(root)}
	seen := make(map[string]bool)
	for i, te := range wf.Tables {
		if te.Name == "" {
			return nil, fmt.Errorf("%w: table at index %d: missing name", ErrInvalidWorkspace, i)
		}
		if seen[te.Name] {
			return nil, fmt.Errorf("%w: duplicate table %q", ErrInvalidWorkspace, te.Name)
		}
		seen[te.Name] = true
		t, err := buildTable(te)
		if err != nil {
			return nil, err
		}
		ws.Tables = append(ws.Tables, t)
	}
	return ws, nil
}

// Seed writes the workspace tables into store.
func (w *Workspace) Seed(store *table.MemoryStore) {
	for _, t := range w.Tables {
		store.PutTable(t)
	}
}

// ParseNode builds a single model subtree, written like a workspace node entry.
func ParseNode(content []byte) (*modelgraph.Node, error) {
	var e nodeEntry
	if err := yaml.Unmarshal(content, &e); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", ErrInvalidWorkspace, err)
	}
	return buildNode(e, modelgraph.KindModel)
}

// LoadNode reads and parses the model subtree file at path.
func LoadNode(path string) (*modelgraph.Node, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n, err := ParseNode(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

func buildNode(e nodeEntry, defaultKind string) (*modelgraph.Node, error) {
	if e.Name == "" {
		return nil, fmt.Errorf("%w: node without name", ErrInvalidWorkspace)
	}
	kind := e.Kind
	if kind == "" {
		kind = defaultKind
	}
	n := modelgraph.NewNode(e.Name, kind)

	switch e.Properties.Kind {
	case 0:
	case yaml.MappingNode:
		for i := 0; i+1 < len(e.Properties.Content); i += 2 {
			key, val := e.Properties.Content[i], e.Properties.Content[i+1]
			v, err := decodeValue(val)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s (line %d): %v", ErrInvalidWorkspace, e.Name, key.Value, val.Line, err)
			}
			n.SetProp(key.Value, v)
		}
	default:
		return nil, fmt.Errorf("%w: %s: properties must be a mapping (line %d)", ErrInvalidWorkspace, e.Name, e.Properties.Line)
	}

	names := make(map[string]bool, len(e.Children))
	for _, ce := range e.Children {
		if names[ce.Name] {
			return nil, fmt.Errorf("%w: %s: duplicate child %q", ErrInvalidWorkspace, e.Name, ce.Name)
		}
		names[ce.Name] = true
		c, err := buildNode(ce, modelgraph.KindModel)
		if err != nil {
			return nil, err
		}
		n.AddChild(c)
	}
	return n, nil
}

func buildTable(e tableEntry) (*table.Table, error) {
	if len(e.Columns) == 0 {
		return nil, fmt.Errorf("%w: table %q: no columns", ErrInvalidWorkspace, e.Name)
	}
	cols := make([]table.Column, len(e.Columns))
	for i, c := range e.Columns {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: table %q: column %d has no name", ErrInvalidWorkspace, e.Name, i)
		}
		cols[i] = table.Column{Name: c.Name, Type: table.ParseColumnType(c.Type)}
	}
	t := table.New(e.Name, cols...)
	for i := range e.Rows {
		v, err := decodeValue(&e.Rows[i])
		if err != nil {
			return nil, fmt.Errorf("%w: table %q row %d: %v", ErrInvalidWorkspace, e.Name, i, err)
		}
		cells, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: table %q row %d: expected a list (line %d)", ErrInvalidWorkspace, e.Name, i, e.Rows[i].Line)
		}
		for j, c := range cells {
			if s, ok := c.(string); ok && j < len(cols) && cols[j].Type == table.TypeTime {
				if ts, err := parseTime(s); err == nil {
					cells[j] = ts
				}
			}
		}
		if err := t.AddRow(cells...); err != nil {
			return nil, fmt.Errorf("%w: table %q row %d: %v", ErrInvalidWorkspace, e.Name, i, err)
		}
	}
	return t, nil
}

// decodeValue converts a YAML node into a canonical property value. Scalars
// resolved as timestamps become time.Time.
func decodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return decodeValue(n.Content[0])
	case yaml.AliasNode:
		return decodeValue(n.Alias)
	case yaml.ScalarNode:
		if n.ShortTag() == "!!timestamp" {
			return parseTime(n.Value)
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return modelgraph.Canonical(v), nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := decodeValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := decodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[n.Content[i].Value] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported yaml node kind %d", n.Kind)
	}
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
