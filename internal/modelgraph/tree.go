// Package modelgraph holds the live, typed model tree that commands mutate.
//
// Paths are dot-separated node names ending, for property access, in a property
// name. Three anchors are supported:
//
//	Clock.StartDate          relative to the root node
//	.Simulations.Clock.Start absolute, the first segment names the root
//	[Wheat].Leaf.Area        depth-first search for the bracketed node name
//
// A single segment ("path") addresses a property on the root node.
package modelgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPath        = errors.New("modelgraph: empty path")
	ErrInvalidPath      = errors.New("modelgraph: invalid path")
	ErrNodeNotFound     = errors.New("modelgraph: node not found")
	ErrPropertyNotFound = errors.New("modelgraph: property not found")
	ErrTypeMismatch     = errors.New("modelgraph: type mismatch")
	ErrNilSubtree       = errors.New("modelgraph: nil replacement subtree")
)

// Tree owns a root node. It is not safe for concurrent use.
type Tree struct {
	root *Node
}

func NewTree(root *Node) *Tree {
	if root == nil {
		root = NewNode("Simulations", KindRoot)
	}
	return &Tree{root: root}
}

func (t *Tree) Root() *Node {
	return t.root
}

// Resolve returns the node addressed by path.
func (t *Tree) Resolve(path string) (*Node, error) {
	pp, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	_, node, err := t.locate(path, pp, pp.segs)
	return node, err
}

// ResolveProperty returns the node owning the property addressed by path and the property name.
func (t *Tree) ResolveProperty(path string) (*Node, string, error) {
	pp, err := parsePath(path)
	if err != nil {
		return nil, "", err
	}
	if len(pp.segs) == 0 || (pp.absolute && len(pp.segs) < 2) {
		return nil, "", fmt.Errorf("%w: %q names no property", ErrInvalidPath, path)
	}
	name := pp.segs[len(pp.segs)-1]
	_, node, err := t.locate(path, pp, pp.segs[:len(pp.segs)-1])
	if err != nil {
		return nil, "", err
	}
	if _, ok := node.Prop(name); !ok {
		return nil, "", fmt.Errorf("%w: %q on %s", ErrPropertyNotFound, name, node)
	}
	return node, name, nil
}

// Get returns the value of the property addressed by path.
func (t *Tree) Get(path string) (any, error) {
	node, name, err := t.ResolveProperty(path)
	if err != nil {
		return nil, err
	}
	v, _ := node.Prop(name)
	return v, nil
}

// SetValue assigns value to an existing property after converting it to the property's current shape.
func (t *Tree) SetValue(path string, value any) error {
	node, name, err := t.ResolveProperty(path)
	if err != nil {
		return err
	}
	current, _ := node.Prop(name)
	v, err := coerce(current, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", path, err)
	}
	node.SetProp(name, v)
	return nil
}

// ReplaceSubtree swaps the node at path for a copy of subtree. The copy takes the
// replaced node's name so the path keeps resolving.
func (t *Tree) ReplaceSubtree(path string, subtree *Node) error {
	if subtree == nil {
		return ErrNilSubtree
	}
	pp, err := parsePath(path)
	if err != nil {
		return err
	}
	parent, old, err := t.locate(path, pp, pp.segs)
	if err != nil {
		return err
	}
	repl := subtree.Clone()
	repl.Name = old.Name
	if parent == nil {
		t.root = repl
		return nil
	}
	for i, c := range parent.Children {
		if c == old {
			parent.Children[i] = repl
			return nil
		}
	}
	return fmt.Errorf("%w: %q detached from parent", ErrNodeNotFound, path)
}

// Snapshot returns a deep copy of the current root.
func (t *Tree) Snapshot() *Node {
	return t.root.Clone()
}

// Restore replaces the root with a copy of snap.
func (t *Tree) Restore(snap *Node) {
	t.root = snap.Clone()
}

func (t *Tree) Clone() *Tree {
	return &Tree{root: t.root.Clone()}
}

// Simulations returns every node of KindSimulation in pre-order.
func (t *Tree) Simulations() []*Node {
	var out []*Node
	var visit func(*Node)
	visit = func(n *Node) {
		if n.Kind == KindSimulation {
			out = append(out, n)
			return
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	visit(t.root)
	return out
}

type parsedPath struct {
	anchor   string
	absolute bool
	segs     []string
}

func parsePath(path string) (parsedPath, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return parsedPath{}, ErrEmptyPath
	}
	var out parsedPath
	switch {
	case strings.HasPrefix(p, "["):
		end := strings.IndexByte(p, ']')
		if end < 2 {
			return parsedPath{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		out.anchor = p[1:end]
		p = strings.TrimPrefix(p[end+1:], ".")
	case strings.HasPrefix(p, "."):
		out.absolute = true
		p = p[1:]
	}
	if p != "" {
		for _, s := range strings.Split(p, ".") {
			s = strings.TrimSpace(s)
			if s == "" {
				return parsedPath{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
			}
			out.segs = append(out.segs, s)
		}
	}
	if out.absolute && len(out.segs) == 0 {
		return parsedPath{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return out, nil
}

// locate walks segs from the path's anchor and returns the final node and its parent.
// An absolute path consumes its first segment as the root name.
func (t *Tree) locate(path string, pp parsedPath, segs []string) (*Node, *Node, error) {
	var parent *Node
	node := t.root
	switch {
	case pp.anchor != "":
		parent, node = findWithParent(nil, t.root, pp.anchor)
		if node == nil {
			return nil, nil, fmt.Errorf("%w: [%s] in %q", ErrNodeNotFound, pp.anchor, path)
		}
	case pp.absolute:
		if segs[0] != t.root.Name {
			return nil, nil, fmt.Errorf("%w: root %q in %q", ErrNodeNotFound, segs[0], path)
		}
		segs = segs[1:]
	}
	for _, s := range segs {
		c := node.Child(s)
		if c == nil {
			return nil, nil, fmt.Errorf("%w: %q under %s in %q", ErrNodeNotFound, s, node, path)
		}
		parent, node = node, c
	}
	return parent, node, nil
}

func findWithParent(parent, n *Node, name string) (*Node, *Node) {
	if n.Name == name {
		return parent, n
	}
	for _, c := range n.Children {
		if p, found := findWithParent(n, c, name); found != nil {
			return p, found
		}
	}
	return nil, nil
}
