package modelgraph

import "fmt"

// Well-known node kinds.
const (
	KindRoot       = "Simulations"
	KindSimulation = "Simulation"
	KindZone       = "Zone"
	KindModel      = "Model"
)

// Property is one named value carried by a node. Properties keep declaration order.
type Property struct {
	Name  string
	Value any
}

// Node is one model in the graph.
type Node struct {
	Name     string
	Kind     string
	Props    []Property
	Children []*Node
}

func NewNode(name, kind string) *Node {
	return &Node{Name: name, Kind: kind}
}

// WithProp sets a property and returns n for chaining.
func (n *Node) WithProp(name string, value any) *Node {
	n.SetProp(name, value)
	return n
}

// AddChild appends children and returns n for chaining.
func (n *Node) AddChild(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

func (n *Node) Prop(name string) (any, bool) {
	for _, p := range n.Props {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// SetProp stores value in canonical form, replacing an existing property of the same name.
func (n *Node) SetProp(name string, value any) {
	v := Canonical(value)
	for i := range n.Props {
		if n.Props[i].Name == name {
			n.Props[i].Value = v
			return
		}
	}
	n.Props = append(n.Props, Property{Name: name, Value: v})
}

func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Find returns the first node named name in depth-first pre-order, n included.
func (n *Node) Find(name string) *Node {
	var found *Node
	n.Walk(func(c *Node) bool {
		if c.Name == name {
			found = c
			return false
		}
		return true
	})
	return found
}

// Walk visits n and its descendants in pre-order until fn returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Clone deep-copies n. Property values are copied through their canonical form.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Name: n.Name, Kind: n.Kind}
	if len(n.Props) > 0 {
		out.Props = make([]Property, len(n.Props))
		for i, p := range n.Props {
			out.Props[i] = Property{Name: p.Name, Value: cloneValue(p.Value)}
		}
	}
	if len(n.Children) > 0 {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// Equal reports structural equality, including property and child order.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Name != o.Name || n.Kind != o.Kind {
		return false
	}
	if len(n.Props) != len(o.Props) || len(n.Children) != len(o.Children) {
		return false
	}
	for i := range n.Props {
		if n.Props[i].Name != o.Props[i].Name || !ValuesEqual(n.Props[i].Value, o.Props[i].Value) {
			return false
		}
	}
	for i := range n.Children {
		if !n.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", n.Name, n.Kind)
}
