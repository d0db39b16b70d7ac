package command

import (
	"strings"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/protocol"
)

// Replacement mutates the model graph before a run. It is either a
// PropertyReplacement or a ModelReplacement.
type Replacement interface {
	isReplacement()
	Target() string
	Validate() error
}

// PropertyReplacement sets the property at Path to Value.
type PropertyReplacement struct {
	Path  string
	Value any
}

// ModelReplacement swaps the node at Path for Subtree.
type ModelReplacement struct {
	Path    string
	Subtree *modelgraph.Node
}

func (PropertyReplacement) isReplacement() {}
func (ModelReplacement) isReplacement()    {}

func (r PropertyReplacement) Target() string { return r.Path }
func (r ModelReplacement) Target() string    { return r.Path }

func NewPropertyReplacement(path string, value any) PropertyReplacement {
	return PropertyReplacement{Path: path, Value: modelgraph.Canonical(value)}
}

func NewModelReplacement(path string, subtree *modelgraph.Node) ModelReplacement {
	return ModelReplacement{Path: path, Subtree: subtree}
}

func (r PropertyReplacement) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return &protocol.CommandValidationError{Field: "replacement.path", Reason: "must not be empty"}
	}
	return nil
}

func (r ModelReplacement) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return &protocol.CommandValidationError{Field: "replacement.path", Reason: "must not be empty"}
	}
	if r.Subtree == nil {
		return &protocol.CommandValidationError{Field: "replacement.subtree", Reason: "must not be nil"}
	}
	return nil
}

// ReplacementsEqual compares two replacements structurally.
func ReplacementsEqual(a, b Replacement) bool {
	switch x := a.(type) {
	case PropertyReplacement:
		y, ok := b.(PropertyReplacement)
		return ok && x.Path == y.Path && modelgraph.ValuesEqual(x.Value, y.Value)
	case ModelReplacement:
		y, ok := b.(ModelReplacement)
		return ok && x.Path == y.Path && x.Subtree.Equal(y.Subtree)
	default:
		return a == nil && b == nil
	}
}
