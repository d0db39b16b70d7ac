package modelgraph

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleTree() *Tree {
	root := NewNode("Simulations", KindRoot).WithProp("path", "initial")
	sim := NewNode("Sim1", KindSimulation).
		AddChild(
			NewNode("Clock", KindModel).
				WithProp("StartDate", time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)).
				WithProp("Steps", 10),
			NewNode("Field", KindZone).AddChild(
				NewNode("Wheat", KindModel).
					WithProp("SowingDensity", 120.0).
					WithProp("Irrigated", false).
					AddChild(NewNode("Leaf", KindModel).WithProp("Area", 1.5)),
			),
		)
	root.AddChild(sim, NewNode("Sim2", KindSimulation).WithProp("Seed", 7))
	return NewTree(root)
}

func TestResolveAnchors(t *testing.T) {
	tree := sampleTree()

	n, err := tree.Resolve("Sim1.Field.Wheat")
	require.NoError(t, err)
	require.Equal(t, "Wheat", n.Name)

	n, err = tree.Resolve(".Simulations.Sim1.Clock")
	require.NoError(t, err)
	require.Equal(t, "Clock", n.Name)

	n, err = tree.Resolve("[Wheat].Leaf")
	require.NoError(t, err)
	require.Equal(t, "Leaf", n.Name)

	_, err = tree.Resolve(".Other.Sim1")
	require.ErrorIs(t, err, ErrNodeNotFound)

	_, err = tree.Resolve("  ")
	require.ErrorIs(t, err, ErrEmptyPath)

	_, err = tree.Resolve("Sim1..Clock")
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestRootPropertyReplacementResolves(t *testing.T) {
	tree := sampleTree()
	require.NoError(t, tree.SetValue("path", "value"))
	v, err := tree.Get("path")
	require.NoError(t, err)
	require.Equal(t, "value", v)
}

func TestSetValueCoercesToExistingShape(t *testing.T) {
	tree := sampleTree()

	require.NoError(t, tree.SetValue("[Wheat].SowingDensity", 150))
	v, err := tree.Get("[Wheat].SowingDensity")
	require.NoError(t, err)
	require.Equal(t, 150.0, v)

	require.NoError(t, tree.SetValue("[Wheat].Irrigated", "true"))
	v, err = tree.Get("[Wheat].Irrigated")
	require.NoError(t, err)
	require.Equal(t, true, v)

	require.NoError(t, tree.SetValue("Sim1.Clock.StartDate", "2001-06-15"))
	v, err = tree.Get("Sim1.Clock.StartDate")
	require.NoError(t, err)
	require.Equal(t, time.Date(2001, 6, 15, 0, 0, 0, 0, time.UTC), v)

	require.NoError(t, tree.SetValue("Sim1.Clock.Steps", "12"))
	v, err = tree.Get("Sim1.Clock.Steps")
	require.NoError(t, err)
	require.Equal(t, int64(12), v)
}

func TestSetValueRejectsIncompatibleValue(t *testing.T) {
	tree := sampleTree()
	before := tree.Snapshot()

	err := tree.SetValue("[Wheat].SowingDensity", "dense")
	require.ErrorIs(t, err, ErrTypeMismatch)

	err = tree.SetValue("Sim1.Clock.Steps", 2.5)
	require.ErrorIs(t, err, ErrTypeMismatch)

	err = tree.SetValue("[Wheat].Missing", 1)
	require.ErrorIs(t, err, ErrPropertyNotFound)

	require.True(t, before.Equal(tree.Root()))
}

func TestReplaceSubtreeKeepsNameAndCopies(t *testing.T) {
	tree := sampleTree()
	repl := NewNode("Barley", KindModel).WithProp("SowingDensity", 90.0)

	require.NoError(t, tree.ReplaceSubtree("Sim1.Field.Wheat", repl))

	n, err := tree.Resolve("Sim1.Field.Wheat")
	require.NoError(t, err)
	require.Empty(t, n.Children)
	v, _ := n.Prop("SowingDensity")
	require.Equal(t, 90.0, v)

	repl.SetProp("SowingDensity", 1.0)
	v, _ = n.Prop("SowingDensity")
	require.Equal(t, 90.0, v, "tree must not alias the caller's subtree")

	require.ErrorIs(t, tree.ReplaceSubtree("Sim1.Nope", repl), ErrNodeNotFound)
	require.ErrorIs(t, tree.ReplaceSubtree("Sim1", nil), ErrNilSubtree)
}

func TestSnapshotRestore(t *testing.T) {
	tree := sampleTree()
	snap := tree.Snapshot()

	require.NoError(t, tree.SetValue("path", "changed"))
	require.NoError(t, tree.ReplaceSubtree("Sim2", NewNode("x", KindSimulation)))
	require.False(t, snap.Equal(tree.Root()))

	tree.Restore(snap)
	require.True(t, snap.Equal(tree.Root()))
	v, err := tree.Get("path")
	require.NoError(t, err)
	require.Equal(t, "initial", v)
}

func TestSimulationsInOrder(t *testing.T) {
	sims := sampleTree().Simulations()
	require.Len(t, sims, 2)
	require.Equal(t, "Sim1", sims[0].Name)
	require.Equal(t, "Sim2", sims[1].Name)
}

func TestValuesEqualCanonicalizes(t *testing.T) {
	require.True(t, ValuesEqual(int32(4), int64(4)))
	require.True(t, ValuesEqual([]string{"a", "b"}, []any{"a", "b"}))
	require.True(t, ValuesEqual(map[string]any{"k": 1}, map[string]any{"k": int64(1)}))
	require.False(t, ValuesEqual(int64(1), 1.0))
	require.False(t, ValuesEqual([]any{"a"}, []any{"a", "b"}))
}

func TestCanonicalKeepsOversizedUnsigned(t *testing.T) {
	require.Equal(t, int64(math.MaxInt64), Canonical(uint64(math.MaxInt64)))
	require.Equal(t, uint64(math.MaxUint64), Canonical(uint64(math.MaxUint64)))
	if big := ^uint(0); uint64(big) > math.MaxInt64 {
		require.Equal(t, big, Canonical(big))
	}
	require.Equal(t, int64(7), Canonical(uint(7)))
}
