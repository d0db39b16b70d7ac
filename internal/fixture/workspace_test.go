package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/table"
	"github.com/danmuck/simctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const sample = `
root:
  name: Simulations
  properties:
    path: initial
  children:
    - name: Sim1
      kind: Simulation
      properties:
        Zeta: 1
        Alpha: two
        Start: 2020-01-02
        Flags: [true, false]
        Meta: {k: v}
      children:
        - name: Clock
          properties: {Days: 3, Step: 0.5}
tables:
  - name: table name
    columns:
      - {name: t, type: int}
      - {name: x, type: float}
      - {name: at, type: time}
    rows:
      - [0, 1, "2020-01-01"]
      - [1, 2, 2020-01-02]
`

func TestParseBuildsOrderedTree(t *testing.T) {
	testlog.Start(t)
	ws, err := Parse([]byte(sample))
	require.NoError(t, err)

	root := ws.Tree.Root()
	require.Equal(t, modelgraph.KindRoot, root.Kind)
	sim := root.Child("Sim1")
	require.NotNil(t, sim)
	require.Equal(t, modelgraph.KindSimulation, sim.Kind)

	var names []string
	for _, p := range sim.Props {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"Zeta", "Alpha", "Start", "Flags", "Meta"}, names)

	v, err := ws.Tree.Get("Sim1.Start")
	require.NoError(t, err)
	require.Equal(t, time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), v)
	v, err = ws.Tree.Get("Sim1.Zeta")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
	v, err = ws.Tree.Get("Sim1.Flags")
	require.NoError(t, err)
	require.Equal(t, []any{true, false}, v)
	v, err = ws.Tree.Get("Sim1.Meta")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"k": "v"}, v)

	clock := sim.Child("Clock")
	require.Equal(t, modelgraph.KindModel, clock.Kind)
	require.Len(t, ws.Tree.Simulations(), 1)
}

func TestParseTablesAndSeed(t *testing.T) {
	testlog.Start(t)
	ws, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, ws.Tables, 1)

	store := table.NewMemoryStore()
	ws.Seed(store)
	got, err := store.GetTable(context.Background(), "table name", nil)
	require.NoError(t, err)
	require.Len(t, got.Columns, 3)
	require.Equal(t, [][]any{
		{int64(0), 1.0, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{int64(1), 2.0, time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)},
	}, got.Rows)
}

func TestParseRejectsInvalidWorkspaces(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad yaml":        "root: [",
		"missing root":    "tables: []",
		"unnamed node":    "root: {children: [{kind: Model}]}",
		"duplicate child": "root: {name: R, children: [{name: a}, {name: a}]}",
		"scalar props":    "root: {name: R, properties: 3}",
		"duplicate table": "root: {name: R}\ntables: [{name: t, columns: [{name: a}]}, {name: t, columns: [{name: a}]}]",
		"no columns":      "root: {name: R}\ntables: [{name: t}]",
		"row width":       "root: {name: R}\ntables: [{name: t, columns: [{name: a}], rows: [[1, 2]]}]",
		"row not a list":  "root: {name: R}\ntables: [{name: t, columns: [{name: a}], rows: [1]}]",
		"cell type":       "root: {name: R}\ntables: [{name: t, columns: [{name: a, type: int}], rows: [[x]]}]",
		"unnamed table":   "root: {name: R}\ntables: [{columns: [{name: a}]}]",
		"unnamed column":  "root: {name: R}\ntables: [{name: t, columns: [{type: int}]}]",
	}
	for name, content := range cases {
		_, err := Parse([]byte(content))
		require.ErrorIs(t, err, ErrInvalidWorkspace, name)
	}
}

func TestLoadFromFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "workspace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	ws, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Simulations", ws.Tree.Root().Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefaultWorkspace(t *testing.T) {
	testlog.Start(t)
	ws := Default()
	var names []string
	for _, n := range ws.Tree.Simulations() {
		names = append(names, n.Name)
	}
	require.Equal(t, []string{"Wheat", "Barley", "Site"}, names)

	v, err := ws.Tree.Get("[Barley].Clock.Start")
	require.NoError(t, err)
	require.Equal(t, time.Date(2020, 4, 15, 0, 0, 0, 0, time.UTC), v)
	require.Len(t, ws.Tables, 1)
	require.Equal(t, "Observed", ws.Tables[0].Name)
}

func TestParseNodeBuildsModelSubtree(t *testing.T) {
	testlog.Start(t)
	n, err := ParseNode([]byte("name: Field\nproperties: {Area: 2.5}\nchildren:\n  - name: Crop\n    properties: {Rate: 0.2}\n"))
	require.NoError(t, err)
	require.Equal(t, "Field", n.Name)
	require.Equal(t, modelgraph.KindModel, n.Kind)
	v, ok := n.Child("Crop").Prop("Rate")
	require.True(t, ok)
	require.Equal(t, 0.2, v)

	_, err = ParseNode([]byte("properties: {Area: 1}\n"))
	require.ErrorIs(t, err, ErrInvalidWorkspace)

	path := filepath.Join(t.TempDir(), "field.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: Field\nkind: Zone\n"), 0o600))
	n, err = LoadNode(path)
	require.NoError(t, err)
	require.Equal(t, modelgraph.KindZone, n.Kind)
}
