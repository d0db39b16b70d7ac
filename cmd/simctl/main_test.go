package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/table"
	"github.com/danmuck/simctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestParseScalar(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, true, parseScalar("true"))
	require.Equal(t, false, parseScalar("F"))
	require.Equal(t, int64(1), parseScalar("1"))
	require.Equal(t, int64(-40), parseScalar("-40"))
	require.Equal(t, 2.5, parseScalar("2.5"))
	require.Equal(t, time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), parseScalar("2020-01-02"))
	require.Equal(t, "Lawes", parseScalar("Lawes"))
	require.Equal(t, "", parseScalar(""))
}

func TestParseAssignment(t *testing.T) {
	testlog.Start(t)
	path, value, err := parseAssignment("[Wheat].Crop.Rate=0.1")
	require.NoError(t, err)
	require.Equal(t, "[Wheat].Crop.Rate", path)
	require.Equal(t, "0.1", value)

	path, value, err = parseAssignment("Clock.Dates=a=b,c")
	require.NoError(t, err)
	require.Equal(t, "Clock.Dates", path)
	require.Equal(t, "a=b,c", value)

	for _, bad := range []string{"novalue", "=1", " =1"} {
		_, _, err := parseAssignment(bad)
		require.Error(t, err, bad)
	}
}

func TestBuildRunCommandOrdersModelsBeforeProperties(t *testing.T) {
	testlog.Start(t)
	file := filepath.Join(t.TempDir(), "crop.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: Crop\nproperties: {Initial: 2.0, Rate: 0.2, Capacity: 500.0}\n"), 0o600))

	cmd, err := buildRunCommand(true, false, 3,
		[]string{"[Wheat].Crop=" + file},
		[]string{"[Wheat].Crop.Rate=0.1"},
		[]string{"Wheat"},
	)
	require.NoError(t, err)
	require.True(t, cmd.Verbose)
	require.Equal(t, 3, cmd.NumberOfProcessors)
	require.Equal(t, []string{"Wheat"}, cmd.SimulationNamesToRun)
	require.Len(t, cmd.Replacements, 2)

	model, ok := cmd.Replacements[0].(command.ModelReplacement)
	require.True(t, ok)
	require.Equal(t, "[Wheat].Crop", model.Path)
	require.Equal(t, "Crop", model.Subtree.Name)
	require.Equal(t, command.NewPropertyReplacement("[Wheat].Crop.Rate", 0.1), cmd.Replacements[1])

	_, err = buildRunCommand(false, false, 0, []string{"[Wheat].Crop=" + filepath.Join(t.TempDir(), "missing.yaml")}, nil, nil)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = buildRunCommand(false, false, 0, nil, nil, []string{" "})
	require.ErrorIs(t, err, protocol.ErrInvalidCommand)
}

func TestWriteTableAlignsColumns(t *testing.T) {
	testlog.Start(t)
	tbl := table.New("Growth",
		table.Column{Name: "Day", Type: table.TypeInt},
		table.Column{Name: "Date", Type: table.TypeTime},
		table.Column{Name: "Biomass", Type: table.TypeFloat},
		table.Column{Name: "Note", Type: table.TypeAny},
	)
	require.NoError(t, tbl.AddRow(0, time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC), 1.0, nil))
	require.NoError(t, tbl.AddRow(10, time.Date(2020, 4, 11, 6, 30, 0, 0, time.UTC), 14.5, "late"))

	var out bytes.Buffer
	require.NoError(t, writeTable(&out, tbl))
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, []string{"Day", "Date", "Biomass", "Note"}, strings.Fields(lines[0]))
	require.Equal(t, []string{"0", "2020-04-01", "1"}, strings.Fields(lines[1]))
	require.Equal(t, []string{"10", "2020-04-11T06:30:00Z", "14.5", "late"}, strings.Fields(lines[2]))
	require.Equal(t, strings.Index(lines[0], "Date"), strings.Index(lines[1], "2020"))
}

func TestReadRequiresTableName(t *testing.T) {
	testlog.Start(t)
	err := newApp(io.Discard).Run([]string{"simctl", "read"})
	require.ErrorContains(t, err, "table name required")
}

func TestServeRunReadThroughCLI(t *testing.T) {
	testlog.Start(t)
	sock := filepath.Join(t.TempDir(), "simctl.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() {
		served <- newApp(io.Discard).RunContext(ctx, []string{"simctl", "--address", sock, "serve", "--max-cpu-count", "2"})
	}()

	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{
		"simctl", "--address", sock, "run",
		"--sim", "Site",
		"--set", "[Site].Weather.Station=Lawes",
		"--report-invalid-views",
	}))
	require.Contains(t, out.String(), "finished in")

	// The service takes the next connection once the previous one is released.
	require.Eventually(t, func() bool {
		out.Reset()
		return newApp(&out).Run([]string{"simctl", "--address", sock, "read", "Report", "Path", "Value"}) == nil
	}, 5*time.Second, 50*time.Millisecond)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, []string{"Path", "Value"}, strings.Fields(lines[0]))
	require.ElementsMatch(t, [][]string{{"Weather.Station", "Lawes"}, {"Soil.Depth", "1800"}},
		[][]string{strings.Fields(lines[1]), strings.Fields(lines[2])})

	var execErr *protocol.ExecutionError
	require.Eventually(t, func() bool {
		err := newApp(io.Discard).Run([]string{"simctl", "--address", sock, "read", "Missing"})
		return errors.As(err, &execErr)
	}, 5*time.Second, 50*time.Millisecond)
	require.Contains(t, execErr.Error(), "not found")

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
