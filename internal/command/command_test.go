package command

import (
	"errors"
	"runtime"
	"testing"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/stretchr/testify/require"
)

func mockModel() *modelgraph.Node {
	return modelgraph.NewNode("mock", modelgraph.KindModel).WithProp("Area", 2.5)
}

func sampleRun(processors int) RunCommand {
	return NewRunCommand(true, true, processors,
		[]Replacement{
			NewPropertyReplacement("path", "value"),
			NewModelReplacement("x", mockModel()),
		},
		[]string{"sim1", "sim2"},
	)
}

func TestRunCommandEquality(t *testing.T) {
	require.True(t, sampleRun(32).Equal(sampleRun(32)))
	require.True(t, Equal(sampleRun(32), sampleRun(32)))
	require.False(t, sampleRun(32).Equal(sampleRun(16)))

	changed := sampleRun(32)
	changed.Verbose = false
	require.False(t, sampleRun(32).Equal(changed))

	changed = sampleRun(32)
	changed.SimulationNamesToRun = []string{"sim2", "sim1"}
	require.False(t, sampleRun(32).Equal(changed))

	changed = sampleRun(32)
	changed.Replacements = []Replacement{NewPropertyReplacement("path", "other"), NewModelReplacement("x", mockModel())}
	require.False(t, sampleRun(32).Equal(changed))

	changed = sampleRun(32)
	changed.Replacements[1] = NewModelReplacement("x", mockModel().WithProp("Area", 3.0))
	require.False(t, sampleRun(32).Equal(changed))
}

func TestReadCommandEquality(t *testing.T) {
	a := NewReadCommand("table", "param1", "param2", "param3")
	require.True(t, a.Equal(NewReadCommand("table", "param1", "param2", "param3")))
	require.False(t, a.Equal(NewReadCommand("table", "param1", "param2")))
	require.False(t, Equal(a, sampleRun(1)))
	require.True(t, NewReadCommand("t").Equal(ReadCommand{TableName: "t", ParameterNames: []string{}}))
}

func TestReadCommandValidation(t *testing.T) {
	err := NewReadCommand("  ").Validate()
	var ve *protocol.CommandValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "table_name", ve.Field)
	require.ErrorIs(t, err, protocol.ErrInvalidCommand)

	require.NoError(t, NewReadCommand("Report").Validate())
	require.Error(t, NewReadCommand("Report", "").Validate())
}

func TestRunCommandValidation(t *testing.T) {
	require.NoError(t, RunCommand{}.Validate())
	require.NoError(t, RunCommand{NumberOfProcessors: -4}.Validate())

	err := RunCommand{Replacements: []Replacement{NewModelReplacement("x", nil)}}.Validate()
	require.ErrorIs(t, err, protocol.ErrInvalidCommand)

	err = RunCommand{Replacements: []Replacement{NewPropertyReplacement("", 1)}}.Validate()
	require.ErrorIs(t, err, protocol.ErrInvalidCommand)

	err = RunCommand{Replacements: []Replacement{nil}}.Validate()
	require.ErrorIs(t, err, protocol.ErrInvalidCommand)
}

func TestEffectiveParallelism(t *testing.T) {
	require.Equal(t, 8, EffectiveParallelism(8, 2))
	require.Equal(t, 2, EffectiveParallelism(0, 2))
	require.Equal(t, 2, EffectiveParallelism(-1, 2))
	require.Equal(t, runtime.NumCPU(), EffectiveParallelism(0, 0))
}

func TestKind(t *testing.T) {
	require.Equal(t, "run", Kind(RunCommand{}))
	require.Equal(t, "read", Kind(ReadCommand{}))
	require.Equal(t, "unknown", Kind(nil))
}
