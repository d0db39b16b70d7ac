// Package command defines the two request shapes an initiator may send and the
// model mutations a run carries.
package command

import (
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/danmuck/simctl/internal/protocol"
)

// Command is either a RunCommand or a ReadCommand.
type Command interface {
	isCommand()
	Validate() error
}

// RunCommand applies replacements to the live graph and runs simulations.
// An empty SimulationNamesToRun runs all simulations; NumberOfProcessors <= 0 selects the default.
type RunCommand struct {
	Verbose              bool
	ReportInvalidViews   bool
	NumberOfProcessors   int
	Replacements         []Replacement
	SimulationNamesToRun []string
}

// ReadCommand fetches a result table projected to ParameterNames (empty = all columns).
type ReadCommand struct {
	TableName      string
	ParameterNames []string
}

func (RunCommand) isCommand()  {}
func (ReadCommand) isCommand() {}

func NewRunCommand(verbose, reportInvalidViews bool, processors int, replacements []Replacement, sims []string) RunCommand {
	return RunCommand{
		Verbose:              verbose,
		ReportInvalidViews:   reportInvalidViews,
		NumberOfProcessors:   processors,
		Replacements:         replacements,
		SimulationNamesToRun: sims,
	}
}

func NewReadCommand(table string, params ...string) ReadCommand {
	return ReadCommand{TableName: table, ParameterNames: params}
}

func (c RunCommand) Validate() error {
	for i, r := range c.Replacements {
		if r == nil {
			return &protocol.CommandValidationError{Field: "replacements", Reason: "nil replacement at index " + strconv.Itoa(i)}
		}
		if err := r.Validate(); err != nil {
			return err
		}
	}
	for _, name := range c.SimulationNamesToRun {
		if strings.TrimSpace(name) == "" {
			return &protocol.CommandValidationError{Field: "simulation_names", Reason: "empty simulation name"}
		}
	}
	return nil
}

func (c ReadCommand) Validate() error {
	if strings.TrimSpace(c.TableName) == "" {
		return &protocol.CommandValidationError{Field: "table_name", Reason: "must not be empty"}
	}
	for _, p := range c.ParameterNames {
		if strings.TrimSpace(p) == "" {
			return &protocol.CommandValidationError{Field: "parameter_names", Reason: "empty parameter name"}
		}
	}
	return nil
}

// Equal reports structural equality. Nil and empty sequences compare equal.
func (c RunCommand) Equal(o RunCommand) bool {
	if c.Verbose != o.Verbose || c.ReportInvalidViews != o.ReportInvalidViews || c.NumberOfProcessors != o.NumberOfProcessors {
		return false
	}
	if !slices.Equal(c.SimulationNamesToRun, o.SimulationNamesToRun) {
		return false
	}
	if len(c.Replacements) != len(o.Replacements) {
		return false
	}
	for i := range c.Replacements {
		if !ReplacementsEqual(c.Replacements[i], o.Replacements[i]) {
			return false
		}
	}
	return true
}

func (c ReadCommand) Equal(o ReadCommand) bool {
	return c.TableName == o.TableName && slices.Equal(c.ParameterNames, o.ParameterNames)
}

// Equal compares two commands of any kind.
func Equal(a, b Command) bool {
	switch x := a.(type) {
	case RunCommand:
		y, ok := b.(RunCommand)
		return ok && x.Equal(y)
	case ReadCommand:
		y, ok := b.(ReadCommand)
		return ok && x.Equal(y)
	default:
		return a == nil && b == nil
	}
}

// EffectiveParallelism maps a non-positive processor count to fallback, and a
// non-positive fallback to the host CPU count.
func EffectiveParallelism(n, fallback int) int {
	if n > 0 {
		return n
	}
	if fallback > 0 {
		return fallback
	}
	return runtime.NumCPU()
}

// Kind names the command shape for logs and metrics.
func Kind(c Command) string {
	switch c.(type) {
	case RunCommand:
		return "run"
	case ReadCommand:
		return "read"
	default:
		return "unknown"
	}
}
