// Package sim runs simulations found in a model graph and records their output
// into a result store.
package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/table"
	"github.com/rs/zerolog"
)

const (
	// PropModel names the registered model a simulation node runs with.
	PropModel = "Model"
	// PropFile names the file a simulation was loaded from, reported on failure.
	PropFile = "File"

	// ColumnSimulationName leads every table a simulation records.
	ColumnSimulationName = "SimulationName"

	DefaultModelID = "report"
)

var (
	ErrUnknownSimulation = errors.New("sim: unknown simulation")
	ErrUnknownModel      = errors.New("sim: unknown model")
	ErrInvalidView       = errors.New("sim: invalid report view")
)

// Options tune one Execute call.
type Options struct {
	MaxParallelism     int
	ReportInvalidViews bool
	Verbose            bool
}

// Scheduler executes the named simulations of graph. Empty names runs them all.
type Scheduler interface {
	Execute(ctx context.Context, graph *modelgraph.Tree, names []string, opts Options) error
}

// ModelMetadata is the identity of a registered model.
type ModelMetadata struct {
	ID          string
	Name        string
	Description string
}

// Model computes the output of one simulation.
type Model interface {
	Metadata() ModelMetadata
	Run(ctx context.Context, run *Run) error
}

// Run is a model's view of one simulation. Simulation is a private copy; changes
// to it never reach the owning graph.
type Run struct {
	Simulation *modelgraph.Node
	Options    Options
	Logger     zerolog.Logger

	store *table.MemoryStore
}

func (r *Run) Name() string {
	return r.Simulation.Name
}

// Record appends t's rows to the result store under t's name, prefixed with
// the simulation name column.
func (r *Run) Record(t *table.Table) error {
	cols := append([]table.Column{{Name: ColumnSimulationName, Type: table.TypeString}}, t.Columns...)
	out := table.New(t.Name, cols...)
	for _, row := range t.Rows {
		cells := append([]any{r.Simulation.Name}, row...)
		if err := out.AddRow(cells...); err != nil {
			return err
		}
	}
	return r.store.AppendRows(out)
}

// SimulationError is the failure of a single simulation.
type SimulationError struct {
	Simulation string
	File       string
	Err        error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation %s: %v", e.Simulation, e.Err)
}

func (e *SimulationError) Unwrap() error {
	return e.Err
}
