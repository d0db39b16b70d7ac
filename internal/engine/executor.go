// Package engine hosts the responder side of simctl: the Executor that applies
// commands to the model graph, and the Service that accepts connections for it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/session"
	"github.com/danmuck/simctl/internal/sim"
	"github.com/danmuck/simctl/internal/table"
	"github.com/rs/zerolog/log"
)

// Executor owns the model graph and implements session.Handler.
//
// A Run applies its replacements in order as a single transaction: the first
// replacement that fails rolls the graph back to its state before the command.
// Replacements that succeed persist into later commands.
type Executor struct {
	mu        sync.Mutex
	graph     *modelgraph.Tree
	scheduler sim.Scheduler
	store     table.Store
	maxCPU    int
}

var _ session.Handler = (*Executor)(nil)

func NewExecutor(graph *modelgraph.Tree, scheduler sim.Scheduler, store table.Store, maxCPU int) *Executor {
	if graph == nil {
		graph = modelgraph.NewTree(nil)
	}
	return &Executor{
		graph:     graph,
		scheduler: scheduler,
		store:     store,
		maxCPU:    maxCPU,
	}
}

// Snapshot returns a copy of the current graph.
func (e *Executor) Snapshot() *modelgraph.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Snapshot()
}

// Get returns the value of a property in the graph.
func (e *Executor) Get(path string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Get(path)
}

func (e *Executor) HandleRun(ctx context.Context, cmd command.RunCommand) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	for i, r := range cmd.Replacements {
		if cmd.Verbose {
			log.Info().Int("index", i).Str("path", r.Target()).Msg("engine.Executor applying replacement")
		}
		if err := e.apply(r); err != nil {
			e.graph.Restore(snap)
			log.Debug().Err(err).Int("index", i).Msg("engine.Executor rolled back replacements")
			return &protocol.ApplyReplacementError{Index: i, Path: r.Target(), Reason: err.Error(), Err: err}
		}
	}

	if e.scheduler == nil {
		return &protocol.ExecutionError{Message: "no scheduler configured"}
	}
	opts := sim.Options{
		MaxParallelism:     command.EffectiveParallelism(cmd.NumberOfProcessors, e.maxCPU),
		ReportInvalidViews: cmd.ReportInvalidViews,
		Verbose:            cmd.Verbose,
	}
	if err := e.scheduler.Execute(ctx, e.graph, cmd.SimulationNamesToRun, opts); err != nil {
		return executionError(err)
	}
	return nil
}

func (e *Executor) HandleRead(ctx context.Context, cmd command.ReadCommand) (*table.Table, error) {
	if e.store == nil {
		return nil, &protocol.ExecutionError{Message: "no result store configured"}
	}
	t, err := e.store.GetTable(ctx, cmd.TableName, cmd.ParameterNames)
	if err != nil {
		return nil, &protocol.ExecutionError{Message: err.Error(), Err: err}
	}
	return t, nil
}

func (e *Executor) apply(r command.Replacement) error {
	switch x := r.(type) {
	case command.PropertyReplacement:
		return e.graph.SetValue(x.Path, x.Value)
	case command.ModelReplacement:
		return e.graph.ReplaceSubtree(x.Path, x.Subtree)
	default:
		return fmt.Errorf("unsupported replacement %T", r)
	}
}

func executionError(err error) error {
	var se *sim.SimulationError
	if errors.As(err, &se) {
		return &protocol.ExecutionError{Simulation: se.Simulation, File: se.File, Message: se.Err.Error(), Err: err}
	}
	return &protocol.ExecutionError{Message: err.Error(), Err: err}
}
