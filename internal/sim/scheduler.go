package sim

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/table"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// LocalScheduler runs simulations in-process on a bounded worker group. The
// first failing simulation cancels the rest.
type LocalScheduler struct {
	registry *Registry
	store    *table.MemoryStore
}

func NewLocalScheduler(registry *Registry, store *table.MemoryStore) *LocalScheduler {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &LocalScheduler{registry: registry, store: store}
}

func (s *LocalScheduler) Store() *table.MemoryStore {
	return s.store
}

type job struct {
	sim   *modelgraph.Node
	model Model
	file  string
}

func (s *LocalScheduler) Execute(ctx context.Context, graph *modelgraph.Tree, names []string, opts Options) error {
	sims, err := selectSimulations(graph.Simulations(), names)
	if err != nil {
		return err
	}

	// Resolve and copy everything before any worker starts; graph is not shared with them.
	jobs := make([]job, 0, len(sims))
	for _, n := range sims {
		j := job{sim: n.Clone(), file: stringProp(n, PropFile)}
		id := stringProp(n, PropModel)
		if id == "" {
			id = DefaultModelID
		}
		m, ok := s.registry.Resolve(id)
		if !ok {
			return &SimulationError{Simulation: n.Name, File: j.file, Err: fmt.Errorf("%w: %q", ErrUnknownModel, id)}
		}
		j.model = m
		jobs = append(jobs, j)
	}

	// Output from earlier runs of the selected simulations is replaced, not extended.
	if s.store != nil {
		names := make([]string, len(jobs))
		for i, j := range jobs {
			names[i] = j.sim.Name
		}
		if n := s.store.DeleteRows(ColumnSimulationName, names); n > 0 {
			log.Debug().Int("rows", n).Msg("sim.LocalScheduler cleared previous output")
		}
	}

	limit := opts.MaxParallelism
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	log.Debug().Int("simulations", len(jobs)).Int("parallelism", limit).Msg("sim.LocalScheduler execute")
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return s.runOne(gctx, j, opts)
		})
	}
	return g.Wait()
}

func (s *LocalScheduler) runOne(ctx context.Context, j job, opts Options) (err error) {
	if err := ctx.Err(); err != nil {
		return &SimulationError{Simulation: j.sim.Name, File: j.file, Err: err}
	}
	logger := log.With().Str("simulation", j.sim.Name).Str("model", j.model.Metadata().ID).Logger()
	run := &Run{Simulation: j.sim, Options: opts, Logger: logger, store: s.store}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			if _, ok := err.(*SimulationError); !ok {
				err = &SimulationError{Simulation: j.sim.Name, File: j.file, Err: err}
			}
			logger.Warn().Err(err).Msg("sim.LocalScheduler simulation failed")
		} else if opts.Verbose {
			logger.Info().Dur("elapsed", time.Since(start)).Msg("sim.LocalScheduler simulation complete")
		}
		observability.RecordSimulation(err == nil)
	}()

	return j.model.Run(ctx, run)
}

// selectSimulations filters sims by name, keeping graph order. Empty names selects all.
func selectSimulations(sims []*modelgraph.Node, names []string) ([]*modelgraph.Node, error) {
	if len(names) == 0 {
		return sims, nil
	}
	byName := make(map[string]*modelgraph.Node, len(sims))
	for _, n := range sims {
		byName[n.Name] = n
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := byName[name]; !ok {
			return nil, &SimulationError{Simulation: name, Err: ErrUnknownSimulation}
		}
		want[name] = true
	}
	out := make([]*modelgraph.Node, 0, len(want))
	for _, n := range sims {
		if want[n.Name] {
			out = append(out, n)
			delete(want, n.Name)
		}
	}
	return out, nil
}

func stringProp(n *modelgraph.Node, name string) string {
	v, ok := n.Prop(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
