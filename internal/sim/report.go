package sim

import (
	"context"
	"fmt"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/table"
)

const (
	ReportTable = "Report"

	reportNode    = "Report"
	propVariables = "Variables"
)

// ReportModel records property values of a simulation into the Report table.
//
// A child node named Report may list the paths to record in its Variables
// property, relative to the simulation. Without one, every property below the
// simulation is recorded. A path that does not resolve is skipped, or fails the
// simulation when ReportInvalidViews is set.
type ReportModel struct{}

func (ReportModel) Metadata() ModelMetadata {
	return ModelMetadata{ID: DefaultModelID, Name: "Report", Description: "records simulation property values"}
}

func (ReportModel) Run(ctx context.Context, run *Run) error {
	out := table.New(ReportTable,
		table.Column{Name: "Path", Type: table.TypeString},
		table.Column{Name: "Value", Type: table.TypeAny},
	)
	paths, explicit := reportPaths(run.Simulation)
	tree := modelgraph.NewTree(run.Simulation)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := tree.Get(p)
		if err != nil {
			if explicit && run.Options.ReportInvalidViews {
				return fmt.Errorf("%w: %s: %v", ErrInvalidView, p, err)
			}
			run.Logger.Debug().Str("path", p).Err(err).Msg("sim.ReportModel skipping view")
			continue
		}
		if err := out.AddRow(p, v); err != nil {
			return err
		}
	}
	return run.Record(out)
}

func reportPaths(sim *modelgraph.Node) ([]string, bool) {
	if rep := sim.Child(reportNode); rep != nil {
		if v, ok := rep.Prop(propVariables); ok {
			if list, ok := v.([]any); ok {
				paths := make([]string, 0, len(list))
				for _, item := range list {
					paths = append(paths, fmt.Sprint(item))
				}
				return paths, true
			}
		}
	}
	var paths []string
	collectPaths(sim, "", &paths)
	return paths, false
}

func collectPaths(n *modelgraph.Node, prefix string, out *[]string) {
	for _, p := range n.Props {
		if prefix == "" && (p.Name == PropModel || p.Name == PropFile) {
			continue
		}
		*out = append(*out, prefix+p.Name)
	}
	for _, c := range n.Children {
		if prefix == "" && c.Name == reportNode {
			continue
		}
		collectPaths(c, prefix+c.Name+".", out)
	}
}
