package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/table"
)

const GrowthTable = "Growth"

var ErrInvalidParameter = errors.New("sim: invalid model parameter")

// GrowthModel integrates daily logistic growth of a crop.
//
//	Clock.Start     time   first day (default 2000-01-01)
//	Clock.Days      int    number of steps
//	Crop.Initial    float  starting biomass
//	Crop.Rate       float  relative growth rate per day
//	Crop.Capacity   float  carrying capacity
type GrowthModel struct{}

func (GrowthModel) Metadata() ModelMetadata {
	return ModelMetadata{ID: "growth", Name: "Growth", Description: "daily logistic crop growth"}
}

func (GrowthModel) Run(ctx context.Context, run *Run) error {
	clock := run.Simulation.Child("Clock")
	crop := run.Simulation.Child("Crop")
	if clock == nil || crop == nil {
		return fmt.Errorf("%w: Clock and Crop nodes are required", ErrInvalidParameter)
	}
	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if v, ok := clock.Prop("Start"); ok {
		if t, ok := v.(time.Time); ok {
			start = t
		}
	}
	days := int64(numberProp(clock, "Days", 0))
	x := numberProp(crop, "Initial", 1)
	rate := numberProp(crop, "Rate", 0.1)
	capacity := numberProp(crop, "Capacity", 100)
	switch {
	case days < 0:
		return fmt.Errorf("%w: Clock.Days %d", ErrInvalidParameter, days)
	case rate < 0:
		return fmt.Errorf("%w: Crop.Rate %g", ErrInvalidParameter, rate)
	case capacity <= 0:
		return fmt.Errorf("%w: Crop.Capacity %g", ErrInvalidParameter, capacity)
	}

	out := table.New(GrowthTable,
		table.Column{Name: "Day", Type: table.TypeInt},
		table.Column{Name: "Date", Type: table.TypeTime},
		table.Column{Name: "Biomass", Type: table.TypeFloat},
	)
	for d := int64(0); d <= days; d++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := out.AddRow(d, start.AddDate(0, 0, int(d)), x); err != nil {
			return err
		}
		x += rate * x * (1 - x/capacity)
	}
	if run.Options.Verbose {
		run.Logger.Info().Int64("days", days).Float64("biomass", x).Msg("sim.GrowthModel finished")
	}
	return run.Record(out)
}

func numberProp(n *modelgraph.Node, name string, def float64) float64 {
	v, ok := n.Prop(name)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	default:
		return def
	}
}
