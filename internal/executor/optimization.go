// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

var optimizers = map[string]bool{"BFGS": true, "LBFGS": true, "FIRE": true}

var cellFilters = map[string]bool{
	"FrechetCellFilter": true,
	"ExpCellFilter":     true,
	"UnitCellFilter":    true,
	"none":              false,
	"":                  false,
}

// OptimizationExecutor fully relaxes a structure, positions and cell.
type OptimizationExecutor struct {
	logger zerolog.Logger
}

func NewOptimizationExecutor() *OptimizationExecutor {
	return &OptimizationExecutor{logger: log.WithComponent("executor.optimization")}
}

func (e *OptimizationExecutor) Type() task.Type { return task.TypeOptimization }

func (e *OptimizationExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"fmax":      0.01,
		"steps":     500,
		"optimizer": "BFGS",
		"filter":    "FrechetCellFilter",
	}
}

func (e *OptimizationExecutor) Run(ctx context.Context, a *Atoms, calc Calculator, params map[string]any) (*Result, error) {
	p := MergeParameters(e.DefaultParameters(), params)

	optimizer := stringParam(p, "optimizer", "BFGS")
	if !optimizers[optimizer] {
		return nil, fmt.Errorf("%w: unsupported optimizer %q", task.ErrValidation, optimizer)
	}
	filterName := stringParam(p, "filter", "FrechetCellFilter")
	relaxCell, known := cellFilters[filterName]
	if !known {
		return nil, fmt.Errorf("%w: unsupported cell filter %q", task.ErrValidation, filterName)
	}

	fmaxTol := floatParam(p, "fmax", 0.01)
	maxSteps := intParam(p, "steps", 500)

	initialPositions := append([][3]float64(nil), a.Positions...)
	initialVolume := a.Volume()
	initialEnergy, err := calc.Energy(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", task.ErrExecutorFailure, err)
	}

	e.logger.Info().
		Float64("initial_energy", initialEnergy).
		Float64("initial_volume", initialVolume).
		Int("n_atoms", a.Len()).
		Msg("optimization started")

	out, err := relax(ctx, a, calc, fmaxTol, maxSteps, relaxCell)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", task.ErrExecutorFailure, err)
	}

	finalVolume := a.Volume()
	volumeChange := (finalVolume - initialVolume) / initialVolume * 100

	data := map[string]any{
		"converged":             out.converged,
		"final_energy_eV":       out.energy,
		"final_fmax":            out.fmax,
		"steps":                 out.steps,
		"initial_volume_A3":     initialVolume,
		"final_volume_A3":       finalVolume,
		"volume_change_percent": volumeChange,
		"cell_parameters":       a.CellParameters(),
	}
	if rmsd, ok := RMSD(a.Positions, initialPositions); ok {
		data["rmsd_from_initial"] = rmsd
	}

	e.logger.Info().
		Bool("converged", out.converged).
		Float64("final_energy", out.energy).
		Float64("final_fmax", out.fmax).
		Int("steps", out.steps).
		Msg("optimization completed")

	return &Result{Data: data, OutputFiles: map[string]string{}}, nil
}
