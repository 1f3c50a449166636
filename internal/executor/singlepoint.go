// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// SinglePointExecutor evaluates energy, forces and stress for a
// structure as given. The input atoms are never mutated.
type SinglePointExecutor struct {
	logger zerolog.Logger
}

func NewSinglePointExecutor() *SinglePointExecutor {
	return &SinglePointExecutor{logger: log.WithComponent("executor.single_point")}
}

func (e *SinglePointExecutor) Type() task.Type { return task.TypeSinglePoint }

func (e *SinglePointExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"compute_forces": true,
		"compute_stress": true,
	}
}

func (e *SinglePointExecutor) Run(ctx context.Context, a *Atoms, calc Calculator, params map[string]any) (*Result, error) {
	p := MergeParameters(e.DefaultParameters(), params)

	frozen := a.Copy()

	energy, err := calc.Energy(ctx, frozen)
	if err != nil {
		return nil, fmt.Errorf("%w: energy: %w", task.ErrExecutorFailure, err)
	}

	lengths := frozen.CellLengths()
	angles := frozen.CellAngles()
	data := map[string]any{
		"energy_eV":          energy,
		"energy_per_atom_eV": energy / float64(frozen.Len()),
		"n_atoms":            frozen.Len(),
		"formula":            frozen.Formula(),
		"volume_A3":          frozen.Volume(),
		"cell": map[string]any{
			"a": lengths[0], "b": lengths[1], "c": lengths[2],
			"alpha": angles[0], "beta": angles[1], "gamma": angles[2],
		},
	}

	if boolParam(p, "compute_forces", true) {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}
		forces, err := calc.Forces(ctx, frozen)
		if err != nil {
			return nil, fmt.Errorf("%w: forces: %w", task.ErrExecutorFailure, err)
		}
		flat := make([][]float64, len(forces))
		for i, f := range forces {
			flat[i] = []float64{f[0], f[1], f[2]}
		}
		data["forces"] = map[string]any{
			"fmax_eV_A":    MaxForce(forces),
			"frms_eV_A":    RMSForce(forces),
			"forces_array": flat,
		}
	}

	if boolParam(p, "compute_stress", true) {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}
		stress, err := calc.Stress(ctx, frozen)
		if err != nil {
			// Stress support is optional in some potentials.
			data["stress"] = map[string]any{"error": err.Error()}
		} else {
			var voigtGPa [6]float64
			for i, s := range stress {
				voigtGPa[i] = s * eVPerA3ToGPa
			}
			pressure := -(voigtGPa[0] + voigtGPa[1] + voigtGPa[2]) / 3
			data["stress"] = map[string]any{
				"stress_voigt_GPa":  voigtGPa[:],
				"pressure_GPa":      pressure,
				"stress_tensor_GPa": voigtToTensor(voigtGPa),
			}
		}
	}

	e.logger.Info().
		Float64("energy_eV", energy).
		Int("n_atoms", frozen.Len()).
		Msg("single point completed")

	return &Result{Data: data, OutputFiles: map[string]string{}}, nil
}

// voigtToTensor expands xx, yy, zz, yz, xz, xy into the full 3x3 tensor.
func voigtToTensor(v [6]float64) [][]float64 {
	return [][]float64{
		{v[0], v[5], v[4]},
		{v[5], v[1], v[3]},
		{v[4], v[3], v[2]},
	}
}
