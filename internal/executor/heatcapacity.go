// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

const (
	// hbarOmegaFactor converts sqrt(k/m) with k in eV/angstrom^2 and m
	// in amu into a phonon quantum in eV.
	hbarOmegaFactor = 0.0646541

	gasConstant   = 8.314462618 // J/(mol K)
	eVToKJPerMol  = 96.485332
)

// HeatCapacityExecutor derives the constant-volume heat capacity from
// finite-displacement force constants in an Einstein-mode approximation.
type HeatCapacityExecutor struct {
	logger zerolog.Logger
}

func NewHeatCapacityExecutor() *HeatCapacityExecutor {
	return &HeatCapacityExecutor{logger: log.WithComponent("executor.heat_capacity")}
}

func (e *HeatCapacityExecutor) Type() task.Type { return task.TypeHeatCapacity }

func (e *HeatCapacityExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"run_optimization": true,
		"opt_fmax":         0.001, // tighter convergence for phonons
		"opt_steps":        1000,
		"supercell":        []int{2, 2, 2},
		"displacement":     0.01,
		"temperature":      300.0,
	}
}

func (e *HeatCapacityExecutor) Run(ctx context.Context, a *Atoms, calc Calculator, params map[string]any) (*Result, error) {
	p := MergeParameters(e.DefaultParameters(), params)

	if boolParam(p, "run_optimization", true) {
		if _, err := relax(ctx, a, calc, floatParam(p, "opt_fmax", 0.001), intParam(p, "opt_steps", 1000), true); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: pre-relaxation: %w", task.ErrExecutorFailure, err)
		}
	}

	scDims := intSliceParam(p, "supercell", []int{2, 2, 2})
	if len(scDims) != 3 || scDims[0] < 1 || scDims[1] < 1 || scDims[2] < 1 {
		return nil, fmt.Errorf("%w: supercell must be 3 positive integers", task.ErrValidation)
	}
	displacement := floatParam(p, "displacement", 0.01)
	temperature := floatParam(p, "temperature", 300.0)

	supercell := a.Supercell(scDims[0], scDims[1], scDims[2])
	nPrim := a.Len()

	e.logger.Info().
		Int("n_atoms", nPrim).
		Ints("supercell", scDims).
		Int("n_displacements", nPrim*6).
		Msg("heat capacity run started")

	// Self force-constant block per primitive atom via central differences.
	// The first nPrim supercell atoms are the untranslated cell.
	var modes []float64 // phonon quanta in eV
	nImaginary := 0
	for atom := range nPrim {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}

		var block [3][3]float64
		for dir := range 3 {
			plus, err := e.displacedForces(ctx, supercell, calc, atom, dir, displacement)
			if err != nil {
				return nil, err
			}
			minus, err := e.displacedForces(ctx, supercell, calc, atom, dir, -displacement)
			if err != nil {
				return nil, err
			}
			for b := range 3 {
				block[dir][b] = -(plus[b] - minus[b]) / (2 * displacement)
			}
		}
		// Symmetrize before diagonalizing.
		for i := range 3 {
			for j := i + 1; j < 3; j++ {
				avg := (block[i][j] + block[j][i]) / 2
				block[i][j], block[j][i] = avg, avg
			}
		}

		mass := MassOf(a.Symbols[atom])
		for _, k := range jacobiEigenvalues(block) {
			if k <= 0 {
				nImaginary++
				continue
			}
			modes = append(modes, hbarOmegaFactor*math.Sqrt(k/mass))
		}
	}

	if len(modes) == 0 {
		return nil, fmt.Errorf("%w: no real phonon modes found", task.ErrExecutorFailure)
	}

	var cvKB, entropyKB, freeEnergyEV float64
	for _, quantum := range modes {
		x := quantum / (kBoltzmann * temperature)
		ex := math.Exp(x)
		cvKB += x * x * ex / ((ex - 1) * (ex - 1))
		entropyKB += x/(ex-1) - math.Log(1-math.Exp(-x))
		freeEnergyEV += quantum/2 + kBoltzmann*temperature*math.Log(1-math.Exp(-x))
	}

	cvPerAtom := cvKB / float64(nPrim)
	cvMolar := cvKB * gasConstant

	e.logger.Info().
		Float64("temperature", temperature).
		Float64("Cv_kB_per_atom", cvPerAtom).
		Int("n_imaginary_modes", nImaginary).
		Msg("heat capacity run completed")

	return &Result{
		Data: map[string]any{
			"Cv_kB_per_atom":  cvPerAtom,
			"Cv_J_mol_K":      cvMolar,
			"n_atoms":         nPrim,
			"supercell":       scDims,
			"n_displacements": nPrim * 6,
			"thermal_properties": map[string]any{
				"temperature_K":      temperature,
				"Cv_J_mol_K":         cvMolar,
				"entropy_J_mol_K":    entropyKB * gasConstant,
				"free_energy_kJ_mol": freeEnergyEV * eVToKJPerMol,
			},
		},
		OutputFiles: map[string]string{},
	}, nil
}

// displacedForces returns the force on the displaced atom with one
// coordinate moved by delta. The supercell is restored before returning.
func (e *HeatCapacityExecutor) displacedForces(ctx context.Context, sc *Atoms, calc Calculator, atom, dir int, delta float64) ([3]float64, error) {
	sc.Positions[atom][dir] += delta
	forces, err := calc.Forces(ctx, sc)
	sc.Positions[atom][dir] -= delta
	if err != nil {
		if ctx.Err() != nil {
			return [3]float64{}, err
		}
		return [3]float64{}, fmt.Errorf("%w: displaced forces: %w", task.ErrExecutorFailure, err)
	}
	return forces[atom], nil
}

// jacobiEigenvalues diagonalizes a symmetric 3x3 matrix by cyclic
// Jacobi rotations.
func jacobiEigenvalues(m [3][3]float64) [3]float64 {
	a := m
	for range 50 {
		// Largest off-diagonal element.
		p, q := 0, 1
		if math.Abs(a[0][2]) > math.Abs(a[p][q]) {
			p, q = 0, 2
		}
		if math.Abs(a[1][2]) > math.Abs(a[p][q]) {
			p, q = 1, 2
		}
		if math.Abs(a[p][q]) < 1e-12 {
			break
		}

		theta := 0.5 * math.Atan2(2*a[p][q], a[q][q]-a[p][p])
		c, s := math.Cos(theta), math.Sin(theta)

		var r [3][3]float64
		for i := range 3 {
			r[i][i] = 1
		}
		r[p][p], r[q][q] = c, c
		r[p][q], r[q][p] = s, -s

		// a = r^T a r
		var tmp [3][3]float64
		for i := range 3 {
			for j := range 3 {
				for k := range 3 {
					tmp[i][j] += r[k][i] * a[k][j]
				}
			}
		}
		var next [3][3]float64
		for i := range 3 {
			for j := range 3 {
				for k := range 3 {
					next[i][j] += tmp[i][k] * r[k][j]
				}
			}
		}
		a = next
	}
	return [3]float64{a[0][0], a[1][1], a[2][2]}
}
