// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"
)

const (
	initialStep = 0.05 // angstrom^2/eV
	maxStep     = 0.20
	cellStep    = 0.10
)

type relaxOutcome struct {
	converged bool
	steps     int
	energy    float64
	fmax      float64
}

// relax drives a damped steepest-descent relaxation until fmax falls
// below the threshold or maxSteps is spent. With relaxCell set the cell
// is additionally rescaled along the isotropic stress component.
func relax(ctx context.Context, a *Atoms, calc Calculator, fmaxTol float64, maxSteps int, relaxCell bool) (relaxOutcome, error) {
	out := relaxOutcome{}

	energy, err := calc.Energy(ctx, a)
	if err != nil {
		return out, fmt.Errorf("initial energy: %w", err)
	}
	out.energy = energy

	step := initialStep
	for out.steps < maxSteps {
		if err := checkpoint(ctx); err != nil {
			return out, err
		}

		forces, err := calc.Forces(ctx, a)
		if err != nil {
			return out, fmt.Errorf("forces at step %d: %w", out.steps, err)
		}
		out.fmax = MaxForce(forces)
		if out.fmax < fmaxTol {
			out.converged = true
			return out, nil
		}

		prev := append([][3]float64(nil), a.Positions...)
		for i := range a.Positions {
			for j := range 3 {
				a.Positions[i][j] += step * forces[i][j]
			}
		}

		if relaxCell {
			stress, err := calc.Stress(ctx, a)
			if err != nil {
				return out, fmt.Errorf("stress at step %d: %w", out.steps, err)
			}
			iso := (stress[0] + stress[1] + stress[2]) / 3
			scale := 1 - cellStep*iso
			if scale > 0.95 && scale < 1.05 {
				a.ScaleCell(scale)
			}
		}

		next, err := calc.Energy(ctx, a)
		if err != nil {
			return out, fmt.Errorf("energy at step %d: %w", out.steps, err)
		}
		if next > out.energy {
			// Uphill move: back off and shrink the step.
			a.Positions = prev
			step /= 2
		} else {
			out.energy = next
			step = min(step*1.1, maxStep)
		}
		out.steps++
	}

	forces, err := calc.Forces(ctx, a)
	if err != nil {
		return out, fmt.Errorf("final forces: %w", err)
	}
	out.fmax = MaxForce(forces)
	out.converged = out.fmax < fmaxTol
	return out, nil
}
