// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// eVPerA3ToGPa converts an elastic modulus from eV/angstrom^3 to GPa.
const eVPerA3ToGPa = 160.21766208

// BulkModulusExecutor samples an energy-volume curve and fits the
// Birch-Murnaghan equation of state.
type BulkModulusExecutor struct {
	logger zerolog.Logger
}

func NewBulkModulusExecutor() *BulkModulusExecutor {
	return &BulkModulusExecutor{logger: log.WithComponent("executor.bulk_modulus")}
}

func (e *BulkModulusExecutor) Type() task.Type { return task.TypeBulkModulus }

func (e *BulkModulusExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"strain_range":   0.06,
		"n_points":       7,
		"optimize_atoms": true,
		"opt_fmax":       0.01,
		"opt_steps":      200,
		"eos_type":       "birchmurnaghan",
	}
}

func (e *BulkModulusExecutor) Run(ctx context.Context, a *Atoms, calc Calculator, params map[string]any) (*Result, error) {
	p := MergeParameters(e.DefaultParameters(), params)

	strains := floatSliceParam(p, "volume_strains")
	if len(strains) == 0 {
		strains = linspace(-floatParam(p, "strain_range", 0.06), floatParam(p, "strain_range", 0.06), intParam(p, "n_points", 7))
	}

	e.logger.Info().
		Int("n_atoms", a.Len()).
		Int("n_points", len(strains)).
		Msg("bulk modulus scan started")

	var volumes, energies []float64
	var strainResults []map[string]any

	for i, strain := range strains {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}

		// Volume strain maps to a linear scale of the lattice vectors.
		scale := math.Cbrt(1 + strain)
		trial := a.Copy()
		trial.ScaleCell(scale)
		volume := trial.Volume()

		var energy, fmax float64
		if boolParam(p, "optimize_atoms", true) {
			out, err := relax(ctx, trial, calc, floatParam(p, "opt_fmax", 0.01), intParam(p, "opt_steps", 200), false)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				return nil, fmt.Errorf("%w: point %d: %w", task.ErrExecutorFailure, i, err)
			}
			energy, fmax = out.energy, out.fmax
		} else {
			var err error
			energy, err = calc.Energy(ctx, trial)
			if err != nil {
				return nil, fmt.Errorf("%w: point %d: %w", task.ErrExecutorFailure, i, err)
			}
		}

		volumes = append(volumes, volume)
		energies = append(energies, energy)
		strainResults = append(strainResults, map[string]any{
			"strain":    strain,
			"volume_A3": volume,
			"energy_eV": energy,
			"fmax":      fmax,
		})
	}

	data := map[string]any{
		"eos_type":       stringParam(p, "eos_type", "birchmurnaghan"),
		"n_points":       len(volumes),
		"strain_results": strainResults,
	}

	fit, err := fitBirchMurnaghan(volumes, energies)
	if err != nil {
		data["fit_success"] = false
		data["fit_error"] = err.Error()
		e.logger.Error().Err(err).Msg("equation of state fit failed")
		return &Result{Data: data, OutputFiles: map[string]string{}}, nil
	}

	data["fit_success"] = true
	data["B0_GPa"] = fit.b0 * eVPerA3ToGPa
	data["V0_A3"] = fit.v0
	data["E0_eV"] = fit.e0
	data["Bp"] = fit.bp

	e.logger.Info().
		Float64("B0_GPa", fit.b0*eVPerA3ToGPa).
		Float64("V0_A3", fit.v0).
		Msg("bulk modulus fit completed")

	return &Result{Data: data, OutputFiles: map[string]string{}}, nil
}

func linspace(lo, hi float64, n int) []float64 {
	if n < 2 {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

type eosFit struct {
	e0, v0, b0, bp float64
}

// birchMurnaghanEnergy is the third-order Birch-Murnaghan form.
func birchMurnaghanEnergy(v float64, f eosFit) float64 {
	eta := math.Pow(f.v0/v, 2.0/3.0)
	t := eta - 1
	return f.e0 + 9*f.v0*f.b0/16*(t*t*t*f.bp+t*t*(6-4*eta))
}

func eosSSE(volumes, energies []float64, f eosFit) float64 {
	sse := 0.0
	for i, v := range volumes {
		d := birchMurnaghanEnergy(v, f) - energies[i]
		sse += d * d
	}
	return sse
}

// fitBirchMurnaghan seeds a quadratic fit of the energy-volume curve and
// refines the four parameters by coordinate descent. Deterministic and
// free of external solvers.
func fitBirchMurnaghan(volumes, energies []float64) (eosFit, error) {
	if len(volumes) < 4 {
		return eosFit{}, errors.New("need at least 4 energy-volume points")
	}

	c0, c1, c2, err := quadraticFit(volumes, energies)
	if err != nil {
		return eosFit{}, err
	}
	if c2 <= 0 {
		return eosFit{}, errors.New("energy-volume curve has no minimum")
	}

	v0 := -c1 / (2 * c2)
	vmin, vmax := volumes[0], volumes[0]
	for _, v := range volumes {
		vmin = math.Min(vmin, v)
		vmax = math.Max(vmax, v)
	}
	if v0 < vmin*0.5 || v0 > vmax*2 {
		return eosFit{}, fmt.Errorf("fitted equilibrium volume %.2f outside sampled range", v0)
	}

	fit := eosFit{
		e0: c0 + c1*v0 + c2*v0*v0,
		v0: v0,
		b0: 2 * c2 * v0,
		bp: 4.0,
	}

	best := eosSSE(volumes, energies, fit)
	for range 40 {
		improved := false
		for _, trial := range neighborFits(fit) {
			if sse := eosSSE(volumes, energies, trial); sse < best {
				best, fit = sse, trial
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return fit, nil
}

func neighborFits(f eosFit) []eosFit {
	var out []eosFit
	for _, dv := range []float64{0.995, 1.005} {
		g := f
		g.v0 *= dv
		out = append(out, g)
	}
	for _, db := range []float64{0.97, 1.03} {
		g := f
		g.b0 *= db
		out = append(out, g)
	}
	for _, dp := range []float64{-0.2, 0.2} {
		g := f
		g.bp += dp
		out = append(out, g)
	}
	for _, de := range []float64{-1e-3, 1e-3} {
		g := f
		g.e0 += de
		out = append(out, g)
	}
	return out
}

// quadraticFit solves the normal equations for E = c0 + c1 V + c2 V^2.
func quadraticFit(x, y []float64) (c0, c1, c2 float64, err error) {
	n := float64(len(x))
	var sx, sx2, sx3, sx4, sy, sxy, sx2y float64
	for i := range x {
		v := x[i]
		v2 := v * v
		sx += v
		sx2 += v2
		sx3 += v2 * v
		sx4 += v2 * v2
		sy += y[i]
		sxy += v * y[i]
		sx2y += v2 * y[i]
	}

	m := [3][4]float64{
		{n, sx, sx2, sy},
		{sx, sx2, sx3, sxy},
		{sx2, sx3, sx4, sx2y},
	}
	// Gaussian elimination with partial pivoting.
	for col := range 3 {
		pivot := col
		for r := col + 1; r < 3; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		m[col], m[pivot] = m[pivot], m[col]
		if math.Abs(m[col][col]) < 1e-30 {
			return 0, 0, 0, errors.New("singular system in quadratic fit")
		}
		for r := range 3 {
			if r == col {
				continue
			}
			factor := m[r][col] / m[col][col]
			for c := col; c < 4; c++ {
				m[r][c] -= factor * m[col][c]
			}
		}
	}
	return m[0][3] / m[0][0], m[1][3] / m[1][1], m[2][3] / m[2][2], nil
}
