// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mofsim/gpusched/internal/task"
)

// springCalc is a harmonic potential anchoring every atom to its
// equilibrium site. Anchors are captured on the first call per atom
// count, so supercells built during a run get their own reference.
type springCalc struct {
	mu      sync.Mutex
	k       float64
	anchors map[int][][3]float64
}

func newSpringCalc(k float64) *springCalc {
	return &springCalc{k: k, anchors: make(map[int][][3]float64)}
}

func (c *springCalc) presetAnchor(sites [][3]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchors[len(sites)] = append([][3]float64(nil), sites...)
}

func (c *springCalc) anchor(a *Atoms) [][3]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sites, ok := c.anchors[a.Len()]; ok {
		return sites
	}
	sites := append([][3]float64(nil), a.Positions...)
	c.anchors[a.Len()] = sites
	return sites
}

func (c *springCalc) Energy(_ context.Context, a *Atoms) (float64, error) {
	sites := c.anchor(a)
	e := 0.0
	for i, p := range a.Positions {
		for j := range 3 {
			d := p[j] - sites[i][j]
			e += 0.5 * c.k * d * d
		}
	}
	return e, nil
}

func (c *springCalc) Forces(_ context.Context, a *Atoms) ([][3]float64, error) {
	sites := c.anchor(a)
	forces := make([][3]float64, a.Len())
	for i, p := range a.Positions {
		for j := range 3 {
			forces[i][j] = -c.k * (p[j] - sites[i][j])
		}
	}
	return forces, nil
}

func (c *springCalc) Stress(_ context.Context, _ *Atoms) ([6]float64, error) {
	return [6]float64{}, nil
}

func cubicAtoms(symbols []string, positions [][3]float64, edge float64) *Atoms {
	return &Atoms{
		Symbols:   symbols,
		Positions: positions,
		Cell:      [3][3]float64{{edge, 0, 0}, {0, edge, 0}, {0, 0, edge}},
		PBC:       true,
	}
}

func TestOptimization_ConvergesToAnchor(t *testing.T) {
	calc := newSpringCalc(5.0)
	sites := [][3]float64{{1, 1, 1}, {3, 3, 3}}
	calc.presetAnchor(sites)

	a := cubicAtoms([]string{"O", "O"}, [][3]float64{
		{1.3, 0.8, 1.1}, {2.7, 3.2, 3.3},
	}, 6)

	res, err := NewOptimizationExecutor().Run(context.Background(), a, calc, map[string]any{"filter": "none"})
	require.NoError(t, err)

	require.Equal(t, true, res.Data["converged"])
	require.Less(t, res.Data["final_fmax"].(float64), 0.01)
	require.InDelta(t, 0.0, res.Data["final_energy_eV"].(float64), 1e-3)
	require.Greater(t, res.Data["rmsd_from_initial"].(float64), 0.0)
	require.InDelta(t, 216.0, res.Data["final_volume_A3"].(float64), 1e-9)
}

func TestOptimization_RejectsUnknownOptimizer(t *testing.T) {
	a := cubicAtoms([]string{"O"}, [][3]float64{{0, 0, 0}}, 4)
	_, err := NewOptimizationExecutor().Run(context.Background(), a, newSpringCalc(1), map[string]any{"optimizer": "CG"})
	require.ErrorIs(t, err, task.ErrValidation)
}

func TestOptimization_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := cubicAtoms([]string{"O"}, [][3]float64{{0.5, 0, 0}}, 4)
	calc := newSpringCalc(5.0)
	calc.presetAnchor([][3]float64{{0, 0, 0}})

	_, err := NewOptimizationExecutor().Run(ctx, a, calc, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStability_StableHarmonicCrystal(t *testing.T) {
	calc := newSpringCalc(5.0)
	sites := [][3]float64{{0, 0, 0}, {2, 2, 2}}
	calc.presetAnchor(sites)

	a := cubicAtoms([]string{"O", "O"}, [][3]float64{{0, 0, 0}, {2, 2, 2}}, 4)

	res, err := NewStabilityExecutor().Run(context.Background(), a, calc, map[string]any{
		"nvt_steps":     60,
		"npt_steps":     60,
		"opt_steps":     50,
		"temperature_K": 50.0,
	})
	require.NoError(t, err)

	require.Equal(t, true, res.Data["is_stable"])
	require.Equal(t, false, res.Data["is_collapsed"])

	stages := res.Data["stages"].([]map[string]any)
	require.Len(t, stages, 3)
	require.Equal(t, "optimization", stages[0]["name"])
	require.Equal(t, "nvt", stages[1]["name"])
	require.Equal(t, "npt", stages[2]["name"])
	for _, stage := range stages {
		require.Equal(t, true, stage["completed"], "stage %v", stage["name"])
	}
	require.Greater(t, stages[2]["avg_temperature_K"].(float64), 0.0)
}

// bmCalc serves an analytic Birch-Murnaghan energy surface.
type bmCalc struct {
	fit eosFit
}

func (c *bmCalc) Energy(_ context.Context, a *Atoms) (float64, error) {
	return birchMurnaghanEnergy(a.Volume(), c.fit), nil
}

func (c *bmCalc) Forces(_ context.Context, a *Atoms) ([][3]float64, error) {
	return make([][3]float64, a.Len()), nil
}

func (c *bmCalc) Stress(_ context.Context, _ *Atoms) ([6]float64, error) {
	return [6]float64{}, nil
}

func TestBulkModulus_RecoversAnalyticEOS(t *testing.T) {
	truth := eosFit{e0: -120.0, v0: 1000.0, b0: 0.5, bp: 4.2}
	calc := &bmCalc{fit: truth}

	a := cubicAtoms([]string{"Zn", "O"}, [][3]float64{{0, 0, 0}, {2.5, 2.5, 2.5}}, 10)

	res, err := NewBulkModulusExecutor().Run(context.Background(), a, calc, map[string]any{
		"optimize_atoms": false,
	})
	require.NoError(t, err)

	require.Equal(t, true, res.Data["fit_success"])
	require.InEpsilon(t, truth.b0*eVPerA3ToGPa, res.Data["B0_GPa"].(float64), 0.1)
	require.InEpsilon(t, truth.v0, res.Data["V0_A3"].(float64), 0.02)
	require.InDelta(t, truth.e0, res.Data["E0_eV"].(float64), 0.05)
	require.Equal(t, 7, res.Data["n_points"])
	require.Len(t, res.Data["strain_results"].([]map[string]any), 7)
}

func TestBulkModulus_FitFailureReported(t *testing.T) {
	// A linear energy surface has no minimum to fit.
	calc := &bmCalc{fit: eosFit{e0: 0, v0: 1e9, b0: 1e-12, bp: 4}}
	a := cubicAtoms([]string{"O"}, [][3]float64{{0, 0, 0}}, 10)

	res, err := NewBulkModulusExecutor().Run(context.Background(), a, calc, map[string]any{
		"optimize_atoms": false,
	})
	require.NoError(t, err)
	require.Equal(t, false, res.Data["fit_success"])
	require.NotEmpty(t, res.Data["fit_error"])
}

func TestHeatCapacity_ClassicalLimit(t *testing.T) {
	calc := newSpringCalc(5.0)
	a := cubicAtoms([]string{"O"}, [][3]float64{{0, 0, 0}}, 4)
	calc.presetAnchor(a.Positions)

	res, err := NewHeatCapacityExecutor().Run(context.Background(), a, calc, map[string]any{
		"temperature": 3000.0,
	})
	require.NoError(t, err)

	// Approaching the Dulong-Petit limit of 3 kB/atom at high temperature.
	cv := res.Data["Cv_kB_per_atom"].(float64)
	require.Greater(t, cv, 2.9)
	require.Less(t, cv, 3.0)

	require.Equal(t, 1, res.Data["n_atoms"])
	require.Equal(t, 6, res.Data["n_displacements"])
	thermal := res.Data["thermal_properties"].(map[string]any)
	require.InDelta(t, 3000.0, thermal["temperature_K"].(float64), 1e-9)
	require.Greater(t, thermal["entropy_J_mol_K"].(float64), 0.0)
}

// countCalc makes energy a pure function of atom count, so interaction
// energies are exactly predictable.
type countCalc struct{}

func (countCalc) Energy(_ context.Context, a *Atoms) (float64, error) {
	n := float64(a.Len())
	return -0.1 * n * n, nil
}

func (countCalc) Forces(_ context.Context, a *Atoms) ([][3]float64, error) {
	return make([][3]float64, a.Len()), nil
}

func (countCalc) Stress(_ context.Context, _ *Atoms) ([6]float64, error) {
	return [6]float64{}, nil
}

func TestInteractionEnergy_CountingPotential(t *testing.T) {
	// Host atoms at the cell corners keep grid midpoints clear.
	host := cubicAtoms(
		[]string{"Zn", "Zn", "Zn", "Zn", "O", "O", "O", "O"},
		[][3]float64{
			{0, 0, 0}, {8, 0, 0}, {0, 8, 0}, {0, 0, 8},
			{8, 8, 0}, {8, 0, 8}, {0, 8, 8}, {8, 8, 8},
		}, 8)

	res, err := NewInteractionEnergyExecutor().Run(context.Background(), host, countCalc{}, map[string]any{
		"gas_molecule":  "CO2",
		"n_grid_points": []int{2, 2, 2},
		"optimize_gas":  false,
	})
	require.NoError(t, err)

	// E_int = -0.1((8+3)^2 - 8^2 - 3^2) = -4.8
	require.InDelta(t, -4.8, res.Data["E_interaction_eV"].(float64), 1e-9)
	require.InDelta(t, -6.4, res.Data["E_mof_eV"].(float64), 1e-9)
	require.InDelta(t, -0.9, res.Data["E_gas_eV"].(float64), 1e-9)
	require.Equal(t, "CO2", res.Data["gas_molecule"])
	require.Equal(t, 8, res.Data["n_positions_scanned"])
}

func TestInteractionEnergy_UnknownGas(t *testing.T) {
	host := cubicAtoms([]string{"O"}, [][3]float64{{0, 0, 0}}, 8)
	_, err := NewInteractionEnergyExecutor().Run(context.Background(), host, countCalc{}, map[string]any{
		"gas_molecule": "XeF6",
	})
	require.ErrorIs(t, err, task.ErrValidation)
}

func TestSinglePoint_DoesNotMutateInput(t *testing.T) {
	calc := newSpringCalc(2.0)
	calc.presetAnchor([][3]float64{{0, 0, 0}})

	a := cubicAtoms([]string{"O"}, [][3]float64{{0.5, 0, 0}}, 4)
	before := a.Positions[0]

	res, err := NewSinglePointExecutor().Run(context.Background(), a, calc, nil)
	require.NoError(t, err)
	require.Equal(t, before, a.Positions[0])

	require.InDelta(t, 0.25, res.Data["energy_eV"].(float64), 1e-9)
	require.Equal(t, 1, res.Data["n_atoms"])
	require.Equal(t, "O", res.Data["formula"])
	require.InDelta(t, 64.0, res.Data["volume_A3"].(float64), 1e-9)

	forces := res.Data["forces"].(map[string]any)
	require.InDelta(t, 1.0, forces["fmax_eV_A"].(float64), 1e-9)

	stress := res.Data["stress"].(map[string]any)
	require.InDelta(t, 0.0, stress["pressure_GPa"].(float64), 1e-9)
}

func TestMergeParameters(t *testing.T) {
	defaults := map[string]any{"fmax": 0.01, "steps": 500}
	merged := MergeParameters(defaults, map[string]any{"fmax": 0.05, "extra": true})

	require.Equal(t, 0.05, merged["fmax"])
	require.Equal(t, 500, merged["steps"])
	require.Equal(t, true, merged["extra"])
	// Defaults map stays untouched.
	require.Equal(t, 0.01, defaults["fmax"])
}

func TestRegistry_AllTypesWired(t *testing.T) {
	r := NewRegistry()
	for _, tt := range task.Types {
		e, err := r.ForType(tt)
		require.NoError(t, err)
		require.Equal(t, tt, e.Type())
	}
	_, err := r.ForType(task.Type("quantum_espresso"))
	require.ErrorIs(t, err, task.ErrValidation)
}

func TestAtoms_Geometry(t *testing.T) {
	a := cubicAtoms([]string{"C", "O"}, [][3]float64{{0, 0, 0}, {1, 1, 1}}, 3)

	require.InDelta(t, 27.0, a.Volume(), 1e-12)
	require.Equal(t, [3]float64{3, 3, 3}, a.CellLengths())
	angles := a.CellAngles()
	for _, ang := range angles {
		require.InDelta(t, 90.0, ang, 1e-9)
	}
	require.Equal(t, "CO", a.Formula())

	sc := a.Supercell(2, 2, 2)
	require.Equal(t, 16, sc.Len())
	require.InDelta(t, 216.0, sc.Volume(), 1e-9)
	// First primitive image keeps the original positions.
	require.Equal(t, a.Positions[0], sc.Positions[0])
	require.Equal(t, a.Positions[1], sc.Positions[1])

	b := a.Copy()
	b.ScaleCell(2)
	require.InDelta(t, 216.0, b.Volume(), 1e-9)
	require.Equal(t, [3]float64{2, 2, 2}, b.Positions[1])
	// Copy is independent of the original.
	require.Equal(t, [3]float64{1, 1, 1}, a.Positions[1])
}

func TestMaxForceAndRMSD(t *testing.T) {
	forces := [][3]float64{{0, 0, 0}, {3, 4, 0}}
	require.InDelta(t, 5.0, MaxForce(forces), 1e-12)

	rmsd, ok := RMSD([][3]float64{{0, 0, 0}}, [][3]float64{{1, 0, 0}})
	require.True(t, ok)
	require.InDelta(t, 1.0/math.Sqrt(3), rmsd, 1e-12)

	_, ok = RMSD([][3]float64{{0, 0, 0}}, nil)
	require.False(t, ok)
}
