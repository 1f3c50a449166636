// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// gasMolecules is the built-in guest library. Geometries are gas-phase
// equilibrium structures in angstrom.
var gasMolecules = map[string]struct {
	symbols   []string
	positions [][3]float64
}{
	"H2": {
		symbols:   []string{"H", "H"},
		positions: [][3]float64{{0, 0, 0}, {0, 0, 0.74}},
	},
	"CO2": {
		symbols:   []string{"C", "O", "O"},
		positions: [][3]float64{{0, 0, 0}, {0, 0, 1.16}, {0, 0, -1.16}},
	},
	"CH4": {
		symbols: []string{"C", "H", "H", "H", "H"},
		positions: [][3]float64{
			{0, 0, 0},
			{0.629, 0.629, 0.629},
			{-0.629, -0.629, 0.629},
			{-0.629, 0.629, -0.629},
			{0.629, -0.629, -0.629},
		},
	},
	"N2": {
		symbols:   []string{"N", "N"},
		positions: [][3]float64{{0, 0, 0}, {0, 0, 1.10}},
	},
	"H2O": {
		symbols:   []string{"O", "H", "H"},
		positions: [][3]float64{{0, 0, 0}, {0.757, 0.587, 0}, {-0.757, 0.587, 0}},
	},
	"CO": {
		symbols:   []string{"C", "O"},
		positions: [][3]float64{{0, 0, 0}, {0, 0, 1.13}},
	},
	"NH3": {
		symbols: []string{"N", "H", "H", "H"},
		positions: [][3]float64{
			{0, 0, 0},
			{0, 0.94, 0.38},
			{0.81, -0.47, 0.38},
			{-0.81, -0.47, 0.38},
		},
	},
}

// GasMolecules lists the built-in guest names.
func GasMolecules() []string {
	names := make([]string, 0, len(gasMolecules))
	for n := range gasMolecules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InteractionEnergyExecutor scans guest placements in a host framework
// and reports E_total - E_host - E_guest at the best site.
type InteractionEnergyExecutor struct {
	logger zerolog.Logger
}

func NewInteractionEnergyExecutor() *InteractionEnergyExecutor {
	return &InteractionEnergyExecutor{logger: log.WithComponent("executor.interaction_energy")}
}

func (e *InteractionEnergyExecutor) Type() task.Type { return task.TypeInteractionEnergy }

func (e *InteractionEnergyExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"gas_molecule":    "CO2",
		"positions":       "grid",
		"n_grid_points":   []int{3, 3, 3},
		"n_random_points": 20,
		"optimize_gas":    true,
		"opt_fmax":        0.05,
		"opt_steps":       100,
		"min_distance":    2.0,
	}
}

func (e *InteractionEnergyExecutor) Run(ctx context.Context, a *Atoms, calc Calculator, params map[string]any) (*Result, error) {
	p := MergeParameters(e.DefaultParameters(), params)

	gasName := stringParam(p, "gas_molecule", "CO2")
	gas, ok := gasMolecules[gasName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown gas molecule %q, available: %v",
			task.ErrValidation, gasName, GasMolecules())
	}

	host := a.Copy()
	hostEnergy, err := calc.Energy(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: host energy: %w", task.ErrExecutorFailure, err)
	}

	// Isolated guest in a large box.
	isolated := &Atoms{
		Symbols:   append([]string(nil), gas.symbols...),
		Positions: append([][3]float64(nil), gas.positions...),
		Cell:      [3][3]float64{{20, 0, 0}, {0, 20, 0}, {0, 0, 20}},
		PBC:       true,
	}
	isolated.Translate([3]float64{10, 10, 10})
	gasEnergy, err := calc.Energy(ctx, isolated)
	if err != nil {
		return nil, fmt.Errorf("%w: guest energy: %w", task.ErrExecutorFailure, err)
	}

	sites, err := e.placementSites(host, p)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("gas", gasName).
		Int("n_positions", len(sites)).
		Msg("interaction energy scan started")

	minDist := floatParam(p, "min_distance", 2.0)
	var scanned []map[string]any
	var bestEnergy = math.Inf(1)
	var bestPosition [3]float64

	for _, site := range sites {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}

		combined, skipped := placeGuest(host, gas.symbols, gas.positions, site, minDist)
		if skipped {
			continue
		}

		if boolParam(p, "optimize_gas", true) {
			if err := relaxGuest(ctx, combined, host.Len(), calc,
				floatParam(p, "opt_fmax", 0.05), intParam(p, "opt_steps", 100)); err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				continue
			}
		}

		total, err := calc.Energy(ctx, combined)
		if err != nil {
			continue
		}
		interaction := total - hostEnergy - gasEnergy

		guestCentroid := centroidOf(combined.Positions[host.Len():])
		scanned = append(scanned, map[string]any{
			"position":         []float64{guestCentroid[0], guestCentroid[1], guestCentroid[2]},
			"E_interaction_eV": interaction,
		})
		if interaction < bestEnergy {
			bestEnergy = interaction
			bestPosition = guestCentroid
		}
	}

	if len(scanned) == 0 {
		return &Result{
			Data: map[string]any{
				"error":            "all placements failed",
				"E_interaction_eV": nil,
			},
			OutputFiles: map[string]string{},
		}, nil
	}

	sort.Slice(scanned, func(i, j int) bool {
		return scanned[i]["E_interaction_eV"].(float64) < scanned[j]["E_interaction_eV"].(float64)
	})
	top := scanned
	if len(top) > 10 {
		top = top[:10]
	}

	e.logger.Info().
		Float64("E_interaction_eV", bestEnergy).
		Int("n_positions_scanned", len(scanned)).
		Msg("interaction energy scan completed")

	return &Result{
		Data: map[string]any{
			"E_mof_eV":            hostEnergy,
			"E_gas_eV":            gasEnergy,
			"E_interaction_eV":    bestEnergy,
			"best_position":       []float64{bestPosition[0], bestPosition[1], bestPosition[2]},
			"gas_molecule":        gasName,
			"n_positions_scanned": len(scanned),
			"all_results":         top,
		},
		OutputFiles: map[string]string{},
	}, nil
}

func (e *InteractionEnergyExecutor) placementSites(host *Atoms, p map[string]any) ([][3]float64, error) {
	switch method := stringParam(p, "positions", "grid"); method {
	case "grid":
		n := intSliceParam(p, "n_grid_points", []int{3, 3, 3})
		if len(n) != 3 {
			return nil, fmt.Errorf("%w: n_grid_points must have 3 entries", task.ErrValidation)
		}
		var sites [][3]float64
		for i := range n[0] {
			for j := range n[1] {
				for k := range n[2] {
					frac := [3]float64{
						(float64(i) + 0.5) / float64(n[0]),
						(float64(j) + 0.5) / float64(n[1]),
						(float64(k) + 0.5) / float64(n[2]),
					}
					sites = append(sites, host.Cartesian(frac))
				}
			}
		}
		return sites, nil

	case "random":
		rng := rand.New(rand.NewSource(int64(intParam(p, "seed", 42))))
		count := intParam(p, "n_random_points", 20)
		sites := make([][3]float64, 0, count)
		for range count {
			frac := [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}
			sites = append(sites, host.Cartesian(frac))
		}
		return sites, nil

	case "specified":
		raw, ok := p["specified_positions"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: specified_positions required for positions=specified", task.ErrValidation)
		}
		sites := make([][3]float64, 0, len(raw))
		for _, r := range raw {
			point, ok := r.([]any)
			if !ok || len(point) != 3 {
				return nil, fmt.Errorf("%w: positions must be [x,y,z] triples", task.ErrValidation)
			}
			var site [3]float64
			for i, c := range point {
				f, ok := c.(float64)
				if !ok {
					return nil, fmt.Errorf("%w: position coordinates must be numbers", task.ErrValidation)
				}
				site[i] = f
			}
			sites = append(sites, site)
		}
		return sites, nil

	default:
		return nil, fmt.Errorf("%w: unknown position method %q", task.ErrValidation, method)
	}
}

// placeGuest centers the guest at the site and merges it into a copy of
// the host. Placements violating the minimum framework distance are
// skipped.
func placeGuest(host *Atoms, symbols []string, positions [][3]float64, site [3]float64, minDist float64) (*Atoms, bool) {
	guestCentroid := centroidOf(positions)
	shifted := make([][3]float64, len(positions))
	for i, pos := range positions {
		for j := range 3 {
			shifted[i][j] = pos[j] - guestCentroid[j] + site[j]
		}
	}

	for _, gp := range shifted {
		for _, hp := range host.Positions {
			dx := hp[0] - gp[0]
			dy := hp[1] - gp[1]
			dz := hp[2] - gp[2]
			if math.Sqrt(dx*dx+dy*dy+dz*dz) < minDist {
				return nil, true
			}
		}
	}

	combined := host.Copy()
	combined.Symbols = append(combined.Symbols, symbols...)
	combined.Positions = append(combined.Positions, shifted...)
	return combined, false
}

// relaxGuest relaxes guest atoms only; the host stays frozen.
func relaxGuest(ctx context.Context, a *Atoms, hostLen int, calc Calculator, fmaxTol float64, maxSteps int) error {
	energy, err := calc.Energy(ctx, a)
	if err != nil {
		return err
	}
	step := initialStep
	for range maxSteps {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		forces, err := calc.Forces(ctx, a)
		if err != nil {
			return err
		}
		if MaxForce(forces[hostLen:]) < fmaxTol {
			return nil
		}
		prev := append([][3]float64(nil), a.Positions...)
		for i := hostLen; i < a.Len(); i++ {
			for j := range 3 {
				a.Positions[i][j] += step * forces[i][j]
			}
		}
		next, err := calc.Energy(ctx, a)
		if err != nil {
			return err
		}
		if next > energy {
			a.Positions = prev
			step /= 2
		} else {
			energy = next
			step = min(step*1.1, maxStep)
		}
	}
	return nil
}

func centroidOf(positions [][3]float64) [3]float64 {
	var c [3]float64
	for _, p := range positions {
		for j := range 3 {
			c[j] += p[j]
		}
	}
	n := float64(len(positions))
	for j := range 3 {
		c[j] /= n
	}
	return c
}
