// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"math"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// Unit conversions for MD in angstrom, femtosecond, amu, eV.
const (
	accelUnit   = 9.64853e-3  // (eV/angstrom/amu) to angstrom/fs^2
	kineticUnit = 103.6427    // amu*(angstrom/fs)^2 to eV
	kBoltzmann  = 8.617333e-5 // eV/K
)

// StabilityExecutor probes finite-temperature stability with a short
// molecular-dynamics protocol: optional relax, NVT equilibration, then
// NPT with a volume-collapse watchdog.
type StabilityExecutor struct {
	logger zerolog.Logger
}

func NewStabilityExecutor() *StabilityExecutor {
	return &StabilityExecutor{logger: log.WithComponent("executor.stability")}
}

func (e *StabilityExecutor) Type() task.Type { return task.TypeStability }

func (e *StabilityExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"run_optimization": true,
		"opt_fmax":         0.01,
		"opt_steps":        500,

		"nvt_steps":       1000,
		"nvt_timestep_fs": 1.0,
		"nvt_friction":    0.02,

		"npt_steps":        5000,
		"npt_timestep_fs":  1.0,
		"npt_friction":     0.02,
		"npt_pressure_bar": 1.0,

		"temperature_K": 300.0,
		"log_interval":  10,

		"volume_collapse_threshold": 0.5,
		"max_volume_change":         0.3,
	}
}

type mdStage struct {
	name          string
	completed     bool
	stepsRun      int
	initialVolume float64
	finalVolume   float64
	avgTemp       float64
	collapsed     bool
	err           string
}

func (s *mdStage) toMap() map[string]any {
	m := map[string]any{
		"name":              s.name,
		"completed":         s.completed,
		"steps_run":         s.stepsRun,
		"initial_volume_A3": s.initialVolume,
		"final_volume_A3":   s.finalVolume,
		"avg_temperature_K": s.avgTemp,
		"collapsed":         s.collapsed,
	}
	if s.initialVolume > 0 {
		m["volume_change_percent"] = (s.finalVolume - s.initialVolume) / s.initialVolume * 100
	}
	if s.err != "" {
		m["error"] = s.err
	}
	return m
}

func (e *StabilityExecutor) Run(ctx context.Context, a *Atoms, calc Calculator, params map[string]any) (*Result, error) {
	p := MergeParameters(e.DefaultParameters(), params)
	temperature := floatParam(p, "temperature_K", 300.0)

	e.logger.Info().
		Int("n_atoms", a.Len()).
		Float64("temperature", temperature).
		Msg("stability run started")

	var stages []map[string]any

	if boolParam(p, "run_optimization", true) {
		stage := mdStage{name: "optimization", initialVolume: a.Volume()}
		out, err := relax(ctx, a, calc, floatParam(p, "opt_fmax", 0.01), intParam(p, "opt_steps", 500), true)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			stage.err = err.Error()
			stages = append(stages, stage.toMap())
			return e.errorResult("optimization failed: "+err.Error(), stages), nil
		}
		stage.completed = true
		stage.stepsRun = out.steps
		stage.finalVolume = a.Volume()
		stages = append(stages, stage.toMap())
	}

	initialVolume := a.Volume()
	rng := rand.New(rand.NewSource(int64(intParam(p, "seed", 42))))
	vel := maxwellBoltzmann(a, temperature, rng)

	nvt, err := e.runMD(ctx, a, calc, vel, rng, mdConfig{
		name:        "nvt",
		steps:       intParam(p, "nvt_steps", 1000),
		timestepFS:  floatParam(p, "nvt_timestep_fs", 1.0),
		friction:    floatParam(p, "nvt_friction", 0.02),
		temperature: temperature,
		logInterval: intParam(p, "log_interval", 10),
	})
	stages = append(stages, nvt.toMap())
	if err != nil {
		return nil, err
	}
	if nvt.err != "" {
		return e.errorResult("NVT failed: "+nvt.err, stages), nil
	}

	npt, err := e.runMD(ctx, a, calc, vel, rng, mdConfig{
		name:              "npt",
		steps:             intParam(p, "npt_steps", 5000),
		timestepFS:        floatParam(p, "npt_timestep_fs", 1.0),
		friction:          floatParam(p, "npt_friction", 0.02),
		temperature:       temperature,
		logInterval:       intParam(p, "log_interval", 10),
		barostat:          true,
		collapseThreshold: floatParam(p, "volume_collapse_threshold", 0.5),
	})
	stages = append(stages, npt.toMap())
	if err != nil {
		return nil, err
	}
	if npt.err != "" {
		return e.errorResult("NPT failed: "+npt.err, stages), nil
	}

	finalVolume := a.Volume()
	totalChange := (finalVolume - initialVolume) / initialVolume

	collapseThreshold := floatParam(p, "volume_collapse_threshold", 0.5)
	maxChange := floatParam(p, "max_volume_change", 0.3)

	isCollapsed := npt.collapsed || totalChange < -collapseThreshold
	isStable := !isCollapsed && math.Abs(totalChange) < maxChange

	e.logger.Info().
		Bool("is_stable", isStable).
		Bool("is_collapsed", isCollapsed).
		Float64("volume_change_percent", totalChange*100).
		Msg("stability run completed")

	return &Result{
		Data: map[string]any{
			"is_stable":             isStable,
			"is_collapsed":          isCollapsed,
			"initial_volume_A3":     initialVolume,
			"final_volume_A3":       finalVolume,
			"volume_change_percent": totalChange * 100,
			"temperature_K":         temperature,
			"stages":                stages,
		},
		OutputFiles: map[string]string{},
	}, nil
}

func (e *StabilityExecutor) errorResult(msg string, stages []map[string]any) *Result {
	return &Result{
		Data: map[string]any{
			"is_stable":    false,
			"is_collapsed": false,
			"error":        msg,
			"stages":       stages,
		},
		OutputFiles: map[string]string{},
	}
}

// maxwellBoltzmann draws initial velocities for the target temperature.
func maxwellBoltzmann(a *Atoms, temperature float64, rng *rand.Rand) [][3]float64 {
	vel := make([][3]float64, a.Len())
	for i := range vel {
		m := MassOf(a.Symbols[i])
		sigma := math.Sqrt(kBoltzmann * temperature / (m * kineticUnit))
		for j := range 3 {
			vel[i][j] = rng.NormFloat64() * sigma
		}
	}
	return vel
}

func kineticTemperature(a *Atoms, vel [][3]float64) float64 {
	ke := 0.0
	for i, v := range vel {
		m := MassOf(a.Symbols[i])
		ke += 0.5 * m * (v[0]*v[0] + v[1]*v[1] + v[2]*v[2]) * kineticUnit
	}
	return ke / (1.5 * float64(a.Len()) * kBoltzmann)
}

type mdConfig struct {
	name              string
	steps             int
	timestepFS        float64
	friction          float64
	temperature       float64
	logInterval       int
	barostat          bool
	collapseThreshold float64
}

// runMD integrates Langevin dynamics; with the barostat enabled the cell
// is rescaled along the isotropic stress every logging interval.
func (e *StabilityExecutor) runMD(ctx context.Context, a *Atoms, calc Calculator, vel [][3]float64, rng *rand.Rand, cfg mdConfig) (*mdStage, error) {
	stage := &mdStage{name: cfg.name, initialVolume: a.Volume()}
	dt := cfg.timestepFS
	if cfg.logInterval <= 0 {
		cfg.logInterval = 10
	}

	var tempSum float64
	var tempCount int

	for step := 0; step < cfg.steps; step++ {
		if step%50 == 0 {
			if err := checkpoint(ctx); err != nil {
				return stage, err
			}
		}

		forces, err := calc.Forces(ctx, a)
		if err != nil {
			stage.err = err.Error()
			stage.stepsRun = step
			stage.finalVolume = a.Volume()
			return stage, nil
		}

		for i := range a.Positions {
			m := MassOf(a.Symbols[i])
			kick := math.Sqrt(2 * cfg.friction * kBoltzmann * cfg.temperature * dt / (m * kineticUnit))
			for j := range 3 {
				accel := forces[i][j] / m * accelUnit
				vel[i][j] += dt*(accel-cfg.friction*vel[i][j]) + kick*rng.NormFloat64()
				a.Positions[i][j] += dt * vel[i][j]
			}
		}

		if (step+1)%cfg.logInterval == 0 {
			tempSum += kineticTemperature(a, vel)
			tempCount++

			if cfg.barostat {
				stress, err := calc.Stress(ctx, a)
				if err != nil {
					stage.err = err.Error()
					stage.stepsRun = step + 1
					stage.finalVolume = a.Volume()
					return stage, nil
				}
				iso := (stress[0] + stress[1] + stress[2]) / 3
				scale := 1 - 0.01*iso
				if scale > 0.99 && scale < 1.01 {
					a.ScaleCell(scale)
				}
				if a.Volume() < stage.initialVolume*cfg.collapseThreshold {
					stage.collapsed = true
				}
			}
		}
	}

	stage.completed = true
	stage.stepsRun = cfg.steps
	stage.finalVolume = a.Volume()
	if tempCount > 0 {
		stage.avgTemp = tempSum / float64(tempCount)
	} else {
		stage.avgTemp = cfg.temperature
	}

	e.logger.Debug().
		Str("stage", cfg.name).
		Int("steps", cfg.steps).
		Float64("avg_temperature", stage.avgTemp).
		Bool("collapsed", stage.collapsed).
		Msg("md stage completed")
	return stage, nil
}
