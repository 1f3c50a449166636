// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"

	"github.com/mofsim/gpusched/internal/task"
)

// Calculator evaluates a structure with a machine-learned potential.
// Energies are eV, forces eV/angstrom, stress in Voigt order
// (xx, yy, zz, yz, xz, xy) in eV per cubic angstrom.
type Calculator interface {
	Energy(ctx context.Context, a *Atoms) (float64, error)
	Forces(ctx context.Context, a *Atoms) ([][3]float64, error)
	Stress(ctx context.Context, a *Atoms) ([6]float64, error)
}

// Result carries the typed payload and output file references of one run.
type Result struct {
	Data        map[string]any
	OutputFiles map[string]string
}

// Executor runs one task type end to end.
type Executor interface {
	Type() task.Type
	DefaultParameters() map[string]any
	Run(ctx context.Context, a *Atoms, calc Calculator, params map[string]any) (*Result, error)
}

// MergeParameters overlays caller parameters on the defaults. Unknown
// caller keys pass through untouched.
func MergeParameters(defaults, caller map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(caller))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range caller {
		merged[k] = v
	}
	return merged
}

// checkpoint observes cancellation between expensive steps.
func checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Parameter accessors tolerate the numeric types JSON decoding produces.

func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func boolParam(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intSliceParam(params map[string]any, key string, fallback []int) []int {
	switch v := params[key].(type) {
	case []int:
		return v
	case []any:
		out := make([]int, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			default:
				return fallback
			}
		}
		return out
	default:
		return fallback
	}
}

func floatSliceParam(params map[string]any, key string) []float64 {
	switch v := params[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			default:
				return nil
			}
		}
		return out
	default:
		return nil
	}
}

// Registry resolves executors by task type.
type Registry struct {
	byType map[task.Type]Executor
}

// NewRegistry wires every built-in executor.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[task.Type]Executor)}
	for _, e := range []Executor{
		NewOptimizationExecutor(),
		NewStabilityExecutor(),
		NewBulkModulusExecutor(),
		NewHeatCapacityExecutor(),
		NewInteractionEnergyExecutor(),
		NewSinglePointExecutor(),
	} {
		r.byType[e.Type()] = e
	}
	return r
}

// ForType returns the executor for a task type.
func (r *Registry) ForType(t task.Type) (Executor, error) {
	e, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("%w: no executor for task type %q", task.ErrValidation, t)
	}
	return e, nil
}
