// SPDX-License-Identifier: MIT

// Package sched assigns queued tasks to GPUs.
package sched

import (
	"sync"

	"github.com/mofsim/gpusched/internal/task"
)

// defaultModelBaseMB is assumed for models without a catalog estimate.
const defaultModelBaseMB = 4000

// perAtomMB grows the estimate with structure size.
const perAtomMB = 2

// typeMultipliers scale the base footprint by workload kind. Molecular
// dynamics and phonon runs hold more intermediate state than a single
// inference pass.
var typeMultipliers = map[task.Type]float64{
	task.TypeOptimization:      1.2,
	task.TypeStability:         1.5,
	task.TypeBulkModulus:       1.3,
	task.TypeHeatCapacity:      2.0,
	task.TypeInteractionEnergy: 1.2,
	task.TypeSinglePoint:       1.0,
}

// Estimator predicts the GPU memory a task will need. Estimates start
// from the catalog and are corrected upward at runtime after OOM events.
type Estimator struct {
	mu        sync.RWMutex
	modelBase map[string]int // MiB
}

// NewEstimator seeds per-model base footprints in MiB.
func NewEstimator(modelBase map[string]int) *Estimator {
	base := make(map[string]int, len(modelBase))
	for k, v := range modelBase {
		base[k] = v
	}
	return &Estimator{modelBase: base}
}

// EstimateMB returns the predicted footprint in MiB.
func (e *Estimator) EstimateMB(model string, taskType task.Type, atomCount int) int {
	e.mu.RLock()
	base, ok := e.modelBase[model]
	e.mu.RUnlock()
	if !ok {
		base = defaultModelBaseMB
	}

	mult, ok := typeMultipliers[taskType]
	if !ok {
		mult = 1.0
	}
	return int(float64(base+atomCount*perAtomMB) * mult)
}

// UpdateModelEstimate raises a model's base footprint after an observed
// overshoot. Estimates never shrink; a single quiet run does not
// invalidate an OOM observation.
func (e *Estimator) UpdateModelEstimate(model string, observedMB int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.modelBase[model]; !ok || observedMB > current {
		e.modelBase[model] = observedMB
	}
}

// BaseMB exposes the current base estimate, mostly for introspection.
func (e *Estimator) BaseMB(model string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if base, ok := e.modelBase[model]; ok {
		return base
	}
	return defaultModelBaseMB
}
