// SPDX-License-Identifier: MIT

package sched

import (
	"time"

	"github.com/mofsim/gpusched/internal/gpu"
)

// Placement scoring weights. Model residency dominates so repeat work
// lands where the weights already are.
const (
	scoreModelResident = 100.0
	scoreFreeCacheSlot = 50.0
	scoreMemoryWeight  = 40.0
	scoreTempWeight    = 20.0
	scoreIdleWeight    = 10.0

	idleSaturation = 60 * time.Second
)

// scoreGPU rates one free device for a task wanting the given model.
func scoreGPU(st *gpu.State, model string, maxModels int, now time.Time) float64 {
	score := 0.0

	if st.HasModel(model) {
		score += scoreModelResident
	} else if len(st.LoadedModels) < maxModels {
		score += scoreFreeCacheSlot
	}

	if st.MemoryTotalMB > 0 {
		score += scoreMemoryWeight * float64(st.MemoryFreeMB) / float64(st.MemoryTotalMB)
	}

	temp := float64(st.TemperatureC)
	if temp < 0 {
		temp = 0
	} else if temp > 100 {
		temp = 100
	}
	score += scoreTempWeight * (100 - temp) / 100

	if st.LastCompleted.IsZero() {
		// Never used: treat as fully idle.
		score += scoreIdleWeight
	} else {
		idle := now.Sub(st.LastCompleted)
		frac := float64(idle) / float64(idleSaturation)
		if frac > 1 {
			frac = 1
		}
		score += scoreIdleWeight * frac
	}
	return score
}

// SelectBestGPU picks the highest-scoring eligible device among the
// candidates. Eligibility is the memory admission check; ties go to the
// lower index for determinism.
func (s *Scheduler) SelectBestGPU(candidates []gpu.State, model string, requiredMB int) (int, bool) {
	now := time.Now().UTC()
	bestIdx := -1
	bestScore := 0.0
	for i := range candidates {
		st := &candidates[i]
		if !s.gpus.CheckMemoryAvailable(st.Index, requiredMB) {
			continue
		}
		score := scoreGPU(st, model, s.maxModels, now)
		if bestIdx == -1 || score > bestScore {
			bestIdx = st.Index
			bestScore = score
		}
	}
	return bestIdx, bestIdx >= 0
}
