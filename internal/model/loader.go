// SPDX-License-Identifier: MIT

package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/executor"
	"github.com/mofsim/gpusched/internal/log"
)

var (
	modelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusched",
		Subsystem: "model",
		Name:      "loads_total",
		Help:      "Model load attempts by outcome.",
	}, []string{"outcome"})

	modelsResident = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpusched",
		Subsystem: "model",
		Name:      "resident",
		Help:      "Calculators currently resident across all GPUs.",
	})
)

// Loader resolves a (model, gpu) pair to a ready calculator.
type Loader interface {
	// Calculator returns a cached calculator or loads one.
	Calculator(ctx context.Context, name string, gpuID int) (executor.Calculator, error)
	// Unload drops a resident calculator. gpuID -1 drops every GPU.
	Unload(name string, gpuID int) bool
	// Resident lists resident (model, gpu) pairs.
	Resident() map[string][]int
}

// Backend materializes a calculator for a catalog record on one GPU.
// Production backends shell into the inference runtime; tests install
// stubs.
type Backend func(ctx context.Context, rec *Record, gpuID int) (executor.Calculator, error)

type residentKey struct {
	name  string
	gpuID int
}

type residentModel struct {
	calc     executor.Calculator
	loadedAt time.Time
	lastUsed time.Time
	useCount int
}

// CachingLoader caches calculators per (model, gpu) and keeps the
// registry's load state in sync.
type CachingLoader struct {
	mu       sync.Mutex
	registry *Registry
	backend  Backend
	resident map[residentKey]*residentModel
	logger   zerolog.Logger
}

// NewCachingLoader wires a loader over the catalog and a backend.
func NewCachingLoader(registry *Registry, backend Backend) *CachingLoader {
	return &CachingLoader{
		registry: registry,
		backend:  backend,
		resident: make(map[residentKey]*residentModel),
		logger:   log.WithComponent("model.loader"),
	}
}

var _ Loader = (*CachingLoader)(nil)

// Calculator returns the resident calculator, loading on a cache miss.
func (l *CachingLoader) Calculator(ctx context.Context, name string, gpuID int) (executor.Calculator, error) {
	key := residentKey{name: name, gpuID: gpuID}

	l.mu.Lock()
	if rm, ok := l.resident[key]; ok {
		rm.lastUsed = time.Now().UTC()
		rm.useCount++
		l.mu.Unlock()
		l.logger.Debug().
			Str(log.FieldModel, name).
			Int(log.FieldGPUID, gpuID).
			Msg("model cache hit")
		return rm.calc, nil
	}
	l.mu.Unlock()

	rec, err := l.registry.Get(name)
	if err != nil {
		modelLoads.WithLabelValues("unknown").Inc()
		return nil, err
	}
	if rec.Status == StatusDisabled {
		modelLoads.WithLabelValues("disabled").Inc()
		return nil, fmt.Errorf("model %q is disabled", name)
	}

	if err := l.registry.UpdateStatus(name, StatusLoading, gpuID); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str(log.FieldModel, name).
		Str("family", string(rec.Family)).
		Int(log.FieldGPUID, gpuID).
		Msg("loading model")

	start := time.Now()
	calc, err := l.backend(ctx, rec, gpuID)
	if err != nil {
		modelLoads.WithLabelValues("error").Inc()
		_ = l.registry.UpdateStatus(name, StatusError, gpuID)
		return nil, fmt.Errorf("load model %q on gpu %d: %w", name, gpuID, err)
	}

	now := time.Now().UTC()
	l.mu.Lock()
	l.resident[key] = &residentModel{calc: calc, loadedAt: now, lastUsed: now, useCount: 1}
	modelsResident.Set(float64(len(l.resident)))
	l.mu.Unlock()

	modelLoads.WithLabelValues("ok").Inc()
	if err := l.registry.UpdateStatus(name, StatusLoaded, gpuID); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str(log.FieldModel, name).
		Int(log.FieldGPUID, gpuID).
		Dur("load_time", time.Since(start)).
		Msg("model loaded")
	return calc, nil
}

// Unload evicts a resident calculator and returns whether anything was
// dropped.
func (l *CachingLoader) Unload(name string, gpuID int) bool {
	l.mu.Lock()
	var dropped []residentKey
	for key := range l.resident {
		if key.name == name && (gpuID < 0 || key.gpuID == gpuID) {
			dropped = append(dropped, key)
		}
	}
	for _, key := range dropped {
		delete(l.resident, key)
	}
	modelsResident.Set(float64(len(l.resident)))
	l.mu.Unlock()

	for _, key := range dropped {
		_ = l.registry.UpdateStatus(name, StatusAvailable, key.gpuID)
		l.logger.Info().
			Str(log.FieldModel, name).
			Int(log.FieldGPUID, key.gpuID).
			Msg("model unloaded")
	}
	return len(dropped) > 0
}

// Resident lists resident models and the GPUs they occupy.
func (l *CachingLoader) Resident() map[string][]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]int)
	for key := range l.resident {
		out[key.name] = append(out[key.name], key.gpuID)
	}
	return out
}

// PruneIdle evicts calculators unused for longer than maxIdle and
// returns the eviction count.
func (l *CachingLoader) PruneIdle(maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)

	l.mu.Lock()
	var stale []residentKey
	for key, rm := range l.resident {
		if rm.lastUsed.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	l.mu.Unlock()

	count := 0
	for _, key := range stale {
		if l.Unload(key.name, key.gpuID) {
			count++
		}
	}
	return count
}
