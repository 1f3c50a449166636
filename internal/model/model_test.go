// SPDX-License-Identifier: MIT

package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mofsim/gpusched/internal/executor"
	"github.com/mofsim/gpusched/internal/task"
)

type stubCalc struct{ name string }

func (stubCalc) Energy(context.Context, *executor.Atoms) (float64, error)       { return 0, nil }
func (stubCalc) Forces(_ context.Context, a *executor.Atoms) ([][3]float64, error) {
	return make([][3]float64, a.Len()), nil
}
func (stubCalc) Stress(context.Context, *executor.Atoms) ([6]float64, error) { return [6]float64{}, nil }

func TestRegistry_Builtins(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	rec, err := r.Get("mace_prod")
	require.NoError(t, err)
	require.Equal(t, FamilyMACE, rec.Family)
	require.Equal(t, "MACE-MP-0 Medium", rec.DisplayName)
	require.Equal(t, 4096, rec.MemoryMB())
	require.Equal(t, StatusAvailable, rec.Status)

	_, err = r.Get("nonexistent")
	require.ErrorIs(t, err, task.ErrNotFound)

	require.True(t, r.Exists("orb_prod"))
	require.False(t, r.Exists("nonexistent"))

	require.NotEmpty(t, r.ByFamily(FamilySevenNet))
	require.Len(t, r.All(), len(builtinModels))
}

func TestRegistry_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calculators.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mace_prod:
  memory_gb: 12.0
orb_prod:
  disabled: true
`), 0o644))

	r, err := NewRegistry(path)
	require.NoError(t, err)

	rec, err := r.Get("mace_prod")
	require.NoError(t, err)
	require.Equal(t, 12.0, rec.MemoryGB)

	rec, err = r.Get("orb_prod")
	require.NoError(t, err)
	require.Equal(t, StatusDisabled, rec.Status)
	require.False(t, r.Exists("orb_prod"))
}

func TestRegistry_StatusTracking(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	require.NoError(t, r.UpdateStatus("mace_prod", StatusLoaded, 0))
	require.NoError(t, r.UpdateStatus("mace_prod", StatusLoaded, 1))
	// Idempotent for the same GPU.
	require.NoError(t, r.UpdateStatus("mace_prod", StatusLoaded, 0))

	rec, err := r.Get("mace_prod")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, rec.LoadedOnGPUs)

	require.NoError(t, r.UpdateStatus("mace_prod", StatusAvailable, 0))
	rec, err = r.Get("mace_prod")
	require.NoError(t, err)
	require.Equal(t, []int{1}, rec.LoadedOnGPUs)

	require.ErrorIs(t, r.UpdateStatus("nonexistent", StatusLoaded, 0), task.ErrNotFound)
}

func TestCachingLoader_CacheAndUnload(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	loads := 0
	backend := func(_ context.Context, rec *Record, _ int) (executor.Calculator, error) {
		loads++
		return stubCalc{name: rec.Name}, nil
	}
	l := NewCachingLoader(r, backend)
	ctx := context.Background()

	c1, err := l.Calculator(ctx, "mace_prod", 0)
	require.NoError(t, err)
	c2, err := l.Calculator(ctx, "mace_prod", 0)
	require.NoError(t, err)
	require.Equal(t, c1, c2)
	require.Equal(t, 1, loads, "second call must hit the cache")

	// A different GPU loads again.
	_, err = l.Calculator(ctx, "mace_prod", 1)
	require.NoError(t, err)
	require.Equal(t, 2, loads)

	rec, err := r.Get("mace_prod")
	require.NoError(t, err)
	require.Equal(t, StatusLoaded, rec.Status)
	require.Equal(t, []int{0, 1}, rec.LoadedOnGPUs)

	require.True(t, l.Unload("mace_prod", 0))
	require.Equal(t, map[string][]int{"mace_prod": {1}}, l.Resident())
	require.False(t, l.Unload("mace_prod", 0))

	// Unload everywhere.
	require.True(t, l.Unload("mace_prod", -1))
	require.Empty(t, l.Resident())
}

func TestCachingLoader_BackendFailure(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	backend := func(context.Context, *Record, int) (executor.Calculator, error) {
		return nil, errors.New("cuda out of memory")
	}
	l := NewCachingLoader(r, backend)

	_, err = l.Calculator(context.Background(), "orb_prod", 0)
	require.ErrorContains(t, err, "cuda out of memory")

	rec, err := r.Get("orb_prod")
	require.NoError(t, err)
	require.Equal(t, StatusError, rec.Status)
}

func TestCachingLoader_UnknownModel(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)
	l := NewCachingLoader(r, func(context.Context, *Record, int) (executor.Calculator, error) {
		return stubCalc{}, nil
	})

	_, err = l.Calculator(context.Background(), "nonexistent", 0)
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestCachingLoader_PruneIdle(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)
	l := NewCachingLoader(r, func(_ context.Context, rec *Record, _ int) (executor.Calculator, error) {
		return stubCalc{name: rec.Name}, nil
	})
	ctx := context.Background()

	_, err = l.Calculator(ctx, "mace_prod", 0)
	require.NoError(t, err)
	_, err = l.Calculator(ctx, "sevennet_prod", 0)
	require.NoError(t, err)

	// Nothing is older than an hour yet.
	require.Equal(t, 0, l.PruneIdle(time.Hour))
	// Everything is older than zero.
	require.Equal(t, 2, l.PruneIdle(0))
	require.Empty(t, l.Resident())
}

func TestRegistry_Summary(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus("mace_prod", StatusLoaded, 0))

	s := r.Summary()
	require.Equal(t, len(builtinModels), s["total_models"])
	require.Equal(t, []string{"mace_prod"}, s["loaded_models"])
	require.Equal(t, 5, s["by_family"].(map[string]int)["mace"])
}
