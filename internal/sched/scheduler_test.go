// SPDX-License-Identifier: MIT

package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/queue"
	"github.com/mofsim/gpusched/internal/task"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	got  []int
	fail error
}

func (d *fakeDispatcher) Dispatch(gpuID int, _ *task.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.got = append(d.got, gpuID)
	return nil
}

func (d *fakeDispatcher) dispatched() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.got...)
}

type fixture struct {
	sched      *Scheduler
	queue      *queue.MemoryQueue
	repo       *task.MemoryRepository
	gpus       *gpu.Manager
	prober     *gpu.MockProber
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T, indices ...int) *fixture {
	t.Helper()

	prober := gpu.NewMockProber(indices...)
	mgr, err := gpu.NewManager(gpu.Config{
		Devices:         indices,
		MaxModelsPerGPU: 2,
		SafetyMarginMB:  2048,
		Prober:          prober,
	})
	require.NoError(t, err)

	f := &fixture{
		queue:      queue.NewMemoryQueue(),
		repo:       task.NewMemoryRepository(),
		gpus:       mgr,
		prober:     prober,
		dispatcher: &fakeDispatcher{},
	}
	f.sched, err = New(Config{
		Queue:      f.queue,
		Repo:       f.repo,
		GPUs:       mgr,
		Dispatcher: f.dispatcher,
		MaxModels:  2,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(t *testing.T, model string, priority queue.Priority) *task.Task {
	t.Helper()
	ctx := context.Background()

	tk := task.New(task.TypeSinglePoint, model, "s.cif", nil, priority)
	tk.State = lifecycle.StateQueued
	tk.AtomCount = 100
	require.NoError(t, f.repo.Create(ctx, tk))
	_, err := f.queue.Enqueue(ctx, tk.ID.String(), priority, nil)
	require.NoError(t, err)
	return tk
}

func TestEstimator(t *testing.T) {
	e := NewEstimator(map[string]int{"orb_prod": 6144})

	// (6144 + 100*2) * 1.5 for a stability run.
	require.Equal(t, int(float64(6144+200)*1.5), e.EstimateMB("orb_prod", task.TypeStability, 100))
	// Unknown models fall back to the default base with no multiplier
	// for single points.
	require.Equal(t, 4000, e.EstimateMB("unknown", task.TypeSinglePoint, 0))

	// Feedback only raises estimates.
	e.UpdateModelEstimate("orb_prod", 9000)
	require.Equal(t, 9000, e.BaseMB("orb_prod"))
	e.UpdateModelEstimate("orb_prod", 100)
	require.Equal(t, 9000, e.BaseMB("orb_prod"))
}

func TestSelectBestGPU_PrefersResidentModel(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()
	require.NoError(t, f.gpus.RefreshStates(ctx))

	_, _, err := f.gpus.AddLoadedModel(1, "mace_prod")
	require.NoError(t, err)

	gpuID, ok := f.sched.SelectBestGPU(f.gpus.FreeGPUs(), "mace_prod", 4000)
	require.True(t, ok)
	require.Equal(t, 1, gpuID, "residency beats every other signal")

	// Without residency both have free slots; the cooler device wins.
	f.prober.Set(gpu.Telemetry{Index: 0, MemoryTotalMB: 24000, MemoryUsedMB: 2000, MemoryFreeMB: 22000, TemperatureC: 30})
	f.prober.Set(gpu.Telemetry{Index: 1, MemoryTotalMB: 24000, MemoryUsedMB: 2000, MemoryFreeMB: 22000, TemperatureC: 80})
	require.NoError(t, f.gpus.RefreshStates(ctx))

	gpuID, ok = f.sched.SelectBestGPU(f.gpus.FreeGPUs(), "orb_prod", 4000)
	require.True(t, ok)
	require.Equal(t, 0, gpuID)
}

func TestSelectBestGPU_MemoryEligibility(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.gpus.RefreshStates(ctx))

	// 22000 free minus 2048 margin cannot fit 21000.
	_, ok := f.sched.SelectBestGPU(f.gpus.FreeGPUs(), "mace_prod", 21000)
	require.False(t, ok)
}

func TestScheduler_AssignsHeadTask(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tk := f.submit(t, "mace_prod", queue.PriorityNormal)

	f.sched.Tick(ctx)

	require.Equal(t, []int{0}, f.dispatcher.dispatched())

	// The row stays QUEUED until the worker lane picks the handoff up.
	got, err := f.repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateQueued, got.State)

	st, err := f.gpus.Get(0)
	require.NoError(t, err)
	require.Equal(t, gpu.StatusBusy, st.Status)
	require.Equal(t, tk.ID.String(), st.CurrentTaskID)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
	require.Equal(t, uint64(1), f.sched.Stats().Scheduled)
}

func TestScheduler_SchedulesAcrossGPUsByPriority(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()

	low := f.submit(t, "mace_prod", queue.PriorityLow)
	time.Sleep(2 * time.Millisecond)
	critical := f.submit(t, "mace_prod", queue.PriorityCritical)
	time.Sleep(2 * time.Millisecond)
	normal := f.submit(t, "mace_prod", queue.PriorityNormal)

	f.sched.Tick(ctx)

	// Two GPUs: the critical and normal tasks run, the low one waits.
	require.Len(t, f.dispatcher.dispatched(), 2)

	for _, tk := range []*task.Task{critical, normal} {
		_, ok, err := f.queue.Position(ctx, tk.ID.String())
		require.NoError(t, err)
		require.False(t, ok, "dispatched tasks leave the queue")
	}

	pos, ok, err := f.queue.Position(ctx, low.ID.String())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, pos)
}

func TestScheduler_RemovesOrphanedQueueEntry(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// Queue entry without a task record, then a real task behind it.
	_, err := f.queue.Enqueue(ctx, "00000000-0000-0000-0000-000000000001", queue.PriorityCritical, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	tk := f.submit(t, "mace_prod", queue.PriorityNormal)

	f.sched.Tick(ctx)

	// The orphan is dropped and the real task still gets scheduled.
	require.Equal(t, []int{0}, f.dispatcher.dispatched())
	_, ok, err := f.queue.Position(ctx, tk.ID.String())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(1), f.sched.Stats().MissingRemoved)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestScheduler_NoFreeGPU(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.gpus.Allocate(0, "other"))
	f.submit(t, "mace_prod", queue.PriorityNormal)

	f.sched.Tick(ctx)

	require.Empty(t, f.dispatcher.dispatched())
	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestScheduler_DispatchFailureKeepsQueueOrder(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.dispatcher.fail = errors.New("worker gone")
	first := f.submit(t, "mace_prod", queue.PriorityNormal)
	time.Sleep(2 * time.Millisecond)
	second := f.submit(t, "mace_prod", queue.PriorityNormal)

	f.sched.Tick(ctx)

	// The head task keeps its row state and its slot ahead of later work.
	got, err := f.repo.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateQueued, got.State)
	require.Nil(t, got.GPUID)

	st, err := f.gpus.Get(0)
	require.NoError(t, err)
	require.Equal(t, gpu.StatusFree, st.Status)

	pos, ok, err := f.queue.Position(ctx, first.ID.String())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, pos)

	pos, ok, err = f.queue.Position(ctx, second.ID.String())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, pos)
	require.Equal(t, uint64(1), f.sched.Stats().DispatchFailed)
}

func TestScheduler_Status(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.submit(t, "mace_prod", queue.PriorityNormal)
	time.Sleep(2 * time.Millisecond)
	f.submit(t, "orb_prod", queue.PriorityCritical)

	status, err := f.sched.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.Total)
	require.Equal(t, 1, status.ByPriority["critical"])
	require.Equal(t, 1, status.ByPriority["normal"])
	require.Len(t, status.Head, 2)
	require.Equal(t, queue.PriorityCritical, status.Head[0].Priority)
}
