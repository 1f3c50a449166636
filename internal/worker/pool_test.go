// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mofsim/gpusched/internal/executor"
	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/model"
	"github.com/mofsim/gpusched/internal/queue"
	"github.com/mofsim/gpusched/internal/task"
)

type stubCalc struct {
	energy float64
	delay  time.Duration
	err    error
}

func (c *stubCalc) Energy(ctx context.Context, a *executor.Atoms) (float64, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	if c.err != nil {
		return 0, c.err
	}
	return c.energy, nil
}

func (c *stubCalc) Forces(ctx context.Context, a *executor.Atoms) ([][3]float64, error) {
	if _, err := c.Energy(ctx, a); err != nil {
		return nil, err
	}
	return make([][3]float64, a.Len()), nil
}

func (c *stubCalc) Stress(ctx context.Context, a *executor.Atoms) ([6]float64, error) {
	if _, err := c.Energy(ctx, a); err != nil {
		return [6]float64{}, err
	}
	return [6]float64{}, nil
}

type fakeAtoms struct {
	err error
}

func (f *fakeAtoms) Atoms(_ context.Context, ref string) (*executor.Atoms, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &executor.Atoms{
		Symbols:   []string{"C"},
		Positions: [][3]float64{{5, 5, 5}},
		Cell:      [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
		PBC:       true,
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) TaskEvent(_ context.Context, _ *task.Task, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type poolFixture struct {
	pool     *Pool
	repo     *task.MemoryRepository
	gpus     *gpu.Manager
	loader   *model.CachingLoader
	notifier *recordingNotifier
	calc     *stubCalc
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()

	mgr, err := gpu.NewManager(gpu.Config{
		Devices:         []int{0},
		MaxModelsPerGPU: 2,
		SafetyMarginMB:  2048,
		Prober:          gpu.NewMockProber(0),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.RefreshStates(context.Background()))

	calc := &stubCalc{energy: -1.5}
	registry, err := model.NewRegistry("")
	require.NoError(t, err)
	loader := model.NewCachingLoader(registry, func(_ context.Context, _ *model.Record, _ int) (executor.Calculator, error) {
		return calc, nil
	})

	f := &poolFixture{
		repo:     task.NewMemoryRepository(),
		gpus:     mgr,
		loader:   loader,
		notifier: &recordingNotifier{},
		calc:     calc,
	}
	f.pool, err = NewPool(PoolConfig{
		Repo:       f.repo,
		GPUs:       mgr,
		Models:     loader,
		Executors:  executor.NewRegistry(),
		Structures: &fakeAtoms{},
		Notifier:   f.notifier,
	})
	require.NoError(t, err)
	return f
}

// assign creates a task in the assigned state holding GPU 0, the way the
// scheduler hands it over.
func (f *poolFixture) assign(t *testing.T, taskType task.Type) *task.Task {
	t.Helper()
	ctx := context.Background()

	tk := task.New(taskType, "mace_prod", "mof-5.cif", nil, queue.PriorityNormal)
	tk.State = lifecycle.StateAssigned
	gpuID := 0
	tk.GPUID = &gpuID
	tk.AtomCount = 1
	require.NoError(t, f.repo.Create(ctx, tk))
	require.NoError(t, f.gpus.Allocate(0, tk.ID.String()))
	return tk
}

func waitTerminal(t *testing.T, repo task.Repository, tk *task.Task) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := repo.Get(context.Background(), tk.ID)
		require.NoError(t, err)
		if got.Terminal() {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", tk.ID)
	return nil
}

func TestPool_RunsSinglePointToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newPoolFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.pool.Run(ctx)
	}()

	tk := f.assign(t, task.TypeSinglePoint)
	require.NoError(t, f.pool.Dispatch(0, tk))

	got := waitTerminal(t, f.repo, tk)
	require.Equal(t, lifecycle.StateCompleted, got.State)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.InDelta(t, -1.5, got.Result["energy_eV"], 1e-12)

	// GPU released and the model now resident.
	st, err := f.gpus.Get(0)
	require.NoError(t, err)
	require.Equal(t, gpu.StatusFree, st.Status)
	require.True(t, st.HasModel("mace_prod"))
	require.False(t, st.LastCompleted.IsZero())

	require.Equal(t, []string{task.EventStarted, task.EventCompleted}, f.notifier.seen())

	cancel()
	<-done
}

// The scheduler hands tasks over while the row is still queued; the lane
// walks them through assigned before running.
func TestPool_PromotesQueuedHandoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newPoolFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.pool.Run(ctx)
	}()

	tk := task.New(task.TypeSinglePoint, "mace_prod", "mof-5.cif", nil, queue.PriorityNormal)
	tk.State = lifecycle.StateQueued
	tk.AtomCount = 1
	require.NoError(t, f.repo.Create(context.Background(), tk))
	require.NoError(t, f.gpus.Allocate(0, tk.ID.String()))
	require.NoError(t, f.pool.Dispatch(0, tk))

	got := waitTerminal(t, f.repo, tk)
	require.Equal(t, lifecycle.StateCompleted, got.State)
	require.NotNil(t, got.GPUID)
	require.Equal(t, 0, *got.GPUID)

	cancel()
	<-done
}

func TestPool_ExecutorFailureMarksFailed(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newPoolFixture(t)
	f.calc.err = errors.New("potential blew up")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.pool.Run(ctx)
	}()

	tk := f.assign(t, task.TypeSinglePoint)
	require.NoError(t, f.pool.Dispatch(0, tk))

	got := waitTerminal(t, f.repo, tk)
	require.Equal(t, lifecycle.StateFailed, got.State)
	require.Contains(t, got.ErrorMessage, "potential blew up")

	st, err := f.gpus.Get(0)
	require.NoError(t, err)
	require.Equal(t, gpu.StatusFree, st.Status)
	require.Contains(t, f.notifier.seen(), task.EventFailed)

	cancel()
	<-done
}

func TestPool_TimeoutMarksTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newPoolFixture(t)
	f.calc.delay = 500 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.pool.Run(ctx)
	}()

	tk := f.assign(t, task.TypeSinglePoint)
	tk.Timeout = 50 * time.Millisecond
	require.NoError(t, f.repo.Update(context.Background(), tk))
	require.NoError(t, f.pool.Dispatch(0, tk))

	got := waitTerminal(t, f.repo, tk)
	require.Equal(t, lifecycle.StateTimeout, got.State)
	require.Contains(t, f.notifier.seen(), task.EventTimeout)

	cancel()
	<-done
}

func TestPool_CancelInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newPoolFixture(t)
	f.calc.delay = 10 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.pool.Run(ctx)
	}()

	tk := f.assign(t, task.TypeSinglePoint)
	require.NoError(t, f.pool.Dispatch(0, tk))

	// Wait for the run to take its cancellation token.
	require.Eventually(t, func() bool {
		return f.pool.Cancel(tk.ID)
	}, 5*time.Second, 5*time.Millisecond)

	got := waitTerminal(t, f.repo, tk)
	require.Equal(t, lifecycle.StateCancelled, got.State)
	require.Contains(t, f.notifier.seen(), task.EventCancelled)

	st, err := f.gpus.Get(0)
	require.NoError(t, err)
	require.Equal(t, gpu.StatusFree, st.Status)

	cancel()
	<-done
}

// A task cancelled between dispatch and pickup must stay cancelled; the
// lane copy still says assigned, but the repository row wins.
func TestPool_CancelBeforePickupStaysCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newPoolFixture(t)

	// Dispatch into an idle pool, then cancel the way the service does
	// when no run has started yet.
	tk := f.assign(t, task.TypeSinglePoint)
	require.NoError(t, f.pool.Dispatch(0, tk))

	now := time.Now().UTC()
	cancelled, err := f.repo.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	cancelled.State = lifecycle.StateCancelled
	cancelled.CompletedAt = &now
	require.NoError(t, f.repo.Update(context.Background(), cancelled))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.pool.Run(ctx)
	}()

	// The lane drops the task and returns the GPU without running it.
	require.Eventually(t, func() bool {
		st, err := f.gpus.Get(0)
		return err == nil && st.Status == gpu.StatusFree
	}, 5*time.Second, 5*time.Millisecond)

	got, err := f.repo.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateCancelled, got.State)
	require.NotContains(t, f.notifier.seen(), task.EventStarted)
	require.NotContains(t, f.notifier.seen(), task.EventCompleted)

	cancel()
	<-done
}

func TestPool_DispatchBusyLane(t *testing.T) {
	f := newPoolFixture(t)

	// Without a running loop the single-slot lane fills after one handoff.
	tk := task.New(task.TypeSinglePoint, "mace_prod", "a.cif", nil, queue.PriorityNormal)
	require.NoError(t, f.pool.Dispatch(0, tk))
	err := f.pool.Dispatch(0, tk)
	require.ErrorIs(t, err, ErrLaneBusy)

	require.Error(t, f.pool.Dispatch(7, tk), "unknown gpu has no lane")
}

func TestPool_CancelUnknownTask(t *testing.T) {
	f := newPoolFixture(t)
	require.False(t, f.pool.Cancel(task.New(task.TypeSinglePoint, "m", "s", nil, queue.PriorityNormal).ID))
}
