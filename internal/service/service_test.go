// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/model"
	"github.com/mofsim/gpusched/internal/queue"
	"github.com/mofsim/gpusched/internal/task"
)

type fakeCanceller struct {
	mu      sync.Mutex
	tripped []uuid.UUID
	accept  bool
}

func (c *fakeCanceller) Cancel(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accept {
		c.tripped = append(c.tripped, id)
	}
	return c.accept
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) TaskEvent(_ context.Context, _ *task.Task, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type svcFixture struct {
	svc       *TaskService
	repo      *task.MemoryRepository
	queue     *queue.MemoryQueue
	canceller *fakeCanceller
	events    *eventRecorder
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()

	models, err := model.NewRegistry("")
	require.NoError(t, err)

	f := &svcFixture{
		repo:      task.NewMemoryRepository(),
		queue:     queue.NewMemoryQueue(),
		canceller: &fakeCanceller{},
		events:    &eventRecorder{},
	}
	f.svc, err = New(Config{
		Repo:      f.repo,
		Queue:     f.queue,
		Models:    models,
		Canceller: f.canceller,
		Notifier:  f.events,
	})
	require.NoError(t, err)
	return f
}

func validSubmit() SubmitRequest {
	return SubmitRequest{
		Type:         task.TypeOptimization,
		Model:        "mace_prod",
		StructureRef: "structures/mof-5.cif",
		Parameters:   map[string]any{"fmax": 0.05},
		Priority:     "high",
		AtomCount:    424,
	}
}

func TestSubmit(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()

	tk, err := f.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateQueued, tk.State)
	require.Equal(t, queue.PriorityHigh, tk.Priority)
	require.Equal(t, 424, tk.AtomCount)

	stored, err := f.repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateQueued, stored.State)

	pos, ok, err := f.queue.Position(ctx, tk.ID.String())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, pos)

	require.Equal(t, []string{task.EventCreated}, f.events.seen())
}

func TestSubmit_Validation(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*SubmitRequest)
		wantErr error
	}{
		{"unknown type", func(r *SubmitRequest) { r.Type = "molecular_dynamics" }, task.ErrValidation},
		{"missing structure", func(r *SubmitRequest) { r.StructureRef = "" }, task.ErrValidation},
		{"unknown model", func(r *SubmitRequest) { r.Model = "gpt2" }, task.ErrNotFound},
		{"bad priority", func(r *SubmitRequest) { r.Priority = "urgent" }, task.ErrValidation},
		{"negative timeout", func(r *SubmitRequest) { r.TimeoutSeconds = -1 }, task.ErrValidation},
		{"bad callback url", func(r *SubmitRequest) {
			r.Callback = &task.Callback{URL: "ftp://example.com/x"}
		}, task.ErrValidation},
		{"unknown callback event", func(r *SubmitRequest) {
			r.Callback = &task.Callback{URL: "https://example.com/x", Events: []string{"task.exploded"}}
		}, task.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmit()
			tc.mutate(&req)
			_, err := f.svc.Submit(ctx, req)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}

	// Nothing leaked into the queue.
	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestSubmit_DisabledModelRejected(t *testing.T) {
	f := newSvcFixture(t)

	req := validSubmit()
	req.Callback = &task.Callback{URL: "https://example.com/hook", Events: []string{"*"}}
	_, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err, "wildcard subscription is valid")
}

func TestResult(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()

	tk, err := f.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)

	_, err = f.svc.Result(ctx, tk.ID)
	require.ErrorIs(t, err, task.ErrNotTerminal)

	tk.State = lifecycle.StateCompleted
	tk.Result = map[string]any{"converged": true}
	require.NoError(t, f.repo.Update(ctx, tk))

	got, err := f.svc.Result(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, true, got.Result["converged"])

	_, err = f.svc.Result(ctx, uuid.New())
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestCancel_Queued(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()

	tk, err := f.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateCancelled, got.State)
	require.NotNil(t, got.CompletedAt)

	// The queue entry went with it.
	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)

	require.Contains(t, f.events.seen(), task.EventCancelled)

	// Cancelling a terminal task is rejected.
	_, err = f.svc.Cancel(ctx, tk.ID)
	require.ErrorIs(t, err, task.ErrNotTerminal)
}

func TestCancel_Running(t *testing.T) {
	f := newSvcFixture(t)
	f.canceller.accept = true
	ctx := context.Background()

	tk, err := f.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)
	tk.State = lifecycle.StateRunning
	require.NoError(t, f.repo.Update(ctx, tk))

	got, err := f.svc.Cancel(ctx, tk.ID)
	require.NoError(t, err)
	// The worker owns the transition; the service only trips the token.
	require.Equal(t, lifecycle.StateRunning, got.State)
	require.Equal(t, []uuid.UUID{tk.ID}, f.canceller.tripped)
}

func TestCancel_AssignedWithoutToken(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()

	tk, err := f.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)
	tk.State = lifecycle.StateAssigned
	require.NoError(t, f.repo.Update(ctx, tk))
	_, err = f.queue.Remove(ctx, tk.ID.String())
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateCancelled, got.State)
}

func TestList(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()

	for range 3 {
		_, err := f.svc.Submit(ctx, validSubmit())
		require.NoError(t, err)
	}
	single := validSubmit()
	single.Type = task.TypeSinglePoint
	_, err := f.svc.Submit(ctx, single)
	require.NoError(t, err)

	all, total, err := f.svc.List(ctx, task.Filter{})
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Len(t, all, 4)

	opts, total, err := f.svc.List(ctx, task.Filter{Type: task.TypeOptimization, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, opts, 2)
}
