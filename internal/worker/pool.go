// SPDX-License-Identifier: MIT

// Package worker executes assigned tasks on their GPUs and tracks the
// liveness of worker processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mofsim/gpusched/internal/executor"
	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/model"
	"github.com/mofsim/gpusched/internal/task"
)

// AtomsSource resolves a task's structure reference into atoms. The
// production implementation sits in front of the structure store; tests
// install fakes.
type AtomsSource interface {
	Atoms(ctx context.Context, ref string) (*executor.Atoms, error)
}

// Notifier receives lifecycle events for webhook fan-out. Implementations
// must not block.
type Notifier interface {
	TaskEvent(ctx context.Context, t *task.Task, event string)
}

// Sink receives per-task log entries.
type Sink interface {
	Append(taskID, level, message string, fields map[string]any)
}

// OOMObserver is fed observed memory after an out-of-memory failure so
// future estimates grow.
type OOMObserver interface {
	UpdateModelEstimate(model string, observedMB int)
}

// ErrLaneBusy is returned when a GPU's handoff slot is already taken.
var ErrLaneBusy = errors.New("worker lane busy")

// errCancelRequested marks a user-requested cancellation on the run context.
var errCancelRequested = errors.New("cancel requested")

// PoolConfig shapes a Pool.
type PoolConfig struct {
	Repo       task.Repository
	GPUs       *gpu.Manager
	Models     model.Loader
	Executors  *executor.Registry
	Structures AtomsSource
	Notifier   Notifier
	Logs       Sink
	OOM        OOMObserver
}

type lane struct {
	gpuID int
	ch    chan *task.Task
}

// Pool runs one executing goroutine per non-reserved GPU. The scheduler
// hands tasks over through Dispatch; each lane holds at most one pending
// handoff so the scheduler never outruns the hardware.
type Pool struct {
	repo       task.Repository
	gpus       *gpu.Manager
	models     model.Loader
	executors  *executor.Registry
	structures AtomsSource
	notifier   Notifier
	logs       Sink
	oom        OOMObserver
	logger     zerolog.Logger

	lanes map[int]*lane

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelCauseFunc
}

// NewPool builds a Pool with one lane per schedulable GPU.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Repo == nil || cfg.GPUs == nil || cfg.Models == nil || cfg.Executors == nil || cfg.Structures == nil {
		return nil, errors.New("worker: repo, gpus, models, executors and structures are required")
	}
	p := &Pool{
		repo:       cfg.Repo,
		gpus:       cfg.GPUs,
		models:     cfg.Models,
		executors:  cfg.Executors,
		structures: cfg.Structures,
		notifier:   cfg.Notifier,
		logs:       cfg.Logs,
		oom:        cfg.OOM,
		logger:     log.WithComponent("worker"),
		lanes:      make(map[int]*lane),
		cancels:    make(map[uuid.UUID]context.CancelCauseFunc),
	}
	for _, st := range cfg.GPUs.States() {
		if st.Status == gpu.StatusReserved {
			continue
		}
		p.lanes[st.Index] = &lane{gpuID: st.Index, ch: make(chan *task.Task, 1)}
	}
	return p, nil
}

// Dispatch hands an assigned task to the GPU's lane. It satisfies the
// scheduler's dispatcher contract and never blocks.
func (p *Pool) Dispatch(gpuID int, t *task.Task) error {
	ln, ok := p.lanes[gpuID]
	if !ok {
		return fmt.Errorf("no worker lane for gpu %d", gpuID)
	}
	select {
	case ln.ch <- t:
		return nil
	default:
		return fmt.Errorf("%w: gpu %d", ErrLaneBusy, gpuID)
	}
}

// Cancel trips the cancellation token of an in-flight task. It reports
// whether a token existed.
func (p *Pool) Cancel(id uuid.UUID) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	p.mu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

// Running lists the ids of tasks currently holding a cancellation token.
func (p *Pool) Running() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uuid.UUID, 0, len(p.cancels))
	for id := range p.cancels {
		out = append(out, id)
	}
	return out
}

// Run drives every lane until the context ends. Tasks already handed off
// are finished before returning.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ln := range p.lanes {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case t := <-ln.ch:
					p.process(ctx, ln.gpuID, t)
				}
			}
		})
	}
	p.logger.Info().Int("lanes", len(p.lanes)).Msg("worker pool started")
	err := g.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return err
}

// process takes one task from assignment to a terminal state.
func (p *Pool) process(ctx context.Context, gpuID int, handoff *task.Task) {
	id := handoff.ID.String()
	logger := p.logger.With().
		Str(log.FieldTaskID, id).
		Int(log.FieldGPUID, gpuID).
		Str(log.FieldTaskType, string(handoff.Type)).
		Str(log.FieldModel, handoff.Model).
		Logger()

	// Re-read the row rather than trusting the lane copy: the task may
	// have been cancelled between dispatch and pickup, and writing
	// RUNNING over a terminal row would resurrect it.
	t, err := p.repo.Get(ctx, handoff.ID)
	if err != nil {
		logger.Error().Err(err).Msg("reloading dispatched task failed")
		_ = p.gpus.Release(gpuID, id)
		return
	}

	// The scheduler dispatches while the row is still QUEUED; the lane owns
	// the walk through ASSIGNED so a failed handoff never has to back out
	// of it.
	if t.State == lifecycle.StateQueued {
		t.State = lifecycle.StateAssigned
		t.GPUID = &gpuID
		if err := p.repo.Update(ctx, t); err != nil {
			logger.Warn().Err(err).Msg("task no longer assignable")
			_ = p.gpus.Release(gpuID, id)
			return
		}
	}

	if err := lifecycle.ValidateTransition(t.State, lifecycle.StateRunning); err != nil {
		// Cancelled between dispatch and pickup.
		logger.Warn().Str(log.FieldOldState, string(t.State)).Msg("task no longer runnable")
		_ = p.gpus.Release(gpuID, id)
		return
	}

	now := time.Now().UTC()
	t.State = lifecycle.StateRunning
	t.StartedAt = &now
	if err := p.repo.Update(ctx, t); err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Cancelled while the lane was starting up.
			logger.Warn().Str(log.FieldOldState, string(invalid.From)).Msg("task no longer runnable")
			_ = p.gpus.Release(gpuID, id)
			return
		}
		logger.Error().Err(err).Msg("persisting running state failed")
		p.finish(ctx, gpuID, t, lifecycle.StateFailed, nil, err)
		return
	}
	p.notify(ctx, t, task.EventStarted)
	p.appendLog(id, "info", "execution started", map[string]any{"gpu_id": gpuID})
	runningTasks.Inc()
	defer runningTasks.Dec()

	timeout := lifecycle.TimeoutFor(string(t.Type), t.Timeout)
	runCtx, cancel := context.WithCancelCause(log.ContextWithTaskID(ctx, id))
	runCtx, timeoutCancel := context.WithTimeout(runCtx, timeout)
	p.mu.Lock()
	p.cancels[t.ID] = cancel
	p.mu.Unlock()
	defer func() {
		timeoutCancel()
		cancel(nil)
		p.mu.Lock()
		delete(p.cancels, t.ID)
		p.mu.Unlock()
	}()

	res, err := p.execute(runCtx, gpuID, t)
	switch {
	case err == nil:
		p.finish(ctx, gpuID, t, lifecycle.StateCompleted, res, nil)
	case errors.Is(context.Cause(runCtx), errCancelRequested):
		p.finish(ctx, gpuID, t, lifecycle.StateCancelled, nil, nil)
	case errors.Is(err, context.DeadlineExceeded):
		p.finish(ctx, gpuID, t, lifecycle.StateTimeout, nil,
			fmt.Errorf("execution exceeded %s", timeout))
	default:
		p.observeOOM(gpuID, t, err)
		p.finish(ctx, gpuID, t, lifecycle.StateFailed, nil, err)
	}
}

// execute resolves the executor, structure and calculator and runs the task.
func (p *Pool) execute(ctx context.Context, gpuID int, t *task.Task) (*executor.Result, error) {
	exec, err := p.executors.ForType(t.Type)
	if err != nil {
		return nil, err
	}

	atoms, err := p.structures.Atoms(ctx, t.StructureRef)
	if err != nil {
		return nil, fmt.Errorf("load structure %q: %w", t.StructureRef, err)
	}

	calc, err := p.models.Calculator(ctx, t.Model, gpuID)
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", t.Model, err)
	}
	evicted, didEvict, err := p.gpus.AddLoadedModel(gpuID, t.Model)
	if err != nil {
		return nil, err
	}
	if didEvict {
		p.models.Unload(evicted, gpuID)
		p.logger.Info().
			Int(log.FieldGPUID, gpuID).
			Str(log.FieldModel, evicted).
			Msg("evicted least recently used model")
	}

	return exec.Run(ctx, atoms, calc, t.Parameters)
}

// finish records the terminal state, releases the GPU and emits the event.
func (p *Pool) finish(ctx context.Context, gpuID int, t *task.Task, state lifecycle.State, res *executor.Result, cause error) {
	id := t.ID.String()
	now := time.Now().UTC()

	t.State = state
	t.CompletedAt = &now
	if res != nil {
		t.Result = res.Data
		t.OutputFiles = res.OutputFiles
	}
	if cause != nil {
		t.ErrorMessage = cause.Error()
	}
	if err := p.repo.Update(ctx, t); err != nil {
		p.logger.Error().Err(err).Str(log.FieldTaskID, id).Msg("persisting terminal state failed")
	}
	if err := p.gpus.Release(gpuID, id); err != nil {
		p.logger.Error().Err(err).Str(log.FieldTaskID, id).Int(log.FieldGPUID, gpuID).Msg("gpu release failed")
	}

	tasksTotal.WithLabelValues(string(t.Type), string(state)).Inc()
	if t.StartedAt != nil {
		taskDuration.WithLabelValues(string(t.Type)).Observe(now.Sub(*t.StartedAt).Seconds())
	}

	event := task.EventForState(string(state))
	if event != "" {
		p.notify(ctx, t, event)
	}

	evt := p.logger.Info()
	if state == lifecycle.StateFailed || state == lifecycle.StateTimeout {
		evt = p.logger.Warn().Str(log.FieldReason, t.ErrorMessage)
	}
	evt.Str(log.FieldTaskID, id).
		Int(log.FieldGPUID, gpuID).
		Str(log.FieldNewState, string(state)).
		Msg("task finished")
	p.appendLog(id, "info", "execution finished", map[string]any{"state": string(state)})
}

func (p *Pool) notify(ctx context.Context, t *task.Task, event string) {
	if p.notifier != nil {
		p.notifier.TaskEvent(ctx, t, event)
	}
}

func (p *Pool) appendLog(taskID, level, msg string, fields map[string]any) {
	if p.logs != nil {
		p.logs.Append(taskID, level, msg, fields)
	}
}

// observeOOM feeds the memory estimator when a run died of GPU memory
// exhaustion. The device's current usage is the best available floor for
// the next estimate.
func (p *Pool) observeOOM(gpuID int, t *task.Task, err error) {
	if p.oom == nil || err == nil {
		return
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "out of memory") && !strings.Contains(msg, "oom") {
		return
	}
	st, gerr := p.gpus.Get(gpuID)
	if gerr != nil {
		return
	}
	p.oom.UpdateModelEstimate(t.Model, st.MemoryUsedMB)
	p.logger.Warn().
		Str(log.FieldModel, t.Model).
		Int("observed_mb", st.MemoryUsedMB).
		Msg("raised model memory estimate after oom")
}
