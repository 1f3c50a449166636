// SPDX-License-Identifier: MIT

package sched

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/gpu"
	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/queue"
	"github.com/mofsim/gpusched/internal/task"
)

// Dispatcher hands an assigned task to the worker owning the GPU.
type Dispatcher interface {
	Dispatch(gpuID int, t *task.Task) error
}

// Config shapes a Scheduler.
type Config struct {
	Queue        queue.Queue
	Repo         task.Repository
	GPUs         *gpu.Manager
	Estimator    *Estimator
	Dispatcher   Dispatcher
	PollInterval time.Duration
	MaxModels    int
}

// Stats is a snapshot of scheduling counters.
type Stats struct {
	Scheduled      uint64 `json:"scheduled"`
	NoEligibleGPU  uint64 `json:"no_eligible_gpu"`
	MissingRemoved uint64 `json:"missing_removed"`
	DispatchFailed uint64 `json:"dispatch_failed"`
}

// Scheduler runs the assignment loop: it watches the queue head and
// places tasks onto the best free GPU.
type Scheduler struct {
	queue      queue.Queue
	repo       task.Repository
	gpus       *gpu.Manager
	estimator  *Estimator
	dispatcher Dispatcher
	poll       time.Duration
	maxModels  int
	logger     zerolog.Logger

	scheduled      atomic.Uint64
	noEligible     atomic.Uint64
	missingRemoved atomic.Uint64
	dispatchFailed atomic.Uint64
}

// New builds a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Queue == nil || cfg.Repo == nil || cfg.GPUs == nil || cfg.Dispatcher == nil {
		return nil, errors.New("sched: queue, repo, gpus and dispatcher are required")
	}
	if cfg.Estimator == nil {
		cfg.Estimator = NewEstimator(nil)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.MaxModels <= 0 {
		cfg.MaxModels = 2
	}
	return &Scheduler{
		queue:      cfg.Queue,
		repo:       cfg.Repo,
		gpus:       cfg.GPUs,
		estimator:  cfg.Estimator,
		dispatcher: cfg.Dispatcher,
		poll:       cfg.PollInterval,
		maxModels:  cfg.MaxModels,
		logger:     log.WithComponent("sched"),
	}, nil
}

// Estimator exposes the memory estimator for OOM feedback.
func (s *Scheduler) Estimator() *Estimator { return s.estimator }

// Run drives the tick loop until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.logger.Info().Dur("poll_interval", s.poll).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick refreshes telemetry and schedules as many head tasks as free
// GPUs allow.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	// A failed probe keeps last-known telemetry; scheduling continues.
	_ = s.gpus.RefreshStates(ctx)

	for {
		progressed, err := s.scheduleOne(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduling attempt failed")
			return
		}
		if !progressed {
			return
		}
	}
}

// scheduleOne attempts to place the queue head. It reports whether the
// tick should try again immediately.
func (s *Scheduler) scheduleOne(ctx context.Context) (bool, error) {
	free := s.gpus.FreeGPUs()
	if len(free) == 0 {
		return false, nil
	}

	entries, err := s.queue.Peek(ctx, 1)
	if err != nil {
		return false, fmt.Errorf("peek queue head: %w", err)
	}
	if len(entries) == 0 {
		return false, nil
	}
	entry := entries[0]
	head := entry.TaskID

	id, err := uuid.Parse(head)
	if err != nil {
		// Unparseable entries can only rot at the head; drop them.
		_, _ = s.queue.Remove(ctx, head)
		s.missingRemoved.Add(1)
		scheduleOutcomes.WithLabelValues("invalid_id").Inc()
		s.logger.Warn().Str(log.FieldTaskID, head).Msg("removed malformed queue entry")
		return true, nil
	}

	t, err := s.repo.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		_, _ = s.queue.Remove(ctx, head)
		s.missingRemoved.Add(1)
		scheduleOutcomes.WithLabelValues("missing_task").Inc()
		s.logger.Warn().Str(log.FieldTaskID, head).Msg("removed queue entry without task record")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load task %s: %w", head, err)
	}

	requiredMB := s.estimator.EstimateMB(t.Model, t.Type, t.AtomCount)
	gpuID, found := s.SelectBestGPU(free, t.Model, requiredMB)
	if !found {
		s.noEligible.Add(1)
		scheduleOutcomes.WithLabelValues("no_eligible_gpu").Inc()
		return false, nil
	}

	if err := s.gpus.Allocate(gpuID, head); err != nil {
		// Lost a race with a state change; retry next tick.
		return false, nil
	}

	removed, err := s.queue.Remove(ctx, head)
	if err != nil || !removed {
		_ = s.gpus.Release(gpuID, head)
		if err != nil {
			return false, fmt.Errorf("remove %s from queue: %w", head, err)
		}
		// Someone else consumed the entry.
		return true, nil
	}

	if err := lifecycle.ValidateTransition(t.State, lifecycle.StateAssigned); err != nil {
		// Cancelled between peek and assignment; the entry is gone and
		// the GPU goes back.
		_ = s.gpus.Release(gpuID, head)
		s.logger.Warn().
			Str(log.FieldTaskID, head).
			Str(log.FieldOldState, string(t.State)).
			Msg("skipped task no longer assignable")
		return true, nil
	}

	// The row stays QUEUED until the worker picks the handoff up and walks
	// it through ASSIGNED, so a failed handoff never needs an edge out of
	// ASSIGNED and the requeue below restores the original queue slot.
	if err := s.dispatcher.Dispatch(gpuID, t); err != nil {
		s.dispatchFailed.Add(1)
		scheduleOutcomes.WithLabelValues("dispatch_failed").Inc()
		s.requeue(ctx, t, entry, gpuID)
		return false, nil
	}

	s.scheduled.Add(1)
	scheduleOutcomes.WithLabelValues("scheduled").Inc()
	s.logger.Info().
		Str(log.FieldTaskID, head).
		Int(log.FieldGPUID, gpuID).
		Str(log.FieldModel, t.Model).
		Str(log.FieldTaskType, string(t.Type)).
		Int("required_mb", requiredMB).
		Msg("task dispatched")
	return true, nil
}

// requeue restores a task's queue entry after a failed handoff. The row
// never left QUEUED, so only the queue needs repair; the original enqueue
// time keeps the task's FIFO slot.
func (s *Scheduler) requeue(ctx context.Context, t *task.Task, entry queue.Entry, gpuID int) {
	id := t.ID.String()
	_ = s.gpus.Release(gpuID, id)

	if _, err := s.queue.Requeue(ctx, id, entry.Priority, entry.EnqueuedAt); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		s.logger.Error().Err(err).Str(log.FieldTaskID, id).Msg("requeue failed")
	}
	s.logger.Warn().Str(log.FieldTaskID, id).Int(log.FieldGPUID, gpuID).Msg("dispatch failed, task requeued")
}

// Stats snapshots the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Scheduled:      s.scheduled.Load(),
		NoEligibleGPU:  s.noEligible.Load(),
		MissingRemoved: s.missingRemoved.Load(),
		DispatchFailed: s.dispatchFailed.Load(),
	}
}

// QueueStatus reports queue depth per priority and the next entries.
type QueueStatus struct {
	Total      int            `json:"total"`
	ByPriority map[string]int `json:"by_priority"`
	Head       []queue.Entry  `json:"head"`
	Stats      Stats          `json:"scheduler"`
}

// Status snapshots the queue for the status surface.
func (s *Scheduler) Status(ctx context.Context) (*QueueStatus, error) {
	total, err := s.queue.Size(ctx)
	if err != nil {
		return nil, err
	}
	byPriority, err := s.queue.SizeByPriority(ctx)
	if err != nil {
		return nil, err
	}
	head, err := s.queue.Peek(ctx, 10)
	if err != nil {
		return nil, err
	}

	named := make(map[string]int, len(byPriority))
	for p, n := range byPriority {
		named[p.String()] = n
	}
	return &QueueStatus{
		Total:      total,
		ByPriority: named,
		Head:       head,
		Stats:      s.Stats(),
	}, nil
}
