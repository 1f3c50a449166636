// SPDX-License-Identifier: MIT

// Package service is the application surface over the scheduling core:
// submission, inspection and cancellation.
package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/model"
	"github.com/mofsim/gpusched/internal/queue"
	"github.com/mofsim/gpusched/internal/task"
)

// Canceller trips in-flight cancellation tokens. The worker pool
// implements it.
type Canceller interface {
	Cancel(id uuid.UUID) bool
}

// Notifier receives lifecycle events for webhook fan-out.
type Notifier interface {
	TaskEvent(ctx context.Context, t *task.Task, event string)
}

// SubmitRequest carries a validated-later submission.
type SubmitRequest struct {
	Type           task.Type      `json:"task_type"`
	Model          string         `json:"model"`
	StructureRef   string         `json:"structure"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	AtomCount      int            `json:"atom_count,omitempty"`
	Callback       *task.Callback `json:"callback,omitempty"`
}

// Config shapes a TaskService.
type Config struct {
	Repo      task.Repository
	Queue     queue.Queue
	Models    *model.Registry
	Canceller Canceller
	Notifier  Notifier
}

// TaskService owns the task lifecycle edges reachable from the outside.
type TaskService struct {
	repo      task.Repository
	queue     queue.Queue
	models    *model.Registry
	canceller Canceller
	notifier  Notifier
	logger    zerolog.Logger
}

// New builds a TaskService.
func New(cfg Config) (*TaskService, error) {
	if cfg.Repo == nil || cfg.Queue == nil || cfg.Models == nil {
		return nil, fmt.Errorf("service: repo, queue and models are required")
	}
	return &TaskService{
		repo:      cfg.Repo,
		queue:     cfg.Queue,
		models:    cfg.Models,
		canceller: cfg.Canceller,
		notifier:  cfg.Notifier,
		logger:    log.WithComponent("service"),
	}, nil
}

// Submit validates the request, persists a pending task and stages it in
// the queue. The returned task is already queued.
func (s *TaskService) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	if !task.ValidType(req.Type) {
		return nil, fmt.Errorf("%w: unknown task type %q", task.ErrValidation, req.Type)
	}
	if req.StructureRef == "" {
		return nil, fmt.Errorf("%w: structure is required", task.ErrValidation)
	}
	if !s.models.Exists(req.Model) {
		return nil, fmt.Errorf("%w: model %q", task.ErrNotFound, req.Model)
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrValidation, err)
	}
	if req.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: negative timeout", task.ErrValidation)
	}
	if req.Callback != nil {
		if err := validateCallback(req.Callback); err != nil {
			return nil, err
		}
	}

	t := task.New(req.Type, req.Model, req.StructureRef, req.Parameters, priority)
	t.AtomCount = req.AtomCount
	t.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	t.Callback = req.Callback
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, t.ID.String(), priority, nil); err != nil {
		// The pending record stays for the audit trail; mark it failed.
		t.State = lifecycle.StateFailed
		t.ErrorMessage = fmt.Sprintf("enqueue failed: %v", err)
		_ = s.repo.Update(ctx, t)
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	t.State = lifecycle.StateQueued
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("persist queued state: %w", err)
	}

	submissions.WithLabelValues(string(t.Type), priority.String()).Inc()
	s.logger.Info().
		Str(log.FieldTaskID, t.ID.String()).
		Str(log.FieldTaskType, string(t.Type)).
		Str(log.FieldModel, t.Model).
		Str(log.FieldPriority, priority.String()).
		Msg("task submitted")

	if s.notifier != nil {
		s.notifier.TaskEvent(ctx, t, task.EventCreated)
	}
	return t, nil
}

func validateCallback(cb *task.Callback) error {
	u, err := url.Parse(cb.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: callback url %q", task.ErrValidation, cb.URL)
	}
	for _, e := range cb.Events {
		if e == "*" {
			continue
		}
		known := false
		for _, k := range task.Events {
			if e == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown callback event %q", task.ErrValidation, e)
		}
	}
	return nil
}

// Get returns the task.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return s.repo.Get(ctx, id)
}

// QueuePosition reports the 0-based queue slot of a task. The boolean is
// false once the task has left the queue.
func (s *TaskService) QueuePosition(ctx context.Context, id uuid.UUID) (int, bool, error) {
	return s.queue.Position(ctx, id.String())
}

// Result returns the task only once it is terminal.
func (s *TaskService) Result(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Terminal() {
		return nil, fmt.Errorf("%w: task is %s", task.ErrNotTerminal, t.State)
	}
	return t, nil
}

// List returns matching tasks and the unpaginated total.
func (s *TaskService) List(ctx context.Context, f task.Filter) ([]*task.Task, int, error) {
	return s.repo.List(ctx, f)
}

// Cancel stops a task wherever it currently is. Queued tasks leave the
// queue atomically; in-flight tasks get their token tripped and reach
// cancelled through the worker. Terminal tasks are left alone.
func (s *TaskService) Cancel(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, fmt.Errorf("%w: task already %s", task.ErrNotTerminal, t.State)
	}

	switch t.State {
	case lifecycle.StatePending, lifecycle.StateQueued:
		if t.State == lifecycle.StateQueued {
			if _, err := s.queue.Remove(ctx, t.ID.String()); err != nil {
				return nil, fmt.Errorf("remove from queue: %w", err)
			}
		}
		now := time.Now().UTC()
		t.State = lifecycle.StateCancelled
		t.CompletedAt = &now
		if err := s.repo.Update(ctx, t); err != nil {
			return nil, fmt.Errorf("persist cancellation: %w", err)
		}
		cancellations.WithLabelValues("queued").Inc()
		s.logger.Info().Str(log.FieldTaskID, id.String()).Msg("queued task cancelled")
		if s.notifier != nil {
			s.notifier.TaskEvent(ctx, t, task.EventCancelled)
		}
		return t, nil

	case lifecycle.StateAssigned, lifecycle.StateRunning:
		if s.canceller != nil && s.canceller.Cancel(id) {
			cancellations.WithLabelValues("in_flight").Inc()
			s.logger.Info().Str(log.FieldTaskID, id.String()).Msg("cancellation requested for running task")
			// The worker drives the state transition; return the current view.
			return t, nil
		}
		// Assigned but not yet picked up, or the pool is gone. Without a
		// token the task cannot make progress anyway.
		now := time.Now().UTC()
		t.State = lifecycle.StateCancelled
		t.CompletedAt = &now
		if err := s.repo.Update(ctx, t); err != nil {
			return nil, fmt.Errorf("persist cancellation: %w", err)
		}
		cancellations.WithLabelValues("assigned").Inc()
		if s.notifier != nil {
			s.notifier.TaskEvent(ctx, t, task.EventCancelled)
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: task is %s", task.ErrValidation, t.State)
}
