// SPDX-License-Identifier: MIT

package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mofsim/gpusched/internal/lifecycle"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State  lifecycle.State
	Type   Type
	Model  string
	Limit  int
	Offset int
}

// Repository is the durable task store contract. The core mutates tasks
// through it; external surfaces read through it.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	Update(ctx context.Context, t *Task) error
	List(ctx context.Context, f Filter) ([]*Task, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// PruneTerminal removes terminal tasks completed before the cutoff,
	// returning the removed count.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryRepository is the in-process Repository used by tests and
// single-node deployments without a durability requirement.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[uuid.UUID]*Task)}
}

var _ Repository = (*MemoryRepository)(nil)

func cloneTask(t *Task) *Task {
	c := *t
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	if t.GPUID != nil {
		g := *t.GPUID
		c.GPUID = &g
	}
	if t.Parameters != nil {
		c.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	if t.OutputFiles != nil {
		c.OutputFiles = make(map[string]string, len(t.OutputFiles))
		for k, v := range t.OutputFiles {
			c.OutputFiles[k] = v
		}
	}
	if t.Callback != nil {
		cb := *t.Callback
		cb.Events = append([]string(nil), t.Callback.Events...)
		c.Callback = &cb
	}
	return &c
}

// Create stores a new task row.
func (r *MemoryRepository) Create(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get returns the task or ErrNotFound.
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

// Update overwrites the stored row. A terminal row accepts no state
// change, so a late writer cannot resurrect a finished task.
func (r *MemoryRepository) Update(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if lifecycle.IsTerminal(cur.State) && t.State != cur.State {
		return lifecycle.ValidateTransition(cur.State, t.State)
	}
	r.tasks[t.ID] = cloneTask(t)
	return nil
}

// List returns matching tasks newest-first plus the unpaged total.
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Task, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Task
	for _, t := range r.tasks {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Model != "" && t.Model != f.Model {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*Task, 0, len(matched))
	for _, t := range matched {
		out = append(out, cloneTask(t))
	}
	return out, total, nil
}

// Delete removes the row; missing ids return ErrNotFound.
func (r *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(r.tasks, id)
	return nil
}

// PruneTerminal removes terminal tasks completed before the cutoff and
// returns the removed count. This implements the retention window.
func (r *MemoryRepository) PruneTerminal(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.tasks {
		if !lifecycle.IsTerminal(t.State) || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed, nil
}
