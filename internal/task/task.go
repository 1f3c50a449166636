// SPDX-License-Identifier: MIT

// Package task defines the unit of work and its durable repository.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/queue"
)

// Type tags the computation a task performs.
type Type string

const (
	TypeOptimization      Type = "optimization"
	TypeStability         Type = "stability"
	TypeBulkModulus       Type = "bulk_modulus"
	TypeHeatCapacity      Type = "heat_capacity"
	TypeInteractionEnergy Type = "interaction_energy"
	TypeSinglePoint       Type = "single_point"
)

// Types lists every known task type.
var Types = []Type{
	TypeOptimization, TypeStability, TypeBulkModulus,
	TypeHeatCapacity, TypeInteractionEnergy, TypeSinglePoint,
}

// ValidType reports whether t names a known task type.
func ValidType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Callback captures a task's webhook subscription.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"` // empty means completed+failed
}

// Task is the unit of work. The scheduler core is the sole mutator while the
// task is in a non-terminal state; the repository is a durable mirror.
type Task struct {
	ID           uuid.UUID
	Type         Type
	Model        string
	StructureRef string
	Parameters   map[string]any
	Priority     queue.Priority
	State        lifecycle.State

	AtomCount int
	Formula   string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	GPUID *int

	Result         map[string]any
	OutputFiles    map[string]string
	ErrorMessage   string
	ErrorTraceback string

	Callback *Callback
	Timeout  time.Duration // 0 means per-type default
}

// New constructs a pending task with a fresh id.
func New(taskType Type, model, structureRef string, params map[string]any, priority queue.Priority) *Task {
	return &Task{
		ID:           uuid.New(),
		Type:         taskType,
		Model:        model,
		StructureRef: structureRef,
		Parameters:   params,
		Priority:     priority,
		State:        lifecycle.StatePending,
		CreatedAt:    time.Now().UTC(),
	}
}

// Terminal reports whether the task reached a terminal state.
func (t *Task) Terminal() bool {
	return lifecycle.IsTerminal(t.State)
}

// Structure is the parsed-structure row shared with the submit surface.
type Structure struct {
	ID        uuid.UUID
	Name      string
	Path      string
	AtomCount int
	Formula   string
	Checksum  string
	CreatedAt time.Time
}
