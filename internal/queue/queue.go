// SPDX-License-Identifier: MIT

// Package queue implements the priority staging area for waiting tasks.
//
// Entries are ordered by a single numeric score combining priority rank and
// enqueue time: score = rank*1e12 + unix_seconds. Smaller scores dequeue
// first, which yields strict priority ordering with FIFO inside each
// priority class. Two interchangeable backends exist: an in-memory ordered
// list and a Redis sorted set.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Priority ranks for queue scheduling. Lower rank dequeues first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// String returns the string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ParsePriority converts a priority name to its rank.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("invalid priority: %q", s)
}

// Priorities lists all ranks in dequeue order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// ErrDuplicate is returned when a task id is already present in the queue.
var ErrDuplicate = errors.New("task already queued")

// Entry is a queue member as observed by Peek.
type Entry struct {
	TaskID     string
	Priority   Priority
	EnqueuedAt float64 // unix seconds
	Score      float64
	Position   int
}

// Queue is the priority staging area contract. All operations are safe for
// concurrent callers and observe a linearizable order.
type Queue interface {
	// Enqueue inserts the task and returns its score.
	Enqueue(ctx context.Context, taskID string, priority Priority, metadata map[string]string) (float64, error)
	// Requeue reinserts the task at a previously observed enqueue time,
	// so a failed handoff keeps its FIFO slot.
	Requeue(ctx context.Context, taskID string, priority Priority, enqueuedAt float64) (float64, error)
	// Dequeue removes and returns the least-score entry.
	Dequeue(ctx context.Context) (string, bool, error)
	// PeekFirst returns the head without removing it.
	PeekFirst(ctx context.Context) (string, bool, error)
	// Peek returns the first n entries in ascending score order.
	Peek(ctx context.Context, n int) ([]Entry, error)
	// Remove deletes the entry; used for cancellation.
	Remove(ctx context.Context, taskID string) (bool, error)
	// Position returns the 0-based rank of the task.
	Position(ctx context.Context, taskID string) (int, bool, error)
	// Size returns the total entry count.
	Size(ctx context.Context) (int, error)
	// SizeByPriority counts entries per priority class.
	SizeByPriority(ctx context.Context) (map[Priority]int, error)
	// Reprioritize recomputes the score with a new priority, preserving the
	// original enqueue time.
	Reprioritize(ctx context.Context, taskID string, priority Priority) (bool, error)
	// WaitTime reports how long the task has been queued.
	WaitTime(ctx context.Context, taskID string) (time.Duration, bool, error)
	// Clear empties the queue and returns the removed count.
	Clear(ctx context.Context) (int, error)
}

const priorityBand = 1e12

func scoreFor(p Priority, enqueuedAt float64) float64 {
	return float64(p)*priorityBand + enqueuedAt
}

func splitScore(score float64) (Priority, float64) {
	rank := int(score / priorityBand)
	if rank > int(PriorityLow) {
		rank = int(PriorityLow)
	}
	if rank < 0 {
		rank = 0
	}
	return Priority(rank), score - float64(rank)*priorityBand
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
