// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
)

type memberEntry struct {
	taskID     string
	score      float64
	seq        uint64 // insertion order tie-break below score resolution
	enqueuedAt float64
	metadata   map[string]string
}

// MemoryQueue is the in-process Queue backend. A single mutex guards the
// ordered member list; sizes stay small enough that linear scans are fine.
type MemoryQueue struct {
	mu      sync.Mutex
	members []memberEntry
	present map[string]bool
	seq     uint64
	logger  zerolog.Logger
}

// NewMemoryQueue creates an empty in-memory priority queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		present: make(map[string]bool),
		logger:  log.WithComponent("queue"),
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) insertLocked(e memberEntry) {
	i := sort.Search(len(q.members), func(i int) bool {
		m := q.members[i]
		if m.score != e.score {
			return m.score > e.score
		}
		return m.seq > e.seq
	})
	q.members = append(q.members, memberEntry{})
	copy(q.members[i+1:], q.members[i:])
	q.members[i] = e
	q.present[e.taskID] = true
}

func (q *MemoryQueue) removeLocked(taskID string) (memberEntry, bool) {
	for i, m := range q.members {
		if m.taskID == taskID {
			q.members = append(q.members[:i], q.members[i+1:]...)
			delete(q.present, taskID)
			return m, true
		}
	}
	return memberEntry{}, false
}

// Enqueue inserts the task with score = rank*1e12 + now.
func (q *MemoryQueue) Enqueue(_ context.Context, taskID string, priority Priority, metadata map[string]string) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.present[taskID] {
		return 0, ErrDuplicate
	}

	now := nowSeconds()
	score := scoreFor(priority, now)
	q.seq++
	q.insertLocked(memberEntry{
		taskID:     taskID,
		score:      score,
		seq:        q.seq,
		enqueuedAt: now,
		metadata:   metadata,
	})

	queueSize.WithLabelValues(priority.String()).Inc()
	queueOps.WithLabelValues("enqueue").Inc()
	q.logger.Debug().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldPriority, priority.String()).
		Float64(log.FieldScore, score).
		Int(log.FieldQueueSize, len(q.members)).
		Msg("task enqueued")

	return score, nil
}

// Requeue reinserts the task scored with the original enqueue time, so it
// lands back in the slot it held before it was removed.
func (q *MemoryQueue) Requeue(_ context.Context, taskID string, priority Priority, enqueuedAt float64) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.present[taskID] {
		return 0, ErrDuplicate
	}

	score := scoreFor(priority, enqueuedAt)
	q.seq++
	q.insertLocked(memberEntry{
		taskID:     taskID,
		score:      score,
		seq:        q.seq,
		enqueuedAt: enqueuedAt,
	})

	queueSize.WithLabelValues(priority.String()).Inc()
	queueOps.WithLabelValues("requeue").Inc()
	q.logger.Debug().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldPriority, priority.String()).
		Float64(log.FieldScore, score).
		Msg("task requeued")

	return score, nil
}

// Dequeue removes and returns the least-score entry.
func (q *MemoryQueue) Dequeue(_ context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.members) == 0 {
		return "", false, nil
	}
	head := q.members[0]
	q.members = q.members[1:]
	delete(q.present, head.taskID)

	priority, _ := splitScore(head.score)
	queueSize.WithLabelValues(priority.String()).Dec()
	queueWaitTime.WithLabelValues(priority.String()).Observe(nowSeconds() - head.enqueuedAt)
	queueOps.WithLabelValues("dequeue").Inc()
	q.logger.Debug().
		Str(log.FieldTaskID, head.taskID).
		Int(log.FieldQueueSize, len(q.members)).
		Msg("task dequeued")

	return head.taskID, true, nil
}

// PeekFirst returns the head without removing it.
func (q *MemoryQueue) PeekFirst(_ context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.members) == 0 {
		return "", false, nil
	}
	return q.members[0].taskID, true, nil
}

// Peek returns the first n entries in ascending score order.
func (q *MemoryQueue) Peek(_ context.Context, n int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.members) {
		n = len(q.members)
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		m := q.members[i]
		priority, _ := splitScore(m.score)
		out = append(out, Entry{
			TaskID:     m.taskID,
			Priority:   priority,
			EnqueuedAt: m.enqueuedAt,
			Score:      m.score,
			Position:   i,
		})
	}
	return out, nil
}

// Remove deletes the entry; used for cancellation.
func (q *MemoryQueue) Remove(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.removeLocked(taskID)
	if !ok {
		return false, nil
	}
	priority, _ := splitScore(m.score)
	queueSize.WithLabelValues(priority.String()).Dec()
	queueOps.WithLabelValues("remove").Inc()
	q.logger.Debug().
		Str(log.FieldTaskID, taskID).
		Msg("task removed from queue")
	return true, nil
}

// Position returns the 0-based rank of the task.
func (q *MemoryQueue) Position(_ context.Context, taskID string) (int, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.members {
		if m.taskID == taskID {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// Size returns the total entry count.
func (q *MemoryQueue) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.members), nil
}

// SizeByPriority counts entries per priority class.
func (q *MemoryQueue) SizeByPriority(_ context.Context) (map[Priority]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[Priority]int, len(Priorities))
	for _, p := range Priorities {
		counts[p] = 0
	}
	for _, m := range q.members {
		priority, _ := splitScore(m.score)
		counts[priority]++
	}
	return counts, nil
}

// Reprioritize recomputes the score with the new priority while preserving
// the original enqueue time, so FIFO order inside the new class reflects
// submission order.
func (q *MemoryQueue) Reprioritize(_ context.Context, taskID string, priority Priority) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.removeLocked(taskID)
	if !ok {
		return false, nil
	}
	oldPriority, enqueuedAt := splitScore(m.score)
	m.score = scoreFor(priority, enqueuedAt)
	q.insertLocked(m)

	if oldPriority != priority {
		queueSize.WithLabelValues(oldPriority.String()).Dec()
		queueSize.WithLabelValues(priority.String()).Inc()
	}
	queueOps.WithLabelValues("reprioritize").Inc()
	q.logger.Info().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldPriority, priority.String()).
		Float64(log.FieldScore, m.score).
		Msg("task reprioritized")
	return true, nil
}

// WaitTime reports how long the task has been queued.
func (q *MemoryQueue) WaitTime(_ context.Context, taskID string) (time.Duration, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.members {
		if m.taskID == taskID {
			return time.Duration((nowSeconds() - m.enqueuedAt) * float64(time.Second)), true, nil
		}
	}
	return 0, false, nil
}

// Clear empties the queue and returns the removed count.
func (q *MemoryQueue) Clear(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := len(q.members)
	for _, m := range q.members {
		priority, _ := splitScore(m.score)
		queueSize.WithLabelValues(priority.String()).Dec()
	}
	q.members = nil
	q.present = make(map[string]bool)
	if count > 0 {
		q.logger.Warn().Int("removed", count).Msg("queue cleared")
	}
	return count, nil
}
