// SPDX-License-Identifier: MIT

package task

// Webhook event names emitted over a task's lifetime.
const (
	EventCreated   = "task.created"
	EventStarted   = "task.started"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
	EventTimeout   = "task.timeout"
	EventProgress  = "task.progress"
)

// Events lists every emitted event name.
var Events = []string{
	EventCreated, EventStarted, EventCompleted,
	EventFailed, EventCancelled, EventTimeout, EventProgress,
}

// DefaultCallbackEvents applies when a callback subscribes to no explicit
// event list.
var DefaultCallbackEvents = []string{EventCompleted, EventFailed}

// EventForState maps a terminal state label to its event name.
func EventForState(state string) string {
	switch state {
	case "completed":
		return EventCompleted
	case "failed":
		return EventFailed
	case "cancelled":
		return EventCancelled
	case "timeout":
		return EventTimeout
	}
	return ""
}
