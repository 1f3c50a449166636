// SPDX-License-Identifier: MIT

package task

import "errors"

// Error kinds of the scheduling core. Callers branch on these with
// errors.Is; wrapped detail carries the specifics.
var (
	// ErrNotFound covers unknown task, model, or structure ids.
	ErrNotFound = errors.New("not found")

	// ErrValidation covers bad parameter shapes or values, rejected before
	// any state change.
	ErrValidation = errors.New("validation failed")

	// ErrResourceUnavailable means no GPU currently meets the memory
	// constraint; the task stays queued and is retried next tick.
	ErrResourceUnavailable = errors.New("no suitable GPU")

	// ErrExecutorFailure means the underlying calculator raised; the task
	// fails and its GPU is released.
	ErrExecutorFailure = errors.New("executor failure")

	// ErrNotTerminal rejects result retrieval for a task still in flight.
	ErrNotTerminal = errors.New("task not in terminal state")
)
