// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTaskID     = "task_id"
	FieldWorkerID   = "worker_id"
	FieldRuleID     = "rule_id"
	FieldAlertID    = "alert_id"
	FieldCallbackID = "callback_id"

	// Scheduling fields
	FieldGPUID     = "gpu_id"
	FieldModel     = "model"
	FieldTaskType  = "task_type"
	FieldPriority  = "priority"
	FieldScore     = "score"
	FieldQueueSize = "queue_size"

	// State fields
	FieldEvent    = "event"
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Delivery fields
	FieldURL     = "url"
	FieldAttempt = "attempt"
	FieldStatus  = "status"
)
